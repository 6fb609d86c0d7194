// Package overlay draws recognized markers and switch state onto a copy of
// a frame and saves it as a JPEG, for checking what the switcher saw when it
// changed scene.
package overlay

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"time"

	"gocv.io/x/gocv"

	"markerswitch/capture"
	"markerswitch/detection"
	"markerswitch/pkg/logging"
)

var (
	markerGreen = color.RGBA{R: 0x11, G: 0x8a, B: 0x28, A: 255}
	cornerRed   = color.RGBA{R: 0xff, G: 0x30, B: 0x30, A: 255}
	bannerBlack = color.RGBA{A: 200}
	textWhite   = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// ErrWriteFailed is returned when OpenCV could not encode the snapshot
var ErrWriteFailed = errors.New("snapshot write failed")

// Event is the switch being recorded
type Event struct {
	Scene string // scene switched to
	Side  string // machine side after the switch
	Frame int64  // frame sequence number
}

// Renderer writes annotated snapshots below a directory. An empty directory
// disables it.
type Renderer struct {
	directory string
	now       func() time.Time
}

// NewRenderer creates a renderer writing below directory
func NewRenderer(directory string) *Renderer {
	return &Renderer{directory: directory, now: time.Now}
}

// Enabled reports whether snapshots are written at all
func (r *Renderer) Enabled() bool {
	return r != nil && r.directory != ""
}

// Snapshot draws markers and the event onto a copy of frame and saves it.
// It returns the path written.
func (r *Renderer) Snapshot(frame *capture.Frame, markers []detection.Marker, ev Event) (string, error) {
	if !r.Enabled() {
		return "", nil
	}
	if frame == nil || frame.Mat.Empty() {
		return "", fmt.Errorf("%w: empty frame", ErrWriteFailed)
	}

	// the capture buffer is reused, so draw on a copy
	img := frame.Mat.Clone()
	defer img.Close()

	for _, m := range markers {
		r.DrawMarker(&img, m)
	}
	r.drawBanner(&img, ev, len(markers))

	return r.saveJpegFrame(img, ev.Side, len(markers))
}

// DrawMarker outlines one marker, highlights its first corner and labels it
func (r *Renderer) DrawMarker(img *gocv.Mat, m detection.Marker) {
	n := len(m.Corners)
	if n == 0 {
		return
	}
	for i := 0; i < n; i++ {
		gocv.Line(img, m.Corners[i], m.Corners[(i+1)%n], markerGreen, 2)
	}
	gocv.Circle(img, m.Corners[0], 4, cornerRed, -1)

	label := fmt.Sprintf("id=%d", m.ID)
	pos := image.Pt(m.Corners[0].X, m.Corners[0].Y-8)
	// keep the label inside the frame
	if pos.Y < 15 {
		pos.Y = m.Center().Y
	}
	gocv.PutText(img, label, pos, gocv.FontHersheySimplex, 0.5, markerGreen, 2)
}

func (r *Renderer) drawBanner(img *gocv.Mat, ev Event, count int) {
	width := img.Cols()
	if width > 520 {
		width = 520
	}
	gocv.Rectangle(img, image.Rect(0, 0, width, 48), bannerBlack, -1)

	lines := []string{
		fmt.Sprintf("%s  frame %d  markers %d", r.now().Format("15:04:05.000"), ev.Frame, count),
		fmt.Sprintf("%s -> %s", ev.Side, ev.Scene),
	}
	for i, line := range lines {
		gocv.PutText(img, line, image.Pt(8, 18+i*20), gocv.FontHersheySimplex, 0.5, textWhite, 1)
	}
}

// saveJpegFrame saves a frame as JPEG with timestamp naming. Files are
// organized into subdirectories by date and hour (12-hour format).
func (r *Renderer) saveJpegFrame(frame gocv.Mat, prefix string, markerCount int) (string, error) {
	now := r.now()

	// 2025-01-01_03PM
	hour := now.Hour()
	hour12 := hour % 12
	if hour12 == 0 {
		hour12 = 12
	}
	ampm := "AM"
	if hour >= 12 {
		ampm = "PM"
	}
	subdir := filepath.Join(r.directory, fmt.Sprintf("%s_%02d%s", now.Format("2006-01-02"), hour12, ampm))

	if err := os.MkdirAll(subdir, 0755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory %s: %w", subdir, err)
	}

	filename := fmt.Sprintf("%s_%s_markers_%d.jpg", now.Format("20060102_150405.000"), prefix, markerCount)
	path := filepath.Join(subdir, filename)

	if !gocv.IMWrite(path, frame) {
		return "", fmt.Errorf("%w: %s", ErrWriteFailed, path)
	}
	logging.Debug("SNAPSHOT", fmt.Sprintf("Saved %s", path))
	return path, nil
}
