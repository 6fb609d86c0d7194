package detection

import (
	"fmt"
	"image"
	"time"

	"gocv.io/x/gocv"

	"markerswitch/capture"
	"markerswitch/marker"
	"markerswitch/pkg/logging"
)

// Marker is one recognized fiducial with its outline in frame coordinates
type Marker struct {
	ID      int
	Corners []image.Point // clockwise from the top-left corner of the pattern
}

// Center returns the mean of the marker's corners
func (m Marker) Center() image.Point {
	if len(m.Corners) == 0 {
		return image.Point{}
	}
	var sx, sy int
	for _, c := range m.Corners {
		sx += c.X
		sy += c.Y
	}
	return image.Pt(sx/len(m.Corners), sy/len(m.Corners))
}

// Provider turns a frame into the set of marker IDs visible in it
type Provider interface {
	Detect(frame *capture.Frame) (marker.Set, error)
	Close() error
	GetProviderInfo() ProviderInfo
}

// ProviderInfo describes the active recognizer
type ProviderInfo struct {
	Type       string        // "ArUco"
	Dictionary string        // e.g. DICT_4X4_50
	Backend    string        // OpenCV module providing detection
	InitTime   time.Duration // time taken to build the detector
}

func (pi ProviderInfo) String() string {
	return fmt.Sprintf("%s %s (%s, init %v)", pi.Type, pi.Dictionary, pi.Backend, pi.InitTime)
}

// NewProvider builds the recognizer for dict and checks it can run a
// detection pass before handing it out.
func NewProvider(dict marker.Dictionary) (Provider, error) {
	startTime := time.Now()
	p, err := NewArucoProvider(dict)
	if err != nil {
		return nil, err
	}
	if !testProvider(p) {
		p.Close()
		return nil, fmt.Errorf("test detection failed for %s", dict)
	}
	p.info.InitTime = time.Since(startTime)
	logging.Debug("PROVIDER", fmt.Sprintf("Detector ready: %s", p.info))
	return p, nil
}

// testProvider performs a quick detection on a blank frame
func testProvider(p Provider) bool {
	frame := capture.Frame{Mat: gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 240, 320, gocv.MatTypeCV8UC3)}
	defer frame.Mat.Close()

	ids, err := p.Detect(&frame)
	return err == nil && ids.Empty()
}
