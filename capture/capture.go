package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"markerswitch/pkg/logging"
)

var (
	// ErrDeviceUnavailable means the device could not be opened. It is usually
	// transient right after the passthrough starts.
	ErrDeviceUnavailable = errors.New("video device unavailable")

	// ErrEndOfStream means the device stopped producing frames or was closed.
	// It is the normal loop exit, not a failure.
	ErrEndOfStream = errors.New("end of stream")
)

// Frame is one decoded BGR image. The Mat is owned by the Source and reused
// by the next call to Next.
type Frame struct {
	Mat       gocv.Mat
	Sequence  int64
	Timestamp time.Time
}

// Width of the frame in pixels
func (f *Frame) Width() int { return f.Mat.Cols() }

// Height of the frame in pixels
func (f *Frame) Height() int { return f.Mat.Rows() }

// reader is the part of gocv.VideoCapture the source uses
type reader interface {
	Read(m *gocv.Mat) bool
	Set(prop gocv.VideoCaptureProperties, param float64)
	Close() error
}

// openDevice opens a V4L2 device through OpenCV; replaced in tests
var openDevice = func(device string) (reader, error) {
	vc, err := gocv.VideoCaptureFileWithAPI(device, gocv.VideoCaptureV4L2)
	if vc == nil {
		return nil, err
	}
	return vc, err
}

// OpenOptions controls how hard Open tries before giving up
type OpenOptions struct {
	Attempts int           // total attempts, default 10
	Backoff  time.Duration // grows linearly per attempt, default 500ms
}

func (o *OpenOptions) setDefaults() {
	if o.Attempts <= 0 {
		o.Attempts = 10
	}
	if o.Backoff <= 0 {
		o.Backoff = 500 * time.Millisecond
	}
}

// Source reads frames from a video device one at a time
type Source struct {
	device string
	cap    reader
	frame  Frame

	mu      sync.Mutex
	reading bool
	closed  bool
}

// Open opens device for reading, retrying with backoff while the device is
// not yet producing frames.
func Open(ctx context.Context, device string, opts OpenOptions) (*Source, error) {
	opts.setDefaults()

	var lastErr error
	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		cap, err := openDevice(device)
		if err == nil {
			// Minimize OpenCV buffering so frames are as fresh as possible
			cap.Set(gocv.VideoCaptureBufferSize, 1)
			logging.Debug("CAPTURE", fmt.Sprintf("Opened %s (attempt %d)", device, attempt))
			return &Source{
				device: device,
				cap:    cap,
				frame:  Frame{Mat: gocv.NewMat()},
			}, nil
		}
		// a failed open still hands back an allocated capture
		if cap != nil {
			cap.Close()
		}
		lastErr = err
		logging.Debug("CAPTURE", fmt.Sprintf("Open %s failed (attempt %d/%d): %v", device, attempt, opts.Attempts, err))

		if attempt == opts.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, device, ctx.Err())
		case <-time.After(opts.Backoff * time.Duration(attempt)):
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %v", ErrDeviceUnavailable, device, opts.Attempts, lastErr)
}

// Device returns the device path this source reads
func (s *Source) Device() string {
	return s.device
}

// Next blocks until the next frame is decoded. It returns ErrEndOfStream when
// the device stops delivering frames or the source has been closed. The
// returned frame is only valid until the following call.
func (s *Source) Next(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrEndOfStream
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrEndOfStream
	}
	s.reading = true
	s.mu.Unlock()

	ok := s.cap.Read(&s.frame.Mat)

	s.mu.Lock()
	s.reading = false
	if s.closed {
		// Close ran while we were inside Read; finish the release here
		s.release()
		s.mu.Unlock()
		return nil, ErrEndOfStream
	}
	s.mu.Unlock()

	if !ok || s.frame.Mat.Empty() {
		return nil, ErrEndOfStream
	}

	s.frame.Sequence++
	s.frame.Timestamp = time.Now()
	return &s.frame, nil
}

// Close releases the device. It is safe to call more than once and from a
// goroutine other than the reader; a read in progress returns ErrEndOfStream.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if !s.reading {
		s.release()
	}
	logging.Debug("CAPTURE", fmt.Sprintf("Closed %s", s.device))
	return nil
}

// release frees OpenCV resources; callers hold s.mu
func (s *Source) release() {
	if s.cap != nil {
		s.cap.Close()
		s.cap = nil
	}
	s.frame.Mat.Close()
}
