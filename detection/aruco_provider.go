package detection

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"markerswitch/capture"
	"markerswitch/marker"
)

// ErrEmptyFrame is returned when Detect is handed a frame with no pixels
var ErrEmptyFrame = errors.New("empty frame")

// arucoCodes maps dictionary tags onto OpenCV's predefined dictionaries
var arucoCodes = map[marker.Dictionary]gocv.ArucoDictionaryCode{
	marker.Dict4x4_50:          gocv.ArucoDict4x4_50,
	marker.Dict4x4_100:         gocv.ArucoDict4x4_100,
	marker.Dict4x4_250:         gocv.ArucoDict4x4_250,
	marker.Dict4x4_1000:        gocv.ArucoDict4x4_1000,
	marker.Dict5x5_50:          gocv.ArucoDict5x5_50,
	marker.Dict5x5_100:         gocv.ArucoDict5x5_100,
	marker.Dict5x5_250:         gocv.ArucoDict5x5_250,
	marker.Dict5x5_1000:        gocv.ArucoDict5x5_1000,
	marker.Dict6x6_50:          gocv.ArucoDict6x6_50,
	marker.Dict6x6_100:         gocv.ArucoDict6x6_100,
	marker.Dict6x6_250:         gocv.ArucoDict6x6_250,
	marker.Dict6x6_1000:        gocv.ArucoDict6x6_1000,
	marker.Dict7x7_50:          gocv.ArucoDict7x7_50,
	marker.Dict7x7_100:         gocv.ArucoDict7x7_100,
	marker.Dict7x7_250:         gocv.ArucoDict7x7_250,
	marker.Dict7x7_1000:        gocv.ArucoDict7x7_1000,
	marker.DictArucoOriginal:   gocv.ArucoDictArucoOriginal,
	marker.DictAprilTag16h5:    gocv.ArucoDictAprilTag_16h5,
	marker.DictAprilTag25h9:    gocv.ArucoDictAprilTag_25h9,
	marker.DictAprilTag36h10:   gocv.ArucoDictAprilTag_36h10,
	marker.DictAprilTag36h11:   gocv.ArucoDictAprilTag_36h11,
}

// ArucoCode returns OpenCV's code for dict
func ArucoCode(dict marker.Dictionary) (gocv.ArucoDictionaryCode, error) {
	code, ok := arucoCodes[dict]
	if !ok {
		return 0, fmt.Errorf("%w: %d", marker.ErrUnknownDictionary, int(dict))
	}
	return code, nil
}

// ArucoProvider recognizes square fiducials from one dictionary. The detector
// is built once and reused for every frame.
type ArucoProvider struct {
	detector gocv.ArucoDetector
	gray     gocv.Mat
	info     ProviderInfo

	mu   sync.Mutex
	last []Marker
}

// NewArucoProvider builds a detector for dict with default parameters
func NewArucoProvider(dict marker.Dictionary) (*ArucoProvider, error) {
	code, err := ArucoCode(dict)
	if err != nil {
		return nil, err
	}

	params := gocv.NewArucoDetectorParameters()
	return &ArucoProvider{
		detector: gocv.NewArucoDetectorWithParams(gocv.GetPredefinedDictionary(code), params),
		gray:     gocv.NewMat(),
		info: ProviderInfo{
			Type:       "ArUco",
			Dictionary: dict.String(),
			Backend:    "OpenCV objdetect",
		},
	}, nil
}

// Detect returns the IDs of every marker found in frame. Rejected candidates
// are ignored.
func (ap *ArucoProvider) Detect(frame *capture.Frame) (marker.Set, error) {
	if frame == nil || frame.Mat.Empty() {
		return nil, ErrEmptyFrame
	}

	ap.mu.Lock()
	defer ap.mu.Unlock()

	input := frame.Mat
	if frame.Mat.Channels() == 3 {
		gocv.CvtColor(frame.Mat, &ap.gray, gocv.ColorBGRToGray)
		input = ap.gray
	}

	corners, ids, _ := ap.detector.DetectMarkers(input)

	ap.last = ap.last[:0]
	set := make(marker.Set, len(ids))
	for i, id := range ids {
		set[id] = struct{}{}
		m := Marker{ID: id}
		if i < len(corners) {
			m.Corners = make([]image.Point, len(corners[i]))
			for j, c := range corners[i] {
				m.Corners[j] = image.Pt(int(c.X+0.5), int(c.Y+0.5))
			}
		}
		ap.last = append(ap.last, m)
	}
	return set, nil
}

// LastMarkers returns the outlines found by the most recent Detect call
func (ap *ArucoProvider) LastMarkers() []Marker {
	ap.mu.Lock()
	defer ap.mu.Unlock()

	out := make([]Marker, len(ap.last))
	copy(out, ap.last)
	return out
}

// Close releases the detector
func (ap *ArucoProvider) Close() error {
	ap.mu.Lock()
	defer ap.mu.Unlock()

	ap.detector.Close()
	ap.gray.Close()
	return nil
}

// GetProviderInfo returns information about the detector
func (ap *ArucoProvider) GetProviderInfo() ProviderInfo {
	return ap.info
}
