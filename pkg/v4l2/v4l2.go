// Package v4l2 covers the host-side Video4Linux facts the switcher needs:
// whether the loopback module is loaded, which video devices exist, and what
// formats they offer. Enumeration is meant for configuration time only.
//
// Prerequisites:
//   - v4l2loopback: sudo modprobe v4l2loopback devices=2
//   - v4l-utils (v4l2-ctl) for capability listing
package v4l2

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrModuleMissing is returned when the loopback kernel module is not loaded
var ErrModuleMissing = errors.New("v4l2loopback module missing")

// LoopbackModule is the kernel module providing virtual video devices
const LoopbackModule = "v4l2loopback"

// paths are variables so tests can point them at fixtures
var (
	modulesPath   = "/proc/modules"
	devicePattern = "/dev/video*"
	sysfsClass    = "/sys/class/video4linux"
)

// CheckLoopback fails with ErrModuleMissing unless v4l2loopback is loaded
func CheckLoopback() error {
	f, err := os.Open(modulesPath)
	if err != nil {
		return fmt.Errorf("failed to read loaded modules: %w", err)
	}
	defer f.Close()

	loaded, err := moduleLoaded(f, LoopbackModule)
	if err != nil {
		return fmt.Errorf("failed to read loaded modules: %w", err)
	}
	if !loaded {
		return fmt.Errorf("%w: install it and run: sudo modprobe %s devices=2", ErrModuleMissing, LoopbackModule)
	}
	return nil
}

func moduleLoaded(r io.Reader, name string) (bool, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 && fields[0] == name {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// Device is a video device node
type Device struct {
	Path string // e.g. /dev/video0
	Name string // driver-reported card name, may be empty
}

// ListDevices returns the video device nodes sorted by number
func ListDevices(ctx context.Context) ([]Device, error) {
	matches, err := filepath.Glob(devicePattern)
	if err != nil {
		return nil, fmt.Errorf("failed to scan devices: %w", err)
	}
	sort.Slice(matches, func(i, j int) bool {
		return deviceNumber(matches[i]) < deviceNumber(matches[j])
	})

	devices := make([]Device, 0, len(matches))
	for _, path := range matches {
		select {
		case <-ctx.Done():
			return devices, ctx.Err()
		default:
		}
		devices = append(devices, Device{Path: path, Name: deviceName(path)})
	}
	return devices, nil
}

func deviceNumber(path string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(path), "video"))
	if err != nil {
		return -1
	}
	return n
}

func deviceName(path string) string {
	data, err := os.ReadFile(filepath.Join(sysfsClass, filepath.Base(path), "name"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Format is one pixel format with its frame sizes and rates
type Format struct {
	PixelFormat string // FourCC as v4l2-ctl prints it, e.g. "MJPG"
	Description string
	Sizes       []FrameSize
}

// FrameSize is a discrete resolution and the frame rates offered at it
type FrameSize struct {
	Width      int
	Height     int
	FrameRates []float64
}

func (s FrameSize) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Capabilities asks v4l2-ctl for the formats a device supports
func Capabilities(ctx context.Context, device string) ([]Format, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "v4l2-ctl", "--device", device, "--list-formats-ext").Output()
	if err != nil {
		return nil, fmt.Errorf("v4l2-ctl failed for %s: %w", device, err)
	}
	return parseFormats(strings.NewReader(string(out)))
}

var (
	formatLine   = regexp.MustCompile(`\[\d+\]:\s+'([^']+)'\s+\(([^)]*)\)`)
	sizeLine     = regexp.MustCompile(`Size:\s+\w+\s+(\d+)x(\d+)`)
	intervalLine = regexp.MustCompile(`Interval:.*\(([\d.]+)\s+fps\)`)
)

// parseFormats reads `v4l2-ctl --list-formats-ext` output
func parseFormats(r io.Reader) ([]Format, error) {
	var formats []Format
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if m := formatLine.FindStringSubmatch(line); m != nil {
			formats = append(formats, Format{PixelFormat: m[1], Description: m[2]})
			continue
		}
		if len(formats) == 0 {
			continue
		}
		cur := &formats[len(formats)-1]
		if m := sizeLine.FindStringSubmatch(line); m != nil {
			w, _ := strconv.Atoi(m[1])
			h, _ := strconv.Atoi(m[2])
			cur.Sizes = append(cur.Sizes, FrameSize{Width: w, Height: h})
			continue
		}
		if m := intervalLine.FindStringSubmatch(line); m != nil && len(cur.Sizes) > 0 {
			fps, err := strconv.ParseFloat(m[1], 64)
			if err == nil {
				size := &cur.Sizes[len(cur.Sizes)-1]
				size.FrameRates = append(size.FrameRates, fps)
			}
		}
	}
	return formats, scanner.Err()
}

// FFmpegInputFormat maps a v4l2 FourCC to ffmpeg's -input_format name
func FFmpegInputFormat(fourcc string) string {
	switch strings.ToUpper(fourcc) {
	case "MJPG":
		return "mjpeg"
	case "YUYV":
		return "yuyv422"
	case "H264":
		return "h264"
	case "NV12":
		return "nv12"
	case "YU12":
		return "yuv420p"
	default:
		return strings.ToLower(fourcc)
	}
}
