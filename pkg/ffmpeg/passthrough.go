package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"markerswitch/pkg/logging"
)

// ErrPassthroughStartFailed is returned when the duplication process cannot be
// launched or exits before it starts feeding the clone device.
var ErrPassthroughStartFailed = errors.New("passthrough start failed")

// ClonePixelFormat is the fixed format written to the loopback device.
// yuv420p is what v4l2loopback consumers (OBS, browsers) read reliably.
const ClonePixelFormat = "yuv420p"

var videoSizePattern = regexp.MustCompile(`^[1-9][0-9]*x[1-9][0-9]*$`)

// StreamProfile describes how the source device is read
type StreamProfile struct {
	PixelFormat string // v4l2 input format, e.g. "mjpeg" or "yuyv422"
	FrameRate   int    // 0 leaves the device default
	Resolution  string // "WxH"; "" or "None" leaves the device default
}

// VideoSize returns the -video_size value, or "" for the device default
func (p StreamProfile) VideoSize() string {
	if p.Resolution == "" || strings.EqualFold(p.Resolution, "none") {
		return ""
	}
	return p.Resolution
}

// Validate checks the profile fields
func (p StreamProfile) Validate() error {
	if p.PixelFormat == "" {
		return fmt.Errorf("pixel format is required")
	}
	if p.FrameRate < 0 {
		return fmt.Errorf("frame rate must be >= 0, got %d", p.FrameRate)
	}
	if size := p.VideoSize(); size != "" && !videoSizePattern.MatchString(size) {
		return fmt.Errorf("invalid resolution %q: want WxH or None", p.Resolution)
	}
	return nil
}

// BuildArgs returns the ffmpeg arguments that copy source into clone
func BuildArgs(source, clone string, profile StreamProfile, logLevel string) []string {
	args := []string{
		"-hide_banner",
		"-nostats",
		"-loglevel", logLevel,

		// Input: the physical device
		"-f", "v4l2",
	}
	if profile.FrameRate > 0 {
		args = append(args, "-framerate", strconv.Itoa(profile.FrameRate))
	}
	if profile.PixelFormat != "" {
		args = append(args, "-input_format", profile.PixelFormat)
	}
	if size := profile.VideoSize(); size != "" {
		args = append(args, "-video_size", size)
	}
	args = append(args,
		"-i", source,

		// Output: the loopback device
		"-f", "v4l2",
		"-pix_fmt", ClonePixelFormat,
		"-y",
		clone,
	)
	return args
}

// SupervisorConfig configures the passthrough supervisor
type SupervisorConfig struct {
	Binary       string        // duplication binary, default "ffmpeg"
	TokenPath    string        // liveness token location
	LogLevel     string        // ffmpeg -loglevel, default "error"
	GracePeriod  time.Duration // wait after the quit request before escalating
	StartupProbe time.Duration // an exit inside this window fails Start
	OutputLines  int           // stderr lines kept for diagnostics
}

func (c *SupervisorConfig) setDefaults() {
	if c.Binary == "" {
		c.Binary = "ffmpeg"
	}
	if c.TokenPath == "" {
		c.TokenPath = DefaultTokenPath
	}
	if c.LogLevel == "" {
		c.LogLevel = "error"
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 3 * time.Second
	}
	if c.StartupProbe <= 0 {
		c.StartupProbe = 500 * time.Millisecond
	}
	if c.OutputLines <= 0 {
		c.OutputLines = 100
	}
}

// Handle is a running duplication process owned by a Supervisor
type Handle struct {
	PID     int
	RunID   string
	Source  string
	Clone   string
	Started time.Time

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	output  *OutputBuffer
	done    chan struct{}
	waitErr error

	quitOnce sync.Once
	stopping bool
	mu       sync.Mutex
}

// Done is closed once the process has exited
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Alive reports whether the process is still running
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Err returns the process exit error after Done is closed
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.waitErr
	default:
		return nil
	}
}

// RecentOutput returns the buffered stderr lines, oldest first
func (h *Handle) RecentOutput() []string {
	return h.output.GetRecent()
}

// requestQuit sends ffmpeg's interactive quit command over stdin
func (h *Handle) requestQuit() {
	h.quitOnce.Do(func() {
		if _, err := io.WriteString(h.stdin, "q"); err != nil {
			logging.Debug("PASSTHROUGH_STOP", fmt.Sprintf("Quit request to PID %d failed: %v", h.PID, err))
		}
		h.stdin.Close()
	})
}

func (h *Handle) waitExit(timeout time.Duration) bool {
	select {
	case <-h.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// watch drains stderr, reaps the process and reports unexpected exits
func (h *Handle) watch(stderr io.Reader) {
	monitorOutput(stderr, h.PID, h.output)

	// stderr is drained, so Wait may now close the pipes
	err := h.cmd.Wait()
	h.waitErr = err

	h.mu.Lock()
	expected := h.stopping
	h.mu.Unlock()

	if !expected {
		reason := "normal exit"
		if err != nil {
			reason = err.Error()
		}
		dumpCrashInfo(h.PID, reason, h.output)
	}
	logging.Debug("PASSTHROUGH_MONITOR", fmt.Sprintf("Duplication process has exited (PID: %d)", h.PID))
	close(h.done)
}

// Supervisor owns the lifecycle of the stream duplication process.
// At most one process is live per supervisor.
type Supervisor struct {
	cfg    SupervisorConfig
	active *Handle
	mu     sync.Mutex

	// command builds the process; replaced in tests
	command func(args []string) *exec.Cmd
}

// NewSupervisor creates a passthrough supervisor
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	cfg.setDefaults()
	s := &Supervisor{cfg: cfg}
	s.command = func(args []string) *exec.Cmd {
		return exec.Command(s.cfg.Binary, args...)
	}
	return s
}

// TokenPath returns the configured liveness token location
func (s *Supervisor) TokenPath() string {
	return s.cfg.TokenPath
}

// Active returns the live handle, or nil
func (s *Supervisor) Active() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Start launches the duplication process copying source into clone.
// Any process this supervisor or a previous crashed run left behind is stopped first.
func (s *Supervisor) Start(ctx context.Context, source, clone string, profile StreamProfile) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// validate before touching the running process
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPassthroughStartFailed, err)
	}
	if _, err := os.Stat(source); err != nil {
		return nil, fmt.Errorf("%w: source device: %v", ErrPassthroughStartFailed, err)
	}

	if s.active != nil {
		logging.Debug("PASSTHROUGH_STARTUP", fmt.Sprintf("Stopping running passthrough (PID: %d) before restart", s.active.PID))
		if err := s.stopLocked(s.active); err != nil {
			return nil, fmt.Errorf("%w: previous process: %v", ErrPassthroughStartFailed, err)
		}
	}
	if err := s.reclaimLocked(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPassthroughStartFailed, err)
	}

	args := BuildArgs(source, clone, profile, s.cfg.LogLevel)
	cmd := s.command(args)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: could not get stdin: %v", ErrPassthroughStartFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: could not get stderr: %v", ErrPassthroughStartFailed, err)
	}

	logging.Debug("PASSTHROUGH_STARTUP", fmt.Sprintf("Executing: %s %s", s.cfg.Binary, strings.Join(args, " ")))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPassthroughStartFailed, err)
	}

	h := &Handle{
		PID:     cmd.Process.Pid,
		RunID:   uuid.NewString(),
		Source:  source,
		Clone:   clone,
		Started: time.Now(),
		cmd:     cmd,
		stdin:   stdin,
		output:  NewOutputBuffer(s.cfg.OutputLines),
		done:    make(chan struct{}),
	}
	go h.watch(stderr)

	select {
	case <-h.done:
		return nil, fmt.Errorf("%w: %s exited during startup (%v): %s",
			ErrPassthroughStartFailed, s.cfg.Binary, h.Err(), h.output.Tail(5))
	case <-ctx.Done():
		s.terminate(h)
		return nil, ctx.Err()
	case <-time.After(s.cfg.StartupProbe):
	}

	tok := Token{
		PID:     h.PID,
		RunID:   h.RunID,
		Binary:  s.cfg.Binary,
		Source:  source,
		Clone:   clone,
		Started: h.Started,
	}
	if err := WriteToken(s.cfg.TokenPath, tok); err != nil {
		s.terminate(h)
		return nil, fmt.Errorf("%w: %v", ErrPassthroughStartFailed, err)
	}

	s.active = h
	logging.Debug("PASSTHROUGH_STARTUP", fmt.Sprintf("Passthrough started successfully (PID: %d, run: %s) %s -> %s",
		h.PID, h.RunID, source, clone))
	return h, nil
}

// Stop terminates the process behind h. It is idempotent: a nil or already
// stopped handle is a no-op.
func (s *Supervisor) Stop(h *Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(h)
}

func (s *Supervisor) stopLocked(h *Handle) error {
	if h == nil {
		return nil
	}
	s.terminate(h)
	if s.active == h {
		s.active = nil
	}

	// Only remove the token if it still describes this process
	tok, err := ReadToken(s.cfg.TokenPath)
	if err == nil && tok.PID == h.PID {
		return RemoveToken(s.cfg.TokenPath)
	}
	return nil
}

// terminate: quit over stdin, then SIGTERM, then SIGKILL, each bounded.
func (s *Supervisor) terminate(h *Handle) {
	h.mu.Lock()
	h.stopping = true
	h.mu.Unlock()

	if !h.Alive() {
		return
	}

	h.requestQuit()
	if h.waitExit(s.cfg.GracePeriod) {
		logging.Debug("PASSTHROUGH_STOP", fmt.Sprintf("PID %d exited after quit request", h.PID))
		return
	}

	logging.Debug("PASSTHROUGH_STOP", fmt.Sprintf("PID %d did not quit within %v, sending SIGTERM", h.PID, s.cfg.GracePeriod))
	signalGroup(h.PID, syscall.SIGTERM)
	if h.waitExit(s.cfg.GracePeriod) {
		return
	}

	logging.Debug("PASSTHROUGH_STOP", fmt.Sprintf("PID %d ignored SIGTERM, sending SIGKILL", h.PID))
	signalGroup(h.PID, syscall.SIGKILL)
	h.cmd.Process.Kill()
	<-h.done
}

// reclaimLocked clears a liveness token left by a previous run, killing its
// process if it is still alive.
func (s *Supervisor) reclaimLocked() error {
	tok, err := ReadToken(s.cfg.TokenPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		logging.Debug("PASSTHROUGH_RECLAIM", fmt.Sprintf("Discarding unreadable token: %v", err))
		return RemoveToken(s.cfg.TokenPath)
	}

	// the token names the binary that was actually launched
	binary := s.cfg.Binary
	if tok.Binary != "" {
		binary = tok.Binary
	}

	switch {
	case !processAlive(tok.PID):
		logging.Debug("PASSTHROUGH_RECLAIM", fmt.Sprintf("Stale token for dead PID %d", tok.PID))
	case !processMatches(tok.PID, binary):
		logging.Debug("PASSTHROUGH_RECLAIM", fmt.Sprintf("PID %d now belongs to another program, leaving it alone", tok.PID))
	default:
		logging.Debug("PASSTHROUGH_RECLAIM", fmt.Sprintf("Reclaiming orphaned passthrough (PID: %d, run: %s)", tok.PID, tok.RunID))
		if err := killByPID(tok.PID, s.cfg.GracePeriod); err != nil {
			return err
		}
	}
	return RemoveToken(s.cfg.TokenPath)
}
