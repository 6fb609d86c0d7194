package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is not a real test. It is re-executed by helperCommand to
// stand in for ffmpeg.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	switch os.Getenv("HELPER_MODE") {
	case "fail":
		fmt.Fprintln(os.Stderr, "/dev/video0: Cannot open video device")
		os.Exit(1)
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		io.Copy(io.Discard, os.Stdin)
		time.Sleep(time.Hour)
	default:
		buf := make([]byte, 1)
		for {
			n, err := os.Stdin.Read(buf)
			if n == 1 && buf[0] == 'q' {
				os.Exit(0)
			}
			if err != nil {
				// control channel gone; only a signal ends us now
				time.Sleep(time.Hour)
			}
		}
	}
}

func helperCommand(mode string) func(args []string) *exec.Cmd {
	return func(args []string) *exec.Cmd {
		cs := append([]string{"-test.run=TestHelperProcess", "--"}, args...)
		cmd := exec.Command(os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "HELPER_MODE="+mode)
		return cmd
	}
}

func newTestSupervisor(t *testing.T, mode string) (*Supervisor, string) {
	t.Helper()
	dir := t.TempDir()
	source := filepath.Join(dir, "video0")
	require.NoError(t, os.WriteFile(source, nil, 0644))

	s := NewSupervisor(SupervisorConfig{
		Binary:       os.Args[0],
		TokenPath:    filepath.Join(dir, "passthrough.pid"),
		GracePeriod:  300 * time.Millisecond,
		StartupProbe: 150 * time.Millisecond,
	})
	s.command = helperCommand(mode)
	return s, source
}

var testProfile = StreamProfile{PixelFormat: "mjpeg", FrameRate: 30}

func TestBuildArgs(t *testing.T) {
	args := BuildArgs("/dev/video0", "/dev/video10",
		StreamProfile{PixelFormat: "mjpeg", FrameRate: 30, Resolution: "1280x720"}, "quiet")

	assert.Equal(t, []string{
		"-hide_banner", "-nostats", "-loglevel", "quiet",
		"-f", "v4l2", "-framerate", "30", "-input_format", "mjpeg", "-video_size", "1280x720",
		"-i", "/dev/video0",
		"-f", "v4l2", "-pix_fmt", "yuv420p", "-y", "/dev/video10",
	}, args)

	args = BuildArgs("/dev/video0", "/dev/video10", StreamProfile{PixelFormat: "yuyv422", Resolution: "None"}, "error")
	assert.NotContains(t, args, "-video_size")
	assert.NotContains(t, args, "-framerate")
}

func TestStreamProfileValidate(t *testing.T) {
	assert.NoError(t, testProfile.Validate())
	assert.NoError(t, StreamProfile{PixelFormat: "mjpeg", Resolution: "None"}.Validate())
	assert.Error(t, StreamProfile{}.Validate())
	assert.Error(t, StreamProfile{PixelFormat: "mjpeg", FrameRate: -1}.Validate())
	assert.Error(t, StreamProfile{PixelFormat: "mjpeg", Resolution: "16:9"}.Validate())
}

func TestTokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "token.pid")
	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, WriteToken(path, Token{PID: 4242, RunID: "abc", Binary: "ffmpeg",
		Source: "/dev/video0", Clone: "/dev/video10", Started: started}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "4242\n", "first line stays a plain pid")

	tok, err := ReadToken(path)
	require.NoError(t, err)
	assert.Equal(t, 4242, tok.PID)
	assert.Equal(t, "/dev/video10", tok.Clone)
	assert.True(t, started.Equal(tok.Started))

	require.NoError(t, RemoveToken(path))
	require.NoError(t, RemoveToken(path), "removing twice is fine")
	_, err = ReadToken(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestReadTokenRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid\n"), 0644))
	_, err := ReadToken(path)
	assert.Error(t, err)
}

func TestSupervisorStartStop(t *testing.T) {
	s, source := newTestSupervisor(t, "quit")

	h, err := s.Start(context.Background(), source, "/dev/video10", testProfile)
	require.NoError(t, err)
	assert.True(t, h.Alive())
	assert.NotEmpty(t, h.RunID)

	tok, err := ReadToken(s.TokenPath())
	require.NoError(t, err)
	assert.Equal(t, h.PID, tok.PID)
	assert.Equal(t, h.RunID, tok.RunID)

	require.NoError(t, s.Stop(h))
	assert.False(t, h.Alive())
	assert.Nil(t, s.Active())
	_, err = os.Stat(s.TokenPath())
	assert.True(t, os.IsNotExist(err))

	// idempotent
	require.NoError(t, s.Stop(h))
	require.NoError(t, s.Stop(nil))
}

func TestSupervisorStartTwiceKeepsOneProcess(t *testing.T) {
	s, source := newTestSupervisor(t, "quit")

	first, err := s.Start(context.Background(), source, "/dev/video10", testProfile)
	require.NoError(t, err)
	second, err := s.Start(context.Background(), source, "/dev/video10", testProfile)
	require.NoError(t, err)
	defer s.Stop(second)

	assert.False(t, first.Alive(), "first process must be stopped")
	assert.True(t, second.Alive())
	assert.Same(t, second, s.Active())

	tok, err := ReadToken(s.TokenPath())
	require.NoError(t, err)
	assert.Equal(t, second.PID, tok.PID)
}

func TestSupervisorReclaimsOrphan(t *testing.T) {
	s, source := newTestSupervisor(t, "quit")

	// an orphan from a "crashed" earlier run: alive, no handle, token on disk
	orphan := helperCommand("quit")(nil)
	orphan.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdin, err := orphan.StdinPipe()
	require.NoError(t, err)
	defer stdin.Close()
	require.NoError(t, orphan.Start())
	exited := make(chan struct{})
	go func() {
		orphan.Wait()
		close(exited)
	}()
	require.NoError(t, WriteToken(s.TokenPath(), Token{PID: orphan.Process.Pid, Binary: os.Args[0]}))

	h, err := s.Start(context.Background(), source, "/dev/video10", testProfile)
	require.NoError(t, err)
	defer s.Stop(h)

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("orphaned process was not reclaimed")
	}

	assert.True(t, h.Alive())
	tok, err := ReadToken(s.TokenPath())
	require.NoError(t, err)
	assert.Equal(t, h.PID, tok.PID)
}

func TestSupervisorReclaimsOrphanAfterBinaryChange(t *testing.T) {
	s, source := newTestSupervisor(t, "quit")
	s.cfg.Binary = "/usr/bin/ffmpeg"

	orphan := helperCommand("quit")(nil)
	orphan.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdin, err := orphan.StdinPipe()
	require.NoError(t, err)
	defer stdin.Close()
	require.NoError(t, orphan.Start())
	exited := make(chan struct{})
	go func() {
		orphan.Wait()
		close(exited)
	}()
	// recorded by a run configured with a different binary path
	require.NoError(t, WriteToken(s.TokenPath(), Token{PID: orphan.Process.Pid, Binary: os.Args[0]}))

	h, err := s.Start(context.Background(), source, "/dev/video10", testProfile)
	require.NoError(t, err)
	defer s.Stop(h)

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("orphan left running next to the new process")
	}
	assert.True(t, h.Alive())
}

func TestSupervisorBadProfileKeepsRunningProcess(t *testing.T) {
	s, source := newTestSupervisor(t, "quit")

	h, err := s.Start(context.Background(), source, "/dev/video10", testProfile)
	require.NoError(t, err)
	defer s.Stop(h)

	_, err = s.Start(context.Background(), source, "/dev/video10", StreamProfile{PixelFormat: "mjpeg", Resolution: "huge"})
	assert.True(t, errors.Is(err, ErrPassthroughStartFailed))
	_, err = s.Start(context.Background(), "/dev/does-not-exist", "/dev/video10", testProfile)
	assert.True(t, errors.Is(err, ErrPassthroughStartFailed))

	assert.True(t, h.Alive())
	assert.Same(t, h, s.Active())
	tok, err := ReadToken(s.TokenPath())
	require.NoError(t, err)
	assert.Equal(t, h.PID, tok.PID)
}

func TestSupervisorIgnoresStaleToken(t *testing.T) {
	s, source := newTestSupervisor(t, "quit")

	dead := exec.Command(os.Args[0], "-test.run=XXX_NONE")
	require.NoError(t, dead.Run())
	require.NoError(t, WriteToken(s.TokenPath(), Token{PID: dead.ProcessState.Pid(), Binary: os.Args[0]}))

	h, err := s.Start(context.Background(), source, "/dev/video10", testProfile)
	require.NoError(t, err)
	defer s.Stop(h)

	tok, err := ReadToken(s.TokenPath())
	require.NoError(t, err)
	assert.Equal(t, h.PID, tok.PID)
}

func TestSupervisorStartFailure(t *testing.T) {
	s, source := newTestSupervisor(t, "fail")

	h, err := s.Start(context.Background(), source, "/dev/video10", testProfile)
	assert.Nil(t, h)
	assert.True(t, errors.Is(err, ErrPassthroughStartFailed))
	assert.Contains(t, err.Error(), "Cannot open video device")

	_, statErr := os.Stat(s.TokenPath())
	assert.True(t, os.IsNotExist(statErr), "no token for a failed start")
}

func TestSupervisorMissingSource(t *testing.T) {
	s, _ := newTestSupervisor(t, "quit")

	_, err := s.Start(context.Background(), "/dev/does-not-exist", "/dev/video10", testProfile)
	assert.True(t, errors.Is(err, ErrPassthroughStartFailed))
}

func TestSupervisorEscalatesToKill(t *testing.T) {
	s, source := newTestSupervisor(t, "stubborn")

	h, err := s.Start(context.Background(), source, "/dev/video10", testProfile)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Stop(h))
	assert.False(t, h.Alive())
	assert.Less(t, time.Since(start), 5*time.Second)
	_, err = os.Stat(s.TokenPath())
	assert.True(t, os.IsNotExist(err))
}

func TestOutputBufferWraps(t *testing.T) {
	ob := NewOutputBuffer(3)
	assert.Empty(t, ob.GetRecent())
	for i := 1; i <= 5; i++ {
		ob.Add(fmt.Sprintf("line %d", i))
	}
	recent := ob.GetRecent()
	require.Len(t, recent, 3)
	assert.Contains(t, recent[0], "line 3")
	assert.Contains(t, recent[2], "line 5")
	assert.Contains(t, ob.Tail(1), "line 5")
}
