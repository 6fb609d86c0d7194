package ffmpeg

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"markerswitch/pkg/logging"
)

// processAlive reports whether pid names a running, non-zombie process
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// signal 0 checks existence without delivering anything
	if err := syscall.Kill(pid, syscall.Signal(0)); err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}

	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return true
	}
	// state is the first field after the parenthesised command name
	if i := bytes.LastIndexByte(stat, ')'); i >= 0 {
		fields := strings.Fields(string(stat[i+1:]))
		if len(fields) > 0 && (fields[0] == "Z" || fields[0] == "X") {
			return false
		}
	}
	return true
}

// processMatches reports whether pid's argv[0] has the same base name as binary.
// Guards against killing an unrelated process that inherited a recycled PID.
func processMatches(pid int, binary string) bool {
	cmdline, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/cmdline")
	if err != nil || len(cmdline) == 0 {
		// cannot tell, trust the token
		return true
	}
	argv0 := string(bytes.SplitN(cmdline, []byte{0}, 2)[0])
	return filepath.Base(argv0) == filepath.Base(binary)
}

// signalGroup signals pid's process group, falling back to the single process
func signalGroup(pid int, sig syscall.Signal) {
	if err := syscall.Kill(-pid, sig); err != nil {
		syscall.Kill(pid, sig)
	}
}

// waitGone polls until pid is no longer alive or the timeout elapses
func waitGone(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !processAlive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// killByPID terminates a process we hold no handle for: SIGTERM, bounded wait, SIGKILL.
func killByPID(pid int, grace time.Duration) error {
	signalGroup(pid, syscall.SIGTERM)
	if waitGone(pid, grace) {
		return nil
	}
	logging.Debug("PASSTHROUGH_RECLAIM", fmt.Sprintf("PID %d ignored SIGTERM, sending SIGKILL", pid))
	signalGroup(pid, syscall.SIGKILL)
	if waitGone(pid, grace) {
		return nil
	}
	return fmt.Errorf("process %d survived SIGKILL", pid)
}
