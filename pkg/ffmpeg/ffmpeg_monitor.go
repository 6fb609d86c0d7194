package ffmpeg

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"markerswitch/pkg/logging"
)

// OutputBuffer stores recent output lines for crash dump analysis
type OutputBuffer struct {
	lines    []string
	maxLines int
	index    int
	full     bool
	mutex    sync.RWMutex
}

// NewOutputBuffer creates a circular buffer for storing recent output
func NewOutputBuffer(maxLines int) *OutputBuffer {
	if maxLines < 1 {
		maxLines = 1
	}
	return &OutputBuffer{
		lines:    make([]string, maxLines),
		maxLines: maxLines,
	}
}

// Add stores a new line in the circular buffer
func (ob *OutputBuffer) Add(line string) {
	ob.mutex.Lock()
	defer ob.mutex.Unlock()

	ob.lines[ob.index] = fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05.000"), line)
	ob.index = (ob.index + 1) % ob.maxLines
	if ob.index == 0 {
		ob.full = true
	}
}

// GetRecent returns the most recent lines (oldest first)
func (ob *OutputBuffer) GetRecent() []string {
	ob.mutex.RLock()
	defer ob.mutex.RUnlock()

	var result []string
	if ob.full {
		// start from current index (oldest)
		for i := 0; i < ob.maxLines; i++ {
			result = append(result, ob.lines[(ob.index+i)%ob.maxLines])
		}
		return result
	}
	for i := 0; i < ob.index; i++ {
		result = append(result, ob.lines[i])
	}
	return result
}

// Tail joins the last n lines, for embedding into error messages
func (ob *OutputBuffer) Tail(n int) string {
	lines := ob.GetRecent()
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "; ")
}

// monitorOutput copies the duplication process's stderr into the crash buffer
// until the pipe closes.
func monitorOutput(pipe io.Reader, pid int, buffer *OutputBuffer) {
	scanner := bufio.NewScanner(pipe)
	// Increase buffer size to handle long FFmpeg lines
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineCount := 0
	for scanner.Scan() {
		line := scanner.Text()
		lineCount++
		buffer.Add(line)
		slog.Debug(line, "component", "FFMPEG_STDERR", "pid", pid)
	}
	if err := scanner.Err(); err != nil {
		buffer.Add(fmt.Sprintf("SCANNER_ERROR: %v", err))
	}
	logging.Debug("PASSTHROUGH_MONITOR", fmt.Sprintf("Output monitor for PID %d finished (%d lines)", pid, lineCount))
}

// dumpCrashInfo logs the buffered stderr after an unexpected exit
func dumpCrashInfo(pid int, reason string, buffer *OutputBuffer) {
	lines := buffer.GetRecent()
	slog.Warn("passthrough process exited unexpectedly",
		"component", "PASSTHROUGH_CRASH", "pid", pid, "reason", reason, "stderr_lines", len(lines))
	if len(lines) == 0 {
		slog.Warn("(no stderr output captured)", "component", "PASSTHROUGH_CRASH")
		return
	}
	for _, line := range lines {
		slog.Warn(line, "component", "PASSTHROUGH_CRASH")
	}
}
