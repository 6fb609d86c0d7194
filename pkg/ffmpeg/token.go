package ffmpeg

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultTokenPath is where the liveness token lives unless configured otherwise
const DefaultTokenPath = "/tmp/markerswitch-passthrough.pid"

// Token is the persisted identity of a running duplication process.
//
// The file keeps the PID alone on its first line so it stays usable as a plain
// pidfile; the remaining key=value lines are informational.
type Token struct {
	PID     int
	RunID   string
	Binary  string
	Source  string
	Clone   string
	Started time.Time
}

// WriteToken atomically replaces the token file at path
func WriteToken(path string, tok Token) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d\n", tok.PID)
	fmt.Fprintf(&buf, "run_id=%s\n", tok.RunID)
	fmt.Fprintf(&buf, "binary=%s\n", tok.Binary)
	fmt.Fprintf(&buf, "source=%s\n", tok.Source)
	fmt.Fprintf(&buf, "clone=%s\n", tok.Clone)
	fmt.Fprintf(&buf, "started=%s\n", tok.Started.UTC().Format(time.RFC3339))

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".passthrough-token-*")
	if err != nil {
		return fmt.Errorf("failed to create token file: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close token file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to install token file: %w", err)
	}
	return nil
}

// ReadToken parses the token at path. A missing file yields an error
// satisfying errors.Is(err, os.ErrNotExist).
func ReadToken(path string) (Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Token{}, err
	}

	var tok Token
	scanner := bufio.NewScanner(bytes.NewReader(data))
	if !scanner.Scan() {
		return Token{}, fmt.Errorf("empty token file %s", path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil || pid <= 0 {
		return Token{}, fmt.Errorf("invalid pid in token file %s: %q", path, scanner.Text())
	}
	tok.PID = pid

	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		switch key {
		case "run_id":
			tok.RunID = value
		case "binary":
			tok.Binary = value
		case "source":
			tok.Source = value
		case "clone":
			tok.Clone = value
		case "started":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				tok.Started = t
			}
		}
	}
	return tok, nil
}

// RemoveToken deletes the token file; a missing file is not an error
func RemoveToken(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove token file: %w", err)
	}
	return nil
}
