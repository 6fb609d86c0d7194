package runner

import (
	"context"
	"fmt"
	"sync"

	"markerswitch/pkg/ffmpeg"
	"markerswitch/pkg/logging"
	"markerswitch/trace"
)

// Passthrough is the duplication process the worker owns for one run
type Passthrough interface {
	Start(ctx context.Context) error
	Stop() error
	// Done is closed if the process exits on its own
	Done() <-chan struct{}
}

// FFmpegPassthrough runs one source -> clone duplication through a supervisor
type FFmpegPassthrough struct {
	sup     *ffmpeg.Supervisor
	source  string
	clone   string
	profile ffmpeg.StreamProfile

	mu     sync.Mutex
	handle *ffmpeg.Handle
}

// NewFFmpegPassthrough binds the supervisor to one device pair and profile
func NewFFmpegPassthrough(sup *ffmpeg.Supervisor, source, clone string, profile ffmpeg.StreamProfile) *FFmpegPassthrough {
	return &FFmpegPassthrough{sup: sup, source: source, clone: clone, profile: profile}
}

// Start launches the process, replacing any earlier one
func (p *FFmpegPassthrough) Start(ctx context.Context) error {
	ctx, span := trace.InstrumentPassthroughStart(ctx, p.source, p.clone)
	defer span.End()

	h, err := p.sup.Start(ctx, p.source, p.clone, p.profile)
	if err != nil {
		trace.RecordError(span, err)
		return err
	}
	span.SetAttributes(trace.PIDAttr(h.PID), trace.RunIDAttr(h.RunID))

	p.mu.Lock()
	p.handle = h
	p.mu.Unlock()

	logging.Debug("PASSTHROUGH", fmt.Sprintf("Cloning %s -> %s (pid %d)", p.source, p.clone, h.PID))
	return nil
}

// Stop ends the process; calling it again is a no-op
func (p *FFmpegPassthrough) Stop() error {
	p.mu.Lock()
	h := p.handle
	p.mu.Unlock()
	return p.sup.Stop(h)
}

// Done is closed when the running process exits
func (p *FFmpegPassthrough) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle == nil {
		return nil
	}
	return p.handle.Done()
}
