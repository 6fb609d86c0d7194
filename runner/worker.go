// Package runner owns one switching run: it starts the passthrough, reads the
// cloned device frame by frame, feeds detections through the switch machine
// and applies the resulting scene intents. Every exit path funnels through a
// single teardown so no duplication process outlives the worker.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"markerswitch/capture"
	"markerswitch/detection"
	"markerswitch/marker"
	"markerswitch/overlay"
	"markerswitch/pkg/logging"
	"markerswitch/pkg/v4l2"
	"markerswitch/scene"
	"markerswitch/trace"
)

var (
	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("worker already started")

	// ErrPassthroughExited ends a run whose duplication process died under it
	ErrPassthroughExited = errors.New("passthrough exited unexpectedly")
)

// FrameSource yields decoded frames until end of stream
type FrameSource interface {
	Next(ctx context.Context) (*capture.Frame, error)
	Close() error
}

// Detector reports the marker IDs in a frame
type Detector interface {
	Detect(frame *capture.Frame) (marker.Set, error)
}

// SceneApplier carries scene intents out on the host
type SceneApplier interface {
	Apply(ctx context.Context, intent scene.Intent) error
}

// markerReporter is implemented by detectors that keep the last outlines
type markerReporter interface {
	LastMarkers() []detection.Marker
}

// Options is what the worker does
type Options struct {
	Clone        string
	Machine      scene.Machine
	InitialScene bool // apply Machine.From before the first frame
}

// Deps is what the worker does it with. Provision, Snapshots and CheckModule
// are optional.
type Deps struct {
	Passthrough Passthrough
	Open        func(ctx context.Context, device string) (FrameSource, error)
	Detector    Detector
	Scenes      SceneApplier
	Provision   func(ctx context.Context) error
	Snapshots   *overlay.Renderer
	CheckModule func() error
}

// Stats is a point-in-time view of a running worker
type Stats struct {
	Frames   int64
	Switches int
	State    scene.DebounceState
	Started  time.Time
}

// Worker runs the switch loop on its own goroutine
type Worker struct {
	opts Options
	deps Deps

	startOnce    sync.Once
	teardownOnce sync.Once
	cancel       context.CancelFunc
	done         chan struct{}
	err          error

	mu    sync.Mutex
	stats Stats
}

// New creates a worker; nothing is touched until Start
func New(opts Options, deps Deps) *Worker {
	if deps.CheckModule == nil {
		deps.CheckModule = v4l2.CheckLoopback
	}
	return &Worker{opts: opts, deps: deps, done: make(chan struct{})}
}

// Start launches the run. It returns at once; use Wait or Stop for the result.
func (w *Worker) Start(ctx context.Context) error {
	started := false
	w.startOnce.Do(func() {
		started = true
		ctx, w.cancel = context.WithCancel(ctx)
		go func() {
			defer close(w.done)
			w.err = w.run(ctx)
			if w.err != nil {
				slog.Error("worker stopped", "error", w.err)
			} else {
				slog.Info("worker stopped")
			}
		}()
	})
	if !started {
		return ErrAlreadyStarted
	}
	return nil
}

// Stop cancels the run and waits for teardown to finish
func (w *Worker) Stop() error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	return w.Wait()
}

// Wait blocks until the run has ended and returns its error. Normal end of
// stream and cancellation return nil.
func (w *Worker) Wait() error {
	<-w.done
	return w.err
}

// Done is closed once the run has ended
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Stats returns counters for the current run
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Worker) run(ctx context.Context) error {
	// nothing external is touched before the host can run the clone at all
	if err := w.deps.CheckModule(); err != nil {
		return err
	}

	if err := w.deps.Passthrough.Start(ctx); err != nil {
		return err
	}

	var src FrameSource
	defer func() { w.teardown(src) }()

	// the sink is provisioned into the From scene, so that scene goes live first
	if w.opts.InitialScene {
		w.apply(ctx, scene.Intent{Target: w.opts.Machine.From})
	}

	if w.deps.Provision != nil {
		if err := w.deps.Provision(ctx); err != nil {
			slog.Warn("sink provisioning failed", "error", err)
		}
	}

	src, err := w.deps.Open(ctx, w.opts.Clone)
	if err != nil {
		return err
	}

	// cancellation and a dying passthrough both unblock the pending read
	passthroughDied := make(chan struct{})
	loopDone := make(chan struct{})
	defer close(loopDone)
	go func() {
		select {
		case <-ctx.Done():
		case <-w.deps.Passthrough.Done():
			close(passthroughDied)
		case <-loopDone:
			return
		}
		src.Close()
	}()

	w.mu.Lock()
	w.stats = Stats{Started: time.Now()}
	w.mu.Unlock()
	slog.Info("switch loop running", "clone", w.opts.Clone, "criterion", w.opts.Machine.Criterion.String(),
		"from", w.opts.Machine.From, "to", w.opts.Machine.To)

	var state scene.DebounceState
	for {
		frame, err := src.Next(ctx)
		if err != nil {
			select {
			case <-passthroughDied:
				return ErrPassthroughExited
			default:
			}
			if errors.Is(err, capture.ErrEndOfStream) || ctx.Err() != nil {
				logging.Debug("RUNNER", "End of stream")
				return nil
			}
			return fmt.Errorf("frame read failed: %w", err)
		}

		ids, err := w.deps.Detector.Detect(frame)
		if err != nil {
			logging.Debug("RUNNER", fmt.Sprintf("Detection failed on frame %d: %v", frame.Sequence, err))
			ids = nil
		}

		var intent scene.Intent
		state, intent = w.opts.Machine.Step(state, ids)

		w.mu.Lock()
		w.stats.Frames++
		w.stats.State = state
		if !intent.None() {
			w.stats.Switches++
		}
		w.mu.Unlock()

		if !intent.None() {
			w.switchScene(ctx, intent, state, frame, ids)
		}
	}
}

func (w *Worker) switchScene(ctx context.Context, intent scene.Intent, state scene.DebounceState, frame *capture.Frame, ids marker.Set) {
	ctx, span := trace.InstrumentSceneSwitch(ctx, intent.Target, state.Side.String(), frame.Sequence, ids.IDs())
	defer span.End()

	slog.Info("scene switch", "target", intent.Target, "side", state.Side.String(), "frame", frame.Sequence, "markers", ids.IDs())
	if err := w.apply(ctx, intent); err != nil {
		trace.RecordError(span, err)
	}

	if w.deps.Snapshots.Enabled() {
		var markers []detection.Marker
		if mr, ok := w.deps.Detector.(markerReporter); ok {
			markers = mr.LastMarkers()
		}
		ev := overlay.Event{Scene: intent.Target, Side: state.Side.String(), Frame: frame.Sequence}
		if _, err := w.deps.Snapshots.Snapshot(frame, markers, ev); err != nil {
			slog.Warn("snapshot failed", "error", err)
		}
	}
}

// apply never fails the run: a missing scene is a configuration problem the
// operator fixes, and the machine has already moved on.
func (w *Worker) apply(ctx context.Context, intent scene.Intent) error {
	err := w.deps.Scenes.Apply(ctx, intent)
	switch {
	case err == nil:
	case errors.Is(err, scene.ErrSceneNotFound):
		slog.Warn("scene not found, intent dropped", "scene", intent.Target)
	default:
		slog.Warn("scene switch failed", "scene", intent.Target, "error", err)
	}
	return err
}

// teardown stops the passthrough and closes the source, once, whatever path
// ended the run
func (w *Worker) teardown(src FrameSource) {
	w.teardownOnce.Do(func() {
		if err := w.deps.Passthrough.Stop(); err != nil {
			slog.Warn("passthrough stop failed", "error", err)
		}
		if src != nil {
			src.Close()
		}
		logging.Debug("RUNNER", "Teardown complete")
	})
}
