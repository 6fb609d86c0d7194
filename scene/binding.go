package scene

import (
	"context"
	"errors"
	"fmt"

	"markerswitch/pkg/logging"
)

// ErrSceneNotFound is returned when an intent names a scene the host does not have.
// It is a configuration problem, not a fatal fault.
var ErrSceneNotFound = errors.New("scene not found")

// Host is the host application's scene API
type Host interface {
	SceneNames(ctx context.Context) ([]string, error)
	CurrentScene(ctx context.Context) (string, error)
	SetCurrentScene(ctx context.Context, name string) error
}

// Binding applies scene intents to a Host
type Binding struct {
	host Host
}

// NewBinding creates a binding for the given host
func NewBinding(host Host) *Binding {
	return &Binding{host: host}
}

// Apply requests the intent's scene become current. A "none" intent is a no-op.
func (b *Binding) Apply(ctx context.Context, intent Intent) error {
	if intent.None() {
		return nil
	}

	names, err := b.host.SceneNames(ctx)
	if err != nil {
		return fmt.Errorf("failed to list scenes: %w", err)
	}

	found := false
	for _, name := range names {
		if name == intent.Target {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %q", ErrSceneNotFound, intent.Target)
	}

	if current, err := b.host.CurrentScene(ctx); err == nil && current == intent.Target {
		logging.Debug("SCENE", fmt.Sprintf("Scene %q already current", intent.Target))
		return nil
	}

	if err := b.host.SetCurrentScene(ctx, intent.Target); err != nil {
		return fmt.Errorf("failed to set scene %q: %w", intent.Target, err)
	}
	logging.Debug("SCENE", fmt.Sprintf("Switched to scene %q", intent.Target))
	return nil
}
