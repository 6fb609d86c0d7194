package scene

import (
	"fmt"

	"markerswitch/marker"
)

// Side is the scene the debounce machine currently considers active
type Side int

const (
	AtFrom Side = iota
	AtTo
)

func (s Side) String() string {
	switch s {
	case AtFrom:
		return "AT_FROM"
	case AtTo:
		return "AT_TO"
	default:
		return "UNKNOWN"
	}
}

// DefaultAbsentFrames is the number of consecutive non-matching frames tolerated
// before switching back to the "from" scene.
const DefaultAbsentFrames = 25

// DefaultStableFrames is the presence count a run must exceed before its
// absence is tracked at all.
const DefaultStableFrames = 1

// Thresholds tunes the hysteresis of the switch machine
type Thresholds struct {
	// StableFrames: absence is only counted once PresentCount > StableFrames
	StableFrames int
	// AbsentFrames: the "from" switch fires once AbsentTimeout > AbsentFrames
	AbsentFrames int
}

// DefaultThresholds returns the stock debounce thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{StableFrames: DefaultStableFrames, AbsentFrames: DefaultAbsentFrames}
}

// Validate rejects negative thresholds
func (t Thresholds) Validate() error {
	if t.StableFrames < 0 {
		return fmt.Errorf("stable frames must be >= 0, got %d", t.StableFrames)
	}
	if t.AbsentFrames < 0 {
		return fmt.Errorf("absent frames must be >= 0, got %d", t.AbsentFrames)
	}
	return nil
}

// DebounceState is the only mutable state of the detection pipeline.
// Exactly one of PresentCount / AbsentTimeout advances per frame.
type DebounceState struct {
	PresentCount  int
	AbsentTimeout int
	Side          Side
}

// Intent asks the host to activate Target. The zero value means "no change".
type Intent struct {
	Target string
}

// None reports whether the intent carries no scene change
func (i Intent) None() bool {
	return i.Target == ""
}

// Machine folds per-frame detection results into edge-triggered scene intents
type Machine struct {
	Criterion  marker.Criterion
	From       string
	To         string
	Thresholds Thresholds
}

// NewMachine creates a switch machine with the default thresholds
func NewMachine(criterion marker.Criterion, from, to string) Machine {
	return Machine{
		Criterion:  criterion,
		From:       from,
		To:         to,
		Thresholds: DefaultThresholds(),
	}
}

// Step advances the debounce state by one frame and returns the intent to apply.
// It is a pure function: the caller owns the state value.
func (m Machine) Step(state DebounceState, ids marker.Set) (DebounceState, Intent) {
	if m.Criterion.Matches(ids) {
		state.AbsentTimeout = 0

		var intent Intent
		// Only the first detection after a clean absence switches.
		if state.PresentCount == 0 && state.Side == AtFrom {
			intent = Intent{Target: m.To}
			state.Side = AtTo
		}
		state.PresentCount++
		return state, intent
	}

	// A run no longer than StableFrames is treated as noise.
	if state.PresentCount <= m.Thresholds.StableFrames {
		return state, Intent{}
	}

	state.AbsentTimeout++
	if state.AbsentTimeout > m.Thresholds.AbsentFrames && state.Side == AtTo {
		state.Side = AtFrom
		state.PresentCount = 0
		state.AbsentTimeout = 0
		return state, Intent{Target: m.From}
	}
	return state, Intent{}
}
