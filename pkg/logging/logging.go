// Package logging holds the component-tagged debug helper every package logs through
package logging

import (
	"log/slog"
	"sync"
)

var (
	mu        sync.RWMutex
	debugFunc func(component, message string)
)

// SetDebugFunction replaces the debug sink; nil restores the slog default
func SetDebugFunction(fn func(component, message string)) {
	mu.Lock()
	defer mu.Unlock()
	debugFunc = fn
}

// Debug logs message tagged with an upper-case component, e.g. "PASSTHROUGH"
func Debug(component, message string) {
	mu.RLock()
	fn := debugFunc
	mu.RUnlock()

	if fn != nil {
		fn(component, message)
		return
	}
	slog.Debug(message, "component", component)
}
