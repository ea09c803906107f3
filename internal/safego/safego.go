// Package safego provides a panic-recovering goroutine launcher for background work.
package safego

import (
	"log/slog"
	"runtime/debug"
)

// Go launches fn in a new goroutine named task. A panic in fn is recovered and
// logged with its stack instead of crashing the process. Use it for every
// fire-and-forget goroutine: the retention job, the metrics listener, webhook
// flushers.
func Go(task string, fn func()) {
	go func() {
		defer Recover(task)
		fn()
	}()
}

// Recover logs a recovered panic. It must be called directly via defer.
func Recover(task string) {
	if r := recover(); r != nil {
		slog.Error("recovered panic in background goroutine",
			"task", task,
			"panic", r,
			"stack", string(debug.Stack()))
	}
}
