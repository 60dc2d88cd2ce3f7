package recovery

import (
	"runtime/debug"

	"github.com/bananajs/banana/internal/logger"
)

// SafeGo runs fn in a goroutine and logs instead of crashing if it panics.
// A panic in one channel's pump must not take down the registry.
func SafeGo(name string, fn func()) {
	go func() {
		defer Recover(name)
		fn()
	}()
}

// SafeGoWithCleanup is SafeGo with a cleanup func that always runs, panic or not.
func SafeGoWithCleanup(name string, fn func(), cleanup func()) {
	go func() {
		defer func() {
			if cleanup != nil {
				cleanup()
			}
		}()
		defer Recover(name)
		fn()
	}()
}

// Recover is meant to be deferred directly.
func Recover(name string) {
	if r := recover(); r != nil {
		logger.Logger.Error().
			Str("goroutine", name).
			Interface("panic", r).
			Str("stack", string(debug.Stack())).
			Msg("🚨 panic recovered")
	}
}
