package runtime

import (
	"runtime/debug"

	"github.com/LerianStudio/lib-resilience/resilience/log"
)

// HandlePanicValue logs a recovered panic value with its stack trace.
// A nil logger is tolerated.
func HandlePanicValue(logger log.Logger, component, operation string, recovered any) {
	if logger == nil {
		logger = &log.NoneLogger{}
	}

	logger.Errorf("panic recovered in %s/%s: %v\n%s", component, operation, recovered, debug.Stack())
}

// Go runs fn in a new goroutine, recovering and logging any panic so a
// misbehaving callback can never take down the host process.
func Go(logger log.Logger, component, operation string, fn func()) {
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				HandlePanicValue(logger, component, operation, recovered)
			}
		}()

		fn()
	}()
}

// Safe invokes fn synchronously, recovering and logging any panic.
// Used for best-effort callbacks (cleanup hooks, monitors) whose failure
// must not propagate.
func Safe(logger log.Logger, component, operation string, fn func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			HandlePanicValue(logger, component, operation, recovered)
		}
	}()

	fn()
}
