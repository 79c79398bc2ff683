package safego

import (
	"sync"

	"go.uber.org/zap"
)

// Go launches a goroutine with panic recovery.
// If the goroutine panics, the panic value is logged and the goroutine exits
// cleanly instead of crashing the process.
//
// Usage:
//
//	safego.Go(logger, "flush-loop", func() {
//	    // work that might panic
//	})
func Go(logger *zap.Logger, name string, fn func()) {
	go run(logger, name, fn)
}

// GoTracked is Go with the goroutine registered on wg, so owners can wait for
// background work to drain during shutdown.
func GoTracked(wg *sync.WaitGroup, logger *zap.Logger, name string, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		run(logger, name, fn)
	}()
}

func run(logger *zap.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Goroutine panicked",
				zap.String("goroutine", name),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()
	fn()
}
