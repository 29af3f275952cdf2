package signals

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// defaultGracefulTimeout bounds the pre-shutdown phase as a whole.
const defaultGracefulTimeout = 30 * time.Second

var (
	preShutdownMu       sync.RWMutex
	preShutdownHandlers []Handler
	gracefulTimeout     = defaultGracefulTimeout
)

// RegisterPreShutdownHandler registers a handler that runs before the
// interrupt handlers during shutdown. This is the place for peer
// notification: closing sessions here sends each peer an administrative
// reset while the sockets are still bound, so the far side terminates
// immediately instead of escalating through recovery on a silent link.
//
// Handlers run in registration order. The graceful timeout is split evenly
// across them; a hung handler forfeits its share without blocking the rest
// of the chain. Nil handlers are silently ignored.
func RegisterPreShutdownHandler(f Handler) {
	if f == nil {
		return
	}
	preShutdownMu.Lock()
	preShutdownHandlers = append(preShutdownHandlers, f)
	preShutdownMu.Unlock()
}

// SetGracefulTimeout configures the maximum time to wait for pre-shutdown
// handlers to complete. Zero or negative restores the 30 second default.
func SetGracefulTimeout(timeout time.Duration) {
	preShutdownMu.Lock()
	defer preShutdownMu.Unlock()
	if timeout <= 0 {
		gracefulTimeout = defaultGracefulTimeout
	} else {
		gracefulTimeout = timeout
	}
}

// handlePreShutdown runs the registered pre-shutdown handlers. Each handler
// gets an equal share of the graceful timeout and runs in its own goroutine,
// so one hung handler cannot starve the others. Returns true when every
// handler completed within its share.
func handlePreShutdown() bool {
	preShutdownMu.RLock()
	snapshot := make([]Handler, len(preShutdownHandlers))
	copy(snapshot, preShutdownHandlers)
	timeout := gracefulTimeout
	preShutdownMu.RUnlock()

	if len(snapshot) == 0 {
		return true
	}
	perHandler := timeout / time.Duration(len(snapshot))

	allCompleted := true
	for _, fn := range snapshot {
		done := make(chan struct{})
		go func(fn Handler) {
			defer close(done)
			runRecovered("pre-shutdown", fn)
		}(fn)

		select {
		case <-done:
		case <-time.After(perHandler):
			fmt.Fprintf(os.Stderr, "signals: pre-shutdown handler timed out after %s\n", perHandler)
			allCompleted = false
		}
	}
	return allCompleted
}
