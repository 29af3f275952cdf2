package signals

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
)

// sigChan is buffered so a signal delivered while no receiver is ready is
// not dropped.
var sigChan = make(chan os.Signal, 1)

// Handler is a callback invoked during shutdown.
type Handler func()

var (
	mu           sync.RWMutex
	interrupters []Handler
	stopOnce     sync.Once
)

// RegisterInterruptHandler registers a handler called on SIGINT/SIGTERM,
// after the pre-shutdown phase has drained the sessions. Nil handlers are
// silently ignored.
func RegisterInterruptHandler(f Handler) {
	if f == nil {
		return
	}
	mu.Lock()
	interrupters = append(interrupters, f)
	mu.Unlock()
}

// handleInterrupted runs the interrupt handlers in registration order. A
// panicking handler is recovered so the rest of the chain still runs.
func handleInterrupted() {
	mu.RLock()
	snapshot := make([]Handler, len(interrupters))
	copy(snapshot, interrupters)
	mu.RUnlock()
	for _, fn := range snapshot {
		runRecovered("interrupt", fn)
	}
}

// runRecovered invokes fn, converting a panic into a stderr line. The
// signals package has no logger; stderr keeps panicking handlers visible.
func runRecovered(phase string, fn Handler) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "signals: panic in %s handler: %v\n", phase, r)
		}
	}()
	fn()
}

// StopHandle stops signal delivery and closes the channel, causing Handle to
// return. Safe to call more than once.
func StopHandle() {
	stopOnce.Do(func() {
		signal.Stop(sigChan)
		close(sigChan)
	})
}
