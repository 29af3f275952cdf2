//go:build !windows
// +build !windows

package signals

import (
	"os/signal"
	"syscall"
)

func init() {
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
}

// Handle blocks on the signal channel, running the pre-shutdown phase and
// then the interrupt handlers for each shutdown signal. Returns when
// StopHandle closes the channel.
func Handle() {
	for {
		_, ok := <-sigChan
		if !ok {
			// closed channel
			return
		}
		handlePreShutdown()
		handleInterrupted()
	}
}
