// Package app ties background services to the lifetime of the process.
package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// ShutdownContext returns a context that is cancelled when the process
// receives SIGINT or SIGTERM. Signal delivery stops once the context is done,
// so a second signal falls through to the default handler.
func ShutdownContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(signals)
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
