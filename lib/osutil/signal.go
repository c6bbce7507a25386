package osutil

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// SignalContext is cancelled on the first SIGINT or SIGTERM so that
// running uploads can unwind. a second signal exits the process at once.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		slog.Info("shutting down, signal again to force", "signal", sig.String())
		cancel()

		sig = <-sigs
		slog.Warn("forced exit", "signal", sig.String())
		os.Exit(130)
	}()

	return ctx
}
