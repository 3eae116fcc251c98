package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
)

// SetupSignalHandler returns a context cancelled on SIGTERM or SIGINT, after
// shutdownFunc runs. A second signal forces exit. The returned stop func
// releases the signal handler.
func SetupSignalHandler(parent context.Context, logger zerolog.Logger, shutdownFunc func(context.Context)) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info().Stringer("signal", sig).Msg("Received signal, shutting down gracefully (signal again to force)")
		case <-done:
			return
		}

		if shutdownFunc != nil {
			shutdownFunc(ctx)
		}
		cancel()

		select {
		case sig := <-sigCh:
			logger.Warn().Stringer("signal", sig).Msg("Received second signal, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			signal.Stop(sigCh)
			close(done)
		})
		cancel()
	}
	return ctx, stop
}
