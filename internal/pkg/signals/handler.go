// Package signals turns shutdown signals into context cancellation so an
// interrupted replay still flushes its output capture.
package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/endorses/rtsphelper/internal/pkg/constants"
	"github.com/endorses/rtsphelper/internal/pkg/logger"
)

var shutdownSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}

// SetupHandler cancels ctx through cancel on SIGINT, SIGTERM or SIGHUP.
// The returned cleanup stops signal delivery and waits for the handler.
func SetupHandler(ctx context.Context, cancel context.CancelFunc) (cleanup func()) {
	sigCh := make(chan os.Signal, constants.SignalChannelBuffer)
	signal.Notify(sigCh, shutdownSignals...)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case sig := <-sigCh:
			logger.Info("Received signal, stopping", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		case <-stop:
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(stop)
		<-done
	}
}

// Context derives a context from parent that is cancelled by a shutdown
// signal. stop must be called to release the handler.
func Context(parent context.Context) (ctx context.Context, stop func()) {
	ctx, cancel := context.WithCancel(parent)
	cleanup := SetupHandler(ctx, cancel)
	return ctx, func() {
		cleanup()
		cancel()
	}
}
