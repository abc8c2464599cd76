//go:build unix

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/JakeFAU/tracksync/internal/control"
)

// watchPause toggles the run's pause flag on every SIGUSR1 until ctx ends or
// the returned stop function is called.
func watchPause(ctx context.Context, token *control.Token, logger *zap.Logger) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ch:
				togglePause(token, logger)
			}
		}
	}()
	logger.Debug("send SIGUSR1 to pause or resume", zap.Int("pid", os.Getpid()))
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
