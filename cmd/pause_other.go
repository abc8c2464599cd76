//go:build !unix

package cmd

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/tracksync/internal/control"
)

// watchPause is a no-op where SIGUSR1 does not exist.
func watchPause(context.Context, *control.Token, *zap.Logger) func() {
	return func() {}
}
