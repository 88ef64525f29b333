// internal/pkg/async/goroutine.go
package async

import (
	"context"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
)

// SafeGo runs fn in a goroutine with its own timeout, recovering panics and
// logging errors instead of propagating them.
//
// The task context is detached from parentCtx cancellation so that work
// started after a request commits still runs when the request returns.
func SafeGo(parentCtx context.Context, logger *zap.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parentCtx), timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in background task",
					zap.String("task", taskName),
					zap.Any("panic", r),
					zap.String("stack", string(debug.Stack())),
				)
			}
		}()

		if err := fn(ctx); err != nil {
			logger.Warn("background task failed", zap.String("task", taskName), zap.Error(err))
		}
	}()
}
