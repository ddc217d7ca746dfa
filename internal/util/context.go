package util

import (
	"context"
	"time"
)

// WithGrace returns a context that outlives the cancellation of parent by up
// to grace, after which it is cancelled too. Values of parent are kept.
// Calling cancel releases it early.
func WithGrace(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	go func() {
		select {
		case <-parent.Done():
		case <-ctx.Done():
			return
		}

		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
