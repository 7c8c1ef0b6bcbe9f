// Package appctx builds contexts for work that outlives the request which
// started it.
package appctx

import (
	"context"
	"time"
)

// Detached returns a context that ignores the parent's cancellation. An
// analysis run keeps going after its HTTP request returns, but must still end
// when the service shuts down or the timeout passes. The stop channel covers
// the former, the deadline the latter.
func Detached(parent context.Context, stop <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
