// Package appctx provides context utilities for background operations.
package appctx

import (
	"context"
	"time"
)

// Detached returns a new context that carries the parent's values but is not
// tied to its cancellation. Use this for operations that must outlive the event
// that triggered them, such as the background task driving a session's runner.
// The returned context is cancelled when the stop channel is closed or the
// timeout expires. A nil stop channel never fires.
func Detached(parent context.Context, stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)

	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
