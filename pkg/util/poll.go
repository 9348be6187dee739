package util

import (
	"context"
	"fmt"
	"time"
)

// PollUntil polls fn at the given interval until it returns true, the timeout
// expires, or ctx is cancelled. The timeout error wraps ErrTimeout.
func PollUntil(ctx context.Context, timeout, interval time.Duration, fn func() (done bool, err error)) error {
	deadline := time.Now().Add(timeout)
	for {
		done, err := fn()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if !time.Now().Add(interval).Before(deadline) {
			break
		}
		if !Sleep(ctx, interval) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("after %s: %w", timeout, ErrTimeout)
}

// Sleep blocks for d or until ctx is done. It reports whether the full
// duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
