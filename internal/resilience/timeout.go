// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

package resilience

import (
	"context"
	"fmt"
	"time"

	kerrors "github.com/kestrel-dev/kestrel/pkg/errors"
)

// WithTimeout races op against a deadline. Whichever settles first determines
// the outcome; the timer is stopped once either side settles.
//
// The losing operation is NOT cancelled: it receives the parent context and
// keeps running in the background until it completes or fails on its own.
// Its result is discarded. Callers relying on side effects (e.g. a cache
// populated by the operation) may still observe them after the timeout.
func WithTimeout[T any](ctx context.Context, d time.Duration, msg string, op func(context.Context) (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}

	// Buffered so the losing goroutine can always deliver and exit.
	resCh := make(chan result, 1)
	go func() {
		v, err := op(ctx)
		resCh <- result{value: v, err: err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	var zero T
	select {
	case res := <-resCh:
		return res.value, res.err
	case <-timer.C:
		if msg == "" {
			msg = fmt.Sprintf("operation timed out after %s", d)
		}
		return zero, kerrors.New(kerrors.CodeResilienceTimeout, msg,
			kerrors.Field("timeout_ms", d.Milliseconds()))
	case <-ctx.Done():
		return zero, kerrors.Wrapf(ctx.Err(), kerrors.CodeResilienceTimeout, "context done while waiting")
	}
}
