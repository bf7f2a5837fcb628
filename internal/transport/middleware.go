package transport

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/time/rate"
)

const defaultRetryBackoff = time.Second

// WithRateLimit allows at most perMinute sends through t, smoothing bursts.
// Send blocks until a token is available or ctx is done.
func WithRateLimit(t Transport, perMinute int) Transport {
	lim := rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
	return Func(func(ctx context.Context, msg Message) (Receipt, error) {
		if err := lim.Wait(ctx); err != nil {
			return Receipt{}, fmt.Errorf("transport: rate limit: %w", err)
		}
		return t.Send(ctx, msg)
	})
}

// WithRetry retries a failed send up to retries times with exponential
// backoff starting at base. Invalid recipients and context errors are not
// retried.
func WithRetry(t Transport, retries int, base time.Duration) Transport {
	return Func(func(ctx context.Context, msg Message) (Receipt, error) {
		var lastErr error
		for attempt := 0; attempt <= retries; attempt++ {
			rcpt, err := t.Send(ctx, msg)
			if err == nil {
				return rcpt, nil
			}
			lastErr = err
			if errors.Is(err, ErrInvalidRecipient) || ctx.Err() != nil || attempt == retries {
				break
			}

			wait := time.Duration(math.Pow(2, float64(attempt))) * base
			select {
			case <-ctx.Done():
				return Receipt{}, lastErr
			case <-time.After(wait):
			}
		}
		return Receipt{}, lastErr
	})
}
