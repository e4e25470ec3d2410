package store

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-license-engine/internal/metrics"
)

const (
	retryBaseDelay = 10 * time.Millisecond
	retryMaxDelay  = 250 * time.Millisecond
)

// Retry runs fn up to attempts times while it fails with ErrConflict,
// backing off exponentially with jitter. fn must redo the whole
// read-modify-write. Any other error is returned immediately.
func Retry(ctx context.Context, op string, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.Delay(retryBaseDelay),
		retry.MaxDelay(retryMaxDelay),
		retry.MaxJitter(retryBaseDelay),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrConflict)
		}),
		retry.OnRetry(func(n uint, err error) {
			metrics.ConflictRetriesTotal.WithLabelValues(op).Inc()
			log.Debug().Err(err).Str("op", op).Uint("attempt", n+1).Msg("Retrying after concurrent modification")
		}),
	)
}
