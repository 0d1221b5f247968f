// Package retry is a reusable retry shell: a higher-order function
// parameterized by a backoff config and an error classifier, usable
// around any operation rather than tied to one client.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Class categorizes an error for retry purposes.
type Class int

const (
	// Hard errors bypass retry entirely: file-missing, permission-denied,
	// malformed database.
	Hard Class = iota
	// Transient errors are retried with backoff: connection-failed,
	// locked, timeout.
	Transient
)

// Classifier maps an error to a retry Class.
type Classifier func(error) Class

// Config holds the exponential backoff parameters:
// base 1s, factor 2, max 30s, 10-30% jitter.
type Config struct {
	Base       time.Duration
	Factor     float64
	Max        time.Duration
	MaxAttempts int
	JitterMin  float64
	JitterMax  float64
}

// DefaultConfig returns the standard backoff parameters.
func DefaultConfig() Config {
	return Config{
		Base:        time.Second,
		Factor:      2,
		Max:         30 * time.Second,
		MaxAttempts: 5,
		JitterMin:   0.10,
		JitterMax:   0.30,
	}
}

// ErrHardFailure wraps a classified-hard error so callers can detect the
// no-retry path without re-running the classifier.
var ErrHardFailure = errors.New("retry: hard failure, not retried")

// Do runs op, retrying transient failures per cfg until MaxAttempts is
// reached or a hard failure is classified. A hard failure is returned
// at once, wrapped with ErrHardFailure; when retries are exhausted it
// returns the operation's last error.
func Do[T any](ctx context.Context, cfg Config, classify Classifier, op func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	delay := cfg.Base
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if classify(err) == Hard {
			return zero, fmt.Errorf("%w: %w", ErrHardFailure, err)
		}

		if attempt == cfg.MaxAttempts-1 {
			break
		}

		jitterSpan := cfg.JitterMax - cfg.JitterMin
		jitter := 1 + cfg.JitterMin + rand.Float64()*jitterSpan
		wait := time.Duration(math.Min(float64(delay)*jitter, float64(cfg.Max)))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(math.Min(float64(delay)*cfg.Factor, float64(cfg.Max)))
	}
	return zero, lastErr
}
