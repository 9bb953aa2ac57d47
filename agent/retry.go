package agent

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/asmvp/asmv-go/logger"
	"github.com/asmvp/asmv-go/metrics"
)

// RetryOptions controls the send retry loop. Zero fields take defaults.
type RetryOptions struct {
	// MaxAttempts is the total number of tries including the first (default: 3).
	MaxAttempts int

	// BaseDelay is the backoff before the second attempt (default: 500ms).
	// Each subsequent delay grows by Multiplier.
	BaseDelay time.Duration

	// Multiplier scales the delay between attempts (default: 1.5).
	Multiplier float64

	// MaxJitter bounds the random addition to each delay (default: 100ms).
	MaxJitter time.Duration
}

// DefaultRetryOptions returns the retry configuration used when none is given.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  1.5,
		MaxJitter:   100 * time.Millisecond,
	}
}

// normalize fills zero fields with defaults.
func (o RetryOptions) normalize() RetryOptions {
	def := DefaultRetryOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = def.BaseDelay
	}
	if o.Multiplier <= 0 {
		o.Multiplier = def.Multiplier
	}
	if o.MaxJitter < 0 {
		o.MaxJitter = def.MaxJitter
	}
	return o
}

// delay returns the backoff before retry i (0-indexed): BaseDelay grown by
// Multiplier per retry, plus up to MaxJitter of random spread.
func (o RetryOptions) delay(i int) time.Duration {
	backoff := time.Duration(float64(o.BaseDelay) * math.Pow(o.Multiplier, float64(i)))
	if o.MaxJitter > 0 {
		backoff += time.Duration(rand.Int63n(int64(o.MaxJitter) + 1))
	}
	return backoff
}

// retryable is implemented by transport errors that may succeed when the
// send is repeated (no response received, or a 5xx reply).
type retryable interface {
	Retryable() bool
}

// isRetryable reports whether err is worth another attempt.
func isRetryable(err error) bool {
	var r retryable
	return errors.As(err, &r) && r.Retryable()
}

// sendWithRetry calls send up to opts.MaxAttempts times, sleeping between
// retryable failures. It returns the number of attempts made and the final
// error, nil on success.
func sendWithRetry(ctx context.Context, opts RetryOptions, channelID string, send func() error) (int, error) {
	var last error
	for i := 0; i < opts.MaxAttempts; i++ {
		err := send()
		if err == nil {
			return i + 1, nil
		}
		if !isRetryable(err) {
			return i + 1, err
		}
		last = err
		metrics.RecordSendRetry()
		logger.Warn("Retrying message send",
			"channel_id", channelID,
			"attempt", i+1,
			"max_attempts", opts.MaxAttempts,
			"error", err)
		if i < opts.MaxAttempts-1 {
			timer := time.NewTimer(opts.delay(i))
			select {
			case <-ctx.Done():
				timer.Stop()
				return i + 1, ctx.Err()
			case <-timer.C:
			}
		}
	}
	logger.Error("Send attempts exhausted",
		"channel_id", channelID,
		"attempts", opts.MaxAttempts,
		"error", last)
	return opts.MaxAttempts, last
}
