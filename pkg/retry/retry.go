// Package retry wraps provider calls with classify-and-backoff: retryable
// failures are retried with capped exponential delay and optional jitter,
// terminal ones surface immediately.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/url"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/QingyeSC/gcp-billing-manager/pkg/rategate"
)

// retryableStatuses are the HTTP statuses worth another attempt. 403 is
// included because GCP reports quota exhaustion through it as well as
// real permission denials.
var retryableStatuses = map[int]bool{
	403: true,
	409: true,
	412: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// Executor retries an operation under a backoff policy. The zero value is
// not usable; construct with New.
type Executor struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitter      bool
	logger      *slog.Logger

	// OnRetry is invoked before each backoff sleep. Optional.
	OnRetry func(op string, attempt int, err error)

	sleep func(ctx context.Context, d time.Duration) error
	randN func(n int64) int64
}

// New creates an executor with the given attempt cap and backoff bounds.
func New(maxAttempts int, baseDelay, maxDelay time.Duration, jitter bool, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		jitter:      jitter,
		logger:      logger.With("component", "retry"),
		sleep:       sleepCtx,
		randN:       rand.Int64N,
	}
}

// Do invokes fn, retrying retryable failures until the attempt cap or the
// context ends. The op name is only used for logging.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || ctx.Err() != nil {
			return err
		}
		if attempt == e.maxAttempts-1 {
			break
		}

		delay := e.backoff(attempt, err)
		e.logger.Debug("retrying operation",
			"op", op, "attempt", attempt+1, "delay", delay, "error", err)
		if e.OnRetry != nil {
			e.OnRetry(op, attempt+1, err)
		}
		if serr := e.sleep(ctx, delay); serr != nil {
			return err
		}
	}
	return err
}

// backoff computes min(base*2^attempt, maxDelay), doubled for 429, with
// full jitter when enabled.
func (e *Executor) backoff(attempt int, err error) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := time.Duration(factor) * e.baseDelay
	if delay > e.maxDelay || delay <= 0 {
		delay = e.maxDelay
	}
	if StatusCode(err) == 429 {
		delay *= 2
	}
	if e.jitter && delay > 0 {
		delay = time.Duration(e.randN(int64(delay) + 1))
	}
	return delay
}

// IsRetryable classifies an error. Retryable: the status set above,
// transport/timeout failures and rate-gate wait timeouts. Everything else
// is terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, rategate.ErrWaitTimeout) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if code := StatusCode(err); code != 0 {
		return retryableStatuses[code]
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// StatusCode extracts the HTTP status from a googleapi error chain, 0 when
// there is none.
func StatusCode(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
