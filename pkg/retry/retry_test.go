package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/QingyeSC/gcp-billing-manager/pkg/rategate"
)

func newTestExecutor(t *testing.T) (*Executor, *[]time.Duration) {
	t.Helper()
	var slept []time.Duration
	e := New(3, time.Second, time.Minute, false, nil)
	e.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return e, &slept
}

func apiErr(code int) error {
	return &googleapi.Error{Code: code, Message: fmt.Sprintf("status %d", code)}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	e, slept := newTestExecutor(t)

	calls := 0
	err := e.Do(context.Background(), "listProjects", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return apiErr(429)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, *slept, 2)
}

func TestDo_TerminalFailsFast(t *testing.T) {
	e, slept := newTestExecutor(t)

	calls := 0
	err := e.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return apiErr(404)
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	e, _ := newTestExecutor(t)

	calls := 0
	err := e.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return apiErr(503)
	})

	assert.Equal(t, 3, calls)
	assert.Equal(t, 503, StatusCode(err))
}

func TestDo_ContextCancelStopsRetries(t *testing.T) {
	e := New(3, time.Second, time.Minute, false, nil)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := e.Do(ctx, "op", func(ctx context.Context) error {
		calls++
		cancel()
		return apiErr(500)
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_OnRetryCallback(t *testing.T) {
	e, _ := newTestExecutor(t)
	var attempts []int
	e.OnRetry = func(op string, attempt int, err error) {
		attempts = append(attempts, attempt)
	}

	_ = e.Do(context.Background(), "op", func(ctx context.Context) error {
		return apiErr(502)
	})
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestBackoff_ExponentialAndCapped(t *testing.T) {
	e := New(10, time.Second, 8*time.Second, false, nil)

	assert.Equal(t, 1*time.Second, e.backoff(0, apiErr(500)))
	assert.Equal(t, 2*time.Second, e.backoff(1, apiErr(500)))
	assert.Equal(t, 4*time.Second, e.backoff(2, apiErr(500)))
	assert.Equal(t, 8*time.Second, e.backoff(3, apiErr(500)))
	assert.Equal(t, 8*time.Second, e.backoff(9, apiErr(500)))
}

func TestBackoff_429Doubles(t *testing.T) {
	e := New(3, time.Second, time.Minute, false, nil)

	assert.Equal(t, 2*time.Second, e.backoff(0, apiErr(429)))
	assert.Equal(t, 1*time.Second, e.backoff(0, apiErr(503)))
}

func TestBackoff_JitterWithinBounds(t *testing.T) {
	e := New(3, time.Second, time.Minute, true, nil)

	for i := 0; i < 50; i++ {
		d := e.backoff(2, apiErr(500))
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 4*time.Second)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"429", apiErr(429), true},
		{"403", apiErr(403), true},
		{"409 conflict", apiErr(409), true},
		{"412 precondition", apiErr(412), true},
		{"500", apiErr(500), true},
		{"404", apiErr(404), false},
		{"400", apiErr(400), false},
		{"gate timeout", rategate.ErrWaitTimeout, true},
		{"wrapped gate timeout", fmt.Errorf("call: %w", rategate.ErrWaitTimeout), true},
		{"net timeout", &net.DNSError{IsTimeout: true}, true},
		{"url error", &url.Error{Op: "Get", URL: "http://x", Err: errors.New("reset")}, true},
		{"plain error", errors.New("boom"), false},
		{"ctx cancelled", context.Canceled, false},
		{"nil", nil, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}
