package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QingyeSC/gcp-billing-manager/pkg/config"
)

func testConfig(idents ...string) *config.Config {
	cfg := &config.Config{
		UpdateInterval: 10 * time.Minute,
		TaskTimeout:    time.Second,
		MaxWorkers:     4,
	}
	for _, name := range idents {
		cfg.Identities = append(cfg.Identities, config.Identity{Name: name})
	}
	return cfg
}

func TestRunCycle_AllIdentitiesReconciled(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	reconcile := func(ctx context.Context, ident config.Identity) error {
		mu.Lock()
		defer mu.Unlock()
		seen[ident.Name]++
		return nil
	}

	s := New(testConfig("alpha", "beta", "gamma"), reconcile, nil, nil, nil)
	s.runCycle(context.Background())

	assert.Equal(t, map[string]int{"alpha": 1, "beta": 1, "gamma": 1}, seen)
	assert.Equal(t, 0, s.consecutiveFailures)
}

func TestRunCycle_DeadlineFailsSlowIdentities(t *testing.T) {
	reconcile := func(ctx context.Context, ident config.Identity) error {
		// Slower than the 1s task timeout; must give up at the deadline.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	}

	s := New(testConfig("alpha", "beta"), reconcile, nil, nil, nil)
	start := time.Now()
	s.runCycle(context.Background())

	assert.Equal(t, 1, s.consecutiveFailures)
	assert.Less(t, time.Since(start), 3*time.Second, "cycle must end at the task deadline")
}

func TestRunCycle_FailureStreakAndReset(t *testing.T) {
	fail := true
	reconcile := func(ctx context.Context, ident config.Identity) error {
		if fail {
			return errors.New("boom")
		}
		return nil
	}

	s := New(testConfig("alpha"), reconcile, nil, nil, nil)
	for i := 1; i <= 3; i++ {
		s.runCycle(context.Background())
		assert.Equal(t, i, s.consecutiveFailures)
	}

	fail = false
	s.runCycle(context.Background())
	assert.Equal(t, 0, s.consecutiveFailures)
}

func TestRunCycle_PanicCountsAsFailure(t *testing.T) {
	reconcile := func(ctx context.Context, ident config.Identity) error {
		panic("identity exploded")
	}

	s := New(testConfig("alpha", "beta"), reconcile, nil, nil, nil)
	require.NotPanics(t, func() { s.runCycle(context.Background()) })
	assert.Equal(t, 1, s.consecutiveFailures)
}

func TestPause_BackoffMath(t *testing.T) {
	s := New(testConfig("alpha"), nil, nil, nil, nil)
	s.interval = 5 * time.Minute

	// Healthy: remainder of the interval.
	assert.Equal(t, 4*time.Minute, s.pause(time.Minute))

	// Long cycle: floored at the minimum pause.
	assert.Equal(t, 30*time.Second, s.pause(10*time.Minute))

	// Under the streak threshold no extra pause is added.
	s.consecutiveFailures = 2
	assert.Equal(t, 4*time.Minute, s.pause(time.Minute))

	// At the threshold the streak stretches the pause linearly.
	s.consecutiveFailures = 3
	assert.Equal(t, 4*time.Minute+3*time.Minute, s.pause(time.Minute))

	// The stretch is capped.
	s.consecutiveFailures = 30
	assert.Equal(t, 4*time.Minute+5*time.Minute, s.pause(time.Minute))
}

func TestWorkers_Bounds(t *testing.T) {
	s := New(testConfig("a"), nil, nil, nil, nil)
	assert.Equal(t, 2, s.workers(), "floor of two workers")

	s = New(testConfig("a", "b", "c"), nil, nil, nil, nil)
	assert.Equal(t, 3, s.workers())

	cfg := testConfig("a", "b", "c", "d", "e", "f")
	s = New(cfg, nil, nil, nil, nil)
	assert.Equal(t, 4, s.workers(), "capped at max workers")
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	reconcile := func(ctx context.Context, ident config.Identity) error { return nil }
	s := New(testConfig("alpha"), reconcile, nil, nil, nil)

	cycles := 0
	s.sleep = func(ctx context.Context, d time.Duration) error {
		cycles++
		if cycles >= 2 {
			return context.Canceled
		}
		return nil
	}

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, cycles)
}

func TestRun_SurvivesReconcilePanic(t *testing.T) {
	s := New(testConfig("alpha"), nil, nil, nil, nil)
	s.interval = time.Minute
	// A nil reconcile func panics per identity; Run must absorb it as a
	// failed identity and keep looping.
	var pauses []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return context.Canceled
	}

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, pauses, 1)
	assert.LessOrEqual(t, pauses[0], time.Minute, "regular pause, not a panic pause")
	assert.Equal(t, 1, s.consecutiveFailures)
}
