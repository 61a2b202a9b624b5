package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeDelayStrategies(t *testing.T) {
	cases := []struct {
		name     string
		strategy Strategy
		attempt  int
		want     int64
	}{
		{"fixed", StrategyFixed, 1, 100},
		{"fixed attempt 3 unchanged", StrategyFixed, 3, 100},
		{"linear attempt 1", StrategyLinear, 1, 100},
		{"linear attempt 3", StrategyLinear, 3, 300},
		{"exponential attempt 1", StrategyExponential, 1, 100},
		{"exponential attempt 3", StrategyExponential, 3, 400},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config{Strategy: tc.strategy, BaseDelayMs: 100, MaxDelayMs: 10000, Jitter: false}
			got := ComputeDelay(cfg, tc.attempt)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestComputeDelayClampsToMax(t *testing.T) {
	cfg := Config{Strategy: StrategyExponential, BaseDelayMs: 100, MaxDelayMs: 250, Jitter: false}
	got := ComputeDelay(cfg, 5)
	assert.LessOrEqual(t, got, int64(250))
}

func TestComputeDelayCustomStrategy(t *testing.T) {
	cfg := Config{
		Strategy: StrategyCustom,
		Custom: func(attempt int, base int64) int64 {
			return base * int64(attempt*attempt)
		},
		BaseDelayMs: 10,
		MaxDelayMs:  10000,
	}
	assert.Equal(t, int64(90), ComputeDelay(cfg, 3))
}

func TestComputeDelayJitterBounds(t *testing.T) {
	cfg := Config{Strategy: StrategyFixed, BaseDelayMs: 1000, MaxDelayMs: 10000, Jitter: true}
	for i := 0; i < 200; i++ {
		got := ComputeDelay(cfg, 1)
		assert.GreaterOrEqual(t, got, int64(500))
		assert.Less(t, got, int64(1000))
	}
}

func TestShouldRetryInvariant2(t *testing.T) {
	cfg := Config{Enabled: true, MaxAttempts: 3, RetryOn: []RetryOn{NetworkRetryOn()}}
	assert.True(t, ShouldRetry(cfg, nil, 1))
	assert.True(t, ShouldRetry(cfg, nil, 2))
	assert.False(t, ShouldRetry(cfg, nil, 3), "attempt must be strictly less than maxAttempts")

	disabled := cfg
	disabled.Enabled = false
	assert.False(t, ShouldRetry(disabled, nil, 1))

	noNetwork := Config{Enabled: true, MaxAttempts: 3, RetryOn: []RetryOn{ServerErrorRetryOn()}}
	assert.False(t, ShouldRetry(noNetwork, nil, 1))
}

func TestShouldRetryStatusRules(t *testing.T) {
	cfg := Config{Enabled: true, MaxAttempts: 5, RetryOn: []RetryOn{ServerErrorRetryOn()}}
	s500 := 500
	s404 := 404
	assert.True(t, ShouldRetry(cfg, &s500, 1))
	assert.False(t, ShouldRetry(cfg, &s404, 1))

	exact := Config{Enabled: true, MaxAttempts: 5, RetryOn: []RetryOn{StatusRetryOn(429)}}
	s429 := 429
	assert.True(t, ShouldRetry(exact, &s429, 1))
	assert.False(t, ShouldRetry(exact, &s500, 1))
}

func TestSleepRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	err := Sleep(ctx, 10000)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSleepCompletesNormally(t *testing.T) {
	err := Sleep(context.Background(), 1)
	assert.NoError(t, err)
}
