// Package backoff computes retry delays and retry eligibility, grounded
// on the calculateDelay/isRetryable split in
// go-sdk/pkg/core/events/errors/retry.go, generalized to the four
// strategies and the tag-or-status retryOn set this engine's spec
// requires.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Strategy names the delay curve used between attempts.
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
	StrategyCustom      Strategy = "custom"
)

// CustomFunc computes a delay in milliseconds given the 1-based attempt
// number and the configured base delay. Only consulted when Strategy is
// StrategyCustom.
type CustomFunc func(attempt int, baseMs int64) int64

// RetryOn is a single match rule: either the literal tag "network", the
// literal tag "5xx", or an explicit status code.
type RetryOn struct {
	Network    bool
	Status5xx  bool
	StatusCode int // 0 means "not a status-code rule"
}

// NetworkRetryOn matches transport-level failures (no status code).
func NetworkRetryOn() RetryOn { return RetryOn{Network: true} }

// ServerErrorRetryOn matches any 5xx response.
func ServerErrorRetryOn() RetryOn { return RetryOn{Status5xx: true} }

// StatusRetryOn matches one exact status code.
func StatusRetryOn(code int) RetryOn { return RetryOn{StatusCode: code} }

func (r RetryOn) matches(statusCode *int) bool {
	if statusCode == nil {
		return r.Network
	}
	if r.Status5xx && *statusCode >= 500 {
		return true
	}
	if r.StatusCode != 0 && r.StatusCode == *statusCode {
		return true
	}
	return false
}

// Config controls retry eligibility and the delay curve between attempts.
type Config struct {
	Enabled     bool
	MaxAttempts int
	Strategy    Strategy
	Custom      CustomFunc
	BaseDelayMs int64
	MaxDelayMs  int64
	Jitter      bool
	RetryOn     []RetryOn
}

// DefaultConfig mirrors the conservative defaults used across the
// teacher's own resilience configs: three attempts, exponential backoff,
// jitter on, retry on network failures and 5xx only.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		MaxAttempts: 3,
		Strategy:    StrategyExponential,
		BaseDelayMs: 100,
		MaxDelayMs:  5000,
		Jitter:      true,
		RetryOn:     []RetryOn{NetworkRetryOn(), ServerErrorRetryOn()},
	}
}

// ComputeDelay returns the delay in milliseconds for the given 1-based
// attempt number, following the configured strategy, clamped to MaxDelayMs,
// and optionally randomized into [0.5*d, d).
func ComputeDelay(cfg Config, attempt int) int64 {
	var raw float64
	switch cfg.Strategy {
	case StrategyFixed:
		raw = float64(cfg.BaseDelayMs)
	case StrategyLinear:
		raw = float64(cfg.BaseDelayMs) * float64(attempt)
	case StrategyExponential:
		raw = float64(cfg.BaseDelayMs) * math.Pow(2, float64(attempt-1))
	case StrategyCustom:
		if cfg.Custom != nil {
			raw = float64(cfg.Custom(attempt, cfg.BaseDelayMs))
		}
	default:
		raw = float64(cfg.BaseDelayMs)
	}

	d := math.Min(raw, float64(cfg.MaxDelayMs))
	if d < 0 {
		d = 0
	}
	if cfg.Jitter {
		// uniformly random factor in [0.5, 1.0)
		factor := 0.5 + rand.Float64()*0.5
		d = d * factor
	}
	return int64(math.Floor(d))
}

// ShouldRetry reports whether another attempt is warranted given the
// outcome of attempt number "attempt" (1-based), following §4.2/§8
// invariant 2. statusCode is nil for transport-level (non-HTTP) failures.
func ShouldRetry(cfg Config, statusCode *int, attempt int) bool {
	if !cfg.Enabled {
		return false
	}
	if attempt >= cfg.MaxAttempts {
		return false
	}
	for _, rule := range cfg.RetryOn {
		if rule.matches(statusCode) {
			return true
		}
	}
	return false
}

// Sleep waits for delayMs milliseconds, returning early with ctx.Err()
// if ctx is cancelled first. This is what makes backoff sleeps
// cancellable (SPEC_FULL.md §5, Open Question 3) rather than only
// observed at the next attempt boundary.
func Sleep(ctx context.Context, delayMs int64) error {
	if delayMs <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	timer := time.NewTimer(time.Duration(delayMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
