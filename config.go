package client

import (
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/resilientkit/client/internal/backoff"
	"github.com/resilientkit/client/internal/breaker"
	"github.com/resilientkit/client/internal/engine"
	"github.com/resilientkit/client/internal/integrity"
	"github.com/resilientkit/client/transport"
)

// ProtocolMode selects whether idempotency headers and payload-integrity
// enforcement are applied to outbound requests.
type ProtocolMode = engine.ProtocolMode

const (
	ProtocolStandard   = engine.ProtocolStandard
	ProtocolIdempotent = engine.ProtocolIdempotent
)

// Mode selects whether a supplied Validator is actually invoked on a
// successful response.
type Mode = engine.ClientMode

const (
	ModeStrict      = engine.ModeStrict
	ModePerformance = engine.ModePerformance
)

// RetryStrategy names the delay curve used between attempts.
type RetryStrategy = backoff.Strategy

const (
	StrategyFixed       = backoff.StrategyFixed
	StrategyLinear      = backoff.StrategyLinear
	StrategyExponential = backoff.StrategyExponential
	StrategyCustom      = backoff.StrategyCustom
)

// RetryOn is a single retry-eligibility rule (§3's "tags network, 5xx, or
// explicit status codes").
type RetryOn = backoff.RetryOn

func NetworkRetryOn() RetryOn        { return backoff.NetworkRetryOn() }
func ServerErrorRetryOn() RetryOn    { return backoff.ServerErrorRetryOn() }
func StatusRetryOn(code int) RetryOn { return backoff.StatusRetryOn(code) }

// RetryConfig mirrors the data model's RetryConfig (§3), yaml-tagged for
// LoadConfig.
type RetryConfig struct {
	Enabled     bool     `yaml:"enabled"`
	MaxAttempts int      `yaml:"maxAttempts"`
	Strategy    string   `yaml:"strategy"`
	BaseDelayMs int64    `yaml:"baseDelayMs"`
	MaxDelayMs  int64    `yaml:"maxDelayMs"`
	Jitter      bool     `yaml:"jitter"`
	RetryOn     []string `yaml:"retryOn"`
}

func (r RetryConfig) toInternal() backoff.Config {
	cfg := backoff.Config{
		Enabled:     r.Enabled,
		MaxAttempts: r.MaxAttempts,
		Strategy:    backoff.Strategy(r.Strategy),
		BaseDelayMs: r.BaseDelayMs,
		MaxDelayMs:  r.MaxDelayMs,
		Jitter:      r.Jitter,
	}
	for _, tag := range r.RetryOn {
		switch tag {
		case "network":
			cfg.RetryOn = append(cfg.RetryOn, backoff.NetworkRetryOn())
		case "5xx":
			cfg.RetryOn = append(cfg.RetryOn, backoff.ServerErrorRetryOn())
		default:
			if code, err := strconv.Atoi(tag); err == nil {
				cfg.RetryOn = append(cfg.RetryOn, backoff.StatusRetryOn(code))
			}
		}
	}
	return cfg
}

// DefaultRetryConfig mirrors backoff.DefaultConfig's conservative defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Enabled:     true,
		MaxAttempts: 3,
		Strategy:    string(StrategyExponential),
		BaseDelayMs: 100,
		MaxDelayMs:  5000,
		Jitter:      true,
		RetryOn:     []string{"network", "5xx"},
	}
}

// BreakerConfig mirrors the data model's BreakerConfig (§3).
type BreakerConfig struct {
	FailureThreshold int   `yaml:"failureThreshold"`
	ResetTimeoutMs   int64 `yaml:"resetTimeoutMs"`
	HalfOpenMaxCalls int   `yaml:"halfOpenMaxCalls"`
}

func (b BreakerConfig) toInternal() breaker.Config {
	return breaker.Config{
		FailureThreshold: b.FailureThreshold,
		ResetTimeout:     time.Duration(b.ResetTimeoutMs) * time.Millisecond,
		HalfOpenMaxCalls: b.HalfOpenMaxCalls,
	}
}

// DefaultBreakerConfig mirrors the engine's own fallback defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, ResetTimeoutMs: 30000, HalfOpenMaxCalls: 1}
}

// ClientConfig is the client's immutable-after-construction configuration
// (§3). Construct via NewConfig and With* options, or via LoadConfig for
// the data-only subset.
type ClientConfig struct {
	BaseURL          string            `yaml:"baseUrl"`
	DefaultTimeoutMs int64             `yaml:"defaultTimeoutMs"`
	DefaultHeaders   map[string]string `yaml:"defaultHeaders"`
	Retry            RetryConfig       `yaml:"retry"`
	Breaker          BreakerConfig     `yaml:"breaker"`
	DedupeEnabled    bool              `yaml:"dedupeEnabled"`
	ProtocolMode     string            `yaml:"protocolMode"`
	ClientMode       string            `yaml:"clientMode"`

	// Runtime-wired collaborators: never populated from YAML.
	Transport transport.Transport `yaml:"-"`
	Tracer    trace.Tracer        `yaml:"-"`
	Logger    *logrus.Logger      `yaml:"-"`
	Integrity *integrity.Registry `yaml:"-"`
}

// Option mutates a ClientConfig during construction.
type Option func(*ClientConfig)

// NewConfig builds a ClientConfig from documented defaults plus opts.
func NewConfig(opts ...Option) *ClientConfig {
	cfg := &ClientConfig{
		DefaultTimeoutMs: engine.DefaultTimeoutMs,
		DefaultHeaders:   map[string]string{},
		Retry:            DefaultRetryConfig(),
		Breaker:          DefaultBreakerConfig(),
		ProtocolMode:     string(ProtocolStandard),
		ClientMode:       string(ModeStrict),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func WithBaseURL(url string) Option {
	return func(c *ClientConfig) { c.BaseURL = url }
}

func WithDefaultTimeoutMs(ms int64) Option {
	return func(c *ClientConfig) { c.DefaultTimeoutMs = ms }
}

func WithDefaultHeaders(headers map[string]string) Option {
	return func(c *ClientConfig) { c.DefaultHeaders = headers }
}

func WithRetry(r RetryConfig) Option {
	return func(c *ClientConfig) { c.Retry = r }
}

func WithBreaker(b BreakerConfig) Option {
	return func(c *ClientConfig) { c.Breaker = b }
}

func WithDedupe(enabled bool) Option {
	return func(c *ClientConfig) { c.DedupeEnabled = enabled }
}

func WithProtocolMode(mode ProtocolMode) Option {
	return func(c *ClientConfig) { c.ProtocolMode = string(mode) }
}

func WithClientMode(mode Mode) Option {
	return func(c *ClientConfig) { c.ClientMode = string(mode) }
}

func WithTransport(t transport.Transport) Option {
	return func(c *ClientConfig) { c.Transport = t }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *ClientConfig) { c.Tracer = t }
}

func WithLogger(l *logrus.Logger) Option {
	return func(c *ClientConfig) { c.Logger = l }
}

// WithIntegrityRegistry overrides the per-client idempotency registry,
// allowing two independently-constructed clients to deliberately share
// idempotency state if the caller passes the same instance to both.
func WithIntegrityRegistry(r *integrity.Registry) Option {
	return func(c *ClientConfig) { c.Integrity = r }
}

// LoadConfig reads a YAML document at path into the data-only subset of
// ClientConfig (timeouts, retry/breaker knobs, dedupe flag, modes); the
// transport and tracer handles are always code-supplied (§2a).
func LoadConfig(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := NewConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ClientConfig) toEngineConfig() engine.Config {
	return engine.Config{
		BaseURL:          c.BaseURL,
		DefaultTimeoutMs: c.DefaultTimeoutMs,
		DefaultHeaders:   c.DefaultHeaders,
		Retry:            c.Retry.toInternal(),
		Breaker:          c.Breaker.toInternal(),
		DedupeEnabled:    c.DedupeEnabled,
		ProtocolMode:     engine.ProtocolMode(c.ProtocolMode),
		ClientMode:       engine.ClientMode(c.ClientMode),
		Transport:        c.Transport,
		Tracer:           c.Tracer,
		Logger:           c.Logger,
		Integrity:        c.Integrity,
	}
}
