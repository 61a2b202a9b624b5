// Package metrics implements the bounded ring of recent request samples
// (§4.7) plus the optional tracing wrappers and a Prometheus collector
// exposing the ring's aggregates. The ring's eviction shape is grounded
// on go-sdk/internal.BoundedMap's list+slice bookkeeping, adapted like
// dedupe.Map to oldest-first discard rather than LRU recency -- a ring
// buffer has no "read" path that should protect a sample from eviction.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/prometheus/client_golang/prometheus"
)

var noopTracer = trace.NewNoopTracerProvider().Tracer("resilientclient/noop")

// MaxSamples bounds the ring's resident sample count (§3).
const MaxSamples = 1000

// DefaultWindow is the default lookback for "recent" failure counting.
const DefaultWindow = 60 * time.Second

// Sample is one recorded attempt outcome. Timestamp is this module's
// addition resolving Open Question 1 (SPEC_FULL.md §9): the distillation
// source compared latency against wall-clock time, which is dimensionally
// meaningless, so a dedicated timestamp field backs the recent-failures
// window instead.
type Sample struct {
	RequestID string
	URL       string
	Method    string
	LatencyMs int64
	Attempt   int
	Status    *int
	Success   bool
	Timestamp time.Time
}

// Buffer is a fixed-capacity ring of the most recent samples.
type Buffer struct {
	mu      sync.Mutex
	samples []Sample
	next    int
	size    int

	window time.Duration
}

// NewBuffer returns an empty ring with the default recent-failures window.
func NewBuffer() *Buffer {
	return &Buffer{
		samples: make([]Sample, MaxSamples),
		window:  DefaultWindow,
	}
}

// WithWindow overrides the recent-failures lookback window.
func (b *Buffer) WithWindow(d time.Duration) *Buffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.window = d
	return b
}

// Record appends a sample, discarding the oldest resident sample once the
// ring is at capacity.
func (b *Buffer) Record(s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.samples[b.next] = s
	b.next = (b.next + 1) % MaxSamples
	if b.size < MaxSamples {
		b.size++
	}
}

// AverageLatencyMs returns the mean latency over all resident samples,
// or 0 if the ring is empty.
func (b *Buffer) AverageLatencyMs() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		return 0
	}
	var total int64
	for i := 0; i < b.size; i++ {
		total += b.samples[i].LatencyMs
	}
	return float64(total) / float64(b.size)
}

// RecentFailures counts resident samples with Success=false whose
// Timestamp falls within the configured window of now.
func (b *Buffer) RecentFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	count := 0
	for i := 0; i < b.size; i++ {
		s := b.samples[i]
		if !s.Success && now.Sub(s.Timestamp) <= b.window {
			count++
		}
	}
	return count
}

// Len returns the number of resident samples.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// StartSpan returns a span handle for the given name, or a no-op span if
// tracer is nil or panics while starting. All instrumentation failures
// are suppressed per §4.7.
func StartSpan(tracer trace.Tracer, name string) trace.Span {
	if tracer == nil {
		tracer = noopTracer
	}

	var span trace.Span
	func() {
		defer func() { _ = recover() }()
		_, span = tracer.Start(context.Background(), name)
	}()

	if span == nil {
		_, span = noopTracer.Start(context.Background(), name)
	}
	return span
}

// EndSpan sets the standard attributes and ends span. Safe to call with a
// nil span.
func EndSpan(span trace.Span, status int, requestID string, attempt int) {
	if span == nil {
		return
	}
	defer func() { _ = recover() }()
	span.SetAttributes(
		attribute.Int("http.status", status),
		attribute.String("request.id", requestID),
		attribute.Int("retry.attempt", attempt),
	)
	span.End()
}

// Collector adapts a Buffer (plus externally-supplied breaker/in-flight
// readers) into a prometheus.Collector, purely observational and never
// consulted by engine decisions.
type Collector struct {
	buffer         *Buffer
	breakerStateFn func() float64
	inFlightFn     func() float64
	avgLatencyDesc *prometheus.Desc
	recentFailDesc *prometheus.Desc
	inFlightDesc   *prometheus.Desc
	breakerDesc    *prometheus.Desc
}

// NewCollector builds a Collector. breakerState returns a numeric
// encoding of the breaker's state (0=CLOSED,1=HALF_OPEN,2=OPEN);
// inFlight returns the current in-flight attempt count.
func NewCollector(buffer *Buffer, breakerState func() float64, inFlight func() float64) *Collector {
	return &Collector{
		buffer:         buffer,
		breakerStateFn: breakerState,
		inFlightFn:     inFlight,
		avgLatencyDesc: prometheus.NewDesc("resilientclient_average_latency_ms", "Average latency of resident samples", nil, nil),
		recentFailDesc: prometheus.NewDesc("resilientclient_recent_failure_count", "Failures observed within the recent window", nil, nil),
		inFlightDesc:   prometheus.NewDesc("resilientclient_in_flight_requests", "Attempts currently in flight", nil, nil),
		breakerDesc:    prometheus.NewDesc("resilientclient_circuit_breaker_state", "0=closed 1=half-open 2=open", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.avgLatencyDesc
	ch <- c.recentFailDesc
	ch <- c.inFlightDesc
	ch <- c.breakerDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.avgLatencyDesc, prometheus.GaugeValue, c.buffer.AverageLatencyMs())
	ch <- prometheus.MustNewConstMetric(c.recentFailDesc, prometheus.GaugeValue, float64(c.buffer.RecentFailures()))
	if c.inFlightFn != nil {
		ch <- prometheus.MustNewConstMetric(c.inFlightDesc, prometheus.GaugeValue, c.inFlightFn())
	}
	if c.breakerStateFn != nil {
		ch <- prometheus.MustNewConstMetric(c.breakerDesc, prometheus.GaugeValue, c.breakerStateFn())
	}
}
