// Package circuit tracks per-key failure state and short-circuits calls to
// endpoints that keep failing.
package circuit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"conductor/internal/metrics"
)

// Config tunes breaker behavior. Zero values take the defaults below.
type Config struct {
	FailureThreshold int           // consecutive failures before opening, default 5
	Timeout          time.Duration // open duration before probing, default 30s
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

type entry struct {
	state    metrics.BreakerState
	failures int
	openedAt time.Time
}

// Breaker holds one circuit per key. Keys are arbitrary; callers typically
// use the target host.
type Breaker struct {
	cfg     Config
	metrics *metrics.Collector

	mu      sync.Mutex
	entries map[string]*entry
}

// NewBreaker returns a Breaker with all circuits closed.
func NewBreaker(cfg Config, collector *metrics.Collector) *Breaker {
	return &Breaker{
		cfg:     cfg.withDefaults(),
		metrics: collector,
		entries: make(map[string]*entry),
	}
}

func (b *Breaker) entryFor(key string) *entry {
	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: metrics.BreakerClosed}
		b.entries[key] = e
	}
	return e
}

// Allow reports whether a call to key may proceed. An open circuit whose
// timeout has elapsed transitions to half-open and lets one probe through.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entryFor(key)
	switch e.state {
	case metrics.BreakerClosed, metrics.BreakerHalfOpen:
		return true
	case metrics.BreakerOpen:
		if time.Since(e.openedAt) >= b.cfg.Timeout {
			b.transition(key, e, metrics.BreakerHalfOpen)
			return true
		}
		return false
	}
	return true
}

// RecordSuccess closes the circuit and clears its failure count.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entryFor(key)
	e.failures = 0
	if e.state != metrics.BreakerClosed {
		b.transition(key, e, metrics.BreakerClosed)
	}
}

// RecordFailure counts a failure. The circuit opens at the threshold, and a
// half-open probe failure reopens it immediately.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entryFor(key)
	e.failures++
	if e.state == metrics.BreakerHalfOpen || (e.state == metrics.BreakerClosed && e.failures >= b.cfg.FailureThreshold) {
		e.openedAt = time.Now()
		b.transition(key, e, metrics.BreakerOpen)
	}
}

// State returns the current state for key; unknown keys are closed.
func (b *Breaker) State(key string) metrics.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok {
		return e.state
	}
	return metrics.BreakerClosed
}

func (b *Breaker) transition(key string, e *entry, to metrics.BreakerState) {
	from := e.state
	e.state = to
	log.Info().Str("key", key).Str("from", string(from)).Str("to", string(to)).Msg("circuit state changed")
	if b.metrics != nil {
		b.metrics.RecordCircuitBreakerState(key, to)
	}
}
