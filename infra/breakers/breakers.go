// Package breakers wraps outbound publishers in a circuit breaker so a
// flapping Redis endpoint degrades to dry-run logging instead of stalling
// the soak loop.
package breakers

import (
	"time"

	"github.com/rs/zerolog/log"
	cb "github.com/sony/gobreaker"
)

// Breaker trips after 3 consecutive failures, or a >5% failure ratio once
// at least 20 requests have been seen. It half-opens after 30s, matching
// the exporter's between-flush cadence.
type Breaker struct {
	cb *cb.CircuitBreaker
}

// New builds a named breaker with the exporter defaults.
func New(name string) *Breaker {
	st := cb.Settings{
		Name:     name,
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts cb.Counts) bool {
			if counts.ConsecutiveFailures >= 3 {
				return true
			}
			if counts.Requests < 20 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
		},
		OnStateChange: func(name string, from, to cb.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	}
	return &Breaker{cb: cb.NewCircuitBreaker(st)}
}

// Execute runs fn through the breaker. When open it fails fast with
// gobreaker.ErrOpenState and fn is never called.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) { return nil, fn() })
	return err
}

// State exposes the current breaker state for health reporting.
func (b *Breaker) State() cb.State { return b.cb.State() }
