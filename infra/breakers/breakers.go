package breakers

import (
	"time"

	cb "github.com/sony/gobreaker"
)

// Breaker wraps a gobreaker circuit breaker with the trip policy shared by
// all outbound collaborators (chain RPC, price API): open after three
// consecutive failures, or a >5% failure rate once at least twenty calls
// have been observed in the rolling interval.
type Breaker struct{ cb *cb.CircuitBreaker }

func New(name string) *Breaker {
	st := cb.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts cb.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		total := counts.Requests
		if total < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(total) > 0.05
	}
	return &Breaker{cb: cb.NewCircuitBreaker(st)}
}

func (b *Breaker) Execute(fn func() (any, error)) (any, error) { return b.cb.Execute(fn) }
