package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(exchangeTransitions, exchangesTotal) }

var (
	exchangeTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webrelay_exchange_state_transitions_total",
			Help: "Answer channel state transitions by target state.",
		},
		[]string{"backend", "state"},
	)

	exchangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webrelay_exchanges_total",
			Help: "Finished exchanges by backend and terminal state.",
		},
		[]string{"backend", "state"}, // state: complete, timed_out, failed
	)
)

// ExchangeObserver returns a state observer for an answer channel of backend.
// Terminal states also count as finished exchanges.
func ExchangeObserver(backend string) func(from, to string) {
	backend = norm(backend)
	return func(from, to string) {
		exchangeTransitions.WithLabelValues(backend, to).Inc()
		switch to {
		case "complete", "timed_out", "failed":
			exchangesTotal.WithLabelValues(backend, to).Inc()
		}
	}
}
