package types

import (
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
)

// TransactionConfiguration carries everything needed to set up a
// transaction engine.
type TransactionConfiguration struct {
	// MaxConcurrentRequests bounds the submission queues; the
	// outstanding table and the timer queue are bounded transitively.
	MaxConcurrentRequests int

	// RtoPolicy drives retransmissions and timeouts.
	RtoPolicy RtoPolicy

	// Logger receives the engine log output. A default stderr logger
	// is installed when nil.
	Logger Logger

	// Clock is the time source for all timeout math. Defaults to the
	// system clock; tests inject a mock.
	Clock clock.Clock

	// MetricsRegistry, when non-nil, receives the engine collectors.
	MetricsRegistry prometheus.Registerer
}
