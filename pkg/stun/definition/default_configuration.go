package definition

import (
	"github.com/DanglingPointer/mstun/pkg/stun/types"
	"github.com/benbjohnson/clock"
)

const defaultMaxConcurrentRequests = 16

// Creates a sensible configuration for talking to public servers:
// adaptive retransmissions, stderr logging, system clock, no metrics.
func DefaultTransactionConfiguration() *types.TransactionConfiguration {
	return &types.TransactionConfiguration{
		MaxConcurrentRequests: defaultMaxConcurrentRequests,
		RtoPolicy:             NewAdaptiveRtoPolicy(DefaultInitialRto, DefaultMaxAttempts),
		Logger:                NewDefaultLogger(),
		Clock:                 clock.New(),
	}
}
