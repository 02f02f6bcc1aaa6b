package definition

import (
	"net/netip"
	"sync"
	"time"

	"github.com/DanglingPointer/mstun/pkg/stun/types"
)

const (
	// DefaultInitialRto is used by the adaptive policy before any
	// round-trip sample has been observed for a destination.
	DefaultInitialRto = 500 * time.Millisecond

	// DefaultMaxAttempts is how many datagrams the adaptive policy
	// emits per transaction before giving up.
	DefaultMaxAttempts = 7

	// maxRto caps the exponential backoff.
	maxRto = 60 * time.Second
)

// NoRetransmissionsConstTimeout allows a single attempt per transaction
// and times it out after a fixed delay. Round-trip samples are ignored.
type NoRetransmissionsConstTimeout struct {
	timeout time.Duration
}

func NewNoRetransmissionsConstTimeout(timeout time.Duration) *NoRetransmissionsConstTimeout {
	return &NoRetransmissionsConstTimeout{timeout: timeout}
}

// NoRetransmissionsConstTimeout implements types.RtoPolicy.
func (p *NoRetransmissionsConstTimeout) CalculateRto(_ netip.AddrPort, attemptsMade int, _ time.Time) (time.Duration, bool) {
	if attemptsMade == 0 {
		return p.timeout, true
	}
	return 0, false
}

// NoRetransmissionsConstTimeout implements types.RtoPolicy.
func (p *NoRetransmissionsConstTimeout) SubmitRtt(netip.AddrPort, time.Duration) {}

// Smoothed round-trip state for a single destination, maintained with
// the usual exponential averaging: srtt moves by 1/8 of the error,
// rttvar by 1/4 of its error.
type destinationRtt struct {
	srtt   time.Duration
	rttvar time.Duration
	valid  bool
}

func (d *destinationRtt) submit(rtt time.Duration) {
	if !d.valid {
		d.srtt = rtt
		d.rttvar = rtt / 2
		d.valid = true
		return
	}
	deviation := d.srtt - rtt
	if deviation < 0 {
		deviation = -deviation
	}
	d.rttvar = (3*d.rttvar + deviation) / 4
	d.srtt = (7*d.srtt + rtt) / 8
}

func (d *destinationRtt) rto(floor time.Duration) time.Duration {
	rto := d.srtt + 4*d.rttvar
	if rto < floor {
		return floor
	}
	return rto
}

// AdaptiveRtoPolicy retransmits with exponential backoff, deriving the
// base timeout per destination from observed round-trip times.
type AdaptiveRtoPolicy struct {
	mutex        sync.Mutex
	destinations map[netip.AddrPort]*destinationRtt
	initialRto   time.Duration
	maxAttempts  int
}

func NewAdaptiveRtoPolicy(initialRto time.Duration, maxAttempts int) *AdaptiveRtoPolicy {
	if initialRto <= 0 {
		initialRto = DefaultInitialRto
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &AdaptiveRtoPolicy{
		destinations: make(map[netip.AddrPort]*destinationRtt),
		initialRto:   initialRto,
		maxAttempts:  maxAttempts,
	}
}

// AdaptiveRtoPolicy implements types.RtoPolicy.
func (p *AdaptiveRtoPolicy) CalculateRto(dest netip.AddrPort, attemptsMade int, _ time.Time) (time.Duration, bool) {
	if attemptsMade >= p.maxAttempts {
		return 0, false
	}

	p.mutex.Lock()
	base := p.initialRto
	if state, ok := p.destinations[dest]; ok && state.valid {
		base = state.rto(p.initialRto)
	}
	p.mutex.Unlock()

	rto := base << uint(attemptsMade)
	if rto > maxRto || rto <= 0 {
		rto = maxRto
	}
	return rto, true
}

// AdaptiveRtoPolicy implements types.RtoPolicy.
func (p *AdaptiveRtoPolicy) SubmitRtt(dest netip.AddrPort, rtt time.Duration) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	state, ok := p.destinations[dest]
	if !ok {
		state = &destinationRtt{}
		p.destinations[dest] = state
	}
	state.submit(rtt)
}

var _ types.RtoPolicy = (*NoRetransmissionsConstTimeout)(nil)
var _ types.RtoPolicy = (*AdaptiveRtoPolicy)(nil)
