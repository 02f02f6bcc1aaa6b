package core

import (
	"context"
	"math/rand"
	"net/netip"
	"time"

	"github.com/DanglingPointer/mstun/pkg/stun/helper"
	"github.com/DanglingPointer/mstun/pkg/stun/types"
	"github.com/benbjohnson/clock"
)

// Fallback for the initial attempt when the policy declines to provide
// a timeout.
const defaultRto = 1500 * time.Millisecond

// request tracks a single in-flight transaction. The attributes are
// immutable for its lifetime and re-sent verbatim on retransmission.
type request struct {
	destinationAddr netip.AddrPort
	method          uint16
	attributes      []types.Tlv
	responseSink    chan outcome
	attemptsMade    int
	startTime       time.Time
}

// outcome is written into a responseSink exactly once. The sink is
// buffered, so resolving never blocks even when the caller has stopped
// waiting.
type outcome struct {
	response types.Response
	err      error
}

func (r *request) resolve(out outcome) {
	r.responseSink <- out
}

// Manager owns all mutable transaction state: the outstanding table,
// the timer queue and the retransmission policy. It is driven by a
// single goroutine (the Processor), so none of its state is locked.
type Manager struct {
	pendingTimeouts *timerQueue
	outstanding     outstandingTable
	egressSink      chan<- types.Packet
	indicationSink  chan<- types.Indication
	rto             types.RtoPolicy
	clock           clock.Clock
	rng             *rand.Rand
	log             types.Logger
	metrics         *Metrics
}

func newManager(
	conf *types.TransactionConfiguration,
	egressSink chan<- types.Packet,
	indicationSink chan<- types.Indication,
	metrics *Metrics,
) *Manager {
	return &Manager{
		pendingTimeouts: newTimerQueue(),
		outstanding:     make(outstandingTable),
		egressSink:      egressSink,
		indicationSink:  indicationSink,
		rto:             conf.RtoPolicy,
		clock:           conf.Clock,
		rng:             helper.NewSeededRand(),
		log:             conf.Logger,
		metrics:         metrics,
	}
}

// nextTimeout reports the deadline of the earliest pending timeout, if
// any. The processor arms its sleep with it.
func (m *Manager) nextTimeout() (time.Time, bool) {
	pt, found := m.pendingTimeouts.peekMin()
	if !found {
		return time.Time{}, false
	}
	return pt.timeoutAt, true
}

func (m *Manager) outstandingCount() int {
	return m.outstanding.size()
}

// emit enqueues an encoded message for transmission. It suspends under
// egress backpressure and fails with ErrChannelClosed when the engine
// is shutting down.
func (m *Manager) emit(ctx context.Context, msg types.Message, dest netip.AddrPort) error {
	select {
	case m.egressSink <- types.Packet{Message: msg, Addr: dest}:
		return nil
	case <-ctx.Done():
		return types.ErrChannelClosed
	}
}

// handleOutgoingRequest assigns a fresh transaction id, emits the
// request and installs the transaction state. The entry only exists
// once the first datagram has actually been handed to the transport.
func (m *Manager) handleOutgoingRequest(ctx context.Context, req *request) error {
	tid := helper.GenerateTransactionID(m.rng)
	msg := types.NewRequest(req.method, tid, req.attributes)
	if err := m.emit(ctx, msg, req.destinationAddr); err != nil {
		req.resolve(outcome{err: types.ErrChannelClosed})
		return err
	}

	now := m.clock.Now()
	rto, ok := m.rto.CalculateRto(req.destinationAddr, 0, now)
	if !ok {
		rto = defaultRto
	}
	m.pendingTimeouts.push(pendingTimeout{timeoutAt: now.Add(rto), tid: tid})

	req.attemptsMade = 1
	req.startTime = now
	m.outstanding.insert(tid, req)
	m.metrics.requestSent(false)
	m.metrics.setOutstanding(m.outstanding.size())
	return nil
}

// handleOutgoingIndication emits a fire-and-forget indication: no table
// entry, no timer, no reply channel.
func (m *Manager) handleOutgoingIndication(ctx context.Context, ind types.Indication) error {
	tid := helper.GenerateTransactionID(m.rng)
	msg := types.NewIndication(ind.Method, tid, ind.Attributes)
	return m.emit(ctx, msg, ind.PeerAddr)
}

// handleIncomingMessage dispatches an inbound message by class.
func (m *Manager) handleIncomingMessage(ctx context.Context, pkt types.Packet) error {
	switch pkt.Message.Header.Class {
	case types.ClassRequest:
		m.log.Errorf("ignoring incoming request from %s: handling of requests is not supported", pkt.Addr)
	case types.ClassIndication:
		forwarded := types.Indication{
			PeerAddr:   pkt.Addr,
			Method:     pkt.Message.Header.Method,
			Attributes: pkt.Message.Attributes,
		}
		select {
		case m.indicationSink <- forwarded:
		case <-ctx.Done():
			return types.ErrChannelClosed
		}
	case types.ClassResponse, types.ClassError:
		m.resolveResponse(pkt.Message, pkt.Addr)
	}
	return nil
}

// resolveResponse matches a response- or error-class message against
// the outstanding table. A response from a foreign source is discarded
// but leaves the transaction outstanding: the genuine peer may still
// answer. A method mismatch from the right peer terminates it.
func (m *Manager) resolveResponse(msg types.Message, src netip.AddrPort) {
	tid := msg.Header.TransactionID
	req, found := m.outstanding.lookup(tid)
	if !found {
		m.log.Warnf("received orphaned response from %s", src)
		return
	}
	if req.destinationAddr != src {
		m.log.Warnf("received response for transaction to %s from unexpected source %s",
			req.destinationAddr, src)
		return
	}

	m.outstanding.remove(tid)
	if req.attemptsMade == 1 {
		// Karn's rule: the sample is unambiguous only on the first attempt
		rtt := m.clock.Now().Sub(req.startTime)
		m.rto.SubmitRtt(src, rtt)
		m.metrics.observeRtt(rtt)
	}

	if msg.Header.Method != req.method {
		req.resolve(outcome{err: &types.MethodMismatchError{
			RequestMethod:  req.method,
			ResponseMethod: msg.Header.Method,
		}})
	} else {
		req.resolve(outcome{response: types.Response{
			Success:    msg.Header.Class == types.ClassResponse,
			Attributes: msg.Attributes,
		}})
	}
	m.pendingTimeouts.removeByTid(tid)
	m.metrics.setOutstanding(m.outstanding.size())
}

// handleTimeouts pops every due timeout and either retransmits the
// stored request or, when the policy gives up, resolves it with
// ErrTimeout.
func (m *Manager) handleTimeouts(ctx context.Context) error {
	for {
		pt, found := m.pendingTimeouts.peekMin()
		if !found || pt.timeoutAt.After(m.clock.Now()) {
			return nil
		}
		m.pendingTimeouts.popMin()

		req, found := m.outstanding.lookup(pt.tid)
		if !found {
			// every pending timeout has a live table entry
			panic("no outstanding request for pending timeout")
		}

		rto, ok := m.rto.CalculateRto(req.destinationAddr, req.attemptsMade, req.startTime)
		if !ok {
			m.outstanding.remove(pt.tid)
			req.resolve(outcome{err: types.ErrTimeout})
			m.metrics.timedOut()
			m.metrics.setOutstanding(m.outstanding.size())
			continue
		}

		msg := types.NewRequest(req.method, pt.tid, req.attributes)
		if err := m.emit(ctx, msg, req.destinationAddr); err != nil {
			return err
		}
		req.attemptsMade++
		m.pendingTimeouts.push(pendingTimeout{timeoutAt: m.clock.Now().Add(rto), tid: pt.tid})
		m.metrics.requestSent(true)
	}
}

// failAll resolves every in-flight transaction with err and clears all
// state. Used on shutdown.
func (m *Manager) failAll(err error) {
	for tid, req := range m.outstanding {
		req.resolve(outcome{err: err})
		m.outstanding.remove(tid)
	}
	for {
		if _, found := m.pendingTimeouts.popMin(); !found {
			break
		}
	}
	m.metrics.setOutstanding(0)
}
