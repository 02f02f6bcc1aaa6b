package core

import (
	"context"
	"time"

	"github.com/DanglingPointer/mstun/pkg/stun/types"
	"github.com/benbjohnson/clock"
)

// Processor drives the Manager: a cooperative, single-goroutine event
// selector over the two submission queues, the transport ingress and
// the earliest pending timeout.
type Processor struct {
	manager            *Manager
	queues             *submissionQueues
	ingress            <-chan types.Packet
	inboundIndications chan<- types.Indication
	clock              clock.Clock
	log                types.Logger
	ctx                context.Context
	cancel             context.CancelFunc
}

// Stop aborts the run loop. Outstanding transactions resolve with
// ErrChannelClosed.
func (p *Processor) Stop() {
	p.cancel()
}

// Run multiplexes the event sources until shutdown, dispatching exactly
// one manager handler per wake-up. It returns nil on clean shutdown
// (both submission queues closed and drained, no transactions
// outstanding) and after Stop; it returns ErrChannelClosed when the
// transport dies underneath it. Either way every still-pending
// transaction is resolved before returning.
func (p *Processor) Run() error {
	defer close(p.inboundIndications)
	defer p.cancel()

	requests := p.queues.requests
	indications := p.queues.indications

	for {
		if requests == nil && indications == nil && p.manager.outstandingCount() == 0 {
			p.log.Debug("transaction processor drained, shutting down")
			return nil
		}

		var timer *clock.Timer
		var timerChannel <-chan time.Time
		if deadline, armed := p.manager.nextTimeout(); armed {
			delay := deadline.Sub(p.clock.Now())
			if delay < 0 {
				delay = 0
			}
			timer = p.clock.Timer(delay)
			timerChannel = timer.C
		}

		// leave new requests queued while the outstanding table is full
		pendingRequests := requests
		if p.manager.outstandingCount() >= cap(p.queues.requests) {
			pendingRequests = nil
		}

		var err error
		select {
		case <-p.ctx.Done():
			stopTimer(timer)
			p.manager.failAll(types.ErrChannelClosed)
			return nil

		case req, open := <-pendingRequests:
			if !open {
				requests = nil
				break
			}
			err = p.manager.handleOutgoingRequest(p.ctx, req)

		case ind, open := <-indications:
			if !open {
				indications = nil
				break
			}
			err = p.manager.handleOutgoingIndication(p.ctx, ind)

		case pkt, open := <-p.ingress:
			if !open {
				stopTimer(timer)
				p.log.Warn("ingress channel closed, shutting down")
				p.manager.failAll(types.ErrChannelClosed)
				return types.ErrChannelClosed
			}
			err = p.manager.handleIncomingMessage(p.ctx, pkt)

		case <-timerChannel:
			err = p.manager.handleTimeouts(p.ctx)
		}
		stopTimer(timer)

		if err != nil {
			p.manager.failAll(types.ErrChannelClosed)
			return err
		}
	}
}

func stopTimer(timer *clock.Timer) {
	if timer != nil {
		timer.Stop()
	}
}
