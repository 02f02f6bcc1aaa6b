package core

import (
	"context"
	"net/netip"
	"sync"

	"github.com/DanglingPointer/mstun/pkg/stun/types"
)

// submissionQueues is the bounded channel pair between the user-facing
// handles and the processor. All handle copies share one instance. The
// lock serializes submissions against closing so that a send can never
// hit a closed channel; items queued before the close are still
// delivered to the processor.
type submissionQueues struct {
	mutex             sync.RWMutex
	requests          chan *request
	indications       chan types.Indication
	requestsClosed    bool
	indicationsClosed bool

	// closed when the processor exits, whatever the reason
	done <-chan struct{}
}

func newSubmissionQueues(depth int, done <-chan struct{}) *submissionQueues {
	return &submissionQueues{
		requests:    make(chan *request, depth),
		indications: make(chan types.Indication, depth),
		done:        done,
	}
}

func (q *submissionQueues) submitRequest(ctx context.Context, req *request) error {
	q.mutex.RLock()
	defer q.mutex.RUnlock()
	if q.requestsClosed {
		return types.ErrChannelClosed
	}
	select {
	case q.requests <- req:
		return nil
	case <-q.done:
		return types.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *submissionQueues) submitIndication(ctx context.Context, ind types.Indication) error {
	q.mutex.RLock()
	defer q.mutex.RUnlock()
	if q.indicationsClosed {
		return types.ErrChannelClosed
	}
	select {
	case q.indications <- ind:
		return nil
	case <-q.done:
		return types.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *submissionQueues) closeRequestQueue() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if !q.requestsClosed {
		q.requestsClosed = true
		close(q.requests)
	}
}

func (q *submissionQueues) closeIndicationQueue() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if !q.indicationsClosed {
		q.indicationsClosed = true
		close(q.indications)
	}
}

// RequestSender submits requests to the transaction engine. Copies are
// cheap and share the same bounded queue; submissions from one sender
// are processed in FIFO order.
type RequestSender struct {
	queues *submissionQueues
}

// SendRequest runs a full transaction against dest and blocks until its
// terminal outcome: a decoded reply, a method mismatch, a timeout, or
// engine shutdown. Cancelling ctx abandons the wait but not the
// transaction; its eventual outcome is discarded.
func (s RequestSender) SendRequest(ctx context.Context, dest netip.AddrPort, method uint16, attributes []types.Tlv) (types.Response, error) {
	req := &request{
		destinationAddr: dest,
		method:          method,
		attributes:      attributes,
		responseSink:    make(chan outcome, 1),
	}
	if err := s.queues.submitRequest(ctx, req); err != nil {
		return types.Response{}, err
	}

	select {
	case out := <-req.responseSink:
		return out.response, out.err
	case <-ctx.Done():
		return types.Response{}, ctx.Err()
	}
}

// Close marks the request queue closed. Once the queue is drained and
// no transactions remain outstanding the processor shuts down cleanly,
// provided the indication queue is closed too. Closing affects every
// copy of this sender.
func (s RequestSender) Close() {
	s.queues.closeRequestQueue()
}

// IndicationSender submits fire-and-forget indications.
type IndicationSender struct {
	queues *submissionQueues
}

func (s IndicationSender) SendIndication(ctx context.Context, dest netip.AddrPort, method uint16, attributes []types.Tlv) error {
	return s.queues.submitIndication(ctx, types.Indication{
		PeerAddr:   dest,
		Method:     method,
		Attributes: attributes,
	})
}

// Close marks the indication queue closed for every copy of this
// sender.
func (s IndicationSender) Close() {
	s.queues.closeIndicationQueue()
}

// IndicationReceiver yields inbound indications. The stream ends when
// the processor exits.
type IndicationReceiver struct {
	indications <-chan types.Indication
}

// Indications exposes the raw bounded stream.
func (r IndicationReceiver) Indications() <-chan types.Indication {
	return r.indications
}

// Receive blocks for the next inbound indication.
func (r IndicationReceiver) Receive(ctx context.Context) (types.Indication, error) {
	select {
	case ind, ok := <-r.indications:
		if !ok {
			return types.Indication{}, types.ErrChannelClosed
		}
		return ind, nil
	case <-ctx.Done():
		return types.Indication{}, ctx.Err()
	}
}
