package core

import (
	"container/heap"
	"time"

	"github.com/DanglingPointer/mstun/pkg/stun/types"
)

// pendingTimeout schedules the next retransmission decision for an
// outstanding transaction.
type pendingTimeout struct {
	timeoutAt time.Time
	tid       types.TransactionID
}

// timerEntries implements heap.Interface ordered by deadline, earliest
// first. Ties are broken arbitrarily.
type timerEntries []pendingTimeout

func (e timerEntries) Len() int {
	return len(e)
}

func (e timerEntries) Less(i, j int) bool {
	return e[i].timeoutAt.Before(e[j].timeoutAt)
}

func (e timerEntries) Swap(i, j int) {
	e[i], e[j] = e[j], e[i]
}

func (e *timerEntries) Push(x interface{}) {
	*e = append(*e, x.(pendingTimeout))
}

func (e *timerEntries) Pop() interface{} {
	old := *e
	last := old[len(old)-1]
	*e = old[:len(old)-1]
	return last
}

// timerQueue is a min-heap over the pending timeouts of all outstanding
// transactions.
type timerQueue struct {
	entries timerEntries
}

func newTimerQueue() *timerQueue {
	return &timerQueue{}
}

func (q *timerQueue) push(pt pendingTimeout) {
	heap.Push(&q.entries, pt)
}

// peekMin returns the earliest pending timeout without removing it.
func (q *timerQueue) peekMin() (pendingTimeout, bool) {
	if len(q.entries) == 0 {
		return pendingTimeout{}, false
	}
	return q.entries[0], true
}

// popMin removes and returns the earliest pending timeout.
func (q *timerQueue) popMin() (pendingTimeout, bool) {
	if len(q.entries) == 0 {
		return pendingTimeout{}, false
	}
	return heap.Pop(&q.entries).(pendingTimeout), true
}

// removeByTid drops every entry scheduled for the given transaction.
// The heap is bounded by the concurrent-request limit, so the linear
// scan is fine.
func (q *timerQueue) removeByTid(tid types.TransactionID) {
	kept := q.entries[:0]
	for _, pt := range q.entries {
		if pt.tid != tid {
			kept = append(kept, pt)
		}
	}
	q.entries = kept
	heap.Init(&q.entries)
}

func (q *timerQueue) size() int {
	return len(q.entries)
}
