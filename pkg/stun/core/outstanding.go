package core

import (
	"github.com/DanglingPointer/mstun/pkg/stun/types"
)

// outstandingTable maps transaction ids to their in-flight requests.
// Only the manager goroutine touches it.
type outstandingTable map[types.TransactionID]*request

func (t outstandingTable) insert(tid types.TransactionID, req *request) {
	t[tid] = req
}

func (t outstandingTable) lookup(tid types.TransactionID) (*request, bool) {
	req, found := t[tid]
	return req, found
}

func (t outstandingTable) remove(tid types.TransactionID) {
	delete(t, tid)
}

func (t outstandingTable) size() int {
	return len(t)
}
