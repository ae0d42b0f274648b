// The pending queue holds requests that passed admission but found no GPU
// with enough free memory. FIFO: priority is informational and does not
// reorder the queue (no tie-break rule is defined for it).

package router

import "sync"

// queueEntry is one waiting request. pinnedGPU is non-empty for batch
// members with pinned affinity: they only ever wait for that device.
type queueEntry struct {
	requestID string
	pinnedGPU string
}

// pendingQueue is a FIFO queue of request ids awaiting capacity.
type pendingQueue struct {
	mu    sync.Mutex
	items []queueEntry
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{}
}

// enqueue appends an entry and returns its 1-based queue position.
func (q *pendingQueue) enqueue(requestID, pinnedGPU string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, queueEntry{requestID: requestID, pinnedGPU: pinnedGPU})
	return len(q.items)
}

// remove deletes the entry for requestID, preserving FIFO order of the rest.
// Returns the removed entry and whether it was present.
func (q *pendingQueue) remove(requestID string) (queueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.items {
		if e.requestID == requestID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return e, true
		}
	}
	return queueEntry{}, false
}

// snapshot returns a copy of the queue contents in FIFO order.
func (q *pendingQueue) snapshot() []queueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queueEntry(nil), q.items...)
}

// len returns the number of waiting requests.
func (q *pendingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
