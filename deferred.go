package recordlayer

import "container/heap"

// maxDeferredItems is the hard DoS ceiling on a single deferred queue:
// an attacker able to inject plausible future-epoch records must not
// exhaust memory.
const maxDeferredItems = 100

// deferredItem is one buffered encrypted record: either a next-epoch
// record withheld during in_init, or a decrypted-but-withheld record
// during renegotiation.
type deferredItem struct {
	raw      []byte
	header   recordHeader
	priority uint64 // epoch<<48 | seq, big-endian order by value
}

// deferredHeap implements container/heap.Interface over deferredItem,
// ordered by ascending priority.
type deferredHeap []*deferredItem

func (h deferredHeap) Len() int            { return len(h) }
func (h deferredHeap) Less(i, j int) bool  { return h[i].priority < h[j].priority }
func (h deferredHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *deferredHeap) Push(x interface{}) { *h = append(*h, x.(*deferredItem)) }
func (h *deferredHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// DeferredRecordQueue is a bounded priority queue of buffered encrypted
// records, ordered by (epoch, seq), used for future-epoch or
// renegotiation deferral.
type DeferredRecordQueue struct {
	h        deferredHeap
	seen     map[uint64]bool
	epoch    Epoch
	hasEpoch bool
}

// NewDeferredRecordQueue constructs an empty queue.
func NewDeferredRecordQueue() *DeferredRecordQueue {
	return &DeferredRecordQueue{seen: make(map[uint64]bool)}
}

// Insert adds header/raw at the given epoch if the queue has room and
// the (epoch, seq) pair is not already present. It reports whether the
// item was accepted; a false return with no error means a capacity or
// duplicate rejection, and it is the caller's job (the pipeline, not
// this queue) to decide what that means for the connection.
func (q *DeferredRecordQueue) Insert(epoch Epoch, header recordHeader, raw []byte) bool {
	priority := uint64(epoch)<<48 | header.seq

	if q.seen[priority] {
		return false
	}
	if len(q.h) >= maxDeferredItems {
		return false
	}

	if !q.hasEpoch {
		q.epoch = epoch
		q.hasEpoch = true
	}

	heap.Push(&q.h, &deferredItem{raw: raw, header: header, priority: priority})
	q.seen[priority] = true
	return true
}

// PopMin removes and returns the smallest-priority item, if any.
func (q *DeferredRecordQueue) PopMin() (*deferredItem, bool) {
	if len(q.h) == 0 {
		return nil, false
	}
	item := heap.Pop(&q.h).(*deferredItem)
	delete(q.seen, item.priority)
	if len(q.h) == 0 {
		q.hasEpoch = false
	}
	return item, true
}

// Size reports the current occupancy.
func (q *DeferredRecordQueue) Size() int {
	return len(q.h)
}

// RecordedEpoch reports the epoch generation the queue's contents were
// buffered under, and whether the queue currently holds anything.
func (q *DeferredRecordQueue) RecordedEpoch() (Epoch, bool) {
	return q.epoch, q.hasEpoch
}

// Reset discards all buffered items without draining them anywhere.
// The pipeline itself never calls it: AdvanceEpoch drains a matching
// backlog instead.
func (q *DeferredRecordQueue) Reset() {
	q.h = nil
	q.seen = make(map[uint64]bool)
	q.hasEpoch = false
}

// DrainTo pops every item in priority order and forwards its raw
// packet bytes to sink, used on teardown to migrate leftover records
// to a successor transport.
func (q *DeferredRecordQueue) DrainTo(sink Transport) error {
	for {
		item, ok := q.PopMin()
		if !ok {
			return nil
		}
		if err := sink.WritePacket(item.raw); err != nil {
			return err
		}
	}
}
