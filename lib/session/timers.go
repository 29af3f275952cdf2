package session

import "container/heap"

// timerToken identifies a scheduled callback for cancellation.
type timerToken uint64

// timerEntry is one (deadline, callback) pair in the queue.
type timerEntry struct {
	deadlineRaw int64
	token       timerToken
	fire        func(nowRaw int64)
	index       int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadlineRaw < h[j].deadlineRaw }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// timerQueue is a min-heap of scheduled callbacks keyed by raw deadline,
// polled by the session event loop. Cancellation removes the entry by token.
// Not safe for concurrent use; only the event loop touches it.
type timerQueue struct {
	heap    timerHeap
	entries map[timerToken]*timerEntry
	nextTok timerToken
}

func newTimerQueue() *timerQueue {
	return &timerQueue{entries: make(map[timerToken]*timerEntry)}
}

// schedule registers fire to run once nowRaw reaches deadlineRaw.
func (q *timerQueue) schedule(deadlineRaw int64, fire func(nowRaw int64)) timerToken {
	q.nextTok++
	e := &timerEntry{deadlineRaw: deadlineRaw, token: q.nextTok, fire: fire}
	heap.Push(&q.heap, e)
	q.entries[e.token] = e
	return e.token
}

// cancel disarms a scheduled callback. Unknown tokens are ignored.
func (q *timerQueue) cancel(tok timerToken) {
	e, ok := q.entries[tok]
	if !ok {
		return
	}
	delete(q.entries, tok)
	heap.Remove(&q.heap, e.index)
}

// fireDue runs every callback whose deadline has arrived. Callbacks may
// schedule new timers.
func (q *timerQueue) fireDue(nowRaw int64) {
	for len(q.heap) > 0 && q.heap[0].deadlineRaw <= nowRaw {
		e := heap.Pop(&q.heap).(*timerEntry)
		delete(q.entries, e.token)
		e.fire(nowRaw)
	}
}

// clear drops every scheduled callback without firing it.
func (q *timerQueue) clear() {
	q.heap = nil
	q.entries = make(map[timerToken]*timerEntry)
}

// size returns the number of armed timers.
func (q *timerQueue) size() int {
	return len(q.heap)
}
