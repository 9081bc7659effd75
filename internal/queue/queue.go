// Package queue holds the pending action sequences and the readiness hint shared
// by every relay connection.
package queue

import (
	"sync"
	"sync/atomic"
)

// State is the readiness hint exposed to producers.
type State int32

const (
	// Busy means work was recently queued or handed out.
	Busy State = iota
	// Ready means the last poll found the queue empty and nothing arrived since.
	Ready
)

func (s State) String() string {
	switch s {
	case Busy:
		return "BUSY"
	case Ready:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

// EventKind identifies the operation that produced an Event.
type EventKind string

const (
	EventEnqueue   EventKind = "enqueue"
	EventDequeue   EventKind = "dequeue"
	EventEmptyPoll EventKind = "empty_poll"
)

// Event describes a completed queue operation. Seq is assigned under the queue
// lock and increases with every operation, so observers can discard events
// that reach them out of order.
type Event struct {
	Seq     uint64    `json:"seq"`
	Kind    EventKind `json:"kind"`
	Pending int       `json:"pending"`
	State   State     `json:"-"`
	Ready   bool      `json:"ready"`
}

// Observer is notified after every operation, outside the queue lock.
// Concurrent operations may deliver their events in any order.
type Observer func(Event)

// compactThreshold bounds how many consumed slots are kept before the backing
// slice is shifted down.
const compactThreshold = 64

// Queue is an unbounded FIFO of opaque strings guarded by one mutex that also
// owns every readiness transition.
type Queue struct {
	mu    sync.Mutex
	items []string
	head  int
	seq   uint64

	state atomic.Int32

	observersMu sync.RWMutex
	observers   []Observer
}

// New returns an empty queue in the Busy state.
func New() *Queue {
	q := &Queue{}
	q.state.Store(int32(Busy))
	return q
}

// Observe registers fn to receive every subsequent Event.
func (q *Queue) Observe(fn Observer) {
	if fn == nil {
		return
	}
	q.observersMu.Lock()
	q.observers = append(q.observers, fn)
	q.observersMu.Unlock()
}

// Enqueue appends item to the tail and marks the queue Busy.
func (q *Queue) Enqueue(item string) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.state.Store(int32(Busy))
	q.seq++
	ev := Event{Seq: q.seq, Kind: EventEnqueue, Pending: len(q.items) - q.head, State: Busy}
	q.mu.Unlock()

	q.notify(ev)
}

// TryDequeue removes and returns the head. When the queue is empty it returns
// false and marks the queue Ready.
func (q *Queue) TryDequeue() (string, bool) {
	q.mu.Lock()
	if q.head == len(q.items) {
		q.state.Store(int32(Ready))
		q.seq++
		ev := Event{Seq: q.seq, Kind: EventEmptyPoll, State: Ready}
		q.mu.Unlock()
		q.notify(ev)
		return "", false
	}
	item := q.items[q.head]
	q.items[q.head] = ""
	q.head++
	q.compactLocked()
	q.state.Store(int32(Busy))
	q.seq++
	ev := Event{Seq: q.seq, Kind: EventDequeue, Pending: len(q.items) - q.head, State: Busy}
	q.mu.Unlock()

	q.notify(ev)
	return item, true
}

// IsReady reads the readiness hint without taking the queue lock. The answer
// may be stale by the time the caller acts on it.
func (q *Queue) IsReady() bool {
	return q.State() == Ready
}

// State returns the current readiness hint.
func (q *Queue) State() State {
	return State(q.state.Load())
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

func (q *Queue) compactLocked() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head < compactThreshold || q.head*2 < len(q.items) {
		return
	}
	n := copy(q.items, q.items[q.head:])
	clear(q.items[n:])
	q.items = q.items[:n]
	q.head = 0
}

func (q *Queue) notify(ev Event) {
	ev.Ready = ev.State == Ready
	q.observersMu.RLock()
	observers := q.observers
	q.observersMu.RUnlock()
	for _, fn := range observers {
		fn(ev)
	}
}
