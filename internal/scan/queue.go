package scan

import (
	"sync"
	"time"
)

// Source tells where a scan came from.
type Source string

const (
	SourceKeyboard Source = "keyboard"
	SourceInbox    Source = "inbox"
	SourceManual   Source = "manual"
)

// Item is one normalized scan waiting to be resolved.
type Item struct {
	Code   string
	Source Source
	At     time.Time
}

// queue is an unbounded FIFO of scans.
//
// Producers (keystroke buffer, inbox poller) enqueue from their own
// goroutines while the pipeline dequeues. The signal channel has a buffer of
// one so bursts coalesce into a single wake-up.
type queue struct {
	mu     sync.Mutex
	items  []Item
	closed bool
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{
		items:  make([]Item, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// enqueue appends it. Returns false once the queue is closed.
func (q *queue) enqueue(it Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, it)
	q.notifyLocked()
	return true
}

func (q *queue) tryDequeue() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	it := q.items[0]
	q.items[0] = Item{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return it, true
}

// wake nudges a waiting consumer without adding an item.
func (q *queue) wake() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.notifyLocked()
	}
}

func (q *queue) notifyLocked() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// wait returns a channel that fires when items may be available. It is
// closed once the queue is closed.
func (q *queue) wait() <-chan struct{} {
	return q.signal
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
