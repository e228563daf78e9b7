package dispatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/tiger/dictation-pipeline/api/pipelineevent"
)

// DropPolicy controls preview overflow behavior.
type DropPolicy string

const (
	DropOldest DropPolicy = "drop_oldest"
	DropNewest DropPolicy = "drop_newest"
)

// QueueConfig controls one bounded consumer queue.
type QueueConfig struct {
	MaxItems   int
	DropPolicy DropPolicy
	// FinalWait bounds how long a final event waits for free capacity
	// before it is counted as delayed. Delayed finals still block until
	// delivered; they are never dropped.
	FinalWait time.Duration
}

// Queue is a bounded FIFO queue feeding one downstream consumer. Previews
// are droppable under pressure; finals are not.
type Queue struct {
	cfg QueueConfig

	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond
	items    []pipelineevent.Event
	closed   bool
	dropped  int
	delayed  int
}

// NewQueue creates a bounded queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.MaxItems < 1 {
		return nil, fmt.Errorf("max_items must be >=1")
	}
	switch cfg.DropPolicy {
	case "", DropOldest, DropNewest:
	default:
		return nil, fmt.Errorf("unsupported drop policy %q", cfg.DropPolicy)
	}
	if cfg.DropPolicy == "" {
		cfg.DropPolicy = DropOldest
	}
	if cfg.FinalWait <= 0 {
		cfg.FinalWait = 250 * time.Millisecond
	}
	q := &Queue{cfg: cfg, items: make([]pipelineevent.Event, 0, cfg.MaxItems)}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q, nil
}

// PushPreview inserts a droppable event and reports whether the new event
// was accepted. It never blocks: on overflow the drop policy decides which
// event is discarded.
func (q *Queue) PushPreview(ev pipelineevent.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if len(q.items) >= q.cfg.MaxItems {
		q.dropped++
		if q.cfg.DropPolicy == DropNewest {
			return false
		}
		// Drop oldest and keep the newest sample.
		copy(q.items[0:], q.items[1:])
		q.items = q.items[:len(q.items)-1]
	}
	q.items = append(q.items, ev)
	q.notEmpty.Signal()
	return true
}

// PushFinal inserts a non-droppable event. On overflow it waits up to
// FinalWait for capacity; past that bound the event counts as delayed and
// the call keeps blocking until the consumer makes room.
func (q *Queue) PushFinal(ev pipelineevent.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("queue closed")
	}
	if len(q.items) >= q.cfg.MaxItems {
		deadline := time.Now().Add(q.cfg.FinalWait)
		counted := false
		for len(q.items) >= q.cfg.MaxItems {
			if !counted && !time.Now().Before(deadline) {
				q.delayed++
				counted = true
			}
			q.waitNotFull(deadline, counted)
			if q.closed {
				return fmt.Errorf("queue closed")
			}
		}
	}
	q.items = append(q.items, ev)
	q.notEmpty.Signal()
	return nil
}

// waitNotFull blocks on the not-full condition. Before the delay deadline
// it wakes itself at the deadline so the delayed counter stays accurate
// even when the consumer never signals.
func (q *Queue) waitNotFull(deadline time.Time, pastDeadline bool) {
	if pastDeadline {
		q.notFull.Wait()
		return
	}
	timer := time.AfterFunc(time.Until(deadline), func() {
		q.mu.Lock()
		q.notFull.Broadcast()
		q.mu.Unlock()
	})
	q.notFull.Wait()
	timer.Stop()
}

// Pop returns the oldest queued event, blocking while the queue is empty.
// The second result is false once the queue is closed and drained.
func (q *Queue) Pop() (pipelineevent.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if q.closed {
			return pipelineevent.Event{}, false
		}
		q.notEmpty.Wait()
	}
	ev := q.items[0]
	copy(q.items[0:], q.items[1:])
	q.items = q.items[:len(q.items)-1]
	q.notFull.Signal()
	return ev, true
}

// TryPop returns the oldest queued event without blocking.
func (q *Queue) TryPop() (pipelineevent.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return pipelineevent.Event{}, false
	}
	ev := q.items[0]
	copy(q.items[0:], q.items[1:])
	q.items = q.items[:len(q.items)-1]
	q.notFull.Signal()
	return ev, true
}

// Drain removes and returns every queued event.
func (q *Queue) Drain() []pipelineevent.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := make([]pipelineevent.Event, len(q.items))
	copy(out, q.items)
	q.items = q.items[:0]
	q.notFull.Broadcast()
	return out
}

// Close wakes all waiters. Queued events remain poppable until drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
}

// Len returns current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DroppedCount returns total dropped preview events.
func (q *Queue) DroppedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// DelayedCount returns total finals that waited past the FinalWait bound.
func (q *Queue) DelayedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.delayed
}
