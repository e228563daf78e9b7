package dispatch

import (
	"testing"
	"time"

	"github.com/tiger/dictation-pipeline/api/pipelineevent"
)

func event(seq int64) pipelineevent.Event {
	return pipelineevent.Event{RequestID: "2608280001", EventID: "e", SequenceNo: seq, Kind: pipelineevent.KindSegment}
}

func TestQueuePreviewDropOldest(t *testing.T) {
	t.Parallel()

	q, err := NewQueue(QueueConfig{MaxItems: 2, DropPolicy: DropOldest})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	if !q.PushPreview(event(1)) || !q.PushPreview(event(2)) || !q.PushPreview(event(3)) {
		t.Fatalf("expected drop_oldest to accept newest previews")
	}
	if q.DroppedCount() != 1 {
		t.Fatalf("expected one dropped preview, got %d", q.DroppedCount())
	}
	ev, ok := q.TryPop()
	if !ok || ev.SequenceNo != 2 {
		t.Fatalf("expected oldest retained preview 2, got %+v ok=%v", ev, ok)
	}
}

func TestQueuePreviewDropNewest(t *testing.T) {
	t.Parallel()

	q, err := NewQueue(QueueConfig{MaxItems: 1, DropPolicy: DropNewest})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	if !q.PushPreview(event(1)) {
		t.Fatalf("expected first preview accepted")
	}
	if q.PushPreview(event(2)) {
		t.Fatalf("expected overflow preview rejected with drop_newest")
	}
	ev, ok := q.TryPop()
	if !ok || ev.SequenceNo != 1 {
		t.Fatalf("expected first preview retained, got %+v ok=%v", ev, ok)
	}
}

func TestQueueFinalWaitsAndCountsDelay(t *testing.T) {
	t.Parallel()

	q, err := NewQueue(QueueConfig{MaxItems: 1, FinalWait: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	if err := q.PushFinal(event(1)); err != nil {
		t.Fatalf("first final: %v", err)
	}

	released := make(chan error, 1)
	go func() {
		released <- q.PushFinal(event(2))
	}()

	// Let the pusher cross the delay deadline before the consumer drains.
	time.Sleep(30 * time.Millisecond)
	ev, ok := q.Pop()
	if !ok || ev.SequenceNo != 1 {
		t.Fatalf("expected final 1 first, got %+v ok=%v", ev, ok)
	}
	if err := <-released; err != nil {
		t.Fatalf("delayed final must still deliver: %v", err)
	}
	if q.DelayedCount() != 1 {
		t.Fatalf("expected one delayed final, got %d", q.DelayedCount())
	}
	if q.DroppedCount() != 0 {
		t.Fatalf("finals must never be dropped, got %d drops", q.DroppedCount())
	}
	ev, ok = q.Pop()
	if !ok || ev.SequenceNo != 2 {
		t.Fatalf("expected final 2 delivered after wait, got %+v ok=%v", ev, ok)
	}
}

func TestQueueFinalWithinWaitIsNotDelayed(t *testing.T) {
	t.Parallel()

	q, err := NewQueue(QueueConfig{MaxItems: 1, FinalWait: time.Second})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	if err := q.PushFinal(event(1)); err != nil {
		t.Fatalf("first final: %v", err)
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Pop()
	}()
	if err := q.PushFinal(event(2)); err != nil {
		t.Fatalf("second final: %v", err)
	}
	if q.DelayedCount() != 0 {
		t.Fatalf("final delivered within wait must not count as delayed, got %d", q.DelayedCount())
	}
}

func TestQueueCloseWakesWaiters(t *testing.T) {
	t.Parallel()

	q, err := NewQueue(QueueConfig{MaxItems: 1})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	popped := make(chan bool, 1)
	go func() {
		_, ok := q.Pop()
		popped <- ok
	}()
	time.Sleep(5 * time.Millisecond)
	q.Close()
	if ok := <-popped; ok {
		t.Fatalf("expected pop to report closed queue")
	}
	if err := q.PushFinal(event(1)); err == nil {
		t.Fatalf("expected push to closed queue to fail")
	}
	if q.PushPreview(event(1)) {
		t.Fatalf("expected preview to closed queue to be rejected")
	}
}

func TestQueueDrain(t *testing.T) {
	t.Parallel()

	q, err := NewQueue(QueueConfig{MaxItems: 4})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	for i := int64(1); i <= 3; i++ {
		if err := q.PushFinal(event(i)); err != nil {
			t.Fatalf("push final %d: %v", i, err)
		}
	}
	batch := q.Drain()
	if len(batch) != 3 || batch[0].SequenceNo != 1 || batch[2].SequenceNo != 3 {
		t.Fatalf("expected ordered drain of 3 events, got %+v", batch)
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue after drain, got %d", q.Len())
	}
}

func TestQueueValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewQueue(QueueConfig{MaxItems: 0}); err == nil {
		t.Fatalf("expected max_items validation error")
	}
	if _, err := NewQueue(QueueConfig{MaxItems: 1, DropPolicy: "unsupported"}); err == nil {
		t.Fatalf("expected unsupported drop policy validation error")
	}
}
