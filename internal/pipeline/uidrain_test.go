package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/tiger/dictation-pipeline/api/pipelineevent"
	"github.com/tiger/dictation-pipeline/internal/dispatch"
)

func uiEvent(seq int64) pipelineevent.Event {
	return pipelineevent.Event{
		RequestID:  "2608280001",
		EventID:    pipelineevent.NewEventID(),
		SequenceNo: seq,
		Kind:       pipelineevent.KindSegment,
		Payload:    pipelineevent.Payload{Text: "hello", Preview: true},
	}
}

func TestUIDrainerBatchesQueuedEvents(t *testing.T) {
	t.Parallel()

	queue, err := dispatch.NewQueue(dispatch.QueueConfig{MaxItems: 16})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	var mu sync.Mutex
	var rendered []pipelineevent.Event
	drainer := NewUIDrainer(queue, 5*time.Millisecond, func(batch []pipelineevent.Event) {
		mu.Lock()
		defer mu.Unlock()
		rendered = append(rendered, batch...)
	})
	go drainer.Run()

	for seq := int64(1); seq <= 3; seq++ {
		queue.PushPreview(uiEvent(seq))
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(rendered)
		mu.Unlock()
		if n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for renders, got %d", n)
		}
		time.Sleep(time.Millisecond)
	}
	drainer.Stop()

	mu.Lock()
	defer mu.Unlock()
	for i, ev := range rendered {
		if ev.SequenceNo != int64(i+1) {
			t.Fatalf("render order broken at %d: %+v", i, rendered)
		}
	}
}

func TestUIDrainerFinalFlushOnStop(t *testing.T) {
	t.Parallel()

	queue, err := dispatch.NewQueue(dispatch.QueueConfig{MaxItems: 16})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	var mu sync.Mutex
	var rendered int
	drainer := NewUIDrainer(queue, time.Hour, func(batch []pipelineevent.Event) {
		mu.Lock()
		defer mu.Unlock()
		rendered += len(batch)
	})
	go drainer.Run()

	queue.PushPreview(uiEvent(1))
	queue.PushPreview(uiEvent(2))
	drainer.Stop()

	mu.Lock()
	defer mu.Unlock()
	if rendered != 2 {
		t.Fatalf("expected final flush to render 2 events, got %d", rendered)
	}
}

func TestUIDrainerStopIdempotent(t *testing.T) {
	t.Parallel()

	queue, err := dispatch.NewQueue(dispatch.QueueConfig{MaxItems: 4})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	drainer := NewUIDrainer(queue, time.Millisecond, func([]pipelineevent.Event) {})
	go drainer.Run()
	drainer.Stop()
	drainer.Stop()
}
