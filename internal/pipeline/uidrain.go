package pipeline

import (
	"time"

	"github.com/tiger/dictation-pipeline/api/pipelineevent"
	"github.com/tiger/dictation-pipeline/internal/dispatch"
)

const defaultUIInterval = 100 * time.Millisecond

// UIDrainer polls the UI channel queue at a fixed interval and hands each
// batch to a render callback. UI consumers render snapshots, not a stream:
// batching previews under load is the drop policy doing its job.
type UIDrainer struct {
	queue    *dispatch.Queue
	interval time.Duration
	render   func([]pipelineevent.Event)
	stop     chan struct{}
	done     chan struct{}
}

// NewUIDrainer builds a drainer over the UI queue. interval <= 0 uses the
// 100ms default.
func NewUIDrainer(queue *dispatch.Queue, interval time.Duration, render func([]pipelineevent.Event)) *UIDrainer {
	if interval <= 0 {
		interval = defaultUIInterval
	}
	return &UIDrainer{
		queue:    queue,
		interval: interval,
		render:   render,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run polls until Stop is called, then performs one final drain so no
// queued event is lost at shutdown. Run blocks; call it in a goroutine.
func (u *UIDrainer) Run() {
	defer close(u.done)
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			u.flush()
		case <-u.stop:
			u.flush()
			return
		}
	}
}

// Stop ends the poll loop and waits for the final drain.
func (u *UIDrainer) Stop() {
	select {
	case <-u.stop:
	default:
		close(u.stop)
	}
	<-u.done
}

func (u *UIDrainer) flush() {
	if batch := u.queue.Drain(); len(batch) > 0 {
		u.render(batch)
	}
}
