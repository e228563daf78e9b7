package dispatch

import (
	"fmt"

	"github.com/tiger/dictation-pipeline/api/pipelineevent"
)

// Channel names one downstream consumer queue.
type Channel string

const (
	ChannelTranscript  Channel = "transcript"
	ChannelTranslation Channel = "translation"
	ChannelAI          Channel = "ai"
	ChannelTTS         Channel = "tts"
	ChannelAutotype    Channel = "autotype"
	ChannelUI          Channel = "ui"
)

// Channels returns every channel in deterministic order.
func Channels() []Channel {
	return []Channel{
		ChannelTranscript,
		ChannelTranslation,
		ChannelAI,
		ChannelTTS,
		ChannelAutotype,
		ChannelUI,
	}
}

// previewChannels receive provisional segments. Remaining channels only
// ever see finalized events, so a slow consumer never sees stale previews.
var previewChannels = []Channel{ChannelTranscript, ChannelUI}

// Config controls dispatcher construction.
type Config struct {
	// Enabled lists the active channels. Empty enables all of them.
	Enabled []Channel
	// Default applies to channels without an explicit queue config.
	Default QueueConfig
	// Queues overrides per-channel queue configs.
	Queues map[Channel]QueueConfig
}

// Stats is a point-in-time snapshot of one channel queue.
type Stats struct {
	Depth   int
	Dropped int
	Delayed int
}

// Dispatcher fans pipeline events out to bounded per-channel queues. A slow
// consumer on one channel never blocks another channel: previews are dropped
// under pressure and only finals apply backpressure, per queue.
type Dispatcher struct {
	queues map[Channel]*Queue
	order  []Channel
}

// New creates a dispatcher with one bounded queue per enabled channel.
func New(cfg Config) (*Dispatcher, error) {
	enabled := cfg.Enabled
	if len(enabled) == 0 {
		enabled = Channels()
	}
	if cfg.Default.MaxItems < 1 {
		cfg.Default.MaxItems = 64
	}
	d := &Dispatcher{queues: make(map[Channel]*Queue, len(enabled))}
	for _, ch := range enabled {
		if !validChannel(ch) {
			return nil, fmt.Errorf("unsupported channel %q", ch)
		}
		if _, dup := d.queues[ch]; dup {
			return nil, fmt.Errorf("duplicate channel %q", ch)
		}
		qc := cfg.Default
		if override, ok := cfg.Queues[ch]; ok {
			qc = override
		}
		q, err := NewQueue(qc)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", ch, err)
		}
		d.queues[ch] = q
		d.order = append(d.order, ch)
	}
	return d, nil
}

// Queue returns the queue for one channel, or nil when disabled.
func (d *Dispatcher) Queue(ch Channel) *Queue {
	return d.queues[ch]
}

// Enabled reports whether a channel is active.
func (d *Dispatcher) Enabled(ch Channel) bool {
	_, ok := d.queues[ch]
	return ok
}

// DispatchPreview fans a provisional event out to the preview-bearing
// channels only. Overflowing queues drop per policy; the call never blocks.
func (d *Dispatcher) DispatchPreview(ev pipelineevent.Event) {
	for _, ch := range previewChannels {
		if q, ok := d.queues[ch]; ok {
			q.PushPreview(ev)
		}
	}
}

// DispatchFinal delivers a finalized event to the named channels, blocking
// per queue until each accepts it. Finals are never dropped.
func (d *Dispatcher) DispatchFinal(ev pipelineevent.Event, channels ...Channel) error {
	for _, ch := range channels {
		q, ok := d.queues[ch]
		if !ok {
			continue
		}
		if err := q.PushFinal(ev); err != nil {
			return fmt.Errorf("channel %s: %w", ch, err)
		}
	}
	return nil
}

// Broadcast delivers a finalized event to every enabled channel.
func (d *Dispatcher) Broadcast(ev pipelineevent.Event) error {
	return d.DispatchFinal(ev, d.order...)
}

// StatsSnapshot returns per-channel queue stats for enabled channels.
func (d *Dispatcher) StatsSnapshot() map[Channel]Stats {
	out := make(map[Channel]Stats, len(d.queues))
	for ch, q := range d.queues {
		out[ch] = Stats{Depth: q.Len(), Dropped: q.DroppedCount(), Delayed: q.DelayedCount()}
	}
	return out
}

// Close closes every channel queue. Queued events remain drainable.
func (d *Dispatcher) Close() {
	for _, q := range d.queues {
		q.Close()
	}
}

func validChannel(ch Channel) bool {
	switch ch {
	case ChannelTranscript, ChannelTranslation, ChannelAI, ChannelTTS, ChannelAutotype, ChannelUI:
		return true
	}
	return false
}
