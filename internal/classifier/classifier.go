package classifier

import (
	"fmt"
	"strings"

	"github.com/tiger/dictation-pipeline/api/recognizer"
)

// EventKind discriminates classifier output.
type EventKind string

const (
	// KindPreview is a non-authoritative, replaceable view of a pending
	// utterance. Slow consumers may drop previews without correctness loss.
	KindPreview EventKind = "preview"
	// KindFinal is the single authoritative event per utterance. Finalized
	// text, once emitted, is never retracted.
	KindFinal EventKind = "final"
)

// Event is one classified recognizer emission.
type Event struct {
	Kind    EventKind
	Segment recognizer.Segment
}

// Classifier merges provisional recognizer updates and emits exactly one
// Final event per utterance. Duplicate finals for overlapping time ranges
// are treated as independent segments; deduplication is not performed here.
type Classifier struct {
	pending map[string]recognizer.Segment
}

// New returns an empty classifier.
func New() *Classifier {
	return &Classifier{pending: make(map[string]recognizer.Segment)}
}

// Observe consumes one raw update. The returned bool reports whether an
// event was produced; empty provisional updates produce nothing.
func (c *Classifier) Observe(raw recognizer.Update) (Event, bool, error) {
	if err := raw.Validate(); err != nil {
		return Event{}, false, fmt.Errorf("invalid recognizer update: %w", err)
	}

	segment := recognizer.Segment(raw)
	if raw.IsFinal {
		delete(c.pending, raw.UtteranceID)
		// Finalized silence closes the utterance but carries nothing to
		// classify; emitting it would poison the durable event stream.
		if strings.TrimSpace(raw.Text) == "" {
			return Event{}, false, nil
		}
		return Event{Kind: KindFinal, Segment: segment}, true, nil
	}

	if raw.Text == "" {
		return Event{}, false, nil
	}
	c.pending[raw.UtteranceID] = segment
	return Event{Kind: KindPreview, Segment: segment}, true, nil
}

// Pending returns the current provisional segment for an utterance.
func (c *Classifier) Pending(utteranceID string) (recognizer.Segment, bool) {
	segment, ok := c.pending[utteranceID]
	return segment, ok
}

// PendingCount reports how many utterances have an unfinalized preview.
func (c *Classifier) PendingCount() int {
	return len(c.pending)
}

// Reset drops all pending provisional state, for session boundaries.
func (c *Classifier) Reset() {
	c.pending = make(map[string]recognizer.Segment)
}
