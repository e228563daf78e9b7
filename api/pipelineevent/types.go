package pipelineevent

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Kind classifies a pipeline event for logging and fan-out.
type Kind string

const (
	KindSegment    Kind = "segment"
	KindCommand    Kind = "command"
	KindFormatting Kind = "formatting"
	KindControl    Kind = "control"
)

// Marker is the closed vocabulary of structural formatting markers applied
// to pass-through text. It is a tag, not free-form markup.
type Marker string

const (
	MarkerNone     Marker = ""
	MarkerBold     Marker = "bold"
	MarkerItalic   Marker = "italic"
	MarkerHeading1 Marker = "heading_1"
	MarkerHeading2 Marker = "heading_2"
)

// StopReason records why a session ended.
type StopReason string

const (
	StopManual     StopReason = "manual"
	StopAuto       StopReason = "auto_stop"
	StopError      StopReason = "error"
	StopUnexpected StopReason = "unexpected"
)

// ControlSignal names control-kind payload signals.
const (
	SignalSessionStart   = "session_start"
	SignalSessionStop    = "session_stop"
	SignalIgnoredCommand = "ignored_command"
	SignalLogDegraded    = "log_degraded"
)

// Payload carries the kind-specific event body. Fields are populated per
// kind; unused fields stay empty so one line-record shape covers every kind.
type Payload struct {
	// segment
	Text     string `json:"text,omitempty"`
	Language string `json:"language,omitempty"`
	Preview  bool   `json:"preview,omitempty"`
	Marker   Marker `json:"marker,omitempty"`

	// command
	CommandName    string `json:"command_name,omitempty"`
	Action         string `json:"action,omitempty"`
	MatchedTrigger string `json:"matched_trigger,omitempty"`
	ResidualText   string `json:"residual_text,omitempty"`

	// formatting
	PriorState string `json:"prior_state,omitempty"`
	NewState   string `json:"new_state,omitempty"`

	// control
	Signal     string     `json:"signal,omitempty"`
	StopReason StopReason `json:"stop_reason,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Config     any        `json:"config,omitempty"`
}

// Event is the unit written to the session log and fanned out to consumers.
// SequenceNo is monotonically increasing per session and is the ordering
// authority, independent of wall-clock time.
type Event struct {
	RequestID   string  `json:"request_id"`
	EventID     string  `json:"event_id"`
	SequenceNo  int64   `json:"sequence_no"`
	Kind        Kind    `json:"kind"`
	Payload     Payload `json:"payload"`
	WallClockMS int64   `json:"wall_clock_ms"`
}

var requestIDRE = regexp.MustCompile(`^[0-9]{10}$`)

// NewEventID returns a fresh unique event identifier.
func NewEventID() string {
	return uuid.NewString()
}

// Validate enforces the event record contract.
func (e Event) Validate() error {
	if !requestIDRE.MatchString(e.RequestID) {
		return fmt.Errorf("invalid request_id: %q", e.RequestID)
	}
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.SequenceNo < 0 {
		return fmt.Errorf("sequence_no must be >=0")
	}
	if e.WallClockMS < 0 {
		return fmt.Errorf("wall_clock_ms must be >=0")
	}
	if !isKind(e.Kind) {
		return fmt.Errorf("invalid kind: %q", e.Kind)
	}
	switch e.Kind {
	case KindSegment:
		if e.Payload.Text == "" && !e.Payload.Preview {
			return fmt.Errorf("segment events require text")
		}
		if !isMarker(e.Payload.Marker) {
			return fmt.Errorf("invalid marker: %q", e.Payload.Marker)
		}
	case KindCommand:
		if e.Payload.CommandName == "" || e.Payload.Action == "" {
			return fmt.Errorf("command events require command_name and action")
		}
	case KindFormatting:
		if e.Payload.PriorState == "" || e.Payload.NewState == "" {
			return fmt.Errorf("formatting events require prior_state and new_state")
		}
	case KindControl:
		if e.Payload.Signal == "" {
			return fmt.Errorf("control events require signal")
		}
		if e.Payload.Signal == SignalSessionStop && !isStopReason(e.Payload.StopReason) {
			return fmt.Errorf("invalid stop_reason: %q", e.Payload.StopReason)
		}
	}
	return nil
}

// IsClose reports whether the event is a closing session-stop control record.
func (e Event) IsClose() bool {
	return e.Kind == KindControl && e.Payload.Signal == SignalSessionStop
}

func isKind(k Kind) bool {
	switch k {
	case KindSegment, KindCommand, KindFormatting, KindControl:
		return true
	default:
		return false
	}
}

func isMarker(m Marker) bool {
	switch m {
	case MarkerNone, MarkerBold, MarkerItalic, MarkerHeading1, MarkerHeading2:
		return true
	default:
		return false
	}
}

func isStopReason(r StopReason) bool {
	switch r {
	case StopManual, StopAuto, StopError, StopUnexpected:
		return true
	default:
		return false
	}
}
