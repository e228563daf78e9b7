package formatting

import (
	"fmt"
	"strings"

	"github.com/tiger/dictation-pipeline/api/pipelineevent"
	"github.com/tiger/dictation-pipeline/internal/catalog"
)

// State is the active formatting wrapper. States are mutually exclusive:
// exactly one is active per session at any time.
type State string

const (
	StateIdle     State = "IDLE"
	StateBold     State = "BOLD"
	StateItalic   State = "ITALIC"
	StateHeading1 State = "HEADING_1"
	StateHeading2 State = "HEADING_2"
)

// Transition describes one state-machine step.
type Transition struct {
	Prior State
	New   State
	// Changed reports whether a FormattingChanged event should be emitted.
	Changed bool
	// Ignored marks a no-op end command (end_X outside state X). Logged,
	// not an error.
	Ignored bool
	// AutoEnded marks a scoped state that closed on its auto-end condition.
	AutoEnded bool
}

// Machine holds the per-session formatting state. It is owned exclusively
// by the pipeline driver and is reset to IDLE at session boundaries.
type Machine struct {
	state       State
	scope       catalog.Scope
	openCommand *catalog.Command
}

// New returns a machine in IDLE.
func New() *Machine {
	return &Machine{state: StateIdle}
}

// State returns the active formatting state.
func (m *Machine) State() State {
	return m.state
}

// OpenCommand returns the formatting command whose state is active, or nil
// when IDLE. The detector uses it to prioritize end triggers.
func (m *Machine) OpenCommand() *catalog.Command {
	return m.openCommand
}

// Marker returns the structural marker applied to pass-through text while
// the machine is in a non-idle state.
func (m *Machine) Marker() pipelineevent.Marker {
	switch m.state {
	case StateBold:
		return pipelineevent.MarkerBold
	case StateItalic:
		return pipelineevent.MarkerItalic
	case StateHeading1:
		return pipelineevent.MarkerHeading1
	case StateHeading2:
		return pipelineevent.MarkerHeading2
	default:
		return pipelineevent.MarkerNone
	}
}

// ApplyCommand applies a detected formatting command. Start commands enter
// the target state from any state; end commands return to IDLE only when
// the matching state is active, otherwise they are ignored no-ops.
func (m *Machine) ApplyCommand(cmd *catalog.Command, isEndTrigger bool) (Transition, error) {
	if cmd == nil {
		return Transition{}, fmt.Errorf("formatting command is required")
	}
	if cmd.Action != catalog.ActionFormatToggle && cmd.Action != catalog.ActionFormatBlock {
		return Transition{}, fmt.Errorf("command %s is not a formatting command", cmd.Name)
	}
	target, err := stateFor(cmd.Format)
	if err != nil {
		return Transition{}, fmt.Errorf("command %s: %w", cmd.Name, err)
	}

	prior := m.state
	if isEndTrigger {
		if m.state != target {
			return Transition{Prior: prior, New: prior, Ignored: true}, nil
		}
		m.clear()
		return Transition{Prior: prior, New: StateIdle, Changed: true}, nil
	}

	m.state = target
	m.openCommand = cmd
	m.scope = cmd.Scope
	return Transition{Prior: prior, New: target, Changed: prior != target}, nil
}

// ObservePassThrough evaluates the scoped auto-end condition after one
// pass-through segment has been wrapped. A next-paragraph scope closes once
// the segment completes a paragraph; segments ending mid-paragraph keep the
// state open.
func (m *Machine) ObservePassThrough(text string) (Transition, bool) {
	if m.state == StateIdle || m.scope != catalog.ScopeNextParagraph {
		return Transition{}, false
	}
	if !endsParagraph(text) {
		return Transition{}, false
	}
	prior := m.state
	m.clear()
	return Transition{Prior: prior, New: StateIdle, Changed: true, AutoEnded: true}, true
}

// Reset forces IDLE. Called on session start and stop; formatting state
// never persists across sessions.
func (m *Machine) Reset() {
	m.clear()
}

func (m *Machine) clear() {
	m.state = StateIdle
	m.openCommand = nil
	m.scope = catalog.ScopeNone
}

func stateFor(format string) (State, error) {
	switch format {
	case "bold":
		return StateBold, nil
	case "italic":
		return StateItalic, nil
	case "heading_1":
		return StateHeading1, nil
	case "heading_2":
		return StateHeading2, nil
	default:
		return StateIdle, fmt.Errorf("unsupported format: %q", format)
	}
}

// endsParagraph reports whether a segment closes out a paragraph: an
// explicit newline from recognizer paragraph detection, or terminal
// sentence punctuation.
func endsParagraph(text string) bool {
	trimmed := strings.TrimRight(text, " \t")
	if strings.HasSuffix(trimmed, "\n") {
		return true
	}
	trimmed = strings.TrimSpace(trimmed)
	return strings.HasSuffix(trimmed, ".") || strings.HasSuffix(trimmed, "!") || strings.HasSuffix(trimmed, "?")
}
