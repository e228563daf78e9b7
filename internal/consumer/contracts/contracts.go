package contracts

import "fmt"

// Kind defines consumer families fed from the dispatcher channels.
type Kind string

const (
	KindTranslation Kind = "translation"
	KindAI          Kind = "ai"
	KindTTS         Kind = "tts"
	KindAutotype    Kind = "autotype"
)

// Validate enforces supported consumer kind values.
func (k Kind) Validate() error {
	switch k {
	case KindTranslation, KindAI, KindTTS, KindAutotype:
		return nil
	default:
		return fmt.Errorf("unsupported consumer kind: %q", k)
	}
}

// OutcomeClass is the normalized invocation-outcome taxonomy.
type OutcomeClass string

const (
	OutcomeSuccess               OutcomeClass = "success"
	OutcomeTimeout               OutcomeClass = "timeout"
	OutcomeOverload              OutcomeClass = "overload"
	OutcomeBlocked               OutcomeClass = "blocked"
	OutcomeInfrastructureFailure OutcomeClass = "infrastructure_failure"
	OutcomeCancelled             OutcomeClass = "cancelled"
)

// Validate enforces supported outcome classes.
func (o OutcomeClass) Validate() error {
	switch o {
	case OutcomeSuccess, OutcomeTimeout, OutcomeOverload, OutcomeBlocked, OutcomeInfrastructureFailure, OutcomeCancelled:
		return nil
	default:
		return fmt.Errorf("unsupported outcome_class: %q", o)
	}
}

// Request is passed to adapter implementations per finalized event.
type Request struct {
	RequestID   string
	EventID     string
	SequenceNo  int64
	Text        string
	Language    string
	Attempt     int
	WallClockMS int64
}

// Validate enforces deterministic required fields.
func (r Request) Validate() error {
	if r.RequestID == "" || r.EventID == "" {
		return fmt.Errorf("request_id and event_id are required")
	}
	if r.SequenceNo < 0 {
		return fmt.Errorf("sequence_no must be >=0")
	}
	if r.Text == "" {
		return fmt.Errorf("text is required")
	}
	if r.Attempt < 1 {
		return fmt.Errorf("attempt must be >=1")
	}
	if r.WallClockMS < 0 {
		return fmt.Errorf("wall_clock_ms must be >=0")
	}
	return nil
}

// Outcome is an adapter-normalized invocation result. Output carries the
// produced text (translation, rewrite); Audio carries synthesized speech.
type Outcome struct {
	Class     OutcomeClass
	Retryable bool
	Reason    string
	BackoffMS int64
	Output    string
	Audio     []byte
	AudioMIME string
}

// Validate enforces normalized outcome invariants.
func (o Outcome) Validate() error {
	if err := o.Class.Validate(); err != nil {
		return err
	}
	if o.Class != OutcomeSuccess && o.Reason == "" {
		return fmt.Errorf("reason is required for non-success outcomes")
	}
	if o.BackoffMS < 0 {
		return fmt.Errorf("backoff_ms must be >=0")
	}
	if len(o.Audio) > 0 && o.AudioMIME == "" {
		return fmt.Errorf("audio_mime is required when audio is present")
	}
	return nil
}

// Adapter is one downstream consumer of finalized pipeline text.
type Adapter interface {
	ConsumerID() string
	Kind() Kind
	Invoke(Request) (Outcome, error)
}

// StaticAdapter is a small utility adapter for tests and static wiring.
type StaticAdapter struct {
	ID       string
	Family   Kind
	InvokeFn func(Request) (Outcome, error)
}

func (a StaticAdapter) ConsumerID() string {
	return a.ID
}

func (a StaticAdapter) Kind() Kind {
	return a.Family
}

func (a StaticAdapter) Invoke(req Request) (Outcome, error) {
	if a.InvokeFn != nil {
		return a.InvokeFn(req)
	}
	if err := req.Validate(); err != nil {
		return Outcome{}, err
	}
	return Outcome{Class: OutcomeSuccess, Output: req.Text}, nil
}

// Typer receives text destined for keystroke injection. Implementations
// enqueue only; actual injection happens outside the pipeline process.
type Typer interface {
	Type(text string) error
}
