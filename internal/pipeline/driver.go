package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/tiger/dictation-pipeline/api/pipelineevent"
	"github.com/tiger/dictation-pipeline/api/recognizer"
	"github.com/tiger/dictation-pipeline/internal/catalog"
	"github.com/tiger/dictation-pipeline/internal/classifier"
	"github.com/tiger/dictation-pipeline/internal/detector"
	"github.com/tiger/dictation-pipeline/internal/dispatch"
	"github.com/tiger/dictation-pipeline/internal/formatting"
	"github.com/tiger/dictation-pipeline/internal/sessionlog"
)

// Config controls driver construction.
type Config struct {
	Catalog        *catalog.Catalog
	Language       string
	FuzzyThreshold float64
	LogRoot        string
	LogMaxBytes    int64
	Dispatch       dispatch.Config
	Now            func() time.Time
}

// configSnapshot is embedded in the opening session record so a log is
// self-describing: replay needs no external state to interpret it.
type configSnapshot struct {
	Language       string  `json:"language"`
	DetectionMode  string  `json:"detection_mode"`
	PrefixWord     string  `json:"prefix_word,omitempty"`
	FuzzyThreshold float64 `json:"fuzzy_threshold,omitempty"`
}

// Event routing. Finalized segments reach every consumer; command and
// formatting events reach the consumers that render or execute them.
var (
	commandChannels = []dispatch.Channel{
		dispatch.ChannelTranscript,
		dispatch.ChannelAutotype,
		dispatch.ChannelUI,
	}
	formattingChannels = commandChannels
)

// Driver runs the pipeline stages synchronously per raw recognizer update:
// classify, detect, apply formatting, then log and dispatch. It owns the
// per-session sequence counter; the session log is the ordering authority.
type Driver struct {
	cfg Config

	mu         sync.Mutex
	classifier *classifier.Classifier
	detector   *detector.Detector
	fsm        *formatting.Machine
	dispatcher *dispatch.Dispatcher
	logger     *sessionlog.Logger
	seq        int64
	active     bool
	degradedUI bool
}

// New builds a driver. The catalog is immutable for the driver's lifetime.
func New(cfg Config) (*Driver, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("trigger catalog is required")
	}
	if cfg.LogRoot == "" {
		return nil, fmt.Errorf("session log root is required")
	}
	if cfg.Language == "" {
		cfg.Language = cfg.Catalog.DefaultLanguage
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	det, err := detector.New(detector.Config{
		Catalog:        cfg.Catalog,
		Language:       cfg.Language,
		FuzzyThreshold: cfg.FuzzyThreshold,
	})
	if err != nil {
		return nil, err
	}
	disp, err := dispatch.New(cfg.Dispatch)
	if err != nil {
		return nil, err
	}
	return &Driver{
		cfg:        cfg,
		classifier: classifier.New(),
		detector:   det,
		fsm:        formatting.New(),
		dispatcher: disp,
	}, nil
}

// Dispatcher exposes the channel queues for consumers.
func (d *Driver) Dispatcher() *dispatch.Dispatcher {
	return d.dispatcher
}

// RequestID returns the active session's request ID, empty when stopped.
func (d *Driver) RequestID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return ""
	}
	return d.logger.RequestID()
}

// StartSession allocates a date-coded request ID, opens the session log,
// resets per-session state, and records the opening control event with a
// config snapshot. Returns the request ID.
func (d *Driver) StartSession() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active {
		return "", fmt.Errorf("session already active")
	}

	requestID, err := sessionlog.AllocateRequestID(d.cfg.LogRoot, d.cfg.Now())
	if err != nil {
		return "", fmt.Errorf("allocate request id: %w", err)
	}
	logger, err := sessionlog.Open(sessionlog.Config{
		Root:     d.cfg.LogRoot,
		MaxBytes: d.cfg.LogMaxBytes,
		Now:      d.cfg.Now,
	}, requestID)
	if err != nil {
		return "", fmt.Errorf("open session log: %w", err)
	}

	d.logger = logger
	d.seq = 0
	d.active = true
	d.degradedUI = false
	d.classifier.Reset()
	d.fsm.Reset()

	start := d.newEvent(pipelineevent.KindControl, pipelineevent.Payload{
		Signal:   pipelineevent.SignalSessionStart,
		Language: d.cfg.Language,
		Config: configSnapshot{
			Language:       d.cfg.Language,
			DetectionMode:  string(d.cfg.Catalog.DetectionMode),
			PrefixWord:     d.cfg.Catalog.PrefixWord,
			FuzzyThreshold: d.cfg.FuzzyThreshold,
		},
	})
	if err := d.record(start, d.dispatcher.Broadcast); err != nil {
		return "", err
	}
	return requestID, nil
}

// StopSession records the closing control event with the given stop reason
// and finalizes the log. The dispatcher stays open so consumers can drain.
func (d *Driver) StopSession(reason pipelineevent.StopReason, detail string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return fmt.Errorf("no active session")
	}

	stop := d.newEvent(pipelineevent.KindControl, pipelineevent.Payload{
		Signal:     pipelineevent.SignalSessionStop,
		StopReason: reason,
		Reason:     detail,
	})
	recordErr := d.record(stop, d.dispatcher.Broadcast)

	if _, err := d.logger.Finalize(); err != nil && !d.logger.Degraded() {
		if recordErr == nil {
			recordErr = err
		}
	}
	d.active = false
	d.fsm.Reset()
	d.classifier.Reset()
	return recordErr
}

// Close closes the channel queues. Call after consumers have drained.
func (d *Driver) Close() {
	d.dispatcher.Close()
}

// HandleUpdate runs one raw recognizer update through the full pipeline.
// Previews fan out immediately and are never logged; finalized segments are
// logged before dispatch so the log stays authoritative.
func (d *Driver) HandleUpdate(raw recognizer.Update) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return fmt.Errorf("no active session")
	}

	ev, ok, err := d.classifier.Observe(raw)
	if err != nil {
		return fmt.Errorf("classify update: %w", err)
	}
	if !ok {
		return nil
	}

	if ev.Kind == classifier.KindPreview {
		d.dispatchPreview(ev.Segment)
		return nil
	}
	return d.handleFinal(ev.Segment)
}

// dispatchPreview emits a non-authoritative preview. It borrows the next
// sequence number without consuming it, so the durable stream stays gapless.
func (d *Driver) dispatchPreview(seg recognizer.Segment) {
	ev := pipelineevent.Event{
		RequestID:  d.logger.RequestID(),
		EventID:    pipelineevent.NewEventID(),
		SequenceNo: d.seq,
		Kind:       pipelineevent.KindSegment,
		Payload: pipelineevent.Payload{
			Text:     seg.Text,
			Language: seg.Language,
			Preview:  true,
			Marker:   d.fsm.Marker(),
		},
		WallClockMS: d.cfg.Now().UnixMilli(),
	}
	d.dispatcher.DispatchPreview(ev)
}

func (d *Driver) handleFinal(seg recognizer.Segment) error {
	result := d.detector.Detect(seg, d.fsm.OpenCommand())

	switch result.Kind {
	case detector.KindPassThrough:
		return d.emitPassThrough(result.Text, seg.Language)
	case detector.KindCommand:
		return d.emitCommand(result, seg.Language)
	default:
		return fmt.Errorf("unsupported detector result: %q", result.Kind)
	}
}

// emitPassThrough publishes finalized text tagged with the active marker,
// then evaluates the scoped auto-end condition.
func (d *Driver) emitPassThrough(text, language string) error {
	ev := d.newEvent(pipelineevent.KindSegment, pipelineevent.Payload{
		Text:     text,
		Language: language,
		Marker:   d.fsm.Marker(),
	})
	if err := d.record(ev, d.dispatcher.Broadcast); err != nil {
		return err
	}

	if tr, ended := d.fsm.ObservePassThrough(text); ended {
		return d.emitFormatting(tr)
	}
	return nil
}

func (d *Driver) emitCommand(result detector.Result, language string) error {
	cmd := result.Command

	if cmd.Action == catalog.ActionFormatToggle || cmd.Action == catalog.ActionFormatBlock {
		tr, err := d.fsm.ApplyCommand(cmd, result.IsEndTrigger)
		if err != nil {
			return err
		}
		if tr.Ignored {
			return d.emitIgnored(cmd, result.MatchedTrigger)
		}
		cmdEvent := d.newEvent(pipelineevent.KindCommand, pipelineevent.Payload{
			CommandName:    cmd.Name,
			Action:         string(cmd.Action),
			MatchedTrigger: result.MatchedTrigger,
			Language:       language,
		})
		if err := d.recordTo(cmdEvent, commandChannels); err != nil {
			return err
		}
		if tr.Changed {
			if err := d.emitFormatting(tr); err != nil {
				return err
			}
		}
		return d.emitResidual(result.Residual, language)
	}

	cmdEvent := d.newEvent(pipelineevent.KindCommand, pipelineevent.Payload{
		CommandName:    cmd.Name,
		Action:         string(cmd.Action),
		MatchedTrigger: result.MatchedTrigger,
		ResidualText:   cmd.Insert,
		Language:       language,
	})
	if err := d.recordTo(cmdEvent, commandChannels); err != nil {
		return err
	}
	return d.emitResidual(result.Residual, language)
}

// emitResidual publishes trailing prefix-mode text that followed a matched
// trigger, as an ordinary pass-through segment.
func (d *Driver) emitResidual(residual, language string) error {
	if residual == "" {
		return nil
	}
	return d.emitPassThrough(residual, language)
}

func (d *Driver) emitFormatting(tr formatting.Transition) error {
	ev := d.newEvent(pipelineevent.KindFormatting, pipelineevent.Payload{
		PriorState: string(tr.Prior),
		NewState:   string(tr.New),
	})
	return d.recordTo(ev, formattingChannels)
}

// emitIgnored records a no-op end command. Ignored commands are logged,
// not errors: the session keeps flowing.
func (d *Driver) emitIgnored(cmd *catalog.Command, trigger string) error {
	ev := d.newEvent(pipelineevent.KindControl, pipelineevent.Payload{
		Signal:         pipelineevent.SignalIgnoredCommand,
		CommandName:    cmd.Name,
		MatchedTrigger: trigger,
		Reason:         "end command outside its formatting state",
	})
	return d.recordTo(ev, []dispatch.Channel{dispatch.ChannelUI})
}

func (d *Driver) newEvent(kind pipelineevent.Kind, payload pipelineevent.Payload) pipelineevent.Event {
	ev := pipelineevent.Event{
		RequestID:   d.logger.RequestID(),
		EventID:     pipelineevent.NewEventID(),
		SequenceNo:  d.seq,
		Kind:        kind,
		Payload:     payload,
		WallClockMS: d.cfg.Now().UnixMilli(),
	}
	d.seq++
	return ev
}

// record logs first, dispatches second. A degraded log never aborts the
// session: the failure surfaces once as a control event on the UI channel
// and transcription continues.
func (d *Driver) record(ev pipelineevent.Event, dispatchFn func(pipelineevent.Event) error) error {
	if !d.logger.Degraded() {
		if err := d.logger.Append(ev); err != nil && !d.logger.Degraded() {
			return err
		}
		if d.logger.Degraded() && !d.degradedUI {
			d.degradedUI = true
			d.notifyDegraded()
		}
	}
	if dispatchFn != nil {
		if err := dispatchFn(ev); err != nil {
			return fmt.Errorf("dispatch event: %w", err)
		}
	}
	return nil
}

func (d *Driver) recordTo(ev pipelineevent.Event, channels []dispatch.Channel) error {
	return d.record(ev, func(e pipelineevent.Event) error {
		return d.dispatcher.DispatchFinal(e, channels...)
	})
}

// notifyDegraded pushes a one-time log-degraded notice to the UI channel.
// The notice itself cannot be logged, so it borrows the next sequence
// number without consuming it, like previews do.
func (d *Driver) notifyDegraded() {
	ev := pipelineevent.Event{
		RequestID:  d.logger.RequestID(),
		EventID:    pipelineevent.NewEventID(),
		SequenceNo: d.seq,
		Kind:       pipelineevent.KindControl,
		Payload: pipelineevent.Payload{
			Signal: pipelineevent.SignalLogDegraded,
			Reason: "session log writes failing; persistence stopped",
		},
		WallClockMS: d.cfg.Now().UnixMilli(),
	}
	_ = d.dispatcher.DispatchFinal(ev, dispatch.ChannelUI)
}
