package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tiger/dictation-pipeline/api/pipelineevent"
	"github.com/tiger/dictation-pipeline/api/recognizer"
	"github.com/tiger/dictation-pipeline/internal/catalog"
	"github.com/tiger/dictation-pipeline/internal/consumer/contracts"
	"github.com/tiger/dictation-pipeline/internal/dispatch"
	"github.com/tiger/dictation-pipeline/internal/pipeline"
	"github.com/tiger/dictation-pipeline/internal/sessionlog"
	"github.com/tiger/dictation-pipeline/providers/ai/anthropic"
	"github.com/tiger/dictation-pipeline/providers/ai/openrouter"
	"github.com/tiger/dictation-pipeline/providers/stt/deepgram"
	"github.com/tiger/dictation-pipeline/providers/translate/deepl"
	"github.com/tiger/dictation-pipeline/providers/tts/elevenlabs"
	"github.com/tiger/dictation-pipeline/providers/tts/polly"
	wstransport "github.com/tiger/dictation-pipeline/transports/websocket"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr, time.Now); err != nil {
		fmt.Fprintf(os.Stderr, "dictate-pipeline: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer, now func() time.Time) error {
	if len(args) > 0 {
		switch args[0] {
		case "help", "-h", "--help":
			printUsage(stdout)
			return nil
		case "recover":
			return runRecover(args[1:], stdout)
		case "run":
			args = args[1:]
		}
	}
	return runSession(args, stdin, stdout, stderr, now)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "dictate-pipeline usage:")
	fmt.Fprintln(w, "  dictate-pipeline [run] -catalog commands.json [flags]   drive a session from stdin or a websocket")
	fmt.Fprintln(w, "  dictate-pipeline recover -log-root logs [-discard]      finalize or discard interrupted session logs")
	fmt.Fprintln(w, "Run flags:")
	fmt.Fprintln(w, "  -catalog path      trigger catalog JSON (required)")
	fmt.Fprintln(w, "  -lang code         recognizer language (default: catalog default)")
	fmt.Fprintln(w, "  -fuzzy threshold   fuzzy match threshold in [0,1], 0 disables")
	fmt.Fprintln(w, "  -log-root dir      session log root (default logs)")
	fmt.Fprintln(w, "  -log-max-bytes n   rollover threshold per log file")
	fmt.Fprintln(w, "  -ws-url url        read updates from a websocket instead of stdin")
	fmt.Fprintln(w, "  -ws-token token    websocket authorization token")
	fmt.Fprintln(w, "  -deepgram          transcribe raw audio from stdin via Deepgram live (DCTP_STT_DEEPGRAM_*)")
	fmt.Fprintln(w, "  -ai name           feed finalized text to an AI consumer: openrouter or anthropic (DCTP_AI_*)")
	fmt.Fprintln(w, "  -translate name    feed finalized text to a translation consumer: deepl (DCTP_TRANSLATE_*)")
	fmt.Fprintln(w, "  -tts name          feed finalized text to a speech consumer: polly or elevenlabs (DCTP_TTS_*)")
}

func runSession(args []string, stdin io.Reader, stdout, stderr io.Writer, now func() time.Time) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	catalogPath := fs.String("catalog", "", "trigger catalog JSON path")
	language := fs.String("lang", "", "recognizer language")
	fuzzy := fs.Float64("fuzzy", 0, "fuzzy match threshold")
	logRoot := fs.String("log-root", "logs", "session log root directory")
	logMaxBytes := fs.Int64("log-max-bytes", 0, "log rollover threshold in bytes")
	wsURL := fs.String("ws-url", "", "recognizer websocket URL")
	wsToken := fs.String("ws-token", "", "recognizer websocket auth token")
	useDeepgram := fs.Bool("deepgram", false, "transcribe raw audio from stdin via Deepgram live")
	aiName := fs.String("ai", "", "AI consumer on the ai channel")
	translateName := fs.String("translate", "", "translation consumer on the translation channel")
	ttsName := fs.String("tts", "", "speech-synthesis consumer on the tts channel")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *catalogPath == "" {
		return fmt.Errorf("-catalog is required")
	}

	cat, err := catalog.Load(*catalogPath)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	adapters, err := resolveConsumers(*aiName, *translateName, *ttsName)
	if err != nil {
		return err
	}

	driver, err := pipeline.New(pipeline.Config{
		Catalog:        cat,
		Language:       *language,
		FuzzyThreshold: *fuzzy,
		LogRoot:        *logRoot,
		LogMaxBytes:    *logMaxBytes,
		Now:            now,
	})
	if err != nil {
		return err
	}

	requestID, err := driver.StartSession()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "session %s started\n", requestID)

	sink := newTranscriptSink()
	tally := newConsumerTally()
	var consumers sync.WaitGroup
	for _, ch := range dispatch.Channels() {
		if ch == dispatch.ChannelUI {
			continue
		}
		queue := driver.Dispatcher().Queue(ch)
		consumers.Add(1)
		go func(ch dispatch.Channel, queue *dispatch.Queue, adapter contracts.Adapter) {
			defer consumers.Done()
			for {
				ev, ok := queue.Pop()
				if !ok {
					return
				}
				if ch == dispatch.ChannelTranscript {
					sink.consume(ev)
				}
				if adapter != nil {
					invokeConsumer(adapter, ev, tally, stderr)
				}
			}
		}(ch, queue, adapters[ch])
	}
	drainer := pipeline.NewUIDrainer(driver.Dispatcher().Queue(dispatch.ChannelUI), 0, func([]pipelineevent.Event) {})
	go drainer.Run()

	updates := make(chan recognizer.Update)
	readErr := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	switch {
	case *useDeepgram:
		cfg := deepgram.ConfigFromEnv()
		cfg.Audio = stdin
		source, err := deepgram.Connect(ctx, cfg)
		if err != nil {
			return err
		}
		go func() {
			for update := range source.Updates() {
				updates <- update
			}
			readErr <- source.Wait()
			close(updates)
		}()
	case *wsURL != "":
		source, err := wstransport.Connect(ctx, wstransport.Config{URL: *wsURL, AuthToken: *wsToken})
		if err != nil {
			return err
		}
		go func() {
			for update := range source.Updates() {
				updates <- update
			}
			readErr <- source.Wait()
			close(updates)
		}()
	default:
		go func() {
			readErr <- readStdinUpdates(stdin, updates)
			close(updates)
		}()
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)

	stopReason := pipelineevent.StopManual
	stopDetail := "end of input"
loop:
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				if err := <-readErr; err != nil {
					stopReason = pipelineevent.StopError
					stopDetail = err.Error()
				}
				break loop
			}
			if err := driver.HandleUpdate(update); err != nil {
				fmt.Fprintf(stderr, "dictate-pipeline: %v\n", err)
			}
		case <-interrupts:
			stopDetail = "interrupted"
			cancel()
			break loop
		}
	}

	if err := driver.StopSession(stopReason, stopDetail); err != nil {
		fmt.Fprintf(stderr, "dictate-pipeline: stop: %v\n", err)
	}
	driver.Close()
	consumers.Wait()
	drainer.Stop()

	fmt.Fprintf(stdout, "session %s stopped (%s)\n", requestID, stopReason)
	fmt.Fprintln(stdout, sink.render())
	printStats(stdout, driver.Dispatcher().StatsSnapshot())
	tally.print(stdout)
	return nil
}

// resolveConsumers builds the adapters named on the command line. Channels
// without a named consumer are still drained, just not invoked.
func resolveConsumers(ai, translate, tts string) (map[dispatch.Channel]contracts.Adapter, error) {
	adapters := make(map[dispatch.Channel]contracts.Adapter)
	bind := func(ch dispatch.Channel, name string, builders map[string]func() (contracts.Adapter, error)) error {
		if name == "" {
			return nil
		}
		build, ok := builders[name]
		if !ok {
			return fmt.Errorf("unknown %s consumer: %q", ch, name)
		}
		adapter, err := build()
		if err != nil {
			return fmt.Errorf("configure %s consumer %q: %w", ch, name, err)
		}
		adapters[ch] = adapter
		return nil
	}
	if err := bind(dispatch.ChannelAI, ai, map[string]func() (contracts.Adapter, error){
		"openrouter": openrouter.NewAdapterFromEnv,
		"anthropic":  anthropic.NewAdapterFromEnv,
	}); err != nil {
		return nil, err
	}
	if err := bind(dispatch.ChannelTranslation, translate, map[string]func() (contracts.Adapter, error){
		"deepl": deepl.NewAdapterFromEnv,
	}); err != nil {
		return nil, err
	}
	if err := bind(dispatch.ChannelTTS, tts, map[string]func() (contracts.Adapter, error){
		"polly":      polly.NewAdapterFromEnv,
		"elevenlabs": elevenlabs.NewAdapterFromEnv,
	}); err != nil {
		return nil, err
	}
	return adapters, nil
}

// invokeConsumer feeds one finalized segment to an adapter. Previews,
// control, and formatting events never reach consumers.
func invokeConsumer(adapter contracts.Adapter, ev pipelineevent.Event, tally *consumerTally, stderr io.Writer) {
	if ev.Kind != pipelineevent.KindSegment || ev.Payload.Preview || ev.Payload.Text == "" {
		return
	}
	outcome, err := adapter.Invoke(contracts.Request{
		RequestID:   ev.RequestID,
		EventID:     ev.EventID,
		SequenceNo:  ev.SequenceNo,
		Text:        ev.Payload.Text,
		Language:    ev.Payload.Language,
		Attempt:     1,
		WallClockMS: ev.WallClockMS,
	})
	if err != nil {
		tally.record(adapter.ConsumerID(), false)
		fmt.Fprintf(stderr, "dictate-pipeline: consumer %s: %v\n", adapter.ConsumerID(), err)
		return
	}
	ok := outcome.Class == contracts.OutcomeSuccess
	tally.record(adapter.ConsumerID(), ok)
	if !ok {
		fmt.Fprintf(stderr, "dictate-pipeline: consumer %s: %s: %s\n", adapter.ConsumerID(), outcome.Class, outcome.Reason)
	}
}

// consumerTally counts adapter invocations per consumer id for the
// end-of-session report.
type consumerTally struct {
	mu    sync.Mutex
	stats map[string]*consumerCount
}

type consumerCount struct {
	invoked int
	failed  int
}

func newConsumerTally() *consumerTally {
	return &consumerTally{stats: make(map[string]*consumerCount)}
}

func (t *consumerTally) record(id string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.stats[id]
	if c == nil {
		c = &consumerCount{}
		t.stats[id] = c
	}
	c.invoked++
	if !ok {
		c.failed++
	}
}

func (t *consumerTally) print(w io.Writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.stats))
	for id := range t.stats {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		c := t.stats[id]
		fmt.Fprintf(w, "consumer %-12s invoked=%d failed=%d\n", id, c.invoked, c.failed)
	}
}

func readStdinUpdates(stdin io.Reader, updates chan<- recognizer.Update) error {
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var update recognizer.Update
		if err := json.Unmarshal([]byte(line), &update); err != nil {
			return fmt.Errorf("decode recognizer update: %w", err)
		}
		updates <- update
	}
	return scanner.Err()
}

// transcriptSink accumulates finalized segment text from the transcript
// channel, rendering markers as markdown-style wrappers.
type transcriptSink struct {
	mu    sync.Mutex
	parts []string
}

func newTranscriptSink() *transcriptSink {
	return &transcriptSink{}
}

func (s *transcriptSink) consume(ev pipelineevent.Event) {
	switch {
	case ev.Kind == pipelineevent.KindSegment && !ev.Payload.Preview:
		s.append(renderSegment(ev.Payload))
	case ev.Kind == pipelineevent.KindCommand && ev.Payload.ResidualText != "":
		// insert_text commands land their text directly in the transcript.
		s.append(ev.Payload.ResidualText)
	}
}

func (s *transcriptSink) append(part string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parts = append(s.parts, part)
}

func (s *transcriptSink) render() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.parts, " ")
}

func renderSegment(p pipelineevent.Payload) string {
	text := strings.TrimSpace(p.Text)
	switch p.Marker {
	case pipelineevent.MarkerBold:
		return "**" + text + "**"
	case pipelineevent.MarkerItalic:
		return "*" + text + "*"
	case pipelineevent.MarkerHeading1:
		return "# " + text
	case pipelineevent.MarkerHeading2:
		return "## " + text
	default:
		return text
	}
}

func printStats(w io.Writer, stats map[dispatch.Channel]dispatch.Stats) {
	channels := make([]string, 0, len(stats))
	for ch := range stats {
		channels = append(channels, string(ch))
	}
	sort.Strings(channels)
	for _, ch := range channels {
		s := stats[dispatch.Channel(ch)]
		fmt.Fprintf(w, "channel %-12s dropped=%d delayed=%d\n", ch, s.Dropped, s.Delayed)
	}
}

func runRecover(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("recover", flag.ContinueOnError)
	fs.SetOutput(stdout)
	logRoot := fs.String("log-root", "logs", "session log root directory")
	discard := fs.Bool("discard", false, "delete interrupted logs instead of finalizing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	orphans, err := sessionlog.Scan(*logRoot)
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		fmt.Fprintln(stdout, "no interrupted sessions")
		return nil
	}
	for _, o := range orphans {
		fmt.Fprintf(stdout, "interrupted session %s (%s)\n", o.RequestID, o.Date.Format("2006-01-02"))
	}

	if *discard {
		for _, o := range orphans {
			if err := sessionlog.Discard(o); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "discarded %s\n", o.RequestID)
		}
		return nil
	}
	finalized, err := sessionlog.Recover(*logRoot, time.Now)
	for _, path := range finalized {
		fmt.Fprintf(stdout, "finalized %s\n", path)
	}
	return err
}
