package detector

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tiger/dictation-pipeline/api/recognizer"
	"github.com/tiger/dictation-pipeline/internal/catalog"
)

// ResultKind discriminates detector output.
type ResultKind string

const (
	KindPassThrough ResultKind = "pass_through"
	KindCommand     ResultKind = "command"
)

// Result is the detector verdict for one finalized segment. Exactly one
// detector call happens per finalized segment.
type Result struct {
	Kind           ResultKind
	Text           string
	Command        *catalog.Command
	MatchedTrigger string
	Residual       string
	IsEndTrigger   bool
	Fuzzy          bool
}

// Config controls detection behavior.
type Config struct {
	Catalog *catalog.Catalog
	// Language selects the trigger column; commands without phrases for it
	// fall back to the catalog default language.
	Language string
	// FuzzyThreshold enables edit-distance matching when > 0: a candidate
	// is accepted when similarity (1 - distance/len) meets the threshold.
	// Fuzzy matches never outrank exact matches.
	FuzzyThreshold float64
}

// Detector decides pass-through versus matched command for finalized
// segments, against an immutable trigger catalog.
type Detector struct {
	cfg      Config
	triggers map[string]catalog.Entry
}

// New builds a detector for one catalog and language.
func New(cfg Config) (*Detector, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("trigger catalog is required")
	}
	if cfg.FuzzyThreshold < 0 || cfg.FuzzyThreshold > 1 {
		return nil, fmt.Errorf("fuzzy threshold must be in [0,1]")
	}
	return &Detector{
		cfg:      cfg,
		triggers: cfg.Catalog.TriggerMap(cfg.Language),
	}, nil
}

// SetLanguage rebuilds the trigger map for a new language. Only valid
// between sessions.
func (d *Detector) SetLanguage(language string) {
	d.cfg.Language = language
	d.triggers = d.cfg.Catalog.TriggerMap(language)
}

// Detect classifies one finalized segment. openCommand, when non-nil, is
// the formatting command whose state is currently active; its end triggers
// take priority over every start trigger to avoid toggle ambiguity.
func (d *Detector) Detect(segment recognizer.Segment, openCommand *catalog.Command) Result {
	original := segment.Text
	normalized := catalog.Normalize(original)
	if normalized == "" {
		return Result{Kind: KindPassThrough, Text: original}
	}

	candidate := normalized
	if d.cfg.Catalog.DetectionMode == catalog.ModePrefix {
		after, ok := stripWakeWord(normalized, d.cfg.Catalog.PrefixWord)
		if !ok {
			return Result{Kind: KindPassThrough, Text: original}
		}
		candidate = after
	}

	if openCommand != nil {
		endSet := d.cfg.Catalog.EndTriggerSet(openCommand, d.cfg.Language)
		if _, ok := endSet[candidate]; ok {
			return Result{
				Kind:           KindCommand,
				Command:        openCommand,
				MatchedTrigger: candidate,
				IsEndTrigger:   true,
			}
		}
	}

	if result, ok := d.matchExact(candidate); ok {
		return result
	}
	if d.cfg.FuzzyThreshold > 0 {
		if result, ok := d.matchFuzzy(candidate); ok {
			return result
		}
	}
	return Result{Kind: KindPassThrough, Text: original}
}

// matchExact resolves an exact trigger hit. In isolation mode the whole
// candidate must equal a phrase; in prefix mode the longest phrase leading
// the candidate wins and the remainder becomes residual text.
func (d *Detector) matchExact(candidate string) (Result, bool) {
	if entry, ok := d.triggers[candidate]; ok {
		return Result{
			Kind:           KindCommand,
			Command:        entry.Command,
			MatchedTrigger: entry.Phrase,
			IsEndTrigger:   entry.IsEndTrigger,
		}, true
	}
	if d.cfg.Catalog.DetectionMode != catalog.ModePrefix {
		return Result{}, false
	}

	best, found := catalog.Entry{}, false
	for phrase, entry := range d.triggers {
		if !strings.HasPrefix(candidate, phrase+" ") {
			continue
		}
		if !found || betterExact(entry, best) {
			best, found = entry, true
		}
	}
	if !found {
		return Result{}, false
	}
	residual := strings.TrimSpace(strings.TrimPrefix(candidate, best.Phrase))
	return Result{
		Kind:           KindCommand,
		Command:        best.Command,
		MatchedTrigger: best.Phrase,
		Residual:       residual,
		IsEndTrigger:   best.IsEndTrigger,
	}, true
}

// matchFuzzy accepts the best edit-distance candidate above the threshold.
// Ties prefer the longer phrase, then catalog declaration order.
func (d *Detector) matchFuzzy(candidate string) (Result, bool) {
	phrases := make([]string, 0, len(d.triggers))
	for phrase := range d.triggers {
		phrases = append(phrases, phrase)
	}
	sort.Strings(phrases)

	bestScore := 0.0
	var best catalog.Entry
	found := false
	for _, phrase := range phrases {
		entry := d.triggers[phrase]
		score := similarity(candidate, phrase)
		if score < d.cfg.FuzzyThreshold {
			continue
		}
		switch {
		case !found, score > bestScore:
			best, bestScore, found = entry, score, true
		case score == bestScore && betterExact(entry, best):
			best = entry
		}
	}
	if !found {
		return Result{}, false
	}
	return Result{
		Kind:           KindCommand,
		Command:        best.Command,
		MatchedTrigger: best.Phrase,
		IsEndTrigger:   best.IsEndTrigger,
		Fuzzy:          true,
	}, true
}

// betterExact orders competing entries: longest phrase first, then catalog
// declaration order. Never non-deterministic.
func betterExact(a, b catalog.Entry) bool {
	if len(a.Phrase) != len(b.Phrase) {
		return len(a.Phrase) > len(b.Phrase)
	}
	if a.DeclIndex != b.DeclIndex {
		return a.DeclIndex < b.DeclIndex
	}
	return a.Phrase < b.Phrase
}

func stripWakeWord(normalized, wake string) (string, bool) {
	if normalized == wake {
		return "", false
	}
	if !strings.HasPrefix(normalized, wake+" ") {
		return "", false
	}
	after := strings.TrimSpace(strings.TrimPrefix(normalized, wake))
	return after, after != ""
}
