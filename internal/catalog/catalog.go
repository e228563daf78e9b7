package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

// Mode selects how the detector matches trigger phrases.
type Mode string

const (
	// ModeIsolation requires the entire normalized segment to equal a
	// trigger phrase. Speakers pause around commands, so the recognizer
	// emits them as standalone segments; this minimizes false positives.
	ModeIsolation Mode = "isolation"
	// ModePrefix requires the segment to start with the wake phrase
	// followed by a trigger phrase.
	ModePrefix Mode = "prefix"
)

// Validate enforces supported detection modes.
func (m Mode) Validate() error {
	switch m {
	case ModeIsolation, ModePrefix:
		return nil
	default:
		return fmt.Errorf("unsupported detection mode: %q", m)
	}
}

// ActionKind is the closed set of command action variants.
type ActionKind string

const (
	ActionInsertText   ActionKind = "insert_text"
	ActionFormatToggle ActionKind = "format_toggle"
	ActionFormatBlock  ActionKind = "format_block"
	ActionMacro        ActionKind = "macro"
	ActionNavigation   ActionKind = "navigation"
)

// Validate enforces supported action kinds.
func (a ActionKind) Validate() error {
	switch a {
	case ActionInsertText, ActionFormatToggle, ActionFormatBlock, ActionMacro, ActionNavigation:
		return nil
	default:
		return fmt.Errorf("unsupported action: %q", a)
	}
}

// Scope names an auto-end condition for block-formatting commands.
type Scope string

const (
	ScopeNone          Scope = ""
	ScopeNextParagraph Scope = "next_paragraph"
)

// Command is one voice command definition. Declaration order within the
// catalog is significant: it is the deterministic tie-break of last resort.
type Command struct {
	Name        string              `json:"name"`
	Action      ActionKind          `json:"action"`
	Insert      string              `json:"insert,omitempty"`
	Format      string              `json:"format,omitempty"`
	Scope       Scope               `json:"scope,omitempty"`
	Keys        string              `json:"keys,omitempty"`
	Triggers    map[string][]string `json:"triggers"`
	EndTriggers map[string][]string `json:"end_triggers,omitempty"`
}

// Catalog is the immutable loaded voice-command configuration. It is
// read-only for the duration of a session; reload happens between sessions.
type Catalog struct {
	DetectionMode   Mode      `json:"detection_mode"`
	PrefixWord      string    `json:"prefix_word"`
	DefaultLanguage string    `json:"default_language"`
	Commands        []Command `json:"commands"`
}

// Entry is one resolved trigger-map row: a normalized phrase bound to the
// command it fires and whether it is an end trigger.
type Entry struct {
	Command      *Command
	Phrase       string
	IsEndTrigger bool
	DeclIndex    int
}

var whitespaceRE = regexp.MustCompile(`\s+`)

// Normalize lowercases, strips leading/trailing punctuation the recognizer
// tends to append, and collapses internal whitespace.
func Normalize(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	text = strings.Trim(text, `.,!?;:"'-…`)
	text = whitespaceRE.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// Load reads, schema-validates, and semantically validates a catalog file.
// Any configuration error fails fast; the pipeline must not start on a
// malformed catalog.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trigger catalog: %w", err)
	}
	return Parse(raw)
}

// Parse validates and decodes a raw catalog document.
func Parse(raw []byte) (*Catalog, error) {
	if err := validateAgainstSchema(raw); err != nil {
		return nil, fmt.Errorf("trigger catalog schema: %w", err)
	}

	var c Catalog
	if err := strictUnmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode trigger catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate enforces semantic catalog invariants beyond the schema.
func (c *Catalog) Validate() error {
	if c.DetectionMode == "" {
		c.DetectionMode = ModeIsolation
	}
	if err := c.DetectionMode.Validate(); err != nil {
		return err
	}
	if c.PrefixWord == "" {
		c.PrefixWord = "command"
	}
	c.PrefixWord = Normalize(c.PrefixWord)
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = "en"
	}
	if len(c.Commands) == 0 {
		return fmt.Errorf("trigger catalog declares no commands")
	}

	names := map[string]struct{}{}
	owners := map[string]string{}
	for i := range c.Commands {
		cmd := &c.Commands[i]
		if cmd.Name == "" {
			return fmt.Errorf("command at index %d has no name", i)
		}
		if _, dup := names[cmd.Name]; dup {
			return fmt.Errorf("duplicate command name: %s", cmd.Name)
		}
		names[cmd.Name] = struct{}{}

		if err := cmd.Action.Validate(); err != nil {
			return fmt.Errorf("command %s: %w", cmd.Name, err)
		}
		switch cmd.Action {
		case ActionInsertText:
			if cmd.Insert == "" {
				return fmt.Errorf("command %s: insert_text requires insert", cmd.Name)
			}
		case ActionFormatToggle, ActionFormatBlock:
			if cmd.Format == "" {
				return fmt.Errorf("command %s: %s requires format", cmd.Name, cmd.Action)
			}
		case ActionMacro, ActionNavigation:
			if cmd.Keys == "" {
				return fmt.Errorf("command %s: %s requires keys", cmd.Name, cmd.Action)
			}
		}
		if cmd.Scope != ScopeNone && cmd.Scope != ScopeNextParagraph {
			return fmt.Errorf("command %s: unsupported scope %q", cmd.Name, cmd.Scope)
		}
		if len(cmd.Triggers) == 0 {
			return fmt.Errorf("command %s declares no triggers", cmd.Name)
		}

		for lang, phrases := range cmd.Triggers {
			for _, phrase := range phrases {
				normalized := Normalize(phrase)
				if normalized == "" {
					return fmt.Errorf("command %s: empty trigger phrase for %s", cmd.Name, lang)
				}
				key := lang + "|" + normalized
				if owner, dup := owners[key]; dup && owner != cmd.Name {
					return fmt.Errorf("duplicate trigger phrase %q (%s) claimed by %s and %s", normalized, lang, owner, cmd.Name)
				}
				owners[key] = cmd.Name
			}
		}
		// End triggers share the phrase namespace: a phrase used as any
		// command's start trigger and any command's end trigger is
		// ambiguous and fails load.
		for lang, phrases := range cmd.EndTriggers {
			for _, phrase := range phrases {
				normalized := Normalize(phrase)
				if normalized == "" {
					return fmt.Errorf("command %s: empty end trigger phrase for %s", cmd.Name, lang)
				}
				key := lang + "|" + normalized
				if owner, dup := owners[key]; dup {
					return fmt.Errorf("end trigger phrase %q (%s) of %s duplicates a trigger of %s", normalized, lang, cmd.Name, owner)
				}
				owners[key] = cmd.Name
			}
		}
	}
	return nil
}

// TriggerMap builds the normalized phrase lookup for one language, falling
// back per command to the default language column when the requested
// language has no phrases. End triggers shadow start triggers only through
// the detector's open-state rule, never here: a phrase used both ways is a
// load-time duplicate.
func (c *Catalog) TriggerMap(language string) map[string]Entry {
	m := make(map[string]Entry)
	for i := range c.Commands {
		cmd := &c.Commands[i]
		for _, phrase := range c.phrasesFor(cmd.Triggers, language) {
			c.insertEntry(m, Entry{Command: cmd, Phrase: phrase, DeclIndex: i})
		}
		for _, phrase := range c.phrasesFor(cmd.EndTriggers, language) {
			c.insertEntry(m, Entry{Command: cmd, Phrase: phrase, IsEndTrigger: true, DeclIndex: i})
		}
	}
	return m
}

// EndTriggerSet returns the normalized end-trigger phrases of one command
// for a language, with default-language fallback.
func (c *Catalog) EndTriggerSet(cmd *Command, language string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, phrase := range c.phrasesFor(cmd.EndTriggers, language) {
		set[phrase] = struct{}{}
	}
	return set
}

// CommandByName returns the named command, or nil.
func (c *Catalog) CommandByName(name string) *Command {
	for i := range c.Commands {
		if c.Commands[i].Name == name {
			return &c.Commands[i]
		}
	}
	return nil
}

func (c *Catalog) phrasesFor(byLang map[string][]string, language string) []string {
	if len(byLang) == 0 {
		return nil
	}
	phrases, ok := byLang[language]
	if !ok || len(phrases) == 0 {
		phrases = byLang[c.DefaultLanguage]
	}
	out := make([]string, 0, len(phrases))
	for _, phrase := range phrases {
		if normalized := Normalize(phrase); normalized != "" {
			out = append(out, normalized)
		}
	}
	return out
}

// insertEntry keeps the earliest-declared entry on collision. Collisions
// across commands are rejected at load; within a command the first
// declaration wins deterministically.
func (c *Catalog) insertEntry(m map[string]Entry, entry Entry) {
	existing, ok := m[entry.Phrase]
	if ok && existing.DeclIndex <= entry.DeclIndex {
		return
	}
	m[entry.Phrase] = entry
}

func strictUnmarshal(data []byte, target any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return err
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		return fmt.Errorf("unexpected trailing JSON payload")
	}
	return nil
}
