package recognizer

import (
	"fmt"
	"regexp"
	"strings"
)

// Update is one raw recognizer emission for an utterance. Provisional
// updates (IsFinal=false) are mutable previews; exactly one update per
// utterance transitions to final.
type Update struct {
	UtteranceID string `json:"utterance_id"`
	Text        string `json:"text"`
	IsFinal     bool   `json:"is_final"`
	Language    string `json:"language"`
	StartMS     int64  `json:"start_ms"`
	EndMS       int64  `json:"end_ms"`
}

var languageRE = regexp.MustCompile(`^[a-z]{2}(?:-[A-Za-z]{2})?$`)

// Validate enforces the recognizer input contract.
func (u Update) Validate() error {
	if strings.TrimSpace(u.UtteranceID) == "" {
		return fmt.Errorf("utterance_id is required")
	}
	if u.Language != "" && !languageRE.MatchString(u.Language) {
		return fmt.Errorf("invalid language code: %q", u.Language)
	}
	if u.StartMS < 0 || u.EndMS < 0 {
		return fmt.Errorf("timestamps must be >=0")
	}
	if u.EndMS < u.StartMS {
		return fmt.Errorf("end_ms must be >= start_ms")
	}
	return nil
}

// Segment is one span of recognized speech text after classification.
type Segment struct {
	UtteranceID string `json:"utterance_id"`
	Text        string `json:"text"`
	IsFinal     bool   `json:"is_final"`
	Language    string `json:"language"`
	StartMS     int64  `json:"start_ms"`
	EndMS       int64  `json:"end_ms"`
}

// Validate enforces the classified segment contract.
func (s Segment) Validate() error {
	return Update(s).Validate()
}
