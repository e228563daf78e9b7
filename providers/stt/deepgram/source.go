package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tiger/dictation-pipeline/api/recognizer"
)

// Config controls a Deepgram live-transcription connection.
type Config struct {
	APIKey   string
	URL      string
	Model    string
	Language string
	// Audio, when set, is streamed to Deepgram as binary frames. When nil
	// the caller is expected to feed audio out of band.
	Audio io.Reader
}

func ConfigFromEnv() Config {
	return Config{
		APIKey:   os.Getenv("DCTP_STT_DEEPGRAM_API_KEY"),
		URL:      defaultString(os.Getenv("DCTP_STT_DEEPGRAM_URL"), "wss://api.deepgram.com/v1/listen"),
		Model:    defaultString(os.Getenv("DCTP_STT_DEEPGRAM_MODEL"), "nova-2"),
		Language: defaultString(os.Getenv("DCTP_STT_DEEPGRAM_LANGUAGE"), "en"),
	}
}

// result is the subset of the Deepgram live response the pipeline consumes.
type result struct {
	Type    string  `json:"type"`
	Start   float64 `json:"start"`
	Dur     float64 `json:"duration"`
	IsFinal bool    `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// Source adapts Deepgram live-transcription frames into recognizer updates.
// Interim results map to provisional updates; consecutive interims share one
// utterance id until Deepgram marks a result final.
type Source struct {
	conn    *websocket.Conn
	lang    string
	updates chan recognizer.Update
	done    chan struct{}

	utterance int64
	open      bool

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

// Connect dials the Deepgram live endpoint and starts the read loop. The
// source closes itself when ctx is cancelled.
func Connect(ctx context.Context, cfg Config) (*Source, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("deepgram api key is required")
	}
	endpoint, err := liveURL(cfg)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		return nil, fmt.Errorf("connect deepgram: %w", err)
	}

	s := &Source{
		conn:    conn,
		lang:    cfg.Language,
		updates: make(chan recognizer.Update, 64),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	if cfg.Audio != nil {
		go s.writeLoop(cfg.Audio)
	}
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	return s, nil
}

func liveURL(cfg Config) (string, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse deepgram url: %w", err)
	}
	q := u.Query()
	if cfg.Model != "" {
		q.Set("model", cfg.Model)
	}
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Updates returns the stream of recognizer updates. The channel closes when
// the connection ends; check Wait for the terminal error.
func (s *Source) Updates() <-chan recognizer.Update {
	return s.updates
}

// Wait blocks until the read loop ends and returns its terminal error, nil
// on a clean close.
func (s *Source) Wait() error {
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close tears down the connection. Safe to call more than once.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Source) setErr(err error) {
	if err == nil {
		return
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Source) readLoop() {
	defer func() {
		close(s.updates)
		close(s.done)
		_ = s.conn.Close()
	}()

	for {
		messageType, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.setErr(err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var res result
		if err := json.Unmarshal(payload, &res); err != nil {
			s.setErr(fmt.Errorf("decode deepgram result: %w", err))
			return
		}
		update, ok := s.toUpdate(res)
		if !ok {
			continue
		}
		s.updates <- update
	}
}

func (s *Source) toUpdate(res result) (recognizer.Update, bool) {
	if res.Type != "Results" && res.Type != "" {
		return recognizer.Update{}, false
	}
	if len(res.Channel.Alternatives) == 0 {
		return recognizer.Update{}, false
	}
	text := res.Channel.Alternatives[0].Transcript
	if text == "" && (!res.IsFinal || !s.open) {
		// Silence that never opened an utterance is dropped without
		// advancing the id counter. An empty final on an open utterance
		// still flows through so downstream interim state is released.
		return recognizer.Update{}, false
	}
	update := recognizer.Update{
		UtteranceID: fmt.Sprintf("dg-%d", s.utterance),
		Text:        text,
		IsFinal:     res.IsFinal,
		Language:    s.lang,
		StartMS:     int64(res.Start * 1000),
		EndMS:       int64((res.Start + res.Dur) * 1000),
	}
	if res.IsFinal {
		s.utterance++
		s.open = false
	} else {
		s.open = true
	}
	return update, true
}

// writeLoop streams raw audio to Deepgram in fixed-size binary frames and
// sends the CloseStream control message at EOF.
func (s *Source) writeLoop(audio io.Reader) {
	buf := make([]byte, 8192)
	for {
		n, err := audio.Read(buf)
		if n > 0 {
			if writeErr := s.conn.WriteMessage(websocket.BinaryMessage, buf[:n]); writeErr != nil {
				s.setErr(writeErr)
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				s.setErr(err)
			}
			_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
			return
		}
	}
}

func defaultString(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
