package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tiger/dictation-pipeline/api/recognizer"
)

// Config controls the recognizer websocket connection.
type Config struct {
	URL string
	// AuthToken, when set, is sent as "Authorization: Token <value>".
	AuthToken string
	Header    http.Header
}

// Source streams recognizer updates from a websocket endpoint that emits
// one JSON update per text frame.
type Source struct {
	conn    *websocket.Conn
	updates chan recognizer.Update
	done    chan struct{}

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

// Connect dials the recognizer endpoint and starts the read loop. The
// source closes itself when ctx is cancelled.
func Connect(ctx context.Context, cfg Config) (*Source, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("recognizer url is required")
	}

	headers := http.Header{}
	for key, values := range cfg.Header {
		for _, v := range values {
			headers.Add(key, v)
		}
	}
	if cfg.AuthToken != "" {
		headers.Set("Authorization", "Token "+cfg.AuthToken)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, headers)
	if err != nil {
		return nil, fmt.Errorf("connect recognizer websocket: %w", err)
	}

	s := &Source{
		conn:    conn,
		updates: make(chan recognizer.Update, 64),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	return s, nil
}

// Updates returns the stream of decoded recognizer updates. The channel
// closes when the connection ends; check Wait for the terminal error.
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
		var update recognizer.Update
		if err := json.Unmarshal(payload, &update); err != nil {
			s.setErr(fmt.Errorf("decode recognizer update: %w", err))
			return
		}
		if err := update.Validate(); err != nil {
			s.setErr(fmt.Errorf("invalid recognizer update: %w", err))
			return
		}
		s.updates <- update
	}
}
