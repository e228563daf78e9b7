package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tiger/dictation-pipeline/api/recognizer"
)

func serveFrames(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		// Give the client a moment to observe the close frame.
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		_, _, _ = conn.ReadMessage()
	}))
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestConnectStreamsUpdates(t *testing.T) {
	t.Parallel()

	ts := serveFrames(t, []string{
		`{"utterance_id":"u1","text":"hel","is_final":false,"language":"en"}`,
		`{"utterance_id":"u1","text":"hello","is_final":true,"language":"en"}`,
	})
	defer ts.Close()

	source, err := Connect(context.Background(), Config{URL: wsURL(ts)})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer source.Close()

	var updates []recognizer.Update
	for update := range source.Updates() {
		updates = append(updates, update)
	}
	if err := source.Wait(); err != nil {
		t.Fatalf("expected clean close, got %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(updates))
	}
	if !updates[1].IsFinal || updates[1].Text != "hello" {
		t.Fatalf("unexpected final update: %+v", updates[1])
	}
}

func TestConnectRejectsMalformedFrame(t *testing.T) {
	t.Parallel()

	ts := serveFrames(t, []string{`not json`})
	defer ts.Close()

	source, err := Connect(context.Background(), Config{URL: wsURL(ts)})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	for range source.Updates() {
	}
	if err := source.Wait(); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestConnectRejectsInvalidUpdate(t *testing.T) {
	t.Parallel()

	ts := serveFrames(t, []string{`{"utterance_id":"","text":"x"}`})
	defer ts.Close()

	source, err := Connect(context.Background(), Config{URL: wsURL(ts)})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	for range source.Updates() {
	}
	if err := source.Wait(); err == nil || !strings.Contains(err.Error(), "invalid recognizer update") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestConnectRequiresURL(t *testing.T) {
	t.Parallel()

	if _, err := Connect(context.Background(), Config{}); err == nil {
		t.Fatalf("expected url requirement error")
	}
}
