package deepgram

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

func serveResults(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token key-1" {
			t.Errorf("expected token auth header, got %q", got)
		}
		if got := r.URL.Query().Get("interim_results"); got != "true" {
			t.Errorf("expected interim_results=true, got %q", got)
		}
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
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		_, _, _ = conn.ReadMessage()
	}))
}

func liveTestURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestConnectMapsResultsToUpdates(t *testing.T) {
	t.Parallel()

	ts := serveResults(t, []string{
		`{"type":"Results","start":0,"duration":0.4,"is_final":false,"channel":{"alternatives":[{"transcript":"hel"}]}}`,
		`{"type":"Results","start":0,"duration":0.9,"is_final":true,"channel":{"alternatives":[{"transcript":"hello."}]}}`,
		`{"type":"Metadata"}`,
		`{"type":"Results","start":1.2,"duration":0.5,"is_final":true,"channel":{"alternatives":[{"transcript":"bold"}]}}`,
	})
	defer ts.Close()

	source, err := Connect(context.Background(), Config{APIKey: "key-1", URL: liveTestURL(ts), Model: "nova-2", Language: "en"})
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
	if len(updates) != 3 {
		t.Fatalf("expected 3 updates, got %d: %+v", len(updates), updates)
	}
	if updates[0].IsFinal || updates[0].UtteranceID != "dg-0" {
		t.Fatalf("unexpected interim update: %+v", updates[0])
	}
	if !updates[1].IsFinal || updates[1].UtteranceID != "dg-0" || updates[1].Text != "hello." {
		t.Fatalf("interim and its final must share an utterance id: %+v", updates[1])
	}
	if updates[2].UtteranceID != "dg-1" {
		t.Fatalf("final must advance the utterance id: %+v", updates[2])
	}
	if updates[2].StartMS != 1200 || updates[2].EndMS != 1700 {
		t.Fatalf("unexpected timestamps: %+v", updates[2])
	}
	for _, u := range updates {
		if err := u.Validate(); err != nil {
			t.Fatalf("emitted invalid update %+v: %v", u, err)
		}
	}
}

func TestConnectSkipsFinalizedSilence(t *testing.T) {
	t.Parallel()

	ts := serveResults(t, []string{
		`{"type":"Results","start":0,"duration":0.5,"is_final":true,"channel":{"alternatives":[{"transcript":""}]}}`,
		`{"type":"Results","start":0.5,"duration":0.5,"is_final":true,"channel":{"alternatives":[{"transcript":"hi"}]}}`,
	})
	defer ts.Close()

	source, err := Connect(context.Background(), Config{APIKey: "key-1", URL: liveTestURL(ts)})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer source.Close()

	var updates []recognizer.Update
	for update := range source.Updates() {
		updates = append(updates, update)
	}
	if len(updates) != 1 || updates[0].Text != "hi" {
		t.Fatalf("expected silence skipped, got %+v", updates)
	}
	// Silence that never opened an utterance must not burn an id.
	if updates[0].UtteranceID != "dg-0" {
		t.Fatalf("expected first utterance id, got %+v", updates[0])
	}
}

func TestConnectClosesOpenUtteranceOnEmptyFinal(t *testing.T) {
	t.Parallel()

	ts := serveResults(t, []string{
		`{"type":"Results","start":0,"duration":0.4,"is_final":false,"channel":{"alternatives":[{"transcript":"hel"}]}}`,
		`{"type":"Results","start":0,"duration":0.9,"is_final":true,"channel":{"alternatives":[{"transcript":""}]}}`,
		`{"type":"Results","start":1.2,"duration":0.5,"is_final":true,"channel":{"alternatives":[{"transcript":"next"}]}}`,
	})
	defer ts.Close()

	source, err := Connect(context.Background(), Config{APIKey: "key-1", URL: liveTestURL(ts)})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer source.Close()

	var updates []recognizer.Update
	for update := range source.Updates() {
		updates = append(updates, update)
	}
	if len(updates) != 3 {
		t.Fatalf("expected 3 updates, got %+v", updates)
	}
	// The empty final closes the utterance the interim opened, under the
	// same id, so downstream interim state is released.
	if !updates[1].IsFinal || updates[1].Text != "" || updates[1].UtteranceID != "dg-0" {
		t.Fatalf("expected closing empty final on dg-0, got %+v", updates[1])
	}
	if updates[2].UtteranceID != "dg-1" || updates[2].Text != "next" {
		t.Fatalf("expected next utterance on dg-1, got %+v", updates[2])
	}
}

func TestConnectStreamsAudioUpstream(t *testing.T) {
	t.Parallel()

	received := make(chan []byte, 1)
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("read audio frame: %v", err)
			return
		}
		if messageType != websocket.BinaryMessage {
			t.Errorf("expected binary audio frame, got type %d", messageType)
		}
		received <- payload
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer ts.Close()

	source, err := Connect(context.Background(), Config{
		APIKey: "key-1",
		URL:    liveTestURL(ts),
		Audio:  strings.NewReader("pcm-audio"),
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer source.Close()

	select {
	case payload := <-received:
		if string(payload) != "pcm-audio" {
			t.Fatalf("unexpected audio payload: %q", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for audio frame")
	}
	for range source.Updates() {
	}
}

func TestConnectRequiresAPIKey(t *testing.T) {
	t.Parallel()

	if _, err := Connect(context.Background(), Config{URL: "ws://localhost"}); err == nil {
		t.Fatalf("expected api key requirement error")
	}
}

func TestLiveURLCarriesQuery(t *testing.T) {
	t.Parallel()

	u, err := liveURL(Config{URL: "wss://api.deepgram.com/v1/listen", Model: "nova-2", Language: "de"})
	if err != nil {
		t.Fatalf("live url: %v", err)
	}
	for _, want := range []string{"model=nova-2", "language=de", "punctuate=true"} {
		if !strings.Contains(u, want) {
			t.Fatalf("expected %q in %q", want, u)
		}
	}
}
