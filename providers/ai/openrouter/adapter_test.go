package openrouter

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tiger/dictation-pipeline/internal/consumer/contracts"
)

func TestInvokeRewritesText(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer key-1" {
			t.Errorf("expected bearer auth header, got %q", got)
		}
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(body.Messages) != 2 || body.Messages[1].Content != "helo wrld" {
			t.Errorf("unexpected messages: %+v", body.Messages)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"Hello world."}}]}`)
	}))
	defer ts.Close()

	adapter, err := NewAdapter(Config{APIKey: "key-1", Endpoint: ts.URL, Model: "test-model"})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	outcome, err := adapter.Invoke(contracts.Request{
		RequestID:   "2608280001",
		EventID:     "evt-1",
		SequenceNo:  1,
		Text:        "helo wrld",
		Attempt:     1,
		WallClockMS: 1,
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if outcome.Class != contracts.OutcomeSuccess || outcome.Output != "Hello world." {
		t.Fatalf("expected rewritten text, got %+v", outcome)
	}
}

func TestParseChatCompletion(t *testing.T) {
	t.Parallel()

	if _, err := parseChatCompletion([]byte(`{"choices":[]}`)); err == nil {
		t.Fatalf("expected error for empty choices")
	}
	if _, err := parseChatCompletion([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for malformed body")
	}
	out, err := parseChatCompletion([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	if err != nil || out != "ok" {
		t.Fatalf("expected parsed content, got %q err=%v", out, err)
	}
}

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg := ConfigFromEnv()
	if cfg.Endpoint == "" || cfg.Model == "" || cfg.Prompt == "" {
		t.Fatalf("expected defaults populated, got %+v", cfg)
	}
}
