package anthropic

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
		if got := r.Header.Get("x-api-key"); got != "key-1" {
			t.Errorf("expected api key header, got %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != "2023-06-01" {
			t.Errorf("expected version header, got %q", got)
		}
		var body struct {
			Model    string `json:"model"`
			System   string `json:"system"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(body.Messages) != 1 || body.Messages[0].Content != "helo wrld" {
			t.Errorf("unexpected messages: %+v", body.Messages)
		}
		if body.System == "" {
			t.Errorf("expected system prompt in body")
		}
		fmt.Fprint(w, `{"content":[{"type":"text","text":"Hello world."}]}`)
	}))
	defer ts.Close()

	cfg := ConfigFromEnv()
	cfg.APIKey = "key-1"
	cfg.Endpoint = ts.URL
	adapter, err := NewAdapter(cfg)
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

func TestParseMessage(t *testing.T) {
	t.Parallel()

	if _, err := parseMessage([]byte(`{"content":[]}`)); err == nil {
		t.Fatalf("expected error for empty content")
	}
	if _, err := parseMessage([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for malformed body")
	}
	out, err := parseMessage([]byte(`{"content":[{"type":"tool_use"},{"type":"text","text":"ok"}]}`))
	if err != nil || out != "ok" {
		t.Fatalf("expected first text block, got %q err=%v", out, err)
	}
}

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg := ConfigFromEnv()
	if cfg.Endpoint == "" || cfg.Model == "" || cfg.APIVersion == "" || cfg.MaxTokens <= 0 {
		t.Fatalf("expected defaults populated, got %+v", cfg)
	}
}
