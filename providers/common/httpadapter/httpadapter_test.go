package httpadapter

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tiger/dictation-pipeline/internal/consumer/contracts"
)

func testRequest() contracts.Request {
	return contracts.Request{
		RequestID:   "2608280001",
		EventID:     "evt-1",
		SequenceNo:  1,
		Text:        "hello world",
		Language:    "en",
		Attempt:     1,
		WallClockMS: 1,
	}
}

func TestInvokeMapsHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		expected  contracts.OutcomeClass
		retryable bool
	}{
		{name: "timeout", status: http.StatusRequestTimeout, expected: contracts.OutcomeTimeout, retryable: true},
		{name: "overload", status: http.StatusTooManyRequests, expected: contracts.OutcomeOverload, retryable: true},
		{name: "blocked", status: http.StatusUnauthorized, expected: contracts.OutcomeBlocked, retryable: false},
		{name: "client error", status: http.StatusBadRequest, expected: contracts.OutcomeBlocked, retryable: false},
		{name: "infra", status: http.StatusBadGateway, expected: contracts.OutcomeInfrastructureFailure, retryable: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer ts.Close()

			adapter, err := New(Config{
				ConsumerID: "consumer-a",
				Kind:       contracts.KindAI,
				Endpoint:   ts.URL,
				BuildBody: func(req contracts.Request) any {
					return map[string]any{"text": req.Text}
				},
			})
			if err != nil {
				t.Fatalf("unexpected adapter error: %v", err)
			}
			outcome, err := adapter.Invoke(testRequest())
			if err != nil {
				t.Fatalf("unexpected invoke error: %v", err)
			}
			if outcome.Class != tc.expected {
				t.Fatalf("expected %s, got %s", tc.expected, outcome.Class)
			}
			if outcome.Retryable != tc.retryable {
				t.Fatalf("expected retryable=%v, got %v", tc.retryable, outcome.Retryable)
			}
		})
	}
}

func TestInvokeParsesOutput(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		fmt.Fprintf(w, `{"result":%q}`, "echo: "+body.Text)
	}))
	defer ts.Close()

	adapter, err := New(Config{
		ConsumerID: "consumer-a",
		Kind:       contracts.KindTranslation,
		Endpoint:   ts.URL,
		BuildBody: func(req contracts.Request) any {
			return map[string]any{"text": req.Text}
		},
		ParseOutput: func(body []byte) (string, error) {
			var parsed struct {
				Result string `json:"result"`
			}
			if err := json.Unmarshal(body, &parsed); err != nil {
				return "", err
			}
			return parsed.Result, nil
		},
	})
	if err != nil {
		t.Fatalf("unexpected adapter error: %v", err)
	}
	outcome, err := adapter.Invoke(testRequest())
	if err != nil {
		t.Fatalf("unexpected invoke error: %v", err)
	}
	if outcome.Class != contracts.OutcomeSuccess || outcome.Output != "echo: hello world" {
		t.Fatalf("expected parsed output, got %+v", outcome)
	}
}

func TestInvokeMalformedResponseIsBlocked(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not json")
	}))
	defer ts.Close()

	adapter, err := New(Config{
		ConsumerID: "consumer-a",
		Kind:       contracts.KindAI,
		Endpoint:   ts.URL,
		BuildBody:  func(req contracts.Request) any { return map[string]any{} },
		ParseOutput: func(body []byte) (string, error) {
			var parsed map[string]any
			return "", json.Unmarshal(body, &parsed)
		},
	})
	if err != nil {
		t.Fatalf("unexpected adapter error: %v", err)
	}
	outcome, err := adapter.Invoke(testRequest())
	if err != nil {
		t.Fatalf("unexpected invoke error: %v", err)
	}
	if outcome.Class != contracts.OutcomeBlocked {
		t.Fatalf("expected blocked outcome for malformed response, got %+v", outcome)
	}
}

func TestInvokeMissingEndpointIsBlocked(t *testing.T) {
	t.Parallel()

	adapter, err := New(Config{
		ConsumerID: "consumer-a",
		Kind:       contracts.KindTTS,
		BuildBody:  func(req contracts.Request) any { return map[string]any{} },
	})
	if err != nil {
		t.Fatalf("unexpected adapter error: %v", err)
	}
	outcome, err := adapter.Invoke(testRequest())
	if err != nil {
		t.Fatalf("unexpected invoke error: %v", err)
	}
	if outcome.Class != contracts.OutcomeBlocked {
		t.Fatalf("expected blocked outcome, got %+v", outcome)
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Kind: contracts.KindAI, BuildBody: func(contracts.Request) any { return nil }}); err == nil {
		t.Fatalf("expected consumer_id requirement")
	}
	if _, err := New(Config{ConsumerID: "a", Kind: "bogus", BuildBody: func(contracts.Request) any { return nil }}); err == nil {
		t.Fatalf("expected kind validation error")
	}
	if _, err := New(Config{ConsumerID: "a", Kind: contracts.KindAI}); err == nil {
		t.Fatalf("expected build_body requirement")
	}
}
