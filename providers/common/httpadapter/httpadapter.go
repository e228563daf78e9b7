package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tiger/dictation-pipeline/internal/consumer/contracts"
)

const maxResponseBytes = 1 << 20

// Config configures a generic JSON-over-HTTP consumer adapter.
type Config struct {
	ConsumerID       string
	Kind             contracts.Kind
	Endpoint         string
	Method           string
	APIKey           string
	APIKeyHeader     string
	APIKeyPrefix     string
	QueryAPIKeyParam string
	StaticHeaders    map[string]string
	Timeout          time.Duration
	// BuildBody renders the request payload for one finalized event.
	BuildBody func(req contracts.Request) any
	// ParseOutput extracts produced text from a success response body.
	ParseOutput func(body []byte) (string, error)
}

// Adapter implements contracts.Adapter against a JSON-over-HTTP endpoint.
type Adapter struct {
	cfg    Config
	client *http.Client
}

// New constructs a generic HTTP adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.ConsumerID == "" {
		return nil, fmt.Errorf("consumer_id is required")
	}
	if err := cfg.Kind.Validate(); err != nil {
		return nil, err
	}
	if cfg.BuildBody == nil {
		return nil, fmt.Errorf("build_body is required")
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.StaticHeaders == nil {
		cfg.StaticHeaders = map[string]string{}
	}
	return &Adapter{cfg: cfg, client: &http.Client{}}, nil
}

// ConsumerID returns adapter identity.
func (a *Adapter) ConsumerID() string {
	return a.cfg.ConsumerID
}

// Kind returns the consumer family.
func (a *Adapter) Kind() contracts.Kind {
	return a.cfg.Kind
}

// Invoke executes one attempt and normalizes the outcome.
func (a *Adapter) Invoke(req contracts.Request) (contracts.Outcome, error) {
	if err := req.Validate(); err != nil {
		return contracts.Outcome{}, err
	}
	if a.cfg.Endpoint == "" {
		return contracts.Outcome{Class: contracts.OutcomeBlocked, Reason: "consumer_endpoint_missing"}, nil
	}

	body, err := json.Marshal(a.cfg.BuildBody(req))
	if err != nil {
		return contracts.Outcome{}, err
	}

	endpoint := a.cfg.Endpoint
	if a.cfg.QueryAPIKeyParam != "" && a.cfg.APIKey != "" {
		endpoint, err = withQuery(endpoint, a.cfg.QueryAPIKeyParam, a.cfg.APIKey)
		if err != nil {
			return contracts.Outcome{}, err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, a.cfg.Method, endpoint, bytes.NewReader(body))
	if err != nil {
		return contracts.Outcome{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKeyHeader != "" && a.cfg.APIKey != "" {
		httpReq.Header.Set(a.cfg.APIKeyHeader, a.cfg.APIKeyPrefix+a.cfg.APIKey)
	}
	for key, value := range a.cfg.StaticHeaders {
		httpReq.Header.Set(key, value)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return normalizeNetworkError(err), nil
	}
	defer resp.Body.Close()

	outcome := normalizeStatus(resp.StatusCode, resp.Header.Get("Retry-After"))
	if outcome.Class != contracts.OutcomeSuccess {
		return outcome, nil
	}

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return contracts.Outcome{
			Class:     contracts.OutcomeInfrastructureFailure,
			Retryable: true,
			Reason:    "consumer_response_read_error",
		}, nil
	}
	if a.cfg.ParseOutput != nil {
		output, parseErr := a.cfg.ParseOutput(responseBody)
		if parseErr != nil {
			return contracts.Outcome{
				Class:  contracts.OutcomeBlocked,
				Reason: fmt.Sprintf("consumer_response_malformed: %v", parseErr),
			}, nil
		}
		outcome.Output = output
	}
	return outcome, nil
}

func withQuery(rawEndpoint string, key string, value string) (string, error) {
	u, err := url.Parse(rawEndpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func normalizeNetworkError(err error) contracts.Outcome {
	if errors.Is(err, context.Canceled) {
		return contracts.Outcome{Class: contracts.OutcomeCancelled, Reason: "consumer_cancelled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return contracts.Outcome{Class: contracts.OutcomeTimeout, Retryable: true, Reason: "consumer_timeout"}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return contracts.Outcome{Class: contracts.OutcomeTimeout, Retryable: true, Reason: "consumer_timeout"}
	}
	return contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Retryable: true, Reason: "consumer_transport_error"}
}

func normalizeStatus(status int, retryAfter string) contracts.Outcome {
	switch {
	case status >= 200 && status <= 299:
		return contracts.Outcome{Class: contracts.OutcomeSuccess}
	case status == http.StatusTooManyRequests:
		return contracts.Outcome{
			Class:     contracts.OutcomeOverload,
			Retryable: true,
			Reason:    "consumer_overload",
			BackoffMS: retryAfterToMS(retryAfter),
		}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return contracts.Outcome{Class: contracts.OutcomeTimeout, Retryable: true, Reason: "consumer_timeout"}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return contracts.Outcome{Class: contracts.OutcomeBlocked, Reason: "consumer_auth_or_policy_block"}
	case status >= 400 && status <= 499:
		return contracts.Outcome{Class: contracts.OutcomeBlocked, Reason: "consumer_client_error"}
	default:
		return contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Retryable: true, Reason: "consumer_server_error"}
	}
}

func retryAfterToMS(retryAfter string) int64 {
	if strings.TrimSpace(retryAfter) == "" {
		return 500
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(retryAfter))
	if err != nil || seconds < 1 {
		return 500
	}
	return int64(seconds) * 1000
}

// NormalizeNetworkError maps transport-level errors to normalized outcomes.
func NormalizeNetworkError(err error) contracts.Outcome {
	return normalizeNetworkError(err)
}

// NormalizeStatus maps HTTP status and retry-after headers to normalized outcomes.
func NormalizeStatus(status int, retryAfter string) contracts.Outcome {
	return normalizeStatus(status, retryAfter)
}
