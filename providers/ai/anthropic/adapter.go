package anthropic

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tiger/dictation-pipeline/internal/consumer/contracts"
	"github.com/tiger/dictation-pipeline/providers/common/httpadapter"
)

const ConsumerID = "ai-anthropic"

type Config struct {
	APIKey     string
	Endpoint   string
	Model      string
	Prompt     string
	APIVersion string
	MaxTokens  int
	Timeout    time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		APIKey:     os.Getenv("DCTP_AI_ANTHROPIC_API_KEY"),
		Endpoint:   defaultString(os.Getenv("DCTP_AI_ANTHROPIC_ENDPOINT"), "https://api.anthropic.com/v1/messages"),
		Model:      defaultString(os.Getenv("DCTP_AI_ANTHROPIC_MODEL"), "claude-3-5-haiku-latest"),
		Prompt:     defaultString(os.Getenv("DCTP_AI_ANTHROPIC_PROMPT"), "Rewrite the following dictated text with corrected grammar and punctuation. Reply with the rewritten text only."),
		APIVersion: defaultString(os.Getenv("DCTP_AI_ANTHROPIC_VERSION"), "2023-06-01"),
		MaxTokens:  1024,
		Timeout:    10 * time.Second,
	}
}

func NewAdapter(cfg Config) (contracts.Adapter, error) {
	return httpadapter.New(httpadapter.Config{
		ConsumerID:    ConsumerID,
		Kind:          contracts.KindAI,
		Endpoint:      cfg.Endpoint,
		APIKey:        cfg.APIKey,
		APIKeyHeader:  "x-api-key",
		Timeout:       cfg.Timeout,
		StaticHeaders: map[string]string{"anthropic-version": cfg.APIVersion},
		BuildBody: func(req contracts.Request) any {
			return map[string]any{
				"model":      cfg.Model,
				"max_tokens": cfg.MaxTokens,
				"system":     cfg.Prompt,
				"messages": []map[string]any{
					{"role": "user", "content": req.Text},
				},
			}
		},
		ParseOutput: parseMessage,
	})
}

func NewAdapterFromEnv() (contracts.Adapter, error) {
	return NewAdapter(ConfigFromEnv())
}

func parseMessage(body []byte) (string, error) {
	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", err
	}
	for _, block := range parsed.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("response has no text content")
}

func defaultString(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
