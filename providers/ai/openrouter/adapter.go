package openrouter

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tiger/dictation-pipeline/internal/consumer/contracts"
	"github.com/tiger/dictation-pipeline/providers/common/httpadapter"
)

const ConsumerID = "ai-openrouter"

type Config struct {
	APIKey   string
	Endpoint string
	Model    string
	Prompt   string
	Timeout  time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		APIKey:   os.Getenv("DCTP_AI_OPENROUTER_API_KEY"),
		Endpoint: defaultString(os.Getenv("DCTP_AI_OPENROUTER_ENDPOINT"), "https://openrouter.ai/api/v1/chat/completions"),
		Model:    defaultString(os.Getenv("DCTP_AI_OPENROUTER_MODEL"), "openai/gpt-4o-mini"),
		Prompt:   defaultString(os.Getenv("DCTP_AI_OPENROUTER_PROMPT"), "Rewrite the following dictated text with corrected grammar and punctuation. Reply with the rewritten text only."),
		Timeout:  10 * time.Second,
	}
}

func NewAdapter(cfg Config) (contracts.Adapter, error) {
	return httpadapter.New(httpadapter.Config{
		ConsumerID:   ConsumerID,
		Kind:         contracts.KindAI,
		Endpoint:     cfg.Endpoint,
		APIKey:       cfg.APIKey,
		APIKeyHeader: "Authorization",
		APIKeyPrefix: "Bearer ",
		Timeout:      cfg.Timeout,
		BuildBody: func(req contracts.Request) any {
			return map[string]any{
				"model": cfg.Model,
				"messages": []map[string]any{
					{"role": "system", "content": cfg.Prompt},
					{"role": "user", "content": req.Text},
				},
			}
		},
		ParseOutput: parseChatCompletion,
	})
}

func NewAdapterFromEnv() (contracts.Adapter, error) {
	return NewAdapter(ConfigFromEnv())
}

func parseChatCompletion(body []byte) (string, error) {
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func defaultString(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
