package deepl

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tiger/dictation-pipeline/internal/consumer/contracts"
	"github.com/tiger/dictation-pipeline/providers/common/httpadapter"
)

const ConsumerID = "translate-deepl"

type Config struct {
	APIKey         string
	Endpoint       string
	TargetLanguage string
	Timeout        time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		APIKey:         os.Getenv("DCTP_TRANSLATE_DEEPL_API_KEY"),
		Endpoint:       defaultString(os.Getenv("DCTP_TRANSLATE_DEEPL_ENDPOINT"), "https://api-free.deepl.com/v2/translate"),
		TargetLanguage: defaultString(os.Getenv("DCTP_TRANSLATE_DEEPL_TARGET_LANG"), "EN"),
		Timeout:        10 * time.Second,
	}
}

func NewAdapter(cfg Config) (contracts.Adapter, error) {
	return httpadapter.New(httpadapter.Config{
		ConsumerID:   ConsumerID,
		Kind:         contracts.KindTranslation,
		Endpoint:     cfg.Endpoint,
		APIKey:       cfg.APIKey,
		APIKeyHeader: "Authorization",
		APIKeyPrefix: "DeepL-Auth-Key ",
		Timeout:      cfg.Timeout,
		BuildBody: func(req contracts.Request) any {
			body := map[string]any{
				"text":        []string{req.Text},
				"target_lang": strings.ToUpper(cfg.TargetLanguage),
			}
			if req.Language != "" {
				// DeepL source languages are bare codes, no region.
				body["source_lang"] = strings.ToUpper(strings.SplitN(req.Language, "-", 2)[0])
			}
			return body
		},
		ParseOutput: parseTranslation,
	})
}

func NewAdapterFromEnv() (contracts.Adapter, error) {
	return NewAdapter(ConfigFromEnv())
}

func parseTranslation(body []byte) (string, error) {
	var parsed struct {
		Translations []struct {
			Text string `json:"text"`
		} `json:"translations"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Translations) == 0 {
		return "", fmt.Errorf("response has no translations")
	}
	return parsed.Translations[0].Text, nil
}

func defaultString(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
