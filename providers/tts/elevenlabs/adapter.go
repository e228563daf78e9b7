package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tiger/dictation-pipeline/internal/consumer/contracts"
	"github.com/tiger/dictation-pipeline/providers/common/httpadapter"
)

const ConsumerID = "tts-elevenlabs"

const maxAudioBytes = 8 << 20

type Config struct {
	APIKey   string
	Endpoint string
	VoiceID  string
	ModelID  string
	Timeout  time.Duration
}

// Adapter synthesizes finalized text through the ElevenLabs HTTP API. The
// response body is raw audio rather than JSON, so it does not go through
// the generic JSON adapter.
type Adapter struct {
	cfg    Config
	client *http.Client
}

func ConfigFromEnv() Config {
	voiceID := defaultString(os.Getenv("DCTP_TTS_ELEVENLABS_VOICE"), "EXAVITQu4vr4xnSDxMaL")
	return Config{
		APIKey:   os.Getenv("DCTP_TTS_ELEVENLABS_API_KEY"),
		Endpoint: defaultString(os.Getenv("DCTP_TTS_ELEVENLABS_ENDPOINT"), "https://api.elevenlabs.io/v1/text-to-speech/"+voiceID),
		VoiceID:  voiceID,
		ModelID:  defaultString(os.Getenv("DCTP_TTS_ELEVENLABS_MODEL"), "eleven_multilingual_v2"),
		Timeout:  15 * time.Second,
	}
}

func NewAdapter(cfg Config) (contracts.Adapter, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Adapter{cfg: cfg, client: &http.Client{}}, nil
}

func NewAdapterFromEnv() (contracts.Adapter, error) {
	return NewAdapter(ConfigFromEnv())
}

func (a *Adapter) ConsumerID() string {
	return ConsumerID
}

func (a *Adapter) Kind() contracts.Kind {
	return contracts.KindTTS
}

// Invoke synthesizes the finalized text of one event into MP3 audio.
func (a *Adapter) Invoke(req contracts.Request) (contracts.Outcome, error) {
	if err := req.Validate(); err != nil {
		return contracts.Outcome{}, err
	}
	if a.cfg.Endpoint == "" {
		return contracts.Outcome{Class: contracts.OutcomeBlocked, Reason: "consumer_endpoint_missing"}, nil
	}

	body, err := json.Marshal(map[string]any{
		"model_id": a.cfg.ModelID,
		"text":     req.Text,
	})
	if err != nil {
		return contracts.Outcome{}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return contracts.Outcome{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")
	if a.cfg.APIKey != "" {
		httpReq.Header.Set("xi-api-key", a.cfg.APIKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return httpadapter.NormalizeNetworkError(err), nil
	}
	defer resp.Body.Close()

	outcome := httpadapter.NormalizeStatus(resp.StatusCode, resp.Header.Get("Retry-After"))
	if outcome.Class != contracts.OutcomeSuccess {
		return outcome, nil
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Retryable: true, Reason: "consumer_audio_read_error"}, nil
	}
	if len(audio) == 0 {
		return contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Retryable: true, Reason: "consumer_empty_audio"}, nil
	}
	return contracts.Outcome{Class: contracts.OutcomeSuccess, Audio: audio, AudioMIME: audioMIME(resp.Header.Get("Content-Type"))}, nil
}

func audioMIME(contentType string) string {
	mime := strings.TrimSpace(strings.Split(contentType, ";")[0])
	if mime == "" {
		return "audio/mpeg"
	}
	return mime
}

func defaultString(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
