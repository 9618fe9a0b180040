package announce

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultVoice = "pf_dora"
	DefaultSpeed = 1.0
	minSpeed     = 0.25
	maxSpeed     = 4.0
)

var validVoices = map[string]bool{"pf_dora": true, "pm_alex": true, "pm_santa": true}

type Provider interface {
	Speak(ctx context.Context, a Announcement, text string) error
}

type ProviderConfig struct {
	Kind     string
	URL      string
	Voice    string
	Speed    float64
	CacheDir string
}

// NewProvider picks a provider by kind. A speech provider without a URL
// falls back to logging.
func NewProvider(cfg ProviderConfig, logger *zap.Logger) Provider {
	switch strings.ToLower(cfg.Kind) {
	case "noop":
		return noopProvider{}
	case "speech", "kokoro":
		if cfg.URL == "" {
			return logProvider{logger: logger}
		}
		return NewSpeechProvider(cfg)
	case "", "log":
		if cfg.URL != "" {
			return NewSpeechProvider(cfg)
		}
		return logProvider{logger: logger}
	default:
		if strings.HasPrefix(cfg.Kind, "http://") || strings.HasPrefix(cfg.Kind, "https://") {
			cfg.URL = cfg.Kind
			return NewSpeechProvider(cfg)
		}
		return logProvider{logger: logger}
	}
}

type logProvider struct {
	logger *zap.Logger
}

func (p logProvider) Speak(ctx context.Context, a Announcement, text string) error {
	p.logger.Info("announce", zap.String("tenant", a.TenantID), zap.String("ticket_code", a.TicketCode), zap.String("text", text))
	return nil
}

type noopProvider struct{}

func (noopProvider) Speak(context.Context, Announcement, string) error {
	return nil
}

// SpeechProvider asks an OpenAI-compatible speech endpoint for an mp3 of
// the announcement and writes it to CacheDir, named by the announcement
// hash. The service does not serve that directory; displays that play
// audio need it exposed by a separate static file server.
type SpeechProvider struct {
	url      string
	voice    string
	speed    float64
	cacheDir string
	client   *http.Client
}

func NewSpeechProvider(cfg ProviderConfig) *SpeechProvider {
	return &SpeechProvider{
		url:      cfg.URL,
		voice:    NormalizeVoice(cfg.Voice),
		speed:    ClampSpeed(cfg.Speed),
		cacheDir: cfg.CacheDir,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

type speechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed"`
}

func (p *SpeechProvider) Speak(ctx context.Context, a Announcement, text string) error {
	cacheFile := ""
	if p.cacheDir != "" {
		cacheFile = filepath.Join(p.cacheDir, CacheKey(text, p.voice, p.speed)+".mp3")
		if _, err := os.Stat(cacheFile); err == nil {
			return nil
		}
	}

	body, err := json.Marshal(speechRequest{
		Model:          "kokoro",
		Input:          text,
		Voice:          p.voice,
		ResponseFormat: "mp3",
		Speed:          p.speed,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("speech provider rejected request: %s", resp.Status)
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if cacheFile == "" {
		return nil
	}
	if err := os.MkdirAll(p.cacheDir, 0o755); err != nil {
		return err
	}
	tmp := cacheFile + ".tmp"
	if err := os.WriteFile(tmp, audio, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, cacheFile)
}

// CacheKey names the cached audio for a sentence spoken with voice and speed.
func CacheKey(text, voice string, speed float64) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s|%s|%.2f", text, voice, speed)))
	return hex.EncodeToString(sum[:])
}

func NormalizeVoice(voice string) string {
	voice = strings.TrimSpace(voice)
	if validVoices[voice] {
		return voice
	}
	return DefaultVoice
}

func ClampSpeed(speed float64) float64 {
	if speed == 0 {
		return DefaultSpeed
	}
	if speed < minSpeed {
		return minSpeed
	}
	if speed > maxSpeed {
		return maxSpeed
	}
	return speed
}
