package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Aman-CERP/imgsift/internal/errors"
)

// Ollama captioner defaults.
const (
	DefaultOllamaHost    = "http://localhost:11434"
	DefaultCaptionModel  = "llava:7b"
	DefaultCaptionPrompt = "Describe this image in one sentence."
)

// OllamaConfig configures the Ollama captioner.
type OllamaConfig struct {
	Host    string
	Model   string
	Prompt  string
	Timeout time.Duration
	Retry   errors.RetryConfig
}

// OllamaCaptioner captions images with a vision model served by Ollama.
type OllamaCaptioner struct {
	cfg    OllamaConfig
	client *http.Client
	logger *slog.Logger
}

var _ Captioner = (*OllamaCaptioner)(nil)

// NewOllamaCaptioner creates a captioner.
func NewOllamaCaptioner(cfg OllamaConfig, logger *slog.Logger) *OllamaCaptioner {
	if cfg.Host == "" {
		cfg.Host = DefaultOllamaHost
	}
	cfg.Host = strings.TrimRight(cfg.Host, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultCaptionModel
	}
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultCaptionPrompt
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRequestTimeout
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialDelay == 0 {
		cfg.Retry = errors.DefaultRetryConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaCaptioner{
		cfg:    cfg,
		client: &http.Client{},
		logger: logger,
	}
}

type ollamaGenerateRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images"`
	Stream bool     `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Caption returns a one-sentence description of img.
func (o *OllamaCaptioner) Caption(ctx context.Context, img image.Image) (string, error) {
	encoded, err := EncodeJPEG(img)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(ollamaGenerateRequest{
		Model:  o.cfg.Model,
		Prompt: o.cfg.Prompt,
		Images: []string{encoded},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	return errors.RetryWithResult(ctx, o.cfg.Retry, func() (string, error) {
		return o.generate(ctx, payload)
	})
}

func (o *OllamaCaptioner) generate(ctx context.Context, payload []byte) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, o.cfg.Host+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return "", errors.New(errors.ErrCodeModelTimeout, "ollama caption timed out", err)
		}
		return "", errors.New(errors.ErrCodeModelUnavailable, "failed to connect to Ollama", err).
			WithSuggestion("Start Ollama or set models.caption_backend: none")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		text := fmt.Sprintf("ollama returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 500 {
			return "", errors.New(errors.ErrCodeModelUnavailable, text, nil)
		}
		return "", errors.New(errors.ErrCodeModelLoad, text, nil).WithDetail("model", o.cfg.Model)
	}

	var out ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return strings.TrimSpace(out.Response), nil
}
