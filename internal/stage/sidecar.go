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

	"golang.org/x/time/rate"

	"github.com/Aman-CERP/imgsift/internal/errors"
	"github.com/Aman-CERP/imgsift/internal/media"
)

// Sidecar defaults.
const (
	DefaultSidecarURL       = "http://localhost:8500"
	DefaultDetectConfidence = 0.25
	DefaultRequestTimeout   = 2 * time.Minute
	DefaultRequestsPerSec   = 10.0

	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 4096
)

// SidecarConfig configures the model sidecar client.
type SidecarConfig struct {
	URL               string
	DetectModel       string
	DetectConfidence  float64
	EmbeddingModel    string
	Dimensions        int
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	Retry             errors.RetryConfig
}

// SidecarClient talks to the model sidecar: a local HTTP service that
// hosts the detection, OCR, captioning and embedding models. One client
// implements every stage interface.
type SidecarClient struct {
	cfg     SidecarConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *errors.CircuitBreaker
	logger  *slog.Logger
}

var (
	_ Detector      = (*SidecarClient)(nil)
	_ Captioner     = (*SidecarClient)(nil)
	_ TextExtractor = (*SidecarClient)(nil)
	_ ImageEmbedder = (*SidecarClient)(nil)
	_ TextEmbedder  = (*SidecarClient)(nil)
)

// NewSidecarClient creates a client. It does not contact the sidecar;
// call Health for that.
func NewSidecarClient(cfg SidecarConfig, logger *slog.Logger) *SidecarClient {
	if cfg.URL == "" {
		cfg.URL = DefaultSidecarURL
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.DetectConfidence <= 0 {
		cfg.DetectConfidence = DefaultDetectConfidence
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSec
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 768
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialDelay == 0 {
		cfg.Retry = errors.DefaultRetryConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	// No client-level timeout: each request gets its own context deadline.
	return &SidecarClient{
		cfg:     cfg,
		client:  &http.Client{Transport: &http.Transport{MaxIdleConnsPerHost: 4, IdleConnTimeout: 30 * time.Second}},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		breaker: errors.NewCircuitBreaker("sidecar"),
		logger:  logger,
	}
}

// Dimensions returns the embedding width.
func (c *SidecarClient) Dimensions() int { return c.cfg.Dimensions }

// ModelName returns the embedding model name.
func (c *SidecarClient) ModelName() string { return c.cfg.EmbeddingModel }

// Health checks that the sidecar is up.
func (c *SidecarClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+"/v1/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.ModelError("model sidecar is not reachable", err).
			WithDetail("url", c.cfg.URL).
			WithSuggestion("Start the model sidecar or set models.backend: static")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.ModelError(fmt.Sprintf("model sidecar unhealthy: status %d", resp.StatusCode), nil)
	}
	return nil
}

type detectRequest struct {
	Image      string  `json:"image"`
	Model      string  `json:"model,omitempty"`
	Confidence float64 `json:"confidence"`
}

type detectResponse struct {
	Detections []media.Detection `json:"detections"`
}

// Detect returns detections above the configured confidence.
func (c *SidecarClient) Detect(ctx context.Context, img image.Image) ([]media.Detection, error) {
	encoded, err := EncodeJPEG(img)
	if err != nil {
		return nil, err
	}
	var out detectResponse
	req := detectRequest{Image: encoded, Model: c.cfg.DetectModel, Confidence: c.cfg.DetectConfidence}
	if err := c.call(ctx, "/v1/detect", req, &out); err != nil {
		return nil, err
	}
	if out.Detections == nil {
		return []media.Detection{}, nil
	}
	return out.Detections, nil
}

type imageRequest struct {
	Image string `json:"image"`
	Model string `json:"model,omitempty"`
}

// ExtractText runs OCR.
func (c *SidecarClient) ExtractText(ctx context.Context, img image.Image) (media.OCRResult, error) {
	encoded, err := EncodeJPEG(img)
	if err != nil {
		return media.OCRResult{}, err
	}
	var out media.OCRResult
	if err := c.call(ctx, "/v1/ocr", imageRequest{Image: encoded}, &out); err != nil {
		return media.OCRResult{}, err
	}
	if out.Blocks == nil {
		out.Blocks = []media.TextBlock{}
	}
	return out, nil
}

type captionResponse struct {
	Caption string `json:"caption"`
}

// Caption asks the sidecar's captioning model.
func (c *SidecarClient) Caption(ctx context.Context, img image.Image) (string, error) {
	encoded, err := EncodeJPEG(img)
	if err != nil {
		return "", err
	}
	var out captionResponse
	if err := c.call(ctx, "/v1/caption", imageRequest{Image: encoded}, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Caption), nil
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// EmbedImage embeds an image.
func (c *SidecarClient) EmbedImage(ctx context.Context, img image.Image) ([]float32, error) {
	encoded, err := EncodeJPEG(img)
	if err != nil {
		return nil, err
	}
	var out embedResponse
	if err := c.call(ctx, "/v1/embed/image", imageRequest{Image: encoded, Model: c.cfg.EmbeddingModel}, &out); err != nil {
		return nil, err
	}
	return c.checkEmbedding(out.Embedding)
}

type textRequest struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

// EmbedText embeds text. The empty string is a valid input.
func (c *SidecarClient) EmbedText(ctx context.Context, text string) ([]float32, error) {
	var out embedResponse
	if err := c.call(ctx, "/v1/embed/text", textRequest{Text: text, Model: c.cfg.EmbeddingModel}, &out); err != nil {
		return nil, err
	}
	return c.checkEmbedding(out.Embedding)
}

func (c *SidecarClient) checkEmbedding(v []float32) ([]float32, error) {
	if err := media.CheckDimension(v, c.cfg.Dimensions); err != nil {
		return nil, errors.New(errors.ErrCodeDimensionMismatch, "sidecar returned wrong embedding size", err)
	}
	return v, nil
}

// call posts body to path and decodes the JSON response into out, with rate
// limiting, retries on transient failures, and a circuit breaker.
func (c *SidecarClient) call(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	return errors.Retry(ctx, c.cfg.Retry, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		return c.breaker.Execute(func() error {
			return c.post(ctx, path, payload, out)
		})
	})
}

func (c *SidecarClient) post(ctx context.Context, path string, payload []byte, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.URL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return errors.New(errors.ErrCodeModelTimeout, "model sidecar timed out", err).WithDetail("path", path)
		}
		return errors.New(errors.ErrCodeModelUnavailable, "model sidecar request failed", err).WithDetail("path", path)
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug("sidecar_call", slog.String("path", path), slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)))

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		text := fmt.Sprintf("model sidecar returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return errors.New(errors.ErrCodeModelUnavailable, text, nil).WithDetail("path", path)
		}
		return errors.New(errors.ErrCodeInvalidInput, text, nil).WithDetail("path", path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.New(errors.ErrCodeInternal, "failed to decode sidecar response", err).WithDetail("path", path)
	}
	return nil
}
