package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"pixshift/internal/apperr"
	"pixshift/internal/config"
	"pixshift/internal/metrics"
	"pixshift/internal/retry"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type TransformRequest struct {
	Image    []byte
	MimeType string
	Prompt   string
}

type TransformResult struct {
	Image    []byte
	MimeType string
}

// Transformer is the remote image-generation dependency. Errors are classified as apperr Transient or Terminal.
type Transformer interface {
	Transform(ctx context.Context, req TransformRequest) (*TransformResult, error)
}

type TransformClientConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	SystemPrompt   string
	RequestTimeout time.Duration
	RequestsPerMin int
	Retry          retry.Config
}

// TransformClientConfigFromEnv maps the Transform* settings onto a client config.
func TransformClientConfigFromEnv(cfg *config.Config) TransformClientConfig {
	return TransformClientConfig{
		BaseURL:        cfg.TransformBaseURL,
		APIKey:         cfg.TransformAPIKey,
		Model:          cfg.TransformModel,
		SystemPrompt:   cfg.TransformSystemPrompt,
		RequestTimeout: time.Duration(cfg.TransformRequestTimeoutSec) * time.Second,
		RequestsPerMin: cfg.TransformRequestsPerMin,
		Retry: retry.Config{
			MaxAttempts:  cfg.TransformMaxAttempts,
			InitialDelay: time.Duration(cfg.TransformBackoffInitialMs) * time.Millisecond,
			Multiplier:   cfg.TransformBackoffMultiplier,
			MaxDelay:     time.Duration(cfg.TransformBackoffMaxMs) * time.Millisecond,
		},
	}
}

type TransformClient struct {
	cfg        TransformClientConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

func NewTransformClient(cfg TransformClientConfig, m *metrics.Metrics, logger zerolog.Logger) *TransformClient {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerMin > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMin) / 60)
	}
	return &TransformClient{
		cfg:        cfg,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(limit, 1),
		metrics:    m,
		logger:     logger.With().Str("service", "TransformClient").Logger(),
	}
}

type transformImage struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type transformPayload struct {
	Model        string         `json:"model,omitempty"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Prompt       string         `json:"prompt"`
	Image        transformImage `json:"image"`
}

type transformResponse struct {
	Image *transformImage `json:"image"`
	Error string          `json:"error,omitempty"`
}

// Transform calls the remote service, retrying transient failures with backoff.
func (c *TransformClient) Transform(ctx context.Context, req TransformRequest) (*TransformResult, error) {
	cfg := c.cfg.Retry
	hook := cfg.OnRetry
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		if c.metrics != nil {
			c.metrics.TransformRetries.Inc()
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("Retrying transform request")
		if hook != nil {
			hook(attempt, delay, err)
		}
	}
	return retry.DoValue(ctx, cfg, func(ctx context.Context, _ int) (*TransformResult, error) {
		return c.attempt(ctx, req)
	})
}

func (c *TransformClient) attempt(ctx context.Context, req TransformRequest) (*TransformResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, apperr.Transient("transform_rate_limited", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	body, err := json.Marshal(transformPayload{
		Model:        c.cfg.Model,
		SystemPrompt: c.cfg.SystemPrompt,
		Prompt:       req.Prompt,
		Image:        transformImage{MimeType: req.MimeType, Data: base64.StdEncoding.EncodeToString(req.Image)},
	})
	if err != nil {
		return nil, apperr.Terminal("transform_request_invalid", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/transform", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Terminal("transform_request_invalid", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("transform service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if transientStatus(resp.StatusCode) {
			return nil, apperr.Transient("transform_unavailable", err)
		}
		return nil, apperr.Terminal("transform_rejected", err)
	}

	var out transformResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Transient("transform_timeout", err)
		}
		return nil, apperr.Terminal("transform_bad_response", fmt.Errorf("decode transform response: %w", err))
	}
	if out.Error != "" {
		return nil, apperr.Terminal("transform_rejected", errors.New(out.Error))
	}
	if out.Image == nil || out.Image.Data == "" {
		return nil, apperr.Terminal("transform_no_image", errors.New("transform service returned no image"))
	}
	img, err := base64.StdEncoding.DecodeString(out.Image.Data)
	if err != nil {
		return nil, apperr.Terminal("transform_bad_response", fmt.Errorf("decode transformed image: %w", err))
	}
	if len(img) == 0 {
		return nil, apperr.Terminal("transform_no_image", errors.New("transform service returned an empty image"))
	}
	mime := out.Image.MimeType
	if mime == "" {
		mime = "image/png"
	}
	return &TransformResult{Image: img, MimeType: mime}, nil
}

func transientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// classifyTransportError treats every failure before a response as transient. Caller cancellation
// is returned unclassified.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return apperr.Transient("transform_timeout", err)
	}
	return apperr.Transient("transform_unavailable", err)
}
