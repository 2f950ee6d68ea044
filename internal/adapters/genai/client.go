// Package genai calls the image generation provider that produces staged
// room photos and walkthrough videos. Calls are made once per job with no
// retry: the caller refunds on failure, and a retried call could double-bill
// the provider side.
package genai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/roomlift/roomlift/pkg/logger"
)

// Config configures the provider client.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// ImageRequest asks the provider to stage a room photo in a furniture style.
type ImageRequest struct {
	SourceURL string
	Style     string
	Seed      int64
}

// VideoRequest asks the provider to render a walkthrough video from a staged
// photo.
type VideoRequest struct {
	SourceURL string
	Style     string
	Seed      int64
}

// Result is the generated artifact. Either Data holds the bytes or URL points
// at provider-hosted output.
type Result struct {
	Data        []byte
	URL         string
	ContentType string
}

// ProviderError reports a failure response from the provider.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Message)
}

// Client calls the generation provider's REST API.
type Client struct {
	httpClient *http.Client
	cfg        Config
	log        *logger.Logger
}

// New creates a provider client.
func New(cfg Config, log *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 3 * time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		cfg:        cfg,
		log:        log,
	}
}

// GenerateImage produces a staged version of the source photo.
func (c *Client) GenerateImage(ctx context.Context, req ImageRequest) (Result, error) {
	return c.generate(ctx, "/v1/images/generations", map[string]interface{}{
		"model":     c.cfg.Model,
		"image_url": req.SourceURL,
		"style":     req.Style,
		"seed":      req.Seed,
		"modality":  "image",
	})
}

// GenerateVideo produces a walkthrough video from a staged photo.
func (c *Client) GenerateVideo(ctx context.Context, req VideoRequest) (Result, error) {
	return c.generate(ctx, "/v1/videos/generations", map[string]interface{}{
		"model":     c.cfg.Model,
		"image_url": req.SourceURL,
		"style":     req.Style,
		"seed":      req.Seed,
		"modality":  "video",
	})
}

func (c *Client) generate(ctx context.Context, path string, payload map[string]interface{}) (Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path,
		strings.NewReader(string(body)))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read provider response: %w", err)
	}

	if resp.StatusCode >= 400 {
		msg := gjson.GetBytes(raw, "error.message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return Result{}, &ProviderError{StatusCode: resp.StatusCode, Message: msg}
	}

	c.log.WithField("path", path).
		WithField("elapsed", time.Since(start).String()).
		Debug("generation completed")

	return parseResult(raw)
}

// parseResult accepts either a hosted URL or inline base64 output.
func parseResult(raw []byte) (Result, error) {
	output := gjson.GetBytes(raw, "output")
	if !output.Exists() {
		return Result{}, &ProviderError{StatusCode: http.StatusOK, Message: "response missing output"}
	}

	contentType := output.Get("content_type").String()

	if u := output.Get("url").String(); u != "" {
		return Result{URL: u, ContentType: contentType}, nil
	}

	if b64 := output.Get("b64").String(); b64 != "" {
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return Result{}, fmt.Errorf("decode output: %w", err)
		}
		return Result{Data: data, ContentType: contentType}, nil
	}

	return Result{}, &ProviderError{StatusCode: http.StatusOK, Message: "response output has neither url nor b64"}
}
