// Package payment talks to the Stripe-compatible billing provider. It creates
// checkout and customer portal sessions and verifies incoming webhook
// signatures.
package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/roomlift/roomlift/internal/retry"
	"github.com/roomlift/roomlift/pkg/logger"
)

const defaultBaseURL = "https://api.stripe.com"

// webhookTolerance bounds how old a signed webhook timestamp may be.
const webhookTolerance = 5 * time.Minute

// Config configures the billing provider client.
type Config struct {
	APIKey        string
	WebhookSecret string
	BaseURL       string
	Timeout       time.Duration
}

// Session is a hosted checkout or portal session the browser is redirected to.
type Session struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CheckoutParams describes a credit purchase to start a checkout for.
type CheckoutParams struct {
	CustomerRef string
	PriceRef    string
	Quantity    int64
	SuccessURL  string
	CancelURL   string
	AccountID   string
}

// Client calls the provider's REST API with bounded retries.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	apiKey        string
	webhookSecret string
	retry         retry.Policy
	log           *logger.Logger
}

// New creates a billing provider client.
func New(cfg Config, log *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		httpClient:    &http.Client{Timeout: timeout},
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        cfg.APIKey,
		webhookSecret: cfg.WebhookSecret,
		retry:         retry.DefaultPolicy,
		log:           log,
	}
}

// CreateCheckoutSession starts a hosted checkout for a credit pack purchase.
func (c *Client) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (Session, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", params.SuccessURL)
	form.Set("cancel_url", params.CancelURL)
	form.Set("line_items[0][price]", params.PriceRef)
	form.Set("line_items[0][quantity]", strconv.FormatInt(params.Quantity, 10))
	form.Set("metadata[account_id]", params.AccountID)
	if params.CustomerRef != "" {
		form.Set("customer", params.CustomerRef)
	}

	var session Session
	if err := c.postForm(ctx, "/v1/checkout/sessions", form, &session); err != nil {
		return Session{}, fmt.Errorf("create checkout session: %w", err)
	}
	return session, nil
}

// CreatePortalSession opens the provider's customer portal for self-service
// billing management.
func (c *Client) CreatePortalSession(ctx context.Context, customerRef, returnURL string) (Session, error) {
	form := url.Values{}
	form.Set("customer", customerRef)
	form.Set("return_url", returnURL)

	var session Session
	if err := c.postForm(ctx, "/v1/billing_portal/sessions", form, &session); err != nil {
		return Session{}, fmt.Errorf("create portal session: %w", err)
	}
	return session, nil
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, target interface{}) error {
	return c.retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path,
			strings.NewReader(form.Encode()))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("read response body: %w", err)
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("provider returned status %d: %s", resp.StatusCode,
				strings.TrimSpace(string(body)))
		}
		if target != nil {
			if err := json.Unmarshal(body, target); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	})
}

// VerifyWebhook checks the provider's signature header against the raw
// payload. The header carries a timestamp and one or more HMAC signatures in
// the form "t=<unix>,v1=<hex>".
func (c *Client) VerifyWebhook(payload []byte, sigHeader string, now time.Time) error {
	var timestamp string
	var signatures []string
	for _, part := range strings.Split(sigHeader, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return fmt.Errorf("malformed signature header")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed signature timestamp")
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > webhookTolerance || age < -webhookTolerance {
		return fmt.Errorf("signature timestamp outside tolerance")
	}

	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, sig := range signatures {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return nil
		}
	}
	return fmt.Errorf("signature mismatch")
}
