package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/roomlift/roomlift/internal/adapters/genai"
	"github.com/roomlift/roomlift/internal/adapters/payment"
	app "github.com/roomlift/roomlift/internal/app"
	"github.com/roomlift/roomlift/internal/middleware"
)

type fakeGenerator struct {
	err   error
	calls int
}

func (g *fakeGenerator) GenerateImage(ctx context.Context, req genai.ImageRequest) (genai.Result, error) {
	g.calls++
	if g.err != nil {
		return genai.Result{}, g.err
	}
	return genai.Result{URL: "https://cdn.example.com/out.png", ContentType: "image/png"}, nil
}

func (g *fakeGenerator) GenerateVideo(ctx context.Context, req genai.VideoRequest) (genai.Result, error) {
	g.calls++
	if g.err != nil {
		return genai.Result{}, g.err
	}
	return genai.Result{URL: "https://cdn.example.com/out.mp4", ContentType: "video/mp4"}, nil
}

type fakeBlobs struct{}

func (fakeBlobs) PresignUpload(ctx context.Context, key, contentType string) (string, error) {
	return "https://blob.example.com/put/" + key, nil
}

func (fakeBlobs) PresignDownload(ctx context.Context, key string) (string, error) {
	return "https://blob.example.com/get/" + key, nil
}

func (fakeBlobs) Put(ctx context.Context, key, contentType string, body io.ReadSeeker) error {
	return nil
}

type fakeProvider struct{}

func (fakeProvider) CreateCheckoutSession(ctx context.Context, params payment.CheckoutParams) (payment.Session, error) {
	return payment.Session{ID: "cs_1", URL: "https://checkout.example.com/cs_1"}, nil
}

func (fakeProvider) CreatePortalSession(ctx context.Context, customerRef, returnURL string) (payment.Session, error) {
	return payment.Session{ID: "ps_1", URL: "https://portal.example.com/ps_1"}, nil
}

func (fakeProvider) VerifyWebhook(payload []byte, sigHeader string, now time.Time) error {
	if sigHeader != "valid" {
		return context.DeadlineExceeded
	}
	return nil
}

func newTestServer(t *testing.T) (http.Handler, *fakeGenerator) {
	t.Helper()
	gen := &fakeGenerator{}
	application, err := app.New(app.Stores{}, app.Options{
		Generator:       gen,
		Blobs:           fakeBlobs{},
		PaymentProvider: fakeProvider{},
		ThrottleSecret:  []byte("test-secret"),
	}, nil)
	if err != nil {
		t.Fatalf("build application: %v", err)
	}
	return NewHandler(application, nil, nil), gen
}

func doJSON(t *testing.T, h http.Handler, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "203.0.113.9:4096"
	if userID != "" {
		req = req.WithContext(middleware.WithUserID(req.Context(), userID))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doJSON(t, h, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCreditsCreatesAccountWithTrialBonus(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodGet, "/v1/credits", "user-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Credits      int64 `json:"credits"`
		IsLowBalance bool  `json:"is_low_balance"`
	}
	decode(t, rec, &resp)
	if resp.Credits != 10 {
		t.Fatalf("expected trial bonus of 10, got %d", resp.Credits)
	}
	if resp.IsLowBalance {
		t.Fatal("trial balance should not be low")
	}
}

func TestCreditsRequiresAuth(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doJSON(t, h, http.MethodGet, "/v1/credits", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestStageImageFlow(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/staging/images", "user-1",
		`{"source_key":"sources/a/photo","style":"modern"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Job struct {
			Status    string `json:"status"`
			ResultURL string `json:"result_url"`
		} `json:"job"`
		Balance struct {
			Credits int64 `json:"credits"`
		} `json:"balance"`
	}
	decode(t, rec, &resp)
	if resp.Job.Status != "succeeded" {
		t.Fatalf("unexpected job status %q", resp.Job.Status)
	}
	if resp.Balance.Credits != 9 {
		t.Fatalf("expected balance 9 after 1-credit job, got %d", resp.Balance.Credits)
	}

	// The job shows up in the listing.
	rec = doJSON(t, h, http.MethodGet, "/v1/staging/jobs", "user-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var jobs []struct {
		ID string `json:"id"`
	}
	decode(t, rec, &jobs)
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}

	// And is fetchable by ID, but not by another user.
	rec = doJSON(t, h, http.MethodGet, "/v1/staging/jobs/"+jobs[0].ID, "user-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/v1/staging/jobs/"+jobs[0].ID, "user-2", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign job, got %d", rec.Code)
	}
}

func TestStageImageInsufficientCredits(t *testing.T) {
	h, _ := newTestServer(t)

	// Two videos at 5 credits each exhaust the 10-credit trial balance.
	for i := 0; i < 2; i++ {
		rec := doJSON(t, h, http.MethodPost, "/v1/staging/videos", "user-1",
			`{"source_key":"sources/a/photo"}`)
		if rec.Code != http.StatusCreated {
			t.Fatalf("video %d: expected 201, got %d: %s", i, rec.Code, rec.Body.String())
		}
	}

	rec := doJSON(t, h, http.MethodPost, "/v1/staging/videos", "user-1",
		`{"source_key":"sources/a/photo"}`)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Required  int64 `json:"required"`
		Available int64 `json:"available"`
	}
	decode(t, rec, &resp)
	if resp.Required != 5 || resp.Available != 0 {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestStageImageProviderFailureRefunds(t *testing.T) {
	h, gen := newTestServer(t)
	gen.err = &genai.ProviderError{StatusCode: http.StatusServiceUnavailable, Message: "overloaded"}

	rec := doJSON(t, h, http.MethodPost, "/v1/staging/images", "user-1",
		`{"source_key":"sources/a/photo"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", rec.Code, rec.Body.String())
	}

	gen.err = nil
	rec = doJSON(t, h, http.MethodGet, "/v1/credits", "user-1", "")
	var resp struct {
		Credits int64 `json:"credits"`
	}
	decode(t, rec, &resp)
	if resp.Credits != 10 {
		t.Fatalf("failed job must be refunded, balance %d", resp.Credits)
	}
}

func TestPresignUpload(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/staging/uploads", "user-1",
		`{"content_type":"image/png"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	decode(t, rec, &resp)
	if resp["key"] == "" || resp["url"] == "" {
		t.Fatalf("expected key and url: %v", resp)
	}
}

func TestBillingCheckoutAndWebhook(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/billing/checkout", "user-1", `{"pack":"starter"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	// Find the account id to build the webhook payload.
	rec = doJSON(t, h, http.MethodGet, "/v1/credits", "user-1", "")
	var status struct {
		AccountID string `json:"account_id"`
	}
	decode(t, rec, &status)

	payload := `{"type":"checkout.session.completed","data":{"object":{` +
		`"customer":"cus_1","metadata":{"account_id":"` + status.AccountID + `"},` +
		`"line_items":{"data":[{"price":{"id":"price_starter"}}]}}}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/billing/webhook", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", "valid")
	wrec := httptest.NewRecorder()
	h.ServeHTTP(wrec, req)
	if wrec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", wrec.Code, wrec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/credits", "user-1", "")
	var after struct {
		Credits int64 `json:"credits"`
	}
	decode(t, rec, &after)
	if after.Credits != 30 {
		t.Fatalf("expected 10+20 credits after purchase, got %d", after.Credits)
	}
}

func TestBillingErrorStatuses(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/billing/checkout", "user-1", `{"pack":"mega"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown pack: expected 400, got %d: %s", rec.Code, rec.Body.String())
	}

	// No checkout has completed yet, so the portal has no customer to open.
	rec = doJSON(t, h, http.MethodPost, "/v1/billing/portal", "user-1", `{"return_url":"https://app.example.com"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("portal without customer: expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookBadSignature(t *testing.T) {
	h, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/billing/webhook", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", "bogus")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestToolGatedByThrottle(t *testing.T) {
	h, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		rec := doJSON(t, h, http.MethodPost, "/v1/tools/declutter", "",
			`{"image_url":"https://cdn.example.com/in.jpg"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("call %d: expected 200, got %d: %s", i, rec.Code, rec.Body.String())
		}
	}

	rec := doJSON(t, h, http.MethodPost, "/v1/tools/declutter", "",
		`{"image_url":"https://cdn.example.com/in.jpg"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestToolFailureRevertsClaim(t *testing.T) {
	h, gen := newTestServer(t)

	// Exhaust two of three calls, then fail one. The failed call must not
	// consume the last slot.
	for i := 0; i < 2; i++ {
		rec := doJSON(t, h, http.MethodPost, "/v1/tools/declutter", "",
			`{"image_url":"https://cdn.example.com/in.jpg"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("call %d: expected 200, got %d", i, rec.Code)
		}
	}

	gen.err = &genai.ProviderError{StatusCode: http.StatusServiceUnavailable, Message: "down"}
	rec := doJSON(t, h, http.MethodPost, "/v1/tools/declutter", "",
		`{"image_url":"https://cdn.example.com/in.jpg"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}

	gen.err = nil
	rec = doJSON(t, h, http.MethodPost, "/v1/tools/declutter", "",
		`{"image_url":"https://cdn.example.com/in.jpg"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("reverted slot should be claimable, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestToolUnknown(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/v1/tools/nonsense", "", `{"image_url":"x"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
