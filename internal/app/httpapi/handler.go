// Package httpapi exposes the application services over REST.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/roomlift/roomlift/internal/adapters/genai"
	app "github.com/roomlift/roomlift/internal/app"
	ledgerdomain "github.com/roomlift/roomlift/internal/app/domain/ledger"
	stagingdomain "github.com/roomlift/roomlift/internal/app/domain/staging"
	billingsvc "github.com/roomlift/roomlift/internal/app/services/billing"
	stagingsvc "github.com/roomlift/roomlift/internal/app/services/staging"
	"github.com/roomlift/roomlift/internal/middleware"
	"github.com/roomlift/roomlift/pkg/logger"
)

// ToolLimit is the per-caller usage budget for one anonymous tool.
type ToolLimit struct {
	Limit  int
	Window time.Duration
}

// DefaultToolLimits gates the free tools at a few calls per day.
var DefaultToolLimits = map[string]ToolLimit{
	"declutter":  {Limit: 3, Window: 24 * time.Hour},
	"wall-color": {Limit: 3, Window: 24 * time.Hour},
}

// handler bundles the HTTP endpoints for the application services.
type handler struct {
	app        *app.Application
	toolLimits map[string]ToolLimit
	log        *logger.Logger
}

// NewHandler returns a router exposing the REST API.
func NewHandler(application *app.Application, toolLimits map[string]ToolLimit, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	if toolLimits == nil {
		toolLimits = DefaultToolLimits
	}
	h := &handler{app: application, toolLimits: toolLimits, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/credits", h.credits).Methods(http.MethodGet)
	api.HandleFunc("/credits/history", h.creditHistory).Methods(http.MethodGet)
	api.HandleFunc("/staging/uploads", h.presignUpload).Methods(http.MethodPost)
	api.HandleFunc("/staging/images", h.stageImage).Methods(http.MethodPost)
	api.HandleFunc("/staging/videos", h.generateVideo).Methods(http.MethodPost)
	api.HandleFunc("/staging/jobs", h.listJobs).Methods(http.MethodGet)
	api.HandleFunc("/staging/jobs/{id}", h.getJob).Methods(http.MethodGet)
	api.HandleFunc("/billing/checkout", h.checkout).Methods(http.MethodPost)
	api.HandleFunc("/billing/portal", h.portal).Methods(http.MethodPost)
	api.HandleFunc("/billing/webhook", h.webhook).Methods(http.MethodPost)
	api.HandleFunc("/tools/{tool}", h.runTool).Methods(http.MethodPost)
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// account resolves the caller's credit account, creating it with the trial
// bonus on first contact.
func (h *handler) account(w http.ResponseWriter, r *http.Request) (ledgerdomain.Account, bool) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("authentication required"))
		return ledgerdomain.Account{}, false
	}
	acct, err := h.app.Ledger.EnsureAccount(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err)
		return ledgerdomain.Account{}, false
	}
	return acct, true
}

type balanceResponse struct {
	AccountID    string `json:"account_id"`
	Credits      int64  `json:"credits"`
	Plan         string `json:"plan"`
	IsLowBalance bool   `json:"is_low_balance"`
	IsZero       bool   `json:"is_zero"`
}

func (h *handler) credits(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	status, err := h.app.Ledger.Status(r.Context(), acct.ID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		AccountID:    status.AccountID,
		Credits:      status.Credits,
		Plan:         string(status.Plan),
		IsLowBalance: status.IsLowBalance,
		IsZero:       status.IsZero,
	})
}

type transactionResponse struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Amount      int64     `json:"amount"`
	Description string    `json:"description"`
	JobID       string    `json:"job_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (h *handler) creditHistory(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	limit, offset := pagination(r)
	txs, err := h.app.Ledger.History(r.Context(), acct.ID, limit, offset)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	out := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, transactionResponse{
			ID:          tx.ID,
			Type:        string(tx.Type),
			Amount:      tx.Amount,
			Description: tx.Description,
			JobID:       tx.JobID,
			CreatedAt:   tx.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) presignUpload(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	var payload struct {
		ContentType string `json:"content_type"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	upload, err := h.app.Staging.PresignSourceUpload(r.Context(), acct.ID, payload.ContentType)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"key": upload.Key,
		"url": upload.URL,
	})
}

type jobRequest struct {
	SourceKey string `json:"source_key"`
	Style     string `json:"style"`
	Seed      int64  `json:"seed"`
}

type jobResponse struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Style       string    `json:"style,omitempty"`
	Status      string    `json:"status"`
	ResultURL   string    `json:"result_url,omitempty"`
	Credits     int64     `json:"credits"`
	Refunded    bool      `json:"refunded"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

type jobResult struct {
	Job     jobResponse     `json:"job"`
	Balance balanceResponse `json:"balance"`
}

func jobToResponse(job stagingdomain.Job) jobResponse {
	return jobResponse{
		ID:          job.ID,
		Kind:        string(job.Kind),
		Style:       job.Style,
		Status:      string(job.Status),
		ResultURL:   job.ResultURL,
		Credits:     job.Credits,
		Refunded:    job.Refunded,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}
}

func (h *handler) stageImage(w http.ResponseWriter, r *http.Request) {
	h.runJob(w, r, h.app.Staging.StageImage)
}

func (h *handler) generateVideo(w http.ResponseWriter, r *http.Request) {
	h.runJob(w, r, h.app.Staging.GenerateVideo)
}

func (h *handler) runJob(w http.ResponseWriter, r *http.Request, run func(ctx context.Context, accountID string, params stagingsvc.Params) (stagingsvc.Outcome, error)) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	var payload jobRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.SourceKey == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("source_key is required"))
		return
	}

	outcome, err := run(r.Context(), acct.ID, stagingsvc.Params{
		SourceKey: payload.SourceKey,
		Style:     payload.Style,
		Seed:      payload.Seed,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, jobResult{
		Job: jobToResponse(outcome.Job),
		Balance: balanceResponse{
			AccountID:    outcome.Balance.AccountID,
			Credits:      outcome.Balance.Credits,
			Plan:         string(outcome.Balance.Plan),
			IsLowBalance: outcome.Balance.IsLowBalance,
			IsZero:       outcome.Balance.IsZero,
		},
	})
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	job, err := h.app.Staging.GetJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("job not found"))
		return
	}
	if job.AccountID != acct.ID {
		writeError(w, http.StatusNotFound, fmt.Errorf("job not found"))
		return
	}
	writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	limit, offset := pagination(r)
	jobs, err := h.app.Staging.ListJobs(r.Context(), acct.ID, limit, offset)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, jobToResponse(job))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) checkout(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	var payload struct {
		Pack string `json:"pack"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	session, err := h.app.Billing.Checkout(r.Context(), acct.ID, payload.Pack)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": session.ID, "url": session.URL})
}

func (h *handler) portal(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	var payload struct {
		ReturnURL string `json:"return_url"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	session, err := h.app.Billing.Portal(r.Context(), acct.ID, payload.ReturnURL)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": session.ID, "url": session.URL})
}

func (h *handler) webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read payload: %w", err))
		return
	}
	if err := h.app.Billing.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		h.log.WithError(err).Warn("webhook rejected")
		writeError(w, http.StatusBadRequest, fmt.Errorf("webhook rejected"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// runTool gates a free anonymous tool behind the usage throttle. A provider
// failure gives the claimed call back.
func (h *handler) runTool(w http.ResponseWriter, r *http.Request) {
	tool := mux.Vars(r)["tool"]
	limit, ok := h.toolLimits[tool]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown tool %q", tool))
		return
	}

	var payload struct {
		ImageURL string `json:"image_url"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	caller := h.app.Throttle.HashCaller(middleware.ClientIP(r), r.UserAgent())
	decision, err := h.app.Throttle.Claim(r.Context(), tool, caller, limit.Limit, limit.Window)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if !decision.Allowed {
		retryAfter := int(time.Until(decision.WindowEndsAt).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":          "usage limit reached",
			"window_ends_at": decision.WindowEndsAt,
		})
		return
	}

	resultURL, err := h.app.Staging.Preview(r.Context(), tool, payload.ImageURL)
	if err != nil {
		if revertErr := h.app.Throttle.Revert(r.Context(), decision.RecordID); revertErr != nil {
			h.log.WithError(revertErr).WithField("tool", tool).Warn("revert failed")
		}
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"result_url": resultURL,
		"remaining":  decision.Remaining,
	})
}

// writeServiceError maps domain errors onto HTTP statuses.
func (h *handler) writeServiceError(w http.ResponseWriter, err error) {
	var insufficient *ledgerdomain.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"error":     "insufficient credits",
			"required":  insufficient.Required,
			"available": insufficient.Available,
		})
		return
	}
	var provErr *genai.ProviderError
	if errors.As(err, &provErr) || errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusBadGateway, fmt.Errorf("generation failed, credits were not charged; please retry later"))
		return
	}
	switch {
	case errors.Is(err, ledgerdomain.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, ledgerdomain.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, billingsvc.ErrUnknownPack):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, billingsvc.ErrNoBillingCustomer):
		writeError(w, http.StatusConflict, err)
	default:
		h.log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, fmt.Errorf("internal error"))
	}
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 200 {
			limit = v
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}
	return limit, offset
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
