// Package staging orchestrates generation jobs: debit the credits, call the
// provider under a deadline, persist the result. Any failure after the debit
// is compensated with a refund rather than retried, so a job never bills more
// than once.
package staging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roomlift/roomlift/internal/adapters/genai"
	domain "github.com/roomlift/roomlift/internal/app/domain/staging"
	"github.com/roomlift/roomlift/internal/app/metrics"
	ledgersvc "github.com/roomlift/roomlift/internal/app/services/ledger"
	"github.com/roomlift/roomlift/internal/app/storage"
	"github.com/roomlift/roomlift/pkg/logger"
)

const (
	// CostStageImage is the credit price of staging one photo.
	CostStageImage = 1

	// CostGenerateVideo is the credit price of one walkthrough video.
	CostGenerateVideo = 5

	// providerTimeout bounds a single generation call.
	providerTimeout = 120 * time.Second
)

// Generator produces staged photos and walkthrough videos.
type Generator interface {
	GenerateImage(ctx context.Context, req genai.ImageRequest) (genai.Result, error)
	GenerateVideo(ctx context.Context, req genai.VideoRequest) (genai.Result, error)
}

// BlobStore persists artifacts and issues presigned URLs for browser access.
type BlobStore interface {
	PresignUpload(ctx context.Context, key, contentType string) (string, error)
	PresignDownload(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, contentType string, body io.ReadSeeker) error
}

// Params describes a generation request.
type Params struct {
	SourceKey string
	Style     string
	Seed      int64
}

// Outcome pairs the finished job with the balance the frontend shows next.
type Outcome struct {
	Job     domain.Job
	Balance ledgersvc.BalanceStatus
}

// Upload is a presigned source photo upload slot.
type Upload struct {
	Key string
	URL string
}

// Service runs generation jobs against the ledger, the provider and blob
// storage.
type Service struct {
	ledger *ledgersvc.Service
	jobs   storage.JobStore
	gen    Generator
	blobs  BlobStore
	log    *logger.Logger
	now    func() time.Time
}

// New constructs a staging service.
func New(ledger *ledgersvc.Service, jobs storage.JobStore, gen Generator, blobs BlobStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("staging")
	}
	return &Service{
		ledger: ledger,
		jobs:   jobs,
		gen:    gen,
		blobs:  blobs,
		log:    log,
		now:    time.Now,
	}
}

// PresignSourceUpload reserves an object key for a source photo and returns
// the URL the browser PUTs it to.
func (s *Service) PresignSourceUpload(ctx context.Context, accountID, contentType string) (Upload, error) {
	if accountID == "" {
		return Upload{}, fmt.Errorf("account id is required")
	}
	if contentType == "" {
		contentType = "image/jpeg"
	}
	key := fmt.Sprintf("sources/%s/%s", accountID, uuid.NewString())
	url, err := s.blobs.PresignUpload(ctx, key, contentType)
	if err != nil {
		return Upload{}, err
	}
	return Upload{Key: key, URL: url}, nil
}

// StageImage bills one image staging job and runs it.
func (s *Service) StageImage(ctx context.Context, accountID string, params Params) (Outcome, error) {
	return s.run(ctx, accountID, domain.KindStageImage, CostStageImage, params)
}

// GenerateVideo bills one walkthrough video job and runs it.
func (s *Service) GenerateVideo(ctx context.Context, accountID string, params Params) (Outcome, error) {
	return s.run(ctx, accountID, domain.KindGenerateVideo, CostGenerateVideo, params)
}

// Preview runs a free anonymous tool against a hosted image. No credits are
// billed and no job record is kept; the caller gates it with the throttle
// service.
func (s *Service) Preview(ctx context.Context, tool, imageURL string) (string, error) {
	if imageURL == "" {
		return "", fmt.Errorf("image url is required")
	}

	callCtx, cancel := context.WithTimeout(ctx, providerTimeout)
	defer cancel()

	result, err := s.gen.GenerateImage(callCtx, genai.ImageRequest{
		SourceURL: imageURL,
		Style:     tool,
	})
	if err != nil {
		return "", err
	}

	if len(result.Data) > 0 {
		key := fmt.Sprintf("previews/%s/%s", tool, uuid.NewString())
		if err := s.blobs.Put(ctx, key, result.ContentType, bytes.NewReader(result.Data)); err != nil {
			return "", fmt.Errorf("store preview: %w", err)
		}
		return s.blobs.PresignDownload(ctx, key)
	}
	if result.URL == "" {
		return "", fmt.Errorf("provider returned empty result")
	}
	return result.URL, nil
}

// GetJob returns a single job.
func (s *Service) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return s.jobs.GetJob(ctx, id)
}

// ListJobs returns an account's jobs, newest first.
func (s *Service) ListJobs(ctx context.Context, accountID string, limit, offset int) ([]domain.Job, error) {
	return s.jobs.ListJobs(ctx, accountID, limit, offset)
}

func (s *Service) run(ctx context.Context, accountID string, kind domain.Kind, cost int64, params Params) (Outcome, error) {
	params.SourceKey = strings.TrimSpace(params.SourceKey)
	if params.SourceKey == "" {
		return Outcome{}, fmt.Errorf("source key is required")
	}

	jobID := uuid.NewString()
	start := s.now()

	// The debit happens first. Everything after it either completes the job
	// or refunds.
	deducted, err := s.ledger.Deduct(ctx, accountID, cost, string(kind), jobID)
	if err != nil {
		return Outcome{}, err
	}

	job := domain.Job{
		ID:        jobID,
		AccountID: accountID,
		Kind:      kind,
		Style:     params.Style,
		Seed:      params.Seed,
		SourceKey: params.SourceKey,
		Credits:   cost,
		CreatedAt: start,
	}

	resultKey, resultURL, genErr := s.generate(ctx, accountID, kind, params, jobID)
	job.CompletedAt = s.now()

	if genErr != nil {
		job.Status = domain.StatusFailed
		job.Error = genErr.Error()
		job.Refunded = true

		if _, refundErr := s.ledger.Refund(ctx, accountID, cost, "failed "+string(kind), jobID); refundErr != nil {
			// The usage entry now has no matching refund; reconciliation
			// flags the account until an operator resolves it.
			s.log.WithError(refundErr).
				WithField("account_id", accountID).
				WithField("job_id", jobID).
				Error("refund failed after job failure")
		}
		if _, storeErr := s.jobs.CreateJob(ctx, job); storeErr != nil {
			s.log.WithError(storeErr).WithField("job_id", jobID).Error("persist failed job")
		}
		metrics.RecordJob(string(kind), "failed", job.CompletedAt.Sub(start))
		return Outcome{}, fmt.Errorf("%s: %w", kind, genErr)
	}

	job.Status = domain.StatusSucceeded
	job.ResultKey = resultKey
	job.ResultURL = resultURL

	stored, err := s.jobs.CreateJob(ctx, job)
	if err != nil {
		return Outcome{}, fmt.Errorf("persist job: %w", err)
	}
	metrics.RecordJob(string(kind), "succeeded", job.CompletedAt.Sub(start))
	s.log.WithField("job_id", jobID).
		WithField("kind", string(kind)).
		WithField("account_id", accountID).
		Info("job completed")

	return Outcome{Job: stored, Balance: deducted.Status}, nil
}

// generate calls the provider under its deadline and persists inline output
// to blob storage. A blob persist failure counts as a job failure: the user
// must not pay for a result they cannot fetch.
func (s *Service) generate(ctx context.Context, accountID string, kind domain.Kind, params Params, jobID string) (resultKey, resultURL string, err error) {
	sourceURL, err := s.blobs.PresignDownload(ctx, params.SourceKey)
	if err != nil {
		return "", "", fmt.Errorf("presign source: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, providerTimeout)
	defer cancel()

	var result genai.Result
	switch kind {
	case domain.KindStageImage:
		result, err = s.gen.GenerateImage(callCtx, genai.ImageRequest{
			SourceURL: sourceURL,
			Style:     params.Style,
			Seed:      params.Seed,
		})
	case domain.KindGenerateVideo:
		result, err = s.gen.GenerateVideo(callCtx, genai.VideoRequest{
			SourceURL: sourceURL,
			Style:     params.Style,
			Seed:      params.Seed,
		})
	default:
		return "", "", fmt.Errorf("unknown job kind %q", kind)
	}
	if err != nil {
		return "", "", err
	}

	if len(result.Data) > 0 {
		key := fmt.Sprintf("results/%s/%s", accountID, jobID)
		if err := s.blobs.Put(ctx, key, result.ContentType, bytes.NewReader(result.Data)); err != nil {
			return "", "", fmt.Errorf("store result: %w", err)
		}
		url, err := s.blobs.PresignDownload(ctx, key)
		if err != nil {
			return "", "", fmt.Errorf("presign result: %w", err)
		}
		return key, url, nil
	}

	if result.URL == "" {
		return "", "", fmt.Errorf("provider returned empty result")
	}
	return "", result.URL, nil
}
