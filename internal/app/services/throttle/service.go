// Package throttle enforces fixed-window usage limits on anonymous tools.
// Windows rotate lazily on the next claim after they elapse; nothing runs in
// the background.
package throttle

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	domain "github.com/roomlift/roomlift/internal/app/domain/throttle"
	"github.com/roomlift/roomlift/internal/app/metrics"
	"github.com/roomlift/roomlift/internal/app/storage"
	"github.com/roomlift/roomlift/pkg/logger"
)

// MinWindow is the shortest window the service accepts. Shorter requests are
// widened to it so a misconfigured tool cannot disable its own limit.
const MinWindow = 60 * time.Second

// Service hands out usage window claims.
type Service struct {
	store  storage.ThrottleStore
	secret []byte
	log    *logger.Logger
	now    func() time.Time
}

// New constructs a throttle service. The secret keys the caller hash so raw
// caller identifiers never reach storage.
func New(store storage.ThrottleStore, secret []byte, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("throttle")
	}
	return &Service{
		store:  store,
		secret: secret,
		log:    log,
		now:    time.Now,
	}
}

// HashCaller derives the storage key for a caller from identifying parts,
// typically the client IP and user agent.
func (s *Service) HashCaller(parts ...string) string {
	key := s.secret
	if len(key) > blake2b.Size {
		key = key[:blake2b.Size]
	}
	h, err := blake2b.New256(key)
	if err != nil {
		// Only reachable with an oversized key, which is clamped above.
		panic(fmt.Sprintf("throttle: blake2b init: %v", err))
	}
	for i, part := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Claim consumes one call from the caller's window for a tool. A denied claim
// does not consume; the decision carries when the window resets.
func (s *Service) Claim(ctx context.Context, tool, callerHash string, limit int, window time.Duration) (domain.Decision, error) {
	tool = strings.TrimSpace(tool)
	if tool == "" {
		return domain.Decision{}, fmt.Errorf("tool is required")
	}
	if callerHash == "" {
		return domain.Decision{}, fmt.Errorf("caller hash is required")
	}
	if limit <= 0 {
		return domain.Decision{}, fmt.Errorf("limit must be positive")
	}
	if window < MinWindow {
		window = MinWindow
	}

	decision, err := s.store.Claim(ctx, tool, callerHash, limit, window, s.now())
	if err != nil {
		return domain.Decision{}, err
	}
	metrics.RecordThrottleClaim(tool, decision.Allowed)
	if !decision.Allowed {
		s.log.WithField("tool", tool).Debug("usage window exhausted")
	}
	return decision, nil
}

// Revert returns a previously claimed call after the tool invocation failed.
// The count floors at zero, so a revert that lands after the window rotated
// can at worst under-count the new window.
func (s *Service) Revert(ctx context.Context, recordID string) error {
	if recordID == "" {
		return fmt.Errorf("record id is required")
	}
	return s.store.Revert(ctx, recordID, s.now())
}
