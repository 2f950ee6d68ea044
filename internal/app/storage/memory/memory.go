package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/roomlift/roomlift/internal/app/domain/ledger"
	"github.com/roomlift/roomlift/internal/app/domain/staging"
	"github.com/roomlift/roomlift/internal/app/domain/throttle"
	"github.com/roomlift/roomlift/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local
// development. A single mutex guards all state, which trivially satisfies the
// per-account serialization requirement at the cost of cross-account
// contention; the durable stores avoid that cost.
type Store struct {
	mu             sync.RWMutex
	nextID         int64
	accounts       map[string]ledger.Account
	accountsByUser map[string]string
	transactions   map[string][]ledger.Transaction
	windows        map[string]throttle.WindowRecord
	windowsByKey   map[string]string // tool+"\x00"+callerHash -> record id
	jobs           map[string]staging.Job
}

var _ storage.LedgerStore = (*Store)(nil)
var _ storage.ThrottleStore = (*Store)(nil)
var _ storage.JobStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:         1,
		accounts:       make(map[string]ledger.Account),
		accountsByUser: make(map[string]string),
		transactions:   make(map[string][]ledger.Transaction),
		windows:        make(map[string]throttle.WindowRecord),
		windowsByKey:   make(map[string]string),
		jobs:           make(map[string]staging.Job),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

func windowKey(tool, callerHash string) string {
	return tool + "\x00" + callerHash
}

// LedgerStore implementation --------------------------------------------------

func (s *Store) CreateAccount(_ context.Context, acct ledger.Account) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct.ID == "" {
		acct.ID = s.nextIDLocked()
	} else if _, exists := s.accounts[acct.ID]; exists {
		return ledger.Account{}, fmt.Errorf("account %s already exists", acct.ID)
	}
	if acct.UserID != "" {
		if existing, exists := s.accountsByUser[acct.UserID]; exists {
			return ledger.Account{}, fmt.Errorf("user %s already owns account %s", acct.UserID, existing)
		}
	}
	if acct.Plan == "" {
		acct.Plan = ledger.PlanTrial
	}

	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now

	s.accounts[acct.ID] = acct
	if acct.UserID != "" {
		s.accountsByUser[acct.UserID] = acct.ID
	}
	return acct, nil
}

func (s *Store) GetAccount(_ context.Context, id string) (ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.ErrNotFound
	}
	return acct, nil
}

func (s *Store) GetAccountByUser(_ context.Context, userID string) (ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.accountsByUser[userID]
	if !ok {
		return ledger.Account{}, ledger.ErrNotFound
	}
	return s.accounts[id], nil
}

func (s *Store) UpdateAccountBilling(_ context.Context, id string, plan ledger.Plan, customerRef string) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.ErrNotFound
	}
	if plan != "" {
		acct.Plan = plan
	}
	if customerRef != "" {
		acct.CustomerRef = customerRef
	}
	acct.UpdatedAt = time.Now().UTC()
	s.accounts[id] = acct
	return acct, nil
}

func (s *Store) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ledger.Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		result = append(result, acct)
	}
	return result, nil
}

func (s *Store) ApplyTransaction(_ context.Context, tx ledger.Transaction) (ledger.Account, ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[tx.AccountID]
	if !ok {
		return ledger.Account{}, ledger.Transaction{}, ledger.ErrNotFound
	}
	if !tx.Type.Valid() {
		return ledger.Account{}, ledger.Transaction{}, fmt.Errorf("unknown transaction type %q", tx.Type)
	}

	newBalance := acct.Credits + tx.Amount
	if newBalance < 0 {
		return ledger.Account{}, ledger.Transaction{}, &ledger.InsufficientCreditsError{
			Required:  -tx.Amount,
			Available: acct.Credits,
		}
	}

	if tx.ID == "" {
		tx.ID = s.nextIDLocked()
	}
	tx.CreatedAt = time.Now().UTC()

	acct.Credits = newBalance
	acct.UpdatedAt = tx.CreatedAt

	s.accounts[acct.ID] = acct
	s.transactions[acct.ID] = append(s.transactions[acct.ID], tx)
	return acct, tx, nil
}

func (s *Store) ListTransactions(_ context.Context, accountID string, limit, offset int) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.transactions[accountID]
	// Newest first.
	result := make([]ledger.Transaction, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		result = append(result, entries[i])
	}
	if offset > len(result) {
		offset = len(result)
	}
	result = result[offset:]
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) SumTransactions(_ context.Context, accountID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	for _, tx := range s.transactions[accountID] {
		sum += tx.Amount
	}
	return sum, nil
}

// ThrottleStore implementation ------------------------------------------------

func (s *Store) Claim(_ context.Context, tool, callerHash string, limit int, window time.Duration, now time.Time) (throttle.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := windowKey(tool, callerHash)
	id, ok := s.windowsByKey[key]
	if !ok {
		rec := throttle.WindowRecord{
			ID:              s.nextIDLocked(),
			Tool:            tool,
			CallerHash:      callerHash,
			Count:           1,
			WindowStartedAt: now,
			LastUsedAt:      now,
		}
		s.windows[rec.ID] = rec
		s.windowsByKey[key] = rec.ID
		return throttle.Decision{
			Allowed:      true,
			RecordID:     rec.ID,
			Remaining:    maxInt(0, limit-1),
			WindowEndsAt: now.Add(window),
		}, nil
	}

	rec := s.windows[id]
	if !now.Before(rec.WindowStartedAt.Add(window)) {
		rec.Count = 0
		rec.WindowStartedAt = now
	}

	if rec.Count >= limit {
		// Rejected attempts are not counted, but a rotation still persists.
		s.windows[id] = rec
		return throttle.Decision{
			Allowed:      false,
			RecordID:     rec.ID,
			Remaining:    0,
			WindowEndsAt: rec.WindowStartedAt.Add(window),
		}, nil
	}

	rec.Count++
	rec.LastUsedAt = now
	s.windows[id] = rec
	return throttle.Decision{
		Allowed:      true,
		RecordID:     rec.ID,
		Remaining:    maxInt(0, limit-rec.Count),
		WindowEndsAt: rec.WindowStartedAt.Add(window),
	}, nil
}

func (s *Store) Revert(_ context.Context, recordID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.windows[recordID]
	if !ok {
		return fmt.Errorf("usage window %s not found", recordID)
	}
	if rec.Count > 0 {
		rec.Count--
	}
	rec.LastUsedAt = now
	s.windows[recordID] = rec
	return nil
}

// JobStore implementation -----------------------------------------------------

func (s *Store) CreateJob(_ context.Context, job staging.Job) (staging.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = s.nextIDLocked()
	} else if _, exists := s.jobs[job.ID]; exists {
		return staging.Job{}, fmt.Errorf("job %s already exists", job.ID)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	s.jobs[job.ID] = job
	return job, nil
}

func (s *Store) GetJob(_ context.Context, id string) (staging.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return staging.Job{}, fmt.Errorf("job %s not found", id)
	}
	return job, nil
}

func (s *Store) ListJobs(_ context.Context, accountID string, limit, offset int) ([]staging.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]staging.Job, 0)
	for _, job := range s.jobs {
		if accountID == "" || job.AccountID == accountID {
			result = append(result, job)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if offset > len(result) {
		offset = len(result)
	}
	result = result[offset:]
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
