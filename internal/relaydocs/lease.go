package relaydocs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaydocs/internal/logging"
)

const DefaultUpdateLeaseTTL = 2 * time.Minute

// Lease is an exclusive, expiring claim on Key. Only the holder of Token may
// release it.
type Lease struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

var (
	ErrLeaseHeld = errors.New("lease held by another owner")
	ErrLeaseLost = errors.New("lease expired or taken over")
)

// LeaseStore hands out leases. Acquire fails fast with ErrLeaseHeld while an
// unexpired lease exists; Release fails with ErrLeaseLost when the token no
// longer matches.
type LeaseStore interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
	Release(ctx context.Context, lease Lease) error
}

type LeaseMetrics interface {
	ObserveLease(outcome string)
}

func newLeaseToken() string {
	return uuid.NewString()
}

type memoryLeaseEntry struct {
	token     string
	expiresAt time.Time
}

type MemoryLeaseStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryLeaseEntry
}

func NewMemoryLeaseStore() *MemoryLeaseStore {
	return &MemoryLeaseStore{
		now:     time.Now,
		entries: map[string]memoryLeaseEntry{},
	}
}

func (s *MemoryLeaseStore) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		ttl = DefaultUpdateLeaseTTL
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
		}
	}
	if _, held := s.entries[key]; held {
		return Lease{}, ErrLeaseHeld
	}
	lease := Lease{Key: key, Token: newLeaseToken(), ExpiresAt: now.Add(ttl)}
	s.entries[key] = memoryLeaseEntry{token: lease.Token, expiresAt: lease.ExpiresAt}
	return lease, nil
}

func (s *MemoryLeaseStore) Release(ctx context.Context, lease Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[lease.Key]
	if !ok || e.token != lease.Token || !s.now().Before(e.expiresAt) {
		return ErrLeaseLost
	}
	delete(s.entries, lease.Key)
	return nil
}

// UpdateGuard serializes version mutations per file id through a LeaseStore.
type UpdateGuard struct {
	leases  LeaseStore
	ttl     time.Duration
	logger  logging.Logger
	metrics LeaseMetrics
}

func NewUpdateGuard(leases LeaseStore, ttl time.Duration, logger logging.Logger, metrics LeaseMetrics) *UpdateGuard {
	if leases == nil {
		leases = NewMemoryLeaseStore()
	}
	if ttl <= 0 {
		ttl = DefaultUpdateLeaseTTL
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &UpdateGuard{leases: leases, ttl: ttl, logger: logger, metrics: metrics}
}

func updateLeaseKey(fileID string) string {
	return "filesUpdateList/" + fileID
}

// Do runs fn while holding the update lease of fileID. A concurrent holder
// makes Do return a ConflictError immediately. The lease is released on
// every return path, including panics in fn.
func (g *UpdateGuard) Do(ctx context.Context, fileID string, fn func(ctx context.Context) error) (err error) {
	lease, err := g.leases.Acquire(ctx, updateLeaseKey(fileID), g.ttl)
	if err != nil {
		if errors.Is(err, ErrLeaseHeld) {
			g.observe("conflict")
			g.logger.Warn(ctx, "update lease held", "fileId", fileID)
			return &ConflictError{FileID: fileID, Reason: ConflictUpdateInProgress}
		}
		return fmt.Errorf("acquire update lease: %w", err)
	}
	g.observe("acquired")
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if relErr := g.leases.Release(releaseCtx, lease); relErr != nil {
			g.observe("lost")
			g.logger.Warn(ctx, "update lease release failed", "fileId", fileID, "error", relErr)
			return
		}
		g.observe("released")
	}()
	return fn(ctx)
}

func (g *UpdateGuard) observe(outcome string) {
	if g.metrics != nil {
		g.metrics.ObserveLease(outcome)
	}
}
