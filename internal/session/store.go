package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/FROSTR-ORG/igloo-broker/internal/transport"
)

// Persister is the backing-store contract the Store writes through to.
// Implemented by internal/store's badger-backed KeyedStore.
type Persister interface {
	SaveSession(ctx context.Context, s *Session) error
	DeleteSession(ctx context.Context, cpk string) error
	LoadSessions(ctx context.Context) ([]*Session, error)
}

const persistRetryBudget = 3

// cpkLock is a reference-counted mutex, released from the lock map once no
// goroutine still holds or awaits it (spec §4.5, §5: "per-CPK lock map,
// created on first use, cleared when no waiters remain").
type cpkLock struct {
	mu       sync.Mutex
	waiters  int
}

// Store is the in-memory session registry with fire-and-forget persistence.
// In-memory state is the request-path authority; persistence failures are
// logged, never block the caller.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	locksMu sync.Mutex
	locks   map[string]*cpkLock

	persister Persister
}

// NewStore builds an empty store bound to persister.
func NewStore(persister Persister) *Store {
	return &Store{
		sessions:  make(map[string]*Session),
		locks:     make(map[string]*cpkLock),
		persister: persister,
	}
}

// Load restores persisted rows on process start: normalizes keys,
// deduplicates by most-recent updated_at, and returns the union of known
// relay URLs to seed the Transport's known-relay set.
func (s *Store) Load(ctx context.Context) ([]string, error) {
	rows, err := s.persister.LoadSessions(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byCPK := make(map[string]*Session, len(rows))
	for _, row := range rows {
		cpk, ok := NormalizeCPK(row.CPK)
		if !ok {
			slog.Warn("dropping persisted session with invalid cpk", "cpk", row.CPK)
			continue
		}
		row.CPK = cpk
		if existing, ok := byCPK[cpk]; !ok || row.UpdatedAt.After(existing.UpdatedAt) {
			byCPK[cpk] = row
		}
	}

	var relays []string
	for cpk, row := range byCPK {
		s.sessions[cpk] = row
		relays = transport.UnionRelays(1<<20, relays, row.Relays)
	}
	return relays, nil
}

func (s *Store) lockFor(cpk string) *cpkLock {
	s.locksMu.Lock()
	l, ok := s.locks[cpk]
	if !ok {
		l = &cpkLock{}
		s.locks[cpk] = l
	}
	l.waiters++
	s.locksMu.Unlock()
	return l
}

func (s *Store) releaseLock(cpk string, l *cpkLock) {
	l.mu.Unlock()
	s.locksMu.Lock()
	l.waiters--
	if l.waiters == 0 {
		delete(s.locks, cpk)
	}
	s.locksMu.Unlock()
}

// withLock serializes mutations to one CPK without blocking unrelated CPKs.
func (s *Store) withLock(cpk string, fn func()) {
	l := s.lockFor(cpk)
	l.mu.Lock()
	defer s.releaseLock(cpk, l)
	fn()
}

// Get returns a copy of the session for cpk, if present.
func (s *Store) Get(cpk string) (*Session, bool) {
	cpk, ok := NormalizeCPK(cpk)
	if !ok {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.sessions[cpk]
	if !ok {
		return nil, false
	}
	copied := *row
	return &copied, true
}

// ListActive returns all sessions with status active.
func (s *Store) ListActive() []*Session {
	return s.listByStatus(StatusActive)
}

// ListPending returns all sessions with status pending.
func (s *Store) ListPending() []*Session {
	return s.listByStatus(StatusPending)
}

func (s *Store) listByStatus(status Status) []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, row := range s.sessions {
		if row.Status == status {
			copied := *row
			out = append(out, &copied)
		}
	}
	return out
}

// Upsert inserts or replaces the session for cpk and persists it. Status
// downgrades (active -> pending) are rejected, keeping the monotonicity
// invariant from spec §3.
func (s *Store) Upsert(ctx context.Context, sess *Session) error {
	cpk, ok := NormalizeCPK(sess.CPK)
	if !ok {
		return errInvalidCPK(sess.CPK)
	}
	sess.CPK = cpk

	var toPersist *Session
	s.withLock(cpk, func() {
		existing, exists := s.sessions[cpk]
		if exists && existing.Status == StatusActive && sess.Status == StatusPending {
			sess.Status = StatusActive
		}
		if sess.CreatedAt.IsZero() {
			if exists {
				sess.CreatedAt = existing.CreatedAt
			} else {
				sess.CreatedAt = time.Now()
			}
		}
		sess.UpdatedAt = time.Now()
		copied := *sess
		s.sessions[cpk] = &copied
		toPersist = &copied
	})

	s.persistAsync(ctx, toPersist)
	return nil
}

// UpdatePolicy atomically replaces the policy for cpk and persists it.
func (s *Store) UpdatePolicy(ctx context.Context, cpk string, policy Policy) error {
	cpk, ok := NormalizeCPK(cpk)
	if !ok {
		return errInvalidCPK(cpk)
	}

	var toPersist *Session
	var found bool
	s.withLock(cpk, func() {
		row, ok := s.sessions[cpk]
		if !ok {
			return
		}
		found = true
		row.Policy = policy
		row.UpdatedAt = time.Now()
		copied := *row
		toPersist = &copied
	})
	if !found {
		return errUnknownSession(cpk)
	}

	s.persistAsync(ctx, toPersist)
	return nil
}

// Touch records request activity on cpk without a full policy round-trip.
func (s *Store) Touch(ctx context.Context, cpk, method string, kind *int) error {
	cpk, ok := NormalizeCPK(cpk)
	if !ok {
		return errInvalidCPK(cpk)
	}

	var toPersist *Session
	var found bool
	s.withLock(cpk, func() {
		row, ok := s.sessions[cpk]
		if !ok {
			return
		}
		found = true
		row.Touch(method, kind)
		copied := *row
		toPersist = &copied
	})
	if !found {
		return errUnknownSession(cpk)
	}

	s.persistAsync(ctx, toPersist)
	return nil
}

// Revoke removes cpk from both active and pending sets and persists the
// delete fire-and-forget, like every other write path in this file: the
// in-memory state is the request-path authority, so a persistence failure
// here must not block the caller (spec §4.5 "fire-and-forget persistence").
func (s *Store) Revoke(ctx context.Context, cpk string) error {
	cpk, ok := NormalizeCPK(cpk)
	if !ok {
		return errInvalidCPK(cpk)
	}

	s.withLock(cpk, func() {
		delete(s.sessions, cpk)
	})

	go func() {
		op := func() error {
			return s.persister.DeleteSession(context.Background(), cpk)
		}
		policy := backoff.WithMaxRetries(transport.NewExponentialBackOff(10*time.Second), persistRetryBudget-1)
		if err := backoff.Retry(op, policy); err != nil {
			slog.Error("failed to persist session revoke", "cpk", cpk, "error", err)
		}
	}()
	_ = ctx
	return nil
}

func (s *Store) persistAsync(ctx context.Context, sess *Session) {
	if sess == nil {
		return
	}
	go func() {
		op := func() error {
			return s.persister.SaveSession(context.Background(), sess)
		}
		policy := backoff.WithMaxRetries(transport.NewExponentialBackOff(10*time.Second), persistRetryBudget-1)
		if err := backoff.Retry(op, policy); err != nil {
			slog.Error("failed to persist session", "cpk", sess.CPK, "error", err)
		}
	}()
	_ = ctx
}

type sessionError struct{ msg string }

func (e *sessionError) Error() string { return e.msg }

func errInvalidCPK(cpk string) error {
	return &sessionError{"invalid client pubkey: " + cpk}
}

func errUnknownSession(cpk string) error {
	return &sessionError{"unknown session: " + cpk}
}
