package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePersister struct {
	mu     sync.Mutex
	saved  map[string]*Session
	loaded []*Session
}

func newFakePersister(loaded ...*Session) *fakePersister {
	return &fakePersister{saved: make(map[string]*Session), loaded: loaded}
}

func (f *fakePersister) SaveSession(_ context.Context, s *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *s
	f.saved[s.CPK] = &copied
	return nil
}

func (f *fakePersister) DeleteSession(_ context.Context, cpk string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.saved, cpk)
	return nil
}

func (f *fakePersister) LoadSessions(_ context.Context) ([]*Session, error) {
	return f.loaded, nil
}

const cpk1 = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestStoreUpsertThenGet(t *testing.T) {
	store := NewStore(newFakePersister())
	ctx := context.Background()

	err := store.Upsert(ctx, &Session{CPK: cpk1, Status: StatusPending, Policy: NewPolicy()})
	require.NoError(t, err)

	got, ok := store.Get(cpk1)
	require.True(t, ok)
	assert.Equal(t, StatusPending, got.Status)
}

func TestStoreUpsertRejectsActiveToPendingDowngrade(t *testing.T) {
	store := NewStore(newFakePersister())
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &Session{CPK: cpk1, Status: StatusActive, Policy: NewPolicy()}))
	require.NoError(t, store.Upsert(ctx, &Session{CPK: cpk1, Status: StatusPending, Policy: NewPolicy()}))

	got, ok := store.Get(cpk1)
	require.True(t, ok)
	assert.Equal(t, StatusActive, got.Status, "active must never downgrade to pending")
}

func TestStoreUpsertRejectsInvalidCPK(t *testing.T) {
	store := NewStore(newFakePersister())
	err := store.Upsert(context.Background(), &Session{CPK: "not-hex", Status: StatusPending})
	assert.Error(t, err)
}

func TestStoreListActiveAndPending(t *testing.T) {
	store := NewStore(newFakePersister())
	ctx := context.Background()

	const cpk2 = "fedcba9876543210fedcba9876543210fedcba9876543210fedcba9876543210"
	require.NoError(t, store.Upsert(ctx, &Session{CPK: cpk1, Status: StatusActive, Policy: NewPolicy()}))
	require.NoError(t, store.Upsert(ctx, &Session{CPK: cpk2, Status: StatusPending, Policy: NewPolicy()}))

	assert.Len(t, store.ListActive(), 1)
	assert.Len(t, store.ListPending(), 1)
}

func TestStoreUpdatePolicyUnknownSessionFails(t *testing.T) {
	store := NewStore(newFakePersister())
	err := store.UpdatePolicy(context.Background(), cpk1, NewPolicy())
	assert.Error(t, err)
}

func TestStoreUpdatePolicyAppliesToKnownSession(t *testing.T) {
	store := NewStore(newFakePersister())
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, &Session{CPK: cpk1, Status: StatusPending, Policy: NewPolicy()}))

	policy := NewPolicy()
	policy.Methods["ping"] = true
	require.NoError(t, store.UpdatePolicy(ctx, cpk1, policy))

	got, _ := store.Get(cpk1)
	assert.True(t, got.Policy.Methods["ping"])
}

func TestStoreTouchUnknownSessionFails(t *testing.T) {
	store := NewStore(newFakePersister())
	err := store.Touch(context.Background(), cpk1, "ping", nil)
	assert.Error(t, err)
}

func TestStoreRevokeHardDeletes(t *testing.T) {
	persister := newFakePersister()
	store := NewStore(persister)
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, &Session{CPK: cpk1, Status: StatusActive, Policy: NewPolicy()}))

	require.NoError(t, store.Revoke(ctx, cpk1))

	_, ok := store.Get(cpk1)
	assert.False(t, ok)

	assert.Eventually(t, func() bool {
		persister.mu.Lock()
		defer persister.mu.Unlock()
		_, stillSaved := persister.saved[cpk1]
		return !stillSaved
	}, time.Second, 10*time.Millisecond, "revoke must also delete from the persistence layer")
}

func TestStoreLoadDedupesByMostRecentUpdatedAt(t *testing.T) {
	older := &Session{CPK: cpk1, Status: StatusPending, UpdatedAt: time.Now().Add(-time.Hour), Relays: []string{"wss://old"}}
	newer := &Session{CPK: cpk1, Status: StatusActive, UpdatedAt: time.Now(), Relays: []string{"wss://new"}}

	persister := newFakePersister(older, newer)
	store := NewStore(persister)

	relays, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Contains(t, relays, "wss://new")

	got, ok := store.Get(cpk1)
	require.True(t, ok)
	assert.Equal(t, StatusActive, got.Status)
}

func TestStoreLoadDropsInvalidCPKRows(t *testing.T) {
	persister := newFakePersister(&Session{CPK: "not-hex", Status: StatusPending})
	store := NewStore(persister)

	_, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, store.ListPending())
}
