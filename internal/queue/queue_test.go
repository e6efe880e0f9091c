package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueAndGet(t *testing.T) {
	q := New(time.Minute, 10, nil, nil, nil)
	req := q.Enqueue("ping", nil, "cpk1", "")
	got, ok := q.Get(req.ID)
	require.True(t, ok)
	assert.Equal(t, StatusPending, got.Status)
}

func TestEnforceBoundDeniesOldestPendingForSession(t *testing.T) {
	var overflowed *Request
	q := New(time.Minute, 2, func(r *Request) { overflowed = r }, nil, nil)

	first := q.Enqueue("ping", nil, "cpk1", "")
	q.Enqueue("ping", nil, "cpk1", "")
	q.Enqueue("ping", nil, "cpk1", "")

	require.NotNil(t, overflowed)
	assert.Equal(t, first.ID, overflowed.ID)
	assert.Equal(t, "queue overflow", overflowed.DeniedReason)

	got, _ := q.Get(first.ID)
	assert.Equal(t, StatusDenied, got.Status)
}

func TestEnforceBoundIsPerSession(t *testing.T) {
	q := New(time.Minute, 1, func(r *Request) { t.Fatal("should not overflow across sessions") }, nil, nil)
	q.Enqueue("ping", nil, "cpk1", "")
	q.Enqueue("ping", nil, "cpk2", "")
}

func TestListPendingByKind(t *testing.T) {
	q := New(time.Minute, 10, nil, nil, nil)
	q.Enqueue("sign_event", []string{`{"kind":1}`}, "cpk1", "")
	q.Enqueue("sign_event", []string{`{"kind":0}`}, "cpk1", "")
	q.Enqueue("ping", nil, "cpk1", "")

	kind1 := q.ListPendingByKind(1)
	require.Len(t, kind1, 1)
	assert.Equal(t, "sign_event", kind1[0].Method)
}

func TestSweepExpiresPastTTL(t *testing.T) {
	var expired *Request
	q := New(time.Millisecond, 10, nil, func(r *Request) { expired = r }, nil)
	req := q.Enqueue("ping", nil, "cpk1", "")

	time.Sleep(5 * time.Millisecond)
	q.Sweep()

	require.NotNil(t, expired)
	assert.Equal(t, req.ID, expired.ID)

	got, ok := q.Get(req.ID)
	require.True(t, ok)
	assert.Equal(t, StatusExpired, got.Status)
}

func TestRemoveDropsRequestEntirely(t *testing.T) {
	q := New(time.Minute, 10, nil, nil, nil)
	req := q.Enqueue("ping", nil, "cpk1", "")
	q.Remove(req.ID)
	_, ok := q.Get(req.ID)
	assert.False(t, ok)
	assert.Empty(t, q.ListPending())
}

type fakeRequestPersister struct {
	mu     sync.Mutex
	saved  map[string]*Request
	loaded []*Request
}

func newFakeRequestPersister(loaded ...*Request) *fakeRequestPersister {
	return &fakeRequestPersister{saved: make(map[string]*Request), loaded: loaded}
}

func (f *fakeRequestPersister) SaveRequest(_ context.Context, req *Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *req
	f.saved[req.ID] = &copied
	return nil
}

func (f *fakeRequestPersister) DeleteRequest(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.saved, id)
	return nil
}

func (f *fakeRequestPersister) LoadRequests(_ context.Context) ([]*Request, error) {
	return f.loaded, nil
}

func TestEnqueuePersistsRequest(t *testing.T) {
	persister := newFakeRequestPersister()
	q := New(time.Minute, 10, nil, nil, persister)
	req := q.Enqueue("ping", nil, "cpk1", "")

	require.Eventually(t, func() bool {
		persister.mu.Lock()
		defer persister.mu.Unlock()
		_, ok := persister.saved[req.ID]
		return ok
	}, time.Second, time.Millisecond)
}

func TestRemovePersistsDeletion(t *testing.T) {
	persister := newFakeRequestPersister()
	q := New(time.Minute, 10, nil, nil, persister)
	req := q.Enqueue("ping", nil, "cpk1", "")
	q.Remove(req.ID)

	require.Eventually(t, func() bool {
		persister.mu.Lock()
		defer persister.mu.Unlock()
		_, ok := persister.saved[req.ID]
		return !ok
	}, time.Second, time.Millisecond)
}

func TestLoadRestoresOnlyPendingRequests(t *testing.T) {
	pending := &Request{ID: "p1", Method: "ping", SessionPubkey: "cpk1", Status: StatusPending, ExpiresAt: time.Now().Add(time.Hour)}
	completed := &Request{ID: "p2", Method: "ping", SessionPubkey: "cpk1", Status: StatusCompleted}
	q := New(time.Minute, 10, nil, nil, newFakeRequestPersister(pending, completed))

	require.NoError(t, q.Load(context.Background()))

	got, ok := q.Get("p1")
	require.True(t, ok)
	assert.Equal(t, StatusPending, got.Status)

	_, ok = q.Get("p2")
	assert.False(t, ok)
}
