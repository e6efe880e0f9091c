// Package queue holds pending human-approval NIP-46 requests: FIFO storage,
// single/bulk/scoped-bulk decisions, TTL sweeping, and a per-session bound.
// Grounded on the teacher's BunkerSessionStore/PendingConnectionStore
// locking pattern (nip46.go, nostrconnect.go) generalized from "one pending
// connection per secret" to "many pending requests per session". Pending
// requests are persisted fire-and-forget to the requests_nip46 table so
// they survive a restart, mirroring session.Store's persistAsync pattern.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/FROSTR-ORG/igloo-broker/internal/transport"
)

// Persister is the backing-store contract the Queue writes through to.
// Implemented by internal/store's badger-backed KeyedStore.
type Persister interface {
	SaveRequest(ctx context.Context, req *Request) error
	DeleteRequest(ctx context.Context, id string) error
	LoadRequests(ctx context.Context) ([]*Request, error)
}

const requestPersistRetries = 2

// Status is the lifecycle of one queued request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Request is a pending-approval record (spec §3 "Pending request record").
type Request struct {
	ID            string    `json:"id"`
	Method        string    `json:"method"`
	Params        []string  `json:"params"`
	SessionPubkey string    `json:"session_pubkey"`
	CreatedAt     time.Time `json:"created_at"`
	Status        Status    `json:"status"`
	DeniedReason  string    `json:"denied_reason,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// sign_event params carry the event kind; parse it best-effort for
// kind-scoped bulk operations.
func (r *Request) kind() (int, bool) {
	if r.Method != "sign_event" || len(r.Params) == 0 {
		return 0, false
	}
	var tmpl struct {
		Kind *int `json:"kind"`
	}
	if err := json.Unmarshal([]byte(r.Params[0]), &tmpl); err != nil || tmpl.Kind == nil {
		return 0, false
	}
	return *tmpl.Kind, true
}

// Queue is the FIFO store of pending requests, bounded per session.
type Queue struct {
	mu         sync.Mutex
	order      []string
	byID       map[string]*Request
	ttl        time.Duration
	maxPerSess int
	onOverflow func(req *Request)
	onExpire   func(req *Request)
	persister  Persister
}

// New builds a Queue with the given TTL and per-session bound.
// onOverflow is invoked (synchronously) when the oldest pending entry for a
// session is denied due to queue overflow; onExpire is invoked by Sweep.
// persister may be nil, in which case the queue is memory-only (e.g. in tests).
func New(ttl time.Duration, maxPerSession int, onOverflow, onExpire func(req *Request), persister Persister) *Queue {
	return &Queue{
		byID:       make(map[string]*Request),
		ttl:        ttl,
		maxPerSess: maxPerSession,
		onOverflow: onOverflow,
		onExpire:   onExpire,
		persister:  persister,
	}
}

// Load restores persisted pending requests on process start; terminal rows
// (already approved/denied/completed/failed/expired) are not restored since
// the operator already resolved them before the restart.
func (q *Queue) Load(ctx context.Context) error {
	if q.persister == nil {
		return nil
	}
	rows, err := q.persister.LoadRequests(ctx)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, req := range rows {
		if req.Status != StatusPending {
			continue
		}
		if _, exists := q.byID[req.ID]; exists {
			continue
		}
		q.byID[req.ID] = req
		q.order = append(q.order, req.ID)
	}
	return nil
}

func (q *Queue) persistAsync(req *Request) {
	if q.persister == nil || req == nil {
		return
	}
	copied := *req
	go func() {
		op := func() error {
			return q.persister.SaveRequest(context.Background(), &copied)
		}
		policy := backoff.WithMaxRetries(transport.NewExponentialBackOff(10*time.Second), requestPersistRetries)
		if err := backoff.Retry(op, policy); err != nil {
			slog.Error("failed to persist request", "request_id", copied.ID, "error", err)
		}
	}()
}

func (q *Queue) deletePersisted(id string) {
	if q.persister == nil {
		return
	}
	go func() {
		op := func() error {
			return q.persister.DeleteRequest(context.Background(), id)
		}
		policy := backoff.WithMaxRetries(transport.NewExponentialBackOff(10*time.Second), requestPersistRetries)
		if err := backoff.Retry(op, policy); err != nil {
			slog.Error("failed to persist request removal", "request_id", id, "error", err)
		}
	}()
}

// Enqueue adds a new pending request, enforcing the per-session bound by
// denying the oldest pending entry for that session as "queue overflow".
func (q *Queue) Enqueue(method string, params []string, sessionPubkey string, deniedReason string) *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	status := StatusPending
	if deniedReason != "" {
		// Policy pre-denied; still queued so the UI can show why, per
		// spec §4.3 (2) "deny -> enqueue with denied_reason".
	}
	req := &Request{
		ID:            uuid.NewString(),
		Method:        method,
		Params:        params,
		SessionPubkey: sessionPubkey,
		CreatedAt:     now,
		Status:        status,
		DeniedReason:  deniedReason,
		ExpiresAt:     now.Add(q.ttl),
	}

	q.byID[req.ID] = req
	q.order = append(q.order, req.ID)
	q.persistAsync(req)

	q.enforceBoundLocked(sessionPubkey)
	return req
}

func (q *Queue) enforceBoundLocked(sessionPubkey string) {
	count := 0
	var oldestID string
	for _, id := range q.order {
		req := q.byID[id]
		if req == nil || req.Status != StatusPending || req.SessionPubkey != sessionPubkey {
			continue
		}
		count++
		if oldestID == "" {
			oldestID = id
		}
	}
	if count <= q.maxPerSess || oldestID == "" {
		return
	}

	req := q.byID[oldestID]
	req.Status = StatusDenied
	req.DeniedReason = "queue overflow"
	q.persistAsync(req)
	slog.Warn("request denied: queue overflow", "session", sessionPubkey, "request_id", oldestID)
	if q.onOverflow != nil {
		q.onOverflow(req)
	}
}

// Get returns the request with id, if present.
func (q *Queue) Get(id string) (*Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.byID[id]
	return req, ok
}

// ListPending returns all currently pending requests, oldest first.
func (q *Queue) ListPending() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Request, 0, len(q.order))
	for _, id := range q.order {
		if req := q.byID[id]; req != nil && req.Status == StatusPending {
			out = append(out, req)
		}
	}
	return out
}

// ListPendingBySession returns pending requests for one session.
func (q *Queue) ListPendingBySession(sessionPubkey string) []*Request {
	all := q.ListPending()
	out := make([]*Request, 0, len(all))
	for _, r := range all {
		if r.SessionPubkey == sessionPubkey {
			out = append(out, r)
		}
	}
	return out
}

// ListPendingByKind returns pending sign_event requests for event kind k.
func (q *Queue) ListPendingByKind(k int) []*Request {
	all := q.ListPending()
	out := make([]*Request, 0, len(all))
	for _, r := range all {
		if kind, ok := r.kind(); ok && kind == k {
			out = append(out, r)
		}
	}
	return out
}

// MarkStatus transitions a request to a terminal status.
func (q *Queue) MarkStatus(id string, status Status) (*Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	req.Status = status
	q.persistAsync(req)
	return req, true
}

// Remove drops a request entirely once fully handled.
func (q *Queue) Remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.byID, id)
	for i, existing := range q.order {
		if existing == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	q.deletePersisted(id)
}

// Sweep moves expired pending entries to status=expired and invokes
// onExpire for each so the caller can notify the relay. Intended to be
// called periodically from a background goroutine.
func (q *Queue) Sweep() {
	now := time.Now()
	var expired []*Request

	q.mu.Lock()
	for _, id := range q.order {
		req := q.byID[id]
		if req != nil && req.Status == StatusPending && now.After(req.ExpiresAt) {
			req.Status = StatusExpired
			expired = append(expired, req)
		}
	}
	q.mu.Unlock()

	for _, req := range expired {
		q.persistAsync(req)
		if q.onExpire != nil {
			q.onExpire(req)
		}
	}
}

// StartSweeper runs Sweep on interval until stop is closed.
func (q *Queue) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			q.Sweep()
		}
	}
}
