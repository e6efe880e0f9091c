package broker

import (
	"context"
	"errors"

	"github.com/FROSTR-ORG/igloo-broker/internal/codec"
	"github.com/FROSTR-ORG/igloo-broker/internal/metrics"
	"github.com/FROSTR-ORG/igloo-broker/internal/queue"
	"github.com/FROSTR-ORG/igloo-broker/internal/session"
)

// ErrRequestNotPending is returned when an operator decision targets a
// request that is no longer pending.
var ErrRequestNotPending = errors.New("request is not pending")

// Approve executes a queued request once and removes it from the queue,
// without mutating policy (spec §4.3 "Approve (single)").
func (c *Core) Approve(ctx context.Context, requestID string) error {
	req, ok := c.queue.Get(requestID)
	if !ok || req.Status != queue.StatusPending {
		return ErrRequestNotPending
	}

	resp := c.Execute(ctx, req.SessionPubkey, &codec.Request{ID: req.ID, Method: req.Method, Params: req.Params})
	c.respond(ctx, req.SessionPubkey, resp)

	kind, _ := signEventKind(&codec.Request{Method: req.Method, Params: req.Params})
	_ = c.sessions.Touch(ctx, req.SessionPubkey, req.Method, kind)

	c.queue.MarkStatus(requestID, queue.StatusCompleted)
	c.queue.Remove(requestID)
	metrics.RequestsQueued.Dec()
	return nil
}

// ApproveWithGrant executes the request once, then unions its method or
// kind into the session's persisted policy (spec §4.3, §8 property 6).
func (c *Core) ApproveWithGrant(ctx context.Context, requestID string) error {
	req, ok := c.queue.Get(requestID)
	if !ok || req.Status != queue.StatusPending {
		return ErrRequestNotPending
	}

	resp := c.Execute(ctx, req.SessionPubkey, &codec.Request{ID: req.ID, Method: req.Method, Params: req.Params})
	c.respond(ctx, req.SessionPubkey, resp)

	sess, ok := c.sessions.Get(req.SessionPubkey)
	if !ok {
		return errors.New("unknown session")
	}
	updated, err := session.ApplyAutoGrant(sess.Policy, req.Method, req.Params)
	if err != nil {
		return err
	}
	if err := c.sessions.UpdatePolicy(ctx, req.SessionPubkey, updated); err != nil {
		return err
	}

	kind, _ := signEventKind(&codec.Request{Method: req.Method, Params: req.Params})
	_ = c.sessions.Touch(ctx, req.SessionPubkey, req.Method, kind)

	c.queue.MarkStatus(requestID, queue.StatusCompleted)
	c.queue.Remove(requestID)
	metrics.RequestsQueued.Dec()
	return nil
}

// Deny sends {id, error: reason} to the client and removes the request from
// the queue (spec §4.3 "Deny (single)").
func (c *Core) Deny(ctx context.Context, requestID, reason string) error {
	req, ok := c.queue.Get(requestID)
	if !ok || req.Status != queue.StatusPending {
		return ErrRequestNotPending
	}
	if reason == "" {
		reason = "Denied"
	}

	c.respond(ctx, req.SessionPubkey, &codec.Response{ID: req.ID, Error: reason})
	c.queue.MarkStatus(requestID, queue.StatusDenied)
	c.queue.Remove(requestID)
	metrics.RequestsQueued.Dec()
	return nil
}

// BulkApprove approves every request id in ids, collecting per-id errors.
func (c *Core) BulkApprove(ctx context.Context, ids []string) map[string]error {
	return c.bulk(ids, func(id string) error { return c.Approve(ctx, id) })
}

// BulkDeny denies every request id in ids with a shared reason.
func (c *Core) BulkDeny(ctx context.Context, ids []string, reason string) map[string]error {
	return c.bulk(ids, func(id string) error { return c.Deny(ctx, id, reason) })
}

// BulkDenyByKind denies every pending sign_event request for event kind k.
func (c *Core) BulkDenyByKind(ctx context.Context, k int, reason string) map[string]error {
	ids := make([]string, 0)
	for _, req := range c.queue.ListPendingByKind(k) {
		ids = append(ids, req.ID)
	}
	return c.BulkDeny(ctx, ids, reason)
}

func (c *Core) bulk(ids []string, fn func(id string) error) map[string]error {
	out := make(map[string]error, len(ids))
	for _, id := range ids {
		out[id] = fn(id)
	}
	return out
}
