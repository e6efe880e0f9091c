// Package broker owns the NIP-46 state machine: routing inbound envelopes
// to the connect handler, Policy Engine, Request Queue, or Identity
// Adapter, and serializing session promotions. Dispatch shape is grounded
// on the teacher's nip46.go (sendRequest/BunkerSession.SignEvent request
// lifecycle) and nostrconnect.go (handlePotentialConnectResponse), inverted
// from "we are the client asking a remote bunker" to "we are the bunker
// answering many clients".
package broker

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/FROSTR-ORG/igloo-broker/internal/codec"
	"github.com/FROSTR-ORG/igloo-broker/internal/identity"
	"github.com/FROSTR-ORG/igloo-broker/internal/metrics"
	"github.com/FROSTR-ORG/igloo-broker/internal/nostrid"
	"github.com/FROSTR-ORG/igloo-broker/internal/queue"
	"github.com/FROSTR-ORG/igloo-broker/internal/session"
)

// Sender publishes a signed envelope event to a relay on behalf of the
// broker's transport key. Implemented by *transport.Pool in production.
type Sender interface {
	Publish(ctx context.Context, relayURL string, evt *nostrid.Event) error
}

// Notifier observes broker lifecycle events for the Control API / metrics
// layer (spec §8 property 3's "exactly one session:active observable event").
type Notifier interface {
	SessionActive(cpk string)
	SessionPending(cpk string)
}

// Core is the NIP-46 state machine and message dispatcher for one broker user.
type Core struct {
	UserID          string
	TransportPriv   []byte
	TransportPub    []byte
	IdentitySignerPubkey string

	sender   Sender
	sessions *session.Store
	queue    *queue.Queue
	identity *identity.Adapter
	notifier Notifier

	identityTimeout time.Duration
	identityWorkers chan struct{}
	promote         singleflight.Group
}

// Config bundles Core's collaborators.
type Config struct {
	UserID               string
	TransportPriv        []byte
	TransportPub         []byte
	IdentitySignerPubkey string
	Sender               Sender
	Sessions             *session.Store
	Queue                *queue.Queue
	Identity             *identity.Adapter
	Notifier             Notifier
	MaxConcurrentIdentityCalls int
	// IdentityTimeout bounds how long a request waits on the Identity
	// Adapter before the broker answers with {error: "timeout"}. The
	// underlying call is never cancelled: it keeps running in the
	// background so the quorum round it may be part of reaches natural
	// completion (spec §4.7/§9). Zero disables the timeout.
	IdentityTimeout time.Duration
}

// New builds a Core. MaxConcurrentIdentityCalls bounds the worker pool that
// dispatches Identity Adapter calls, so one slow client cannot head-of-line
// block another (spec §5).
func New(cfg Config) *Core {
	workers := cfg.MaxConcurrentIdentityCalls
	if workers <= 0 {
		workers = 16
	}
	return &Core{
		UserID:               cfg.UserID,
		TransportPriv:        cfg.TransportPriv,
		TransportPub:         cfg.TransportPub,
		IdentitySignerPubkey: cfg.IdentitySignerPubkey,
		sender:               cfg.Sender,
		sessions:             cfg.Sessions,
		queue:                cfg.Queue,
		identity:             cfg.Identity,
		notifier:             cfg.Notifier,
		identityTimeout:      cfg.IdentityTimeout,
		identityWorkers:      make(chan struct{}, workers),
	}
}

// HandleConnectURI processes an operator-pasted nostrconnect:// URI: creates
// a PENDING session and immediately acks the secret back to the client
// (spec S1).
func (c *Core) HandleConnectURI(ctx context.Context, uri *ConnectURI) error {
	requested := ParseRequestedPerms(uri.Perms)
	sess := &session.Session{
		CPK:       uri.ClientPubkey,
		Status:    session.StatusPending,
		Profile:   session.Profile{Name: uri.Name, URL: uri.URL, Image: uri.Image},
		Policy:    session.NewPolicy(),
		Requested: &requested,
		Relays:    uri.Relays,
	}
	if err := c.sessions.Upsert(ctx, sess); err != nil {
		return err
	}
	if c.notifier != nil {
		c.notifier.SessionPending(uri.ClientPubkey)
	}

	if uri.Secret == "" {
		return nil
	}

	convKey, err := nostrid.ConversationKey(c.TransportPriv, mustHex(uri.ClientPubkey))
	if err != nil {
		return fmt.Errorf("derive conversation key: %w", err)
	}

	resp := &codec.Response{ID: uri.Secret, Result: uri.Secret}
	content, err := codec.EncodeResponse(resp)
	if err != nil {
		return err
	}
	evt, err := codec.BuildEnvelopeEvent(c.TransportPriv, c.TransportPub, uri.ClientPubkey, convKey, content)
	if err != nil {
		return err
	}

	for _, relay := range uri.Relays {
		if err := c.sender.Publish(ctx, relay, evt); err != nil {
			slog.Warn("failed to publish connect ack", "relay", relay, "error", err)
		}
	}
	return nil
}

// Dispatch handles one inbound kind-24133 event addressed to the transport
// key: decrypt, parse, route. The sender's pubkey (evt.PubKey) is the CPK.
func (c *Core) Dispatch(ctx context.Context, evt nostrid.Event) {
	cpk, ok := session.NormalizeCPK(evt.PubKey)
	if !ok {
		slog.Warn("dropping envelope from invalid pubkey", "pubkey", evt.PubKey)
		return
	}

	convKey, err := nostrid.ConversationKey(c.TransportPriv, mustHex(cpk))
	if err != nil {
		slog.Warn("failed to derive conversation key", "cpk", cpk, "error", err)
		return
	}

	nip04Secret, err := nostrid.Nip04SharedSecret(c.TransportPriv, mustHex(cpk))
	if err != nil {
		slog.Warn("failed to derive nip-04 shared secret", "cpk", cpk, "error", err)
		return
	}

	plaintext, _, err := codec.DecryptEnvelope(evt.Content, convKey, nip04Secret)
	if err != nil {
		metrics.EnvelopesDropped.Inc()
		slog.Warn("envelope decryption failed, dropping", "cpk", cpk, "error", err)
		return
	}

	req, err := codec.DecodeRequest(plaintext)
	if err != nil {
		if resp, rerr := codec.DecodeResponse(plaintext); rerr == nil {
			// A response addressed to us (e.g. from a client relaying our
			// own outbound request id) carries no action on this path.
			slog.Debug("received response envelope, ignoring", "id", resp.ID)
			return
		}
		slog.Warn("malformed envelope content, dropping", "cpk", cpk, "error", err)
		return
	}

	c.ensurePendingSession(ctx, cpk, evt)

	if req.Method == "connect" {
		c.handleConnect(ctx, cpk, req)
		return
	}

	c.handleMethod(ctx, cpk, req)
}

func (c *Core) ensurePendingSession(ctx context.Context, cpk string, evt nostrid.Event) {
	if _, ok := c.sessions.Get(cpk); ok {
		return
	}
	_ = c.sessions.Upsert(ctx, &session.Session{
		CPK:    cpk,
		Status: session.StatusPending,
		Policy: session.NewPolicy(),
	})
	if c.notifier != nil {
		c.notifier.SessionPending(cpk)
	}
}

// handleConnect replies with the client-supplied secret (proof of
// possession) or "ack", then promotes the session to ACTIVE (spec §4.3 (1)).
func (c *Core) handleConnect(ctx context.Context, cpk string, req *codec.Request) {
	result := "ack"
	if len(req.Params) > 1 && req.Params[1] != "" {
		result = req.Params[1]
	}
	c.respond(ctx, cpk, &codec.Response{ID: req.ID, Result: result})
	c.Promote(ctx, cpk)
}

// Promote transitions cpk from PENDING to ACTIVE exactly once even under
// concurrent triggers (spec §4.3, §8 property 3), using a singleflight
// group keyed by CPK so a connect-method race and an operator
// connectToClient race collapse into one persisted row and one event.
func (c *Core) Promote(ctx context.Context, cpk string) {
	_, _, _ = c.promote.Do(cpk, func() (interface{}, error) {
		existing, ok := c.sessions.Get(cpk)
		if ok && existing.Status == session.StatusActive {
			return nil, nil
		}

		sess := &session.Session{
			CPK:    cpk,
			Status: session.StatusActive,
			Policy: session.NewPolicy(),
		}
		if ok {
			sess.Profile = existing.Profile
			sess.Policy = existing.Policy
			sess.Requested = existing.Requested
			sess.Relays = existing.Relays
			sess.CreatedAt = existing.CreatedAt
		}

		if err := c.sessions.Upsert(ctx, sess); err != nil {
			return nil, err
		}
		if c.notifier != nil {
			c.notifier.SessionActive(cpk)
		}
		return nil, nil
	})
}

// handleMethod consults the Policy Engine and routes to the Identity
// Adapter, the Request Queue, or an unknown-method error (spec §4.3 (2)).
func (c *Core) handleMethod(ctx context.Context, cpk string, req *codec.Request) {
	if !isRecognizedMethod(req.Method) {
		c.respond(ctx, cpk, &codec.Response{ID: req.ID, Error: "unknown method: " + req.Method})
		return
	}

	sess, ok := c.sessions.Get(cpk)
	if !ok {
		c.respond(ctx, cpk, &codec.Response{ID: req.ID, Error: "unknown session"})
		return
	}

	verdict := session.Evaluate(sess.Policy, req.Method, req.Params)
	switch verdict.Decision {
	case session.Allow:
		c.executeAsync(ctx, cpk, req)
	case session.Deny:
		c.queue.Enqueue(req.Method, req.Params, cpk, verdict.Reason)
		metrics.RequestsQueued.Inc()
	case session.Prompt:
		c.queue.Enqueue(req.Method, req.Params, cpk, "")
		metrics.RequestsQueued.Inc()
	}
}

func isRecognizedMethod(method string) bool {
	switch method {
	case "connect", "get_public_key", "sign_event", "nip44_encrypt", "nip44_decrypt", "nip04_encrypt", "nip04_decrypt", "ping":
		return true
	default:
		return false
	}
}

// executeAsync dispatches an allowed request to the Identity Adapter on a
// bounded worker so one slow client cannot head-of-line block another.
// Each request runs on its own goroutine and responses for one CPK are not
// sequenced: they are sent in completion order, which can differ from
// receipt order.
func (c *Core) executeAsync(ctx context.Context, cpk string, req *codec.Request) {
	c.identityWorkers <- struct{}{}
	go func() {
		defer func() { <-c.identityWorkers }()
		resp := c.Execute(ctx, cpk, req)
		c.respond(ctx, cpk, resp)

		kind, _ := signEventKind(req)
		_ = c.sessions.Touch(ctx, cpk, req.Method, kind)
	}()
}

// Execute runs one allowed request against the Identity Adapter, used both
// for the hot path and for operator-approved queued requests.
func (c *Core) Execute(ctx context.Context, cpk string, req *codec.Request) *codec.Response {
	resp := c.execute(ctx, cpk, req)
	outcome := "success"
	if resp.Error != "" {
		outcome = "error"
	}
	metrics.IdentityCallsTotal.WithLabelValues(req.Method, outcome).Inc()
	return resp
}

func (c *Core) execute(ctx context.Context, cpk string, req *codec.Request) *codec.Response {
	switch req.Method {
	case "get_public_key":
		return &codec.Response{ID: req.ID, Result: c.IdentitySignerPubkey}

	case "ping":
		return &codec.Response{ID: req.ID, Result: "pong"}

	case "sign_event":
		if len(req.Params) == 0 {
			return &codec.Response{ID: req.ID, Error: "missing event template"}
		}
		var tmpl identity.EventTemplate
		if err := json.Unmarshal([]byte(req.Params[0]), &tmpl); err != nil {
			return &codec.Response{ID: req.ID, Error: "unparseable event template"}
		}
		signed, err := raceIdentityCall(c.identityTimeout, func() (*identity.SignedEvent, error) {
			return c.identity.SignEvent(ctx, c.UserID, tmpl)
		}, func(_ *identity.SignedEvent, err error) {
			c.onLateIdentityCompletion(cpk, req.Method, err)
		})
		if err != nil {
			return &codec.Response{ID: req.ID, Error: errMsg(err)}
		}
		b, _ := json.Marshal(signed)
		return &codec.Response{ID: req.ID, Result: string(b)}

	case "nip44_encrypt":
		return c.cryptoResponse(ctx, cpk, req, c.identity.Nip44Encrypt)
	case "nip44_decrypt":
		return c.cryptoResponse(ctx, cpk, req, c.identity.Nip44Decrypt)
	case "nip04_encrypt":
		return c.cryptoResponse(ctx, cpk, req, c.identity.Nip04Encrypt)
	case "nip04_decrypt":
		return c.cryptoResponse(ctx, cpk, req, c.identity.Nip04Decrypt)

	default:
		return &codec.Response{ID: req.ID, Error: "unknown method: " + req.Method}
	}
}

func (c *Core) cryptoResponse(ctx context.Context, cpk string, req *codec.Request, op func(ctx context.Context, userID, peerPubkey, text string) (string, error)) *codec.Response {
	if len(req.Params) < 2 {
		return &codec.Response{ID: req.ID, Error: "missing peer pubkey or payload"}
	}
	result, err := raceIdentityCall(c.identityTimeout, func() (string, error) {
		return op(ctx, c.UserID, req.Params[0], req.Params[1])
	}, func(_ string, err error) {
		c.onLateIdentityCompletion(cpk, req.Method, err)
	})
	if err != nil {
		return &codec.Response{ID: req.ID, Error: errMsg(err)}
	}
	return &codec.Response{ID: req.ID, Result: result}
}

// raceIdentityCall runs call in its own goroutine and waits up to timeout for
// it to finish. On timeout it returns context.DeadlineExceeded immediately
// without cancelling call: call keeps running, and onLate (if non-nil)
// receives its eventual result once it arrives. A timeout <= 0 waits for call
// unconditionally. This is how the broker honors spec §4.7/§9's requirement
// that the Identity Adapter's work continues to natural completion even
// after the broker has already answered the client with a timeout.
func raceIdentityCall[T any](timeout time.Duration, call func() (T, error), onLate func(result T, err error)) (T, error) {
	type outcome struct {
		val T
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		val, err := call()
		ch <- outcome{val, err}
	}()

	if timeout <= 0 {
		o := <-ch
		return o.val, o.err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case o := <-ch:
		return o.val, o.err
	case <-timer.C:
		go func() {
			o := <-ch
			if onLate != nil {
				onLate(o.val, o.err)
			}
		}()
		var zero T
		return zero, context.DeadlineExceeded
	}
}

// onLateIdentityCompletion records the real outcome of an Identity Adapter
// call that finished after its per-operation deadline already produced a
// {error: "timeout"} response, so the quorum round's actual result is still
// observable via metrics and session activity even though the client already
// moved on.
func (c *Core) onLateIdentityCompletion(cpk, method string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.IdentityCallsTotal.WithLabelValues(method, outcome).Inc()
	_ = c.sessions.Touch(context.Background(), cpk, method, nil)
}

func signEventKind(req *codec.Request) (*int, error) {
	if req.Method != "sign_event" || len(req.Params) == 0 {
		return nil, nil
	}
	var tmpl struct {
		Kind *int `json:"kind"`
	}
	if err := json.Unmarshal([]byte(req.Params[0]), &tmpl); err != nil {
		return nil, err
	}
	return tmpl.Kind, nil
}

func (c *Core) respond(ctx context.Context, cpk string, resp *codec.Response) {
	content, err := codec.EncodeResponse(resp)
	if err != nil {
		slog.Error("failed to encode response", "cpk", cpk, "error", err)
		return
	}

	convKey, err := nostrid.ConversationKey(c.TransportPriv, mustHex(cpk))
	if err != nil {
		slog.Error("failed to derive conversation key for response", "cpk", cpk, "error", err)
		return
	}

	evt, err := codec.BuildEnvelopeEvent(c.TransportPriv, c.TransportPub, cpk, convKey, content)
	if err != nil {
		slog.Error("failed to build response envelope", "cpk", cpk, "error", err)
		return
	}

	sess, ok := c.sessions.Get(cpk)
	relays := []string{}
	if ok {
		relays = sess.Relays
	}

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for _, relay := range relays {
		if err := c.sender.Publish(writeCtx, relay, evt); err != nil {
			slog.Warn("relay write failed, response not retried", "relay", relay, "error", err)
		}
	}
}

func errMsg(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return err.Error()
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}
