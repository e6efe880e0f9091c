// Package identity defines the narrow interface to the Identity Signer (the
// FROSTR threshold-signing quorum, out of scope for this broker). Grounded on
// the teacher's BunkerSession request methods (nip46.go SignEvent/sendRequest),
// which called a remote signer over NIP-46; here the call is local/in-process.
//
// The Adapter itself imposes no deadline: a FROSTR quorum round must run to
// natural completion even after the broker has given up waiting on it (spec
// §4.7/§9 "the identity worker continues until natural completion to protect
// the quorum protocol"). The per-operation deadline and early "timeout"
// response live in internal/broker.Core, which races the Adapter call against
// the deadline in a separate goroutine instead of cancelling it.
package identity

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned when no derived user key is available to
// unwrap the persisted share (spec §4.7).
var ErrUnauthorized = errors.New("unauthorized")

// ErrNotSupported is returned by nip04_encrypt/decrypt when the underlying
// signer does not implement NIP-04 pass-through.
var ErrNotSupported = errors.New("not supported")

// EventTemplate is the unsigned event payload a client asks the signer to sign.
type EventTemplate struct {
	Kind      int        `json:"kind"`
	Content   string     `json:"content"`
	Tags      [][]string `json:"tags"`
	CreatedAt int64      `json:"created_at"`
}

// SignedEvent is the signer's completed event, including id and sig.
type SignedEvent struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	Kind      int        `json:"kind"`
	Content   string     `json:"content"`
	Tags      [][]string `json:"tags"`
	CreatedAt int64      `json:"created_at"`
	Sig       string     `json:"sig"`
}

// Signer is the narrow surface the broker calls; it requires an
// authenticated caller whose derived user key permits decryption of the
// persisted FROSTR share.
type Signer interface {
	GetPublicKey(ctx context.Context, userID string) (string, error)
	SignEvent(ctx context.Context, userID string, tmpl EventTemplate) (*SignedEvent, error)
	Nip44Encrypt(ctx context.Context, userID, peerPubkey, plaintext string) (string, error)
	Nip44Decrypt(ctx context.Context, userID, peerPubkey, ciphertext string) (string, error)
	Nip04Encrypt(ctx context.Context, userID, peerPubkey, plaintext string) (string, error)
	Nip04Decrypt(ctx context.Context, userID, peerPubkey, ciphertext string) (string, error)
}

// Adapter is a thin passthrough to a Signer. It imposes no deadline of its
// own; callers that need a bounded wait (internal/broker.Core) must race the
// call themselves without cancelling the underlying context.
type Adapter struct {
	signer Signer
}

// NewAdapter builds an Adapter bound to signer.
func NewAdapter(signer Signer) *Adapter {
	return &Adapter{signer: signer}
}

// GetPublicKey returns the Identity Signer's pubkey (never the transport key;
// spec §9 "dual identity").
func (a *Adapter) GetPublicKey(ctx context.Context, userID string) (string, error) {
	return a.signer.GetPublicKey(ctx, userID)
}

// SignEvent asks the signer to sign tmpl on behalf of userID.
func (a *Adapter) SignEvent(ctx context.Context, userID string, tmpl EventTemplate) (*SignedEvent, error) {
	return a.signer.SignEvent(ctx, userID, tmpl)
}

// Nip44Encrypt encrypts plaintext to peerPubkey via the signer's key material.
func (a *Adapter) Nip44Encrypt(ctx context.Context, userID, peerPubkey, plaintext string) (string, error) {
	return a.signer.Nip44Encrypt(ctx, userID, peerPubkey, plaintext)
}

// Nip44Decrypt decrypts ciphertext from peerPubkey via the signer's key material.
func (a *Adapter) Nip44Decrypt(ctx context.Context, userID, peerPubkey, ciphertext string) (string, error) {
	return a.signer.Nip44Decrypt(ctx, userID, peerPubkey, ciphertext)
}

// Nip04Encrypt passes through to the signer; returns ErrNotSupported verbatim
// if the signer does not implement it (spec §4.7, §9 open question).
func (a *Adapter) Nip04Encrypt(ctx context.Context, userID, peerPubkey, plaintext string) (string, error) {
	return a.signer.Nip04Encrypt(ctx, userID, peerPubkey, plaintext)
}

// Nip04Decrypt passes through to the signer; returns ErrNotSupported verbatim
// if the signer does not implement it.
func (a *Adapter) Nip04Decrypt(ctx context.Context, userID, peerPubkey, ciphertext string) (string, error) {
	return a.signer.Nip04Decrypt(ctx, userID, peerPubkey, ciphertext)
}
