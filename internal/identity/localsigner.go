package identity

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/FROSTR-ORG/igloo-broker/internal/nostrid"
)

// LocalSigner is a single-key stand-in for the Identity Signer: the FROSTR
// threshold-signing quorum is a separate collaborating service (spec §0,
// §9 "the signing quorum itself is out of scope"), but the broker still
// needs something that satisfies Signer to run standalone in development or
// in single-operator deployments that hold their own key directly rather
// than behind a quorum. Keyed per userID exactly like the quorum boundary,
// so swapping in a real FROSTR-backed Signer later changes nothing upstream.
type LocalSigner struct {
	mu   sync.RWMutex
	keys map[string][]byte // userID -> raw secp256k1 private key
}

// NewLocalSigner builds an empty LocalSigner.
func NewLocalSigner() *LocalSigner {
	return &LocalSigner{keys: make(map[string][]byte)}
}

// SetKey installs privKey as userID's raw signing key, as given; it does no
// decryption of its own. Called once per user at startup.
func (l *LocalSigner) SetKey(userID string, privKey []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys[userID] = privKey
}

func (l *LocalSigner) keyFor(userID string) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	key, ok := l.keys[userID]
	if !ok {
		return nil, ErrUnauthorized
	}
	return key, nil
}

// GetPublicKey implements Signer.
func (l *LocalSigner) GetPublicKey(_ context.Context, userID string) (string, error) {
	key, err := l.keyFor(userID)
	if err != nil {
		return "", err
	}
	pub, err := nostrid.PublicKey(key)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(pub), nil
}

// SignEvent implements Signer.
func (l *LocalSigner) SignEvent(_ context.Context, userID string, tmpl EventTemplate) (*SignedEvent, error) {
	key, err := l.keyFor(userID)
	if err != nil {
		return nil, err
	}
	pub, err := nostrid.PublicKey(key)
	if err != nil {
		return nil, err
	}

	createdAt := tmpl.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().Unix()
	}
	evt := &nostrid.Event{
		PubKey:    hex.EncodeToString(pub),
		CreatedAt: createdAt,
		Kind:      tmpl.Kind,
		Tags:      tmpl.Tags,
		Content:   tmpl.Content,
	}
	id, err := nostrid.DeriveEventID(evt)
	if err != nil {
		return nil, err
	}
	sig, err := nostrid.Sign(key, id)
	if err != nil {
		return nil, err
	}

	return &SignedEvent{
		ID:        id,
		PubKey:    evt.PubKey,
		Kind:      evt.Kind,
		Content:   evt.Content,
		Tags:      evt.Tags,
		CreatedAt: evt.CreatedAt,
		Sig:       sig,
	}, nil
}

// Nip44Encrypt implements Signer.
func (l *LocalSigner) Nip44Encrypt(_ context.Context, userID, peerPubkey, plaintext string) (string, error) {
	convKey, err := l.conversationKey(userID, peerPubkey)
	if err != nil {
		return "", err
	}
	return nostrid.Nip44Encrypt(plaintext, convKey)
}

// Nip44Decrypt implements Signer.
func (l *LocalSigner) Nip44Decrypt(_ context.Context, userID, peerPubkey, ciphertext string) (string, error) {
	convKey, err := l.conversationKey(userID, peerPubkey)
	if err != nil {
		return "", err
	}
	return nostrid.Nip44Decrypt(ciphertext, convKey)
}

// Nip04Encrypt implements Signer.
func (l *LocalSigner) Nip04Encrypt(_ context.Context, userID, peerPubkey, plaintext string) (string, error) {
	secret, err := l.sharedSecret(userID, peerPubkey)
	if err != nil {
		return "", err
	}
	return nostrid.Nip04Encrypt(plaintext, secret)
}

// Nip04Decrypt implements Signer.
func (l *LocalSigner) Nip04Decrypt(_ context.Context, userID, peerPubkey, ciphertext string) (string, error) {
	secret, err := l.sharedSecret(userID, peerPubkey)
	if err != nil {
		return "", err
	}
	return nostrid.Nip04Decrypt(ciphertext, secret)
}

func (l *LocalSigner) conversationKey(userID, peerPubkeyHex string) ([]byte, error) {
	key, err := l.keyFor(userID)
	if err != nil {
		return nil, err
	}
	peer, err := hex.DecodeString(peerPubkeyHex)
	if err != nil {
		return nil, errors.New("invalid peer pubkey")
	}
	return nostrid.ConversationKey(key, peer)
}

func (l *LocalSigner) sharedSecret(userID, peerPubkeyHex string) ([]byte, error) {
	key, err := l.keyFor(userID)
	if err != nil {
		return nil, err
	}
	peer, err := hex.DecodeString(peerPubkeyHex)
	if err != nil {
		return nil, errors.New("invalid peer pubkey")
	}
	return nostrid.Nip04SharedSecret(key, peer)
}
