package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/FROSTR-ORG/igloo-broker/internal/transport"
)

// ErrTokenExpired is returned by Validate for idle- or absolute-expired tokens.
var ErrTokenExpired = errors.New("session token expired")

// ErrTokenNotFound is returned by Validate for unknown tokens.
var ErrTokenNotFound = errors.New("session token not found")

// Token is a server-side session token record (spec §3 "Auth session token").
// derivedKey is unexported so it is never marshaled into the persisted
// sessions_auth row (spec §9 "ephemeral per-user key" never serialized).
type Token struct {
	Value      string    `json:"value"`
	UserID     string    `json:"user_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	derivedKey []byte
}

// TokenPersister is the backing-store contract Gateway writes through to,
// implemented by internal/store's badger-backed KeyedStore (table
// sessions_auth). Writes are fire-and-forget, mirroring session.Store's
// persistAsync: a persistence failure is logged, never surfaced to the
// caller, since the in-memory token map is the request-path authority.
type TokenPersister interface {
	SaveToken(ctx context.Context, tok *Token) error
	DeleteToken(ctx context.Context, value string) error
	LoadTokens(ctx context.Context) ([]*Token, error)
}

const tokenPersistRetries = 2

// Gateway issues and validates opaque session tokens, enforcing both idle
// and absolute timeouts, and holds the ephemeral per-user derived key
// associated with each live token (spec §3, §4.8, §9 "ephemeral per-user
// key" — never logged, serialized, or threaded through operator APIs).
type Gateway struct {
	mu          sync.Mutex
	tokens      map[string]*Token
	idleTimeout time.Duration
	absTimeout  time.Duration
	persister   TokenPersister
}

// NewGateway builds a Gateway with the given idle and absolute timeouts.
// persister may be nil, in which case tokens are memory-only (e.g. in tests).
func NewGateway(idleTimeout, absTimeout time.Duration, persister TokenPersister) *Gateway {
	return &Gateway{
		tokens:      make(map[string]*Token),
		idleTimeout: idleTimeout,
		absTimeout:  absTimeout,
		persister:   persister,
	}
}

// Load restores persisted tokens on process start, dropping any already past
// their idle or absolute timeout.
func (g *Gateway) Load(ctx context.Context) error {
	if g.persister == nil {
		return nil
	}
	rows, err := g.persister.LoadTokens(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	for _, tok := range rows {
		if now.Sub(tok.CreatedAt) > g.absTimeout || now.Sub(tok.LastUsedAt) > g.idleTimeout {
			continue
		}
		g.tokens[tok.Value] = tok
	}
	return nil
}

func (g *Gateway) persistAsync(tok *Token) {
	if g.persister == nil || tok == nil {
		return
	}
	copied := *tok
	go func() {
		op := func() error {
			return g.persister.SaveToken(context.Background(), &copied)
		}
		policy := backoff.WithMaxRetries(transport.NewExponentialBackOff(10*time.Second), tokenPersistRetries)
		if err := backoff.Retry(op, policy); err != nil {
			slog.Error("failed to persist auth token", "value", copied.Value, "error", err)
		}
	}()
}

func (g *Gateway) deletePersisted(value string) {
	if g.persister == nil {
		return
	}
	go func() {
		op := func() error {
			return g.persister.DeleteToken(context.Background(), value)
		}
		policy := backoff.WithMaxRetries(transport.NewExponentialBackOff(10*time.Second), tokenPersistRetries)
		if err := backoff.Retry(op, policy); err != nil {
			slog.Error("failed to persist auth token revoke", "value", value, "error", err)
		}
	}()
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Issue creates a new token for userID, holding derivedKey in memory for the
// token's lifetime.
func (g *Gateway) Issue(userID string, derivedKey []byte) (*Token, error) {
	value, err := generateToken()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	tok := &Token{
		Value:      value,
		UserID:     userID,
		CreatedAt:  now,
		LastUsedAt: now,
		derivedKey: derivedKey,
	}

	g.mu.Lock()
	g.tokens[value] = tok
	g.mu.Unlock()
	g.persistAsync(tok)
	return tok, nil
}

// Validate checks a token's idle and absolute timeouts and, if still live,
// bumps its last-used time (spec §8 property 8).
func (g *Gateway) Validate(value string) (*Token, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	tok, ok := g.tokens[value]
	if !ok {
		return nil, ErrTokenNotFound
	}

	now := time.Now()
	if now.Sub(tok.CreatedAt) > g.absTimeout {
		g.deleteLocked(value)
		return nil, ErrTokenExpired
	}
	if now.Sub(tok.LastUsedAt) > g.idleTimeout {
		g.deleteLocked(value)
		return nil, ErrTokenExpired
	}

	tok.LastUsedAt = now
	g.persistAsync(tok)
	return tok, nil
}

// DerivedKey returns the derived user key held for a live token, or nil.
func (g *Gateway) DerivedKey(value string) []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	tok, ok := g.tokens[value]
	if !ok {
		return nil
	}
	return tok.derivedKey
}

// Revoke deletes a token server-side and zeroes its derived key (spec §4.8 "Logout").
func (g *Gateway) Revoke(value string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleteLocked(value)
}

func (g *Gateway) deleteLocked(value string) {
	if tok, ok := g.tokens[value]; ok {
		for i := range tok.derivedKey {
			tok.derivedKey[i] = 0
		}
	}
	delete(g.tokens, value)
	g.deletePersisted(value)
}

// ReapExpired removes every token past its idle or absolute timeout. Intended
// to run periodically from a background goroutine (spec §4.8's "background reaper").
func (g *Gateway) ReapExpired() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for value, tok := range g.tokens {
		if now.Sub(tok.CreatedAt) > g.absTimeout || now.Sub(tok.LastUsedAt) > g.idleTimeout {
			g.deleteLocked(value)
		}
	}
}

// StartReaper runs ReapExpired on interval until stop is closed.
func (g *Gateway) StartReaper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			g.ReapExpired()
		}
	}
}
