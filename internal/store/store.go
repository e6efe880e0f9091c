// Package store is the keyed blob store: an embedded Badger database backing
// the broker's persisted tables (users, sessions_nip46, sessions_auth,
// requests_nip46, transport_keys, user_credentials). Grounded on the
// teacher's cache_interface.go contracts (SessionStore/PendingConnStore
// get/set/delete) and cache_redis.go's marshal-to-JSON-blob convention,
// adapted from a TTL cache to durable, un-expiring persistence since
// session, policy, and pending-request state must survive restarts (spec
// §4.5 "Persisted policy is the ground truth on restart").
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/FROSTR-ORG/igloo-broker/internal/auth"
	"github.com/FROSTR-ORG/igloo-broker/internal/queue"
	"github.com/FROSTR-ORG/igloo-broker/internal/session"
)

const (
	prefixSession      = "sessions_nip46:"
	prefixAuthToken    = "sessions_auth:"
	prefixRequest      = "requests_nip46:"
	prefixUser         = "users:"
	prefixTransportKey = "transport_keys:"
	prefixCredential   = "user_credentials:"
)

// KeyedStore is a Badger-backed implementation of every persistence
// interface the broker needs: session.Persister, auth.TokenPersister,
// queue.Persister, auth.UserStore, and the transport-key and credential-blob
// accessors.
type KeyedStore struct {
	db *badger.DB
}

// Open opens (creating if absent) a Badger database rooted at dir.
func Open(dir string) (*KeyedStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &KeyedStore{db: db}, nil
}

// Close releases the underlying database.
func (s *KeyedStore) Close() error {
	return s.db.Close()
}

func (s *KeyedStore) put(key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (s *KeyedStore) get(key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			value = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return value, value != nil, nil
}

func (s *KeyedStore) delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

func (s *KeyedStore) scanPrefix(prefix string, fn func(value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			item := it.Item()
			if err := item.Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- session.Persister ---

// SaveSession implements session.Persister.
func (s *KeyedStore) SaveSession(_ context.Context, sess *session.Session) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.put(prefixSession+sess.CPK, b)
}

// DeleteSession implements session.Persister.
func (s *KeyedStore) DeleteSession(_ context.Context, cpk string) error {
	return s.delete(prefixSession + cpk)
}

// LoadSessions implements session.Persister.
func (s *KeyedStore) LoadSessions(_ context.Context) ([]*session.Session, error) {
	var out []*session.Session
	err := s.scanPrefix(prefixSession, func(value []byte) error {
		var sess session.Session
		if err := json.Unmarshal(value, &sess); err != nil {
			return err
		}
		out = append(out, &sess)
		return nil
	})
	return out, err
}

// --- auth.TokenPersister ---

// SaveToken implements auth.TokenPersister. The token's derived key is
// unexported and never marshaled, so it never reaches disk.
func (s *KeyedStore) SaveToken(_ context.Context, tok *auth.Token) error {
	b, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return s.put(prefixAuthToken+tok.Value, b)
}

// DeleteToken implements auth.TokenPersister.
func (s *KeyedStore) DeleteToken(_ context.Context, value string) error {
	return s.delete(prefixAuthToken + value)
}

// LoadTokens implements auth.TokenPersister.
func (s *KeyedStore) LoadTokens(_ context.Context) ([]*auth.Token, error) {
	var out []*auth.Token
	err := s.scanPrefix(prefixAuthToken, func(value []byte) error {
		var tok auth.Token
		if err := json.Unmarshal(value, &tok); err != nil {
			return err
		}
		out = append(out, &tok)
		return nil
	})
	return out, err
}

// --- queue.Persister ---

// SaveRequest implements queue.Persister.
func (s *KeyedStore) SaveRequest(_ context.Context, req *queue.Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return s.put(prefixRequest+req.ID, b)
}

// DeleteRequest implements queue.Persister.
func (s *KeyedStore) DeleteRequest(_ context.Context, id string) error {
	return s.delete(prefixRequest + id)
}

// LoadRequests implements queue.Persister.
func (s *KeyedStore) LoadRequests(_ context.Context) ([]*queue.Request, error) {
	var out []*queue.Request
	err := s.scanPrefix(prefixRequest, func(value []byte) error {
		var req queue.Request
		if err := json.Unmarshal(value, &req); err != nil {
			return err
		}
		out = append(out, &req)
		return nil
	})
	return out, err
}

// --- auth.UserStore ---

// GetUser implements auth.UserStore.
func (s *KeyedStore) GetUser(_ context.Context, username string) (*auth.User, bool, error) {
	value, ok, err := s.get(prefixUser + username)
	if err != nil || !ok {
		return nil, ok, err
	}
	var u auth.User
	if err := json.Unmarshal(value, &u); err != nil {
		return nil, false, err
	}
	return &u, true, nil
}

// SaveUser implements auth.UserStore.
func (s *KeyedStore) SaveUser(_ context.Context, u *auth.User) error {
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return s.put(prefixUser+u.Username, b)
}

// AnyUserExists implements auth.UserStore.
func (s *KeyedStore) AnyUserExists(_ context.Context) (bool, error) {
	found := false
	err := s.scanPrefix(prefixUser, func([]byte) error {
		found = true
		return nil
	})
	return found, err
}

// --- transport keys ---

// SaveTransportKey persists a user's transport private key, hex-encoded.
func (s *KeyedStore) SaveTransportKey(userID string, privKeyHex string) error {
	return s.put(prefixTransportKey+userID, []byte(privKeyHex))
}

// LoadTransportKey returns the persisted transport private key for userID, if any.
func (s *KeyedStore) LoadTransportKey(userID string) (string, bool, error) {
	value, ok, err := s.get(prefixTransportKey + userID)
	if err != nil || !ok {
		return "", ok, err
	}
	return string(value), true, nil
}

// --- opaque encrypted credential blobs ---

// SaveCredentialBlob stores an opaque, already-encrypted FROSTR share blob.
func (s *KeyedStore) SaveCredentialBlob(userID string, blob []byte) error {
	return s.put(prefixCredential+userID, blob)
}

// LoadCredentialBlob returns the encrypted blob for userID, if present. The
// caller (Identity Adapter boundary) is responsible for decrypt-on-use with
// the derived user key; the store never sees plaintext shares.
func (s *KeyedStore) LoadCredentialBlob(userID string) ([]byte, bool, error) {
	return s.get(prefixCredential + userID)
}
