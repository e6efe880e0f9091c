package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, VerifyPassword("correct horse battery staple", hash))
	assert.False(t, VerifyPassword("wrong password", hash))
}

func TestValidatePasswordPolicy(t *testing.T) {
	assert.NoError(t, ValidatePasswordPolicy("Str0ng!Pass"))
	assert.ErrorIs(t, ValidatePasswordPolicy("short1!"), ErrWeakPassword)
	assert.ErrorIs(t, ValidatePasswordPolicy("alllowercase1!"), ErrWeakPassword)
	assert.ErrorIs(t, ValidatePasswordPolicy("NOUPPERORLOWER"), ErrWeakPassword)
	assert.ErrorIs(t, ValidatePasswordPolicy("NoDigitsHere!"), ErrWeakPassword)
	assert.ErrorIs(t, ValidatePasswordPolicy("NoSymbolsHere1"), ErrWeakPassword)
}

func TestDeriveUserKeyIsDeterministicPerUser(t *testing.T) {
	k1 := DeriveUserKey("alice", "password1")
	k2 := DeriveUserKey("alice", "password1")
	k3 := DeriveUserKey("bob", "password1")
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}

func TestMemoryRateLimiterFixedWindow(t *testing.T) {
	rl := NewMemoryRateLimiter()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := rl.Allow(ctx, "client1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed)
	}
	allowed, _, err := rl.Allow(ctx, "client1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestMemoryRateLimiterIsolatesKeys(t *testing.T) {
	rl := NewMemoryRateLimiter()
	ctx := context.Background()

	allowed, _, err := rl.Allow(ctx, "client1", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, err = rl.Allow(ctx, "client2", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestMemoryRateLimiterResetsAfterWindow(t *testing.T) {
	rl := NewMemoryRateLimiter()
	ctx := context.Background()

	allowed, _, err := rl.Allow(ctx, "client1", 1, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, allowed)

	time.Sleep(5 * time.Millisecond)

	allowed, _, err = rl.Allow(ctx, "client1", 1, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, allowed, "a new window should reset the counter")
}

func TestGatewayIssueAndValidate(t *testing.T) {
	g := NewGateway(time.Hour, time.Hour*24, nil)
	tok, err := g.Issue("alice", []byte("derived-key"))
	require.NoError(t, err)

	got, err := g.Validate(tok.Value)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, []byte("derived-key"), g.DerivedKey(tok.Value))
}

func TestGatewayValidateUnknownToken(t *testing.T) {
	g := NewGateway(time.Hour, time.Hour*24, nil)
	_, err := g.Validate("nonexistent")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestGatewayValidateExpiresOnIdleTimeout(t *testing.T) {
	g := NewGateway(time.Millisecond, time.Hour, nil)
	tok, err := g.Issue("alice", nil)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = g.Validate(tok.Value)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestGatewayRevokeZeroesDerivedKey(t *testing.T) {
	g := NewGateway(time.Hour, time.Hour*24, nil)
	tok, err := g.Issue("alice", []byte("derived-key"))
	require.NoError(t, err)

	g.Revoke(tok.Value)
	assert.Nil(t, g.DerivedKey(tok.Value))

	_, err = g.Validate(tok.Value)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestGatewayReapExpiredRemovesStaleTokens(t *testing.T) {
	g := NewGateway(time.Millisecond, time.Hour, nil)
	tok, err := g.Issue("alice", nil)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	g.ReapExpired()

	_, err = g.Validate(tok.Value)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

type fakeUserStore struct {
	mu    sync.Mutex
	users map[string]*User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: make(map[string]*User)}
}

func (f *fakeUserStore) GetUser(_ context.Context, username string) (*User, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[username]
	return u, ok, nil
}

func (f *fakeUserStore) SaveUser(_ context.Context, u *User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.Username] = u
	return nil
}

func (f *fakeUserStore) AnyUserExists(_ context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users) > 0, nil
}

func TestOnboarderCreateFirstAdminThenConsumesSecret(t *testing.T) {
	store := newFakeUserStore()
	onboarder := NewOnboarder("secret123", store)
	ctx := context.Background()

	user, err := onboarder.CreateFirstAdmin(ctx, "secret123", "alice", "Str0ng!Pass")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)

	_, err = onboarder.CreateFirstAdmin(ctx, "secret123", "bob", "Str0ng!Pass")
	assert.ErrorIs(t, err, ErrAdminSecretConsumed)
}

func TestOnboarderRejectsInvalidSecret(t *testing.T) {
	store := newFakeUserStore()
	onboarder := NewOnboarder("secret123", store)
	_, err := onboarder.CreateFirstAdmin(context.Background(), "wrong", "alice", "Str0ng!Pass")
	assert.ErrorIs(t, err, ErrInvalidAdminSecret)
}

func TestOnboarderRejectsWeakPassword(t *testing.T) {
	store := newFakeUserStore()
	onboarder := NewOnboarder("secret123", store)
	_, err := onboarder.CreateFirstAdmin(context.Background(), "secret123", "alice", "weak")
	assert.ErrorIs(t, err, ErrWeakPassword)
}

func TestAuthenticateSucceedsAndDerivesKey(t *testing.T) {
	store := newFakeUserStore()
	hash, err := HashPassword("Str0ng!Pass")
	require.NoError(t, err)
	require.NoError(t, store.SaveUser(context.Background(), &User{ID: "alice", Username: "alice", PasswordHash: hash}))

	user, key, err := Authenticate(context.Background(), store, "alice", "Str0ng!Pass")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, DeriveUserKey("alice", "Str0ng!Pass"), key)
}

func TestAuthenticateRejectsWrongPassword(t *testing.T) {
	store := newFakeUserStore()
	hash, err := HashPassword("Str0ng!Pass")
	require.NoError(t, err)
	require.NoError(t, store.SaveUser(context.Background(), &User{ID: "alice", Username: "alice", PasswordHash: hash}))

	_, _, err = Authenticate(context.Background(), store, "alice", "wrong")
	assert.Error(t, err)
}

func TestAuthenticateRejectsUnknownUser(t *testing.T) {
	store := newFakeUserStore()
	_, _, err := Authenticate(context.Background(), store, "ghost", "whatever")
	assert.Error(t, err)
}

func TestBearerAPIKey(t *testing.T) {
	assert.True(t, BearerAPIKey("key1", "key1"))
	assert.False(t, BearerAPIKey("key1", "key2"))
	assert.False(t, BearerAPIKey("key1", ""))
}
