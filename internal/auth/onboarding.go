package auth

import (
	"context"
	"crypto/subtle"
	"errors"
)

// ErrAdminSecretConsumed is returned once onboarding has already completed.
var ErrAdminSecretConsumed = errors.New("admin secret already consumed")

// ErrInvalidAdminSecret is returned when the bearer token does not match.
var ErrInvalidAdminSecret = errors.New("invalid admin secret")

// User is a database-mode operator account.
type User struct {
	ID           string
	Username     string
	PasswordHash string
}

// UserStore persists operator accounts, part of the keyed blob store's
// "users" table (spec §6). Implemented by internal/store's badger-backed
// KeyedStore, matching the teacher's SessionStore/PendingConnStore
// get/set/delete interface shape (cache_interface.go).
type UserStore interface {
	GetUser(ctx context.Context, username string) (*User, bool, error)
	SaveUser(ctx context.Context, u *User) error
	AnyUserExists(ctx context.Context) (bool, error)
}

// Onboarder runs the one-time admin-creation flow gated by ADMIN_SECRET.
// The secret is consumed (never accepted again) once the first admin exists.
type Onboarder struct {
	adminSecret string
	users       UserStore
}

// NewOnboarder builds an Onboarder bound to a fixed ADMIN_SECRET value.
func NewOnboarder(adminSecret string, users UserStore) *Onboarder {
	return &Onboarder{adminSecret: adminSecret, users: users}
}

// CreateFirstAdmin validates the bearer secret, enforces the password
// policy, and creates the first admin account. Subsequent calls fail with
// ErrAdminSecretConsumed once any user exists.
func (o *Onboarder) CreateFirstAdmin(ctx context.Context, bearerSecret, username, password string) (*User, error) {
	exists, err := o.users.AnyUserExists(ctx)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrAdminSecretConsumed
	}

	if o.adminSecret == "" || subtle.ConstantTimeCompare([]byte(bearerSecret), []byte(o.adminSecret)) != 1 {
		return nil, ErrInvalidAdminSecret
	}

	if err := ValidatePasswordPolicy(password); err != nil {
		return nil, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	user := &User{ID: username, Username: username, PasswordHash: hash}
	if err := o.users.SaveUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Authenticate checks username/password against the user store and,
// on success, derives the per-user unwrap key (spec §3 "Derived user key").
func Authenticate(ctx context.Context, users UserStore, username, password string) (*User, []byte, error) {
	user, ok, err := users.GetUser(ctx, username)
	if err != nil {
		return nil, nil, err
	}
	if !ok || !VerifyPassword(password, user.PasswordHash) {
		return nil, nil, errors.New("invalid credentials")
	}
	return user, DeriveUserKey(username, password), nil
}

// BearerAPIKey checks a bearer token against a configured static API key,
// the alternative credential method spec §4.8 allows alongside basic auth.
func BearerAPIKey(provided, configured string) bool {
	if configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(configured)) == 1
}
