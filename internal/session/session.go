// Package session owns the NIP-46 session record, its persistence
// contract, and the per-session policy engine. Record shape is adapted from
// the teacher's BunkerSession (nip46.go) and CachedSession (cache_redis.go),
// generalized from a single outbound client connection into the broker's
// inbound many-client registry keyed by client pubkey.
package session

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Status is the NIP-46 session lifecycle state (spec §4.3).
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
)

var cpkPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// NormalizeCPK trims, lowercases, and validates a client pubkey. Every
// session API must route keys through this before touching the store.
func NormalizeCPK(cpk string) (string, bool) {
	cpk = strings.ToLower(strings.TrimSpace(cpk))
	if !cpkPattern.MatchString(cpk) {
		return "", false
	}
	return cpk, true
}

// Profile is untrusted, display-only metadata from a connect URI or request.
type Profile struct {
	Name  string `json:"name,omitempty"`
	URL   string `json:"url,omitempty"`
	Image string `json:"image,omitempty"`
}

// Policy holds per-method and per-kind authorization decisions. Absent
// entries mean "unknown" (prompt); see Evaluate for resolution rules.
type Policy struct {
	Methods map[string]bool `json:"methods"`
	Kinds   map[string]bool `json:"kinds"`
}

// NewPolicy returns an empty, initialized policy.
func NewPolicy() Policy {
	return Policy{Methods: make(map[string]bool), Kinds: make(map[string]bool)}
}

// Clone deep-copies a policy so callers can mutate it without aliasing the
// stored version.
func (p Policy) Clone() Policy {
	out := NewPolicy()
	for k, v := range p.Methods {
		out.Methods[k] = v
	}
	for k, v := range p.Kinds {
		out.Kinds[k] = v
	}
	return out
}

// Session is the persisted and in-memory record for one client pubkey.
type Session struct {
	CPK           string    `json:"cpk"`
	Status        Status    `json:"status"`
	Profile       Profile   `json:"profile"`
	Policy        Policy    `json:"policy"`
	Requested     *Policy   `json:"requested,omitempty"`
	Relays        []string  `json:"relays"`
	CreatedAt     time.Time `json:"created_at"`
	LastActiveAt  time.Time `json:"last_active_at"`
	RecentKinds   []string  `json:"recent_kinds"`
	RecentMethods []string  `json:"recent_methods"`
	UpdatedAt     time.Time `json:"updated_at"`
}

const recentHistoryLimit = 20

// touchRecent prepends value to list, deduplicating and bounding its length.
func touchRecent(list []string, value string) []string {
	filtered := make([]string, 0, len(list)+1)
	filtered = append(filtered, value)
	for _, v := range list {
		if v != value {
			filtered = append(filtered, v)
		}
	}
	if len(filtered) > recentHistoryLimit {
		filtered = filtered[:recentHistoryLimit]
	}
	return filtered
}

// Touch records activity: bumps last_active_at and the recent method/kind
// history. method is always recorded; kind only when present (sign_event).
func (s *Session) Touch(method string, kind *int) {
	now := time.Now()
	s.LastActiveAt = now
	s.UpdatedAt = now
	if method != "" {
		s.RecentMethods = touchRecent(s.RecentMethods, method)
	}
	if kind != nil {
		s.RecentKinds = touchRecent(s.RecentKinds, strconv.Itoa(*kind))
	}
}

// MergeRelays adds new relay URLs to the session's known set, deduplicated.
func (s *Session) MergeRelays(relays ...string) {
	seen := make(map[string]bool, len(s.Relays))
	for _, r := range s.Relays {
		seen[r] = true
	}
	for _, r := range relays {
		r = strings.TrimSpace(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		s.Relays = append(s.Relays, r)
	}
}
