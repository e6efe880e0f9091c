package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/FROSTR-ORG/igloo-broker/internal/session"
)

// ConnectURI is a parsed nostrconnect:// invitation (spec §6). Ported from
// the teacher's GenerateNostrConnectURL (nostrconnect.go), which built this
// shape for an outbound client; here the broker is the signer side and only
// parses URIs pasted by the operator.
type ConnectURI struct {
	ClientPubkey string
	Relays       []string
	Secret       string
	Name         string
	URL          string
	Image        string
	Perms        string
}

// ParseConnectURI parses nostrconnect://<client_pubkey>?relay=...&secret=...
func ParseConnectURI(raw string) (*ConnectURI, error) {
	if !strings.HasPrefix(raw, "nostrconnect://") {
		return nil, errors.New("invalid connect uri: must start with nostrconnect://")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid connect uri: %w", err)
	}

	cpk, ok := session.NormalizeCPK(u.Host)
	if !ok {
		return nil, errors.New("invalid connect uri: client pubkey must be 64 hex chars")
	}

	q := u.Query()
	relays := q["relay"]
	if len(relays) == 0 {
		return nil, errors.New("connect uri must specify at least one relay")
	}

	return &ConnectURI{
		ClientPubkey: cpk,
		Relays:       relays,
		Secret:       q.Get("secret"),
		Name:         q.Get("name"),
		URL:          q.Get("url"),
		Image:        q.Get("image"),
		Perms:        q.Get("perms"),
	}, nil
}

// ParseRequestedPerms parses the nostrconnect "perms" query param or a
// connect-method "requested_perms" param into a Policy. Accepted forms (spec
// §6): a CSV string like "sign_event:1,nip44_encrypt" or a JSON object
// {methods, kinds}.
func ParseRequestedPerms(raw string) session.Policy {
	policy := session.NewPolicy()
	if raw == "" {
		return policy
	}

	if strings.HasPrefix(strings.TrimSpace(raw), "{") {
		var obj struct {
			Methods map[string]bool `json:"methods"`
			Kinds   map[string]bool `json:"kinds"`
		}
		if err := json.Unmarshal([]byte(raw), &obj); err == nil {
			if obj.Methods != nil {
				policy.Methods = obj.Methods
			}
			if obj.Kinds != nil {
				policy.Kinds = obj.Kinds
			}
			return policy
		}
	}

	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		method := parts[0]
		if method == "sign_event" && len(parts) == 2 {
			if _, err := strconv.Atoi(parts[1]); err == nil {
				policy.Kinds[parts[1]] = true
				continue
			}
		}
		policy.Methods[method] = true
	}
	return policy
}
