package nostrid

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Event is a Nostr event, ported from the teacher's relay.go Event struct.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig,omitempty"`
}

// millisecondThreshold distinguishes millisecond from second Unix timestamps
// (spec §4.2: values above 10^12 are milliseconds).
const millisecondThreshold = 1_000_000_000_000

// NormalizePubKey lowercases a hex pubkey and strips a leading compressed-point
// prefix byte (0x02/0x03) if a 33-byte key was supplied, per spec §4.2.
func NormalizePubKey(pubkeyHex string) (string, error) {
	pubkeyHex = strings.ToLower(strings.TrimSpace(pubkeyHex))
	raw, err := hex.DecodeString(pubkeyHex)
	if err != nil {
		return "", errors.New("invalid pubkey hex")
	}
	switch len(raw) {
	case 32:
		return pubkeyHex, nil
	case 33:
		if raw[0] != 0x02 && raw[0] != 0x03 {
			return "", errors.New("invalid compressed pubkey prefix")
		}
		return hex.EncodeToString(raw[1:]), nil
	default:
		return "", errors.New("pubkey must be 32 or 33 bytes")
	}
}

// NormalizeTimestamp converts a millisecond timestamp to seconds if needed.
func NormalizeTimestamp(ts int64) int64 {
	if ts > millisecondThreshold {
		return ts / 1000
	}
	return ts
}

// CanonicalSerialize produces the fixed 6-element NIP-01 array used for
// event-id derivation, with no extra whitespace.
func CanonicalSerialize(e *Event) ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = [][]string{}
	}
	arr := []interface{}{0, e.PubKey, NormalizeTimestamp(e.CreatedAt), e.Kind, tags, e.Content}
	return json.Marshal(arr)
}

// DeriveEventID computes SHA-256(canonical-serialization(event)) as lowercase hex.
func DeriveEventID(e *Event) (string, error) {
	if e.Kind < 0 {
		return "", errors.New("kind must be a non-negative integer")
	}
	serialized, err := CanonicalSerialize(e)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(serialized)
	return hex.EncodeToString(hash[:]), nil
}

// VerifySignature checks a BIP-340 Schnorr signature over an event id.
func VerifySignature(evt *Event) bool {
	if len(evt.Sig) != 128 || len(evt.PubKey) != 64 {
		return false
	}
	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil {
		return false
	}
	pubKeyBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil {
		return false
	}
	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return false
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}
	return sig.Verify(idBytes, pubKey)
}

// Sign signs an event id with a raw secp256k1 private key, used only for the
// broker's own transport-layer kind-24133 envelopes (never for the user's
// signing identity, which lives exclusively in the Identity Signer).
func Sign(privKeyBytes []byte, eventID string) (string, error) {
	privKey, _ := btcec.PrivKeyFromBytes(privKeyBytes)
	if privKey == nil {
		return "", errors.New("invalid private key")
	}
	idBytes, err := hex.DecodeString(eventID)
	if err != nil {
		return "", errors.New("invalid event id hex")
	}
	sig, err := schnorr.Sign(privKey, idBytes)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

// NewEnvelopeEvent builds and signs a kind-24133 NIP-46 transport envelope.
func NewEnvelopeEvent(privKey, pubKey []byte, targetPubKeyHex, content string) (*Event, error) {
	evt := &Event{
		PubKey:    hex.EncodeToString(pubKey),
		CreatedAt: time.Now().Unix(),
		Kind:      24133,
		Tags:      [][]string{{"p", targetPubKeyHex}},
		Content:   content,
	}
	id, err := DeriveEventID(evt)
	if err != nil {
		return nil, err
	}
	evt.ID = id
	sig, err := Sign(privKey, id)
	if err != nil {
		return nil, err
	}
	evt.Sig = sig
	return evt, nil
}

// ParseEventFromInterface converts a decoded JSON message element (as
// produced by a relay's ["EVENT", subID, {...}] frame) into an Event.
// Ported from the teacher's parseEventFromInterface in relay.go.
func ParseEventFromInterface(data interface{}) (Event, bool) {
	m, ok := data.(map[string]interface{})
	if !ok {
		return Event{}, false
	}

	evt := Event{}
	if id, ok := m["id"].(string); ok {
		evt.ID = id
	}
	if pk, ok := m["pubkey"].(string); ok {
		evt.PubKey = pk
	}
	if createdAt, ok := m["created_at"].(float64); ok {
		evt.CreatedAt = int64(createdAt)
	}
	if kind, ok := m["kind"].(float64); ok {
		evt.Kind = int(kind)
	}
	if content, ok := m["content"].(string); ok {
		evt.Content = content
	}
	if sig, ok := m["sig"].(string); ok {
		evt.Sig = sig
	}
	if tags, ok := m["tags"].([]interface{}); ok {
		evt.Tags = make([][]string, 0, len(tags))
		for _, tag := range tags {
			if tagArr, ok := tag.([]interface{}); ok {
				strTag := make([]string, 0, len(tagArr))
				for _, elem := range tagArr {
					if s, ok := elem.(string); ok {
						strTag = append(strTag, s)
					}
				}
				evt.Tags = append(evt.Tags, strTag)
			}
		}
	}

	if evt.Sig != "" && !VerifySignature(&evt) {
		return Event{}, false
	}

	return evt, evt.ID != ""
}
