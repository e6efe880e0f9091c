// Package codec handles NIP-46 JSON-RPC envelope encryption and parsing:
// schema-tolerant decode of inbound kind-24133 content, and NIP-44-first
// encrypt of outbound responses. Ported from the teacher's nip46.go
// (NIP46Request/NIP46Response, createNIP46Event, sendRequest's
// encrypt-then-wrap sequence), generalized from the client-initiated
// "ask a bunker" flow into the broker's inbound-request / outbound-response
// shape.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/FROSTR-ORG/igloo-broker/internal/nostrid"
)

// Request is a NIP-46 JSON-RPC request as carried in an envelope's decrypted
// content.
type Request struct {
	ID     string        `json:"id"`
	Method string        `json:"method"`
	Params []string      `json:"params,omitempty"`
	Raw    []interface{} `json:"-"`
}

// Response is a NIP-46 JSON-RPC response.
type Response struct {
	ID     string `json:"id"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// rawEnvelope is schema-tolerant: a valid envelope has an id and either a
// method (request) or a result/error (response), per spec §4.3.
type rawEnvelope struct {
	ID     string          `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result string          `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// DecodeRequest parses decrypted envelope content into a Request. Params may
// be a JSON array of strings (NIP-46) or a single stringified JSON array, as
// some signer implementations differ; both are accepted.
func DecodeRequest(content string) (*Request, error) {
	var raw rawEnvelope
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("invalid envelope json: %w", err)
	}
	if raw.ID == "" {
		return nil, errors.New("envelope missing id")
	}
	if raw.Method == "" {
		return nil, errors.New("envelope is not a request")
	}

	req := &Request{ID: raw.ID, Method: raw.Method}
	if len(raw.Params) > 0 {
		var params []string
		if err := json.Unmarshal(raw.Params, &params); err == nil {
			req.Params = params
		} else {
			var single string
			if err := json.Unmarshal(raw.Params, &single); err == nil {
				var inner []string
				if err := json.Unmarshal([]byte(single), &inner); err == nil {
					req.Params = inner
				} else {
					req.Params = []string{single}
				}
			}
		}
	}
	return req, nil
}

// DecodeResponse parses decrypted envelope content into a Response.
func DecodeResponse(content string) (*Response, error) {
	var raw rawEnvelope
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("invalid envelope json: %w", err)
	}
	if raw.ID == "" {
		return nil, errors.New("envelope missing id")
	}
	if raw.Result == "" && raw.Error == "" {
		return nil, errors.New("envelope is not a response")
	}
	return &Response{ID: raw.ID, Result: raw.Result, Error: raw.Error}, nil
}

// EncodeResponse serializes a Response for encryption.
func EncodeResponse(resp *Response) (string, error) {
	b, err := json.Marshal(resp)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EncodeRequest serializes a Request for encryption.
func EncodeRequest(req *Request) (string, error) {
	b, err := json.Marshal(struct {
		ID     string   `json:"id"`
		Method string   `json:"method"`
		Params []string `json:"params"`
	}{req.ID, req.Method, req.Params})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecryptEnvelope tries NIP-44 first and falls back to NIP-04, matching
// spec §4.3's "accept either, always respond with NIP-44" rule. It returns
// the plaintext and which scheme succeeded.
func DecryptEnvelope(content string, conversationKey, nip04Secret []byte) (plaintext string, usedNip44 bool, err error) {
	plaintext, err44 := nostrid.Nip44Decrypt(content, conversationKey)
	if err44 == nil {
		return plaintext, true, nil
	}
	if nip04Secret != nil {
		plaintext, err04 := nostrid.Nip04Decrypt(content, nip04Secret)
		if err04 == nil {
			return plaintext, false, nil
		}
	}
	return "", false, fmt.Errorf("envelope decryption failed: %w", err44)
}

// EncryptEnvelope always encrypts outbound content with NIP-44, per spec §4.3.
func EncryptEnvelope(plaintext string, conversationKey []byte) (string, error) {
	return nostrid.Nip44Encrypt(plaintext, conversationKey)
}

// BuildEnvelopeEvent encrypts content and wraps it in a signed kind-24133
// event addressed to targetPubKeyHex.
func BuildEnvelopeEvent(transportPrivKey, transportPubKey []byte, targetPubKeyHex string, conversationKey []byte, content string) (*nostrid.Event, error) {
	encrypted, err := EncryptEnvelope(content, conversationKey)
	if err != nil {
		return nil, err
	}
	return nostrid.NewEnvelopeEvent(transportPrivKey, transportPubKey, targetPubKeyHex, encrypted)
}
