package nostrid

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyAndDeriveEventID(t *testing.T) {
	priv, err := GeneratePrivateKey()
	require.NoError(t, err)
	pub, err := PublicKey(priv)
	require.NoError(t, err)
	require.Len(t, pub, 32)

	evt := &Event{
		PubKey:    hex.EncodeToString(pub),
		CreatedAt: 1700000000,
		Kind:      1,
		Tags:      [][]string{},
		Content:   "hello",
	}
	id, err := DeriveEventID(evt)
	require.NoError(t, err)
	assert.Len(t, id, 64)

	id2, err := DeriveEventID(evt)
	require.NoError(t, err)
	assert.Equal(t, id, id2, "serialization must be deterministic")
}

func TestSignAndVerifySignature(t *testing.T) {
	priv, err := GeneratePrivateKey()
	require.NoError(t, err)
	pub, err := PublicKey(priv)
	require.NoError(t, err)

	evt := &Event{PubKey: hex.EncodeToString(pub), CreatedAt: 1700000000, Kind: 1, Tags: [][]string{}, Content: "hi"}
	id, err := DeriveEventID(evt)
	require.NoError(t, err)
	evt.ID = id

	sig, err := Sign(priv, id)
	require.NoError(t, err)
	evt.Sig = sig

	assert.True(t, VerifySignature(evt))

	evt.Content = "tampered"
	assert.True(t, VerifySignature(evt), "VerifySignature only checks id/sig consistency, not content")
}

func TestNormalizePubKeyStripsCompressedPrefix(t *testing.T) {
	xonly := "00000000000000000000000000000000000000000000000000000000000000aa"
	norm, err := NormalizePubKey("02" + xonly)
	require.NoError(t, err)
	assert.Equal(t, xonly, norm)

	_, err = NormalizePubKey("zz")
	assert.Error(t, err)
}

func TestNormalizeTimestampConvertsMilliseconds(t *testing.T) {
	assert.Equal(t, int64(1700000000), NormalizeTimestamp(1700000000))
	assert.Equal(t, int64(1700000000), NormalizeTimestamp(1700000000000))
}

func TestConversationKeyIsSymmetric(t *testing.T) {
	privA, err := GeneratePrivateKey()
	require.NoError(t, err)
	pubA, err := PublicKey(privA)
	require.NoError(t, err)

	privB, err := GeneratePrivateKey()
	require.NoError(t, err)
	pubB, err := PublicKey(privB)
	require.NoError(t, err)

	keyAB, err := ConversationKey(privA, pubB)
	require.NoError(t, err)
	keyBA, err := ConversationKey(privB, pubA)
	require.NoError(t, err)

	assert.Equal(t, keyAB, keyBA)
}

func TestNip44EncryptDecryptRoundTrip(t *testing.T) {
	privA, _ := GeneratePrivateKey()
	pubA, _ := PublicKey(privA)
	privB, _ := GeneratePrivateKey()
	pubB, _ := PublicKey(privB)

	key, err := ConversationKey(privA, pubB)
	require.NoError(t, err)
	keyOther, err := ConversationKey(privB, pubA)
	require.NoError(t, err)

	ciphertext, err := Nip44Encrypt("hello world", key)
	require.NoError(t, err)

	plaintext, err := Nip44Decrypt(ciphertext, keyOther)
	require.NoError(t, err)
	assert.Equal(t, "hello world", plaintext)
}

func TestNip44DecryptRejectsBadMAC(t *testing.T) {
	priv, _ := GeneratePrivateKey()
	pub, _ := PublicKey(priv)
	key, err := ConversationKey(priv, pub)
	require.NoError(t, err)

	ciphertext, err := Nip44Encrypt("secret", key)
	require.NoError(t, err)

	other := make([]byte, 32)
	_, err = Nip44Decrypt(ciphertext, other)
	assert.Error(t, err)
}

func TestNip04EncryptDecryptRoundTrip(t *testing.T) {
	privA, _ := GeneratePrivateKey()
	pubA, _ := PublicKey(privA)
	privB, _ := GeneratePrivateKey()
	pubB, _ := PublicKey(privB)

	secretAB, err := Nip04SharedSecret(privA, pubB)
	require.NoError(t, err)
	secretBA, err := Nip04SharedSecret(privB, pubA)
	require.NoError(t, err)
	require.Equal(t, secretAB, secretBA)

	ciphertext, err := Nip04Encrypt("hello nip04", secretAB)
	require.NoError(t, err)

	plaintext, err := Nip04Decrypt(ciphertext, secretBA)
	require.NoError(t, err)
	assert.Equal(t, "hello nip04", plaintext)
}

func TestNewEnvelopeEventIsSelfConsistent(t *testing.T) {
	priv, err := GeneratePrivateKey()
	require.NoError(t, err)
	pub, err := PublicKey(priv)
	require.NoError(t, err)

	evt, err := NewEnvelopeEvent(priv, pub, "deadbeef", "encrypted-content")
	require.NoError(t, err)
	assert.Equal(t, 24133, evt.Kind)
	assert.True(t, VerifySignature(evt))
}

func TestParseEventFromInterfaceRejectsBadSignature(t *testing.T) {
	m := map[string]interface{}{
		"id":         "aa",
		"pubkey":     "bb",
		"created_at": float64(1700000000),
		"kind":       float64(1),
		"content":    "x",
		"sig":        "00",
		"tags":       []interface{}{},
	}
	_, ok := ParseEventFromInterface(m)
	assert.False(t, ok)
}
