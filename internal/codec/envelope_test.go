package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FROSTR-ORG/igloo-broker/internal/nostrid"
)

func TestDecodeRequestParsesArrayParams(t *testing.T) {
	req, err := DecodeRequest(`{"id":"1","method":"ping","params":["a","b"]}`)
	require.NoError(t, err)
	assert.Equal(t, "ping", req.Method)
	assert.Equal(t, []string{"a", "b"}, req.Params)
}

func TestDecodeRequestRejectsMissingID(t *testing.T) {
	_, err := DecodeRequest(`{"method":"ping"}`)
	assert.Error(t, err)
}

func TestDecodeRequestRejectsResponseShapedContent(t *testing.T) {
	_, err := DecodeRequest(`{"id":"1","result":"ack"}`)
	assert.Error(t, err)
}

func TestDecodeResponseParsesResultOrError(t *testing.T) {
	resp, err := DecodeResponse(`{"id":"1","result":"ack"}`)
	require.NoError(t, err)
	assert.Equal(t, "ack", resp.Result)

	resp, err = DecodeResponse(`{"id":"1","error":"denied"}`)
	require.NoError(t, err)
	assert.Equal(t, "denied", resp.Error)
}

func TestEncodeDecodeRequestRoundTrip(t *testing.T) {
	req := &Request{ID: "1", Method: "sign_event", Params: []string{`{"kind":1}`}}
	encoded, err := EncodeRequest(req)
	require.NoError(t, err)

	decoded, err := DecodeRequest(encoded)
	require.NoError(t, err)
	assert.Equal(t, req.Method, decoded.Method)
	assert.Equal(t, req.Params, decoded.Params)
}

func TestDecryptEnvelopePrefersNip44(t *testing.T) {
	privA, _ := nostrid.GeneratePrivateKey()
	pubA, _ := nostrid.PublicKey(privA)
	privB, _ := nostrid.GeneratePrivateKey()
	pubB, _ := nostrid.PublicKey(privB)

	convKeyAB, err := nostrid.ConversationKey(privA, pubB)
	require.NoError(t, err)
	convKeyBA, err := nostrid.ConversationKey(privB, pubA)
	require.NoError(t, err)

	encrypted, err := EncryptEnvelope(`{"id":"1","method":"ping"}`, convKeyAB)
	require.NoError(t, err)

	plaintext, usedNip44, err := DecryptEnvelope(encrypted, convKeyBA, nil)
	require.NoError(t, err)
	assert.True(t, usedNip44)
	assert.Contains(t, plaintext, "ping")
}

func TestDecryptEnvelopeFallsBackToNip04(t *testing.T) {
	privA, _ := nostrid.GeneratePrivateKey()
	pubA, _ := nostrid.PublicKey(privA)
	privB, _ := nostrid.GeneratePrivateKey()
	pubB, _ := nostrid.PublicKey(privB)

	secretAB, err := nostrid.Nip04SharedSecret(privA, pubB)
	require.NoError(t, err)
	secretBA, err := nostrid.Nip04SharedSecret(privB, pubA)
	require.NoError(t, err)

	encrypted, err := nostrid.Nip04Encrypt(`{"id":"1","method":"ping"}`, secretAB)
	require.NoError(t, err)

	wrongNip44Key := make([]byte, 32)
	plaintext, usedNip44, err := DecryptEnvelope(encrypted, wrongNip44Key, secretBA)
	require.NoError(t, err)
	assert.False(t, usedNip44)
	assert.Contains(t, plaintext, "ping")
}

func TestDecryptEnvelopeFailsWhenBothSchemesFail(t *testing.T) {
	_, _, err := DecryptEnvelope("not-a-valid-envelope", make([]byte, 32), make([]byte, 32))
	assert.Error(t, err)
}

func TestBuildEnvelopeEventProducesVerifiableEvent(t *testing.T) {
	transportPriv, err := nostrid.GeneratePrivateKey()
	require.NoError(t, err)
	transportPub, err := nostrid.PublicKey(transportPriv)
	require.NoError(t, err)

	peerPriv, err := nostrid.GeneratePrivateKey()
	require.NoError(t, err)
	peerPub, err := nostrid.PublicKey(peerPriv)
	require.NoError(t, err)

	convKey, err := nostrid.ConversationKey(transportPriv, peerPub)
	require.NoError(t, err)

	evt, err := BuildEnvelopeEvent(transportPriv, transportPub, "aa", convKey, `{"id":"1","result":"ack"}`)
	require.NoError(t, err)
	assert.True(t, nostrid.VerifySignature(evt))
}
