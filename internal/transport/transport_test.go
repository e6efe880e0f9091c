package transport

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
)

func TestIsRelayURLSafeRejectsNonWSSchemes(t *testing.T) {
	assert.False(t, IsRelayURLSafe("http://relay.example.com"))
	assert.False(t, IsRelayURLSafe("not a url"))
	assert.False(t, IsRelayURLSafe("ws://"))
}

func TestIsRelayURLSafeAllowsLocalhost(t *testing.T) {
	assert.True(t, IsRelayURLSafe("ws://localhost:8080"))
	assert.True(t, IsRelayURLSafe("ws://127.0.0.1:8080"))
}

func TestIsRelayURLSafeRejectsLinkLocalMetadataHost(t *testing.T) {
	assert.False(t, IsRelayURLSafe("ws://169.254.169.254/latest/meta-data"))
}

func TestIsRelayURLSafeRejectsPrivateIPLiteral(t *testing.T) {
	assert.False(t, IsRelayURLSafe("ws://10.0.0.5:8080"))
	assert.False(t, IsRelayURLSafe("ws://192.168.1.1:8080"))
}

func TestUnionRelaysDeduplicatesAndCaps(t *testing.T) {
	out := UnionRelays(3, []string{"wss://a", "wss://b"}, []string{"wss://b", "wss://c", "wss://d"})
	assert.Equal(t, []string{"wss://a", "wss://b", "wss://c"}, out)
}

func TestUnionRelaysTrimsAndSkipsBlank(t *testing.T) {
	out := UnionRelays(10, []string{" wss://a ", "", "  "})
	assert.Equal(t, []string{"wss://a"}, out)
}

func TestFullJitterDelayBounds(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		d := fullJitterDelay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, reconnectMaxDelay+time.Second)
	}
}

func TestFullJitterDelayCapsAtMax(t *testing.T) {
	d := fullJitterDelay(30)
	assert.LessOrEqual(t, d, reconnectMaxDelay+time.Second)
}

func TestNewExponentialBackOffHonorsMaxElapsed(t *testing.T) {
	b := NewExponentialBackOff(5 * time.Second)
	assert.NotNil(t, b.NextBackOff())
	if assert.IsType(t, &backoff.ExponentialBackOff{}, b) {
		assert.Equal(t, 5*time.Second, b.(*backoff.ExponentialBackOff).MaxElapsedTime)
	}
}
