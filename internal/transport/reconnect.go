package transport

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/FROSTR-ORG/igloo-broker/internal/metrics"
)

// reconnectMaxDelay and the 1s base give delay = min(30s, 1s*2^attempt) +
// rand(0,1s), the full-jitter schedule used for every relay subscription
// the broker maintains.
const reconnectMaxDelay = 30 * time.Second

// Reconnector keeps a single relay subscription alive, invoking connectFn
// whenever the previous attempt's connection drops, with full-jitter backoff
// between attempts. Idempotent: calling Start twice on a live reconnector is
// a no-op.
type Reconnector struct {
	relayURL  string
	connectFn func(ctx context.Context) error

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// NewReconnector builds a reconnector for relayURL. connectFn should block
// until the connection closes (e.g. by running the relay's read loop) and
// return the error that ended it.
func NewReconnector(relayURL string, connectFn func(ctx context.Context) error) *Reconnector {
	return &Reconnector{relayURL: relayURL, connectFn: connectFn}
}

// Start launches the reconnect loop in the background. Safe to call
// concurrently; only the first call takes effect until Stop is called.
func (r *Reconnector) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	go r.loop(ctx)
}

// Stop ends the reconnect loop.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
	r.running = false
}

func (r *Reconnector) loop(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		err := r.connectFn(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			attempt = 0
			continue
		}

		delay := fullJitterDelay(attempt)
		metrics.RelayReconnectsTotal.WithLabelValues(r.relayURL).Inc()
		slog.Warn("relay connection dropped, reconnecting", "relay", r.relayURL, "attempt", attempt, "delay", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		attempt++
	}
}

// fullJitterDelay computes min(30s, 1s*2^attempt) + rand(0,1s).
func fullJitterDelay(attempt int) time.Duration {
	base := time.Duration(1) << uint(attempt) * time.Second
	if base > reconnectMaxDelay || base <= 0 {
		base = reconnectMaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	return base + jitter
}

// NewExponentialBackOff builds a cenkalti/backoff exponential policy (1s
// initial interval, 30s interval cap, full randomization; not the
// fullJitterDelay schedule), used by the session, queue and auth packages
// for retrying transient persistence failures (spec §4.7's "persistence retry budget").
func NewExponentialBackOff(maxElapsed time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = reconnectMaxDelay
	b.MaxElapsedTime = maxElapsed
	b.RandomizationFactor = 1.0
	return b
}
