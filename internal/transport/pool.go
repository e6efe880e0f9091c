// Package transport manages websocket connections to Nostr relays: SSRF-safe
// URL validation, connection pooling, subscription routing, and a
// full-jitter backoff reconnect loop. Ported from the teacher's
// relay_pool.go/relay.go, generalized from a single feed-reader connection
// per relay into a broker-wide pool shared across the transport keypair's
// subscriptions and publishes.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/FROSTR-ORG/igloo-broker/internal/nostrid"
)

// IsRelayURLSafe validates that a relay URL is safe to dial: only ws/wss
// schemes, and no private, link-local, unspecified, multicast or cloud
// metadata addresses (localhost is allowed for local development).
func IsRelayURLSafe(relayURL string) bool {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return false
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return false
	}

	host := parsed.Hostname()
	if host == "" {
		return false
	}
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		if strings.HasSuffix(host, ".") || strings.Contains(host, ".local") || strings.Contains(host, ".internal") {
			return false
		}
		return true
	}

	for _, ip := range ips {
		if !isRelayIPSafe(ip) {
			return false
		}
	}
	return true
}

func isRelayIPSafe(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	if ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast() {
		return false
	}
	if ip.Equal(net.ParseIP("169.254.169.254")) {
		return false
	}
	return true
}

// UnionRelays merges several relay lists into a deduplicated set capped at max.
func UnionRelays(max int, lists ...[]string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, max)
	for _, list := range lists {
		for _, r := range list {
			r = strings.TrimSpace(r)
			if r == "" || seen[r] {
				continue
			}
			seen[r] = true
			out = append(out, r)
			if len(out) >= max {
				return out
			}
		}
	}
	return out
}

// Subscription is an active REQ on a relay connection.
type Subscription struct {
	ID        string
	EventChan chan nostrid.Event
	EOSEChan  chan bool
	Done      chan struct{}
	closeOnce sync.Once
}

// Close closes Done exactly once, safe to call concurrently.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() { close(s.Done) })
}

// RelayConn manages one websocket connection with its subscriptions and its
// own reconnect state.
type RelayConn struct {
	conn          *websocket.Conn
	relayURL      string
	mu            sync.Mutex
	writeMu       sync.Mutex
	subscriptions map[string]*Subscription
	closed        bool
	lastActivity  time.Time
	attempts      int
}

// Pool manages connections to a set of relays and owns the reconnect loop.
type Pool struct {
	mu          sync.RWMutex
	connections map[string]*RelayConn
	onEvent     func(relayURL string, evt nostrid.Event)
	onEventMu   sync.RWMutex
}

// NewPool creates an empty connection pool. onEvent, if non-nil, is invoked
// for every inbound EVENT regardless of subscription (used by the broker to
// route kind-24133 envelopes to the codec).
func NewPool(onEvent func(relayURL string, evt nostrid.Event)) *Pool {
	p := &Pool{
		connections: make(map[string]*RelayConn),
		onEvent:     onEvent,
	}
	go p.cleanupLoop()
	return p
}

// SetOnEvent replaces the pool's event callback. Used when the callback
// needs a reference to a component (the broker Core) constructed after the
// pool itself, since the Core's Sender needs a live *Pool to be built.
func (p *Pool) SetOnEvent(onEvent func(relayURL string, evt nostrid.Event)) {
	p.onEventMu.Lock()
	defer p.onEventMu.Unlock()
	p.onEvent = onEvent
}

func (p *Pool) getOrCreateConn(ctx context.Context, relayURL string) (*RelayConn, error) {
	if !IsRelayURLSafe(relayURL) {
		return nil, errors.New("relay URL blocked: unsafe destination")
	}

	p.mu.RLock()
	rc := p.connections[relayURL]
	p.mu.RUnlock()
	if rc != nil && !rc.closed {
		return rc, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	rc = p.connections[relayURL]
	if rc != nil && !rc.closed {
		return rc, nil
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return nil, err
	}

	rc = &RelayConn{
		conn:          conn,
		relayURL:      relayURL,
		subscriptions: make(map[string]*Subscription),
		lastActivity:  time.Now(),
	}
	p.connections[relayURL] = rc

	go p.readLoop(rc)
	return rc, nil
}

// Subscribe issues REQ on relayURL with the given filter, redialing when the
// cached connection has gone stale (up to three attempts in all).
func (p *Pool) Subscribe(ctx context.Context, relayURL, subID string, filter map[string]interface{}) (*Subscription, error) {
	const maxRetries = 3
	var rc *RelayConn
	var err error
	connected := false

	for attempt := 0; attempt < maxRetries; attempt++ {
		rc, err = p.getOrCreateConn(ctx, relayURL)
		if err != nil {
			return nil, err
		}
		rc.mu.Lock()
		if rc.closed {
			rc.mu.Unlock()
			p.mu.Lock()
			delete(p.connections, relayURL)
			p.mu.Unlock()
			continue
		}
		connected = true
		break
	}
	if !connected {
		return nil, errors.New("failed to establish connection after retries")
	}

	sub := &Subscription{
		ID:        subID,
		EventChan: make(chan nostrid.Event, 100),
		EOSEChan:  make(chan bool, 1),
		Done:      make(chan struct{}),
	}
	rc.subscriptions[subID] = sub
	rc.mu.Unlock()

	req := []interface{}{"REQ", subID, filter}
	rc.writeMu.Lock()
	err = rc.conn.WriteJSON(req)
	rc.writeMu.Unlock()
	if err != nil {
		rc.mu.Lock()
		delete(rc.subscriptions, subID)
		rc.mu.Unlock()
		rc.markClosed()
		return nil, err
	}

	rc.mu.Lock()
	rc.lastActivity = time.Now()
	rc.mu.Unlock()
	return sub, nil
}

// Unsubscribe sends CLOSE for sub on relayURL (best effort) and releases it.
func (p *Pool) Unsubscribe(relayURL string, sub *Subscription) {
	if sub == nil {
		return
	}
	p.mu.RLock()
	rc := p.connections[relayURL]
	p.mu.RUnlock()
	if rc == nil {
		return
	}

	rc.mu.Lock()
	_, exists := rc.subscriptions[sub.ID]
	shouldClose := !rc.closed && exists
	if exists {
		delete(rc.subscriptions, sub.ID)
	}
	rc.mu.Unlock()

	if shouldClose {
		rc.writeMu.Lock()
		rc.conn.WriteJSON([]interface{}{"CLOSE", sub.ID})
		rc.writeMu.Unlock()
	}
	sub.Close()
}

// SubscribeResilient behaves like Subscribe but keeps the subscription alive
// across connection drops: a Reconnector redials relayURL and reissues REQ
// with full-jitter backoff (spec §4.1's "reconnect, resubscribe"), forwarding
// events into the long-lived Subscription returned to the caller.
func (p *Pool) SubscribeResilient(ctx context.Context, relayURL, subID string, filter map[string]interface{}) *Subscription {
	sub := &Subscription{
		ID:        subID,
		EventChan: make(chan nostrid.Event, 100),
		EOSEChan:  make(chan bool, 1),
		Done:      make(chan struct{}),
	}

	forward := func(inner *Subscription) {
		for {
			select {
			case evt := <-inner.EventChan:
				select {
				case sub.EventChan <- evt:
				case <-sub.Done:
					return
				}
			case <-inner.Done:
				return
			case <-sub.Done:
				return
			}
		}
	}

	reconnector := NewReconnector(relayURL, func(ctx context.Context) error {
		inner, err := p.Subscribe(ctx, relayURL, subID, filter)
		if err != nil {
			return err
		}
		go forward(inner)
		<-inner.Done
		return errors.New("subscription connection closed")
	})
	reconnector.Start(ctx)

	go func() {
		<-sub.Done
		reconnector.Stop()
	}()

	return sub
}

// Publish dials relayURL if needed and writes an EVENT frame.
func (p *Pool) Publish(ctx context.Context, relayURL string, evt *nostrid.Event) error {
	rc, err := p.getOrCreateConn(ctx, relayURL)
	if err != nil {
		return err
	}
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	return rc.conn.WriteJSON([]interface{}{"EVENT", evt})
}

func (p *Pool) readLoop(rc *RelayConn) {
	defer rc.markClosed()

	for {
		var msg []interface{}
		if err := rc.conn.ReadJSON(&msg); err != nil {
			rc.mu.Lock()
			closed := rc.closed
			rc.mu.Unlock()
			if !closed {
				slog.Warn("relay read error", "relay", rc.relayURL, "error", err)
			}
			return
		}

		rc.mu.Lock()
		rc.lastActivity = time.Now()
		rc.mu.Unlock()

		if len(msg) < 2 {
			continue
		}
		msgType, ok := msg[0].(string)
		if !ok {
			continue
		}

		switch msgType {
		case "EVENT":
			if len(msg) < 3 {
				continue
			}
			subID, _ := msg[1].(string)
			evt, ok := nostrid.ParseEventFromInterface(msg[2])
			if !ok {
				continue
			}

			p.onEventMu.RLock()
			onEvent := p.onEvent
			p.onEventMu.RUnlock()
			if onEvent != nil {
				onEvent(rc.relayURL, evt)
			}

			rc.mu.Lock()
			sub := rc.subscriptions[subID]
			rc.mu.Unlock()
			if sub != nil {
				select {
				case sub.EventChan <- evt:
				case <-sub.Done:
				default:
				}
			}

		case "EOSE":
			if len(msg) < 2 {
				continue
			}
			subID, _ := msg[1].(string)
			rc.mu.Lock()
			sub := rc.subscriptions[subID]
			rc.mu.Unlock()
			if sub != nil {
				select {
				case sub.EOSEChan <- true:
				default:
				}
			}

		case "CLOSED":
			if len(msg) >= 2 {
				subID, _ := msg[1].(string)
				rc.mu.Lock()
				sub := rc.subscriptions[subID]
				if sub != nil {
					delete(rc.subscriptions, subID)
				}
				rc.mu.Unlock()
				if sub != nil {
					sub.Close()
				}
			}

		case "NOTICE":
			if len(msg) >= 2 {
				notice, _ := msg[1].(string)
				slog.Info("relay notice", "relay", rc.relayURL, "notice", notice)
			}
		}
	}
}

func (rc *RelayConn) markClosed() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return
	}
	rc.closed = true
	rc.conn.Close()
	for _, sub := range rc.subscriptions {
		sub.Close()
	}
	rc.subscriptions = make(map[string]*Subscription)
}

func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		p.cleanup()
	}
}

func (p *Pool) cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for relayURL, rc := range p.connections {
		rc.mu.Lock()
		idle := len(rc.subscriptions) == 0 && now.Sub(rc.lastActivity) > 2*time.Minute
		rc.mu.Unlock()

		if rc.closed || idle {
			if !rc.closed {
				rc.markClosed()
			}
			delete(p.connections, relayURL)
		}
	}
}

// CloseRelay drops relayURL from the pool and tears down its connection.
func (p *Pool) CloseRelay(relayURL string) {
	p.mu.Lock()
	rc := p.connections[relayURL]
	delete(p.connections, relayURL)
	p.mu.Unlock()
	if rc != nil {
		rc.markClosed()
	}
}
