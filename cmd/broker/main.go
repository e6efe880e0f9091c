// Command igloo-broker runs the Remote Signing Broker: a cobra CLI with a
// serve subcommand plus small operational subcommands, grounded on
// marmos91-dittofs's cobra-based CLI and replacing the teacher's
// bare-main()-with-flags style (main.go).
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/FROSTR-ORG/igloo-broker/internal/api"
	"github.com/FROSTR-ORG/igloo-broker/internal/auth"
	"github.com/FROSTR-ORG/igloo-broker/internal/broker"
	"github.com/FROSTR-ORG/igloo-broker/internal/config"
	"github.com/FROSTR-ORG/igloo-broker/internal/identity"
	"github.com/FROSTR-ORG/igloo-broker/internal/logging"
	"github.com/FROSTR-ORG/igloo-broker/internal/metrics"
	"github.com/FROSTR-ORG/igloo-broker/internal/nostrid"
	"github.com/FROSTR-ORG/igloo-broker/internal/queue"
	"github.com/FROSTR-ORG/igloo-broker/internal/session"
	"github.com/FROSTR-ORG/igloo-broker/internal/store"
	"github.com/FROSTR-ORG/igloo-broker/internal/transport"
)

const defaultUserID = "default"

func main() {
	root := &cobra.Command{
		Use:   "igloo-broker",
		Short: "Remote Signing Broker for FROSTR-backed Nostr signers",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newResetTransportKeyCmd())
	root.AddCommand(newOnboardStatusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadEverything() (*config.Config, *store.KeyedStore, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logging.Init(cfg.LogLevel)

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, db, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the broker's relay listener and Control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, db, err := loadEverything()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()

	transportPriv, transportPub, err := ensureTransportKey(db, defaultUserID)
	if err != nil {
		return fmt.Errorf("ensure transport key: %w", err)
	}

	signer := identity.NewLocalSigner()
	if err := seedLocalSignerKey(db, signer, defaultUserID); err != nil {
		slog.Warn("no identity signing key on record yet; sign_event/nip44/nip04 will be unauthorized until onboarding completes", "error", err)
	}
	identityAdapter := identity.NewAdapter(signer)

	sessions := session.NewStore(db)
	knownRelays, err := sessions.Load(ctx)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	relays := transport.UnionRelays(cfg.MaxRelays, cfg.Relays, knownRelays)

	q := queue.New(cfg.RequestTTL, cfg.QueueMaxPerSession,
		func(req *queue.Request) {
			metrics.RequestsQueued.Dec()
			slog.Info("request denied on overflow", "request_id", req.ID, "session", req.SessionPubkey)
		},
		func(req *queue.Request) {
			metrics.RequestsQueued.Dec()
			slog.Info("request expired", "request_id", req.ID, "session", req.SessionPubkey)
		},
		db,
	)
	if err := q.Load(ctx); err != nil {
		return fmt.Errorf("load pending requests: %w", err)
	}

	pool := transport.NewPool(nil)

	notifier := &metricsNotifier{}
	core := broker.New(broker.Config{
		UserID:                     defaultUserID,
		TransportPriv:              transportPriv,
		TransportPub:               transportPub,
		IdentitySignerPubkey:       mustPubkeyHex(signer, defaultUserID),
		Sender:                     pool,
		Sessions:                   sessions,
		Queue:                      q,
		Identity:                   identityAdapter,
		Notifier:                   notifier,
		MaxConcurrentIdentityCalls: 16,
		IdentityTimeout:            cfg.IdentityTimeout,
	})

	pool.SetOnEvent(func(relayURL string, evt nostrid.Event) {
		if evt.Kind != 24133 {
			return
		}
		core.Dispatch(ctx, evt)
	})

	filter := map[string]interface{}{
		"kinds": []int{24133},
		"#p":    []string{hex.EncodeToString(transportPub)},
	}
	for _, relay := range relays {
		pool.SubscribeResilient(ctx, relay, "broker-"+relay, filter)
	}

	stop := make(chan struct{})
	defer close(stop)
	go q.StartSweeper(cfg.RequestTTL, stop)

	rateLimiter, err := buildRateLimiter(cfg)
	if err != nil {
		return fmt.Errorf("build rate limiter: %w", err)
	}

	gateway := auth.NewGateway(cfg.SessionIdleTimeout, cfg.SessionAbsoluteTimeout, db)
	if err := gateway.Load(ctx); err != nil {
		return fmt.Errorf("load auth tokens: %w", err)
	}
	go gateway.StartReaper(cfg.SessionIdleTimeout, stop)

	onboarder := auth.NewOnboarder(cfg.AdminSecret, db)

	srv := &api.Server{
		Core:        core,
		Sessions:    sessions,
		Queue:       q,
		Gateway:     gateway,
		Onboarder:   onboarder,
		Users:       db,
		RateLimiter: rateLimiter,
		RateWindow:  cfg.RateLimitWindow,
		RateMax:     cfg.RateLimitMax,
		IdleTimeout: cfg.SessionIdleTimeout,
		AbsTimeout:  cfg.SessionAbsoluteTimeout,
		Headless:    cfg.Headless,
		Relays:      relays,
	}

	slog.Info("starting igloo-broker", "addr", cfg.ListenAddr, "relays", relays, "headless", cfg.Headless)
	return runHTTPServer(cfg.ListenAddr, srv.NewRouter())
}

func buildRateLimiter(cfg *config.Config) (auth.RateLimiter, error) {
	if cfg.RedisURL == "" {
		return auth.NewMemoryRateLimiter(), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	return auth.NewRedisRateLimiter(client, "igloo_broker_"), nil
}

func ensureTransportKey(db *store.KeyedStore, userID string) (priv, pub []byte, err error) {
	if hexKey, ok, err := db.LoadTransportKey(userID); err != nil {
		return nil, nil, err
	} else if ok {
		priv, err = hex.DecodeString(hexKey)
		if err != nil {
			return nil, nil, err
		}
		pub, err = nostrid.PublicKey(priv)
		return priv, pub, err
	}

	priv, err = nostrid.GeneratePrivateKey()
	if err != nil {
		return nil, nil, err
	}
	pub, err = nostrid.PublicKey(priv)
	if err != nil {
		return nil, nil, err
	}
	if err := db.SaveTransportKey(userID, hex.EncodeToString(priv)); err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

// seedLocalSignerKey loads the persisted credential blob for userID and
// installs it as the LocalSigner stand-in's raw key (a real deployment swaps
// identity.Signer for a FROSTR-quorum client instead). The blob is used
// exactly as stored; it is not decrypted with a derived user key.
func seedLocalSignerKey(db *store.KeyedStore, signer *identity.LocalSigner, userID string) error {
	blob, ok, err := db.LoadCredentialBlob(userID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("no credential on record")
	}
	signer.SetKey(userID, blob)
	return nil
}

func mustPubkeyHex(signer *identity.LocalSigner, userID string) string {
	pub, err := signer.GetPublicKey(context.Background(), userID)
	if err != nil {
		return ""
	}
	return pub
}

type metricsNotifier struct{}

func (metricsNotifier) SessionActive(cpk string) {
	metrics.SessionsActive.Inc()
	metrics.SessionsPending.Dec()
	slog.Info("session active", "cpk", cpk)
}

func (metricsNotifier) SessionPending(cpk string) {
	metrics.SessionsPending.Inc()
	slog.Info("session pending", "cpk", cpk)
}
