// Command shoutclip runs the multi-tenant shoutout bot.
// It:
//   - Loads configuration and initializes structured logging.
//   - Opens the tenant store (Postgres with migrations, or in-memory for local runs).
//   - Connects the bot account to chat and keeps its channels equal to the active tenants.
//   - Answers shoutout commands through the Helix client, refreshing tenant tokens on demand
//     and proactively before they expire.
//   - Serves tenant login, admin, overlay WebSocket, health and metrics endpoints.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/shoutclip/chat"
	"github.com/onnwee/shoutclip/command"
	"github.com/onnwee/shoutclip/config"
	"github.com/onnwee/shoutclip/crypto"
	"github.com/onnwee/shoutclip/db"
	"github.com/onnwee/shoutclip/oauth"
	"github.com/onnwee/shoutclip/overlay"
	"github.com/onnwee/shoutclip/reconcile"
	"github.com/onnwee/shoutclip/server"
	"github.com/onnwee/shoutclip/telemetry"
	"github.com/onnwee/shoutclip/tenant"
	"github.com/onnwee/shoutclip/twitchapi"
)

var version = "dev"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	initLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateChatReady(); err != nil {
		slog.Error("chat identity missing", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing(cfg.OTLPEndpoint, "shoutclip", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("shoutclip exited with error", slog.Any("err", err))
		stop()
		shutdownTracing()
		os.Exit(1)
	}
	slog.Info("shut down cleanly")
}

func initLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

func run(ctx context.Context, cfg *config.Config) error {
	base, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	irc := chat.NewIRC(cfg.TwitchBotUsername, cfg.TwitchOAuthToken)
	reconciler := reconcile.New(base, irc, 0)
	// admin and login mutations converge membership right away
	store := tenant.NewNotifyingStore(base, func() { reconciler.Trigger(ctx) })

	client := twitchapi.New(twitchapi.Options{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		RedirectURI:  cfg.TwitchRedirectURI,
		Scopes:       cfg.Scopes(),
		AuthBaseURL:  cfg.TwitchAuthBaseURL,
		HelixBaseURL: cfg.TwitchHelixBaseURL,
		Timeout:      cfg.PlatformTimeout,
		ClipPageSize: cfg.ClipPageSize,
		ClipMaxPages: cfg.ClipMaxPages,
		Store:        store,
	})

	hub := overlay.NewHub()
	var (
		publisher overlay.Publisher = hub
		relay     *overlay.RedisRelay
		rdb       *redis.Client
		checks    []server.Check
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer func() { _ = rdb.Close() }()
		relay = overlay.NewRedisRelay(rdb, hub)
		publisher = relay
		checks = append(checks, server.Check{Name: "redis", Fn: relay.Ping})
		slog.Info("overlay fan-out through redis", slog.String("addr", cfg.RedisAddr))
	}

	handler := command.New(irc, store, client, overlay.NewBroadcaster(publisher, store), command.Options{
		Prefix:              cfg.CommandPrefix,
		Aliases:             cfg.Aliases(),
		BotUsername:         cfg.TwitchBotUsername,
		Timeout:             cfg.CommandTimeout,
		DeactivateOnExpired: cfg.DeactivateOnExpired,
	})
	irc.OnMessage(handler.OnMessage)
	irc.OnConnect(func() { reconciler.Trigger(ctx) })

	var auth server.Authenticator
	if err := cfg.ValidateOAuthReady(); err != nil {
		slog.Warn("tenant login disabled", slog.Any("err", err))
	} else {
		auth = client
	}

	mux := server.NewMux(ctx, server.Deps{
		Config:     cfg,
		Store:      store,
		Auth:       auth,
		Chat:       irc,
		Reconciler: reconciler,
		Hub:        hub,
		Redis:      rdb,
		Checks:     checks,
	})

	reconciler.Start(ctx, cfg.ReconcileInterval)
	oauth.StartRefresher(ctx, store, client, oauth.Options{
		Interval:             cfg.TokenRefreshInterval,
		Window:               cfg.TokenRefreshWindow,
		DeactivateOnRejected: cfg.DeactivateOnExpired,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return irc.Run(gctx) })
	if relay != nil {
		g.Go(func() error { return relay.Run(gctx) })
	}
	g.Go(func() error { return server.Start(gctx, mux, cfg.HTTPAddr) })
	slog.Info("shoutclip started", slog.String("version", version), slog.String("addr", cfg.HTTPAddr),
		slog.String("store", cfg.StoreBackend), slog.String("bot", cfg.TwitchBotUsername))
	return g.Wait()
}

// openStore returns the base tenant store and a func releasing it.
func openStore(ctx context.Context, cfg *config.Config) (tenant.FullStore, func(), error) {
	if cfg.StoreBackend == config.StoreBackendMemory {
		slog.Warn("using in-memory tenant store; tenants are lost on restart")
		return tenant.NewMemoryStore(), func() {}, nil
	}
	if cfg.EncryptionKey == "" {
		return nil, nil, errors.New("ENCRYPTION_KEY is required with the postgres store")
	}
	keyring, err := crypto.NewKeyring(cfg.EncryptionKey, cfg.RetiredKeys()...)
	if err != nil {
		return nil, nil, err
	}
	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.Migrate(ctx, database); err != nil {
		closeDB()
		return nil, nil, err
	}
	return tenant.NewPostgresStore(database, keyring), closeDB, nil
}
