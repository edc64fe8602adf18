// Command clawdbot-twitch is the Twitch chat channel of the agent platform.
// It:
//   - Loads the JSON5 config tree and initializes structured logging.
//   - Optionally connects to Postgres for refreshed tokens and status snapshots.
//   - Opens one IRC connection per enabled account and routes accepted messages to the agent.
//   - Exposes /healthz, /readyz, /status, /metrics, /probe and /actions/send.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/thedotmack/clawdbot-twitch/actions"
	"github.com/thedotmack/clawdbot-twitch/chat"
	"github.com/thedotmack/clawdbot-twitch/config"
	"github.com/thedotmack/clawdbot-twitch/crypto"
	"github.com/thedotmack/clawdbot-twitch/db"
	"github.com/thedotmack/clawdbot-twitch/monitor"
	"github.com/thedotmack/clawdbot-twitch/oauth"
	"github.com/thedotmack/clawdbot-twitch/router"
	"github.com/thedotmack/clawdbot-twitch/server"
	"github.com/thedotmack/clawdbot-twitch/status"
	"github.com/thedotmack/clawdbot-twitch/telemetry"
	"github.com/thedotmack/clawdbot-twitch/twitchapi"
)

var version = "dev"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load("")
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("clawdbot-twitch", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence is optional: without DB_DSN refreshed tokens and snapshots live in memory only.
	var (
		tokenStore oauth.TokenStore
		persister  status.Persister
		dbStore    *db.Store
	)
	deps := server.Deps{Config: cfg}
	if cfg.DBDsn != "" {
		database, err := db.Connect(ctx, cfg.DBDsn)
		if err != nil {
			slog.Error("failed to open db", slog.Any("err", err))
			os.Exit(1)
		}
		defer database.Close()
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.Migrate(database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
		sealer, err := crypto.FromEnv()
		if err != nil {
			slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
			os.Exit(1)
		}
		if sealer == nil {
			slog.Warn("ENCRYPTION_KEY not set - refreshed tokens are stored in plaintext")
		}
		dbStore = db.NewStore(database, sealer)
		tokenStore, persister = dbStore, dbStore
		deps.DB = database
	} else {
		slog.Info("DB_DSN not set - running without persistence")
	}

	store := status.NewStore(persister)
	if dbStore != nil {
		lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		snaps, err := dbStore.LoadSnapshots(lctx)
		cancel()
		if err != nil {
			slog.Warn("restore status snapshots failed", slog.Any("err", err))
		} else {
			store.Restore(snaps)
		}
	}

	mgr := chat.NewManager(cfg, chat.Options{
		HTTPClient: telemetry.HTTPClient(15 * time.Second),
		Store:      tokenStore,
	})
	defer mgr.DisconnectAll()

	var agent router.AgentRouter = router.LogRouter{}
	if cfg.AgentWebhookURL != "" {
		agent = router.NewWebhookRouter(cfg.AgentWebhookURL)
		slog.Info("agent webhook configured", slog.String("url", cfg.AgentWebhookURL))
	} else {
		slog.Warn("AGENT_WEBHOOK_URL not set - inbound messages are only logged")
	}
	mon := monitor.New(mgr, agent, store, cfg.MarkdownStripping())

	var wg sync.WaitGroup
	if !cfg.FeatureEnabled() {
		slog.Info("twitch channel disabled in config")
	}
	for _, id := range cfg.AccountIDs() {
		acct := cfg.ResolveAccount(id)
		configured := twitchapi.Configured(acct, twitchapi.ResolveToken(cfg, id))
		store.Ensure(acct, configured)
		if !acct.Enabled || !configured {
			slog.Info("account not started", slog.String("account", id), slog.Bool("enabled", acct.Enabled), slog.Bool("configured", configured))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mon.Run(ctx, acct); err != nil {
				slog.Error("account monitor exited", slog.String("account", acct.ID), slog.Any("err", err))
			}
		}()
	}

	deps.Monitor = mon
	deps.Status = store
	deps.Send = actions.NewSendAction(cfg, mon)
	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, server.NewMux(ctx, deps)); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()
	slog.Info("http server listening", slog.String("addr", cfg.HTTPAddr))

	<-ctx.Done()
	slog.Info("shutting down")
	wg.Wait()
}

// setupLogging configures the default slog logger from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func setupLogging() {
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
	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))
}
