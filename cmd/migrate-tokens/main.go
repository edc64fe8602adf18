// Command migrate-tokens encrypts OAuth tokens that were persisted before ENCRYPTION_KEY was set.
//
// Usage:
//
//	migrate-tokens [--dry-run] [--account ID]
//
// Environment: DB_DSN (required), ENCRYPTION_KEY (required, base64 32 bytes).
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/thedotmack/clawdbot-twitch/chat"
	"github.com/thedotmack/clawdbot-twitch/crypto"
	"github.com/thedotmack/clawdbot-twitch/db"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be sealed without making changes")
	account := flag.String("account", "", "Seal the token of one account only (default: all)")
	flag.Parse()

	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	sealer, err := crypto.FromEnv()
	if err != nil {
		slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
		os.Exit(1)
	}
	if sealer == nil {
		slog.Error("ENCRYPTION_KEY environment variable is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Connect(ctx, os.Getenv("DB_DSN"))
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("err", err))
		os.Exit(1)
	}
	defer database.Close()

	provider := ""
	if *account != "" {
		provider = chat.TokenKey(*account)
	}
	rep, err := db.NewStore(database, sealer).SealPlaintextTokens(ctx, provider, *dryRun)
	slog.Info("seal summary",
		slog.Int("found", rep.Found),
		slog.Int("sealed", rep.Sealed),
		slog.Int("errors", rep.Failed),
		slog.Bool("dry_run", *dryRun))
	if err != nil {
		slog.Error("seal failed", slog.Any("err", err))
		os.Exit(1)
	}
}
