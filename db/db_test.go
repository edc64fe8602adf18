package db

import (
	"context"
	"database/sql"
	"encoding/base64"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/oauth2"

	"github.com/thedotmack/clawdbot-twitch/chat"
	"github.com/thedotmack/clawdbot-twitch/crypto"
	"github.com/thedotmack/clawdbot-twitch/status"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres test")
	}
	db, err := Connect(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestConnectEmptyDSN(t *testing.T) {
	if _, err := Connect(context.Background(), ""); err == nil {
		t.Error("expected error for empty dsn")
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		t.Fatal(err)
	}
	var up, down int
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			up++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			down++
		}
	}
	if up == 0 || up != down {
		t.Errorf("up=%d down=%d", up, down)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := openTestDB(t)
	if err := Migrate(db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v, dirty, err := MigrationVersion(db)
	if err != nil || dirty || v < 1 {
		t.Errorf("version = %d dirty = %v err = %v", v, dirty, err)
	}
	for _, table := range []string{"oauth_tokens", "channel_status"} {
		var exists bool
		if err := db.QueryRow(`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)`, table).Scan(&exists); err != nil {
			t.Fatal(err)
		}
		if !exists {
			t.Errorf("table %s missing", table)
		}
	}
}

func TestTokenRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	key := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))
	sealer, err := crypto.NewAESSealer(key)
	if err != nil {
		t.Fatal(err)
	}

	for name, s := range map[string]*Store{"plain": NewStore(db, nil), "sealed": NewStore(db, sealer)} {
		t.Run(name, func(t *testing.T) {
			k := "twitch:test-" + name
			t.Cleanup(func() { _, _ = db.Exec(`DELETE FROM oauth_tokens WHERE provider=$1`, k) })

			if tok, err := s.LoadToken(ctx, k); tok != nil || err != nil {
				t.Fatalf("missing token = %v, %v", tok, err)
			}
			exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
			if err := s.SaveToken(ctx, k, &oauth2.Token{AccessToken: "a1", RefreshToken: "r1", Expiry: exp}); err != nil {
				t.Fatal(err)
			}
			got, err := s.LoadToken(ctx, k)
			if err != nil || got.AccessToken != "a1" || got.RefreshToken != "r1" || !got.Expiry.Equal(exp) {
				t.Errorf("LoadToken = %+v, %v", got, err)
			}
			if name == "sealed" {
				var raw string
				_ = db.QueryRow(`SELECT access_token FROM oauth_tokens WHERE provider=$1`, k).Scan(&raw)
				if raw == "a1" {
					t.Error("token stored in plaintext")
				}
				if _, err := NewStore(db, nil).LoadToken(ctx, k); err == nil {
					t.Error("reading sealed token without key should fail")
				}
			}
		})
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := NewStore(db, nil)
	t.Cleanup(func() { _, _ = db.Exec(`DELETE FROM channel_status WHERE account_id LIKE 'test-%'`) })

	start := time.Now().UTC().Truncate(time.Millisecond)
	snap := status.Snapshot{AccountID: "test-a", Configured: true, Enabled: true, Running: true, LastStartAt: start,
		Probe: &chat.ProbeResult{OK: true, Username: "bot", Channel: "room", ElapsedMs: 12}}
	if err := s.SaveSnapshot(ctx, snap); err != nil {
		t.Fatal(err)
	}
	snap.LastError = "later"
	if err := s.SaveSnapshot(ctx, snap); err != nil {
		t.Fatal(err)
	}
	all, err := s.LoadSnapshots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var found *status.Snapshot
	for i := range all {
		if all[i].AccountID == "test-a" {
			found = &all[i]
		}
	}
	if found == nil || found.LastError != "later" || !found.LastStartAt.Equal(start) || found.Probe == nil || found.Probe.ElapsedMs != 12 {
		t.Errorf("snapshot = %+v", found)
	}
}

func TestSealPlaintextTokens(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	key := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("s", 32)))
	sealer, err := crypto.NewAESSealer(key)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _, _ = db.Exec(`DELETE FROM oauth_tokens WHERE provider LIKE 'twitch:seal-%'`) })

	plain := NewStore(db, nil)
	for _, k := range []string{"twitch:seal-a", "twitch:seal-b"} {
		if err := plain.SaveToken(ctx, k, &oauth2.Token{AccessToken: "acc-" + k, RefreshToken: "ref-" + k}); err != nil {
			t.Fatal(err)
		}
	}

	sealed := NewStore(db, sealer)
	rep, err := sealed.SealPlaintextTokens(ctx, "twitch:seal-a", true)
	if err != nil || rep.Found != 1 || rep.Sealed != 0 {
		t.Fatalf("dry run = %+v, %v", rep, err)
	}
	if tok, err := plain.LoadToken(ctx, "twitch:seal-a"); err != nil || tok.AccessToken != "acc-twitch:seal-a" {
		t.Fatalf("dry run modified token: %+v, %v", tok, err)
	}

	rep, err = sealed.SealPlaintextTokens(ctx, "twitch:seal-a", false)
	if err != nil || rep.Sealed != 1 {
		t.Fatalf("seal = %+v, %v", rep, err)
	}
	tok, err := sealed.LoadToken(ctx, "twitch:seal-a")
	if err != nil || tok.AccessToken != "acc-twitch:seal-a" || tok.RefreshToken != "ref-twitch:seal-a" {
		t.Errorf("sealed token = %+v, %v", tok, err)
	}
	if tok, err := plain.LoadToken(ctx, "twitch:seal-b"); err != nil || tok.AccessToken != "acc-twitch:seal-b" {
		t.Errorf("filtered run touched seal-b: %+v, %v", tok, err)
	}

	rep, err = sealed.SealPlaintextTokens(ctx, "twitch:seal-a", false)
	if err != nil || rep.Found != 0 {
		t.Errorf("second run = %+v, %v", rep, err)
	}
}

func TestSealRequiresKey(t *testing.T) {
	if _, err := NewStore(nil, nil).SealPlaintextTokens(context.Background(), "", true); err == nil {
		t.Error("expected error without sealer")
	}
}
