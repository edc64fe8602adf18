// Package db persists refreshed OAuth tokens and account status snapshots in Postgres.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
	"golang.org/x/oauth2"

	"github.com/thedotmack/clawdbot-twitch/crypto"
	"github.com/thedotmack/clawdbot-twitch/status"
)

// Connect opens a Postgres pool for dsn and checks it is reachable.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("empty database dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Store implements oauth.TokenStore and status.Persister on one database.
type Store struct {
	DB *sql.DB
	// Sealer encrypts tokens at rest; nil stores plaintext (encryption_version 0).
	Sealer crypto.Sealer
}

func NewStore(db *sql.DB, sealer crypto.Sealer) *Store {
	return &Store{DB: db, Sealer: sealer}
}

// SaveToken upserts the token stored under key.
func (s *Store) SaveToken(ctx context.Context, key string, tok *oauth2.Token) error {
	if tok == nil {
		return errors.New("nil token")
	}
	access, refresh := tok.AccessToken, tok.RefreshToken
	version, keyID := 0, ""
	if s.Sealer != nil {
		var err error
		if access, err = s.Sealer.Seal(access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = s.Sealer.Seal(refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		version, keyID = 1, s.Sealer.KeyID()
	}
	var expiry sql.NullTime
	if !tok.Expiry.IsZero() {
		expiry = sql.NullTime{Time: tok.Expiry, Valid: true}
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, encryption_version, encryption_key_id, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,NOW())
		ON CONFLICT(provider) DO UPDATE SET
			access_token=EXCLUDED.access_token,
			refresh_token=EXCLUDED.refresh_token,
			expires_at=EXCLUDED.expires_at,
			encryption_version=EXCLUDED.encryption_version,
			encryption_key_id=EXCLUDED.encryption_key_id,
			updated_at=NOW()`,
		key, access, refresh, expiry, version, keyID)
	return err
}

// LoadToken returns the token stored under key, or nil when there is none.
func (s *Store) LoadToken(ctx context.Context, key string) (*oauth2.Token, error) {
	var (
		access, refresh sql.NullString
		expiry          sql.NullTime
		version         int
		keyID           sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, `SELECT access_token, refresh_token, expires_at, COALESCE(encryption_version, 0), encryption_key_id
		FROM oauth_tokens WHERE provider = $1`, key).Scan(&access, &refresh, &expiry, &version, &keyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	tok := &oauth2.Token{AccessToken: access.String, RefreshToken: refresh.String, TokenType: "bearer"}
	if expiry.Valid {
		tok.Expiry = expiry.Time
	}
	if version == 1 {
		if s.Sealer == nil {
			return nil, errors.New("token is encrypted but ENCRYPTION_KEY not configured")
		}
		if tok.AccessToken, err = s.Sealer.Open(access.String, keyID.String); err != nil {
			return nil, fmt.Errorf("decrypt access token: %w", err)
		}
		if tok.RefreshToken, err = s.Sealer.Open(refresh.String, keyID.String); err != nil {
			return nil, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return tok, nil
}

// SaveSnapshot upserts the latest status snapshot of an account.
func (s *Store) SaveSnapshot(ctx context.Context, snap status.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO channel_status(account_id, snapshot, updated_at) VALUES($1,$2,NOW())
		ON CONFLICT(account_id) DO UPDATE SET snapshot=EXCLUDED.snapshot, updated_at=NOW()`, snap.AccountID, b)
	return err
}

// LoadSnapshots returns every persisted snapshot, ordered by account id.
func (s *Store) LoadSnapshots(ctx context.Context) ([]status.Snapshot, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT snapshot FROM channel_status ORDER BY account_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []status.Snapshot
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		var snap status.Snapshot
		if err := json.Unmarshal(b, &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
