package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// SealReport summarises a SealPlaintextTokens run.
type SealReport struct {
	Found  int
	Sealed int
	Failed int
}

// SealPlaintextTokens encrypts every plaintext (encryption_version 0) token row with the
// store's Sealer. provider narrows the run to one key when non-empty. With dryRun set it only
// counts. Rows are updated one transaction each so a failure leaves the others sealed.
func (s *Store) SealPlaintextTokens(ctx context.Context, provider string, dryRun bool) (SealReport, error) {
	var rep SealReport
	if s.Sealer == nil {
		return rep, errors.New("sealing tokens requires ENCRYPTION_KEY")
	}
	query := `SELECT provider, COALESCE(access_token,''), COALESCE(refresh_token,'') FROM oauth_tokens WHERE COALESCE(encryption_version,0) = 0`
	args := []any{}
	if provider != "" {
		query += ` AND provider = $1`
		args = append(args, provider)
	}
	query += ` ORDER BY provider`

	type row struct{ provider, access, refresh string }
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return rep, fmt.Errorf("query plaintext tokens: %w", err)
	}
	var pending []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.provider, &r.access, &r.refresh); err != nil {
			rows.Close()
			return rep, fmt.Errorf("scan token row: %w", err)
		}
		pending = append(pending, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return rep, err
	}
	rep.Found = len(pending)

	for i, r := range pending {
		log := slog.With(slog.String("provider", r.provider), slog.Int("index", i+1), slog.Int("total", len(pending)))
		if dryRun {
			log.Info("would seal token (dry-run)")
			continue
		}
		if err := s.sealRow(ctx, r.provider, r.access, r.refresh); err != nil {
			log.Error("failed to seal token", slog.Any("err", err))
			rep.Failed++
			continue
		}
		log.Info("sealed token")
		rep.Sealed++
	}
	if rep.Failed > 0 {
		return rep, fmt.Errorf("sealing finished with %d errors", rep.Failed)
	}
	return rep, nil
}

func (s *Store) sealRow(ctx context.Context, provider, access, refresh string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if access, err = s.Sealer.Seal(access); err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	if refresh, err = s.Sealer.Seal(refresh); err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE oauth_tokens
		SET access_token=$1, refresh_token=$2, encryption_version=1, encryption_key_id=$3, updated_at=NOW()
		WHERE provider=$4 AND COALESCE(encryption_version,0)=0`,
		access, refresh, s.Sealer.KeyID(), provider)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n != 1 {
		return fmt.Errorf("expected 1 row updated, got %d (token modified concurrently)", n)
	}
	return tx.Commit()
}
