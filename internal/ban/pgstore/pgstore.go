// Package pgstore is a Postgres-backed ban.Store, grounded on the teacher's
// internal/db package: a pgxpool.Pool, parameterized SQL, and
// ON CONFLICT DO UPDATE upserts.
package pgstore

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/coinjoin-coordinator/pkg/models"
)

type Store struct {
	pool *pgxpool.Pool
}

// Connect opens the connection pool and pings it once, exactly like the
// teacher's db.Connect.
func Connect(connStr string) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema loads and executes schema.sql, mirroring the teacher's
// PostgresStore.InitSchema.
func (s *Store) InitSchema() error {
	schemaBytes, err := os.ReadFile("internal/ban/pgstore/schema.sql")
	if err != nil {
		return fmt.Errorf("pgstore: read schema: %w", err)
	}
	if _, err := s.pool.Exec(context.Background(), string(schemaBytes)); err != nil {
		return fmt.Errorf("pgstore: exec schema: %w", err)
	}
	return nil
}

func (s *Store) Ban(ctx context.Context, outpoints []models.Outpoint, until time.Time, severity int, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgstore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const upsertSQL = `
		INSERT INTO banned_outpoints (txid, vout, banned_at, until, severity, reason)
		VALUES ($1, $2, NOW(), $3, $4, $5)
		ON CONFLICT (txid, vout) DO UPDATE
		SET banned_at = EXCLUDED.banned_at, until = EXCLUDED.until,
		    severity = EXCLUDED.severity, reason = EXCLUDED.reason;
	`
	for _, op := range outpoints {
		if _, err := tx.Exec(ctx, upsertSQL, op.Hash, op.Vout, until, severity, reason); err != nil {
			return fmt.Errorf("pgstore: upsert ban: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *Store) IsBanned(ctx context.Context, outpoint models.Outpoint, now time.Time) (int, bool, error) {
	const selectSQL = `SELECT until FROM banned_outpoints WHERE txid = $1 AND vout = $2`

	var until time.Time
	err := s.pool.QueryRow(ctx, selectSQL, outpoint.Hash, outpoint.Vout).Scan(&until)
	if err != nil {
		// pgx returns pgx.ErrNoRows for a miss; either way, not banned.
		return 0, false, nil
	}

	if !now.Before(until) {
		const deleteSQL = `DELETE FROM banned_outpoints WHERE txid = $1 AND vout = $2`
		_, _ = s.pool.Exec(ctx, deleteSQL, outpoint.Hash, outpoint.Vout)
		return 0, false, nil
	}

	remaining := int(until.Sub(now).Minutes())
	return remaining, true, nil
}
