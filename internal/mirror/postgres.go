package mirror

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const summarySchema = `
CREATE TABLE IF NOT EXISTS shipment_summaries (
	tracking_id  TEXT PRIMARY KEY,
	medicine     TEXT NOT NULL,
	sender       TEXT NOT NULL,
	receiver     TEXT NOT NULL,
	status       TEXT NOT NULL,
	last_tx_hash TEXT NOT NULL,
	block_number BIGINT NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
)`

// PostgresStore keeps the mirror in a shared database so several consumers
// can read the summaries.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	if _, err := pool.Exec(ctx, summarySchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create summary table: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) UpsertSummary(ctx context.Context, summary *Summary) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO shipment_summaries
			(tracking_id, medicine, sender, receiver, status, last_tx_hash, block_number, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tracking_id) DO UPDATE SET
			status       = EXCLUDED.status,
			last_tx_hash = EXCLUDED.last_tx_hash,
			block_number = EXCLUDED.block_number,
			updated_at   = EXCLUDED.updated_at`,
		summary.TrackingID, summary.Medicine, summary.Sender, summary.Receiver,
		summary.Status, summary.LastTxHash, summary.BlockNumber, summary.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert summary: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReadSummary(ctx context.Context, trackingID string) (*Summary, error) {
	var summary Summary
	err := s.pool.QueryRow(ctx, `
		SELECT tracking_id, medicine, sender, receiver, status, last_tx_hash, block_number, updated_at
		FROM shipment_summaries
		WHERE tracking_id = $1`,
		trackingID,
	).Scan(
		&summary.TrackingID, &summary.Medicine, &summary.Sender, &summary.Receiver,
		&summary.Status, &summary.LastTxHash, &summary.BlockNumber, &summary.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read summary: %w", err)
	}

	return &summary, nil
}
