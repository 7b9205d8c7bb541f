package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/iwantamacmini2/macgas/internal/domain/model"
	"github.com/iwantamacmini2/macgas/internal/store"
)

type CursorRepo struct {
	db *DB
}

var _ store.CursorRepository = (*CursorRepo)(nil)

func NewCursorRepo(db *DB) *CursorRepo {
	return &CursorRepo{db: db}
}

func (r *CursorRepo) Get(ctx context.Context, asset model.Asset) (*model.DepositCursor, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var c model.DepositCursor
	err := r.db.QueryRowContext(ctx, `
		SELECT asset, last_seen_reference, items_processed, last_polled_at, created_at, updated_at
		FROM deposit_cursors
		WHERE asset = $1
	`, asset).Scan(
		&c.Asset, &c.LastSeenReference, &c.ItemsProcessed,
		&c.LastPolledAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get deposit cursor: %w", err)
	}
	return &c, nil
}

func (r *CursorRepo) EnsureExists(ctx context.Context, asset model.Asset) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO deposit_cursors (asset)
		VALUES ($1)
		ON CONFLICT (asset) DO NOTHING
	`, asset)
	if err != nil {
		return fmt.Errorf("ensure deposit cursor exists: %w", err)
	}
	return nil
}

func (r *CursorRepo) Advance(ctx context.Context, asset model.Asset, reference string, itemsProcessed int64) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO deposit_cursors (asset, last_seen_reference, items_processed, last_polled_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (asset) DO UPDATE SET
			last_seen_reference = EXCLUDED.last_seen_reference,
			items_processed = deposit_cursors.items_processed + EXCLUDED.items_processed,
			last_polled_at = now(),
			updated_at = now()
	`, asset, reference, itemsProcessed)
	if err != nil {
		return fmt.Errorf("advance deposit cursor: %w", err)
	}
	return nil
}
