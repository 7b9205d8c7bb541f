package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/iwantamacmini2/macgas/internal/domain/model"
	"github.com/iwantamacmini2/macgas/internal/store"
)

// LedgerRepo is the durable ledger backend. Per-project linearizability
// comes from row-level locking: the conditional balance UPDATE both checks
// and applies the debit in one statement, so concurrent debits against the
// same project serialize on the row while other projects proceed.
type LedgerRepo struct {
	db *DB
}

var _ store.LedgerStore = (*LedgerRepo)(nil)

func NewLedgerRepo(db *DB) *LedgerRepo {
	return &LedgerRepo{db: db}
}

func (r *LedgerRepo) Create(ctx context.Context, p *model.Project) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, email, website, tier, active)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.Name, p.Email, p.Website, p.Tier, p.Active)
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (r *LedgerRepo) Get(ctx context.Context, id string) (*model.Project, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var p model.Project
	var lastDeposit, lastPayment, lastTx []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, email, website, tier, active, total_tx_count,
		       last_deposit, last_payment, last_tx, created_at, updated_at
		FROM projects
		WHERE id = $1
	`, id).Scan(
		&p.ID, &p.Name, &p.Email, &p.Website, &p.Tier, &p.Active, &p.TotalTxCount,
		&lastDeposit, &lastPayment, &lastTx, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}

	if p.LastDeposit, err = unmarshalSnapshot(lastDeposit); err != nil {
		return nil, fmt.Errorf("decode last_deposit: %w", err)
	}
	if p.LastPayment, err = unmarshalSnapshot(lastPayment); err != nil {
		return nil, fmt.Errorf("decode last_payment: %w", err)
	}
	if p.LastTx, err = unmarshalSnapshot(lastTx); err != nil {
		return nil, fmt.Errorf("decode last_tx: %w", err)
	}

	p.Balances = make(map[model.Asset]int64)
	rows, err := r.db.QueryContext(ctx, `
		SELECT asset, amount FROM balances WHERE project_id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get balances: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var asset model.Asset
		var amount int64
		if err := rows.Scan(&asset, &amount); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		p.Balances[asset] = amount
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate balances: %w", err)
	}

	return &p, nil
}

func (r *LedgerRepo) SetActive(ctx context.Context, id string, active bool) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE projects SET active = $2, updated_at = now() WHERE id = $1
	`, id, active)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	return requireRow(res, model.ErrNotFound)
}

func (r *LedgerRepo) Credit(ctx context.Context, id string, asset model.Asset, amount int64, source store.CreditSource, reference string) error {
	if amount < 0 {
		return fmt.Errorf("credit amount must be non-negative, got %d", amount)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin credit tx: %w", err)
	}
	defer tx.Rollback()

	if err := creditInTx(ctx, tx, id, asset, amount, source, reference); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit credit: %w", err)
	}
	return nil
}

// CreditOnce marks (kind, reference) applied and credits in one transaction.
// The applied-references primary key makes concurrent calls race-free: at
// most one caller observes true. A rollback releases the reference along
// with the credit, so a transient failure can be retried without losing the
// event.
func (r *LedgerRepo) CreditOnce(ctx context.Context, id string, asset model.Asset, amount int64, source store.CreditSource, kind store.RefKind, reference string) (bool, error) {
	if amount < 0 {
		return false, fmt.Errorf("credit amount must be non-negative, got %d", amount)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin credit tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO applied_references (kind, reference)
		VALUES ($1, $2)
		ON CONFLICT (kind, reference) DO NOTHING
	`, kind, reference)
	if err != nil {
		return false, fmt.Errorf("mark reference applied: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark reference rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if err := creditInTx(ctx, tx, id, asset, amount, source, reference); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit credit: %w", err)
	}
	return true, nil
}

func creditInTx(ctx context.Context, tx *sql.Tx, id string, asset model.Asset, amount int64, source store.CreditSource, reference string) error {
	snapshotColumn := "last_deposit"
	if source == store.CreditSourcePayment {
		snapshotColumn = "last_payment"
	}
	snap, err := marshalSnapshot(reference, asset, amount)
	if err != nil {
		return err
	}

	// Updating the project row first both verifies existence and orders
	// concurrent mutations on the same project.
	res, err := tx.ExecContext(ctx, `
		UPDATE projects SET `+snapshotColumn+` = $2, updated_at = now() WHERE id = $1
	`, id, snap)
	if err != nil {
		return fmt.Errorf("record credit snapshot: %w", err)
	}
	if err := requireRow(res, model.ErrNotFound); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO balances (project_id, asset, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, asset) DO UPDATE SET
			amount = balances.amount + EXCLUDED.amount,
			updated_at = now()
	`, id, asset, amount); err != nil {
		return fmt.Errorf("apply credit: %w", err)
	}
	return nil
}

func (r *LedgerRepo) Debit(ctx context.Context, id string, asset model.Asset, amount int64, reference string) error {
	if amount < 0 {
		return fmt.Errorf("debit amount must be non-negative, got %d", amount)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin debit tx: %w", err)
	}
	defer tx.Rollback()

	// The balance check and subtraction are one statement: zero rows means
	// either the project/asset row is missing or the funds are gone.
	res, err := tx.ExecContext(ctx, `
		UPDATE balances SET amount = amount - $3, updated_at = now()
		WHERE project_id = $1 AND asset = $2 AND amount >= $3
	`, id, asset, amount)
	if err != nil {
		return fmt.Errorf("apply debit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("debit rows affected: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM projects WHERE id = $1)", id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check project: %w", err)
		}
		if !exists {
			return model.ErrNotFound
		}
		return model.ErrInsufficientBalance
	}

	snap, err := marshalSnapshot(reference, asset, amount)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE projects SET
			total_tx_count = total_tx_count + 1,
			last_tx = $2,
			updated_at = now()
		WHERE id = $1
	`, id, snap); err != nil {
		return fmt.Errorf("record debit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit debit: %w", err)
	}
	return nil
}

func marshalSnapshot(reference string, asset model.Asset, amount int64) ([]byte, error) {
	snap := model.EventSnapshot{
		Reference: reference,
		Asset:     asset,
		Amount:    amount,
		At:        time.Now().UTC(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

func unmarshalSnapshot(data []byte) (*model.EventSnapshot, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var snap model.EventSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func requireRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return missing
	}
	return nil
}
