package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed reconciliation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, rec *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reconciliation_records (
			id, tx_id, subject, amount, message, created_at
		) VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5, $6)
	`, rec.ID, rec.TxID, rec.Subject, rec.Amount, rec.Message, rec.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrDuplicateTx
		}
		return fmt.Errorf("insert reconciliation record: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, `
		SELECT id, tx_id, subject, amount, message, created_at, resolved_at, resolution
		FROM reconciliation_records WHERE id = $1
	`, id))
}

func (p *PostgresStore) GetByTxID(ctx context.Context, txID string) (*Record, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, `
		SELECT id, tx_id, subject, amount, message, created_at, resolved_at, resolution
		FROM reconciliation_records WHERE tx_id = $1
	`, txID))
}

func (p *PostgresStore) ListUnresolved(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tx_id, subject, amount, message, created_at, resolved_at, resolution
		FROM reconciliation_records
		WHERE resolved_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unresolved: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Resolve(ctx context.Context, id string, resolution string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE reconciliation_records
		SET resolved_at = $2, resolution = $3
		WHERE id = $1 AND resolved_at IS NULL
	`, id, time.Now(), resolution)
	if err != nil {
		return fmt.Errorf("resolve record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (p *PostgresStore) scanOne(row rowScanner) (*Record, error) {
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var resolvedAt sql.NullTime
	var resolution sql.NullString

	err := row.Scan(&rec.ID, &rec.TxID, &rec.Subject, &rec.Amount, &rec.Message,
		&rec.CreatedAt, &resolvedAt, &resolution)
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		rec.ResolvedAt = &resolvedAt.Time
	}
	if resolution.Valid {
		rec.Resolution = resolution.String
	}
	return &rec, nil
}
