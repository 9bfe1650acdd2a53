package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ericfisherdev/keyrelay/internal/domain/model"
	"github.com/ericfisherdev/keyrelay/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.PoolStore = (*PoolRepo)(nil)

// PoolRepo is the SQLite implementation of the PoolStore port interface.
// Secrets arrive already encrypted and are stored as-is.
type PoolRepo struct {
	db *DB
}

// NewPoolRepo creates a new PoolRepo backed by the given DB.
func NewPoolRepo(db *DB) *PoolRepo {
	return &PoolRepo{db: db}
}

// LoadPool returns all key records ordered by their pool position.
func (r *PoolRepo) LoadPool(ctx context.Context) ([]model.KeyRecord, error) {
	const query = `SELECT id, secret, is_active, last_used, error_count, added_at FROM keys ORDER BY position`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load pool: %w", err)
	}
	defer rows.Close()

	records := []model.KeyRecord{}
	for rows.Next() {
		var (
			rec      model.KeyRecord
			lastUsed sql.NullString
			addedAt  string
		)
		if err := rows.Scan(&rec.ID, &rec.Secret, &rec.IsActive, &lastUsed, &rec.ErrorCount, &addedAt); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}

		rec.LastUsed, err = parseNullTime(lastUsed)
		if err != nil {
			return nil, fmt.Errorf("parse last_used for key %s: %w", rec.ID, err)
		}
		rec.AddedAt, err = parseTime(addedAt)
		if err != nil {
			return nil, fmt.Errorf("parse added_at for key %s: %w", rec.ID, err)
		}

		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}

	return records, nil
}

// SavePool replaces the stored pool in a single transaction so readers never
// observe a partially written pool.
func (r *PoolRepo) SavePool(ctx context.Context, records []model.KeyRecord) error {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.ExecContext(ctx, `DELETE FROM keys`); err != nil {
		return fmt.Errorf("clear keys: %w", err)
	}

	const insert = `INSERT INTO keys (id, position, secret, is_active, last_used, error_count, added_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, rec := range records {
		_, err := stmt.ExecContext(ctx,
			rec.ID,
			i,
			rec.Secret,
			rec.IsActive,
			nullTime(rec.LastUsed),
			rec.ErrorCount,
			formatTime(rec.AddedAt),
		)
		if err != nil {
			return fmt.Errorf("insert key %s: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}
