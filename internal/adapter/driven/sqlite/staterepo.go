package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/keyrelay/internal/domain/model"
	"github.com/ericfisherdev/keyrelay/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.StateStore = (*StateRepo)(nil)

// StateRepo is the SQLite implementation of the StateStore port interface.
// Settings and provider selection are single-row tables.
type StateRepo struct {
	db *DB
}

// NewStateRepo creates a new StateRepo backed by the given DB.
func NewStateRepo(db *DB) *StateRepo {
	return &StateRepo{db: db}
}

// LoadSettings returns the persisted rotation settings, or nil if none exist.
func (r *StateRepo) LoadSettings(ctx context.Context) (*model.Settings, error) {
	const query = `SELECT auto_rotate, check_interval_seconds, max_error_count FROM rotation_settings WHERE id = 1`

	var (
		s        model.Settings
		interval int64
	)
	err := r.db.Reader.QueryRowContext(ctx, query).Scan(&s.AutoRotate, &interval, &s.MaxErrorCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	s.CheckInterval = time.Duration(interval) * time.Second
	return &s, nil
}

// SaveSettings upserts the rotation settings row.
func (r *StateRepo) SaveSettings(ctx context.Context, s model.Settings) error {
	const query = `INSERT INTO rotation_settings (id, auto_rotate, check_interval_seconds, max_error_count, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			auto_rotate = excluded.auto_rotate,
			check_interval_seconds = excluded.check_interval_seconds,
			max_error_count = excluded.max_error_count,
			updated_at = excluded.updated_at`

	_, err := r.db.Writer.ExecContext(ctx, query,
		s.AutoRotate,
		int64(s.CheckInterval/time.Second),
		s.MaxErrorCount,
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// LoadProviderState returns the persisted provider selection, or nil if none exists.
func (r *StateRepo) LoadProviderState(ctx context.Context) (*model.ProviderState, error) {
	const query = `SELECT provider, model FROM provider_state WHERE id = 1`

	var (
		st       model.ProviderState
		provider string
	)
	err := r.db.Reader.QueryRowContext(ctx, query).Scan(&provider, &st.Model)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load provider state: %w", err)
	}

	st.Provider = model.Provider(provider)
	return &st, nil
}

// SaveProviderState upserts the provider selection row.
func (r *StateRepo) SaveProviderState(ctx context.Context, st model.ProviderState) error {
	const query = `INSERT INTO provider_state (id, provider, model, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider = excluded.provider,
			model = excluded.model,
			updated_at = excluded.updated_at`

	_, err := r.db.Writer.ExecContext(ctx, query, string(st.Provider), st.Model, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save provider state: %w", err)
	}
	return nil
}
