package driven

import (
	"context"

	"github.com/ericfisherdev/keyrelay/internal/domain/model"
)

// PoolStore defines the driven port for key pool persistence. The pool is
// read and written as a whole document; record order is rotation order.
type PoolStore interface {
	// LoadPool returns the persisted records in order. An absent document
	// yields an empty slice and a nil error.
	LoadPool(ctx context.Context) ([]model.KeyRecord, error)

	// SavePool atomically replaces the persisted records.
	SavePool(ctx context.Context, records []model.KeyRecord) error
}

// StateStore defines the driven port for rotation settings and provider
// selection. Load methods return (nil, nil) when nothing has been persisted.
type StateStore interface {
	LoadSettings(ctx context.Context) (*model.Settings, error)
	SaveSettings(ctx context.Context, settings model.Settings) error
	LoadProviderState(ctx context.Context) (*model.ProviderState, error)
	SaveProviderState(ctx context.Context, state model.ProviderState) error
}
