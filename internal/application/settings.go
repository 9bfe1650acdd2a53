package application

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ericfisherdev/keyrelay/internal/domain/model"
	"github.com/ericfisherdev/keyrelay/internal/domain/port/driven"
)

// minCheckInterval is the smallest accepted check interval.
const minCheckInterval = time.Second

// SettingsPatch is a partial settings update. Nil fields are left unchanged.
type SettingsPatch struct {
	AutoRotate    *bool
	CheckInterval *time.Duration
	MaxErrorCount *int
}

// SettingsService holds the live rotation policy and persists changes.
type SettingsService struct {
	mu      sync.RWMutex
	current model.Settings

	store  driven.StateStore
	logger *slog.Logger
}

// LoadSettingsService reads persisted settings, falling back to defaults
// when none have been saved.
func LoadSettingsService(ctx context.Context, store driven.StateStore, defaults model.Settings, logger *slog.Logger) (*SettingsService, error) {
	stored, err := store.LoadSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load settings: %w", model.ErrInternal, err)
	}

	current := defaults
	if stored != nil {
		current = *stored
	}
	if err := validateSettings(current); err != nil {
		logger.Warn("stored settings invalid, using defaults", "error", err)
		current = defaults
	}

	return &SettingsService{current: current, store: store, logger: logger}, nil
}

// Settings returns the current policy.
func (s *SettingsService) Settings() model.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update validates patch, applies it, and persists the result. A failed save
// keeps the new policy live and returns a *PersistError.
func (s *SettingsService) Update(ctx context.Context, patch SettingsPatch) (model.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current
	if patch.AutoRotate != nil {
		next.AutoRotate = *patch.AutoRotate
	}
	if patch.CheckInterval != nil {
		next.CheckInterval = *patch.CheckInterval
	}
	if patch.MaxErrorCount != nil {
		next.MaxErrorCount = *patch.MaxErrorCount
	}

	if err := validateSettings(next); err != nil {
		return s.current, err
	}

	s.current = next

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()

	var persistErr error
	if err := s.store.SaveSettings(saveCtx, next); err != nil {
		s.logger.Error("failed to persist settings", "error", err)
		persistErr = &PersistError{Err: err}
	}

	s.logger.Info("settings updated",
		"auto_rotate", next.AutoRotate,
		"check_interval", next.CheckInterval,
		"max_error_count", next.MaxErrorCount,
	)
	return next, persistErr
}

func validateSettings(s model.Settings) error {
	if s.CheckInterval < minCheckInterval {
		return fmt.Errorf("%w: check interval must be at least %s", model.ErrInvalidArgument, minCheckInterval)
	}
	if s.MaxErrorCount < 1 {
		return fmt.Errorf("%w: max error count must be at least 1", model.ErrInvalidArgument)
	}
	return nil
}
