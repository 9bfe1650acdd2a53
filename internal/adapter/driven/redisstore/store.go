// Package redisstore persists the key pool and rotation state in Redis, for
// deployments where the process has no durable local disk.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ericfisherdev/keyrelay/internal/domain/model"
	"github.com/ericfisherdev/keyrelay/internal/domain/port/driven"
)

// Compile-time interface satisfaction checks.
var (
	_ driven.PoolStore  = (*Store)(nil)
	_ driven.StateStore = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key namespace. Surrounding colons are trimmed.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if p := strings.Trim(prefix, ":"); p != "" {
			s.prefix = p
		}
	}
}

// Store keeps the pool as a Redis list of JSON records, and settings and
// provider selection as hashes.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

// New wraps an existing client. The caller owns the client's lifecycle.
func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{rdb: rdb, prefix: "keyrelay"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type recordJSON struct {
	ID         string     `json:"id"`
	Secret     string     `json:"secret"`
	IsActive   bool       `json:"is_active"`
	LastUsed   *time.Time `json:"last_used,omitempty"`
	ErrorCount int        `json:"error_count"`
	AddedAt    time.Time  `json:"added_at"`
}

func (s *Store) poolKey() string     { return s.prefix + ":pool" }
func (s *Store) settingsKey() string { return s.prefix + ":settings" }
func (s *Store) providerKey() string { return s.prefix + ":provider" }

// LoadPool returns the list entries in order. A missing list is an empty pool.
func (s *Store) LoadPool(ctx context.Context) ([]model.KeyRecord, error) {
	raw, err := s.rdb.LRange(ctx, s.poolKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load pool: %w", err)
	}

	records := make([]model.KeyRecord, 0, len(raw))
	for i, entry := range raw {
		var r recordJSON
		if err := json.Unmarshal([]byte(entry), &r); err != nil {
			return nil, fmt.Errorf("decode pool entry %d: %w", i, err)
		}
		records = append(records, model.KeyRecord{
			ID:         r.ID,
			Secret:     r.Secret,
			IsActive:   r.IsActive,
			LastUsed:   r.LastUsed,
			ErrorCount: r.ErrorCount,
			AddedAt:    r.AddedAt,
		})
	}
	return records, nil
}

// SavePool replaces the list inside MULTI/EXEC so readers see either the old
// or the new pool.
func (s *Store) SavePool(ctx context.Context, records []model.KeyRecord) error {
	values := make([]any, 0, len(records))
	for _, r := range records {
		data, err := json.Marshal(recordJSON{
			ID:         r.ID,
			Secret:     r.Secret,
			IsActive:   r.IsActive,
			LastUsed:   r.LastUsed,
			ErrorCount: r.ErrorCount,
			AddedAt:    r.AddedAt,
		})
		if err != nil {
			return fmt.Errorf("encode key %s: %w", r.ID, err)
		}
		values = append(values, data)
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.poolKey())
		if len(values) > 0 {
			pipe.RPush(ctx, s.poolKey(), values...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save pool: %w", err)
	}
	return nil
}

// LoadSettings returns the settings hash, or nil if it does not exist.
func (s *Store) LoadSettings(ctx context.Context) (*model.Settings, error) {
	fields, err := s.rdb.HGetAll(ctx, s.settingsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	autoRotate, err := strconv.ParseBool(fields["auto_rotate"])
	if err != nil {
		return nil, fmt.Errorf("parse auto_rotate: %w", err)
	}
	interval, err := strconv.ParseInt(fields["check_interval_seconds"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse check_interval_seconds: %w", err)
	}
	maxErrors, err := strconv.Atoi(fields["max_error_count"])
	if err != nil {
		return nil, fmt.Errorf("parse max_error_count: %w", err)
	}

	return &model.Settings{
		AutoRotate:    autoRotate,
		CheckInterval: time.Duration(interval) * time.Second,
		MaxErrorCount: maxErrors,
	}, nil
}

// SaveSettings writes every settings field in one HSET.
func (s *Store) SaveSettings(ctx context.Context, settings model.Settings) error {
	err := s.rdb.HSet(ctx, s.settingsKey(),
		"auto_rotate", strconv.FormatBool(settings.AutoRotate),
		"check_interval_seconds", strconv.FormatInt(int64(settings.CheckInterval/time.Second), 10),
		"max_error_count", strconv.Itoa(settings.MaxErrorCount),
	).Err()
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// LoadProviderState returns the provider hash, or nil if it does not exist.
func (s *Store) LoadProviderState(ctx context.Context) (*model.ProviderState, error) {
	fields, err := s.rdb.HGetAll(ctx, s.providerKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("load provider state: %w", err)
	}
	provider, ok := fields["provider"]
	if !ok {
		return nil, nil
	}
	return &model.ProviderState{Provider: model.Provider(provider), Model: fields["model"]}, nil
}

// SaveProviderState writes the provider hash.
func (s *Store) SaveProviderState(ctx context.Context, st model.ProviderState) error {
	err := s.rdb.HSet(ctx, s.providerKey(), "provider", string(st.Provider), "model", st.Model).Err()
	if err != nil {
		return fmt.Errorf("save provider state: %w", err)
	}
	return nil
}

// Ping verifies connectivity within the context deadline.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
