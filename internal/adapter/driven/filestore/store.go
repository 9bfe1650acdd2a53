// Package filestore persists the key pool and rotation state as a single JSON
// document on disk. Every write replaces the file atomically.
package filestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"github.com/ericfisherdev/keyrelay/internal/domain/model"
	"github.com/ericfisherdev/keyrelay/internal/domain/port/driven"
)

// Compile-time interface satisfaction checks.
var (
	_ driven.PoolStore  = (*Store)(nil)
	_ driven.StateStore = (*Store)(nil)
)

type keyDoc struct {
	ID         string     `json:"id"`
	Key        string     `json:"key"`
	IsActive   bool       `json:"is_active"`
	LastUsed   *time.Time `json:"last_used"`
	ErrorCount int        `json:"error_count"`
	AddedAt    time.Time  `json:"added_at"`
}

type settingsDoc struct {
	AutoRotate           bool  `json:"auto_rotate"`
	CheckIntervalSeconds int64 `json:"check_interval_seconds"`
	MaxErrorCount        int   `json:"max_error_count"`
}

type providerDoc struct {
	Provider string `json:"current_provider"`
	Model    string `json:"current_model"`
}

// document is the on-disk layout. Sections that were never written are nil.
type document struct {
	Keys     []keyDoc     `json:"api_keys"`
	Settings *settingsDoc `json:"settings,omitempty"`
	Provider *providerDoc `json:"provider,omitempty"`
}

// Store implements PoolStore and StateStore on top of one JSON file.
type Store struct {
	mu   sync.Mutex
	path string
}

// New returns a Store writing to path. The file is created on first save.
func New(path string) *Store {
	return &Store{path: path}
}

// LoadPool returns the pooled keys in document order.
func (s *Store) LoadPool(_ context.Context) ([]model.KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}

	records := make([]model.KeyRecord, 0, len(doc.Keys))
	for _, k := range doc.Keys {
		records = append(records, model.KeyRecord{
			ID:         k.ID,
			Secret:     k.Key,
			IsActive:   k.IsActive,
			LastUsed:   k.LastUsed,
			ErrorCount: k.ErrorCount,
			AddedAt:    k.AddedAt,
		})
	}
	return records, nil
}

// SavePool replaces the keys section and leaves the rest of the document intact.
func (s *Store) SavePool(_ context.Context, records []model.KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}

	doc.Keys = make([]keyDoc, 0, len(records))
	for _, r := range records {
		doc.Keys = append(doc.Keys, keyDoc{
			ID:         r.ID,
			Key:        r.Secret,
			IsActive:   r.IsActive,
			LastUsed:   r.LastUsed,
			ErrorCount: r.ErrorCount,
			AddedAt:    r.AddedAt,
		})
	}
	return s.write(doc)
}

// LoadSettings returns the settings section, or nil if it was never written.
func (s *Store) LoadSettings(_ context.Context) (*model.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil || doc.Settings == nil {
		return nil, err
	}
	return &model.Settings{
		AutoRotate:    doc.Settings.AutoRotate,
		CheckInterval: time.Duration(doc.Settings.CheckIntervalSeconds) * time.Second,
		MaxErrorCount: doc.Settings.MaxErrorCount,
	}, nil
}

// SaveSettings replaces the settings section.
func (s *Store) SaveSettings(_ context.Context, settings model.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	doc.Settings = &settingsDoc{
		AutoRotate:           settings.AutoRotate,
		CheckIntervalSeconds: int64(settings.CheckInterval / time.Second),
		MaxErrorCount:        settings.MaxErrorCount,
	}
	return s.write(doc)
}

// LoadProviderState returns the provider section, or nil if it was never written.
func (s *Store) LoadProviderState(_ context.Context) (*model.ProviderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil || doc.Provider == nil {
		return nil, err
	}
	return &model.ProviderState{
		Provider: model.Provider(doc.Provider.Provider),
		Model:    doc.Provider.Model,
	}, nil
}

// SaveProviderState replaces the provider section.
func (s *Store) SaveProviderState(_ context.Context, st model.ProviderState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	doc.Provider = &providerDoc{Provider: string(st.Provider), Model: st.Model}
	return s.write(doc)
}

// read loads the document. A missing file is an empty document.
func (s *Store) read() (*document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return &doc, nil
}

func (s *Store) write(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode key state: %w", err)
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}
