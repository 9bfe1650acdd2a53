// Package clientconfig keeps an external client tool's JSON configuration in
// step with the current provider, model and key.
package clientconfig

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/ericfisherdev/keyrelay/internal/domain/model"
	"github.com/ericfisherdev/keyrelay/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ClientConfigSink = (*Sink)(nil)

// SectionKey is the top-level key this sink owns in the config document.
const SectionKey = "keyrelay"

// section is the JSON written under SectionKey.
type section struct {
	Provider model.Provider `json:"provider"`
	Model    string         `json:"model,omitempty"`
	APIKey   string         `json:"apiKey,omitempty"`
	APIBase  string         `json:"apiBase,omitempty"`
}

// Sink merges the binding into a JSON document, leaving every other
// top-level key untouched.
type Sink struct {
	mu   sync.Mutex
	path string
}

// NewSink creates a Sink writing to path.
func NewSink(path string) *Sink {
	return &Sink{path: path}
}

// Publish rewrites the section for binding. Fallback providers are written
// with their API base and no key.
func (s *Sink) Publish(_ context.Context, b model.ClientBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}

	sec := section{Provider: b.Provider, Model: b.Model}
	if b.Provider == model.PrimaryProvider {
		sec.APIKey = b.APIKey
	} else {
		sec.APIBase = b.APIBase
	}

	raw, err := json.Marshal(sec)
	if err != nil {
		return fmt.Errorf("encoding client config section: %w", err)
	}
	doc[SectionKey] = raw

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding client config: %w", err)
	}
	out = append(out, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating client config dir: %w", err)
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(out)); err != nil {
		return fmt.Errorf("writing client config %s: %w", s.path, err)
	}
	return nil
}

// read returns the current document, or an empty one if the file is absent.
// A malformed document is an error so it is never overwritten.
func (s *Sink) read() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading client config %s: %w", s.path, err)
	}

	doc := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing client config %s: %w", s.path, err)
	}
	return doc, nil
}
