package application_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/ericfisherdev/keyrelay/internal/application"
	"github.com/ericfisherdev/keyrelay/internal/domain/model"
)

var errStoreDown = errors.New("store down")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Pool / state stores ---

type memPoolStore struct {
	mu      sync.Mutex
	records []model.KeyRecord
	saveErr error
	saves   int
}

func (m *memPoolStore) LoadPool(_ context.Context) ([]model.KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.KeyRecord(nil), m.records...), nil
}

func (m *memPoolStore) SavePool(_ context.Context, records []model.KeyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.records = append([]model.KeyRecord(nil), records...)
	return nil
}

func (m *memPoolStore) saved() []model.KeyRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.KeyRecord(nil), m.records...)
}

type memStateStore struct {
	mu       sync.Mutex
	settings *model.Settings
	provider *model.ProviderState
	saveErr  error
}

func (m *memStateStore) LoadSettings(_ context.Context) (*model.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings, nil
}

func (m *memStateStore) SaveSettings(_ context.Context, s model.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.settings = &s
	return nil
}

func (m *memStateStore) LoadProviderState(_ context.Context) (*model.ProviderState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.provider, nil
}

func (m *memStateStore) SaveProviderState(_ context.Context, st model.ProviderState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.provider = &st
	return nil
}

// --- Cipher ---

// prefixCipher marks ciphertext with "enc:" so tests can read stored values.
type prefixCipher struct{}

func (prefixCipher) Encrypt(plaintext string) (string, error) { return "enc:" + plaintext, nil }

func (prefixCipher) Decrypt(ciphertext string) string {
	if p, ok := strings.CutPrefix(ciphertext, "enc:"); ok {
		return p
	}
	return ciphertext
}

// --- Validator ---

// fakeValidator accepts secrets listed in valid and records every call.
type fakeValidator struct {
	mu        sync.Mutex
	valid     map[string]bool
	formatErr error
	calls     []string
}

func newFakeValidator(valid ...string) *fakeValidator {
	v := &fakeValidator{valid: make(map[string]bool)}
	for _, s := range valid {
		v.valid[s] = true
	}
	return v
}

func (v *fakeValidator) setValid(secret string, ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.valid[secret] = ok
}

func (v *fakeValidator) CheckFormat(secret string) error {
	if secret == "" {
		return model.ErrValidationFailed
	}
	return v.formatErr
}

func (v *fakeValidator) Validate(_ context.Context, secret string) model.ValidationResult {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, secret)
	if v.valid[secret] {
		return model.ValidationResult{Success: true, Message: "API key is valid"}
	}
	return model.ValidationResult{Success: false, Message: "API key test failed: unauthorized"}
}

func (v *fakeValidator) callCount(secret string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, c := range v.calls {
		if c == secret {
			n++
		}
	}
	return n
}

func (v *fakeValidator) totalCalls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.calls)
}

// --- Settings ---

type staticSettings struct {
	s model.Settings
}

func (s staticSettings) Settings() model.Settings { return s.s }

// --- Collaborators ---

type fakeProvisioner struct {
	secret string
	err    error
}

func (p *fakeProvisioner) ProvisionKey(_ context.Context) (string, error) {
	return p.secret, p.err
}

type fakeProbe struct {
	probeErr   error
	recoverErr error
	recovered  chan struct{}
}

func (p *fakeProbe) Probe(_ context.Context) error { return p.probeErr }

func (p *fakeProbe) Recover(_ context.Context) error {
	if p.recovered != nil {
		close(p.recovered)
	}
	return p.recoverErr
}

type fakeCatalog struct {
	models []string
	err    error
}

func (c *fakeCatalog) ListModels(_ context.Context) ([]string, error) { return c.models, c.err }

type recordingSink struct {
	mu       sync.Mutex
	bindings []model.ClientBinding
}

func (s *recordingSink) Publish(_ context.Context, b model.ClientBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings = append(s.bindings, b)
	return nil
}

func (s *recordingSink) last() (model.ClientBinding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.bindings) == 0 {
		return model.ClientBinding{}, false
	}
	return s.bindings[len(s.bindings)-1], true
}

// --- Builders ---

func defaultSettings() staticSettings {
	return staticSettings{s: model.DefaultSettings()}
}

// seedPool builds a pool whose records hold the given plaintexts, with
// activeIdx active (-1 for none).
func seedPool(ctx context.Context, store *memPoolStore, activeIdx int, secrets ...string) (*application.KeyPool, error) {
	for i, s := range secrets {
		store.records = append(store.records, model.KeyRecord{
			ID:       "id-" + s,
			Secret:   "enc:" + s,
			IsActive: i == activeIdx,
		})
	}
	return application.LoadKeyPool(ctx, store, prefixCipher{}, discardLogger())
}

func testProfiles() []model.ProviderProfile {
	return []model.ProviderProfile{
		{
			Name:         model.ProviderOpenRouter,
			DisplayName:  "OpenRouter",
			BaseURL:      "https://openrouter.ai/api/v1",
			Models:       []string{"openai/gpt-3.5-turbo", "openai/gpt-4"},
			DefaultModel: "openai/gpt-3.5-turbo",
		},
		{
			Name:         model.ProviderOllama,
			DisplayName:  "Ollama",
			BaseURL:      "http://localhost:11434",
			Models:       []string{"llama3", "mistral"},
			DefaultModel: "llama3",
		},
		{
			Name:        model.ProviderPhind,
			DisplayName: "Phind",
			BaseURL:     "https://www.phind.com/",
		},
	}
}
