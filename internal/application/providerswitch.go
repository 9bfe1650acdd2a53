package application

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ericfisherdev/keyrelay/internal/domain/model"
	"github.com/ericfisherdev/keyrelay/internal/domain/port/driven"
)

const (
	defaultProbeTimeout   = 2 * time.Second
	defaultRecoverTimeout = 30 * time.Second
)

// KeyActivator is the part of the rotator the provider switch needs.
type KeyActivator interface {
	EnsureActive(ctx context.Context) error
	ActiveSecret() (string, error)
}

// SwitchOption configures a ProviderSwitch.
type SwitchOption func(*ProviderSwitch)

// WithReadinessProbe attaches a readiness probe to a fallback provider.
func WithReadinessProbe(p model.Provider, probe driven.ReadinessProbe) SwitchOption {
	return func(s *ProviderSwitch) { s.probes[p] = probe }
}

// WithModelCatalog attaches a live model catalog to a provider.
func WithModelCatalog(p model.Provider, catalog driven.ModelCatalog) SwitchOption {
	return func(s *ProviderSwitch) { s.catalogs[p] = catalog }
}

// WithClientConfigSink publishes every provider, model, and key change.
func WithClientConfigSink(sink driven.ClientConfigSink) SwitchOption {
	return func(s *ProviderSwitch) { s.sink = sink }
}

// WithProbeTimeouts overrides the readiness probe and background recovery bounds.
func WithProbeTimeouts(probe, recover time.Duration) SwitchOption {
	return func(s *ProviderSwitch) {
		if probe > 0 {
			s.probeTimeout = probe
		}
		if recover > 0 {
			s.recoverTimeout = recover
		}
	}
}

// WithSwitchMetrics sets the metrics recorder.
func WithSwitchMetrics(m driven.MetricsRecorder) SwitchOption {
	return func(s *ProviderSwitch) { s.metrics = m }
}

// ProviderSwitch tracks which provider family and model are in use.
// switchMu serializes SwitchTo and UpdateModel; mu guards state for readers.
type ProviderSwitch struct {
	switchMu sync.Mutex

	mu    sync.RWMutex
	state model.ProviderState

	profiles map[model.Provider]model.ProviderProfile
	order    []model.Provider

	keys     KeyActivator
	store    driven.StateStore
	probes   map[model.Provider]driven.ReadinessProbe
	catalogs map[model.Provider]driven.ModelCatalog
	sink     driven.ClientConfigSink
	metrics  driven.MetricsRecorder
	logger   *slog.Logger

	probeTimeout   time.Duration
	recoverTimeout time.Duration

	recoverMu  sync.Mutex
	recovering map[model.Provider]bool
	wg         sync.WaitGroup
}

// NewProviderSwitch creates a switch over profiles. The initial state is the
// primary provider with its default model; call LoadState to restore the
// persisted selection.
func NewProviderSwitch(
	profiles []model.ProviderProfile,
	keys KeyActivator,
	store driven.StateStore,
	logger *slog.Logger,
	opts ...SwitchOption,
) *ProviderSwitch {
	s := &ProviderSwitch{
		profiles:       make(map[model.Provider]model.ProviderProfile, len(profiles)),
		keys:           keys,
		store:          store,
		probes:         make(map[model.Provider]driven.ReadinessProbe),
		catalogs:       make(map[model.Provider]driven.ModelCatalog),
		metrics:        driven.NopMetrics{},
		logger:         logger,
		probeTimeout:   defaultProbeTimeout,
		recoverTimeout: defaultRecoverTimeout,
		recovering:     make(map[model.Provider]bool),
	}
	for _, p := range profiles {
		s.profiles[p.Name] = p
		s.order = append(s.order, p.Name)
	}
	for _, opt := range opts {
		opt(s)
	}

	s.state = model.DefaultProviderState()
	s.state.Model = s.profiles[s.state.Provider].DefaultModel
	return s
}

// LoadState restores the persisted selection. Unknown providers in storage
// are ignored in favour of the default.
func (s *ProviderSwitch) LoadState(ctx context.Context) error {
	stored, err := s.store.LoadProviderState(ctx)
	if err != nil {
		return fmt.Errorf("%w: load provider state: %w", model.ErrInternal, err)
	}
	if stored == nil {
		return nil
	}
	if _, ok := s.profiles[stored.Provider]; !ok {
		s.logger.Warn("ignoring unknown stored provider", "provider", stored.Provider)
		return nil
	}

	s.mu.Lock()
	s.state = *stored
	s.mu.Unlock()
	return nil
}

// State returns the current selection.
func (s *ProviderSwitch) State() model.ProviderState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Profiles returns the configured providers in registration order.
func (s *ProviderSwitch) Profiles() []model.ProviderProfile {
	out := make([]model.ProviderProfile, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.profiles[name])
	}
	return out
}

// Models returns the configured models of provider merged with its live
// catalog, if one is attached and reachable.
func (s *ProviderSwitch) Models(ctx context.Context, provider model.Provider) ([]string, error) {
	profile, ok := s.profiles[provider]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", model.ErrInvalidArgument, provider)
	}

	models := slices.Clone(profile.Models)
	if catalog := s.catalogs[provider]; catalog != nil {
		live, err := catalog.ListModels(ctx)
		if err != nil {
			s.logger.Warn("model catalog unavailable", "provider", provider, "error", err)
		}
		for _, m := range live {
			if !slices.Contains(models, m) {
				models = append(models, m)
			}
		}
	}
	return models, nil
}

// SwitchTo makes provider current. Switching to the primary provider
// requires at least one pooled key and activates the first key if none is
// active. Switching to a fallback probes its readiness and, when the probe
// fails, starts a background recovery without blocking the caller.
func (s *ProviderSwitch) SwitchTo(ctx context.Context, provider model.Provider) (string, error) {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	profile, ok := s.profiles[provider]
	if !ok {
		return "", fmt.Errorf("%w: unknown provider %q", model.ErrInvalidArgument, provider)
	}
	if profile.Disabled {
		return "", fmt.Errorf("%w: provider %s is disabled", model.ErrUnavailable, provider)
	}

	if provider == model.PrimaryProvider {
		if err := s.keys.EnsureActive(ctx); !succeeded(err) {
			return "", err
		}
	}

	s.mu.Lock()
	prev := s.state
	next := model.ProviderState{Provider: provider, Model: profile.DefaultModel}
	if prev.Provider == provider && prev.Model != "" {
		next.Model = prev.Model
	}
	s.state = next
	s.mu.Unlock()

	persistErr := s.persist(ctx, next)

	if provider != model.PrimaryProvider {
		s.metrics.FallbackActivated(provider)
		s.checkReadiness(ctx, provider)
	}
	s.publish(ctx)

	s.logger.Info("provider switched", "from", prev.Provider, "to", provider, "model", next.Model)
	return fmt.Sprintf("Switched to %s with model %s", profile.Title(), displayModel(next.Model)), persistErr
}

// UpdateModel changes the model of the current provider. The id must be one
// of the provider's configured models or appear in its live catalog.
func (s *ProviderSwitch) UpdateModel(ctx context.Context, id string) (string, error) {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	current := s.State()
	profile := s.profiles[current.Provider]

	if len(profile.Models) == 0 && s.catalogs[current.Provider] == nil {
		return "", fmt.Errorf("%w: cannot update model for %s", model.ErrInvalidArgument, profile.Title())
	}

	known := profile.HasModel(id)
	if !known {
		models, err := s.Models(ctx, current.Provider)
		if err != nil {
			return "", err
		}
		known = slices.Contains(models, id)
	}
	if !known {
		return "", fmt.Errorf("%w: unknown model %q for %s", model.ErrInvalidArgument, id, profile.Title())
	}

	next := model.ProviderState{Provider: current.Provider, Model: id}
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()

	persistErr := s.persist(ctx, next)
	s.publish(ctx)

	s.logger.Info("model updated", "provider", current.Provider, "model", id)
	return fmt.Sprintf("Updated model to %s", id), persistErr
}

// KeyActivated publishes the newly active key when the primary provider is
// in use. It is registered as a rotator activation hook.
func (s *ProviderSwitch) KeyActivated(ctx context.Context, secret string) {
	if s.sink == nil {
		return
	}
	st := s.State()
	if st.Provider != model.PrimaryProvider {
		return
	}
	s.publishBinding(ctx, s.binding(st, secret))
}

// Wait blocks until background recoveries have finished.
func (s *ProviderSwitch) Wait() {
	s.wg.Wait()
}

func (s *ProviderSwitch) persist(ctx context.Context, st model.ProviderState) error {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()

	if err := s.store.SaveProviderState(saveCtx, st); err != nil {
		s.logger.Error("failed to persist provider state", "error", err)
		return &PersistError{Err: err}
	}
	return nil
}

func (s *ProviderSwitch) checkReadiness(ctx context.Context, provider model.Provider) {
	probe := s.probes[provider]
	if probe == nil {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	err := probe.Probe(probeCtx)
	cancel()
	if err == nil {
		s.logger.Info("fallback provider ready", "provider", provider)
		return
	}

	s.logger.Warn("fallback provider not ready, starting recovery", "provider", provider, "error", err)
	s.startRecovery(ctx, provider, probe)
}

func (s *ProviderSwitch) startRecovery(ctx context.Context, provider model.Provider, probe driven.ReadinessProbe) {
	s.recoverMu.Lock()
	if s.recovering[provider] {
		s.recoverMu.Unlock()
		return
	}
	s.recovering[provider] = true
	s.recoverMu.Unlock()

	recoverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.recoverTimeout)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer func() {
			s.recoverMu.Lock()
			delete(s.recovering, provider)
			s.recoverMu.Unlock()
		}()

		if err := probe.Recover(recoverCtx); err != nil {
			s.logger.Error("fallback provider recovery failed", "provider", provider, "error", err)
			return
		}
		s.logger.Info("fallback provider recovered", "provider", provider)
	}()
}

func (s *ProviderSwitch) publish(ctx context.Context) {
	if s.sink == nil {
		return
	}

	st := s.State()
	secret := ""
	if st.Provider == model.PrimaryProvider {
		if active, err := s.keys.ActiveSecret(); err == nil {
			secret = active
		}
	}
	s.publishBinding(ctx, s.binding(st, secret))
}

func (s *ProviderSwitch) binding(st model.ProviderState, secret string) model.ClientBinding {
	return model.ClientBinding{
		Provider: st.Provider,
		Model:    st.Model,
		APIKey:   secret,
		APIBase:  s.profiles[st.Provider].BaseURL,
	}
}

func (s *ProviderSwitch) publishBinding(ctx context.Context, b model.ClientBinding) {
	if err := s.sink.Publish(ctx, b); err != nil {
		s.logger.Warn("client config sync failed", "provider", b.Provider, "error", err)
	}
}

func displayModel(m string) string {
	if m == "" {
		return "(none)"
	}
	return m
}
