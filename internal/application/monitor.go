package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ericfisherdev/keyrelay/internal/domain/model"
	"github.com/ericfisherdev/keyrelay/internal/domain/port/driven"
)

// LevelCritical is logged when every provider in the fallback chain failed.
const LevelCritical = slog.LevelError + 4

// Cycle outcomes reported to the metrics recorder.
const (
	CycleSkipped   = "skipped"
	CycleWaiting   = "waiting"
	CycleHealthy   = "healthy"
	CycleRotated   = "rotated"
	CycleFallback  = "fallback"
	CycleExhausted = "exhausted"
	CyclePanic     = "panic"
)

// KeyMaintainer is the part of the rotator the health monitor drives.
type KeyMaintainer interface {
	Current() (model.KeyRecord, int, error)
	TestCurrent(ctx context.Context) (model.ValidationResult, error)
	Rotate(ctx context.Context) (string, error)
}

// ProviderSwitcher is the part of the provider switch the health monitor drives.
type ProviderSwitcher interface {
	State() model.ProviderState
	SwitchTo(ctx context.Context, provider model.Provider) (string, error)
}

// MonitorConfig holds the health monitor timings.
type MonitorConfig struct {
	PollWait    time.Duration // Between iterations while active.
	IdleWait    time.Duration // Between iterations while auto-rotate is off or a fallback is in use.
	StopTimeout time.Duration // How long Stop waits for the loop to exit.
}

// DefaultMonitorConfig returns the standard timings.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		PollWait:    10 * time.Second,
		IdleWait:    60 * time.Second,
		StopTimeout: 5 * time.Second,
	}
}

// HealthMonitor is the background daemon that keeps the active key healthy
// and walks the fallback chain when the pool is exhausted.
type HealthMonitor struct {
	keys     KeyMaintainer
	switcher ProviderSwitcher
	settings SettingsReader
	metrics  driven.MetricsRecorder
	logger   *slog.Logger
	cfg      MonitorConfig
	now      func() time.Time

	mu        sync.Mutex
	status    model.DaemonStatus
	cancel    context.CancelFunc
	done      chan struct{}
	lastRun   *time.Time
	lastCheck *time.Time
}

// NewHealthMonitor creates a stopped HealthMonitor. A nil metrics recorder
// discards events.
func NewHealthMonitor(
	keys KeyMaintainer,
	switcher ProviderSwitcher,
	settings SettingsReader,
	metrics driven.MetricsRecorder,
	cfg MonitorConfig,
	logger *slog.Logger,
) *HealthMonitor {
	if metrics == nil {
		metrics = driven.NopMetrics{}
	}
	return &HealthMonitor{
		keys:     keys,
		switcher: switcher,
		settings: settings,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		status:   model.DaemonStopped,
	}
}

// Start launches the loop. It returns false if the loop is already running
// or a previous loop has not exited yet. The loop also ends when ctx is done.
func (h *HealthMonitor) Start(ctx context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.status != model.DaemonStopped {
		return false
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	h.cancel = cancel
	h.done = done
	h.status = model.DaemonRunning

	go func() {
		defer h.exited(done)
		h.loop(loopCtx)
	}()

	h.logger.Info("health monitor started")
	return true
}

// Stop cancels the loop and waits up to the stop timeout for it to exit.
// It returns false if the monitor was not running. If the loop does not exit
// in time the status becomes hung until it does.
func (h *HealthMonitor) Stop() bool {
	h.mu.Lock()
	if h.status != model.DaemonRunning {
		h.mu.Unlock()
		return false
	}
	cancel, done := h.cancel, h.done
	h.mu.Unlock()

	cancel()

	timer := time.NewTimer(h.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-done:
		h.logger.Info("health monitor stopped")
	case <-timer.C:
		h.mu.Lock()
		if h.done == done {
			h.status = model.DaemonHung
		}
		h.mu.Unlock()
		h.logger.Warn("health monitor did not stop in time", "timeout", h.cfg.StopTimeout)
	}
	return true
}

// Restart stops the loop if it is running and starts a new one. It returns
// false if the new loop could not be started.
func (h *HealthMonitor) Restart(ctx context.Context) bool {
	h.Stop()
	return h.Start(ctx)
}

// Status returns a snapshot of the monitor state.
func (h *HealthMonitor) Status() model.DaemonState {
	h.mu.Lock()
	defer h.mu.Unlock()

	return model.DaemonState{
		Status:    h.status,
		Running:   h.status == model.DaemonRunning,
		LastRun:   copyTime(h.lastRun),
		LastCheck: copyTime(h.lastCheck),
	}
}

func (h *HealthMonitor) exited(done chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()

	close(done)
	if h.done == done {
		if h.status == model.DaemonHung {
			h.logger.Info("hung health monitor loop exited")
		}
		h.status = model.DaemonStopped
		h.cancel = nil
		h.done = nil
	}
}

func (h *HealthMonitor) loop(ctx context.Context) {
	for {
		wait := h.runCycle(ctx)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// runCycle performs one iteration and returns how long to wait before the
// next. Panics are logged and never end the loop.
func (h *HealthMonitor) runCycle(ctx context.Context) (wait time.Duration) {
	wait = h.cfg.PollWait
	defer func() {
		if v := recover(); v != nil {
			h.logger.Error("health monitor cycle panicked", "panic", v)
			h.metrics.DaemonCycle(CyclePanic)
		}
	}()

	now := h.now()
	h.mu.Lock()
	h.lastRun = &now
	lastCheck := copyTime(h.lastCheck)
	h.mu.Unlock()

	settings := h.settings.Settings()
	state := h.switcher.State()
	if !settings.AutoRotate || state.Provider != model.PrimaryProvider {
		h.metrics.DaemonCycle(CycleSkipped)
		return h.cfg.IdleWait
	}

	if lastCheck != nil && now.Sub(*lastCheck) < settings.CheckInterval {
		h.metrics.DaemonCycle(CycleWaiting)
		return wait
	}

	h.mu.Lock()
	h.lastCheck = &now
	h.mu.Unlock()

	reason, needed := h.needsRotation(ctx, settings)
	if ctx.Err() != nil {
		return wait
	}
	if !needed {
		h.metrics.DaemonCycle(CycleHealthy)
		return wait
	}

	h.logger.Warn("active key unhealthy", "reason", reason)
	h.metrics.DaemonCycle(h.cascade(ctx))
	return wait
}

func (h *HealthMonitor) needsRotation(ctx context.Context, settings model.Settings) (string, bool) {
	rec, _, err := h.keys.Current()
	if errors.Is(err, model.ErrNotFound) {
		return "no active key", true
	}
	if err != nil {
		h.logger.Error("failed to read active key", "error", err)
		return "", false
	}

	if rec.ErrorCount >= settings.MaxErrorCount {
		return fmt.Sprintf("error count %d reached threshold %d", rec.ErrorCount, settings.MaxErrorCount), true
	}

	res, err := h.keys.TestCurrent(ctx)
	if !succeeded(err) {
		if ctx.Err() == nil {
			h.logger.Error("failed to test active key", "error", err)
		}
		return "", false
	}
	if !res.Success {
		return res.Message, true
	}
	return "", false
}

// cascade tries key rotation, then each fallback provider in order. Errors
// never escape; exhaustion is logged at critical level.
func (h *HealthMonitor) cascade(ctx context.Context) string {
	msg, err := h.keys.Rotate(ctx)
	if succeeded(err) {
		h.logger.Info("health monitor rotated key", "result", msg)
		return CycleRotated
	}
	h.logger.Warn("key rotation failed, trying fallback providers", "error", err)

	for _, provider := range model.FallbackChain {
		if ctx.Err() != nil {
			return CycleExhausted
		}
		msg, err := h.switcher.SwitchTo(ctx, provider)
		if succeeded(err) {
			h.logger.Warn("switched to fallback provider", "provider", provider, "result", msg)
			return CycleFallback
		}
		h.logger.Error("fallback provider switch failed", "provider", provider, "error", err)
	}

	h.logger.Log(ctx, LevelCritical, "all providers exhausted", "fallbacks", model.FallbackChain)
	return CycleExhausted
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
