package application

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ericfisherdev/keyrelay/internal/domain/model"
)

// Command messages shared with the operator surface.
const (
	msgKeyRotated        = "Key rotated"
	msgKeyHealthy        = "Key is valid, no rotation needed"
	msgDaemonStarted     = "Daemon started"
	msgDaemonRunning     = "Daemon already running"
	msgDaemonStopping    = "Daemon is still shutting down"
	msgDaemonStopped     = "Daemon stopped"
	msgDaemonStopTimeout = "Daemon stop timed out; loop still running"
	msgDaemonNotRunning  = "Daemon not running"
	msgDaemonRestarted   = "Daemon restarted"
	msgSettingsUpdated   = "Settings updated"
	msgNotPersisted      = "change applied but not saved"
)

// ControlService is the command and query surface used by driving adapters.
// Every command returns a CommandResult; the error is also returned so
// adapters can map its kind to a transport status.
type ControlService struct {
	rotator  *KeyRotator
	switcher *ProviderSwitch
	settings *SettingsService
	monitor  *HealthMonitor
	logger   *slog.Logger

	// daemonCtx parents loops started through the command surface so they
	// outlive the request that started them.
	daemonCtx context.Context
}

// NewControlService wires the command surface. daemonCtx is the process
// lifetime context used for daemon starts.
func NewControlService(
	daemonCtx context.Context,
	rotator *KeyRotator,
	switcher *ProviderSwitch,
	settings *SettingsService,
	monitor *HealthMonitor,
	logger *slog.Logger,
) *ControlService {
	return &ControlService{
		rotator:   rotator,
		switcher:  switcher,
		settings:  settings,
		monitor:   monitor,
		logger:    logger,
		daemonCtx: daemonCtx,
	}
}

// Status returns the pool and provider summary. The active key is masked.
func (c *ControlService) Status() model.StatusSnapshot {
	st := c.switcher.State()
	snap := model.StatusSnapshot{
		Provider:   st.Provider,
		Model:      st.Model,
		AutoRotate: c.settings.Settings().AutoRotate,
	}

	pool := c.rotator.Pool()
	for _, rec := range pool.Records() {
		snap.TotalKeys++
		if !rec.IsActive {
			continue
		}
		snap.ActiveKeys++
		snap.MaskedActiveKey = model.MaskSecret(pool.Plaintext(rec))
		snap.LastUsed = rec.LastUsed
		snap.ErrorCount = rec.ErrorCount
	}
	return snap
}

// Keys lists every pooled key in masked form.
func (c *ControlService) Keys() []model.KeySummary {
	pool := c.rotator.Pool()
	records := pool.Records()

	out := make([]model.KeySummary, 0, len(records))
	for i, rec := range records {
		out = append(out, model.KeySummary{
			ID:         rec.ID,
			Index:      i + 1,
			Masked:     model.MaskSecret(pool.Plaintext(rec)),
			IsActive:   rec.IsActive,
			LastUsed:   rec.LastUsed,
			ErrorCount: rec.ErrorCount,
			AddedAt:    rec.AddedAt,
		})
	}
	return out
}

// Providers returns the configured providers.
func (c *ControlService) Providers() []model.ProviderProfile {
	return c.switcher.Profiles()
}

// ProviderState returns the current provider selection.
func (c *ControlService) ProviderState() model.ProviderState {
	return c.switcher.State()
}

// Models lists the models available for provider.
func (c *ControlService) Models(ctx context.Context, provider model.Provider) ([]string, error) {
	return c.switcher.Models(ctx, provider)
}

// Settings returns the current rotation policy.
func (c *ControlService) Settings() model.Settings {
	return c.settings.Settings()
}

// DaemonStatus returns the health monitor state.
func (c *ControlService) DaemonStatus() model.DaemonState {
	return c.monitor.Status()
}

// RotateKey rotates to the next healthy key.
func (c *ControlService) RotateKey(ctx context.Context) (model.CommandResult, error) {
	msg, err := c.rotator.Rotate(ctx)
	return c.result("rotate key", msg, err)
}

// TestKey validates the active key.
func (c *ControlService) TestKey(ctx context.Context) (model.CommandResult, error) {
	res, err := c.rotator.TestCurrent(ctx)
	if err != nil && !IsPersistError(err) {
		return c.result("test key", "", err)
	}
	if !res.Success {
		return model.CommandResult{Success: false, Message: res.Message, Error: res.Message}, nil
	}
	return c.result("test key", res.Message, err)
}

// CheckKey applies the error-count policy once.
func (c *ControlService) CheckKey(ctx context.Context) (model.CommandResult, error) {
	rotated, err := c.rotator.CheckAndRotate(ctx)
	msg := msgKeyHealthy
	if rotated {
		msg = msgKeyRotated
	}
	return c.result("check key", msg, err)
}

// AddKey validates and pools a new key.
func (c *ControlService) AddKey(ctx context.Context, secret string) (model.CommandResult, error) {
	msg, err := c.rotator.AddKey(ctx, secret)
	return c.result("add key", msg, err)
}

// RemoveKey deletes a pooled key by ID.
func (c *ControlService) RemoveKey(ctx context.Context, id string) (model.CommandResult, error) {
	msg, err := c.rotator.RemoveKey(ctx, id)
	return c.result("remove key", msg, err)
}

// ProvisionKey obtains and pools a new key from the provisioner.
func (c *ControlService) ProvisionKey(ctx context.Context) (model.CommandResult, error) {
	msg, err := c.rotator.ProvisionKey(ctx)
	return c.result("provision key", msg, err)
}

// SwitchProvider makes provider current.
func (c *ControlService) SwitchProvider(ctx context.Context, provider string) (model.CommandResult, error) {
	msg, err := c.switcher.SwitchTo(ctx, model.Provider(provider))
	return c.result("switch provider", msg, err)
}

// UpdateModel changes the current provider's model.
func (c *ControlService) UpdateModel(ctx context.Context, id string) (model.CommandResult, error) {
	msg, err := c.switcher.UpdateModel(ctx, id)
	return c.result("update model", msg, err)
}

// UpdateSettings applies a partial settings change.
func (c *ControlService) UpdateSettings(ctx context.Context, patch SettingsPatch) (model.CommandResult, error) {
	_, err := c.settings.Update(ctx, patch)
	return c.result("update settings", msgSettingsUpdated, err)
}

// StartDaemon starts the health monitor.
func (c *ControlService) StartDaemon() (model.CommandResult, error) {
	if c.monitor.Start(c.daemonCtx) {
		return model.CommandResult{Success: true, Message: msgDaemonStarted}, nil
	}
	if c.monitor.Status().Status == model.DaemonHung {
		return model.CommandResult{Success: false, Message: msgDaemonStopping, Error: msgDaemonStopping}, nil
	}
	return model.CommandResult{Success: false, Message: msgDaemonRunning, Error: msgDaemonRunning}, nil
}

// StopDaemon stops the health monitor.
func (c *ControlService) StopDaemon() (model.CommandResult, error) {
	if !c.monitor.Stop() {
		return model.CommandResult{Success: false, Message: msgDaemonNotRunning, Error: msgDaemonNotRunning}, nil
	}
	if c.monitor.Status().Status == model.DaemonHung {
		return model.CommandResult{Success: false, Message: msgDaemonStopTimeout, Error: msgDaemonStopTimeout}, nil
	}
	return model.CommandResult{Success: true, Message: msgDaemonStopped}, nil
}

// RestartDaemon stops and starts the health monitor.
func (c *ControlService) RestartDaemon() (model.CommandResult, error) {
	if !c.monitor.Restart(c.daemonCtx) {
		return model.CommandResult{Success: false, Message: msgDaemonStopping, Error: msgDaemonStopping}, nil
	}
	return model.CommandResult{Success: true, Message: msgDaemonRestarted}, nil
}

// result converts an operation outcome into a CommandResult. A change that
// was applied but not saved still succeeds. Internal failures are logged
// with detail and reported generically.
func (c *ControlService) result(op, msg string, err error) (model.CommandResult, error) {
	if err == nil {
		return model.CommandResult{Success: true, Message: msg}, nil
	}

	if IsPersistError(err) {
		c.logger.Warn("command applied but not saved", "op", op, "error", err)
		return model.CommandResult{Success: true, Message: msg, Error: msgNotPersisted}, nil
	}

	if errors.Is(err, model.ErrInternal) {
		c.logger.Error("command failed", "op", op, "error", err)
		return model.CommandResult{Success: false, Message: msg, Error: model.ErrInternal.Error()}, err
	}

	c.logger.Info("command rejected", "op", op, "error", err)
	return model.CommandResult{Success: false, Message: err.Error(), Error: err.Error()}, err
}
