package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ericfisherdev/keyrelay/internal/domain/model"
	"github.com/ericfisherdev/keyrelay/internal/domain/port/driven"
)

// SettingsReader exposes the current rotation policy.
type SettingsReader interface {
	Settings() model.Settings
}

// ActivationHook is called with the plaintext of a key right after it becomes
// active. It runs while the rotator's operation lock is held and must not
// call back into the rotator.
type ActivationHook func(ctx context.Context, secret string)

// RotatorOption configures a KeyRotator.
type RotatorOption func(*KeyRotator)

// WithProvisioner enables ProvisionKey.
func WithProvisioner(p driven.KeyProvisioner) RotatorOption {
	return func(r *KeyRotator) { r.provisioner = p }
}

// WithRotatorMetrics sets the metrics recorder.
func WithRotatorMetrics(m driven.MetricsRecorder) RotatorOption {
	return func(r *KeyRotator) { r.metrics = m }
}

// KeyRotator owns key selection. opMu serializes compound operations
// (test, rotate, add, check, remove) so a manual rotation and a daemon
// rotation never interleave; the pool's own lock only guards its data.
type KeyRotator struct {
	opMu sync.Mutex

	pool        *KeyPool
	validator   driven.KeyValidator
	settings    SettingsReader
	provisioner driven.KeyProvisioner
	metrics     driven.MetricsRecorder
	logger      *slog.Logger
	now         func() time.Time

	hookMu sync.RWMutex
	hooks  []ActivationHook

	provisioning atomic.Bool
}

// NewKeyRotator creates a KeyRotator over pool.
func NewKeyRotator(pool *KeyPool, validator driven.KeyValidator, settings SettingsReader, logger *slog.Logger, opts ...RotatorOption) *KeyRotator {
	r := &KeyRotator{
		pool:      pool,
		validator: validator,
		settings:  settings,
		metrics:   driven.NopMetrics{},
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	r.metrics.PoolSize(pool.Len())
	return r
}

// OnActivate registers a hook fired whenever a key becomes active.
func (r *KeyRotator) OnActivate(hook ActivationHook) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.hooks = append(r.hooks, hook)
}

func (r *KeyRotator) activated(ctx context.Context, rec model.KeyRecord) {
	r.hookMu.RLock()
	hooks := r.hooks
	r.hookMu.RUnlock()

	if len(hooks) == 0 {
		return
	}
	secret := r.pool.Plaintext(rec)
	for _, h := range hooks {
		h(ctx, secret)
	}
}

// Pool returns the underlying credential store.
func (r *KeyRotator) Pool() *KeyPool {
	return r.pool
}

// Current returns the active key and its index, or model.ErrNotFound.
func (r *KeyRotator) Current() (model.KeyRecord, int, error) {
	return r.pool.Active()
}

// ActiveSecret returns the plaintext of the active key.
func (r *KeyRotator) ActiveSecret() (string, error) {
	rec, _, err := r.pool.Active()
	if err != nil {
		return "", err
	}
	return r.pool.Plaintext(rec), nil
}

// TestCurrent validates the active key and records the outcome: success
// resets its error count, failure increments it. If ctx is cancelled during
// validation nothing is recorded.
func (r *KeyRotator) TestCurrent(ctx context.Context) (model.ValidationResult, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	_, idx, err := r.pool.Active()
	if err != nil {
		return model.ValidationResult{}, err
	}
	return r.testIndexLocked(ctx, idx)
}

func (r *KeyRotator) testIndexLocked(ctx context.Context, idx int) (model.ValidationResult, error) {
	rec, err := r.pool.Get(idx)
	if err != nil {
		return model.ValidationResult{}, err
	}

	res := r.validator.Validate(ctx, r.pool.Plaintext(rec))
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	r.metrics.KeyValidated(res.Success)

	count := 0
	if !res.Success {
		count = rec.ErrorCount + 1
	}
	now := r.now()
	err = r.pool.UpdateStatus(ctx, idx, model.StatusUpdate{LastUsed: &now, ErrorCount: &count})

	r.logger.Debug("key tested",
		"index", idx+1,
		"key", model.MaskSecret(r.pool.Plaintext(rec)),
		"success", res.Success,
		"error_count", count,
	)
	return res, err
}

// Rotate advances to the next key that passes validation. Each candidate is
// visited at most once per call, starting after the current key; the current
// key itself is only re-tried when it is the sole key in the pool.
func (r *KeyRotator) Rotate(ctx context.Context) (string, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	return r.rotateLocked(ctx)
}

func (r *KeyRotator) rotateLocked(ctx context.Context) (string, error) {
	n := r.pool.Len()
	if n == 0 {
		return "", fmt.Errorf("%w: no keys in pool", model.ErrNotFound)
	}

	start := -1
	if _, idx, err := r.pool.Active(); err == nil {
		start = idx
	}

	attempts := n
	if start >= 0 && n > 1 {
		attempts = n - 1
	}

	var persistErr error
	for step := 1; step <= attempts; step++ {
		idx := (start + step) % n

		if err := r.pool.SetActive(ctx, idx); err != nil {
			if !IsPersistError(err) {
				return "", err
			}
			persistErr = err
		}

		res, err := r.testIndexLocked(ctx, idx)
		if err != nil {
			if !IsPersistError(err) {
				return "", err
			}
			persistErr = err
		}

		if res.Success {
			r.metrics.KeyRotated(true)
			rec, _ := r.pool.Get(idx)
			r.activated(ctx, rec)
			msg := fmt.Sprintf("Rotated to key %d of %d", idx+1, n)
			r.logger.Info("key rotated", "index", idx+1, "total", n)
			return msg, persistErr
		}

		r.logger.Warn("rotation candidate failed", "index", idx+1, "total", n, "reason", res.Message)
	}

	r.metrics.KeyRotated(false)
	return "", fmt.Errorf("%w: tried %d of %d keys", model.ErrAllKeysFailed, attempts, n)
}

// AddKey validates secret and appends it to the pool.
func (r *KeyRotator) AddKey(ctx context.Context, secret string) (string, error) {
	secret = strings.TrimSpace(secret)

	r.opMu.Lock()
	defer r.opMu.Unlock()

	if r.pool.Contains(secret) {
		return "", fmt.Errorf("%w: %s", model.ErrAlreadyExists, model.MaskSecret(secret))
	}

	if err := r.validator.CheckFormat(secret); err != nil {
		return "", err
	}

	res := r.validator.Validate(ctx, secret)
	r.metrics.KeyValidated(res.Success)
	if !res.Success {
		return "", fmt.Errorf("%w: %s", model.ErrValidationFailed, res.Message)
	}

	rec, err := r.pool.Add(ctx, secret)
	if !succeeded(err) {
		return "", err
	}

	total := r.pool.Len()
	r.metrics.PoolSize(total)
	r.logger.Info("key added", "key", model.MaskSecret(secret), "total", total, "active", rec.IsActive)

	if rec.IsActive {
		r.activated(ctx, rec)
	}
	return fmt.Sprintf("Added new API key (total: %d)", total), err
}

// CheckAndRotate applies the error-count policy. It rotates when no key is
// active or the active key has reached the threshold; otherwise it tests the
// key and rotates only if the failure brought it to the threshold.
func (r *KeyRotator) CheckAndRotate(ctx context.Context) (bool, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	maxErrors := r.settings.Settings().MaxErrorCount

	rec, idx, err := r.pool.Active()
	if errors.Is(err, model.ErrNotFound) {
		return r.rotateForCheck(ctx, "no active key")
	}
	if err != nil {
		return false, err
	}

	if rec.ErrorCount >= maxErrors {
		return r.rotateForCheck(ctx, "error threshold reached")
	}

	res, err := r.testIndexLocked(ctx, idx)
	if !succeeded(err) {
		return false, err
	}
	if res.Success {
		return false, err
	}

	updated, getErr := r.pool.Get(idx)
	if getErr != nil {
		return false, getErr
	}
	if updated.ErrorCount >= maxErrors {
		return r.rotateForCheck(ctx, "error threshold reached after test")
	}
	return false, err
}

func (r *KeyRotator) rotateForCheck(ctx context.Context, reason string) (bool, error) {
	r.logger.Info("rotating key", "reason", reason)
	_, err := r.rotateLocked(ctx)
	return succeeded(err), err
}

// EnsureActive guarantees a key is active, activating the first key if none
// is. It fails with model.ErrUnavailable when the pool is empty.
func (r *KeyRotator) EnsureActive(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if r.pool.Len() == 0 {
		return fmt.Errorf("%w: no API keys configured", model.ErrUnavailable)
	}
	if _, _, err := r.pool.Active(); err == nil {
		return nil
	}

	err := r.pool.SetActive(ctx, 0)
	if !succeeded(err) {
		return err
	}
	if rec, getErr := r.pool.Get(0); getErr == nil {
		r.activated(ctx, rec)
	}
	return err
}

// RemoveKey deletes the key with the given ID.
func (r *KeyRotator) RemoveKey(ctx context.Context, id string) (string, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	idx, err := r.pool.IndexOf(id)
	if err != nil {
		return "", err
	}

	removed, err := r.pool.Remove(ctx, idx)
	if !succeeded(err) {
		return "", err
	}

	remaining := r.pool.Len()
	r.metrics.PoolSize(remaining)
	r.logger.Info("key removed",
		"key", model.MaskSecret(r.pool.Plaintext(removed)),
		"was_active", removed.IsActive,
		"remaining", remaining,
	)
	return fmt.Sprintf("Removed key %s (remaining: %d)", model.MaskSecret(r.pool.Plaintext(removed)), remaining), err
}

// ProvisionKey asks the provisioner for a new secret and adds it. Only one
// provisioning run may be in flight; the run itself happens outside the
// operation lock because it can take minutes.
func (r *KeyRotator) ProvisionKey(ctx context.Context) (string, error) {
	if r.provisioner == nil {
		return "", fmt.Errorf("%w: no key provisioner configured", model.ErrUnavailable)
	}
	if !r.provisioning.CompareAndSwap(false, true) {
		return "", fmt.Errorf("%w: provisioning already in progress", model.ErrUnavailable)
	}
	defer r.provisioning.Store(false)

	r.logger.Info("provisioning new key")
	secret, err := r.provisioner.ProvisionKey(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: provision key: %w", model.ErrUnavailable, err)
	}

	return r.AddKey(ctx, secret)
}
