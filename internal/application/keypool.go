// Package application contains use-case orchestration services.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ericfisherdev/keyrelay/internal/domain/model"
	"github.com/ericfisherdev/keyrelay/internal/domain/port/driven"
)

// saveTimeout bounds a single pool write. Saves run detached from the caller's
// context so a cancelled request cannot leave memory and storage out of step.
const saveTimeout = 5 * time.Second

// PersistError reports a mutation that was applied in memory but could
// not be written to storage. It matches model.ErrInternal.
type PersistError struct {
	Err error
}

func (e *PersistError) Error() string {
	return "change applied but not persisted: " + e.Err.Error()
}

// Unwrap exposes both the error kind and the underlying storage error.
func (e *PersistError) Unwrap() []error {
	return []error{model.ErrInternal, e.Err}
}

// IsPersistError reports whether err carries a PersistError, meaning the
// operation's effect is live even though the call returned an error.
func IsPersistError(err error) bool {
	var pe *PersistError
	return errors.As(err, &pe)
}

// succeeded treats applied-but-unsaved mutations as success.
func succeeded(err error) bool {
	return err == nil || IsPersistError(err)
}

// KeyPool is the in-memory credential store. Every mutation is written
// through to the PoolStore while the pool lock is held, so saves never
// interleave. Records hold ciphertext; Plaintext decrypts on demand.
type KeyPool struct {
	mu      sync.Mutex
	records []model.KeyRecord

	store  driven.PoolStore
	cipher driven.Cipher
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// LoadKeyPool reads the persisted pool. A pool with more than one active
// record is repaired by keeping only the first active one, and records
// without an ID get one. Repairs are saved back.
func LoadKeyPool(ctx context.Context, store driven.PoolStore, cipher driven.Cipher, logger *slog.Logger) (*KeyPool, error) {
	records, err := store.LoadPool(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load key pool: %w", model.ErrInternal, err)
	}

	p := &KeyPool{
		records: records,
		store:   store,
		cipher:  cipher,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}

	repaired := p.repairActive()
	if repaired {
		logger.Warn("key pool had multiple active keys, keeping the first")
	}
	if n := p.backfillIDs(); n > 0 {
		logger.Warn("assigned IDs to key records without one", "count", n)
		repaired = true
	}

	if repaired {
		p.mu.Lock()
		err := p.saveLocked(ctx)
		p.mu.Unlock()
		if !succeeded(err) {
			return nil, err
		}
	}

	return p, nil
}

// backfillIDs gives every record without an ID a fresh one and returns how
// many were assigned.
func (p *KeyPool) backfillIDs() int {
	n := 0
	for i := range p.records {
		if p.records[i].ID == "" {
			p.records[i].ID = p.newID()
			n++
		}
	}
	return n
}

func (p *KeyPool) repairActive() bool {
	seen := false
	repaired := false
	for i := range p.records {
		if !p.records[i].IsActive {
			continue
		}
		if seen {
			p.records[i].IsActive = false
			repaired = true
		}
		seen = true
	}
	return repaired
}

// Len returns the number of pooled keys.
func (p *KeyPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

// Records returns a copy of the pool in rotation order.
func (p *KeyPool) Records() []model.KeyRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]model.KeyRecord, len(p.records))
	for i, r := range p.records {
		out[i] = cloneRecord(r)
	}
	return out
}

// Active returns the active record and its index, or model.ErrNotFound.
func (p *KeyPool) Active() (model.KeyRecord, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, r := range p.records {
		if r.IsActive {
			return cloneRecord(r), i, nil
		}
	}
	return model.KeyRecord{}, -1, fmt.Errorf("%w: no active key", model.ErrNotFound)
}

// Get returns the record at index.
func (p *KeyPool) Get(index int) (model.KeyRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkIndexLocked(index); err != nil {
		return model.KeyRecord{}, err
	}
	return cloneRecord(p.records[index]), nil
}

// IndexOf returns the position of the record with the given ID.
func (p *KeyPool) IndexOf(id string) (int, error) {
	if id == "" {
		return -1, fmt.Errorf("%w: empty key id", model.ErrNotFound)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i, r := range p.records {
		if r.ID == id {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: key %s", model.ErrNotFound, id)
}

// Plaintext decrypts a record's secret.
func (p *KeyPool) Plaintext(rec model.KeyRecord) string {
	return p.cipher.Decrypt(rec.Secret)
}

// Contains reports whether any pooled record decrypts to plaintext.
func (p *KeyPool) Contains(plaintext string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.containsLocked(plaintext)
}

func (p *KeyPool) containsLocked(plaintext string) bool {
	for _, r := range p.records {
		if p.cipher.Decrypt(r.Secret) == plaintext {
			return true
		}
	}
	return false
}

// Add encrypts and appends a new key. The first key in an empty pool becomes
// active immediately; later keys are added inactive.
func (p *KeyPool) Add(ctx context.Context, plaintext string) (model.KeyRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.containsLocked(plaintext) {
		return model.KeyRecord{}, fmt.Errorf("%w: %s", model.ErrAlreadyExists, model.MaskSecret(plaintext))
	}

	encrypted, err := p.cipher.Encrypt(plaintext)
	if err != nil {
		return model.KeyRecord{}, fmt.Errorf("%w: encrypt key: %w", model.ErrInternal, err)
	}

	now := p.now()
	rec := model.KeyRecord{
		ID:      p.newID(),
		Secret:  encrypted,
		AddedAt: now,
	}
	if len(p.records) == 0 {
		rec.IsActive = true
		rec.LastUsed = &now
	}
	p.records = append(p.records, rec)

	return cloneRecord(rec), p.saveLocked(ctx)
}

// SetActive makes index the only active record, resets its error count, and
// stamps its last-used time.
func (p *KeyPool) SetActive(ctx context.Context, index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkIndexLocked(index); err != nil {
		return err
	}

	now := p.now()
	for i := range p.records {
		p.records[i].IsActive = i == index
	}
	p.records[index].ErrorCount = 0
	p.records[index].LastUsed = &now

	return p.saveLocked(ctx)
}

// UpdateStatus applies the non-nil fields of update to the record at index.
func (p *KeyPool) UpdateStatus(ctx context.Context, index int, update model.StatusUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkIndexLocked(index); err != nil {
		return err
	}

	if update.LastUsed != nil {
		t := *update.LastUsed
		p.records[index].LastUsed = &t
	}
	if update.ErrorCount != nil {
		p.records[index].ErrorCount = *update.ErrorCount
	}

	return p.saveLocked(ctx)
}

// Remove deletes the record at index. Removing the active key leaves the pool
// without an active key until the next rotation or activation.
func (p *KeyPool) Remove(ctx context.Context, index int) (model.KeyRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkIndexLocked(index); err != nil {
		return model.KeyRecord{}, err
	}

	removed := p.records[index]
	p.records = append(p.records[:index], p.records[index+1:]...)

	return removed, p.saveLocked(ctx)
}

func (p *KeyPool) checkIndexLocked(index int) error {
	if index < 0 || index >= len(p.records) {
		return fmt.Errorf("%w: key index %d out of range", model.ErrNotFound, index)
	}
	return nil
}

// saveLocked writes the full pool. The in-memory change is kept on failure
// and reported as a PersistError.
func (p *KeyPool) saveLocked(ctx context.Context) error {
	snapshot := make([]model.KeyRecord, len(p.records))
	for i, r := range p.records {
		snapshot[i] = cloneRecord(r)
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()

	if err := p.store.SavePool(saveCtx, snapshot); err != nil {
		p.logger.Error("failed to persist key pool", "error", err, "keys", len(snapshot))
		return &PersistError{Err: err}
	}
	return nil
}

func cloneRecord(r model.KeyRecord) model.KeyRecord {
	if r.LastUsed != nil {
		t := *r.LastUsed
		r.LastUsed = &t
	}
	return r
}
