package application_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/keyrelay/internal/adapter/driven/aesgcm"
	"github.com/ericfisherdev/keyrelay/internal/application"
	"github.com/ericfisherdev/keyrelay/internal/domain/model"
)

func newRotator(t *testing.T, store *memPoolStore, validator *fakeValidator, activeIdx int, secrets ...string) *application.KeyRotator {
	t.Helper()
	pool, err := seedPool(context.Background(), store, activeIdx, secrets...)
	require.NoError(t, err)
	return application.NewKeyRotator(pool, validator, defaultSettings(), discardLogger())
}

func errorCounts(pool *application.KeyPool) []int {
	var out []int
	for _, r := range pool.Records() {
		out = append(out, r.ErrorCount)
	}
	return out
}

func TestKeyRotator_RotateSkipsFailingKeys(t *testing.T) {
	validator := newFakeValidator("C")
	r := newRotator(t, &memPoolStore{}, validator, 0, "A", "B", "C")

	msg, err := r.Rotate(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "Rotated to key 3 of 3", msg)

	rec, idx, err := r.Current()
	require.NoError(t, err)
	assert.Equal(t, 2, idx)
	assert.Equal(t, 0, rec.ErrorCount)
	assert.Equal(t, []int{0, 1, 0}, errorCounts(r.Pool()))
	assert.Equal(t, 0, validator.callCount("A"))
}

func TestKeyRotator_RotateWrapsAround(t *testing.T) {
	validator := newFakeValidator("A")
	r := newRotator(t, &memPoolStore{}, validator, 1, "A", "B", "C")

	msg, err := r.Rotate(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "Rotated to key 1 of 3", msg)
	assert.Equal(t, 1, validator.callCount("C"))
	assert.Equal(t, 0, validator.callCount("B"))
}

func TestKeyRotator_RotateAllFail(t *testing.T) {
	validator := newFakeValidator()
	r := newRotator(t, &memPoolStore{}, validator, 0, "A", "B", "C")

	_, err := r.Rotate(context.Background())

	assert.ErrorIs(t, err, model.ErrAllKeysFailed)
	assert.Equal(t, 2, validator.totalCalls())
	assert.Equal(t, 0, validator.callCount("A"))
	assert.Equal(t, 1, validator.callCount("B"))
	assert.Equal(t, 1, validator.callCount("C"))

	_, _, err = r.Current()
	assert.NoError(t, err, "the last candidate stays active")
}

func TestKeyRotator_RotateSingleKeyRetestsIt(t *testing.T) {
	validator := newFakeValidator("A")
	r := newRotator(t, &memPoolStore{}, validator, 0, "A")

	msg, err := r.Rotate(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "Rotated to key 1 of 1", msg)
	assert.Equal(t, 1, validator.callCount("A"))
}

func TestKeyRotator_RotateWithoutActiveTriesEveryKey(t *testing.T) {
	validator := newFakeValidator()
	r := newRotator(t, &memPoolStore{}, validator, -1, "A", "B")

	_, err := r.Rotate(context.Background())

	assert.ErrorIs(t, err, model.ErrAllKeysFailed)
	assert.Equal(t, 1, validator.callCount("A"))
	assert.Equal(t, 1, validator.callCount("B"))
}

func TestKeyRotator_RotateEmptyPool(t *testing.T) {
	r := newRotator(t, &memPoolStore{}, newFakeValidator(), -1)

	_, err := r.Rotate(context.Background())
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestKeyRotator_RotatePersistFailureStillRotates(t *testing.T) {
	store := &memPoolStore{}
	r := newRotator(t, store, newFakeValidator("B"), 0, "A", "B")
	store.saveErr = errStoreDown

	msg, err := r.Rotate(context.Background())

	assert.Equal(t, "Rotated to key 2 of 2", msg)
	assert.True(t, application.IsPersistError(err))
	_, idx, _ := r.Current()
	assert.Equal(t, 1, idx)
}

func TestKeyRotator_TestCurrentRecordsOutcome(t *testing.T) {
	validator := newFakeValidator()
	r := newRotator(t, &memPoolStore{}, validator, 0, "A")
	ctx := context.Background()

	res, err := r.TestCurrent(ctx)
	require.NoError(t, err)
	assert.False(t, res.Success)
	res, err = r.TestCurrent(ctx)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, []int{2}, errorCounts(r.Pool()))

	validator.setValid("A", true)
	res, err = r.TestCurrent(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "API key is valid", res.Message)
	assert.Equal(t, []int{0}, errorCounts(r.Pool()))
}

func TestKeyRotator_TestCurrentCancelledRecordsNothing(t *testing.T) {
	r := newRotator(t, &memPoolStore{}, newFakeValidator(), 0, "A")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.TestCurrent(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int{0}, errorCounts(r.Pool()))
}

func TestKeyRotator_TestCurrentNoActive(t *testing.T) {
	r := newRotator(t, &memPoolStore{}, newFakeValidator(), -1, "A")

	_, err := r.TestCurrent(context.Background())
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestKeyRotator_CheckAndRotate(t *testing.T) {
	tests := []struct {
		name        string
		startErrors int
		valid       []string
		wantRotated bool
		wantActive  int
		wantErrors  []int
	}{
		{
			name:        "healthy key stays",
			startErrors: 2,
			valid:       []string{"A", "B"},
			wantRotated: false,
			wantActive:  0,
			wantErrors:  []int{0, 0},
		},
		{
			name:        "failure below threshold stays",
			startErrors: 1,
			valid:       []string{"B"},
			wantRotated: false,
			wantActive:  0,
			wantErrors:  []int{2, 0},
		},
		{
			name:        "failure reaching threshold rotates",
			startErrors: 2,
			valid:       []string{"B"},
			wantRotated: true,
			wantActive:  1,
			wantErrors:  []int{3, 0},
		},
		{
			name:        "already at threshold rotates without testing",
			startErrors: 3,
			valid:       []string{"A", "B"},
			wantRotated: true,
			wantActive:  1,
			wantErrors:  []int{3, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			validator := newFakeValidator(tt.valid...)
			r := newRotator(t, &memPoolStore{}, validator, 0, "A", "B")
			count := tt.startErrors
			require.NoError(t, r.Pool().UpdateStatus(ctx, 0, model.StatusUpdate{ErrorCount: &count}))

			rotated, err := r.CheckAndRotate(ctx)

			require.NoError(t, err)
			assert.Equal(t, tt.wantRotated, rotated)
			_, idx, err := r.Current()
			require.NoError(t, err)
			assert.Equal(t, tt.wantActive, idx)
			assert.Equal(t, tt.wantErrors, errorCounts(r.Pool()))
		})
	}
}

func TestKeyRotator_CheckAndRotateNoActiveKey(t *testing.T) {
	r := newRotator(t, &memPoolStore{}, newFakeValidator("B"), -1, "A", "B")

	rotated, err := r.CheckAndRotate(context.Background())

	require.NoError(t, err)
	assert.True(t, rotated)
	_, idx, _ := r.Current()
	assert.Equal(t, 1, idx)
}

func TestKeyRotator_CheckAndRotateExhausted(t *testing.T) {
	r := newRotator(t, &memPoolStore{}, newFakeValidator(), 0, "A", "B")
	count := 3
	require.NoError(t, r.Pool().UpdateStatus(context.Background(), 0, model.StatusUpdate{ErrorCount: &count}))

	rotated, err := r.CheckAndRotate(context.Background())

	assert.False(t, rotated)
	assert.ErrorIs(t, err, model.ErrAllKeysFailed)
}

func TestKeyRotator_AddKey(t *testing.T) {
	formatErr := errors.New("bad format")

	tests := []struct {
		name      string
		existing  []string
		secret    string
		valid     []string
		formatErr error
		wantErr   error
		wantMsg   string
	}{
		{name: "first key", secret: "NEW", valid: []string{"NEW"}, wantMsg: "Added new API key (total: 1)"},
		{name: "second key", existing: []string{"A"}, secret: "NEW", valid: []string{"NEW"}, wantMsg: "Added new API key (total: 2)"},
		{name: "trims whitespace", secret: "  NEW\n", valid: []string{"NEW"}, wantMsg: "Added new API key (total: 1)"},
		{name: "duplicate", existing: []string{"A"}, secret: "A", valid: []string{"A"}, wantErr: model.ErrAlreadyExists},
		{name: "empty", secret: "", wantErr: model.ErrValidationFailed},
		{name: "bad format", secret: "x", formatErr: formatErr, wantErr: formatErr},
		{name: "rejected upstream", secret: "NEW", wantErr: model.ErrValidationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			validator := newFakeValidator(tt.valid...)
			validator.formatErr = tt.formatErr
			active := -1
			if len(tt.existing) > 0 {
				active = 0
			}
			r := newRotator(t, &memPoolStore{}, validator, active, tt.existing...)

			msg, err := r.AddKey(context.Background(), tt.secret)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, len(tt.existing), r.Pool().Len())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantMsg, msg)
			assert.True(t, r.Pool().Contains("NEW"))
		})
	}
}

func TestKeyRotator_AddKeyRejectionCarriesUpstreamMessage(t *testing.T) {
	r := newRotator(t, &memPoolStore{}, newFakeValidator(), -1)

	_, err := r.AddKey(context.Background(), "NEW")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")
}

func TestKeyRotator_EnsureActive(t *testing.T) {
	ctx := context.Background()

	empty := newRotator(t, &memPoolStore{}, newFakeValidator(), -1)
	assert.ErrorIs(t, empty.EnsureActive(ctx), model.ErrUnavailable)

	r := newRotator(t, &memPoolStore{}, newFakeValidator(), -1, "A", "B")
	require.NoError(t, r.EnsureActive(ctx))
	_, idx, err := r.Current()
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	require.NoError(t, r.Pool().SetActive(ctx, 1))
	require.NoError(t, r.EnsureActive(ctx))
	_, idx, _ = r.Current()
	assert.Equal(t, 1, idx, "an active key is left alone")
}

func TestKeyRotator_RemoveKey(t *testing.T) {
	r := newRotator(t, &memPoolStore{}, newFakeValidator(), 0, "sk-or-v1-aaaaaaaaaaaa", "B")

	msg, err := r.RemoveKey(context.Background(), "id-sk-or-v1-aaaaaaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, "Removed key sk-o...aaaa (remaining: 1)", msg)

	_, err = r.RemoveKey(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestKeyRotator_ProvisionKey(t *testing.T) {
	ctx := context.Background()

	t.Run("not configured", func(t *testing.T) {
		r := newRotator(t, &memPoolStore{}, newFakeValidator(), -1)
		_, err := r.ProvisionKey(ctx)
		assert.ErrorIs(t, err, model.ErrUnavailable)
	})

	t.Run("provisioner failure", func(t *testing.T) {
		pool, err := seedPool(ctx, &memPoolStore{}, -1)
		require.NoError(t, err)
		r := application.NewKeyRotator(pool, newFakeValidator(), defaultSettings(), discardLogger(),
			application.WithProvisioner(&fakeProvisioner{err: errors.New("signup blocked")}))

		_, err = r.ProvisionKey(ctx)
		assert.ErrorIs(t, err, model.ErrUnavailable)
		assert.Contains(t, err.Error(), "signup blocked")
	})

	t.Run("adds provisioned key", func(t *testing.T) {
		pool, err := seedPool(ctx, &memPoolStore{}, -1)
		require.NoError(t, err)
		r := application.NewKeyRotator(pool, newFakeValidator("FRESH"), defaultSettings(), discardLogger(),
			application.WithProvisioner(&fakeProvisioner{secret: "FRESH"}))

		msg, err := r.ProvisionKey(ctx)
		require.NoError(t, err)
		assert.Equal(t, "Added new API key (total: 1)", msg)
		assert.True(t, pool.Contains("FRESH"))
	})
}

func TestKeyRotator_ActivationHook(t *testing.T) {
	ctx := context.Background()
	r := newRotator(t, &memPoolStore{}, newFakeValidator("B", "NEW"), 0, "A", "B")

	var got []string
	r.OnActivate(func(_ context.Context, secret string) { got = append(got, secret) })

	_, err := r.Rotate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, got)

	_, err = r.AddKey(ctx, "NEW")
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, got, "adding an inactive key does not fire the hook")
}

func TestKeyRotator_AddKeyDuplicateWithRandomizedCipher(t *testing.T) {
	ctx := context.Background()
	c, err := aesgcm.NewCipher(bytes.Repeat([]byte{7}, aesgcm.KeySize))
	require.NoError(t, err)

	first, err := c.Encrypt("sk-x")
	require.NoError(t, err)
	second, err := c.Encrypt("sk-x")
	require.NoError(t, err)
	require.NotEqual(t, first, second, "ciphertext must differ between encryptions")

	store := &memPoolStore{}
	pool, err := application.LoadKeyPool(ctx, store, c, discardLogger())
	require.NoError(t, err)
	r := application.NewKeyRotator(pool, newFakeValidator("sk-x"), defaultSettings(), discardLogger())

	_, err = r.AddKey(ctx, "sk-x")
	require.NoError(t, err)

	_, err = r.AddKey(ctx, " sk-x ")

	assert.ErrorIs(t, err, model.ErrAlreadyExists)
	assert.Equal(t, 1, r.Pool().Len())
	require.Len(t, store.saved(), 1)
	assert.NotEqual(t, "sk-x", store.saved()[0].Secret)
}

func TestKeyRotator_ConcurrentCallersWithRunningMonitor(t *testing.T) {
	const (
		workers = 8
		rounds  = 50
	)

	store := &memPoolStore{}
	validator := newFakeValidator("A", "C")
	pool, err := seedPool(context.Background(), store, 0, "A", "B", "C", "D")
	require.NoError(t, err)

	settings := staticSettings{s: model.Settings{AutoRotate: true, CheckInterval: time.Millisecond, MaxErrorCount: 1}}
	r := application.NewKeyRotator(pool, validator, settings, discardLogger())
	sw := application.NewProviderSwitch(testProfiles(), r, &memStateStore{}, discardLogger())
	r.OnActivate(sw.KeyActivated)

	monitor := application.NewHealthMonitor(r, sw, settings, nil, application.MonitorConfig{
		PollWait:    time.Millisecond,
		IdleWait:    time.Millisecond,
		StopTimeout: 2 * time.Second,
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.True(t, monitor.Start(ctx))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		maxSeen  int
		observed = func() {
			n := activeCount(r.Pool().Records())
			mu.Lock()
			maxSeen = max(maxSeen, n)
			mu.Unlock()
		}
	)

	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range rounds {
				switch (w + i) % 5 {
				case 0:
					_, _ = r.Rotate(ctx)
				case 1:
					_, _ = r.CheckAndRotate(ctx)
				case 2:
					_, _ = r.TestCurrent(ctx)
				case 3:
					_, _ = sw.SwitchTo(ctx, model.ProviderOllama)
				case 4:
					_, _ = sw.SwitchTo(ctx, model.ProviderOpenRouter)
				}
				if i%10 == 0 {
					validator.setValid("C", i%20 == 0)
				}
				observed()
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("concurrent rotator callers did not finish")
	}

	assert.LessOrEqual(t, maxSeen, 1)
	assert.LessOrEqual(t, activeCount(store.saved()), 1)

	assert.True(t, monitor.Stop())
	assert.Equal(t, model.DaemonStopped, monitor.Status().Status)
	sw.Wait()
}
