package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/keyrelay/internal/domain/model"
)

// setupStore connects to the Redis named by KEYRELAY_TEST_REDIS_ADDR and
// namespaces keys by test name. Tests are skipped when it is unset.
func setupStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("KEYRELAY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("KEYRELAY_TEST_REDIS_ADDR not set")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rdb.Ping(ctx).Err())

	prefix := "keyrelay-test:" + t.Name()
	s := New(rdb, WithPrefix(prefix))
	t.Cleanup(func() {
		rdb.Del(context.Background(), s.poolKey(), s.settingsKey(), s.providerKey())
	})
	return s
}

func TestWithPrefix_TrimsColons(t *testing.T) {
	s := New(nil, WithPrefix(":app:"))
	assert.Equal(t, "app:pool", s.poolKey())

	s = New(nil, WithPrefix(""))
	assert.Equal(t, "keyrelay:settings", s.settingsKey())
}

func TestStore_PoolRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	records, err := s.LoadPool(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.SavePool(ctx, []model.KeyRecord{
		{ID: "a", Secret: "enc-a", AddedAt: now},
		{ID: "b", Secret: "enc-b", IsActive: true, LastUsed: &now, ErrorCount: 1, AddedAt: now},
	}))

	records, err = s.LoadPool(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "b", records[1].ID)
	assert.True(t, records[1].IsActive)
	assert.Equal(t, 1, records[1].ErrorCount)

	require.NoError(t, s.SavePool(ctx, nil))
	records, err = s.LoadPool(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestStore_StateRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	settings, err := s.LoadSettings(ctx)
	require.NoError(t, err)
	assert.Nil(t, settings)

	require.NoError(t, s.SaveSettings(ctx, model.Settings{AutoRotate: true, CheckInterval: 2 * time.Minute, MaxErrorCount: 4}))
	settings, err = s.LoadSettings(ctx)
	require.NoError(t, err)
	require.NotNil(t, settings)
	assert.Equal(t, 2*time.Minute, settings.CheckInterval)

	require.NoError(t, s.SaveProviderState(ctx, model.ProviderState{Provider: model.ProviderOllama, Model: "phi"}))
	st, err := s.LoadProviderState(ctx)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "phi", st.Model)
}
