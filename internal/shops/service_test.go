package shops

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-flash-sale/internal/cache"
	"github.com/ariefcatur/go-flash-sale/internal/config"
	"github.com/ariefcatur/go-flash-sale/internal/lock"
)

type memStore struct {
	mu    sync.Mutex
	shops map[int64]Shop
	gets  int
}

func (m *memStore) GetByID(_ context.Context, id int64) (*Shop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	s, ok := m.shops[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *memStore) Update(_ context.Context, s Shop) (Shop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.shops[s.ID]; !ok {
		return Shop{}, ErrShopNotFound
	}
	m.shops[s.ID] = s
	return s, nil
}

func newService(t *testing.T, strategy string) (*Service, *memStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	c := cache.New(rdb, lock.New(rdb), zerolog.Nop(), cache.Options{})
	t.Cleanup(c.Close)
	store := &memStore{shops: map[int64]Shop{1: {ID: 1, Name: "103 Tea House"}}}
	return NewService(store, c, strategy, 30*time.Minute, zerolog.Nop()), store, mr
}

func TestQueryByIDPassThrough(t *testing.T) {
	svc, store, mr := newService(t, config.StrategyPassThrough)
	ctx := context.Background()

	got, err := svc.QueryByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "103 Tea House", got.Name)
	assert.True(t, mr.Exists("cache:shop:1"))

	_, err = svc.QueryByID(ctx, 2)
	assert.True(t, errors.Is(err, ErrShopNotFound))
	_, err = svc.QueryByID(ctx, 2)
	assert.True(t, errors.Is(err, ErrShopNotFound))
	assert.Equal(t, 2, store.gets)
}

func TestQueryByIDLogicalNeedsWarmup(t *testing.T) {
	svc, _, _ := newService(t, config.StrategyLogical)
	ctx := context.Background()

	_, err := svc.QueryByID(ctx, 1)
	assert.True(t, errors.Is(err, ErrShopNotFound))

	n, err := svc.Warm(ctx, []int64{1, 404})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := svc.QueryByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "103 Tea House", got.Name)
}

func TestUpdateInvalidatesPassThrough(t *testing.T) {
	svc, _, mr := newService(t, config.StrategyPassThrough)
	ctx := context.Background()

	_, err := svc.QueryByID(ctx, 1)
	require.NoError(t, err)

	_, err = svc.Update(ctx, Shop{ID: 1, Name: "renamed"})
	require.NoError(t, err)
	assert.False(t, mr.Exists("cache:shop:1"))

	got, err := svc.QueryByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
}

func TestUpdateRewarmsLogical(t *testing.T) {
	svc, _, mr := newService(t, config.StrategyLogical)
	ctx := context.Background()
	_, err := svc.Warm(ctx, []int64{1})
	require.NoError(t, err)

	_, err = svc.Update(ctx, Shop{ID: 1, Name: "renamed"})
	require.NoError(t, err)

	raw, err := mr.Get("cache:shop:1")
	require.NoError(t, err)
	var entry struct {
		Data Shop `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &entry))
	assert.Equal(t, "renamed", entry.Data.Name)

	got, err := svc.QueryByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
}

func TestUpdateRejectsBadInput(t *testing.T) {
	svc, _, mr := newService(t, config.StrategyPassThrough)
	ctx := context.Background()

	_, err := svc.Update(ctx, Shop{Name: "no id"})
	assert.True(t, errors.Is(err, ErrInvalidShop))

	require.NoError(t, mr.Set("cache:shop:9", `{"id":9}`))
	_, err = svc.Update(ctx, Shop{ID: 9, Name: "ghost"})
	assert.True(t, errors.Is(err, ErrShopNotFound))
	assert.True(t, mr.Exists("cache:shop:9"), "failed writes leave the cache alone")
}

func TestQueryByIDMutex(t *testing.T) {
	svc, store, mr := newService(t, config.StrategyMutex)
	ctx := context.Background()

	got, err := svc.QueryByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "103 Tea House", got.Name)
	assert.Equal(t, 30*time.Minute, mr.TTL("cache:shop:1"))
	assert.False(t, mr.Exists("lock:cache:shop:1"))

	_, err = svc.QueryByID(ctx, 1)
	require.NoError(t, err)
	_, err = svc.QueryByID(ctx, 404)
	assert.True(t, errors.Is(err, ErrShopNotFound))
	assert.Equal(t, 2, store.gets)

	_, err = svc.Update(ctx, Shop{ID: 1, Name: "renamed"})
	require.NoError(t, err)
	assert.False(t, mr.Exists("cache:shop:1"))
}

func TestUpdateLogicalWinsOverRebuildInFlight(t *testing.T) {
	svc, _, mr := newService(t, config.StrategyLogical)
	ctx := context.Background()
	_, err := svc.Warm(ctx, []int64{1})
	require.NoError(t, err)

	require.NoError(t, mr.Set("lock:cache:shop:1", "rebuilder"))
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = mr.Set("cache:shop:1", `{"data":{"id":1,"name":"103 Tea House"},"expireTime":"2999-01-01T00:00:00Z"}`)
		mr.Del("lock:cache:shop:1")
	}()

	_, err = svc.Update(ctx, Shop{ID: 1, Name: "renamed"})
	require.NoError(t, err)

	got, err := svc.QueryByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
}
