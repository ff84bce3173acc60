package seckill

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-flash-sale/internal/lock"
	"github.com/ariefcatur/go-flash-sale/internal/stream"
)

// memStore mirrors OrderRepo.Persist against maps.
type memStore struct {
	mu     sync.Mutex
	stock  map[int64]int
	orders map[[2]int64]Order
	err    error
}

func newMemStore(stock map[int64]int) *memStore {
	return &memStore{stock: stock, orders: map[[2]int64]Order{}}
}

func (s *memStore) Persist(_ context.Context, o Order) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	k := [2]int64{o.UserID, o.VoucherID}
	if prev, ok := s.orders[k]; ok {
		if prev.ID == o.ID {
			return false, nil
		}
		return false, ErrDuplicateOrder
	}
	if s.stock[o.VoucherID] <= 0 {
		return false, ErrStockExhausted
	}
	s.stock[o.VoucherID]--
	s.orders[k] = o
	return true, nil
}

func (s *memStore) rows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

type memEvents struct {
	mu     sync.Mutex
	placed []int64
	err    error
}

func (e *memEvents) PublishOrderPlaced(_ context.Context, o Order) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.placed = append(e.placed, o.ID)
	return e.err
}

func newHandler(t *testing.T, store OrderStore, events EventPublisher) (*OrderHandler, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewOrderHandler(lock.New(rdb), store, events, 10*time.Second, zerolog.Nop()), rdb, mr
}

func TestHandlePersistsAndPublishes(t *testing.T) {
	store := newMemStore(map[int64]int{1: 5})
	events := &memEvents{}
	h, _, mr := newHandler(t, store, events)

	require.NoError(t, h.Handle(context.Background(), Order{ID: 100, UserID: 7, VoucherID: 1}))
	assert.Equal(t, 1, store.rows())
	assert.Equal(t, 4, store.stock[1])
	assert.Equal(t, []int64{100}, events.placed)
	assert.False(t, mr.Exists("lock:order:7"))
}

func TestHandleReplayIsIdempotent(t *testing.T) {
	store := newMemStore(map[int64]int{1: 5})
	events := &memEvents{}
	h, _, _ := newHandler(t, store, events)
	o := Order{ID: 100, UserID: 7, VoucherID: 1}

	require.NoError(t, h.Handle(context.Background(), o))
	require.NoError(t, h.Handle(context.Background(), o))

	assert.Equal(t, 1, store.rows())
	assert.Equal(t, 4, store.stock[1])
	assert.Equal(t, []int64{100}, events.placed)
}

func TestHandleAcksInvariantViolations(t *testing.T) {
	store := newMemStore(map[int64]int{1: 1})
	h, _, _ := newHandler(t, store, nil)
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, Order{ID: 1, UserID: 7, VoucherID: 1}))
	// same user, different order id: duplicate
	require.NoError(t, h.Handle(ctx, Order{ID: 2, UserID: 7, VoucherID: 1}))
	// different user, no durable stock left
	require.NoError(t, h.Handle(ctx, Order{ID: 3, UserID: 8, VoucherID: 1}))

	assert.Equal(t, 1, store.rows())
	assert.Equal(t, 0, store.stock[1])
}

func TestHandleLockBusyIsRetried(t *testing.T) {
	store := newMemStore(map[int64]int{1: 1})
	h, _, mr := newHandler(t, store, nil)
	require.NoError(t, mr.Set("lock:order:7", "other-worker"))

	err := h.Handle(context.Background(), Order{ID: 1, UserID: 7, VoucherID: 1})
	assert.True(t, errors.Is(err, ErrLockBusy))
	assert.Equal(t, 0, store.rows())
}

func TestHandleTransientErrorIsReturned(t *testing.T) {
	store := newMemStore(map[int64]int{1: 1})
	store.err = errors.New("connection reset")
	h, _, mr := newHandler(t, store, nil)

	err := h.Handle(context.Background(), Order{ID: 1, UserID: 7, VoucherID: 1})
	require.Error(t, err)
	assert.False(t, mr.Exists("lock:order:7"))
}

func TestHandlePublishFailureStillAcks(t *testing.T) {
	store := newMemStore(map[int64]int{1: 1})
	h, _, _ := newHandler(t, store, &memEvents{err: errors.New("broker down")})

	require.NoError(t, h.Handle(context.Background(), Order{ID: 1, UserID: 7, VoucherID: 1}))
	assert.Equal(t, 1, store.rows())
}

func TestHandleMessageMarksUndecodableAsPoison(t *testing.T) {
	h, _, _ := newHandler(t, newMemStore(nil), nil)

	err := h.HandleMessage(context.Background(), redis.XMessage{ID: "1-0", Values: map[string]any{"id": "x"}})
	assert.True(t, errors.Is(err, stream.ErrPoison))

	err = h.HandleMessage(context.Background(), redis.XMessage{ID: "1-0", Values: map[string]any{"id": "1", "userId": "2"}})
	assert.True(t, errors.Is(err, stream.ErrPoison))
}

func TestDecodeOrder(t *testing.T) {
	o, err := decodeOrder(redis.XMessage{
		ID:     "1700000000000-3",
		Values: map[string]any{"id": "9", "userId": "7", "voucherId": "2"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(9), o.ID)
	assert.Equal(t, int64(7), o.UserID)
	assert.Equal(t, int64(2), o.VoucherID)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), o.CreatedAt)
}

// pipeline wires the gate, the stream consumer and the handler against one miniredis.
type pipeline struct {
	gate     *Gate
	consumer *stream.Consumer
	handler  *OrderHandler
	store    *memStore
	rdb      *redis.Client
}

func newPipeline(t *testing.T, voucherID int64, stock int) *pipeline {
	t.Helper()
	g, rdb, _ := newGate(t)
	seed(t, g, voucherID, stock)
	store := newMemStore(map[int64]int{voucherID: stock})
	return &pipeline{
		gate: g,
		consumer: stream.NewConsumer(rdb, stream.Config{
			Stream: testStream, Group: "g1", Consumer: "c1",
			Block: 100 * time.Millisecond, Backoff: 10 * time.Millisecond,
		}, zerolog.Nop()),
		handler: NewOrderHandler(lock.New(rdb), store, nil, 10*time.Second, zerolog.Nop()),
		store:   store,
		rdb:     rdb,
	}
}

func (p *pipeline) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.consumer.Run(ctx, p.handler.HandleMessage)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (p *pipeline) pending(t *testing.T) int64 {
	t.Helper()
	res, err := p.rdb.XPending(context.Background(), testStream, "g1").Result()
	require.NoError(t, err)
	return res.Count
}

func TestPipelineLastUnitTwoBuyers(t *testing.T) {
	p := newPipeline(t, 1, 1)
	ctx := context.Background()
	require.NoError(t, p.consumer.EnsureGroup(ctx))
	p.run(t)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = p.gate.Purchase(ctx, 1, int64(100+i))
		}(i)
	}
	wg.Wait()

	var ok, outOfStock int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrOutOfStock):
			outOfStock++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, outOfStock)

	require.Eventually(t, func() bool { return p.store.rows() == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return p.pending(t) == 0 }, time.Second, 10*time.Millisecond)
	p.store.mu.Lock()
	assert.Equal(t, 0, p.store.stock[1])
	p.store.mu.Unlock()
}

func TestPipelineReplayAfterCrash(t *testing.T) {
	p := newPipeline(t, 2, 3)
	ctx := context.Background()
	require.NoError(t, p.consumer.EnsureGroup(ctx))

	orderID, err := p.gate.Purchase(ctx, 2, 7)
	require.NoError(t, err)

	// first worker persisted the order and died before XACK
	msgs, err := p.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group: "g1", Consumer: "c1", Streams: []string{testStream, ">"}, Count: 1, Block: -1,
	}).Result()
	require.NoError(t, err)
	o, err := decodeOrder(msgs[0].Messages[0])
	require.NoError(t, err)
	require.Equal(t, orderID, o.ID)
	_, err = p.store.Persist(ctx, o)
	require.NoError(t, err)

	p.run(t)

	require.Eventually(t, func() bool { return p.pending(t) == 0 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, p.store.rows())
	p.store.mu.Lock()
	assert.Equal(t, 2, p.store.stock[2])
	p.store.mu.Unlock()
}

func TestPipelineRetriesWhileUserLockBusy(t *testing.T) {
	p := newPipeline(t, 3, 2)
	ctx := context.Background()
	require.NoError(t, p.consumer.EnsureGroup(ctx))
	require.NoError(t, p.rdb.Set(ctx, "lock:order:7", "other-worker", 0).Err())
	p.run(t)

	_, err := p.gate.Purchase(ctx, 3, 7)
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, p.store.rows())
	assert.Equal(t, int64(1), p.pending(t))

	require.NoError(t, p.rdb.Del(ctx, "lock:order:7").Err())
	require.Eventually(t, func() bool { return p.store.rows() == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return p.pending(t) == 0 }, time.Second, 10*time.Millisecond)
}
