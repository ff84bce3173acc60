package kafka

import (
	"context"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-flash-sale/internal/seckill"
)

type memWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
	err    error
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func TestOrderEventsPublish(t *testing.T) {
	w := &memWriter{}
	p := newProducer(w, 8, zerolog.Nop())
	p.Start()
	events := NewOrderEvents(p, "flash-sale-api")

	require.NoError(t, events.PublishOrderPlaced(context.Background(), seckill.Order{ID: 99, UserID: 7, VoucherID: 3}))
	p.Close()
	p.WaitClosed()

	require.Len(t, w.msgs, 1)
	assert.True(t, w.closed)
	assert.Equal(t, "3", string(w.msgs[0].Key))

	var env Envelope
	require.NoError(t, UnmarshalEnvelope(w.msgs[0].Value, &env))
	assert.Equal(t, EventOrderPlaced, env.EventType)
	assert.Equal(t, "99", env.CorrelationID)
	assert.NotEmpty(t, env.EventID)

	payload, err := UnwrapPayload[OrderPlacedPayload](env.Payload)
	require.NoError(t, err)
	assert.Equal(t, OrderPlacedPayload{OrderID: 99, UserID: 7, VoucherID: 3}, payload)
}

func TestProducerFlushesOnCloseAndRejectsAfter(t *testing.T) {
	w := &memWriter{}
	p := newProducer(w, 16, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Publish(ctx, []byte("k"), []byte("v")))
	}
	p.Start()
	p.Close()
	p.Close()
	p.WaitClosed()

	assert.Len(t, w.msgs, 5)
	assert.True(t, errors.Is(p.Publish(ctx, nil, nil), ErrProducerClosed))
}

func TestProducerWriteErrorsDoNotStopLoop(t *testing.T) {
	w := &memWriter{err: errors.New("leader not available")}
	p := newProducer(w, 4, zerolog.Nop())
	p.Start()

	require.NoError(t, p.Publish(context.Background(), nil, []byte("a")))
	require.NoError(t, p.Publish(context.Background(), nil, []byte("b")))
	p.Close()
	p.WaitClosed()
	assert.True(t, w.closed)
}

func TestPublishHonoursContextWhenFull(t *testing.T) {
	p := newProducer(&memWriter{}, 1, zerolog.Nop())
	require.NoError(t, p.Publish(context.Background(), nil, []byte("fills buffer")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Publish(ctx, nil, []byte("no room"))
	assert.ErrorIs(t, err, context.Canceled)
}
