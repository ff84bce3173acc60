package kafka

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ariefcatur/go-flash-sale/internal/seckill"
)

const EventOrderPlaced = "VoucherOrderPlaced"

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

type OrderPlacedPayload struct {
	OrderID   int64 `json:"order_id"`
	UserID    int64 `json:"user_id"`
	VoucherID int64 `json:"voucher_id"`
}

// PartitionKey keeps every event of one voucher on one partition.
func PartitionKey(voucherID int64) []byte { return []byte(strconv.FormatInt(voucherID, 10)) }

// OrderEvents publishes persisted orders.
type OrderEvents struct {
	p       *Producer
	service string
}

func NewOrderEvents(p *Producer, service string) *OrderEvents {
	return &OrderEvents{p: p, service: service}
}

func (e *OrderEvents) PublishOrderPlaced(ctx context.Context, o seckill.Order) error {
	env := Envelope{
		EventID:       uuid.NewString(),
		EventType:     EventOrderPlaced,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      e.service,
		CorrelationID: strconv.FormatInt(o.ID, 10),
		Payload: MustMarshal(OrderPlacedPayload{
			OrderID:   o.ID,
			UserID:    o.UserID,
			VoucherID: o.VoucherID,
		}),
	}
	return e.p.Publish(ctx, PartitionKey(o.VoucherID), MustMarshal(env))
}
