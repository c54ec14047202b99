package orders

import (
	"encoding/json"
	"time"
)

const (
	EventOrderCreated  = "OrderCreated"
	EventOrderCanceled = "OrderCanceled"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // one of the Event* constants
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"` // e.g. "shop-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

// AdminNotification is pushed to every admin device.
type AdminNotification struct {
	EventType  string `json:"event_type"`
	OrderID    string `json:"order_id"`
	UserID     string `json:"user_id"`
	TotalPrice int64  `json:"total_price"`
	Title      string `json:"title"`
	Body       string `json:"body"`
}

func createdNotification(o Order) AdminNotification {
	return AdminNotification{
		EventType:  EventOrderCreated,
		OrderID:    o.ID,
		UserID:     o.UserID,
		TotalPrice: o.TotalPrice,
		Title:      "New order",
		Body:       "A new order was submitted and is waiting for payment.",
	}
}

func canceledNotification(o Order, c Cancellation) AdminNotification {
	by := "the buyer"
	if c.DidSellerCanceled {
		by = "the seller"
	}
	return AdminNotification{
		EventType:  EventOrderCanceled,
		OrderID:    o.ID,
		UserID:     o.UserID,
		TotalPrice: o.TotalPrice,
		Title:      "Order canceled",
		Body:       "Order was canceled by " + by + ": " + c.Reason,
	}
}
