package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventLowStock      EventType = "stock.low"
	EventSaleCompleted EventType = "sale.completed"
	EventSaleRefunded  EventType = "sale.refunded"
)

// Event is published after a ledger or sale change has been committed.
type Event struct {
	Type       EventType       `json:"type"`
	StoreID    int64           `json:"store_id"`
	ItemID     int64           `json:"item_id,omitempty"`
	SaleID     string          `json:"sale_id,omitempty"`
	Quantity   int             `json:"quantity"`
	Amount     decimal.Decimal `json:"amount"`
	OccurredAt time.Time       `json:"occurred_at"`
}
