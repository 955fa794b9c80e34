package domain

import "time"

const (
	DefaultMinStockLevel = 5
	DefaultMaxStockLevel = 100
)

// StockKey identifies the stock of one item at one store.
type StockKey struct {
	ItemID  int64
	StoreID int64
}

// Less orders keys by store, then item. Locks on several keys are always
// taken in this order.
func (k StockKey) Less(o StockKey) bool {
	if k.StoreID != o.StoreID {
		return k.StoreID < o.StoreID
	}
	return k.ItemID < o.ItemID
}

type StockRecord struct {
	ItemID           int64
	StoreID          int64
	Quantity         int
	ReservedQuantity int
	MinStockLevel    int
	MaxStockLevel    int
	Version          int64 // optimistic locking, 0 = not persisted yet
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewStockRecord returns an empty record with the default stock levels.
func NewStockRecord(key StockKey, now time.Time) StockRecord {
	return StockRecord{
		ItemID:        key.ItemID,
		StoreID:       key.StoreID,
		MinStockLevel: DefaultMinStockLevel,
		MaxStockLevel: DefaultMaxStockLevel,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (r StockRecord) Key() StockKey {
	return StockKey{ItemID: r.ItemID, StoreID: r.StoreID}
}

func (r StockRecord) AvailableQuantity() int {
	return r.Quantity - r.ReservedQuantity
}

func (r StockRecord) IsLowStock() bool {
	return r.Quantity <= r.MinStockLevel
}

func (r StockRecord) IsOverstocked() bool {
	return r.Quantity >= r.MaxStockLevel
}

func (r StockRecord) IsOutOfStock() bool {
	return r.AvailableQuantity() <= 0
}

// Valid reports whether the record satisfies the stock invariants.
func (r StockRecord) Valid() bool {
	return r.Quantity >= 0 && r.ReservedQuantity >= 0 && r.ReservedQuantity <= r.Quantity &&
		r.MinStockLevel >= 0 && r.MaxStockLevel >= 0
}
