package port

import (
	"context"
	"errors"
	"time"

	"github.com/rl1809/retail-ledger/internal/core/domain"
)

// ErrOptimisticLock is returned when a write carries a stale version.
var ErrOptimisticLock = errors.New("optimistic lock conflict")

type StockRepository interface {
	// GetStock returns nil, nil when no record exists for key
	GetStock(ctx context.Context, key domain.StockKey) (*domain.StockRecord, error)

	// SaveStock writes all records in one transaction. Each record carries the
	// version it was read at (0 for new records); the stored version is bumped.
	SaveStock(ctx context.Context, records ...domain.StockRecord) error

	ListStockByStore(ctx context.Context, storeID int64) ([]domain.StockRecord, error)
	ListStockByItem(ctx context.Context, itemID int64) ([]domain.StockRecord, error)
}

type SaleRepository interface {
	// GetSale returns nil, nil when the sale does not exist
	GetSale(ctx context.Context, id string) (*domain.Sale, error)

	// ListSales returns the store's sales with SaleDate in [from, to], ordered by date.
	// A zero bound leaves that side open.
	ListSales(ctx context.Context, storeID int64, from, to time.Time) ([]domain.Sale, error)

	// CreateSale inserts the sale and saves the stock records in one transaction
	CreateSale(ctx context.Context, sale domain.Sale, stock ...domain.StockRecord) error

	// UpdateSale replaces lines and total with a version check on the sale,
	// and saves the stock records in the same transaction
	UpdateSale(ctx context.Context, sale domain.Sale, stock ...domain.StockRecord) error
}

type DatabaseRepository interface {
	StockRepository
	SaleRepository
}
