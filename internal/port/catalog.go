package port

import (
	"context"

	"github.com/rl1809/retail-ledger/internal/core/domain"
)

type Catalog interface {
	// GetItem returns nil, nil for an unknown item
	GetItem(ctx context.Context, itemID int64) (*domain.Item, error)
}

type StoreDirectory interface {
	// GetStore returns nil, nil for an unknown store
	GetStore(ctx context.Context, storeID int64) (*domain.Store, error)
	ListStoreIDs(ctx context.Context) ([]int64, error)
}
