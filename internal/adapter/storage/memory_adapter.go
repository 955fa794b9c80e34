package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rl1809/retail-ledger/internal/core/domain"
	"github.com/rl1809/retail-ledger/internal/port"
)

// MemoryAdapter keeps stock records and sales in process memory. Stock is
// indexed by (item, store) with secondary indexes per store and per item, so
// no lookup scans the whole table.
type MemoryAdapter struct {
	mu      sync.RWMutex
	stock   map[domain.StockKey]*domain.StockRecord
	byStore map[int64][]domain.StockKey
	byItem  map[int64][]domain.StockKey

	sales        map[string]*domain.Sale
	salesByStore map[int64][]string
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		stock:        make(map[domain.StockKey]*domain.StockRecord),
		byStore:      make(map[int64][]domain.StockKey),
		byItem:       make(map[int64][]domain.StockKey),
		sales:        make(map[string]*domain.Sale),
		salesByStore: make(map[int64][]string),
	}
}

func (m *MemoryAdapter) GetStock(ctx context.Context, key domain.StockKey) (*domain.StockRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.stock[key]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryAdapter) SaveStock(ctx context.Context, records ...domain.StockRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkStockVersions(records); err != nil {
		return err
	}
	m.applyStock(records)
	return nil
}

func (m *MemoryAdapter) ListStockByStore(ctx context.Context, storeID int64) ([]domain.StockRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(m.byStore[storeID]), nil
}

func (m *MemoryAdapter) ListStockByItem(ctx context.Context, itemID int64) ([]domain.StockRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(m.byItem[itemID]), nil
}

func (m *MemoryAdapter) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sale, ok := m.sales[id]
	if !ok {
		return nil, nil
	}
	cp := sale.Clone()
	return &cp, nil
}

func (m *MemoryAdapter) ListSales(ctx context.Context, storeID int64, from, to time.Time) ([]domain.Sale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Sale, 0)
	for _, id := range m.salesByStore[storeID] {
		sale := m.sales[id]
		if !from.IsZero() && sale.SaleDate.Before(from) {
			continue
		}
		if !to.IsZero() && sale.SaleDate.After(to) {
			continue
		}
		out = append(out, sale.Clone())
	}
	slices.SortStableFunc(out, func(a, b domain.Sale) int {
		return a.SaleDate.Compare(b.SaleDate)
	})
	return out, nil
}

func (m *MemoryAdapter) CreateSale(ctx context.Context, sale domain.Sale, stock ...domain.StockRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sales[sale.ID]; exists {
		return fmt.Errorf("insert sale %s: %w", sale.ID, port.ErrOptimisticLock)
	}
	if err := m.checkStockVersions(stock); err != nil {
		return err
	}

	m.applyStock(stock)
	stored := sale.Clone()
	stored.Version = 1
	m.sales[sale.ID] = &stored
	m.salesByStore[sale.StoreID] = append(m.salesByStore[sale.StoreID], sale.ID)
	return nil
}

func (m *MemoryAdapter) UpdateSale(ctx context.Context, sale domain.Sale, stock ...domain.StockRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.sales[sale.ID]
	if !ok || current.Version != sale.Version {
		return fmt.Errorf("update sale %s: %w", sale.ID, port.ErrOptimisticLock)
	}
	if err := m.checkStockVersions(stock); err != nil {
		return err
	}

	m.applyStock(stock)
	stored := sale.Clone()
	stored.Version++
	m.sales[sale.ID] = &stored
	return nil
}

// checkStockVersions must be called with the write lock held.
func (m *MemoryAdapter) checkStockVersions(records []domain.StockRecord) error {
	for _, r := range records {
		current, exists := m.stock[r.Key()]
		switch {
		case r.Version == 0 && exists:
			return fmt.Errorf("insert stock item %d store %d: %w", r.ItemID, r.StoreID, port.ErrOptimisticLock)
		case r.Version != 0 && (!exists || current.Version != r.Version):
			return fmt.Errorf("update stock item %d store %d: %w", r.ItemID, r.StoreID, port.ErrOptimisticLock)
		}
	}
	return nil
}

// applyStock must be called with the write lock held, after checkStockVersions.
func (m *MemoryAdapter) applyStock(records []domain.StockRecord) {
	for _, r := range records {
		key := r.Key()
		if _, exists := m.stock[key]; !exists {
			m.byStore[key.StoreID] = append(m.byStore[key.StoreID], key)
			m.byItem[key.ItemID] = append(m.byItem[key.ItemID], key)
		}
		stored := r
		stored.Version++
		m.stock[key] = &stored
	}
}

func (m *MemoryAdapter) collect(keys []domain.StockKey) []domain.StockRecord {
	out := make([]domain.StockRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, *m.stock[k])
	}
	return out
}
