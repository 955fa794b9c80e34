package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/retail-ledger/internal/core/domain"
	"github.com/rl1809/retail-ledger/internal/port"
)

// InventoryService is the stock ledger. It is the only writer of stock
// records: every mutation of a record happens while holding that record's
// key lock, and multi-record mutations take their locks in ascending key order.
type InventoryService struct {
	repo    port.StockRepository
	catalog port.Catalog
	stores  port.StoreDirectory
	events  port.EventPublisher
	logger  *zap.Logger
	locks   *keyedMutex[domain.StockKey]
	now     func() time.Time
}

func NewInventoryService(repo port.StockRepository, catalog port.Catalog, stores port.StoreDirectory, events port.EventPublisher, logger *zap.Logger) *InventoryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InventoryService{
		repo:    repo,
		catalog: catalog,
		stores:  stores,
		events:  events,
		logger:  logger,
		locks:   newKeyedMutex[domain.StockKey](),
		now:     time.Now,
	}
}

// stockDemand is the quantity of one item a sale takes from a store.
type stockDemand struct {
	ItemID   int64
	Quantity int
}

func (s *InventoryService) AddStock(ctx context.Context, itemID, storeID int64, quantity int) (domain.StockRecord, error) {
	if quantity <= 0 {
		return domain.StockRecord{}, ErrInvalidQuantity
	}
	rec, err := s.mutate(ctx, domain.StockKey{ItemID: itemID, StoreID: storeID}, func(r *domain.StockRecord) error {
		r.Quantity += quantity
		return nil
	})
	if err != nil {
		return domain.StockRecord{}, err
	}
	s.logger.Debug("stock added", stockFields(rec, quantity)...)
	return rec, nil
}

func (s *InventoryService) RemoveStock(ctx context.Context, itemID, storeID int64, quantity int) (domain.StockRecord, error) {
	if quantity <= 0 {
		return domain.StockRecord{}, ErrInvalidQuantity
	}
	rec, err := s.mutate(ctx, domain.StockKey{ItemID: itemID, StoreID: storeID}, func(r *domain.StockRecord) error {
		if quantity > r.AvailableQuantity() {
			return insufficient(*r, quantity)
		}
		r.Quantity -= quantity
		return nil
	})
	if err != nil {
		return domain.StockRecord{}, err
	}
	s.logger.Debug("stock removed", stockFields(rec, quantity)...)
	return rec, nil
}

// ReserveStock holds quantity for a pending sale. On-hand quantity is unchanged.
func (s *InventoryService) ReserveStock(ctx context.Context, itemID, storeID int64, quantity int) (domain.StockRecord, error) {
	if quantity <= 0 {
		return domain.StockRecord{}, ErrInvalidQuantity
	}
	rec, err := s.mutate(ctx, domain.StockKey{ItemID: itemID, StoreID: storeID}, func(r *domain.StockRecord) error {
		if quantity > r.AvailableQuantity() {
			return insufficient(*r, quantity)
		}
		r.ReservedQuantity += quantity
		return nil
	})
	if err != nil {
		return domain.StockRecord{}, err
	}
	s.logger.Debug("stock reserved", stockFields(rec, quantity)...)
	return rec, nil
}

func (s *InventoryService) ReleaseReservation(ctx context.Context, itemID, storeID int64, quantity int) (domain.StockRecord, error) {
	if quantity <= 0 {
		return domain.StockRecord{}, ErrInvalidQuantity
	}
	rec, err := s.mutate(ctx, domain.StockKey{ItemID: itemID, StoreID: storeID}, func(r *domain.StockRecord) error {
		if quantity > r.ReservedQuantity {
			return fmt.Errorf("%w: reserved %d, requested %d", ErrInvalidReservation, r.ReservedQuantity, quantity)
		}
		r.ReservedQuantity -= quantity
		return nil
	})
	if err != nil {
		return domain.StockRecord{}, err
	}
	s.logger.Debug("reservation released", stockFields(rec, quantity)...)
	return rec, nil
}

// TransferStock moves quantity between two stores. Both records are written
// in one repository transaction; a failed check leaves both untouched.
func (s *InventoryService) TransferStock(ctx context.Context, itemID, fromStoreID, toStoreID int64, quantity int) (from, to domain.StockRecord, err error) {
	if quantity <= 0 {
		return from, to, ErrInvalidQuantity
	}
	if fromStoreID == toStoreID {
		return from, to, fmt.Errorf("%w: transfer source and destination are the same store", ErrInvalidInput)
	}

	saved, events, err := s.transfer(ctx,
		domain.StockKey{ItemID: itemID, StoreID: fromStoreID},
		domain.StockKey{ItemID: itemID, StoreID: toStoreID},
		quantity)
	if err != nil {
		return domain.StockRecord{}, domain.StockRecord{}, err
	}
	s.publish(ctx, events)
	s.logger.Debug("stock transferred",
		zap.Int64("item_id", itemID),
		zap.Int64("from_store_id", fromStoreID),
		zap.Int64("to_store_id", toStoreID),
		zap.Int("quantity", quantity))
	return saved[0], saved[1], nil
}

func (s *InventoryService) transfer(ctx context.Context, fromKey, toKey domain.StockKey, quantity int) ([]domain.StockRecord, []domain.Event, error) {
	unlock := s.locks.lock(sortKeys(fromKey, toKey)...)
	defer unlock()

	from, err := s.load(ctx, fromKey)
	if err != nil {
		return nil, nil, err
	}
	to, err := s.load(ctx, toKey)
	if err != nil {
		return nil, nil, err
	}
	before := []domain.StockRecord{from, to}

	if quantity > from.AvailableQuantity() {
		return nil, nil, insufficient(from, quantity)
	}
	from.Quantity -= quantity
	to.Quantity += quantity

	saved, err := s.save(ctx, nil, from, to)
	if err != nil {
		return nil, nil, err
	}
	return saved, lowStockEvents(before, saved), nil
}

// GetStock returns the on-hand quantity; a missing record counts as zero.
func (s *InventoryService) GetStock(ctx context.Context, itemID, storeID int64) (int, error) {
	rec, err := s.repo.GetStock(ctx, domain.StockKey{ItemID: itemID, StoreID: storeID})
	if err != nil {
		return 0, fmt.Errorf("get stock: %w", err)
	}
	if rec == nil {
		return 0, nil
	}
	return rec.Quantity, nil
}

// GetAvailable returns quantity minus reservations; a missing record counts as zero.
func (s *InventoryService) GetAvailable(ctx context.Context, itemID, storeID int64) (int, error) {
	rec, err := s.repo.GetStock(ctx, domain.StockKey{ItemID: itemID, StoreID: storeID})
	if err != nil {
		return 0, fmt.Errorf("get stock: %w", err)
	}
	if rec == nil {
		return 0, nil
	}
	return rec.AvailableQuantity(), nil
}

func (s *InventoryService) GetRecord(ctx context.Context, itemID, storeID int64) (domain.StockRecord, error) {
	rec, err := s.repo.GetStock(ctx, domain.StockKey{ItemID: itemID, StoreID: storeID})
	if err != nil {
		return domain.StockRecord{}, fmt.Errorf("get stock: %w", err)
	}
	if rec == nil {
		return domain.StockRecord{}, fmt.Errorf("%w: item %d at store %d", ErrStockNotFound, itemID, storeID)
	}
	return *rec, nil
}

func (s *InventoryService) ListStoreInventory(ctx context.Context, storeID int64) ([]domain.StockRecord, error) {
	records, err := s.repo.ListStockByStore(ctx, storeID)
	if err != nil {
		return nil, fmt.Errorf("list store stock: %w", err)
	}
	return records, nil
}

func (s *InventoryService) ListItemInventory(ctx context.Context, itemID int64) ([]domain.StockRecord, error) {
	records, err := s.repo.ListStockByItem(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("list item stock: %w", err)
	}
	return records, nil
}

// ListLowStock returns the store's records with quantity strictly below threshold.
func (s *InventoryService) ListLowStock(ctx context.Context, storeID int64, threshold int) ([]domain.StockRecord, error) {
	if threshold < 0 {
		return nil, fmt.Errorf("%w: threshold must not be negative", ErrInvalidInput)
	}
	return s.filterStore(ctx, storeID, func(r domain.StockRecord) bool {
		return r.Quantity < threshold
	})
}

// ListBelowMinLevel returns the store's records at or below their own minimum level.
func (s *InventoryService) ListBelowMinLevel(ctx context.Context, storeID int64) ([]domain.StockRecord, error) {
	return s.filterStore(ctx, storeID, domain.StockRecord.IsLowStock)
}

// InitializeItemInAllStores creates an empty record for the item in every
// store that has none. It returns how many records were created.
func (s *InventoryService) InitializeItemInAllStores(ctx context.Context, itemID int64) (int, error) {
	item, err := s.catalog.GetItem(ctx, itemID)
	if err != nil {
		return 0, fmt.Errorf("get item: %w", err)
	}
	if item == nil {
		return 0, fmt.Errorf("%w: %d", ErrItemNotFound, itemID)
	}

	storeIDs, err := s.stores.ListStoreIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list stores: %w", err)
	}
	slices.Sort(storeIDs)

	created := 0
	for _, storeID := range storeIDs {
		ok, err := s.initialize(ctx, domain.StockKey{ItemID: itemID, StoreID: storeID})
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	s.logger.Info("item initialized in stores", zap.Int64("item_id", itemID), zap.Int("created", created))
	return created, nil
}

func (s *InventoryService) initialize(ctx context.Context, key domain.StockKey) (bool, error) {
	unlock := s.locks.lock(key)
	defer unlock()

	existing, err := s.repo.GetStock(ctx, key)
	if err != nil {
		return false, fmt.Errorf("get stock: %w", err)
	}
	if existing != nil {
		return false, nil
	}
	if _, err := s.save(ctx, nil, domain.NewStockRecord(key, s.now())); err != nil {
		return false, err
	}
	return true, nil
}

func (s *InventoryService) SetStockLevels(ctx context.Context, itemID, storeID int64, minLevel, maxLevel int) (domain.StockRecord, error) {
	if minLevel < 0 || maxLevel < 0 || minLevel > maxLevel {
		return domain.StockRecord{}, fmt.Errorf("%w: stock levels min %d max %d", ErrInvalidInput, minLevel, maxLevel)
	}
	return s.mutate(ctx, domain.StockKey{ItemID: itemID, StoreID: storeID}, func(r *domain.StockRecord) error {
		r.MinStockLevel = minLevel
		r.MaxStockLevel = maxLevel
		return nil
	})
}

// deduct takes every demand from the store's stock as one unit. All records
// are locked in key order, every demand is checked before anything changes,
// and commit persists the deducted records together with whatever the caller
// writes alongside them. If commit fails nothing is applied.
//
// The returned low stock events are not published; the caller hands them to
// publish once it holds no locks.
func (s *InventoryService) deduct(ctx context.Context, storeID int64, demands []stockDemand, commit func(context.Context, []domain.StockRecord) error) ([]domain.StockRecord, []domain.Event, error) {
	totals := make(map[domain.StockKey]int, len(demands))
	order := make([]domain.StockKey, 0, len(demands))
	for _, d := range demands {
		if d.Quantity <= 0 {
			return nil, nil, ErrInvalidQuantity
		}
		key := domain.StockKey{ItemID: d.ItemID, StoreID: storeID}
		if _, seen := totals[key]; !seen {
			order = append(order, key)
		}
		totals[key] += d.Quantity
	}

	unlock := s.locks.lock(sortKeys(order...)...)
	defer unlock()

	before := make([]domain.StockRecord, 0, len(order))
	for _, key := range order {
		rec, err := s.load(ctx, key)
		if err != nil {
			return nil, nil, err
		}
		if totals[key] > rec.AvailableQuantity() {
			return nil, nil, insufficient(rec, totals[key])
		}
		before = append(before, rec)
	}

	after := make([]domain.StockRecord, len(before))
	for i, rec := range before {
		rec.Quantity -= totals[rec.Key()]
		after[i] = rec
	}

	saved, err := s.save(ctx, commit, after...)
	if err != nil {
		return nil, nil, err
	}
	return saved, lowStockEvents(before, saved), nil
}

// restock returns quantity to one record and persists it through commit.
// Like deduct it leaves publishing of the returned events to the caller.
func (s *InventoryService) restock(ctx context.Context, key domain.StockKey, quantity int, commit func(context.Context, []domain.StockRecord) error) (domain.StockRecord, []domain.Event, error) {
	if quantity <= 0 {
		return domain.StockRecord{}, nil, ErrInvalidQuantity
	}
	return s.apply(ctx, key, commit, func(r *domain.StockRecord) error {
		r.Quantity += quantity
		return nil
	})
}

// mutate applies change to one record and publishes any resulting event
// after the key lock is released.
func (s *InventoryService) mutate(ctx context.Context, key domain.StockKey, change func(*domain.StockRecord) error) (domain.StockRecord, error) {
	saved, events, err := s.apply(ctx, key, nil, change)
	if err != nil {
		return domain.StockRecord{}, err
	}
	s.publish(ctx, events)
	return saved, nil
}

func (s *InventoryService) apply(ctx context.Context, key domain.StockKey, commit func(context.Context, []domain.StockRecord) error, change func(*domain.StockRecord) error) (domain.StockRecord, []domain.Event, error) {
	unlock := s.locks.lock(key)
	defer unlock()

	rec, err := s.load(ctx, key)
	if err != nil {
		return domain.StockRecord{}, nil, err
	}
	before := rec
	if err := change(&rec); err != nil {
		return domain.StockRecord{}, nil, err
	}

	saved, err := s.save(ctx, commit, rec)
	if err != nil {
		return domain.StockRecord{}, nil, err
	}
	return saved[0], lowStockEvents([]domain.StockRecord{before}, saved), nil
}

// load reads a record, or returns a fresh unsaved one if none exists.
// The caller must hold the key lock.
func (s *InventoryService) load(ctx context.Context, key domain.StockKey) (domain.StockRecord, error) {
	rec, err := s.repo.GetStock(ctx, key)
	if err != nil {
		return domain.StockRecord{}, fmt.Errorf("get stock: %w", err)
	}
	if rec == nil {
		return domain.NewStockRecord(key, s.now()), nil
	}
	return *rec, nil
}

// save checks invariants, validates that new records refer to a known item
// and store, and persists the records through commit (or the repository).
// The returned copies carry the bumped versions.
func (s *InventoryService) save(ctx context.Context, commit func(context.Context, []domain.StockRecord) error, records ...domain.StockRecord) ([]domain.StockRecord, error) {
	now := s.now()
	for i := range records {
		if !records[i].Valid() {
			return nil, fmt.Errorf("%w: stock record for item %d at store %d would break invariants",
				ErrInvalidInput, records[i].ItemID, records[i].StoreID)
		}
		if records[i].Version == 0 {
			if err := s.checkKnown(ctx, records[i].Key()); err != nil {
				return nil, err
			}
		}
		records[i].UpdatedAt = now
	}

	var err error
	if commit != nil {
		err = commit(ctx, records)
	} else {
		err = s.repo.SaveStock(ctx, records...)
	}
	if err != nil {
		return nil, translateRepoErr("save stock", err)
	}

	saved := make([]domain.StockRecord, len(records))
	for i, rec := range records {
		rec.Version++
		saved[i] = rec
	}
	return saved, nil
}

func (s *InventoryService) checkKnown(ctx context.Context, key domain.StockKey) error {
	item, err := s.catalog.GetItem(ctx, key.ItemID)
	if err != nil {
		return fmt.Errorf("get item: %w", err)
	}
	if item == nil {
		return fmt.Errorf("%w: %d", ErrItemNotFound, key.ItemID)
	}
	store, err := s.stores.GetStore(ctx, key.StoreID)
	if err != nil {
		return fmt.Errorf("get store: %w", err)
	}
	if store == nil {
		return fmt.Errorf("%w: %d", ErrStoreNotFound, key.StoreID)
	}
	return nil
}

// lowStockEvents returns a low stock event for every record that just
// dropped to or below its minimum level.
func lowStockEvents(before, after []domain.StockRecord) []domain.Event {
	var events []domain.Event
	for i, rec := range after {
		if rec.IsLowStock() && !before[i].IsLowStock() {
			events = append(events, domain.Event{
				Type:       domain.EventLowStock,
				StoreID:    rec.StoreID,
				ItemID:     rec.ItemID,
				Quantity:   rec.Quantity,
				OccurredAt: rec.UpdatedAt,
			})
		}
	}
	return events
}

// publish sends committed low stock events. It must not be called with any
// key lock held: a slow broker would stall every writer of those records.
func (s *InventoryService) publish(ctx context.Context, events []domain.Event) {
	if s.events == nil || len(events) == 0 {
		return
	}
	if err := s.events.Publish(ctx, events...); err != nil {
		s.logger.Warn("failed to publish low stock events", zap.Int("count", len(events)), zap.Error(err))
	}
}

func (s *InventoryService) filterStore(ctx context.Context, storeID int64, keep func(domain.StockRecord) bool) ([]domain.StockRecord, error) {
	records, err := s.ListStoreInventory(ctx, storeID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.StockRecord, 0, len(records))
	for _, r := range records {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func sortKeys(keys ...domain.StockKey) []domain.StockKey {
	sorted := slices.Clone(keys)
	slices.SortFunc(sorted, func(a, b domain.StockKey) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	})
	return slices.Compact(sorted)
}

func insufficient(rec domain.StockRecord, requested int) error {
	return &InsufficientStockError{
		ItemID:    rec.ItemID,
		StoreID:   rec.StoreID,
		Available: rec.AvailableQuantity(),
		Requested: requested,
	}
}

func translateRepoErr(op string, err error) error {
	if errors.Is(err, port.ErrOptimisticLock) {
		return fmt.Errorf("%s: %w: %w", op, ErrConcurrencyConflict, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func stockFields(rec domain.StockRecord, quantity int) []zap.Field {
	return []zap.Field{
		zap.Int64("item_id", rec.ItemID),
		zap.Int64("store_id", rec.StoreID),
		zap.Int("delta", quantity),
		zap.Int("quantity", rec.Quantity),
		zap.Int("reserved", rec.ReservedQuantity),
	}
}
