package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/retail-ledger/internal/core/domain"
	"github.com/rl1809/retail-ledger/internal/port"
)

const receiptDateLayout = "2006-01-02 15:04:05"

type SaleLineRequest struct {
	ItemID   int64
	Quantity int
	Discount decimal.Decimal
}

type SaleRequest struct {
	// RequestID makes a submission idempotent when set
	RequestID     string
	StoreID       int64
	Lines         []SaleLineRequest
	PaymentMethod domain.PaymentMethod
	CustomerEmail string
	CustomerPhone string
}

// SaleService commits multi-line sales and refunds against the ledger.
type SaleService struct {
	repo    port.SaleRepository
	ledger  *InventoryService
	catalog port.Catalog
	stores  port.StoreDirectory
	cache   port.CacheRepository
	events  port.EventPublisher
	logger  *zap.Logger
	locks   *keyedMutex[string]
	now     func() time.Time
	newID   func() string
}

// NewSaleService wires the engine. cache and events may be nil.
func NewSaleService(repo port.SaleRepository, ledger *InventoryService, catalog port.Catalog, stores port.StoreDirectory, cache port.CacheRepository, events port.EventPublisher, logger *zap.Logger) *SaleService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SaleService{
		repo:    repo,
		ledger:  ledger,
		catalog: catalog,
		stores:  stores,
		cache:   cache,
		events:  events,
		logger:  logger,
		locks:   newKeyedMutex[string](),
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
	}
}

// ProcessSale prices every line, deducts all of them from the store's stock
// and records the sale, all or nothing.
func (s *SaleService) ProcessSale(ctx context.Context, req SaleRequest) (*domain.Sale, error) {
	if err := validateSaleRequest(req); err != nil {
		return nil, err
	}

	if s.cache != nil && req.RequestID != "" {
		idempotencyKey := fmt.Sprintf("sale:%d:%s", req.StoreID, req.RequestID)
		ok, err := s.cache.SetIdempotency(ctx, idempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("idempotency check failed: %w", err)
		}
		if !ok {
			return nil, ErrDuplicateRequest
		}
		sale, err := s.processSale(ctx, req)
		if err != nil {
			if clearErr := s.cache.ClearIdempotency(ctx, idempotencyKey); clearErr != nil {
				s.logger.Error("failed to clear idempotency key",
					zap.String("key", idempotencyKey), zap.Error(clearErr))
			}
			return nil, err
		}
		return sale, nil
	}

	return s.processSale(ctx, req)
}

func (s *SaleService) processSale(ctx context.Context, req SaleRequest) (*domain.Sale, error) {
	if err := s.requireStore(ctx, req.StoreID); err != nil {
		return nil, err
	}

	sale := domain.Sale{
		ID:            s.newID(),
		StoreID:       req.StoreID,
		SaleDate:      s.now(),
		TotalAmount:   decimal.Zero,
		PaymentMethod: req.PaymentMethod,
		CustomerEmail: req.CustomerEmail,
		CustomerPhone: req.CustomerPhone,
		Lines:         make([]domain.SaleLine, 0, len(req.Lines)),
	}

	demands := make([]stockDemand, 0, len(req.Lines))
	for _, l := range req.Lines {
		item, err := s.catalog.GetItem(ctx, l.ItemID)
		if err != nil {
			return nil, fmt.Errorf("get item: %w", err)
		}
		if item == nil {
			return nil, fmt.Errorf("%w: %d", ErrItemNotFound, l.ItemID)
		}

		line := domain.SaleLine{
			ItemID:    item.ID,
			ItemName:  item.Name,
			Quantity:  l.Quantity,
			UnitPrice: item.Price,
			Discount:  l.Discount,
		}
		line.LineTotal = line.Subtotal()
		if line.LineTotal.IsNegative() {
			return nil, fmt.Errorf("%w: discount on item %d exceeds line amount", ErrInvalidInput, l.ItemID)
		}
		sale.Lines = append(sale.Lines, line)
		sale.TotalAmount = sale.TotalAmount.Add(line.LineTotal)
		demands = append(demands, stockDemand{ItemID: l.ItemID, Quantity: l.Quantity})
	}

	_, lowStock, err := s.ledger.deduct(ctx, req.StoreID, demands, func(ctx context.Context, stock []domain.StockRecord) error {
		return s.repo.CreateSale(ctx, sale, stock...)
	})
	if err != nil {
		return nil, err
	}
	sale.Version = 1
	s.ledger.publish(ctx, lowStock)

	s.logger.Info("sale processed",
		zap.String("sale_id", sale.ID),
		zap.Int64("store_id", sale.StoreID),
		zap.Int("lines", len(sale.Lines)),
		zap.String("total", sale.TotalAmount.StringFixed(2)))
	s.publish(ctx, domain.Event{
		Type:       domain.EventSaleCompleted,
		StoreID:    sale.StoreID,
		SaleID:     sale.ID,
		Quantity:   totalQuantity(sale.Lines),
		Amount:     sale.TotalAmount,
		OccurredAt: sale.SaleDate,
	})
	return &sale, nil
}

// ProcessRefund returns quantity of one sold item to stock and reduces the
// sale. The refund is always valued at full unit price, whatever discount
// the line carried.
func (s *SaleService) ProcessRefund(ctx context.Context, storeID int64, saleID string, itemID int64, quantity int) (*domain.Sale, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	updated, refundAmount, lowStock, err := s.refund(ctx, storeID, saleID, itemID, quantity)
	if err != nil {
		return nil, err
	}

	s.logger.Info("refund processed",
		zap.String("sale_id", saleID),
		zap.Int64("item_id", itemID),
		zap.Int("quantity", quantity),
		zap.String("amount", refundAmount.StringFixed(2)))
	s.ledger.publish(ctx, lowStock)
	s.publish(ctx, domain.Event{
		Type:       domain.EventSaleRefunded,
		StoreID:    updated.StoreID,
		ItemID:     itemID,
		SaleID:     saleID,
		Quantity:   quantity,
		Amount:     refundAmount,
		OccurredAt: s.now(),
	})
	return updated, nil
}

// refund applies one refund under the sale lock and returns the committed sale.
func (s *SaleService) refund(ctx context.Context, storeID int64, saleID string, itemID int64, quantity int) (*domain.Sale, decimal.Decimal, []domain.Event, error) {
	unlock := s.locks.lock(saleID)
	defer unlock()

	current, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return nil, decimal.Zero, nil, fmt.Errorf("get sale: %w", err)
	}
	if current == nil {
		return nil, decimal.Zero, nil, fmt.Errorf("%w: %s", ErrSaleNotFound, saleID)
	}
	if current.StoreID != storeID {
		return nil, decimal.Zero, nil, ErrNotAuthorized
	}

	idx := current.LineIndex(itemID)
	if idx < 0 {
		return nil, decimal.Zero, nil, fmt.Errorf("%w: item %d in sale %s", ErrLineNotFound, itemID, saleID)
	}
	line := current.Lines[idx]
	if quantity > line.Quantity {
		return nil, decimal.Zero, nil, fmt.Errorf("%w: sold %d, requested %d", ErrInvalidRefundQuantity, line.Quantity, quantity)
	}

	refundAmount := line.UnitPrice.Mul(decimal.NewFromInt(int64(quantity)))
	updated := current.Clone()
	if quantity == line.Quantity {
		updated.Lines = append(updated.Lines[:idx], updated.Lines[idx+1:]...)
	} else {
		updated.Lines[idx].Quantity -= quantity
		updated.Lines[idx].LineTotal = updated.Lines[idx].Subtotal()
	}
	updated.TotalAmount = updated.TotalAmount.Sub(refundAmount)

	key := domain.StockKey{ItemID: itemID, StoreID: current.StoreID}
	_, lowStock, err := s.ledger.restock(ctx, key, quantity, func(ctx context.Context, stock []domain.StockRecord) error {
		return s.repo.UpdateSale(ctx, updated, stock...)
	})
	if err != nil {
		return nil, decimal.Zero, nil, err
	}
	updated.Version++
	return &updated, refundAmount, lowStock, nil
}

// GetSale returns a sale of the caller's store. Sales of other stores are
// reported as not found.
func (s *SaleService) GetSale(ctx context.Context, storeID int64, saleID string) (*domain.Sale, error) {
	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return nil, fmt.Errorf("get sale: %w", err)
	}
	if sale == nil || sale.StoreID != storeID {
		return nil, fmt.Errorf("%w: %s", ErrSaleNotFound, saleID)
	}
	return sale, nil
}

// ListSales returns the store's sales dated within [from, to]. Zero bounds are open.
func (s *SaleService) ListSales(ctx context.Context, storeID int64, from, to time.Time) ([]domain.Sale, error) {
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, fmt.Errorf("%w: date range ends before it starts", ErrInvalidInput)
	}
	sales, err := s.repo.ListSales(ctx, storeID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list sales: %w", err)
	}
	return sales, nil
}

func (s *SaleService) TotalSalesAmount(ctx context.Context, storeID int64, from, to time.Time) (decimal.Decimal, error) {
	sales, err := s.ListSales(ctx, storeID, from, to)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, sale := range sales {
		total = total.Add(sale.TotalAmount)
	}
	return total, nil
}

func (s *SaleService) TransactionCount(ctx context.Context, storeID int64, from, to time.Time) (int, error) {
	sales, err := s.ListSales(ctx, storeID, from, to)
	if err != nil {
		return 0, err
	}
	return len(sales), nil
}

func (s *SaleService) Receipt(ctx context.Context, storeID int64, saleID string) (*domain.Receipt, error) {
	sale, err := s.GetSale(ctx, storeID, saleID)
	if err != nil {
		return nil, err
	}
	store, err := s.stores.GetStore(ctx, sale.StoreID)
	if err != nil {
		return nil, fmt.Errorf("get store: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: %d", ErrStoreNotFound, sale.StoreID)
	}

	number := strings.ToUpper(strings.ReplaceAll(sale.ID, "-", ""))
	if len(number) > 8 {
		number = number[:8]
	}
	receipt := &domain.Receipt{
		Number:        "RCP-" + number,
		StoreName:     store.Name,
		StoreAddress:  store.Address,
		SaleDate:      sale.SaleDate.Format(receiptDateLayout),
		Lines:         make([]domain.ReceiptLine, 0, len(sale.Lines)),
		TotalAmount:   sale.TotalAmount,
		PaymentMethod: sale.PaymentMethod,
	}
	for _, l := range sale.Lines {
		receipt.Lines = append(receipt.Lines, domain.ReceiptLine{
			ItemName:  l.ItemName,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			Discount:  l.Discount,
			LineTotal: l.LineTotal,
		})
	}
	return receipt, nil
}

func (s *SaleService) requireStore(ctx context.Context, storeID int64) error {
	store, err := s.stores.GetStore(ctx, storeID)
	if err != nil {
		return fmt.Errorf("get store: %w", err)
	}
	if store == nil {
		return fmt.Errorf("%w: %d", ErrStoreNotFound, storeID)
	}
	return nil
}

func (s *SaleService) publish(ctx context.Context, event domain.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish sale event",
			zap.String("type", string(event.Type)),
			zap.String("sale_id", event.SaleID),
			zap.Error(err))
	}
}

func validateSaleRequest(req SaleRequest) error {
	if len(req.Lines) == 0 {
		return fmt.Errorf("%w: sale has no lines", ErrInvalidInput)
	}
	if !req.PaymentMethod.Valid() {
		return fmt.Errorf("%w: unknown payment method %q", ErrInvalidInput, req.PaymentMethod)
	}
	for _, l := range req.Lines {
		if l.Quantity <= 0 {
			return fmt.Errorf("%w: item %d", ErrInvalidQuantity, l.ItemID)
		}
		if l.Discount.IsNegative() {
			return fmt.Errorf("%w: negative discount on item %d", ErrInvalidInput, l.ItemID)
		}
	}
	return nil
}

func totalQuantity(lines []domain.SaleLine) int {
	n := 0
	for _, l := range lines {
		n += l.Quantity
	}
	return n
}
