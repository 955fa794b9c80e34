package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rl1809/retail-ledger/internal/core/domain"
	"github.com/rl1809/retail-ledger/internal/core/service"
	"github.com/rl1809/retail-ledger/internal/port"
)

const (
	testStoreID = 9001
	testItemID  = 9001
)

func getMySQLDB(t *testing.T) *sql.DB {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/retail?parseTime=true"
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	if err := RunMigrations(db); err != nil {
		t.Fatalf("migrations failed: %v", err)
	}
	return db
}

// seedCatalog ensures the test store and item exist and removes their stock and sales.
func seedCatalog(t *testing.T, db *sql.DB) {
	ctx := context.Background()
	_, err := db.ExecContext(ctx, `
		INSERT INTO stores (id, name, location, address) VALUES (?, 'Test Store', 'Lab', '1 Test Way')
		ON DUPLICATE KEY UPDATE name = VALUES(name)`, testStoreID)
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO items (id, name, category, price) VALUES (?, 'Test Item', 'Test', 2.50)
		ON DUPLICATE KEY UPDATE price = VALUES(price)`, testItemID)
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	cleanup := func() {
		db.ExecContext(ctx, `DELETE FROM stock_records WHERE store_id = ?`, testStoreID)
		db.ExecContext(ctx, `DELETE FROM sales WHERE store_id = ?`, testStoreID)
	}
	cleanup()
	t.Cleanup(cleanup)
}

func TestMySQLSaveStock_OptimisticLock(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()
	seedCatalog(t, db)

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)
	key := domain.StockKey{ItemID: testItemID, StoreID: testStoreID}

	if err := adapter.SaveStock(ctx, newRecord(testItemID, testStoreID, 10)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	// Duplicate insert
	err := adapter.SaveStock(ctx, newRecord(testItemID, testStoreID, 10))
	if !errors.Is(err, port.ErrOptimisticLock) {
		t.Errorf("expected ErrOptimisticLock, got: %v", err)
	}

	rec, err := adapter.GetStock(ctx, key)
	if err != nil || rec == nil {
		t.Fatalf("GetStock failed: %v", err)
	}
	if rec.Version != 1 || rec.Quantity != 10 {
		t.Errorf("expected quantity 10 version 1, got %d version %d", rec.Quantity, rec.Version)
	}

	rec.Quantity = 4
	if err := adapter.SaveStock(ctx, *rec); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	// Stale update
	err = adapter.SaveStock(ctx, *rec)
	if !errors.Is(err, port.ErrOptimisticLock) {
		t.Errorf("expected ErrOptimisticLock, got: %v", err)
	}
}

func TestMySQLGetStock_NotFound(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()
	seedCatalog(t, db)

	rec, err := NewMySQLAdapter(db).GetStock(context.Background(), domain.StockKey{ItemID: testItemID, StoreID: testStoreID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil record, got %+v", rec)
	}
}

func TestMySQLSale_RoundTrip(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()
	seedCatalog(t, db)

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)

	sale := domain.Sale{
		ID:            uuid.New().String(),
		StoreID:       testStoreID,
		SaleDate:      time.Now().UTC().Truncate(time.Microsecond),
		TotalAmount:   decimal.RequireFromString("4.50"),
		PaymentMethod: domain.PaymentMobile,
		CustomerEmail: "a@example.com",
		Lines: []domain.SaleLine{{
			ItemID: testItemID, ItemName: "Test Item", Quantity: 2,
			UnitPrice: decimal.RequireFromString("2.50"),
			Discount:  decimal.RequireFromString("0.50"),
			LineTotal: decimal.RequireFromString("4.50"),
		}},
	}
	if err := adapter.CreateSale(ctx, sale, newRecord(testItemID, testStoreID, 8)); err != nil {
		t.Fatalf("CreateSale failed: %v", err)
	}

	got, err := adapter.GetSale(ctx, sale.ID)
	if err != nil || got == nil {
		t.Fatalf("GetSale failed: %v", err)
	}
	if !got.TotalAmount.Equal(sale.TotalAmount) || got.Version != 1 || len(got.Lines) != 1 {
		t.Fatalf("unexpected sale: %+v", got)
	}
	if !got.Lines[0].Discount.Equal(sale.Lines[0].Discount) {
		t.Errorf("expected discount 0.50, got %s", got.Lines[0].Discount)
	}

	// Refund the whole line
	got.Lines = nil
	got.TotalAmount = decimal.Zero
	stock, _ := adapter.GetStock(ctx, domain.StockKey{ItemID: testItemID, StoreID: testStoreID})
	stock.Quantity += 2
	if err := adapter.UpdateSale(ctx, *got, *stock); err != nil {
		t.Fatalf("UpdateSale failed: %v", err)
	}

	updated, _ := adapter.GetSale(ctx, sale.ID)
	if len(updated.Lines) != 0 || updated.Version != 2 {
		t.Errorf("expected no lines at version 2, got %d lines version %d", len(updated.Lines), updated.Version)
	}

	sales, err := adapter.ListSales(ctx, testStoreID, sale.SaleDate, sale.SaleDate)
	if err != nil || len(sales) != 1 {
		t.Errorf("expected 1 sale in inclusive range, got %d (%v)", len(sales), err)
	}
}

func TestMySQLCreateSale_RollbackOnStockConflict(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()
	seedCatalog(t, db)

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)
	adapter.SaveStock(ctx, newRecord(testItemID, testStoreID, 10))

	stale := newRecord(testItemID, testStoreID, 9)
	stale.Version = 7
	sale := domain.Sale{ID: uuid.New().String(), StoreID: testStoreID, SaleDate: time.Now(), PaymentMethod: domain.PaymentCash}

	err := adapter.CreateSale(ctx, sale, stale)
	if !errors.Is(err, port.ErrOptimisticLock) {
		t.Fatalf("expected ErrOptimisticLock, got: %v", err)
	}

	var count int
	db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sales WHERE id = ?`, sale.ID).Scan(&count)
	if count != 0 {
		t.Error("sale row survived a rolled back transaction")
	}
}

func TestMySQLCatalog(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()
	seedCatalog(t, db)

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)

	item, err := adapter.GetItem(ctx, testItemID)
	if err != nil || item == nil || !item.Price.Equal(decimal.RequireFromString("2.50")) {
		t.Errorf("unexpected item %+v (%v)", item, err)
	}
	store, err := adapter.GetStore(ctx, testStoreID)
	if err != nil || store == nil || store.Address != "1 Test Way" {
		t.Errorf("unexpected store %+v (%v)", store, err)
	}
	if missing, _ := adapter.GetItem(ctx, -1); missing != nil {
		t.Error("expected nil for unknown item")
	}
	ids, err := adapter.ListStoreIDs(ctx)
	if err != nil || len(ids) == 0 {
		t.Errorf("expected store ids, got %v (%v)", ids, err)
	}
}

func TestMySQLIntegration_ConcurrentSales(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()
	seedCatalog(t, db)

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)
	ledger := service.NewInventoryService(adapter, adapter, adapter, nil, nil)
	sales := service.NewSaleService(adapter, ledger, adapter, adapter, NewMemoryCache(), nil, nil)

	initialStock := 10
	if _, err := ledger.AddStock(ctx, testItemID, testStoreID, initialStock); err != nil {
		t.Fatalf("AddStock failed: %v", err)
	}

	var successCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sales.ProcessSale(ctx, service.SaleRequest{
				RequestID:     uuid.New().String(),
				StoreID:       testStoreID,
				Lines:         []service.SaleLineRequest{{ItemID: testItemID, Quantity: 1}},
				PaymentMethod: domain.PaymentCard,
			})
			if err == nil {
				successCount.Add(1)
			}
		}()
	}
	wg.Wait()

	if successCount.Load() != int32(initialStock) {
		t.Errorf("expected %d successful sales, got %d", initialStock, successCount.Load())
	}

	var stock int
	db.QueryRowContext(ctx, `SELECT quantity FROM stock_records WHERE item_id = ? AND store_id = ?`, testItemID, testStoreID).Scan(&stock)
	if stock != 0 {
		t.Errorf("expected MySQL stock 0, got %d", stock)
	}

	var saleCount int
	db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sales WHERE store_id = ?`, testStoreID).Scan(&saleCount)
	if saleCount != initialStock {
		t.Errorf("expected %d sales in MySQL, got %d", initialStock, saleCount)
	}
}
