package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/retail-ledger/internal/adapter/messaging"
	"github.com/rl1809/retail-ledger/internal/adapter/storage"
	"github.com/rl1809/retail-ledger/internal/core/domain"
	"github.com/rl1809/retail-ledger/internal/core/service"
)

const (
	storeID       = 1
	itemID        = 1
	initialStock  = 20
	totalRequests = 50
)

func main() {
	ctx := context.Background()

	catalog := storage.NewMemoryCatalog()
	catalog.PutStore(domain.Store{ID: storeID, Name: "Main"})
	catalog.PutItem(domain.Item{ID: itemID, Name: "Stress Item", Price: decimal.RequireFromString("1.50")})

	repo := storage.NewMemoryAdapter()
	logger := zap.NewNop()
	ledger := service.NewInventoryService(repo, catalog, catalog, messaging.NopPublisher{}, logger)
	sales := service.NewSaleService(repo, ledger, catalog, catalog, storage.NewMemoryCache(), messaging.NopPublisher{}, logger)

	if _, err := ledger.AddStock(ctx, itemID, storeID, initialStock); err != nil {
		log.Fatalf("failed to set stock: %v", err)
	}

	// Counters
	var successCount atomic.Int32
	var failCount atomic.Int32
	var unexpected atomic.Int32

	// Spawn concurrent sales
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sales.ProcessSale(ctx, service.SaleRequest{
				RequestID:     uuid.NewString(),
				StoreID:       storeID,
				Lines:         []service.SaleLineRequest{{ItemID: itemID, Quantity: 1}},
				PaymentMethod: domain.PaymentCash,
			})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, service.ErrInsufficientStock):
				failCount.Add(1)
			default:
				unexpected.Add(1)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	// Results
	success := successCount.Load()
	fail := failCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Failed:           %d\n", fail)
	fmt.Printf("Unexpected:       %d\n", unexpected.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	// Assertions
	if success == int32(initialStock) && fail == int32(totalRequests-initialStock) {
		fmt.Printf("PASS: Exactly %d sales succeeded, %d failed\n", initialStock, totalRequests-initialStock)
	} else {
		fmt.Printf("FAIL: Expected %d success/%d fail, got %d/%d\n",
			initialStock, totalRequests-initialStock, success, fail)
	}

	finalStock, err := ledger.GetStock(ctx, itemID, storeID)
	if err != nil {
		log.Fatalf("failed to read stock: %v", err)
	}
	fmt.Printf("Final Stock:      %d\n", finalStock)

	if finalStock == 0 {
		fmt.Println("PASS: Stock depleted to 0")
	} else {
		fmt.Printf("FAIL: Expected stock 0, got %d\n", finalStock)
	}

	total, err := sales.TotalSalesAmount(ctx, storeID, start.Add(-time.Minute), time.Now().Add(time.Minute))
	if err != nil {
		log.Fatalf("failed to total sales: %v", err)
	}
	expected := decimal.RequireFromString("1.50").Mul(decimal.NewFromInt(initialStock))
	if total.Equal(expected) {
		fmt.Printf("PASS: Sales total %s\n", total.StringFixed(2))
	} else {
		fmt.Printf("FAIL: Expected sales total %s, got %s\n", expected.StringFixed(2), total.StringFixed(2))
	}
}
