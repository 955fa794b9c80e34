package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rl1809/retail-ledger/internal/adapter/handler"
	"github.com/rl1809/retail-ledger/internal/adapter/messaging"
	"github.com/rl1809/retail-ledger/internal/adapter/storage"
	"github.com/rl1809/retail-ledger/internal/config"
	"github.com/rl1809/retail-ledger/internal/core/domain"
	"github.com/rl1809/retail-ledger/internal/core/service"
	"github.com/rl1809/retail-ledger/internal/port"
)

const (
	demoStoreID      = 1
	demoItemID       = 1
	demoInitialStock = 100
)

type backend struct {
	repo    port.DatabaseRepository
	catalog port.Catalog
	stores  port.StoreDirectory
	close   func() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("failed to load configuration", zap.Error(err))
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		zap.NewExample().Fatal("failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open storage", zap.String("backend", cfg.StorageBackend), zap.Error(err))
	}

	var cache port.CacheRepository = storage.NewMemoryCache()
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			PoolSize: 100,
		})
		redisAdapter := storage.NewRedisAdapter(rdb)
		if err := redisAdapter.Ping(ctx); err != nil {
			logger.Fatal("failed to connect redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		cache = redisAdapter
		logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	}

	var publisher port.EventPublisher = messaging.NopPublisher{}
	var kafkaPublisher *messaging.KafkaPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher = messaging.NewKafkaPublisher(cfg.KafkaTopic, cfg.KafkaBrokers...)
		publisher = kafkaPublisher
		logger.Info("publishing events to kafka",
			zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	inventoryService := service.NewInventoryService(store.repo, store.catalog, store.stores, publisher, logger.Named("ledger"))
	saleService := service.NewSaleService(store.repo, inventoryService, store.catalog, store.stores, cache, publisher, logger.Named("sales"))

	if cfg.StorageBackend == config.BackendMemory {
		if _, err := inventoryService.AddStock(ctx, demoItemID, demoStoreID, demoInitialStock); err != nil {
			logger.Fatal("failed to seed demo stock", zap.Error(err))
		}
		logger.Info("seeded demo stock",
			zap.Int64("item_id", demoItemID), zap.Int64("store_id", demoStoreID), zap.Int("quantity", demoInitialStock))
	}

	// gRPC server
	grpcServer := grpc.NewServer()
	handler.RegisterRetailServiceServer(grpcServer, handler.NewGRPCHandler(inventoryService, saleService))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(handler.RetailServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
	}

	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	// HTTP server
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.NewHTTPHandler(inventoryService, saleService, logger.Named("http")).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown", zap.Error(err))
	}
	logger.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	logger.Info("gRPC server stopped")

	if kafkaPublisher != nil {
		if err := kafkaPublisher.Close(); err != nil {
			logger.Warn("kafka writer close", zap.Error(err))
		}
	}
	if rdb != nil {
		rdb.Close()
	}
	if err := store.close(); err != nil {
		logger.Warn("storage close", zap.Error(err))
	}
	logger.Info("connections closed")
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	zcfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = lvl
	return zcfg.Build()
}

func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	if cfg.StorageBackend == config.BackendMemory {
		catalog := storage.NewMemoryCatalog()
		catalog.PutStore(domain.Store{ID: demoStoreID, Name: "Demo Store", Location: "Downtown", Address: "1 Main St"})
		catalog.PutItem(domain.Item{ID: demoItemID, Name: "Demo Item", Category: "General", Price: decimal.RequireFromString("9.99")})
		logger.Info("using in-memory storage")
		return &backend{
			repo:    storage.NewMemoryAdapter(),
			catalog: catalog,
			stores:  catalog,
			close:   func() error { return nil },
		}, nil
	}

	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MySQLMaxConns)
	db.SetMaxIdleConns(cfg.MySQLMaxConns / 2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("connected to mysql")

	if err := storage.RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("database migrations completed")

	mysqlAdapter := storage.NewMySQLAdapter(db)
	return &backend{
		repo:    mysqlAdapter,
		catalog: mysqlAdapter,
		stores:  mysqlAdapter,
		close:   db.Close,
	}, nil
}
