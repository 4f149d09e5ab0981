package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/larder-erp/larder/internal/app"
	"github.com/larder-erp/larder/internal/documents/counts"
	"github.com/larder-erp/larder/internal/documents/orders"
	"github.com/larder-erp/larder/internal/documents/production"
	"github.com/larder-erp/larder/internal/documents/receipts"
	"github.com/larder-erp/larder/internal/documents/returns"
	"github.com/larder-erp/larder/internal/documents/transfers"
	"github.com/larder-erp/larder/internal/documents/waste"
	"github.com/larder-erp/larder/internal/masterdata/locations"
	"github.com/larder-erp/larder/internal/masterdata/products"
	"github.com/larder-erp/larder/internal/observability"
	"github.com/larder-erp/larder/internal/platform/cache"
	"github.com/larder-erp/larder/internal/platform/db"
	"github.com/larder-erp/larder/internal/shared"
	"github.com/larder-erp/larder/internal/stock"
	"github.com/larder-erp/larder/jobs"
	"github.com/larder-erp/larder/migrations"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	if err := migrations.Up(cfg.PGDSN); err != nil {
		logger.Error("run migrations", slog.Any("error", err))
		os.Exit(1)
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis connect", slog.Any("error", err))
	}
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	auditLogger := shared.NewAuditLogger(pool)
	approvalRecorder := shared.NewApprovalRecorder(pool, logger)
	idempotencyStore := shared.NewIdempotencyStore(pool)
	metrics := observability.NewMetrics()

	var valuationCache *stock.Cache
	if redisClient != nil {
		valuationCache = stock.NewCache(redisClient, cfg.ValuationCacheTTL)
	}

	stockService := stock.NewService(stock.NewRepository(pool), auditLogger, metrics, valuationCache, stock.ServiceConfig{
		ExpirySoonDays:  cfg.ExpirySoonDays,
		ExpiryMonthDays: cfg.ExpiryMonthDays,
	})
	stockHandler := stock.NewHandler(logger, stockService)

	productsHandler := products.NewHandler(logger, products.NewService(products.NewRepository(pool)))
	locationsHandler := locations.NewHandler(logger, locations.NewService(locations.NewRepository(pool)))

	receiptsService := receipts.NewService(receipts.NewRepository(pool), stockService, idempotencyStore, auditLogger)
	transfersService := transfers.NewService(transfers.NewRepository(pool), stockService, idempotencyStore, auditLogger)
	productionService := production.NewService(production.NewRepository(pool), stockService, idempotencyStore, auditLogger)
	wasteService := waste.NewService(waste.NewRepository(pool), stockService, approvalRecorder, idempotencyStore, auditLogger)
	returnsService := returns.NewService(returns.NewRepository(pool), stockService, idempotencyStore, auditLogger)
	countsService := counts.NewService(counts.NewRepository(pool), stockService, idempotencyStore, auditLogger)
	ordersService := orders.NewService(orders.NewRepository(pool), stockService, idempotencyStore, auditLogger)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, jobClient, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		StockHandler:      stockHandler,
		ProductsHandler:   productsHandler,
		LocationsHandler:  locationsHandler,
		ReceiptsHandler:   receipts.NewHandler(logger, receiptsService),
		TransfersHandler:  transfers.NewHandler(logger, transfersService),
		ProductionHandler: production.NewHandler(logger, productionService),
		WasteHandler:      waste.NewHandler(logger, wasteService),
		ReturnsHandler:    returns.NewHandler(logger, returnsService),
		CountsHandler:     counts.NewHandler(logger, countsService),
		OrdersHandler:     orders.NewHandler(logger, ordersService),
		JobHandler:        jobHandler,
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
