// Command erpd serves the order fulfilment and finance API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tradewind-erp/tradewind/internal/app"
	"github.com/tradewind-erp/tradewind/internal/delivery"
	"github.com/tradewind-erp/tradewind/internal/finance"
	"github.com/tradewind-erp/tradewind/internal/goodsissue"
	"github.com/tradewind-erp/tradewind/internal/inventory"
	"github.com/tradewind-erp/tradewind/internal/platform/cache"
	"github.com/tradewind-erp/tradewind/internal/platform/db"
	"github.com/tradewind-erp/tradewind/internal/procurement"
	"github.com/tradewind-erp/tradewind/internal/returns"
	"github.com/tradewind-erp/tradewind/internal/sales"
	"github.com/tradewind-erp/tradewind/internal/sequence"
	"github.com/tradewind-erp/tradewind/internal/shared"
)

// orderCloser adapts the sales service to the delivery module's close port.
type orderCloser struct {
	sales *sales.Service
}

func (c orderCloser) MarkFulfilled(ctx context.Context, salesOrderID int64) error {
	_, err := c.sales.MarkFulfilled(ctx, salesOrderID)
	return err
}

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	rdb, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer rdb.Close()

	numbers := sequence.NewGenerator(rdb)
	auditLog := shared.NewAuditLogger(pool)
	approvals := shared.NewApprovalRecorder(pool, logger)

	stockSvc := inventory.NewService(inventory.NewRepository(pool), auditLog,
		inventory.ServiceConfig{AllowNegativeStock: cfg.AllowNegativeStock})

	salesSvc := sales.NewService(sales.NewRepository(pool), numbers, approvals, auditLog, logger)
	deliverySvc := delivery.NewService(delivery.NewRepository(pool), numbers,
		orderCloser{sales: salesSvc}, auditLog, logger)
	issueSvc := goodsissue.NewService(goodsissue.NewRepository(pool), stockSvc, numbers, approvals, logger)
	returnSvc := returns.NewService(returns.NewRepository(pool), deliverySvc.Reconciler(), stockSvc, numbers, logger)
	procureSvc := procurement.NewService(procurement.NewRepository(pool), stockSvc, numbers, approvals, logger)
	financeSvc := finance.NewService(finance.NewRepository(pool), numbers, auditLog, logger)

	router := app.NewRouter(cfg, app.Handlers{
		SalesOrders:  sales.NewHandler(salesSvc).Routes(),
		Deliveries:   delivery.NewHandler(deliverySvc).Routes(),
		GoodIssues:   goodsissue.NewHandler(issueSvc).Routes(),
		ReturnOrders: returns.NewHandler(returnSvc).Routes(),
		Procurement:  procurement.NewHandler(procureSvc).Routes(),
		Finance:      finance.NewHandler(financeSvc).Routes(),
		Stock:        inventory.NewHandler(stockSvc).Routes(),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", slog.Any("error", err))
	}
}
