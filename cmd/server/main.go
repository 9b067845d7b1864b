package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"pos-sync-service/internal/api"
	"pos-sync-service/internal/config"
	"pos-sync-service/internal/lan"
	"pos-sync-service/internal/logger"
	"pos-sync-service/internal/notify"
	"pos-sync-service/internal/ordersync"
	"pos-sync-service/internal/outbox"
	"pos-sync-service/internal/platform"
	"pos-sync-service/internal/store"
	"pos-sync-service/internal/trigger"
)

func main() {
	// Load Config
	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Init Logger
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting POS Sync Service",
		zap.String("registerID", cfg.Register.ID),
		zap.String("mode", cfg.LAN.Mode),
	)

	// Init State Store
	stateStore, err := store.NewSQLiteStore(cfg.Store)
	if err != nil {
		logger.Log.Fatal("Failed to init state store", zap.Error(err))
	}
	defer stateStore.Close()

	notifier := notify.LogNotifier{}
	auditor := notify.LogAuditor{}
	sender := platform.NewHTTPSender(cfg.Platform.GetRequestTimeout())

	// Init LAN Coordination
	coordinator := lan.NewCoordinator(cfg.LAN, cfg.Register.ID, notifier)
	coordinator.Start()
	defer coordinator.Stop()

	// Init Outbox Queue
	queue := outbox.New(outbox.Config{
		BaseDelay:   cfg.Outbox.Backoff.GetBaseDelay(),
		MaxDelay:    cfg.Outbox.Backoff.GetMaxDelay(),
		MaxAttempts: cfg.Outbox.MaxAttempts,
	}, stateStore, sender, notifier)

	// Init Order Sync Engine
	engine := ordersync.New(ordersync.Config{
		OrdersURL:  cfg.Platform.OrdersURL,
		BaseDelay:  cfg.OrderSync.Backoff.GetBaseDelay(),
		MaxDelay:   cfg.OrderSync.Backoff.GetMaxDelay(),
		MaxRetries: cfg.OrderSync.MaxRetries,
	}, stateStore, sender, notifier, auditor, coordinator)

	// Init Trigger Manager
	manager := trigger.NewManager(cfg.Trigger, queue, engine)
	manager.Start()
	defer manager.Stop()

	// Init API
	handler := api.NewHandler(cfg.Server, queue, engine, coordinator, manager)
	router := handler.Routes()

	// Start Server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Log.Error("Server shutdown failed", zap.Error(err))
	}
}
