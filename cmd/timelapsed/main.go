package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"printer-timelapse-backend/config"
	"printer-timelapse-backend/internal/api"
	"printer-timelapse-backend/internal/broker"
	"printer-timelapse-backend/internal/collector"
	"printer-timelapse-backend/internal/db"
	"printer-timelapse-backend/internal/logger"
	"printer-timelapse-backend/internal/monitor"
	"printer-timelapse-backend/internal/notification"
	"printer-timelapse-backend/internal/store"
	"printer-timelapse-backend/internal/transfer"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}

	zl, err := logger.New(cfg.Log.Level, *cfg.Log.JSON)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	if err := cfg.Validate(); err != nil {
		zl.Fatal("invalid configuration", zap.String("path", configPath), zap.Error(err))
	}
	if cfg.MQTT.InsecureSkipVerify || cfg.FTPS.InsecureSkipVerify {
		zl.Warn("tls certificate verification disabled",
			zap.Bool("mqtt", cfg.MQTT.InsecureSkipVerify),
			zap.Bool("ftps", cfg.FTPS.InsecureSkipVerify))
	}

	if err := os.MkdirAll(cfg.Download.Dir, 0o755); err != nil {
		zl.Fatal("failed to create download directory", zap.String("dir", cfg.Download.Dir), zap.Error(err))
	}

	// Initialize database
	gormDB, err := db.Init(&cfg.Database, zl)
	if err != nil {
		zl.Fatal("failed to initialize database", zap.Error(err))
	}
	appStore := store.NewGormStore(gormDB)
	zl.Info("database initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	webpushOptions := webpush.Options{
		VAPIDPublicKey:  cfg.Push.PublicKey,
		VAPIDPrivateKey: cfg.Push.PrivateKey,
		Subscriber:      cfg.Push.Subject,
		TTL:             cfg.Push.TTL,
	}
	var notifier collector.Notifier
	if cfg.PushEnabled() {
		pool := notification.NewWorkerPool(cfg.WorkerPool.Size, appStore, &webpushOptions, zl.Named("push"))
		pool.Start(ctx)
		notifier = pool
	} else {
		zl.Info("vapid keys not configured; push notifications disabled")
	}

	params, err := collector.ParamsFromConfig(cfg)
	if err != nil {
		zl.Fatal("invalid ftps configuration", zap.Error(err))
	}
	session := transfer.NewSession(transfer.FTPDialer{}, zl.Named("ftps"))
	collectorSvc := collector.NewService(params, session, appStore, notifier, zl.Named("collector"))

	mon := monitor.New(cfg.MQTT.Topic, cfg.MQTT.QoS, collectorSvc, zl.Named("monitor"))
	queue := monitor.NewQueue(cfg.MQTT.QueueSize, mon, zl.Named("queue"))
	queue.Start(ctx)

	mqttClient := broker.New(cfg.MQTT, mon, queue, zl.Named("mqtt"))
	connectCtx, connectCancel := context.WithTimeout(ctx, cfg.MQTT.ConnectTimeout+5*time.Second)
	err = mqttClient.Connect(connectCtx)
	connectCancel()
	if err != nil {
		zl.Fatal("failed to connect to printer broker", zap.Error(err))
	}

	var server *http.Server
	if cfg.ServerEnabled() {
		handler := api.NewHandler(appStore, mon, queue, &webpushOptions, zl.Named("api"))
		server = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           api.NewRouter(handler, cfg.Server, zl.Named("http")),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			zl.Info("http server starting", zap.Int("port", cfg.Server.Port))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zl.Fatal("http server failed", zap.Error(err))
			}
		}()
	}

	// Setup signal handling for graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	zl.Info("shutdown signal received, stopping services")

	mqttClient.Close()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			zl.Error("http server shutdown", zap.Error(err))
		}
	}

	select {
	case <-queue.Done():
	case <-shutdownCtx.Done():
		zl.Warn("event consumer still busy at shutdown")
	}
	zl.Info("stopped")
}
