package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/maintsync/config"
	"github.com/mmdatafocus/maintsync/middlewares"
	"github.com/mmdatafocus/maintsync/models"
	"github.com/mmdatafocus/maintsync/syncengine"
	"github.com/mmdatafocus/maintsync/utils"
	"github.com/sirupsen/logrus"
)

const defaultOperatorPort = "8090"

func main() {
	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	cfg, err := config.LoadSyncConfig()
	if err != nil {
		config.LogError(logger, "sync-client", "main", "load sync config", nil, err)
		return
	}

	if err := config.ConnectDatabaseWithRetry(sigCtx, config.DriverSQLite); err != nil {
		config.LogError(logger, "sync-client", "main", "connect database", nil, err)
		return
	}
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !config.SkipMigrations() {
		if err := models.MigrateLocal(db); err != nil {
			config.LogError(logger, "sync-client", "main", "migrate", nil, err)
			return
		}
	}

	opts := []syncengine.Option{syncengine.WithLogger(logger)}
	if deviceId := os.Getenv("SYNC_DEVICE_ID"); deviceId != "" {
		opts = append(opts, syncengine.WithDeviceId(deviceId))
	}
	engine, err := syncengine.New(db, cfg, opts...)
	if err != nil {
		config.LogError(logger, "sync-client", "main", "build engine", cfg.EndpointName, err)
		return
	}

	batches := engine.Scheduler().Subscribe(16)
	go func() {
		for ev := range batches {
			if ev.Task.Status == models.BatchTaskStatusCompleted {
				continue
			}
			logger.WithFields(logrus.Fields{
				"field":    "sync-client",
				"batch_id": ev.Task.BatchId,
				"type":     string(ev.Task.TaskType),
				"status":   string(ev.Task.Status),
			}).Warn(utils.DereferencePtr(ev.Task.ErrorDetail, "batch finished with failures"))
		}
	}()

	if err := engine.Start(sigCtx); err != nil {
		config.LogError(logger, "sync-client", "main", "start engine", nil, err)
		return
	}

	port := os.Getenv("SYNC_OPERATOR_PORT")
	if port == "" {
		port = defaultOperatorPort
	}
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(gin.Recovery())
	engine.RegisterRoutes(r)

	srv := &http.Server{
		Addr:    "127.0.0.1:" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := engine.Stop(shutdownCtx); err != nil {
		config.LogError(logger, "sync-client", "main", "stop engine", nil, err)
	}

	if health, err := engine.GetSyncHealth(shutdownCtx); err == nil {
		logger.WithFields(logrus.Fields{
			"field":      "sync-client",
			"pending":    health.PendingCount,
			"failed":     health.FailedCount,
			"last_error": utils.DereferencePtr(health.LastError),
		}).Info("sync engine stopped")
	}
}
