/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the payroll engine server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (environment, then flags)
  2. Build the zap logger
  3. Build the core context (schema, catalog, store, engine, batches)
  4. Configure HTTP router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port     HTTP server port (default: 8080)
  -db       Database DSN (default: payroll.db)
            Use ":memory:" for an in-memory SQLite database
  -driver   sqlite3 (default) or postgres
  -schema   Twin schema YAML (default: embedded preset)
  -metrics  Metric catalog YAML (default: embedded preset)

ENVIRONMENT:
  PAYROLL_HTTP_PORT, PAYROLL_DB_DRIVER, PAYROLL_DB_DSN,
  PAYROLL_SCHEMA_FILE, PAYROLL_METRICS_FILE,
  PAYROLL_LOG_LEVEL, PAYROLL_LOG_FORMAT, PAYROLL_CORS_ORIGINS

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  ./server -db="./data/payroll.db"
  ./server -driver=postgres -db="postgres://payroll@localhost/payroll?sslmode=disable"
  PAYROLL_LOG_FORMAT=console ./server -db=":memory:"

SEE ALSO:
  - api/server.go: Router configuration
  - core/core.go: Boot order
*/
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/warp/payroll-engine/api"
	"github.com/warp/payroll-engine/core"
	"github.com/warp/payroll-engine/logger"
)

const svcName = "payroll-engine"

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("failed to load %s configuration: %v", svcName, err)
	}

	zl, err := logger.New(cfg.LogLevel, cfg.LogFormat, svcName)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer zl.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := core.New(ctx, core.Options{
		Driver:      cfg.Driver,
		DSN:         cfg.DSN,
		SchemaFile:  cfg.SchemaFile,
		MetricsFile: cfg.MetricsFile,
		Logger:      zl,
		Registerer:  reg,
	})
	if err != nil {
		zl.Fatal("failed to initialize core", zap.Error(err))
	}
	defer c.Close()

	router := api.NewRouter(api.NewHandler(c), api.RouterOptions{
		AllowedOrigins: cfg.Origins,
		Registry:       reg,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		zl.Info("server starting", zap.Int("port", cfg.Port), zap.String("driver", cfg.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zl.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zl.Error("server forced to shutdown", zap.Error(err))
	}
	zl.Info("server stopped")
}
