// Package main implements the statesync daemon: it accepts operations
// and validation reports over NATS, drives them through the batch,
// transaction, and recovery managers, and exposes metrics and health
// endpoints over HTTP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/statesync/batch"
	"github.com/c360/statesync/config"
	"github.com/c360/statesync/event"
	"github.com/c360/statesync/health"
	"github.com/c360/statesync/metric"
	"github.com/c360/statesync/natsclient"
	"github.com/c360/statesync/operation"
	"github.com/c360/statesync/recovery"
	"github.com/c360/statesync/transaction"
)

const (
	version = "0.1.0"
	appName = "statesync"

	operationsSubject = "statesync.operations"
	reportsSubject    = "statesync.reports"
)

func main() {
	if err := run(); err != nil {
		slog.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cli := parseFlags()
	if cli.ShowVersion {
		fmt.Printf("%s %s\n", appName, version)
		return nil
	}
	logger := setupLogger(cli.LogLevel, cli.LogFormat)

	cfg := config.DefaultConfig()
	if cli.ConfigPath != "" {
		loaded, err := config.LoadFile(cli.ConfigPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if cli.Validate {
		logger.Info("configuration is valid", "path", cli.ConfigPath)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var natsConn *nats.Conn
	if cli.NATSURL != "" {
		client, err := natsclient.Connect(cli.NATSURL,
			natsclient.WithName(appName),
			natsclient.WithLogger(logger))
		if err != nil {
			return err
		}
		defer client.Close()
		natsConn = client.Conn()
		logger.Info("connected to nats", "url", cli.NATSURL)
	}

	registry := metric.NewMetricsRegistry()
	metrics := registry.CoreMetrics()

	busOpts := []event.Option{event.WithLogger(logger)}
	if natsConn != nil {
		busOpts = append(busOpts, event.WithNATSConn(natsConn))
	}

	executor := transaction.NewMemoryExecutor()
	txn := transaction.NewManager(cfg, executor,
		transaction.WithLogger(logger),
		transaction.WithMetrics(metrics),
		transaction.WithEventBus(event.NewBus("transaction", busOpts...)))

	batches := batch.NewManager(cfg, txn,
		batch.WithLogger(logger),
		batch.WithMetrics(metrics),
		batch.WithEventBus(event.NewBus("batch", busOpts...)))

	repairs := recovery.NewManager(cfg, recovery.NewMemoryRepairer(),
		recovery.WithLogger(logger),
		recovery.WithMetrics(metrics),
		recovery.WithEventBus(event.NewBus("recovery", busOpts...)))

	if natsConn != nil {
		if err := subscribeIntake(ctx, natsConn, logger, batches, repairs); err != nil {
			return err
		}
	}

	monitor := health.NewMonitor()
	monitor.Register("batch", health.BatchQueueCheck(batches, cfg.MaxBatchSize*2, cfg.MaxBatchSize*10))
	monitor.Register("transaction", health.TransactionCheck(txn))

	server := httpServer(cli.HTTPAddr, registry, monitor)
	go func() {
		logger.Info("http listening", "addr", cli.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cli.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	batches.Flush(shutdownCtx)
	return nil
}

// subscribeIntake wires the NATS subjects that feed the pipeline.
func subscribeIntake(ctx context.Context, conn *nats.Conn, logger *slog.Logger,
	batches *batch.Manager, repairs *recovery.Manager) error {

	_, err := conn.Subscribe(operationsSubject, func(msg *nats.Msg) {
		var op operation.Operation
		if err := json.Unmarshal(msg.Data, &op); err != nil {
			logger.Warn("dropping malformed operation", "error", err)
			return
		}
		if op.Timestamp.IsZero() {
			op.Timestamp = time.Now()
		}
		id, err := batches.Add(&op)
		if err != nil {
			logger.Warn("operation rejected", "id", op.ID, "error", err)
			return
		}
		logger.Debug("operation accepted", "id", id)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", operationsSubject, err)
	}

	_, err = conn.Subscribe(reportsSubject, func(msg *nats.Msg) {
		report, err := recovery.ParseReport(msg.Data)
		if err != nil {
			logger.Warn("dropping malformed report", "error", err)
			return
		}
		plan, err := repairs.CreatePlan(report, recovery.StrategySmart)
		if err != nil {
			logger.Warn("plan creation failed", "error", err)
			return
		}
		// No interactive confirmation on this path; gated tasks are
		// skipped unless require_confirmation is disabled in the config.
		go func() {
			if _, err := repairs.ExecutePlan(ctx, plan.ID, recovery.ExecuteOptions{}); err != nil {
				logger.Error("recovery plan failed", "plan_id", plan.ID, "error", err)
			}
		}()
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", reportsSubject, err)
	}
	return nil
}

func httpServer(addr string, registry *metric.MetricsRegistry, monitor *health.Monitor) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		registry.PrometheusRegistry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := monitor.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !status.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
