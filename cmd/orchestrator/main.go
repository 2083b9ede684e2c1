package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"callblast/internal/awsutil"
	"callblast/internal/config"
	"callblast/internal/dispatcher"
	"callblast/internal/events"
	"callblast/internal/executor"
	"callblast/internal/httpapi"
	"callblast/internal/logging"
	"callblast/internal/observability"
	"callblast/internal/runner"
	"callblast/internal/scheduler"
	"callblast/internal/store/pg"
)

func main() {
	_ = godotenv.Load()

	cfg := config.LoadOrchestrator()
	logging.Init("orchestrator", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("orchestrator db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	if err := db.Ping(startupCtx); err != nil {
		startupCancel()
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}
	startupCancel()

	observability.Register(prometheus.DefaultRegisterer)

	var sink dispatcher.EventSink
	if cfg.EventQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.AWSEndpoint)
		if err != nil {
			slog.Error("orchestrator sqs client init failed", "err", err)
			os.Exit(1)
		}
		sink = &events.Publisher{SQS: sqsClient, QueueURL: cfg.EventQueueURL}
	}

	st := pg.New(db)
	exec := &executor.Client{
		BaseURL: cfg.ExecutorBaseURL,
		APIKey:  cfg.ExecutorAPIKey,
		HTTP:    &http.Client{Timeout: cfg.CallTimeout + 5*time.Second},
	}

	run := runner.New(st, exec, sink, runner.Config{
		CallTimeout: cfg.CallTimeout,
		FailCeiling: cfg.BreakerFailCeiling,
		Breaker: dispatcher.BreakerSettings{
			ConsecutiveFailures: cfg.BreakerConsecutiveFailures,
			Cooldown:            cfg.BreakerCooldown,
		},
		OwnerRPS:   cfg.OwnerRPS,
		OwnerBurst: cfg.OwnerBurst,
	})

	sched := &scheduler.Scheduler{
		Store:         st,
		Runner:        run,
		ScanInterval:  cfg.ScanInterval,
		BatchSize:     cfg.ScanBatchSize,
		StaleClaimAge: cfg.StaleClaimAge,
	}

	ops := httpapi.New(2*time.Second, httpapi.ReadyzCheck{
		Name:  "postgres",
		Check: func(ctx context.Context) error { return db.Ping(ctx) },
	})
	opsSrv := &http.Server{Addr: ":" + cfg.Port, Handler: ops.Mux}
	opsErrCh := make(chan error, 1)
	go func() {
		slog.Info("orchestrator ops listening", "port", cfg.Port)
		opsErrCh <- opsSrv.ListenAndServe()
	}()

	schedDone := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(schedDone)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("orchestrator shutdown", "signal", sig.String())
	case err := <-opsErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("orchestrator ops server failed", "err", err)
		}
	}

	cancel()
	<-schedDone

	// Give in-flight attempts a chance to land before the process exits;
	// anything still claimed after this is reclaimed by the stale sweep.
	poolsDone := make(chan struct{})
	go func() {
		run.Wait()
		close(poolsDone)
	}()
	select {
	case <-poolsDone:
	case <-time.After(cfg.ShutdownGrace):
		slog.Warn("shutdown grace expired with pools still active", "active", run.ActiveCount())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = opsSrv.Shutdown(shutdownCtx)
}
