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
	"callblast/internal/events"
	"callblast/internal/httpapi"
	"callblast/internal/httpserver"
	"callblast/internal/logging"
	"callblast/internal/observability"
	"callblast/internal/service"
	"callblast/internal/store/pg"
)

func main() {
	_ = godotenv.Load()

	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnLifetime: cfg.DBMaxConnLifetime,
		MaxConnIdleTime: cfg.DBMaxConnIdleTime,
	})
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	var sink service.EventSink
	if cfg.EventQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.AWSEndpoint)
		if err != nil {
			slog.Error("api sqs client init failed", "err", err)
			os.Exit(1)
		}
		sink = &events.Publisher{SQS: sqsClient, QueueURL: cfg.EventQueueURL}
	}

	svc := service.New(pg.New(db), sink)

	s := httpserver.New()
	api := &httpserver.API{Svc: svc}
	api.Register(s.Mux)
	s.Probes(httpapi.Readyz(2*time.Second, httpapi.ReadyzCheck{
		Name:  "postgres",
		Check: func(ctx context.Context) error { return db.Ping(ctx) },
	}))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: s.Handler(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}

	db.Close()
}
