package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-checkout-reconciler/internal/app"
	"github.com/ariefcatur/go-checkout-reconciler/internal/config"
	"github.com/ariefcatur/go-checkout-reconciler/internal/logging"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logging.MustNewLogger(cfg.ServiceName+"-sweeper", cfg.Env)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
	a.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.SweeperMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics listener stopped", zap.Error(err))
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		log.Info("sweeper started",
			zap.Duration("pix_every", cfg.PixSweepInterval),
			zap.Duration("orders_every", cfg.OrderSweepInterval),
			zap.Int("batch", cfg.SweepBatchSize),
		)
		if err := a.Sweeper.Run(ctx, cfg.PixSweepInterval, cfg.OrderSweepInterval); err != nil {
			log.Error("sweeper exit", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-done:
	}
	log.Info("shutting down sweeper")
	cancel()
	<-done

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	a.Close()
}
