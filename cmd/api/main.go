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
	"github.com/ariefcatur/go-checkout-reconciler/internal/httpx"
	"github.com/ariefcatur/go-checkout-reconciler/internal/logging"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logging.MustNewLogger(cfg.ServiceName, cfg.Env)
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
	a.Start(ctx)

	router := httpx.NewRouter(log, promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
	var cache httpx.StatusCache
	if a.Cache != nil {
		cache = a.Cache
	}
	(&httpx.OrdersHandler{Checkout: a.Checkout, Store: a.Store, Cache: cache}).Register(router)
	(&httpx.WebhooksHandler{Reconciler: a.Reconciler}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	sweepDone := make(chan struct{})
	if cfg.SweepInProcess {
		go func() {
			defer close(sweepDone)
			log.Info("in-process sweeps started",
				zap.Duration("pix_every", cfg.PixSweepInterval),
				zap.Duration("orders_every", cfg.OrderSweepInterval),
			)
			_ = a.Sweeper.Run(ctx, cfg.PixSweepInterval, cfg.OrderSweepInterval)
		}()
	} else {
		close(sweepDone)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	cancel()
	<-sweepDone
	a.Close()
}
