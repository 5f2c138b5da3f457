// Package app wires the reconciliation core from configuration. Every
// binary builds the same graph and uses the parts it needs.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-checkout-reconciler/internal/checkout"
	"github.com/ariefcatur/go-checkout-reconciler/internal/config"
	"github.com/ariefcatur/go-checkout-reconciler/internal/gateway"
	"github.com/ariefcatur/go-checkout-reconciler/internal/inventory"
	kafkax "github.com/ariefcatur/go-checkout-reconciler/internal/kafka"
	"github.com/ariefcatur/go-checkout-reconciler/internal/memory"
	"github.com/ariefcatur/go-checkout-reconciler/internal/metrics"
	"github.com/ariefcatur/go-checkout-reconciler/internal/notify"
	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
	"github.com/ariefcatur/go-checkout-reconciler/internal/postgres"
	"github.com/ariefcatur/go-checkout-reconciler/internal/reconcile"
	"github.com/ariefcatur/go-checkout-reconciler/internal/redisx"
	"github.com/ariefcatur/go-checkout-reconciler/internal/sweeper"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

type App struct {
	Config   config.Config
	Log      *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Store      orders.Store
	Gateway    gateway.Gateway
	Publisher  notify.Publisher
	Cache      *redisx.StatusCache
	Engine     *reconcile.Engine
	Checkout   *checkout.Service
	Reconciler *reconcile.Reconciler
	Sweeper    *sweeper.Sweeper

	producer *kafkax.Producer
	queue    *notify.Queue
	started  bool
	closers  []func()
}

// New connects the store, Redis and the notification transport. Redis is
// optional: when it cannot be reached the app runs without dedup, cache
// and sweep locks.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log, Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	switch cfg.StoreDriver {
	case "memory":
		log.Warn("using in-memory store with demo catalogue")
		a.Store = memory.Demo()
	case "postgres":
		db, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		if err := postgres.Migrate(ctx, db); err != nil {
			a.Close()
			return nil, err
		}
		a.Store = &orders.Repo{DB: db}
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	switch cfg.GatewayMode {
	case "sandbox":
		a.Gateway = gateway.NewSandbox()
	case "http":
		a.Gateway = gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewayToken, cfg.GatewayTimeout, log.Named("gateway"), a.Metrics)
	default:
		a.Close()
		return nil, fmt.Errorf("unknown GATEWAY_MODE %q", cfg.GatewayMode)
	}

	var (
		dedup  reconcile.Deduper
		locker sweeper.Locker
	)
	rdb := redisx.New(cfg.RedisAddr)
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	err := rdb.Ping(pctx).Err()
	cancel()
	if err != nil {
		log.Warn("redis unavailable, running without dedup, cache and sweep locks",
			zap.String("addr", cfg.RedisAddr), zap.Error(err))
		_ = rdb.Close()
	} else {
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		a.Cache = &redisx.StatusCache{R: rdb}
		dedup = &redisx.Deduper{R: rdb, Service: cfg.ServiceName}
		locker = &redisx.Locker{R: rdb, Service: cfg.ServiceName}
	}

	switch cfg.NotifyMode {
	case "kafka":
		a.producer = kafkax.NewProducer(cfg.KafkaBrokers, cfg.NotifyTopic, 1024, log.Named("kafka"))
		a.Publisher = &notify.KafkaPublisher{Producer: a.producer, Log: log}
	case "inline":
		a.queue = notify.NewQueue(notify.LogNotifier{Log: log.Named("notifier")}, 256, 2, log)
		a.Publisher = a.queue
	default:
		a.Close()
		return nil, fmt.Errorf("unknown NOTIFY_MODE %q", cfg.NotifyMode)
	}

	ledger := &inventory.Ledger{Metrics: a.Metrics, Log: log.Named("inventory")}
	a.Engine = &reconcile.Engine{
		Ledger:        ledger,
		Notify:        a.Publisher,
		Metrics:       a.Metrics,
		Log:           log.Named("engine"),
		PaymentWindow: cfg.PaymentWindow,
		Producer:      cfg.ServiceName,
	}
	if a.Cache != nil {
		a.Engine.Cache = a.Cache
	}
	a.Checkout = &checkout.Service{
		Store:           a.Store,
		Ledger:          ledger,
		Gateway:         a.Gateway,
		Engine:          a.Engine,
		Notify:          a.Publisher,
		Validate:        checkout.NewValidator(),
		Pricing:         checkout.Pricing{FreeShippingThresholdCents: cfg.FreeShippingThresholdCents},
		Log:             log.Named("checkout"),
		NumberPrefix:    cfg.OrderNumberPrefix,
		PixExpiration:   cfg.PixExpiration,
		GatewayTimeout:  cfg.GatewayTimeout,
		NotificationURL: cfg.WebhookURL("pagbank"),
		Producer:        cfg.ServiceName,
	}
	a.Reconciler = &reconcile.Reconciler{
		Store:   a.Store,
		Engine:  a.Engine,
		Gateway: a.Gateway,
		Dedup:   dedup,
		Metrics: a.Metrics,
		Log:     log.Named("webhook"),
	}
	a.Sweeper = &sweeper.Sweeper{
		Store:         a.Store,
		Engine:        a.Engine,
		Ledger:        ledger,
		Gateway:       a.Gateway,
		Locker:        locker,
		Metrics:       a.Metrics,
		Log:           log.Named("sweeper"),
		PixExpiration: cfg.PixExpiration,
		PaymentWindow: cfg.PaymentWindow,
		BatchSize:     cfg.SweepBatchSize,
		Producer:      cfg.ServiceName,
	}
	return a, nil
}

// Start runs the notification transport until ctx is done.
func (a *App) Start(ctx context.Context) {
	a.started = true
	if a.producer != nil {
		a.producer.Start(ctx)
	}
	if a.queue != nil {
		a.queue.Start(ctx)
	}
}

// Close flushes pending notifications and releases connections.
func (a *App) Close() {
	if a.producer != nil {
		a.producer.Close()
		if a.started {
			a.producer.WaitClosed()
		}
	}
	if a.queue != nil {
		a.queue.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
