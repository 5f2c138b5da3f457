package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-checkout-reconciler/internal/config"
	kafkax "github.com/ariefcatur/go-checkout-reconciler/internal/kafka"
	"github.com/ariefcatur/go-checkout-reconciler/internal/logging"
	"github.com/ariefcatur/go-checkout-reconciler/internal/notify"
	"github.com/joho/godotenv"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logging.MustNewLogger(cfg.ServiceName+"-notifier", cfg.Env)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := notify.LogNotifier{Log: log}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.NotifierGroup, cfg.NotifyTopic, cfg.NotifierWorkers, log)

	handle := func(ctx context.Context, m kafkago.Message) error {
		var ev notify.Envelope
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			// poison message: log and commit
			log.Error("notify_decode_failed", zap.ByteString("key", m.Key), zap.Error(err))
			return nil
		}
		if ev.EventType == "" {
			ev.EventType = kafkax.HeaderValue(m, "x-event-type")
		}
		if err := notify.Dispatch(ctx, n, ev); err != nil {
			log.Warn("notify_failed",
				zap.String("event_type", ev.EventType),
				zap.String("order_id", ev.CorrelationID),
				zap.Error(err),
			)
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		log.Info("notifier consumer started",
			zap.String("group", cfg.NotifierGroup),
			zap.String("topic", cfg.NotifyTopic),
			zap.Int("workers", cfg.NotifierWorkers),
		)
		if err := cons.Start(ctx, handle); err != nil {
			log.Error("consumer exit", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-done:
	}
	log.Info("shutting down notifier")
	cancel()
	<-done
}
