package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/richardliu001/mpesa-service/internal/config"
	"github.com/richardliu001/mpesa-service/internal/logger"
	"github.com/richardliu001/mpesa-service/internal/repo"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", envOr("CONFIG_PATH", "internal/config/config.yaml"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger(cfg.Env)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.Hash{},
	}
	defer kw.Close()

	// the poller never touches the status cache
	r := repo.NewRepository(gdb, nil, kw, log, 0)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	interval := cfg.Kafka.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("mpesa-poller started")
	for {
		select {
		case <-ctx.Done():
			log.Info("mpesa-poller stopped")
			return
		case <-ticker.C:
			drain(ctx, r, cfg.Kafka.BatchSize, log)
		}
	}
}

// drain publishes one batch in creation order, stopping at the first publish
// failure so later events for the same payment are not sent ahead of it.
func drain(ctx context.Context, r repo.RepositoryInterface, batch int, log *zap.SugaredLogger) {
	events, err := r.PollOutbox(ctx, batch)
	if err != nil {
		log.Errorf("poll outbox: %v", err)
		return
	}
	for _, evt := range events {
		if err := r.PublishEvent(ctx, evt); err != nil {
			log.Errorf("publish id=%d: %v", evt.ID, err)
			return
		}
		if err := r.MarkOutboxProcessed(ctx, evt.ID); err != nil {
			log.Errorf("mark processed id=%d: %v", evt.ID, err)
			return
		}
		log.Infof("event %d sent", evt.ID)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
