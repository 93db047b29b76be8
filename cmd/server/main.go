package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/richardliu001/mpesa-service/internal/config"
	"github.com/richardliu001/mpesa-service/internal/daraja"
	"github.com/richardliu001/mpesa-service/internal/logger"
	"github.com/richardliu001/mpesa-service/internal/model"
	"github.com/richardliu001/mpesa-service/internal/repo"
	"github.com/richardliu001/mpesa-service/internal/service"
	httptransport "github.com/richardliu001/mpesa-service/internal/transport/http"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	configPath := flag.String("config", envOr("CONFIG_PATH", "internal/config/config.yaml"), "path to config file")
	flag.Parse()

	// 1. load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.Env)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(&model.Transaction{}, &model.OutboxEvent{}); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. daraja, repo & service
	// events are only written to the outbox here; cmd/poller ships them to kafka
	provider := daraja.NewClient(daraja.Config{
		BaseURL:         cfg.Mpesa.BaseURL,
		ConsumerKey:     cfg.Mpesa.ConsumerKey,
		ConsumerSecret:  cfg.Mpesa.ConsumerSecret,
		ShortCode:       cfg.Mpesa.ShortCode,
		PassKey:         cfg.Mpesa.PassKey,
		TransactionType: cfg.Mpesa.TransactionType,
		Timeout:         cfg.Mpesa.Timeout,
	})
	repository := repo.NewRepository(gdb, rdb, nil, log, cfg.Redis.TTL)
	svc := service.NewPaymentService(repository, provider, log)

	// 6. gin router
	h := httptransport.NewHandler(svc, httptransport.NewCallbackURLResolver(cfg.Mpesa.CallbackURL, cfg.Mpesa.AllowedHosts), cfg.Mpesa.SimulationEnabled, log)
	router := httptransport.NewRouter(h, cfg.RateLimit, log)
	if cfg.Mpesa.SimulationEnabled {
		log.Warn("payment simulation endpoint is enabled")
	}

	// 7. serve until signalled
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Infof("mpesa-server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
