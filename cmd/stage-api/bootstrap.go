package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RailScan/StageBox/config"
	"github.com/RailScan/StageBox/internal/api/stagingapi"
	"github.com/RailScan/StageBox/internal/api/wshub"
	"github.com/RailScan/StageBox/internal/broker/kafka"
	"github.com/RailScan/StageBox/internal/cache/rediscache"
	"github.com/RailScan/StageBox/internal/services/staging"
	"github.com/RailScan/StageBox/internal/storage/pgstaging"
)

type stageAPIApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     stageAPIOpts
	api      *stagingapi.StagingAPI
	hub      *wshub.Hub
	producer *kafka.Producer
	closeDB  func()
}

func mustBootstrapStageAPI() *stageAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	httpAddr := cfg.StageBox.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	topic := cfg.Kafka.RecordEventsTopicName
	if topic == "" {
		topic = "record.events"
	}
	countTTL := time.Duration(cfg.StageBox.CountCacheTTLSeconds) * time.Second
	if countTTL <= 0 {
		countTTL = 30 * time.Second
	}
	existencePerMin := int64(cfg.StageBox.ExistenceRateLimitPerMinute)
	if existencePerMin <= 0 {
		existencePerMin = 120
	}

	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
	st := mustOpenPostgresWithRetry(connString, 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)
	rl := rediscache.NewRateLimiter(redisAddr)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)

	hub := wshub.New()

	svc := staging.New(st, rc, countTTL).
		WithProducer(fanoutProducer{targets: []staging.Producer{producer, hubProducer{hub: hub}}}, topic)

	api := stagingapi.New(svc).WithRateLimiter(rl, existencePerMin)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &stageAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: stageAPIOpts{
			httpAddr:    httpAddr,
			swaggerPath: swaggerPath,
		},
		api:      api,
		hub:      hub,
		producer: producer,
		closeDB:  st.Close,
	}
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgstaging.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgstaging.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *stageAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.producer != nil {
		_ = a.producer.Close()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *stageAPIApp) Run() error {
	return runStageAPI(a.ctx, a.opts, a.api, a.hub)
}
