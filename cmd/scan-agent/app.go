package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/RailScan/StageBox/config"
	"github.com/RailScan/StageBox/internal/broker/kafka"
	"github.com/RailScan/StageBox/internal/broker/messages"
	"github.com/RailScan/StageBox/internal/integrations/stageapi"
	"github.com/RailScan/StageBox/internal/integrations/stageapi/fake"
	"github.com/RailScan/StageBox/internal/integrations/stageapi/httpapi"
	"github.com/RailScan/StageBox/internal/localqueue"
	"github.com/RailScan/StageBox/internal/models"
	"github.com/RailScan/StageBox/internal/services/connwatch"
	"github.com/RailScan/StageBox/internal/services/flusher"
	"github.com/RailScan/StageBox/internal/session"
)

// agentQueue — то, что агенту нужно от долговечной локальной очереди.
type agentQueue interface {
	Enqueue(workspace string, in models.RecordInput) (uint64, error)
	ListAll(workspace string) ([]localqueue.QueuedItem, error)
	RemoveMany(workspace string, ids []uint64) error
	Close() error
}

// eventsConsumer — realtime-канал от stage-api. nil означает "без realtime":
// станция жива и так, список догоняется перечиткой после flush.
type eventsConsumer interface {
	ConsumeRecordEvents(ctx context.Context, handler func(ev messages.RecordEvent) error) error
	Close() error
}

type agentFactories struct {
	newAPIClient func(cfg *config.Config) stageapi.Client
	newQueue     func(cfg *config.Config) (agentQueue, error)
	newConsumer  func(cfg *config.Config) eventsConsumer
}

func defaultAgentFactories() agentFactories {
	return agentFactories{
		newAPIClient: func(cfg *config.Config) stageapi.Client {
			// Без base_url работаем на локальной заглушке: удобно для
			// стендов без сервера, очередь и дедуп ведут себя одинаково.
			if cfg.StageBox.APIBaseURL == "" {
				return fake.New()
			}
			timeout := time.Duration(cfg.StageBox.SubmitTimeoutSeconds) * time.Second
			return httpapi.New(cfg.StageBox.APIBaseURL, timeout)
		},
		newQueue: func(cfg *config.Config) (agentQueue, error) {
			path := cfg.StageBox.QueuePath
			if path == "" {
				path = "stagebox-queue.db"
			}
			return localqueue.Open(path)
		},
		newConsumer: func(cfg *config.Config) eventsConsumer {
			if cfg.Kafka.Host == "" {
				return nil
			}
			topic := cfg.Kafka.RecordEventsTopicName
			if topic == "" {
				topic = "record.events"
			}
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewConsumer(brokers, topic, cfg.StageBox.KafkaConsumerGroup)
		},
	}
}

func RunScanAgent(ctx context.Context, cfg *config.Config, f agentFactories, onListen func(httpAddr string)) error {
	workspace := cfg.StageBox.Workspace
	if workspace == "" {
		workspace = models.WorkspaceMain
	}
	httpAddr := cfg.StageBox.AgentHTTPAddr
	if httpAddr == "" {
		httpAddr = ":8090"
	}
	debounce := time.Duration(cfg.StageBox.DebounceMillis) * time.Millisecond
	flushInterval := time.Duration(cfg.StageBox.FlushIntervalSeconds) * time.Second
	probeInterval := time.Duration(cfg.StageBox.ProbeIntervalSeconds) * time.Second

	api := f.newAPIClient(cfg)

	queue, err := f.newQueue(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = queue.Close() }()

	sess := session.New(api, queue, workspace, cfg.StageBox.Operator).
		WithPageLimit(cfg.StageBox.PageLimit).
		WithDebounce(debounce).
		WithStatusFunc(func(msg string) {
			slog.Info("station status", "station", cfg.StageBox.StationID, "msg", msg)
		})
	_ = sess.Start(ctx)

	fl := flusher.New(queue, api).
		WithInterval(flushInterval).
		WithAfterFlush(func(ctx context.Context, ws string, flushed int) {
			if err := sess.ReloadIfActive(ctx, ws); err != nil {
				slog.Warn("reload after flush failed", "workspace", ws, "error", err.Error())
			}
		})
	go func() { _ = fl.Run(ctx) }()

	watcher := connwatch.New(func(ctx context.Context) error {
		_, err := api.Count(ctx, sess.Workspace())
		return err
	}, func(online bool) {
		sess.HandleConnectivityChange(online)
		if online {
			// связь вернулась: дренируем очередь сразу, не ждём тикера
			fl.Trigger()
		}
	}).WithInterval(probeInterval)
	go func() { _ = watcher.Run(ctx) }()

	if consumer := f.newConsumer(cfg); consumer != nil {
		defer func() { _ = consumer.Close() }()
		go func() {
			err := consumer.ConsumeRecordEvents(ctx, func(ev messages.RecordEvent) error {
				sess.HandleRemoteEvent(ev)
				return nil
			})
			if err != nil && ctx.Err() == nil {
				slog.Warn("record events consumer stopped", "error", err.Error())
			}
		}()
	}

	// первый дренаж сразу на старте: в очереди могло остаться с прошлого запуска
	fl.Trigger()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runAgentHTTPServer(ctx, agentHTTPOpts{
			httpAddr: httpAddr,
			onListen: onListen,
			sess:     sess,
			flusher:  fl,
		})
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-httpErr:
		return err
	}
}
