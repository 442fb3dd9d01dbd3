package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/RailScan/StageBox/internal/api/stagingapi"
	"github.com/RailScan/StageBox/internal/api/wshub"
	"github.com/RailScan/StageBox/internal/broker/messages"
	"github.com/RailScan/StageBox/internal/services/staging"
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
)

type stageAPIOpts struct {
	httpAddr    string
	swaggerPath string

	onListen func(httpAddr string)
}

// hubProducer дублирует каждое опубликованное событие в WebSocket-хаб.
// Kafka — для межсервисной доставки, хаб — для браузерных станций.
type hubProducer struct {
	hub *wshub.Hub
}

func (p hubProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	var ev messages.RecordEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return err
	}
	p.hub.Broadcast(ev)
	return nil
}

type fanoutProducer struct {
	targets []staging.Producer
}

func (p fanoutProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	var firstErr error
	for _, t := range p.targets {
		if err := t.Publish(ctx, topic, key, value); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func runStageAPI(ctx context.Context, opts stageAPIOpts, api *stagingapi.StagingAPI, hub *wshub.Hub) error {
	if opts.swaggerPath == "" {
		return fmt.Errorf("swaggerPath env var is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return fmt.Errorf("swagger file not found: %s", opts.swaggerPath)
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Get("/ws", hub.Handler())

	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		http.ServeFile(w, r, opts.swaggerPath)
	})
	r.Get("/docs/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger.json"),
	))

	r.Mount("/", api.Routes())

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		hub.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	slog.Info("stage-api listening", "addr", lis.Addr().String())
	return srv.Serve(lis)
}
