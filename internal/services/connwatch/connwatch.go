// Package connwatch периодически пробует дотянуться до stage-api и
// сообщает о смене состояния связи. Сам по себе ничего не блокирует:
// станция одинаково принимает сканы что онлайн, что офлайн.
package connwatch

import (
	"context"
	"log/slog"
	"time"
)

// Probe возвращает nil, если сервер отвечает.
type Probe func(ctx context.Context) error

type Watcher struct {
	probe    Probe
	interval time.Duration
	timeout  time.Duration

	online   bool
	onChange func(online bool)
}

func New(probe Probe, onChange func(online bool)) *Watcher {
	return &Watcher{
		probe:    probe,
		interval: 10 * time.Second,
		timeout:  3 * time.Second,
		online:   true,
		onChange: onChange,
	}
}

func (w *Watcher) WithInterval(d time.Duration) *Watcher {
	if d > 0 {
		w.interval = d
	}
	return w
}

func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			w.checkOnce(ctx)
		}
	}
}

func (w *Watcher) checkOnce(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	online := w.probe(pctx) == nil
	if online == w.online {
		return
	}
	w.online = online
	slog.Info("connectivity changed", "online", online)
	if w.onChange != nil {
		w.onChange(online)
	}
}
