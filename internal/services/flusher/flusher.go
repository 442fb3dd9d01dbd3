// Package flusher дренирует долговечную локальную очередь: пачка уходит на
// сервер одним bulk-запросом, из очереди удаляются ровно отправленные id.
// Неудача оставляет очередь нетронутой — повторная отправка уже принятой
// пачки допустима, дубликаты позже всплывут у детектора.
package flusher

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RailScan/StageBox/internal/localqueue"
	"github.com/RailScan/StageBox/internal/models"
	"github.com/pkg/errors"
)

type Queue interface {
	ListAll(workspace string) ([]localqueue.QueuedItem, error)
	RemoveMany(workspace string, ids []uint64) error
}

type Submitter interface {
	BulkSubmit(ctx context.Context, workspace string, items []models.RecordInput) error
}

type Flusher struct {
	queue Queue
	api   Submitter

	workspaces []string
	interval   time.Duration

	// afterFlush зовётся после успешного дренажа workspace (сессия
	// перечитывает первую страницу и меняет временные id на долговечные).
	afterFlush func(ctx context.Context, workspace string, flushed int)

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalFlushed        atomic.Int64
	totalErrors         atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(queue Queue, api Submitter) *Flusher {
	return &Flusher{
		queue:             queue,
		api:               api,
		workspaces:        []string{models.WorkspaceMain, models.WorkspaceAlt},
		interval:          30 * time.Second,
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (f *Flusher) WithInterval(d time.Duration) *Flusher {
	if d > 0 {
		f.interval = d
	}
	return f
}

func (f *Flusher) WithAfterFlush(fn func(ctx context.Context, workspace string, flushed int)) *Flusher {
	f.afterFlush = fn
	return f
}

// Trigger форсирует немедленный цикл (best-effort, неблокирующий).
// Зовётся при восстановлении связи и на старте сессии.
func (f *Flusher) Trigger() {
	f.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case f.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt     time.Time  `json:"startedAt"`
	LastCycleAt   *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt *time.Time `json:"lastTriggerAt,omitempty"`
	TotalFlushed  int64      `json:"totalFlushed"`
	TotalErrors   int64      `json:"totalErrors"`
	LastError     string     `json:"lastError,omitempty"`
}

func (f *Flusher) Stats() Stats {
	st := Stats{
		StartedAt:    time.Unix(0, f.startedAtUnixNano).UTC(),
		TotalFlushed: f.totalFlushed.Load(),
		TotalErrors:  f.totalErrors.Load(),
	}
	if n := f.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := f.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	f.lastErrorMu.Lock()
	st.LastError = f.lastError
	f.lastErrorMu.Unlock()
	return st
}

func (f *Flusher) Run(ctx context.Context) error {
	t := time.NewTicker(f.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			f.runOnce(ctx)
		case <-f.triggerCh:
			f.runOnce(ctx)
		}
	}
}

func (f *Flusher) runOnce(ctx context.Context) {
	f.lastCycleUnixNano.Store(time.Now().UTC().UnixNano())
	for _, ws := range f.workspaces {
		n, err := f.FlushWorkspace(ctx, ws)
		if err != nil {
			// Не фатально: элементы остаются в очереди до следующего цикла.
			f.totalErrors.Add(1)
			f.lastErrorMu.Lock()
			f.lastError = err.Error()
			f.lastErrorMu.Unlock()
			slog.Warn("flush failed", "workspace", ws, "error", err.Error())
			continue
		}
		if n > 0 {
			slog.Info("flushed queued records", "workspace", ws, "count", n)
		}
	}
}

// FlushWorkspace отправляет всё накопленное по одному workspace. Удаляются
// только id, прочитанные до отправки: элемент, поставленный в очередь во
// время сетевого раунд-трипа, доживёт до следующего цикла.
func (f *Flusher) FlushWorkspace(ctx context.Context, workspace string) (int, error) {
	items, err := f.queue.ListAll(workspace)
	if err != nil {
		return 0, errors.Wrap(err, "list queue")
	}
	if len(items) == 0 {
		return 0, nil
	}

	inputs := make([]models.RecordInput, 0, len(items))
	ids := make([]uint64, 0, len(items))
	for _, it := range items {
		in, err := it.Decode()
		if err != nil {
			return 0, errors.Wrap(err, "decode queued item")
		}
		inputs = append(inputs, in)
		ids = append(ids, it.ID)
	}

	if err := f.api.BulkSubmit(ctx, workspace, inputs); err != nil {
		return 0, errors.Wrap(err, "bulk submit")
	}

	if err := f.queue.RemoveMany(workspace, ids); err != nil {
		return 0, errors.Wrap(err, "remove flushed items")
	}

	f.totalFlushed.Add(int64(len(ids)))
	if f.afterFlush != nil {
		f.afterFlush(ctx, workspace, len(ids))
	}
	return len(ids), nil
}
