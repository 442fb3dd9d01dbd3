// Package dedup решает, является ли серийник повторным для данного workspace.
// Источники проверяются по порядку с коротким замыканием: индекс текущего
// списка -> импортированный набор исторических серийников -> удалённая
// проверка существования. Сетевая ошибка удалённой проверки трактуется как
// "не дубликат" (fail-open).
package dedup

import (
	"context"
	"log/slog"
	"time"

	"github.com/RailScan/StageBox/internal/models"
)

// ExistenceChecker — удалённая проверка существования серийника,
// всегда в рамках конкретного workspace.
type ExistenceChecker interface {
	Existence(ctx context.Context, workspace, serial string) (bool, *models.StagedRecord, error)
}

type MatchResult struct {
	IsDup   bool
	Matches []*models.StagedRecord
}

const DefaultDebounceWindow = 1 * time.Second

type Detector struct {
	workspace string
	remote    ExistenceChecker

	index map[string][]*models.StagedRecord
	known map[string]struct{}

	debounce     time.Duration
	lastText     string
	lastTextAt   time.Time
	now          func() time.Time
}

func New(workspace string, remote ExistenceChecker) *Detector {
	return &Detector{
		workspace: workspace,
		remote:    remote,
		index:     map[string][]*models.StagedRecord{},
		known:     map[string]struct{}{},
		debounce:  DefaultDebounceWindow,
		now:       time.Now,
	}
}

func (d *Detector) WithDebounce(w time.Duration) *Detector {
	if w > 0 {
		d.debounce = w
	}
	return d
}

// WithClock подменяет источник времени (для тестов дебаунса).
func (d *Detector) WithClock(now func() time.Time) *Detector {
	if now != nil {
		d.now = now
	}
	return d
}

// Debounce гасит повторные срабатывания камеры: одинаковый текст внутри
// окна не порождает ни новой кандидатуры, ни повторного предупреждения.
// Возвращает true, если срабатывание надо подавить.
func (d *Detector) Debounce(rawText string) bool {
	now := d.now()
	if rawText == d.lastText && now.Sub(d.lastTextAt) < d.debounce {
		d.lastTextAt = now
		return true
	}
	d.lastText = rawText
	d.lastTextAt = now
	return false
}

// Rebuild перестраивает индекс серийников из текущего списка записей.
// Вызывается при каждой замене списка (copy-on-write).
func (d *Detector) Rebuild(records []*models.StagedRecord) {
	idx := make(map[string][]*models.StagedRecord, len(records))
	for _, r := range records {
		k := models.NormalizeSerial(r.Serial)
		idx[k] = append(idx[k], r)
	}
	d.index = idx
}

// ImportKnown аддитивно расширяет набор исторических серийников.
func (d *Detector) ImportKnown(serials []string) {
	for _, s := range serials {
		k := models.NormalizeSerial(s)
		if k != "" {
			d.known[k] = struct{}{}
		}
	}
}

func (d *Detector) ResetKnown() {
	d.known = map[string]struct{}{}
}

func (d *Detector) KnownCount() int {
	return len(d.known)
}

// Check выполняет проверку на дубликат. Никогда не блокирует оператора:
// недоступность сервера означает "не дубликат", ложный пропуск позже
// закроет realtime-слушатель или ручная сверка.
func (d *Detector) Check(ctx context.Context, serial string) MatchResult {
	k := models.NormalizeSerial(serial)
	if k == "" {
		return MatchResult{}
	}

	if matches, ok := d.index[k]; ok && len(matches) > 0 {
		return MatchResult{IsDup: true, Matches: matches}
	}

	if _, ok := d.known[k]; ok {
		return MatchResult{IsDup: true}
	}

	if d.remote == nil {
		return MatchResult{}
	}
	exists, row, err := d.remote.Existence(ctx, d.workspace, k)
	if err != nil {
		slog.Warn("existence check failed, fail-open", "workspace", d.workspace, "serial", k, "error", err.Error())
		return MatchResult{}
	}
	if !exists {
		return MatchResult{}
	}
	res := MatchResult{IsDup: true}
	if row != nil {
		res.Matches = []*models.StagedRecord{row}
	}
	return res
}
