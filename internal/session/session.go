// Package session — оркестровка приёмки: разбор QR, проверка на дубликат,
// решение оператора, отправка на сервер с откатом в локальную очередь.
// Состояния: Idle -> Captured -> {Confirmed | Discarded | DuplicateHeld},
// DuplicateHeld -> {Discarded | Captured (override)}.
//
// Все операции сериализованы одним мьютексом: "конкурентность" здесь — это
// перемежающиеся колбэки (UI, сеть, realtime), а не параллелизм. Ответ
// удалённой проверки не может примениться к уже отменённой кандидатуре,
// потому что смена кандидатуры и проверка не перемежаются.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RailScan/StageBox/internal/dedup"
	"github.com/RailScan/StageBox/internal/integrations/stageapi"
	"github.com/RailScan/StageBox/internal/localqueue"
	"github.com/RailScan/StageBox/internal/models"
	"github.com/RailScan/StageBox/internal/qrparse"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type State int

const (
	StateIdle State = iota
	StateCaptured
	StateDuplicateHeld
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCaptured:
		return "captured"
	case StateDuplicateHeld:
		return "duplicate_held"
	default:
		return "unknown"
	}
}

// Queue — то, что сессии нужно от долговечной локальной очереди.
type Queue interface {
	Enqueue(workspace string, in models.RecordInput) (uint64, error)
	ListAll(workspace string) ([]localqueue.QueuedItem, error)
	RemoveMany(workspace string, ids []uint64) error
}

// PendingCandidate — единственная кандидатура на рассмотрении оператора.
type PendingCandidate struct {
	Input    models.RecordInput     `json:"input"`
	Matches  []*models.StagedRecord `json:"matches,omitempty"`
	Override bool                   `json:"override,omitempty"`
}

// workspaceContext владеет состоянием активного workspace. При переключении
// контекст создаётся заново: список перечитывается с сервера, импортированный
// набор серийников сбрасывается.
type workspaceContext struct {
	ws       string
	det      *dedup.Detector
	list     []*models.StagedRecord
	total    int
	queueIDs map[string]uint64 // tempID -> id в локальной очереди
}

type Session struct {
	mu sync.Mutex

	api   stageapi.Client
	queue Queue

	wsctx   *workspaceContext
	state   State
	pending *PendingCandidate

	operator  string
	pageLimit int
	debounce  time.Duration
	now       func() time.Time

	online     bool
	lastStatus string
	statusFn   func(string)
}

func New(api stageapi.Client, queue Queue, workspace, operator string) *Session {
	s := &Session{
		api:       api,
		queue:     queue,
		operator:  operator,
		pageLimit: 50,
		debounce:  dedup.DefaultDebounceWindow,
		now:       time.Now,
		online:    true,
	}
	s.wsctx = s.newContext(workspace)
	return s
}

func (s *Session) WithPageLimit(n int) *Session {
	if n > 0 {
		s.pageLimit = n
	}
	return s
}

func (s *Session) WithDebounce(w time.Duration) *Session {
	if w > 0 {
		s.debounce = w
		s.wsctx.det.WithDebounce(w)
	}
	return s
}

func (s *Session) WithClock(now func() time.Time) *Session {
	if now != nil {
		s.now = now
		s.wsctx.det.WithClock(now)
	}
	return s
}

// WithStatusFunc задаёт приёмник информационных сообщений для оператора.
// Сообщения всегда справочные, они никогда не блокируют приёмку.
func (s *Session) WithStatusFunc(fn func(string)) *Session {
	s.statusFn = fn
	return s
}

func (s *Session) newContext(ws string) *workspaceContext {
	det := dedup.New(ws, s.api).WithDebounce(s.debounce)
	if s.now != nil {
		det.WithClock(s.now)
	}
	return &workspaceContext{ws: ws, det: det, queueIDs: map[string]uint64{}}
}

func (s *Session) status(msg string) {
	s.lastStatus = msg
	if s.statusFn != nil {
		s.statusFn(msg)
	}
}

// Start подгружает первую страницу активного workspace. Офлайн-старт не
// ошибка: станция продолжает работать через локальную очередь.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reloadLocked(ctx); err != nil {
		s.status("сервер недоступен, работаем офлайн")
		slog.Warn("initial page load failed", "workspace", s.wsctx.ws, "error", err.Error())
	}
	return nil
}

type CaptureResult struct {
	Suppressed bool                   `json:"suppressed,omitempty"`
	Busy       bool                   `json:"busy,omitempty"`
	NoSerial   bool                   `json:"noSerial,omitempty"`
	Duplicate  bool                   `json:"duplicate,omitempty"`
	Matches    []*models.StagedRecord `json:"matches,omitempty"`
	State      string                 `json:"state"`
}

// OnDetected — вход от декодера штрихкодов, по одному вызову на распознанный
// кадр. Камера шлёт пачки одинаковых кадров, пока оператор держит QR-код:
// дебаунс гасит всё, кроме первого.
func (s *Session) OnDetected(ctx context.Context, rawText string) CaptureResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wsctx.det.Debounce(rawText) {
		return CaptureResult{Suppressed: true, State: s.state.String()}
	}
	if s.state != StateIdle {
		return CaptureResult{Busy: true, State: s.state.String()}
	}

	cand := qrparse.Parse(rawText)
	if cand.Serial == "" {
		s.status("серийник не распознан, введите вручную")
		return CaptureResult{NoSerial: true, State: s.state.String()}
	}

	in := models.RecordInput{
		Serial:       cand.Serial,
		Workspace:    s.wsctx.ws,
		Operator:     s.operator,
		Grade:        cand.Grade,
		RailType:     cand.RailType,
		Spec:         cand.Spec,
		LengthMeters: cand.LengthMeters,
		RawQRText:    cand.Raw,
		CapturedAt:   s.now().UTC(),
	}
	return s.captureLocked(ctx, in)
}

// EnterManual — ручной ввод, когда QR нечитаем.
func (s *Session) EnterManual(ctx context.Context, in models.RecordInput) (CaptureResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return CaptureResult{Busy: true, State: s.state.String()}, nil
	}
	in.Serial = models.NormalizeSerial(in.Serial)
	if in.Serial == "" {
		return CaptureResult{}, errors.New("serial is required")
	}
	in.Workspace = s.wsctx.ws
	if in.Operator == "" {
		in.Operator = s.operator
	}
	if in.CapturedAt.IsZero() {
		in.CapturedAt = s.now().UTC()
	}
	if len(in.WagonRefs) > models.MaxWagonRefs {
		return CaptureResult{}, errors.New("too many wagon refs (max 3)")
	}
	return s.captureLocked(ctx, in), nil
}

func (s *Session) captureLocked(ctx context.Context, in models.RecordInput) CaptureResult {
	res := s.wsctx.det.Check(ctx, in.Serial)
	s.pending = &PendingCandidate{Input: in, Matches: res.Matches}
	if res.IsDup {
		// Решение за оператором, никакого автоответа и никакой отправки.
		s.state = StateDuplicateHeld
		return CaptureResult{Duplicate: true, Matches: res.Matches, State: s.state.String()}
	}
	s.state = StateCaptured
	return CaptureResult{State: s.state.String()}
}

// SetFields дозаполняет кандидатуру (вагоны, даты, направление) перед
// подтверждением.
func (s *Session) SetFields(upd models.RecordInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCaptured || s.pending == nil {
		return errors.New("no candidate under review")
	}
	if len(upd.WagonRefs) > models.MaxWagonRefs {
		return errors.New("too many wagon refs (max 3)")
	}
	in := &s.pending.Input
	if upd.Operator != "" {
		in.Operator = upd.Operator
	}
	if len(upd.WagonRefs) > 0 {
		in.WagonRefs = upd.WagonRefs
	}
	if upd.ReceivedAt != "" {
		in.ReceivedAt = upd.ReceivedAt
	}
	if upd.LoadedAt != "" {
		in.LoadedAt = upd.LoadedAt
	}
	if upd.Destination != "" {
		in.Destination = upd.Destination
	}
	if upd.Grade != "" {
		in.Grade = upd.Grade
	}
	if upd.RailType != "" {
		in.RailType = upd.RailType
	}
	if upd.Spec != "" {
		in.Spec = upd.Spec
	}
	if upd.LengthMeters != "" {
		in.LengthMeters = upd.LengthMeters
	}
	return nil
}

type ConfirmResult struct {
	Duplicate bool                   `json:"duplicate,omitempty"`
	Matches   []*models.StagedRecord `json:"matches,omitempty"`
	Queued    bool                   `json:"queued,omitempty"`
	Record    *models.StagedRecord   `json:"record,omitempty"`
	State     string                 `json:"state"`
}

// Confirm отправляет кандидатуру на сервер. Перед отправкой проверка на
// дубликат выполняется ещё раз: другая станция могла вставить тот же
// серийник, пока оператор думал. Явный override оператора пропускает и её.
// Недоступный сервер — не ошибка: запись уходит в локальную очередь и
// оптимистично встаёт в голову списка под временным идентификатором.
func (s *Session) Confirm(ctx context.Context) (ConfirmResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateCaptured || s.pending == nil {
		return ConfirmResult{}, errors.New("no candidate to confirm")
	}
	in := s.pending.Input

	if !s.pending.Override {
		if res := s.wsctx.det.Check(ctx, in.Serial); res.IsDup {
			s.state = StateDuplicateHeld
			s.pending.Matches = res.Matches
			return ConfirmResult{Duplicate: true, Matches: res.Matches, State: s.state.String()}, nil
		}
	}

	id, err := s.api.Submit(ctx, in)
	if err == nil {
		rec := recordFromInput(in)
		rec.ID = id
		rec.CreatedAt = s.now().UTC()
		s.insertHeadLocked(rec)
		s.wsctx.det.ImportKnown([]string{in.Serial})
		s.resetPendingLocked()
		s.status(fmt.Sprintf("принято: %s", in.Serial))
		return ConfirmResult{Record: rec, State: s.state.String()}, nil
	}

	// Отказ сети или сервера: скан не теряем никогда.
	qid, qerr := s.queue.Enqueue(s.wsctx.ws, in)
	if qerr != nil {
		// Единственный путь без отката: и сеть, и локальный диск отказали.
		slog.Error("enqueue after failed submit", "serial", in.Serial, "error", qerr.Error())
		return ConfirmResult{}, errors.Wrap(qerr, "enqueue fallback")
	}
	slog.Warn("submit failed, queued locally", "serial", in.Serial, "error", err.Error())

	rec := recordFromInput(in)
	rec.TempID = uuid.NewString()
	rec.Pending = true
	rec.CreatedAt = s.now().UTC()
	s.wsctx.queueIDs[rec.TempID] = qid
	s.insertHeadLocked(rec)
	s.resetPendingLocked()
	s.status(fmt.Sprintf("сервер недоступен, %s поставлен в очередь", in.Serial))
	return ConfirmResult{Queued: true, Record: rec, State: s.state.String()}, nil
}

// Discard сбрасывает кандидатуру без каких-либо следов.
func (s *Session) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle {
		return errors.New("nothing to discard")
	}
	s.resetPendingLocked()
	return nil
}

// ContinueDuplicate — явное решение оператора оставить дубликат: возврат в
// Captured с исходными полями, без повторной проверки.
func (s *Session) ContinueDuplicate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDuplicateHeld || s.pending == nil {
		return errors.New("no duplicate on hold")
	}
	s.pending.Override = true
	s.state = StateCaptured
	return nil
}

// Delete — явное действие оператора, единственное, что обязано падать
// громко: локальный список не должен молча разойтись с сервером.
func (s *Session) Delete(ctx context.Context, id uint64, tempID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tempID != "" {
		qid, ok := s.wsctx.queueIDs[tempID]
		if !ok {
			return errors.New("record not found")
		}
		if err := s.queue.RemoveMany(s.wsctx.ws, []uint64{qid}); err != nil {
			return err
		}
		delete(s.wsctx.queueIDs, tempID)
		s.removeLocked(func(r *models.StagedRecord) bool { return r.TempID == tempID })
		return nil
	}

	if err := s.api.Delete(ctx, s.wsctx.ws, id); err != nil {
		return errors.Wrap(err, "delete record")
	}
	s.removeLocked(func(r *models.StagedRecord) bool { return r.ID == id })
	return nil
}

// SwitchWorkspace заменяет контекст целиком: список перечитывается,
// импортированный набор серийников сбрасывается, очередь остаётся
// секционированной и нетронутой.
func (s *Session) SwitchWorkspace(ctx context.Context, ws string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !models.ValidWorkspace(ws) {
		return errors.New("workspace must be main or alt")
	}
	if ws == s.wsctx.ws {
		return nil
	}
	s.wsctx = s.newContext(ws)
	s.resetPendingLocked()
	if err := s.reloadLocked(ctx); err != nil {
		s.status("сервер недоступен, список пуст до синхронизации")
		slog.Warn("page load on workspace switch failed", "workspace", ws, "error", err.Error())
	}
	return nil
}

// ImportKnownSerials аддитивно расширяет набор исторических серийников
// активного workspace (источник — внешний импорт из таблицы).
func (s *Session) ImportKnownSerials(ws string, serials []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ws != s.wsctx.ws {
		return errors.New("workspace is not active")
	}
	s.wsctx.det.ImportKnown(serials)
	return nil
}

func (s *Session) resetPendingLocked() {
	s.pending = nil
	s.state = StateIdle
}

func recordFromInput(in models.RecordInput) *models.StagedRecord {
	return &models.StagedRecord{
		Serial:       models.NormalizeSerial(in.Serial),
		Workspace:    in.Workspace,
		Operator:     in.Operator,
		WagonRefs:    in.WagonRefs,
		ReceivedAt:   in.ReceivedAt,
		LoadedAt:     in.LoadedAt,
		Destination:  in.Destination,
		Grade:        in.Grade,
		RailType:     in.RailType,
		Spec:         in.Spec,
		LengthMeters: in.LengthMeters,
		RawQRText:    in.RawQRText,
		CapturedAt:   in.CapturedAt,
	}
}

// insertHeadLocked заменяет список новым слайсом (copy-on-write): читатели
// старого среза не увидят частичных мутаций.
func (s *Session) insertHeadLocked(rec *models.StagedRecord) {
	next := make([]*models.StagedRecord, 0, len(s.wsctx.list)+1)
	next = append(next, rec)
	next = append(next, s.wsctx.list...)
	s.wsctx.list = next
	s.wsctx.total++
	s.wsctx.det.Rebuild(next)
}

func (s *Session) removeLocked(match func(*models.StagedRecord) bool) bool {
	removed := false
	next := make([]*models.StagedRecord, 0, len(s.wsctx.list))
	for _, r := range s.wsctx.list {
		if !removed && match(r) {
			removed = true
			continue
		}
		next = append(next, r)
	}
	if removed {
		s.wsctx.list = next
		s.wsctx.total--
		s.wsctx.det.Rebuild(next)
	}
	return removed
}

func (s *Session) reloadLocked(ctx context.Context) error {
	page, err := s.api.Page(ctx, s.wsctx.ws, 0, s.pageLimit)
	if err != nil {
		return errors.Wrap(err, "load page")
	}
	s.wsctx.list = page.Rows
	s.wsctx.total = page.Total
	s.wsctx.queueIDs = map[string]uint64{}
	s.wsctx.det.Rebuild(page.Rows)
	return nil
}

// Accessors (для локального HTTP-интерфейса станции).

func (s *Session) Records() []*models.StagedRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wsctx.list
}

func (s *Session) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wsctx.total
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Pending() *PendingCandidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *Session) Workspace() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wsctx.ws
}

func (s *Session) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *Session) LastStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStatus
}
