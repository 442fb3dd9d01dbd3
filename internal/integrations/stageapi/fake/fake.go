package fake

import (
	"context"
	"sync"
	"time"

	"github.com/RailScan/StageBox/internal/integrations/stageapi"
	"github.com/RailScan/StageBox/internal/models"
	"github.com/pkg/errors"
)

// FakeClient — in-memory замена stage-api для автономной работы станции
// и тестов. Порядок страниц — новые сверху, как у настоящего сервера.
type FakeClient struct {
	mu     sync.Mutex
	nextID uint64
	rows   map[string][]*models.StagedRecord // по workspace, новые в голове

	// FailSubmits включает имитацию недоступной сети.
	FailSubmits bool
}

func New() *FakeClient {
	return &FakeClient{
		nextID: 1,
		rows:   map[string][]*models.StagedRecord{},
	}
}

var _ stageapi.Client = (*FakeClient)(nil)

var errUnavailable = errors.New("stage-api unavailable")

func (f *FakeClient) Existence(ctx context.Context, workspace, serial string) (bool, *models.StagedRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := models.NormalizeSerial(serial)
	for _, r := range f.rows[workspace] {
		if models.NormalizeSerial(r.Serial) == k {
			return true, r, nil
		}
	}
	return false, nil, nil
}

func (f *FakeClient) Submit(ctx context.Context, in models.RecordInput) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailSubmits {
		return 0, errUnavailable
	}
	return f.insert(in), nil
}

func (f *FakeClient) BulkSubmit(ctx context.Context, workspace string, items []models.RecordInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailSubmits {
		return errUnavailable
	}
	for _, in := range items {
		in.Workspace = workspace
		f.insert(in)
	}
	return nil
}

func (f *FakeClient) insert(in models.RecordInput) uint64 {
	id := f.nextID
	f.nextID++
	rec := &models.StagedRecord{
		ID:           id,
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
		CreatedAt:    time.Now().UTC(),
	}
	f.rows[in.Workspace] = append([]*models.StagedRecord{rec}, f.rows[in.Workspace]...)
	return id
}

func (f *FakeClient) Page(ctx context.Context, workspace string, cursor uint64, limit int) (stageapi.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	all := f.rows[workspace]

	start := 0
	if cursor > 0 {
		for i, r := range all {
			if r.ID < cursor {
				start = i
				break
			}
			start = len(all)
		}
	}

	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	page := stageapi.Page{Rows: append([]*models.StagedRecord{}, all[start:end]...), Total: len(all)}
	if end < len(all) {
		page.NextCursor = all[end-1].ID
	}
	return page, nil
}

func (f *FakeClient) Count(ctx context.Context, workspace string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows[workspace]), nil
}

func (f *FakeClient) Delete(ctx context.Context, workspace string, id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.rows[workspace]
	for i, r := range all {
		if r.ID == id {
			f.rows[workspace] = append(append([]*models.StagedRecord{}, all[:i]...), all[i+1:]...)
			return nil
		}
	}
	return errors.New("record not found")
}
