package stagingapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/RailScan/StageBox/internal/models"
	"github.com/RailScan/StageBox/internal/services/staging"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// repo держит записи в памяти, по воркспейсам, новые в начале.
type repo struct {
	rows   map[string][]*models.StagedRecord
	nextID uint64
}

func newRepo() *repo {
	return &repo{rows: map[string][]*models.StagedRecord{}, nextID: 1}
}

func (r *repo) InsertRecord(ctx context.Context, in models.RecordInput) (*models.StagedRecord, error) {
	recs, err := r.BulkInsertRecords(ctx, in.Workspace, []models.RecordInput{in})
	if err != nil {
		return nil, err
	}
	return recs[0], nil
}
func (r *repo) BulkInsertRecords(ctx context.Context, workspace string, items []models.RecordInput) ([]*models.StagedRecord, error) {
	out := make([]*models.StagedRecord, 0, len(items))
	for _, it := range items {
		rec := &models.StagedRecord{
			ID:        r.nextID,
			Serial:    models.NormalizeSerial(it.Serial),
			Workspace: workspace,
			CreatedAt: time.Now().UTC(),
		}
		r.nextID++
		r.rows[workspace] = append([]*models.StagedRecord{rec}, r.rows[workspace]...)
		out = append(out, rec)
	}
	return out, nil
}
func (r *repo) DeleteRecord(ctx context.Context, workspace string, id uint64) (bool, error) {
	rows := r.rows[workspace]
	for i, rec := range rows {
		if rec.ID == id {
			r.rows[workspace] = append(rows[:i:i], rows[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}
func (r *repo) ClearWorkspace(ctx context.Context, workspace string) (int64, error) {
	n := int64(len(r.rows[workspace]))
	r.rows[workspace] = nil
	return n, nil
}
func (r *repo) PageRecords(ctx context.Context, workspace string, cursor uint64, limit int) ([]*models.StagedRecord, uint64, error) {
	var out []*models.StagedRecord
	for _, rec := range r.rows[workspace] {
		if cursor > 0 && rec.ID >= cursor {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			return out, rec.ID, nil
		}
	}
	return out, 0, nil
}
func (r *repo) CountRecords(ctx context.Context, workspace string) (int, error) {
	return len(r.rows[workspace]), nil
}
func (r *repo) FindBySerial(ctx context.Context, workspace, serial string) (*models.StagedRecord, error) {
	want := models.NormalizeSerial(serial)
	for _, rec := range r.rows[workspace] {
		if rec.Serial == want {
			return rec, nil
		}
	}
	return nil, nil
}

type fakeLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (l *fakeLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	l.keys = append(l.keys, key)
	return l.allow, limit + 1, l.err
}

func newServer(t *testing.T, r *repo) *httptest.Server {
	t.Helper()
	api := New(staging.New(r, nil, 0))
	srv := httptest.NewServer(api.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestAPI_SubmitExistencePage(t *testing.T) {
	srv := newServer(t, newRepo())

	resp := postJSON(t, srv.URL+"/v1/records", models.RecordInput{
		Serial: "railco123456789", Workspace: models.WorkspaceMain, CapturedAt: time.Now().UTC(),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[submitResp](t, resp)
	require.NotZero(t, created.ID)

	resp, err := http.Get(srv.URL + "/v1/records/existence?workspace=main&serial=RAILCO123456789")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ex := decode[existenceResp](t, resp)
	require.True(t, ex.Exists)
	require.Equal(t, created.ID, ex.Row.ID)

	// другой воркспейс записи не видит
	resp, err = http.Get(srv.URL + "/v1/records/existence?workspace=alt&serial=RAILCO123456789")
	require.NoError(t, err)
	ex = decode[existenceResp](t, resp)
	require.False(t, ex.Exists)
	require.Nil(t, ex.Row)

	resp, err = http.Get(srv.URL + "/v1/records?workspace=main")
	require.NoError(t, err)
	page := decode[pageResp](t, resp)
	require.Len(t, page.Rows, 1)
	require.Equal(t, 1, page.Total)
	require.Zero(t, page.NextCursor)
}

func TestAPI_SubmitRejectsInvalid(t *testing.T) {
	srv := newServer(t, newRepo())

	resp := postJSON(t, srv.URL+"/v1/records", models.RecordInput{Serial: "", Workspace: "main"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	e := decode[errResp](t, resp)
	require.NotEmpty(t, e.Error)

	resp = postJSON(t, srv.URL+"/v1/records", models.RecordInput{Serial: "X123", Workspace: "nope"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestAPI_BulkSubmit(t *testing.T) {
	srv := newServer(t, newRepo())

	at := time.Now().UTC()
	resp := postJSON(t, srv.URL+"/v1/records/bulk", bulkSubmitReq{
		Workspace: models.WorkspaceMain,
		Items: []models.RecordInput{
			{Serial: "RAILCO000000001", CapturedAt: at},
			{Serial: "RAILCO000000002", CapturedAt: at},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	out := decode[bulkSubmitResp](t, resp)
	require.Len(t, out.Records, 2)

	resp, err := http.Get(srv.URL + "/v1/records/count?workspace=main")
	require.NoError(t, err)
	require.Equal(t, 2, decode[countResp](t, resp).Count)
}

func TestAPI_DeleteAndClear(t *testing.T) {
	r := newRepo()
	srv := newServer(t, r)

	resp := postJSON(t, srv.URL+"/v1/records", models.RecordInput{
		Serial: "RAILCO000000001", Workspace: models.WorkspaceMain, CapturedAt: time.Now().UTC(),
	})
	created := decode[submitResp](t, resp)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/records/999?workspace=main", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	req, err = http.NewRequest(http.MethodDelete, srv.URL+"/v1/records/1?workspace=main", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()
	require.NotZero(t, created.ID)

	postJSON(t, srv.URL+"/v1/records", models.RecordInput{
		Serial: "RAILCO000000002", Workspace: models.WorkspaceMain, CapturedAt: time.Now().UTC(),
	})
	resp = postJSON(t, srv.URL+"/v1/workspaces/main/clear", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 1, decode[clearResp](t, resp).Removed)
}

func TestAPI_ExistenceRateLimit(t *testing.T) {
	r := newRepo()
	lim := &fakeLimiter{allow: false}
	api := New(staging.New(r, nil, 0)).WithRateLimiter(lim, 30)
	srv := httptest.NewServer(api.Routes())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/v1/records/existence?workspace=main&serial=RAILCO000000001")
	require.NoError(t, err)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	_ = resp.Body.Close()
	require.Len(t, lim.keys, 1)

	// лимитер сломан: проверку пропускаем, а не валим запрос
	lim.err = errors.New("redis down")
	resp, err = http.Get(srv.URL + "/v1/records/existence?workspace=main&serial=RAILCO000000001")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
}
