package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/RailScan/StageBox/internal/api/stagingapi"
	"github.com/RailScan/StageBox/internal/api/wshub"
	"github.com/RailScan/StageBox/internal/broker/messages"
	"github.com/RailScan/StageBox/internal/models"
	"github.com/RailScan/StageBox/internal/services/staging"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	nextID uint64
	rows   map[string][]*models.StagedRecord
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{nextID: 1, rows: map[string][]*models.StagedRecord{}}
}

func (r *fakeRepo) InsertRecord(ctx context.Context, in models.RecordInput) (*models.StagedRecord, error) {
	recs, err := r.BulkInsertRecords(ctx, in.Workspace, []models.RecordInput{in})
	if err != nil {
		return nil, err
	}
	return recs[0], nil
}
func (r *fakeRepo) BulkInsertRecords(ctx context.Context, workspace string, items []models.RecordInput) ([]*models.StagedRecord, error) {
	out := make([]*models.StagedRecord, 0, len(items))
	for _, it := range items {
		rec := &models.StagedRecord{ID: r.nextID, Serial: models.NormalizeSerial(it.Serial), Workspace: workspace}
		r.nextID++
		r.rows[workspace] = append([]*models.StagedRecord{rec}, r.rows[workspace]...)
		out = append(out, rec)
	}
	return out, nil
}
func (r *fakeRepo) DeleteRecord(ctx context.Context, workspace string, id uint64) (bool, error) {
	return true, nil
}
func (r *fakeRepo) ClearWorkspace(ctx context.Context, workspace string) (int64, error) {
	n := int64(len(r.rows[workspace]))
	r.rows[workspace] = nil
	return n, nil
}
func (r *fakeRepo) PageRecords(ctx context.Context, workspace string, cursor uint64, limit int) ([]*models.StagedRecord, uint64, error) {
	return r.rows[workspace], 0, nil
}
func (r *fakeRepo) CountRecords(ctx context.Context, workspace string) (int, error) {
	return len(r.rows[workspace]), nil
}
func (r *fakeRepo) FindBySerial(ctx context.Context, workspace, serial string) (*models.StagedRecord, error) {
	for _, rec := range r.rows[workspace] {
		if rec.Serial == models.NormalizeSerial(serial) {
			return rec, nil
		}
	}
	return nil, nil
}

func TestRunStageAPI_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	sw := filepath.Join(dir, "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))

	hub := wshub.New()
	svc := staging.New(newFakeRepo(), nil, 0).
		WithProducer(hubProducer{hub: hub}, "record.events")
	api := stagingapi.New(svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan string, 1)
	opts := stageAPIOpts{
		httpAddr:    "127.0.0.1:0",
		swaggerPath: sw,
		onListen:    func(addr string) { addrCh <- addr },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- runStageAPI(ctx, opts, api, hub) }()

	addr := <-addrCh

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = http.Get("http://" + addr + "/swagger.json")
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	_ = resp.Body.Close()

	// станция подписывается на realtime-события своего воркспейса
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws?workspace=main", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, hub.ClientCount())

	in := models.RecordInput{Serial: "RAILCO123456789", Workspace: models.WorkspaceMain, CapturedAt: time.Now().UTC()}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	resp, err = http.Post("http://"+addr+"/v1/records", "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	var ev messages.RecordEvent
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, messages.EventRecordCreated, ev.Kind)
	require.Equal(t, "RAILCO123456789", ev.Record.Serial)

	cancel()
	select {
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting server to stop")
	case <-errCh:
	}
}

func TestRunStageAPI_RequiresSwagger(t *testing.T) {
	hub := wshub.New()
	api := stagingapi.New(staging.New(newFakeRepo(), nil, 0))

	err := runStageAPI(context.Background(), stageAPIOpts{httpAddr: "127.0.0.1:0"}, api, hub)
	require.Error(t, err)

	err = runStageAPI(context.Background(), stageAPIOpts{
		httpAddr:    "127.0.0.1:0",
		swaggerPath: filepath.Join(t.TempDir(), "missing.json"),
	}, api, hub)
	require.Error(t, err)
}
