package wshub

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/RailScan/StageBox/internal/broker/messages"
	"github.com/RailScan/StageBox/internal/models"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srv *httptest.Server, workspace string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if workspace != "" {
		u += "?workspace=" + workspace
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.ClientCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, want, h.ClientCount())
}

func TestHub_BroadcastFiltersByWorkspace(t *testing.T) {
	h := New()
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(h.CloseAll)

	mainConn := dial(t, srv, models.WorkspaceMain)
	altConn := dial(t, srv, models.WorkspaceAlt)
	allConn := dial(t, srv, "")
	waitClients(t, h, 3)

	ev := messages.RecordEvent{
		Kind:      messages.EventRecordCreated,
		Workspace: models.WorkspaceMain,
		Record:    &models.StagedRecord{ID: 1, Serial: "RAILCO123456789"},
	}
	h.Broadcast(ev)

	var got messages.RecordEvent
	require.NoError(t, mainConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, mainConn.ReadJSON(&got))
	require.Equal(t, messages.EventRecordCreated, got.Kind)
	require.Equal(t, uint64(1), got.Record.ID)

	// подписчик без фильтра получает всё
	require.NoError(t, allConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, allConn.ReadJSON(&got))
	require.Equal(t, models.WorkspaceMain, got.Workspace)

	// чужой воркспейс молчит
	require.NoError(t, altConn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	require.Error(t, altConn.ReadJSON(&got))
}

func TestHub_RejectsUnknownWorkspace(t *testing.T) {
	h := New()
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?workspace=other"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, 400, resp.StatusCode)
}

func TestHub_DropsDisconnectedClients(t *testing.T) {
	h := New()
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(h.CloseAll)

	conn := dial(t, srv, models.WorkspaceMain)
	waitClients(t, h, 1)

	require.NoError(t, conn.Close())
	waitClients(t, h, 0)
}
