package session

import (
	"context"
	"testing"
	"time"

	"github.com/RailScan/StageBox/internal/broker/messages"
	"github.com/RailScan/StageBox/internal/integrations/stageapi"
	"github.com/RailScan/StageBox/internal/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var errTest = errors.New("stage-api down")

func createdEvent(id uint64, serial, ws string) messages.RecordEvent {
	return messages.RecordEvent{
		Kind:      messages.EventRecordCreated,
		Workspace: ws,
		Record:    &models.StagedRecord{ID: id, Serial: serial, Workspace: ws},
	}
}

func TestHandleRemoteEvent_createdIdempotent(t *testing.T) {
	s := newSession(newFakeAPI(), newFakeQueue())

	ev := createdEvent(1, "S123456789012", models.WorkspaceMain)
	s.HandleRemoteEvent(ev)
	s.HandleRemoteEvent(ev) // at-least-once доставка

	require.Equal(t, 1, s.Total())
	require.Len(t, s.Records(), 1)
}

func TestHandleRemoteEvent_createdDedupBySerial(t *testing.T) {
	// эхо собственной оптимистичной вставки: другой id, тот же серийник
	api := newFakeAPI()
	api.submitErr = errTest
	s := newSession(api, newFakeQueue())

	s.OnDetected(context.Background(), rawFull)
	_, err := s.Confirm(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, s.Total())

	s.HandleRemoteEvent(createdEvent(77, "railco123456789", models.WorkspaceMain))
	require.Equal(t, 1, s.Total())
}

func TestHandleRemoteEvent_foreignWorkspaceIgnored(t *testing.T) {
	s := newSession(newFakeAPI(), newFakeQueue())
	s.HandleRemoteEvent(createdEvent(1, "S123456789012", models.WorkspaceAlt))
	require.Zero(t, s.Total())
}

func TestHandleRemoteEvent_deleted(t *testing.T) {
	s := newSession(newFakeAPI(), newFakeQueue())
	s.HandleRemoteEvent(createdEvent(1, "S123456789012", models.WorkspaceMain))
	s.HandleRemoteEvent(createdEvent(2, "X123456789012", models.WorkspaceMain))

	s.HandleRemoteEvent(messages.RecordEvent{
		Kind: messages.EventRecordDeleted, Workspace: models.WorkspaceMain, ID: 1,
	})
	require.Equal(t, 1, s.Total())

	// повтор того же удаления ничего не меняет
	s.HandleRemoteEvent(messages.RecordEvent{
		Kind: messages.EventRecordDeleted, Workspace: models.WorkspaceMain, ID: 1,
	})
	require.Equal(t, 1, s.Total())
}

func TestHandleRemoteEvent_workspaceCleared(t *testing.T) {
	s := newSession(newFakeAPI(), newFakeQueue())
	s.HandleRemoteEvent(createdEvent(1, "S123456789012", models.WorkspaceMain))

	s.HandleRemoteEvent(messages.RecordEvent{
		Kind: messages.EventWorkspaceCleared, Workspace: models.WorkspaceMain,
	})
	require.Zero(t, s.Total())
	require.Empty(t, s.Records())

	// после очистки серийник снова не дубликат
	res := s.OnDetected(context.Background(), "S123456789012")
	require.False(t, res.Duplicate)
}

func TestHandleConnectivityChange(t *testing.T) {
	var statuses []string
	s := newSession(newFakeAPI(), newFakeQueue()).WithStatusFunc(func(m string) {
		statuses = append(statuses, m)
	})

	s.HandleConnectivityChange(true) // уже online, без сообщения
	require.Empty(t, statuses)

	s.HandleConnectivityChange(false)
	require.False(t, s.Online())
	s.HandleConnectivityChange(true)
	require.True(t, s.Online())
	require.Len(t, statuses, 2)
}

func TestReloadIfActive(t *testing.T) {
	api := newFakeAPI()
	s := newSession(api, newFakeQueue())

	api.page = stageapi.Page{
		Rows: []*models.StagedRecord{
			{ID: 2, Serial: "B123456789012", Workspace: models.WorkspaceMain, CreatedAt: time.Now().UTC()},
			{ID: 1, Serial: "A123456789012", Workspace: models.WorkspaceMain, CreatedAt: time.Now().UTC()},
		},
		Total: 2,
	}

	// неактивный workspace — no-op
	require.NoError(t, s.ReloadIfActive(context.Background(), models.WorkspaceAlt))
	require.Zero(t, s.Total())

	require.NoError(t, s.ReloadIfActive(context.Background(), models.WorkspaceMain))
	require.Equal(t, 2, s.Total())
	require.Equal(t, uint64(2), s.Records()[0].ID)
}
