package session

import (
	"context"
	"log/slog"

	"github.com/RailScan/StageBox/internal/broker/messages"
	"github.com/RailScan/StageBox/internal/models"
)

// HandleRemoteEvent — вход для транспортного адаптера (kafka, websocket —
// сессии всё равно). Доставка как минимум однократная, поэтому слияние
// идемпотентно: повтор того же события ничего не меняет.
func (s *Session) HandleRemoteEvent(ev messages.RecordEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Workspace != s.wsctx.ws {
		return
	}

	switch ev.Kind {
	case messages.EventRecordCreated:
		if ev.Record == nil {
			return
		}
		// Эхо собственной вставки приходит с тем же id либо с тем же
		// серийником, что и оптимистичная локальная запись — пропускаем.
		k := models.NormalizeSerial(ev.Record.Serial)
		for _, r := range s.wsctx.list {
			if (ev.Record.ID != 0 && r.ID == ev.Record.ID) || models.NormalizeSerial(r.Serial) == k {
				return
			}
		}
		s.insertHeadLocked(ev.Record)

	case messages.EventRecordDeleted:
		s.removeLocked(func(r *models.StagedRecord) bool { return r.ID == ev.ID })

	case messages.EventWorkspaceCleared:
		s.wsctx.list = nil
		s.wsctx.total = 0
		s.wsctx.det.Rebuild(nil)

	default:
		slog.Debug("unknown record event", "kind", ev.Kind)
	}
}

// HandleConnectivityChange отражает состояние связи как справочный текст.
// Приёмка продолжает работать в любом состоянии; flush дёргает connwatch.
func (s *Session) HandleConnectivityChange(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == online {
		return
	}
	s.online = online
	if online {
		s.status("связь с сервером восстановлена")
	} else {
		s.status("нет связи с сервером, сканы копятся локально")
	}
}

// ReloadIfActive перечитывает первую страницу после успешного flush:
// временные записи сменяются серверными с долговечными id, счётчик не
// задваивается.
func (s *Session) ReloadIfActive(ctx context.Context, ws string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ws != s.wsctx.ws {
		return nil
	}
	return s.reloadLocked(ctx)
}
