// Package wshub раздаёт события изменения staged_records подключённым
// станциям по WebSocket. Это второй транспорт realtime-уведомлений рядом
// с Kafka: браузерные клиенты не умеют быть kafka-консьюмерами.
package wshub

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/RailScan/StageBox/internal/broker/messages"
	"github.com/RailScan/StageBox/internal/models"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]string
}

func New() *Hub {
	return &Hub{clients: map[*websocket.Conn]string{}}
}

// Handler апгрейдит соединение и держит его до разрыва. Параметр
// ?workspace= фильтрует события, без него клиент получает оба воркспейса.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws := r.URL.Query().Get("workspace")
		if ws != "" && !models.ValidWorkspace(ws) {
			http.Error(w, "workspace must be main or alt", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("ws upgrade failed", "err", err)
			return
		}

		h.mu.Lock()
		h.clients[conn] = ws
		h.mu.Unlock()
		slog.Info("ws client connected", "workspace", ws)

		// от клиента ничего не ждём, читаем только ради детекции разрыва
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}

		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		_ = conn.Close()
		slog.Info("ws client disconnected", "workspace", ws)
	}
}

func (h *Hub) Broadcast(ev messages.RecordEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn, ws := range h.clients {
		if ws != "" && ws != ev.Workspace {
			continue
		}
		if err := conn.WriteJSON(ev); err != nil {
			_ = conn.Close()
			delete(h.clients, conn)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.Close()
	}
	h.clients = map[*websocket.Conn]string{}
}
