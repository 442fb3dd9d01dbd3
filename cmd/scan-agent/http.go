package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/RailScan/StageBox/internal/models"
	"github.com/RailScan/StageBox/internal/services/flusher"
	"github.com/RailScan/StageBox/internal/session"
	"github.com/go-chi/chi/v5"
)

type agentHTTPOpts struct {
	httpAddr string
	onListen func(httpAddr string)

	sess    *session.Session
	flusher *flusher.Flusher
}

type scanReq struct {
	RawText string `json:"rawText"`
}

type statusResp struct {
	Workspace  string                    `json:"workspace"`
	State      string                    `json:"state"`
	Online     bool                      `json:"online"`
	LastStatus string                    `json:"lastStatus,omitempty"`
	Pending    *session.PendingCandidate `json:"pending,omitempty"`
	Flusher    flusher.Stats             `json:"flusher"`
}

type recordsResp struct {
	Rows  []*models.StagedRecord `json:"rows"`
	Total int                    `json:"total"`
}

type workspaceReq struct {
	Workspace string `json:"workspace"`
}

type knownSerialsReq struct {
	Workspace string   `json:"workspace"`
	Serials   []string `json:"serials"`
}

// runAgentHTTPServer — локальный интерфейс станции: его дергает UI сканера.
func runAgentHTTPServer(ctx context.Context, opts agentHTTPOpts) error {
	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Post("/v1/scan", func(w http.ResponseWriter, r *http.Request) {
		var req scanReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAgentError(w, http.StatusBadRequest, "invalid json")
			return
		}
		writeAgentJSON(w, http.StatusOK, opts.sess.OnDetected(r.Context(), req.RawText))
	})

	r.Post("/v1/manual", func(w http.ResponseWriter, r *http.Request) {
		var in models.RecordInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeAgentError(w, http.StatusBadRequest, "invalid json")
			return
		}
		res, err := opts.sess.EnterManual(r.Context(), in)
		if err != nil {
			writeAgentError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeAgentJSON(w, http.StatusOK, res)
	})

	r.Post("/v1/fields", func(w http.ResponseWriter, r *http.Request) {
		var in models.RecordInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeAgentError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if err := opts.sess.SetFields(in); err != nil {
			writeAgentError(w, http.StatusConflict, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/v1/confirm", func(w http.ResponseWriter, r *http.Request) {
		res, err := opts.sess.Confirm(r.Context())
		if err != nil {
			writeAgentError(w, http.StatusConflict, err.Error())
			return
		}
		writeAgentJSON(w, http.StatusOK, res)
	})

	r.Post("/v1/discard", func(w http.ResponseWriter, r *http.Request) {
		if err := opts.sess.Discard(); err != nil {
			writeAgentError(w, http.StatusConflict, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/v1/continue", func(w http.ResponseWriter, r *http.Request) {
		if err := opts.sess.ContinueDuplicate(); err != nil {
			writeAgentError(w, http.StatusConflict, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/v1/records", func(w http.ResponseWriter, r *http.Request) {
		rows := opts.sess.Records()
		if rows == nil {
			rows = []*models.StagedRecord{}
		}
		writeAgentJSON(w, http.StatusOK, recordsResp{Rows: rows, Total: opts.sess.Total()})
	})

	r.Delete("/v1/records", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseUint(r.URL.Query().Get("id"), 10, 64)
		tempID := r.URL.Query().Get("tempId")
		if id == 0 && tempID == "" {
			writeAgentError(w, http.StatusBadRequest, "id or tempId is required")
			return
		}
		if err := opts.sess.Delete(r.Context(), id, tempID); err != nil {
			writeAgentError(w, http.StatusBadGateway, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/v1/workspace", func(w http.ResponseWriter, r *http.Request) {
		var req workspaceReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAgentError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if err := opts.sess.SwitchWorkspace(r.Context(), req.Workspace); err != nil {
			writeAgentError(w, http.StatusBadRequest, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/v1/known-serials", func(w http.ResponseWriter, r *http.Request) {
		var req knownSerialsReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAgentError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if err := opts.sess.ImportKnownSerials(req.Workspace, req.Serials); err != nil {
			writeAgentError(w, http.StatusConflict, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/v1/status", func(w http.ResponseWriter, r *http.Request) {
		writeAgentJSON(w, http.StatusOK, statusResp{
			Workspace:  opts.sess.Workspace(),
			State:      opts.sess.State().String(),
			Online:     opts.sess.Online(),
			LastStatus: opts.sess.LastStatus(),
			Pending:    opts.sess.Pending(),
			Flusher:    opts.flusher.Stats(),
		})
	})

	r.Post("/v1/flush", func(w http.ResponseWriter, r *http.Request) {
		opts.flusher.Trigger()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"triggered":true}`))
	})

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	return srv.Serve(lis)
}

func writeAgentJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAgentError(w http.ResponseWriter, status int, msg string) {
	writeAgentJSON(w, status, map[string]string{"error": msg})
}
