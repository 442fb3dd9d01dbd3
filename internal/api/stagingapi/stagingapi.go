package stagingapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/RailScan/StageBox/internal/cache/rediscache"
	"github.com/RailScan/StageBox/internal/models"
	"github.com/RailScan/StageBox/internal/services/staging"
	"github.com/go-chi/chi/v5"
)

// RateLimiter ограничивает частоту existence-проверок с одной станции.
// Остальные ручки не лимитируются: скан-поток физически ограничен оператором.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type StagingAPI struct {
	svc *staging.Service

	limiter         RateLimiter
	existencePerMin int64
}

func New(svc *staging.Service) *StagingAPI {
	return &StagingAPI{svc: svc}
}

func (a *StagingAPI) WithRateLimiter(rl RateLimiter, existencePerMin int64) *StagingAPI {
	a.limiter = rl
	a.existencePerMin = existencePerMin
	return a
}

func (a *StagingAPI) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Get("/records", a.handlePage)
		r.Post("/records", a.handleSubmit)
		r.Post("/records/bulk", a.handleBulkSubmit)
		r.Get("/records/count", a.handleCount)
		r.Get("/records/existence", a.handleExistence)
		r.Delete("/records/{id}", a.handleDelete)
		r.Post("/workspaces/{workspace}/clear", a.handleClear)
	})
	return r
}

type existenceResp struct {
	Exists bool                 `json:"exists"`
	Row    *models.StagedRecord `json:"row,omitempty"`
}

func (a *StagingAPI) handleExistence(w http.ResponseWriter, r *http.Request) {
	if a.limiter != nil && a.existencePerMin > 0 {
		key := rediscache.MinuteKey("existence", clientIP(r), time.Now())
		ok, n, err := a.limiter.Allow(r.Context(), key, a.existencePerMin, time.Minute)
		if err != nil {
			// лимитер недоступен: пропускаем, existence и так fail-open на станции
			slog.Warn("ratelimit check failed", "err", err)
		} else if !ok {
			slog.Warn("existence rate limited", "ip", clientIP(r), "count", n)
			writeError(w, http.StatusTooManyRequests, "too many existence checks")
			return
		}
	}

	q := r.URL.Query()
	exists, rec, err := a.svc.Existence(r.Context(), q.Get("workspace"), q.Get("serial"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, existenceResp{Exists: exists, Row: rec})
}

type submitResp struct {
	ID uint64 `json:"id"`
}

func (a *StagingAPI) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var in models.RecordInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	rec, err := a.svc.SubmitRecord(r.Context(), in)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, submitResp{ID: rec.ID})
}

type bulkSubmitReq struct {
	Workspace string               `json:"workspace"`
	Items     []models.RecordInput `json:"items"`
}

type bulkSubmitResp struct {
	Records []*models.StagedRecord `json:"records"`
}

func (a *StagingAPI) handleBulkSubmit(w http.ResponseWriter, r *http.Request) {
	var req bulkSubmitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	recs, err := a.svc.BulkSubmitRecords(r.Context(), req.Workspace, req.Items)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, bulkSubmitResp{Records: recs})
}

type pageResp struct {
	Rows       []*models.StagedRecord `json:"rows"`
	NextCursor uint64                 `json:"nextCursor"`
	Total      int                    `json:"total"`
}

func (a *StagingAPI) handlePage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ws := q.Get("workspace")
	cursor, _ := strconv.ParseUint(q.Get("cursor"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))

	rows, next, err := a.svc.PageRecords(r.Context(), ws, cursor, limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	total, err := a.svc.CountRecords(r.Context(), ws)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rows == nil {
		rows = []*models.StagedRecord{}
	}
	writeJSON(w, http.StatusOK, pageResp{Rows: rows, NextCursor: next, Total: total})
}

type countResp struct {
	Count int `json:"count"`
}

func (a *StagingAPI) handleCount(w http.ResponseWriter, r *http.Request) {
	n, err := a.svc.CountRecords(r.Context(), r.URL.Query().Get("workspace"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, countResp{Count: n})
}

func (a *StagingAPI) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	ws := r.URL.Query().Get("workspace")
	if err := a.svc.DeleteRecord(r.Context(), ws, id); err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type clearResp struct {
	Removed int64 `json:"removed"`
}

func (a *StagingAPI) handleClear(w http.ResponseWriter, r *http.Request) {
	n, err := a.svc.ClearWorkspace(r.Context(), chi.URLParam(r, "workspace"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, clearResp{Removed: n})
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errResp struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errResp{Error: msg})
}
