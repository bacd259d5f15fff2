package coordinator

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/avfleet/handoff/pkg/model"
	"github.com/avfleet/handoff/pkg/store"
	"github.com/avfleet/handoff/pkg/txlog"
)

const defaultHistoryLimit = 50

// Handlers exposes the coordinator over HTTP.
type Handlers struct {
	coord  *Coordinator
	router *QueryRouter
	tl     txlog.Log
}

// NewHandlers wires the coordinator surface.
func NewHandlers(coord *Coordinator, router *QueryRouter, tl txlog.Log) *Handlers {
	return &Handlers{coord: coord, router: router, tl: tl}
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	var (
		statusCode = http.StatusInternalServerError
		errorType  = "Internal"
	)
	var validation *model.ValidationError
	switch {
	case errors.As(err, &validation):
		statusCode = http.StatusUnprocessableEntity
		errorType = "Validation"
	case errors.Is(err, txlog.ErrNotFound) || errors.Is(err, store.ErrNotFound):
		statusCode = http.StatusNotFound
		errorType = "NotFound"
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":      false,
		"error":   errorType,
		"message": err.Error(),
		"code":    statusCode,
	})
}

func parseJSONBody(r *http.Request, target any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return &model.ValidationError{Field: "body", Message: "failed to read request body"}
	}
	defer r.Body.Close()
	if len(body) == 0 {
		return &model.ValidationError{Field: "body", Message: "request body is empty"}
	}
	if err := json.Unmarshal(body, target); err != nil {
		return &model.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	return nil
}

// Handoff handles POST /handoff.
func (h *Handlers) Handoff(w http.ResponseWriter, r *http.Request) {
	var req model.HandoffRequest
	if err := parseJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := h.coord.Handoff(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result.Response())
}

// Search handles POST /rides/search.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	var q model.SearchQuery
	if err := parseJSONBody(r, &q); err != nil {
		writeError(w, err)
		return
	}
	rides, err := h.router.Search(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rides)
}

// Owner handles GET /rides/{id}/owner.
func (h *Handlers) Owner(w http.ResponseWriter, r *http.Request) {
	decision, err := h.router.Owner(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// StatsAll handles GET /stats/all.
func (h *Handlers) StatsAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.router.StatsAll(r.Context()))
}

// HealthAll handles GET /health/all.
func (h *Handlers) HealthAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.router.HealthAll(r.Context()))
}

// History handles GET /transactions/history.
func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	limit := int64(defaultHistoryLimit)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 {
			writeError(w, &model.ValidationError{Field: "limit", Message: "must be a positive integer"})
			return
		}
		limit = n
	}
	recs, total, err := h.tl.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":        total,
		"transactions": recs,
	})
}

// Transaction handles GET /transactions/{tx_id}.
func (h *Handlers) Transaction(w http.ResponseWriter, r *http.Request) {
	rec, err := h.tl.Get(r.Context(), chi.URLParam(r, "tx_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
