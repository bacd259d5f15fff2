package participant

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/avfleet/handoff/pkg/model"
	"github.com/avfleet/handoff/pkg/store"
)

// Handlers exposes the participant service over HTTP.
type Handlers struct {
	svc     *Service
	metrics *Metrics
}

// NewHandlers wires the service to its HTTP surface. metrics may be nil.
func NewHandlers(svc *Service, metrics *Metrics) *Handlers {
	return &Handlers{svc: svc, metrics: metrics}
}

func parseJSONBody(r *http.Request, target any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return &BadRequestError{Message: "failed to read request body"}
	}
	defer r.Body.Close()

	if len(body) == 0 {
		return &BadRequestError{Message: "request body is empty"}
	}
	if err := json.Unmarshal(body, target); err != nil {
		return &BadRequestError{Message: "invalid JSON: " + err.Error()}
	}
	return nil
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
	var badRequest *BadRequestError
	switch {
	case errors.As(err, &validation):
		statusCode = http.StatusUnprocessableEntity
		errorType = "Validation"
	case errors.As(err, &badRequest):
		statusCode = http.StatusBadRequest
		errorType = "BadRequest"
	case errors.Is(err, store.ErrNotFound) || errors.Is(err, ErrRecordMissing):
		statusCode = http.StatusNotFound
		errorType = "NotFound"
	case errors.Is(err, store.ErrDuplicate) || errors.Is(err, store.ErrLocked):
		statusCode = http.StatusConflict
		errorType = "Conflict"
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":      false,
		"error":   errorType,
		"message": err.Error(),
		"code":    statusCode,
	})
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := h.svc.Health(r.Context())
	code := http.StatusOK
	if health.Status == model.HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

// CreateRide handles POST /rides.
func (h *Handlers) CreateRide(w http.ResponseWriter, r *http.Request) {
	var ride model.Ride
	if err := parseJSONBody(r, &ride); err != nil {
		writeError(w, err)
		return
	}
	created, err := h.svc.CreateRide(r.Context(), &ride)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GetRide handles GET /rides/{id}.
func (h *Handlers) GetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := h.svc.GetRide(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func parseListQuery(r *http.Request) (model.ListQuery, error) {
	q := model.ListQuery{}
	vals := r.URL.Query()
	q.City = model.Region(vals.Get("city"))
	q.Status = model.RideStatus(vals.Get("status"))
	if q.City != "" && !q.City.Valid() {
		return q, &BadRequestError{Message: "city must be PHX or LA"}
	}
	if q.Status != "" && !q.Status.Valid() {
		return q, &BadRequestError{Message: "status must be COMPLETED, IN_PROGRESS or CANCELLED"}
	}
	for name, target := range map[string]**float64{"min_fare": &q.MinFare, "max_fare": &q.MaxFare} {
		if raw := vals.Get(name); raw != "" {
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return q, &BadRequestError{Message: name + " must be a number"}
			}
			*target = &f
		}
	}
	for name, target := range map[string]*int64{"skip": &q.Skip, "limit": &q.Limit} {
		if raw := vals.Get(name); raw != "" {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || n < 0 {
				return q, &BadRequestError{Message: name + " must be a non-negative integer"}
			}
			*target = n
		}
	}
	return q, nil
}

// ListRides handles GET /rides.
func (h *Handlers) ListRides(w http.ResponseWriter, r *http.Request) {
	q, err := parseListQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rides, err := h.svc.ListRides(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rides)
}

// UpdateRide handles PUT /rides/{id}.
func (h *Handlers) UpdateRide(w http.ResponseWriter, r *http.Request) {
	var update model.RideUpdate
	if err := parseJSONBody(r, &update); err != nil {
		writeError(w, err)
		return
	}
	ride, err := h.svc.UpdateRide(r.Context(), chi.URLParam(r, "id"), &update)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

// DeleteRide handles DELETE /rides/{id}.
func (h *Handlers) DeleteRide(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteRide(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stats handles GET /stats.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Prepare handles POST /2pc/prepare.
func (h *Handlers) Prepare(w http.ResponseWriter, r *http.Request) {
	var req model.PrepareRequest
	if err := parseJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := h.svc.Prepare(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.PrepareVotes.WithLabelValues(string(resp.Vote)).Inc()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Commit handles POST /2pc/commit.
func (h *Handlers) Commit(w http.ResponseWriter, r *http.Request) {
	var req model.CommitRequest
	if err := parseJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := h.svc.Commit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.Commits.WithLabelValues(string(req.Operation)).Inc()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Abort handles POST /2pc/abort.
func (h *Handlers) Abort(w http.ResponseWriter, r *http.Request) {
	var req model.AbortRequest
	if err := parseJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := h.svc.Abort(r.Context(), req.TxID)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.Aborts.Inc()
	}
	writeJSON(w, http.StatusOK, resp)
}
