package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"sandbox-governor/internal/emergency"
	"sandbox-governor/internal/hostmon"
	"sandbox-governor/internal/monitor"
	"sandbox-governor/internal/orchestrator"
	"sandbox-governor/internal/sandbox"
	"sandbox-governor/internal/storage"
)

// Runner executes one request end to end.
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request) (*sandbox.ExecutionResult, error)
}

// Containers is the part of *sandbox.Manager the admin routes use.
type Containers interface {
	ActiveContainers() []sandbox.ContainerRecord
	ActiveCount() int
	Cleanup(ctx context.Context, id string, force bool) (bool, error)
	BatchCleanup(ctx context.Context, maxAge time.Duration) (int, error)
}

type Emergency interface {
	Trip(ctx context.Context, reason string) error
	Reset(reason string) bool
	State() emergency.State
}

// History reads persisted monitor output.
type History interface {
	RecentAlerts(ctx context.Context, f storage.Filter) ([]hostmon.ProcessAlert, error)
	RecentTerminations(ctx context.Context, f storage.Filter) ([]hostmon.TerminationRecord, error)
	Healthy(ctx context.Context) bool
}

type HostStatus interface {
	Status() hostmon.Status
}

type EnginePinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the handlers serve. Monitor and Engine are
// optional.
type Deps struct {
	Runner     Runner
	Containers Containers
	Emergency  Emergency
	History    History
	Monitor    HostStatus
	Engine     EnginePinger
	Metrics    *monitor.Metrics
}

type Handlers struct {
	deps      Deps
	startTime time.Time
}

func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps, startTime: time.Now()}
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Code == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	h.deps.Metrics.ObserveCodeSize(len(req.Code))

	result, err := h.deps.Runner.Run(r.Context(), orchestrator.Request{
		Code:           req.Code,
		Language:       req.Language,
		Timeout:        req.Timeout.Duration,
		Overrides:      req.Limits,
		NetworkEnabled: req.NetworkEnabled,
		Metadata:       req.Metadata,
		UserID:         UserIDFromContext(r.Context()),
	})
	if err != nil {
		writeOperationError(w, err, r)
		return
	}

	writeJSON(w, http.StatusOK, newExecutionResponse(result))
}

func (h *Handlers) HandleListContainers(w http.ResponseWriter, r *http.Request) {
	containers := h.deps.Containers.ActiveContainers()
	writeJSON(w, http.StatusOK, ContainersResponse{Containers: containers, Count: len(containers)})
}

func (h *Handlers) HandleRemoveContainer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "container id is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	removed, err := h.deps.Containers.Cleanup(r.Context(), id, true)
	if err != nil {
		writeOperationError(w, err, r)
		return
	}
	if !removed {
		writeError(w, "container not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusOK, RemoveResponse{ID: id, Removed: true})
}

func (h *Handlers) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	req := CleanupRequest{MaxAge: Duration{time.Hour}}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
	}
	if req.MaxAge.Duration < 0 {
		writeError(w, "max_age must not be negative", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	n, err := h.deps.Containers.BatchCleanup(r.Context(), req.MaxAge.Duration)
	if err != nil {
		writeOperationError(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, CleanupResponse{Removed: n})
}

func (h *Handlers) HandleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeReason(w, r)
	if !ok {
		return
	}

	log.Warn().
		Str("reason", req.Reason).
		Str("request_id", RequestIDFromContext(r.Context())).
		Msg("emergency stop requested")

	changed := !h.deps.Emergency.State().Tripped
	// Handlers must run to completion even if the caller disconnects.
	if err := h.deps.Emergency.Trip(context.WithoutCancel(r.Context()), req.Reason); err != nil {
		log.Error().Err(err).Msg("emergency stop completed with errors")
	}
	writeJSON(w, http.StatusOK, EmergencyResponse{State: h.deps.Emergency.State(), Changed: changed})
}

func (h *Handlers) HandleEmergencyReset(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeReason(w, r)
	if !ok {
		return
	}
	changed := h.deps.Emergency.Reset(req.Reason)
	if changed {
		h.deps.Metrics.SetEmergency(false)
	}
	writeJSON(w, http.StatusOK, EmergencyResponse{State: h.deps.Emergency.State(), Changed: changed})
}

func (h *Handlers) HandleEmergencyStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, EmergencyResponse{State: h.deps.Emergency.State()})
}

func (h *Handlers) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	f, ok := parseFilter(w, r)
	if !ok {
		return
	}
	alerts, err := h.deps.History.RecentAlerts(r.Context(), f)
	if err != nil {
		log.Error().Err(err).Msg("failed to list alerts")
		writeError(w, "failed to list alerts", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if alerts == nil {
		alerts = []hostmon.ProcessAlert{}
	}
	writeJSON(w, http.StatusOK, AlertsResponse{Alerts: alerts})
}

func (h *Handlers) HandleTerminations(w http.ResponseWriter, r *http.Request) {
	f, ok := parseFilter(w, r)
	if !ok {
		return
	}
	records, err := h.deps.History.RecentTerminations(r.Context(), f)
	if err != nil {
		log.Error().Err(err).Msg("failed to list terminations")
		writeError(w, "failed to list terminations", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if records == nil {
		records = []hostmon.TerminationRecord{}
	}
	writeJSON(w, http.StatusOK, TerminationsResponse{Terminations: records})
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:           "ok",
		Database:         h.deps.History == nil || h.deps.History.Healthy(ctx),
		Engine:           h.deps.Engine != nil && h.deps.Engine.Ping(ctx) == nil,
		Emergency:        h.deps.Emergency.State(),
		ActiveContainers: h.deps.Containers.ActiveCount(),
		Uptime:           time.Since(h.startTime).Round(time.Second).String(),
	}
	if h.deps.Monitor != nil {
		st := h.deps.Monitor.Status()
		resp.Monitor = &st
	}

	status := http.StatusOK
	switch {
	case !resp.Engine || !resp.Database:
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	case resp.Emergency.Tripped:
		resp.Status = "emergency_stop"
	}
	writeJSON(w, status, resp)
}

func decodeReason(w http.ResponseWriter, r *http.Request) (EmergencyRequest, bool) {
	var req EmergencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return req, false
	}
	if req.Reason == "" {
		writeError(w, "reason is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return req, false
	}
	return req, true
}

// parseFilter reads the since, pid and limit query parameters.
func parseFilter(w http.ResponseWriter, r *http.Request) (storage.Filter, bool) {
	var f storage.Filter
	q := r.URL.Query()

	if v := q.Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, "since must be a positive duration like 24h", "INVALID_REQUEST", http.StatusBadRequest, r)
			return f, false
		}
		f.Since = time.Now().Add(-d)
	}
	if v := q.Get("pid"); v != "" {
		pid, err := strconv.Atoi(v)
		if err != nil || pid < 0 {
			writeError(w, "pid must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return f, false
		}
		f.PID = pid
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, "limit must be an integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return f, false
		}
		f.Limit = limit
	}
	return f, true
}

// writeOperationError maps an error kind to its HTTP status. The engine's
// raw text stays in the log and never reaches the client.
func writeOperationError(w http.ResponseWriter, err error, r *http.Request) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, sandbox.ErrPolicyViolation):
		status, code = http.StatusBadRequest, "POLICY_VIOLATION"
	case errors.Is(err, sandbox.ErrInvalidRequest):
		status, code = http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, sandbox.ErrSecurityBlocked):
		status, code = http.StatusForbidden, "SECURITY_BLOCKED"
	case errors.Is(err, sandbox.ErrTimeout):
		status, code = http.StatusRequestTimeout, "TIMEOUT"
	case errors.Is(err, sandbox.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, sandbox.ErrRuntimeUnavailable):
		status, code = http.StatusServiceUnavailable, "RUNTIME_UNAVAILABLE"
	}

	log.Warn().
		Err(err).
		Int("status", status).
		Str("request_id", RequestIDFromContext(r.Context())).
		Msg("operation failed")

	msg := "internal error"
	var oe *sandbox.OperationError
	if errors.As(err, &oe) {
		msg = oe.Op + ": " + oe.Err.Error()
		if oe.Detail != "" && status < http.StatusInternalServerError {
			msg += ": " + oe.Detail
		}
	}
	writeError(w, msg, code, status, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
