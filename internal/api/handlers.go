package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	faberrors "github.com/randalmurphal/fab/internal/errors"
	"github.com/randalmurphal/fab/internal/metrics"
	"github.com/randalmurphal/fab/internal/storage"
	"github.com/randalmurphal/fab/internal/task"
)

// taskView flattens a persisted task for API consumers. The embedded
// workflow record is lifted to top-level fields and the raw payload is
// omitted from list responses by the caller zeroing it.
type taskView struct {
	ID              string                          `json:"id"`
	Kind            string                          `json:"kind"`
	Status          task.Status                     `json:"status"`
	Priority        int                             `json:"priority"`
	Phase           task.Phase                      `json:"phase"`
	Attempts        int                             `json:"attempts"`
	WorkerID        string                          `json:"worker_id,omitempty"`
	CancelRequested bool                            `json:"cancel_requested,omitempty"`
	Payload         json.RawMessage                 `json:"payload,omitempty"`
	PhaseResults    map[task.Phase]task.PhaseResult `json:"phase_results,omitempty"`
	RetryCounts     map[task.Phase]int              `json:"retry_counts,omitempty"`
	Result          map[string]any                  `json:"result,omitempty"`
	Error           string                          `json:"error,omitempty"`
	CreatedAt       time.Time                       `json:"created_at"`
	ClaimedAt       *time.Time                      `json:"claimed_at,omitempty"`
	CompletedAt     *time.Time                      `json:"completed_at,omitempty"`
	UpdatedAt       time.Time                       `json:"updated_at"`
}

func viewOf(t *task.Task) taskView {
	return taskView{
		ID:              t.ID,
		Kind:            t.Kind,
		Status:          t.Status,
		Priority:        t.Priority,
		Phase:           t.Phase(),
		Attempts:        t.Attempts,
		WorkerID:        t.WorkerID,
		CancelRequested: t.CancelRequested,
		Payload:         t.Payload,
		PhaseResults:    t.Workflow.PhaseResults,
		RetryCounts:     t.Workflow.RetryCounts,
		Result:          t.Result,
		Error:           t.Error,
		CreatedAt:       t.CreatedAt,
		ClaimedAt:       t.ClaimedAt,
		CompletedAt:     t.CompletedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

type createTaskRequest struct {
	Kind     string          `json:"kind"`
	Priority *int            `json:"priority"`
	Payload  json.RawMessage `json:"payload"`
}

// handleCreateTask accepts a submission and persists it before responding,
// so a follow-up GET always finds the task.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		metrics.APIRateLimited.Inc()
		metrics.TasksRejected.WithLabelValues("rate_limited").Inc()
		s.writeError(w, faberrors.ErrRateLimited())
		return
	}

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.TasksRejected.WithLabelValues("invalid_payload").Inc()
		s.writeError(w, faberrors.ErrInvalidPayload("request body is not valid JSON"))
		return
	}

	priority := task.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}

	t, err := s.queue.Enqueue(r.Context(), req.Kind, priority, req.Payload)
	if err != nil {
		if reason := rejectionReason(err); reason != "" {
			metrics.TasksRejected.WithLabelValues(reason).Inc()
		}
		s.writeError(w, err)
		return
	}

	s.lists.Invalidate()
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"id":     t.ID,
		"status": t.Status,
	})
}

func rejectionReason(err error) string {
	switch {
	case faberrors.IsCode(err, faberrors.CodeQueueFull):
		return "queue_full"
	case faberrors.IsCode(err, faberrors.CodeInvalidPayload):
		return "invalid_payload"
	case faberrors.IsCode(err, faberrors.CodeInvalidArgument):
		return "invalid_argument"
	default:
		return ""
	}
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(t))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter storage.Filter
	if v := q.Get("status"); v != "" {
		st := task.Status(v)
		if !task.IsValidStatus(st) {
			s.writeError(w, faberrors.ErrInvalidArgument("status", "must be one of QUEUED, RUNNING, COMPLETED, FAILED, CANCELLED"))
			return
		}
		filter.Status = st
	}
	filter.Kind = q.Get("kind")

	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		s.writeError(w, faberrors.ErrInvalidArgument("limit", "must be an integer"))
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		s.writeError(w, faberrors.ErrInvalidArgument("offset", "must be an integer"))
		return
	}

	// Mirror the store's paging clamps so the echoed limit matches the
	// page actually served.
	if filter.Limit <= 0 {
		filter.Limit = storage.DefaultListLimit
	}
	if filter.Limit > storage.MaxListLimit {
		filter.Limit = storage.MaxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	tasks, total, err := s.lists.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}

	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		v := viewOf(t)
		v.Payload = nil
		views = append(views, v)
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"tasks":  views,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

// handleCancelTask cancels a task. A queued task is cancelled outright; a
// running one is flagged and finishes at its next phase boundary.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.queue.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.lists.Invalidate()
	outcome := "cancelled"
	if t.Status == task.StatusRunning {
		outcome = "cancelling"
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"id":     t.ID,
		"status": outcome,
	})
}

func (s *Server) handleGetTransitions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	transitions, err := s.store.ListTransitions(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"task_id":     id,
		"transitions": transitions,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleMetrics reports the JSON operational snapshot. The Prometheus
// exposition lives on /metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	queueCounts := make(map[string]int, len(task.ValidStatuses()))
	for _, st := range task.ValidStatuses() {
		queueCounts[string(st)] = stats[st]
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"daemon": s.status.DaemonStatus(),
		"queue":  queueCounts,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}

// writeError maps structured errors onto HTTP statuses. Anything that is
// not a FabError is an internal fault and reported as one.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	if fe := faberrors.AsFabError(err); fe != nil {
		s.writeJSON(w, fe.HTTPStatus(), map[string]any{"error": fe})
		return
	}

	s.logger.Error("request failed", "error", err)
	s.writeJSON(w, http.StatusInternalServerError, map[string]any{
		"error": map[string]string{
			"code": "INTERNAL",
			"what": "internal error",
		},
	})
}
