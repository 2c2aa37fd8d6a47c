package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/foreman/internal/tasks"
)

type createTaskRequest struct {
	Command     string `json:"command"`
	Description string `json:"description"`
	Priority    *int   `json:"priority"`
	SortOrder   int    `json:"sort_order"`
}

type listTasksResponse struct {
	Tasks []tasks.Task `json:"tasks"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupProject(w, r)
	if !ok {
		return
	}
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	task, err := s.tasks.Create(r.Context(), tasks.CreateRequest{
		ProjectID:   p.ID,
		Command:     req.Command,
		Description: req.Description,
		Priority:    req.Priority,
		SortOrder:   req.SortOrder,
	})
	if err != nil {
		writeTaskError(w, err, "task_create_failed")
		return
	}
	respondJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupProject(w, r)
	if !ok {
		return
	}
	filter := tasks.ListFilter{
		Status: tasks.Status(strings.TrimSpace(r.URL.Query().Get("status"))),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	list, err := s.tasks.List(r.Context(), p.ID, filter)
	if err != nil {
		writeTaskError(w, err, "task_list_failed")
		return
	}
	if list == nil {
		list = []tasks.Task{}
	}
	respondJSON(w, http.StatusOK, listTasksResponse{Tasks: list})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeTaskError(w, err, "task_lookup_failed")
		return
	}
	respondJSON(w, http.StatusOK, task)
}

// handleResetTask puts a stale processing task back to pending. It is refused
// while the project's session runs, since the consumer may still own the task.
func (s *Server) handleResetTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	task, err := s.tasks.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeTaskError(w, err, "task_lookup_failed")
		return
	}
	if _, running := s.sessions.CurrentRunning(ctx, task.ProjectID); running {
		respondError(w, http.StatusConflict, "session_running", "stop the project's session before resetting its tasks")
		return
	}
	reset, err := s.tasks.Reset(ctx, task.ID)
	if err != nil {
		writeTaskError(w, err, "task_reset_failed")
		return
	}
	respondJSON(w, http.StatusOK, reset)
}

func writeTaskError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, tasks.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, tasks.ErrTaskNotFound):
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
	case errors.Is(err, tasks.ErrInvalidTaskState):
		respondError(w, http.StatusConflict, "invalid_task_state", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, fallback, err.Error())
	}
}
