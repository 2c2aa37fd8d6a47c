package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/foreman/internal/channel"
	"github.com/ent0n29/foreman/internal/project"
	"github.com/ent0n29/foreman/internal/session"
	"github.com/ent0n29/foreman/internal/terminal"
)

type projectView struct {
	project.Project
	DirectoryOK    bool   `json:"directory_ok"`
	DirectoryError string `json:"directory_error,omitempty"`
}

type sessionView struct {
	Status    session.Status   `json:"status"`
	IsRunning bool             `json:"is_running"`
	Session   *session.Session `json:"session"`
}

type stopRequest struct {
	Purge bool `json:"purge"`
}

type commandRequest struct {
	Command string `json:"command"`
}

type commandResponse struct {
	Success bool    `json:"success"`
	Output  *string `json:"output"`
}

type outputResponse struct {
	Output       *string    `json:"output"`
	IsRunning    bool       `json:"is_running"`
	LastActivity *time.Time `json:"last_activity"`
}

func (s *Server) handleListProjects(w http.ResponseWriter, _ *http.Request) {
	list := s.projects.List()
	out := make([]projectView, 0, len(list))
	for _, p := range list {
		v := projectView{Project: p, DirectoryOK: true}
		if err := project.CheckDirectory(p.Path); err != nil {
			v.DirectoryOK = false
			v.DirectoryError = err.Error()
		}
		out = append(out, v)
	}
	respondJSON(w, http.StatusOK, map[string]any{"projects": out})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupProject(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	current, err := s.sessions.Current(ctx, p.ID)
	if errors.Is(err, session.ErrNotFound) {
		respondJSON(w, http.StatusOK, map[string]any{"status": "not_started", "is_running": false, "session": nil})
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "session_lookup_failed", err.Error())
		return
	}

	running := s.sessions.IsRunning(ctx, current.ID)
	// Reload: the liveness check may have reconciled the record.
	if fresh, err := s.sessions.Get(ctx, current.ID); err == nil {
		current = fresh
	}
	respondJSON(w, http.StatusOK, sessionView{Status: current.Status, IsRunning: running, Session: &current})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupProject(w, r)
	if !ok {
		return
	}
	started, err := s.sessions.Start(r.Context(), p.ID)
	if err != nil {
		switch {
		case errors.Is(err, project.ErrNotFound):
			respondError(w, http.StatusNotFound, "project_not_found", err.Error())
		case errors.Is(err, project.ErrDirectoryUnavailable):
			respondError(w, http.StatusUnprocessableEntity, "directory_unavailable", err.Error())
		case errors.Is(err, terminal.ErrSpawn) || started.Status == session.StatusError:
			respondError(w, http.StatusBadGateway, "spawn_failed", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "session_start_failed", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusCreated, session.StartResponse{Session: started, IsRunning: started.Running()})
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupProject(w, r)
	if !ok {
		return
	}
	var req stopRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ctx := r.Context()
	current, err := s.sessions.Current(ctx, p.ID)
	if errors.Is(err, session.ErrNotFound) {
		respondError(w, http.StatusNotFound, "session_not_found", "project has no session")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "session_lookup_failed", err.Error())
		return
	}
	stopped, err := s.sessions.Stop(ctx, current.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "session_stop_failed", err.Error())
		return
	}

	purged := false
	if req.Purge && s.purger != nil {
		if err := s.purger.Cleanup(stopped.ID); err != nil {
			s.logger.Warn("purge session artifacts", "session_id", stopped.ID, "err", err)
		} else {
			purged = true
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"session": stopped, "is_running": false, "purged": purged})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupProject(w, r)
	if !ok {
		return
	}
	var req commandRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "command is required")
		return
	}

	ctx := r.Context()
	current, running := s.sessions.CurrentRunning(ctx, p.ID)
	if !running {
		respondError(w, http.StatusConflict, "session_not_running", "no running session for project")
		return
	}
	if err := s.channel.Send(ctx, current.ID, req.Command); err != nil {
		writeChannelError(w, err)
		return
	}

	if !sleepCtx(ctx, s.cfg.CommandReplyWait) {
		return
	}
	out, got, err := s.channel.Receive(ctx, current.ID)
	if err != nil {
		writeChannelError(w, err)
		return
	}
	resp := commandResponse{Success: true}
	if got {
		if err := s.channel.Record(ctx, current.ID, out); err != nil {
			s.logger.Warn("record assistant output", "session_id", current.ID, "err", err)
		}
		resp.Output = &out
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupProject(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	current, err := s.sessions.Current(ctx, p.ID)
	if errors.Is(err, session.ErrNotFound) {
		respondJSON(w, http.StatusOK, outputResponse{})
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "session_lookup_failed", err.Error())
		return
	}

	resp := outputResponse{IsRunning: s.sessions.IsRunning(ctx, current.ID)}
	out, got, err := s.channel.Receive(ctx, current.ID)
	if err != nil {
		writeChannelError(w, err)
		return
	}
	if got {
		resp.Output = &out
	}
	if fresh, err := s.sessions.Get(ctx, current.ID); err == nil {
		current = fresh
	}
	resp.LastActivity = &current.LastActivity
	respondJSON(w, http.StatusOK, resp)
}

func writeChannelError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, channel.ErrSessionNotRunning):
		respondError(w, http.StatusConflict, "session_not_running", err.Error())
	case errors.Is(err, channel.ErrChannelUnavailable):
		respondError(w, http.StatusServiceUnavailable, "channel_unavailable", err.Error())
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "channel_failed", err.Error())
	}
}

// sleepCtx waits for d and reports false when ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
