package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/foreman/internal/channel"
	"github.com/ent0n29/foreman/internal/config"
	"github.com/ent0n29/foreman/internal/observability"
	"github.com/ent0n29/foreman/internal/project"
	"github.com/ent0n29/foreman/internal/session"
	"github.com/ent0n29/foreman/internal/tasks"
)

// Purger removes the on-disk artifacts of a stopped session.
type Purger interface {
	Cleanup(sessionID string) error
}

// Deps are the collaborators the API fronts. Purger, Metrics, Gatherer and
// Logger are optional.
type Deps struct {
	Projects  *project.Registry
	Sessions  *session.Manager
	Channel   *channel.Channel
	Tasks     *tasks.Manager
	Purger    Purger
	Metrics   *observability.Metrics
	Gatherer  prometheus.Gatherer
	StoreMode string
	Logger    *slog.Logger
}

type Server struct {
	cfg       config.Config
	projects  *project.Registry
	sessions  *session.Manager
	channel   *channel.Channel
	tasks     *tasks.Manager
	purger    Purger
	metrics   *observability.Metrics
	gatherer  prometheus.Gatherer
	storeMode string
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		cfg:       cfg,
		projects:  deps.Projects,
		sessions:  deps.Sessions,
		channel:   deps.Channel,
		tasks:     deps.Tasks,
		purger:    deps.Purger,
		metrics:   deps.Metrics,
		gatherer:  deps.Gatherer,
		storeMode: deps.StoreMode,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only attach from the same origin unless configured otherwise.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if s.gatherer != nil {
			observability.MetricsHandlerFor(s.gatherer).ServeHTTP(w, r)
			return
		}
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1/projects", func(r chi.Router) {
		r.Get("/", s.handleListProjects)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/session", s.handleGetSession)
			r.Post("/session/start", s.handleStartSession)
			r.Post("/session/stop", s.handleStopSession)
			r.Post("/command", s.handleCommand)
			r.Get("/output", s.handleOutput)
			r.Get("/stream", s.handleStreamSSE)
			r.Get("/stream/ws", s.handleStreamWS)
			r.Post("/tasks", s.handleCreateTask)
			r.Get("/tasks", s.handleListTasks)
		})
	})
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Post("/v1/tasks/{id}/reset", s.handleResetTask)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.storeModeOrDefault(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.storeModeOrDefault(),
		"projects":   len(s.projects.List()),
	})
}

func (s *Server) storeModeOrDefault() string {
	mode := strings.TrimSpace(s.storeMode)
	if mode == "" {
		return "unknown"
	}
	return mode
}

// lookupProject resolves the {id} URL parameter and writes a 404 when the
// project is not registered.
func (s *Server) lookupProject(w http.ResponseWriter, r *http.Request) (project.Project, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_project_id", "missing project id")
		return project.Project{}, false
	}
	p, err := s.projects.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "project_not_found", err.Error())
		return project.Project{}, false
	}
	return p, true
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
