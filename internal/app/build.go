package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/foreman/internal/automation"
	"github.com/ent0n29/foreman/internal/channel"
	"github.com/ent0n29/foreman/internal/config"
	"github.com/ent0n29/foreman/internal/gitops"
	"github.com/ent0n29/foreman/internal/httpapi"
	"github.com/ent0n29/foreman/internal/observability"
	"github.com/ent0n29/foreman/internal/project"
	"github.com/ent0n29/foreman/internal/session"
	"github.com/ent0n29/foreman/internal/store"
	"github.com/ent0n29/foreman/internal/taskruntime"
	"github.com/ent0n29/foreman/internal/tasks"
	"github.com/ent0n29/foreman/internal/terminal"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Store    store.Store
	Projects *project.Registry
	Sessions *session.Manager
	Tasks    *tasks.Manager
	Consumer *taskruntime.Consumer
	Schedule *automation.Schedule
	Metrics  *observability.Metrics

	// Cleanup stops the queue consumer and git schedules and closes the store. Running
	// assistant sessions are left alive in tmux.
	Cleanup func() error
}

// Build wires the service against the local tmux server and the default
// Prometheus registry.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	mux, err := terminal.NewTmux()
	if err != nil {
		return nil, err
	}
	return build(ctx, cfg, logger, mux, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger, mux terminal.Multiplexer, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*BuildResult, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	projects, err := project.LoadRegistry(cfg.ProjectsFile)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("store init failed: %w", err)
	}
	logger.Info("store opened", "mode", st.Mode())

	metrics := observability.NewMetricsWith(reg, cfg.MetricsNamespace)

	storageDir, err := filepath.Abs(cfg.SessionStorageDir)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("resolve session storage dir: %w", err)
	}
	adapter := terminal.NewAdapter(terminal.Config{
		Layout:           terminal.Layout{BaseDir: storageDir},
		Prefix:           cfg.TmuxSessionPrefix,
		AssistantCommand: cfg.AssistantCommand,
	}, mux, logger.With("component", "terminal"))

	trigger := automation.NewPolicyTrigger(
		gitops.NewRunner(cfg.GitTimeout, logger.With("component", "git")),
		logger.With("component", "automation"),
	)

	sessions := session.NewManager(st, adapter, projects, logger.With("component", "session"))
	sessions.SetEndHook(trigger)

	ch := channel.New(st, adapter.Layout(), logger.With("component", "channel"))

	consumer := taskruntime.New(taskruntime.Config{
		PollInterval:    cfg.QueuePollInterval,
		MaxWait:         cfg.QueueMaxWait,
		IdleDelay:       cfg.QueueIdleDelay,
		BusyDelay:       cfg.QueueBusyDelay,
		ErrorBackoffMax: cfg.QueueErrorBackoffMax,
	}, st, sessions, ch, projects, trigger, metrics, logger.With("component", "queue"))

	sessions.SetEventHook(func(event string, s session.Session) {
		metrics.ObserveSessionEvent(event)
		if event == "started" {
			consumer.Kick(s.ProjectID)
		}
	})

	taskManager := tasks.NewManager(st)
	taskManager.SetCreateHook(func(t tasks.Task) {
		metrics.ObserveTaskEvent("created")
		consumer.Kick(t.ProjectID)
	})

	if err := consumer.Resume(ctx); err != nil {
		logger.Warn("resume task queues", "err", err)
	}

	schedule := automation.NewSchedule(trigger, projects)
	schedule.Start()

	api := httpapi.New(cfg, httpapi.Deps{
		Projects:  projects,
		Sessions:  sessions,
		Channel:   ch,
		Tasks:     taskManager,
		Purger:    adapter,
		Metrics:   metrics,
		Gatherer:  gatherer,
		StoreMode: st.Mode(),
		Logger:    logger.With("component", "http"),
	})

	cleanup := func() error {
		consumer.Close()
		schedule.Close()
		if err := st.Close(); err != nil {
			return fmt.Errorf("close store: %w", err)
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Store:    st,
		Projects: projects,
		Sessions: sessions,
		Tasks:    taskManager,
		Consumer: consumer,
		Schedule: schedule,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}
