package automation

import (
	"context"
	"strings"
	"time"

	"github.com/ent0n29/foreman/internal/jobs"
	"github.com/ent0n29/foreman/internal/project"
)

const (
	kindCommit = "commit"
	kindPush   = "push"

	dailyPushInterval = 24 * time.Hour
)

// Projects looks up the registry the schedules read policy from.
type Projects interface {
	Get(id string) (project.Project, error)
	List() []project.Project
}

// Schedule runs the clock-driven git policies: time_based commits every
// CommitTimeInterval and daily pushes. Each project has at most one pending
// run per kind.
type Schedule struct {
	trigger  *PolicyTrigger
	projects Projects
	queue    *jobs.Queue
}

func NewSchedule(trigger *PolicyTrigger, projects Projects) *Schedule {
	s := &Schedule{trigger: trigger, projects: projects}
	s.queue = jobs.New(s.run, trigger.logger)
	return s
}

// Start arms the first run of every project with a clock-driven policy and
// returns how many were armed.
func (s *Schedule) Start() int {
	armed := 0
	for _, p := range s.projects.List() {
		if !p.Git.Enabled {
			continue
		}
		if every := p.Git.CommitInterval(); every > 0 {
			s.queue.Schedule(key(kindCommit, p.ID), every)
			armed++
		}
		if p.Git.AutoPush && p.Git.PushFrequency == project.PushDaily {
			s.queue.Schedule(key(kindPush, p.ID), dailyPushInterval)
			armed++
		}
	}
	s.trigger.logger.Info("git schedules armed", "count", armed)
	return armed
}

// Scheduled reports whether a run of kind ("commit" or "push") is pending for the project.
func (s *Schedule) Scheduled(kind, projectID string) bool {
	return s.queue.Scheduled(key(kind, projectID))
}

func (s *Schedule) Close() {
	s.queue.Close()
}

func (s *Schedule) run(ctx context.Context, k string) (time.Duration, bool) {
	kind, projectID, _ := strings.Cut(k, "/")
	p, err := s.projects.Get(projectID)
	if err != nil || !p.Git.Enabled {
		return 0, false
	}

	switch kind {
	case kindCommit:
		every := p.Git.CommitInterval()
		if every <= 0 {
			return 0, false
		}
		s.trigger.commit(ctx, p, "Auto-commit at "+s.trigger.now().Format("2006-01-02 15:04:05"))
		return every, true
	case kindPush:
		if !p.Git.AutoPush || p.Git.PushFrequency != project.PushDaily {
			return 0, false
		}
		s.trigger.push(ctx, p)
		return dailyPushInterval, true
	}
	return 0, false
}

func key(kind, projectID string) string {
	return kind + "/" + projectID
}
