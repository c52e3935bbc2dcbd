// Package scheduler answers "what should I work on next". It is a pure query
// over the workspace store and never mutates anything; claiming the returned
// task is the caller's next move, and may still lose the race.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"gaffer/internal/domain"
	"gaffer/internal/repo"
)

// Scope kinds.
const (
	ScopeProject    = "project"
	ScopeInitiative = "initiative"
	ScopeSession    = "session"
)

// Scope names the set of projects to schedule over.
type Scope struct {
	Kind string
	Ref  string
}

type Scheduler struct {
	Repo repo.Repo
	Now  func() time.Time
}

func New(r repo.Repo) Scheduler {
	return Scheduler{Repo: r, Now: time.Now}
}

func (s Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Projects resolves the scope to concrete project ids.
func (s Scheduler) Projects(ctx context.Context, scope Scope) ([]string, error) {
	switch scope.Kind {
	case ScopeProject:
		p, err := s.Repo.ResolveProject(ctx, scope.Ref)
		if err != nil {
			return nil, err
		}
		return []string{p.ID}, nil
	case ScopeInitiative:
		in, err := s.Repo.ResolveInitiative(ctx, scope.Ref)
		if err != nil {
			return nil, err
		}
		return s.Repo.ListInitiativeProjects(ctx, in.ID)
	case ScopeSession:
		sess, err := s.Repo.GetSession(ctx, scope.Ref)
		if err != nil {
			return nil, err
		}
		return sess.Projects, nil
	}
	return nil, fmt.Errorf("unknown scope kind %q", scope.Kind)
}

// NextAll returns every actionable task in scope: not draft, not blocked, not
// done, every dependency done, and no live lease. Tasks whose lease has
// expired are actionable again and returned with the lease absent. Order is
// priority ascending, then created_at, then id.
func (s Scheduler) NextAll(ctx context.Context, scope Scope) ([]domain.Task, error) {
	projectIDs, err := s.Projects(ctx, scope)
	if err != nil {
		return nil, err
	}
	candidates, err := s.Repo.CandidateTasks(ctx, projectIDs)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var res []domain.Task
	for _, t := range candidates {
		if t.Lease != nil {
			if !t.Lease.Expired(now) {
				continue
			}
			t.Lease = nil
		}
		res = append(res, t)
	}
	return res, nil
}

// Next returns the single best actionable task, or ok=false when nothing is
// actionable.
func (s Scheduler) Next(ctx context.Context, scope Scope) (domain.Task, bool, error) {
	tasks, err := s.NextAll(ctx, scope)
	if err != nil {
		return domain.Task{}, false, err
	}
	if len(tasks) == 0 {
		return domain.Task{}, false, nil
	}
	return tasks[0], true, nil
}
