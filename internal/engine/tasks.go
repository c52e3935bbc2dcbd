package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gaffer/internal/domain"
	"gaffer/internal/events"
	"gaffer/internal/graph"
	"gaffer/internal/repo"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ProjectRef  string
	Title       string
	Description string
	Priority    *int
	Status      string
	DependsOn   []string
	ActorID     string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, validationf("title is required")
	}
	if opts.ProjectRef == "" {
		return domain.Task{}, validationf("project is required")
	}
	if opts.Status == "" {
		opts.Status = domain.TaskDraft
	}
	if opts.Status != domain.TaskDraft && opts.Status != domain.TaskTodo {
		return domain.Task{}, validationf("tasks are created as draft or todo, not %q", opts.Status)
	}
	if opts.Status == domain.TaskTodo && opts.Description == "" {
		return domain.Task{}, validationf("todo tasks need a description")
	}
	priority := domain.PriorityDefault
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	if priority < domain.PriorityMin || priority > domain.PriorityMax {
		return domain.Task{}, validationf("priority %d out of range %d..%d", priority, domain.PriorityMin, domain.PriorityMax)
	}
	p, err := e.Repo.ResolveProject(ctx, opts.ProjectRef)
	if err != nil {
		return domain.Task{}, err
	}
	deps := make([]string, 0, len(opts.DependsOn))
	for _, ref := range opts.DependsOn {
		dep, err := e.Repo.GetTask(ctx, ref)
		if err != nil {
			return domain.Task{}, fmt.Errorf("dependency %s: %w", ref, err)
		}
		if dep.ProjectID != p.ID {
			return domain.Task{}, validationf("dependency %s not in project %s", dep.ID, p.Slug)
		}
		deps = append(deps, dep.ID)
	}

	now := e.timestamp()
	t := domain.Task{
		ID:          domain.NewID("task"),
		ProjectID:   p.ID,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      opts.Status,
		Priority:    priority,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	for _, dep := range deps {
		if err := e.Repo.AddTaskDependency(ctx, tx, t.ID, dep, now); err != nil {
			return domain.Task{}, err
		}
	}
	payload := events.EventPayload{"title": t.Title, "status": t.Status, "priority": t.Priority}
	if len(deps) > 0 {
		payload["depends_on"] = deps
	}
	if err := e.Events.Append(ctx, tx, events.TaskCreated, p.ID, events.KindTask, t.ID, opts.ActorID, payload); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	t.DependsOn = deps
	return t, nil
}

// TaskUpdateOptions carries partial field updates; nil pointers leave fields
// unchanged. Status moves through SetTaskStatus, never through here.
type TaskUpdateOptions struct {
	Ref             string
	Title           *string
	Description     *string
	Priority        *int
	Output          *string
	ExpectedVersion int64
	ActorID         string
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, opts.Ref)
	if err != nil {
		return domain.Task{}, err
	}
	if opts.ExpectedVersion > 0 && opts.ExpectedVersion != t.Version {
		return domain.Task{}, fmt.Errorf("task %s at version %d, expected %d: %w", t.ID, t.Version, opts.ExpectedVersion, ErrVersionConflict)
	}
	if opts.Priority != nil && (*opts.Priority < domain.PriorityMin || *opts.Priority > domain.PriorityMax) {
		return domain.Task{}, validationf("priority %d out of range %d..%d", *opts.Priority, domain.PriorityMin, domain.PriorityMax)
	}
	changed := events.EventPayload{}
	if opts.Title != nil && *opts.Title != t.Title {
		if *opts.Title == "" {
			return domain.Task{}, validationf("title is required")
		}
		t.Title = *opts.Title
		changed["title"] = t.Title
	}
	if opts.Description != nil && *opts.Description != t.Description {
		t.Description = *opts.Description
		changed["description"] = t.Description
	}
	if opts.Priority != nil && *opts.Priority != t.Priority {
		t.Priority = *opts.Priority
		changed["priority"] = t.Priority
	}
	if opts.Output != nil && *opts.Output != t.Output {
		t.Output = *opts.Output
		changed["output"] = t.Output
	}
	if len(changed) == 0 {
		return t, nil
	}
	t.UpdatedAt = e.timestamp()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, translateStale(err, "task", t.ID)
	}
	if err := e.Events.Append(ctx, tx, events.TaskUpdated, t.ProjectID, events.KindTask, t.ID, opts.ActorID, changed); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	t.Version++
	return t, nil
}

func (e Engine) DeleteTask(ctx context.Context, ref, actorID string) error {
	t, err := e.Repo.GetTask(ctx, ref)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteTask(ctx, tx, t.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TaskDeleted, t.ProjectID, events.KindTask, t.ID, actorID, events.EventPayload{"title": t.Title}); err != nil {
		return err
	}
	return tx.Commit()
}

// TaskStatusOptions drive a status transition.
type TaskStatusOptions struct {
	Ref             string
	Status          string
	Output          *string
	Force           bool
	ExpectedVersion int64
	ActorID         string
}

// SetTaskStatus moves a task through its lifecycle. Transitions into
// in_progress and done require every dependency done and respect a live lease
// held by someone else; --force overrides both. Completing a task records
// completed_at and clears its lease.
func (e Engine) SetTaskStatus(ctx context.Context, opts TaskStatusOptions) (domain.Task, error) {
	if !domain.ValidTaskStatus(opts.Status) {
		return domain.Task{}, validationf("invalid status %q", opts.Status)
	}
	t, err := e.Repo.GetTask(ctx, opts.Ref)
	if err != nil {
		return domain.Task{}, err
	}
	if opts.ExpectedVersion > 0 && opts.ExpectedVersion != t.Version {
		return domain.Task{}, fmt.Errorf("task %s at version %d, expected %d: %w", t.ID, t.Version, opts.ExpectedVersion, ErrVersionConflict)
	}
	if t.Status == opts.Status {
		return t, nil
	}
	if err := ensureTaskTransition(t.Status, opts.Status, opts.Force); err != nil {
		return domain.Task{}, err
	}
	if t.Status == domain.TaskDraft && opts.Status == domain.TaskTodo && t.Description == "" && !opts.Force {
		return domain.Task{}, validationf("task %s has no description; add one before promoting", t.ID)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	entersWork := opts.Status == domain.TaskInProgress || opts.Status == domain.TaskDone
	if entersWork && !opts.Force {
		unmet, err := e.Repo.UnmetTaskDependenciesTx(ctx, tx, t.ID)
		if err != nil {
			return domain.Task{}, err
		}
		if len(unmet) > 0 {
			return domain.Task{}, &BlockedError{TaskID: t.ID, Unmet: unmet}
		}
	}
	if entersWork {
		if err := e.requireLeaseOrForce(ctx, tx, t.ID, opts.ActorID, opts.Force); err != nil {
			return domain.Task{}, err
		}
	}

	old := t.Status
	now := e.timestamp()
	t.Status = opts.Status
	t.UpdatedAt = now
	if opts.Output != nil {
		t.Output = *opts.Output
	}
	var clearLease bool
	if opts.Status == domain.TaskDone {
		t.CompletedAt = &now
		clearLease = true
	} else {
		// Leaving done (or never having been there) means no completion time.
		t.CompletedAt = nil
	}
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, translateStale(err, "task", t.ID)
	}
	if clearLease {
		if _, err := e.Repo.GetLeaseTx(ctx, tx, t.ID); err == nil {
			if err := e.Repo.DeleteLease(ctx, tx, t.ID); err != nil {
				return domain.Task{}, err
			}
			if err := e.Events.Append(ctx, tx, events.LeaseReleased, t.ProjectID, events.KindTask, t.ID, opts.ActorID, events.EventPayload{"reason": "task_done"}); err != nil {
				return domain.Task{}, err
			}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, err
		}
	}
	payload := events.EventPayload{"from": old, "to": t.Status}
	if opts.Output != nil {
		payload["output"] = t.Output
	}
	if err := e.Events.Append(ctx, tx, events.TaskStatusChanged, t.ProjectID, events.KindTask, t.ID, opts.ActorID, payload); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	t.Version++
	return t, nil
}

// CompleteTask is task done: records the output and transitions to done.
func (e Engine) CompleteTask(ctx context.Context, ref, output, actorID string, force bool, expectedVersion int64) (domain.Task, error) {
	opts := TaskStatusOptions{
		Ref:             ref,
		Status:          domain.TaskDone,
		Force:           force,
		ExpectedVersion: expectedVersion,
		ActorID:         actorID,
	}
	if output != "" {
		opts.Output = &output
	}
	return e.SetTaskStatus(ctx, opts)
}

func ensureTaskTransition(oldStatus, newStatus string, force bool) error {
	if force {
		return nil
	}
	switch oldStatus {
	case domain.TaskDraft:
		if newStatus == domain.TaskTodo || newStatus == domain.TaskBlocked {
			return nil
		}
	case domain.TaskTodo:
		if newStatus == domain.TaskInProgress || newStatus == domain.TaskBlocked {
			return nil
		}
	case domain.TaskInProgress:
		if newStatus == domain.TaskDone || newStatus == domain.TaskTodo || newStatus == domain.TaskBlocked {
			return nil
		}
	case domain.TaskBlocked:
		if newStatus == domain.TaskTodo {
			return nil
		}
	case domain.TaskDone:
		if newStatus == domain.TaskTodo {
			return nil
		}
	}
	return validationf("invalid task status transition %s -> %s", oldStatus, newStatus)
}

// requireLeaseOrForce rejects work on a task whose live lease belongs to
// someone else.
func (e Engine) requireLeaseOrForce(ctx context.Context, tx *sql.Tx, taskID, actorID string, force bool) error {
	if force {
		return nil
	}
	l, err := e.Repo.GetLeaseTx(ctx, tx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if l.Expired(e.now()) || l.OwnerID == actorID {
		return nil
	}
	return &ConflictError{TaskID: taskID, OwnerID: l.OwnerID, ExpiresAt: l.ExpiresAt}
}

// AddTaskDependency records that a task depends on another task of the same
// project. Self-references and cycles are rejected before anything commits.
func (e Engine) AddTaskDependency(ctx context.Context, taskRef, dependsOnRef, actorID string) error {
	t, err := e.Repo.GetTask(ctx, taskRef)
	if err != nil {
		return err
	}
	dep, err := e.Repo.GetTask(ctx, dependsOnRef)
	if err != nil {
		return fmt.Errorf("dependency %s: %w", dependsOnRef, err)
	}
	if t.ID == dep.ID {
		return fmt.Errorf("task %s: %w", t.ID, ErrSelfDependency)
	}
	if dep.ProjectID != t.ProjectID {
		return validationf("dependency %s not in project of task %s", dep.ID, t.ID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	adj, err := e.Repo.AllTaskEdgesTx(ctx, tx, t.ProjectID)
	if err != nil {
		return err
	}
	if graph.WouldCycle(adj, t.ID, dep.ID) {
		return &CycleError{Kind: "task", From: t.ID, To: dep.ID}
	}
	if err := e.Repo.AddTaskDependency(ctx, tx, t.ID, dep.ID, e.timestamp()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.DependencyAdded, t.ProjectID, events.KindTask, t.ID, actorID, events.EventPayload{"kind": "task", "depends_on": dep.ID}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) RemoveTaskDependency(ctx context.Context, taskRef, dependsOnRef, actorID string) error {
	t, err := e.Repo.GetTask(ctx, taskRef)
	if err != nil {
		return err
	}
	dep, err := e.Repo.GetTask(ctx, dependsOnRef)
	if err != nil {
		return fmt.Errorf("dependency %s: %w", dependsOnRef, err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RemoveTaskDependency(ctx, tx, t.ID, dep.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.DependencyRemoved, t.ProjectID, events.KindTask, t.ID, actorID, events.EventPayload{"kind": "task", "depends_on": dep.ID}); err != nil {
		return err
	}
	return tx.Commit()
}

// ShowTask returns a task with its live lease attached; an expired lease
// renders as absent.
func (e Engine) ShowTask(ctx context.Context, ref string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, ref)
	if err != nil {
		return domain.Task{}, err
	}
	l, err := e.Repo.GetLease(ctx, t.ID)
	if err == nil && !l.Expired(e.now()) {
		t.Lease = &l
	} else if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, err
	}
	return t, nil
}
