package engine

import (
	"context"
	"fmt"

	"gaffer/internal/domain"
	"gaffer/internal/events"
)

// SessionStartOptions are parameters for starting a session.
type SessionStartOptions struct {
	Name     string
	Mode     string
	Projects []string
	ActorID  string
}

// StartSession opens an active session, optionally pre-attached to projects.
// The returned id travels to sub-agent processes via GAFFER_SESSION.
func (e Engine) StartSession(ctx context.Context, opts SessionStartOptions) (domain.Session, error) {
	projectIDs := make([]string, 0, len(opts.Projects))
	for _, ref := range opts.Projects {
		p, err := e.Repo.ResolveProject(ctx, ref)
		if err != nil {
			return domain.Session{}, fmt.Errorf("project %s: %w", ref, err)
		}
		projectIDs = append(projectIDs, p.ID)
	}

	now := e.timestamp()
	s := domain.Session{
		ID:        domain.NewID("sess"),
		Name:      opts.Name,
		Mode:      opts.Mode,
		Status:    domain.SessionActive,
		StartedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
		return domain.Session{}, fmt.Errorf("insert session: %w", err)
	}
	for _, id := range projectIDs {
		if err := e.Repo.AddSessionProject(ctx, tx, s.ID, id, now); err != nil {
			return domain.Session{}, err
		}
	}
	payload := events.EventPayload{"name": s.Name}
	if len(projectIDs) > 0 {
		payload["projects"] = projectIDs
	}
	if err := e.Events.Append(ctx, tx, events.SessionStarted, "", events.KindSession, s.ID, opts.ActorID, payload); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	s.Projects = projectIDs
	return s, nil
}

// EndSession closes a session. History stays; nothing is deleted.
func (e Engine) EndSession(ctx context.Context, id, actorID string) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}
	if s.Status == domain.SessionEnded {
		return s, nil
	}
	now := e.timestamp()
	s.Status = domain.SessionEnded
	s.EndedAt = &now
	s.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
		return domain.Session{}, translateStale(err, "session", s.ID)
	}
	if err := e.Events.Append(ctx, tx, events.SessionEnded, "", events.KindSession, s.ID, actorID, events.EventPayload{}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	s.Version++
	return s, nil
}

// AttachSessionProject adds a project to the session's scheduling scope.
func (e Engine) AttachSessionProject(ctx context.Context, sessionID, projectRef string) error {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.Status != domain.SessionActive {
		return validationf("session %s has ended", s.ID)
	}
	p, err := e.Repo.ResolveProject(ctx, projectRef)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.AddSessionProject(ctx, tx, s.ID, p.ID, e.timestamp()); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) DetachSessionProject(ctx context.Context, sessionID, projectRef string) error {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	p, err := e.Repo.ResolveProject(ctx, projectRef)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RemoveSessionProject(ctx, tx, s.ID, p.ID); err != nil {
		return err
	}
	return tx.Commit()
}

// FocusTask points the session at one task.
func (e Engine) FocusTask(ctx context.Context, sessionID, taskRef string) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if s.Status != domain.SessionActive {
		return domain.Session{}, validationf("session %s has ended", s.ID)
	}
	t, err := e.Repo.GetTask(ctx, taskRef)
	if err != nil {
		return domain.Session{}, err
	}
	if s.FocusTaskID == t.ID {
		return s, nil
	}
	s.FocusTaskID = t.ID
	s.UpdatedAt = e.timestamp()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
		return domain.Session{}, translateStale(err, "session", s.ID)
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	s.Version++
	return s, nil
}
