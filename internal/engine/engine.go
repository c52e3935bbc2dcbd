// Package engine implements every workspace mutation: entity lifecycle,
// dependency edges, leases, checkpoints and sessions. Each operation is one
// transaction that validates, writes, and appends its events before commit.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gaffer/internal/config"
	"gaffer/internal/domain"
	"gaffer/internal/events"
	"gaffer/internal/graph"
	"gaffer/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) leaseTTL() time.Duration {
	return e.Config.TTL()
}

var slugRE = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

var entityStatuses = []string{"active", "paused", "done", "archived"}

func validEntityStatus(s string) bool {
	for _, v := range entityStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// InitiativeCreateOptions are parameters for creating an initiative.
type InitiativeCreateOptions struct {
	Slug        string
	Name        string
	Description string
	Owner       string
	Tags        []string
	ActorID     string
}

func (e Engine) CreateInitiative(ctx context.Context, opts InitiativeCreateOptions) (domain.Initiative, error) {
	if opts.Name == "" {
		return domain.Initiative{}, validationf("name is required")
	}
	if opts.Slug == "" {
		opts.Slug = slugify(opts.Name)
	}
	if !slugRE.MatchString(opts.Slug) {
		return domain.Initiative{}, validationf("invalid slug %q", opts.Slug)
	}
	if _, err := e.Repo.GetInitiativeBySlug(ctx, opts.Slug); err == nil {
		return domain.Initiative{}, fmt.Errorf("initiative %q: %w", opts.Slug, ErrAlreadyExists)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Initiative{}, err
	}

	now := e.timestamp()
	in := domain.Initiative{
		ID:          domain.NewID("init"),
		Slug:        opts.Slug,
		Name:        opts.Name,
		Description: opts.Description,
		Owner:       opts.Owner,
		Status:      "active",
		Tags:        opts.Tags,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Initiative{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertInitiative(ctx, tx, in); err != nil {
		return domain.Initiative{}, fmt.Errorf("insert initiative: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.InitiativeCreated, "", events.KindInitiative, in.ID, opts.ActorID, events.EventPayload{"slug": in.Slug, "name": in.Name}); err != nil {
		return domain.Initiative{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Initiative{}, err
	}
	return in, nil
}

// InitiativeUpdateOptions carries partial updates; nil pointers leave fields
// unchanged.
type InitiativeUpdateOptions struct {
	Ref             string
	Name            *string
	Description     *string
	Owner           *string
	Status          *string
	Tags            []string
	ExpectedVersion int64
	ActorID         string
}

func (e Engine) UpdateInitiative(ctx context.Context, opts InitiativeUpdateOptions) (domain.Initiative, error) {
	in, err := e.Repo.ResolveInitiative(ctx, opts.Ref)
	if err != nil {
		return domain.Initiative{}, err
	}
	if opts.ExpectedVersion > 0 && opts.ExpectedVersion != in.Version {
		return domain.Initiative{}, fmt.Errorf("initiative %s at version %d, expected %d: %w", in.ID, in.Version, opts.ExpectedVersion, ErrVersionConflict)
	}
	if opts.Status != nil && !validEntityStatus(*opts.Status) {
		return domain.Initiative{}, validationf("invalid status %q", *opts.Status)
	}
	changed := events.EventPayload{}
	if opts.Name != nil && *opts.Name != in.Name {
		in.Name = *opts.Name
		changed["name"] = in.Name
	}
	if opts.Description != nil && *opts.Description != in.Description {
		in.Description = *opts.Description
		changed["description"] = in.Description
	}
	if opts.Owner != nil && *opts.Owner != in.Owner {
		in.Owner = *opts.Owner
		changed["owner"] = in.Owner
	}
	if opts.Status != nil && *opts.Status != in.Status {
		in.Status = *opts.Status
		changed["status"] = in.Status
	}
	if opts.Tags != nil {
		in.Tags = opts.Tags
		changed["tags"] = strings.Join(in.Tags, ",")
	}
	if len(changed) == 0 {
		return in, nil
	}
	in.UpdatedAt = e.timestamp()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Initiative{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateInitiative(ctx, tx, in); err != nil {
		return domain.Initiative{}, translateStale(err, "initiative", in.ID)
	}
	if err := e.Events.Append(ctx, tx, events.InitiativeUpdated, "", events.KindInitiative, in.ID, opts.ActorID, changed); err != nil {
		return domain.Initiative{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Initiative{}, err
	}
	in.Version++
	return in, nil
}

func (e Engine) DeleteInitiative(ctx context.Context, ref, actorID string) error {
	in, err := e.Repo.ResolveInitiative(ctx, ref)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteInitiative(ctx, tx, in.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.InitiativeDeleted, "", events.KindInitiative, in.ID, actorID, events.EventPayload{"slug": in.Slug}); err != nil {
		return err
	}
	return tx.Commit()
}

// AddInitiativeProject attaches a project to an initiative. Attaching twice is
// a no-op.
func (e Engine) AddInitiativeProject(ctx context.Context, initiativeRef, projectRef, actorID string) error {
	in, err := e.Repo.ResolveInitiative(ctx, initiativeRef)
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
	if err := e.Repo.AddInitiativeProject(ctx, tx, in.ID, p.ID, e.timestamp()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.InitiativeUpdated, p.ID, events.KindInitiative, in.ID, actorID, events.EventPayload{"project_added": p.ID}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) RemoveInitiativeProject(ctx context.Context, initiativeRef, projectRef, actorID string) error {
	in, err := e.Repo.ResolveInitiative(ctx, initiativeRef)
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
	if err := e.Repo.RemoveInitiativeProject(ctx, tx, in.ID, p.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.InitiativeUpdated, p.ID, events.KindInitiative, in.ID, actorID, events.EventPayload{"project_removed": p.ID}); err != nil {
		return err
	}
	return tx.Commit()
}

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	Slug        string
	Name        string
	Description string
	Owner       string
	Tags        []string
	Initiative  string
	ActorID     string
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if opts.Name == "" {
		return domain.Project{}, validationf("name is required")
	}
	if opts.Slug == "" {
		opts.Slug = slugify(opts.Name)
	}
	if !slugRE.MatchString(opts.Slug) {
		return domain.Project{}, validationf("invalid slug %q", opts.Slug)
	}
	if _, err := e.Repo.GetProjectBySlug(ctx, opts.Slug); err == nil {
		return domain.Project{}, fmt.Errorf("project %q: %w", opts.Slug, ErrAlreadyExists)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, err
	}
	var initiative domain.Initiative
	if opts.Initiative != "" {
		var err error
		initiative, err = e.Repo.ResolveInitiative(ctx, opts.Initiative)
		if err != nil {
			return domain.Project{}, err
		}
	}

	now := e.timestamp()
	p := domain.Project{
		ID:          domain.NewID("proj"),
		Slug:        opts.Slug,
		Name:        opts.Name,
		Description: opts.Description,
		Owner:       opts.Owner,
		Status:      "active",
		Tags:        opts.Tags,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if initiative.ID != "" {
		if err := e.Repo.AddInitiativeProject(ctx, tx, initiative.ID, p.ID, now); err != nil {
			return domain.Project{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.ProjectCreated, p.ID, events.KindProject, p.ID, opts.ActorID, events.EventPayload{"slug": p.Slug, "name": p.Name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// ProjectUpdateOptions carries partial updates; nil pointers leave fields
// unchanged.
type ProjectUpdateOptions struct {
	Ref             string
	Name            *string
	Description     *string
	Owner           *string
	Status          *string
	Tags            []string
	ExpectedVersion int64
	ActorID         string
}

func (e Engine) UpdateProject(ctx context.Context, opts ProjectUpdateOptions) (domain.Project, error) {
	p, err := e.Repo.ResolveProject(ctx, opts.Ref)
	if err != nil {
		return domain.Project{}, err
	}
	if opts.ExpectedVersion > 0 && opts.ExpectedVersion != p.Version {
		return domain.Project{}, fmt.Errorf("project %s at version %d, expected %d: %w", p.ID, p.Version, opts.ExpectedVersion, ErrVersionConflict)
	}
	if opts.Status != nil && !validEntityStatus(*opts.Status) {
		return domain.Project{}, validationf("invalid status %q", *opts.Status)
	}
	changed := events.EventPayload{}
	if opts.Name != nil && *opts.Name != p.Name {
		p.Name = *opts.Name
		changed["name"] = p.Name
	}
	if opts.Description != nil && *opts.Description != p.Description {
		p.Description = *opts.Description
		changed["description"] = p.Description
	}
	if opts.Owner != nil && *opts.Owner != p.Owner {
		p.Owner = *opts.Owner
		changed["owner"] = p.Owner
	}
	if opts.Status != nil && *opts.Status != p.Status {
		p.Status = *opts.Status
		changed["status"] = p.Status
	}
	if opts.Tags != nil {
		p.Tags = opts.Tags
		changed["tags"] = strings.Join(p.Tags, ",")
	}
	if len(changed) == 0 {
		return p, nil
	}
	p.UpdatedAt = e.timestamp()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProject(ctx, tx, p); err != nil {
		return domain.Project{}, translateStale(err, "project", p.ID)
	}
	if err := e.Events.Append(ctx, tx, events.ProjectUpdated, p.ID, events.KindProject, p.ID, opts.ActorID, changed); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	p.Version++
	return p, nil
}

func (e Engine) DeleteProject(ctx context.Context, ref, actorID string) error {
	p, err := e.Repo.ResolveProject(ctx, ref)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteProject(ctx, tx, p.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.ProjectDeleted, p.ID, events.KindProject, p.ID, actorID, events.EventPayload{"slug": p.Slug}); err != nil {
		return err
	}
	return tx.Commit()
}

// AddProjectDependency records that one project depends on another. The edge
// is rejected when it is a self-reference or would close a cycle.
func (e Engine) AddProjectDependency(ctx context.Context, fromRef, toRef, actorID string) error {
	from, err := e.Repo.ResolveProject(ctx, fromRef)
	if err != nil {
		return err
	}
	to, err := e.Repo.ResolveProject(ctx, toRef)
	if err != nil {
		return err
	}
	if from.ID == to.ID {
		return fmt.Errorf("project %s: %w", from.ID, ErrSelfDependency)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	adj, err := e.Repo.AllProjectEdgesTx(ctx, tx)
	if err != nil {
		return err
	}
	if graph.WouldCycle(adj, from.ID, to.ID) {
		return &CycleError{Kind: "project", From: from.ID, To: to.ID}
	}
	if err := e.Repo.AddProjectDependency(ctx, tx, from.ID, to.ID, e.timestamp()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.DependencyAdded, from.ID, events.KindProject, from.ID, actorID, events.EventPayload{"kind": "project", "depends_on": to.ID}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) RemoveProjectDependency(ctx context.Context, fromRef, toRef, actorID string) error {
	from, err := e.Repo.ResolveProject(ctx, fromRef)
	if err != nil {
		return err
	}
	to, err := e.Repo.ResolveProject(ctx, toRef)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RemoveProjectDependency(ctx, tx, from.ID, to.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.DependencyRemoved, from.ID, events.KindProject, from.ID, actorID, events.EventPayload{"kind": "project", "depends_on": to.ID}); err != nil {
		return err
	}
	return tx.Commit()
}

// --- helpers ---

func translateStale(err error, kind, id string) error {
	if errors.Is(err, repo.ErrStale) {
		return fmt.Errorf("%s %s changed concurrently: %w", kind, id, ErrVersionConflict)
	}
	return err
}

func slugify(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		case !lastHyphen:
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.Trim(b.String(), "-")
}
