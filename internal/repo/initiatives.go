package repo

import (
	"context"
	"database/sql"
	"errors"

	"gaffer/internal/domain"
)

const initiativeCols = `id,slug,name,COALESCE(description,''),COALESCE(owner,''),status,COALESCE(tags,''),created_at,updated_at,version`

func scanInitiative(row rowScanner) (domain.Initiative, error) {
	var in domain.Initiative
	var tags string
	err := row.Scan(&in.ID, &in.Slug, &in.Name, &in.Description, &in.Owner, &in.Status, &tags, &in.CreatedAt, &in.UpdatedAt, &in.Version)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	if err != nil {
		return in, err
	}
	in.Tags = domain.SplitTags(tags)
	return in, nil
}

func (r Repo) InsertInitiative(ctx context.Context, tx *sql.Tx, in domain.Initiative) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO initiatives(id,slug,name,description,owner,status,tags,created_at,updated_at,version) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		in.ID, in.Slug, in.Name, nullable(in.Description), nullable(in.Owner), in.Status, nullable(domain.JoinTags(in.Tags)), in.CreatedAt, in.UpdatedAt, in.Version)
	return err
}

func (r Repo) GetInitiative(ctx context.Context, id string) (domain.Initiative, error) {
	return scanInitiative(r.DB.QueryRowContext(ctx, `SELECT `+initiativeCols+` FROM initiatives WHERE id=?`, id))
}

func (r Repo) GetInitiativeBySlug(ctx context.Context, slug string) (domain.Initiative, error) {
	return scanInitiative(r.DB.QueryRowContext(ctx, `SELECT `+initiativeCols+` FROM initiatives WHERE slug=?`, slug))
}

// ResolveInitiative accepts either an initiative id or a slug.
func (r Repo) ResolveInitiative(ctx context.Context, ref string) (domain.Initiative, error) {
	in, err := r.GetInitiative(ctx, ref)
	if err == nil {
		return in, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return in, err
	}
	return r.GetInitiativeBySlug(ctx, ref)
}

func (r Repo) ListInitiatives(ctx context.Context) ([]domain.Initiative, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+initiativeCols+` FROM initiatives ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Initiative
	for rows.Next() {
		in, err := scanInitiative(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

// UpdateInitiative applies a full-row update guarded by the row version.
func (r Repo) UpdateInitiative(ctx context.Context, tx *sql.Tx, in domain.Initiative) error {
	res, err := tx.ExecContext(ctx, `UPDATE initiatives SET slug=?, name=?, description=?, owner=?, status=?, tags=?, updated_at=?, version=version+1 WHERE id=? AND version=?`,
		in.Slug, in.Name, nullable(in.Description), nullable(in.Owner), in.Status, nullable(domain.JoinTags(in.Tags)), in.UpdatedAt, in.ID, in.Version)
	if err != nil {
		return err
	}
	return staleOrMissing(ctx, tx, res, `initiatives`, in.ID)
}

func (r Repo) DeleteInitiative(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM initiatives WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) AddInitiativeProject(ctx context.Context, tx *sql.Tx, initiativeID, projectID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO initiative_projects(initiative_id,project_id,added_at) VALUES (?,?,?)`,
		initiativeID, projectID, now)
	return err
}

func (r Repo) RemoveInitiativeProject(ctx context.Context, tx *sql.Tx, initiativeID, projectID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM initiative_projects WHERE initiative_id=? AND project_id=?`, initiativeID, projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListInitiativeProjects(ctx context.Context, initiativeID string) ([]string, error) {
	return r.listIDs(ctx, `SELECT project_id FROM initiative_projects WHERE initiative_id=? ORDER BY project_id`, initiativeID)
}

func (r Repo) ListProjectInitiatives(ctx context.Context, projectID string) ([]string, error) {
	return r.listIDs(ctx, `SELECT initiative_id FROM initiative_projects WHERE project_id=? ORDER BY initiative_id`, projectID)
}
