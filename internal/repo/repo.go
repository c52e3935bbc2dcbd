package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"gaffer/internal/domain"
	"gaffer/internal/graph"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrStale means a versioned update matched the row id but not the caller's
// version; the caller must re-read and retry.
var ErrStale = errors.New("stale version")

type rowScanner interface {
	Scan(dest ...any) error
}

const projectCols = `id,slug,name,COALESCE(description,''),COALESCE(owner,''),status,COALESCE(tags,''),created_at,updated_at,version`

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	var tags string
	err := row.Scan(&p.ID, &p.Slug, &p.Name, &p.Description, &p.Owner, &p.Status, &tags, &p.CreatedAt, &p.UpdatedAt, &p.Version)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Tags = domain.SplitTags(tags)
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,slug,name,description,owner,status,tags,created_at,updated_at,version) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Slug, p.Name, nullable(p.Description), nullable(p.Owner), p.Status, nullable(domain.JoinTags(p.Tags)), p.CreatedAt, p.UpdatedAt, p.Version)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	p, err := scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id))
	if err != nil {
		return p, err
	}
	p.DependsOn, err = r.ListProjectDependencies(ctx, p.ID)
	return p, err
}

func (r Repo) GetProjectBySlug(ctx context.Context, slug string) (domain.Project, error) {
	p, err := scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE slug=?`, slug))
	if err != nil {
		return p, err
	}
	p.DependsOn, err = r.ListProjectDependencies(ctx, p.ID)
	return p, err
}

// ResolveProject accepts either a project id or a slug.
func (r Repo) ResolveProject(ctx context.Context, ref string) (domain.Project, error) {
	p, err := r.GetProject(ctx, ref)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return p, err
	}
	return r.GetProjectBySlug(ctx, ref)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return scanProject(tx.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectCols+` FROM projects ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateProject applies a full-row update guarded by the row version.
func (r Repo) UpdateProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET slug=?, name=?, description=?, owner=?, status=?, tags=?, updated_at=?, version=version+1 WHERE id=? AND version=?`,
		p.Slug, p.Name, nullable(p.Description), nullable(p.Owner), p.Status, nullable(domain.JoinTags(p.Tags)), p.UpdatedAt, p.ID, p.Version)
	if err != nil {
		return err
	}
	return staleOrMissing(ctx, tx, res, `projects`, p.ID)
}

func (r Repo) DeleteProject(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) AddProjectDependency(ctx context.Context, tx *sql.Tx, projectID, dependsOn, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO project_dependencies(project_id,depends_on_project_id,created_at) VALUES (?,?,?)`,
		projectID, dependsOn, now)
	return err
}

func (r Repo) RemoveProjectDependency(ctx context.Context, tx *sql.Tx, projectID, dependsOn string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM project_dependencies WHERE project_id=? AND depends_on_project_id=?`, projectID, dependsOn)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListProjectDependencies(ctx context.Context, projectID string) ([]string, error) {
	return r.listIDs(ctx, `SELECT depends_on_project_id FROM project_dependencies WHERE project_id=? ORDER BY depends_on_project_id`, projectID)
}

func (r Repo) ListProjectDependents(ctx context.Context, projectID string) ([]string, error) {
	return r.listIDs(ctx, `SELECT project_id FROM project_dependencies WHERE depends_on_project_id=? ORDER BY project_id`, projectID)
}

// AllProjectEdgesTx loads the full project dependency adjacency for cycle
// checks inside the inserting transaction.
func (r Repo) AllProjectEdgesTx(ctx context.Context, tx *sql.Tx) (graph.Adjacency, error) {
	rows, err := tx.QueryContext(ctx, `SELECT project_id, depends_on_project_id FROM project_dependencies`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	adj := graph.Adjacency{}
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		adj.Add(from, to)
	}
	return adj, rows.Err()
}

// ProjectUnblocked reports whether every dependency project has all of its
// tasks done. A dependency with zero tasks counts as done.
func (r Repo) ProjectUnblocked(ctx context.Context, projectID string) (bool, error) {
	var blocked int
	err := r.DB.QueryRowContext(ctx, `SELECT EXISTS (
		SELECT 1 FROM project_dependencies pd
		JOIN tasks t ON t.project_id = pd.depends_on_project_id
		WHERE pd.project_id=? AND t.status != 'done'
	)`, projectID).Scan(&blocked)
	return blocked == 0, err
}

const taskCols = `id,project_id,title,COALESCE(description,''),status,priority,COALESCE(output,''),created_at,updated_at,completed_at,version`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var completedAt sql.NullString
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.Output, &t.CreatedAt, &t.UpdatedAt, &completedAt, &t.Version)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,project_id,title,description,status,priority,output,created_at,updated_at,completed_at,version)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Title, nullable(t.Description), t.Status, t.Priority, nullable(t.Output), t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt), t.Version)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	t.DependsOn, err = r.ListTaskDependencies(ctx, t.ID)
	return t, err
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	t.DependsOn, err = r.listIDsTx(ctx, tx, `SELECT depends_on_task_id FROM task_dependencies WHERE task_id=? ORDER BY depends_on_task_id`, t.ID)
	return t, err
}

// UpdateTask applies a full-row update guarded by the row version.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, status=?, priority=?, output=?, updated_at=?, completed_at=?, version=version+1 WHERE id=? AND version=?`,
		t.Title, nullable(t.Description), t.Status, t.Priority, nullable(t.Output), t.UpdatedAt, nullableStringPtr(t.CompletedAt), t.ID, t.Version)
	if err != nil {
		return err
	}
	return staleOrMissing(ctx, tx, res, `tasks`, t.ID)
}

func (r Repo) DeleteTask(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type TaskFilters struct {
	ProjectIDs      []string
	Status          string
	Priority        int // -1 for any
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if len(f.ProjectIDs) > 0 {
		clauses = append(clauses, "project_id IN ("+placeholders(len(f.ProjectIDs))+")")
		for _, id := range f.ProjectIDs {
			args = append(args, id)
		}
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Priority >= 0 {
		clauses = append(clauses, "priority=?")
		args = append(args, f.Priority)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskCols + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CandidateTasks returns schedulable tasks in the given projects: not draft,
// not blocked, not done, with every dependency done. Leases are attached raw;
// the scheduler decides expiry because "now" is its clock.
func (r Repo) CandidateTasks(ctx context.Context, projectIDs []string) ([]domain.Task, error) {
	if len(projectIDs) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(projectIDs))
	for _, id := range projectIDs {
		args = append(args, id)
	}
	query := `SELECT t.id,t.project_id,t.title,COALESCE(t.description,''),t.status,t.priority,COALESCE(t.output,''),t.created_at,t.updated_at,t.completed_at,t.version,
	l.owner_id,l.acquired_at,l.expires_at
FROM tasks t
LEFT JOIN leases l ON l.task_id = t.id
WHERE t.project_id IN (` + placeholders(len(projectIDs)) + `)
  AND t.status IN ('todo','in_progress')
  AND NOT EXISTS (
	SELECT 1 FROM task_dependencies d
	JOIN tasks dep ON dep.id = d.depends_on_task_id
	WHERE d.task_id = t.id AND dep.status != 'done'
  )
ORDER BY t.priority ASC, t.created_at ASC, t.id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		var t domain.Task
		var completedAt, owner, acquired, expires sql.NullString
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.Output, &t.CreatedAt, &t.UpdatedAt, &completedAt, &t.Version,
			&owner, &acquired, &expires); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			t.CompletedAt = &completedAt.String
		}
		if owner.Valid {
			t.Lease = &domain.Lease{TaskID: t.ID, OwnerID: owner.String, AcquiredAt: acquired.String, ExpiresAt: expires.String}
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// TaskUnblocked reports whether every dependency of the task is done.
func (r Repo) TaskUnblocked(ctx context.Context, taskID string) (bool, error) {
	var blocked int
	err := r.DB.QueryRowContext(ctx, `SELECT EXISTS (
		SELECT 1 FROM task_dependencies d
		JOIN tasks dep ON dep.id = d.depends_on_task_id
		WHERE d.task_id=? AND dep.status != 'done'
	)`, taskID).Scan(&blocked)
	return blocked == 0, err
}

func (r Repo) UnmetTaskDependenciesTx(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	return r.listIDsTx(ctx, tx, `SELECT dep.id FROM task_dependencies d
		JOIN tasks dep ON dep.id = d.depends_on_task_id
		WHERE d.task_id=? AND dep.status != 'done' ORDER BY dep.id`, taskID)
}

func (r Repo) AddTaskDependency(ctx context.Context, tx *sql.Tx, taskID, dependsOn, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_dependencies(task_id,depends_on_task_id,created_at) VALUES (?,?,?)`,
		taskID, dependsOn, now)
	return err
}

func (r Repo) RemoveTaskDependency(ctx context.Context, tx *sql.Tx, taskID, dependsOn string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id=? AND depends_on_task_id=?`, taskID, dependsOn)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListTaskDependencies(ctx context.Context, taskID string) ([]string, error) {
	return r.listIDs(ctx, `SELECT depends_on_task_id FROM task_dependencies WHERE task_id=? ORDER BY depends_on_task_id`, taskID)
}

func (r Repo) ListTaskDependents(ctx context.Context, taskID string) ([]string, error) {
	return r.listIDs(ctx, `SELECT task_id FROM task_dependencies WHERE depends_on_task_id=? ORDER BY task_id`, taskID)
}

// AllTaskEdgesTx loads the task dependency adjacency for one project. Task
// dependencies never cross projects, so the project's edges are the whole
// graph a cycle could occur in.
func (r Repo) AllTaskEdgesTx(ctx context.Context, tx *sql.Tx, projectID string) (graph.Adjacency, error) {
	rows, err := tx.QueryContext(ctx, `SELECT d.task_id, d.depends_on_task_id FROM task_dependencies d
		JOIN tasks t ON t.id = d.task_id WHERE t.project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	adj := graph.Adjacency{}
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		adj.Add(from, to)
	}
	return adj, rows.Err()
}

func (r Repo) UpsertLease(ctx context.Context, tx *sql.Tx, lease domain.Lease) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO leases(task_id,owner_id,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(task_id) DO UPDATE SET owner_id=excluded.owner_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at`,
		lease.TaskID, lease.OwnerID, lease.AcquiredAt, lease.ExpiresAt)
	return err
}

func (r Repo) DeleteLease(ctx context.Context, tx *sql.Tx, taskID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE task_id=?`, taskID)
	return err
}

func (r Repo) GetLease(ctx context.Context, taskID string) (domain.Lease, error) {
	var l domain.Lease
	err := r.DB.QueryRowContext(ctx, `SELECT task_id,owner_id,acquired_at,expires_at FROM leases WHERE task_id=?`, taskID).
		Scan(&l.TaskID, &l.OwnerID, &l.AcquiredAt, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

func (r Repo) GetLeaseTx(ctx context.Context, tx *sql.Tx, taskID string) (domain.Lease, error) {
	var l domain.Lease
	err := tx.QueryRowContext(ctx, `SELECT task_id,owner_id,acquired_at,expires_at FROM leases WHERE task_id=?`, taskID).
		Scan(&l.TaskID, &l.OwnerID, &l.AcquiredAt, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

func (r Repo) ListLeases(ctx context.Context) ([]domain.Lease, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT task_id,owner_id,acquired_at,expires_at FROM leases ORDER BY task_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Lease
	for rows.Next() {
		var l domain.Lease
		if err := rows.Scan(&l.TaskID, &l.OwnerID, &l.AcquiredAt, &l.ExpiresAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// --- helpers ---

func (r Repo) listIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) listIDsTx(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func staleOrMissing(ctx context.Context, tx *sql.Tx, res sql.Result, table, id string) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id=?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrStale
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
