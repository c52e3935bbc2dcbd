package repo

import (
	"context"
	"strings"

	"gaffer/internal/domain"
)

// SearchProjects matches the query case-insensitively against project slug,
// name and description.
func (r Repo) SearchProjects(ctx context.Context, query string, limit int) ([]domain.Project, error) {
	pattern := "%" + strings.ToLower(query) + "%"
	q := `SELECT ` + projectCols + ` FROM projects
WHERE lower(slug) LIKE ? OR lower(name) LIKE ? OR lower(COALESCE(description,'')) LIKE ?
ORDER BY created_at DESC, id DESC`
	args := []any{pattern, pattern, pattern}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, args...)
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

// SearchTasks matches the query case-insensitively against task title,
// description and output, optionally restricted to one project.
func (r Repo) SearchTasks(ctx context.Context, query, projectID string, limit int) ([]domain.Task, error) {
	pattern := "%" + strings.ToLower(query) + "%"
	clauses := []string{`(lower(title) LIKE ? OR lower(COALESCE(description,'')) LIKE ? OR lower(COALESCE(output,'')) LIKE ?)`}
	args := []any{pattern, pattern, pattern}
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	q := `SELECT ` + taskCols + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, args...)
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

// SearchInitiatives matches the query case-insensitively against initiative
// slug, name and description.
func (r Repo) SearchInitiatives(ctx context.Context, query string, limit int) ([]domain.Initiative, error) {
	pattern := "%" + strings.ToLower(query) + "%"
	q := `SELECT ` + initiativeCols + ` FROM initiatives
WHERE lower(slug) LIKE ? OR lower(name) LIKE ? OR lower(COALESCE(description,'')) LIKE ?
ORDER BY created_at DESC, id DESC`
	args := []any{pattern, pattern, pattern}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, args...)
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

// CountTasksByStatus returns status counts for the given projects, or for the
// entire workspace when projectIDs is empty.
func (r Repo) CountTasksByStatus(ctx context.Context, projectIDs []string) (map[string]int, error) {
	q := `SELECT status, COUNT(*) FROM tasks`
	var args []any
	if len(projectIDs) > 0 {
		q += ` WHERE project_id IN (` + placeholders(len(projectIDs)) + `)`
		for _, id := range projectIDs {
			args = append(args, id)
		}
	}
	q += ` GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CountTasksByPriority returns priority counts for the given projects, or for
// the entire workspace when projectIDs is empty.
func (r Repo) CountTasksByPriority(ctx context.Context, projectIDs []string) (map[int]int, error) {
	q := `SELECT priority, COUNT(*) FROM tasks`
	var args []any
	if len(projectIDs) > 0 {
		q += ` WHERE project_id IN (` + placeholders(len(projectIDs)) + `)`
		for _, id := range projectIDs {
			args = append(args, id)
		}
	}
	q += ` GROUP BY priority`
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[int]int{}
	for rows.Next() {
		var priority, n int
		if err := rows.Scan(&priority, &n); err != nil {
			return nil, err
		}
		counts[priority] = n
	}
	return counts, rows.Err()
}
