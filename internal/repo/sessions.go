package repo

import (
	"context"
	"database/sql"

	"gaffer/internal/domain"
)

const sessionCols = `id,COALESCE(name,''),COALESCE(mode,''),COALESCE(focus_task_id,''),status,started_at,ended_at,updated_at,version`

func scanSession(row rowScanner) (domain.Session, error) {
	var s domain.Session
	var endedAt sql.NullString
	err := row.Scan(&s.ID, &s.Name, &s.Mode, &s.FocusTaskID, &s.Status, &s.StartedAt, &endedAt, &s.UpdatedAt, &s.Version)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if endedAt.Valid {
		s.EndedAt = &endedAt.String
	}
	return s, nil
}

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions(id,name,mode,focus_task_id,status,started_at,ended_at,updated_at,version) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, nullable(s.Name), nullable(s.Mode), nullable(s.FocusTaskID), s.Status, s.StartedAt, nullableStringPtr(s.EndedAt), s.UpdatedAt, s.Version)
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	s, err := scanSession(r.DB.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id=?`, id))
	if err != nil {
		return s, err
	}
	s.Projects, err = r.ListSessionProjects(ctx, s.ID)
	return s, err
}

func (r Repo) GetSessionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Session, error) {
	return scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id=?`, id))
}

func (r Repo) ListSessions(ctx context.Context, activeOnly bool) ([]domain.Session, error) {
	query := `SELECT ` + sessionCols + ` FROM sessions`
	if activeOnly {
		query += ` WHERE status='active'`
	}
	query += ` ORDER BY started_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpdateSession applies a full-row update guarded by the row version.
func (r Repo) UpdateSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET name=?, mode=?, focus_task_id=?, status=?, ended_at=?, updated_at=?, version=version+1 WHERE id=? AND version=?`,
		nullable(s.Name), nullable(s.Mode), nullable(s.FocusTaskID), s.Status, nullableStringPtr(s.EndedAt), s.UpdatedAt, s.ID, s.Version)
	if err != nil {
		return err
	}
	return staleOrMissing(ctx, tx, res, `sessions`, s.ID)
}

func (r Repo) AddSessionProject(ctx context.Context, tx *sql.Tx, sessionID, projectID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO session_projects(session_id,project_id,added_at) VALUES (?,?,?)`,
		sessionID, projectID, now)
	return err
}

func (r Repo) RemoveSessionProject(ctx context.Context, tx *sql.Tx, sessionID, projectID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM session_projects WHERE session_id=? AND project_id=?`, sessionID, projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListSessionProjects(ctx context.Context, sessionID string) ([]string, error) {
	return r.listIDs(ctx, `SELECT project_id FROM session_projects WHERE session_id=? ORDER BY project_id`, sessionID)
}
