package repo

import (
	"context"
	"database/sql"

	"gaffer/internal/domain"
)

// Snapshot is the JSON document stored in a checkpoint row. It captures every
// workspace entity table verbatim, versions and timestamps included. The event
// log, the checkpoint table itself and the worker registry are not part of it.
type Snapshot struct {
	Initiatives        []domain.Initiative `json:"initiatives"`
	Projects           []domain.Project    `json:"projects"`
	Tasks              []domain.Task       `json:"tasks"`
	Sessions           []domain.Session    `json:"sessions"`
	Leases             []domain.Lease      `json:"leases"`
	InitiativeProjects []Edge              `json:"initiative_projects"`
	ProjectDeps        []Edge              `json:"project_dependencies"`
	TaskDeps           []Edge              `json:"task_dependencies"`
	SessionProjects    []Edge              `json:"session_projects"`
}

// Edge is a generic link row: From depends on (or contains) To, recorded At.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
	At   string `json:"at"`
}

func scanCheckpoint(row rowScanner) (domain.Checkpoint, error) {
	var c domain.Checkpoint
	err := row.Scan(&c.ID, &c.Name, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) InsertCheckpoint(ctx context.Context, tx *sql.Tx, c domain.Checkpoint, snapshotJSON string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO checkpoints(id,name,created_at,snapshot_json) VALUES (?,?,?,?)
ON CONFLICT(name) DO UPDATE SET id=excluded.id, created_at=excluded.created_at, snapshot_json=excluded.snapshot_json`,
		c.ID, c.Name, c.CreatedAt, snapshotJSON)
	return err
}

func (r Repo) GetCheckpoint(ctx context.Context, name string) (domain.Checkpoint, error) {
	return scanCheckpoint(r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM checkpoints WHERE name=?`, name))
}

func (r Repo) GetCheckpointSnapshotTx(ctx context.Context, tx *sql.Tx, name string) (string, error) {
	var snapshot string
	err := tx.QueryRowContext(ctx, `SELECT snapshot_json FROM checkpoints WHERE name=?`, name).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return snapshot, err
}

func (r Repo) ListCheckpoints(ctx context.Context) ([]domain.Checkpoint, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM checkpoints ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) DeleteCheckpoint(ctx context.Context, tx *sql.Tx, name string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE name=?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneCheckpoints deletes all but the newest keep checkpoints and returns
// the deleted ones.
func (r Repo) PruneCheckpoints(ctx context.Context, tx *sql.Tx, keep int) ([]domain.Checkpoint, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id,name,created_at FROM checkpoints WHERE id NOT IN (
		SELECT id FROM checkpoints ORDER BY created_at DESC, id DESC LIMIT ?
	) ORDER BY created_at ASC, id ASC`, keep)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var victims []domain.Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		victims = append(victims, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(victims) == 0 {
		return nil, nil
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE id NOT IN (
		SELECT id FROM checkpoints ORDER BY created_at DESC, id DESC LIMIT ?
	)`, keep)
	return victims, err
}

// SnapshotTx reads every entity table inside the given transaction.
func (r Repo) SnapshotTx(ctx context.Context, tx *sql.Tx) (Snapshot, error) {
	var snap Snapshot

	rows, err := tx.QueryContext(ctx, `SELECT `+initiativeCols+` FROM initiatives ORDER BY id`)
	if err != nil {
		return snap, err
	}
	for rows.Next() {
		in, err := scanInitiative(rows)
		if err != nil {
			rows.Close()
			return snap, err
		}
		snap.Initiatives = append(snap.Initiatives, in)
	}
	rows.Close()

	rows, err = tx.QueryContext(ctx, `SELECT `+projectCols+` FROM projects ORDER BY id`)
	if err != nil {
		return snap, err
	}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			rows.Close()
			return snap, err
		}
		snap.Projects = append(snap.Projects, p)
	}
	rows.Close()

	rows, err = tx.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks ORDER BY id`)
	if err != nil {
		return snap, err
	}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return snap, err
		}
		snap.Tasks = append(snap.Tasks, t)
	}
	rows.Close()

	rows, err = tx.QueryContext(ctx, `SELECT `+sessionCols+` FROM sessions ORDER BY id`)
	if err != nil {
		return snap, err
	}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return snap, err
		}
		snap.Sessions = append(snap.Sessions, s)
	}
	rows.Close()

	rows, err = tx.QueryContext(ctx, `SELECT task_id,owner_id,acquired_at,expires_at FROM leases ORDER BY task_id`)
	if err != nil {
		return snap, err
	}
	for rows.Next() {
		var l domain.Lease
		if err := rows.Scan(&l.TaskID, &l.OwnerID, &l.AcquiredAt, &l.ExpiresAt); err != nil {
			rows.Close()
			return snap, err
		}
		snap.Leases = append(snap.Leases, l)
	}
	rows.Close()

	edgeSets := []struct {
		query string
		dest  *[]Edge
	}{
		{`SELECT initiative_id,project_id,added_at FROM initiative_projects ORDER BY initiative_id,project_id`, &snap.InitiativeProjects},
		{`SELECT project_id,depends_on_project_id,created_at FROM project_dependencies ORDER BY project_id,depends_on_project_id`, &snap.ProjectDeps},
		{`SELECT task_id,depends_on_task_id,created_at FROM task_dependencies ORDER BY task_id,depends_on_task_id`, &snap.TaskDeps},
		{`SELECT session_id,project_id,added_at FROM session_projects ORDER BY session_id,project_id`, &snap.SessionProjects},
	}
	for _, set := range edgeSets {
		rows, err = tx.QueryContext(ctx, set.query)
		if err != nil {
			return snap, err
		}
		for rows.Next() {
			var e Edge
			if err := rows.Scan(&e.From, &e.To, &e.At); err != nil {
				rows.Close()
				return snap, err
			}
			*set.dest = append(*set.dest, e)
		}
		rows.Close()
	}
	return snap, nil
}

// RestoreTx replaces every entity table with the snapshot contents. Row ids,
// versions and timestamps are reinstated exactly as captured.
func (r Repo) RestoreTx(ctx context.Context, tx *sql.Tx, snap Snapshot) error {
	wipe := []string{
		`DELETE FROM session_projects`,
		`DELETE FROM sessions`,
		`DELETE FROM leases`,
		`DELETE FROM task_dependencies`,
		`DELETE FROM tasks`,
		`DELETE FROM project_dependencies`,
		`DELETE FROM initiative_projects`,
		`DELETE FROM projects`,
		`DELETE FROM initiatives`,
	}
	for _, stmt := range wipe {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	for _, in := range snap.Initiatives {
		if err := r.InsertInitiative(ctx, tx, in); err != nil {
			return err
		}
	}
	for _, p := range snap.Projects {
		if err := r.InsertProject(ctx, tx, p); err != nil {
			return err
		}
	}
	for _, e := range snap.InitiativeProjects {
		if err := r.AddInitiativeProject(ctx, tx, e.From, e.To, e.At); err != nil {
			return err
		}
	}
	for _, e := range snap.ProjectDeps {
		if err := r.AddProjectDependency(ctx, tx, e.From, e.To, e.At); err != nil {
			return err
		}
	}
	for _, t := range snap.Tasks {
		if err := r.InsertTask(ctx, tx, t); err != nil {
			return err
		}
	}
	for _, e := range snap.TaskDeps {
		if err := r.AddTaskDependency(ctx, tx, e.From, e.To, e.At); err != nil {
			return err
		}
	}
	for _, l := range snap.Leases {
		if err := r.UpsertLease(ctx, tx, l); err != nil {
			return err
		}
	}
	for _, s := range snap.Sessions {
		if err := r.InsertSession(ctx, tx, s); err != nil {
			return err
		}
	}
	for _, e := range snap.SessionProjects {
		if err := r.AddSessionProject(ctx, tx, e.From, e.To, e.At); err != nil {
			return err
		}
	}
	return nil
}
