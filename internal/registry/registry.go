// Package registry is the store behind the daemon: worker definitions and run
// records live in the global database, not in any workspace.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"gaffer/internal/domain"
)

type Registry struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type rowScanner interface {
	Scan(dest ...any) error
}

const workerCols = `id,runner,instance_path,event_type,COALESCE(filters_json,''),concurrency,status,COALESCE(error_reason,''),cursor,created_at,updated_at,started_at,stopped_at`

func scanWorker(row rowScanner) (domain.Worker, error) {
	var w domain.Worker
	var filters string
	var startedAt, stoppedAt sql.NullString
	err := row.Scan(&w.ID, &w.Runner, &w.InstancePath, &w.EventType, &filters, &w.Concurrency, &w.Status, &w.ErrorReason, &w.Cursor, &w.CreatedAt, &w.UpdatedAt, &startedAt, &stoppedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if filters != "" {
		if err := json.Unmarshal([]byte(filters), &w.Filters); err != nil {
			return w, err
		}
	}
	if startedAt.Valid {
		w.StartedAt = &startedAt.String
	}
	if stoppedAt.Valid {
		w.StoppedAt = &stoppedAt.String
	}
	return w, nil
}

func (r Registry) InsertWorker(ctx context.Context, w domain.Worker) error {
	filters, err := json.Marshal(w.Filters)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO workers(id,runner,instance_path,event_type,filters_json,concurrency,status,error_reason,cursor,created_at,updated_at,started_at,stopped_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.Runner, w.InstancePath, w.EventType, string(filters), w.Concurrency, w.Status, nullable(w.ErrorReason), w.Cursor, w.CreatedAt, w.UpdatedAt, nullableStringPtr(w.StartedAt), nullableStringPtr(w.StoppedAt))
	return err
}

func (r Registry) GetWorker(ctx context.Context, id string) (domain.Worker, error) {
	return scanWorker(r.DB.QueryRowContext(ctx, `SELECT `+workerCols+` FROM workers WHERE id=?`, id))
}

func (r Registry) ListWorkers(ctx context.Context, includeStopped bool) ([]domain.Worker, error) {
	query := `SELECT ` + workerCols + ` FROM workers`
	if !includeStopped {
		query += ` WHERE status != 'stopped'`
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Registry) UpdateWorker(ctx context.Context, w domain.Worker) error {
	filters, err := json.Marshal(w.Filters)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE workers SET runner=?, instance_path=?, event_type=?, filters_json=?, concurrency=?, status=?, error_reason=?, cursor=?, updated_at=?, started_at=?, stopped_at=? WHERE id=?`,
		w.Runner, w.InstancePath, w.EventType, string(filters), w.Concurrency, w.Status, nullable(w.ErrorReason), w.Cursor, w.UpdatedAt, nullableStringPtr(w.StartedAt), nullableStringPtr(w.StoppedAt), w.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Registry) UpdateWorkerStatus(ctx context.Context, id, status, reason, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE workers SET status=?, error_reason=?, updated_at=? WHERE id=?`,
		status, nullable(reason), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateWorkerCursor advances the worker's event cursor. The cursor moves only
// after the event is handled, so a crash replays rather than skips.
func (r Registry) UpdateWorkerCursor(ctx context.Context, id string, cursor int64, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE workers SET cursor=?, updated_at=? WHERE id=?`, cursor, now, id)
	return err
}

func (r Registry) DeleteWorker(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM workers WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteStoppedWorkers removes stopped workers and their runs, returning the
// ids that were removed.
func (r Registry) DeleteStoppedWorkers(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM workers WHERE status='stopped' ORDER BY id`)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	_, err = r.DB.ExecContext(ctx, `DELETE FROM workers WHERE status='stopped'`)
	return ids, err
}

const runCols = `id,worker_id,event_id,event_type,COALESCE(entity_id,''),command,COALESCE(args_json,''),COALESCE(env_json,''),status,exit_code,COALESCE(error_message,''),attempt,max_attempts,COALESCE(next_retry_at,''),pid,COALESCE(log_path,''),paused,started_at,completed_at,created_at,updated_at`

func scanRun(row rowScanner) (domain.Run, error) {
	var run domain.Run
	var args, env string
	var exitCode, pid sql.NullInt64
	var paused int
	var startedAt, completedAt sql.NullString
	err := row.Scan(&run.ID, &run.WorkerID, &run.EventID, &run.EventType, &run.EntityID, &run.Command, &args, &env, &run.Status, &exitCode, &run.ErrorMessage,
		&run.Attempt, &run.MaxAttempts, &run.NextRetryAt, &pid, &run.LogPath, &paused, &startedAt, &completedAt, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if args != "" {
		if err := json.Unmarshal([]byte(args), &run.Args); err != nil {
			return run, err
		}
	}
	if env != "" {
		if err := json.Unmarshal([]byte(env), &run.Env); err != nil {
			return run, err
		}
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		run.ExitCode = &v
	}
	if pid.Valid {
		v := int(pid.Int64)
		run.PID = &v
	}
	run.Paused = paused != 0
	if startedAt.Valid {
		run.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.String
	}
	return run, nil
}

func (r Registry) InsertRun(ctx context.Context, run domain.Run) error {
	args, err := json.Marshal(run.Args)
	if err != nil {
		return err
	}
	env, err := json.Marshal(run.Env)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO runs(id,worker_id,event_id,event_type,entity_id,command,args_json,env_json,status,exit_code,error_message,attempt,max_attempts,next_retry_at,pid,log_path,paused,started_at,completed_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.WorkerID, run.EventID, run.EventType, run.EntityID, run.Command, string(args), string(env), run.Status, nullableIntPtr(run.ExitCode), nullable(run.ErrorMessage),
		run.Attempt, run.MaxAttempts, nullable(run.NextRetryAt), nullableIntPtr(run.PID), nullable(run.LogPath), boolInt(run.Paused), nullableStringPtr(run.StartedAt), nullableStringPtr(run.CompletedAt), run.CreatedAt, run.UpdatedAt)
	return err
}

func (r Registry) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runCols+` FROM runs WHERE id=?`, id))
}

func (r Registry) UpdateRun(ctx context.Context, run domain.Run) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE runs SET status=?, exit_code=?, error_message=?, attempt=?, next_retry_at=?, pid=?, log_path=?, paused=?, started_at=?, completed_at=?, updated_at=? WHERE id=?`,
		run.Status, nullableIntPtr(run.ExitCode), nullable(run.ErrorMessage), run.Attempt, nullable(run.NextRetryAt), nullableIntPtr(run.PID), nullable(run.LogPath),
		boolInt(run.Paused), nullableStringPtr(run.StartedAt), nullableStringPtr(run.CompletedAt), run.UpdatedAt, run.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type RunFilters struct {
	WorkerID string
	Status   string
	Limit    int
}

// ListRuns returns runs newest first.
func (r Registry) ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, error) {
	var clauses []string
	var args []any
	if f.WorkerID != "" {
		clauses = append(clauses, "worker_id=?")
		args = append(args, f.WorkerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + runCols + ` FROM runs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// RetryingRuns returns a worker's runs awaiting another attempt, oldest event
// first. Due-ness is the caller's call: next_retry_at carries nanosecond
// precision and is compared as parsed time, not as a string.
func (r Registry) RetryingRuns(ctx context.Context, workerID string) ([]domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+runCols+` FROM runs WHERE worker_id=? AND status='retrying' ORDER BY event_id ASC, id ASC`, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// PendingRuns returns queued runs for a worker in event order, used to rebuild
// the dispatch queue after a daemon restart.
func (r Registry) PendingRuns(ctx context.Context, workerID string) ([]domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+runCols+` FROM runs WHERE worker_id=? AND status='pending' ORDER BY event_id ASC, id ASC`, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Registry) RunCounts(ctx context.Context, workerID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs WHERE worker_id=? GROUP BY status`, workerID)
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

// --- helpers ---

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

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
