package worker

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gaffer/internal/app"
	"gaffer/internal/config"
	"gaffer/internal/db"
	"gaffer/internal/domain"
	"gaffer/internal/engine"
	"gaffer/internal/migrate"
	"gaffer/internal/registry"
)

type supEnv struct {
	Sup    *Supervisor
	Engine engine.Engine
	Reg    registry.Registry
	Ctx    context.Context
	Inst   string
}

func newSupEnv(t *testing.T, rc config.Runner, filters []string) *supEnv {
	t.Helper()
	ctx := context.Background()
	inst := t.TempDir()
	home := t.TempDir()

	wdb, err := db.Open(db.Config{Workspace: inst})
	if err != nil {
		t.Fatalf("open workspace store: %v", err)
	}
	t.Cleanup(func() { wdb.Close() })
	if err := migrate.Workspace(wdb); err != nil {
		t.Fatalf("migrate workspace: %v", err)
	}
	eng := engine.New(wdb, config.Default())

	gdb, err := db.OpenPath(filepath.Join(home, "workers.db"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { gdb.Close() })
	if err := migrate.Global(gdb); err != nil {
		t.Fatalf("migrate registry: %v", err)
	}
	reg := registry.Registry{DB: gdb}

	now := time.Now().UTC().Format(time.RFC3339)
	w := domain.Worker{
		ID:           domain.NewID("worker"),
		Runner:       "test",
		InstancePath: inst,
		EventType:    "task.status_changed",
		Filters:      filters,
		Concurrency:  1,
		Status:       domain.WorkerStarting,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := reg.InsertWorker(ctx, w); err != nil {
		t.Fatalf("insert worker: %v", err)
	}

	paths := app.NewGlobalPaths(home)
	if err := paths.Ensure(); err != nil {
		t.Fatalf("ensure global dirs: %v", err)
	}
	sup, err := New(w, rc, reg, paths, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	if err := sup.openStore(ctx); err != nil {
		t.Fatalf("open instance store: %v", err)
	}
	t.Cleanup(func() {
		if sup.storeDB != nil {
			sup.storeDB.Close()
		}
	})
	return &supEnv{Sup: sup, Engine: eng, Reg: reg, Ctx: ctx, Inst: inst}
}

// startTask creates a todo task and moves it to in_progress, producing one
// task.status_changed event.
func (e *supEnv) startTask(t *testing.T, projectRef, title string) domain.Task {
	t.Helper()
	task, err := e.Engine.CreateTask(e.Ctx, engine.TaskCreateOptions{
		ProjectRef:  projectRef,
		Title:       title,
		Description: "work",
		Status:      domain.TaskTodo,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	task, err = e.Engine.SetTaskStatus(e.Ctx, engine.TaskStatusOptions{
		Ref:     task.ID,
		Status:  domain.TaskInProgress,
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("start task: %v", err)
	}
	return task
}

func (e *supEnv) project(t *testing.T) domain.Project {
	t.Helper()
	p, err := e.Engine.CreateProject(e.Ctx, engine.ProjectCreateOptions{Name: "Demo", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func (e *supEnv) runs(t *testing.T) []domain.Run {
	t.Helper()
	runs, err := e.Reg.ListRuns(e.Ctx, registry.RunFilters{WorkerID: e.Sup.Worker.ID})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	return runs
}

func shellRunner(script string) config.Runner {
	return config.Runner{
		Command:     "sh",
		Args:        []string{"-c", script},
		Concurrency: 1,
		On:          "task.status_changed",
		MaxAttempts: 1,
	}
}

func TestConsumeMatchesEventType(t *testing.T) {
	env := newSupEnv(t, shellRunner("true"), nil)
	p := env.project(t)
	env.startTask(t, p.ID, "Ship")

	env.Sup.consume(env.Ctx)

	runs := env.runs(t)
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1 (only the status change should match)", len(runs))
	}
	if runs[0].EventType != "task.status_changed" {
		t.Fatalf("run event type = %q", runs[0].EventType)
	}
	if runs[0].Status != domain.RunPending {
		t.Fatalf("run status = %q, want pending", runs[0].Status)
	}

	w, err := env.Reg.GetWorker(env.Ctx, env.Sup.Worker.ID)
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if w.Cursor != env.Sup.cursor || w.Cursor == 0 {
		t.Fatalf("cursor not advanced: registry %d memory %d", w.Cursor, env.Sup.cursor)
	}

	// Replaying consume from the advanced cursor creates nothing new.
	env.Sup.consume(env.Ctx)
	if runs := env.runs(t); len(runs) != 1 {
		t.Fatalf("consume is not cursor-idempotent: %d runs", len(runs))
	}
}

func TestFiltersGateRuns(t *testing.T) {
	env := newSupEnv(t, shellRunner("true"), []string{"status=done"})
	p := env.project(t)
	task := env.startTask(t, p.ID, "Ship")

	env.Sup.consume(env.Ctx)
	if runs := env.runs(t); len(runs) != 0 {
		t.Fatalf("in_progress task matched status=done filter: %d runs", len(runs))
	}

	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, "built", "tester", false, 0); err != nil {
		t.Fatalf("complete task: %v", err)
	}
	env.Sup.consume(env.Ctx)
	if runs := env.runs(t); len(runs) != 1 {
		t.Fatalf("done task should match: %d runs", len(runs))
	}
}

func TestTemplateSubstitution(t *testing.T) {
	env := newSupEnv(t, config.Runner{
		Command: "agent",
		Args:    []string{"--task", "{task.id}", "--out", "{output}", "--missing", "{task.nope}"},
		On:      "task.status_changed",
	}, nil)
	p := env.project(t)
	task := env.startTask(t, p.ID, "Ship")

	env.Sup.consume(env.Ctx)
	runs := env.runs(t)
	if len(runs) != 1 {
		t.Fatalf("runs = %d", len(runs))
	}
	args := runs[0].Args
	if args[1] != task.ID {
		t.Fatalf("task.id arg = %q, want %q", args[1], task.ID)
	}
	if args[5] != "" {
		t.Fatalf("unresolvable token should substitute empty, got %q", args[5])
	}
}

func TestDispatchRunsToCompletion(t *testing.T) {
	env := newSupEnv(t, shellRunner("echo ok"), nil)
	p := env.project(t)
	env.startTask(t, p.ID, "Ship")

	env.Sup.consume(env.Ctx)
	env.Sup.dispatch(env.Ctx)
	env.Sup.wg.Wait()

	runs := env.runs(t)
	if len(runs) != 1 || runs[0].Status != domain.RunSucceeded {
		t.Fatalf("run did not succeed: %+v", runs)
	}
	if runs[0].ExitCode == nil || *runs[0].ExitCode != 0 {
		t.Fatalf("exit code = %v", runs[0].ExitCode)
	}
	if runs[0].Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", runs[0].Attempt)
	}
	data, err := os.ReadFile(runs[0].LogPath)
	if err != nil {
		t.Fatalf("read run log: %v", err)
	}
	if !strings.Contains(string(data), "ok") {
		t.Fatalf("run log missing output: %q", string(data))
	}
}

func TestRetryMachineExhaustsAttempts(t *testing.T) {
	rc := shellRunner("exit 7")
	rc.MaxAttempts = 2
	rc.BaseDelay = config.Duration(10 * time.Millisecond)
	rc.MaxDelay = config.Duration(20 * time.Millisecond)
	env := newSupEnv(t, rc, nil)
	p := env.project(t)
	env.startTask(t, p.ID, "Ship")

	env.Sup.consume(env.Ctx)
	env.Sup.dispatch(env.Ctx)
	env.Sup.wg.Wait()

	runs := env.runs(t)
	if len(runs) != 1 || runs[0].Status != domain.RunRetrying {
		t.Fatalf("first failure should retry: %+v", runs)
	}
	if runs[0].NextRetryAt == "" {
		t.Fatal("retrying run has no next_retry_at")
	}

	time.Sleep(50 * time.Millisecond)
	env.Sup.requeueRetries(env.Ctx)
	env.Sup.dispatch(env.Ctx)
	env.Sup.wg.Wait()

	runs = env.runs(t)
	if runs[0].Status != domain.RunFailed {
		t.Fatalf("exhausted run status = %q, want failed", runs[0].Status)
	}
	if runs[0].Attempt != 2 {
		t.Fatalf("attempt = %d, want 2", runs[0].Attempt)
	}
	if runs[0].ErrorMessage != "exit status 7" {
		t.Fatalf("error = %q", runs[0].ErrorMessage)
	}
	if runs[0].CompletedAt == nil {
		t.Fatal("failed run has no completed_at")
	}
}

func TestRetriesQueueAheadOfNewMatches(t *testing.T) {
	rc := shellRunner("true")
	rc.BaseDelay = config.Duration(time.Millisecond)
	env := newSupEnv(t, rc, nil)
	p := env.project(t)

	now := time.Now().UTC().Format(time.RFC3339)
	retry := domain.Run{
		ID:          "run-retry",
		WorkerID:    env.Sup.Worker.ID,
		EventID:     1,
		EventType:   "task.status_changed",
		Command:     "sh",
		Status:      domain.RunRetrying,
		Attempt:     1,
		MaxAttempts: 3,
		NextRetryAt: time.Now().UTC().Add(-time.Second).Format(time.RFC3339Nano),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := env.Reg.InsertRun(env.Ctx, retry); err != nil {
		t.Fatalf("insert retrying run: %v", err)
	}
	env.startTask(t, p.ID, "Ship")

	env.Sup.requeueRetries(env.Ctx)
	env.Sup.consume(env.Ctx)

	if len(env.Sup.queue) != 2 {
		t.Fatalf("queue = %v", env.Sup.queue)
	}
	if env.Sup.queue[0] != "run-retry" {
		t.Fatalf("retry should be queued ahead of the new match: %v", env.Sup.queue)
	}

	// A retry that is not due yet stays out of the queue.
	env.Sup.queue = nil
	env.Sup.queued = map[string]struct{}{}
	retry.NextRetryAt = time.Now().UTC().Add(time.Hour).Format(time.RFC3339Nano)
	if err := env.Reg.UpdateRun(env.Ctx, retry); err != nil {
		t.Fatalf("push retry out: %v", err)
	}
	env.Sup.requeueRetries(env.Ctx)
	if len(env.Sup.queue) != 0 {
		t.Fatalf("undue retry was queued: %v", env.Sup.queue)
	}
}

func TestFIFOWithConcurrencyOne(t *testing.T) {
	env := newSupEnv(t, shellRunner("echo {event.id} >> order.txt"), nil)
	p := env.project(t)
	env.startTask(t, p.ID, "First")
	env.startTask(t, p.ID, "Second")
	env.startTask(t, p.ID, "Third")

	env.Sup.consume(env.Ctx)
	if len(env.Sup.queue) != 3 {
		t.Fatalf("queue = %d, want 3", len(env.Sup.queue))
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		env.Sup.dispatch(env.Ctx)
		env.Sup.wg.Wait()
		if len(env.Sup.queue) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queue never drained: %v", env.Sup.queue)
		}
		time.Sleep(10 * time.Millisecond)
	}

	data, err := os.ReadFile(filepath.Join(env.Inst, "order.txt"))
	if err != nil {
		t.Fatalf("read order file: %v", err)
	}
	lines := strings.Fields(strings.TrimSpace(string(data)))
	if len(lines) != 3 {
		t.Fatalf("order lines = %v", lines)
	}
	for i := 1; i < len(lines); i++ {
		if lines[i-1] >= lines[i] {
			t.Fatalf("runs executed out of event order: %v", lines)
		}
	}
}

func TestStopRunKillsProcess(t *testing.T) {
	env := newSupEnv(t, shellRunner("sleep 30"), nil)
	p := env.project(t)
	env.startTask(t, p.ID, "Ship")

	env.Sup.consume(env.Ctx)
	env.Sup.dispatch(env.Ctx)

	runID := ""
	deadline := time.Now().Add(5 * time.Second)
	for runID == "" {
		env.Sup.mu.Lock()
		for id := range env.Sup.inflight {
			runID = id
		}
		env.Sup.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatal("run never reached in-flight")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := env.Sup.StopRun(env.Ctx, runID); err != nil {
		t.Fatalf("stop run: %v", err)
	}
	env.Sup.wg.Wait()

	run, err := env.Reg.GetRun(env.Ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunFailed || run.ErrorMessage != "stopped" {
		t.Fatalf("stopped run = %q/%q, want failed/stopped", run.Status, run.ErrorMessage)
	}

	if err := env.Sup.StopRun(env.Ctx, runID); err != ErrRunFinished {
		t.Fatalf("stopping a finished run: %v, want ErrRunFinished", err)
	}
}

func TestStopQueuedRun(t *testing.T) {
	env := newSupEnv(t, shellRunner("true"), nil)
	p := env.project(t)
	env.startTask(t, p.ID, "Ship")

	env.Sup.consume(env.Ctx)
	runID := env.Sup.queue[0]
	if err := env.Sup.StopRun(env.Ctx, runID); err != nil {
		t.Fatalf("stop queued run: %v", err)
	}
	run, err := env.Reg.GetRun(env.Ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunFailed || run.ErrorMessage != "stopped" {
		t.Fatalf("queued run = %q/%q", run.Status, run.ErrorMessage)
	}

	// Dispatch skips it once popped.
	env.Sup.dispatch(env.Ctx)
	env.Sup.wg.Wait()
	run, _ = env.Reg.GetRun(env.Ctx, runID)
	if run.Attempt != 0 {
		t.Fatalf("stopped run was executed anyway: attempt %d", run.Attempt)
	}
}

func TestInstanceMissingLatches(t *testing.T) {
	env := newSupEnv(t, shellRunner("true"), nil)
	p := env.project(t)
	env.startTask(t, p.ID, "Ship")

	if err := os.RemoveAll(filepath.Join(env.Inst, ".gaffer")); err != nil {
		t.Fatalf("remove instance state: %v", err)
	}
	env.Sup.tick(env.Ctx)

	w, err := env.Reg.GetWorker(env.Ctx, env.Sup.Worker.ID)
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if w.Status != domain.WorkerError || w.ErrorReason != domain.ReasonInstanceMissing {
		t.Fatalf("worker = %s/%s, want error/instance_missing", w.Status, w.ErrorReason)
	}
	if !env.Sup.broken {
		t.Fatal("supervisor did not latch broken state")
	}

	// Later ticks are inert, even though events were never consumed.
	env.Sup.tick(env.Ctx)
	if runs := env.runs(t); len(runs) != 0 {
		t.Fatalf("broken worker created runs: %d", len(runs))
	}
}

func TestLifecycleStartStop(t *testing.T) {
	env := newSupEnv(t, shellRunner("echo done"), nil)
	p := env.project(t)
	env.startTask(t, p.ID, "Ship")

	// Close the white-box handle; Start opens its own.
	env.Sup.storeDB.Close()
	env.Sup.storeDB = nil

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := env.Sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		runs := env.runs(t)
		if len(runs) == 1 && runs[0].Status == domain.RunSucceeded {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never completed: %+v", runs)
		}
		time.Sleep(25 * time.Millisecond)
	}

	env.Sup.Stop(false)
	select {
	case <-env.Sup.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor never finished stopping")
	}

	w, err := env.Reg.GetWorker(env.Ctx, env.Sup.Worker.ID)
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if w.Status != domain.WorkerStopped {
		t.Fatalf("worker status = %q, want stopped", w.Status)
	}
	if w.StoppedAt == nil {
		t.Fatal("stopped worker has no stopped_at")
	}
	if w.Cursor == 0 {
		t.Fatal("cursor was not persisted on stop")
	}
}
