package daemon

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gaffer/internal/app"
	"gaffer/internal/config"
	"gaffer/internal/db"
	"gaffer/internal/domain"
	"gaffer/internal/engine"
	"gaffer/internal/migrate"
)

const testCatalog = `
[runners.echo]
command = "sh"
args = ["-c", "echo ran {task.id}"]
on = "task.status_changed"
max_attempts = 1

[runners.sleeper]
command = "sleep"
args = ["30"]
on = "task.status_changed"
max_attempts = 1
`

type daemonEnv struct {
	Daemon *Daemon
	Client *Client
	Engine engine.Engine
	Paths  app.GlobalPaths
	Inst   string

	cancel   context.CancelFunc
	done     chan error
	exitOnce sync.Once
	exitErr  error
	timedOut bool
}

func newDaemonEnv(t *testing.T) *daemonEnv {
	t.Helper()
	home := t.TempDir()
	inst := t.TempDir()

	if err := os.WriteFile(filepath.Join(home, config.GlobalFileName), []byte(testCatalog), 0o644); err != nil {
		t.Fatalf("write runner catalog: %v", err)
	}

	wdb, err := db.Open(db.Config{Workspace: inst})
	if err != nil {
		t.Fatalf("open workspace store: %v", err)
	}
	t.Cleanup(func() { wdb.Close() })
	if err := migrate.Workspace(wdb); err != nil {
		t.Fatalf("migrate workspace: %v", err)
	}
	eng := engine.New(wdb, config.Default())

	paths := app.NewGlobalPaths(home)
	d, err := New(paths, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	env := &daemonEnv{
		Daemon: d,
		Client: NewClient(paths.Socket()),
		Engine: eng,
		Paths:  paths,
		Inst:   inst,
		cancel: cancel,
		done:   done,
	}
	waitFor(t, 5*time.Second, "daemon socket", func() bool {
		return env.Client.Ping(context.Background())
	})
	t.Cleanup(func() {
		cancel()
		env.waitExit(t, 15*time.Second)
	})
	return env
}

func (e *daemonEnv) waitExit(t *testing.T, timeout time.Duration) error {
	t.Helper()
	e.exitOnce.Do(func() {
		select {
		case e.exitErr = <-e.done:
		case <-time.After(timeout):
			e.timedOut = true
		}
	})
	if e.timedOut {
		t.Fatalf("daemon did not exit")
	}
	return e.exitErr
}

// startTask creates a task and moves it to in_progress, emitting the
// task.status_changed event the test runners subscribe to.
func (e *daemonEnv) startTask(t *testing.T) domain.Task {
	t.Helper()
	ctx := context.Background()
	p, err := e.Engine.CreateProject(ctx, engine.ProjectCreateOptions{Name: "Demo", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	task, err := e.Engine.CreateTask(ctx, engine.TaskCreateOptions{
		ProjectRef:  p.ID,
		Title:       "Exercise worker",
		Description: "work",
		Status:      domain.TaskTodo,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	task, err = e.Engine.SetTaskStatus(ctx, engine.TaskStatusOptions{
		Ref:     task.ID,
		Status:  domain.TaskInProgress,
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("start task: %v", err)
	}
	return task
}

func waitFor(t *testing.T, timeout time.Duration, what string, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHealthReportsDaemon(t *testing.T) {
	env := newDaemonEnv(t)
	health, err := env.Client.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Status != "ok" {
		t.Fatalf("expected ok, got %q", health.Status)
	}
	if health.Version != Version {
		t.Fatalf("expected version %s, got %s", Version, health.Version)
	}
	if health.PID != os.Getpid() {
		t.Fatalf("expected pid %d, got %d", os.Getpid(), health.PID)
	}
}

func TestSecondDaemonRefusesSocket(t *testing.T) {
	env := newDaemonEnv(t)
	d2, err := New(env.Paths, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	defer d2.regDB.Close()
	err = d2.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("expected already-running error, got %v", err)
	}
}

func TestShutdownEndpointStopsDaemon(t *testing.T) {
	env := newDaemonEnv(t)
	if err := env.Client.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := env.waitExit(t, 15*time.Second); err != nil {
		t.Fatalf("daemon exit: %v", err)
	}
	if _, err := os.Stat(env.Paths.Socket()); !os.IsNotExist(err) {
		t.Fatalf("expected socket removed, stat err %v", err)
	}
	if _, err := os.Stat(env.Paths.PIDFile()); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed, stat err %v", err)
	}
}

func TestStartWorkerValidation(t *testing.T) {
	env := newDaemonEnv(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  WorkerStartRequest
		want string
	}{
		{"missing runner", WorkerStartRequest{InstancePath: env.Inst}, "runner is required"},
		{"unknown runner", WorkerStartRequest{Runner: "nope", InstancePath: env.Inst}, "not configured"},
		{"uninitialized instance", WorkerStartRequest{Runner: "echo", InstancePath: t.TempDir()}, "no initialized workspace"},
		{"unknown event type", WorkerStartRequest{Runner: "echo", InstancePath: env.Inst, EventType: "task.exploded"}, "unknown event type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Client.StartWorker(ctx, tc.req)
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected APIError, got %v", err)
			}
			if apiErr.StatusCode != 400 {
				t.Fatalf("expected 400, got %d (%s)", apiErr.StatusCode, apiErr.Message)
			}
			if !strings.Contains(apiErr.Message, tc.want) {
				t.Fatalf("expected message containing %q, got %q", tc.want, apiErr.Message)
			}
		})
	}
}

func TestWorkerRunsEventOverSocket(t *testing.T) {
	env := newDaemonEnv(t)
	ctx := context.Background()

	w, err := env.Client.StartWorker(ctx, WorkerStartRequest{Runner: "echo", InstancePath: env.Inst})
	if err != nil {
		t.Fatalf("start worker: %v", err)
	}
	if w.EventType != "task.status_changed" {
		t.Fatalf("expected subscription default from runner, got %q", w.EventType)
	}

	task := env.startTask(t)

	var run domain.Run
	waitFor(t, 15*time.Second, "run to succeed", func() bool {
		runs, err := env.Client.ListRuns(ctx, w.ID, "", false)
		if err != nil || len(runs) == 0 {
			return false
		}
		run = runs[0]
		return run.Status == domain.RunSucceeded
	})
	if run.ExitCode == nil || *run.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %v", run.ExitCode)
	}

	lines, err := env.Client.RunLogs(ctx, run.ID, 0)
	if err != nil {
		t.Fatalf("run logs: %v", err)
	}
	if len(lines) == 0 || !strings.Contains(lines[0], "ran "+task.ID) {
		t.Fatalf("expected log line with task id, got %v", lines)
	}

	detail, err := env.Client.GetWorker(ctx, w.ID)
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if detail.Runs[domain.RunSucceeded] != 1 {
		t.Fatalf("expected one succeeded run in counts, got %v", detail.Runs)
	}

	if _, err := env.Client.StopWorker(ctx, w.ID, false); err != nil {
		t.Fatalf("stop worker: %v", err)
	}
	waitFor(t, 10*time.Second, "worker to stop", func() bool {
		workers, err := env.Client.ListWorkers(ctx, true)
		if err != nil || len(workers) == 0 {
			return false
		}
		return workers[0].Status == domain.WorkerStopped
	})

	removed, err := env.Client.PruneWorkers(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(removed) != 1 || removed[0] != w.ID {
		t.Fatalf("expected pruned %s, got %v", w.ID, removed)
	}
	_, err = env.Client.GetWorker(ctx, w.ID)
	if !IsNotFound(err) {
		t.Fatalf("expected not found after prune, got %v", err)
	}
}

func TestRunPauseResumeStopOverSocket(t *testing.T) {
	env := newDaemonEnv(t)
	ctx := context.Background()

	w, err := env.Client.StartWorker(ctx, WorkerStartRequest{Runner: "sleeper", InstancePath: env.Inst})
	if err != nil {
		t.Fatalf("start worker: %v", err)
	}
	env.startTask(t)

	var run domain.Run
	waitFor(t, 15*time.Second, "run to start", func() bool {
		runs, err := env.Client.ListRuns(ctx, w.ID, domain.RunRunning, false)
		if err != nil || len(runs) == 0 {
			return false
		}
		run = runs[0]
		return run.PID != nil
	})

	paused, err := env.Client.PauseRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !paused.Paused {
		t.Fatalf("expected paused flag set")
	}
	resumed, err := env.Client.ResumeRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Paused {
		t.Fatalf("expected paused flag cleared")
	}

	if _, err := env.Client.StopRun(ctx, run.ID); err != nil {
		t.Fatalf("stop run: %v", err)
	}
	waitFor(t, 10*time.Second, "run to fail as stopped", func() bool {
		got, err := env.Client.GetRun(ctx, run.ID)
		if err != nil {
			return false
		}
		run = got
		return got.Status == domain.RunFailed
	})
	if run.ErrorMessage != "stopped" {
		t.Fatalf("expected error message stopped, got %q", run.ErrorMessage)
	}

	_, err = env.Client.StopRun(ctx, run.ID)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 409 {
		t.Fatalf("expected 409 on finished run, got %v", err)
	}
}
