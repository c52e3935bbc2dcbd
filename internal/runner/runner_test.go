package runner_test

import (
	"errors"
	"testing"
	"time"

	"gaffer/internal/domain"
	"gaffer/internal/runner"
)

func TestSubstitute(t *testing.T) {
	task := domain.Task{ID: "task-1", ProjectID: "proj-1", Title: "Ship", Status: domain.TaskDone, Output: "artifact.tar"}
	event := domain.Event{ID: 42, Type: "task.status_changed", EntityID: "task-1", ProjectID: "proj-1"}
	vars := runner.BuildVars(event, &task)

	args, missing := runner.Substitute([]string{
		"--task", "{task.id}",
		"--project", "{project.id}",
		"--context", "{output}",
		"--event", "{event.id}:{event.type}",
	}, vars)
	if len(missing) != 0 {
		t.Fatalf("unexpected missing tokens: %v", missing)
	}
	want := []string{"--task", "task-1", "--project", "proj-1", "--context", "artifact.tar", "--event", "42:task.status_changed"}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("arg %d = %q, want %q", i, args[i], want[i])
		}
	}
}

func TestSubstituteUnresolvableTokenEmpty(t *testing.T) {
	vars := runner.BuildVars(domain.Event{ID: 7, Type: "project.created", EntityID: "proj-1"}, nil)
	args, missing := runner.Substitute([]string{"--task", "{task.id}", "--id", "{entity.id}"}, vars)
	if args[1] != "" {
		t.Fatalf("unresolvable token should substitute empty, got %q", args[1])
	}
	if args[3] != "proj-1" {
		t.Fatalf("entity.id = %q", args[3])
	}
	if len(missing) != 1 || missing[0] != "task.id" {
		t.Fatalf("missing = %v, want [task.id]", missing)
	}
}

func TestDelayBounds(t *testing.T) {
	base := 1 * time.Second
	cap := 30 * time.Second
	for attempt := 0; attempt < 8; attempt++ {
		d := runner.Delay("run-abc12345", attempt, base, cap)
		if d > cap {
			t.Fatalf("attempt %d: delay %v above cap %v", attempt, d, cap)
		}
		floor := base << uint(attempt)
		if floor <= cap && d < floor {
			t.Fatalf("attempt %d: delay %v below floor %v", attempt, d, floor)
		}
	}
	if d := runner.Delay("run-abc12345", 30, base, cap); d != cap {
		t.Fatalf("huge attempt should saturate at cap, got %v", d)
	}
}

func TestDelayDeterministic(t *testing.T) {
	a := runner.Delay("run-1", 2, time.Second, 30*time.Second)
	b := runner.Delay("run-1", 2, time.Second, 30*time.Second)
	if a != b {
		t.Fatalf("delay moved between reads: %v vs %v", a, b)
	}
}

func TestSpawnAndWait(t *testing.T) {
	dir := t.TempDir()
	logPath := dir + "/logs/run.log"

	p, err := runner.Spawn("sh", []string{"-c", "echo hello; exit 3"}, nil, dir, logPath)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if code := p.Wait(); code != 3 {
		t.Fatalf("exit code = %d, want 3", code)
	}
}

func TestSpawnMissingCommand(t *testing.T) {
	dir := t.TempDir()
	_, err := runner.Spawn("definitely-not-a-command-anywhere", nil, nil, dir, dir+"/run.log")
	if err == nil {
		t.Fatal("expected spawn error")
	}
	var spawnErr *runner.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("error type = %T", err)
	}
}
