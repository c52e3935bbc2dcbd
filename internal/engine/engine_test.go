package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"gaffer/internal/config"
	"gaffer/internal/db"
	"gaffer/internal/domain"
	"gaffer/internal/events"
	"gaffer/internal/migrate"
	"gaffer/internal/repo"
)

type testEnv struct {
	Engine  Engine
	Ctx     context.Context
	Project domain.Project
	now     time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	wdb, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open workspace store: %v", err)
	}
	t.Cleanup(func() { wdb.Close() })
	if err := migrate.Workspace(wdb); err != nil {
		t.Fatalf("migrate workspace: %v", err)
	}
	env := &testEnv{
		Ctx: context.Background(),
		now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	e := New(wdb, config.Default())
	e.Now = func() time.Time { return env.now }
	env.Engine = e
	p, err := e.CreateProject(env.Ctx, ProjectCreateOptions{Name: "Demo", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	env.Project = p
	return env
}

func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
}

func (env *testEnv) task(t *testing.T, title string) domain.Task {
	t.Helper()
	tk, err := env.Engine.CreateTask(env.Ctx, TaskCreateOptions{
		ProjectRef:  env.Project.ID,
		Title:       title,
		Description: "does " + title,
		Status:      domain.TaskTodo,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("create task %q: %v", title, err)
	}
	return tk
}

func (env *testEnv) claim(t *testing.T, taskRef, owner string, ttl time.Duration) domain.Lease {
	t.Helper()
	l, err := env.Engine.ClaimTask(env.Ctx, LeaseOptions{TaskRef: taskRef, OwnerID: owner, TTL: ttl})
	if err != nil {
		t.Fatalf("claim %s as %s: %v", taskRef, owner, err)
	}
	return l
}

func (env *testEnv) setStatus(t *testing.T, taskRef, status, actor string) domain.Task {
	t.Helper()
	tk, err := env.Engine.SetTaskStatus(env.Ctx, TaskStatusOptions{Ref: taskRef, Status: status, ActorID: actor})
	if err != nil {
		t.Fatalf("set %s to %s: %v", taskRef, status, err)
	}
	return tk
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	badPriority := domain.PriorityMax + 1
	cases := []struct {
		name string
		opts TaskCreateOptions
	}{
		{"missing title", TaskCreateOptions{ProjectRef: env.Project.ID}},
		{"missing project", TaskCreateOptions{Title: "orphan"}},
		{"todo without description", TaskCreateOptions{ProjectRef: env.Project.ID, Title: "bare", Status: domain.TaskTodo}},
		{"created as done", TaskCreateOptions{ProjectRef: env.Project.ID, Title: "done already", Description: "x", Status: domain.TaskDone}},
		{"priority out of range", TaskCreateOptions{ProjectRef: env.Project.ID, Title: "p9", Description: "x", Priority: &badPriority}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.CreateTask(env.Ctx, tc.opts)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("got %v, want validation error", err)
			}
		})
	}
}

func TestDraftNeedsDescriptionBeforeTodo(t *testing.T) {
	env := newTestEnv(t)
	draft, err := env.Engine.CreateTask(env.Ctx, TaskCreateOptions{
		ProjectRef: env.Project.ID,
		Title:      "rough idea",
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	if draft.Status != domain.TaskDraft {
		t.Fatalf("status = %q, want draft", draft.Status)
	}

	_, err = env.Engine.SetTaskStatus(env.Ctx, TaskStatusOptions{Ref: draft.ID, Status: domain.TaskTodo, ActorID: "tester"})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("promote without description: got %v, want validation error", err)
	}

	desc := "flesh out the rough idea"
	if _, err := env.Engine.UpdateTask(env.Ctx, TaskUpdateOptions{Ref: draft.ID, Description: &desc, ActorID: "tester"}); err != nil {
		t.Fatalf("add description: %v", err)
	}
	promoted := env.setStatus(t, draft.ID, domain.TaskTodo, "tester")
	if promoted.Status != domain.TaskTodo {
		t.Fatalf("status = %q, want todo", promoted.Status)
	}

	// Force skips the description gate.
	bare, err := env.Engine.CreateTask(env.Ctx, TaskCreateOptions{ProjectRef: env.Project.ID, Title: "still rough", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create second draft: %v", err)
	}
	if _, err := env.Engine.SetTaskStatus(env.Ctx, TaskStatusOptions{Ref: bare.ID, Status: domain.TaskTodo, Force: true, ActorID: "tester"}); err != nil {
		t.Fatalf("forced promote: %v", err)
	}
}

func TestTaskTransitionRules(t *testing.T) {
	env := newTestEnv(t)
	tk := env.task(t, "ship feature")

	// todo cannot jump straight to done.
	_, err := env.Engine.CompleteTask(env.Ctx, tk.ID, "", "alice", false, 0)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("todo -> done: got %v, want validation error", err)
	}

	env.claim(t, tk.ID, "alice", 0)
	env.setStatus(t, tk.ID, domain.TaskInProgress, "alice")
	done, err := env.Engine.CompleteTask(env.Ctx, tk.ID, "", "alice", false, 0)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.TaskDone {
		t.Fatalf("status = %q, want done", done.Status)
	}

	// done only reopens to todo.
	if _, err := env.Engine.SetTaskStatus(env.Ctx, TaskStatusOptions{Ref: tk.ID, Status: domain.TaskInProgress, ActorID: "alice"}); !errors.As(err, &verr) {
		t.Fatalf("done -> in_progress: got %v, want validation error", err)
	}
	reopened := env.setStatus(t, tk.ID, domain.TaskTodo, "alice")
	if reopened.CompletedAt != nil {
		t.Fatalf("reopened task still has completed_at %v", *reopened.CompletedAt)
	}
}

func TestStartGatedOnDependencies(t *testing.T) {
	env := newTestEnv(t)
	base := env.task(t, "write schema")
	dependent := env.task(t, "write queries")
	if err := env.Engine.AddTaskDependency(env.Ctx, dependent.ID, base.ID, "tester"); err != nil {
		t.Fatalf("add dependency: %v", err)
	}

	// Claiming is allowed ahead of the dependency; starting is not.
	env.claim(t, dependent.ID, "bob", 0)
	_, err := env.Engine.SetTaskStatus(env.Ctx, TaskStatusOptions{Ref: dependent.ID, Status: domain.TaskInProgress, ActorID: "bob"})
	var berr *BlockedError
	if !errors.As(err, &berr) {
		t.Fatalf("got %v, want blocked error", err)
	}
	if len(berr.Unmet) != 1 || berr.Unmet[0] != base.ID {
		t.Fatalf("unmet = %v, want [%s]", berr.Unmet, base.ID)
	}

	// Force starts anyway.
	forced := env.task(t, "prototype queries")
	if err := env.Engine.AddTaskDependency(env.Ctx, forced.ID, base.ID, "tester"); err != nil {
		t.Fatalf("add dependency: %v", err)
	}
	if _, err := env.Engine.SetTaskStatus(env.Ctx, TaskStatusOptions{Ref: forced.ID, Status: domain.TaskInProgress, Force: true, ActorID: "bob"}); err != nil {
		t.Fatalf("forced start: %v", err)
	}

	// Finishing the dependency unblocks the normal path.
	env.claim(t, base.ID, "alice", 0)
	env.setStatus(t, base.ID, domain.TaskInProgress, "alice")
	if _, err := env.Engine.CompleteTask(env.Ctx, base.ID, "schema v1", "alice", false, 0); err != nil {
		t.Fatalf("complete base: %v", err)
	}
	started := env.setStatus(t, dependent.ID, domain.TaskInProgress, "bob")
	if started.Status != domain.TaskInProgress {
		t.Fatalf("status = %q, want in_progress", started.Status)
	}
}

func TestTaskDependencyCycleRejected(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, "first")
	b := env.task(t, "second")
	c := env.task(t, "third")

	if err := env.Engine.AddTaskDependency(env.Ctx, a.ID, b.ID, "tester"); err != nil {
		t.Fatalf("a -> b: %v", err)
	}
	if err := env.Engine.AddTaskDependency(env.Ctx, b.ID, c.ID, "tester"); err != nil {
		t.Fatalf("b -> c: %v", err)
	}

	err := env.Engine.AddTaskDependency(env.Ctx, c.ID, a.ID, "tester")
	var cerr *CycleError
	if !errors.As(err, &cerr) {
		t.Fatalf("got %v, want cycle error", err)
	}
	if cerr.Kind != "task" {
		t.Fatalf("kind = %q, want task", cerr.Kind)
	}
	deps, err := env.Engine.Repo.ListTaskDependencies(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("list dependencies: %v", err)
	}
	if len(deps) != 0 {
		t.Fatalf("rejected edge was written: %v", deps)
	}

	if err := env.Engine.AddTaskDependency(env.Ctx, a.ID, a.ID, "tester"); !errors.Is(err, ErrSelfDependency) {
		t.Fatalf("self dependency: got %v, want ErrSelfDependency", err)
	}
}

func TestProjectDependencyCycleRejected(t *testing.T) {
	env := newTestEnv(t)
	second, err := env.Engine.CreateProject(env.Ctx, ProjectCreateOptions{Name: "Second", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	third, err := env.Engine.CreateProject(env.Ctx, ProjectCreateOptions{Name: "Third", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	if err := env.Engine.AddProjectDependency(env.Ctx, env.Project.ID, second.ID, "tester"); err != nil {
		t.Fatalf("first -> second: %v", err)
	}
	if err := env.Engine.AddProjectDependency(env.Ctx, second.ID, third.ID, "tester"); err != nil {
		t.Fatalf("second -> third: %v", err)
	}
	err = env.Engine.AddProjectDependency(env.Ctx, third.ID, env.Project.ID, "tester")
	var cerr *CycleError
	if !errors.As(err, &cerr) {
		t.Fatalf("got %v, want cycle error", err)
	}
	if cerr.Kind != "project" {
		t.Fatalf("kind = %q, want project", cerr.Kind)
	}
}

func TestProjectUnblockedComputation(t *testing.T) {
	env := newTestEnv(t)
	lib, err := env.Engine.CreateProject(env.Ctx, ProjectCreateOptions{Name: "Lib", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := env.Engine.AddProjectDependency(env.Ctx, env.Project.ID, lib.ID, "tester"); err != nil {
		t.Fatalf("add dependency: %v", err)
	}

	ok, err := env.Engine.Repo.ProjectUnblocked(env.Ctx, env.Project.ID)
	if err != nil {
		t.Fatalf("unblocked: %v", err)
	}
	if !ok {
		t.Fatal("a dependency project with no tasks should not block")
	}

	task, err := env.Engine.CreateTask(env.Ctx, TaskCreateOptions{ProjectRef: lib.ID, Title: "groundwork", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if ok, _ = env.Engine.Repo.ProjectUnblocked(env.Ctx, env.Project.ID); ok {
		t.Fatal("a draft task in the dependency counts as unfinished")
	}

	if _, err := env.Engine.SetTaskStatus(env.Ctx, TaskStatusOptions{Ref: task.ID, Status: domain.TaskDone, ActorID: "tester", Force: true}); err != nil {
		t.Fatalf("force complete: %v", err)
	}
	if ok, _ = env.Engine.Repo.ProjectUnblocked(env.Ctx, env.Project.ID); !ok {
		t.Fatal("dependency with every task done should unblock")
	}
}

func TestClaimExclusiveUntilExpiry(t *testing.T) {
	env := newTestEnv(t)
	tk := env.task(t, "contested")

	env.claim(t, tk.ID, "alice", 10*time.Minute)

	_, err := env.Engine.ClaimTask(env.Ctx, LeaseOptions{TaskRef: tk.ID, OwnerID: "bob", TTL: 10 * time.Minute})
	var cerr *ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("got %v, want conflict error", err)
	}
	if cerr.TaskID != tk.ID || cerr.OwnerID != "alice" {
		t.Fatalf("conflict = %+v, want holder alice on %s", cerr, tk.ID)
	}

	env.advance(11 * time.Minute)
	got := env.claim(t, tk.ID, "bob", 10*time.Minute)
	if got.OwnerID != "bob" {
		t.Fatalf("owner = %q, want bob", got.OwnerID)
	}
	if _, err := env.Engine.HeartbeatTask(env.Ctx, LeaseOptions{TaskRef: tk.ID, OwnerID: "alice"}); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("stale holder heartbeat: got %v, want ErrLeaseLost", err)
	}
}

func TestClaimByHolderExtendsLease(t *testing.T) {
	env := newTestEnv(t)
	tk := env.task(t, "long haul")

	first := env.claim(t, tk.ID, "alice", 10*time.Minute)
	env.advance(5 * time.Minute)
	second := env.claim(t, tk.ID, "alice", 10*time.Minute)

	e1, err := time.Parse(time.RFC3339Nano, first.ExpiresAt)
	if err != nil {
		t.Fatalf("parse first expiry: %v", err)
	}
	e2, err := time.Parse(time.RFC3339Nano, second.ExpiresAt)
	if err != nil {
		t.Fatalf("parse second expiry: %v", err)
	}
	if !e2.After(e1) {
		t.Fatalf("re-claim did not extend: %s then %s", first.ExpiresAt, second.ExpiresAt)
	}
}

func TestHeartbeatKeepsLeaseAlive(t *testing.T) {
	env := newTestEnv(t)
	tk := env.task(t, "steady work")

	env.claim(t, tk.ID, "alice", 10*time.Minute)
	env.advance(8 * time.Minute)
	if _, err := env.Engine.HeartbeatTask(env.Ctx, LeaseOptions{TaskRef: tk.ID, OwnerID: "alice", TTL: 10 * time.Minute}); err != nil {
		t.Fatalf("first heartbeat: %v", err)
	}
	// 16 minutes after the claim; only the renewal keeps it live.
	env.advance(8 * time.Minute)
	if _, err := env.Engine.HeartbeatTask(env.Ctx, LeaseOptions{TaskRef: tk.ID, OwnerID: "alice", TTL: 10 * time.Minute}); err != nil {
		t.Fatalf("second heartbeat: %v", err)
	}

	if _, err := env.Engine.HeartbeatTask(env.Ctx, LeaseOptions{TaskRef: tk.ID, OwnerID: "bob"}); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("foreign heartbeat: got %v, want ErrLeaseLost", err)
	}

	bare := env.task(t, "never claimed")
	if _, err := env.Engine.HeartbeatTask(env.Ctx, LeaseOptions{TaskRef: bare.ID, OwnerID: "alice"}); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("heartbeat without lease: got %v, want ErrLeaseLost", err)
	}
}

func TestReleaseSemantics(t *testing.T) {
	env := newTestEnv(t)
	tk := env.task(t, "handover")

	if err := env.Engine.ReleaseTask(env.Ctx, LeaseOptions{TaskRef: tk.ID, OwnerID: "alice"}); err != nil {
		t.Fatalf("release unheld: %v", err)
	}

	env.claim(t, tk.ID, "alice", 10*time.Minute)
	if err := env.Engine.ReleaseTask(env.Ctx, LeaseOptions{TaskRef: tk.ID, OwnerID: "bob"}); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("foreign release: got %v, want ErrLeaseLost", err)
	}
	if err := env.Engine.ReleaseTask(env.Ctx, LeaseOptions{TaskRef: tk.ID, OwnerID: "alice"}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := env.Engine.Repo.GetLease(env.Ctx, tk.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("lease row survived release: %v", err)
	}
	if err := env.Engine.ReleaseTask(env.Ctx, LeaseOptions{TaskRef: tk.ID, OwnerID: "alice"}); err != nil {
		t.Fatalf("second release: %v", err)
	}

	// An expired lease releases cleanly for anyone.
	env.claim(t, tk.ID, "alice", 10*time.Minute)
	env.advance(11 * time.Minute)
	if err := env.Engine.ReleaseTask(env.Ctx, LeaseOptions{TaskRef: tk.ID, OwnerID: "bob"}); err != nil {
		t.Fatalf("release expired: %v", err)
	}
	if _, err := env.Engine.Repo.GetLease(env.Ctx, tk.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expired lease row survived: %v", err)
	}
}

func TestVersionConflictOnStaleWrite(t *testing.T) {
	env := newTestEnv(t)
	tk := env.task(t, "versioned")
	if tk.Version != 1 {
		t.Fatalf("fresh task version = %d, want 1", tk.Version)
	}

	title := "renamed"
	updated, err := env.Engine.UpdateTask(env.Ctx, TaskUpdateOptions{Ref: tk.ID, Title: &title, ExpectedVersion: 1, ActorID: "tester"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("version = %d, want 2", updated.Version)
	}

	again := "renamed twice"
	if _, err := env.Engine.UpdateTask(env.Ctx, TaskUpdateOptions{Ref: tk.ID, Title: &again, ExpectedVersion: 1, ActorID: "tester"}); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale update: got %v, want ErrVersionConflict", err)
	}
	if _, err := env.Engine.ClaimTask(env.Ctx, LeaseOptions{TaskRef: tk.ID, OwnerID: "alice", ExpectedVersion: 1}); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale claim: got %v, want ErrVersionConflict", err)
	}
}

func TestForeignLeaseBlocksWork(t *testing.T) {
	env := newTestEnv(t)
	tk := env.task(t, "claimed by alice")
	env.claim(t, tk.ID, "alice", 10*time.Minute)

	_, err := env.Engine.SetTaskStatus(env.Ctx, TaskStatusOptions{Ref: tk.ID, Status: domain.TaskInProgress, ActorID: "bob"})
	var cerr *ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("got %v, want conflict error", err)
	}
	if cerr.OwnerID != "alice" {
		t.Fatalf("holder = %q, want alice", cerr.OwnerID)
	}

	if _, err := env.Engine.SetTaskStatus(env.Ctx, TaskStatusOptions{Ref: tk.ID, Status: domain.TaskInProgress, Force: true, ActorID: "bob"}); err != nil {
		t.Fatalf("forced start: %v", err)
	}
}

func TestDoneRecordsOutputAndClearsLease(t *testing.T) {
	env := newTestEnv(t)
	tk := env.task(t, "deliverable")
	env.claim(t, tk.ID, "alice", 10*time.Minute)
	env.setStatus(t, tk.ID, domain.TaskInProgress, "alice")

	done, err := env.Engine.CompleteTask(env.Ctx, tk.ID, "shipped v1", "alice", false, 0)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.TaskDone || done.Output != "shipped v1" {
		t.Fatalf("got status %q output %q", done.Status, done.Output)
	}
	if done.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
	if _, err := env.Engine.Repo.GetLease(env.Ctx, tk.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("lease survived completion: %v", err)
	}
	shown, err := env.Engine.ShowTask(env.Ctx, tk.ID)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if shown.Lease != nil {
		t.Fatalf("shown lease = %+v, want none", shown.Lease)
	}

	released, err := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilters{Type: events.LeaseReleased, EntityID: tk.ID})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(released) != 1 {
		t.Fatalf("lease.released events = %d, want 1", len(released))
	}
}

func TestExpiredLeaseInvisibleOnShow(t *testing.T) {
	env := newTestEnv(t)
	tk := env.task(t, "abandoned")
	env.claim(t, tk.ID, "alice", 10*time.Minute)

	shown, err := env.Engine.ShowTask(env.Ctx, tk.ID)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if shown.Lease == nil || shown.Lease.OwnerID != "alice" {
		t.Fatalf("lease = %+v, want alice's", shown.Lease)
	}

	env.advance(11 * time.Minute)
	shown, err = env.Engine.ShowTask(env.Ctx, tk.ID)
	if err != nil {
		t.Fatalf("show after expiry: %v", err)
	}
	if shown.Lease != nil {
		t.Fatalf("expired lease still shown: %+v", shown.Lease)
	}
}

func TestEventSeqGaplessPerEntity(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, "left")
	b := env.task(t, "right")

	// Interleave mutations so the two entity streams share the global log.
	env.claim(t, a.ID, "alice", 0)
	env.claim(t, b.ID, "bob", 0)
	env.setStatus(t, a.ID, domain.TaskInProgress, "alice")
	env.setStatus(t, b.ID, domain.TaskInProgress, "bob")
	if _, err := env.Engine.CompleteTask(env.Ctx, a.ID, "", "alice", false, 0); err != nil {
		t.Fatalf("complete a: %v", err)
	}
	if _, err := env.Engine.HeartbeatTask(env.Ctx, LeaseOptions{TaskRef: b.ID, OwnerID: "bob"}); err != nil {
		t.Fatalf("heartbeat b: %v", err)
	}

	for _, id := range []string{a.ID, b.ID} {
		evs, err := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilters{EntityKind: events.KindTask, EntityID: id})
		if err != nil {
			t.Fatalf("list events for %s: %v", id, err)
		}
		if len(evs) == 0 {
			t.Fatalf("no events for %s", id)
		}
		// Newest first: seq must count down to 1 without gaps.
		for i, ev := range evs {
			want := int64(len(evs) - i)
			if ev.Seq != want {
				t.Fatalf("%s event %d: seq = %d, want %d", id, ev.ID, ev.Seq, want)
			}
		}
		latest, err := env.Engine.Repo.LatestSeq(env.Ctx, events.KindTask, id)
		if err != nil {
			t.Fatalf("latest seq: %v", err)
		}
		if latest != int64(len(evs)) {
			t.Fatalf("latest seq = %d, want %d", latest, len(evs))
		}
	}

	all, err := env.Engine.Repo.EventsAfter(env.Ctx, 0, 0, "")
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	for i := 1; i < len(all); i++ {
		if all[i].ID <= all[i-1].ID {
			t.Fatalf("log ids not increasing: %d then %d", all[i-1].ID, all[i].ID)
		}
	}
}

func TestCheckpointNameCollision(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.CreateCheckpoint(env.Ctx, "alpha", false, "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.CreateCheckpoint(env.Ctx, "alpha", false, "tester"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate name: got %v, want ErrAlreadyExists", err)
	}
	second, err := env.Engine.CreateCheckpoint(env.Ctx, "alpha", true, "tester")
	if err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("overwrite kept the old snapshot id")
	}
	list, err := env.Engine.Repo.ListCheckpoints(env.Ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != second.ID {
		t.Fatalf("list = %+v, want only the overwritten snapshot", list)
	}
}

func TestCheckpointRestoreRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	kept := env.task(t, "keep open")
	inFlight := env.task(t, "in flight")
	env.claim(t, inFlight.ID, "alice", 30*time.Minute)
	env.setStatus(t, inFlight.ID, domain.TaskInProgress, "alice")
	snapState, err := env.Engine.Repo.GetTask(env.Ctx, inFlight.ID)
	if err != nil {
		t.Fatalf("read pre-snapshot state: %v", err)
	}

	if _, err := env.Engine.CreateCheckpoint(env.Ctx, "before", false, "tester"); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	// Drift past the snapshot.
	if _, err := env.Engine.CompleteTask(env.Ctx, inFlight.ID, "done early", "alice", false, 0); err != nil {
		t.Fatalf("complete: %v", err)
	}
	born := env.task(t, "born later")
	title := "renamed"
	if _, err := env.Engine.UpdateTask(env.Ctx, TaskUpdateOptions{Ref: kept.ID, Title: &title, ActorID: "tester"}); err != nil {
		t.Fatalf("rename: %v", err)
	}
	preRestore, err := env.Engine.Repo.LatestEventID(env.Ctx)
	if err != nil {
		t.Fatalf("latest event id: %v", err)
	}

	if _, err := env.Engine.RestoreCheckpoint(env.Ctx, "before", "tester"); err != nil {
		t.Fatalf("restore: %v", err)
	}

	restored, err := env.Engine.Repo.GetTask(env.Ctx, inFlight.ID)
	if err != nil {
		t.Fatalf("read restored task: %v", err)
	}
	if restored.Status != domain.TaskInProgress || restored.Version != snapState.Version {
		t.Fatalf("restored = %q v%d, want %q v%d", restored.Status, restored.Version, snapState.Status, snapState.Version)
	}
	if restored.CompletedAt != nil || restored.Output != "" {
		t.Fatalf("completion leaked through restore: %+v", restored)
	}
	untouched, err := env.Engine.Repo.GetTask(env.Ctx, kept.ID)
	if err != nil {
		t.Fatalf("read kept task: %v", err)
	}
	if untouched.Title != kept.Title || untouched.Version != kept.Version {
		t.Fatalf("kept task = %q v%d, want %q v%d", untouched.Title, untouched.Version, kept.Title, kept.Version)
	}
	if _, err := env.Engine.Repo.GetTask(env.Ctx, born.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("post-snapshot task survived restore: %v", err)
	}
	lease, err := env.Engine.Repo.GetLease(env.Ctx, inFlight.ID)
	if err != nil {
		t.Fatalf("restored lease: %v", err)
	}
	if lease.OwnerID != "alice" {
		t.Fatalf("lease owner = %q, want alice", lease.OwnerID)
	}

	// History survives the restore; the restore itself is on record.
	postRestore, err := env.Engine.Repo.LatestEventID(env.Ctx)
	if err != nil {
		t.Fatalf("latest event id: %v", err)
	}
	if postRestore <= preRestore {
		t.Fatalf("event log shrank: %d then %d", preRestore, postRestore)
	}
	restores, err := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilters{Type: events.CheckpointRestored})
	if err != nil {
		t.Fatalf("list restore events: %v", err)
	}
	if len(restores) != 1 {
		t.Fatalf("checkpoint.restored events = %d, want 1", len(restores))
	}
	if _, err := env.Engine.Repo.GetCheckpoint(env.Ctx, "before"); err != nil {
		t.Fatalf("checkpoint gone after restore: %v", err)
	}
}

func TestRestoreDropsLaterLease(t *testing.T) {
	env := newTestEnv(t)
	tk := env.task(t, "reverted")
	if _, err := env.Engine.CreateCheckpoint(env.Ctx, "clean", false, "tester"); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	env.claim(t, tk.ID, "alice", 30*time.Minute)
	if _, err := env.Engine.RestoreCheckpoint(env.Ctx, "clean", "tester"); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if _, err := env.Engine.HeartbeatTask(env.Ctx, LeaseOptions{TaskRef: tk.ID, OwnerID: "alice"}); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("heartbeat after restore: got %v, want ErrLeaseLost", err)
	}
	got := env.claim(t, tk.ID, "bob", 0)
	if got.OwnerID != "bob" {
		t.Fatalf("owner = %q, want bob", got.OwnerID)
	}
}

func TestPruneCheckpointsKeepsNewest(t *testing.T) {
	env := newTestEnv(t)
	for _, name := range []string{"one", "two", "three"} {
		if _, err := env.Engine.CreateCheckpoint(env.Ctx, name, false, "tester"); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		env.advance(time.Minute)
	}

	victims, err := env.Engine.PruneCheckpoints(env.Ctx, 2, "tester")
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(victims) != 1 || victims[0].Name != "one" {
		t.Fatalf("victims = %+v, want just one", victims)
	}
	list, err := env.Engine.Repo.ListCheckpoints(env.Ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Name != "three" || list[1].Name != "two" {
		t.Fatalf("list = %+v, want three then two", list)
	}

	_, err = env.Engine.PruneCheckpoints(env.Ctx, 0, "tester")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("keep 0: got %v, want validation error", err)
	}
}
