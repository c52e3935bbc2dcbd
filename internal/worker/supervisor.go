// Package worker runs one supervisor per registered worker. A supervisor
// tails its workspace's event log, turns matching events into runs, and
// executes those runs against the concurrency budget of its runner config.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"gaffer/internal/app"
	"gaffer/internal/config"
	"gaffer/internal/db"
	"gaffer/internal/domain"
	"gaffer/internal/events"
	"gaffer/internal/filter"
	"gaffer/internal/registry"
	"gaffer/internal/repo"
	"gaffer/internal/runner"
)

const (
	tickInterval = 1 * time.Second
	eventBatch   = 100
	stopGrace    = 5 * time.Second
)

// ErrRunFinished is returned when a control action targets a run that is
// already terminal.
var ErrRunFinished = errors.New("run already finished")

// ErrRunNotRunning is returned when pause or resume targets a run without a
// live process.
var ErrRunNotRunning = errors.New("run is not running")

// Supervisor owns a single worker: its event cursor, its run queue, and the
// processes it spawned. All queue state is touched only by the loop
// goroutine; the inflight map is shared with control calls and guarded by mu.
type Supervisor struct {
	Worker   domain.Worker
	Runner   config.Runner
	Registry registry.Registry
	Paths    app.GlobalPaths
	Log      *log.Logger
	Now      func() time.Time

	// Lookup, when set, resolves the live runner config so edits to the
	// catalog reach new runs without a worker restart. Concurrency and the
	// subscription stay fixed at start.
	Lookup func(name string) (config.Runner, bool)

	store   repo.Repo
	storeDB *sql.DB
	preds   []filter.Predicate
	sem     *semaphore.Weighted
	queue   []string
	queued  map[string]struct{}
	cursor  int64
	broken  bool

	mu       sync.Mutex
	inflight map[string]*runner.Process
	halted   map[string]string
	orphans  map[string]int

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a supervisor for the given worker and runner config. The filter
// predicates are parsed here so a malformed filter is rejected before the
// worker is recorded as running.
func New(w domain.Worker, r config.Runner, reg registry.Registry, paths app.GlobalPaths, logger *log.Logger) (*Supervisor, error) {
	preds, err := filter.ParseAll(w.Filters)
	if err != nil {
		return nil, err
	}
	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = r.EffectiveConcurrency()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Supervisor{
		Worker:   w,
		Runner:   r,
		Registry: reg,
		Paths:    paths,
		Log:      logger,
		Now:      time.Now,
		preds:    preds,
		sem:      semaphore.NewWeighted(int64(concurrency)),
		queued:   make(map[string]struct{}),
		inflight: make(map[string]*runner.Process),
		halted:   make(map[string]string),
		orphans:  make(map[string]int),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start opens the workspace store, recovers queued and orphaned runs, marks
// the worker running, and launches the loop goroutine.
func (s *Supervisor) Start(ctx context.Context) error {
	s.cursor = s.Worker.Cursor
	if err := s.openStore(ctx); err != nil {
		s.markBroken(ctx)
	} else {
		s.recover(ctx)
		now := s.timestamp()
		s.Worker.Status = domain.WorkerRunning
		s.Worker.ErrorReason = ""
		s.Worker.StartedAt = &now
		s.Worker.UpdatedAt = now
		if err := s.Registry.UpdateWorker(ctx, s.Worker); err != nil {
			s.Log.Printf("worker %s: record running: %v", s.Worker.ID, err)
		}
	}
	go s.run(ctx)
	return nil
}

// Done is closed once the loop has exited and every in-flight run has been
// accounted for.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Stop ends the worker. With stopRuns false the supervisor drains: no new
// dispatch, in-flight runs finish. With stopRuns true every in-flight process
// gets SIGTERM, a grace period, then SIGKILL, and its run is failed with
// error "stopped". Queued runs that never started are failed the same way in
// both modes. Stop returns promptly; watch Done for completion.
func (s *Supervisor) Stop(stopRuns bool) {
	s.stopOnce.Do(func() {
		if err := s.Registry.UpdateWorkerStatus(context.Background(), s.Worker.ID, domain.WorkerStopping, "", s.timestamp()); err != nil {
			s.Log.Printf("worker %s: record stopping: %v", s.Worker.ID, err)
		}
		close(s.quit)
	})
	if stopRuns {
		s.killInflight("stopped")
	}
}

// Close is the daemon-shutdown path: in-flight processes are terminated and
// their runs failed with "daemon shutdown", but the worker's status is left
// alone so the next daemon start brings it back.
func (s *Supervisor) Close() {
	s.killInflight("daemon shutdown")
}

// --- loop ---

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	s.loop(ctx)
	explicit := false
	select {
	case <-s.quit:
		explicit = true
	default:
	}
	if explicit {
		s.failQueued(context.Background())
	}
	s.wg.Wait()
	if explicit {
		s.finalize(context.Background())
	}
	if s.storeDB != nil {
		s.storeDB.Close()
	}
}

func (s *Supervisor) loop(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) tick(ctx context.Context) {
	s.watchOrphans(ctx)
	if s.broken {
		return
	}
	if !s.healthy() {
		s.markBroken(ctx)
		return
	}
	s.requeueRetries(ctx)
	s.consume(ctx)
	s.dispatch(ctx)
}

func (s *Supervisor) healthy() bool {
	_, err := os.Stat(db.Path(s.Worker.InstancePath))
	return err == nil
}

// markBroken latches the worker into error/instance_missing. It stops
// consuming and dispatching but stays controllable; recovery needs a fresh
// worker start.
func (s *Supervisor) markBroken(ctx context.Context) {
	s.broken = true
	s.Log.Printf("worker %s: instance %s unreachable", s.Worker.ID, s.Worker.InstancePath)
	if err := s.Registry.UpdateWorkerStatus(ctx, s.Worker.ID, domain.WorkerError, domain.ReasonInstanceMissing, s.timestamp()); err != nil {
		s.Log.Printf("worker %s: record error state: %v", s.Worker.ID, err)
	}
	if s.storeDB != nil {
		s.storeDB.Close()
		s.storeDB = nil
	}
}

func (s *Supervisor) openStore(ctx context.Context) error {
	if _, err := os.Stat(db.Path(s.Worker.InstancePath)); err != nil {
		return err
	}
	conn, err := db.OpenPath(db.Path(s.Worker.InstancePath))
	if err != nil {
		return err
	}
	s.storeDB = conn
	s.store = repo.Repo{DB: conn}
	return nil
}

// recover rebuilds the queue from runs that were pending when the daemon last
// exited and adopts processes that survived it. Runs recorded running whose
// process is gone are failed here.
func (s *Supervisor) recover(ctx context.Context) {
	pending, err := s.Registry.PendingRuns(ctx, s.Worker.ID)
	if err != nil {
		s.Log.Printf("worker %s: load pending runs: %v", s.Worker.ID, err)
	}
	for _, run := range pending {
		s.enqueue(run.ID)
	}
	running, err := s.Registry.ListRuns(ctx, registry.RunFilters{WorkerID: s.Worker.ID, Status: domain.RunRunning})
	if err != nil {
		s.Log.Printf("worker %s: load running runs: %v", s.Worker.ID, err)
		return
	}
	for _, run := range running {
		if run.PID != nil && runner.Alive(*run.PID) {
			s.mu.Lock()
			s.orphans[run.ID] = *run.PID
			s.mu.Unlock()
			continue
		}
		s.failRun(ctx, run, "process lost")
	}
}

// watchOrphans polls processes adopted across a daemon restart. Their exit
// codes are unobservable, so exits are recorded as failed with the status
// marked lost.
func (s *Supervisor) watchOrphans(ctx context.Context) {
	s.mu.Lock()
	var exited []string
	for id, pid := range s.orphans {
		if !runner.Alive(pid) {
			exited = append(exited, id)
		}
	}
	for _, id := range exited {
		delete(s.orphans, id)
	}
	s.mu.Unlock()
	for _, id := range exited {
		run, err := s.Registry.GetRun(ctx, id)
		if err != nil {
			s.Log.Printf("worker %s: orphan run %s: %v", s.Worker.ID, id, err)
			continue
		}
		if run.Status == domain.RunRunning {
			s.failRun(ctx, run, "exit status lost")
		}
	}
}

// requeueRetries moves due retrying runs back into the queue. It runs before
// consume so retries land ahead of this tick's new matches.
func (s *Supervisor) requeueRetries(ctx context.Context) {
	runs, err := s.Registry.RetryingRuns(ctx, s.Worker.ID)
	if err != nil {
		s.Log.Printf("worker %s: load retries: %v", s.Worker.ID, err)
		return
	}
	now := s.now()
	for _, run := range runs {
		if _, ok := s.queued[run.ID]; ok {
			continue
		}
		due, err := time.Parse(time.RFC3339Nano, run.NextRetryAt)
		if err == nil && now.Before(due) {
			continue
		}
		s.enqueue(run.ID)
	}
}

func (s *Supervisor) consume(ctx context.Context) {
	evts, err := s.store.EventsAfter(ctx, s.cursor, eventBatch, "")
	if err != nil {
		s.Log.Printf("worker %s: fetch events: %v", s.Worker.ID, err)
		return
	}
	for _, evt := range evts {
		if s.Worker.EventType == "" || evt.Type == s.Worker.EventType {
			task, fields := s.subject(ctx, evt)
			ok, missing := filter.Match(s.preds, fields)
			for _, field := range missing {
				s.Log.Printf("worker %s: filter field %q does not resolve on %s %s", s.Worker.ID, field, evt.EntityKind, evt.EntityID)
			}
			if ok {
				s.createRun(ctx, evt, task)
			}
		}
		s.advance(ctx, evt.ID)
	}
}

// subject loads the entity an event is about. A missing entity (deleted since
// the event) resolves no fields, so filtered workers skip it.
func (s *Supervisor) subject(ctx context.Context, evt domain.Event) (*domain.Task, filter.Fields) {
	switch evt.EntityKind {
	case events.KindTask:
		t, err := s.store.GetTask(ctx, evt.EntityID)
		if err != nil {
			return nil, nil
		}
		return &t, filter.TaskFields(t)
	case events.KindProject:
		p, err := s.store.GetProject(ctx, evt.EntityID)
		if err != nil {
			return nil, nil
		}
		return nil, filter.ProjectFields(p)
	case events.KindInitiative:
		in, err := s.store.GetInitiative(ctx, evt.EntityID)
		if err != nil {
			return nil, nil
		}
		return nil, filter.InitiativeFields(in)
	}
	return nil, nil
}

// createRun resolves the runner's argument templates against the event and
// records a pending run. Unresolvable tokens substitute empty and are logged,
// mirroring filter semantics.
func (s *Supervisor) createRun(ctx context.Context, evt domain.Event, task *domain.Task) {
	rc := s.currentRunner()
	vars := runner.BuildVars(evt, task)
	args, missing := runner.Substitute(rc.Args, vars)
	for _, token := range missing {
		s.Log.Printf("worker %s: template token %q does not resolve for event %d", s.Worker.ID, token, evt.ID)
	}
	now := s.timestamp()
	id := domain.NewID("run")
	run := domain.Run{
		ID:          id,
		WorkerID:    s.Worker.ID,
		EventID:     evt.ID,
		EventType:   evt.Type,
		EntityID:    evt.EntityID,
		Command:     rc.Command,
		Args:        args,
		Env:         rc.ExpandedEnv(os.Getenv),
		Status:      domain.RunPending,
		MaxAttempts: rc.Attempts(),
		LogPath:     s.Paths.RunLog(s.Worker.ID, id),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.Registry.InsertRun(ctx, run); err != nil {
		s.Log.Printf("worker %s: record run for event %d: %v", s.Worker.ID, evt.ID, err)
		return
	}
	s.enqueue(run.ID)
}

// advance moves the durable cursor past a handled event. Runs are recorded
// before the cursor moves, so a crash between the two replays the event
// rather than dropping it.
func (s *Supervisor) advance(ctx context.Context, eventID int64) {
	s.cursor = eventID
	if err := s.Registry.UpdateWorkerCursor(ctx, s.Worker.ID, s.cursor, s.timestamp()); err != nil {
		s.Log.Printf("worker %s: advance cursor: %v", s.Worker.ID, err)
	}
}

func (s *Supervisor) enqueue(id string) {
	if _, ok := s.queued[id]; ok {
		return
	}
	s.queue = append(s.queue, id)
	s.queued[id] = struct{}{}
}

// dispatch hands queued runs to execution goroutines as long as the
// concurrency budget allows. Blocking in a run never blocks this loop.
func (s *Supervisor) dispatch(ctx context.Context) {
	for len(s.queue) > 0 && s.sem.TryAcquire(1) {
		id := s.queue[0]
		s.queue = s.queue[1:]
		delete(s.queued, id)
		s.wg.Add(1)
		go s.execute(id)
	}
}

// --- execution ---

func (s *Supervisor) execute(id string) {
	defer s.wg.Done()
	defer s.sem.Release(1)
	ctx := context.Background()
	run, err := s.Registry.GetRun(ctx, id)
	if err != nil {
		s.Log.Printf("worker %s: load run %s: %v", s.Worker.ID, id, err)
		return
	}
	if run.Status != domain.RunPending && run.Status != domain.RunRetrying {
		return
	}
	now := s.now()
	run.Attempt++
	run.Status = domain.RunRunning
	run.NextRetryAt = ""
	run.UpdatedAt = rfc3339(now)
	if run.StartedAt == nil {
		started := rfc3339(now)
		run.StartedAt = &started
	}
	proc, err := runner.Spawn(run.Command, run.Args, run.Env, s.Worker.InstancePath, run.LogPath)
	if err != nil {
		s.Log.Printf("worker %s: run %s attempt %d: %v", s.Worker.ID, run.ID, run.Attempt, err)
		s.settle(ctx, run, nil, err)
		return
	}
	pid := proc.PID()
	run.PID = &pid
	if err := s.Registry.UpdateRun(ctx, run); err != nil {
		s.Log.Printf("worker %s: record run %s start: %v", s.Worker.ID, run.ID, err)
	}
	s.mu.Lock()
	s.inflight[run.ID] = proc
	s.mu.Unlock()

	code := proc.Wait()

	s.mu.Lock()
	delete(s.inflight, run.ID)
	reason, wasHalted := s.halted[run.ID]
	delete(s.halted, run.ID)
	s.mu.Unlock()
	if wasHalted {
		run.ExitCode = &code
		s.failRun(ctx, run, reason)
		return
	}
	s.settle(ctx, run, &code, nil)
}

// settle applies the retry state machine to a finished attempt. A zero exit
// succeeds; a spawn failure or non-zero exit retries with backoff until the
// attempt cap, then fails terminally. No lifecycle event is emitted either
// way, so retries cannot storm the event log.
func (s *Supervisor) settle(ctx context.Context, run domain.Run, code *int, spawnErr error) {
	now := s.now()
	run.ExitCode = code
	run.UpdatedAt = rfc3339(now)
	if spawnErr == nil && code != nil && *code == 0 {
		run.Status = domain.RunSucceeded
		run.ErrorMessage = ""
		completed := rfc3339(now)
		run.CompletedAt = &completed
	} else {
		msg := "exit status unknown"
		if spawnErr != nil {
			msg = spawnErr.Error()
		} else if code != nil {
			msg = fmt.Sprintf("exit status %d", *code)
		}
		run.ErrorMessage = msg
		if run.Attempt >= run.MaxAttempts {
			run.Status = domain.RunFailed
			completed := rfc3339(now)
			run.CompletedAt = &completed
		} else {
			rc := s.currentRunner()
			run.Status = domain.RunRetrying
			wait := runner.Delay(run.ID, run.Attempt-1, rc.Base(), rc.Cap())
			run.NextRetryAt = now.Add(wait).UTC().Format(time.RFC3339Nano)
		}
	}
	if err := s.Registry.UpdateRun(ctx, run); err != nil {
		s.Log.Printf("worker %s: record run %s result: %v", s.Worker.ID, run.ID, err)
	}
}

func (s *Supervisor) failRun(ctx context.Context, run domain.Run, reason string) {
	now := s.timestamp()
	run.Status = domain.RunFailed
	run.ErrorMessage = reason
	run.NextRetryAt = ""
	run.UpdatedAt = now
	run.CompletedAt = &now
	if err := s.Registry.UpdateRun(ctx, run); err != nil {
		s.Log.Printf("worker %s: record run %s failure: %v", s.Worker.ID, run.ID, err)
	}
}

// --- control ---

// StopRun stops one run: a live process is signalled and its run failed with
// "stopped"; a queued run is failed in place and skipped at dispatch.
func (s *Supervisor) StopRun(ctx context.Context, id string) error {
	s.mu.Lock()
	if proc, ok := s.inflight[id]; ok {
		s.halted[id] = "stopped"
		s.mu.Unlock()
		terminateThenKill(proc.PID())
		return nil
	}
	if pid, ok := s.orphans[id]; ok {
		delete(s.orphans, id)
		s.mu.Unlock()
		terminateThenKill(pid)
		run, err := s.Registry.GetRun(ctx, id)
		if err != nil {
			return err
		}
		s.failRun(ctx, run, "stopped")
		return nil
	}
	s.mu.Unlock()
	run, err := s.Registry.GetRun(ctx, id)
	if err != nil {
		return err
	}
	switch run.Status {
	case domain.RunPending, domain.RunRetrying:
		s.failRun(ctx, run, "stopped")
		return nil
	case domain.RunRunning:
		if run.PID != nil {
			terminateThenKill(*run.PID)
		}
		s.failRun(ctx, run, "stopped")
		return nil
	}
	return ErrRunFinished
}

// PauseRun sends SIGSTOP to a running run's process group. The run keeps its
// concurrency slot while paused.
func (s *Supervisor) PauseRun(ctx context.Context, id string) error {
	run, err := s.Registry.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if run.Status != domain.RunRunning || run.PID == nil {
		return ErrRunNotRunning
	}
	if run.Paused {
		return nil
	}
	if err := runner.Pause(*run.PID); err != nil {
		return err
	}
	run.Paused = true
	run.UpdatedAt = s.timestamp()
	return s.Registry.UpdateRun(ctx, run)
}

// ResumeRun sends SIGCONT to a paused run's process group.
func (s *Supervisor) ResumeRun(ctx context.Context, id string) error {
	run, err := s.Registry.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if run.Status != domain.RunRunning || run.PID == nil {
		return ErrRunNotRunning
	}
	if !run.Paused {
		return nil
	}
	if err := runner.Resume(*run.PID); err != nil {
		return err
	}
	run.Paused = false
	run.UpdatedAt = s.timestamp()
	return s.Registry.UpdateRun(ctx, run)
}

func (s *Supervisor) killInflight(reason string) {
	s.mu.Lock()
	pids := make(map[string]int, len(s.inflight))
	for id, proc := range s.inflight {
		s.halted[id] = reason
		pids[id] = proc.PID()
	}
	orphaned := make(map[string]int, len(s.orphans))
	for id, pid := range s.orphans {
		orphaned[id] = pid
	}
	s.orphans = make(map[string]int)
	s.mu.Unlock()
	for _, pid := range pids {
		terminateThenKill(pid)
	}
	ctx := context.Background()
	for id, pid := range orphaned {
		terminateThenKill(pid)
		if run, err := s.Registry.GetRun(ctx, id); err == nil {
			s.failRun(ctx, run, reason)
		}
	}
}

// failQueued fails queued runs that never started. A stopped worker leaves
// nothing non-terminal behind, which is what makes it prunable.
func (s *Supervisor) failQueued(ctx context.Context) {
	for _, id := range s.queue {
		run, err := s.Registry.GetRun(ctx, id)
		if err != nil {
			continue
		}
		if run.Status == domain.RunPending || run.Status == domain.RunRetrying {
			s.failRun(ctx, run, "stopped")
		}
	}
	s.queue = nil
	s.queued = make(map[string]struct{})
	runs, err := s.Registry.RetryingRuns(ctx, s.Worker.ID)
	if err != nil {
		return
	}
	for _, run := range runs {
		s.failRun(ctx, run, "stopped")
	}
}

func (s *Supervisor) finalize(ctx context.Context) {
	w, err := s.Registry.GetWorker(ctx, s.Worker.ID)
	if err != nil {
		s.Log.Printf("worker %s: finalize: %v", s.Worker.ID, err)
		return
	}
	now := s.timestamp()
	w.Status = domain.WorkerStopped
	w.StoppedAt = &now
	w.UpdatedAt = now
	w.Cursor = s.cursor
	if err := s.Registry.UpdateWorker(ctx, w); err != nil {
		s.Log.Printf("worker %s: record stopped: %v", s.Worker.ID, err)
	}
}

// --- helpers ---

func terminateThenKill(pid int) {
	if err := runner.Terminate(pid); err != nil {
		return
	}
	go func() {
		time.Sleep(stopGrace)
		if runner.Alive(pid) {
			runner.Kill(pid)
		}
	}()
}

func (s *Supervisor) currentRunner() config.Runner {
	if s.Lookup != nil {
		if rc, ok := s.Lookup(s.Worker.Runner); ok {
			return rc
		}
	}
	return s.Runner
}

func (s *Supervisor) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Supervisor) timestamp() string {
	return rfc3339(s.now())
}

func rfc3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
