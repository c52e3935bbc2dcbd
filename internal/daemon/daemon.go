// Package daemon hosts the worker supervisors behind a control API on a unix
// socket. One daemon serves every workspace on the machine; its state lives
// under the global gaffer home.
package daemon

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"gaffer/internal/app"
	"gaffer/internal/config"
	"gaffer/internal/db"
	"gaffer/internal/domain"
	"gaffer/internal/events"
	"gaffer/internal/filter"
	"gaffer/internal/migrate"
	"gaffer/internal/registry"
	"gaffer/internal/repo"
	"gaffer/internal/runner"
	"gaffer/internal/worker"
)

const Version = "0.1.0"

const (
	stopGrace     = 5 * time.Second
	shutdownGrace = stopGrace + 2*time.Second
)

// Daemon owns the worker registry, the runner catalog, and one supervisor per
// live worker.
type Daemon struct {
	Paths    app.GlobalPaths
	Registry registry.Registry
	Log      *log.Logger

	mu     sync.Mutex
	global *config.Global
	sups   map[string]*worker.Supervisor

	regDB    *sql.DB
	ctx      context.Context
	stop     chan struct{}
	stopOnce sync.Once
}

// New opens the global registry, applies its migrations, and loads the runner
// catalog. A missing config file is an empty catalog, not an error.
func New(paths app.GlobalPaths, logger *log.Logger) (*Daemon, error) {
	if err := paths.Ensure(); err != nil {
		return nil, err
	}
	conn, err := db.OpenPath(paths.RegistryDB())
	if err != nil {
		return nil, err
	}
	if err := migrate.Global(conn); err != nil {
		conn.Close()
		return nil, err
	}
	global, err := config.LoadGlobal(paths.ConfigTOML())
	if err != nil {
		conn.Close()
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Daemon{
		Paths:    paths,
		Registry: registry.Registry{DB: conn},
		Log:      logger,
		global:   global,
		sups:     make(map[string]*worker.Supervisor),
		regDB:    conn,
		stop:     make(chan struct{}),
	}, nil
}

// Run serves the control API until the context is cancelled or a shutdown is
// requested, then drains: supervisors stop dispatching, in-flight runs get
// SIGTERM, a grace period, SIGKILL, and are failed with "daemon shutdown".
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.ctx = ctx

	if conn, err := net.DialTimeout("unix", d.Paths.Socket(), 250*time.Millisecond); err == nil {
		conn.Close()
		return fmt.Errorf("gafferd already running on %s", d.Paths.Socket())
	}
	os.Remove(d.Paths.Socket())

	if err := os.WriteFile(d.Paths.PIDFile(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return err
	}
	defer os.Remove(d.Paths.PIDFile())

	d.reconcile(ctx)

	ln, err := net.Listen("unix", d.Paths.Socket())
	if err != nil {
		return err
	}
	os.Chmod(d.Paths.Socket(), 0o600)
	defer os.Remove(d.Paths.Socket())

	server := &http.Server{Handler: Handler(d)}
	d.Log.Printf("daemon: listening on %s (pid %d)", d.Paths.Socket(), os.Getpid())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return d.watchConfig(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-d.stop:
		}
		d.Log.Printf("daemon: shutting down")
		cancel()
		d.closeSupervisors()
		sctx, scancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer scancel()
		server.Shutdown(sctx)
		return nil
	})
	err = g.Wait()
	d.regDB.Close()
	return err
}

// TriggerShutdown asks a running daemon to exit. Safe to call more than once.
func (d *Daemon) TriggerShutdown() {
	d.stopOnce.Do(func() { close(d.stop) })
}

// closeSupervisors terminates in-flight runs across every supervisor and
// waits out their bookkeeping. Worker statuses are left untouched so the next
// daemon start restarts them.
func (d *Daemon) closeSupervisors() {
	d.mu.Lock()
	sups := make([]*worker.Supervisor, 0, len(d.sups))
	for _, sup := range d.sups {
		sups = append(sups, sup)
	}
	d.mu.Unlock()
	for _, sup := range sups {
		sup.Close()
	}
	deadline := time.Now().Add(shutdownGrace)
	for _, sup := range sups {
		wait := time.Until(deadline)
		if wait <= 0 {
			break
		}
		select {
		case <-sup.Done():
		case <-time.After(wait):
		}
	}
}

// reconcile repairs the registry after a restart: running runs whose process
// is gone are failed, interrupted stops complete, and workers recorded
// starting or running get their loops back.
func (d *Daemon) reconcile(ctx context.Context) {
	runs, err := d.Registry.ListRuns(ctx, registry.RunFilters{Status: domain.RunRunning})
	if err != nil {
		d.Log.Printf("daemon: reconcile runs: %v", err)
	}
	for _, run := range runs {
		if run.PID != nil && runner.Alive(*run.PID) {
			continue
		}
		d.failRun(ctx, run, "process lost")
	}

	workers, err := d.Registry.ListWorkers(ctx, false)
	if err != nil {
		d.Log.Printf("daemon: reconcile workers: %v", err)
		return
	}
	for _, w := range workers {
		switch w.Status {
		case domain.WorkerStarting, domain.WorkerRunning:
			rc, ok := d.runnerConfig(w.Runner)
			if !ok {
				d.Log.Printf("daemon: worker %s: runner %q no longer configured", w.ID, w.Runner)
				d.Registry.UpdateWorkerStatus(ctx, w.ID, domain.WorkerError, "runner_missing", d.timestamp())
				continue
			}
			d.startSupervisor(w, rc)
		case domain.WorkerStopping:
			d.failQueuedRuns(ctx, w.ID, "stopped")
			d.failRunningRuns(ctx, w.ID, "stopped", true)
			d.markStopped(ctx, w)
		}
	}
}

// watchConfig hot-reloads the runner catalog when config.toml changes. The
// parent directory is watched because editors typically replace the file.
func (d *Daemon) watchConfig(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(d.Paths.Root); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(evt.Name) != config.GlobalFileName {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			global, err := config.LoadGlobal(d.Paths.ConfigTOML())
			if err != nil {
				d.Log.Printf("daemon: reload runner config: %v", err)
				continue
			}
			d.mu.Lock()
			d.global = global
			d.mu.Unlock()
			d.Log.Printf("daemon: runner config reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.Log.Printf("daemon: config watch: %v", err)
		}
	}
}

func (d *Daemon) runnerConfig(name string) (config.Runner, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.global == nil {
		return config.Runner{}, false
	}
	return d.global.Runner(name)
}

// --- workers ---

// StartWorker validates the request against the runner catalog and the
// instance workspace, records the worker with its cursor at the workspace's
// latest event, and launches its supervisor.
func (d *Daemon) StartWorker(ctx context.Context, req WorkerStartRequest) (domain.Worker, error) {
	if req.Runner == "" {
		return domain.Worker{}, fmt.Errorf("runner is required")
	}
	rc, ok := d.runnerConfig(req.Runner)
	if !ok {
		return domain.Worker{}, fmt.Errorf("runner %q is not configured", req.Runner)
	}
	if req.InstancePath == "" {
		return domain.Worker{}, fmt.Errorf("instance_path is required")
	}
	inst, err := filepath.Abs(req.InstancePath)
	if err != nil {
		return domain.Worker{}, err
	}
	if _, err := os.Stat(db.Path(inst)); err != nil {
		return domain.Worker{}, fmt.Errorf("instance %s has no initialized workspace", inst)
	}
	if _, err := filter.ParseAll(req.Filters); err != nil {
		return domain.Worker{}, err
	}
	eventType := req.EventType
	if eventType == "" {
		eventType = rc.EventType()
	}
	if !events.Known(eventType) {
		return domain.Worker{}, fmt.Errorf("unknown event type %q", eventType)
	}
	concurrency := req.Concurrency
	if concurrency <= 0 {
		concurrency = rc.EffectiveConcurrency()
	}

	cursor, err := latestWorkspaceEvent(ctx, inst)
	if err != nil {
		return domain.Worker{}, fmt.Errorf("instance %s: %w", inst, err)
	}

	now := d.timestamp()
	w := domain.Worker{
		ID:           domain.NewID("worker"),
		Runner:       req.Runner,
		InstancePath: inst,
		EventType:    eventType,
		Filters:      req.Filters,
		Concurrency:  concurrency,
		Status:       domain.WorkerStarting,
		Cursor:       cursor,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := d.Registry.InsertWorker(ctx, w); err != nil {
		return domain.Worker{}, err
	}
	d.startSupervisor(w, rc)
	return d.Registry.GetWorker(ctx, w.ID)
}

func (d *Daemon) startSupervisor(w domain.Worker, rc config.Runner) {
	sup, err := worker.New(w, rc, d.Registry, d.Paths, d.Log)
	if err != nil {
		d.Log.Printf("daemon: worker %s: %v", w.ID, err)
		d.Registry.UpdateWorkerStatus(context.Background(), w.ID, domain.WorkerError, "invalid_filters", d.timestamp())
		return
	}
	sup.Lookup = d.runnerConfig
	if err := sup.Start(d.runCtx()); err != nil {
		d.Log.Printf("daemon: worker %s: start: %v", w.ID, err)
		return
	}
	d.mu.Lock()
	d.sups[w.ID] = sup
	d.mu.Unlock()
	go func() {
		<-sup.Done()
		d.mu.Lock()
		if d.sups[w.ID] == sup {
			delete(d.sups, w.ID)
		}
		d.mu.Unlock()
	}()
}

// StopWorker stops a worker through its supervisor when one is live. Without
// one (an error-state worker from a previous daemon) the registry is repaired
// directly: queued runs fail as "stopped", and live processes are signalled
// only when stopRuns is set.
func (d *Daemon) StopWorker(ctx context.Context, id string, stopRuns bool) (domain.Worker, error) {
	w, err := d.Registry.GetWorker(ctx, id)
	if err != nil {
		return domain.Worker{}, err
	}
	d.mu.Lock()
	sup := d.sups[id]
	d.mu.Unlock()
	if sup != nil {
		sup.Stop(stopRuns)
		return d.Registry.GetWorker(ctx, id)
	}
	if w.Status == domain.WorkerStopped {
		return w, nil
	}
	d.failQueuedRuns(ctx, id, "stopped")
	if stopRuns {
		d.failRunningRuns(ctx, id, "stopped", true)
	}
	d.markStopped(ctx, w)
	return d.Registry.GetWorker(ctx, id)
}

// PruneWorkers removes stopped workers, plus error-state workers with no
// non-terminal runs, from the registry. Run rows go with their worker; log
// files stay on disk.
func (d *Daemon) PruneWorkers(ctx context.Context) ([]string, error) {
	removed, err := d.Registry.DeleteStoppedWorkers(ctx)
	if err != nil {
		return nil, err
	}
	workers, err := d.Registry.ListWorkers(ctx, false)
	if err != nil {
		return removed, err
	}
	for _, w := range workers {
		if w.Status != domain.WorkerError {
			continue
		}
		counts, err := d.Registry.RunCounts(ctx, w.ID)
		if err != nil {
			return removed, err
		}
		if counts[domain.RunPending]+counts[domain.RunRunning]+counts[domain.RunRetrying] > 0 {
			continue
		}
		d.mu.Lock()
		sup := d.sups[w.ID]
		d.mu.Unlock()
		if sup != nil {
			sup.Stop(false)
			select {
			case <-sup.Done():
			case <-time.After(2 * time.Second):
			}
		}
		if err := d.Registry.DeleteWorker(ctx, w.ID); err != nil {
			if err == registry.ErrNotFound {
				continue
			}
			return removed, err
		}
		removed = append(removed, w.ID)
	}
	return removed, nil
}

// --- runs ---

// StopRun terminates one run, preferring the owning supervisor when it is
// live so in-flight bookkeeping stays in one place.
func (d *Daemon) StopRun(ctx context.Context, id string) (domain.Run, error) {
	run, err := d.Registry.GetRun(ctx, id)
	if err != nil {
		return domain.Run{}, err
	}
	d.mu.Lock()
	sup := d.sups[run.WorkerID]
	d.mu.Unlock()
	if sup != nil {
		if err := sup.StopRun(ctx, id); err != nil {
			return run, err
		}
		return d.Registry.GetRun(ctx, id)
	}
	switch run.Status {
	case domain.RunPending, domain.RunRetrying:
		d.failRun(ctx, run, "stopped")
	case domain.RunRunning:
		if run.PID != nil && runner.Alive(*run.PID) {
			termThenKill(*run.PID)
		}
		d.failRun(ctx, run, "stopped")
	default:
		return run, worker.ErrRunFinished
	}
	return d.Registry.GetRun(ctx, id)
}

// PauseRun suspends a running run with SIGSTOP. The run keeps its slot.
func (d *Daemon) PauseRun(ctx context.Context, id string) (domain.Run, error) {
	return d.signalRun(ctx, id, true)
}

// ResumeRun continues a paused run with SIGCONT.
func (d *Daemon) ResumeRun(ctx context.Context, id string) (domain.Run, error) {
	return d.signalRun(ctx, id, false)
}

func (d *Daemon) signalRun(ctx context.Context, id string, pause bool) (domain.Run, error) {
	run, err := d.Registry.GetRun(ctx, id)
	if err != nil {
		return domain.Run{}, err
	}
	d.mu.Lock()
	sup := d.sups[run.WorkerID]
	d.mu.Unlock()
	if sup != nil {
		if pause {
			err = sup.PauseRun(ctx, id)
		} else {
			err = sup.ResumeRun(ctx, id)
		}
		if err != nil {
			return run, err
		}
		return d.Registry.GetRun(ctx, id)
	}
	if run.Status != domain.RunRunning || run.PID == nil {
		return run, worker.ErrRunNotRunning
	}
	if pause == run.Paused {
		return run, nil
	}
	if pause {
		err = runner.Pause(*run.PID)
	} else {
		err = runner.Resume(*run.PID)
	}
	if err != nil {
		return run, err
	}
	run.Paused = pause
	run.UpdatedAt = d.timestamp()
	if err := d.Registry.UpdateRun(ctx, run); err != nil {
		return run, err
	}
	return run, nil
}

// --- logs ---

// WorkerLogs returns the last n lines across a worker's recent run logs,
// oldest run first.
func (d *Daemon) WorkerLogs(ctx context.Context, id string, n int) ([]string, error) {
	if _, err := d.Registry.GetWorker(ctx, id); err != nil {
		return nil, err
	}
	runs, err := d.Registry.ListRuns(ctx, registry.RunFilters{WorkerID: id, Limit: 20})
	if err != nil {
		return nil, err
	}
	var all []string
	for i := len(runs) - 1; i >= 0; i-- {
		if runs[i].LogPath == "" {
			continue
		}
		lines, err := tailFile(runs[i].LogPath, 0)
		if err != nil {
			continue
		}
		all = append(all, lines...)
	}
	return lastLines(all, n), nil
}

// RunLogs returns the last n lines of one run's log.
func (d *Daemon) RunLogs(ctx context.Context, id string, n int) ([]string, error) {
	run, err := d.Registry.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.LogPath == "" {
		return nil, nil
	}
	lines, err := tailFile(run.LogPath, n)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return lines, err
}

// DaemonLogs tails the daemon's own log file.
func (d *Daemon) DaemonLogs(n int) ([]string, error) {
	lines, err := tailFile(d.Paths.DaemonLog(), n)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return lines, err
}

func (d *Daemon) workerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sups)
}

// --- helpers ---

func (d *Daemon) runCtx() context.Context {
	if d.ctx != nil {
		return d.ctx
	}
	return context.Background()
}

func (d *Daemon) failRun(ctx context.Context, run domain.Run, reason string) {
	now := d.timestamp()
	run.Status = domain.RunFailed
	run.ErrorMessage = reason
	run.NextRetryAt = ""
	run.UpdatedAt = now
	run.CompletedAt = &now
	if err := d.Registry.UpdateRun(ctx, run); err != nil {
		d.Log.Printf("daemon: record run %s failure: %v", run.ID, err)
	}
}

func (d *Daemon) failQueuedRuns(ctx context.Context, workerID, reason string) {
	for _, status := range []string{domain.RunPending, domain.RunRetrying} {
		runs, err := d.Registry.ListRuns(ctx, registry.RunFilters{WorkerID: workerID, Status: status})
		if err != nil {
			d.Log.Printf("daemon: list %s runs: %v", status, err)
			continue
		}
		for _, run := range runs {
			d.failRun(ctx, run, reason)
		}
	}
}

func (d *Daemon) failRunningRuns(ctx context.Context, workerID, reason string, signal bool) {
	runs, err := d.Registry.ListRuns(ctx, registry.RunFilters{WorkerID: workerID, Status: domain.RunRunning})
	if err != nil {
		d.Log.Printf("daemon: list running runs: %v", err)
		return
	}
	for _, run := range runs {
		if signal && run.PID != nil && runner.Alive(*run.PID) {
			termThenKill(*run.PID)
		}
		d.failRun(ctx, run, reason)
	}
}

func (d *Daemon) markStopped(ctx context.Context, w domain.Worker) {
	now := d.timestamp()
	w.Status = domain.WorkerStopped
	w.StoppedAt = &now
	w.UpdatedAt = now
	if err := d.Registry.UpdateWorker(ctx, w); err != nil {
		d.Log.Printf("daemon: record worker %s stopped: %v", w.ID, err)
	}
}

func (d *Daemon) timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func latestWorkspaceEvent(ctx context.Context, instance string) (int64, error) {
	conn, err := db.OpenPath(db.Path(instance))
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	store := repo.Repo{DB: conn}
	return store.LatestEventID(ctx)
}

func termThenKill(pid int) {
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

func tailFile(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil, nil
	}
	return lastLines(strings.Split(text, "\n"), n), nil
}

func lastLines(lines []string, n int) []string {
	if n > 0 && len(lines) > n {
		return lines[len(lines)-n:]
	}
	return lines
}
