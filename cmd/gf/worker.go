package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gaffer/internal/app"
	"gaffer/internal/config"
	"gaffer/internal/daemon"
	"gaffer/internal/engine"
	"gaffer/internal/events"
)

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "worker", Short: "Manage event-driven workers"}
	cmd.AddCommand(workerStartCmd())
	cmd.AddCommand(workerStopCmd())
	cmd.AddCommand(workerStatusCmd())
	cmd.AddCommand(workerLogsCmd())
	cmd.AddCommand(workerPruneCmd())
	return cmd
}

func workerStartCmd() *cobra.Command {
	var req daemon.WorkerStartRequest
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a worker against a workspace",
		Long: `Registers a worker with the daemon (starting it if needed). The worker
tails the instance workspace's events from now on and runs the configured
runner for each match.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if req.InstancePath == "" {
				ws, err := workspaceRoot()
				if err != nil {
					return err
				}
				req.InstancePath = ws
			}
			client, err := ensureDaemon(ctx)
			if err != nil {
				return err
			}
			w, err := client.StartWorker(ctx, req)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(w)
			}
			fmt.Printf("worker %s started: runner=%s on=%s instance=%s\n", w.ID, w.Runner, w.EventType, w.InstancePath)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Runner, "runner", "", "runner name from the global config")
	cmd.Flags().StringVar(&req.InstancePath, "instance", "", "workspace to watch (default: current workspace)")
	cmd.Flags().StringVar(&req.EventType, "on", "", "event type to match (default: runner config)")
	cmd.Flags().StringArrayVar(&req.Filters, "filter", nil, "field=value / field!=value predicate (repeatable)")
	cmd.Flags().IntVar(&req.Concurrency, "concurrency", 0, "parallel run slots (default: runner config)")
	_ = cmd.MarkFlagRequired("runner")
	return cmd
}

func workerStopCmd() *cobra.Command {
	var stopRuns bool
	cmd := &cobra.Command{
		Use:   "stop WORKER",
		Short: "Stop a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ensureDaemon(cmd.Context())
			if err != nil {
				return err
			}
			w, err := client.StopWorker(cmd.Context(), args[0], stopRuns)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(w)
			}
			fmt.Printf("worker %s %s\n", w.ID, w.Status)
			return nil
		},
	}
	cmd.Flags().BoolVar(&stopRuns, "runs", false, "terminate in-flight runs instead of draining")
	return cmd
}

func workerStatusCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "status [WORKER]",
		Short: "Show workers, or one worker with run counts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := ensureDaemon(ctx)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				detail, err := client.GetWorker(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(detail)
			}
			workers, err := client.ListWorkers(ctx, all)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(workers)
			}
			tw := newTable(table.Row{"ID", "Runner", "Status", "On", "Instance", "Cursor"})
			for _, w := range workers {
				status := w.Status
				if w.ErrorReason != "" {
					status += " (" + w.ErrorReason + ")"
				}
				tw.AppendRow(table.Row{w.ID, w.Runner, status, w.EventType, w.InstancePath, w.Cursor})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include stopped workers")
	return cmd
}

func workerLogsCmd() *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs WORKER",
		Short: "Tail a worker's recent run logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ensureDaemon(cmd.Context())
			if err != nil {
				return err
			}
			out, err := client.WorkerLogs(cmd.Context(), args[0], lines)
			if err != nil {
				return err
			}
			for _, line := range out {
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "max lines (0 for all)")
	return cmd
}

func workerPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove stopped and errored workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ensureDaemon(cmd.Context())
			if err != nil {
				return err
			}
			removed, err := client.PruneWorkers(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(removed)
			}
			if len(removed) == 0 {
				fmt.Println("nothing to prune")
				return nil
			}
			for _, id := range removed {
				fmt.Println("pruned", id)
			}
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "run", Short: "Inspect and control runs"}

	var workerID, status string
	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ensureDaemon(cmd.Context())
			if err != nil {
				return err
			}
			runs, err := client.ListRuns(cmd.Context(), workerID, status, all)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(runs)
			}
			tw := newTable(table.Row{"ID", "Worker", "Status", "Attempt", "Exit", "Entity"})
			for _, r := range runs {
				exit := ""
				if r.ExitCode != nil {
					exit = fmt.Sprintf("%d", *r.ExitCode)
				}
				tw.AppendRow(table.Row{r.ID, r.WorkerID, r.Status, fmt.Sprintf("%d/%d", r.Attempt, r.MaxAttempts), exit, r.EntityID})
			}
			tw.Render()
			return nil
		},
	}
	list.Flags().StringVar(&workerID, "worker", "", "filter by worker")
	list.Flags().StringVar(&status, "status", "", "filter by status")
	list.Flags().BoolVar(&all, "all", false, "lift the recency limit")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "status RUN",
		Short: "Show one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ensureDaemon(cmd.Context())
			if err != nil {
				return err
			}
			run, err := client.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(run)
		},
	})

	for _, action := range []struct {
		use, short string
		call       func(*daemon.Client, context.Context, string) error
	}{
		{"stop RUN", "Stop a run", func(c *daemon.Client, ctx context.Context, id string) error {
			_, err := c.StopRun(ctx, id)
			return err
		}},
		{"pause RUN", "Pause a running run (SIGSTOP)", func(c *daemon.Client, ctx context.Context, id string) error {
			_, err := c.PauseRun(ctx, id)
			return err
		}},
		{"resume RUN", "Resume a paused run (SIGCONT)", func(c *daemon.Client, ctx context.Context, id string) error {
			_, err := c.ResumeRun(ctx, id)
			return err
		}},
	} {
		action := action
		cmd.AddCommand(&cobra.Command{
			Use:   action.use,
			Short: action.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := ensureDaemon(cmd.Context())
				if err != nil {
					return err
				}
				if err := action.call(client, cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Println("ok")
				return nil
			},
		})
	}

	var lines int
	logs := &cobra.Command{
		Use:   "logs RUN",
		Short: "Tail a run's log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ensureDaemon(cmd.Context())
			if err != nil {
				return err
			}
			out, err := client.RunLogs(cmd.Context(), args[0], lines)
			if err != nil {
				return err
			}
			for _, line := range out {
				fmt.Println(line)
			}
			return nil
		},
	}
	logs.Flags().IntVarP(&lines, "lines", "n", 50, "max lines (0 for all)")
	cmd.AddCommand(logs)

	return cmd
}

func runnerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "runner", Short: "Manage the global runner catalog"}
	cmd.AddCommand(runnerListCmd())
	cmd.AddCommand(runnerGetCmd())
	cmd.AddCommand(runnerSetCmd())
	cmd.AddCommand(runnerRemoveCmd())
	return cmd
}

func globalConfigPath() (app.GlobalPaths, error) {
	home, err := app.Home()
	if err != nil {
		return app.GlobalPaths{}, err
	}
	paths := app.NewGlobalPaths(home)
	return paths, paths.Ensure()
}

func runnerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured runners",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := globalConfigPath()
			if err != nil {
				return err
			}
			global, err := config.LoadGlobal(paths.ConfigTOML())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(global.Runners)
			}
			names := make([]string, 0, len(global.Runners))
			for name := range global.Runners {
				names = append(names, name)
			}
			sort.Strings(names)
			tw := newTable(table.Row{"Name", "Command", "On", "Concurrency", "Attempts"})
			for _, name := range names {
				r := global.Runners[name]
				cmdline := r.Command
				if len(r.Args) > 0 {
					cmdline += " " + strings.Join(r.Args, " ")
				}
				tw.AppendRow(table.Row{name, cmdline, r.EventType(), r.EffectiveConcurrency(), r.Attempts()})
			}
			tw.Render()
			return nil
		},
	}
}

func runnerGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get NAME",
		Short: "Show one runner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := globalConfigPath()
			if err != nil {
				return err
			}
			global, err := config.LoadGlobal(paths.ConfigTOML())
			if err != nil {
				return err
			}
			r, ok := global.Runner(args[0])
			if !ok {
				return &engine.ValidationError{Msg: fmt.Sprintf("runner %q is not configured", args[0])}
			}
			return printJSON(r)
		},
	}
}

func runnerSetCmd() *cobra.Command {
	var r config.Runner
	var baseDelay, maxDelay time.Duration
	var env []string
	cmd := &cobra.Command{
		Use:   "set NAME",
		Short: "Create or replace a runner",
		Long: `Writes the runner into ~/.gaffer/config.toml. A running daemon picks the
change up for new runs; concurrency and subscription changes need a worker
restart.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if r.Command == "" {
				return &engine.ValidationError{Msg: "command is required"}
			}
			if r.On != "" && !events.Known(r.On) {
				return &engine.ValidationError{Msg: fmt.Sprintf("unknown event type %q", r.On)}
			}
			r.BaseDelay = config.Duration(baseDelay)
			r.MaxDelay = config.Duration(maxDelay)
			if len(env) > 0 {
				r.Env = make(map[string]string, len(env))
				for _, kv := range env {
					k, v, ok := strings.Cut(kv, "=")
					if !ok {
						return &engine.ValidationError{Msg: fmt.Sprintf("invalid env %q, want KEY=VALUE", kv)}
					}
					r.Env[k] = v
				}
			}
			paths, err := globalConfigPath()
			if err != nil {
				return err
			}
			global, err := config.LoadGlobal(paths.ConfigTOML())
			if err != nil {
				return err
			}
			if global.Runners == nil {
				global.Runners = make(map[string]config.Runner)
			}
			global.Runners[args[0]] = r
			if err := config.SaveGlobal(paths.ConfigTOML(), global); err != nil {
				return err
			}
			fmt.Println("saved runner", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&r.Command, "command", "", "executable to run")
	cmd.Flags().StringArrayVar(&r.Args, "arg", nil, "argument, may contain {task.id}-style templates (repeatable)")
	cmd.Flags().StringVar(&r.On, "on", "", "event type to subscribe to")
	cmd.Flags().IntVar(&r.Concurrency, "concurrency", 0, "parallel run slots")
	cmd.Flags().IntVar(&r.MaxAttempts, "max-attempts", 0, "attempts per run before failing")
	cmd.Flags().DurationVar(&baseDelay, "base-delay", 0, "first retry delay")
	cmd.Flags().DurationVar(&maxDelay, "max-delay", 0, "retry delay ceiling")
	cmd.Flags().StringArrayVar(&env, "env", nil, "KEY=VALUE for the spawned process, ${VAR} expands (repeatable)")
	return cmd
}

func runnerRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove NAME",
		Short: "Remove a runner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := globalConfigPath()
			if err != nil {
				return err
			}
			global, err := config.LoadGlobal(paths.ConfigTOML())
			if err != nil {
				return err
			}
			if _, ok := global.Runners[args[0]]; !ok {
				return &engine.ValidationError{Msg: fmt.Sprintf("runner %q is not configured", args[0])}
			}
			delete(global.Runners, args[0])
			if err := config.SaveGlobal(paths.ConfigTOML(), global); err != nil {
				return err
			}
			fmt.Println("removed runner", args[0])
			return nil
		},
	}
}

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "daemon", Short: "Inspect and control gafferd"}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show daemon health",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := globalConfigPath()
			if err != nil {
				return err
			}
			client := daemon.NewClient(paths.Socket())
			health, err := client.Health(cmd.Context())
			if err != nil {
				fmt.Println("gafferd is not running")
				return nil
			}
			if viper.GetBool("json") {
				return printJSON(health)
			}
			fmt.Printf("gafferd %s running: pid %d, %d workers\n", health.Version, health.PID, health.Workers)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := globalConfigPath()
			if err != nil {
				return err
			}
			client := daemon.NewClient(paths.Socket())
			if !client.Ping(cmd.Context()) {
				fmt.Println("gafferd is not running")
				return nil
			}
			if err := client.Shutdown(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("gafferd stopping")
			return nil
		},
	})

	var lines int
	logs := &cobra.Command{
		Use:   "logs",
		Short: "Tail the daemon log",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ensureDaemon(cmd.Context())
			if err != nil {
				return err
			}
			out, err := client.DaemonLogs(cmd.Context(), lines)
			if err != nil {
				return err
			}
			for _, line := range out {
				fmt.Println(line)
			}
			return nil
		},
	}
	logs.Flags().IntVarP(&lines, "lines", "n", 50, "max lines (0 for all)")
	cmd.AddCommand(logs)

	return cmd
}

// ensureDaemon returns a client for a live daemon, spawning gafferd detached
// when no one answers the socket.
func ensureDaemon(ctx context.Context) (*daemon.Client, error) {
	paths, err := globalConfigPath()
	if err != nil {
		return nil, err
	}
	client := daemon.NewClient(paths.Socket())
	if client.Ping(ctx) {
		return client, nil
	}

	bin, err := findGafferd()
	if err != nil {
		return nil, err
	}
	spawn := exec.Command(bin)
	spawn.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := spawn.Start(); err != nil {
		return nil, fmt.Errorf("start gafferd: %w", err)
	}
	spawn.Process.Release()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if client.Ping(ctx) {
			return client, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil, fmt.Errorf("gafferd did not come up on %s; check %s", paths.Socket(), paths.DaemonLog())
}

// findGafferd prefers a gafferd sitting next to gf, then $PATH.
func findGafferd() (string, error) {
	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), "gafferd")
		if info, err := os.Stat(sibling); err == nil && !info.IsDir() {
			return sibling, nil
		}
	}
	if path, err := exec.LookPath("gafferd"); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("gafferd not found next to gf or on PATH")
}
