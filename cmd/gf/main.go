package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gaffer/internal/app"
	"gaffer/internal/config"
	"gaffer/internal/daemon"
	"gaffer/internal/db"
	"gaffer/internal/engine"
	"gaffer/internal/migrate"
	"gaffer/internal/registry"
	"gaffer/internal/repo"
	"gaffer/internal/scheduler"
)

var rootCmd = &cobra.Command{
	Use:   "gf",
	Short: "Gaffer coordination hub",
	Long: `Gaffer coordinates concurrent agentic work on one machine.
Workspaces hold initiatives, projects and tasks with dependency edges; tasks
are claimed through expiring leases so parallel agents never trample each
other. 'gf next' answers what to work on, checkpoints snapshot and restore
workspace state, and workers turn workspace events into supervised processes
via the gafferd daemon.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("GAFFER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", "", "workspace directory (default: walk up from the current directory)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "", "acting identity (default: workspace default_actor, then $USER)")
	rootCmd.PersistentFlags().String("session", "", "ambient session id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("session", rootCmd.PersistentFlags().Lookup("session"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(initiativeCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(nextCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(runnerCmd())
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(doctorCmd())
}

// Exit codes are part of the contract with scripted callers.
func exitCode(err error) int {
	var validation *engine.ValidationError
	var cycle *engine.CycleError
	var conflict *engine.ConflictError
	var blocked *engine.BlockedError
	var apiErr *daemon.APIError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &validation), errors.As(err, &cycle),
		errors.Is(err, engine.ErrSelfDependency), errors.Is(err, engine.ErrAlreadyExists):
		return 3
	case errors.As(err, &conflict), errors.Is(err, engine.ErrLeaseLost):
		return 4
	case errors.As(err, &blocked):
		return 5
	case errors.Is(err, engine.ErrVersionConflict):
		return 6
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, registry.ErrNotFound):
		return 7
	case errors.As(err, &apiErr):
		switch apiErr.StatusCode {
		case http.StatusBadRequest:
			return 3
		case http.StatusConflict:
			return 4
		case http.StatusNotFound:
			return 7
		}
		return 1
	case isUsageError(err):
		return 2
	}
	return 1
}

func isUsageError(err error) bool {
	msg := err.Error()
	for _, marker := range []string{
		"unknown command", "unknown flag", "unknown shorthand flag",
		"invalid argument", "accepts ", "requires at least", "needs an argument",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		Long:  "Creates .gaffer/ with the store and a default config.yaml. Idempotent.",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := viper.GetString("workspace")
			if dir == "" {
				dir = "."
			}
			abs, err := filepath.Abs(dir)
			if err != nil {
				return err
			}
			if _, err := db.EnsureWorkspace(abs); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: abs})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Workspace(conn); err != nil {
				return err
			}
			cfgPath := config.Path(abs)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
			}
			fmt.Printf("initialized workspace at %s\n", abs)
			return nil
		},
	}
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check workspace, runner config and daemon health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			report := func(area, status string) { fmt.Printf("%-10s %s\n", area, status) }

			ws, err := workspaceRoot()
			if err != nil {
				report("workspace", err.Error())
			} else {
				report("workspace", ws)
				conn, err := db.Open(db.Config{Workspace: ws})
				if err != nil {
					report("store", err.Error())
				} else {
					if v, err := migrate.Version(conn); err == nil {
						report("schema", fmt.Sprintf("workspace v%d", v))
					} else {
						report("schema", "unknown (store not migrated?)")
					}
					store := repo.Repo{DB: conn}
					if leases, err := store.ListLeases(ctx); err == nil {
						expired := 0
						now := time.Now()
						for _, l := range leases {
							if l.Expired(now) {
								expired++
							}
						}
						report("leases", fmt.Sprintf("%d live, %d expired", len(leases)-expired, expired))
					}
					conn.Close()
				}
			}

			home, err := app.Home()
			if err != nil {
				return err
			}
			paths := app.NewGlobalPaths(home)
			if global, err := config.LoadGlobal(paths.ConfigTOML()); err != nil {
				report("runners", err.Error())
			} else {
				report("runners", fmt.Sprintf("%d configured", len(global.Runners)))
			}
			if gdb, err := db.OpenPath(paths.RegistryDB()); err == nil {
				if v, err := migrate.Version(gdb); err == nil {
					report("registry", fmt.Sprintf("global v%d", v))
				} else {
					report("registry", "not initialized")
				}
				gdb.Close()
			}
			client := daemon.NewClient(paths.Socket())
			if health, err := client.Health(ctx); err == nil {
				report("daemon", fmt.Sprintf("running (v%s, pid %d, %d workers)", health.Version, health.PID, health.Workers))
			} else {
				report("daemon", "not running")
			}
			return nil
		},
	}
}

// --- shared helpers ---

func workspaceRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return app.FindWorkspace(cwd, viper.GetString("workspace"))
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ws, err := workspaceRoot()
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: ws})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Workspace(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(ws)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func actorFor(e engine.Engine) string {
	return app.Actor(viper.GetString("actor"), e.Config)
}

func ambientSession() string {
	return app.Session(viper.GetString("session"))
}

// resolveScope picks the scheduling scope: explicit flags first, then the
// ambient session, then the workspace default project.
func resolveScope(cmd *cobra.Command, e engine.Engine) (scheduler.Scope, error) {
	project, _ := cmd.Flags().GetString("project")
	initiative, _ := cmd.Flags().GetString("initiative")
	if project != "" && initiative != "" {
		return scheduler.Scope{}, &engine.ValidationError{Msg: "use one of --project or --initiative"}
	}
	if project != "" {
		return scheduler.Scope{Kind: scheduler.ScopeProject, Ref: project}, nil
	}
	if initiative != "" {
		return scheduler.Scope{Kind: scheduler.ScopeInitiative, Ref: initiative}, nil
	}
	if sess := ambientSession(); sess != "" {
		return scheduler.Scope{Kind: scheduler.ScopeSession, Ref: sess}, nil
	}
	if e.Config != nil && e.Config.DefaultProject != "" {
		return scheduler.Scope{Kind: scheduler.ScopeProject, Ref: e.Config.DefaultProject}, nil
	}
	return scheduler.Scope{}, &engine.ValidationError{
		Msg: "no scope: pass --project or --initiative, set GAFFER_SESSION, or configure default_project",
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func optionalString(cmd *cobra.Command, name string) *string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetString(name)
	return &v
}

func optionalInt(cmd *cobra.Command, name string) *int {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetInt(name)
	return &v
}
