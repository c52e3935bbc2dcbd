package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gaffer/internal/domain"
	"gaffer/internal/engine"
	"gaffer/internal/repo"
	"gaffer/internal/scheduler"
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "Manage agent sessions"}
	cmd.AddCommand(sessionStartCmd())
	cmd.AddCommand(sessionShowCmd())
	cmd.AddCommand(sessionListCmd())
	cmd.AddCommand(sessionAttachCmd())
	cmd.AddCommand(sessionDetachCmd())
	cmd.AddCommand(sessionFocusCmd())
	cmd.AddCommand(sessionEndCmd())
	return cmd
}

func sessionStartCmd() *cobra.Command {
	var opts engine.SessionStartOptions
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a session",
		Long: `Starts an active session and prints its id. Export it as GAFFER_SESSION so
concurrent sub-agents share scope.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = actorFor(e)
				s, err := e.StartSession(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Println(s.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "session name")
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "free-form mode tag (plan, build, review)")
	cmd.Flags().StringSliceVar(&opts.Projects, "project", nil, "projects to attach")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [SESSION]",
		Short: "Show a session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := requireSession(args)
				if err != nil {
					return err
				}
				s, err := e.Repo.GetSession(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
}

func sessionListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sessions, err := e.Repo.ListSessions(ctx, !all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sessions)
				}
				tw := newTable(table.Row{"ID", "Name", "Status", "Projects", "Focus"})
				for _, s := range sessions {
					tw.AppendRow(table.Row{s.ID, s.Name, s.Status, strings.Join(s.Projects, ","), s.FocusTaskID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include ended sessions")
	return cmd
}

func sessionAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach PROJECT",
		Short: "Attach a project to the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := requireSession(nil)
				if err != nil {
					return err
				}
				if err := e.AttachSessionProject(ctx, id, args[0]); err != nil {
					return err
				}
				fmt.Printf("attached %s to %s\n", args[0], id)
				return nil
			})
		},
	}
}

func sessionDetachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detach PROJECT",
		Short: "Detach a project from the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := requireSession(nil)
				if err != nil {
					return err
				}
				if err := e.DetachSessionProject(ctx, id, args[0]); err != nil {
					return err
				}
				fmt.Printf("detached %s from %s\n", args[0], id)
				return nil
			})
		},
	}
}

func sessionFocusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "focus TASK",
		Short: "Record the session's focus task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := requireSession(nil)
				if err != nil {
					return err
				}
				s, err := e.FocusTask(ctx, id, args[0])
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
}

func sessionEndCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "end [SESSION]",
		Short: "End a session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := requireSession(args)
				if err != nil {
					return err
				}
				s, err := e.EndSession(ctx, id, actorFor(e))
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
}

func requireSession(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if s := ambientSession(); s != "" {
		return s, nil
	}
	return "", &engine.ValidationError{Msg: "no session: pass an id or set GAFFER_SESSION"}
}

func checkpointCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "checkpoint", Short: "Snapshot and restore workspace state"}

	var overwrite bool
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Snapshot the workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCheckpoint(ctx, args[0], overwrite, actorFor(e))
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	create.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing snapshot of the same name")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				checkpoints, err := e.Repo.ListCheckpoints(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(checkpoints)
				}
				tw := newTable(table.Row{"Name", "ID", "Created"})
				for _, c := range checkpoints {
					tw.AppendRow(table.Row{c.Name, c.ID, c.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "restore NAME",
		Short: "Restore the workspace to a snapshot",
		Long: `Replaces all current entities, edges, leases and sessions with the
snapshot's. Events and checkpoints are history and are kept.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.RestoreCheckpoint(ctx, args[0], actorFor(e))
				if err != nil {
					return err
				}
				fmt.Printf("restored %s (created %s)\n", c.Name, c.CreatedAt)
				return nil
			})
		},
	})

	var keep int
	prune := &cobra.Command{
		Use:   "prune [NAME]",
		Short: "Delete a checkpoint by name, or all but the newest --keep",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if len(args) == 1 {
					if err := e.DeleteCheckpoint(ctx, args[0], actorFor(e)); err != nil {
						return err
					}
					fmt.Println("deleted", args[0])
					return nil
				}
				if keep <= 0 {
					return &engine.ValidationError{Msg: "pass a checkpoint name or --keep N"}
				}
				removed, err := e.PruneCheckpoints(ctx, keep, actorFor(e))
				if err != nil {
					return err
				}
				for _, c := range removed {
					fmt.Println("deleted", c.Name)
				}
				return nil
			})
		},
	}
	prune.Flags().IntVar(&keep, "keep", 0, "retain only the newest N checkpoints")
	cmd.AddCommand(prune)

	return cmd
}

func eventsCmd() *cobra.Command {
	var n int
	var follow bool
	var evtType, entityKind, entityID, project string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the workspace event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID := ""
				if project != "" {
					p, err := e.Repo.ResolveProject(ctx, project)
					if err != nil {
						return err
					}
					projectID = p.ID
				}
				if follow {
					return followEvents(ctx, e, projectID)
				}
				events, err := e.Repo.ListEvents(ctx, repo.EventFilters{
					ProjectID:  projectID,
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
					Limit:      n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable(table.Row{"ID", "Seq", "TS", "Type", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.Seq, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 20, "number of events")
	cmd.Flags().BoolVar(&follow, "follow", false, "poll for new events until interrupted")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	cmd.Flags().StringVar(&project, "project", "", "project id or slug")
	return cmd
}

func followEvents(ctx context.Context, e engine.Engine, projectID string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	cursor, err := e.Repo.LatestEventID(ctx)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		events, err := e.Repo.EventsAfter(ctx, cursor, e.Config.PageSize(), projectID)
		if err != nil {
			return err
		}
		for _, evt := range events {
			fmt.Printf("%d %s %s %s/%s %s\n", evt.ID, evt.TS, evt.Type, evt.EntityKind, evt.EntityID, evt.ActorID)
			cursor = evt.ID
		}
	}
}

type summaryData struct {
	Scope        string         `json:"scope"`
	Projects     []string       `json:"projects"`
	ByStatus     map[string]int `json:"by_status"`
	ByPriority   map[int]int    `json:"by_priority"`
	ActiveLeases int            `json:"active_leases"`
	Next         *domain.Task   `json:"next,omitempty"`
}

func summaryCmd() *cobra.Command {
	var watch bool
	var interval int
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show task counts, leases and the next pick for a scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				scope, err := resolveScope(cmd, e)
				if err != nil {
					return err
				}
				if !watch {
					s, err := buildSummary(ctx, e, scope)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(s)
					}
					renderSummary(s)
					return nil
				}
				if interval <= 0 {
					interval = 2
				}
				wctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				ticker := time.NewTicker(time.Duration(interval) * time.Second)
				defer ticker.Stop()
				for {
					s, err := buildSummary(wctx, e, scope)
					if err != nil {
						return err
					}
					fmt.Print("\033[2J\033[H")
					renderSummary(s)
					select {
					case <-wctx.Done():
						return nil
					case <-ticker.C:
					}
				}
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "re-render until interrupted")
	cmd.Flags().IntVar(&interval, "interval", 2, "refresh interval in seconds")
	cmd.Flags().String("project", "", "scope to a project")
	cmd.Flags().String("initiative", "", "scope to an initiative")
	return cmd
}

func buildSummary(ctx context.Context, e engine.Engine, scope scheduler.Scope) (summaryData, error) {
	sched := scheduler.New(e.Repo)
	ids, err := sched.Projects(ctx, scope)
	if err != nil {
		return summaryData{}, err
	}
	byStatus, err := e.Repo.CountTasksByStatus(ctx, ids)
	if err != nil {
		return summaryData{}, err
	}
	byPriority, err := e.Repo.CountTasksByPriority(ctx, ids)
	if err != nil {
		return summaryData{}, err
	}
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectIDs: ids, Priority: -1})
	if err != nil {
		return summaryData{}, err
	}
	inScope := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		inScope[t.ID] = true
	}
	leases, err := e.Repo.ListLeases(ctx)
	if err != nil {
		return summaryData{}, err
	}
	active := 0
	now := time.Now()
	for _, l := range leases {
		if inScope[l.TaskID] && !l.Expired(now) {
			active++
		}
	}
	s := summaryData{
		Scope:        scope.Kind + " " + scope.Ref,
		Projects:     ids,
		ByStatus:     byStatus,
		ByPriority:   byPriority,
		ActiveLeases: active,
	}
	next, ok, err := sched.Next(ctx, scope)
	if err != nil {
		return summaryData{}, err
	}
	if ok {
		s.Next = &next
	}
	return s, nil
}

func renderSummary(s summaryData) {
	fmt.Printf("scope:    %s\n", s.Scope)
	fmt.Printf("projects: %s\n", strings.Join(s.Projects, ", "))
	var statusParts []string
	for _, status := range []string{domain.TaskDraft, domain.TaskTodo, domain.TaskInProgress, domain.TaskBlocked, domain.TaskDone} {
		if c := s.ByStatus[status]; c > 0 {
			statusParts = append(statusParts, fmt.Sprintf("%s %d", status, c))
		}
	}
	if len(statusParts) == 0 {
		statusParts = []string{"none"}
	}
	fmt.Printf("tasks:    %s\n", strings.Join(statusParts, ", "))
	var prioParts []string
	for p := domain.PriorityMin; p <= domain.PriorityMax; p++ {
		if c := s.ByPriority[p]; c > 0 {
			prioParts = append(prioParts, fmt.Sprintf("P%d %d", p, c))
		}
	}
	if len(prioParts) > 0 {
		fmt.Printf("priority: %s\n", strings.Join(prioParts, ", "))
	}
	fmt.Printf("leases:   %d active\n", s.ActiveLeases)
	if s.Next != nil {
		fmt.Printf("next:     %s %q (P%d)\n", s.Next.ID, s.Next.Title, s.Next.Priority)
	} else {
		fmt.Println("next:     nothing to do")
	}
}

func searchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Search initiatives, projects and tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				query := args[0]
				initiatives, err := e.Repo.SearchInitiatives(ctx, query, limit)
				if err != nil {
					return err
				}
				projects, err := e.Repo.SearchProjects(ctx, query, limit)
				if err != nil {
					return err
				}
				tasks, err := e.Repo.SearchTasks(ctx, query, "", limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(struct {
						Initiatives []domain.Initiative `json:"initiatives"`
						Projects    []domain.Project    `json:"projects"`
						Tasks       []domain.Task       `json:"tasks"`
					}{initiatives, projects, tasks})
				}
				tw := newTable(table.Row{"Type", "ID", "Name", "Status"})
				for _, in := range initiatives {
					tw.AppendRow(table.Row{"initiative", in.ID, in.Name, in.Status})
				}
				for _, p := range projects {
					tw.AppendRow(table.Row{"project", p.ID, p.Name, p.Status})
				}
				for _, t := range tasks {
					tw.AppendRow(table.Row{"task", t.ID, t.Title, t.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max results per kind")
	return cmd
}
