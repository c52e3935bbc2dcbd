package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gaffer/internal/domain"
	"gaffer/internal/engine"
	"gaffer/internal/repo"
	"gaffer/internal/scheduler"
)

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage tasks"}
	cmd.AddCommand(taskCreateCmd())
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskShowCmd())
	cmd.AddCommand(taskUpdateCmd())
	cmd.AddCommand(taskDeleteCmd())
	cmd.AddCommand(taskPromoteCmd())
	cmd.AddCommand(taskClaimCmd())
	cmd.AddCommand(taskStartCmd())
	cmd.AddCommand(taskDoneCmd())
	cmd.AddCommand(taskBlockCmd())
	cmd.AddCommand(taskUnblockCmd())
	cmd.AddCommand(taskReleaseCmd())
	cmd.AddCommand(taskHeartbeatCmd())
	cmd.AddCommand(taskDepCmd())
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create TITLE",
		Short: "Create a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.Title = args[0]
				opts.Priority = optionalInt(cmd, "priority")
				opts.ActorID = actorFor(e)
				if opts.ProjectRef == "" && e.Config != nil {
					opts.ProjectRef = e.Config.DefaultProject
				}
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ProjectRef, "project", "", "project id or slug")
	cmd.Flags().StringVar(&opts.Description, "description", "", "task description")
	cmd.Flags().Int("priority", domain.PriorityDefault, "priority 0 (urgent) to 3")
	cmd.Flags().StringVar(&opts.Status, "status", "", "initial status: draft (default) or todo")
	cmd.Flags().StringSliceVar(&opts.DependsOn, "depends-on", nil, "task ids this task depends on")
	return cmd
}

func taskListCmd() *cobra.Command {
	var project, status string
	var priority, limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f := repo.TaskFilters{Status: status, Priority: priority, Limit: limit}
				if project == "" && e.Config != nil {
					project = e.Config.DefaultProject
				}
				if project != "" {
					p, err := e.Repo.ResolveProject(ctx, project)
					if err != nil {
						return err
					}
					f.ProjectIDs = []string{p.ID}
				}
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable(table.Row{"ID", "Title", "Status", "Pri", "Project"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, fmt.Sprintf("P%d", t.Priority), t.ProjectID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id or slug")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&priority, "priority", -1, "priority filter (-1 for any)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows (0 for all)")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show TASK",
		Short: "Show a task with dependencies and lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ShowTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func taskUpdateCmd() *cobra.Command {
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   "update TASK",
		Short: "Update task fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTask(ctx, engine.TaskUpdateOptions{
					Ref:             args[0],
					Title:           optionalString(cmd, "title"),
					Description:     optionalString(cmd, "description"),
					Priority:        optionalInt(cmd, "priority"),
					Output:          optionalString(cmd, "output"),
					ExpectedVersion: expectedVersion,
					ActorID:         actorFor(e),
				})
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().String("title", "", "new title")
	cmd.Flags().String("description", "", "new description")
	cmd.Flags().Int("priority", 0, "new priority")
	cmd.Flags().String("output", "", "recorded output")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "reject if the task version differs")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete TASK",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteTask(ctx, args[0], actorFor(e)); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func taskPromoteCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "promote TASK",
		Short: "Promote a draft task to todo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return taskStatus(cmd.Context(), args[0], domain.TaskTodo, nil, force, 0)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "promote without a description")
	return cmd
}

func taskClaimCmd() *cobra.Command {
	var opts engine.LeaseOptions
	cmd := &cobra.Command{
		Use:   "claim TASK",
		Short: "Claim a task's lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.TaskRef = args[0]
				opts.OwnerID = actorFor(e)
				lease, err := e.ClaimTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(lease)
			})
		},
	}
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 0, "lease duration (default: workspace lease_ttl)")
	cmd.Flags().Int64Var(&opts.ExpectedVersion, "expected-version", 0, "reject if the task version differs")
	return cmd
}

func taskStartCmd() *cobra.Command {
	var force bool
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   "start TASK",
		Short: "Move a task to in_progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return taskStatus(cmd.Context(), args[0], domain.TaskInProgress, nil, force, expectedVersion)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "ignore unmet dependencies and foreign leases")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "reject if the task version differs")
	return cmd
}

func taskDoneCmd() *cobra.Command {
	var output string
	var force bool
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   "done TASK",
		Short: "Complete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CompleteTask(ctx, args[0], output, actorFor(e), force, expectedVersion)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "work output recorded on the task")
	cmd.Flags().BoolVar(&force, "force", false, "ignore unmet dependencies and foreign leases")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "reject if the task version differs")
	return cmd
}

func taskBlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "block TASK",
		Short: "Mark a task blocked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return taskStatus(cmd.Context(), args[0], domain.TaskBlocked, nil, false, 0)
		},
	}
}

func taskUnblockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unblock TASK",
		Short: "Return a blocked task to todo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return taskStatus(cmd.Context(), args[0], domain.TaskTodo, nil, false, 0)
		},
	}
}

func taskStatus(ctx context.Context, ref, status string, output *string, force bool, expectedVersion int64) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		t, err := e.SetTaskStatus(ctx, engine.TaskStatusOptions{
			Ref:             ref,
			Status:          status,
			Output:          output,
			Force:           force,
			ExpectedVersion: expectedVersion,
			ActorID:         actorFor(e),
		})
		if err != nil {
			return err
		}
		return printJSON(t)
	})
}

func taskReleaseCmd() *cobra.Command {
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   "release TASK",
		Short: "Release a task's lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				err := e.ReleaseTask(ctx, engine.LeaseOptions{
					TaskRef:         args[0],
					OwnerID:         actorFor(e),
					ExpectedVersion: expectedVersion,
				})
				if err != nil {
					return err
				}
				fmt.Println("released", args[0])
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "reject if the task version differs")
	return cmd
}

func taskHeartbeatCmd() *cobra.Command {
	var opts engine.LeaseOptions
	cmd := &cobra.Command{
		Use:   "heartbeat TASK",
		Short: "Extend a held lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.TaskRef = args[0]
				opts.OwnerID = actorFor(e)
				lease, err := e.HeartbeatTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(lease)
			})
		},
	}
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 0, "lease duration (default: workspace lease_ttl)")
	cmd.Flags().Int64Var(&opts.ExpectedVersion, "expected-version", 0, "reject if the task version differs")
	return cmd
}

func taskDepCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "dep", Short: "Manage task dependencies"}
	cmd.AddCommand(&cobra.Command{
		Use:   "add TASK DEPENDS_ON",
		Short: "Add a dependency edge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.AddTaskDependency(ctx, args[0], args[1], actorFor(e)); err != nil {
					return err
				}
				fmt.Printf("%s now depends on %s\n", args[0], args[1])
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove TASK DEPENDS_ON",
		Short: "Remove a dependency edge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RemoveTaskDependency(ctx, args[0], args[1], actorFor(e)); err != nil {
					return err
				}
				fmt.Printf("%s no longer depends on %s\n", args[0], args[1])
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list TASK",
		Short: "List dependencies and dependents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				deps, err := e.Repo.ListTaskDependencies(ctx, t.ID)
				if err != nil {
					return err
				}
				dependents, err := e.Repo.ListTaskDependents(ctx, t.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string][]string{"depends_on": deps, "dependents": dependents})
				}
				tw := newTable(table.Row{"Direction", "Task"})
				for _, id := range deps {
					tw.AppendRow(table.Row{"depends on", id})
				}
				for _, id := range dependents {
					tw.AppendRow(table.Row{"dependent", id})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func nextCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Show the next actionable task",
		Long: `Picks unleased, unblocked tasks whose dependencies are all done, ordered
by priority, then age. Scope comes from --project, --initiative, the ambient
session, or the workspace default project.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				scope, err := resolveScope(cmd, e)
				if err != nil {
					return err
				}
				sched := scheduler.New(e.Repo)
				if all {
					tasks, err := sched.NextAll(ctx, scope)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(tasks)
					}
					tw := newTable(table.Row{"ID", "Title", "Status", "Pri", "Project"})
					for _, t := range tasks {
						tw.AppendRow(table.Row{t.ID, t.Title, t.Status, fmt.Sprintf("P%d", t.Priority), t.ProjectID})
					}
					tw.Render()
					return nil
				}
				t, ok, err := sched.Next(ctx, scope)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Println("nothing to do")
					return nil
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list every actionable task")
	cmd.Flags().String("project", "", "scope to a project")
	cmd.Flags().String("initiative", "", "scope to an initiative")
	return cmd
}
