package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gaffer/internal/engine"
)

func projectCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "project", Short: "Manage projects"}
	cmd.AddCommand(projectCreateCmd())
	cmd.AddCommand(projectListCmd())
	cmd.AddCommand(projectShowCmd())
	cmd.AddCommand(projectUpdateCmd())
	cmd.AddCommand(projectDeleteCmd())
	cmd.AddCommand(projectDepCmd())
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.Name = args[0]
				opts.ActorID = actorFor(e)
				p, err := e.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Slug, "slug", "", "url-safe identifier (default: derived from the name)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "project description")
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owning actor")
	cmd.Flags().StringSliceVar(&opts.Tags, "tags", nil, "tags")
	cmd.Flags().StringVar(&opts.Initiative, "initiative", "", "attach to an initiative on creation")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projects, err := e.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(projects)
				}
				tw := newTable(table.Row{"ID", "Slug", "Name", "Status", "Owner"})
				for _, p := range projects {
					tw.AppendRow(table.Row{p.ID, p.Slug, p.Name, p.Status, p.Owner})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show PROJECT",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.ResolveProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
}

func projectUpdateCmd() *cobra.Command {
	var expectedVersion int64
	var tags []string
	cmd := &cobra.Command{
		Use:   "update PROJECT",
		Short: "Update project fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.ProjectUpdateOptions{
					Ref:             args[0],
					Name:            optionalString(cmd, "name"),
					Description:     optionalString(cmd, "description"),
					Owner:           optionalString(cmd, "owner"),
					Status:          optionalString(cmd, "status"),
					ExpectedVersion: expectedVersion,
					ActorID:         actorFor(e),
				}
				if cmd.Flags().Changed("tags") {
					opts.Tags = tags
				}
				p, err := e.UpdateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().String("name", "", "new name")
	cmd.Flags().String("description", "", "new description")
	cmd.Flags().String("owner", "", "new owner")
	cmd.Flags().String("status", "", "active, paused, done or archived")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "replace tags")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "reject if the project version differs")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete PROJECT",
		Short: "Delete a project and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteProject(ctx, args[0], actorFor(e)); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func projectDepCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "dep", Short: "Manage project dependencies"}
	cmd.AddCommand(&cobra.Command{
		Use:   "add PROJECT DEPENDS_ON",
		Short: "Add a dependency edge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.AddProjectDependency(ctx, args[0], args[1], actorFor(e)); err != nil {
					return err
				}
				fmt.Printf("%s now depends on %s\n", args[0], args[1])
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove PROJECT DEPENDS_ON",
		Short: "Remove a dependency edge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RemoveProjectDependency(ctx, args[0], args[1], actorFor(e)); err != nil {
					return err
				}
				fmt.Printf("%s no longer depends on %s\n", args[0], args[1])
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list PROJECT",
		Short: "List dependencies and dependents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.ResolveProject(ctx, args[0])
				if err != nil {
					return err
				}
				dependents, err := e.Repo.ListProjectDependents(ctx, p.ID)
				if err != nil {
					return err
				}
				unblocked, err := e.Repo.ProjectUnblocked(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"depends_on": p.DependsOn, "dependents": dependents, "unblocked": unblocked})
				}
				tw := newTable(table.Row{"Direction", "Project"})
				for _, id := range p.DependsOn {
					tw.AppendRow(table.Row{"depends on", id})
				}
				for _, id := range dependents {
					tw.AppendRow(table.Row{"dependent", id})
				}
				tw.Render()
				if unblocked {
					fmt.Println("unblocked: every dependency project is done")
				} else {
					fmt.Println("blocked: a dependency project has unfinished tasks")
				}
				return nil
			})
		},
	})
	return cmd
}

func initiativeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "initiative", Short: "Manage initiatives"}
	cmd.AddCommand(initiativeCreateCmd())
	cmd.AddCommand(initiativeListCmd())
	cmd.AddCommand(initiativeShowCmd())
	cmd.AddCommand(initiativeUpdateCmd())
	cmd.AddCommand(initiativeDeleteCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "add-project INITIATIVE PROJECT",
		Short: "Attach a project to an initiative",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.AddInitiativeProject(ctx, args[0], args[1], actorFor(e)); err != nil {
					return err
				}
				fmt.Printf("%s now includes %s\n", args[0], args[1])
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove-project INITIATIVE PROJECT",
		Short: "Detach a project from an initiative",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RemoveInitiativeProject(ctx, args[0], args[1], actorFor(e)); err != nil {
					return err
				}
				fmt.Printf("%s no longer includes %s\n", args[0], args[1])
				return nil
			})
		},
	})
	return cmd
}

func initiativeCreateCmd() *cobra.Command {
	var opts engine.InitiativeCreateOptions
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create an initiative",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.Name = args[0]
				opts.ActorID = actorFor(e)
				in, err := e.CreateInitiative(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(in)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Slug, "slug", "", "url-safe identifier (default: derived from the name)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "initiative description")
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owning actor")
	cmd.Flags().StringSliceVar(&opts.Tags, "tags", nil, "tags")
	return cmd
}

func initiativeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List initiatives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				initiatives, err := e.Repo.ListInitiatives(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(initiatives)
				}
				tw := newTable(table.Row{"ID", "Slug", "Name", "Status", "Owner"})
				for _, in := range initiatives {
					tw.AppendRow(table.Row{in.ID, in.Slug, in.Name, in.Status, in.Owner})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func initiativeShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show INITIATIVE",
		Short: "Show an initiative and its projects",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.Repo.ResolveInitiative(ctx, args[0])
				if err != nil {
					return err
				}
				projects, err := e.Repo.ListInitiativeProjects(ctx, in.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(struct {
						Initiative any      `json:"initiative"`
						Projects   []string `json:"projects"`
					}{in, projects})
				}
				if err := printJSON(in); err != nil {
					return err
				}
				if len(projects) > 0 {
					fmt.Println("projects:", strings.Join(projects, ", "))
				}
				return nil
			})
		},
	}
}

func initiativeUpdateCmd() *cobra.Command {
	var expectedVersion int64
	var tags []string
	cmd := &cobra.Command{
		Use:   "update INITIATIVE",
		Short: "Update initiative fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.InitiativeUpdateOptions{
					Ref:             args[0],
					Name:            optionalString(cmd, "name"),
					Description:     optionalString(cmd, "description"),
					Owner:           optionalString(cmd, "owner"),
					Status:          optionalString(cmd, "status"),
					ExpectedVersion: expectedVersion,
					ActorID:         actorFor(e),
				}
				if cmd.Flags().Changed("tags") {
					opts.Tags = tags
				}
				in, err := e.UpdateInitiative(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(in)
			})
		},
	}
	cmd.Flags().String("name", "", "new name")
	cmd.Flags().String("description", "", "new description")
	cmd.Flags().String("owner", "", "new owner")
	cmd.Flags().String("status", "", "active, paused, done or archived")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "replace tags")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "reject if the initiative version differs")
	return cmd
}

func initiativeDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete INITIATIVE",
		Short: "Delete an initiative (projects survive)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteInitiative(ctx, args[0], actorFor(e)); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}
