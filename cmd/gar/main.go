package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"garrison/internal/config"
	"garrison/internal/db"
	"garrison/internal/dispatch"
	"garrison/internal/domain"
	"garrison/internal/engine"
	"garrison/internal/events"
	"garrison/internal/migrate"
	"garrison/internal/repo"
	"garrison/internal/runner"
	"garrison/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gar",
	Short: "Garrison CLI",
	Long: `Garrison coordinates a fleet of autonomous coding agents.
Core concepts:
- Conscript: one agent slot; it walks a fixed lifecycle from idle through
  development, review and merge, with checkpoints for human input.
- Directive: a unit of work with priority and dependencies; directives queue
  up and dispatch to idle conscripts.
- Camp: a leasable development environment with a provider quota and expiry;
  conscripts lease camps while they work.
- Orchestrator: the dispatch loop; load directives with 'gar run' and watch
  progress as they flow through the fleet.
- Event log: diary of changes, view with 'gar log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GARRISON")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(conscriptCmd())
	rootCmd.AddCommand(campCmd())
	rootCmd.AddCommand(directiveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(settingsCmd())
	rootCmd.AddCommand(serveCmd())
}

func actorID() string { return viper.GetString("actor-id") }

// --- conscripts ---

func conscriptCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "conscript", Short: "Manage conscripts"}
	cmd.AddCommand(conscriptListCmd())
	cmd.AddCommand(conscriptCreateCmd())
	cmd.AddCommand(conscriptShowCmd())
	cmd.AddCommand(conscriptDeleteCmd())
	cmd.AddCommand(conscriptAssignCmd())
	cmd.AddCommand(conscriptApproveCmd())
	cmd.AddCommand(conscriptRejectCmd())
	cmd.AddCommand(conscriptMessageCmd())
	cmd.AddCommand(conscriptStopCmd())
	cmd.AddCommand(conscriptChatCmd())
	return cmd
}

func conscriptListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conscripts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListConscripts(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Directive", "Camp", "Branch"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Name, c.Status, deref(c.AssignedDirectiveID), deref(c.AssignedCampAlias), deref(c.BranchName)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func conscriptCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create conscript",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.CreateConscript(ctx, name, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "conscript name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func conscriptShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show conscript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.Repo.GetConscript(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func conscriptDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete conscript (idle only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.DeleteConscript(ctx, args[0], actorID())
			})
		},
	}
}

func conscriptAssignCmd() *cobra.Command {
	var directiveID, campAlias, branch, workDir string
	var claimCamp bool
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign a directive to an idle conscript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.Assign(ctx, engine.AssignOptions{
					ConscriptID: args[0],
					DirectiveID: directiveID,
					CampAlias:   campAlias,
					ClaimCamp:   claimCamp,
					BranchName:  branch,
					WorkDir:     workDir,
					ActorID:     actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&directiveID, "directive", "", "directive id")
	cmd.Flags().StringVar(&campAlias, "camp", "", "camp alias")
	cmd.Flags().BoolVar(&claimCamp, "claim-camp", false, "lease any available camp")
	cmd.Flags().StringVar(&branch, "branch", "", "branch name")
	cmd.Flags().StringVar(&workDir, "workdir", "", "working directory")
	_ = cmd.MarkFlagRequired("directive")
	return cmd
}

func conscriptApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve reviewed work and merge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.Approve(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func conscriptRejectCmd() *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Send reviewed work back for rework",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.Reject(ctx, args[0], feedback, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "review feedback")
	_ = cmd.MarkFlagRequired("feedback")
	return cmd
}

func conscriptMessageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "message <id> <text>",
		Short: "Send input to a conscript's agent",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[1:], " ")
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.SendMessage(ctx, args[0], text, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func conscriptStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a conscript and requeue its directive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.Stop(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func conscriptChatCmd() *cobra.Command {
	var directiveID string
	cmd := &cobra.Command{
		Use:   "chat <id>",
		Short: "Show conscript chat history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				entries, err := e.Repo.ListChatEntries(ctx, args[0], directiveID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				for _, entry := range entries {
					fmt.Printf("[%s] %s: %s\n", entry.CreatedAt, entry.Role, entry.Body)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&directiveID, "directive", "", "directive filter")
	return cmd
}

// --- camps ---

func campCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "camp", Short: "Manage the camp pool"}
	cmd.AddCommand(campListCmd())
	cmd.AddCommand(campStatusCmd())
	cmd.AddCommand(campClaimCmd())
	cmd.AddCommand(campReleaseCmd())
	cmd.AddCommand(campAssignCmd())
	cmd.AddCommand(campUnassignCmd())
	cmd.AddCommand(campRegisterCmd())
	cmd.AddCommand(campProvisionCmd())
	cmd.AddCommand(campDiscoverCmd())
	cmd.AddCommand(campDeleteCmd())
	return cmd
}

func campListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List camps",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.ListCamps(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				now := e.Now()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Alias", "Status", "Conscripts", "Expires"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Alias, c.EffectiveStatus(now), strings.Join(c.AssignedConscriptIDs, ","), deref(c.ExpiresAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func campStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Pool counts and provider quota",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				status, err := e.PoolStatus(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(status)
			})
		},
	}
}

func campClaimCmd() *cobra.Command {
	var conscriptID string
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Lease any claimable camp to a conscript",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				camp, err := e.ClaimCamp(ctx, conscriptID, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(camp)
			})
		},
	}
	cmd.Flags().StringVar(&conscriptID, "conscript", "", "conscript id")
	_ = cmd.MarkFlagRequired("conscript")
	return cmd
}

func campReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <camp-id>",
		Short: "Drop every lease on a camp",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				camp, err := e.ReleaseCamp(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(camp)
			})
		},
	}
}

func campAssignCmd() *cobra.Command {
	var conscriptID string
	cmd := &cobra.Command{
		Use:   "assign <camp-id>",
		Short: "Lease a specific camp to a conscript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				camp, err := e.AssignCamp(ctx, args[0], conscriptID, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(camp)
			})
		},
	}
	cmd.Flags().StringVar(&conscriptID, "conscript", "", "conscript id")
	_ = cmd.MarkFlagRequired("conscript")
	return cmd
}

func campUnassignCmd() *cobra.Command {
	var conscriptID string
	cmd := &cobra.Command{
		Use:   "unassign <camp-id>",
		Short: "Drop one camp lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.UnassignCamp(ctx, args[0], conscriptID, actorID())
			})
		},
	}
	cmd.Flags().StringVar(&conscriptID, "conscript", "", "conscript id")
	_ = cmd.MarkFlagRequired("conscript")
	return cmd
}

func campRegisterCmd() *cobra.Command {
	var alias string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a pre-existing environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				camp, err := e.RegisterCamp(ctx, alias, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(camp)
			})
		},
	}
	cmd.Flags().StringVar(&alias, "alias", "", "camp alias")
	_ = cmd.MarkFlagRequired("alias")
	return cmd
}

func campProvisionCmd() *cobra.Command {
	var alias string
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Provision a new environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunnerEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, bus *events.Bus) error {
				lines := make(chan string, 64)
				unsub := bus.Subscribe(events.TypeProvisionOutput, func(ev events.Event) {
					if line, ok := ev.Data["line"].(string); ok {
						select {
						case lines <- line:
						default:
						}
					}
				})
				defer unsub()
				got, err := e.ProvisionCamp(ctx, alias, actorID())
				if err != nil {
					return err
				}
				// Drain progress until the camp lands or provisioning fails.
				ticker := time.NewTicker(200 * time.Millisecond)
				defer ticker.Stop()
				for e.CampProvisioning(got) {
					select {
					case line := <-lines:
						fmt.Println(line)
					case <-ticker.C:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
				camp, err := e.Repo.GetCampByAlias(ctx, got)
				if err != nil {
					return fmt.Errorf("provisioning %s failed", got)
				}
				return printJSONOrTable(camp)
			})
		},
	}
	cmd.Flags().StringVar(&alias, "alias", "", "camp alias (generated when empty)")
	return cmd
}

func campDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Adopt provider-side environments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunnerEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ *events.Bus) error {
				adopted, err := e.DiscoverCamps(ctx, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(adopted)
			})
		},
	}
}

func campDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <camp-id>",
		Short: "Delete camp (unleased only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.DeleteCamp(ctx, args[0], actorID())
			})
		},
	}
}

// --- directives ---

func directiveCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "directive", Short: "Manage directives"}
	cmd.AddCommand(directiveListCmd())
	cmd.AddCommand(directiveCreateCmd())
	cmd.AddCommand(directiveShowCmd())
	cmd.AddCommand(directiveUpdateCmd())
	cmd.AddCommand(directiveDeleteCmd())
	cmd.AddCommand(directiveAbandonCmd())
	cmd.AddCommand(directiveReopenCmd())
	return cmd
}

func directiveListCmd() *cobra.Command {
	var f repo.DirectiveFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List directives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.ListDirectives(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Conscript", "Deps"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.Title, d.Status, d.Priority, deref(d.AssignedConscriptID), strings.Join(d.DependsOn, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&f.Source, "source", "", "source filter")
	cmd.Flags().StringVar(&f.Label, "label", "", "label filter")
	return cmd
}

func directiveCreateCmd() *cobra.Command {
	var in engine.DirectiveInput
	var requiresCamp bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create directive",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("requires-camp") {
				in.RequiresCamp = &requiresCamp
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				d, err := e.CreateDirective(ctx, in, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "title")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&in.AcceptanceCriteria, "acceptance", "", "acceptance criteria")
	cmd.Flags().StringSliceVar(&in.Labels, "label", nil, "labels")
	cmd.Flags().StringVar(&in.Priority, "priority", "", "low|medium|high|critical")
	cmd.Flags().StringVar(&in.Status, "status", "", "backlog|ready")
	cmd.Flags().StringSliceVar(&in.DependsOn, "depends-on", nil, "dependency directive ids")
	cmd.Flags().BoolVar(&requiresCamp, "requires-camp", false, "lease a camp when dispatched")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func directiveShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show directive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				d, err := e.GetDirective(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func directiveUpdateCmd() *cobra.Command {
	var title, description, acceptance, priority, status string
	var labels, dependsOn []string
	var requiresCamp bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update directive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p engine.DirectivePatch
			if cmd.Flags().Changed("title") {
				p.Title = &title
			}
			if cmd.Flags().Changed("description") {
				p.Description = &description
			}
			if cmd.Flags().Changed("acceptance") {
				p.AcceptanceCriteria = &acceptance
			}
			if cmd.Flags().Changed("priority") {
				p.Priority = &priority
			}
			if cmd.Flags().Changed("status") {
				p.Status = &status
			}
			if cmd.Flags().Changed("label") {
				p.Labels = &labels
			}
			if cmd.Flags().Changed("depends-on") {
				p.DependsOn = &dependsOn
			}
			if cmd.Flags().Changed("requires-camp") {
				p.RequiresCamp = &requiresCamp
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				d, err := e.UpdateDirective(ctx, args[0], p, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&acceptance, "acceptance", "", "acceptance criteria")
	cmd.Flags().StringVar(&priority, "priority", "", "low|medium|high|critical")
	cmd.Flags().StringVar(&status, "status", "", "backlog|ready|rejected")
	cmd.Flags().StringSliceVar(&labels, "label", nil, "labels")
	cmd.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "dependency directive ids")
	cmd.Flags().BoolVar(&requiresCamp, "requires-camp", false, "lease a camp when dispatched")
	return cmd
}

func directiveDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete directive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.DeleteDirective(ctx, args[0], actorID())
			})
		},
	}
}

func directiveAbandonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abandon <id>",
		Short: "Mark directive terminally rejected",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				d, err := e.AbandonDirective(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func directiveReopenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reopen <id>",
		Short: "Return a terminal directive to the backlog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				d, err := e.ReopenDirective(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

// --- orchestrator ---

func runCmd() *cobra.Command {
	var ids []string
	var all bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Dispatch directives to idle conscripts until done",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunnerEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, bus *events.Bus) error {
				queue := ids
				if all || len(queue) == 0 {
					items, err := e.ListDirectives(ctx, repo.DirectiveFilters{})
					if err != nil {
						return err
					}
					for _, d := range items {
						if d.Status == domain.DirectiveBacklog || d.Status == domain.DirectiveReady {
							queue = append(queue, d.ID)
						}
					}
				}
				if len(queue) == 0 {
					return fmt.Errorf("nothing to dispatch")
				}
				orch := dispatch.New(e, bus, time.Duration(e.Settings.PollIntervalSec)*time.Second)
				if err := orch.LoadDirectives(queue); err != nil {
					return err
				}

				runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				g, gctx := errgroup.WithContext(runCtx)
				g.Go(func() error {
					unsub := bus.Subscribe(events.TypeProgress, func(ev events.Event) {
						fmt.Printf("progress: %v pending, %v in progress, %v completed of %v\n",
							ev.Data["pending"], ev.Data["in_progress"], ev.Data["completed"], ev.Data["total"])
					})
					defer unsub()
					<-gctx.Done()
					return nil
				})
				g.Go(func() error {
					return sweepLoop(gctx, e)
				})
				g.Go(func() error {
					if err := orch.Start(gctx); err != nil {
						return err
					}
					ticker := time.NewTicker(500 * time.Millisecond)
					defer ticker.Stop()
					for orch.Running() {
						select {
						case <-gctx.Done():
							orch.Stop()
							return nil
						case <-ticker.C:
						}
					}
					stop()
					return nil
				})
				if err := g.Wait(); err != nil {
					return err
				}
				status, err := orch.Status(context.Background())
				if err != nil {
					return err
				}
				return printJSONOrTable(status)
			})
		},
	}
	cmd.Flags().StringSliceVar(&ids, "directive", nil, "directive ids to queue")
	cmd.Flags().BoolVar(&all, "all", false, "queue every dispatchable directive")
	return cmd
}

// --- log ---

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// --- settings ---

func settingsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "settings", Short: "Workspace settings"}
	cmd.AddCommand(settingsShowCmd())
	cmd.AddCommand(settingsImportCmd())
	cmd.AddCommand(settingsExportCmd())
	return cmd
}

func settingsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return printJSONOrTable(e.Settings)
			})
		},
	}
}

func settingsImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import settings from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Load(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.Repo.UpsertSettings(ctx, s); err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "settings YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func settingsExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Export settings as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				data, err := e.Settings.ToYAML()
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			})
		},
	}
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunnerEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, bus *events.Bus) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("GARRISON_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("GARRISON_JWT_SECRET is required for bearer auth")
				}
				orch := dispatch.New(e, bus, time.Duration(e.Settings.PollIntervalSec)*time.Second)
				handler, err := server.New(server.Config{
					Engine:       e,
					Orchestrator: orch,
					BasePath:     basePath,
					Auth:         authCfg,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				runCtx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stopSignals()
				g, gctx := errgroup.WithContext(runCtx)
				g.Go(func() error {
					fmt.Printf("Serving Garrison API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					return sweepLoop(gctx, e)
				})
				g.Go(func() error {
					<-gctx.Done()
					orch.Stop()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

// sweepLoop notes camp expiries at the poll interval so they are reported
// even while the orchestrator is idle.
func sweepLoop(ctx context.Context, e *engine.Engine) error {
	interval := time.Duration(e.Settings.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, _ = e.SweepExpiredCamps(ctx)
		}
	}
}

func openEngine(ctx context.Context) (*engine.Engine, *events.Bus, func(), error) {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, nil, err
	}
	r := repo.Repo{DB: conn}
	settings, err := r.GetSettings(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		settings = config.Default()
		if err := r.UpsertSettings(ctx, settings); err != nil {
			conn.Close()
			return nil, nil, nil, err
		}
	} else if err != nil {
		conn.Close()
		return nil, nil, nil, err
	}
	bus := events.NewBus(64)
	e := engine.New(conn, settings, bus)
	return e, bus, func() { conn.Close() }, nil
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	e, _, closeFn, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, e)
}

// withRunnerEngine wires the exec runner so side effects (git, agents,
// provisioning) actually run.
func withRunnerEngine(ctx context.Context, fn func(context.Context, *engine.Engine, *events.Bus) error) error {
	e, bus, closeFn, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	x := runner.NewExec(e, e.Settings, "")
	if cmdline := os.Getenv("GARRISON_PROVISION_CMD"); cmdline != "" {
		x.ProvisionCommand = strings.Fields(cmdline)
	}
	if cmdline := os.Getenv("GARRISON_DISCOVER_CMD"); cmdline != "" {
		x.DiscoverCommand = strings.Fields(cmdline)
	}
	e.Runner = x
	return fn(ctx, e, bus)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
