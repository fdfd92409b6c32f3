package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"solaros/internal/ahj"
	"solaros/internal/app"
	"solaros/internal/config"
	"solaros/internal/db"
	"solaros/internal/domain"
	"solaros/internal/engine"
	"solaros/internal/integrations"
	"solaros/internal/migrate"
	"solaros/internal/pipeline"
	"solaros/internal/relay"
	"solaros/internal/repo"
	"solaros/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sol",
	Short: "SolarOS pipeline CLI",
	Long: `SolarOS drives solar installation projects through their lifecycle.
Entity status changes land in the event log; pipeline consumers react by
queueing work for the external task processor and proposing project status
transitions. Project status is owned by one state machine that rejects
stale proposals. Tail the diary with 'sol log tail'.`,
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
	viper.SetEnvPrefix("SOLAROS")
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
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(surveyCmd())
	rootCmd.AddCommand(designCmd())
	rootCmd.AddCommand(permitCmd())
	rootCmd.AddCommand(installCmd())
	rootCmd.AddCommand(fundingCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(ahjCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(webhookCmd())
	rootCmd.AddCommand(integrationsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(serveCmd())
}

func actorID() string {
	return viper.GetString("actor-id")
}

// --- project ---

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectTransitionCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, customer, address, financing string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
					ID:            id,
					CustomerName:  customer,
					Address:       address,
					FinancingType: financing,
					ActorID:       actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&customer, "customer", "", "customer name")
	cmd.Flags().StringVar(&address, "address", "", "site address")
	cmd.Flags().StringVar(&financing, "financing", "cash", "financing type (cash, loan, ppa, lease)")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectTransitionCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Propose a project status transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ApplyProjectTransition(ctx, args[0], status, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&status, "to", "", "target status (intake, scheduling, funding, complete)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// --- survey ---

func surveyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "survey", Short: "Manage site surveys"}
	cmd.AddCommand(surveyCreateCmd())
	cmd.AddCommand(surveyListCmd())
	cmd.AddCommand(surveySetStatusCmd())
	return cmd
}

func surveyCreateCmd() *cobra.Command {
	var project, roof, electrical, utility, shading, property string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Record a site survey",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateSurvey(ctx, engine.SurveyCreateOptions{
					ProjectID:        project,
					RoofMeasurements: roof,
					Electrical:       electrical,
					Utility:          utility,
					Shading:          shading,
					Property:         property,
					ActorID:          actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id")
	cmd.Flags().StringVar(&roof, "roof", "", "roof measurements JSON")
	cmd.Flags().StringVar(&electrical, "electrical", "", "electrical JSON")
	cmd.Flags().StringVar(&utility, "utility", "", "utility JSON")
	cmd.Flags().StringVar(&shading, "shading", "", "shading JSON")
	cmd.Flags().StringVar(&property, "property", "", "property JSON")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func surveyListCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a project's surveys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSurveys(ctx, project)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func surveySetStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <id>",
		Short: "Set survey status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SetSurveyStatus(ctx, args[0], status, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status (pending, submitted, approved, rejected)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

// --- design ---

func designCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "design", Short: "Manage CAD designs"}
	cmd.AddCommand(designCreateCmd())
	cmd.AddCommand(designListCmd())
	cmd.AddCommand(designSetStatusCmd())
	return cmd
}

func designCreateCmd() *cobra.Command {
	var project, documents string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Record a CAD design",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CreateDesign(ctx, engine.DesignCreateOptions{
					ProjectID: project,
					Documents: documents,
					ActorID:   actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id")
	cmd.Flags().StringVar(&documents, "documents", "", "documents JSON")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func designListCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a project's designs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListDesigns(ctx, project)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func designSetStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <id>",
		Short: "Set design status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.SetDesignStatus(ctx, args[0], status, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status (drafting, in_review, approved, rejected)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

// --- permit ---

func permitCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "permit", Short: "Manage permits"}
	cmd.AddCommand(permitCreateCmd())
	cmd.AddCommand(permitListCmd())
	cmd.AddCommand(permitSetStatusCmd())
	cmd.AddCommand(permitTimelineCmd())
	return cmd
}

func permitCreateCmd() *cobra.Command {
	var project, design, ahjID, notes string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a permit application",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if ahjID == "" {
					p, err := e.Repo.GetProject(ctx, project)
					if err != nil {
						return err
					}
					registry, err := ahj.NewRegistry(e.Repo)
					if err != nil {
						return err
					}
					if ahjID, err = registry.Resolve(ctx, p.Address); err != nil {
						return err
					}
				}
				p, err := e.CreatePermit(ctx, engine.PermitCreateOptions{
					ProjectID: project,
					DesignID:  design,
					AhjID:     ahjID,
					Notes:     notes,
					ActorID:   actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id")
	cmd.Flags().StringVar(&design, "design", "", "design id")
	cmd.Flags().StringVar(&ahjID, "ahj", "", "authority id (resolved from address when empty)")
	cmd.Flags().StringVar(&notes, "notes", "", "timeline notes")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func permitListCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a project's permits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPermitsByProject(ctx, project)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func permitSetStatusCmd() *cobra.Command {
	var status, notes string
	cmd := &cobra.Command{
		Use:   "set-status <id>",
		Short: "Set permit status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.SetPermitStatus(ctx, args[0], status, notes, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status (preparing, submitted, under_review, approved, rejected)")
	cmd.Flags().StringVar(&notes, "notes", "", "timeline notes")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func permitTimelineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "timeline <id>",
		Short: "Show permit status history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPermitTimeline(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

// --- install ---

func installCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "install", Short: "Manage install photo sets"}
	cmd.AddCommand(installCreateCmd())
	cmd.AddCommand(installSignOffCmd())
	cmd.AddCommand(installSetPhaseCmd())
	return cmd
}

func installCreateCmd() *cobra.Command {
	var project, schedule, phase string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Record an install photo set",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateInstallPhotoSet(ctx, engine.InstallCreateOptions{
					ProjectID:  project,
					ScheduleID: schedule,
					Phase:      phase,
					ActorID:    actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id")
	cmd.Flags().StringVar(&schedule, "schedule", "", "schedule id")
	cmd.Flags().StringVar(&phase, "phase", "", "phase name (e.g. final)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func installSignOffCmd() *cobra.Command {
	var installer, reviewer bool
	cmd := &cobra.Command{
		Use:   "sign-off <id>",
		Short: "Record install sign-off",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SignOffInstall(ctx, args[0], installer, reviewer, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().BoolVar(&installer, "installer", false, "installer signed")
	cmd.Flags().BoolVar(&reviewer, "reviewer", false, "reviewer signed")
	return cmd
}

func installSetPhaseCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-phase-status <id>",
		Short: "Set install phase status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SetInstallPhaseStatus(ctx, args[0], status, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "phase status (pending, submitted, passed, failed)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

// --- funding / audit ---

func fundingCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "funding", Short: "Manage funding packages"}
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a funding package",
		RunE: func(cmd *cobra.Command, args []string) error {
			project, _ := cmd.Flags().GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.CreateFundingPackage(ctx, "", project, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	create.Flags().String("project", "", "project id")
	_ = create.MarkFlagRequired("project")

	var status string
	setStatus := &cobra.Command{
		Use:   "set-status <id>",
		Short: "Set funding package status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.SetFundingStatus(ctx, args[0], status, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	setStatus.Flags().StringVar(&status, "status", "", "status (preparing, submitted, funded, rejected)")
	_ = setStatus.MarkFlagRequired("status")

	cmd.AddCommand(create, setStatus)
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Tax credit audits"}
	var project, status string
	record := &cobra.Command{
		Use:   "record",
		Short: "Record a tax credit audit result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RecordTaxCreditAudit(ctx, "", project, status, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	record.Flags().StringVar(&project, "project", "", "project id")
	record.Flags().StringVar(&status, "status", "", "status (pending, in_review, certified, rejected)")
	_ = record.MarkFlagRequired("project")
	_ = record.MarkFlagRequired("status")
	cmd.AddCommand(record)
	return cmd
}

// --- tasks ---

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Task queue"}
	cmd.AddCommand(taskEnqueueCmd())
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskShowCmd())
	cmd.AddCommand(taskClaimCmd())
	cmd.AddCommand(taskCompleteCmd())
	cmd.AddCommand(taskFailCmd())
	return cmd
}

func taskEnqueueCmd() *cobra.Command {
	var project, taskType, input string
	var priority int
	var dedupe bool
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var payload map[string]any
				if input != "" {
					if err := json.Unmarshal([]byte(input), &payload); err != nil {
						return fmt.Errorf("invalid --input JSON: %w", err)
					}
				}
				created, err := e.EnqueueTasks(ctx, engine.TaskEnqueueOptions{
					ProjectID: project,
					Type:      taskType,
					Input:     payload,
					Priority:  priority,
					Dedupe:    dedupe,
					CreatedBy: actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id")
	cmd.Flags().StringVar(&taskType, "type", "", "task type")
	cmd.Flags().StringVar(&input, "input", "", "input JSON")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority 1-5 (config default when 0)")
	cmd.Flags().BoolVar(&dedupe, "dedupe", false, "skip when a pending task of this type exists")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func taskListCmd() *cobra.Command {
	var project, taskType, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTasks(ctx, repo.TaskFilter{ProjectID: project, Type: taskType, Status: status, Limit: limit})
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id filter")
	cmd.Flags().StringVar(&taskType, "type", "", "task type filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskClaimCmd() *cobra.Command {
	var taskType, worker string
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim the next pending task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if worker == "" {
					worker = actorID()
				}
				t, err := e.ClaimNextTask(ctx, taskType, worker)
				if errors.Is(err, engine.ErrQueueEmpty) {
					fmt.Println("queue empty")
					return nil
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&taskType, "type", "", "restrict to one task type")
	cmd.Flags().StringVar(&worker, "worker", "", "worker id (defaults to actor)")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var output, attempt, learning string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a claimed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CompleteTask(ctx, args[0], engine.TaskResultOptions{
					Output:       output,
					AiAttempt:    attempt,
					LearningData: learning,
					ActorID:      actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "output JSON")
	cmd.Flags().StringVar(&attempt, "attempt", "", "attempt JSON")
	cmd.Flags().StringVar(&learning, "learning", "", "learning data JSON")
	return cmd
}

func taskFailCmd() *cobra.Command {
	var attempt string
	cmd := &cobra.Command{
		Use:   "fail <id>",
		Short: "Fail a claimed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.FailTask(ctx, args[0], engine.TaskResultOptions{
					AiAttempt: attempt,
					ActorID:   actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&attempt, "attempt", "", "attempt JSON")
	return cmd
}

// --- ahj ---

func ahjCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ahj", Short: "Authority registry"}
	cmd.AddCommand(ahjUpsertCmd())
	cmd.AddCommand(ahjListCmd())
	cmd.AddCommand(ahjResolveCmd())
	return cmd
}

func ahjUpsertCmd() *cobra.Command {
	var id, name, state string
	var zips []string
	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Upsert an authority and its ZIP coverage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				registry, err := ahj.NewRegistry(r)
				if err != nil {
					return err
				}
				a := domain.Authority{ID: id, Name: name, State: state, ZipCodes: zips}
				if err := registry.Upsert(ctx, a); err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "authority id")
	cmd.Flags().StringVar(&name, "name", "", "authority name")
	cmd.Flags().StringVar(&state, "state", "", "US state")
	cmd.Flags().StringSliceVar(&zips, "zips", nil, "covered ZIP codes")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func ahjListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List authorities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAuthorities(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func ahjResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <address>",
		Short: "Resolve an address to an authority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				registry, err := ahj.NewRegistry(r)
				if err != nil {
					return err
				}
				id, err := registry.Resolve(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"ahj_id": id, "zip": ahj.ExtractZip(args[0])})
			})
		},
	}
}

// --- events ---

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: status changes, queued tasks, transitions.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var project, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, project, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&project, "project", "", "project filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// --- webhooks ---

func webhookCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "webhook", Short: "Webhook delivery log"}
	cmd.AddCommand(webhookListCmd())
	cmd.AddCommand(webhookRetryCmd())
	cmd.AddCommand(webhookSweepCmd())
	return cmd
}

func webhookListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List webhook logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListWebhookLogs(ctx, status, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, delivered, failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func webhookRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <log-id>",
		Short: "Replay one webhook log immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				original, err := e.Repo.GetWebhookLog(ctx, args[0])
				if err != nil {
					return err
				}
				rl := relay.New(e.Repo, e.Config, slog.Default())
				entry, res, err := rl.RetryNow(ctx, original)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"log": entry, "result": res})
			})
		},
	}
}

func webhookSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one relay sweep over pending manual retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rl := relay.New(e.Repo, e.Config, slog.Default())
				return rl.Sweep(ctx)
			})
		},
	}
}

// --- integrations ---

func integrationsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "integrations", Short: "Integration status"}
	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Sync connection status from the environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := integrations.Sync(ctx, e.Repo, e.Config, time.Now)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored integration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListIntegrationStatus(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	return cmd
}

// --- config ---

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Pipeline configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show active config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	})
	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg, err := config.FromFile(file)
				if err != nil {
					return err
				}
				if err := r.UpsertConfig(ctx, cfg); err != nil {
					return err
				}
				fmt.Println("config imported")
				return nil
			})
		},
	}
	importCmd.Flags().StringVar(&file, "file", "", "path to YAML config")
	_ = importCmd.MarkFlagRequired("file")
	cmd.AddCommand(importCmd)
	return cmd
}

// --- pipeline ---

func pipelineCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "pipeline", Short: "Pipeline dispatcher"}
	cmd.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Run one dispatch pass for every consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				registry, err := ahj.NewRegistry(e.Repo)
				if err != nil {
					return err
				}
				return newDispatcher(e, registry).DrainAll(ctx)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the dispatcher until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				registry, err := ahj.NewRegistry(e.Repo)
				if err != nil {
					return err
				}
				newDispatcher(e, registry).Run(ctx)
				return nil
			})
		},
	})
	return cmd
}

func newDispatcher(e engine.Engine, registry *ahj.Registry) *pipeline.Dispatcher {
	log := slog.Default()
	watchers := pipeline.NewWatchers(e, registry, log)
	return pipeline.NewDispatcher(e.Repo, e.Config, watchers, log)
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noDispatcher, noRelay bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server with the pipeline dispatcher and webhook relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolveConfig(cmd.Context(), workspace, r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("SOLAROS_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("SOLAROS_JWT_SECRET is required for bearer auth")
			}
			log := slog.Default()
			rl := relay.New(r, cfg, log)
			registry, err := ahj.NewRegistry(r)
			if err != nil {
				return err
			}
			handler, err := server.New(server.Config{Engine: e, Relay: rl, Registry: registry, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if !noDispatcher {
				go newDispatcher(e, registry).Run(ctx)
			}
			if !noRelay {
				go rl.Run(ctx)
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving SolarOS API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noDispatcher, "no-dispatcher", false, "serve API only, without the pipeline dispatcher")
	cmd.Flags().BoolVar(&noRelay, "no-relay", false, "serve API only, without the webhook relay")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveConfig(ctx, workspace, r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	switch items := v.(type) {
	case []domain.Project:
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"ID", "Customer", "Status", "Financing", "Address"})
		for _, p := range items {
			t.AppendRow(table.Row{p.ID, p.CustomerName, p.Status, p.FinancingType, p.Address})
		}
		t.Render()
		return nil
	case []domain.AiTask:
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"ID", "Type", "Status", "Prio", "Retries", "Project"})
		for _, task := range items {
			t.AppendRow(table.Row{task.ID, task.Type, task.Status, task.Priority,
				fmt.Sprintf("%d/%d", task.RetryCount, task.MaxRetries), task.ProjectID})
		}
		t.Render()
		return nil
	default:
		b, _ := json.MarshalIndent(v, "", "  ")
		fmt.Println(string(b))
		return nil
	}
}
