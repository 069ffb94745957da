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

	"stagegate/internal/app"
	"stagegate/internal/config"
	"stagegate/internal/db"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/migrate"
	"stagegate/internal/repo"
	"stagegate/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sg",
	Short: "Stagegate CLI",
	Long: `Stagegate runs compliance cases through ordered approval stages.
- Case: a deviation, occurrence, contract or requisition with a fixed list of stages copied from config when it is opened.
- Decision: Approved, NeedsChanges or Rejected for one stage. Decisions are never edited; a later one supersedes an earlier one.
- Status: derived from the active decisions. Draft -> InReview -> Approved, with NeedsChanges and Rejected as detours. Closed is set explicitly.
- Notification: the first time a case reaches Approved one consolidated message goes out. Failed sends are retried with 'sg notify retry'.
- SLA: every stage has a deadline in calendar or business days. 'sg sla sweep' lists what is overdue.
- Risk: probability x severity classified with a versioned matrix.`,
	SilenceUsage: true,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STAGEGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides the stored default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(decideCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(windowCmd())
	rootCmd.AddCommand(windowsCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(resubmitCmd())
	rootCmd.AddCommand(closeCmd())
	rootCmd.AddCommand(reopenCmd())
	rootCmd.AddCommand(riskCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(slaCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default stagegate.yml and seed the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			projectID := viper.GetString("project")
			if projectID == "" {
				projectID = app.DefaultProject
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg, err := config.FromFile(path)
				if err != nil {
					return err
				}
				if err := r.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
					return err
				}
				fmt.Printf("Initialized project %s in %s\n", projectID, workspace)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing stagegate.yml")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage the stored configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the configuration stored in the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	})
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import configuration from YAML into the database",
		Long:  "Existing cases keep the stage list they were opened with; only new cases see changed stages.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			projectID := cfg.Project.ID
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if override := viper.GetString("project"); override != "" {
					projectID = override
				}
				if projectID == "" {
					projectID = app.DefaultProject
				}
				if err := r.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a YAML configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if filePath == "" {
				filePath = config.Path(viper.GetString("workspace"))
			}
			if _, err := config.FromFile(filePath); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config (default: workspace stagegate.yml)")
	return cmd
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{Use: "case", Short: "Open and inspect cases"}
	c.AddCommand(caseCreateCmd())
	c.AddCommand(caseListCmd())
	c.AddCommand(caseShowCmd())
	return c
}

func caseCreateCmd() *cobra.Command {
	var id, kind, title, reference string
	var attachments []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a case",
		RunE: func(cmd *cobra.Command, args []string) error {
			atts, err := parseAttachments(attachments)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.CreateCase(ctx, engine.CaseCreateOptions{
					ID:          id,
					Kind:        domain.CaseKind(kind),
					Title:       title,
					Reference:   reference,
					Attachments: atts,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "case id (generated when empty)")
	cmd.Flags().StringVar(&kind, "kind", "", "deviation, occurrence, contract or requisition")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&reference, "reference", "", "external reference shown in notifications")
	cmd.Flags().StringArrayVar(&attachments, "attach", nil, "attachment as name=url (repeatable)")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func caseListCmd() *cobra.Command {
	var kind, status string
	var open bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f := repo.CaseFilters{Kind: domain.CaseKind(kind), OpenOnly: open}
				if status == "" {
					f.Limit = limit
				}
				views, err := e.ListCases(ctx, f, domain.CaseStatus(status))
				if err != nil {
					return err
				}
				if limit > 0 && len(views) > limit {
					views = views[:limit]
				}
				if viper.GetBool("json") {
					return printJSON(views)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Kind", "Reference", "Title", "Status", "Created"})
				for _, v := range views {
					tw.AppendRow(table.Row{v.ID, v.Kind, v.Reference, v.Title, v.Status, v.CreatedAt.Format(time.DateTime)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&status, "status", "", "derived status filter")
	cmd.Flags().BoolVar(&open, "open", false, "only cases that are not closed")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func caseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show a case with its derived status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.GetCase(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
}

func decideCmd() *cobra.Command {
	var stage, decision, comment string
	cmd := &cobra.Command{
		Use:   "decide <case-id>",
		Short: "Record a stage decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := domain.ParseDecision(decision)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tr, err := e.RecordDecision(ctx, engine.DecisionOptions{
					CaseID:   args[0],
					Stage:    stage,
					Decision: d,
					ActorID:  viper.GetString("actor-id"),
					Comment:  comment,
				})
				if err != nil {
					return err
				}
				return printTransition(tr)
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "stage name")
	cmd.Flags().StringVar(&decision, "decision", "", "Approved, NeedsChanges or Rejected")
	cmd.Flags().StringVar(&comment, "comment", "", "reviewer comment")
	_ = cmd.MarkFlagRequired("stage")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <case-id>",
		Short: "Show the derived status and active decision per stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.GetCase(ctx, args[0])
				if err != nil {
					return err
				}
				type stageRow struct {
					Stage    string                `json:"stage"`
					Decision *domain.StageDecision `json:"decision,omitempty"`
				}
				rows := make([]stageRow, 0, len(v.Stages))
				for _, st := range v.Stages {
					d, ok, err := e.ActiveDecision(ctx, v.ID, st)
					if err != nil {
						return err
					}
					row := stageRow{Stage: st}
					if ok {
						row.Decision = &d
					}
					rows = append(rows, row)
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"case_id": v.ID, "status": v.Status, "stages": rows})
				}
				fmt.Printf("%s  %s  %s\n", v.ID, v.Kind, v.Status)
				tw := newTable()
				tw.AppendHeader(table.Row{"Stage", "Decision", "Actor", "At"})
				for _, r := range rows {
					if r.Decision == nil {
						tw.AppendRow(table.Row{r.Stage, "pending", "", ""})
						continue
					}
					tw.AppendRow(table.Row{r.Stage, r.Decision.Decision, r.Decision.ActorID, r.Decision.DecidedAt.Format(time.DateTime)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func windowCmd() *cobra.Command {
	var stage, now string
	cmd := &cobra.Command{
		Use:   "window <case-id>",
		Short: "Show the SLA window of one stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseNow(now)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.StageWindow(ctx, args[0], stage, at)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "stage name")
	cmd.Flags().StringVar(&now, "now", "", "evaluation time, RFC 3339 (default: current time)")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func windowsCmd() *cobra.Command {
	var now string
	cmd := &cobra.Command{
		Use:   "windows <case-id>",
		Short: "List SLA windows of entered, unapproved stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseNow(now)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ws, err := e.OpenWindows(ctx, args[0], at)
				if err != nil {
					return err
				}
				return printWindows(ws)
			})
		},
	}
	cmd.Flags().StringVar(&now, "now", "", "evaluation time, RFC 3339 (default: current time)")
	return cmd
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <case-id>",
		Short: "Show every decision recorded for a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Seq", "Stage", "Decision", "Actor", "At", "Comment"})
				for _, h := range entries {
					tw.AppendRow(table.Row{h.Seq, h.Stage, h.Decision, h.ActorID, h.DecidedAt.Format(time.DateTime), h.Comment})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func resubmitCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "resubmit <case-id>",
		Short: "Send a case with requested changes back to review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tr, err := e.Resubmit(ctx, args[0], viper.GetString("actor-id"), comment)
				if err != nil {
					return err
				}
				return printTransition(tr)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "what changed")
	return cmd
}

func closeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <case-id>",
		Short: "Close an approved case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tr, err := e.Close(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printTransition(tr)
			})
		},
	}
}

func reopenCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reopen <case-id>",
		Short: "Reopen a closed or rejected case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tr, err := e.Reopen(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printTransition(tr)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the case is reopened")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func riskCmd() *cobra.Command {
	r := &cobra.Command{Use: "risk", Short: "Risk assessment"}
	r.AddCommand(riskClassifyCmd())
	r.AddCommand(riskSetCmd())
	r.AddCommand(riskShowCmd())
	return r
}

func riskClassifyCmd() *cobra.Command {
	var p, s int
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Classify probability and severity with the active matrix",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Classify(p, s)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().IntVarP(&p, "probability", "p", 0, "probability 1-5")
	cmd.Flags().IntVarP(&s, "severity", "s", 0, "severity 1-5")
	return cmd
}

func riskSetCmd() *cobra.Command {
	var p, s int
	var rationale string
	cmd := &cobra.Command{
		Use:   "set <case-id>",
		Short: "Record or replace the risk assessment of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.AssessRisk(ctx, engine.RiskOptions{
					CaseID:      args[0],
					Probability: p,
					Severity:    s,
					Rationale:   rationale,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().IntVarP(&p, "probability", "p", 0, "probability 1-5")
	cmd.Flags().IntVarP(&s, "severity", "s", 0, "severity 1-5")
	cmd.Flags().StringVar(&rationale, "rationale", "", "rationale")
	return cmd
}

func riskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show a risk assessment classified with its recorded matrix version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetRisk(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func notifyCmd() *cobra.Command {
	n := &cobra.Command{Use: "notify", Short: "Approval notifications"}
	n.AddCommand(&cobra.Command{
		Use:   "retry",
		Short: "Retry pending notifications once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.RetryNotifications(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	})
	n.AddCommand(&cobra.Command{
		Use:   "show <case-id>",
		Short: "Show the notification marker of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, ok, err := e.Marker(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					fmt.Println("no notification recorded")
					return nil
				}
				return printJSONOrTable(m)
			})
		},
	})
	return n
}

func slaCmd() *cobra.Command {
	s := &cobra.Command{Use: "sla", Short: "SLA windows"}
	var now string
	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "List overdue stages across open cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseNow(now)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.OverdueCases(ctx, at)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Case", "Kind", "Stage", "Deadline", "Days", "Title"})
				for _, o := range items {
					tw.AppendRow(table.Row{o.CaseID, o.Kind, o.Stage, o.Deadline.Format(time.DateOnly), o.DaysRemaining, o.Title})
				}
				tw.Render()
				return nil
			})
		},
	}
	sweep.Flags().StringVar(&now, "now", "", "evaluation time, RFC 3339 (default: current time)")
	s.AddCommand(sweep)
	return s
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every state change: cases opened, decisions, status transitions, notifications and role changes.",
	}
	var n int
	var evtType, caseID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				evts, err := r.LatestEvents(ctx, repo.EventFilters{CaseID: caseID, Type: evtType, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Case", "Actor"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.CaseID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&caseID, "case", "", "case id filter")
	log.AddCommand(tail)
	return log
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rbac", Short: "Roles for stage authorities and reopen"}
	cmd.AddCommand(&cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				who, err := e.WhoAmI(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(who)
			})
		},
	})
	cmd.AddCommand(rbacRoleCmd("grant-role", "Grant role to actor", func(ctx context.Context, e engine.Engine, target, role string) error {
		return e.GrantRole(ctx, viper.GetString("actor-id"), target, role)
	}))
	cmd.AddCommand(rbacRoleCmd("revoke-role", "Revoke role from actor", func(ctx context.Context, e engine.Engine, target, role string) error {
		return e.RevokeRole(ctx, viper.GetString("actor-id"), target, role)
	}))
	return cmd
}

func rbacRoleCmd(use, short string, fn func(context.Context, engine.Engine, string, string) error) *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return fn(ctx, e, target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "API keys for the HTTP server"}
	var name, owner string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				owner = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, plain, err := e.CreateAPIKey(ctx, owner, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": plain})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label")
	create.Flags().StringVar(&owner, "actor", "", "actor the key authenticates as (default: --actor-id)")
	k.AddCommand(create)

	var listActor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, listActor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, key := range keys {
					tw.AppendRow(table.Row{key.ID, key.ActorID, key.Name, key.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listActor, "actor", "", "actor filter")
	k.AddCommand(list)

	k.AddCommand(&cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return k
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noRetry bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long:  "Serves the API under --base-path, Prometheus metrics on /metrics and Swagger UI on /docs. Pending notifications are retried in the background.",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := app.ParseEnv()
			if err != nil {
				return err
			}
			authCfg := server.AuthConfig{JWTSecret: env.JWTSecret, AllowActorHeader: env.AllowActorHeader}
			if authCfg.JWTSecret == "" && !authCfg.AllowActorHeader {
				return fmt.Errorf("STAGEGATE_JWT_SECRET is required unless STAGEGATE_ALLOW_ACTOR_HEADER is set")
			}
			return withRuntime(cmd.Context(), env, func(ctx context.Context, rt *app.Runtime) error {
				authCfg.Logger = rt.Logger
				handler, err := server.New(server.Config{
					Engine:   rt.Engine,
					BasePath: basePath,
					Auth:     authCfg,
					Registry: rt.Registry,
					Logger:   rt.Logger,
				})
				if err != nil {
					return err
				}
				if !noRetry {
					go func() {
						if err := rt.Engine.Retrier().Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
							rt.Logger.Error("notification retrier stopped", "error", err)
						}
					}()
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Stagegate API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&noRetry, "no-retry", false, "do not retry pending notifications in the background")
	return cmd
}

// --- helpers ---

func withRuntime(ctx context.Context, env app.Env, fn func(context.Context, *app.Runtime) error) error {
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
	cfg, err := app.ResolveConfig(ctx, workspace, viper.GetString("project"), r)
	if err != nil {
		return err
	}
	rt, err := app.Wire(ctx, conn, cfg, env, os.Stderr)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	env, err := app.ParseEnv()
	if err != nil {
		return err
	}
	return withRuntime(ctx, env, func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, rt.Engine)
	})
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

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printTransition(tr engine.Transition) error {
	if viper.GetBool("json") {
		return printJSON(tr)
	}
	if tr.Previous == tr.Status {
		fmt.Printf("%s: %s (unchanged)\n", tr.CaseID, tr.Status)
	} else {
		fmt.Printf("%s: %s -> %s\n", tr.CaseID, tr.Previous, tr.Status)
	}
	if tr.Notification != "" {
		fmt.Printf("notification: %s\n", tr.Notification)
	}
	return nil
}

func printWindows(ws []domain.StageWindow) error {
	if viper.GetBool("json") {
		return printJSON(ws)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Stage", "Entered", "Deadline", "Mode", "Days left", "Overdue"})
	for _, w := range ws {
		tw.AppendRow(table.Row{w.Stage, w.EnteredAt.Format(time.DateTime), w.Deadline.Format(time.DateTime), w.DayMode, w.DaysRemaining, w.Overdue})
	}
	tw.Render()
	return nil
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

func parseNow(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Now().UTC(), nil
	}
	t, err := domain.ParseTime(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--now: %w", err)
	}
	return t.UTC(), nil
}

func parseAttachments(items []string) ([]domain.Attachment, error) {
	out := make([]domain.Attachment, 0, len(items))
	for _, item := range items {
		name, url, ok := strings.Cut(item, "=")
		if !ok || strings.TrimSpace(name) == "" || strings.TrimSpace(url) == "" {
			return nil, fmt.Errorf("--attach must be name=url, got %q", item)
		}
		out = append(out, domain.Attachment{Name: strings.TrimSpace(name), URL: strings.TrimSpace(url)})
	}
	return out, nil
}
