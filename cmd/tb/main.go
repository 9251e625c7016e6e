package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskbridge/internal/advisor"
	"taskbridge/internal/app"
	"taskbridge/internal/audit"
	"taskbridge/internal/backend"
	"taskbridge/internal/config"
	"taskbridge/internal/db"
	"taskbridge/internal/engine"
	"taskbridge/internal/migrate"
	"taskbridge/internal/outbox"
	"taskbridge/internal/planner"
	"taskbridge/internal/repo"
	"taskbridge/internal/scheduler"
	"taskbridge/internal/server"
	"taskbridge/internal/triage"
	"taskbridge/internal/webhook"
)

var rootCmd = &cobra.Command{
	Use:   "tb",
	Short: "Taskbridge CLI",
	Long: `Taskbridge ingests work items, triages and scores them, and reliably
mirrors them into third-party task backends through an idempotent outbox.
Key pieces:
- Intake: raw items are normalized, classified, defaulted and scored.
- Outbox: every backend effect is a durable row delivered exactly once.
- Webhooks: backend change events come back signed and deduplicated.
- Planner: the day's worklist under capacity and fairness, with traces.`,
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
	viper.SetEnvPrefix("TASKBRIDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("instance", "default", "rules instance")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("instance", rootCmd.PersistentFlags().Lookup("instance"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(intakeCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
}

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
	cfg, err := app.ResolveConfig(ctx, workspace, viper.GetString("instance"), r)
	if err != nil {
		return err
	}
	backends, err := backend.NewRegistry(cfg.Backends)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, backends)
	if cfg.Advisor.Enabled {
		e.Advisor = advisor.NewClient(cfg.Advisor)
	}
	return fn(ctx, e)
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start API server, outbox workers and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pl := planner.New(e.Repo, audit.Writer{DB: e.DB}, e.Config)
				wh := webhook.NewProcessor(e.Repo, e.Backends)
				ob := outbox.NewEngine(e.Repo, e.Backends, e.Config.Outbox)
				sched := scheduler.New(e, ob, pl, e.Config)

				handler, err := server.New(server.Config{
					Engine:   e,
					Planner:  pl,
					Webhooks: wh,
					BasePath: basePath,
					Auth: server.AuthConfig{
						JWTSecret: firstNonEmpty(os.Getenv("TASKBRIDGE_JWT_SECRET"), e.Config.Server.JWTSecret),
						APIKeys:   e.Config.Server.APIKeys,
					},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				go func() {
					if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						fmt.Println("scheduler:", err)
					}
				}()
				fmt.Printf("Serving Taskbridge API on http://%s%s (db %s, OpenAPI at %s/openapi.json)\n", addr, basePath, db.Path(viper.GetString("workspace")), basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func intakeCmd() *cobra.Command {
	var title, description, client, deadline string
	var importance int
	var effort float64
	var labels []string
	cmd := &cobra.Command{
		Use:   "intake",
		Short: "Submit a raw task through triage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Intake(ctx, triage.Intake{
					Title:       title,
					Description: description,
					Client:      client,
					Deadline:    deadline,
					Importance:  importance,
					EffortHours: effort,
					Labels:      labels,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&description, "description", "", "task description")
	cmd.Flags().StringVar(&client, "client", "", "client tag")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (RFC3339)")
	cmd.Flags().IntVar(&importance, "importance", 0, "importance 1-5 (default from type)")
	cmd.Flags().Float64Var(&effort, "effort", 0, "effort hours (default from type)")
	cmd.Flags().StringSliceVar(&labels, "label", nil, "labels")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskCmd() *cobra.Command {
	tc := &cobra.Command{Use: "task", Short: "Inspect and retriage tasks"}
	tc.AddCommand(taskListCmd())
	tc.AddCommand(taskShowCmd())
	tc.AddCommand(taskRetriageCmd())
	return tc
}

func taskListCmd() *cobra.Command {
	var status, client string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var statuses []string
				if status != "" {
					statuses = strings.Split(status, ",")
				}
				tasks, err := e.Repo.ListTasks(ctx, repo.ListTasksFilter{Statuses: statuses, Client: client, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Client", "Type", "Status", "Score"})
				for _, t := range tasks {
					score := ""
					if t.Score != nil {
						score = fmt.Sprintf("%.3f", *t.Score)
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Client, t.Type, t.Status, score})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "comma-separated statuses")
	cmd.Flags().StringVar(&client, "client", "", "client tag")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskRetriageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retriage <id>",
		Short: "Re-run triage on an existing task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Retriage(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func planShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a stored plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetPlan(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func planCmd() *cobra.Command {
	var hours float64
	var client string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Compute today's worklist",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pl := planner.New(e.Repo, audit.Writer{DB: e.DB}, e.Config)
				out, err := pl.Plan(ctx, hours, client)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Rank", "Task", "Client", "Score", "Effort"})
				for _, entry := range out.Plan.Entries {
					tw.AppendRow(table.Row{entry.Rank, entry.TaskID, entry.Client, fmt.Sprintf("%.3f", entry.Score), entry.EffortHours})
				}
				tw.Render()
				fmt.Printf("%d traces, %d skipped\n", len(out.Traces), len(out.Skipped))
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&hours, "hours", 5, "available hours")
	cmd.Flags().StringVar(&client, "client", "", "restrict to one client")
	cmd.AddCommand(planShowCmd())
	return cmd
}

func outboxCmd() *cobra.Command {
	oc := &cobra.Command{Use: "outbox", Short: "Outbox operations"}
	oc.AddCommand(outboxStatsCmd())
	oc.AddCommand(outboxDeadLetterCmd())
	oc.AddCommand(outboxRequeueCmd())
	return oc
}

func outboxStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Row counts per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := e.Repo.OutboxStats(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(stats)
			})
		},
	}
	return cmd
}

func outboxDeadLetterCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dead-letter",
		Short: "List dead-letter rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rows, err := e.Repo.ListOutboxByStatus(ctx, "dead_letter", limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Backend", "Operation", "Retries", "Last error"})
				for _, r := range rows {
					lastErr := ""
					if r.LastError != nil {
						lastErr = *r.LastError
					}
					tw.AppendRow(table.Row{r.ID, r.Backend, r.Operation, r.RetryCount, lastErr})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func outboxRequeueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requeue <id>",
		Short: "Requeue a dead-letter row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var id int64
				if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
					return fmt.Errorf("invalid row id %q", args[0])
				}
				now := time.Now().UTC().Format(time.RFC3339)
				if err := e.Repo.RequeueDeadLetter(ctx, id, now); err != nil {
					return err
				}
				row, err := e.Repo.GetOutboxRow(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(row)
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cc := &cobra.Command{Use: "config", Short: "Manage rules config"}
	cc.AddCommand(configInitCmd())
	cc.AddCommand(configImportCmd())
	cc.AddCommand(configShowCmd())
	cc.AddCommand(configValidateCmd())
	return cc
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the workspace taskbridge.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			fmt.Printf("ok: %d task types, %d clients, %d backends\n", len(cfg.TaskTypes), len(cfg.Clients), len(cfg.Backends))
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default taskbridge.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(viper.GetString("instance"))), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import rules YAML into the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.FromFile(file); err != nil {
				return err
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.UpsertRulesConfig(ctx, viper.GetString("instance"), string(data)); err != nil {
					return err
				}
				fmt.Println("imported", file)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "rules YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				_, raw, err := e.Repo.GetRulesConfig(ctx, viper.GetString("instance"))
				if err != nil {
					return err
				}
				fmt.Println(raw)
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lc := &cobra.Command{Use: "log", Short: "Audit and decision traces"}
	lc.AddCommand(logTailCmd())
	lc.AddCommand(logSessionCmd())
	return lc
}

func logSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session <id>",
		Short: "Show all traces from one planner or triage session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				traces, err := e.Repo.TracesForSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(traces)
			})
		},
	}
	return cmd
}

func logTailCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent audit rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				traces, err := e.Repo.TracesBetween(ctx, "0000", "9999", 0)
				if err != nil {
					return err
				}
				if limit > 0 && len(traces) > limit {
					traces = traces[len(traces)-limit:]
				}
				if viper.GetBool("json") {
					return printJSON(traces)
				}
				for _, tr := range traces {
					fmt.Printf("%s  %-24s %-16s total=%.4f %s\n", tr.TS, tr.Kind, tr.TaskID, tr.Total, tr.Rationale)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
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

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
