package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cardflow/internal/app"
	"cardflow/internal/config"
	"cardflow/internal/db"
	"cardflow/internal/engine"
	"cardflow/internal/migrate"
	"cardflow/internal/repo"
	"cardflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cf",
	Short: "Cardflow CLI",
	Long: `Cardflow runs a CRM pipeline board: cards move through the ordered stages of a flow.
- Flow: the pipeline definition (stages, required fields, default owners), kept in cardflow.yml and imported into the workspace DB.
- Stage: one column; a completion stage marks its cards completed.
- Card: a deal or ticket with field values, checklist progress, an owner (user or team) and a position inside its stage.
- Moving forward requires the current stage's required fields; moving backward never does.
- Crossing into a stage with a default owner hands the card over to that owner.
- Event log: every change is recorded, view with 'cf log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CARDFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded on events")
	rootCmd.PersistentFlags().String("flow", "", "flow id (defaults to the only flow in the workspace)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "actor-id", "flow", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(flowCmd())
	rootCmd.AddCommand(cardCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func flowCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "flow", Short: "Manage flows"}
	cmd.AddCommand(flowInitCmd())
	cmd.AddCommand(flowImportCmd())
	cmd.AddCommand(flowListCmd())
	cmd.AddCommand(flowShowCmd())
	return cmd
}

func flowInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter cardflow.yml and import it",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			cfg, err := config.FromFile(path)
			if err != nil {
				return err
			}
			return withDB(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				flow, err := e.ImportFlow(ctx, cfg, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("Wrote %s and imported flow %s (%d stages)\n", path, flow.ID, len(flow.Stages))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "vendas", "flow id")
	return cmd
}

func flowImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import or replace a flow from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withDB(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				flow, err := e.ImportFlow(ctx, cfg, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printStages(flow.Stages)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to cardflow.yml (defaults to the workspace file)")
	return cmd
}

func flowListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List flows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				flows, err := e.Repo.ListFlows(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(flows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Stages", "Created"})
				for _, f := range flows {
					tw.AppendRow(table.Row{f.ID, f.Title, len(f.Stages), f.CreatedAt.Format(time.DateOnly)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func flowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active flow's stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				flow, err := e.Repo.GetFlow(ctx, e.Config.Flow.ID)
				if err != nil {
					return err
				}
				return printStages(flow.Stages)
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var origins []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				logger := slog.Default().With("component", "server")
				handler, err := server.New(server.Config{
					Engine:   e,
					BasePath: basePath,
					Actor: server.ActorConfig{
						JWTSecret:    viper.GetString("jwt-secret"),
						DefaultActor: viper.GetString("actor-id"),
					},
					AllowedOrigins: origins,
					Logger:         logger,
				})
				if err != nil {
					return err
				}
				server.StartWebhooks(ctx, e, logger)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Cardflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().StringSliceVar(&origins, "cors-origin", nil, "allowed CORS origin (repeatable)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens naming the actor (env CARDFLOW_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.FlowID = e.Config.Flow.ID
				events, err := e.Repo.LatestEventsFrom(ctx, n, 0, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

// --- helpers ---

// withDB opens and migrates the workspace DB without resolving a flow.
func withDB(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return err
	}
	e := engine.New(conn, nil)
	e.Logger = slog.Default()
	return fn(ctx, e)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withDB(ctx, func(ctx context.Context, e engine.Engine) error {
		_, cfg, err := app.ResolveFlowAndConfig(ctx, viper.GetString("workspace"), viper.GetString("flow"), viper.GetString("actor-id"), e)
		if err != nil {
			return err
		}
		e.Config = cfg
		return fn(ctx, e)
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
