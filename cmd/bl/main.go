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
	"go.uber.org/zap"

	"botline/internal/app"
	"botline/internal/config"
	"botline/internal/db"
	"botline/internal/domain"
	"botline/internal/engine"
	"botline/internal/migrate"
	"botline/internal/notify"
	"botline/internal/repo"
	"botline/internal/runner"
	"botline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Botline CLI",
	Long: `Botline distributes scheduled tasks to a fleet of worker bots.
Core concepts:
- Workspace: your .botline directory holding the database; botline.yml configures the server.
- Tasks: units of work with a capability, a platform, and either a cron schedule or a one-shot run time.
- Bots: workers that check in, claim broadcasted executions, report progress, and complete or fail them.
- Executions: one offer of a task occurrence; statuses flow broadcasted -> claimed -> in_progress -> completed/failed/timedout.
- Dispatch: the tick finds due tasks and fans executions out to eligible bots; the sweeper times out stuck work.
- Proof of work: artifacts bots attach when a task demands evidence of completion.
- Event log: diary of everything, view with 'bl log tail'.`,
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
	viper.SetEnvPrefix("BOTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "", "acting user id or username")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(platformCmd())
	rootCmd.AddCommand(capabilityCmd())
	rootCmd.AddCommand(botCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(executionCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
}

func initCmd() *cobra.Command {
	var adminUsername string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize workspace: config, database, roles and first admin",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", cfgPath)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				res, err := app.Bootstrap(ctx, r, adminUsername)
				if err != nil {
					return err
				}
				if res.AlreadyBootstrap {
					fmt.Println("workspace already initialized")
					return nil
				}
				fmt.Printf("admin user: %s (%s)\n", res.AdminUser.Username, res.AdminUser.UserID)
				fmt.Printf("admin API key (shown once): %s\n", res.APIKeyPlaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&adminUsername, "admin-username", "admin", "username for the bootstrap admin")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server with the dispatcher and sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			if s := os.Getenv("BOTLINE_JWT_SECRET"); s != "" {
				cfg.Server.JWTSecret = s
			}

			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()

			r := repo.Repo{DB: conn}
			res, err := app.Bootstrap(cmd.Context(), r, "")
			if err != nil {
				return err
			}
			if res.AdminUser != nil {
				fmt.Printf("admin user: %s (%s)\n", res.AdminUser.Username, res.AdminUser.UserID)
				fmt.Printf("admin API key (shown once): %s\n", res.APIKeyPlaintext)
			}

			e := engine.New(conn, cfg)
			svc := notify.New(logger, time.Duration(cfg.Notify.TimeoutSeconds)*time.Second)
			svc.TelegramToken = os.Getenv("BOTLINE_TELEGRAM_TOKEN")
			e.Notifier = svc

			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: cfg.Server.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:              cfg.Server.JWTSecret,
					AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
				},
			})
			if err != nil {
				return err
			}

			bg := runner.New(e, logger)
			runCtx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go bg.Run(runCtx)

			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Botline API on http://%s%s (OpenAPI at %s/openapi.json)\n", cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	return cmd
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userCreateCmd())
	user.AddCommand(userListCmd())
	user.AddCommand(userGetCmd())
	user.AddCommand(userDeactivateCmd())
	return user
}

func userCreateCmd() *cobra.Command {
	var opts engine.UserCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				u, err := e.CreateUser(ctx, actor, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Username, "username", "", "username")
	cmd.Flags().StringVar(&opts.RoleName, "role", "operator", "role name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().BoolVar(&opts.Hidden, "hidden", false, "create hidden")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func userListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				items, err := e.ListUsers(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Username", "Role", "Active"})
				for _, u := range items {
					tw.AppendRow(table.Row{u.UserID, u.Username, u.RoleName, u.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func userGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				u, err := e.GetUser(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	return cmd
}

func userDeactivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Deactivate user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				return e.DeactivateUser(ctx, actor, args[0])
			})
		},
	}
	return cmd
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "Manage API keys"}
	key.AddCommand(keyCreateCmd())
	key.AddCommand(keyRevokeCmd())
	return key
}

func keyCreateCmd() *cobra.Command {
	var userID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				key, plaintext, err := e.CreateAPIKey(ctx, actor, userID, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "plaintext": plaintext})
				}
				fmt.Printf("key id: %s\n", key.ID)
				fmt.Printf("plaintext (shown once): %s\n", plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "user id (defaults to the acting user)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func keyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				return e.RevokeAPIKey(ctx, actor, args[0])
			})
		},
	}
	return cmd
}

func platformCmd() *cobra.Command {
	p := &cobra.Command{Use: "platform", Short: "Manage platforms"}
	p.AddCommand(platformCreateCmd())
	p.AddCommand(platformListCmd())
	return p
}

func platformCreateCmd() *cobra.Command {
	var name, description, osMajor string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				p, err := e.CreatePlatform(ctx, actor, name, description, osMajor)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "platform name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&osMajor, "os-major-version", "", "OS major version")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func platformListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List platforms",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPlatforms(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func capabilityCmd() *cobra.Command {
	c := &cobra.Command{Use: "capability", Short: "Manage capabilities"}
	c.AddCommand(capabilityCreateCmd())
	c.AddCommand(capabilityListCmd())
	return c
}

func capabilityCreateCmd() *cobra.Command {
	var name, version, description string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create capability",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				c, err := e.CreateCapability(ctx, actor, name, version, description)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "capability name")
	cmd.Flags().StringVar(&version, "version", "", "capability version")
	cmd.Flags().StringVar(&description, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func capabilityListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCapabilities(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func botCmd() *cobra.Command {
	bot := &cobra.Command{Use: "bot", Short: "Manage bots"}
	bot.AddCommand(botRegisterCmd())
	bot.AddCommand(botListCmd())
	bot.AddCommand(botGetCmd())
	bot.AddCommand(botRevokeCmd())
	return bot
}

func botRegisterCmd() *cobra.Command {
	var opts engine.BotRegisterOptions
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a bot (token shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				b, token, err := e.RegisterBot(ctx, actor, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"bot": b, "token": token})
				}
				fmt.Printf("bot id: %s\n", b.BotID)
				fmt.Printf("token (shown once): %s\n", token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Username, "username", "", "bot username")
	cmd.Flags().StringVar(&opts.PlatformID, "platform", "", "platform id")
	cmd.Flags().StringArrayVar(&opts.Capabilities, "capability", []string{}, "capability id (repeatable)")
	cmd.Flags().BoolVar(&opts.Hidden, "hidden", false, "create hidden")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("platform")
	return cmd
}

func botListCmd() *cobra.Command {
	var f repo.BotFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				items, err := e.ListBots(ctx, actor, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Username", "Platform", "Active", "Last checkin"})
				for _, b := range items {
					last := ""
					if b.LastCheckin != nil {
						last = *b.LastCheckin
					}
					tw.AppendRow(table.Row{b.BotID, b.Username, b.PlatformID, b.IsActive, last})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.PlatformID, "platform", "", "platform filter")
	cmd.Flags().BoolVar(&f.ActiveOnly, "active", false, "active bots only")
	return cmd
}

func botGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get bot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				b, err := e.GetBot(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

func botRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a bot token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				return e.RevokeBotToken(ctx, actor, args[0])
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks carry a config payload for a capability on a platform. Cron tasks recur; run-at and bare tasks fire once. Dispatch offers each occurrence to eligible bots.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskHideCmd())
	task.AddCommand(taskTriggerCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var maxRetries int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("max-retries") {
				opts.MaxRetries = &maxRetries
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				t, err := e.CreateTask(ctx, actor, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "task name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.ConfigJSON, "config-json", "", "task config JSON")
	cmd.Flags().StringVar(&opts.CapabilityID, "capability", "", "capability id")
	cmd.Flags().StringVar(&opts.PlatformID, "platform", "", "platform id")
	cmd.Flags().StringVar(&opts.NotificationConfigID, "notification-config", "", "notification config id")
	cmd.Flags().StringVar(&opts.CronSchedule, "cron", "", "cron schedule (5-field or @descriptor)")
	cmd.Flags().StringVar(&opts.RunAt, "run-at", "", "one-shot run time (RFC3339)")
	cmd.Flags().IntVar(&opts.TimeoutSeconds, "timeout-seconds", 0, "execution timeout (default from config)")
	cmd.Flags().StringVar(&opts.DispatchMode, "dispatch-mode", "", "broadcast or single")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "max retries")
	cmd.Flags().BoolVar(&opts.ProofOfWorkRequired, "require-proof", false, "require proof of work on completion")
	cmd.Flags().BoolVar(&opts.Hidden, "hidden", false, "create hidden")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("capability")
	_ = cmd.MarkFlagRequired("platform")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				items, err := e.ListTasks(ctx, actor, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Mode", "Next run", "Active"})
				for _, t := range items {
					next := ""
					if t.NextRun != nil {
						next = *t.NextRun
					}
					tw.AppendRow(table.Row{t.TaskID, t.Name, string(t.DispatchMode), next, t.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.CapabilityID, "capability", "", "capability filter")
	cmd.Flags().StringVar(&f.PlatformID, "platform", "", "platform filter")
	cmd.Flags().BoolVar(&f.ActiveOnly, "active", false, "active tasks only")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				t, err := e.GetTask(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var opts engine.TaskUpdateOptions
	var name, description, configJSON, cron, runAt, mode, notificationConfig string
	var timeoutSeconds, maxRetries int
	var requireProof, active bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set := func(flag string, dst **string, v *string) {
				if cmd.Flags().Changed(flag) {
					*dst = v
				}
			}
			set("name", &opts.Name, &name)
			set("description", &opts.Description, &description)
			set("config-json", &opts.ConfigJSON, &configJSON)
			set("cron", &opts.CronSchedule, &cron)
			set("run-at", &opts.RunAt, &runAt)
			set("dispatch-mode", &opts.DispatchMode, &mode)
			set("notification-config", &opts.NotificationConfigID, &notificationConfig)
			if cmd.Flags().Changed("timeout-seconds") {
				opts.TimeoutSeconds = &timeoutSeconds
			}
			if cmd.Flags().Changed("max-retries") {
				opts.MaxRetries = &maxRetries
			}
			if cmd.Flags().Changed("require-proof") {
				opts.ProofOfWorkRequired = &requireProof
			}
			if cmd.Flags().Changed("active") {
				opts.IsActive = &active
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				t, err := e.UpdateTask(ctx, actor, args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "task name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&configJSON, "config-json", "", "task config JSON")
	cmd.Flags().StringVar(&cron, "cron", "", "cron schedule (empty clears)")
	cmd.Flags().StringVar(&runAt, "run-at", "", "one-shot run time (RFC3339)")
	cmd.Flags().StringVar(&mode, "dispatch-mode", "", "broadcast or single")
	cmd.Flags().StringVar(&notificationConfig, "notification-config", "", "notification config id")
	cmd.Flags().IntVar(&timeoutSeconds, "timeout-seconds", 0, "execution timeout")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "max retries")
	cmd.Flags().BoolVar(&requireProof, "require-proof", false, "require proof of work")
	cmd.Flags().BoolVar(&active, "active", true, "task active")
	return cmd
}

func taskHideCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hide <id>",
		Short: "Hide a task (deactivates it, history stays)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				return e.HideTask(ctx, actor, args[0])
			})
		},
	}
	return cmd
}

func taskTriggerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger <id>",
		Short: "Dispatch a task immediately, outside its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				execs, err := e.TriggerExecution(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(execs)
			})
		},
	}
	return cmd
}

func executionCmd() *cobra.Command {
	ex := &cobra.Command{Use: "execution", Short: "Inspect executions"}
	ex.AddCommand(executionListCmd())
	ex.AddCommand(executionGetCmd())
	ex.AddCommand(executionProofCmd())
	return ex
}

func executionListCmd() *cobra.Command {
	var f repo.ExecutionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				items, err := e.ListExecutions(ctx, actor, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Task", "Status", "Assigned", "Started"})
				for _, x := range items {
					assigned := ""
					if x.AssignedTo != nil {
						assigned = *x.AssignedTo
					}
					tw.AppendRow(table.Row{x.ExecutionID, x.TaskID, string(x.Status), assigned, x.StartedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssignedTo, "bot", "", "assigned bot filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func executionGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				x, err := e.GetExecution(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(x)
			})
		},
	}
	return cmd
}

func executionProofCmd() *cobra.Command {
	var name, link, description string
	cmd := &cobra.Command{
		Use:   "add-proof <id>",
		Short: "Attach proof of work to an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				p, err := e.AddProofOfWork(ctx, actor, args[0], name, link, description)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "artifact name")
	cmd.Flags().StringVar(&link, "link", "", "artifact link")
	cmd.Flags().StringVar(&description, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("link")
	return cmd
}

func notifyCmd() *cobra.Command {
	n := &cobra.Command{Use: "notify", Short: "Manage notification configs"}
	n.AddCommand(notifyCreateCmd())
	n.AddCommand(notifyListCmd())
	return n
}

func notifyCreateCmd() *cobra.Command {
	var cfg domain.NotificationConfig
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a notification config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				res, err := e.CreateNotificationConfig(ctx, actor, cfg)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&cfg.ProfileName, "name", "", "profile name")
	cmd.Flags().StringVar(&cfg.ProfileDescription, "description", "", "description")
	cmd.Flags().StringVar(&cfg.WebhookURL, "webhook", "", "webhook URL")
	cmd.Flags().StringVar(&cfg.TelegramChatID, "telegram-chat", "", "telegram chat id")
	cmd.Flags().StringVar(&cfg.SlackWebhookURL, "slack-webhook", "", "slack webhook URL")
	cmd.Flags().StringVar(&cfg.SlackChannel, "slack-channel", "", "slack channel")
	cmd.Flags().BoolVar(&cfg.NotifyOnCompleted, "on-completed", true, "notify on completion")
	cmd.Flags().BoolVar(&cfg.NotifyOnError, "on-error", true, "notify on failure")
	cmd.Flags().BoolVar(&cfg.NotifyOnTimeout, "on-timeout", true, "notify on timeout")
	cmd.Flags().BoolVar(&cfg.NotifyOnBotOffline, "on-bot-offline", false, "notify when a bot goes offline")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func notifyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notification configs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListNotificationConfigs(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func dispatchCmd() *cobra.Command {
	d := &cobra.Command{Use: "dispatch", Short: "Dispatcher controls"}
	d.AddCommand(&cobra.Command{
		Use:   "tick",
		Short: "Run one dispatch tick",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				execs, err := e.DispatchTick(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(execs)
			})
		},
	})
	return d
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one timeout sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				swept, err := e.SweepTimeouts(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(swept)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
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

// withActor resolves the --actor flag (user id or username) to an
// authenticated Actor for engine calls made from the local workspace.
func withActor(ctx context.Context, fn func(context.Context, engine.Engine, engine.Actor) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		id := strings.TrimSpace(viper.GetString("actor"))
		if id == "" {
			return fmt.Errorf("--actor required (user id or username)")
		}
		u, err := e.Repo.GetUser(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			u, err = e.Repo.GetUserByUsername(ctx, id)
		}
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("unknown actor %q", id)
			}
			return err
		}
		if !u.IsActive {
			return fmt.Errorf("actor %q is inactive", id)
		}
		role, err := e.Repo.GetRole(ctx, u.RoleName)
		if err != nil {
			return err
		}
		return fn(ctx, e, engine.Actor{User: u, Role: role})
	})
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
