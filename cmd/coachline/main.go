package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"coachline/internal/app"
	"coachline/internal/config"
	"coachline/internal/db"
	"coachline/internal/identity"
	"coachline/internal/migrate"
	"coachline/internal/permission"
	"coachline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "coachline",
	Short: "Coachline CLI",
	Long: `Coachline gates coaching work behind a role, level, certification and status
permission model and routes AI agent suggestions through human review.
- Workspace: the .coachline directory holding the SQLite database; coachline.yml sits next to it.
- Rules: an ordered table; the first satisfied rule allows, everything else is denied.
- Agents: rule-based or pluggable handlers that turn a task context into suggestions.
- Reviews: risky or low-confidence output must be accepted, modified or rejected by a coach.
- Event log: audit trail of logins, role changes, executions and feedback ('coachline events').`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("COACHLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/coachline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level override")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(permsCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(accountsCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(eventsCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var purgeEvery time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Migrate the database and start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Service.Addr = addr
			}
			if basePath != "" {
				cfg.Service.BasePath = basePath
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log := app.NewLogger(os.Stderr, logLevel(cfg), true)
			a, err := app.New(ctx, app.Options{Config: cfg, Logger: log})
			if err != nil {
				return err
			}
			defer a.Close()

			srvCfg := server.Config{
				Identity: a.Identity,
				Engine:   a.Engine,
				Agents:   a.Agents,
				BasePath: cfg.Service.BasePath,
				Logger:   log.With().Str("component", "http").Logger(),
			}
			if w, ok := a.EventLog(); ok {
				srvCfg.EventLog = &w
			}
			handler, err := server.New(srvCfg)
			if err != nil {
				return err
			}
			a.Background(ctx, purgeEvery)

			srv := &http.Server{Addr: cfg.Service.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("shutdown")
				}
			}()
			base := cfg.Service.BasePath
			if base == "" {
				base = "/v1"
			}
			log.Info().Str("addr", cfg.Service.Addr).Str("base_path", base).Str("storage", cfg.Service.Storage).Msg("serving Coachline API")
			fmt.Printf("Serving Coachline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", cfg.Service.Addr, base, base, base)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides service.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides service.base_path)")
	cmd.Flags().DurationVar(&purgeEvery, "purge-every", time.Minute, "interval between expired task sweeps")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Workspace configuration",
	}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default coachline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o600); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (secret redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			redacted := *cfg
			redacted.Auth.JWTSecret = "********"
			return printJSON(redacted)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the workspace configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rules, _ := cfg.Rules()
			res := map[string]any{
				"valid":     true,
				"rules":     len(rules),
				"agents":    len(cfg.Catalogue()),
				"storage":   cfg.Service.Storage,
				"workspace": cfg.Service.Workspace,
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			fmt.Printf("config OK: %d rules, %d agents, %s storage\n", len(rules), len(cfg.Catalogue()), cfg.Service.Storage)
			return nil
		},
	}
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Permission rule table",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active rules in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rules, err := cfg.Rules()
			if err != nil {
				return err
			}
			specs := make([]permission.RuleSpec, 0, len(rules))
			for _, r := range rules {
				specs = append(specs, r.Spec())
			}
			return printJSONOrTable(specs, func(tw table.Writer) {
				tw.AppendHeader(table.Row{"#", "ID", "Permission", "Roles", "Levels", "Certifications", "Statuses", "Predicate"})
				for i, s := range specs {
					tw.AppendRow(table.Row{
						i + 1, s.ID, s.Resource + ":" + s.Action,
						strings.Join(s.Roles, ","), levelRange(s.MinLevel, s.MaxLevel),
						strings.Join(s.Certifications, ","), strings.Join(s.Statuses, ","), s.Predicate,
					})
				}
			})
		},
	})
	return cmd
}

type identityFlags struct {
	role   string
	level  int
	certs  []string
	status string
}

func (f *identityFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.role, "role", string(permission.RoleUser), "role")
	cmd.Flags().IntVar(&f.level, "level", -1, "level (default: role default)")
	cmd.Flags().StringSliceVar(&f.certs, "cert", nil, "certification (repeatable; default: role defaults)")
	cmd.Flags().StringVar(&f.status, "status", string(permission.StatusActive), "account status")
}

func (f *identityFlags) identity() (permission.Identity, error) {
	role := permission.Role(f.role)
	profile, ok := permission.ProfileFor(role)
	if !ok {
		return permission.Identity{}, fmt.Errorf("unknown role %q", f.role)
	}
	id := permission.Identity{
		ID:             "cli",
		Role:           role,
		Level:          profile.DefaultLevel,
		Certifications: profile.DefaultCertifications,
		Status:         permission.Status(f.status),
	}
	if f.level >= 0 {
		id.Level = f.level
	}
	if f.certs != nil {
		id.Certifications = f.certs
	}
	return id, nil
}

func permsCmd() *cobra.Command {
	var flags identityFlags
	cmd := &cobra.Command{
		Use:   "perms",
		Short: "Effective permissions for a role/level/certification/status combination",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEngine()
			if err != nil {
				return err
			}
			id, err := flags.identity()
			if err != nil {
				return err
			}
			perms := e.UserPermissions(id)
			res := map[string]any{"identity": id, "permissions": perms}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			fmt.Printf("%s level %d [%s] %s\n", id.Role, id.Level, strings.Join(id.Certifications, ","), id.Status)
			tw := newTable()
			tw.AppendHeader(table.Row{"Resource", "Actions"})
			byResource := map[string][]string{}
			for _, p := range perms {
				r, act, _ := permission.ParseKey(p)
				byResource[string(r)] = append(byResource[string(r)], string(act))
			}
			names := make([]string, 0, len(byResource))
			for n := range byResource {
				names = append(names, n)
			}
			sort.Strings(names)
			for _, n := range names {
				tw.AppendRow(table.Row{n, strings.Join(byResource[n], ", ")})
			}
			tw.Render()
			return nil
		},
	}
	flags.bind(cmd)
	return cmd
}

func checkCmd() *cobra.Command {
	var flags identityFlags
	var risk, owner, subjectCoach, subject string
	cmd := &cobra.Command{
		Use:   "check <resource> <action>",
		Short: "Explain a single permission decision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEngine()
			if err != nil {
				return err
			}
			id, err := flags.identity()
			if err != nil {
				return err
			}
			if subject != "" {
				id.ID = subject
			}
			rc := &permission.RequestContext{
				RiskLevel:      permission.RiskLevel(risk),
				OwnerID:        owner,
				SubjectCoachID: subjectCoach,
			}
			res, err := e.Check(&id, permission.Resource(args[0]), permission.Action(args[1]), rc)
			if err != nil {
				return err
			}
			return printJSONOrTable(res, func(tw table.Writer) {
				tw.AppendHeader(table.Row{"Allowed", "Reason", "Matched rule", "Required level", "Required certifications"})
				required := ""
				if res.RequiredLevel != nil {
					required = fmt.Sprint(*res.RequiredLevel)
				}
				tw.AppendRow(table.Row{res.Allowed, res.Reason, res.MatchedRule, required, strings.Join(res.RequiredCertifications, ",")})
			})
		},
	}
	flags.bind(cmd)
	cmd.Flags().StringVar(&risk, "risk", "", "request risk level (low|medium|high)")
	cmd.Flags().StringVar(&owner, "owner", "", "owner id of the target resource")
	cmd.Flags().StringVar(&subjectCoach, "subject-coach", "", "coach id assigned to the target subject")
	cmd.Flags().StringVar(&subject, "as", "", "identity id used for ownership predicates")
	return cmd
}

func migrateCmd() *cobra.Command {
	var statusOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if statusOnly {
				st, err := migrate.CurrentStatus(cmd.Context(), conn)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("schema version %d of %d (pending: %t)\n", st.Current, st.Latest, st.Pending())
				return nil
			}
			applied, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"applied": applied})
			}
			if len(applied) == 0 {
				fmt.Println("schema up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Println("applied", name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&statusOnly, "status", false, "only report the schema version")
	return cmd
}

func accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage accounts directly in the workspace database",
	}
	cmd.AddCommand(accountsCreateCmd())
	cmd.AddCommand(accountsListCmd())
	return cmd
}

func accountsCreateCmd() *cobra.Command {
	var username, email, password, role, name, coachID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an account with any role (bootstrap admins and coaches)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = viper.GetString("password")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				acct, err := a.Identity.Register(ctx, identity.RegisterRequest{
					Username: username,
					Email:    email,
					Password: password,
					Role:     permission.Role(role),
					Name:     name,
					CoachID:  coachID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(acct, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Username", "Role", "Level", "Certifications", "Status"})
					tw.AppendRow(table.Row{acct.ID, acct.Username, acct.Role, acct.Level, strings.Join(acct.Certifications, ","), acct.Status})
				})
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "username")
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringVar(&password, "password", "", "password (or COACHLINE_PASSWORD)")
	cmd.Flags().StringVar(&role, "role", string(permission.RoleUser), "role")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&coachID, "coach-id", "", "assigned coach id")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func accountsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				list, err := a.Identity.Accounts(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(list, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Username", "Role", "Level", "Status", "Last login"})
					for _, acct := range list {
						tw.AppendRow(table.Row{acct.ID, acct.Username, acct.Role, acct.Level, acct.Status, acct.LastLoginAt})
					}
				})
			})
		},
	}
}

func agentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Agent catalogue and statistics",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				regs := a.Agents.Agents()
				return printJSONOrTable(regs, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Type", "Name", "Outputs", "Max concurrent", "Status"})
					for _, r := range regs {
						outs := make([]string, 0, len(r.OutputTypes))
						for _, o := range r.OutputTypes {
							outs = append(outs, string(o))
						}
						tw.AppendRow(table.Row{r.ID, r.Type, r.Name, strings.Join(outs, ","), r.MaxConcurrent, r.Status})
					}
				})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stats <agent-id>",
		Short: "Aggregate execution and feedback statistics for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Agents.AgentStats(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(st, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Metric", "Value"})
					tw.AppendRows([]table.Row{
						{"total", st.TotalTasks},
						{"successful", st.SuccessfulTasks},
						{"failed", st.FailedTasks},
						{"timed out", st.TimedOutTasks},
						{"avg confidence", fmt.Sprintf("%.2f", st.AvgConfidence)},
						{"avg response (ms)", fmt.Sprintf("%.1f", st.AvgResponseMS)},
						{"feedback", st.FeedbackCount},
						{"acceptance rate", fmt.Sprintf("%.2f", st.AcceptanceRate)},
						{"avg rating", fmt.Sprintf("%.2f", st.AvgRating)},
					})
				})
			})
		},
	})
	return cmd
}

func eventsCmd() *cobra.Command {
	var n int
	var entityID string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				w, ok := a.EventLog()
				if !ok {
					return errors.New("events are only persisted with sqlite storage")
				}
				list, err := w.List(ctx, entityID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(list, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor"})
					for _, evt := range list {
						tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	path := viper.GetString("config")
	if path == "" {
		return config.Load(workspace)
	}
	cfg, err := config.FromFile(path)
	if err != nil {
		return nil, err
	}
	if cfg.Service.Workspace == "" {
		cfg.Service.Workspace = workspace
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEngine() (*permission.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	rules, err := cfg.Rules()
	if err != nil {
		return nil, err
	}
	return permission.NewEngine(rules)
}

func logLevel(cfg *config.Config) string {
	if lvl := viper.GetString("log-level"); lvl != "" {
		return lvl
	}
	return cfg.Service.LogLevel
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, app.Options{Config: cfg, Logger: app.NewLogger(os.Stderr, logLevel(cfg), true)})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func levelRange(lo, hi *int) string {
	switch {
	case lo == nil && hi == nil:
		return ""
	case hi == nil:
		return fmt.Sprintf(">=%d", *lo)
	case lo == nil:
		return fmt.Sprintf("<=%d", *hi)
	case *lo == *hi:
		return fmt.Sprint(*lo)
	default:
		return fmt.Sprintf("%d-%d", *lo, *hi)
	}
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printJSONOrTable(v any, render func(table.Writer)) error {
	if viper.GetBool("json") || render == nil {
		return printJSON(v)
	}
	tw := newTable()
	render(tw)
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
