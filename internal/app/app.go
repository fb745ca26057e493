// Package app wires configuration, storage and the domain services into one
// runnable unit.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"coachline/internal/agent"
	"coachline/internal/config"
	"coachline/internal/db"
	"coachline/internal/events"
	"coachline/internal/identity"
	"coachline/internal/migrate"
	"coachline/internal/permission"
	"coachline/internal/repo"
	"coachline/internal/webhook"
)

type Options struct {
	Config *config.Config
	Logger zerolog.Logger
	Now    func() time.Time
}

// App owns the services built from one Config. Close releases the database.
type App struct {
	Config   *config.Config
	DB       *sql.DB
	Engine   *permission.Engine
	Cache    *permission.Cache
	Identity *identity.Service
	Agents   *agent.Orchestrator
	Events   events.Sink
	// Callbacks is nil when callback delivery is disabled.
	Callbacks *webhook.Dispatcher
	Log       zerolog.Logger
}

func New(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	a := &App{Config: cfg, Log: opts.Logger}

	rules, err := cfg.Rules()
	if err != nil {
		return nil, err
	}
	if a.Engine, err = permission.NewEngine(rules); err != nil {
		return nil, err
	}
	if cfg.Permissions.CacheSize > 0 {
		if a.Cache, err = permission.NewCache(a.Engine, cfg.Permissions.CacheSize); err != nil {
			return nil, err
		}
	}

	var (
		accounts identity.AccountStore
		tasks    agent.TaskStore
		execs    agent.ExecutionStore
	)
	switch cfg.Service.Storage {
	case config.StorageMemory:
		mem := agent.NewMemoryStore()
		accounts, tasks, execs = identity.NewMemoryAccountStore(), mem, mem
		a.Events = &events.Memory{Now: now}
	default:
		conn, err := db.Open(db.Config{Workspace: cfg.Service.Workspace})
		if err != nil {
			return nil, err
		}
		applied, err := migrate.Migrate(ctx, conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		if len(applied) > 0 {
			a.Log.Info().Strs("migrations", applied).Msg("schema migrated")
		}
		a.DB = conn
		r := repo.Repo{DB: conn}
		accounts, tasks, execs = r.Accounts(), r, r
		a.Events = events.Writer{DB: conn, Now: now}
	}

	a.Identity, err = identity.New(identity.Options{
		Store:  accounts,
		Engine: a.Engine,
		Cache:  a.Cache,
		Events: a.Events,
		Logger: a.Log,
		Now:    now,
		Config: identity.Config{
			JWTSecret:        cfg.Auth.JWTSecret,
			Issuer:           cfg.Auth.Issuer,
			TokenTTL:         cfg.Auth.TokenTTL,
			RefreshTTL:       cfg.Auth.RefreshTTL,
			PBKDF2Iterations: cfg.Auth.PBKDF2Iterations,
		},
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	agentOpts := agent.Options{
		Tasks:          tasks,
		Executions:     execs,
		Catalogue:      cfg.Catalogue(),
		Events:         a.Events,
		Logger:         a.Log,
		Now:            now,
		DefaultTimeout: cfg.Agents.DefaultTimeout,
	}
	if cfg.Callbacks.Enabled {
		a.Callbacks = webhook.New(webhook.Config{
			Timeout:   cfg.Callbacks.Timeout,
			Attempts:  cfg.Callbacks.Attempts,
			QueueSize: cfg.Callbacks.QueueSize,
			Secret:    cfg.Callbacks.Secret,
			Statuses:  cfg.Callbacks.Statuses,
			Events:    a.Events,
			Logger:    a.Log,
			Now:       now,
		})
		agentOpts.Notifier = a.Callbacks
	}
	a.Agents, err = agent.New(agentOpts)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	err := a.DB.Close()
	a.DB = nil
	return err
}

// EventLog returns the SQL event writer when the app runs on SQLite.
func (a *App) EventLog() (events.Writer, bool) {
	w, ok := a.Events.(events.Writer)
	return w, ok
}

// NewLogger builds the process logger. Unknown levels fall back to info.
func NewLogger(w io.Writer, level string, console bool) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Background runs the expired-task sweeper and, when enabled, the callback
// dispatcher until ctx ends.
func (a *App) Background(ctx context.Context, purgeEvery time.Duration) {
	if a.Callbacks != nil {
		go a.Callbacks.Run(ctx)
	}
	go a.PurgeExpired(ctx, purgeEvery)
}

// PurgeExpired removes expired agent tasks every interval until ctx ends.
func (a *App) PurgeExpired(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := a.Agents.PurgeExpiredTasks(ctx)
			if err != nil {
				a.Log.Warn().Err(err).Msg("purge expired tasks")
				continue
			}
			if len(ids) > 0 {
				a.Log.Debug().Int("count", len(ids)).Msg("expired tasks purged")
			}
		}
	}
}
