package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/soyeahso/agentcron/internal/api"
	"github.com/soyeahso/agentcron/internal/budget"
	"github.com/soyeahso/agentcron/internal/config"
	"github.com/soyeahso/agentcron/internal/domain"
	"github.com/soyeahso/agentcron/internal/engine"
	"github.com/soyeahso/agentcron/internal/fleet"
	"github.com/soyeahso/agentcron/internal/hooks"
	"github.com/soyeahso/agentcron/internal/llm"
	"github.com/soyeahso/agentcron/internal/logging"
	"github.com/soyeahso/agentcron/internal/notify"
	"github.com/soyeahso/agentcron/internal/scheduler"
	"github.com/soyeahso/agentcron/internal/secrets"
	"github.com/soyeahso/agentcron/internal/store"
	"github.com/soyeahso/agentcron/internal/toolpool"
	"github.com/soyeahso/agentcron/internal/watcher"
	"github.com/spf13/cobra"
)

// shutdownGrace bounds how long in-flight runs may keep going after a
// shutdown signal.
const shutdownGrace = 30 * time.Second

func newServeCmd() *cobra.Command {
	var (
		port int
		bind string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, the agents and the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			if bind != "" {
				cfg.Server.Bind = bind
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				for _, issue := range issues {
					log.Error().Str("path", issue.Path).Msg(issue.Message)
				}
				return fmt.Errorf("config validation failed with %d issue(s)", len(issues))
			}
			if err := paths.EnsureDirs(); err != nil {
				return fmt.Errorf("creating directories: %w", err)
			}

			level := logLevel
			if level == "" {
				level = cfg.Logging.Level
			}
			log = logging.NewConsole(level, cfg.Logging.ConsoleStyle)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := newDaemon(ctx, cfg, paths, log)
			if err != nil {
				return err
			}
			defer d.close()
			return d.run(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "control API port (overrides config)")
	cmd.Flags().StringVar(&bind, "bind", "", "bind mode: loopback, lan or custom (overrides config)")
	return cmd
}

// daemon is the fully wired process.
type daemon struct {
	cfg    config.Config
	paths  config.Paths
	log    *logging.Logger
	db     *store.DB
	hooks  *hooks.Manager
	ledger *budget.Ledger
	pool   *toolpool.Pool
	sched  *scheduler.Scheduler
	fleet  *fleet.Fleet
	server *api.Server
	irc    *notify.IRC
}

func newDaemon(ctx context.Context, cfg config.Config, p config.Paths, log *logging.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, paths: p, log: log}

	dbPath := p.Database(cfg)
	db, err := store.Open(dbPath, log)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	d.db = db
	log.Info().Str("path", dbPath).Msg("run ledger opened")
	d.recoverOrphans(ctx)

	keyring, err := secrets.LoadOptional(p.Identity)
	if err != nil {
		d.close()
		return nil, fmt.Errorf("loading identity: %w", err)
	}

	registry, err := llm.NewRegistryFromConfig(cfg.LLM, log)
	if err != nil {
		d.close()
		return nil, err
	}

	d.hooks = hooks.NewManager(log)
	d.ledger = budget.New(cfg.Budget.DailyTokens, nil, log)
	d.pool = toolpool.New(nil, log, toolpool.WithKeyring(keyring), toolpool.WithDefaultTimeout(cfg.Engine.ToolTimeout))

	eng := engine.New(engine.Deps{
		Store:  db,
		Tools:  d.pool,
		Models: registry,
		Ledger: d.ledger,
		Hooks:  d.hooks,
	}, engine.OptionsFromConfig(cfg), log)

	d.sched = scheduler.New(eng, log, scheduler.WithHooks(d.hooks))
	d.fleet = fleet.New(p, d.sched, d.ledger, d.pool, log)
	if err := d.fleet.InstallSystemJobs(); err != nil {
		d.close()
		return nil, err
	}
	if err := d.fleet.Reload(ctx); err != nil {
		d.close()
		return nil, fmt.Errorf("loading documents: %w", err)
	}

	if cfg.Notify.IRC != nil {
		d.irc = notify.NewIRC(*cfg.Notify.IRC, log)
		notify.New(d.irc, log).Attach(d.hooks)
	}

	d.server = api.New(cfg.Server, api.Deps{
		Runs:           db,
		Scheduler:      d.sched,
		Fleet:          d.fleet,
		Budget:         d.ledger,
		Hooks:          d.hooks,
		MonthlyCostCap: cfg.Budget.MonthlyCostUSD,
	}, log)
	return d, nil
}

// recoverOrphans fails runs left pending or running by a previous process.
func (d *daemon) recoverOrphans(ctx context.Context) {
	runs, err := d.db.ActiveRuns(ctx)
	if err != nil {
		d.log.Warn().Err(err).Msg("listing unfinished runs")
		return
	}
	now := time.Now().UTC()
	failed := domain.RunFailed
	reason := "interrupted: process restarted"
	for _, r := range runs {
		if err := d.db.UpdateRun(ctx, r.ID, store.RunUpdate{Status: &failed, FinishedAt: &now, Error: &reason}); err != nil {
			d.log.Warn().Err(err).Str("run", r.ID).Msg("failing orphaned run")
			continue
		}
		r.Status, r.FinishedAt, r.Error = failed, &now, reason
		if err := d.db.RecordOutcome(ctx, &r); err != nil {
			d.log.Warn().Err(err).Str("run", r.ID).Msg("recording orphaned run")
		}
	}
	if len(runs) > 0 {
		d.log.Warn().Int("runs", len(runs)).Msg("orphaned runs marked failed")
	}
}

// run starts every background component and blocks serving the API until
// ctx is canceled.
func (d *daemon) run(ctx context.Context) error {
	d.sched.Start()

	if d.cfg.Reload.Enabled() {
		w := watcher.New(d.paths.Documents(), d.fleet.Reload, d.cfg.Reload.Debounce, d.log, watcher.WithHooks(d.hooks))
		go func() {
			if err := w.Run(ctx); err != nil {
				d.log.Error().Err(err).Msg("document watcher stopped")
			}
		}()
	}

	if d.irc != nil {
		go func() {
			if err := d.irc.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.log.Warn().Err(err).Msg("IRC alerts unavailable")
			}
		}()
	}

	err := d.server.Start(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if serr := d.sched.Stop(stopCtx); serr != nil {
		d.log.Warn().Err(serr).Msg("runs canceled at shutdown")
	}
	return err
}

func (d *daemon) close() {
	if d.irc != nil {
		d.irc.Stop()
	}
	if d.pool != nil {
		if err := d.pool.CloseAll(); err != nil {
			d.log.Warn().Err(err).Msg("closing tool connections")
		}
	}
	if d.db != nil {
		d.db.Close()
	}
}
