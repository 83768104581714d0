package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/soyeahso/switchboard/internal/agent"
	"github.com/soyeahso/switchboard/internal/channel"
	"github.com/soyeahso/switchboard/internal/channel/irc"
	"github.com/soyeahso/switchboard/internal/channel/onebot"
	"github.com/soyeahso/switchboard/internal/commands"
	"github.com/soyeahso/switchboard/internal/config"
	"github.com/soyeahso/switchboard/internal/dispatch"
	"github.com/soyeahso/switchboard/internal/gateway"
	"github.com/soyeahso/switchboard/internal/history"
	"github.com/soyeahso/switchboard/internal/hooks"
	"github.com/soyeahso/switchboard/internal/images"
	"github.com/soyeahso/switchboard/internal/llm"
	"github.com/soyeahso/switchboard/internal/logging"
	"github.com/soyeahso/switchboard/internal/metrics"
	"github.com/soyeahso/switchboard/internal/plugin"
	"github.com/soyeahso/switchboard/internal/routing"
	"github.com/soyeahso/switchboard/internal/scheduler"
	"github.com/soyeahso/switchboard/internal/session"
	"github.com/soyeahso/switchboard/internal/store"
	"github.com/soyeahso/switchboard/internal/tools"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 30 * time.Second
	unloadInterval  = time.Minute
)

func newServeCmd() *cobra.Command {
	var (
		port int
		bind string
		mode string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher with every configured channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Gateway.Port = port
			}
			if bind != "" {
				cfg.Gateway.Bind = bind
			}
			if mode != "" {
				cfg.Dispatch.Mode = mode
			}
			if issues := config.Validate(&cfg); len(issues) > 0 {
				for _, issue := range issues {
					log.Error().Str("path", issue.Path).Msg(issue.Message)
				}
				return fmt.Errorf("config validation failed with %d issue(s)", len(issues))
			}

			root, closer, err := openLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			a, err := newApp(ctx, cfg, root)
			if err != nil {
				return err
			}
			defer a.close()
			return a.run(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override gateway port")
	cmd.Flags().StringVar(&bind, "bind", "", "override gateway bind mode (loopback, lan, custom)")
	cmd.Flags().StringVar(&mode, "mode", "", "override dispatch mode (serial-per-chat, fully-parallel)")
	return cmd
}

// openLogger builds the root logger from config. The --log-level flag
// wins over the file.
func openLogger(lc config.LoggingConfig) (*logging.Logger, io.Closer, error) {
	level := lc.Level
	if logLevel != "" {
		level = logLevel
	}
	file := lc.File
	if file != "" && !filepath.IsAbs(file) {
		file = filepath.Join(paths.Logs, file)
	}
	return logging.Open(logging.Options{Level: level, Style: lc.ConsoleStyle, File: file})
}

func openHistory(cfg config.HistoryConfig, log *logging.Logger) (history.Store, func(), error) {
	if cfg.Store != "sqlite" {
		log.Info().Msg("using in-memory history store")
		return history.NewMemoryStore(), func() {}, nil
	}
	db, err := store.Open(paths.History, log)
	if err != nil {
		return nil, nil, fmt.Errorf("opening history database: %w", err)
	}
	log.Info().Str("path", paths.History).Msg("using SQLite history store")
	return store.NewSQLiteHistoryStore(db), func() { db.Close() }, nil
}

// app holds the wired components of a running switchboard.
type app struct {
	cfg        config.Config
	log        *logging.Logger
	hist       *history.CachedStore
	tools      *tools.Manager
	toolDir    string
	models     *llm.Registry
	client     *agent.FailoverClient
	commands   *commands.Registry
	scheduler  *scheduler.Scheduler
	sessions   *session.Registry
	dispatcher *dispatch.Dispatcher
	channels   *channel.Registry
	gateway    *gateway.Server
	hooks      *hooks.Manager
	closers    []func()
}

// newApp builds every component from cfg. Nothing runs until run.
func newApp(ctx context.Context, cfg config.Config, log *logging.Logger) (a *app, err error) {
	if err := paths.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("creating data directories: %w", err)
	}
	raw, err := config.LoadRaw(paths.Config)
	if err != nil {
		return nil, err
	}

	a = &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	m := metrics.New()
	hookMgr := hooks.NewManager(log)
	a.hooks = hookMgr
	if n := hookMgr.RegisterCommands(cfg.Hooks); n > 0 {
		log.Info().Int("hooks", n).Msg("registered hook commands")
	}

	backend, closeHistory, err := openHistory(cfg.History, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeHistory)
	idle := time.Duration(cfg.History.UnloadAfterMinutes) * time.Minute
	a.hist = history.NewCachedStore(backend, idle, log)
	if err := a.hist.Start(unloadInterval); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.hist.Stop)

	resolver, err := images.New(cfg.Images, m, log)
	if err != nil {
		return nil, err
	}

	a.toolDir = cfg.Tools.Dir
	if a.toolDir == "" {
		a.toolDir = paths.Tools
	}
	toolReg := agent.NewToolRegistry(cfg.Agent.ToolTimeout())
	a.tools = tools.NewManager(tools.Options{
		Dir:      a.toolDir,
		Disabled: cfg.Tools.Disabled,
		Builtins: func() []plugin.Plugin { return []plugin.Plugin{tools.NewPromptService(a.hist)} },
		Hooks:    hookMgr,
	}, toolReg, log)
	a.closers = append(a.closers, a.tools.Close)
	if n, err := a.tools.Reload(ctx); err != nil {
		log.Warn().Err(err).Msg("some tool services failed to load")
	} else {
		log.Info().Int("tools", n).Str("dir", a.toolDir).Msg("tools loaded")
	}

	a.models, err = llm.NewRegistryFromConfig(cfg.Models, log)
	if err != nil {
		return nil, err
	}
	if len(a.models.List()) == 0 {
		log.Warn().Msg("no model providers configured, model sessions will fail")
	}
	a.client = agent.NewFailoverClient(a.models, cfg.Models.Fallbacks, log)
	executor := agent.NewExecutor(toolReg, cfg.Agent.ToolConcurrency, m, log)
	loop := agent.NewLoop(executor, cfg.Agent.MaxRounds, m, log)

	a.commands = commands.New(commands.Options{
		Commands:            cfg.Commands,
		Models:              cfg.Models,
		DefaultToolsEnabled: cfg.Agent.DefaultToolsEnabled,
		History:             a.hist,
		Tools:               a.tools,
		Metrics:             m,
	}, log)

	a.channels = channel.NewRegistry(log)
	if ob := cfg.Channels.OneBot; ob != nil {
		if err := a.channels.Register(onebot.New(*ob, a.commands.IsCommand, log)); err != nil {
			return nil, err
		}
	}
	if ic := cfg.Channels.IRC; ic != nil {
		if err := a.channels.Register(irc.New(*ic, a.commands.IsCommand, log)); err != nil {
			return nil, err
		}
	}

	router := routing.NewRouter(a.channels, nil, hookMgr, m, log)
	a.scheduler = scheduler.New(scheduler.Options{
		Settings: scheduler.SettingsFrom(&cfg),
		Commands: a.commands,
		History:  a.hist,
		Images:   resolver,
		Tools:    toolReg,
		Loop:     loop,
		Client:   a.client,
		Sender:   router,
		Hooks:    hookMgr,
	}, log)

	mode, err := dispatch.ParseMode(cfg.Dispatch.Mode)
	if err != nil {
		return nil, err
	}
	a.sessions = session.NewRegistry(session.Config{
		MaxSessions:    cfg.Dispatch.MaxSessions,
		Timeout:        cfg.Dispatch.SessionTimeout(),
		ReaperInterval: cfg.Dispatch.ReaperInterval(),
	}, log)
	a.dispatcher = dispatch.New(mode, a.sessions, a.scheduler, log, dispatch.WithMetrics(m))
	router.SetDispatcher(a.dispatcher)

	if cfg.Gateway.Enabled {
		a.gateway = gateway.New(cfg, log,
			gateway.WithConfigRaw(raw),
			gateway.WithStatus(a.dispatcher),
			gateway.WithTools(a.tools),
			gateway.WithChannels(a.channels),
			gateway.WithHooks(hookMgr),
			gateway.WithMetrics(m),
		)
		if err := a.channels.Register(a.gateway.Channel()); err != nil {
			return nil, err
		}
	}
	router.Wire()
	return a, nil
}

// run starts channels and background loops, blocks until ctx is done,
// then drains the dispatcher.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.sessions.Run(gctx)
		return nil
	})
	g.Go(func() error {
		err := config.Watch(gctx, paths.Config, a.log, a.reload)
		if err != nil {
			a.log.Warn().Err(err).Msg("config hot reload disabled")
		}
		return nil
	})
	if a.cfg.Tools.Watch {
		g.Go(func() error {
			if err := a.tools.Watch(gctx); err != nil {
				a.log.Warn().Err(err).Str("dir", a.toolDir).Msg("tool directory watch disabled")
			}
			return nil
		})
	}
	if a.gateway != nil {
		g.Go(func() error { return a.gateway.Start(gctx) })
	}

	if err := a.channels.StartAll(gctx); err != nil {
		a.log.Error().Err(err).Msg("starting channels")
	}
	a.log.Info().
		Str("mode", a.dispatcher.Mode().String()).
		Int("maxSessions", a.cfg.Dispatch.MaxSessions).
		Strs("channels", a.channels.List()).
		Msg("switchboard running")

	<-gctx.Done()
	a.log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if dropped := a.dispatcher.Shutdown(shutdownCtx); len(dropped) > 0 {
		a.log.Warn().Int("dropped", len(dropped)).Msg("queued messages dropped at shutdown")
		a.scheduler.Decline(shutdownCtx, dropped)
	}
	a.channels.StopAll(shutdownCtx)

	err := g.Wait()
	if werr := a.hooks.Wait(shutdownCtx); werr != nil {
		a.log.Warn().Err(werr).Msg("hook deliveries still running at exit")
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// reload pushes a reloaded config into the running components. Provider
// endpoints and channel connections keep their startup values.
func (a *app) reload(cfg config.Config) {
	if logLevel == "" {
		a.log.SetLevel(cfg.Logging.Level)
	}
	a.scheduler.Update(scheduler.SettingsFrom(&cfg))
	a.commands.Update(cfg.Commands, cfg.Models, cfg.Agent.DefaultToolsEnabled)
	a.tools.SetDisabled(cfg.Tools.Disabled)
	for _, entry := range cfg.Models.Catalog {
		a.models.Alias(entry.ID, entry.Provider)
	}
	a.client.SetFallbacks(cfg.Models.Fallbacks)
	if a.gateway != nil {
		if raw, err := config.LoadRaw(paths.Config); err == nil {
			a.gateway.SetConfigRaw(raw)
		}
	}
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
