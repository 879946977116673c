package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fotomator/internal/chat"
	"fotomator/internal/chat/slack"
	tgchat "fotomator/internal/chat/telegram"
	"fotomator/internal/config"
	"fotomator/internal/eventbus"
	"fotomator/internal/monitor"
	"fotomator/internal/notify"
	"fotomator/internal/prefs"
	rtsup "fotomator/internal/runtime/supervisor"
	"fotomator/internal/storage"
	kit "fotomator/internal/transport"
	telegram "fotomator/internal/transport/telegram/adapter"
	"fotomator/internal/watcher"
	logx "fotomator/pkg/logx"
)

// KeyringService names the OS keyring entry holding the Slack token.
const KeyringService = "fotomator"

// Options tune NewApp.
type Options struct {
	// Offline builds the app for one-shot CLI commands: the bot API is not
	// contacted during construction and nothing polls.
	Offline bool
	// DryRun keeps records in memory and logs uploads instead of sending them.
	DryRun bool
}

type App struct {
	cfgPath string
	opts    Options

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	prefs *prefs.Prefs
	sd    sdNotifier

	adapter   *telegram.Adapter // nil when telegram is disabled
	chatPres  *notify.ChatPresenter
	presenter notify.Presenter
	client    chat.Client
	slack     *slack.Client // nil when uploads go to telegram

	watch *watcher.Watcher
	mon   *monitor.Service

	updates chan kit.Update
}

func NewApp(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg), nil)
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfgPath: cfgPath,
		opts:    opts,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		sd:      sdNotifier{log: log.With(logx.String("comp", "systemd"))},
		updates: make(chan kit.Update, 256),
	}
	if err := a.build(cfg); err != nil {
		_ = a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	root := a.logs.Logger()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	if a.opts.DryRun {
		sc = storage.Config{Driver: "memory"}
	}
	st, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = st
	a.log.Debug("storage opened", logx.String("driver", sc.Driver))

	a.prefs = prefs.New(st, prefs.Keyring{Service: KeyringService}, root.With(logx.String("comp", "prefs")))

	if cfg.Telegram.Enabled {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return err
		}
		ad, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: pollTimeout,
			APIURL:      cfg.Telegram.APIURL,
			Offline:     a.opts.Offline,
		}, root.With(logx.String("comp", "telegram")))
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		a.adapter = ad
		a.chatPres = notify.NewChatPresenter(ad, kit.ChatTarget{ChatID: cfg.Telegram.ChatID}, root.With(logx.String("comp", "notify")))
		a.presenter = a.chatPres

		if chatID, thread, ok := logTarget(cfg); ok {
			a.logs.SetChatSender(telegram.LogSink{Adapter: ad, Target: kit.ChatTarget{ChatID: chatID, ThreadID: thread}})
		}
	} else {
		a.presenter = notify.NewLogPresenter(root.With(logx.String("comp", "notify")))
	}

	if cfg.Slack.Enabled {
		slc, err := mapSlackConfig(cfg)
		if err != nil {
			return err
		}
		a.slack = slack.New(slc, a.prefs.Token, root)
		a.client = a.slack
	} else {
		if a.adapter == nil {
			return errors.New("telegram uploads need telegram.enabled")
		}
		a.client = tgchat.New(a.adapter, mapDestinations(cfg), root)
	}
	if a.opts.DryRun {
		a.client = dryRunClient{Client: a.client, log: root.With(logx.String("comp", "dry-run"))}
	}

	wc, err := mapWatcherConfig(cfg)
	if err != nil {
		return err
	}
	a.watch = watcher.New(wc, root.With(logx.String("comp", "watcher")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.seedToken(ctx, cfg)
}

// seedToken stores a token supplied through config or the environment when
// no authorization has been stored yet.
func (a *App) seedToken(ctx context.Context, cfg *config.Config) error {
	tok := strings.TrimSpace(cfg.Slack.Token)
	if !cfg.Slack.Enabled || tok == "" {
		return nil
	}
	cur, err := a.prefs.Token(ctx)
	if err != nil {
		return err
	}
	if cur != "" {
		return nil
	}
	a.log.Info("storing slack token from config")
	return a.prefs.SetToken(ctx, tok)
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Monitor exposes the monitoring service once Start has run.
func (a *App) Monitor() *monitor.Service { return a.mon }

func (a *App) Start(ctx context.Context) error {
	if a.opts.Offline {
		return errors.New("app built offline cannot start")
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	cfg := a.cfgm.Get()
	mc, err := mapMonitorConfig(cfg)
	if err != nil {
		return err
	}
	a.mon = monitor.New(a.sup.Context(), mc, monitor.Deps{
		Store:     a.store,
		Prefs:     a.prefs,
		Client:    a.client,
		Presenter: a.presenter,
		Media:     a.watch,
		Bus:       a.bus,
		OnStatus:  a.sd.Status,
		Log:       a.logs.Logger(),
	})

	if a.adapter != nil {
		if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
		a.sup.Go0("telegram.menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 10*time.Second)
			defer cancel()
			if err := a.adapter.UpdateMenuCommands(mctx, menuCommands); err != nil {
				a.log.Debug("menu update failed", logx.Err(err))
			}
		})
		a.sup.Go0("updates.dispatch", func(c context.Context) { a.dispatchLoop(c) })
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(e)
			}
		}
	})

	updates, unsubCfg := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer unsubCfg()
		a.reloadLoop(c, updates)
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, rtsup.WithRestartBackoff(250*time.Millisecond, 5*time.Second))

	if err := a.applyAutoStop(ctx, cfg); err != nil {
		a.log.Warn("auto-stop from config not applied", logx.Err(err))
	}
	a.resume(ctx)

	a.sd.Ready()
	a.log.Info("app started")
	return nil
}

func (a *App) logEvent(e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.MediaState:
		a.log.Debug("photo state", logx.URI(d.URI), logx.String("state", string(d.State)), logx.Int("failed_count", d.FailedCount))
	case eventbus.Session:
		if d.Running {
			a.log.Debug("session started", logx.Session(d.ID))
		} else {
			a.log.Debug("session ended", logx.Session(d.ID), logx.String("reason", d.Reason))
		}
	}
}

// resume restarts monitoring when it was enabled before the last shutdown.
func (a *App) resume(ctx context.Context) {
	on, err := a.prefs.MonitoringEnabled(ctx)
	if err != nil {
		a.log.Warn("read monitoring flag failed", logx.Err(err))
		return
	}
	if !on {
		a.sd.Status("Stopped")
		return
	}
	switch err := a.mon.Start(ctx); {
	case err == nil:
	case errors.Is(err, monitor.ErrDeadlinePassed):
		a.log.Info("auto-stop deadline passed while down; monitoring disabled")
		a.sd.Status("Stopped")
	case errors.Is(err, monitor.ErrNotConfigured):
		a.log.Warn("monitoring enabled but not configured; run `fotomator channels` and `fotomator auth`")
	default:
		a.log.Error("monitoring failed to start", logx.Err(err))
	}
}

func (a *App) applyAutoStop(ctx context.Context, cfg *config.Config) error {
	at, err := config.ParseTimeField("monitor.auto_stop_at", cfg.Monitor.AutoStopAt)
	if err != nil || at == nil {
		return err
	}
	return a.mon.SetAutoStop(ctx, at)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Shutdown keeps the persisted monitoring flag so the next boot resumes.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(sctx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("monitor", 35*time.Second, func(c context.Context) error { return a.mon.Close(c) })
	a.sup.Cancel()
	if a.adapter != nil {
		step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	}
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	if n := a.bus.Dropped(); n > 0 {
		a.log.Debug("events dropped by slow subscribers", logx.Int("count", int(n)))
	}
	a.log.Info("stopped")
	return a.close()
}

func (a *App) close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
		a.store = nil
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// Close releases resources of an app that was never started.
func (a *App) Close() error { return a.close() }
