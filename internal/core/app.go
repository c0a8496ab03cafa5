// Package core wires the application together: configuration, logging,
// transport, storage, the polling engine and the chat front end, plus
// lifecycle (start order, hot reload, bounded shutdown).
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/DoctorSlayer/telegram-rss-bot-2/internal/bot"
	"github.com/DoctorSlayer/telegram-rss-bot-2/internal/config"
	"github.com/DoctorSlayer/telegram-rss-bot-2/internal/engine"
	"github.com/DoctorSlayer/telegram-rss-bot-2/internal/feed"
	"github.com/DoctorSlayer/telegram-rss-bot-2/internal/manager"
	"github.com/DoctorSlayer/telegram-rss-bot-2/internal/publish"
	"github.com/DoctorSlayer/telegram-rss-bot-2/internal/rewrite"
	"github.com/DoctorSlayer/telegram-rss-bot-2/internal/storage"
	"github.com/DoctorSlayer/telegram-rss-bot-2/internal/transport"
	"github.com/DoctorSlayer/telegram-rss-bot-2/internal/transport/telegram"
	"github.com/DoctorSlayer/telegram-rss-bot-2/pkg/logx"
)

// StopReason tags a shutdown for the logs.
type StopReason string

const (
	StopSignal StopReason = "signal"
	StopFatal  StopReason = "fatal"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service

	adapter *telegram.Adapter
	subs    *storage.SubscriptionStore
	seen    storage.SeenStore

	registry *feed.Registry
	eng      *engine.Engine
	mgr      *manager.Manager
	router   *bot.Router

	cron  *cron.Cron
	maint maintConfig

	updates chan transport.Update
}

type maintConfig struct {
	schedule  string
	maxAge    time.Duration
	perSource int
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	storCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	subs, err := storage.NewSubscriptionStore(storCfg.SubscriptionsPath, log.With(logx.String("comp", "subs")))
	if err != nil {
		return nil, err
	}
	seen, err := storage.OpenSeen(storCfg, log.With(logx.String("comp", "seen")))
	if err != nil {
		return nil, err
	}

	registry := feed.NewRegistry(cfg.Topics)

	engCfg, fetchTimeout, err := mapPollerConfig(cfg)
	if err != nil {
		return nil, err
	}
	fetcher := feed.NewFetcher(fetchTimeout)

	rwCfg, err := mapRewriteConfig(cfg)
	if err != nil {
		return nil, err
	}
	rewriter, err := rewrite.New(rwCfg, log.With(logx.String("comp", "rewrite")))
	if err != nil {
		return nil, err
	}

	pub := publish.New(publish.Config{
		RatePerSec: cfg.Publish.RatePerSec,
		RetryMax:   cfg.Publish.RetryMax,
	}, adapter, log.With(logx.String("comp", "publish")))

	eng := engine.New(engCfg, subs, seen, registry, fetcher, rewriter, pub,
		log.With(logx.String("comp", "engine")))

	mgr := manager.New(subs, registry, eng, cfg.Telegram.OwnerUserIDs,
		log.With(logx.String("comp", "manager")))

	router := bot.NewRouter(mgr, adapter, registry, log.With(logx.String("comp", "bot")))

	maint, err := mapMaintConfig(cfg)
	if err != nil {
		return nil, err
	}

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		adapter:  adapter,
		subs:     subs,
		seen:     seen,
		registry: registry,
		eng:      eng,
		mgr:      mgr,
		router:   router,
		maint:    maint,
		updates:  make(chan transport.Update, 256),
	}, nil
}

// Done is closed when the app run context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	// Resume polling for every user persisted as active.
	a.eng.Start(a.sup.Context())

	if a.maint.schedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(a.maint.schedule, a.pruneSeen); err != nil {
			return fmt.Errorf("maintenance.prune_schedule: %w", err)
		}
		c.Start()
		a.cron = c
	}

	a.sup.GoRestart("bot.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("topics", len(a.registry.Names())))
	return nil
}

func (a *App) pruneSeen() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	removed, err := a.seen.Prune(ctx, a.maint.maxAge, a.maint.perSource)
	if err != nil {
		a.log.Warn("seen prune failed", logx.Err(err))
		return
	}
	a.log.Info("seen prune done", logx.Int64("removed", removed))
}

// reloadLoop applies hot-reloadable settings from validated config updates.
// Settings that only take effect on restart are called out in the log.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			a.applyReload(last, newCfg)
			last = newCfg
		}
	}
}

func (a *App) applyReload(old, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	a.mgr.SetOwners(cfg.Telegram.OwnerUserIDs)

	if interval, err := config.ParseDurationOrDefault("poller.interval", cfg.Poller.Interval, 5*time.Minute); err == nil {
		a.eng.SetInterval(interval)
	}

	if maint, err := mapMaintConfig(cfg); err == nil {
		if maint.schedule == a.maint.schedule {
			a.maint = maint
		} else {
			a.log.Warn("maintenance.prune_schedule changed; restart required")
		}
	}

	if old != nil && restartRequired(old, cfg) {
		a.log.Warn("telegram/storage/rewrite/topics config changed; restart required for those changes")
	}

	a.log.Info("config reloaded")
}

func restartRequired(old, cfg *config.Config) bool {
	if old.Telegram.Token != cfg.Telegram.Token {
		return true
	}
	if old.Storage != cfg.Storage || old.Rewrite != cfg.Rewrite {
		return true
	}
	if len(old.Topics) != len(cfg.Topics) {
		return true
	}
	for name, oldSrc := range old.Topics {
		newSrc, ok := cfg.Topics[name]
		if !ok || len(oldSrc) != len(newSrc) {
			return true
		}
		for i := range oldSrc {
			if oldSrc[i] != newSrc[i] {
				return true
			}
		}
	}
	return false
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	if a.cron != nil {
		step("cron", 2*time.Second, func(c context.Context) error {
			stopped := a.cron.Stop()
			select {
			case <-stopped.Done():
			case <-c.Done():
				return c.Err()
			}
			return nil
		})
	}

	// Engine before adapter: in-flight fan-out still needs SendText.
	step("engine", 10*time.Second, func(c context.Context) error { return a.eng.Stop(c) })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("seen", 1*time.Second, func(context.Context) error { return a.seen.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// ---- config mapping ----

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if strings.TrimSpace(cfg.Storage.SubscriptionsPath) == "" {
		return storage.Config{}, errors.New("storage.subscriptions_path is required")
	}
	if strings.TrimSpace(cfg.Storage.SeenPath) == "" {
		return storage.Config{}, errors.New("storage.seen_path is required")
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		SubscriptionsPath: cfg.Storage.SubscriptionsPath,
		SeenPath:          cfg.Storage.SeenPath,
		BusyTimeout:       busy,
	}, nil
}

func mapPollerConfig(cfg *config.Config) (engine.Config, time.Duration, error) {
	interval, err := config.ParseDurationOrDefault("poller.interval", cfg.Poller.Interval, 5*time.Minute)
	if err != nil {
		return engine.Config{}, 0, err
	}
	fetchTimeout, err := config.ParseDurationOrDefault("poller.fetch_timeout", cfg.Poller.FetchTimeout, 20*time.Second)
	if err != nil {
		return engine.Config{}, 0, err
	}
	if cfg.Poller.ItemsPerSource < 0 {
		return engine.Config{}, 0, errors.New("poller.items_per_source must be >= 0")
	}
	return engine.Config{
		Interval:       interval,
		ItemsPerSource: cfg.Poller.ItemsPerSource,
	}, fetchTimeout, nil
}

func mapRewriteConfig(cfg *config.Config) (rewrite.Config, error) {
	timeout, err := config.ParseDurationOrDefault("rewrite.timeout", cfg.Rewrite.Timeout, 30*time.Second)
	if err != nil {
		return rewrite.Config{}, err
	}
	if cfg.Rewrite.RetryMax < 0 {
		return rewrite.Config{}, errors.New("rewrite.retry_max must be >= 0")
	}
	return rewrite.Config{
		BaseURL:  cfg.Rewrite.BaseURL,
		APIKey:   cfg.Rewrite.APIKey,
		Model:    cfg.Rewrite.Model,
		Timeout:  timeout,
		RetryMax: cfg.Rewrite.RetryMax,
	}, nil
}

func mapMaintConfig(cfg *config.Config) (maintConfig, error) {
	maxAge, err := config.ParseDurationOrDefault("maintenance.seen_max_age", cfg.Maint.SeenMaxAge, 30*24*time.Hour)
	if err != nil {
		return maintConfig{}, err
	}
	perSource := cfg.Maint.SeenPerSource
	if perSource < 0 {
		return maintConfig{}, errors.New("maintenance.seen_per_source must be >= 0")
	}
	if perSource == 0 {
		perSource = 200
	}
	schedule := strings.TrimSpace(cfg.Maint.PruneSchedule)
	if schedule != "" {
		if _, err := cron.ParseStandard(schedule); err != nil {
			return maintConfig{}, fmt.Errorf("maintenance.prune_schedule: invalid %q: %w", schedule, err)
		}
	}
	return maintConfig{schedule: schedule, maxAge: maxAge, perSource: perSource}, nil
}

// validate rejects a config before it is committed or hot-applied.
func validate(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, _, err := mapPollerConfig(cfg); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Rewrite.BaseURL) == "" {
		return errors.New("rewrite.base_url is required")
	}
	if strings.TrimSpace(cfg.Rewrite.Model) == "" {
		return errors.New("rewrite.model is required")
	}
	if _, err := mapRewriteConfig(cfg); err != nil {
		return err
	}
	if cfg.Publish.RatePerSec < 0 {
		return errors.New("publish.rate_per_sec must be >= 0")
	}
	if cfg.Publish.RetryMax < 0 {
		return errors.New("publish.retry_max must be >= 0")
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMaintConfig(cfg); err != nil {
		return err
	}
	if len(cfg.Topics) == 0 {
		return errors.New("topics: at least one topic is required")
	}
	for name, sources := range cfg.Topics {
		if strings.TrimSpace(name) == "" {
			return errors.New("topics: topic name must not be empty")
		}
		if len(sources) == 0 {
			return fmt.Errorf("topics.%s: at least one source URL is required", name)
		}
	}
	return nil
}
