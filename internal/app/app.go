// Package app wires the notigate daemon: config, logging, the tiered
// document store, repositories, the notification gate, delivery, and the
// janitor. It owns startup order and graceful shutdown.
package app

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"notigate/internal/config"
	"notigate/internal/delivery"
	"notigate/internal/eventbus"
	"notigate/internal/gate"
	"notigate/internal/janitor"
	"notigate/internal/repository"
	"notigate/internal/runtime/supervisor"
	"notigate/internal/storage"
	"notigate/internal/transport"
	"notigate/internal/transport/telegram"
	logx "notigate/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus   eventbus.Bus
	sup   *supervisor.Supervisor
	prefs *prefStore

	durable *storage.SQLite
	store   *storage.Tiered

	states *repository.RecipientStates
	refs   *repository.Conversations

	adapter  transport.Adapter
	delivery *delivery.Service
	gate     *gate.Gate
	janitor  *janitor.Service
}

// New loads the config file and builds the full daemon. Nothing is running
// yet; call Start.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log.With(logx.String("component", "config")))

	a := &App{
		cfgMgr: mgr,
		logSvc: logSvc,
		log:    log,
		bus:    eventbus.New(),
		prefs:  &prefStore{},
	}
	if err := a.build(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	durable, err := storage.OpenSQLite(storage.SQLiteConfig{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, a.log.With(logx.String("component", "sqlite")))
	if err != nil {
		return fmt.Errorf("open durable store: %w", err)
	}
	a.durable = durable

	cacheTTL, err := config.ParseDurationOrDefault("cache.ttl", cfg.Cache.TTL, 15*time.Minute)
	if err != nil {
		return err
	}
	mem := storage.NewMemory(cfg.Cache.Capacity, cacheTTL)
	a.store = storage.NewTiered(mem, durable, a.log.With(logx.String("component", "store")))

	a.states = repository.NewRecipientStates(a.store, a.log.With(logx.String("component", "states")))

	refOpts := []repository.ConversationsOption{}
	if cfg.Delivery.FailureThreshold > 0 {
		refOpts = append(refOpts, repository.WithFailureThreshold(cfg.Delivery.FailureThreshold))
	}
	a.refs = repository.NewConversations(a.store, a.log.With(logx.String("component", "refs")), refOpts...)

	adapter, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token},
		a.log.With(logx.String("component", "telegram")))
	if err != nil {
		return fmt.Errorf("telegram adapter: %w", err)
	}
	a.adapter = adapter

	dcfg, err := deliveryConfig(cfg)
	if err != nil {
		return err
	}
	a.delivery = delivery.New(dcfg, adapter, a.refs,
		a.log.With(logx.String("component", "delivery")), a.bus)

	gcfg, err := gateConfig(cfg)
	if err != nil {
		return err
	}
	a.prefs.swap(preferences(cfg))
	a.gate = gate.New(gcfg, a.states, a.prefs, a.delivery,
		a.log.With(logx.String("component", "gate")), a.bus)

	if cfg.Janitor.Enabled {
		jan, err := janitor.New(cfg.Janitor.Schedule, durable,
			a.log.With(logx.String("component", "janitor")))
		if err != nil {
			return fmt.Errorf("janitor: %w", err)
		}
		a.janitor = jan
	}
	return nil
}

// Gate exposes the notification gate for embedding callers.
func (a *App) Gate() *gate.Gate { return a.gate }

// Store exposes the tiered document store for embedding callers.
func (a *App) Store() *storage.Tiered { return a.store }

// Conversations exposes the routing reference repository.
func (a *App) Conversations() *repository.Conversations { return a.refs }

// Start launches background work: the config watcher, the hot-reload
// subscriber, the decision log, and (if enabled) the janitor.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, a.log.With(logx.String("component", "supervisor")))

	a.sup.GoRestart("config-watch", time.Second, 30*time.Second, func(ctx context.Context) error {
		return a.cfgMgr.Watch(ctx)
	})

	cfgCh := a.cfgMgr.Subscribe(1)
	a.sup.Go("config-apply", func(ctx context.Context) error {
		defer a.cfgMgr.Unsubscribe(cfgCh)
		for {
			select {
			case <-ctx.Done():
				return nil
			case cfg, ok := <-cfgCh:
				if !ok {
					return nil
				}
				a.applyConfig(cfg)
			}
		}
	})

	events, unsub := a.bus.Subscribe(64)
	a.sup.Go("decision-log", func(ctx context.Context) error {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event",
					logx.String("topic", string(ev.Topic)),
					logx.Any("data", ev.Data))
			}
		}
	})

	if a.janitor != nil {
		a.janitor.Start()
	}

	a.log.Info("notigate started")
	return nil
}

// applyConfig pushes a reloaded config into the runtime-tunable components.
// Storage and transport are fixed for the process lifetime; changing those
// needs a restart.
func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if dcfg, err := deliveryConfig(cfg); err != nil {
		a.log.Warn("reload: bad delivery config, keeping previous", logx.Err(err))
	} else {
		a.delivery.Apply(dcfg)
	}

	if gcfg, err := gateConfig(cfg); err != nil {
		a.log.Warn("reload: bad gate config, keeping previous", logx.Err(err))
	} else {
		a.gate.Apply(gcfg)
	}

	a.prefs.swap(preferences(cfg))
	a.log.Info("runtime config applied")
}

// Stop shuts everything down in reverse dependency order, bounded by ctx.
func (a *App) Stop(ctx context.Context) error {
	if a.janitor != nil {
		a.janitor.Stop(ctx)
	}
	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	if a.adapter != nil {
		_ = a.adapter.Close(ctx)
	}
	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	a.log.Info("notigate stopped")
	_ = a.logSvc.Close()
	return err
}

func deliveryConfig(cfg *config.Config) (delivery.Config, error) {
	base, err := config.ParseDurationField("delivery.retry_base", cfg.Delivery.RetryBase)
	if err != nil {
		return delivery.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("delivery.retry_max_delay", cfg.Delivery.RetryMaxDelay)
	if err != nil {
		return delivery.Config{}, err
	}
	sendTimeout, err := config.ParseDurationField("delivery.send_timeout", cfg.Delivery.SendTimeout)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{
		RatePerSec:    cfg.Delivery.RatePerSec,
		RetryMax:      cfg.Delivery.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		SendTimeout:   sendTimeout,
	}, nil
}

func gateConfig(cfg *config.Config) (gate.Config, error) {
	def, err := config.ParseDurationField("gate.default_lookback", cfg.Gate.DefaultLookback)
	if err != nil {
		return gate.Config{}, err
	}
	out := gate.Config{DefaultLookback: def}
	if len(cfg.Gate.LookbackByType) > 0 {
		out.LookbackByType = make(map[string]time.Duration, len(cfg.Gate.LookbackByType))
		for typ, raw := range cfg.Gate.LookbackByType {
			d, err := config.ParseDurationField("gate.lookback_by_type."+typ, raw)
			if err != nil {
				return gate.Config{}, err
			}
			out.LookbackByType[typ] = d
		}
	}
	return out, nil
}

func preferences(cfg *config.Config) gate.StaticPreferences {
	out := make(gate.StaticPreferences, len(cfg.Recipients))
	for id, p := range cfg.Recipients {
		prefs := gate.Preferences{
			HourlyQuota: p.HourlyQuota,
			DailyQuota:  p.DailyQuota,
			Timezone:    p.Timezone,
		}
		if p.QuietHours != nil {
			prefs.Quiet = &gate.QuietHours{Start: p.QuietHours.Start, End: p.QuietHours.End}
		}
		out[id] = prefs
	}
	return out
}

// prefStore is a swappable PreferenceSource so a config reload replaces the
// whole preference set atomically.
type prefStore struct {
	v atomic.Value // stores gate.StaticPreferences
}

func (p *prefStore) swap(s gate.StaticPreferences) { p.v.Store(s) }

func (p *prefStore) Preferences(recipientID string) (gate.Preferences, bool) {
	s, _ := p.v.Load().(gate.StaticPreferences)
	if s == nil {
		return gate.Preferences{}, false
	}
	return s.Preferences(recipientID)
}
