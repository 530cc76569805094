// Package app wires the daemon together: config, logging, storage, delivery
// transport, dispatch services, the drain loop, the event bridge and the API.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"wadispatch/internal/api"
	"wadispatch/internal/config"
	"wadispatch/internal/dispatch"
	"wadispatch/internal/eventbus"
	"wadispatch/internal/runtime/supervisor"
	"wadispatch/internal/storage"
	"wadispatch/internal/transport"
	logx "wadispatch/pkg/logx"
)

// App is the composed daemon. Build it with New, then Start and Stop it once.
type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	store   storage.Store
	sender  transport.Sender
	bus     eventbus.Bus
	bridge  *eventbus.Bridge
	coord   *dispatch.Coordinator
	drainer *dispatch.Drainer
	server  *api.Server

	sup *supervisor.Supervisor
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, root := logx.New(mapLoggingConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a := &App{cfgm: cfgm, logs: logs, log: log}
	if err := a.build(cfg, root); err != nil {
		a.closeAll()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, root logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	a.store, err = storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	tc, err := mapTransportConfig(cfg)
	if err != nil {
		return err
	}
	a.sender, err = transport.Open(tc, root.With(logx.String("comp", "transport")))
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}

	a.bus = eventbus.New()
	if nc, ok := mapNATSConfig(cfg); ok {
		a.bridge, err = eventbus.ConnectNATS(nc, root.With(logx.String("comp", "nats")))
		if err != nil {
			return err
		}
	}

	a.coord = dispatch.NewCoordinator(a.store, dispatch.Options{
		Bus:            a.bus,
		Auditor:        a.store,
		Log:            root.With(logx.String("comp", "dispatch")),
		DefaultProfile: mapDefaultProfile(cfg),
		Immediate:      cfg.Dispatch.Immediate,
	})

	dc, err := mapDrainConfig(cfg)
	if err != nil {
		return err
	}
	a.drainer = dispatch.NewDrainer(a.store, a.coord.Tracker(), a.sender, dc, dispatch.DrainerOptions{
		Bus: a.bus,
		Log: root.With(logx.String("comp", "drain")),
	})
	a.coord.SetFlusher(a.drainer)

	if cfg.HTTP.Enabled {
		var drain api.Drainer
		if cfg.Drain.IsEnabled() {
			drain = a.drainer
		}
		h := api.NewHandler(a.coord, drain, api.Options{
			Token:  cfg.HTTP.Token,
			Pprof:  cfg.HTTP.Pprof,
			Health: a.Health,
			Log:    root.With(logx.String("comp", "api")),
		})
		a.server, err = api.Listen(mapServerConfig(cfg), h, root.With(logx.String("comp", "http")))
		if err != nil {
			return fmt.Errorf("http listen: %w", err)
		}
	}
	return nil
}

func mapServerConfig(cfg *config.Config) api.ServerConfig {
	return api.ServerConfig{
		Addr:         strings.TrimSpace(cfg.HTTP.Addr),
		ReadTimeout:  config.MustDuration(cfg.HTTP.ReadTimeout, 15*time.Second),
		WriteTimeout: config.MustDuration(cfg.HTTP.WriteTimeout, 0),
	}
}

// Coordinator exposes the dispatch service, mainly for tests and embedding.
func (a *App) Coordinator() *dispatch.Coordinator { return a.coord }

// Done is closed when the app context ends, either by Stop or a fatal loop error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal loop error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Health feeds /healthz.
func (a *App) Health() map[string]any {
	out := map[string]any{
		"drain_passes": a.drainer.Passes(),
		"drain_last":   a.drainer.LastStats(),
	}
	if a.sup != nil {
		out["loops"] = a.sup.Snapshot()
	}
	if st, ok := a.sender.(interface{ State() string }); ok {
		out["transport_breaker"] = st.State()
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)

	// Reject reloads that pass Validate but cannot be mapped.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapDrainConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	cfg := a.cfgm.Get()
	if cfg.Drain.IsEnabled() {
		if err := a.drainer.Start(a.sup); err != nil {
			_ = a.sup.Stop(context.Background())
			return err
		}
	} else {
		a.log.Info("drain loop disabled")
	}

	if a.server != nil {
		a.sup.Go("http", a.server.Serve)
	}
	if a.bridge != nil {
		a.sup.GoRestart("events.nats", supervisor.RestartPolicy{MaxBackoff: 10 * time.Second}, func(c context.Context) error {
			return a.bridge.Run(c, a.bus)
		})
	}
	a.sup.Go("events.log", a.logEvents)

	// Snapshot before subscribing so a reload committed in between is still applied.
	applied := a.cfgm.Get()
	sub := a.cfgm.Subscribe(4)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub, applied)
		return nil
	})
	a.sup.GoRestart("config.watch", supervisor.RestartPolicy{MaxBackoff: 30 * time.Second}, a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("storage", cfg.Storage.Driver),
		logx.String("transport", orDefault(cfg.Transport.Driver, "log")),
		logx.String("default_profile", string(a.coord.DefaultProfile())),
	)
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config, lastApplied *config.Config) {
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
		// Coalesce bursts: keep only the latest config.
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}

		changed, attrs, restart := config.SummarizeChange(lastApplied, newCfg)
		lastApplied = newCfg
		if len(changed) == 0 {
			a.log.Info("config reloaded (no changes)")
			continue
		}

		a.logs.Apply(mapLoggingConfig(newCfg))
		a.coord.SetDefaultProfile(mapDefaultProfile(newCfg))
		a.coord.SetImmediate(newCfg.Dispatch.Immediate)
		if dc, err := mapDrainConfig(newCfg); err == nil {
			a.drainer.Apply(dc)
		}
		if len(restart) > 0 {
			a.log.Warn("config changed in sections that need a restart", logx.String("sections", strings.Join(restart, ",")))
		}

		fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	}
}

// logEvents mirrors run status changes into the debug log.
func (a *App) logEvents(ctx context.Context) error {
	ch, unsub := a.bus.Subscribe(64)
	defer unsub()
	log := a.log.With(logx.String("comp", "events"))
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if re, ok := e.Data.(eventbus.RunEvent); ok {
				log.Debug("run status",
					logx.String("client_id", e.ClientID),
					logx.String("run_id", re.RunID),
					logx.String("from", re.From),
					logx.String("to", re.To),
				)
			}
		}
	}
}

// Stop cancels every loop, waits for them within ctx and then closes resources.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeAll()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	err := a.sup.Stop(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		a.log.Warn("loops did not stop in time", logx.Err(err))
	}
	a.closeAll()
	a.log.Info("stopped")
	_ = a.logs.Close()
	return err
}

func (a *App) closeAll() {
	if a.bridge != nil {
		a.bridge.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close error", logx.Err(err))
		}
	}
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
