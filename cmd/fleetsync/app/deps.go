package app

import (
	"context"
	"fmt"
	"math"
	"net/http"

	log "github.com/sirupsen/logrus"

	"fleetsync/internal/config"
	"fleetsync/internal/engine"
	"fleetsync/internal/events"
	"fleetsync/internal/linker"
	"fleetsync/internal/model"
	"fleetsync/internal/queue"
	"fleetsync/internal/store"
	"fleetsync/internal/traccar"
	"fleetsync/internal/webhooks"
)

const redisPrefix = "fleetsync:"

// deps is everything a command needs, built from config.
type deps struct {
	cfg    config.Config
	store  store.Store
	queue  queue.Queue
	bus    events.Bus
	engine *engine.Engine
	linker *linker.Linker

	closers []func()
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

// buildDeps picks Postgres over memory, Redis over in-process queue, lock and
// bus, and adds NATS to the bus when configured. The traccar section is
// written to the store's integration settings.
func buildDeps(ctx context.Context, cfg config.Config) (*deps, error) {
	d := &deps{cfg: cfg}
	entry := log.WithField("component", "app")

	if cfg.Database.URL != "" {
		pg, err := store.NewPostgres(cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		d.closers = append(d.closers, func() { _ = pg.Close() })
		if cfg.Database.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				d.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		d.store = pg
		entry.Info("store: postgres")
	} else {
		d.store = store.NewMemory()
		entry.Warn("store: memory (DATABASE_URL unset)")
	}

	var locker queue.Locker = queue.NewMemoryLocker()
	var bus events.Bus = events.NewMemory()
	d.queue = queue.NewMemory()
	if cfg.Redis.URL != "" {
		rdb, err := queue.NewRedisURL(cfg.Redis.URL)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		d.closers = append(d.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			d.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		d.queue = queue.NewRedis(rdb, redisPrefix)
		locker = queue.NewRedisLocker(rdb, redisPrefix)
		bus = events.NewRedis(rdb, redisPrefix)
		entry.Info("queue, lock and events: redis")
	}
	buses := events.Multi{bus}
	if cfg.NATS.URL != "" {
		nc, err := events.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("nats: %w", err)
		}
		d.closers = append(d.closers, nc.Close)
		buses = append(buses, events.NewNATS(nc, cfg.NATS.SubjectPrefix))
		entry.WithField("prefix", cfg.NATS.SubjectPrefix).Info("events: nats enabled")
	}
	if len(cfg.Webhooks) > 0 {
		buses = append(buses, webhooks.NewPublisher(d.queue, cfg.Webhooks))
		entry.WithField("endpoints", len(cfg.Webhooks)).Info("events: webhooks enabled")
	}
	d.bus = bus
	if len(buses) > 1 {
		d.bus = buses
	}

	if err := d.store.SaveIntegrationSettings(ctx, cfg.Traccar.Settings()); err != nil {
		d.Close()
		return nil, fmt.Errorf("seed integration settings: %w", err)
	}

	newClient := clientFactory(cfg.Traccar)
	d.engine = engine.New(d.store, d.queue, d.bus)
	d.engine.Locker = locker
	d.engine.Client = func(s model.IntegrationSettings) engine.Telemetry { return newClient(s) }
	d.linker = linker.New(d.store)
	d.linker.Remote = func(s model.IntegrationSettings) linker.Remote { return newClient(s) }
	return d, nil
}

// worker builds the task worker with the engine's handlers and, when
// endpoints are configured, webhook delivery.
func (d *deps) worker() *queue.Worker {
	w := queue.NewWorker(d.queue, d.cfg.Worker.MaxAttempts)
	w.Interval = d.cfg.Worker.PollInterval
	d.engine.Register(w)
	if len(d.cfg.Webhooks) > 0 {
		webhooks.NewDeliverer(d.cfg.Webhooks).Register(w)
	}
	return w
}

func clientFactory(t config.Traccar) func(model.IntegrationSettings) *traccar.Client {
	burst := int(math.Ceil(t.RatePerSecond))
	return func(s model.IntegrationSettings) *traccar.Client {
		opts := []traccar.Option{traccar.WithRateLimit(t.RatePerSecond, burst)}
		if t.Timeout > 0 {
			opts = append(opts, traccar.WithHTTPClient(&http.Client{Timeout: t.Timeout}))
		}
		return traccar.New(s, opts...)
	}
}
