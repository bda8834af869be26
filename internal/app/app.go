package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"dispatch_dashboard/internal/cache"
	"dispatch_dashboard/internal/config"
	"dispatch_dashboard/internal/dashboard"
	"dispatch_dashboard/internal/dataset"
	"dispatch_dashboard/internal/events"
	"dispatch_dashboard/internal/httpapi"
	"dispatch_dashboard/internal/metrics"
	"dispatch_dashboard/internal/normalize"
	"dispatch_dashboard/internal/poller"
	"dispatch_dashboard/internal/queue"
	"dispatch_dashboard/internal/records"
	"dispatch_dashboard/internal/simulation"
	"dispatch_dashboard/internal/store"
	"dispatch_dashboard/internal/view"
	"dispatch_dashboard/internal/watch"
)

const (
	liveTop         = 10
	fetchRetention  = 24 * time.Hour
	pruneInterval   = time.Hour
	cacheTTL        = 24 * time.Hour
	cacheTimeout    = 2 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Views
const (
	ViewActive  = "active"
	ViewHistory = "history"
	ViewLive    = "live"
)

// App wires the dashboard components together.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store    *store.Store
	cache    *cache.RedisKV
	nats     *events.NATSBridge
	fallback *dataset.Fallback
	watcher  *watch.Watcher
	queue    *queue.Queue
	metrics  *metrics.Metrics
	bus      *events.Bus

	dash    *dashboard.Dashboard
	active  *poller.Poller[normalize.Emergency]
	history *poller.Poller[normalize.CallRecord]
	live    *poller.Poller[normalize.Emergency]
	sim     *simulation.Service
	router  *httpapi.Router
}

// New connects to DynamoDB with the configured credentials and builds the app.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	recs, err := records.NewDynamoStoreFromConfig(ctx, cfg, logger.Named("records"))
	if err != nil {
		return nil, err
	}
	return NewWithRecords(ctx, cfg, recs, logger)
}

// NewWithRecords builds the app over any record store. Redis and NATS are optional; a
// configured but unreachable one is logged and skipped.
func NewWithRecords(ctx context.Context, cfg config.Config, recs records.Store, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	fallback, err := dataset.NewFallback(cfg.FallbackDataPath)
	if err != nil {
		st.Close()
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		fallback: fallback,
		metrics:  metrics.New(),
		bus:      events.NewBus(),
		dash:     dashboard.New(cfg.ActiveLimit, logger.Named("dashboard")),
	}

	if cfg.RedisAddr != "" {
		kv, err := cache.NewRedisKV(ctx, cfg.RedisAddr, cacheTTL)
		if err != nil {
			logger.Warn("snapshot cache disabled", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		} else {
			a.cache = kv
		}
	}
	if cfg.NATSURL != "" {
		nb, err := events.DialNATS(cfg.NATSURL, "dispatch", logger.Named("nats"))
		if err != nil {
			logger.Warn("nats bridge disabled", zap.String("url", cfg.NATSURL), zap.Error(err))
		} else {
			a.nats = nb
		}
	}

	a.watcher = watch.New(cfg.FallbackDataPath, fallback.Reload, logger.Named("watch"))

	simTimeout := time.Duration(cfg.SimulationTimeoutSec) * time.Second
	a.queue = queue.New(cfg.JobQueueSize, cfg.WorkerCount, simTimeout+5*time.Second, logger.Named("queue"))
	a.queue.OnDone(a.metrics.IncJob)

	a.buildPollers(recs)

	client := simulation.NewClient(cfg.SimulationURL, cfg.SimulationTable, simTimeout, logger.Named("simulation"))
	a.sim = simulation.NewService(client, a.queue, simulation.Options{
		Runs:    st,
		Counter: a.metrics,
		Logger:  logger.Named("simulation"),
	})
	a.sim.Subscribe(func(s simulation.Status) { a.bus.Publish(events.TypeSimulation, s) })

	checks := map[string]func(context.Context) error{}
	if a.cache != nil {
		checks["redis"] = a.cache.Health
	}
	if a.nats != nil {
		checks["nats"] = func(context.Context) error {
			if !a.nats.Healthy() {
				return errors.New("not connected")
			}
			return nil
		}
	}
	a.router = httpapi.NewRouter(httpapi.Deps{
		Config:     cfg,
		Dashboard:  a.dash,
		History:    a.history,
		Live:       a.live,
		Simulation: a.sim,
		Refresh:    a.RefreshAll,
		Store:      st,
		Bus:        a.bus,
		Metrics:    a.metrics,
		Queue:      a.queue,
		Checks:     checks,
		Logger:     logger.Named("http"),
	})
	return a, nil
}

func (a *App) buildPollers(recs records.Store) {
	now := config.Now

	a.active = poller.New(poller.Options[normalize.Emergency]{
		Name:     ViewActive,
		Interval: a.cfg.ActiveInterval(),
		Fetch: func(ctx context.Context) ([]normalize.Emergency, error) {
			raws, err := recs.Scan(ctx, records.ScanOptions{})
			if err != nil {
				return nil, err
			}
			return normalize.Emergencies(raws, now()), nil
		},
		Fallback: a.fallback.Emergencies,
		Logger:   a.logger.Named("poller.active"),
		Observer: a.metrics,
		Record:   a.recordRun,
	})
	a.history = poller.New(poller.Options[normalize.CallRecord]{
		Name:     ViewHistory,
		Interval: a.cfg.HistoryInterval(),
		Fetch: func(ctx context.Context) ([]normalize.CallRecord, error) {
			raws, err := recs.Scan(ctx, records.ScanOptions{})
			if err != nil {
				return nil, err
			}
			calls := normalize.Calls(raws, now())
			view.SortByTime(calls)
			return calls, nil
		},
		Logger:   a.logger.Named("poller.history"),
		Observer: a.metrics,
		Record:   a.recordRun,
	})
	a.live = poller.New(poller.Options[normalize.Emergency]{
		Name:     ViewLive,
		Interval: a.cfg.LiveInterval(),
		Fetch: func(ctx context.Context) ([]normalize.Emergency, error) {
			raws, err := recs.Scan(ctx, records.ScanOptions{Limit: a.cfg.Poll.LiveScanLimit})
			if err != nil {
				return nil, err
			}
			return normalize.LiveCalls(raws, liveTop), nil
		},
		Logger:   a.logger.Named("poller.live"),
		Observer: a.metrics,
		Record:   a.recordRun,
	})

	a.active.Subscribe(func(s poller.Snapshot[normalize.Emergency]) {
		if !a.dash.Apply(s) {
			return
		}
		a.bus.Publish(events.TypeActiveSnapshot, a.dash.View())
		a.saveSnapshot(ViewActive, s)
	})
	a.history.Subscribe(func(s poller.Snapshot[normalize.CallRecord]) {
		a.bus.Publish(events.TypeHistorySnapshot, map[string]any{
			"source":     s.Source,
			"error":      s.Error,
			"generation": s.Generation,
			"total":      len(s.Items),
			"fetchedAt":  s.FetchedAt,
		})
		a.saveSnapshot(ViewHistory, s)
	})
	a.live.Subscribe(func(s poller.Snapshot[normalize.Emergency]) {
		a.bus.Publish(events.TypeLiveSnapshot, map[string]any{
			"calls":      s.Items,
			"stats":      normalize.Stats(s.Items),
			"source":     s.Source,
			"generation": s.Generation,
		})
		a.saveSnapshot(ViewLive, s)
	})
}

func (a *App) recordRun(r poller.Run) {
	var errMsg *string
	if r.Error != "" {
		msg := r.Error
		errMsg = &msg
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := a.store.RecordFetch(ctx, store.FetchRun{
		View:       r.View,
		Generation: r.Generation,
		Source:     string(r.Source),
		Items:      r.Items,
		Error:      errMsg,
		Applied:    r.Applied,
		DurationMS: r.Took.Milliseconds(),
		FinishedAt: r.FinishedAt,
	})
	if err != nil {
		a.logger.Warn("record fetch run failed", zap.String("view", r.View), zap.Error(err))
	}
}

func (a *App) saveSnapshot(name string, s any) {
	if a.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
	defer cancel()
	if err := a.cache.Save(ctx, name, s); err != nil {
		a.logger.Warn("cache snapshot failed", zap.String("view", name), zap.Error(err))
	}
}

// seedFromCache installs the last cached snapshots so the first requests after a restart
// see data before the first scan completes.
func (a *App) seedFromCache(ctx context.Context) {
	if a.cache == nil {
		return
	}
	seed(ctx, a, ViewActive, a.active)
	seed(ctx, a, ViewHistory, a.history)
	seed(ctx, a, ViewLive, a.live)
}

func seed[T any](ctx context.Context, a *App, name string, p *poller.Poller[T]) {
	ctx, cancel := context.WithTimeout(ctx, cacheTimeout)
	defer cancel()
	var s poller.Snapshot[T]
	ok, err := a.cache.Load(ctx, name, &s)
	if err != nil {
		a.logger.Warn("load cached snapshot failed", zap.String("view", name), zap.Error(err))
		return
	}
	if ok && p.Seed(s) {
		a.logger.Info("seeded view from cache", zap.String("view", name), zap.Int("items", len(s.Items)))
	}
}

// RefreshAll refreshes every view concurrently and reports the source now in effect for each.
func (a *App) RefreshAll(ctx context.Context) map[string]poller.Source {
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out = map[string]poller.Source{}
	)
	set := func(name string, src poller.Source) {
		mu.Lock()
		out[name] = src
		mu.Unlock()
	}
	wg.Add(3)
	go func() {
		defer wg.Done()
		s, _ := a.active.Refresh(ctx)
		set(ViewActive, s.Source)
	}()
	go func() {
		defer wg.Done()
		s, _ := a.history.Refresh(ctx)
		set(ViewHistory, s.Source)
	}()
	go func() {
		defer wg.Done()
		s, _ := a.live.Refresh(ctx)
		set(ViewLive, s.Source)
	}()
	wg.Wait()
	return out
}

func (a *App) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.store.PruneFetchRuns(ctx, time.Now().UTC().Add(-fetchRetention))
			if err != nil {
				a.logger.Warn("prune fetch runs failed", zap.Error(err))
				continue
			}
			if n > 0 {
				a.logger.Info("pruned fetch runs", zap.Int64("rows", n))
			}
		}
	}
}

// Start launches workers, the watcher, the pollers and the background loops. It does
// not block.
func (a *App) Start(ctx context.Context) error {
	a.queue.Start(ctx)
	if err := a.watcher.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	a.seedFromCache(ctx)
	if a.nats != nil {
		go a.nats.Forward(ctx, a.bus)
	}
	go a.active.Run(ctx)
	go a.history.Run(ctx)
	go a.live.Run(ctx)
	go a.pruneLoop(ctx)
	return nil
}

// Run starts everything and serves HTTP until ctx is done.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              a.cfg.HTTPPort,
		Handler:           a.router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("http shutdown", zap.Error(err))
		}
	}()
	a.logger.Info("http listening", zap.String("addr", a.cfg.HTTPPort))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops the workers and releases connections.
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.queue.Stop(ctx)
	if a.nats != nil {
		a.nats.Close()
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("close cache", zap.Error(err))
		}
	}
	return a.store.Close()
}

// Handler serves /api, /ops and /metrics.
func (a *App) Handler() http.Handler { return a.router.Handler() }

func (a *App) Dashboard() *dashboard.Dashboard { return a.dash }

func (a *App) Store() *store.Store { return a.store }

func (a *App) Bus() *events.Bus { return a.bus }
