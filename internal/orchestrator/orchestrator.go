// Package orchestrator owns the engine lifecycle: component construction,
// wiring, the periodic timers, and ordered shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aristath/kestrel/internal/config"
	"github.com/aristath/kestrel/internal/database"
	"github.com/aristath/kestrel/internal/domain"
	"github.com/aristath/kestrel/internal/feed"
	"github.com/aristath/kestrel/internal/llm"
	"github.com/aristath/kestrel/internal/market_regime"
	"github.com/aristath/kestrel/internal/modules/journal"
	"github.com/aristath/kestrel/internal/modules/knowledge"
	"github.com/aristath/kestrel/internal/modules/learning"
	"github.com/aristath/kestrel/internal/modules/sniper"
	"github.com/aristath/kestrel/internal/modules/strategist"
	"github.com/aristath/kestrel/internal/pricebus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// Timer cadences owned by the orchestrator. The strategist period comes from
// config; everything else is fixed.
const (
	stateFlushEvery      = 10 * time.Second
	effectivenessEvery   = 5 * time.Minute
	expirySweepEvery     = 30 * time.Second
	healthReportEvery    = 30 * time.Second
	reflectionCheckEvery = time.Minute
	walCheckpointEvery   = time.Hour
	integrityCheckEvery  = 24 * time.Hour
)

// Orchestrator wires the engine together and runs its timers.
type Orchestrator struct {
	cfg *config.Config
	log zerolog.Logger

	db       *database.DB
	bus      *pricebus.Bus
	store    *knowledge.Store
	journal  *journal.Repository
	enricher *journal.Enricher
	detector *market_regime.Detector

	sniper     *sniper.Sniper
	strategist *strategist.Strategist
	quick      *learning.QuickUpdater
	reflection *learning.ReflectionEngine
	adapter    *learning.AdaptationEngine
	monitor    *learning.EffectivenessMonitor

	source feed.PriceSource
	cron   *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	startedAt time.Time
	proc      *process.Process
}

// New builds and wires every component. The database schema is validated
// before anything else touches the store; a schema mismatch aborts startup.
func New(cfg *config.Config, log zerolog.Logger) (*Orchestrator, error) {
	db, err := database.New(database.Config{Path: cfg.DBPath, Name: "kestrel"})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	bus := pricebus.New(log)
	store := knowledge.NewStore(db, log)
	journalRepo := journal.NewRepository(db.Conn(), log)
	enricher := journal.NewEnricher(journalRepo, bus, log)
	detector := market_regime.NewDetector(bus, log)

	regimeProvider := func() string {
		return detector.State(time.Now()).BTCTrend
	}
	sn := sniper.New(cfg, journalRepo, store.Scores, regimeProvider, log)

	chat := llm.NewClient(llm.Config{
		BaseURL: cfg.LLMEndpoint,
		APIKey:  cfg.LLMAPIKey,
		Model:   cfg.LLMModel,
	}, log)

	strat := strategist.New(cfg, chat, store, detector, sn, bus, log)
	adapter := learning.NewAdaptationEngine(cfg, store, journalRepo, log)
	reflection := learning.NewReflectionEngine(cfg, store, journalRepo, chat, adapter, log)
	quick := learning.NewQuickUpdater(cfg, store, journalRepo, reflection, log)
	monitor := learning.NewEffectivenessMonitor(store, adapter, log)

	source := feed.NewBinanceSource(cfg.FeedURL, cfg.SymbolMap, bus, log)

	o := &Orchestrator{
		cfg:        cfg,
		log:        log.With().Str("component", "orchestrator").Logger(),
		db:         db,
		bus:        bus,
		store:      store,
		journal:    journalRepo,
		enricher:   enricher,
		detector:   detector,
		sniper:     sn,
		strategist: strat,
		quick:      quick,
		reflection: reflection,
		adapter:    adapter,
		monitor:    monitor,
		source:     source,
		cron:       cron.New(),
	}

	// Tick fan-in and the learning loop.
	bus.Subscribe(sn.OnTick)
	sn.OnExit(quick.OnExit)
	sn.OnExit(func(domain.Position, domain.ExitReason, float64, int64) {
		go reflection.TryRun(o.runCtx())
	})

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		o.proc = p
	}
	return o, nil
}

// Start restores the checkpoint, launches the workers and arms the timers.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	o.ctx, o.cancel = context.WithCancel(context.Background())
	o.startedAt = time.Now()
	o.mu.Unlock()

	state, err := o.store.State.Load()
	if err != nil {
		return fmt.Errorf("load runtime state: %w", err)
	}
	if state != nil {
		o.sniper.RestoreState(*state)
		o.reflection.Restore(state.LastReflectionTsMs, state.TradesSinceReflection)
	} else {
		o.log.Info().Float64("balance", o.cfg.InitialBalance).Msg("Fresh start, no runtime state to restore")
	}

	o.sniper.Start()
	o.enricher.Start()

	if err := o.armTimers(); err != nil {
		return err
	}
	o.cron.Start()

	// A failed initial dial is transient: the source keeps reconnecting in
	// the background and health reports the feed as degraded meanwhile.
	if err := o.source.Start(); err != nil {
		o.log.Warn().Err(err).Msg("Price feed not connected yet, reconnecting in background")
	}

	o.log.Info().Msg("Engine started")
	return nil
}

func (o *Orchestrator) armTimers() error {
	entries := []struct {
		spec string
		fn   func()
	}{
		{every(o.cfg.StrategistPeriod), func() {
			result := o.strategist.RunCycle(o.runCtx())
			o.log.Info().
				Str("outcome", result.Outcome.String()).
				Int("installed", result.Installed).
				Int("dropped", result.Dropped).
				Msg("Strategist cycle")
		}},
		{every(stateFlushEvery), func() { o.flushState() }},
		{every(effectivenessEvery), func() {
			if _, err := o.monitor.Sweep(); err != nil {
				o.log.Error().Err(err).Msg("Effectiveness sweep failed")
			}
		}},
		{every(expirySweepEvery), func() { o.sniper.SweepExpired(domain.NowMs()) }},
		{every(healthReportEvery), func() { o.reportHealth() }},
		{every(reflectionCheckEvery), func() { o.reflection.TryRun(o.runCtx()) }},
		{every(walCheckpointEvery), func() {
			if err := o.db.WALCheckpoint("PASSIVE"); err != nil {
				o.log.Error().Err(err).Msg("WAL checkpoint failed")
			}
		}},
		{every(integrityCheckEvery), func() {
			ctx, cancel := context.WithTimeout(o.runCtx(), time.Minute)
			defer cancel()
			if err := o.db.HealthCheck(ctx); err != nil {
				o.log.Error().Err(err).Msg("Store integrity check failed")
			}
		}},
	}

	for _, e := range entries {
		if _, err := o.cron.AddFunc(e.spec, e.fn); err != nil {
			return fmt.Errorf("arm timer %s: %w", e.spec, err)
		}
	}
	return nil
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

func (o *Orchestrator) runCtx() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ctx != nil {
		return o.ctx
	}
	return context.Background()
}

// Shutdown stops the engine in dependency order: no new ticks, no timers,
// positions closed as SHUTDOWN exits, journal drained, state persisted.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.log.Info().Msg("Shutting down engine")

	if err := o.source.Stop(); err != nil {
		o.log.Warn().Err(err).Msg("Price feed stop reported error")
	}

	cronCtx := o.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
		o.log.Warn().Msg("Timed out waiting for running jobs")
	}

	closed := o.sniper.CloseAll(domain.ExitShutdown)
	if closed > 0 {
		o.log.Info().Int("positions", closed).Msg("Closed open positions for shutdown")
	}

	// Stop drains the journal queue; the shutdown exits above are in it.
	o.sniper.Stop()
	o.enricher.Stop()

	o.flushState()

	if o.cancel != nil {
		o.cancel()
	}
	if err := o.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	o.log.Info().Msg("Engine stopped")
	return nil
}

// flushState checkpoints the sniper and reflection state.
func (o *Orchestrator) flushState() {
	snap := o.sniper.Snapshot()
	lastReflection, tradesSince := o.reflection.State()

	state := domain.RuntimeState{
		LastReflectionTsMs:    lastReflection,
		TradesSinceReflection: tradesSince,
		Paused:                snap.Paused,
		Account:               snap.Account,
		Positions:             snap.Positions,
		Conditions:            snap.Conditions,
		SavedAtMs:             domain.NowMs(),
	}
	if err := o.store.State.Save(state); err != nil {
		o.log.Error().Err(err).Msg("Failed to persist runtime state")
	}
}

// Accessors for the HTTP server wiring.

func (o *Orchestrator) Sniper() *sniper.Sniper                 { return o.sniper }
func (o *Orchestrator) Strategist() *strategist.Strategist     { return o.strategist }
func (o *Orchestrator) Reflection() *learning.ReflectionEngine { return o.reflection }
func (o *Orchestrator) Adapter() *learning.AdaptationEngine    { return o.adapter }
func (o *Orchestrator) Store() *knowledge.Store                { return o.store }
func (o *Orchestrator) Journal() *journal.Repository           { return o.journal }
func (o *Orchestrator) Bus() *pricebus.Bus                     { return o.bus }
func (o *Orchestrator) Detector() *market_regime.Detector      { return o.detector }

// Health aggregates component health; overall status is the worst reported.
func (o *Orchestrator) Health() map[string]domain.Health {
	components := map[string]domain.Health{
		"sniper":     o.sniper.Health(),
		"strategist": o.strategist.Health(),
		"reflection": o.reflection.Health(),
		"enricher":   o.enricher.Health(),
		"feed":       o.feedHealth(),
		"store":      o.storeHealth(),
	}

	overall := domain.HealthHealthy
	for _, h := range components {
		if h.Status.Worse(overall) {
			overall = h.Status
		}
	}

	system := domain.Health{Status: overall, LastActivityMs: domain.NowMs(), Metrics: map[string]float64{}}
	o.mu.Lock()
	if !o.startedAt.IsZero() {
		system.Metrics["uptime_seconds"] = time.Since(o.startedAt).Seconds()
	}
	o.mu.Unlock()
	rejected, dropped := o.bus.Stats()
	system.Metrics["ticks_rejected"] = float64(rejected)
	system.Metrics["ticks_dropped"] = float64(dropped)

	if o.proc != nil {
		if mem, err := o.proc.MemoryInfo(); err == nil && mem != nil {
			system.Metrics["rss_bytes"] = float64(mem.RSS)
		}
		if cpu, err := o.proc.CPUPercent(); err == nil {
			system.Metrics["cpu_percent"] = cpu
		}
	}
	components["system"] = system
	return components
}

func (o *Orchestrator) storeHealth() domain.Health {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	status := domain.HealthHealthy
	if err := o.db.QuickCheck(ctx); err != nil {
		status = domain.HealthFailed
	}
	return domain.Health{Status: status, LastActivityMs: domain.NowMs()}
}

func (o *Orchestrator) feedHealth() domain.Health {
	status := domain.HealthHealthy
	if !o.source.IsConnected() {
		status = domain.HealthDegraded
	}
	return domain.Health{Status: status, LastActivityMs: domain.NowMs()}
}

func (o *Orchestrator) reportHealth() {
	components := o.Health()
	overall := components["system"].Status

	ev := o.log.Info()
	if overall != domain.HealthHealthy {
		ev = o.log.Warn()
	}
	for name, h := range components {
		ev = ev.Str(name, string(h.Status))
	}
	ev.Msg("Health report")
}
