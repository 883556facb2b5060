// Package sniper implements the execution hot path. It holds the active
// trade conditions, the open positions, and the paper account. On every tick
// it fires triggers, marks positions to market, and executes stop or target
// exits. The tick path never talks to the LLM and never blocks on the
// journal: persistence goes through an async queue.
package sniper

import (
	"sync"
	"time"

	"github.com/aristath/kestrel/internal/config"
	"github.com/aristath/kestrel/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// JournalWriter is the persistence surface the sniper enqueues to.
type JournalWriter interface {
	RecordEntry(e domain.JournalEntry) error
	RecordExit(tradeID string, exitPrice float64, exitTsMs int64, reason domain.ExitReason, pnlUSD, pnlPct float64) error
}

// StatusChecker answers the blacklist double-check at admission time.
type StatusChecker interface {
	Status(symbol string) (domain.CoinStatus, error)
}

// ContextProvider supplies the market regime captured on each entry.
type ContextProvider func() string

// EntryHook observes opened positions.
type EntryHook func(p domain.Position)

// ExitHook observes closed positions.
type ExitHook func(p domain.Position, reason domain.ExitReason, pnlUSD float64, exitTsMs int64)

// journalQueueDepth bounds the async persistence queue. When the queue is
// full the tick path blocks on the enqueue: journal completeness wins over
// tick latency in that degenerate case.
const journalQueueDepth = 256

type journalOp struct {
	entry *domain.JournalEntry

	exitTradeID string
	exitPrice   float64
	exitTsMs    int64
	exitReason  domain.ExitReason
	pnlUSD      float64
	pnlPct      float64
}

// Sniper owns conditions, positions and the account. All mutable state is
// guarded by mu; the tick path holds it briefly per tick.
type Sniper struct {
	cfg     *config.Config
	journal JournalWriter
	status  StatusChecker
	regime  ContextProvider
	log     zerolog.Logger

	mu         sync.Mutex
	conditions map[string][]domain.TradeCondition // by symbol
	positions  map[string]domain.Position         // by symbol, at most one each
	account    domain.AccountState
	paused     bool

	onEntry []EntryHook
	onExit  []ExitHook

	queue    chan journalOp
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// nowFn supplies wall-clock milliseconds for operations that run off the
	// tick stream (install, restore, close-all). Tests substitute a fixed clock.
	nowFn func() int64

	// Health bookkeeping.
	lastTickMs    int64
	journalErrors int
	rejected      int64 // admissions refused by a gate
	expired       int64 // conditions purged past validity
}

// New creates a sniper with a fresh account at the configured balance.
func New(cfg *config.Config, journal JournalWriter, status StatusChecker, regime ContextProvider, log zerolog.Logger) *Sniper {
	return &Sniper{
		cfg:     cfg,
		journal: journal,
		status:  status,
		regime:  regime,
		log:     log.With().Str("component", "sniper").Logger(),
		conditions: make(map[string][]domain.TradeCondition),
		positions:  make(map[string]domain.Position),
		account: domain.AccountState{
			Balance:       cfg.InitialBalance,
			Available:     cfg.InitialBalance,
			LastUpdatedMs: domain.NowMs(),
		},
		queue:    make(chan journalOp, journalQueueDepth),
		stopChan: make(chan struct{}),
		nowFn:    domain.NowMs,
	}
}

// Start launches the journal worker.
func (s *Sniper) Start() {
	s.wg.Add(1)
	go s.journalWorker()
}

// Stop drains the journal queue and stops the worker. Safe to call twice.
func (s *Sniper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

// OnEntry registers an entry hook. Wiring happens before the feed starts.
func (s *Sniper) OnEntry(hook EntryHook) { s.onEntry = append(s.onEntry, hook) }

// OnExit registers an exit hook.
func (s *Sniper) OnExit(hook ExitHook) { s.onExit = append(s.onExit, hook) }

// Pause stops new entries. Open positions keep being managed: stops and
// targets still execute while paused.
func (s *Sniper) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.log.Warn().Msg("Trading paused")
}

// Resume re-enables entries.
func (s *Sniper) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.log.Info().Msg("Trading resumed")
}

// Paused reports the pause flag.
func (s *Sniper) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// InstallConditions atomically replaces the active condition set with the
// valid, non-expired subset of conds. Ticks observe either the old set or
// the new one, never a partial merge.
func (s *Sniper) InstallConditions(conds []domain.TradeCondition) int {
	nowMs := s.nowFn()
	fresh := make(map[string][]domain.TradeCondition)
	installed := 0

	for _, c := range conds {
		if err := c.Validate(); err != nil {
			s.log.Warn().Err(err).Str("condition_id", c.ID).Msg("Dropping invalid condition at install")
			continue
		}
		if c.Expired(nowMs) {
			continue
		}
		sym := domain.NormalizeSymbol(c.Symbol)
		fresh[sym] = append(fresh[sym], c)
		installed++
	}

	s.mu.Lock()
	s.conditions = fresh
	s.mu.Unlock()

	s.log.Info().Int("installed", installed).Int("proposed", len(conds)).Msg("Conditions installed")
	return installed
}

// OnTick is the hot path. Exits are processed before entries so a freed
// symbol slot can be reused on the same tick only by a later tick.
func (s *Sniper) OnTick(tick domain.Tick) {
	var opened []domain.Position
	var closed []exitEvent

	s.mu.Lock()
	s.lastTickMs = tick.TsMs

	if ev, ok := s.checkExit(tick); ok {
		closed = append(closed, ev)
	}

	s.purgeExpiredLocked(tick.Symbol, tick.TsMs)

	if !s.paused {
		if p, ok := s.checkEntry(tick); ok {
			opened = append(opened, p)
		}
	}
	s.mu.Unlock()

	// Hooks run outside the lock; they must not call back into OnTick.
	for _, ev := range closed {
		for _, hook := range s.onExit {
			hook(ev.position, ev.reason, ev.pnlUSD, ev.exitTsMs)
		}
	}
	for _, p := range opened {
		for _, hook := range s.onEntry {
			hook(p)
		}
	}
}

type exitEvent struct {
	position domain.Position
	reason   domain.ExitReason
	pnlUSD   float64
	exitTsMs int64
}

// checkExit marks the symbol's position to market and executes stop/target
// exits. Stop wins when both are hit by the same tick.
func (s *Sniper) checkExit(tick domain.Tick) (exitEvent, bool) {
	p, ok := s.positions[tick.Symbol]
	if !ok {
		return exitEvent{}, false
	}

	p.CurrentPrice = tick.Price
	p.UnrealizedPnlUSD = p.PnlUSD(tick.Price)
	s.positions[tick.Symbol] = p

	var reason domain.ExitReason
	if p.Direction == domain.DirectionLong {
		switch {
		case tick.Price <= p.StopPrice:
			reason = domain.ExitStopLoss
		case tick.Price >= p.TargetPrice:
			reason = domain.ExitTakeProfit
		}
	} else {
		switch {
		case tick.Price >= p.StopPrice:
			reason = domain.ExitStopLoss
		case tick.Price <= p.TargetPrice:
			reason = domain.ExitTakeProfit
		}
	}
	if reason == "" {
		return exitEvent{}, false
	}

	return s.closeLocked(p, tick.Price, tick.TsMs, reason), true
}

// closeLocked settles a position at the given price and enqueues the journal
// exit. Caller holds mu.
func (s *Sniper) closeLocked(p domain.Position, price float64, tsMs int64, reason domain.ExitReason) exitEvent {
	pnlUSD := p.PnlUSD(price)
	pnlPct := p.PnlPct(price)

	delete(s.positions, p.Symbol)

	s.account.InPositions -= p.SizeUSD
	s.account.Available += p.SizeUSD + pnlUSD
	s.account.Balance = s.account.Available + s.account.InPositions
	s.account.TotalPnl += pnlUSD
	s.account.DailyPnl += pnlUSD
	s.account.LastUpdatedMs = tsMs

	s.enqueue(journalOp{
		exitTradeID: p.ID,
		exitPrice:   price,
		exitTsMs:    tsMs,
		exitReason:  reason,
		pnlUSD:      pnlUSD,
		pnlPct:      pnlPct,
	})

	s.log.Info().
		Str("trade_id", p.ID).
		Str("symbol", p.Symbol).
		Str("reason", string(reason)).
		Float64("exit_price", price).
		Float64("pnl_usd", pnlUSD).
		Msg("Position closed")

	return exitEvent{position: p, reason: reason, pnlUSD: pnlUSD, exitTsMs: tsMs}
}

// checkEntry fires the first triggered condition for the symbol that passes
// every admission gate. Caller holds mu.
func (s *Sniper) checkEntry(tick domain.Tick) (domain.Position, bool) {
	conds := s.conditions[tick.Symbol]
	if len(conds) == 0 {
		return domain.Position{}, false
	}

	for i, c := range conds {
		if !c.Triggered(tick.Price) {
			continue
		}

		if !s.admitLocked(c, tick) {
			// Condition stays installed until expiry.
			continue
		}

		// Remove the fired condition.
		s.conditions[tick.Symbol] = append(conds[:i:i], conds[i+1:]...)

		p := s.openLocked(c, tick)
		return p, true
	}
	return domain.Position{}, false
}

// admitLocked runs the admission gates. A refused admission is logged with
// its reason and never crashes the loop.
func (s *Sniper) admitLocked(c domain.TradeCondition, tick domain.Tick) bool {
	if _, exists := s.positions[tick.Symbol]; exists {
		s.reject(c, "position already open for symbol")
		return false
	}
	if len(s.positions) >= s.cfg.MaxPositions {
		s.reject(c, "max open positions reached")
		return false
	}
	if s.account.InPositions+c.SizeUSD > s.cfg.MaxExposurePct*s.account.Balance {
		s.reject(c, "exposure limit exceeded")
		return false
	}
	if c.SizeUSD > s.account.Available {
		s.reject(c, "insufficient available balance")
		return false
	}
	if s.status != nil {
		status, err := s.status.Status(tick.Symbol)
		if err != nil {
			s.log.Error().Err(err).Str("symbol", tick.Symbol).Msg("Status check failed at admission, refusing entry")
			s.rejected++
			return false
		}
		if status == domain.CoinBlacklisted {
			s.reject(c, "symbol is blacklisted")
			return false
		}
	}
	return true
}

func (s *Sniper) reject(c domain.TradeCondition, reason string) {
	s.rejected++
	s.log.Warn().
		Str("condition_id", c.ID).
		Str("symbol", c.Symbol).
		Str("reason", reason).
		Msg("Entry admission refused")
}

// openLocked opens the position for a fired condition and enqueues the
// journal entry. Caller holds mu.
func (s *Sniper) openLocked(c domain.TradeCondition, tick domain.Tick) domain.Position {
	p := domain.Position{
		ID:           uuid.New().String(),
		ConditionID:  c.ID,
		Symbol:       tick.Symbol,
		Direction:    c.Direction,
		SizeUSD:      c.SizeUSD,
		EntryPrice:   tick.Price,
		EntryTsMs:    tick.TsMs,
		StopPrice:    domain.StopFor(c.Direction, tick.Price, c.StopLossPct),
		TargetPrice:  domain.TargetFor(c.Direction, tick.Price, c.TakeProfitPct),
		StrategyID:   c.StrategyID,
		PatternID:    c.PatternID,
		CurrentPrice: tick.Price,
	}
	s.positions[tick.Symbol] = p

	s.account.Available -= p.SizeUSD
	s.account.InPositions += p.SizeUSD
	s.account.Balance = s.account.Available + s.account.InPositions
	s.account.TradeCountToday++
	s.account.LastUpdatedMs = tick.TsMs

	var regime string
	if s.regime != nil {
		regime = s.regime()
	}
	entryTime := time.UnixMilli(tick.TsMs).UTC()

	s.enqueue(journalOp{entry: &domain.JournalEntry{
		TradeID:    p.ID,
		Symbol:     p.Symbol,
		Direction:  p.Direction,
		SizeUSD:    p.SizeUSD,
		StrategyID: p.StrategyID,
		PatternID:  p.PatternID,
		Regime:     regime,
		HourOfDay:  entryTime.Hour(),
		DayOfWeek:  int(entryTime.Weekday()),
		EntryPrice: p.EntryPrice,
		EntryTsMs:  p.EntryTsMs,
	}})

	s.log.Info().
		Str("trade_id", p.ID).
		Str("symbol", p.Symbol).
		Str("direction", string(p.Direction)).
		Float64("entry_price", p.EntryPrice).
		Float64("size_usd", p.SizeUSD).
		Float64("stop", p.StopPrice).
		Float64("target", p.TargetPrice).
		Msg("Position opened")

	return p
}

// purgeExpiredLocked lazily drops expired conditions for one symbol.
func (s *Sniper) purgeExpiredLocked(symbol string, nowMs int64) {
	conds := s.conditions[symbol]
	if len(conds) == 0 {
		return
	}
	kept := conds[:0]
	for _, c := range conds {
		if c.Expired(nowMs) {
			s.expired++
			s.log.Debug().Str("condition_id", c.ID).Str("symbol", symbol).Msg("Condition expired")
			continue
		}
		kept = append(kept, c)
	}
	if len(kept) == 0 {
		delete(s.conditions, symbol)
	} else {
		s.conditions[symbol] = kept
	}
}

// SweepExpired purges expired conditions across all symbols. Run
// periodically so symbols without ticks do not accumulate stale conditions.
func (s *Sniper) SweepExpired(nowMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sym := range s.conditions {
		s.purgeExpiredLocked(sym, nowMs)
	}
}

// CloseAll closes every open position at its last seen price. Used at
// shutdown (reason SHUTDOWN) and by the operator API (reason MANUAL).
func (s *Sniper) CloseAll(reason domain.ExitReason) int {
	nowMs := s.nowFn()
	var closed []exitEvent

	s.mu.Lock()
	for _, p := range s.positions {
		price := p.CurrentPrice
		if price <= 0 {
			price = p.EntryPrice
		}
		closed = append(closed, s.closeLocked(p, price, nowMs, reason))
	}
	s.mu.Unlock()

	for _, ev := range closed {
		for _, hook := range s.onExit {
			hook(ev.position, ev.reason, ev.pnlUSD, ev.exitTsMs)
		}
	}
	return len(closed)
}

// Snapshot is a consistent copy of the sniper's state.
type Snapshot struct {
	Account    domain.AccountState
	Positions  []domain.Position
	Conditions []domain.TradeCondition
	Paused     bool
}

// Snapshot returns a copy of account, open positions and active conditions.
func (s *Sniper) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Account: s.account, Paused: s.paused}
	for _, p := range s.positions {
		snap.Positions = append(snap.Positions, p)
	}
	for _, conds := range s.conditions {
		snap.Conditions = append(snap.Conditions, conds...)
	}
	return snap
}

// Account returns a copy of the paper account.
func (s *Sniper) Account() domain.AccountState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account
}

// RestoreState loads account, positions and conditions from a checkpoint,
// dropping conditions already past their validity window.
func (s *Sniper) RestoreState(state domain.RuntimeState) {
	nowMs := s.nowFn()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.account = state.Account
	s.paused = state.Paused

	s.positions = make(map[string]domain.Position, len(state.Positions))
	for _, p := range state.Positions {
		s.positions[p.Symbol] = p
	}

	s.conditions = make(map[string][]domain.TradeCondition)
	restored := 0
	for _, c := range state.Conditions {
		if c.Expired(nowMs) {
			continue
		}
		sym := domain.NormalizeSymbol(c.Symbol)
		s.conditions[sym] = append(s.conditions[sym], c)
		restored++
	}

	s.log.Info().
		Int("positions", len(s.positions)).
		Int("conditions", restored).
		Bool("paused", s.paused).
		Msg("Runtime state restored")
}

// enqueue pushes a journal op. Blocks when the queue is full: a stalled tick
// beats a lost journal row.
func (s *Sniper) enqueue(op journalOp) {
	select {
	case s.queue <- op:
	default:
		s.log.Warn().Int("depth", len(s.queue)).Msg("Journal queue full, tick path blocking")
		s.queue <- op
	}
}

// journalWorker drains the queue, retrying failed writes with bounded
// exponential backoff. Persistent failure degrades health but trading
// continues.
func (s *Sniper) journalWorker() {
	defer s.wg.Done()

	for {
		select {
		case op := <-s.queue:
			s.persist(op)
		case <-s.stopChan:
			// Drain remaining ops before exiting.
			for {
				select {
				case op := <-s.queue:
					s.persist(op)
				default:
					return
				}
			}
		}
	}
}

func (s *Sniper) persist(op journalOp) {
	const maxAttempts = 3

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if op.entry != nil {
			err = s.journal.RecordEntry(*op.entry)
		} else {
			err = s.journal.RecordExit(op.exitTradeID, op.exitPrice, op.exitTsMs, op.exitReason, op.pnlUSD, op.pnlPct)
		}
		if err == nil {
			return
		}
		if attempt < maxAttempts {
			time.Sleep(time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond)
		}
	}

	s.mu.Lock()
	s.journalErrors++
	s.mu.Unlock()
	s.log.Error().Err(err).Msg("Journal write failed after retries")
}

// Health reports the sniper's health for the orchestrator's aggregate.
func (s *Sniper) Health() domain.Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := domain.HealthHealthy
	if s.journalErrors > 0 {
		status = domain.HealthDegraded
	}

	return domain.Health{
		Status:         status,
		LastActivityMs: s.lastTickMs,
		ErrorCount:     s.journalErrors,
		Metrics: map[string]float64{
			"open_positions":    float64(len(s.positions)),
			"active_conditions": float64(s.conditionCountLocked()),
			"rejected_entries":  float64(s.rejected),
			"expired":           float64(s.expired),
			"queue_depth":       float64(len(s.queue)),
		},
	}
}

func (s *Sniper) conditionCountLocked() int {
	n := 0
	for _, conds := range s.conditions {
		n += len(conds)
	}
	return n
}
