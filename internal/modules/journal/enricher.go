package journal

import (
	"sync"
	"time"

	"github.com/aristath/kestrel/internal/domain"
	"github.com/rs/zerolog"
)

// Enrichment offsets after exit, and how far back a sweep still bothers
// sampling. Entries older than the lookback keep whatever was captured.
const (
	enrichSweepEvery = 15 * time.Second
	enrichLookback   = 30 * time.Minute
)

var enrichOffsets = [...]time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}

// PriceReader is the slice of the price bus the enricher samples from.
type PriceReader interface {
	Latest(symbol string) (domain.Tick, bool)
}

// Enricher samples the market price 1, 5 and 15 minutes after each exit and
// writes the samples back onto the journal row. The samples feed the
// reflection's "would the stop have recovered" analysis.
type Enricher struct {
	repo   *Repository
	prices PriceReader
	log    zerolog.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	enriched int64
	errors   int
}

// NewEnricher creates the post-exit sampler.
func NewEnricher(repo *Repository, prices PriceReader, log zerolog.Logger) *Enricher {
	return &Enricher{
		repo:     repo,
		prices:   prices,
		log:      log.With().Str("component", "enricher").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (e *Enricher) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(enrichSweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.sweep(domain.NowMs())
			case <-e.stopChan:
				return
			}
		}
	}()
}

// Stop terminates the sweep loop. Idempotent.
func (e *Enricher) Stop() {
	e.stopOnce.Do(func() { close(e.stopChan) })
	e.wg.Wait()
}

// sweep fills every elapsed, still-empty offset of recent closed trades with
// the current price. Sweeps run often enough that the sample lands within
// seconds of its nominal offset.
func (e *Enricher) sweep(nowMs int64) {
	pending, err := e.repo.PendingEnrichment(nowMs - enrichLookback.Milliseconds())
	if err != nil {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		e.log.Error().Err(err).Msg("Failed to load entries pending enrichment")
		return
	}

	for _, entry := range pending {
		samples := [len(enrichOffsets)]*float64{}
		existing := [len(enrichOffsets)]*float64{entry.PriceAfter1m, entry.PriceAfter5m, entry.PriceAfter15m}

		filled := false
		for i, offset := range enrichOffsets {
			if existing[i] != nil {
				continue
			}
			if entry.ExitTsMs+offset.Milliseconds() > nowMs {
				continue
			}
			tick, ok := e.prices.Latest(entry.Symbol)
			if !ok {
				continue
			}
			price := tick.Price
			samples[i] = &price
			filled = true
		}
		if !filled {
			continue
		}

		if err := e.repo.EnrichPostExit(entry.TradeID, samples[0], samples[1], samples[2]); err != nil {
			e.mu.Lock()
			e.errors++
			e.mu.Unlock()
			e.log.Error().Err(err).Str("trade_id", entry.TradeID).Msg("Failed to enrich journal entry")
			continue
		}
		e.mu.Lock()
		e.enriched++
		e.mu.Unlock()
	}
}

// Health reports the enricher's counters.
func (e *Enricher) Health() domain.Health {
	e.mu.Lock()
	defer e.mu.Unlock()

	status := domain.HealthHealthy
	if e.errors >= 5 {
		status = domain.HealthDegraded
	}
	return domain.Health{
		Status:     status,
		ErrorCount: e.errors,
		Metrics: map[string]float64{
			"samples_written": float64(e.enriched),
		},
	}
}
