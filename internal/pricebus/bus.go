// Package pricebus fans price ticks out to subscribers and caches the latest
// tick per symbol. Publish is synchronous on the publisher's goroutine;
// subscribers must not block. The sniper subscribes via a single-consumer
// channel so its tick path stays effectively single-threaded.
package pricebus

import (
	"sync"

	"github.com/aristath/kestrel/internal/domain"
	"github.com/rs/zerolog"
)

// historyDepth is the number of recent prices retained per symbol. Sized for
// trend detection (SMA windows) and post-exit price sampling.
const historyDepth = 512

// Subscriber receives every accepted tick. Must return quickly.
type Subscriber func(tick domain.Tick)

// Bus is the in-process price distribution hub.
type Bus struct {
	mu          sync.RWMutex
	latest      map[string]domain.Tick
	history     map[string]*ring
	subscribers []Subscriber

	rejected int64 // ticks dropped by ingress validation
	dropped  int64 // duplicate/stale ticks dropped

	log zerolog.Logger
}

// New creates a price bus.
func New(log zerolog.Logger) *Bus {
	return &Bus{
		latest:  make(map[string]domain.Tick),
		history: make(map[string]*ring),
		log:     log.With().Str("component", "pricebus").Logger(),
	}
}

// Subscribe registers a callback for every accepted tick. Not safe to call
// concurrently with Publish; wiring happens before the feed starts.
func (b *Bus) Subscribe(sub Subscriber) {
	b.subscribers = append(b.subscribers, sub)
}

// Publish validates and distributes one tick. Invalid ticks are rejected at
// ingress (logged with evidence, state untouched). A tick identical to the
// latest one for its symbol (same timestamp and price) is dropped.
func (b *Bus) Publish(tick domain.Tick) {
	if err := tick.Validate(); err != nil {
		b.mu.Lock()
		b.rejected++
		b.mu.Unlock()
		b.log.Error().Err(err).
			Str("symbol", tick.Symbol).
			Float64("price", tick.Price).
			Int64("ts", tick.TsMs).
			Msg("Rejected invalid tick at ingress")
		return
	}

	b.mu.Lock()
	if prev, ok := b.latest[tick.Symbol]; ok && prev.TsMs == tick.TsMs && prev.Price == tick.Price {
		b.dropped++
		b.mu.Unlock()
		return
	}
	b.latest[tick.Symbol] = tick
	r, ok := b.history[tick.Symbol]
	if !ok {
		r = newRing(historyDepth)
		b.history[tick.Symbol] = r
	}
	r.push(tick.Price)
	b.mu.Unlock()

	for _, sub := range b.subscribers {
		sub(tick)
	}
}

// Latest returns the most recent tick for a symbol.
func (b *Bus) Latest(symbol string) (domain.Tick, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	tick, ok := b.latest[symbol]
	return tick, ok
}

// LatestAll returns a copy of the latest tick per symbol.
func (b *Bus) LatestAll() map[string]domain.Tick {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]domain.Tick, len(b.latest))
	for sym, tick := range b.latest {
		out[sym] = tick
	}
	return out
}

// History returns up to n most recent prices for a symbol, oldest first.
func (b *Bus) History(symbol string, n int) []float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.history[symbol]
	if !ok {
		return nil
	}
	return r.last(n)
}

// Stats returns ingress counters for the health report.
func (b *Bus) Stats() (rejected, dropped int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rejected, b.dropped
}

// ring is a fixed-capacity price buffer.
type ring struct {
	buf  []float64
	head int
	size int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]float64, capacity)}
}

func (r *ring) push(v float64) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// last returns up to n most recent values, oldest first.
func (r *ring) last(n int) []float64 {
	if n > r.size {
		n = r.size
	}
	out := make([]float64, 0, n)
	start := (r.head - n + len(r.buf)) % len(r.buf)
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
