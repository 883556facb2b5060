package pricebus

import (
	"testing"

	"github.com/aristath/kestrel/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseTs int64 = 2_500_000_000_000

func tick(sym string, price float64, ts int64) domain.Tick {
	return domain.Tick{Symbol: sym, Price: price, TsMs: ts}
}

func TestPublishAndLatest(t *testing.T) {
	bus := New(zerolog.Nop())

	var received []domain.Tick
	bus.Subscribe(func(tk domain.Tick) { received = append(received, tk) })

	bus.Publish(tick("BTC", 50000, baseTs))
	bus.Publish(tick("BTC", 50100, baseTs+1000))
	bus.Publish(tick("ETH", 3000, baseTs))

	latest, ok := bus.Latest("BTC")
	require.True(t, ok)
	assert.Equal(t, 50100.0, latest.Price)

	// Per-symbol delivery order matches arrival order.
	require.Len(t, received, 3)
	assert.Equal(t, 50000.0, received[0].Price)
	assert.Equal(t, 50100.0, received[1].Price)

	_, ok = bus.Latest("SOL")
	assert.False(t, ok)
}

func TestPublishRejectsInvalidTicks(t *testing.T) {
	bus := New(zerolog.Nop())

	count := 0
	bus.Subscribe(func(domain.Tick) { count++ })

	bus.Publish(tick("BTC", -1, baseTs))          // bad price
	bus.Publish(tick("BTC", 50000, 1_700_000_000)) // seconds, not milliseconds
	bus.Publish(tick("", 50000, baseTs))           // missing symbol

	assert.Equal(t, 0, count)
	rejected, _ := bus.Stats()
	assert.EqualValues(t, 3, rejected)
	_, ok := bus.Latest("BTC")
	assert.False(t, ok)
}

func TestPublishDropsDuplicates(t *testing.T) {
	bus := New(zerolog.Nop())

	count := 0
	bus.Subscribe(func(domain.Tick) { count++ })

	bus.Publish(tick("BTC", 50000, baseTs))
	bus.Publish(tick("BTC", 50000, baseTs)) // exact duplicate
	bus.Publish(tick("BTC", 50000, baseTs+1)) // same price, new ts: delivered

	assert.Equal(t, 2, count)
	_, dropped := bus.Stats()
	assert.EqualValues(t, 1, dropped)
}

func TestHistory(t *testing.T) {
	bus := New(zerolog.Nop())

	for i := 0; i < 10; i++ {
		bus.Publish(tick("BTC", 50000+float64(i), baseTs+int64(i)*1000))
	}

	last3 := bus.History("BTC", 3)
	assert.Equal(t, []float64{50007, 50008, 50009}, last3)

	all := bus.History("BTC", 100)
	assert.Len(t, all, 10)
	assert.Equal(t, 50000.0, all[0])

	assert.Nil(t, bus.History("ETH", 5))
}

func TestRingWraps(t *testing.T) {
	r := newRing(4)
	for i := 1; i <= 6; i++ {
		r.push(float64(i))
	}
	assert.Equal(t, []float64{3, 4, 5, 6}, r.last(4))
	assert.Equal(t, []float64{5, 6}, r.last(2))
}
