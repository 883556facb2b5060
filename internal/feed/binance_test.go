package feed

import (
	"testing"
	"time"

	"github.com/aristath/kestrel/internal/pricebus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSource(t *testing.T) (*BinanceSource, *pricebus.Bus) {
	t.Helper()
	bus := pricebus.New(zerolog.Nop())
	src := NewBinanceSource("wss://example.test/stream", map[string]string{
		"BTC": "BTCUSDT",
		"ETH": "ETHUSDT",
	}, bus, zerolog.Nop())
	return src, bus
}

func TestHandleMessagePublishesTick(t *testing.T) {
	src, bus := newTestSource(t)

	msg := []byte(`{"stream":"btcusdt@miniTicker","data":{"e":"24hrMiniTicker","E":2500000000000,"s":"BTCUSDT","c":"50500.00","o":"50000.00"}}`)
	require.NoError(t, src.handleMessage(msg))

	tick, ok := bus.Latest("BTC")
	require.True(t, ok)
	assert.Equal(t, 50500.0, tick.Price)
	assert.EqualValues(t, 2500000000000, tick.TsMs)
	assert.InDelta(t, 1.0, tick.Change24h, 1e-9)
}

func TestHandleMessageIgnoresUnknownTicker(t *testing.T) {
	src, bus := newTestSource(t)

	msg := []byte(`{"stream":"dogeusdt@miniTicker","data":{"e":"24hrMiniTicker","E":2500000000000,"s":"DOGEUSDT","c":"0.1","o":"0.1"}}`)
	require.NoError(t, src.handleMessage(msg))

	assert.Empty(t, bus.LatestAll())
}

func TestHandleMessageRejectsMalformedPrice(t *testing.T) {
	src, _ := newTestSource(t)

	msg := []byte(`{"stream":"btcusdt@miniTicker","data":{"e":"24hrMiniTicker","E":2500000000000,"s":"BTCUSDT","c":"not-a-number","o":"50000"}}`)
	assert.Error(t, src.handleMessage(msg))
}

func TestStreamURLIncludesAllTickers(t *testing.T) {
	src, _ := newTestSource(t)

	url := src.streamURL()
	assert.Contains(t, url, "wss://example.test/stream?streams=")
	assert.Contains(t, url, "btcusdt@miniTicker")
	assert.Contains(t, url, "ethusdt@miniTicker")
}

func TestCalculateBackoff(t *testing.T) {
	assert.Equal(t, 5*time.Second, calculateBackoff(1))
	assert.Equal(t, 10*time.Second, calculateBackoff(2))
	assert.Equal(t, 40*time.Second, calculateBackoff(4))
	assert.Equal(t, 5*time.Minute, calculateBackoff(20))
}
