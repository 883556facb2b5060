package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/kestrel/internal/config"
	"github.com/aristath/kestrel/internal/domain"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DBPath:           filepath.Join(t.TempDir(), "store.db"),
		TradeableSymbols: []string{"BTC", "ETH"},
		SymbolMap:        map[string]string{"BTC": "BTCUSDT", "ETH": "ETHUSDT"},

		InitialBalance: 10_000,
		MaxPositions:   5,
		MaxExposurePct: 0.10,
		MinSizeUSD:     20,
		MaxSizeUSD:     100,

		StopLossMin:     0.002,
		StopLossMax:     0.10,
		TakeProfitMin:   0.002,
		TakeProfitMax:   0.10,
		MaxTriggerDrift: 0.10,

		StrategistPeriod:       3 * time.Minute,
		ReflectionPeriod:       time.Hour,
		ReflectionMinTrades:    10,
		MinTradesForAdaptation: 5,

		BlacklistWinRate: 0.30,
		ReducedWinRate:   0.45,
		FavoredWinRate:   0.60,

		LLMEndpoint: "http://localhost:1",
		// Nothing listens here: the initial dial fails.
		FeedURL: "ws://localhost:1",
	}
}

func TestStartToleratesFeedDialFailure(t *testing.T) {
	o, err := New(testConfig(t), zerolog.Nop())
	require.NoError(t, err)

	// The feed cannot connect, yet the engine comes up and trades on
	// whatever the source eventually delivers.
	require.NoError(t, o.Start())

	components := o.Health()
	assert.Equal(t, domain.HealthDegraded, components["feed"].Status)
	assert.NotEqual(t, domain.HealthFailed, components["system"].Status)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))
}

func TestStartArmsMaintenanceTimers(t *testing.T) {
	o, err := New(testConfig(t), zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, o.Start())
	// Strategist, flush, effectiveness, expiry, health, reflection,
	// WAL checkpoint and integrity check.
	assert.Len(t, o.cron.Entries(), 8)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))
}

func TestHealthReportsStore(t *testing.T) {
	o, err := New(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = o.db.Close() }()

	components := o.Health()
	require.Contains(t, components, "store")
	assert.Equal(t, domain.HealthHealthy, components["store"].Status)
}
