package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketflow/signalbridge/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	store, err := NewSQLiteStore(Config{
		Path:   filepath.Join(t.TempDir(), "test.db"),
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testStrategy(token string) *models.Strategy {
	return &models.Strategy{
		Name:          "tv_strangle",
		WebhookToken:  token,
		UserID:        "u1",
		Platform:      "tradingview",
		IsActive:      true,
		IsIntraday:    true,
		TradingMode:   models.ModeBoth,
		StartTime:     "09:30",
		EndTime:       "15:00",
		SquareoffTime: "15:15",
	}
}

func TestStrategyRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	strat := testStrategy("tok-1")
	require.NoError(t, store.CreateStrategy(ctx, strat))
	require.NotZero(t, strat.ID)

	got, err := store.GetStrategy(ctx, strat.ID)
	require.NoError(t, err)
	assert.Equal(t, strat.Name, got.Name)
	assert.Equal(t, strat.WebhookToken, got.WebhookToken)
	assert.Equal(t, models.ModeBoth, got.TradingMode)
	assert.Equal(t, "15:15", got.SquareoffTime)
	assert.True(t, got.IsActive)

	byToken, err := store.GetStrategyByToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, strat.ID, byToken.ID)

	_, err = store.GetStrategy(ctx, 404)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetStrategyByToken(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStrategy(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	strat := testStrategy("tok-1")
	require.NoError(t, store.CreateStrategy(ctx, strat))

	strat.IsActive = false
	strat.EndTime = "14:30"
	require.NoError(t, store.UpdateStrategy(ctx, strat))

	got, err := store.GetStrategy(ctx, strat.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Equal(t, "14:30", got.EndTime)

	missing := testStrategy("tok-x")
	missing.ID = 404
	assert.ErrorIs(t, store.UpdateStrategy(ctx, missing), ErrNotFound)
}

func TestListStrategies(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := testStrategy("tok-a")
	require.NoError(t, store.CreateStrategy(ctx, a))
	b := testStrategy("tok-b")
	b.IsActive = false
	require.NoError(t, store.CreateStrategy(ctx, b))
	other := testStrategy("tok-c")
	other.UserID = "u2"
	require.NoError(t, store.CreateStrategy(ctx, other))

	mine, err := store.ListStrategies(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	active, err := store.ListActiveStrategies(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2) // tok-a and tok-c
}

func TestDeleteStrategyCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	strat := testStrategy("tok-1")
	require.NoError(t, store.CreateStrategy(ctx, strat))

	m := &models.SymbolMapping{StrategyID: strat.ID, Symbol: "NIFTY", Exchange: "NFO", Quantity: 75, ProductType: "MIS", OptionType: models.OptionCall}
	require.NoError(t, store.AddMapping(ctx, m))

	p := &models.Position{StrategyID: strat.ID, Symbol: "NIFTY", Exchange: "NFO", Quantity: 75, EntryType: models.ActionBuy, IsActive: true}
	require.NoError(t, store.CreatePosition(ctx, p))

	require.NoError(t, store.DeleteStrategy(ctx, strat.ID))

	mappings, err := store.ListMappings(ctx, strat.ID)
	require.NoError(t, err)
	assert.Empty(t, mappings)

	positions, err := store.ListPositions(ctx, strat.ID)
	require.NoError(t, err)
	assert.Empty(t, positions)

	assert.ErrorIs(t, store.DeleteStrategy(ctx, strat.ID), ErrNotFound)
}

func TestMappings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	strat := testStrategy("tok-1")
	require.NoError(t, store.CreateStrategy(ctx, strat))

	batch := []models.SymbolMapping{
		{Symbol: "NIFTYCE", Exchange: "NFO", Quantity: 75, ProductType: "MIS", StrikeOffset: 2, OptionType: models.OptionCall},
		{Symbol: "NIFTYPE", Exchange: "NFO", Quantity: -75, ProductType: "MIS", StrikeOffset: 2, OptionType: models.OptionPut},
	}
	require.NoError(t, store.AddMappings(ctx, strat.ID, batch))

	got, err := store.ListMappings(ctx, strat.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "NIFTYCE", got[0].Symbol)
	assert.Equal(t, -75, got[1].Quantity)
	assert.Equal(t, models.OptionPut, got[1].OptionType)

	require.NoError(t, store.DeleteMapping(ctx, got[0].ID))
	got, err = store.ListMappings(ctx, strat.ID)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	assert.ErrorIs(t, store.DeleteMapping(ctx, 404), ErrNotFound)
}

func TestPositionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	strat := testStrategy("tok-1")
	require.NoError(t, store.CreateStrategy(ctx, strat))

	p := &models.Position{
		StrategyID:   strat.ID,
		Symbol:       "NIFTY26MAR25000CE",
		Exchange:     "NFO",
		Quantity:     -75,
		AveragePrice: 120.5,
		ProductType:  "MIS",
		EntryType:    models.ActionSell,
		IsActive:     true,
	}
	require.NoError(t, store.CreatePosition(ctx, p))
	require.NotZero(t, p.ID)

	got, err := store.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, -75, got.Quantity)
	assert.Equal(t, models.ActionSell, got.EntryType)
	assert.True(t, got.IsActive)

	active, err := store.ListActivePositions(ctx, strat.ID)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	got.IsActive = false
	got.RealizedPnL = 42.5
	require.NoError(t, store.UpdatePosition(ctx, got))

	active, err = store.ListActivePositions(ctx, strat.ID)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := store.ListPositions(ctx, strat.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 42.5, all[0].RealizedPnL)
}

func TestAPIKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.APIKeyFor(ctx, "u1")
	assert.ErrorIs(t, err, ErrNoAPIKey)

	require.NoError(t, store.SetAPIKey(ctx, "u1", "key-1"))
	key, err := store.APIKeyFor(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "key-1", key)

	// Upsert replaces.
	require.NoError(t, store.SetAPIKey(ctx, "u1", "key-2"))
	key, err = store.APIKeyFor(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "key-2", key)
}
