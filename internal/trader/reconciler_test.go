package trader

import (
	"testing"

	"grid-trailing-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reconcilerSettings() *models.BotSettings {
	return &models.BotSettings{
		Name:             "recon",
		Pair:             "BNB_USDT",
		Direction:        models.DirectionLong,
		OrderType:        models.TypeLimit,
		MinRange:         100,
		MaxRange:         200,
		OrderDistance:    10,
		TriggerDistance:  5,
		OrderQuantity:    1,
		OrderMaxQuantity: 20,
		PricePrecision:   2,
		QtyPrecision:     2,
	}
}

func TestSynchronizeAdoptsExchangeOrdersWithinTolerance(t *testing.T) {
	ex := newStubExchange()
	ex.open = []models.Order{
		{OrderID: "10", Price: 150, OrigQty: 1.05, Side: models.SideBuy, Type: models.TypeLimit, Status: models.StatusNew},
		{OrderID: "11", Price: 160, OrigQty: 1.5, Side: models.SideBuy, Type: models.TypeLimit, Status: models.StatusNew},
		{OrderID: "12", Price: 170, OrigQty: 1.0, Side: models.SideSell, Type: models.TypeLimit, Status: models.StatusNew},
		{OrderID: "13", Price: 155, OrigQty: 1.0, Side: models.SideBuy, Type: models.TypeLimit, Status: models.StatusNew},
	}
	s := newTestStrategy(t, reconcilerSettings(), ex)

	require.NoError(t, s.Synchronize())

	// 10: exact bucket, quantity within 10% -> adopted.
	adopted, ok := s.orders["150.00"]
	require.True(t, ok)
	assert.Equal(t, "10", adopted.OrderID)

	// 11: quantity 50% off -> rejected.
	_, ok = s.orders["160.00"]
	assert.False(t, ok)

	// 12: wrong side for a LONG bot -> rejected.
	_, ok = s.orders["170.00"]
	assert.False(t, ok)

	// 13: price not on a bucket boundary -> rejected.
	assert.Equal(t, 1, s.OpenOrderCount())
}

func TestSynchronizeAdoptsPartiallyFilledOpenOrder(t *testing.T) {
	ex := newStubExchange()
	ex.open = []models.Order{
		{OrderID: "21", Price: 150, OrigQty: 1.0, ExecutedQty: 0.4, Side: models.SideBuy, Type: models.TypeLimit, Status: models.StatusPartiallyFilled},
	}
	s := newTestStrategy(t, reconcilerSettings(), ex)

	require.NoError(t, s.Synchronize())

	// Still an open order on the exchange side, adopted like a NEW one.
	adopted, ok := s.orders["150.00"]
	require.True(t, ok)
	assert.Equal(t, "21", adopted.OrderID)
	assert.Equal(t, models.StatusPartiallyFilled, adopted.Status)
}

func TestSynchronizeIsIdempotent(t *testing.T) {
	ex := newStubExchange()
	ex.open = []models.Order{
		{OrderID: "10", Price: 150, OrigQty: 1.0, Side: models.SideBuy, Type: models.TypeLimit, Status: models.StatusNew},
	}
	s := newTestStrategy(t, reconcilerSettings(), ex)

	require.NoError(t, s.Synchronize())
	first := make(map[string]string, len(s.orders))
	for k, o := range s.orders {
		first[k] = o.OrderID
	}

	require.NoError(t, s.Synchronize())
	require.Len(t, s.orders, len(first))
	for k, o := range s.orders {
		assert.Equal(t, first[k], o.OrderID)
	}
}

func TestSynchronizeRemovesStaleLocalLimits(t *testing.T) {
	ex := newStubExchange()
	s := newTestStrategy(t, reconcilerSettings(), ex)

	// A local LIMIT rung the exchange no longer reports.
	s.orders["150.00"] = &models.Order{
		OrderID: "99", Price: 150, OrigQty: 1,
		Side: models.SideBuy, Type: models.TypeLimit, Status: models.StatusNew,
	}
	// A promoted trailing order: exists only locally, must survive.
	border := 0.0
	s.orders["140.00"] = &models.Order{
		OrderID: "98", Price: 140, OrigQty: 1,
		Side: models.SideSell, Type: models.TypeMarket, Status: models.StatusFilled,
		LastBorderPrice: &border,
	}
	// A rung parked outside the trading range is left alone.
	s.orders["90.00"] = &models.Order{
		OrderID: "97", Price: 90, OrigQty: 1,
		Side: models.SideBuy, Type: models.TypeLimit, Status: models.StatusNew,
	}

	require.NoError(t, s.Synchronize())

	_, ok := s.orders["150.00"]
	assert.False(t, ok)
	_, ok = s.orders["140.00"]
	assert.True(t, ok)
	_, ok = s.orders["90.00"]
	assert.True(t, ok)
}

func TestSynchronizeKeepsLimitsStillOpenOnExchange(t *testing.T) {
	ex := newStubExchange()
	ex.open = []models.Order{
		{OrderID: "99", Price: 150, OrigQty: 1, Side: models.SideBuy, Type: models.TypeLimit, Status: models.StatusNew},
	}
	s := newTestStrategy(t, reconcilerSettings(), ex)
	s.orders["150.00"] = &models.Order{
		OrderID: "99", Price: 150, OrigQty: 1,
		Side: models.SideBuy, Type: models.TypeLimit, Status: models.StatusNew,
	}

	require.NoError(t, s.Synchronize())
	_, ok := s.orders["150.00"]
	assert.True(t, ok)
}

func TestSynchronizeSeedsCloseOrders(t *testing.T) {
	settings := reconcilerSettings()
	settings.SetCloseOrders = true
	ex := newStubExchange()
	s := newTestStrategy(t, settings, ex)

	require.NoError(t, s.Synchronize())

	// 100..200 stepped by 10 -> 11 buckets, all seeded on the close
	// side with the worst-case anchor.
	assert.Equal(t, 11, s.OpenOrderCount())
	seeded := s.orders["150.00"]
	require.NotNil(t, seeded)
	assert.Equal(t, models.SideSell, seeded.Side)
	assert.Equal(t, models.TypeMarket, seeded.Type)
	assert.Equal(t, models.StatusFilled, seeded.Status)
	require.NotNil(t, seeded.LastBorderPrice)
	assert.Equal(t, 0.0, *seeded.LastBorderPrice)
}

func TestSynchronizeSeedingDoesNotOverwriteExisting(t *testing.T) {
	settings := reconcilerSettings()
	settings.SetCloseOrders = true
	ex := newStubExchange()
	ex.open = []models.Order{
		{OrderID: "10", Price: 150, OrigQty: 1.0, Side: models.SideBuy, Type: models.TypeLimit, Status: models.StatusNew},
	}
	s := newTestStrategy(t, settings, ex)

	require.NoError(t, s.Synchronize())
	assert.Equal(t, "10", s.orders["150.00"].OrderID)
	assert.Equal(t, 11, s.OpenOrderCount())
}
