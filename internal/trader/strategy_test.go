package trader

import (
	"strconv"
	"testing"

	"grid-trailing-bot-go/internal/gateway"
	"grid-trailing-bot-go/internal/models"
	"grid-trailing-bot-go/internal/notifier"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubExchange is an in-memory Exchange implementation for strategy tests.
// MARKET orders fill instantly, LIMIT orders rest until the test flips
// their status.
type stubExchange struct {
	nextID int64
	placed []*models.Order
	orders map[string]*models.Order
	open   []models.Order
}

func newStubExchange() *stubExchange {
	return &stubExchange{orders: make(map[string]*models.Order)}
}

func (e *stubExchange) GetCandlestickBars(pair models.TradePair, interval string, count int, start, end int64) ([]models.Candlestick, error) {
	return nil, nil
}

func (e *stubExchange) GetOpenOrders(pair models.TradePair) ([]models.Order, error) {
	return e.open, nil
}

func (e *stubExchange) PlaceOrder(order *models.Order, qtyStr, priceStr string) (*models.Order, error) {
	e.nextID++
	placed := *order
	placed.OrderID = strconv.FormatInt(e.nextID, 10)
	if placed.Type == models.TypeMarket {
		placed.Status = models.StatusFilled
		placed.ExecutedQty = placed.OrigQty
	} else {
		placed.Status = models.StatusNew
	}
	e.placed = append(e.placed, &placed)
	e.orders[placed.OrderID] = &placed
	return &placed, nil
}

func (e *stubExchange) CancelOrder(pair models.TradePair, orderID string) (bool, error) {
	delete(e.orders, orderID)
	return true, nil
}

func (e *stubExchange) GetOrder(pair models.TradePair, orderID string) (*models.Order, error) {
	order, ok := e.orders[orderID]
	if !ok {
		return nil, nil
	}
	result := *order
	return &result, nil
}

func (e *stubExchange) GetBalances() (map[string]models.Balance, error) {
	return map[string]models.Balance{}, nil
}

func (e *stubExchange) Subscribe(pair models.TradePair, interval string, events chan<- models.Event) error {
	return nil
}

func (e *stubExchange) Close() error { return nil }

// placedBySide filters recorded placements by side.
func (e *stubExchange) placedBySide(side models.Side) []*models.Order {
	var result []*models.Order
	for _, o := range e.placed {
		if o.Side == side {
			result = append(result, o)
		}
	}
	return result
}

func marketSettings() *models.BotSettings {
	return &models.BotSettings{
		Name:             "test-long",
		Pair:             "BNB_USDT",
		Direction:        models.DirectionLong,
		OrderType:        models.TypeMarket,
		MinRange:         500,
		MaxRange:         2000,
		OrderDistance:    100,
		TriggerDistance:  50,
		OrderQuantity:    1,
		OrderMaxQuantity: 5,
		PricePrecision:   2,
		QtyPrecision:     2,
	}
}

func newTestStrategy(t *testing.T, settings *models.BotSettings, ex *stubExchange) *Strategy {
	t.Helper()
	log := zap.NewNop().Sugar()
	gw := gateway.New(ex, nil, notifier.NopNotifier{}, log, gateway.Options{})
	return NewStrategy(settings, gw, nil, notifier.NopNotifier{}, log)
}

func tick(t *testing.T, s *Strategy, price float64) {
	t.Helper()
	require.NoError(t, s.HandleTrade(models.Trade{Price: price}))
}

func TestMarketEntryThenTrailingClose(t *testing.T) {
	ex := newStubExchange()
	s := newTestStrategy(t, marketSettings(), ex)

	// First tick inside the range opens a position at its bucket.
	tick(t, s, 1000)
	require.Len(t, ex.placed, 1)
	assert.Equal(t, models.SideBuy, ex.placed[0].Side)
	assert.Equal(t, models.TypeMarket, ex.placed[0].Type)
	assert.Equal(t, 1, s.OpenOrderCount())

	// Price moves up exactly the trigger distance: not beyond it,
	// so the stop does not arm yet.
	tick(t, s, 1050)
	require.Len(t, ex.placed, 1)
	assert.Nil(t, s.orders["1000.00"].StopPrice)

	// A new bucket opens a second position, and the first order's
	// stop arms at price - triggerDistance.
	tick(t, s, 1100)
	require.Len(t, ex.placed, 2)
	assert.Equal(t, models.SideBuy, ex.placed[1].Side)
	assert.Equal(t, 1050.0, *s.orders["1000.00"].StopPrice)

	// Falling through the stop closes the first bucket with a single
	// aggregated market order on the close side.
	tick(t, s, 1040)
	sells := ex.placedBySide(models.SideSell)
	require.Len(t, sells, 1)
	assert.Equal(t, models.TypeMarket, sells[0].Type)
	assert.Equal(t, 1.0, sells[0].OrigQty)
	assert.Equal(t, 1, s.OpenOrderCount())
	_, stillThere := s.orders["1000.00"]
	assert.False(t, stillThere)
}

func TestTrailingStopNeverLoosens(t *testing.T) {
	settings := marketSettings()
	settings.OrderMaxQuantity = 1
	ex := newStubExchange()
	s := newTestStrategy(t, settings, ex)

	tick(t, s, 1000)
	tick(t, s, 1100)
	require.Equal(t, 1050.0, *s.orders["1000.00"].StopPrice)

	// A pullback that stays above the stop must not move it down.
	tick(t, s, 1060)
	assert.Equal(t, 1050.0, *s.orders["1000.00"].StopPrice)
	assert.Empty(t, ex.placedBySide(models.SideSell))

	tick(t, s, 1045)
	require.Len(t, ex.placedBySide(models.SideSell), 1)
}

func TestClosesAggregatePerSide(t *testing.T) {
	ex := newStubExchange()
	s := newTestStrategy(t, marketSettings(), ex)

	// Open three buckets, arm all stops, then crash through all of
	// them in one tick: exactly one SELL order covers the total.
	tick(t, s, 1000)
	tick(t, s, 1100)
	tick(t, s, 1200)
	tick(t, s, 1300)
	require.Len(t, ex.placedBySide(models.SideBuy), 4)

	tick(t, s, 900)
	sells := ex.placedBySide(models.SideSell)
	require.Len(t, sells, 1)
	assert.Equal(t, 3.0, sells[0].OrigQty)
}

func TestReentryReoccupiesClosedBucket(t *testing.T) {
	settings := marketSettings()
	settings.OrderMaxQuantity = 1
	settings.ReentryDistance = 100
	ex := newStubExchange()
	s := newTestStrategy(t, settings, ex)

	tick(t, s, 1000)
	tick(t, s, 1100)
	tick(t, s, 1045)
	require.Len(t, ex.placedBySide(models.SideSell), 1)

	// The closed bucket is immediately re-recorded so the grid stays
	// continuous.
	order, ok := s.orders["1000.00"]
	require.True(t, ok)
	assert.Equal(t, models.StatusFilled, order.Status)
	assert.Equal(t, models.SideSell, order.Side)
}

func TestOutOfRangePricesAreIgnored(t *testing.T) {
	ex := newStubExchange()
	s := newTestStrategy(t, marketSettings(), ex)

	tick(t, s, 499)
	tick(t, s, 2001)
	assert.Empty(t, ex.placed)
	assert.Equal(t, 0, s.OpenOrderCount())
}

func TestLimitLadderPlacesRungsDownToRangeFloor(t *testing.T) {
	settings := marketSettings()
	settings.OrderType = models.TypeLimit
	settings.MinRange = 700
	settings.MaxRange = 1300
	settings.OrderMaxQuantity = 10
	ex := newStubExchange()
	s := newTestStrategy(t, settings, ex)

	tick(t, s, 1000)
	require.Len(t, ex.placed, 4)
	var prices []float64
	for _, o := range ex.placed {
		assert.Equal(t, models.SideBuy, o.Side)
		assert.Equal(t, models.TypeLimit, o.Type)
		prices = append(prices, o.Price)
	}
	assert.Equal(t, []float64{1000, 900, 800, 700}, prices)
	assert.Equal(t, 4, s.OpenOrderCount())
}

func TestLimitLadderRespectsOrderCap(t *testing.T) {
	settings := marketSettings()
	settings.OrderType = models.TypeLimit
	settings.OrderMaxQuantity = 2
	ex := newStubExchange()
	s := newTestStrategy(t, settings, ex)

	tick(t, s, 1000)
	assert.Len(t, ex.placed, 2)
}

func TestLimitFillPromotesToTrailing(t *testing.T) {
	settings := marketSettings()
	settings.OrderType = models.TypeLimit
	settings.OrderMaxQuantity = 2
	ex := newStubExchange()
	s := newTestStrategy(t, settings, ex)

	tick(t, s, 1000)
	require.Len(t, ex.placed, 2)

	// The exchange reports the rung at 1000 as filled; leaving the
	// bucket picks that up and promotes the order to trailing state.
	rung := ex.placed[0]
	ex.orders[rung.OrderID].Status = models.StatusFilled

	tick(t, s, 1100)
	promoted := s.orders["1000.00"]
	require.NotNil(t, promoted)
	assert.Equal(t, models.TypeMarket, promoted.Type)
	assert.Equal(t, models.SideSell, promoted.Side)
	require.NotNil(t, promoted.LastBorderPrice)

	// After promotion the trailing machinery closes it like any
	// armed order.
	tick(t, s, 1150)
	tick(t, s, 1090)
	require.Len(t, ex.placedBySide(models.SideSell), 1)
}

func TestHandleOrderUpdateFilledAppliesFillOnce(t *testing.T) {
	settings := marketSettings()
	settings.OrderType = models.TypeLimit
	settings.OrderMaxQuantity = 1
	ex := newStubExchange()
	s := newTestStrategy(t, settings, ex)

	tick(t, s, 1000)
	require.Equal(t, 1, s.OpenOrderCount())

	update := models.Order{
		OrderID:     ex.placed[0].OrderID,
		Pair:        s.pair,
		Price:       1000,
		OrigQty:     1,
		ExecutedQty: 1,
		Side:        models.SideBuy,
		Type:        models.TypeLimit,
		Status:      models.StatusFilled,
	}
	require.NoError(t, s.HandleOrderUpdate(update))
	assert.Equal(t, 1.0, s.Positions().BuyAmount)

	// A duplicate push of the same fill must not double the position.
	require.NoError(t, s.HandleOrderUpdate(update))
	assert.Equal(t, 1.0, s.Positions().BuyAmount)
}

func TestHandleOrderUpdateCanceledRemovesLocal(t *testing.T) {
	settings := marketSettings()
	settings.OrderType = models.TypeLimit
	settings.OrderMaxQuantity = 1
	ex := newStubExchange()
	s := newTestStrategy(t, settings, ex)

	tick(t, s, 1000)
	require.Equal(t, 1, s.OpenOrderCount())

	update := models.Order{
		OrderID: ex.placed[0].OrderID,
		Price:   1000,
		Side:    models.SideBuy,
		Type:    models.TypeLimit,
		Status:  models.StatusCanceled,
	}
	require.NoError(t, s.HandleOrderUpdate(update))
	assert.Equal(t, 0, s.OpenOrderCount())
}

func shortMarketSettings() *models.BotSettings {
	settings := marketSettings()
	settings.Name = "test-short"
	settings.Direction = models.DirectionShort
	return settings
}

func TestShortMarketEntryThenTrailingClose(t *testing.T) {
	ex := newStubExchange()
	s := newTestStrategy(t, shortMarketSettings(), ex)

	// First tick opens a short at its bucket with a SELL market order.
	tick(t, s, 1000)
	require.Len(t, ex.placed, 1)
	assert.Equal(t, models.SideSell, ex.placed[0].Side)
	assert.Equal(t, models.TypeMarket, ex.placed[0].Type)
	assert.Equal(t, 1, s.OpenOrderCount())

	// Falling exactly the trigger distance does not arm the stop.
	tick(t, s, 950)
	require.Len(t, ex.placed, 2)
	assert.Equal(t, models.SideSell, ex.placed[1].Side)
	assert.Nil(t, s.orders["1000.00"].StopPrice)

	// Beyond it the stop arms at price + triggerDistance.
	tick(t, s, 900)
	require.Equal(t, 950.0, *s.orders["1000.00"].StopPrice)

	// Rising through the stop closes the bucket with a single
	// aggregated BUY market order.
	tick(t, s, 955)
	buys := ex.placedBySide(models.SideBuy)
	require.Len(t, buys, 1)
	assert.Equal(t, models.TypeMarket, buys[0].Type)
	assert.Equal(t, 1.0, buys[0].OrigQty)
	assert.Equal(t, 1, s.OpenOrderCount())
	_, stillThere := s.orders["1000.00"]
	assert.False(t, stillThere)
}

func TestShortTrailingStopNeverLoosens(t *testing.T) {
	settings := shortMarketSettings()
	settings.OrderMaxQuantity = 1
	ex := newStubExchange()
	s := newTestStrategy(t, settings, ex)

	tick(t, s, 1000)
	tick(t, s, 900)
	require.Equal(t, 950.0, *s.orders["1000.00"].StopPrice)

	// A further drop tightens the stop downward.
	tick(t, s, 850)
	require.Equal(t, 900.0, *s.orders["1000.00"].StopPrice)

	// A pullback that stays below the stop must not move it up.
	tick(t, s, 890)
	assert.Equal(t, 900.0, *s.orders["1000.00"].StopPrice)
	assert.Empty(t, ex.placedBySide(models.SideBuy))

	tick(t, s, 905)
	require.Len(t, ex.placedBySide(models.SideBuy), 1)
}

func TestShortLimitLadderPlacesRungsUpToRangeCeiling(t *testing.T) {
	settings := shortMarketSettings()
	settings.OrderType = models.TypeLimit
	settings.MinRange = 700
	settings.MaxRange = 1300
	settings.OrderMaxQuantity = 10
	ex := newStubExchange()
	s := newTestStrategy(t, settings, ex)

	tick(t, s, 1000)
	require.Len(t, ex.placed, 4)
	var prices []float64
	for _, o := range ex.placed {
		assert.Equal(t, models.SideSell, o.Side)
		assert.Equal(t, models.TypeLimit, o.Type)
		prices = append(prices, o.Price)
	}
	assert.Equal(t, []float64{1000, 1100, 1200, 1300}, prices)
	assert.Equal(t, 4, s.OpenOrderCount())
}

func TestStopArmsOnlyBeyondTriggerPlusTrailingDistance(t *testing.T) {
	settings := marketSettings()
	settings.TrailingDistance = 20
	settings.OrderMaxQuantity = 1
	ex := newStubExchange()
	s := newTestStrategy(t, settings, ex)

	tick(t, s, 1000)

	// Exactly trigger + trailing away is still not armed.
	tick(t, s, 1070)
	assert.Nil(t, s.orders["1000.00"].StopPrice)

	tick(t, s, 1071)
	require.NotNil(t, s.orders["1000.00"].StopPrice)
	assert.Equal(t, 1021.0, *s.orders["1000.00"].StopPrice)
}

func TestHandleOrderUpdateFilledWithoutPriceUsesLocalBucket(t *testing.T) {
	settings := marketSettings()
	settings.OrderType = models.TypeLimit
	settings.OrderMaxQuantity = 1
	ex := newStubExchange()
	s := newTestStrategy(t, settings, ex)

	tick(t, s, 1000)
	require.Equal(t, 1, s.OpenOrderCount())

	// A market-fill report without a price must be booked at the
	// local order's bucket price, never at zero.
	update := models.Order{
		OrderID:     ex.placed[0].OrderID,
		Pair:        s.pair,
		Price:       0,
		OrigQty:     1,
		ExecutedQty: 1,
		Side:        models.SideBuy,
		Type:        models.TypeLimit,
		Status:      models.StatusFilled,
	}
	require.NoError(t, s.HandleOrderUpdate(update))
	assert.Equal(t, 1.0, s.Positions().BuyAmount)
	assert.Equal(t, 1000.0, s.Positions().BuyPrice)

	// The located bucket is promoted like any other fill.
	promoted := s.orders["1000.00"]
	require.NotNil(t, promoted)
	assert.Equal(t, models.TypeMarket, promoted.Type)
}

func TestFeeDeductedFromPosition(t *testing.T) {
	settings := marketSettings()
	settings.FeePercent = 1.0
	ex := newStubExchange()
	s := newTestStrategy(t, settings, ex)

	tick(t, s, 1000)
	assert.InDelta(t, 0.99, s.Positions().BuyAmount, 1e-9)
}
