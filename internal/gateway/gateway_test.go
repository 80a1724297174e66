package gateway

import (
	"errors"
	"testing"
	"time"

	"grid-trailing-bot-go/internal/exchange"
	"grid-trailing-bot-go/internal/models"
	"grid-trailing-bot-go/internal/notifier"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// flakyExchange fails a configurable number of PlaceOrder calls before
// succeeding, and records how often it was asked.
type flakyExchange struct {
	failures   int
	placeCalls int
	placeErr   error
	result     *models.Order
	getOrder   *models.Order
	getCalls   int
	balances   map[string]models.Balance
	closed     bool
}

func (e *flakyExchange) GetCandlestickBars(pair models.TradePair, interval string, count int, start, end int64) ([]models.Candlestick, error) {
	return nil, nil
}

func (e *flakyExchange) GetOpenOrders(pair models.TradePair) ([]models.Order, error) {
	return nil, nil
}

func (e *flakyExchange) PlaceOrder(order *models.Order, qtyStr, priceStr string) (*models.Order, error) {
	e.placeCalls++
	if e.placeCalls <= e.failures {
		return nil, e.placeErr
	}
	return e.result, nil
}

func (e *flakyExchange) CancelOrder(pair models.TradePair, orderID string) (bool, error) {
	return true, nil
}

func (e *flakyExchange) GetOrder(pair models.TradePair, orderID string) (*models.Order, error) {
	e.getCalls++
	return e.getOrder, nil
}

func (e *flakyExchange) GetBalances() (map[string]models.Balance, error) {
	return e.balances, nil
}

func (e *flakyExchange) Subscribe(pair models.TradePair, interval string, events chan<- models.Event) error {
	return nil
}

func (e *flakyExchange) Close() error {
	e.closed = true
	return nil
}

func testOrder() *models.Order {
	return &models.Order{
		Pair:    models.TradePair{Base: "BNB", Quote: "USDT"},
		Price:   100,
		OrigQty: 1,
		Side:    models.SideBuy,
		Type:    models.TypeLimit,
		Status:  models.StatusNew,
	}
}

func newTestGateway(ex exchange.Exchange, factory exchange.Factory, opts Options) *Gateway {
	g := New(ex, factory, notifier.NopNotifier{}, zap.NewNop().Sugar(), opts)
	g.sleep = func(time.Duration) {}
	return g
}

func TestPlaceOrderRetriesThenSucceeds(t *testing.T) {
	ex := &flakyExchange{
		failures: 2,
		placeErr: errors.New("connection reset"),
		result:   &models.Order{OrderID: "1", Side: models.SideBuy, Status: models.StatusNew},
	}
	g := newTestGateway(ex, nil, Options{RetryCount: 3})

	placed, err := g.PlaceOrder(testOrder(), "1.00", "100.00")
	require.NoError(t, err)
	assert.Equal(t, "1", placed.OrderID)
	assert.Equal(t, 3, ex.placeCalls)
}

func TestPlaceOrderExhaustsRetries(t *testing.T) {
	ex := &flakyExchange{
		failures: 10,
		placeErr: errors.New("connection reset"),
	}
	g := newTestGateway(ex, nil, Options{RetryCount: 2})

	_, err := g.PlaceOrder(testOrder(), "1.00", "100.00")
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "PlaceOrder", fatal.Op)
	assert.Equal(t, 3, ex.placeCalls)
}

func TestPlaceOrderInsufficientBalanceIsFatalImmediately(t *testing.T) {
	ex := &flakyExchange{
		failures: 10,
		placeErr: &models.Error{Code: -2010, Msg: "Account has insufficient balance for requested action."},
		balances: map[string]models.Balance{
			"BNB":  {Asset: "BNB", Free: 0.5},
			"USDT": {Asset: "USDT", Free: 12.3},
		},
	}
	g := newTestGateway(ex, nil, Options{RetryCount: 5})

	_, err := g.PlaceOrder(testOrder(), "1.00", "100.00")
	var insufficient *models.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	// Never retried, and the error carries both asset balances.
	assert.Equal(t, 1, ex.placeCalls)
	assert.Equal(t, 0.5, insufficient.BaseAsset.Free)
	assert.Equal(t, 12.3, insufficient.QuoteAsset.Free)
}

func TestPlaceOrderUnknownResultCountsAgainstBudget(t *testing.T) {
	ex := &flakyExchange{
		result: &models.Order{OrderID: "1", Side: models.SideUnsupported, Status: models.StatusNew},
	}
	g := newTestGateway(ex, nil, Options{RetryCount: 2})

	_, err := g.PlaceOrder(testOrder(), "1.00", "100.00")
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, 3, ex.placeCalls)
}

func TestPlaceOrderReconnectsBeforeRetry(t *testing.T) {
	first := &flakyExchange{
		failures: 10,
		placeErr: errors.New("connection reset"),
	}
	second := &flakyExchange{
		result: &models.Order{OrderID: "2", Side: models.SideBuy, Status: models.StatusNew},
	}
	factory := func() (exchange.Exchange, error) { return second, nil }

	reconciled := 0
	g := newTestGateway(first, factory, Options{RetryCount: 2})
	g.SetReconciler(func() error { reconciled++; return nil })

	placed, err := g.PlaceOrder(testOrder(), "1.00", "100.00")
	require.NoError(t, err)
	assert.Equal(t, "2", placed.OrderID)
	assert.True(t, first.closed)
	assert.Equal(t, 1, reconciled)
	assert.Same(t, second, g.Exchange())
}

func TestGetOrderRetriesUntilFound(t *testing.T) {
	ex := &flakyExchange{}
	g := newTestGateway(ex, nil, Options{GetOrderCount: 3})

	_, err := g.GetOrder(models.TradePair{Base: "BNB", Quote: "USDT"}, "7")
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "GetOrder", fatal.Op)
	assert.Equal(t, 4, ex.getCalls)

	ex.getOrder = &models.Order{OrderID: "7", Status: models.StatusFilled}
	order, err := g.GetOrder(models.TradePair{Base: "BNB", Quote: "USDT"}, "7")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, order.Status)
}
