package exchange

import (
	"fmt"
	"sort"
	"strconv"

	"grid-trailing-bot-go/internal/models"

	"go.uber.org/zap"
)

// BacktestExchange 实现了 Exchange 接口, 将历史K线展开为确定性的
// 合成价格序列并以此撮合订单。整个过程是单线程的:
// 相同的K线序列与配置必须产生完全相同的成交与余额。
type BacktestExchange struct {
	pair   models.TradePair
	fee    float64 // 手续费百分比, 0.1 表示 0.1%
	logger *zap.SugaredLogger

	orders map[int64]*models.Order
	nextID int64

	firstBalance  float64 // 基础资产
	secondBalance float64 // 计价资产
	startFirst    float64
	startSecond   float64

	firstPrice    float64 // 第一根K线的收盘价, 用于估值
	lastSellPrice float64 // 最近的卖侧价格, 用于估值
	currentCandle models.Candlestick
	started       bool

	executedOrders int
}

// NewBacktestExchange 创建回测交易所。
func NewBacktestExchange(settings *models.BotSettings, logger *zap.SugaredLogger) *BacktestExchange {
	return &BacktestExchange{
		pair:          settings.TradePair(),
		fee:           settings.FeePercent,
		logger:        logger,
		orders:        make(map[int64]*models.Order),
		firstBalance:  settings.FirstBalance,
		secondBalance: settings.SecondBalance,
		startFirst:    settings.FirstBalance,
		startSecond:   settings.SecondBalance,
	}
}

// ProcessCandle 将一根K线展开为固定顺序的合成价格事件:
// 开盘价 → 实体低端 → 实体高端 → 最低价 → 最高价 → 收盘价。
// 实体两端总是先卖侧后买侧, 保证一根K线内两个方向都被检查。
// 每个价格先撮合挂单(产生订单事件), 再作为行情推送给策略。
func (b *BacktestExchange) ProcessCandle(candle models.Candlestick, emit func(models.Event)) {
	if !b.started {
		b.firstPrice = candle.Close
		// 参照初始估值: 基础资产为零时按首根K线收盘价折算
		if b.firstBalance == 0 && candle.Close > 0 {
			b.firstBalance = b.secondBalance / candle.Close
		}
		b.startFirst = b.firstBalance
		b.started = true
	}
	b.currentCandle = candle

	bodyLow, bodyHigh := candle.Open, candle.Close
	if bodyLow > bodyHigh {
		bodyLow, bodyHigh = bodyHigh, bodyLow
	}

	ticks := []models.Trade{
		{Price: candle.Open, Qty: candle.Volume, Time: candle.OpenTime + 1},
		{Price: bodyLow, Qty: 0, Time: candle.OpenTime + 10},
		{Price: bodyHigh, Qty: 0, Time: candle.OpenTime + 10},
		{Price: candle.Low, Qty: 0, Time: candle.OpenTime + 10},
		{Price: candle.High, Qty: 0, Time: candle.OpenTime + 10},
		{Price: candle.Close, Qty: 0, Time: candle.CloseTime},
	}

	for _, tick := range ticks {
		for _, filled := range b.fillAt(tick.Price) {
			emit(models.NewOrderEvent(filled))
		}
		b.lastSellPrice = tick.Price
		emit(models.NewTradeEvent(tick))
	}
}

// fillAt 以给定价格撮合所有挂单。订单ID升序遍历保证确定性。
// BUY 限价单在价格升至其限价及以上时成交, SELL 在降至限价及以下时成交。
func (b *BacktestExchange) fillAt(price float64) []models.Order {
	ids := make([]int64, 0, len(b.orders))
	for id := range b.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var filled []models.Order
	for _, id := range ids {
		order := b.orders[id]
		if order.Status != models.StatusNew {
			continue
		}
		crossed := (order.Side == models.SideBuy && price >= order.Price) ||
			(order.Side == models.SideSell && price <= order.Price)
		if !crossed {
			continue
		}
		b.settle(order, order.Price)
		filled = append(filled, *order)
		delete(b.orders, id)
	}
	return filled
}

// settle 结算一笔成交, 从到账金额中扣除手续费。
func (b *BacktestExchange) settle(order *models.Order, price float64) {
	order.Status = models.StatusFilled
	order.ExecutedQty = order.OrigQty
	b.executedOrders++

	if order.Side == models.SideBuy {
		gained := order.OrigQty
		fee := gained * b.fee / 100
		order.Fee = fee
		b.firstBalance += gained - fee
	} else {
		gained := order.OrigQty * price
		fee := gained * b.fee / 100
		order.Fee = fee
		b.secondBalance += gained - fee
	}
}

// --- Exchange 接口实现 ---

// GetCandlestickBars 在回测中不提供历史K线查询。
func (b *BacktestExchange) GetCandlestickBars(pair models.TradePair, interval string, count int, start, end int64) ([]models.Candlestick, error) {
	return nil, fmt.Errorf("回测模式不支持K线查询")
}

// GetOpenOrders 返回当前未成交的挂单, 按订单ID升序。
func (b *BacktestExchange) GetOpenOrders(pair models.TradePair) ([]models.Order, error) {
	ids := make([]int64, 0, len(b.orders))
	for id := range b.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	orders := make([]models.Order, 0, len(ids))
	for _, id := range ids {
		orders = append(orders, *b.orders[id])
	}
	return orders, nil
}

// PlaceOrder 提交订单。限价单先冻结对应资产;
// 市价单立即按最不利价格成交: BUY 取最高价, SELL 取最低价。
func (b *BacktestExchange) PlaceOrder(order *models.Order, qtyStr, priceStr string) (*models.Order, error) {
	b.nextID++
	placed := &models.Order{
		OrderID:     strconv.FormatInt(b.nextID, 10),
		Pair:        order.Pair,
		Price:       order.Price,
		OrigQty:     order.OrigQty,
		ExecutedQty: 0,
		Side:        order.Side,
		Type:        order.Type,
		Status:      models.StatusNew,
	}

	if placed.Type == models.TypeMarket {
		price := b.currentCandle.High
		if placed.Side == models.SideSell {
			price = b.currentCandle.Low
		}
		b.reserve(placed, price)
		b.settle(placed, price)
		placed.Price = price
		result := *placed
		return &result, nil
	}

	b.reserve(placed, placed.Price)
	b.orders[b.nextID] = placed
	result := *placed
	return &result, nil
}

// reserve 冻结下单所需的资产。
func (b *BacktestExchange) reserve(order *models.Order, price float64) {
	if order.Side == models.SideSell {
		b.firstBalance -= order.OrigQty
	} else {
		b.secondBalance -= order.OrigQty * price
	}
}

// CancelOrder 撤销挂单并退还冻结的资产。
func (b *BacktestExchange) CancelOrder(pair models.TradePair, orderID string) (bool, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return false, fmt.Errorf("无效的订单ID %q: %w", orderID, err)
	}
	order, ok := b.orders[id]
	if !ok {
		b.logger.Infow("撤单: 订单不存在", "orderID", orderID)
		return true, nil
	}
	if order.Status != models.StatusNew {
		return true, nil
	}
	order.Status = models.StatusCanceled
	if order.Side == models.SideSell {
		b.firstBalance += order.OrigQty
	} else {
		b.secondBalance += order.OrigQty * order.Price
	}
	delete(b.orders, id)
	return true, nil
}

// GetOrder 查询订单, 只保留未成交挂单, 其余返回 (nil, nil)。
func (b *BacktestExchange) GetOrder(pair models.TradePair, orderID string) (*models.Order, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, nil
	}
	if order, ok := b.orders[id]; ok {
		result := *order
		return &result, nil
	}
	return nil, nil
}

// GetBalances 返回虚拟余额。
func (b *BacktestExchange) GetBalances() (map[string]models.Balance, error) {
	return map[string]models.Balance{
		b.pair.Base: {
			Asset: b.pair.Base,
			Free:  b.firstBalance,
			Total: b.firstBalance,
		},
		b.pair.Quote: {
			Asset: b.pair.Quote,
			Free:  b.secondBalance,
			Total: b.secondBalance,
		},
	}, nil
}

// Subscribe 在回测中为空操作: 回测运行器直接驱动事件。
func (b *BacktestExchange) Subscribe(pair models.TradePair, interval string, events chan<- models.Event) error {
	return nil
}

// Close 在回测中为空操作。
func (b *BacktestExchange) Close() error { return nil }

// --- 结果统计 ---

// ExecutedOrderCount 返回已成交订单数。
func (b *BacktestExchange) ExecutedOrderCount() int { return b.executedOrders }

// FirstPrice 返回首根K线的收盘价。
func (b *BacktestExchange) FirstPrice() float64 { return b.firstPrice }

// LastPrice 返回最后一个合成价格。
func (b *BacktestExchange) LastPrice() float64 { return b.lastSellPrice }

// StartBalances 返回初始余额 (基础资产折算后)。
func (b *BacktestExchange) StartBalances() (first, second float64) {
	return b.startFirst, b.startSecond
}

// FinalBalances 返回当前余额, 将未成交挂单冻结的资产计回:
// SELL 挂单计回基础资产, BUY 挂单按限价计回计价资产。
func (b *BacktestExchange) FinalBalances() (first, second float64) {
	first, second = b.firstBalance, b.secondBalance
	for _, order := range b.orders {
		if order.Status != models.StatusNew {
			continue
		}
		if order.Side == models.SideSell {
			first += order.OrigQty
		} else {
			second += order.OrigQty * order.Price
		}
	}
	return first, second
}
