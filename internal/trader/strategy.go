package trader

import (
	"fmt"
	"sort"

	"grid-trailing-bot-go/internal/gateway"
	"grid-trailing-bot-go/internal/models"
	"grid-trailing-bot-go/internal/notifier"
	"grid-trailing-bot-go/internal/persistence"
	"grid-trailing-bot-go/internal/position"

	"go.uber.org/zap"
)

// shortWorstBorder 是 SHORT 方向追踪锚点的初始值:
// 取一个必然高于任何行情的价格, 保证第一次更新总能生效。
const shortWorstBorder = 99999999999999.0

// Strategy 是单个交易对的网格+追踪止损状态机。
// 订单以价格桶字符串为键; 每个桶上的订单经历
// LADDER(限价挂单) → ARMED(已成交,未追踪) → TRAILING(止损已设) → CLOSED。
// 所有方法只能由持有它的 worker 串行调用。
type Strategy struct {
	settings *models.BotSettings
	pair     models.TradePair
	gw       *gateway.Gateway
	store    persistence.OrderStore
	posStore persistence.PositionStore
	history  persistence.HistoryStore
	notify   notifier.Notifier
	logger   *zap.SugaredLogger

	orders    map[string]*models.Order
	positions models.VirtualPositions
	seenFills map[string]bool // 已并入仓位的订单ID, 防止成交被重复计入

	prevBucketKey string
	staticUpdates int
}

// NewStrategy 创建策略实例。持久化存储可为 nil (回测模式)。
func NewStrategy(
	settings *models.BotSettings,
	gw *gateway.Gateway,
	repo persistence.Repository,
	notify notifier.Notifier,
	logger *zap.SugaredLogger,
) *Strategy {
	s := &Strategy{
		settings:  settings,
		pair:      settings.TradePair(),
		gw:        gw,
		notify:    notify,
		logger:    logger,
		orders:    make(map[string]*models.Order),
		seenFills: make(map[string]bool),
	}
	if repo != nil {
		s.store = repo
		s.posStore = repo
		s.history = repo
	}
	if notify == nil {
		s.notify = notifier.NopNotifier{}
	}
	return s
}

// LoadPositions 在启动时恢复仓位快照, 快照缺失时从成交历史重建。
func (s *Strategy) LoadPositions() error {
	if s.posStore == nil {
		return nil
	}
	snapshot, err := s.posStore.LoadPositions(s.settings.Name)
	if err != nil {
		return fmt.Errorf("加载仓位快照失败: %w", err)
	}
	if snapshot != nil {
		s.positions = *snapshot
		return nil
	}

	if s.history == nil {
		return nil
	}
	fills, err := s.history.LoadFills(s.settings.Name)
	if err != nil {
		return fmt.Errorf("加载成交历史失败: %w", err)
	}
	if len(fills) == 0 {
		return nil
	}
	rebuilt := make([]position.Fill, 0, len(fills))
	for _, f := range fills {
		rebuilt = append(rebuilt, position.Fill{Side: f.Side, Amount: f.Amount, Price: f.Price})
	}
	s.positions = position.Rebuild(rebuilt)
	s.logger.Infow("仓位从成交历史重建", "fills", len(fills), "positions", s.positions)
	return nil
}

// Positions 返回当前仓位快照。
func (s *Strategy) Positions() models.VirtualPositions {
	return s.positions
}

// StaticUpdateCount 返回运行期间订单静态参数(止损价/锚点)的更新次数。
func (s *Strategy) StaticUpdateCount() int {
	return s.staticUpdates
}

// OpenOrderCount 返回本地订单数。
func (s *Strategy) OpenOrderCount() int {
	return len(s.orders)
}

// sortedBucketKeys 返回按价格升序排列的桶键, 保证遍历顺序确定。
func (s *Strategy) sortedBucketKeys() []string {
	keys := make([]string, 0, len(s.orders))
	for k := range s.orders {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return s.orders[keys[i]].Price < s.orders[keys[j]].Price
	})
	return keys
}

// HandleTrade 处理一个行情价格事件, 是状态机的主入口。
func (s *Strategy) HandleTrade(trade models.Trade) error {
	price := trade.Price

	// 区间之外只记录, 不动任何订单
	if price < s.settings.MinRange || price > s.settings.MaxRange {
		s.logger.Debugw("价格在交易区间外", "price", price,
			"min", s.settings.MinRange, "max", s.settings.MaxRange)
		return nil
	}

	bucketKey := s.settings.BucketKey(price)

	var err error
	if s.settings.OrderType == models.TypeMarket {
		err = s.marketEntry(price, bucketKey)
	} else {
		err = s.limitLadder(price, bucketKey)
	}
	if err != nil {
		return err
	}

	if err := s.updateTrailing(price); err != nil {
		return err
	}

	s.prevBucketKey = bucketKey
	return nil
}

// marketEntry 在当前价格桶为空且未达订单上限时立即市价开仓。
// 记录的订单复用 Side 字段保存平仓方向, 追踪锚点初始化为
// 对开仓最不利的值, 使第一次追踪更新必然生效。
func (s *Strategy) marketEntry(price float64, bucketKey string) error {
	if _, occupied := s.orders[bucketKey]; occupied {
		return nil
	}
	if len(s.orders) >= s.settings.OrderMaxQuantity {
		return nil
	}

	amount := s.settings.OrderQuantity
	entry := &models.Order{
		Pair:    s.pair,
		Price:   s.settings.Bucket(price),
		OrigQty: amount,
		Side:    s.settings.EntrySide(),
		Type:    models.TypeMarket,
		Status:  models.StatusNew,
	}

	placed, err := s.gw.PlaceOrder(entry, s.settings.FormatQty(amount), "")
	if err != nil {
		return err
	}
	if placed.Status == models.StatusFilled {
		if placed.Price == 0 {
			// 市价回报可能不带价格, 用触发行情价记账
			placed.Price = price
		}
		s.applyFill(placed)
	}

	border := 0.0
	if s.settings.Direction == models.DirectionShort {
		border = shortWorstBorder
	}
	record := &models.Order{
		OrderID:         placed.OrderID,
		Pair:            s.pair,
		Price:           s.settings.Bucket(price),
		OrigQty:         amount,
		ExecutedQty:     placed.ExecutedQty,
		Side:            s.settings.CloseSide(),
		Type:            models.TypeMarket,
		Status:          models.StatusFilled,
		LastBorderPrice: &border,
	}
	s.putOrder(bucketKey, record)
	s.logger.Infow("市价开仓", "bucket", bucketKey, "order", record)
	return nil
}

// limitLadder 维护限价阶梯。LONG: 从当前桶向下到区间下限逐桶补挂
// 买入限价单; SHORT 为镜像, 向上到区间上限补挂卖出限价单。
// 离开上一个桶时检查其订单的远端状态, 已成交/被拒则提升为追踪订单。
func (s *Strategy) limitLadder(price float64, bucketKey string) error {
	entrySide := s.settings.EntrySide()
	step := s.settings.OrderDistance

	walk := func(level float64) error {
		key := s.settings.FormatPrice(level)
		if _, occupied := s.orders[key]; occupied {
			return nil
		}
		if len(s.orders) >= s.settings.OrderMaxQuantity {
			return nil
		}

		amount := s.settings.OrderQuantity
		order := &models.Order{
			Pair:    s.pair,
			Price:   level,
			OrigQty: amount,
			Side:    entrySide,
			Type:    models.TypeLimit,
			Status:  models.StatusNew,
		}
		placed, err := s.gw.PlaceOrder(order, s.settings.FormatQty(amount), s.settings.FormatPrice(level))
		if err != nil {
			return err
		}
		order.OrderID = placed.OrderID
		order.Status = placed.Status
		s.putOrder(key, order)
		s.logger.Infow("限价挂单", "bucket", key, "order", order)
		return nil
	}

	bucket := s.settings.Bucket(price)
	if s.settings.Direction == models.DirectionLong {
		for level := bucket; level >= s.settings.MinRange-step/2; level -= step {
			if level < s.settings.MinRange {
				break
			}
			if err := walk(level); err != nil {
				return err
			}
		}
	} else {
		for level := bucket; level <= s.settings.MaxRange+step/2; level += step {
			if level > s.settings.MaxRange {
				break
			}
			if err := walk(level); err != nil {
				return err
			}
		}
	}

	// 价格离开上一个桶时轮询其订单的远端状态
	if s.prevBucketKey != "" && s.prevBucketKey != bucketKey {
		if prev, ok := s.orders[s.prevBucketKey]; ok && prev.Type == models.TypeLimit && prev.OrderID != "" {
			remote, err := s.gw.GetOrder(s.pair, prev.OrderID)
			if err != nil {
				return err
			}
			if remote.Status == models.StatusFilled || remote.Status == models.StatusRejected {
				s.promote(s.prevBucketKey, prev)
			}
		}
	}
	return nil
}

// promote 将已成交的限价单提升为追踪平仓订单。
func (s *Strategy) promote(bucketKey string, order *models.Order) {
	border := 0.0
	if s.settings.Direction == models.DirectionShort {
		border = shortWorstBorder
	}
	order.Type = models.TypeMarket
	order.Side = s.settings.CloseSide()
	order.Status = models.StatusFilled
	order.StopPrice = nil
	order.LastBorderPrice = &border
	s.putOrder(bucketKey, order)
	s.notify.Notify(fmt.Sprintf("%s 订单成交, 转入追踪: %v", s.settings.Name, order), false)
	s.logger.Infow("订单转入追踪", "bucket", bucketKey, "order", order)
}

// updateTrailing 对每个处于 ARMED/TRAILING 状态的订单:
// 推进追踪锚点, 设置或收紧止损价(只朝有利方向棘轮), 触发平仓。
// 本轮所有触发的平仓按方向聚合, 每个方向最多提交一张市价单。
func (s *Strategy) updateTrailing(price float64) error {
	trigger := s.settings.TriggerDistance
	trail := s.settings.TrailingDistance
	long := s.settings.Direction == models.DirectionLong

	var closedKeys []string

	for _, key := range s.sortedBucketKeys() {
		order := s.orders[key]
		if order.Type != models.TypeMarket {
			continue
		}

		// 锚点推进: 只朝有利方向移动
		if order.LastBorderPrice != nil {
			if (long && *order.LastBorderPrice < price) || (!long && *order.LastBorderPrice > price) {
				b := price
				order.LastBorderPrice = &b
				s.staticUpdates++
				s.putOrder(key, order)
			}
		} else {
			b := price
			order.LastBorderPrice = &b
			s.staticUpdates++
			s.putOrder(key, order)
		}

		// 止损设置与棘轮
		if long {
			if order.StopPrice == nil {
				// 必须越过触发+追踪距离, 恰好到达不算
				if price-order.Price > trigger+trail {
					sp := price - trigger
					order.StopPrice = &sp
					s.staticUpdates++
					s.putOrder(key, order)
				}
			} else if *order.StopPrice < price-trigger {
				sp := price - trigger
				order.StopPrice = &sp
				s.staticUpdates++
				s.putOrder(key, order)
			}
			if order.StopPrice != nil && price <= *order.StopPrice {
				closedKeys = append(closedKeys, key)
			}
		} else {
			if order.StopPrice == nil {
				if order.Price-price > trigger+trail {
					sp := price + trigger
					order.StopPrice = &sp
					s.staticUpdates++
					s.putOrder(key, order)
				}
			} else if *order.StopPrice > price+trigger {
				sp := price + trigger
				order.StopPrice = &sp
				s.staticUpdates++
				s.putOrder(key, order)
			}
			if order.StopPrice != nil && price >= *order.StopPrice {
				closedKeys = append(closedKeys, key)
			}
		}
	}

	if len(closedKeys) == 0 {
		return nil
	}
	return s.executeCloses(price, closedKeys)
}

// executeCloses 聚合并执行本轮触发的平仓:
// 按方向汇总数量, 每个方向最多一张市价单, 限制下单频率。
// 配置了重入距离时, 平掉的桶立即以新订单重新占位, 网格保持连续。
func (s *Strategy) executeCloses(price float64, closedKeys []string) error {
	var buySum, sellSum float64
	for _, key := range closedKeys {
		order := s.orders[key]
		if order.Side == models.SideBuy {
			buySum += order.OrigQty
		} else {
			sellSum += order.OrigQty
		}
	}

	submit := func(side models.Side, amount float64) error {
		if amount <= 0 {
			return nil
		}
		order := &models.Order{
			Pair:    s.pair,
			OrigQty: amount,
			Side:    side,
			Type:    models.TypeMarket,
			Status:  models.StatusNew,
		}
		placed, err := s.gw.PlaceOrder(order, s.settings.FormatQty(amount), "")
		if err != nil {
			return err
		}
		if placed.Status == models.StatusFilled {
			if placed.Price == 0 {
				placed.Price = price
			}
			s.applyFill(placed)
		}
		s.logger.Infow("聚合平仓", "side", side, "amount", amount, "order", placed)
		return nil
	}

	if err := submit(models.SideSell, sellSum); err != nil {
		return err
	}
	if err := submit(models.SideBuy, buySum); err != nil {
		return err
	}

	for _, key := range closedKeys {
		closed := s.orders[key]
		s.removeOrder(key)

		if s.settings.ReentryDistance > 0 {
			record := &models.Order{
				Pair:    s.pair,
				Price:   closed.Price,
				OrigQty: s.settings.OrderQuantity,
				Side:    s.settings.CloseSide(),
				Type:    models.TypeMarket,
				Status:  models.StatusFilled,
			}
			s.putOrder(key, record)
			s.logger.Infow("平仓后重新占位", "bucket", key)
		}
	}

	s.notify.Notify(fmt.Sprintf("%s 价格 %s 平仓 %d 个订单 (BUY %v / SELL %v)",
		s.settings.Name, s.settings.FormatPrice(price), len(closedKeys), buySum, sellSum), false)
	return nil
}

// HandleOrderUpdate 处理交易所推送的订单更新。
func (s *Strategy) HandleOrderUpdate(order models.Order) error {
	key := s.settings.BucketKey(order.Price)

	switch order.Status {
	case models.StatusNew:
		if local, ok := s.orders[key]; ok {
			local.OrderID = order.OrderID
			local.Status = order.Status
			s.putOrder(key, local)
		} else {
			s.putOrder(key, &order)
		}

	case models.StatusPartiallyFilled:
		if _, ok := s.orders[key]; !ok {
			// 本地没有记录的部分成交: 本地视图已经漂移, 做一次完整同步
			s.logger.Warnw("未知订单部分成交, 触发同步", "order", order)
			return s.Synchronize()
		}

	case models.StatusFilled:
		if order.Price == 0 {
			// 市价成交回报可能不带价格, 回退到本地订单的桶价记账
			localKey, local := s.findByOrderID(order.OrderID)
			if local == nil {
				s.logger.Warnw("成交回报无价格且无本地对应订单, 跳过", "order", order)
				return nil
			}
			order.Price = local.Price
			key = localKey
		}
		s.applyFill(&order)
		if local, ok := s.orders[key]; ok && local.Type == models.TypeLimit {
			s.promote(key, local)
		}

	case models.StatusCanceled, models.StatusRejected:
		if _, ok := s.orders[key]; ok {
			s.removeOrder(key)
			s.logger.Infow("订单被撤销/拒绝, 移除本地记录", "bucket", key, "order", order)
		}
	}
	return nil
}

// findByOrderID 按交易所订单ID查找本地订单。
func (s *Strategy) findByOrderID(orderID string) (string, *models.Order) {
	if orderID == "" {
		return "", nil
	}
	for key, order := range s.orders {
		if order.OrderID == orderID {
			return key, order
		}
	}
	return "", nil
}

// applyFill 将成交并入仓位并持久化, 到账数量扣除手续费。
func (s *Strategy) applyFill(order *models.Order) {
	amount := order.ExecutedQty
	if amount <= 0 {
		return
	}
	if order.OrderID != "" {
		if s.seenFills[order.OrderID] {
			return
		}
		s.seenFills[order.OrderID] = true
	}
	net := amount - amount*s.settings.FeePercent/100
	price := order.Price

	s.positions = position.ApplyFill(s.positions, order.Side, net, price)

	if s.posStore != nil {
		if err := s.posStore.SavePositions(s.settings.Name, &s.positions); err != nil {
			s.logger.Errorw("持久化仓位失败", "error", err)
		}
	}
	if s.history != nil {
		record := &persistence.FillRecord{
			Side:   order.Side,
			Price:  price,
			Amount: net,
			Fee:    order.Fee,
		}
		if err := s.history.AppendFill(s.settings.Name, record); err != nil {
			s.logger.Errorw("写入成交历史失败", "error", err)
		}
	}
	s.logger.Infow("仓位更新", "side", order.Side, "amount", net, "price", price, "positions", s.positions)
}

// putOrder 更新内存并同步持久化。
func (s *Strategy) putOrder(bucketKey string, order *models.Order) {
	s.orders[bucketKey] = order
	if s.store != nil {
		if err := s.store.PutOrder(s.settings.Name, bucketKey, order); err != nil {
			s.logger.Errorw("持久化订单失败", "bucket", bucketKey, "error", err)
		}
	}
}

// removeOrder 从内存与持久化中删除。
func (s *Strategy) removeOrder(bucketKey string) {
	delete(s.orders, bucketKey)
	if s.store != nil {
		if err := s.store.RemoveOrder(s.settings.Name, bucketKey); err != nil {
			s.logger.Errorw("删除持久化订单失败", "bucket", bucketKey, "error", err)
		}
	}
}
