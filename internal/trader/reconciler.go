package trader

import (
	"math"

	"grid-trailing-bot-go/internal/models"
)

// adoptQtyTolerance 是收养交易所订单时允许的数量偏差比例。
const adoptQtyTolerance = 0.10

// Synchronize 使本地订单集合与交易所报告的未结订单一致。
// 启动时与每次下单重试前都会调用, 必须幂等:
// 交易所侧无变化时连续运行两次得到相同的本地集合。
//
// 步骤:
//  1. 重新装载持久化的本地订单;
//  2. 逐桶收养交易所在该桶价格上的同向订单 (数量偏差 ≤10%);
//  3. 移除交易所不再报告且价格在区间内的本地限价单
//     (已提升为追踪状态的 MARKET 订单不受此约束);
//  4. 按配置在平仓侧的空桶播种合成已成交订单。
func (s *Strategy) Synchronize() error {
	// 1. 持久化订单优先装回内存
	if s.store != nil {
		persisted, err := s.store.LoadOrders(s.settings.Name)
		if err != nil {
			return err
		}
		for key, order := range persisted {
			if _, ok := s.orders[key]; !ok {
				s.orders[key] = order
			}
		}
	}

	open, err := s.gw.Exchange().GetOpenOrders(s.pair)
	if err != nil {
		return err
	}

	// 2. 逐桶收养: 修复丢失了内存状态但交易所侧仍在的挂单
	entrySide := s.settings.EntrySide()
	s.walkBuckets(func(level float64, key string) {
		if _, occupied := s.orders[key]; occupied {
			return
		}
		for i := range open {
			o := open[i]
			if o.Side != entrySide {
				continue
			}
			// 部分成交的挂单仍是未结订单, 同样收养
			if o.Status != models.StatusNew && o.Status != models.StatusPartiallyFilled {
				continue
			}
			if s.settings.FormatPrice(o.Price) != key {
				continue
			}
			want := s.settings.OrderQuantity
			if math.Abs(o.OrigQty-want) > want*adoptQtyTolerance {
				s.logger.Warnw("桶价格匹配但数量超差, 不收养",
					"bucket", key, "origQty", o.OrigQty, "want", want)
				continue
			}
			adopted := o
			s.putOrder(key, &adopted)
			s.logger.Infow("收养交易所订单", "bucket", key, "order", &adopted)
			break
		}
	})

	// 3. 标记交易所不再报告的本地限价单
	openIDs := make(map[string]bool, len(open))
	for i := range open {
		openIDs[open[i].OrderID] = true
	}

	var stale []string
	for _, key := range s.sortedBucketKeys() {
		order := s.orders[key]
		if order.Type == models.TypeMarket {
			// 追踪状态的订单只存在于本地, 交易所本就不会报告
			continue
		}
		if order.OrderID != "" && openIDs[order.OrderID] {
			continue
		}
		if order.Price < s.settings.MinRange || order.Price > s.settings.MaxRange {
			continue
		}
		stale = append(stale, key)
	}

	// 4. 移除被标记的订单
	for _, key := range stale {
		s.logger.Infow("交易所不再报告, 移除本地订单", "bucket", key, "order", s.orders[key])
		s.removeOrder(key)
	}

	// 5. 平仓侧播种: 为追踪提升提供起始锚点
	if s.settings.SetCloseOrders {
		s.seedCloseOrders()
	}
	return nil
}

// seedCloseOrders 在每个空桶放置一个合成的已成交平仓订单。
// 锚点初始化为对持仓最不利的值, 第一次追踪更新总会生效。
func (s *Strategy) seedCloseOrders() {
	border := 0.0
	if s.settings.Direction == models.DirectionShort {
		border = shortWorstBorder
	}

	s.walkBuckets(func(level float64, key string) {
		if _, occupied := s.orders[key]; occupied {
			return
		}
		b := border
		seeded := &models.Order{
			Pair:            s.pair,
			Price:           level,
			OrigQty:         s.settings.OrderQuantity,
			Side:            s.settings.CloseSide(),
			Type:            models.TypeMarket,
			Status:          models.StatusFilled,
			LastBorderPrice: &b,
		}
		s.putOrder(key, seeded)
		s.logger.Debugw("播种平仓订单", "bucket", key)
	})
}

// walkBuckets 以升序遍历 [minRange, maxRange] 内的每个价格桶。
// 用整数步数计算价格, 避免浮点累加漂移。
func (s *Strategy) walkBuckets(visit func(level float64, key string)) {
	step := s.settings.OrderDistance
	for i := 0; ; i++ {
		level := s.settings.MinRange + float64(i)*step
		if level > s.settings.MaxRange {
			break
		}
		visit(level, s.settings.FormatPrice(level))
	}
}
