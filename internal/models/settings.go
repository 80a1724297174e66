package models

import (
	"fmt"
	"math"
)

// BotSettings 是单个机器人实例的不可变配置
type BotSettings struct {
	Name      string    `json:"name"`
	Pair      string    `json:"pair"`     // "BASE_QUOTE" 形式
	Exchange  string    `json:"exchange"` // 交易所标识, 如 "BINANCE"
	Direction Direction `json:"direction"`
	OrderType OrderType `json:"order_type"` // LIMIT 或 MARKET

	MinRange         float64 `json:"min_range"`                   // 交易区间下限
	MaxRange         float64 `json:"max_range"`                   // 交易区间上限
	OrderDistance    float64 `json:"order_distance"`              // 阶梯间距
	TriggerDistance  float64 `json:"trigger_distance"`            // 止损偏移
	TrailingDistance float64 `json:"trailing_distance,omitempty"` // 可选: 追踪启动距离
	ReentryDistance  float64 `json:"reentry_distance,omitempty"`  // 可选: 平仓后在同一价格桶重新挂单

	OrderQuantity    float64 `json:"order_quantity"`     // 每单基础资产数量
	OrderMaxQuantity int     `json:"order_max_quantity"` // 最大并发订单数

	PricePrecision int `json:"price_precision"` // 价格小数位
	QtyPrecision   int `json:"qty_precision"`   // 数量小数位

	SetCloseOrders bool    `json:"set_close_orders"` // 启动时在平仓侧播种合成已成交订单
	FeePercent     float64 `json:"fee_percent"`      // 手续费百分比, 如 0.1 表示 0.1%

	// 回测专用
	FirstBalance  float64 `json:"first_balance,omitempty"`  // 基础资产初始余额
	SecondBalance float64 `json:"second_balance,omitempty"` // 计价资产初始余额
}

// TradePair 解析配置中的交易对, 配置校验保证其合法
func (s *BotSettings) TradePair() TradePair {
	p, _ := ParseTradePair(s.Pair)
	return p
}

// Bucket 将价格向下取整到 orderDistance 的整数倍
func (s *BotSettings) Bucket(price float64) float64 {
	return price - math.Mod(price, s.OrderDistance)
}

// BucketKey 返回价格桶的规范字符串键
func (s *BotSettings) BucketKey(price float64) string {
	return s.FormatPrice(s.Bucket(price))
}

// FormatPrice 按配置的精度格式化价格
func (s *BotSettings) FormatPrice(price float64) string {
	return fmt.Sprintf("%.*f", s.PricePrecision, price)
}

// FormatQty 按配置的精度格式化数量
func (s *BotSettings) FormatQty(qty float64) string {
	return fmt.Sprintf("%.*f", s.QtyPrecision, qty)
}

// EntrySide 返回开仓方向: LONG 买入, SHORT 卖出
func (s *BotSettings) EntrySide() Side {
	if s.Direction == DirectionShort {
		return SideSell
	}
	return SideBuy
}

// CloseSide 返回平仓方向
func (s *BotSettings) CloseSide() Side {
	return s.EntrySide().Opposite()
}

// Validate 校验配置的完整性
func (s *BotSettings) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("bot 名称不能为空")
	}
	if _, err := ParseTradePair(s.Pair); err != nil {
		return fmt.Errorf("bot %s: %w", s.Name, err)
	}
	if s.Direction != DirectionLong && s.Direction != DirectionShort {
		return fmt.Errorf("bot %s: 无效的方向 %q", s.Name, s.Direction)
	}
	if s.OrderType != TypeLimit && s.OrderType != TypeMarket {
		return fmt.Errorf("bot %s: 无效的订单类型 %q", s.Name, s.OrderType)
	}
	if s.MinRange <= 0 || s.MaxRange <= s.MinRange {
		return fmt.Errorf("bot %s: 无效的价格区间 [%v, %v]", s.Name, s.MinRange, s.MaxRange)
	}
	if s.OrderDistance <= 0 {
		return fmt.Errorf("bot %s: 阶梯间距必须为正", s.Name)
	}
	if s.TriggerDistance <= 0 {
		return fmt.Errorf("bot %s: 止损偏移必须为正", s.Name)
	}
	if s.OrderQuantity <= 0 {
		return fmt.Errorf("bot %s: 每单数量必须为正", s.Name)
	}
	if s.OrderMaxQuantity <= 0 {
		return fmt.Errorf("bot %s: 最大订单数必须为正", s.Name)
	}
	return nil
}
