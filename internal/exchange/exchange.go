package exchange

import "grid-trailing-bot-go/internal/models"

// Exchange 定义了所有交易所实现必须提供的通用方法。
// 这使得交易机器人可以在真实交易和回测之间轻松切换。
type Exchange interface {
	// GetCandlestickBars 返回历史K线, start/end 为可选的毫秒时间戳 (0 表示不限)
	GetCandlestickBars(pair models.TradePair, interval string, count int, start, end int64) ([]models.Candlestick, error)

	// GetOpenOrders 返回交易所当前报告的全部未结订单
	GetOpenOrders(pair models.TradePair) ([]models.Order, error)

	// PlaceOrder 提交订单, 数量与价格以已格式化的字符串传入
	PlaceOrder(order *models.Order, qtyStr, priceStr string) (*models.Order, error)

	// CancelOrder 撤销订单
	CancelOrder(pair models.TradePair, orderID string) (bool, error)

	// GetOrder 查询单个订单, 未找到时返回 (nil, nil)
	GetOrder(pair models.TradePair, orderID string) (*models.Order, error)

	// GetBalances 返回账户余额, 按资产符号索引
	GetBalances() (map[string]models.Balance, error)

	// Subscribe 启动行情与订单推送, 事件写入 events 通道。
	// 实现必须在 Close 后停止写入。
	Subscribe(pair models.TradePair, interval string, events chan<- models.Event) error

	// Close 释放连接资源并停止推送
	Close() error
}

// Factory 以相同的凭据构造一个全新的客户端实例。
// 订单网关在重试前用它替换疑似损坏的连接。
type Factory func() (Exchange, error)
