package models

import (
	"fmt"
	"strings"
)

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	DBPath        string `json:"db_path"`         // badger 数据库目录
	CandleDBPath  string `json:"candle_db_path"`  // 历史K线 sqlite 文件路径
	LiveAPIURL    string `json:"live_api_url"`    // REST API 基础地址
	LiveWSURL     string `json:"live_ws_url"`     // WebSocket 基础地址
	TestnetAPIURL string `json:"testnet_api_url"`
	TestnetWSURL  string `json:"testnet_ws_url"`
	IsTestnet     bool   `json:"is_testnet"` // 是否使用测试网

	APIKey    string `json:"api_key,omitempty"`    // 可被环境变量 BINANCE_API_KEY 覆盖
	SecretKey string `json:"secret_key,omitempty"` // 可被环境变量 BINANCE_SECRET_KEY 覆盖

	RetryPlaceOrderCount    int `json:"retry_place_order_count"`     // 下单失败时的重试次数
	RetryPlaceOrderDelaySec int `json:"retry_place_order_delay_sec"` // 每次重试前的固定等待秒数
	RetryGetOrderCount      int `json:"retry_get_order_count"`       // 查询订单的重试次数
	RetryGetOrderDelayMs    int `json:"retry_get_order_delay_ms"`    // 查询订单重试间隔(毫秒)

	WebSocketPingIntervalSec int `json:"websocket_ping_interval_sec,omitempty"` // WebSocket Ping 发送间隔(秒)
	WebSocketPongTimeoutSec  int `json:"websocket_pong_timeout_sec,omitempty"`  // WebSocket Pong 超时(秒)

	LogConfig LogConfig `json:"log"` // 日志配置

	Bots []BotSettings `json:"bots"` // 每个交易对一个独立的机器人实例
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// Side 表示订单方向
type Side string

const (
	SideBuy         Side = "BUY"
	SideSell        Side = "SELL"
	SideUnsupported Side = "UNSUPPORTED"
)

// Opposite 返回相反方向
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return SideUnsupported
	}
}

// OrderType 表示订单类型
type OrderType string

const (
	TypeLimit       OrderType = "LIMIT"
	TypeMarket      OrderType = "MARKET"
	TypeUnsupported OrderType = "UNSUPPORTED"
)

// OrderStatus 表示订单状态
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusUnsupported     OrderStatus = "UNSUPPORTED"
)

// Direction 表示策略方向
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// TradePair 是一个有序的资产对 (base, quote)，规范形式为 "BASE_QUOTE"。
type TradePair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// ParseTradePair 解析 "BASE_QUOTE" 形式的字符串
func ParseTradePair(s string) (TradePair, error) {
	parts := strings.Split(s, "_")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return TradePair{}, fmt.Errorf("无效的交易对: %q", s)
	}
	return TradePair{Base: strings.ToUpper(parts[0]), Quote: strings.ToUpper(parts[1])}, nil
}

func (p TradePair) String() string {
	return strings.ToUpper(p.Base) + "_" + strings.ToUpper(p.Quote)
}

// Symbol 返回交易所使用的无分隔符形式, 如 "BTCUSDT"
func (p TradePair) Symbol() string {
	return strings.ToUpper(p.Base) + strings.ToUpper(p.Quote)
}

// Equal 忽略大小写比较
func (p TradePair) Equal(o TradePair) bool {
	return strings.EqualFold(p.Base, o.Base) && strings.EqualFold(p.Quote, o.Quote)
}

// Order 定义了订单信息。本地订单以价格桶字符串为键存储，
// 而不是以交易所订单 ID 为键，因为策略是围绕价格阶梯推理的。
type Order struct {
	OrderID         string      `json:"order_id"` // 交易所分配前为空
	Pair            TradePair   `json:"pair"`
	Price           float64     `json:"price"`
	OrigQty         float64     `json:"orig_qty"`
	ExecutedQty     float64     `json:"executed_qty"`
	Side            Side        `json:"side"`
	Type            OrderType   `json:"type"`
	Status          OrderStatus `json:"status"`
	StopPrice       *float64    `json:"stop_price,omitempty"`        // 追踪止损触发价
	LastBorderPrice *float64    `json:"last_border_price,omitempty"` // 追踪锚点: 转为追踪以来最有利的价格
	Fee             float64     `json:"fee,omitempty"`
}

func (o *Order) String() string {
	return fmt.Sprintf("Order{id=%s pair=%s price=%v qty=%v executed=%v side=%s type=%s status=%s stop=%v border=%v}",
		o.OrderID, o.Pair, o.Price, o.OrigQty, o.ExecutedQty, o.Side, o.Type, o.Status,
		fmtPtr(o.StopPrice), fmtPtr(o.LastBorderPrice))
}

func fmtPtr(p *float64) string {
	if p == nil {
		return "nil"
	}
	return fmt.Sprintf("%v", *p)
}

// IsUnknown 判断订单结果是否不可信: 空订单或方向/状态为 UNSUPPORTED
func (o *Order) IsUnknown() bool {
	return o == nil || o.Status == StatusUnsupported || o.Side == SideUnsupported
}

// Candlestick 定义了一根K线。
// 不变式: closeTime >= openTime; 连续序列满足 closeTime+1 == next.openTime。
type Candlestick struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Trade 定义了驱动策略引擎的单次成交价格事件
type Trade struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
	Time  int64   `json:"time"`
}

// Balance 定义了账户中特定资产的余额信息
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
	Total  float64 `json:"total"`
}

// VirtualPositions 记录了买卖两侧的加权平均成本。
// 数量非负; 数量为 0 时均价无意义。
type VirtualPositions struct {
	BuyAmount  float64 `json:"buy_amount"`
	BuyPrice   float64 `json:"buy_price"`
	SellAmount float64 `json:"sell_amount"`
	SellPrice  float64 `json:"sell_price"`
}

// Error 定义了交易所API返回的错误信息结构
type Error struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Error 方法使得 Error 实现了 error 接口
func (e *Error) Error() string {
	return fmt.Sprintf("API Error: code=%d, msg=%s", e.Code, e.Msg)
}

// IsInsufficientBalance 判断错误是否为余额不足。
// 该类错误不可重试, 必须立即终止下单流程。
func (e *Error) IsInsufficientBalance() bool {
	return e.Code == -2010 || e.Code == -2019 ||
		strings.Contains(strings.ToLower(e.Msg), "insufficient balance")
}

// InsufficientBalanceError 携带了下单失败时两侧资产余额的上下文
type InsufficientBalanceError struct {
	Order       *Order
	BaseAsset   Balance
	QuoteAsset  Balance
	Cause       error
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("余额不足: %s, %s free=%v locked=%v, %s free=%v locked=%v: %v",
		e.Order, e.BaseAsset.Asset, e.BaseAsset.Free, e.BaseAsset.Locked,
		e.QuoteAsset.Asset, e.QuoteAsset.Free, e.QuoteAsset.Locked, e.Cause)
}

func (e *InsufficientBalanceError) Unwrap() error { return e.Cause }
