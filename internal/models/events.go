package models

// EventType 标识进入机器人事件队列的事件种类
type EventType int

const (
	EventTrade EventType = iota // 市场成交价推送
	EventOrderUpdate
	EventCandle
	EventSettingsUpdate
	EventInterrupt
)

func (t EventType) String() string {
	switch t {
	case EventTrade:
		return "TRADE"
	case EventOrderUpdate:
		return "ORDER_UPDATE"
	case EventCandle:
		return "CANDLE"
	case EventSettingsUpdate:
		return "SETTINGS_UPDATE"
	case EventInterrupt:
		return "INTERRUPT"
	default:
		return "UNKNOWN"
	}
}

// Event 是机器人事件队列的统一载体。
// 每个 worker 独占一个入站通道, 事件严格串行处理。
type Event struct {
	Type     EventType
	Trade    *Trade
	Order    *Order
	Candle   *Candlestick
	Settings *BotSettings
}

// NewTradeEvent 构造成交事件
func NewTradeEvent(t Trade) Event { return Event{Type: EventTrade, Trade: &t} }

// NewOrderEvent 构造订单更新事件
func NewOrderEvent(o Order) Event { return Event{Type: EventOrderUpdate, Order: &o} }

// NewCandleEvent 构造K线事件
func NewCandleEvent(c Candlestick) Event { return Event{Type: EventCandle, Candle: &c} }

// NewInterruptEvent 构造中断控制事件
func NewInterruptEvent() Event { return Event{Type: EventInterrupt} }

// NewSettingsEvent 构造配置热更新事件
func NewSettingsEvent(s BotSettings) Event { return Event{Type: EventSettingsUpdate, Settings: &s} }
