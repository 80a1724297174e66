package trader

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"grid-trailing-bot-go/internal/exchange"
	"grid-trailing-bot-go/internal/gateway"
	"grid-trailing-bot-go/internal/models"
	"grid-trailing-bot-go/internal/notifier"

	"go.uber.org/zap"
)

// housekeepInterval 是事件队列空闲时执行周期性检查的超时。
const housekeepInterval = 30 * time.Second

// stackTraceLimit 限制通知中堆栈信息的长度。
const stackTraceLimit = 1200

// Worker 以单个goroutine驱动一个交易对:
// 独占入站事件通道, 严格串行处理每个事件。
// worker 之间不共享任何可变状态。
type Worker struct {
	settings *models.BotSettings
	strategy *Strategy
	ex       exchange.Exchange
	notify   notifier.Notifier
	logger   *zap.SugaredLogger

	events   chan models.Event
	stopChan chan struct{}
	stopOnce sync.Once
	stopped  bool
	done     chan struct{}
}

// NewWorker 组装一个交易对的完整处理链。
func NewWorker(
	settings *models.BotSettings,
	strategy *Strategy,
	ex exchange.Exchange,
	notify notifier.Notifier,
	logger *zap.SugaredLogger,
) *Worker {
	if notify == nil {
		notify = notifier.NopNotifier{}
	}
	return &Worker{
		settings: settings,
		strategy: strategy,
		ex:       ex,
		notify:   notify,
		logger:   logger,
		events:   make(chan models.Event, 1024),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Events 返回入站事件通道, 供行情源写入。
func (w *Worker) Events() chan<- models.Event {
	return w.events
}

// Done 在worker退出后关闭。
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Interrupt 请求worker停止。协作式: 当前事件处理完后生效。
func (w *Worker) Interrupt() {
	w.stopOnce.Do(func() { close(w.stopChan) })
}

// Run 是worker的主循环: 启动时恢复状态并做一次完整同步,
// 然后订阅行情, 逐个处理事件直到被中断。
func (w *Worker) Run() {
	defer close(w.done)
	defer w.ex.Close()

	w.logger.Infow("worker 启动", "settings", w.settings)

	if err := w.strategy.LoadPositions(); err != nil {
		w.logger.Errorw("恢复仓位失败", "error", err)
	}
	if err := w.strategy.Synchronize(); err != nil {
		w.logger.Errorw("启动同步失败", "error", err)
		w.notify.Notify(fmt.Sprintf("%s 启动同步失败: %v", w.settings.Name, err), false)
	}

	if err := w.ex.Subscribe(w.strategy.pair, "1m", w.events); err != nil {
		w.logger.Errorw("订阅行情失败", "error", err)
		return
	}

	for !w.stopped {
		select {
		case <-w.stopChan:
			w.stopped = true
		case event := <-w.events:
			w.Handle(event)
		case <-time.After(housekeepInterval):
			w.housekeep()
		}
	}

	w.logger.Info("worker 已停止")
}

// Handle 处理单个事件。策略内部的异常只记录并通知,
// 不终止worker; 网关致命错误与中断信号触发有序停机。
// 回测运行器也直接调用它, 绕过通道保持单线程确定性。
func (w *Worker) Handle(event models.Event) {
	if w.stopped {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			if len(stack) > stackTraceLimit {
				stack = stack[:stackTraceLimit]
			}
			w.logger.Errorw("事件处理panic", "event", event.Type, "panic", r, "stack", stack)
			w.notify.Notify(fmt.Sprintf("%s 事件处理panic: %v\n%s", w.settings.Name, r, stack), false)
		}
	}()

	var err error
	switch event.Type {
	case models.EventTrade:
		err = w.strategy.HandleTrade(*event.Trade)
	case models.EventOrderUpdate:
		err = w.strategy.HandleOrderUpdate(*event.Order)
	case models.EventCandle:
		// K线事件目前只用于日志观察
		w.logger.Debugw("收到K线", "candle", event.Candle)
	case models.EventSettingsUpdate:
		w.applySettings(event.Settings)
	case models.EventInterrupt:
		w.logger.Info("收到中断事件")
		w.stopped = true
		return
	}

	if err == nil {
		return
	}

	var fatalErr *gateway.FatalError
	var balanceErr *models.InsufficientBalanceError
	if errors.As(err, &fatalErr) || errors.As(err, &balanceErr) {
		// 本地状态已不可证实, 停止行情订阅, 不再尝试任何下单
		w.logger.Errorw("致命错误, worker停机", "error", err)
		w.notify.Notify(fmt.Sprintf("%s 致命错误, 停机: %v", w.settings.Name, err), false)
		w.stopped = true
		return
	}

	w.logger.Errorw("事件处理失败", "event", event.Type, "error", err)
	w.notify.Notify(fmt.Sprintf("%s 事件处理失败: %v", w.settings.Name, err), false)
}

// applySettings 在两个事件之间热更新配置。
func (w *Worker) applySettings(settings *models.BotSettings) {
	if settings == nil {
		return
	}
	if err := settings.Validate(); err != nil {
		w.logger.Errorw("拒绝非法配置更新", "error", err)
		return
	}
	*w.settings = *settings
	w.logger.Infow("配置已热更新", "settings", settings)
}

// housekeep 在空闲时输出状态概要。
func (w *Worker) housekeep() {
	w.logger.Infow("状态概要",
		"orders", w.strategy.OpenOrderCount(),
		"positions", w.strategy.Positions())
}
