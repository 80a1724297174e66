// Package notifier 为策略提供不阻塞的操作员告警通道。
package notifier

import (
	"go.uber.org/zap"
)

// Notifier 是 fire-and-forget 的告警接口, 实现绝不允许阻塞策略。
type Notifier interface {
	Notify(text string, isFormatted bool)
}

// LogNotifier 将告警写入日志。消息先进入带缓冲的通道,
// 通道满时直接丢弃, 保证调用方永不阻塞。
type LogNotifier struct {
	logger   *zap.SugaredLogger
	messages chan string
	done     chan struct{}
}

// NewLogNotifier 创建并启动通知器。
func NewLogNotifier(logger *zap.SugaredLogger) *LogNotifier {
	n := &LogNotifier{
		logger:   logger,
		messages: make(chan string, 256),
		done:     make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *LogNotifier) run() {
	for {
		select {
		case msg := <-n.messages:
			n.logger.Warnw("通知", "message", msg)
		case <-n.done:
			return
		}
	}
}

// Notify 投递一条告警。通道满时直接丢弃, 绝不阻塞。
func (n *LogNotifier) Notify(text string, isFormatted bool) {
	select {
	case n.messages <- text:
	default:
		// 丢弃: 告警是旁路信号, 不能拖慢策略
	}
}

// Close 停止后台goroutine。
func (n *LogNotifier) Close() {
	close(n.done)
}

// NopNotifier 丢弃所有消息, 用于回测与测试。
type NopNotifier struct{}

func (NopNotifier) Notify(text string, isFormatted bool) {}
