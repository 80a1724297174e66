// Package gateway 封装了下单与查单的重试逻辑。
// 重试期间会重建交易所客户端并触发一次订单同步,
// 退避休眠故意阻塞调用方: 交易所不稳定时以此限流, 并保证订单意图不乱序。
package gateway

import (
	"errors"
	"fmt"
	"time"

	"grid-trailing-bot-go/internal/exchange"
	"grid-trailing-bot-go/internal/models"
	"grid-trailing-bot-go/internal/notifier"

	"go.uber.org/zap"
)

// FatalError 表示网关层面不可恢复的失败, 持有方必须中断该机器人。
type FatalError struct {
	Op    string
	Order *models.Order
	Cause error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("网关致命错误 [%s]: order=%v: %v", e.Op, e.Order, e.Cause)
}

func (e *FatalError) Unwrap() error { return e.Cause }

// Gateway 包装交易所客户端, 提供带重试的下单与查单。
type Gateway struct {
	ex        exchange.Exchange
	factory   exchange.Factory
	reconcile func() error
	notify    notifier.Notifier
	logger    *zap.SugaredLogger

	retryCount    int
	retryDelay    time.Duration
	getOrderCount int
	getOrderDelay time.Duration

	sleep func(time.Duration) // 可替换, 测试用
}

// Options 配置网关的重试行为。
type Options struct {
	RetryCount    int           // 下单重试次数
	RetryDelay    time.Duration // 下单重试前的固定等待
	GetOrderCount int           // 查单重试次数
	GetOrderDelay time.Duration // 查单重试间隔
}

// New 创建网关。factory 为 nil 时(回测)跳过客户端重建,
// reconcile 为 nil 时跳过同步触发。
func New(ex exchange.Exchange, factory exchange.Factory, notify notifier.Notifier, logger *zap.SugaredLogger, opts Options) *Gateway {
	if notify == nil {
		notify = notifier.NopNotifier{}
	}
	return &Gateway{
		ex:            ex,
		factory:       factory,
		notify:        notify,
		logger:        logger,
		retryCount:    opts.RetryCount,
		retryDelay:    opts.RetryDelay,
		getOrderCount: opts.GetOrderCount,
		getOrderDelay: opts.GetOrderDelay,
		sleep:         time.Sleep,
	}
}

// SetReconciler 注入同步回调。网关与同步引擎互相引用, 构造后注入。
func (g *Gateway) SetReconciler(reconcile func() error) {
	g.reconcile = reconcile
}

// Exchange 返回当前客户端实例。重试可能替换它, 调用方不应缓存。
func (g *Gateway) Exchange() exchange.Exchange {
	return g.ex
}

// PlaceOrder 提交订单。除余额不足外的任何失败都会重试:
// 通知操作员, 重建客户端, 触发同步, 等待固定退避后重发。
// 余额不足立即以携带两侧余额的致命错误返回。
// 重试耗尽或订单结果不可信时返回 FatalError。
func (g *Gateway) PlaceOrder(order *models.Order, qtyStr, priceStr string) (*models.Order, error) {
	var lastErr error

	for attempt := 0; attempt <= g.retryCount; attempt++ {
		if attempt > 0 {
			g.notify.Notify(fmt.Sprintf("下单重试 %d/%d: %v, 上次错误: %v", attempt, g.retryCount, order, lastErr), false)
			g.reconnect()
			if g.reconcile != nil {
				if err := g.reconcile(); err != nil {
					g.logger.Errorw("重试前同步失败", "error", err)
				}
			}
			g.sleep(g.retryDelay)
		}

		placed, err := g.ex.PlaceOrder(order, qtyStr, priceStr)
		if err != nil {
			var apiErr *models.Error
			if errors.As(err, &apiErr) && apiErr.IsInsufficientBalance() {
				return nil, g.insufficientBalance(order, err)
			}
			g.logger.Errorw("下单失败", "order", order, "attempt", attempt, "error", err)
			lastErr = err
			continue
		}

		if placed.IsUnknown() {
			// 结果不可信, 计入重试预算
			g.logger.Errorw("下单返回不可信结果", "order", placed, "attempt", attempt)
			lastErr = fmt.Errorf("订单结果不可信: %v", placed)
			continue
		}

		return placed, nil
	}

	return nil, &FatalError{Op: "PlaceOrder", Order: order, Cause: lastErr}
}

// GetOrder 查询订单状态。失败或未找到都计入重试预算,
// 耗尽后返回 FatalError: 订单状态无法证实时, 调用方不得假设任何结果。
func (g *Gateway) GetOrder(pair models.TradePair, orderID string) (*models.Order, error) {
	var lastErr error

	for attempt := 0; attempt <= g.getOrderCount; attempt++ {
		if attempt > 0 {
			g.sleep(g.getOrderDelay)
		}

		order, err := g.ex.GetOrder(pair, orderID)
		if err != nil {
			g.logger.Errorw("查单失败", "orderID", orderID, "attempt", attempt, "error", err)
			lastErr = err
			continue
		}
		if order == nil {
			lastErr = fmt.Errorf("订单 %s 未找到", orderID)
			continue
		}
		return order, nil
	}

	return nil, &FatalError{Op: "GetOrder", Cause: lastErr}
}

// reconnect 用同样的凭据重建客户端, 替换疑似损坏的连接。
func (g *Gateway) reconnect() {
	if g.factory == nil {
		return
	}
	newEx, err := g.factory()
	if err != nil {
		g.logger.Errorw("重建交易所客户端失败", "error", err)
		return
	}
	if err := g.ex.Close(); err != nil {
		g.logger.Warnw("关闭旧客户端失败", "error", err)
	}
	g.ex = newEx
	g.logger.Info("交易所客户端已重建")
}

// insufficientBalance 组装余额不足的致命错误, 附带两侧资产余额。
func (g *Gateway) insufficientBalance(order *models.Order, cause error) error {
	result := &models.InsufficientBalanceError{Order: order, Cause: cause}
	if balances, err := g.ex.GetBalances(); err == nil {
		result.BaseAsset = balances[order.Pair.Base]
		result.QuoteAsset = balances[order.Pair.Quote]
	}
	g.notify.Notify(result.Error(), false)
	return result
}
