package backtest

import (
	"fmt"
	"time"

	"grid-trailing-bot-go/internal/exchange"
	"grid-trailing-bot-go/internal/gateway"
	"grid-trailing-bot-go/internal/models"
	"grid-trailing-bot-go/internal/notifier"
	"grid-trailing-bot-go/internal/trader"

	"go.uber.org/zap"
)

// Result 汇总一次回测的最终状态。
type Result struct {
	Pair models.TradePair
	From time.Time
	To   time.Time

	Candles    int // 回放的K线数量(含补洞)
	GapsFilled int // 合成的补洞K线数量

	FirstBalance  float64 // 期末基础资产
	SecondBalance float64 // 期末计价资产

	FirstPrice float64 // 首根K线收盘价
	LastPrice  float64 // 最后一个合成价格

	StartValue        float64 // 期初总资产, 按首价折算为计价资产
	ValueByFirstPrice float64 // 期末总资产, 按首价估值
	ValueByLastPrice  float64 // 期末总资产, 按末价估值

	ProfitByFirstPrice float64
	ProfitByLastPrice  float64

	ExecutedOrders int
	StaticUpdates  int
}

// FillGaps 修补K线序列中缺失的时段。相邻K线必须满足
// closeTime+1 == 下一根的 openTime, 不满足时插入零成交量的
// 平盘K线 (open=high=low=close=前收盘价), 保持时间轴连续。
// 返回修补后的序列与插入的数量。
func FillGaps(candles []models.Candlestick, logger *zap.SugaredLogger) ([]models.Candlestick, int) {
	if len(candles) < 2 {
		return candles, 0
	}

	out := make([]models.Candlestick, 0, len(candles))
	out = append(out, candles[0])
	inserted := 0

	for i := 1; i < len(candles); i++ {
		prev := out[len(out)-1]
		next := candles[i]
		span := prev.CloseTime - prev.OpenTime

		for prev.CloseTime+1 < next.OpenTime {
			flat := models.Candlestick{
				OpenTime:  prev.CloseTime + 1,
				CloseTime: prev.CloseTime + 1 + span,
				Open:      prev.Close,
				High:      prev.Close,
				Low:       prev.Close,
				Close:     prev.Close,
				Volume:    0,
			}
			out = append(out, flat)
			inserted++
			prev = flat
		}
		if inserted > 0 && prev.CloseTime+1 != next.OpenTime {
			// 洞的宽度不是K线周期的整数倍, 只能记录并继续
			logger.Warnw("K线时间轴未对齐", "prevClose", prev.CloseTime, "nextOpen", next.OpenTime)
		}
		out = append(out, next)
	}

	if inserted > 0 {
		logger.Warnw("历史数据存在缺口, 已用平盘K线修补", "inserted", inserted)
	}
	return out, inserted
}

// Run 在给定的历史K线上回放一个机器人配置。
// 整个过程单线程执行: 回测交易所逐根展开K线, 每个合成价格
// 先撮合挂单再同步喂给策略, 与实盘共用同一套策略代码。
func Run(settings *models.BotSettings, candles []models.Candlestick, logger *zap.SugaredLogger) (*Result, error) {
	if len(candles) == 0 {
		return nil, fmt.Errorf("回测 %s: 没有可用的K线数据", settings.Name)
	}

	candles, gaps := FillGaps(candles, logger)

	ex := exchange.NewBacktestExchange(settings, logger)
	// 回测中不重试也不重连: 撮合是本地的, 失败即是bug
	gw := gateway.New(ex, nil, notifier.NopNotifier{}, logger, gateway.Options{})
	strategy := trader.NewStrategy(settings, gw, nil, notifier.NopNotifier{}, logger)
	worker := trader.NewWorker(settings, strategy, ex, notifier.NopNotifier{}, logger)

	// 播种合成平仓单 (set_close_orders), 与实盘启动路径一致
	if err := strategy.Synchronize(); err != nil {
		return nil, fmt.Errorf("回测 %s: 初始同步失败: %w", settings.Name, err)
	}

	for _, candle := range candles {
		ex.ProcessCandle(candle, worker.Handle)
	}

	startFirst, startSecond := ex.StartBalances()
	finalFirst, finalSecond := ex.FinalBalances()
	firstPrice, lastPrice := ex.FirstPrice(), ex.LastPrice()

	r := &Result{
		Pair:           settings.TradePair(),
		From:           time.UnixMilli(candles[0].OpenTime),
		To:             time.UnixMilli(candles[len(candles)-1].CloseTime),
		Candles:        len(candles),
		GapsFilled:     gaps,
		FirstBalance:   finalFirst,
		SecondBalance:  finalSecond,
		FirstPrice:     firstPrice,
		LastPrice:      lastPrice,
		ExecutedOrders: ex.ExecutedOrderCount(),
		StaticUpdates:  strategy.StaticUpdateCount(),
	}
	r.StartValue = startSecond + startFirst*firstPrice
	r.ValueByFirstPrice = finalSecond + finalFirst*firstPrice
	r.ValueByLastPrice = finalSecond + finalFirst*lastPrice
	r.ProfitByFirstPrice = r.ValueByFirstPrice - r.StartValue
	r.ProfitByLastPrice = r.ValueByLastPrice - r.StartValue
	return r, nil
}
