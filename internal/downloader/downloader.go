package downloader

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"grid-trailing-bot-go/internal/models"
	"grid-trailing-bot-go/internal/storage"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"
)

// requestSpacing 两次分页请求之间的间隔, 避免触发限频。
const requestSpacing = 200 * time.Millisecond

// KlineDownloader 从币安拉取历史K线并写入本地K线库。
// 已有数据之后的部分增量补齐, 不重复下载。
type KlineDownloader struct {
	client *binance.Client
	store  *storage.CandleStore
	logger *zap.SugaredLogger
}

// NewKlineDownloader 创建下载器。K线接口是公共接口, 不需要API Key。
func NewKlineDownloader(store *storage.CandleStore, logger *zap.SugaredLogger) *KlineDownloader {
	return &KlineDownloader{
		client: binance.NewClient("", ""),
		store:  store,
		logger: logger,
	}
}

// Download 拉取 [startTime, endTime) 内的1分钟K线写入K线库。
// 库中已有的时段会被跳过, 从最后一根K线之后继续。
func (d *KlineDownloader) Download(ctx context.Context, pair models.TradePair, startTime, endTime time.Time) error {
	if err := d.store.EnsureTable(pair); err != nil {
		return err
	}

	from := startTime.UnixMilli()
	last, err := d.store.LastCloseTime(pair)
	if err != nil {
		return err
	}
	if last+1 > from {
		from = last + 1
		d.logger.Infow("本地已有K线, 增量下载", "pair", pair.Symbol(), "from", time.UnixMilli(from))
	}
	if from >= endTime.UnixMilli() {
		d.logger.Infow("K线数据已是最新", "pair", pair.Symbol())
		return nil
	}

	d.logger.Infow("开始下载K线", "pair", pair.Symbol(),
		"from", time.UnixMilli(from).Format("2006-01-02 15:04"),
		"to", endTime.Format("2006-01-02 15:04"))

	for from < endTime.UnixMilli() {
		klines, err := d.client.NewKlinesService().
			Symbol(pair.Symbol()).
			Interval("1m").
			StartTime(from).
			EndTime(endTime.UnixMilli()).
			Limit(1000).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("下载K线失败: %w", err)
		}
		if len(klines) == 0 {
			break
		}

		batch := make([]models.Candlestick, 0, len(klines))
		for _, k := range klines {
			candle, err := convertKline(k)
			if err != nil {
				return fmt.Errorf("解析K线失败 openTime=%d: %w", k.OpenTime, err)
			}
			batch = append(batch, candle)
		}
		if err := d.store.SaveCandles(pair, batch); err != nil {
			return err
		}

		from = klines[len(klines)-1].CloseTime + 1
		d.logger.Infow("已下载", "pair", pair.Symbol(), "until", time.UnixMilli(from).Format("2006-01-02 15:04"))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(requestSpacing):
		}
	}

	d.logger.Infow("K线下载完成", "pair", pair.Symbol())
	return nil
}

// ExportCSV 把K线库中 [from, to) 的数据导出为CSV文件, 便于外部工具分析。
func (d *KlineDownloader) ExportCSV(pair models.TradePair, filePath string, from, to time.Time) error {
	candles, err := d.store.LoadCandles(pair, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return err
	}
	if len(candles) == 0 {
		return fmt.Errorf("时段内没有K线数据: %s", pair.Symbol())
	}

	if dir := filepath.Dir(filePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("无法创建目录 %s: %w", dir, err)
		}
	}
	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %w", filePath, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"open_time", "open", "high", "low", "close", "volume", "close_time"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("写入CSV表头失败: %w", err)
	}
	for _, c := range candles {
		record := []string{
			strconv.FormatInt(c.OpenTime, 10),
			strconv.FormatFloat(c.Open, 'f', -1, 64),
			strconv.FormatFloat(c.High, 'f', -1, 64),
			strconv.FormatFloat(c.Low, 'f', -1, 64),
			strconv.FormatFloat(c.Close, 'f', -1, 64),
			strconv.FormatFloat(c.Volume, 'f', -1, 64),
			strconv.FormatInt(c.CloseTime, 10),
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("写入CSV记录失败: %w", err)
		}
	}

	d.logger.Infow("已导出CSV", "pair", pair.Symbol(), "file", filePath, "candles", len(candles))
	return nil
}

func convertKline(k *binance.Kline) (models.Candlestick, error) {
	var (
		candle models.Candlestick
		err    error
	)
	candle.OpenTime = k.OpenTime
	candle.CloseTime = k.CloseTime
	if candle.Open, err = strconv.ParseFloat(k.Open, 64); err != nil {
		return candle, err
	}
	if candle.High, err = strconv.ParseFloat(k.High, 64); err != nil {
		return candle, err
	}
	if candle.Low, err = strconv.ParseFloat(k.Low, 64); err != nil {
		return candle, err
	}
	if candle.Close, err = strconv.ParseFloat(k.Close, 64); err != nil {
		return candle, err
	}
	if candle.Volume, err = strconv.ParseFloat(k.Volume, 64); err != nil {
		return candle, err
	}
	return candle, nil
}
