package downloader

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"
)

// Header is the column layout of a kline CSV file.
var Header = []string{"open_time", "open", "high", "low", "close", "volume", "close_time", "quote_asset_volume", "number_of_trades", "taker_buy_base_asset_volume", "taker_buy_quote_asset_volume"}

const (
	pageLimit = 1000 // 币安单次请求最多1000条
	pagePause = 200 * time.Millisecond
)

// KlineDownloader 用于从币安下载K线数据
type KlineDownloader struct {
	client   *binance.Client
	interval string
	pause    time.Duration
	logger   *zap.Logger
}

// NewKlineDownloader 创建一个新的下载器实例. baseURL overrides the REST
// endpoint when non-empty.
func NewKlineDownloader(baseURL string, logger *zap.Logger) *KlineDownloader {
	client := binance.NewClient("", "") // 公共接口不需要API Key
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &KlineDownloader{
		client:   client,
		interval: "1m",
		pause:    pagePause,
		logger:   logger.With(zap.String("component", "downloader")),
	}
}

// DownloadKlines 下载指定交易对和时间范围内的1分钟K线数据，并保存到CSV文件
// 如果文件已存在，则会跳过下载，直接使用缓存。
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol, filePath string, startTime, endTime time.Time) error {
	if _, err := os.Stat(filePath); err == nil {
		d.logger.Info("using cached klines", zap.String("file", filePath))
		return nil
	}

	d.logger.Info("downloading klines",
		zap.String("symbol", symbol),
		zap.Time("from", startTime),
		zap.Time("to", endTime))

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	// 先写临时文件, 下载完整后再改名, 避免半截文件被当作缓存
	tmp := filePath + ".part"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create file %s: %w", tmp, err)
	}
	rows, err := d.write(ctx, file, symbol, startTime, endTime)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return fmt.Errorf("finalize %s: %w", filePath, err)
	}

	d.logger.Info("klines saved", zap.String("file", filePath), zap.Int("rows", rows))
	return nil
}

func (d *KlineDownloader) write(ctx context.Context, file *os.File, symbol string, startTime, endTime time.Time) (int, error) {
	writer := csv.NewWriter(file)
	if err := writer.Write(Header); err != nil {
		return 0, fmt.Errorf("write csv header: %w", err)
	}

	rows := 0
	for t := startTime; t.Before(endTime); {
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval(d.interval).
			StartTime(t.UnixMilli()).
			EndTime(endTime.UnixMilli()).
			Limit(pageLimit).
			Do(ctx)
		if err != nil {
			return rows, fmt.Errorf("download klines: %w", err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			record := []string{
				strconv.FormatInt(k.OpenTime, 10),
				k.Open,
				k.High,
				k.Low,
				k.Close,
				k.Volume,
				strconv.FormatInt(k.CloseTime, 10),
				k.QuoteAssetVolume,
				strconv.FormatInt(k.TradeNum, 10),
				k.TakerBuyBaseAssetVolume,
				k.TakerBuyQuoteAssetVolume,
			}
			if err := writer.Write(record); err != nil {
				return rows, fmt.Errorf("write csv record: %w", err)
			}
			rows++
		}

		// 更新下一次请求的开始时间
		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		d.logger.Debug("klines downloaded", zap.Time("until", t))
		if len(klines) < pageLimit {
			break
		}
		select {
		case <-ctx.Done():
			return rows, ctx.Err()
		case <-time.After(d.pause): // 避免过于频繁的请求
		}
	}

	writer.Flush()
	return rows, writer.Error()
}
