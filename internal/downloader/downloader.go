package downloader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"krw-grid-bot-go/internal/exchange"
	"krw-grid-bot-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"
)

const pageLimit = 1000 // 单次请求最多1000条

var header = []string{"open_time", "open", "high", "low", "close", "volume", "close_time", "quote_asset_volume", "number_of_trades", "taker_buy_base_asset_volume", "taker_buy_quote_asset_volume"}

// KlineDownloader 用于下载历史K线数据供回测使用
type KlineDownloader struct {
	client *binance.Client
	logger *zap.SugaredLogger
	pause  time.Duration
}

// NewKlineDownloader 创建一个新的下载器实例
func NewKlineDownloader(logger *zap.Logger) *KlineDownloader {
	return &KlineDownloader{
		client: binance.NewClient("", ""), // 公共接口不需要API Key
		logger: logger.Sugar(),
		pause:  200 * time.Millisecond,
	}
}

// FileName returns the cache path used for a download.
func FileName(dir, ticker, interval, start, end string) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s-%s-%s.csv", ticker, interval, start, end))
}

// DownloadKlines 下载 ticker 在时间范围内的K线并保存到 CSV 文件。
// 文件已存在时直接使用缓存。
func (d *KlineDownloader) DownloadKlines(ctx context.Context, ticker, interval, filePath string, startTime, endTime time.Time) error {
	if _, err := os.Stat(filePath); err == nil {
		d.logger.Infof("从缓存加载数据: %s", filePath)
		return nil
	}

	symbol := exchange.ToSymbol(ticker)
	d.logger.Infof("开始下载 %s (%s) 从 %s 到 %s 的 %s K线数据...", ticker, symbol, startTime.Format("2006-01-02"), endTime.Format("2006-01-02"), interval)

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("无法创建目录 %s: %w", filepath.Dir(filePath), err)
	}
	// 先写临时文件, 中断的下载不会被当作缓存
	tmp := filePath + ".part"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %w", tmp, err)
	}
	defer os.Remove(tmp)

	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		file.Close()
		return fmt.Errorf("写入CSV表头失败: %w", err)
	}

	rows := 0
	for t := startTime; t.Before(endTime); {
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(t.UnixMilli()).
			EndTime(endTime.UnixMilli()).
			Limit(pageLimit).
			Do(ctx)
		if err != nil {
			file.Close()
			return fmt.Errorf("下载K线数据失败: %w", err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			if err := writer.Write(Record(k)); err != nil {
				file.Close()
				return fmt.Errorf("写入CSV记录失败: %w", err)
			}
		}
		rows += len(klines)

		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		d.logger.Debugf("已下载数据至 %s", t.Format("2006-01-02 15:04:05"))

		select {
		case <-ctx.Done():
			file.Close()
			return ctx.Err()
		case <-time.After(d.pause): // 避免过于频繁的请求
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		file.Close()
		return fmt.Errorf("写入CSV失败: %w", err)
	}
	if err := file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return err
	}
	d.logger.Infof("成功下载 %d 根K线到 %s", rows, filePath)
	return nil
}

// Record 把一根K线转换为 CSV 记录
func Record(k *binance.Kline) []string {
	return []string{
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
}

// LoadCandles 读取 DownloadKlines 写出的 CSV 文件。无法解析的行被跳过。
func LoadCandles(path string, logger *zap.Logger) ([]models.Candle, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("无法打开历史数据文件: %w", err)
	}
	defer file.Close()
	return ReadCandles(file, logger)
}

// ReadCandles parses candle rows from r; the first row is the header.
func ReadCandles(r io.Reader, logger *zap.Logger) ([]models.Candle, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	if _, err := reader.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("历史数据文件为空")
		}
		return nil, fmt.Errorf("无法读取CSV表头: %w", err)
	}

	var candles []models.Candle
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("第 %d 行: %w", line, err)
		}
		c, err := parseRecord(record)
		if err != nil {
			logger.Sugar().Warnf("无法解析K线数据, 跳过第 %d 行: %v", line, err)
			continue
		}
		candles = append(candles, c)
	}
	if len(candles) == 0 {
		return nil, errors.New("历史数据文件只有表头")
	}
	return candles, nil
}

func parseRecord(record []string) (models.Candle, error) {
	if len(record) < 6 {
		return models.Candle{}, fmt.Errorf("字段数量不足: %d", len(record))
	}
	ms, err := strconv.ParseInt(record[0], 10, 64)
	if err != nil {
		return models.Candle{}, err
	}
	values := make([]float64, 5)
	for i := range values {
		if values[i], err = strconv.ParseFloat(record[i+1], 64); err != nil {
			return models.Candle{}, err
		}
	}
	return models.Candle{
		OpenTime: time.UnixMilli(ms),
		Open:     values[0],
		High:     values[1],
		Low:      values[2],
		Close:    values[3],
		Volume:   values[4],
	}, nil
}
