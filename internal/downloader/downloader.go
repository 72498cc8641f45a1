package downloader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"grid-trader-go/internal/models"
	"grid-trader-go/internal/storage"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"
)

// 币安单次请求最多返回1000条K线
const pageLimit = 1000

// KlineFetcher 拉取从 start 开始的一页K线
type KlineFetcher interface {
	FetchKlines(ctx context.Context, symbol, interval string, start time.Time, limit int) ([]models.Bar, error)
}

// BinanceFetcher 使用币安现货公共接口拉取K线
type BinanceFetcher struct {
	client *binance.Client
}

// NewBinanceFetcher 创建公共接口客户端, 不需要API Key
func NewBinanceFetcher() *BinanceFetcher {
	return &BinanceFetcher{client: binance.NewClient("", "")}
}

// FetchKlines 实现 KlineFetcher
func (f *BinanceFetcher) FetchKlines(ctx context.Context, symbol, interval string, start time.Time, limit int) ([]models.Bar, error) {
	klines, err := f.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		StartTime(start.UnixMilli()).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("下载K线数据失败: %w", err)
	}
	bars := make([]models.Bar, 0, len(klines))
	for _, k := range klines {
		bar, err := barFromKline(k)
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func barFromKline(k *binance.Kline) (models.Bar, error) {
	values := make([]float64, 5)
	for i, s := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return models.Bar{}, fmt.Errorf("解析K线字段 %q 失败: %w", s, err)
		}
		values[i] = v
	}
	return models.Bar{
		OpenTime:  time.UnixMilli(k.OpenTime).UTC(),
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
		CloseTime: time.UnixMilli(k.CloseTime).UTC(),
	}, nil
}

// KlineDownloader 按页下载K线并写入CSV文件或SQLite库
type KlineDownloader struct {
	fetcher KlineFetcher
	logger  *zap.Logger
	// 两次请求之间的间隔, 避免触发频率限制
	pause time.Duration
}

// NewKlineDownloader 创建一个新的下载器实例
func NewKlineDownloader(fetcher KlineFetcher, logger *zap.Logger) *KlineDownloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KlineDownloader{fetcher: fetcher, logger: logger, pause: 200 * time.Millisecond}
}

// Download 拉取 [start, end) 区间内开盘的全部K线
func (d *KlineDownloader) Download(ctx context.Context, pair, interval string, start, end time.Time) ([]models.Bar, error) {
	p, err := models.ParsePair(pair)
	if err != nil {
		return nil, err
	}
	if _, err := models.ParseInterval(interval); err != nil {
		return nil, err
	}

	d.logger.Info("开始下载K线数据",
		zap.String("pair", p.String()),
		zap.String("interval", interval),
		zap.Time("start", start),
		zap.Time("end", end),
	)

	var all []models.Bar
	for t := start; t.Before(end); {
		bars, err := d.fetcher.FetchKlines(ctx, p.Symbol(), interval, t, pageLimit)
		if err != nil {
			return nil, err
		}
		if len(bars) == 0 {
			break
		}
		for _, b := range bars {
			if !b.OpenTime.Before(end) {
				break
			}
			all = append(all, b)
		}

		// 更新下一次请求的开始时间
		t = bars[len(bars)-1].CloseTime.Add(time.Millisecond)
		d.logger.Debug("已下载数据", zap.Time("until", t), zap.Int("bars", len(all)))
		if len(bars) < pageLimit {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.pause):
		}
	}
	return all, nil
}

// DownloadToCSV 下载并写入 dir 下的CSV文件。文件已存在时跳过下载, 直接使用缓存。
func (d *KlineDownloader) DownloadToCSV(ctx context.Context, dir, pair, interval string, start, end time.Time) (string, error) {
	path := storage.CSVPath(dir, pair, interval)
	if _, err := os.Stat(path); err == nil {
		d.logger.Info("从缓存加载数据", zap.String("file", path))
		return path, nil
	}

	bars, err := d.Download(ctx, pair, interval, start, end)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("无法创建目录 %s: %w", filepath.Dir(path), err)
	}
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("无法创建文件 %s: %w", path, err)
	}
	defer file.Close()

	if err := storage.WriteBars(file, bars); err != nil {
		return "", err
	}
	d.logger.Info("成功下载K线数据", zap.String("file", path), zap.Int("bars", len(bars)))
	return path, nil
}

// DownloadToStore 下载并写入SQLite库, 已有的K线会被覆盖
func (d *KlineDownloader) DownloadToStore(ctx context.Context, store *storage.SQLiteStore, pair, interval string, start, end time.Time) (int, error) {
	bars, err := d.Download(ctx, pair, interval, start, end)
	if err != nil {
		return 0, err
	}
	n, err := store.InsertBars(ctx, pair, interval, bars)
	if err != nil {
		return 0, fmt.Errorf("写入K线数据失败: %w", err)
	}
	d.logger.Info("成功写入K线数据", zap.String("pair", pair), zap.String("interval", interval), zap.Int("bars", n))
	return n, nil
}
