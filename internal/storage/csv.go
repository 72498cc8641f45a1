package storage

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"grid-trader-go/internal/models"
)

// CSVHeader is the column layout written by the downloader.
var CSVHeader = []string{"open_time", "open", "high", "low", "close", "volume", "close_time", "quote_asset_volume", "number_of_trades", "taker_buy_base_asset_volume", "taker_buy_quote_asset_volume"}

// CSVSource reads bars from <dir>/<SYMBOL>-<interval>.csv files. Each file is
// parsed once and kept in memory.
type CSVSource struct {
	dir string

	mu     sync.Mutex
	series map[string][]models.Bar
}

// NewCSVSource creates a source rooted at dir.
func NewCSVSource(dir string) *CSVSource {
	return &CSVSource{dir: dir, series: make(map[string][]models.Bar)}
}

// CSVPath returns the file path used for pair/interval under dir.
func CSVPath(dir, pair, interval string) string {
	symbol := strings.ReplaceAll(strings.ToUpper(pair), "/", "")
	return filepath.Join(dir, fmt.Sprintf("%s-%s.csv", symbol, strings.ToLower(interval)))
}

// LoadBars implements klinecache.BarSource.
func (s *CSVSource) LoadBars(_ context.Context, pair, interval string, start, end time.Time) ([]models.Bar, error) {
	bars, err := s.load(pair, interval)
	if err != nil {
		return nil, err
	}
	lo := sort.Search(len(bars), func(i int) bool { return !bars[i].CloseTime.Before(start) })
	hi := sort.Search(len(bars), func(i int) bool { return bars[i].CloseTime.After(end) })
	if lo >= hi {
		return nil, nil
	}
	out := make([]models.Bar, hi-lo)
	copy(out, bars[lo:hi])
	return out, nil
}

func (s *CSVSource) load(pair, interval string) ([]models.Bar, error) {
	path := CSVPath(s.dir, pair, interval)
	s.mu.Lock()
	defer s.mu.Unlock()
	if bars, ok := s.series[path]; ok {
		return bars, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("无法打开历史数据文件: %w", err)
	}
	defer file.Close()

	bars, err := ReadBars(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.series[path] = bars
	return bars, nil
}

// ReadBars parses CSV rows (open_time, open, high, low, close, volume,
// close_time, ...) with an optional header and returns them sorted by close time.
func ReadBars(r io.Reader) ([]models.Bar, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("无法读取CSV记录: %w", err)
	}

	bars := make([]models.Bar, 0, len(records))
	for i, record := range records {
		if i == 0 && len(record) > 0 && record[0] == CSVHeader[0] {
			continue
		}
		if len(record) < 7 {
			return nil, fmt.Errorf("第 %d 行字段不足: %v", i+1, record)
		}
		bar, err := parseRecord(record)
		if err != nil {
			return nil, fmt.Errorf("第 %d 行解析失败: %w", i+1, err)
		}
		bars = append(bars, bar)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].CloseTime.Before(bars[j].CloseTime) })
	return bars, nil
}

func parseRecord(record []string) (models.Bar, error) {
	openMs, errT := strconv.ParseInt(record[0], 10, 64)
	open, errO := strconv.ParseFloat(record[1], 64)
	high, errH := strconv.ParseFloat(record[2], 64)
	low, errL := strconv.ParseFloat(record[3], 64)
	closePrice, errC := strconv.ParseFloat(record[4], 64)
	volume, errV := strconv.ParseFloat(record[5], 64)
	closeMs, errCT := strconv.ParseInt(record[6], 10, 64)
	for _, err := range []error{errT, errO, errH, errL, errC, errV, errCT} {
		if err != nil {
			return models.Bar{}, err
		}
	}
	return models.Bar{
		OpenTime:  time.UnixMilli(openMs).UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
		CloseTime: time.UnixMilli(closeMs).UTC(),
	}, nil
}

// WriteBars writes bars in the downloader's CSV layout, header included.
func WriteBars(w io.Writer, bars []models.Bar) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(CSVHeader); err != nil {
		return fmt.Errorf("写入CSV表头失败: %w", err)
	}
	for _, b := range bars {
		record := []string{
			strconv.FormatInt(b.OpenTime.UnixMilli(), 10),
			strconv.FormatFloat(b.Open, 'f', -1, 64),
			strconv.FormatFloat(b.High, 'f', -1, 64),
			strconv.FormatFloat(b.Low, 'f', -1, 64),
			strconv.FormatFloat(b.Close, 'f', -1, 64),
			strconv.FormatFloat(b.Volume, 'f', -1, 64),
			strconv.FormatInt(b.CloseTime.UnixMilli(), 10),
			"0", "0", "0", "0",
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("写入CSV记录失败: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}
