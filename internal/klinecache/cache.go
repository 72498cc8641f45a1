// Package klinecache serves bounded windows of historical bars per
// (pair, interval), reloading a window wholesale from a BarSource whenever a
// request falls outside it.
package klinecache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"grid-trader-go/internal/models"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"
)

// BarSource is the historical bar store backing the cache. LoadBars returns
// bars with start <= CloseTime <= end in ascending order.
type BarSource interface {
	LoadBars(ctx context.Context, pair, interval string, start, end time.Time) ([]models.Bar, error)
}

// Config bounds the cache.
type Config struct {
	// MaxWindows caps the number of (pair, interval) windows kept in memory.
	MaxWindows int64
	// WindowSize is how many bars are loaded per reload, at least the request limit.
	WindowSize int
}

// window covers (from, last bar]; from is the start the window was loaded at.
type window struct {
	from time.Time
	bars []models.Bar
}

func (w *window) first() time.Time { return w.from }
func (w *window) last() time.Time  { return w.bars[len(w.bars)-1].CloseTime }

// Cache is the K-line cache. It is driven from a single evaluation flow.
type Cache struct {
	source     BarSource
	store      *ristretto.Cache
	windowSize int
	logger     *zap.Logger

	loads int
}

// New creates a cache backed by source.
func New(source BarSource, cfg Config, logger *zap.Logger) (*Cache, error) {
	if source == nil {
		return nil, fmt.Errorf("bar source is required")
	}
	maxWindows := cfg.MaxWindows
	if maxWindows <= 0 {
		maxWindows = 64
	}
	windowSize := cfg.WindowSize
	if windowSize <= 0 {
		windowSize = 1000
	}
	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxWindows * 10,
		MaxCost:     maxWindows,
		BufferItems: 64,
		// 成本按窗口个数计算
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create window cache: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{source: source, store: store, windowSize: windowSize, logger: logger}, nil
}

func cacheKey(pair, interval string) string {
	return strings.ToUpper(pair) + "@" + strings.ToLower(interval)
}

// GetBars returns up to limit bars with asOf-interval*limit < CloseTime <= asOf,
// oldest first. An empty result means the series has no bar for asOf.
func (c *Cache) GetBars(ctx context.Context, pair, interval string, asOf time.Time, limit int) ([]models.Bar, error) {
	if limit <= 0 {
		return nil, nil
	}
	step, err := models.ParseInterval(interval)
	if err != nil {
		return nil, err
	}
	requiredStart := asOf.Add(-step * time.Duration(limit))

	key := cacheKey(pair, interval)
	w, ok := c.lookup(key)
	if !ok || requiredStart.Before(w.first()) || asOf.After(w.last()) {
		w, err = c.reload(ctx, key, pair, interval, step, requiredStart, limit)
		if err != nil {
			return nil, err
		}
	}
	if w == nil {
		return nil, nil
	}
	return selectBars(w.bars, requiredStart, asOf, limit), nil
}

func (c *Cache) lookup(key string) (*window, bool) {
	v, ok := c.store.Get(key)
	if !ok {
		return nil, false
	}
	w, ok := v.(*window)
	return w, ok && len(w.bars) > 0
}

func (c *Cache) reload(ctx context.Context, key, pair, interval string, step time.Duration, start time.Time, limit int) (*window, error) {
	size := c.windowSize
	if size < limit {
		size = limit
	}
	end := start.Add(step * time.Duration(size))
	bars, err := c.source.LoadBars(ctx, pair, interval, start, end)
	if err != nil {
		return nil, fmt.Errorf("load bars %s %s: %w", pair, interval, err)
	}
	c.loads++
	c.logger.Debug("K线窗口重新加载",
		zap.String("pair", pair),
		zap.String("interval", interval),
		zap.Time("start", start),
		zap.Int("bars", len(bars)),
	)
	if len(bars) == 0 {
		c.store.Del(key)
		return nil, nil
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].CloseTime.Before(bars[j].CloseTime) })
	w := &window{from: start, bars: bars}
	c.store.Set(key, w, 1)
	c.store.Wait()
	return w, nil
}

// selectBars keeps bars in (start, asOf] and returns at most the last limit of them.
func selectBars(bars []models.Bar, start, asOf time.Time, limit int) []models.Bar {
	hi := sort.Search(len(bars), func(i int) bool { return bars[i].CloseTime.After(asOf) })
	lo := sort.Search(len(bars), func(i int) bool { return bars[i].CloseTime.After(start) })
	if lo >= hi {
		return nil
	}
	if hi-lo > limit {
		lo = hi - limit
	}
	out := make([]models.Bar, hi-lo)
	copy(out, bars[lo:hi])
	return out
}

// Loads reports how many times the backing source has been queried.
func (c *Cache) Loads() int { return c.loads }

// Close releases the cache's background resources.
func (c *Cache) Close() {
	c.store.Close()
}
