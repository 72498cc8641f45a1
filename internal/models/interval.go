package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

var supportedIntervals = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
	"3d":  72 * time.Hour,
	"1w":  7 * 24 * time.Hour,
}

// ParseInterval 将 K 线周期 (如 "1m", "4h") 转换为时长
func ParseInterval(interval string) (time.Duration, error) {
	d, ok := supportedIntervals[strings.ToLower(strings.TrimSpace(interval))]
	if !ok {
		return 0, fmt.Errorf("不支持的K线周期: %s", interval)
	}
	return d, nil
}

// SupportedIntervals 返回所有支持的周期 (按时长排序)
func SupportedIntervals() []string {
	keys := make([]string, 0, len(supportedIntervals))
	for k := range supportedIntervals {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return supportedIntervals[keys[i]] < supportedIntervals[keys[j]] })
	return keys
}
