package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	futuresStreamURL        = "wss://fstream.binance.com/ws"
	futuresTestnetStreamURL = "wss://stream.binancefuture.com/ws"
)

// BookTicker 是某个交易对最新的最优买卖价
type BookTicker struct {
	Symbol    string
	BidPrice  float64
	AskPrice  float64
	UpdatedAt time.Time
}

// bookTickerEvent 对应币安 <symbol>@bookTicker 推送
type bookTickerEvent struct {
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
}

// BookTickerStream 订阅 bookTicker 推送并缓存最新盘口, 断线后自动重连
type BookTickerStream struct {
	baseURL string
	symbols []string
	logger  *zap.Logger
	// 断线重连等待时间
	reconnectDelay time.Duration

	mu      sync.RWMutex
	tickers map[string]BookTicker
}

// NewBookTickerStream 为给定的交易所符号 (如 "ETHUSDT") 创建推送订阅
func NewBookTickerStream(baseURL string, symbols []string, logger *zap.Logger) *BookTickerStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BookTickerStream{
		baseURL:        strings.TrimRight(baseURL, "/"),
		symbols:        symbols,
		logger:         logger,
		reconnectDelay: 3 * time.Second,
		tickers:        make(map[string]BookTicker),
	}
}

// streamURL 组合多个流: <base>/<s1>@bookTicker/<s2>@bookTicker
func (s *BookTickerStream) streamURL() string {
	streams := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		streams = append(streams, strings.ToLower(sym)+"@bookTicker")
	}
	return s.baseURL + "/" + strings.Join(streams, "/")
}

// Run 阻塞运行直到 ctx 结束
func (s *BookTickerStream) Run(ctx context.Context) {
	for {
		if err := s.serve(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("bookTicker 连接中断, 准备重连", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *BookTickerStream) serve(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("无法连接到 WebSocket: %w", err)
	}
	defer conn.Close()
	s.logger.Info("bookTicker 已连接", zap.Strings("symbols", s.symbols))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := s.handleMessage(message); err != nil {
			s.logger.Debug("忽略无法解析的 bookTicker 消息", zap.Error(err))
		}
	}
}

func (s *BookTickerStream) handleMessage(message []byte) error {
	var ev bookTickerEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		return err
	}
	if ev.Symbol == "" {
		return fmt.Errorf("missing symbol")
	}
	bid, err := strconv.ParseFloat(ev.BidPrice, 64)
	if err != nil {
		return err
	}
	ask, err := strconv.ParseFloat(ev.AskPrice, 64)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.tickers[ev.Symbol] = BookTicker{Symbol: ev.Symbol, BidPrice: bid, AskPrice: ask, UpdatedAt: time.Now()}
	s.mu.Unlock()
	return nil
}

// Latest 返回不早于 maxAge 的最新盘口
func (s *BookTickerStream) Latest(symbol string, maxAge time.Duration) (BookTicker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickers[symbol]
	if !ok || time.Since(t.UpdatedAt) > maxAge {
		return BookTicker{}, false
	}
	return t, true
}
