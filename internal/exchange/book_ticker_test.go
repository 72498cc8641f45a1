package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBookTickerStreamURL(t *testing.T) {
	s := NewBookTickerStream("wss://example.com/ws/", []string{"ETHUSDT", "BTCUSDT"}, nil)
	assert.Equal(t, "wss://example.com/ws/ethusdt@bookTicker/btcusdt@bookTicker", s.streamURL())
}

func TestBookTickerHandleMessage(t *testing.T) {
	s := NewBookTickerStream("", nil, nil)
	require.NoError(t, s.handleMessage([]byte(`{"e":"bookTicker","s":"ETHUSDT","b":"3000.10","B":"1","a":"3000.20","A":"2"}`)))

	ticker, ok := s.Latest("ETHUSDT", time.Minute)
	require.True(t, ok)
	assert.Equal(t, 3000.10, ticker.BidPrice)
	assert.Equal(t, 3000.20, ticker.AskPrice)

	_, ok = s.Latest("ETHUSDT", -time.Second)
	assert.False(t, ok, "stale ticker")

	assert.Error(t, s.handleMessage([]byte(`{"s":"ETHUSDT","b":"x","a":"1"}`)))
	assert.Error(t, s.handleMessage([]byte(`{"result":null,"id":1}`)))
}

func TestBookTickerStreamRun(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"s":"ETHUSDT","b":"10","B":"1","a":"11","A":"1"}`))
		// 保持连接直到客户端关闭
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	s := NewBookTickerStream(wsURL, []string{"ETHUSDT"}, nil)
	s.reconnectDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		_, ok := s.Latest("ETHUSDT", time.Minute)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}
}
