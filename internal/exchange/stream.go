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
	streamReadTimeout  = 30 * time.Second
	streamPingInterval = 15 * time.Second
	streamReconnectGap = 2 * time.Second
	// DefaultPriceStaleAfter 之后缓存价格视为过期, 改用 REST
	DefaultPriceStaleAfter = 10 * time.Second
)

type cachedPrice struct {
	price float64
	at    time.Time
}

// miniTickerEvent 是组合流中的 24hrMiniTicker 推送
type miniTickerEvent struct {
	Stream string `json:"stream"`
	Data   struct {
		Event  string `json:"e"`
		Symbol string `json:"s"`
		Close  string `json:"c"`
	} `json:"data"`
}

// PriceStream 订阅 miniTicker 组合流并缓存每个交易对的最新价格
type PriceStream struct {
	url        string
	staleAfter time.Duration
	logger     *zap.Logger
	now        func() time.Time

	mu     sync.RWMutex
	prices map[string]cachedPrice
}

// NewPriceStream builds a stream for the given tickers against wsBaseURL,
// e.g. "wss://stream.binance.com:9443".
func NewPriceStream(wsBaseURL string, tickers []string, logger *zap.Logger) *PriceStream {
	streams := make([]string, 0, len(tickers))
	for _, t := range tickers {
		streams = append(streams, strings.ToLower(ToSymbol(t))+"@miniTicker")
	}
	return &PriceStream{
		url:        fmt.Sprintf("%s/stream?streams=%s", strings.TrimRight(wsBaseURL, "/"), strings.Join(streams, "/")),
		staleAfter: DefaultPriceStaleAfter,
		logger:     logger,
		now:        time.Now,
		prices:     make(map[string]cachedPrice),
	}
}

// Price returns the cached price of symbol if it is fresh.
func (s *PriceStream) Price(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[symbol]
	if !ok || s.now().Sub(p.at) > s.staleAfter {
		return 0, false
	}
	return p.price, true
}

// Run 保持连接直到 ctx 结束, 断线后自动重连
func (s *PriceStream) Run(ctx context.Context) {
	for {
		if err := s.runOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("价格推送连接中断, 准备重连", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(streamReconnectGap):
		}
	}
}

func (s *PriceStream) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("无法连接到 WebSocket: %w", err)
	}
	defer conn.Close()
	s.logger.Info("价格推送已连接", zap.String("url", s.url))

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(streamPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(message)
	}
}

func (s *PriceStream) handleMessage(message []byte) {
	var event miniTickerEvent
	if err := json.Unmarshal(message, &event); err != nil {
		s.logger.Debug("无法解析推送消息", zap.Error(err))
		return
	}
	price, err := strconv.ParseFloat(event.Data.Close, 64)
	if err != nil || price <= 0 || event.Data.Symbol == "" {
		return
	}

	s.mu.Lock()
	s.prices[strings.ToUpper(event.Data.Symbol)] = cachedPrice{price: price, at: s.now()}
	s.mu.Unlock()
}
