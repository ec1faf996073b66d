package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ashwood/deltabot/pkg/models"
)

const (
	spotStreamURL   = "wss://stream.bybit.com/v5/public/spot"
	linearStreamURL = "wss://stream.bybit.com/v5/public/linear"

	pingInterval   = 20 * time.Second
	staleAfter     = 60 * time.Second
	maxReconnects  = 10
	reconnectDelay = 5 * time.Second
)

// WSFeed subscribes to the public ticker and kline topics for one symbol and
// caches the latest values. The engine only ever reads the cache; nothing is
// pushed into it.
type WSFeed struct {
	url      string
	symbol   string
	interval string
	logger   *logrus.Logger

	mu              sync.RWMutex
	conn            *websocket.Conn
	connected       bool
	lastPrice       float64
	hasPrice        bool
	lastCandle      models.Candle
	hasCandle       bool
	lastMessageTime time.Time
	reconnects      int

	stopCh chan struct{}
}

type wsEnvelope struct {
	Op      string          `json:"op"`
	Success bool            `json:"success"`
	Topic   string          `json:"topic"`
	Data    json.RawMessage `json:"data"`
}

type wsTicker struct {
	LastPrice num `json:"lastPrice"`
}

type wsKline struct {
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
	Interval string `json:"interval"`
	Open     num    `json:"open"`
	High     num    `json:"high"`
	Low      num    `json:"low"`
	Close    num    `json:"close"`
	Volume   num    `json:"volume"`
	Turnover num    `json:"turnover"`
	Confirm  bool   `json:"confirm"`
}

func NewWSFeed(category models.Category, symbol, interval string, logger *logrus.Logger) *WSFeed {
	url := spotStreamURL
	if category == models.CategoryLinear {
		url = linearStreamURL
	}
	return &WSFeed{
		url:      url,
		symbol:   symbol,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

func (f *WSFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.connected {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to websocket: %w", err)
	}

	sub := map[string]interface{}{
		"op": "subscribe",
		"args": []string{
			fmt.Sprintf("tickers.%s", f.symbol),
			fmt.Sprintf("kline.%s.%s", f.interval, f.symbol),
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	f.conn = conn
	f.connected = true
	f.lastMessageTime = time.Now()

	go f.readLoop(ctx)
	go f.keepAlive(ctx)

	f.logger.WithFields(logrus.Fields{
		"url":      f.url,
		"symbol":   f.symbol,
		"interval": f.interval,
	}).Info("WebSocket feed connected")
	return nil
}

func (f *WSFeed) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()
		if conn == nil {
			return
		}

		var msg wsEnvelope
		if err := conn.ReadJSON(&msg); err != nil {
			f.logger.WithError(err).Warn("WebSocket read failed")
			f.handleDisconnect(ctx)
			return
		}
		f.handleMessage(msg)
	}
}

func (f *WSFeed) handleMessage(msg wsEnvelope) {
	f.mu.Lock()
	f.lastMessageTime = time.Now()
	f.mu.Unlock()

	switch {
	case msg.Op == "subscribe":
		if !msg.Success {
			f.logger.Warn("WebSocket subscription rejected")
		}
	case msg.Op == "ping" || msg.Op == "pong":
		// keepalive traffic, nothing to cache
	case hasTopicPrefix(msg.Topic, "tickers."):
		var t wsTicker
		if err := json.Unmarshal(msg.Data, &t); err != nil {
			return
		}
		if t.LastPrice > 0 {
			f.mu.Lock()
			f.lastPrice = float64(t.LastPrice)
			f.hasPrice = true
			f.mu.Unlock()
		}
	case hasTopicPrefix(msg.Topic, "kline."):
		var bars []wsKline
		if err := json.Unmarshal(msg.Data, &bars); err != nil {
			return
		}
		for _, k := range bars {
			if !k.Confirm {
				continue
			}
			f.mu.Lock()
			f.lastCandle = models.Candle{
				Start:     time.UnixMilli(k.Start),
				End:       time.UnixMilli(k.End),
				Open:      float64(k.Open),
				High:      float64(k.High),
				Low:       float64(k.Low),
				Close:     float64(k.Close),
				Volume:    float64(k.Volume),
				Turnover:  float64(k.Turnover),
				Confirmed: true,
			}
			f.hasCandle = true
			f.mu.Unlock()
		}
	}
}

func (f *WSFeed) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.mu.Lock()
			if f.connected && f.conn != nil {
				if err := f.conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
					f.logger.WithError(err).Warn("Failed to send ping")
					f.mu.Unlock()
					f.handleDisconnect(ctx)
					return
				}
			}
			f.mu.Unlock()
		}
	}
}

func (f *WSFeed) handleDisconnect(ctx context.Context) {
	f.mu.Lock()
	f.connected = false
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	attempts := f.reconnects
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		return
	case <-f.stopCh:
		return
	default:
	}

	if attempts >= maxReconnects {
		f.logger.Error("WebSocket max reconnect attempts reached, feed stays down")
		return
	}

	// Exponential backoff, capped at one minute.
	delay := reconnectDelay << attempts
	if delay > time.Minute {
		delay = time.Minute
	}
	f.mu.Lock()
	f.reconnects++
	f.mu.Unlock()

	f.logger.WithField("attempt", attempts+1).Infof("WebSocket reconnecting in %s", delay)
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}
	if err := f.Connect(ctx); err != nil {
		f.logger.WithError(err).Warn("WebSocket reconnect failed")
		f.handleDisconnect(ctx)
		return
	}
	f.mu.Lock()
	f.reconnects = 0
	f.mu.Unlock()
}

// LatestPrice returns the last cached trade price.
func (f *WSFeed) LatestPrice() (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastPrice, f.hasPrice
}

// LatestClosedCandle returns the most recent confirmed candle.
func (f *WSFeed) LatestClosedCandle() (models.Candle, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastCandle, f.hasCandle
}

// Healthy reports whether the feed is connected and has seen traffic recently.
func (f *WSFeed) Healthy() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.connected || !f.hasPrice {
		return false
	}
	return time.Since(f.lastMessageTime) < staleAfter
}

func (f *WSFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.stopCh:
	default:
		close(f.stopCh)
	}
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.connected = false
}

func hasTopicPrefix(topic, prefix string) bool {
	return len(topic) >= len(prefix) && topic[:len(prefix)] == prefix
}
