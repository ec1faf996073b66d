package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ashwood/deltabot/pkg/models"
)

// Client is the exchange gateway surface the engine depends on. Every call
// returns a typed result or an error; callers decide how to degrade.
type Client interface {
	GetTicker(ctx context.Context, category models.Category, symbol string) (*models.Ticker, error)
	GetKlines(ctx context.Context, category models.Category, symbol, interval string, limit int) ([]models.Candle, error)
	GetCoinBalance(ctx context.Context, coin string) ([]models.CoinBalance, error)
	GetPosition(ctx context.Context, category models.Category, symbol string) (*models.Position, error)
	GetExecutions(ctx context.Context, category models.Category, symbol string, limit int) ([]models.Fill, error)
	GetInstrumentInfo(ctx context.Context, category models.Category, symbol string) (*models.InstrumentInfo, error)
	GetOpenOrders(ctx context.Context, category models.Category, symbol string) ([]models.Order, error)
	PlaceOrder(ctx context.Context, req *models.OrderRequest) (*models.Order, error)
	PlaceMarketOrder(ctx context.Context, category models.Category, symbol string, side models.OrderSide, qty float64) (*models.Order, error)
	CancelOrder(ctx context.Context, category models.Category, symbol, orderID string) error
}

const (
	mainnetURL = "https://api.bybit.com"
	testnetURL = "https://api-testnet.bybit.com"

	recvWindowMS = 5000
)

type RESTClient struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger
}

func NewRESTClient(apiKey, apiSecret string, testnet bool, logger *logrus.Logger) *RESTClient {
	baseURL := mainnetURL
	if testnet {
		baseURL = testnetURL
	}
	return &RESTClient{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		// Bybit allows 120 requests per 5s per key on most v5 endpoints.
		limiter: rate.NewLimiter(rate.Limit(20), 20),
		logger:  logger,
	}
}

func (c *RESTClient) sign(timestamp, payload string) string {
	message := timestamp + c.apiKey + strconv.Itoa(recvWindowMS) + payload
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *RESTClient) do(ctx context.Context, method, path string, query url.Values, body []byte, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	payload := query.Encode()
	if method == http.MethodPost {
		payload = string(body)
	}

	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-SIGN", c.sign(timestamp, payload))
	req.Header.Set("X-BAPI-SIGN-TYPE", "2")
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(recvWindowMS))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request %s: unexpected status %d", path, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if env.RetCode != 0 {
		return fmt.Errorf("%s: retCode %d: %s", path, env.RetCode, env.RetMsg)
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", path, err)
		}
	}
	return nil
}

func (c *RESTClient) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

func (c *RESTClient) post(ctx context.Context, path string, reqBody, out interface{}) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

func (c *RESTClient) GetTicker(ctx context.Context, category models.Category, symbol string) (*models.Ticker, error) {
	q := url.Values{}
	q.Set("category", string(category))
	q.Set("symbol", symbol)

	var res tickerResult
	if err := c.get(ctx, "/v5/market/tickers", q, &res); err != nil {
		return nil, err
	}
	if len(res.List) == 0 {
		return nil, fmt.Errorf("no ticker for %s", symbol)
	}
	t := res.List[0]
	return &models.Ticker{
		Symbol:    t.Symbol,
		BidPrice:  float64(t.Bid1Price),
		AskPrice:  float64(t.Ask1Price),
		LastPrice: float64(t.LastPrice),
		MarkPrice: float64(t.MarkPrice),
		Volume24h: float64(t.Volume24h),
		Timestamp: time.Now(),
	}, nil
}

func (c *RESTClient) GetKlines(ctx context.Context, category models.Category, symbol, interval string, limit int) ([]models.Candle, error) {
	q := url.Values{}
	q.Set("category", string(category))
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))

	var res klineResult
	if err := c.get(ctx, "/v5/market/kline", q, &res); err != nil {
		return nil, err
	}

	span := intervalDuration(interval)
	// The API returns newest-first; the engine wants chronological order.
	candles := make([]models.Candle, 0, len(res.List))
	for i := len(res.List) - 1; i >= 0; i-- {
		row := res.List[i]
		if len(row) < 7 {
			continue
		}
		startMS, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}
		start := time.UnixMilli(startMS)
		candles = append(candles, models.Candle{
			Start:     start,
			End:       start.Add(span),
			Open:      parseFloat(row[1]),
			High:      parseFloat(row[2]),
			Low:       parseFloat(row[3]),
			Close:     parseFloat(row[4]),
			Volume:    parseFloat(row[5]),
			Turnover:  parseFloat(row[6]),
			Confirmed: true,
		})
	}
	return candles, nil
}

func (c *RESTClient) GetCoinBalance(ctx context.Context, coin string) ([]models.CoinBalance, error) {
	q := url.Values{}
	q.Set("accountType", "UNIFIED")
	if coin != "" {
		q.Set("coin", coin)
	}

	var res walletBalanceResult
	if err := c.get(ctx, "/v5/account/wallet-balance", q, &res); err != nil {
		return nil, err
	}

	var balances []models.CoinBalance
	for _, acct := range res.List {
		for _, entry := range acct.Coin {
			balances = append(balances, models.CoinBalance{
				Coin:          entry.Coin,
				AccountType:   acct.AccountType,
				WalletBalance: float64(entry.WalletBalance),
				Available:     float64(entry.AvailableToWithdraw),
			})
		}
	}
	return balances, nil
}

// GetPosition returns the open position for symbol, or nil when flat.
func (c *RESTClient) GetPosition(ctx context.Context, category models.Category, symbol string) (*models.Position, error) {
	q := url.Values{}
	q.Set("category", string(category))
	q.Set("symbol", symbol)

	var res positionResult
	if err := c.get(ctx, "/v5/position/list", q, &res); err != nil {
		return nil, err
	}
	if len(res.List) == 0 {
		return nil, nil
	}
	p := res.List[0]
	if p.Size == 0 || (p.Side != "Buy" && p.Side != "Sell") {
		return nil, nil
	}
	return &models.Position{
		Symbol:       p.Symbol,
		Side:         models.OrderSide(p.Side),
		Size:         float64(p.Size),
		EntryPrice:   float64(p.AvgPrice),
		MarkPrice:    float64(p.MarkPrice),
		UnrealizedPL: float64(p.UnrealisedPnl),
		UpdatedAt:    time.UnixMilli(int64(p.UpdatedTime)),
	}, nil
}

// GetExecutions returns the account's recent fills in chronological order.
func (c *RESTClient) GetExecutions(ctx context.Context, category models.Category, symbol string, limit int) ([]models.Fill, error) {
	q := url.Values{}
	q.Set("category", string(category))
	q.Set("symbol", symbol)
	q.Set("limit", strconv.Itoa(limit))

	var res executionResult
	if err := c.get(ctx, "/v5/execution/list", q, &res); err != nil {
		return nil, err
	}

	fills := make([]models.Fill, 0, len(res.List))
	for i := len(res.List) - 1; i >= 0; i-- {
		e := res.List[i]
		if e.ExecPrice <= 0 || e.ExecQty <= 0 {
			continue
		}
		if e.Side != "Buy" && e.Side != "Sell" {
			continue
		}
		fills = append(fills, models.Fill{
			ExecID:    e.ExecID,
			Symbol:    e.Symbol,
			Side:      models.OrderSide(e.Side),
			Price:     float64(e.ExecPrice),
			Quantity:  float64(e.ExecQty),
			Timestamp: time.UnixMilli(int64(e.ExecTime)),
		})
	}
	return fills, nil
}

func (c *RESTClient) GetInstrumentInfo(ctx context.Context, category models.Category, symbol string) (*models.InstrumentInfo, error) {
	q := url.Values{}
	q.Set("category", string(category))
	q.Set("symbol", symbol)

	var res instrumentsResult
	if err := c.get(ctx, "/v5/market/instruments-info", q, &res); err != nil {
		return nil, err
	}
	if len(res.List) == 0 {
		return nil, fmt.Errorf("no instrument info for %s", symbol)
	}
	info := res.List[0]
	return &models.InstrumentInfo{
		Symbol:      info.Symbol,
		QtyStep:     float64(info.LotSizeFilter.QtyStep),
		MinOrderQty: float64(info.LotSizeFilter.MinOrderQty),
		PriceTick:   float64(info.PriceFilter.TickSize),
	}, nil
}

func (c *RESTClient) GetOpenOrders(ctx context.Context, category models.Category, symbol string) ([]models.Order, error) {
	q := url.Values{}
	q.Set("category", string(category))
	q.Set("symbol", symbol)

	var res openOrdersResult
	if err := c.get(ctx, "/v5/order/realtime", q, &res); err != nil {
		return nil, err
	}

	orders := make([]models.Order, 0, len(res.List))
	for _, o := range res.List {
		orders = append(orders, models.Order{
			OrderID:     o.OrderID,
			Symbol:      o.Symbol,
			Side:        models.OrderSide(o.Side),
			Type:        models.OrderType(o.OrderType),
			Price:       float64(o.Price),
			Quantity:    float64(o.Qty),
			FilledQty:   float64(o.CumExecQty),
			Status:      models.OrderStatus(o.OrderStatus),
			TimeInForce: models.TimeInForce(o.TimeInForce),
			ReduceOnly:  o.ReduceOnly,
			CreatedAt:   time.UnixMilli(int64(o.CreatedTime)),
			UpdatedAt:   time.UnixMilli(int64(o.UpdatedTime)),
		})
	}
	return orders, nil
}

func (c *RESTClient) PlaceOrder(ctx context.Context, req *models.OrderRequest) (*models.Order, error) {
	body := placeOrderRequest{
		Category:    string(req.Category),
		Symbol:      req.Symbol,
		Side:        string(req.Side),
		OrderType:   string(req.Type),
		Qty:         formatQty(req.Quantity),
		TimeInForce: string(req.TimeInForce),
		ReduceOnly:  req.ReduceOnly,
	}
	if req.Type == models.OrderTypeLimit {
		body.Price = formatQty(req.Price)
	}

	var res placeOrderResult
	if err := c.post(ctx, "/v5/order/create", body, &res); err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"order_id": res.OrderID,
		"symbol":   req.Symbol,
		"side":     req.Side,
		"type":     req.Type,
		"qty":      req.Quantity,
	}).Debug("Order placed")

	return &models.Order{
		OrderID:     res.OrderID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Price:       req.Price,
		Quantity:    req.Quantity,
		Status:      models.OrderStatusNew,
		TimeInForce: req.TimeInForce,
		ReduceOnly:  req.ReduceOnly,
		CreatedAt:   time.Now(),
	}, nil
}

func (c *RESTClient) PlaceMarketOrder(ctx context.Context, category models.Category, symbol string, side models.OrderSide, qty float64) (*models.Order, error) {
	return c.PlaceOrder(ctx, &models.OrderRequest{
		Category: category,
		Symbol:   symbol,
		Side:     side,
		Type:     models.OrderTypeMarket,
		Quantity: qty,
	})
}

func (c *RESTClient) CancelOrder(ctx context.Context, category models.Category, symbol, orderID string) error {
	body := cancelOrderRequest{
		Category: string(category),
		Symbol:   symbol,
		OrderID:  orderID,
	}
	return c.post(ctx, "/v5/order/cancel", body, nil)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// formatQty renders a float the way the order API expects: plain decimal,
// no exponent, trailing zeros trimmed.
func formatQty(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if strings.Contains(s, "e") {
		s = strconv.FormatFloat(v, 'f', 12, 64)
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	return s
}

func intervalDuration(interval string) time.Duration {
	if minutes, err := strconv.Atoi(interval); err == nil {
		return time.Duration(minutes) * time.Minute
	}
	switch interval {
	case "D":
		return 24 * time.Hour
	case "W":
		return 7 * 24 * time.Hour
	default:
		return time.Minute
	}
}
