package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/atmx/strategy-vault/internal/model"
)

// HTTPConfig configures a JSON-over-HTTP venue client.
type HTTPConfig struct {
	Name      string
	BaseURL   string
	APIKey    string
	RatePerS  float64
	Burst     int
	Timeout   time.Duration
	Transport http.RoundTripper
}

// httpClient performs single rate-limited attempts. Retries belong to the
// caller, which knows the leg's budget.
type httpClient struct {
	name    string
	base    string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

func newHTTPClient(cfg HTTPConfig) *httpClient {
	if cfg.RatePerS <= 0 {
		cfg.RatePerS = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &httpClient{
		name:    cfg.Name,
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerS), cfg.Burst),
	}
}

func (c *httpClient) do(ctx context.Context, op, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return Transient(c.name, op, fmt.Errorf("rate limiter: %w", err))
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return Permanent(c.name, op, fmt.Errorf("marshal body: %w", err))
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return Permanent(c.name, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Permanent(c.name, op, err)
		}
		return Transient(c.name, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{
			Venue:      c.name,
			Op:         op,
			StatusCode: resp.StatusCode,
			Transient:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(msg))),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return Permanent(c.name, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// HTTPOrderVenue submits prediction-market orders to a REST order gateway.
type HTTPOrderVenue struct {
	c *httpClient
}

// NewHTTPOrderVenue creates an order venue client.
func NewHTTPOrderVenue(cfg HTTPConfig) *HTTPOrderVenue {
	return &HTTPOrderVenue{c: newHTTPClient(cfg)}
}

func (v *HTTPOrderVenue) Name() string { return v.c.name }

type orderRequest struct {
	ClientOrderID string       `json:"client_order_id"`
	MarketID      string       `json:"market_id"`
	Side          model.Side   `json:"side"`
	Amount        model.Amount `json:"amount"`
	MaxPriceBps   int64        `json:"max_price_bps"`
}

type orderResponse struct {
	OrderID string      `json:"order_id"`
	Status  OrderStatus `json:"status"`
}

// Submit places an order. The client order id lets the gateway drop replays.
func (v *HTTPOrderVenue) Submit(ctx context.Context, intent model.OrderIntent) (string, error) {
	var resp orderResponse
	err := v.c.do(ctx, "submit", http.MethodPost, "/orders", orderRequest{
		ClientOrderID: intent.ClientOrderID,
		MarketID:      intent.MarketID,
		Side:          intent.Side,
		Amount:        intent.Amount,
		MaxPriceBps:   intent.MaxPriceBps,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.OrderID == "" {
		return "", Permanent(v.c.name, "submit", errors.New("empty order id"))
	}
	if resp.Status == OrderRejected {
		return "", Permanent(v.c.name, "submit", fmt.Errorf("order %s rejected", resp.OrderID))
	}
	return resp.OrderID, nil
}

// HTTPHedgeVenue opens and closes leveraged positions on a REST gateway.
type HTTPHedgeVenue struct {
	c *httpClient
}

// NewHTTPHedgeVenue creates a hedge venue client.
func NewHTTPHedgeVenue(cfg HTTPConfig) *HTTPHedgeVenue {
	return &HTTPHedgeVenue{c: newHTTPClient(cfg)}
}

func (v *HTTPHedgeVenue) Name() string { return v.c.name }

type positionRequest struct {
	Asset          string       `json:"asset"`
	IsLong         bool         `json:"is_long"`
	Collateral     model.Amount `json:"collateral"`
	MaxSlippageBps int64        `json:"max_slippage_bps"`
	Reference      string       `json:"reference"`
}

type positionResponse struct {
	PositionID  string       `json:"position_id"`
	RealizedPnL model.Amount `json:"realized_pnl"`
}

// Open opens a position sized by the order's collateral.
func (v *HTTPHedgeVenue) Open(ctx context.Context, order model.HedgeOrder) (string, error) {
	var resp positionResponse
	err := v.c.do(ctx, "open", http.MethodPost, "/positions", positionRequest{
		Asset:          order.Asset,
		IsLong:         order.IsLong,
		Collateral:     order.Amount,
		MaxSlippageBps: order.MaxSlippageBps,
		Reference:      fmt.Sprintf("strategy-%d", order.StrategyID),
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.PositionID == "" {
		return "", Permanent(v.c.name, "open", errors.New("empty position id"))
	}
	return resp.PositionID, nil
}

// Close closes a position and returns its realized PnL.
func (v *HTTPHedgeVenue) Close(ctx context.Context, handle string) (model.Amount, error) {
	var resp positionResponse
	path := "/positions/" + url.PathEscape(handle) + "/close"
	if err := v.c.do(ctx, "close", http.MethodPost, path, struct{}{}, &resp); err != nil {
		return 0, err
	}
	return resp.RealizedPnL, nil
}
