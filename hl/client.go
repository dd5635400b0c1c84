package hl

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sonirico/go-hyperliquid"
	"golang.org/x/time/rate"

	"github.com/sigflow/sigflow/sigflow"
)

// Client implements the exchange capability set against Hyperliquid.
type Client struct {
	exchange *hyperliquid.Exchange
	info     *hyperliquid.Info
	states   *userStateClient
	address  string
	logger   *slog.Logger

	// pacing for signed exchange actions
	mu          sync.Mutex
	nextAllowed time.Time
	minSpacing  time.Duration

	// read-side queries are cheaper but still rate limited by HL
	infoLimiter *rate.Limiter
}

func NewClient(ctx context.Context, config ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	exchange, err := NewExchange(ctx, config)
	if err != nil {
		return nil, err
	}

	address, err := config.WalletAddress()
	if err != nil {
		return nil, err
	}

	url := hyperliquid.TestnetAPIURL
	if config.BaseURL != "" {
		url = config.BaseURL
	}

	return &Client{
		exchange:    exchange,
		info:        NewInfo(ctx, config),
		states:      newUserStateClient(url),
		address:     address,
		logger:      logger.WithGroup("hl"),
		nextAllowed: time.Now(),
		minSpacing:  300 * time.Millisecond,
		infoLimiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 5),
	}, nil
}

// Address returns the account address orders are signed for.
func (c *Client) Address() string { return c.address }

// waitTurn enforces a simple global pacing for all signed Hyperliquid
// actions to avoid bursting into HL rate limits. It spaces calls by
// minSpacing, and can be tightened by applying a longer cooldown when 429s
// are seen.
func (c *Client) waitTurn(ctx context.Context) error {
	for {
		c.mu.Lock()
		wait := time.Until(c.nextAllowed)
		if wait <= 0 {
			c.nextAllowed = time.Now().Add(c.minSpacing)
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) applyCooldown(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := time.Now().Add(d)
	if next.After(c.nextAllowed) {
		c.nextAllowed = next
	}
}

// PlaceOrder submits one order. Permanent venue rejections come back as a
// PlaceRejected result; transport failures and rate limits come back as
// errors so the caller can retry.
func (c *Client) PlaceOrder(ctx context.Context, req sigflow.OrderRequest) (sigflow.PlaceResult, error) {
	if err := c.waitTurn(ctx); err != nil {
		return sigflow.PlaceResult{}, err
	}

	order := buildCreateOrder(req)
	status, err := c.exchange.Order(ctx, order, nil)
	if err != nil {
		if isPermanentRejection(err) {
			c.logger.Warn("order rejected",
				slog.String("coin", req.Coin),
				slog.String("cloid", req.Cloid),
				slog.String("error", err.Error()))
			return sigflow.PlaceResult{Status: sigflow.PlaceRejected, Message: err.Error()}, nil
		}
		if isRateLimited(err) {
			c.logger.Debug("hit ratelimit, cooldown of 10s applied")
			// HL allows ~1 action per 10s when address-limited.
			c.applyCooldown(10 * time.Second)
		}
		return sigflow.PlaceResult{}, fmt.Errorf("could not place order: %w", err)
	}

	res := sigflow.PlaceResult{}
	switch {
	case status.Filled != nil:
		res.Status = sigflow.PlaceFilled
		res.AvgPrice = req.Price
		res.FilledSize = req.Size
	case status.Resting != nil:
		res.Status = sigflow.PlaceResting
	default:
		return sigflow.PlaceResult{Status: sigflow.PlaceRejected, Message: "no order status in response"}, nil
	}

	// enrich with the venue's view of the order; best effort, the submit
	// already succeeded
	if req.Cloid != "" {
		if st, err := c.OrderStatus(ctx, req.Cloid); err == nil {
			res.OrderID = st.OrderID
			if res.Status == sigflow.PlaceFilled && st.AvgPrice > 0 {
				res.AvgPrice = st.AvgPrice
			}
		}
	}

	return res, nil
}

// OrderStatus queries the venue's view of a previously submitted order.
func (c *Client) OrderStatus(ctx context.Context, cloid string) (sigflow.OrderStatus, error) {
	if err := c.infoLimiter.Wait(ctx); err != nil {
		return sigflow.OrderStatus{}, err
	}

	result, err := c.info.QueryOrderByCloid(ctx, c.address, cloid)
	if err != nil {
		return sigflow.OrderStatus{}, fmt.Errorf("query order %s: %w", cloid, err)
	}
	if result == nil || result.Status != hyperliquid.OrderQueryStatusSuccess {
		return sigflow.OrderStatus{}, sigflow.ErrOrderNotFound
	}

	return mapOrderQuery(result), nil
}

// CancelOrder cancels by client order id.
func (c *Client) CancelOrder(ctx context.Context, coin, cloid string) error {
	if err := c.waitTurn(ctx); err != nil {
		return err
	}

	_, err := c.exchange.CancelByCloid(ctx, coin, cloid)
	if err != nil {
		if isRateLimited(err) {
			c.logger.Debug("hit ratelimit, cooldown of 10s applied")
			c.applyCooldown(10 * time.Second)
		}
		return fmt.Errorf("could not cancel order: %w", err)
	}
	return nil
}

// UserState fetches the authoritative account snapshot.
func (c *Client) UserState(ctx context.Context) (sigflow.UserState, error) {
	if err := c.infoLimiter.Wait(ctx); err != nil {
		return sigflow.UserState{}, err
	}
	return c.states.fetch(ctx, c.address)
}

// Metadata fetches the tradeable universe for rounding tables.
func (c *Client) Metadata(ctx context.Context) (sigflow.Meta, error) {
	if err := c.infoLimiter.Wait(ctx); err != nil {
		return sigflow.Meta{}, err
	}

	meta, err := c.info.MetaAndAssetCtxs(ctx)
	if err != nil {
		return sigflow.Meta{}, fmt.Errorf("fetch metadata: %w", err)
	}
	if meta == nil {
		return sigflow.Meta{}, fmt.Errorf("empty metadata response")
	}

	out := sigflow.Meta{Assets: make([]sigflow.Asset, 0, len(meta.Universe))}
	for _, asset := range meta.Universe {
		out.Assets = append(out.Assets, sigflow.Asset{
			Name:       asset.Name,
			SzDecimals: asset.SzDecimals,
		})
	}
	return out, nil
}

func buildCreateOrder(req sigflow.OrderRequest) hyperliquid.CreateOrderRequest {
	out := hyperliquid.CreateOrderRequest{
		Coin:       req.Coin,
		IsBuy:      req.IsBuy,
		Size:       req.Size,
		Price:      req.Price,
		ReduceOnly: req.ReduceOnly,
	}
	if req.Cloid != "" {
		cloid := req.Cloid
		out.ClientOrderID = &cloid
	}

	switch req.Kind {
	case sigflow.KindTakeProfit:
		out.OrderType = hyperliquid.OrderType{
			Trigger: &hyperliquid.TriggerOrderType{
				TriggerPx: req.TriggerPx,
				IsMarket:  true,
				Tpsl:      hyperliquid.TakeProfit,
			},
		}
	case sigflow.KindStopLoss:
		out.OrderType = hyperliquid.OrderType{
			Trigger: &hyperliquid.TriggerOrderType{
				TriggerPx: req.TriggerPx,
				IsMarket:  true,
				Tpsl:      hyperliquid.StopLoss,
			},
		}
	default:
		out.OrderType = hyperliquid.OrderType{
			Limit: &hyperliquid.LimitOrderType{Tif: hyperliquid.TifGtc},
		}
	}

	return out
}

func mapOrderQuery(result *hyperliquid.OrderQueryResult) sigflow.OrderStatus {
	order := result.Order
	st := sigflow.OrderStatus{
		OrderID:    order.Order.Oid,
		LimitPrice: parseFloat(order.Order.LimitPx),
		Remaining:  parseFloat(order.Order.Sz),
		Size:       parseFloat(order.Order.OrigSz),
	}

	switch order.Status {
	case hyperliquid.OrderStatusValueFilled:
		st.State = sigflow.OrderFilled
		// HL does not report an average fill price on this query; the limit
		// price is the closest available proxy
		st.AvgPrice = st.LimitPrice
	case hyperliquid.OrderStatusValueOpen, hyperliquid.OrderStatusValue("live"):
		st.State = sigflow.OrderOpen
	case hyperliquid.OrderStatusValueCanceled,
		hyperliquid.OrderStatusValue("marginCanceled"),
		hyperliquid.OrderStatusValue("rejected"):
		st.State = sigflow.OrderCanceled
	default:
		st.State = sigflow.OrderUnknown
	}

	return st
}

func isRateLimited(err error) bool {
	return strings.Contains(err.Error(), "429") ||
		strings.Contains(strings.ToLower(err.Error()), "rate limit")
}

func isPermanentRejection(err error) bool {
	msg := err.Error()
	for _, needle := range []string{
		"Order must have minimum value",
		"Reduce only order would increase position",
		"Order could not immediately match",
		"Invalid TP/SL price",
		"Price must be divisible by tick size",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

func parseFloat(in string) float64 {
	f, _ := strconv.ParseFloat(in, 64)
	return f
}
