package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"execstack/internal/domain"
)

// Compile-time interface check.
var _ Gateway = (*AlpacaGateway)(nil)

// AlpacaGateway routes futures orders to proxy symbols traded through the
// Alpaca brokerage API, e.g. GOLD to GLD. Contract dates are carried in the
// stack but every contract of an instrument maps to the same proxy.
type AlpacaGateway struct {
	trading *alpaca.Client
	data    *marketdata.Client
	symbols map[string]string
	log     *slog.Logger
}

// NewAlpacaGateway creates a gateway from Alpaca credentials. symbols maps
// instrument codes to proxy symbols; unmapped instruments trade under their
// own code.
func NewAlpacaGateway(apiKey, apiSecret, baseURL, dataURL string, symbols map[string]string) *AlpacaGateway {
	dataOpts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		dataOpts.BaseURL = dataURL
	}
	return &AlpacaGateway{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		data:    marketdata.NewClient(dataOpts),
		symbols: symbols,
		log:     slog.Default().With("gateway", "alpaca"),
	}
}

// Name returns "alpaca".
func (g *AlpacaGateway) Name() string {
	return "alpaca"
}

// Symbol returns the proxy symbol an instrument trades under.
func (g *AlpacaGateway) Symbol(instrument string) string {
	if s, ok := g.symbols[instrument]; ok {
		return s
	}
	return strings.ToUpper(instrument)
}

// Instrument returns the instrument trading under a proxy symbol, or the
// symbol itself when none is configured. When several instruments share a
// proxy the first in code order is returned.
func (g *AlpacaGateway) Instrument(symbol string) string {
	var match string
	for inst, s := range g.symbols {
		if strings.EqualFold(s, symbol) && (match == "" || inst < match) {
			match = inst
		}
	}
	if match == "" {
		return strings.ToUpper(symbol)
	}
	return match
}

// ResolveContract maps the contract to its proxy symbol.
func (g *AlpacaGateway) ResolveContract(_ context.Context, instrument, contractDate string) (Contract, error) {
	return Contract{
		Instrument: instrument,
		Date:       contractDate,
		Symbol:     g.Symbol(instrument),
		Exchange:   "ALPACA",
		Multiplier: 1,
	}, nil
}

// SubmitOrder places a day order for the proxy symbol.
func (g *AlpacaGateway) SubmitOrder(_ context.Context, order *domain.Order) (string, error) {
	if order.Trade == 0 {
		return "", domain.ErrZeroTrade
	}
	qty := decimal.NewFromInt(domain.Abs(order.Trade))
	req := alpaca.PlaceOrderRequest{
		Symbol:        g.Symbol(order.Instrument),
		Qty:           &qty,
		Side:          alpaca.Buy,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: uuid.NewString(),
	}
	if order.Trade < 0 {
		req.Side = alpaca.Sell
	}
	if order.LimitPrice != nil {
		limit := decimal.NewFromFloat(*order.LimitPrice)
		req.Type = alpaca.Limit
		req.LimitPrice = &limit
	}

	placed, err := g.trading.PlaceOrder(req)
	if err != nil {
		return "", fmt.Errorf("PlaceOrder %s: %w", req.Symbol, err)
	}
	g.log.Info("order placed", "symbol", req.Symbol, "side", req.Side, "qty", qty.String(), "id", placed.ID)
	return placed.ID, nil
}

// CancelOrder requests cancellation of an open order.
func (g *AlpacaGateway) CancelOrder(_ context.Context, brokerRef string) error {
	if err := g.trading.CancelOrder(brokerRef); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%s: %w", brokerRef, ErrUnknownOrder)
		}
		return fmt.Errorf("CancelOrder %s: %w", brokerRef, err)
	}
	return nil
}

// FillStatus reads the order and converts the fill to a signed quantity.
func (g *AlpacaGateway) FillStatus(_ context.Context, brokerRef string) (OrderStatus, error) {
	o, err := g.trading.GetOrder(brokerRef)
	if err != nil {
		if isNotFound(err) {
			return OrderStatus{}, fmt.Errorf("%s: %w", brokerRef, ErrUnknownOrder)
		}
		return OrderStatus{}, fmt.Errorf("GetOrder %s: %w", brokerRef, err)
	}

	return g.status(o), nil
}

// status converts an Alpaca order to signed quantities.
func (g *AlpacaGateway) status(o *alpaca.Order) OrderStatus {
	st := OrderStatus{
		BrokerRef:  o.ID,
		Instrument: g.Instrument(o.Symbol),
		Filled:     o.FilledQty.IntPart(),
	}
	if o.Qty != nil {
		st.Trade = o.Qty.IntPart()
	}
	if o.Side == alpaca.Sell {
		st.Filled = -st.Filled
		st.Trade = -st.Trade
	}
	if o.FilledAvgPrice != nil {
		st.AvgPrice = o.FilledAvgPrice.InexactFloat64()
	}
	if o.FilledAt != nil {
		st.FillTime = *o.FilledAt
	}
	switch o.Status {
	case "filled":
		st.Done = true
	case "canceled", "expired", "rejected":
		st.Done = true
		st.Cancelled = true
	}
	return st
}

// ListOpenOrders returns the account's open orders.
func (g *AlpacaGateway) ListOpenOrders(_ context.Context) ([]OrderStatus, error) {
	orders, err := g.trading.GetOrders(alpaca.GetOrdersRequest{Status: "open", Limit: 500})
	if err != nil {
		return nil, fmt.Errorf("GetOrders: %w", err)
	}
	out := make([]OrderStatus, 0, len(orders))
	for i := range orders {
		out = append(out, g.status(&orders[i]))
	}
	return out, nil
}

// Positions returns the account's positions by instrument. Proxy symbols
// carry no contract dates.
func (g *AlpacaGateway) Positions(_ context.Context) ([]domain.Position, error) {
	held, err := g.trading.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("GetPositions: %w", err)
	}
	out := make([]domain.Position, 0, len(held))
	for _, p := range held {
		qty := p.Qty.IntPart()
		if p.Side == "short" && qty > 0 {
			qty = -qty
		}
		out = append(out, domain.Position{Instrument: g.Instrument(p.Symbol), Qty: qty})
	}
	return out, nil
}

// Liquidity returns the size at the touch on the side that would be taken.
func (g *AlpacaGateway) Liquidity(_ context.Context, instrument, _ string, side Side) (int64, error) {
	symbol := g.Symbol(instrument)
	q, err := g.data.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{})
	if err != nil {
		return 0, fmt.Errorf("GetLatestQuote %s: %w", symbol, err)
	}
	if side == Buy {
		return int64(q.AskSize), nil
	}
	return int64(q.BidSize), nil
}

// IsTradeable reports whether the US equity market is open.
func (g *AlpacaGateway) IsTradeable(_ context.Context, _, _ string) (bool, error) {
	clock, err := g.trading.GetClock()
	if err != nil {
		return false, fmt.Errorf("GetClock: %w", err)
	}
	return clock.IsOpen, nil
}

// LastMatchedPrice returns the latest trade price of the proxy symbol.
func (g *AlpacaGateway) LastMatchedPrice(_ context.Context, instrument, contractDate string) (float64, error) {
	symbol := g.Symbol(instrument)
	tr, err := g.data.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return 0, fmt.Errorf("GetLatestTrade %s: %w", symbol, err)
	}
	if tr == nil || tr.Price == 0 || time.Since(tr.Timestamp) > 7*24*time.Hour {
		return 0, fmt.Errorf("%s/%s: %w", instrument, contractDate, domain.ErrNoPrice)
	}
	return tr.Price, nil
}

func isNotFound(err error) bool {
	var apiErr *alpaca.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
