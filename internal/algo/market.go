package algo

import (
	"context"
	"log/slog"

	"execstack/internal/broker"
	"execstack/internal/domain"
)

// Algo names.
const (
	MarketName = "market"
	LimitName  = "limit"
)

// Compile-time interface checks.
var (
	_ Algo = (*MarketAlgo)(nil)
	_ Algo = (*LimitAlgo)(nil)
)

// MarketAlgo sends a single market order, optionally clipped to a maximum
// size, and waits for it to fill.
type MarketAlgo struct {
	gw        broker.Gateway
	sizeLimit int64
	timing    Timing
	log       *slog.Logger
}

// NewMarketAlgo creates a MarketAlgo. A sizeLimit of zero means unlimited.
func NewMarketAlgo(gw broker.Gateway, sizeLimit int64, timing Timing, log *slog.Logger) *MarketAlgo {
	return &MarketAlgo{
		gw:        gw,
		sizeLimit: sizeLimit,
		timing:    timing.withDefaults(),
		log:       log.With("algo", MarketName),
	}
}

// Name returns "market".
func (a *MarketAlgo) Name() string { return MarketName }

// Submit places a market order for qty, clipped to the size limit.
func (a *MarketAlgo) Submit(ctx context.Context, co *domain.Order, qty int64) (*Handle, error) {
	if a.sizeLimit > 0 && domain.Abs(qty) > a.sizeLimit {
		qty = domain.Sign(qty) * a.sizeLimit
	}
	bo := newBrokerOrder(co, qty, MarketName)
	bo.OrderType = domain.OrderTypeMarket
	return submit(ctx, a.gw, co, bo, a.log)
}

// Manage waits for the fill.
func (a *MarketAlgo) Manage(ctx context.Context, h *Handle) (*domain.Order, error) {
	return manage(ctx, a.gw, h, a.timing, a.log)
}

// LimitAlgo sends a limit order at the contract order's limit price, or at
// the last matched price when it has none.
type LimitAlgo struct {
	gw     broker.Gateway
	timing Timing
	log    *slog.Logger
}

// NewLimitAlgo creates a LimitAlgo.
func NewLimitAlgo(gw broker.Gateway, timing Timing, log *slog.Logger) *LimitAlgo {
	return &LimitAlgo{gw: gw, timing: timing.withDefaults(), log: log.With("algo", LimitName)}
}

// Name returns "limit".
func (a *LimitAlgo) Name() string { return LimitName }

// Submit places a limit order for qty.
func (a *LimitAlgo) Submit(ctx context.Context, co *domain.Order, qty int64) (*Handle, error) {
	bo := newBrokerOrder(co, qty, LimitName)
	bo.OrderType = domain.OrderTypeLimit
	if co.LimitPrice != nil {
		bo.LimitPrice = domain.Float(*co.LimitPrice)
		bo.LimitContract = co.ContractID()
	} else {
		p, err := a.gw.LastMatchedPrice(ctx, co.Instrument, co.ContractID())
		if err != nil {
			return nil, err
		}
		bo.LimitPrice = domain.Float(p)
		bo.LimitContract = co.ContractID()
	}
	return submit(ctx, a.gw, co, bo, a.log)
}

// Manage waits for the fill, cancelling at the order timeout.
func (a *LimitAlgo) Manage(ctx context.Context, h *Handle) (*domain.Order, error) {
	return manage(ctx, a.gw, h, a.timing, a.log)
}
