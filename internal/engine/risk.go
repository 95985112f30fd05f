package engine

import (
	"context"
	"log/slog"

	"execstack/internal/broker"
	"execstack/internal/controls"
	"execstack/internal/domain"
)

// RiskManager sizes broker orders: it takes the unfilled remainder of a
// contract order and clips it against trade limits and available liquidity.
// It never increases the magnitude of a trade or changes its sign.
type RiskManager struct {
	controls  *controls.Store
	gw        broker.Gateway
	liquidity *LiquidityCache
	log       *slog.Logger
}

// NewRiskManager creates a RiskManager. controls and liquidity may be nil.
func NewRiskManager(c *controls.Store, gw broker.Gateway, liquidity *LiquidityCache, log *slog.Logger) *RiskManager {
	return &RiskManager{controls: c, gw: gw, liquidity: liquidity, log: log}
}

// SizeTrade returns the quantity a new broker order may carry for co. Zero
// means no broker order this cycle; it is never an error.
func (rm *RiskManager) SizeTrade(ctx context.Context, co *domain.Order) int64 {
	qty := co.Remaining()
	if qty == 0 {
		return 0
	}

	if rm.controls != nil {
		limited := rm.controls.PossibleTrade(co.Instrument, co.Strategy, qty)
		if limited != qty {
			rm.log.Info("trade limit clip",
				"order_id", co.ID, "instrument", co.Instrument, "wanted", qty, "allowed", limited)
		}
		qty = limited
		if qty == 0 {
			return 0
		}
	}

	available, ok := rm.availableLiquidity(ctx, co, broker.SideFor(qty))
	if !ok {
		return 0
	}
	return clipToLiquidity(qty, available)
}

func (rm *RiskManager) availableLiquidity(ctx context.Context, co *domain.Order, side broker.Side) (int64, bool) {
	if rm.liquidity != nil {
		if v, ok := rm.liquidity.Get(co.Instrument, co.ContractID(), side); ok {
			return v, true
		}
	}
	v, err := rm.gw.Liquidity(ctx, co.Instrument, co.ContractID(), side)
	if err != nil {
		rm.log.Warn("liquidity unavailable", "order_id", co.ID, "instrument", co.Instrument,
			"contract", co.ContractID(), "error", err)
		return 0, false
	}
	return v, true
}

// clipToLiquidity limits the magnitude of qty to available, keeping its sign.
func clipToLiquidity(qty, available int64) int64 {
	if available <= 0 {
		return 0
	}
	if domain.Abs(qty) > available {
		return domain.Sign(qty) * available
	}
	return qty
}
