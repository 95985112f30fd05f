package engine

import (
	"context"
	"fmt"

	"execstack/internal/domain"
)

// adjustPrices carries the parent's reference and limit prices onto a child
// trading a different contract, shifted by the price differential between
// the two contracts. A reference price that cannot be shifted is dropped; a
// limit price that cannot be shifted is fatal for the parent.
func (e *Engine) adjustPrices(ctx context.Context, io, child *domain.Order) error {
	contract := child.ContractID()

	if io.ReferencePrice != nil {
		child.ReferencePrice = domain.Float(*io.ReferencePrice)
		child.ReferenceContract = contract
		if io.ReferenceContract != "" && io.ReferenceContract != contract {
			diff, err := e.priceDifferential(ctx, io.Instrument, io.ReferenceContract, contract)
			if err != nil {
				e.log.Warn("dropping reference price", "order_id", io.ID, "instrument", io.Instrument,
					"from", io.ReferenceContract, "to", contract, "error", err)
				child.ReferencePrice = nil
				child.ReferenceContract = ""
			} else {
				*child.ReferencePrice += diff
			}
		}
	}

	if io.LimitPrice != nil {
		child.LimitPrice = domain.Float(*io.LimitPrice)
		child.LimitContract = contract
		if io.LimitContract != "" && io.LimitContract != contract {
			diff, err := e.priceDifferential(ctx, io.Instrument, io.LimitContract, contract)
			if err != nil {
				e.critical(ctx, "cannot adjust limit price across contracts, order not spawned",
					"order_id", io.ID, "instrument", io.Instrument,
					"from", io.LimitContract, "to", contract, "error", err)
				return fmt.Errorf("adjusting limit price of instrument order %d: %w", io.ID, err)
			}
			*child.LimitPrice += diff
		}
	}
	return nil
}

// priceDifferential returns last(to) - last(from).
func (e *Engine) priceDifferential(ctx context.Context, instrument, from, to string) (float64, error) {
	fromPrice, err := e.gw.LastMatchedPrice(ctx, instrument, from)
	if err != nil {
		return 0, err
	}
	toPrice, err := e.gw.LastMatchedPrice(ctx, instrument, to)
	if err != nil {
		return 0, err
	}
	return toPrice - fromPrice, nil
}
