package domain

import "errors"

var (
	// ErrNotFound is returned when an order id is not on the stack.
	ErrNotFound = errors.New("order not found")
	// ErrLocked is returned when a lock is requested on an already locked order.
	ErrLocked = errors.New("order is locked")
	// ErrAlreadyControlled is returned when another algo already controls the order.
	ErrAlreadyControlled = errors.New("order already under algo control")
	// ErrStillActive is returned when removal is attempted on an active order.
	ErrStillActive = errors.New("order is still active")

	ErrOverFilled   = errors.New("fill exceeds trade")
	ErrFillSign     = errors.New("fill sign does not match trade")
	ErrFillDecrease = errors.New("fill would decrease")

	// ErrZeroTrade is returned when an order would carry no quantity.
	ErrZeroTrade = errors.New("zero trade")
	// ErrUnsupportedOrderType is returned for order types the stack cannot route.
	ErrUnsupportedOrderType = errors.New("unsupported order type")
	// ErrNoPrice is returned when no matched price is available for a contract.
	ErrNoPrice = errors.New("no matched price")
	// ErrUnknownRollState is returned when a roll state string cannot be parsed.
	ErrUnknownRollState = errors.New("unknown roll state")
	// ErrUnknownLevel is returned for a stack level name that does not exist.
	ErrUnknownLevel = errors.New("unknown stack level")
)
