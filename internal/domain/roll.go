package domain

import "fmt"

// RollState controls whether and how an instrument trades across its priced
// and forward contracts.
type RollState string

const (
	RollNone          RollState = "No_Roll"
	RollPassive       RollState = "Passive"
	RollForce         RollState = "Force"
	RollForceOutright RollState = "Force_Outright"
	RollClose         RollState = "Close"
	RollAdjusted      RollState = "Roll_Adjusted"
)

// ParseRollState converts a configured name into a RollState.
func ParseRollState(s string) (RollState, error) {
	switch r := RollState(s); r {
	case RollNone, RollPassive, RollForce, RollForceOutright, RollClose, RollAdjusted:
		return r, nil
	case "":
		return RollNone, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRollState, s)
}

// RollingOwnsPosition reports whether the roll process owns the position, in
// which case ordinary instrument orders cannot trade.
func (r RollState) RollingOwnsPosition() bool {
	switch r {
	case RollForce, RollForceOutright, RollAdjusted:
		return true
	}
	return false
}
