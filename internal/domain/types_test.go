package domain

import (
	"errors"
	"testing"
	"time"
)

func TestTypesExist(t *testing.T) {
	order := Order{}
	if order.ID != 0 {
		t.Error("expected zero ID for zero-value Order")
	}
	if order.Locked || order.Active {
		t.Error("expected zero-value Order to be unlocked and inactive")
	}
	if order.ContractID() != "" {
		t.Error("expected empty ContractID for zero-value Order")
	}

	fill := Fill{}
	if !fill.IsEmpty() {
		t.Error("expected zero-value Fill to be empty")
	}

	if LevelInstrument != "instrument" || LevelContract != "contract" || LevelBroker != "broker" {
		t.Error("Level constants have unexpected values")
	}
	if len(Levels) != 3 || Levels[0] != LevelInstrument || Levels[2] != LevelBroker {
		t.Errorf("Levels = %v, want instrument, contract, broker", Levels)
	}
}

func TestValidateFill(t *testing.T) {
	o := &Order{Trade: 5, Fill: 2}

	if err := o.ValidateFill(5); err != nil {
		t.Fatalf("ValidateFill(5) returned unexpected error: %v", err)
	}
	if err := o.ValidateFill(6); !errors.Is(err, ErrOverFilled) {
		t.Errorf("ValidateFill(6) = %v, want ErrOverFilled", err)
	}
	if err := o.ValidateFill(-1); !errors.Is(err, ErrFillSign) {
		t.Errorf("ValidateFill(-1) = %v, want ErrFillSign", err)
	}
	if err := o.ValidateFill(1); !errors.Is(err, ErrFillDecrease) {
		t.Errorf("ValidateFill(1) = %v, want ErrFillDecrease", err)
	}

	short := &Order{Trade: -3}
	if err := short.ValidateFill(-3); err != nil {
		t.Fatalf("ValidateFill(-3) on short returned unexpected error: %v", err)
	}
	if err := short.ValidateFill(2); !errors.Is(err, ErrFillSign) {
		t.Errorf("ValidateFill(2) on short = %v, want ErrFillSign", err)
	}
}

func TestApplyFill(t *testing.T) {
	o := &Order{Trade: 4}
	t1 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t0 := t1.Add(-time.Hour)

	if err := o.ApplyFill(2, 101.5, t1); err != nil {
		t.Fatalf("ApplyFill returned unexpected error: %v", err)
	}
	if o.Fill != 2 || o.FilledPrice != 101.5 || !o.FillTime.Equal(t1) {
		t.Errorf("after ApplyFill: fill=%d price=%v time=%v", o.Fill, o.FilledPrice, o.FillTime)
	}
	if o.Remaining() != 2 {
		t.Errorf("Remaining() = %d, want 2", o.Remaining())
	}

	// An older timestamp never moves the fill time backwards.
	if err := o.ApplyFill(4, 102, t0); err != nil {
		t.Fatalf("ApplyFill returned unexpected error: %v", err)
	}
	if !o.FillTime.Equal(t1) {
		t.Errorf("FillTime = %v, want %v", o.FillTime, t1)
	}
	if !o.Completed() {
		t.Error("expected order to be completed")
	}
}

func TestCloneIsDeep(t *testing.T) {
	o := &Order{
		ContractIDs: []string{"20240300"},
		Children:    []int64{1, 2},
		LimitPrice:  Float(99),
	}
	c := o.Clone()
	c.Children[0] = 9
	c.ContractIDs[0] = "20240600"
	*c.LimitPrice = 1

	if o.Children[0] != 1 || o.ContractIDs[0] != "20240300" || *o.LimitPrice != 99 {
		t.Errorf("Clone shares state with original: %+v", o)
	}
}

func TestParseRollState(t *testing.T) {
	r, err := ParseRollState("Passive")
	if err != nil {
		t.Fatalf("ParseRollState returned unexpected error: %v", err)
	}
	if r != RollPassive {
		t.Errorf("ParseRollState = %q, want %q", r, RollPassive)
	}

	r, err = ParseRollState("")
	if err != nil || r != RollNone {
		t.Errorf("ParseRollState(\"\") = %q, %v; want No_Roll", r, err)
	}

	if _, err := ParseRollState("Sideways"); !errors.Is(err, ErrUnknownRollState) {
		t.Errorf("ParseRollState(Sideways) = %v, want ErrUnknownRollState", err)
	}

	for _, s := range []RollState{RollForce, RollForceOutright, RollAdjusted} {
		if !s.RollingOwnsPosition() {
			t.Errorf("%s.RollingOwnsPosition() = false, want true", s)
		}
	}
	if RollPassive.RollingOwnsPosition() || RollNone.RollingOwnsPosition() {
		t.Error("Passive/No_Roll should not hand the position to rolling")
	}
}

func TestParseLevel(t *testing.T) {
	for _, l := range Levels {
		got, err := ParseLevel(string(l))
		if err != nil || got != l {
			t.Errorf("ParseLevel(%q) = %q, %v", l, got, err)
		}
	}
	if _, err := ParseLevel("strategy"); !errors.Is(err, ErrUnknownLevel) {
		t.Errorf("ParseLevel(strategy) error = %v, want ErrUnknownLevel", err)
	}
}
