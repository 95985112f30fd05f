package instruments

import (
	"errors"
	"testing"

	"execstack/internal/domain"
)

func TestCatalogDefaultsRollState(t *testing.T) {
	c := NewCatalog(Instrument{Code: "GOLD", PricedContract: "202406", ForwardContract: "202408"})
	rs, err := c.RollState("GOLD")
	if err != nil {
		t.Fatalf("RollState returned unexpected error: %v", err)
	}
	if rs != domain.RollNone {
		t.Errorf("RollState = %q, want %q", rs, domain.RollNone)
	}
}

func TestCatalogUnknownInstrument(t *testing.T) {
	c := NewCatalog()
	if _, err := c.PricedContract("CORN"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("PricedContract(CORN) = %v, want ErrNotFound", err)
	}
	if err := c.SetRollState("CORN", domain.RollPassive); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("SetRollState(CORN) = %v, want ErrNotFound", err)
	}
}

func TestCatalogRoll(t *testing.T) {
	c := NewCatalog(Instrument{Code: "GOLD", RollState: domain.RollPassive, PricedContract: "202406", ForwardContract: "202408"})
	if err := c.SetRollState("GOLD", domain.RollForce); err != nil {
		t.Fatalf("SetRollState returned unexpected error: %v", err)
	}
	if err := c.Roll("GOLD", "202410"); err != nil {
		t.Fatalf("Roll returned unexpected error: %v", err)
	}
	it, _ := c.Get("GOLD")
	if it.PricedContract != "202408" || it.ForwardContract != "202410" || it.RollState != domain.RollNone {
		t.Errorf("after roll = %+v", it)
	}
	if got := c.List(); len(got) != 1 || got[0].Code != "GOLD" {
		t.Errorf("List = %+v", got)
	}
}
