// Package instruments is the roll-data catalog: for each instrument, its
// roll state and the contracts currently priced and traded forward.
package instruments

import (
	"fmt"
	"sort"
	"sync"

	"execstack/internal/domain"
)

// Instrument is the roll data for one instrument.
type Instrument struct {
	Code            string
	RollState       domain.RollState
	PricedContract  string
	ForwardContract string
}

// Catalog is a concurrency-safe set of instruments.
type Catalog struct {
	mu    sync.RWMutex
	items map[string]Instrument
}

// NewCatalog creates a catalog from the given instruments.
func NewCatalog(items ...Instrument) *Catalog {
	c := &Catalog{items: make(map[string]Instrument, len(items))}
	for _, it := range items {
		if it.RollState == "" {
			it.RollState = domain.RollNone
		}
		c.items[it.Code] = it
	}
	return c
}

// Get returns the roll data for an instrument.
func (c *Catalog) Get(code string) (Instrument, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[code]
	if !ok {
		return Instrument{}, fmt.Errorf("instrument %s: %w", code, domain.ErrNotFound)
	}
	return it, nil
}

// RollState returns the roll state of an instrument.
func (c *Catalog) RollState(code string) (domain.RollState, error) {
	it, err := c.Get(code)
	if err != nil {
		return "", err
	}
	return it.RollState, nil
}

// SetRollState changes the roll state of a known instrument.
func (c *Catalog) SetRollState(code string, state domain.RollState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[code]
	if !ok {
		return fmt.Errorf("instrument %s: %w", code, domain.ErrNotFound)
	}
	it.RollState = state
	c.items[code] = it
	return nil
}

// PricedContract returns the contract the instrument's price series follows.
func (c *Catalog) PricedContract(code string) (string, error) {
	it, err := c.Get(code)
	if err != nil {
		return "", err
	}
	return it.PricedContract, nil
}

// ForwardContract returns the next contract in the roll cycle.
func (c *Catalog) ForwardContract(code string) (string, error) {
	it, err := c.Get(code)
	if err != nil {
		return "", err
	}
	return it.ForwardContract, nil
}

// Roll moves an instrument onto its forward contract, which becomes priced,
// and names the next forward contract. The roll state returns to No_Roll.
func (c *Catalog) Roll(code, nextForward string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[code]
	if !ok {
		return fmt.Errorf("instrument %s: %w", code, domain.ErrNotFound)
	}
	it.PricedContract = it.ForwardContract
	it.ForwardContract = nextForward
	it.RollState = domain.RollNone
	c.items[code] = it
	return nil
}

// List returns every instrument sorted by code.
func (c *Catalog) List() []Instrument {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Instrument, 0, len(c.items))
	for _, it := range c.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
