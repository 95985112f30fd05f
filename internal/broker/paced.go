package broker

import (
	"context"
	"sync"

	"execstack/internal/domain"
	"execstack/internal/util"
)

// Compile-time interface check.
var _ Gateway = (*PacedGateway)(nil)

// ContractCache memoizes resolved contracts. It is owned by one gateway
// wrapper and is safe for concurrent use.
type ContractCache struct {
	mu        sync.RWMutex
	contracts map[contractKey]Contract
}

// NewContractCache creates an empty cache.
func NewContractCache() *ContractCache {
	return &ContractCache{contracts: make(map[contractKey]Contract)}
}

// Get returns a cached contract.
func (c *ContractCache) Get(instrument, contractDate string) (Contract, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ct, ok := c.contracts[contractKey{instrument, contractDate}]
	return ct, ok
}

// Put stores a resolved contract.
func (c *ContractCache) Put(ct Contract) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contracts[contractKey{ct.Instrument, ct.Date}] = ct
}

// Len returns the number of cached contracts.
func (c *ContractCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.contracts)
}

// PacedGateway wraps a Gateway so contract resolution and price requests are
// spaced by a minimum interval, and resolved contracts are cached.
type PacedGateway struct {
	Gateway
	pacer *util.Pacer
	cache *ContractCache
}

// NewPacedGateway wraps g with the given pacer.
func NewPacedGateway(g Gateway, pacer *util.Pacer) *PacedGateway {
	return &PacedGateway{Gateway: g, pacer: pacer, cache: NewContractCache()}
}

// Cache exposes the contract cache.
func (p *PacedGateway) Cache() *ContractCache {
	return p.cache
}

// ResolveContract serves from the cache, pacing only real lookups.
func (p *PacedGateway) ResolveContract(ctx context.Context, instrument, contractDate string) (Contract, error) {
	if ct, ok := p.cache.Get(instrument, contractDate); ok {
		return ct, nil
	}
	if err := p.pacer.Wait(ctx); err != nil {
		return Contract{}, err
	}
	ct, err := p.Gateway.ResolveContract(ctx, instrument, contractDate)
	if err != nil {
		return Contract{}, err
	}
	p.cache.Put(ct)
	return ct, nil
}

// LastMatchedPrice paces the underlying price request.
func (p *PacedGateway) LastMatchedPrice(ctx context.Context, instrument, contractDate string) (float64, error) {
	if err := p.pacer.Wait(ctx); err != nil {
		return 0, err
	}
	return p.Gateway.LastMatchedPrice(ctx, instrument, contractDate)
}

// SubmitOrder resolves the contract first so an unknown contract fails
// before anything reaches the broker.
func (p *PacedGateway) SubmitOrder(ctx context.Context, order *domain.Order) (string, error) {
	if _, err := p.ResolveContract(ctx, order.Instrument, order.ContractID()); err != nil {
		return "", err
	}
	return p.Gateway.SubmitOrder(ctx, order)
}
