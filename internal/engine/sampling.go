package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"execstack/internal/broker"
	"execstack/internal/store"
)

// ContractRef names one futures contract.
type ContractRef struct {
	Instrument string
	Contract   string
}

// LiquiditySample is the size available on each side of a contract.
type LiquiditySample struct {
	Bid, Ask  int64
	SampledAt time.Time
}

// LiquidityCache keeps the most recent liquidity sample per contract.
// Samples older than the max age are ignored.
type LiquidityCache struct {
	mu      sync.RWMutex
	samples map[ContractRef]LiquiditySample
	maxAge  time.Duration
	now     func() time.Time
}

// NewLiquidityCache creates a cache. A zero maxAge never expires samples.
func NewLiquidityCache(maxAge time.Duration) *LiquidityCache {
	return &LiquidityCache{
		samples: make(map[ContractRef]LiquiditySample),
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// Put stores a sample.
func (c *LiquidityCache) Put(ref ContractRef, s LiquiditySample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples[ref] = s
}

// Get returns the fresh liquidity available to a trade on side. Buyers take
// the ask and sellers hit the bid.
func (c *LiquidityCache) Get(instrument, contract string, side broker.Side) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.samples[ContractRef{instrument, contract}]
	if !ok {
		return 0, false
	}
	if c.maxAge > 0 && c.now().Sub(s.SampledAt) > c.maxAge {
		return 0, false
	}
	if side == broker.Buy {
		return s.Ask, true
	}
	return s.Bid, true
}

// Len returns the number of cached samples.
func (c *LiquidityCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.samples)
}

// Sampler refreshes liquidity samples for every contract with an active
// contract order, plus any configured contracts.
type Sampler struct {
	gw         broker.Gateway
	contracts  store.OrderStack
	extra      []ContractRef
	cache      *LiquidityCache
	maxWorkers int
	log        *slog.Logger
}

// NewSampler creates a Sampler writing into cache.
func NewSampler(gw broker.Gateway, contracts store.OrderStack, cache *LiquidityCache, maxWorkers int, extra []ContractRef, log *slog.Logger) *Sampler {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	return &Sampler{
		gw:         gw,
		contracts:  contracts,
		extra:      extra,
		cache:      cache,
		maxWorkers: maxWorkers,
		log:        log.With("component", "sampler"),
	}
}

// SampleOnce samples every relevant contract concurrently and returns how
// many samples were stored. Per-contract failures are logged and skipped.
func (s *Sampler) SampleOnce(ctx context.Context) (int, error) {
	refs, err := s.targets(ctx)
	if err != nil {
		return 0, err
	}

	var (
		mu     sync.Mutex
		stored int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxWorkers)
	for _, ref := range refs {
		g.Go(func() error {
			bid, err := s.gw.Liquidity(gctx, ref.Instrument, ref.Contract, broker.Sell)
			if err != nil {
				s.log.Warn("sampling bid size", "instrument", ref.Instrument, "contract", ref.Contract, "error", err)
				return nil
			}
			ask, err := s.gw.Liquidity(gctx, ref.Instrument, ref.Contract, broker.Buy)
			if err != nil {
				s.log.Warn("sampling ask size", "instrument", ref.Instrument, "contract", ref.Contract, "error", err)
				return nil
			}
			s.cache.Put(ref, LiquiditySample{Bid: bid, Ask: ask, SampledAt: s.cache.now()})
			mu.Lock()
			stored++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stored, err
	}
	return stored, ctx.Err()
}

// Run samples every interval until the context is cancelled.
func (s *Sampler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := s.SampleOnce(ctx)
		if err != nil && ctx.Err() == nil {
			s.log.Error("sampling failed", "error", err)
		} else if n > 0 {
			s.log.Debug("liquidity sampled", "contracts", n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Sampler) targets(ctx context.Context) ([]ContractRef, error) {
	seen := make(map[ContractRef]bool)
	for _, ref := range s.extra {
		seen[ref] = true
	}
	ids, err := s.contracts.ListOrderIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		o, err := s.contracts.Get(ctx, id)
		if err != nil {
			continue
		}
		seen[ContractRef{o.Instrument, o.ContractID()}] = true
	}

	refs := make([]ContractRef, 0, len(seen))
	for ref := range seen {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Instrument != refs[j].Instrument {
			return refs[i].Instrument < refs[j].Instrument
		}
		return refs[i].Contract < refs[j].Contract
	})
	return refs, nil
}
