package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"execstack/internal/alert"
	"execstack/internal/algo"
	"execstack/internal/broker"
	"execstack/internal/controls"
	"execstack/internal/domain"
	"execstack/internal/instruments"
	"execstack/internal/metrics"
	"execstack/internal/store"
)

const (
	priced  = "202406"
	forward = "202408"
)

type harness struct {
	e        *Engine
	gw       *broker.SimulatorBroker
	stacks   store.Stacks
	pos      *store.MemoryPositions
	catalog  *instruments.Catalog
	controls *controls.Store
	alerts   *alert.Recorder
	archive  *recordingArchive
}

type recordingArchive struct {
	mu     sync.Mutex
	orders map[domain.Level][]*domain.Order
}

func (a *recordingArchive) ArchiveOrders(_ context.Context, level domain.Level, orders []*domain.Order) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.orders == nil {
		a.orders = make(map[domain.Level][]*domain.Order)
	}
	a.orders[level] = append(a.orders[level], orders...)
	return nil
}

func (a *recordingArchive) ReadHistoricOrders(context.Context, domain.Level, time.Time, time.Time) ([]domain.Order, error) {
	return nil, nil
}

func (a *recordingArchive) count(level domain.Level) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.orders[level])
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, rs domain.RollState) *harness {
	t.Helper()
	log := quietLogger()
	h := &harness{
		gw:       broker.NewSimulatorBroker(),
		stacks:   store.NewMemoryStacks(),
		pos:      store.NewMemoryPositions(),
		catalog:  instruments.NewCatalog(instruments.Instrument{Code: "GOLD", RollState: rs, PricedContract: priced, ForwardContract: forward}),
		controls: controls.NewStore("", log),
		alerts:   alert.NewRecorder(nil),
		archive:  &recordingArchive{},
	}
	timing := algo.Timing{OrderTimeout: 30 * time.Millisecond, PollInterval: 2 * time.Millisecond}
	algos := algo.NewRegistry(
		algo.NewMarketAlgo(h.gw, 0, timing, log),
		algo.NewLimitAlgo(h.gw, timing, log),
	)
	h.e = NewEngine(Deps{
		Stacks:    h.stacks,
		Positions: h.pos,
		Archive:   h.archive,
		Gateway:   h.gw,
		Catalog:   h.catalog,
		Controls:  h.controls,
		Algos:     algos,
		Allocator: algo.NewAllocator(map[domain.OrderType]string{domain.OrderTypeLimit: algo.LimitName}, nil),
		Alerter:   h.alerts,
		Metrics:   metrics.NewRecorder(),
		Log:       log,
	}, Settings{
		CancelTimeout:        60 * time.Millisecond,
		PollInterval:         5 * time.Millisecond,
		AlertOnCancelTimeout: true,
	})
	return h
}

func instrumentOrder(trade int64) *domain.Order {
	return &domain.Order{Strategy: "trend", Instrument: "GOLD", Trade: trade, OrderType: domain.OrderTypeBest}
}

func (h *harness) submit(t *testing.T, o *domain.Order) int64 {
	t.Helper()
	id, err := h.e.SubmitInstrumentOrder(context.Background(), o)
	if err != nil {
		t.Fatalf("SubmitInstrumentOrder returned unexpected error: %v", err)
	}
	return id
}

func (h *harness) get(t *testing.T, level domain.Level, id int64) *domain.Order {
	t.Helper()
	o, err := h.stacks.ForLevel(level).Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s %d) returned unexpected error: %v", level, id, err)
	}
	return o
}

// putWorkingFamily builds an instrument, contract and broker order by hand,
// with the broker order live at the simulator.
func (h *harness) putWorkingFamily(t *testing.T, trade int64) (ioID, coID, boID int64) {
	t.Helper()
	ctx := context.Background()
	ioID, _ = h.stacks.Instrument.Put(ctx, &domain.Order{Strategy: "trend", Instrument: "GOLD", Trade: trade})
	coID, _ = h.stacks.Contract.Put(ctx, &domain.Order{Strategy: "trend", Instrument: "GOLD",
		ContractIDs: []string{priced}, Trade: trade, Parent: ioID})
	bo := &domain.Order{Strategy: "trend", Instrument: "GOLD", ContractIDs: []string{priced}, Trade: trade, Parent: coID}
	ref, err := h.gw.SubmitOrder(ctx, bo)
	if err != nil {
		t.Fatalf("SubmitOrder returned unexpected error: %v", err)
	}
	bo.BrokerRef = ref
	boID, _ = h.stacks.Broker.Put(ctx, bo)
	if err := h.stacks.Instrument.AddChildren(ctx, ioID, coID); err != nil {
		t.Fatalf("AddChildren returned unexpected error: %v", err)
	}
	if err := h.stacks.Contract.AddChildren(ctx, coID, boID); err != nil {
		t.Fatalf("AddChildren returned unexpected error: %v", err)
	}
	return ioID, coID, boID
}

func TestSplitPassiveRoll(t *testing.T) {
	cases := []struct {
		name            string
		position, trade int64
		want            []contractLeg
	}{
		{"flat", 0, 5, []contractLeg{{forward, 5}}},
		{"increasing", 3, 5, []contractLeg{{forward, 5}}},
		{"reducing", 3, -2, []contractLeg{{priced, -2}}},
		{"closing exactly", 3, -3, []contractLeg{{priced, -3}}},
		{"flipping", 3, -5, []contractLeg{{priced, -3}, {forward, -2}}},
		{"flipping short", -4, 6, []contractLeg{{priced, 4}, {forward, 2}}},
	}
	for _, c := range cases {
		got := splitPassiveRoll(c.position, c.trade, priced, forward)
		if len(got) != len(c.want) {
			t.Errorf("%s: got %v, want %v", c.name, got, c.want)
			continue
		}
		var sum int64
		for i := range got {
			if got[i] != c.want[i] {
				t.Errorf("%s: leg %d = %v, want %v", c.name, i, got[i], c.want[i])
			}
			sum += got[i].trade
		}
		if sum != c.trade {
			t.Errorf("%s: legs sum to %d, want %d", c.name, sum, c.trade)
		}
	}
}

func TestSpawnNoRoll(t *testing.T) {
	h := newHarness(t, domain.RollNone)
	ctx := context.Background()
	ioID := h.submit(t, instrumentOrder(5))

	n, err := h.e.SpawnChildrenFromNewInstrumentOrders(ctx)
	if err != nil {
		t.Fatalf("SpawnChildrenFromNewInstrumentOrders returned unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("spawned %d children, want 1", n)
	}
	io := h.get(t, domain.LevelInstrument, ioID)
	if len(io.Children) != 1 || io.Locked {
		t.Fatalf("instrument order = %+v, want one child and unlocked", io)
	}
	co := h.get(t, domain.LevelContract, io.Children[0])
	if co.ContractID() != priced || co.Trade != 5 || co.Parent != ioID || co.AlgoToUse != algo.MarketName {
		t.Errorf("contract order = %+v", co)
	}

	// Orders with children are not new any more.
	if n, _ := h.e.SpawnChildrenFromNewInstrumentOrders(ctx); n != 0 {
		t.Errorf("second spawn created %d children, want 0", n)
	}
}

func TestSpawnRollingOwnsPosition(t *testing.T) {
	for _, rs := range []domain.RollState{domain.RollForce, domain.RollForceOutright, domain.RollAdjusted} {
		h := newHarness(t, rs)
		children, err := h.e.SpawnChildren(context.Background(), &domain.Order{ID: 1, Instrument: "GOLD", Trade: 3})
		if err != nil {
			t.Fatalf("%s: SpawnChildren returned unexpected error: %v", rs, err)
		}
		if len(children) != 0 {
			t.Errorf("%s: got %d children, want none", rs, len(children))
		}
	}
}

func TestSpawnZeroTrade(t *testing.T) {
	h := newHarness(t, domain.RollNone)
	children, err := h.e.SpawnChildren(context.Background(), &domain.Order{ID: 1, Instrument: "GOLD"})
	if err != nil || children != nil {
		t.Errorf("SpawnChildren(zero) = %v, %v, want no children", children, err)
	}
}

func TestSpawnPassiveFlip(t *testing.T) {
	h := newHarness(t, domain.RollPassive)
	ctx := context.Background()
	if err := h.pos.UpdateContractPosition(ctx, "GOLD", priced, 3); err != nil {
		t.Fatalf("UpdateContractPosition returned unexpected error: %v", err)
	}
	children, err := h.e.SpawnChildren(ctx, &domain.Order{ID: 1, Strategy: "trend", Instrument: "GOLD", Trade: -5})
	if err != nil {
		t.Fatalf("SpawnChildren returned unexpected error: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("got %d children, want 2", len(children))
	}
	if children[0].ContractID() != priced || children[0].Trade != -3 {
		t.Errorf("first child = %s, want priced -3", children[0])
	}
	if children[1].ContractID() != forward || children[1].Trade != -2 {
		t.Errorf("second child = %s, want forward -2", children[1])
	}
}

func TestSpawnCloseRoll(t *testing.T) {
	h := newHarness(t, domain.RollClose)
	ctx := context.Background()
	_ = h.pos.UpdateContractPosition(ctx, "GOLD", priced, 3)

	children, err := h.e.SpawnChildren(ctx, &domain.Order{ID: 1, Instrument: "GOLD", Trade: -2})
	if err != nil || len(children) != 1 || children[0].ContractID() != priced {
		t.Errorf("reducing trade: children %v err %v, want one priced child", children, err)
	}
	children, err = h.e.SpawnChildren(ctx, &domain.Order{ID: 2, Instrument: "GOLD", Trade: 1})
	if err != nil || len(children) != 0 {
		t.Errorf("increasing trade: children %v err %v, want none", children, err)
	}
}

func TestSpawnAdjustsPricesAcrossContracts(t *testing.T) {
	h := newHarness(t, domain.RollPassive)
	h.gw.SetPrice("GOLD", priced, 100)
	h.gw.SetPrice("GOLD", forward, 102.5)

	io := &domain.Order{
		ID: 1, Instrument: "GOLD", Trade: 2, OrderType: domain.OrderTypeLimit,
		ReferencePrice: domain.Float(100), ReferenceContract: priced,
		LimitPrice: domain.Float(101), LimitContract: priced,
	}
	children, err := h.e.SpawnChildren(context.Background(), io)
	if err != nil {
		t.Fatalf("SpawnChildren returned unexpected error: %v", err)
	}
	c := children[0]
	if c.ContractID() != forward {
		t.Fatalf("child contract = %s, want forward", c.ContractID())
	}
	if c.ReferencePrice == nil || *c.ReferencePrice != 102.5 || c.ReferenceContract != forward {
		t.Errorf("reference = %v on %s, want 102.5 on forward", c.ReferencePrice, c.ReferenceContract)
	}
	if c.LimitPrice == nil || *c.LimitPrice != 103.5 || c.LimitContract != forward {
		t.Errorf("limit = %v on %s, want 103.5 on forward", c.LimitPrice, c.LimitContract)
	}
	if c.AlgoToUse != algo.LimitName {
		t.Errorf("algo = %q, want limit", c.AlgoToUse)
	}
}

func TestSpawnReferenceFailureDropsPrice(t *testing.T) {
	h := newHarness(t, domain.RollPassive)
	io := &domain.Order{ID: 1, Instrument: "GOLD", Trade: 2, ReferencePrice: domain.Float(100), ReferenceContract: priced}

	children, err := h.e.SpawnChildren(context.Background(), io)
	if err != nil {
		t.Fatalf("SpawnChildren returned unexpected error: %v", err)
	}
	if len(children) != 1 || children[0].ReferencePrice != nil {
		t.Errorf("children = %v, want one child without reference price", children)
	}
	if len(h.alerts.Messages()) != 0 {
		t.Errorf("reference failure should not alert, got %v", h.alerts.Messages())
	}
}

func TestSpawnLimitFailureIsFatal(t *testing.T) {
	h := newHarness(t, domain.RollPassive)
	ctx := context.Background()
	o := instrumentOrder(2)
	o.LimitPrice = domain.Float(101)
	o.LimitContract = priced
	ioID := h.submit(t, o)

	n, err := h.e.SpawnChildrenFromNewInstrumentOrders(ctx)
	if err != nil {
		t.Fatalf("SpawnChildrenFromNewInstrumentOrders returned unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("spawned %d children, want 0", n)
	}
	if io := h.get(t, domain.LevelInstrument, ioID); len(io.Children) != 0 || io.Locked {
		t.Errorf("instrument order = %+v, want no children and unlocked", io)
	}
	if len(h.alerts.Messages()) != 1 {
		t.Errorf("alerts = %v, want one critical alert", h.alerts.Messages())
	}
}

func TestSpawnBalanceRejected(t *testing.T) {
	h := newHarness(t, domain.RollNone)
	_, err := h.e.SpawnChildren(context.Background(), &domain.Order{ID: 1, Instrument: "GOLD", Trade: 1, OrderType: domain.OrderTypeBalance})
	if !errors.Is(err, domain.ErrUnsupportedOrderType) {
		t.Errorf("SpawnChildren(balance) = %v, want ErrUnsupportedOrderType", err)
	}
}

func TestSpawnSkipsLockedInstrumentOrder(t *testing.T) {
	h := newHarness(t, domain.RollNone)
	ctx := context.Background()
	ioID := h.submit(t, instrumentOrder(1))
	if err := h.stacks.Instrument.Lock(ctx, ioID); err != nil {
		t.Fatalf("Lock returned unexpected error: %v", err)
	}
	n, err := h.e.SpawnChildrenFromNewInstrumentOrders(ctx)
	if err != nil || n != 0 {
		t.Errorf("spawn on locked order = %d, %v, want 0 and no error", n, err)
	}
}

func TestSubmitInstrumentOrderNets(t *testing.T) {
	h := newHarness(t, domain.RollNone)
	h.submit(t, instrumentOrder(5))

	if _, err := h.e.SubmitInstrumentOrder(context.Background(), instrumentOrder(5)); !errors.Is(err, domain.ErrZeroTrade) {
		t.Errorf("duplicate desire = %v, want ErrZeroTrade", err)
	}
	id := h.submit(t, instrumentOrder(7))
	if o := h.get(t, domain.LevelInstrument, id); o.Trade != 2 {
		t.Errorf("netted trade = %d, want 2", o.Trade)
	}
}

func TestCreateBrokerOrderPropagatesFills(t *testing.T) {
	h := newHarness(t, domain.RollNone)
	ctx := context.Background()
	h.gw.SetPrice("GOLD", priced, 2300)
	h.controls.SetLimit("GOLD", "", 100, 1)
	ioID := h.submit(t, instrumentOrder(-4))

	if _, err := h.e.SpawnChildrenFromNewInstrumentOrders(ctx); err != nil {
		t.Fatalf("spawn returned unexpected error: %v", err)
	}
	n, err := h.e.ProcessNewContractOrders(ctx)
	if err != nil {
		t.Fatalf("ProcessNewContractOrders returned unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("created %d broker orders, want 1", n)
	}

	io := h.get(t, domain.LevelInstrument, ioID)
	co := h.get(t, domain.LevelContract, io.Children[0])
	if len(co.Children) != 1 {
		t.Fatalf("contract order children = %v, want one", co.Children)
	}
	bo := h.get(t, domain.LevelBroker, co.Children[0])

	for _, o := range []*domain.Order{bo, co, io} {
		if o.Fill != -4 || o.FilledPrice != 2300 || o.FillTime.IsZero() {
			t.Errorf("%s: fill %d price %v time %v, want -4 at 2300", o.Level, o.Fill, o.FilledPrice, o.FillTime)
		}
	}
	if co.UnderAlgoControl() {
		t.Error("algo control not released")
	}
	if p, _ := h.pos.ContractPosition(ctx, "GOLD", priced); p != -4 {
		t.Errorf("contract position = %d, want -4", p)
	}
	if p, _ := h.pos.StrategyPosition(ctx, "trend", "GOLD"); p != -4 {
		t.Errorf("strategy position = %d, want -4", p)
	}
	if got := h.controls.PossibleTrade("GOLD", "", 100); got != 96 {
		t.Errorf("spare trade limit = %d, want 96", got)
	}
}

func TestCreateBrokerOrderSoftSkips(t *testing.T) {
	cases := []struct {
		name  string
		setup func(h *harness)
	}{
		{"instrument locked", func(h *harness) { h.controls.LockInstrument("GOLD") }},
		{"market closed", func(h *harness) { h.gw.SetTradeable("GOLD", priced, false) }},
		{"no liquidity", func(h *harness) { h.gw.SetLiquidity("GOLD", priced, 0, 0) }},
		{"trade limit used", func(h *harness) {
			h.controls.SetLimit("GOLD", "trend", 3, 1)
			h.controls.AddTrade("GOLD", "trend", 3)
		}},
	}
	for _, c := range cases {
		h := newHarness(t, domain.RollNone)
		ctx := context.Background()
		h.gw.SetPrice("GOLD", priced, 10)
		c.setup(h)
		h.submit(t, instrumentOrder(2))
		if _, err := h.e.SpawnChildrenFromNewInstrumentOrders(ctx); err != nil {
			t.Fatalf("%s: spawn returned unexpected error: %v", c.name, err)
		}
		n, err := h.e.ProcessNewContractOrders(ctx)
		if err != nil || n != 0 {
			t.Errorf("%s: created %d, err %v, want 0 and no error", c.name, n, err)
		}
		ids, _ := h.stacks.Broker.ListAllOrderIDs(ctx)
		if len(ids) != 0 {
			t.Errorf("%s: broker stack has %v", c.name, ids)
		}
	}
}

func TestLiquidityClipsTrade(t *testing.T) {
	h := newHarness(t, domain.RollNone)
	ctx := context.Background()
	h.gw.SetPrice("GOLD", priced, 10)
	h.gw.SetLiquidity("GOLD", priced, 9, 2)
	ioID := h.submit(t, instrumentOrder(5))
	_, _ = h.e.SpawnChildrenFromNewInstrumentOrders(ctx)

	if _, err := h.e.ProcessNewContractOrders(ctx); err != nil {
		t.Fatalf("ProcessNewContractOrders returned unexpected error: %v", err)
	}
	io := h.get(t, domain.LevelInstrument, ioID)
	co := h.get(t, domain.LevelContract, io.Children[0])
	if co.Fill != 2 || io.Fill != 2 {
		t.Errorf("fills after clip = contract %d instrument %d, want 2", co.Fill, io.Fill)
	}

	// Next cycle picks up the remainder.
	if _, err := h.e.ProcessNewContractOrders(ctx); err != nil {
		t.Fatalf("ProcessNewContractOrders returned unexpected error: %v", err)
	}
	co = h.get(t, domain.LevelContract, co.ID)
	if co.Fill != 4 || len(co.Children) != 2 {
		t.Errorf("contract order after second cycle = %+v, want fill 4 over two broker orders", co)
	}
}

func TestSizeTradeNeverIncreases(t *testing.T) {
	h := newHarness(t, domain.RollNone)
	ctx := context.Background()
	for _, liq := range []int64{0, 1, 3, 7, 100} {
		for _, remaining := range []int64{-9, -3, -1, 1, 4, 12} {
			h.gw.SetLiquidity("GOLD", priced, liq, liq)
			co := &domain.Order{Instrument: "GOLD", ContractIDs: []string{priced}, Trade: remaining}
			got := h.e.risk.SizeTrade(ctx, co)
			if domain.Abs(got) > domain.Abs(remaining) {
				t.Errorf("SizeTrade(%d, liq %d) = %d grew", remaining, liq, got)
			}
			if got != 0 && domain.Sign(got) != domain.Sign(remaining) {
				t.Errorf("SizeTrade(%d, liq %d) = %d flipped sign", remaining, liq, got)
			}
			if domain.Abs(got) > liq {
				t.Errorf("SizeTrade(%d, liq %d) = %d exceeds liquidity", remaining, liq, got)
			}
		}
	}
}

func TestSizeTradeUsesFreshSamples(t *testing.T) {
	h := newHarness(t, domain.RollNone)
	cache := NewLiquidityCache(time.Minute)
	h.e.risk = NewRiskManager(h.controls, h.gw, cache, quietLogger())
	co := &domain.Order{Instrument: "GOLD", ContractIDs: []string{priced}, Trade: -6}

	cache.Put(ContractRef{"GOLD", priced}, LiquiditySample{Bid: 4, Ask: 1, SampledAt: time.Now()})
	if got := h.e.risk.SizeTrade(context.Background(), co); got != -4 {
		t.Errorf("SizeTrade with sample = %d, want -4", got)
	}

	cache.Put(ContractRef{"GOLD", priced}, LiquiditySample{Bid: 4, Ask: 1, SampledAt: time.Now().Add(-time.Hour)})
	if got := h.e.risk.SizeTrade(context.Background(), co); got != -6 {
		t.Errorf("SizeTrade with stale sample = %d, want gateway liquidity and -6", got)
	}
}

func TestConcurrentCreatorsSubmitOnce(t *testing.T) {
	h := newHarness(t, domain.RollNone)
	ctx := context.Background()
	h.gw.SetPrice("GOLD", priced, 10)
	ioID := h.submit(t, instrumentOrder(5))
	_, _ = h.e.SpawnChildrenFromNewInstrumentOrders(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.e.ProcessNewContractOrders(ctx)
		}()
	}
	wg.Wait()

	io := h.get(t, domain.LevelInstrument, ioID)
	co := h.get(t, domain.LevelContract, io.Children[0])
	if co.Fill != 5 || len(co.Children) != 1 {
		t.Errorf("contract order = %+v, want filled 5 by exactly one broker order", co)
	}
}

// slowGetStack widens the gap between reading an order and updating it.
type slowGetStack struct {
	store.OrderStack
}

func (s slowGetStack) Get(ctx context.Context, id int64) (*domain.Order, error) {
	o, err := s.OrderStack.Get(ctx, id)
	time.Sleep(2 * time.Millisecond)
	return o, err
}

func TestConcurrentFillsCountOnce(t *testing.T) {
	h := newHarness(t, domain.RollNone)
	ctx := context.Background()
	ioID, coID, boID := h.putWorkingFamily(t, 5)
	h.e.stacks = store.Stacks{
		Instrument: slowGetStack{h.stacks.Instrument},
		Contract:   slowGetStack{h.stacks.Contract},
		Broker:     slowGetStack{h.stacks.Broker},
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.e.applyBrokerFill(ctx, boID, 5, 10, time.Now()); err != nil {
				t.Errorf("applyBrokerFill returned unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if co := h.get(t, domain.LevelContract, coID); co.Fill != 5 {
		t.Errorf("contract fill = %d, want 5", co.Fill)
	}
	if io := h.get(t, domain.LevelInstrument, ioID); io.Fill != 5 {
		t.Errorf("instrument fill = %d, want 5", io.Fill)
	}
	if p, _ := h.pos.ContractPosition(ctx, "GOLD", priced); p != 5 {
		t.Errorf("contract position = %d, want 5", p)
	}
	if p, _ := h.pos.StrategyPosition(ctx, "trend", "GOLD"); p != 5 {
		t.Errorf("strategy position = %d, want 5", p)
	}
	if broken, _ := h.e.CheckPositionBreaks(ctx); len(broken) != 0 {
		t.Errorf("position breaks = %v, want none", broken)
	}
}

type failingPutStack struct {
	store.OrderStack
}

func (f failingPutStack) Put(context.Context, *domain.Order) (int64, error) {
	return 0, errors.New("disk full")
}

func TestPersistenceFailureLocksContractOrder(t *testing.T) {
	h := newHarness(t, domain.RollNone)
	ctx := context.Background()
	h.gw.SetPrice("GOLD", priced, 10)
	h.gw.SetFillRatio(0)
	h.submit(t, instrumentOrder(3))
	_, _ = h.e.SpawnChildrenFromNewInstrumentOrders(ctx)
	h.e.stacks.Broker = failingPutStack{h.stacks.Broker}

	ids, _ := h.stacks.Contract.ListOrderIDs(ctx)
	co := h.get(t, domain.LevelContract, ids[0])
	ok, err := h.e.CreateBrokerOrder(ctx, co)
	if ok || !errors.Is(err, ErrBrokerOrderNotRecorded) {
		t.Fatalf("CreateBrokerOrder = %v, %v, want ErrBrokerOrderNotRecorded", ok, err)
	}
	co = h.get(t, domain.LevelContract, co.ID)
	if !co.Locked || !co.UnderAlgoControl() {
		t.Errorf("contract order locked=%v controlled=%v, want locked under algo control", co.Locked, co.UnderAlgoControl())
	}
	if len(h.alerts.Messages()) != 1 {
		t.Errorf("alerts = %v, want one", h.alerts.Messages())
	}

	// Never resubmitted.
	if n, _ := h.e.ProcessNewContractOrders(ctx); n != 0 {
		t.Errorf("resubmitted %d broker orders", n)
	}
	if open := h.gw.OpenOrders(); len(open) != 1 {
		t.Errorf("broker has %d open orders, want exactly the unrecorded one", len(open))
	}
}

func TestCancelAllAndConfirm(t *testing.T) {
	h := newHarness(t, domain.RollNone)
	ctx := context.Background()
	_, _, boID := h.putWorkingFamily(t, 3)

	res, err := h.e.CancelAllAndConfirm(ctx, time.Second)
	if err != nil {
		t.Fatalf("CancelAllAndConfirm returned unexpected error: %v", err)
	}
	if !res.Success || len(res.Confirmed) != 1 || res.Confirmed[0] != boID || len(res.Outstanding) != 0 {
		t.Errorf("result = %+v, want success confirming %d", res, boID)
	}
	if len(h.gw.OpenOrders()) != 0 {
		t.Errorf("open orders = %v", h.gw.OpenOrders())
	}
}

func TestCancelAllAndConfirmTimeout(t *testing.T) {
	h := newHarness(t, domain.RollNone)
	h.gw.IgnoreCancels(true)
	_, _, boID := h.putWorkingFamily(t, 3)

	start := time.Now()
	res, err := h.e.CancelAllAndConfirm(context.Background(), 40*time.Millisecond)
	if err != nil {
		t.Fatalf("CancelAllAndConfirm returned unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("returned after %v, before the timeout", elapsed)
	}
	if res.Success || len(res.Outstanding) != 1 || res.Outstanding[0] != boID {
		t.Errorf("result = %+v, want failure naming %d", res, boID)
	}
	msgs := h.alerts.Messages()
	if len(msgs) != 1 || msgs[0] != CancelTimeoutMessage {
		t.Errorf("alerts = %v, want %q", msgs, CancelTimeoutMessage)
	}
}

func TestCancelUnknownOrderCountsAsCancelled(t *testing.T) {
	h := newHarness(t, domain.RollNone)
	ctx := context.Background()
	id, _ := h.stacks.Broker.Put(ctx, &domain.Order{Instrument: "GOLD", ContractIDs: []string{priced}, Trade: 1, BrokerRef: "ghost"})

	res, err := h.e.CancelAllAndConfirm(ctx, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("CancelAllAndConfirm returned unexpected error: %v", err)
	}
	if !res.Success || len(res.Confirmed) != 1 || res.Confirmed[0] != id {
		t.Errorf("result = %+v, want ghost order confirmed", res)
	}
}

func TestCancelAppliesLateFills(t *testing.T) {
	h := newHarness(t, domain.RollNone)
	ctx := context.Background()
	ioID, coID, boID := h.putWorkingFamily(t, 4)
	bo := h.get(t, domain.LevelBroker, boID)
	if err := h.gw.FillOrder(bo.BrokerRef, 1, 99); err != nil {
		t.Fatalf("FillOrder returned unexpected error: %v", err)
	}

	if _, err := h.e.CancelAllAndConfirm(ctx, time.Second); err != nil {
		t.Fatalf("CancelAllAndConfirm returned unexpected error: %v", err)
	}
	if co := h.get(t, domain.LevelContract, coID); co.Fill != 1 {
		t.Errorf("contract fill = %d, want 1", co.Fill)
	}
	if io := h.get(t, domain.LevelInstrument, ioID); io.Fill != 1 || io.FilledPrice != 99 {
		t.Errorf("instrument fill = %d at %v, want 1 at 99", io.Fill, io.FilledPrice)
	}
}

func TestSafeStackRemoval(t *testing.T) {
	h := newHarness(t, domain.RollNone)
	ctx := context.Background()

	// One complete family, one partially filled working family, and one
	// instrument order that never spawned.
	h.gw.SetPrice("GOLD", priced, 51)
	h.submit(t, &domain.Order{Strategy: "carry", Instrument: "GOLD", Trade: -1})
	_, _ = h.e.SpawnChildrenFromNewInstrumentOrders(ctx)
	_, _ = h.e.ProcessNewContractOrders(ctx)

	h.gw.SetFillRatio(0)
	_, _, boID := h.putWorkingFamily(t, 4)
	bo := h.get(t, domain.LevelBroker, boID)
	_ = h.gw.FillOrder(bo.BrokerRef, 2, 50)

	_ = h.catalog.SetRollState("GOLD", domain.RollForce)
	h.submit(t, &domain.Order{Strategy: "value", Instrument: "GOLD", Trade: 2})

	res, err := h.e.SafeStackRemoval(ctx)
	if err != nil {
		t.Fatalf("SafeStackRemoval returned unexpected error: %v", err)
	}
	if !res.Cancel.Success {
		t.Errorf("cancel result = %+v, want success", res.Cancel)
	}
	if res.FamiliesClosed != 3 {
		t.Errorf("families closed = %d, want 3", res.FamiliesClosed)
	}
	for _, level := range domain.Levels {
		ids, _ := h.stacks.ForLevel(level).ListAllOrderIDs(ctx)
		if len(ids) != 0 {
			t.Errorf("%s stack still holds %v", level, ids)
		}
	}
	if h.archive.count(domain.LevelBroker) != 2 || h.archive.count(domain.LevelInstrument) != 2 {
		t.Errorf("archived broker=%d instrument=%d, want 2 and 2",
			h.archive.count(domain.LevelBroker), h.archive.count(domain.LevelInstrument))
	}
	if p, _ := h.pos.StrategyPosition(ctx, "trend", "GOLD"); p != 2 {
		t.Errorf("trend position = %d, want 2 from the drained partial fill", p)
	}
}

func TestHandleCompletedOrdersKeepsWorkingFamilies(t *testing.T) {
	h := newHarness(t, domain.RollNone)
	ctx := context.Background()
	ioID, _, _ := h.putWorkingFamily(t, 2)

	n, err := h.e.HandleCompletedOrders(ctx)
	if err != nil {
		t.Fatalf("HandleCompletedOrders returned unexpected error: %v", err)
	}
	if n != 0 || !h.get(t, domain.LevelInstrument, ioID).Active {
		t.Errorf("closed %d families, want the working family left active", n)
	}
}

func TestCheckPositionBreaks(t *testing.T) {
	h := newHarness(t, domain.RollNone)
	ctx := context.Background()
	_ = h.pos.UpdateStrategyPosition(ctx, "trend", "GOLD", 3)
	_ = h.pos.UpdateContractPosition(ctx, "GOLD", priced, 2)
	_ = h.pos.UpdateStrategyPosition(ctx, "trend", "CORN", 1)
	_ = h.pos.UpdateContractPosition(ctx, "CORN", "202407", 1)

	broken, err := h.e.CheckPositionBreaks(ctx)
	if err != nil {
		t.Fatalf("CheckPositionBreaks returned unexpected error: %v", err)
	}
	if len(broken) != 1 || broken[0] != "GOLD" {
		t.Errorf("broken = %v, want [GOLD]", broken)
	}
	if !h.controls.IsLocked("GOLD") || h.controls.IsLocked("CORN") {
		t.Errorf("locked = %v, want [GOLD]", h.controls.LockedInstruments())
	}
	if _, _ = h.e.CheckPositionBreaks(ctx); len(h.alerts.Messages()) != 1 {
		t.Errorf("alerts = %v, want a single alert", h.alerts.Messages())
	}
}

func TestRunCycle(t *testing.T) {
	h := newHarness(t, domain.RollNone)
	ctx := context.Background()
	h.gw.SetPrice("GOLD", priced, 10)
	h.submit(t, instrumentOrder(3))

	rep, err := h.e.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle returned unexpected error: %v", err)
	}
	if rep.Spawned != 1 || rep.BrokerOrders != 1 || rep.FamiliesClosed != 1 || len(rep.PositionBreaks) != 0 {
		t.Errorf("report = %+v", rep)
	}
	ids, _ := h.stacks.Instrument.ListOrderIDs(ctx)
	if len(ids) != 0 {
		t.Errorf("active instrument orders = %v, want none", ids)
	}
}

func TestSamplerFillsCache(t *testing.T) {
	h := newHarness(t, domain.RollNone)
	ctx := context.Background()
	h.gw.SetLiquidity("GOLD", priced, 8, 5)
	h.gw.SetLiquidity("CORN", "202407", 1, 2)
	h.submit(t, instrumentOrder(3))
	_, _ = h.e.SpawnChildrenFromNewInstrumentOrders(ctx)

	cache := NewLiquidityCache(time.Minute)
	s := NewSampler(h.gw, h.stacks.Contract, cache, 2, []ContractRef{{"CORN", "202407"}}, quietLogger())
	n, err := s.SampleOnce(ctx)
	if err != nil {
		t.Fatalf("SampleOnce returned unexpected error: %v", err)
	}
	if n != 2 || cache.Len() != 2 {
		t.Errorf("sampled %d, cache %d, want 2", n, cache.Len())
	}
	if v, ok := cache.Get("GOLD", priced, broker.Buy); !ok || v != 5 {
		t.Errorf("GOLD ask = %d, %v, want 5", v, ok)
	}
	if v, ok := cache.Get("GOLD", priced, broker.Sell); !ok || v != 8 {
		t.Errorf("GOLD bid = %d, %v, want 8", v, ok)
	}
}

func TestLiquidityCacheMaxAge(t *testing.T) {
	c := NewLiquidityCache(time.Minute)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	c.Put(ContractRef{"GOLD", priced}, LiquiditySample{Bid: 1, Ask: 2, SampledAt: now})

	if _, ok := c.Get("GOLD", priced, broker.Buy); !ok {
		t.Error("fresh sample ignored")
	}
	now = now.Add(2 * time.Minute)
	if _, ok := c.Get("GOLD", priced, broker.Buy); ok {
		t.Error("stale sample returned")
	}
}

func TestTeardownKeepsLockedFamily(t *testing.T) {
	h := newHarness(t, domain.RollNone)
	ctx := context.Background()
	h.gw.SetPrice("GOLD", priced, 10)
	h.gw.SetFillRatio(0)
	ioID := h.submit(t, instrumentOrder(3))
	_, _ = h.e.SpawnChildrenFromNewInstrumentOrders(ctx)
	h.e.stacks.Broker = failingPutStack{h.stacks.Broker}

	ids, _ := h.stacks.Contract.ListOrderIDs(ctx)
	coID := ids[0]
	if _, err := h.e.CreateBrokerOrder(ctx, h.get(t, domain.LevelContract, coID)); !errors.Is(err, ErrBrokerOrderNotRecorded) {
		t.Fatalf("CreateBrokerOrder = %v, want ErrBrokerOrderNotRecorded", err)
	}

	res, err := h.e.SafeStackRemoval(ctx)
	if err != nil {
		t.Fatalf("SafeStackRemoval returned unexpected error: %v", err)
	}
	if res.Held != 2 || res.ForceCompleted != 0 || res.FamiliesClosed != 0 || res.Removed != 0 {
		t.Errorf("teardown = %+v, want the locked family held and nothing swept", res)
	}
	co := h.get(t, domain.LevelContract, coID)
	if !co.Locked || !co.UnderAlgoControl() || !co.Active || co.Trade != 3 {
		t.Errorf("contract order after teardown = %+v, want untouched", co)
	}
	if io := h.get(t, domain.LevelInstrument, ioID); !io.Active || io.Trade != 3 {
		t.Errorf("instrument order after teardown = %+v, want untouched", io)
	}
	if len(res.Checks.Orphans) != 1 || res.Checks.Orphans[0].Trade != 3 {
		t.Errorf("orphans = %+v, want the unrecorded broker order", res.Checks.Orphans)
	}
	if n := len(h.alerts.Messages()); n != 3 {
		t.Errorf("alerts = %v, want not recorded, held and orphan", h.alerts.Messages())
	}
}

func TestCheckExternalPositionBreaks(t *testing.T) {
	h := newHarness(t, domain.RollNone)
	ctx := context.Background()
	h.gw.SetPrice("GOLD", priced, 10)
	if _, err := h.gw.SubmitOrder(ctx, &domain.Order{Instrument: "GOLD", ContractIDs: []string{priced}, Trade: 3}); err != nil {
		t.Fatalf("SubmitOrder returned unexpected error: %v", err)
	}
	_ = h.pos.UpdateContractPosition(ctx, "GOLD", priced, 2)
	_ = h.pos.UpdateContractPosition(ctx, "CORN", priced, 1)

	broken, err := h.e.CheckExternalPositionBreaks(ctx)
	if err != nil {
		t.Fatalf("CheckExternalPositionBreaks returned unexpected error: %v", err)
	}
	if len(broken) != 2 || broken[0] != "CORN" || broken[1] != "GOLD" {
		t.Errorf("broken = %v, want [CORN GOLD]", broken)
	}
	if !h.controls.IsLocked("GOLD") || !h.controls.IsLocked("CORN") {
		t.Errorf("locked = %v, want CORN and GOLD", h.controls.LockedInstruments())
	}
	if len(h.alerts.Messages()) != 2 {
		t.Errorf("alerts = %v, want two", h.alerts.Messages())
	}

	// Already locked instruments are not alerted again.
	if _, err := h.e.CheckExternalPositionBreaks(ctx); err != nil {
		t.Fatalf("CheckExternalPositionBreaks returned unexpected error: %v", err)
	}
	if len(h.alerts.Messages()) != 2 {
		t.Errorf("alerts = %v, want no repeats", h.alerts.Messages())
	}
}

func TestCheckExternalPositionsAgree(t *testing.T) {
	h := newHarness(t, domain.RollNone)
	ctx := context.Background()
	h.gw.SetPrice("GOLD", priced, 10)
	h.submit(t, instrumentOrder(2))
	if _, err := h.e.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle returned unexpected error: %v", err)
	}
	broken, err := h.e.CheckExternalPositionBreaks(ctx)
	if err != nil {
		t.Fatalf("CheckExternalPositionBreaks returned unexpected error: %v", err)
	}
	if len(broken) != 0 {
		t.Errorf("broken = %v, want none after trading through the stack", broken)
	}
}

func TestCheckMissingBrokerOrders(t *testing.T) {
	h := newHarness(t, domain.RollNone)
	ctx := context.Background()
	h.putWorkingFamily(t, 2)
	ghost, _ := h.stacks.Broker.Put(ctx, &domain.Order{Instrument: "GOLD", ContractIDs: []string{priced}, Trade: 1, BrokerRef: "ghost"})

	missing, err := h.e.CheckMissingBrokerOrders(ctx)
	if err != nil {
		t.Fatalf("CheckMissingBrokerOrders returned unexpected error: %v", err)
	}
	if len(missing) != 1 || missing[0] != ghost {
		t.Errorf("missing = %v, want [%d]", missing, ghost)
	}
}

func TestCheckOrphanBrokerOrders(t *testing.T) {
	h := newHarness(t, domain.RollNone)
	ctx := context.Background()
	h.gw.SetFillRatio(0)
	h.putWorkingFamily(t, 2)
	ref, err := h.gw.SubmitOrder(ctx, &domain.Order{Instrument: "GOLD", ContractIDs: []string{priced}, Trade: -1})
	if err != nil {
		t.Fatalf("SubmitOrder returned unexpected error: %v", err)
	}

	orphans, err := h.e.CheckOrphanBrokerOrders(ctx)
	if err != nil {
		t.Fatalf("CheckOrphanBrokerOrders returned unexpected error: %v", err)
	}
	if len(orphans) != 1 || orphans[0].BrokerRef != ref || orphans[0].Trade != -1 {
		t.Errorf("orphans = %+v, want only %s", orphans, ref)
	}
	if len(h.alerts.Messages()) != 1 {
		t.Errorf("alerts = %v, want one", h.alerts.Messages())
	}
}

func TestCreateBalanceTrade(t *testing.T) {
	h := newHarness(t, domain.RollNone)
	ctx := context.Background()
	ts := time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)

	res, err := h.e.CreateBalanceTrade(ctx, BalanceTrade{
		Strategy: "trend", Instrument: "GOLD", Contract: priced,
		Trade: -2, Fill: -2, Price: 2301, FillTime: ts, BrokerRef: "manual-1",
	})
	if err != nil {
		t.Fatalf("CreateBalanceTrade returned unexpected error: %v", err)
	}

	io := h.get(t, domain.LevelInstrument, res.InstrumentOrder)
	co := h.get(t, domain.LevelContract, res.ContractOrder)
	bo := h.get(t, domain.LevelBroker, res.BrokerOrder)
	if len(io.Children) != 1 || io.Children[0] != co.ID || co.Parent != io.ID ||
		len(co.Children) != 1 || co.Children[0] != bo.ID || bo.Parent != co.ID {
		t.Errorf("family links io=%+v co=%+v bo=%+v", io, co, bo)
	}
	for _, o := range []*domain.Order{io, co, bo} {
		if o.Active || o.Locked || o.Fill != -2 || o.FilledPrice != 2301 || o.OrderType != domain.OrderTypeBalance {
			t.Errorf("%s order = %+v, want inactive, unlocked and filled -2 at 2301", o.Level, o)
		}
	}
	if bo.BrokerRef != "manual-1" {
		t.Errorf("broker ref = %q, want manual-1", bo.BrokerRef)
	}
	if p, _ := h.pos.ContractPosition(ctx, "GOLD", priced); p != -2 {
		t.Errorf("contract position = %d, want -2", p)
	}
	if p, _ := h.pos.StrategyPosition(ctx, "trend", "GOLD"); p != -2 {
		t.Errorf("strategy position = %d, want -2", p)
	}
	for _, level := range domain.Levels {
		if n := h.archive.count(level); n != 1 {
			t.Errorf("archived %d %s orders, want 1", n, level)
		}
	}
	if broken, _ := h.e.CheckPositionBreaks(ctx); len(broken) != 0 {
		t.Errorf("position breaks = %v, want none", broken)
	}
	if n, _ := h.e.ProcessNewContractOrders(ctx); n != 0 || len(h.gw.OpenOrders()) != 0 {
		t.Errorf("balance trade reached the broker: %d orders created", n)
	}
}

func TestCreateBalanceTradeRollsBack(t *testing.T) {
	h := newHarness(t, domain.RollNone)
	ctx := context.Background()
	h.e.stacks.Broker = failingPutStack{h.stacks.Broker}

	_, err := h.e.CreateBalanceTrade(ctx, BalanceTrade{
		Strategy: "trend", Instrument: "GOLD", Contract: priced, Trade: 1, Fill: 1, Price: 10,
	})
	if err == nil {
		t.Fatal("CreateBalanceTrade succeeded with a failing broker stack")
	}
	for _, level := range []domain.Level{domain.LevelInstrument, domain.LevelContract} {
		if ids, _ := h.stacks.ForLevel(level).ListAllOrderIDs(ctx); len(ids) != 0 {
			t.Errorf("%s stack holds %v after rollback", level, ids)
		}
	}
	if p, _ := h.pos.ContractPosition(ctx, "GOLD", priced); p != 0 {
		t.Errorf("contract position = %d, want 0", p)
	}
}

func TestCreateBalanceTradeInvalid(t *testing.T) {
	h := newHarness(t, domain.RollNone)
	cases := []struct {
		name string
		bt   BalanceTrade
	}{
		{"no contract", BalanceTrade{Strategy: "trend", Instrument: "GOLD", Trade: 1, Fill: 1}},
		{"zero trade", BalanceTrade{Strategy: "trend", Instrument: "GOLD", Contract: priced}},
		{"nothing filled", BalanceTrade{Strategy: "trend", Instrument: "GOLD", Contract: priced, Trade: 2}},
		{"overfilled", BalanceTrade{Strategy: "trend", Instrument: "GOLD", Contract: priced, Trade: 2, Fill: 3}},
		{"wrong sign", BalanceTrade{Strategy: "trend", Instrument: "GOLD", Contract: priced, Trade: 2, Fill: -1}},
	}
	for _, c := range cases {
		if _, err := h.e.CreateBalanceTrade(context.Background(), c.bt); !errors.Is(err, ErrInvalidBalanceTrade) {
			t.Errorf("%s: error = %v, want ErrInvalidBalanceTrade", c.name, err)
		}
	}
}

func TestCreateBalanceInstrumentTrade(t *testing.T) {
	h := newHarness(t, domain.RollNone)
	ctx := context.Background()

	res, err := h.e.CreateBalanceInstrumentTrade(ctx, BalanceTrade{Strategy: "carry", Instrument: "GOLD", Trade: 3, Fill: 3, Price: 5})
	if err != nil {
		t.Fatalf("CreateBalanceInstrumentTrade returned unexpected error: %v", err)
	}
	if res.ContractOrder != 0 || res.BrokerOrder != 0 {
		t.Errorf("result = %+v, want instrument order only", res)
	}
	if io := h.get(t, domain.LevelInstrument, res.InstrumentOrder); io.Active || io.Fill != 3 {
		t.Errorf("instrument order = %+v, want inactive and filled", io)
	}
	if p, _ := h.pos.StrategyPosition(ctx, "carry", "GOLD"); p != 3 {
		t.Errorf("strategy position = %d, want 3", p)
	}
	if ps, _ := h.pos.ListContractPositions(ctx); len(ps) != 0 {
		t.Errorf("contract positions = %+v, want none", ps)
	}
}

func TestLateFillChargesTradeLimit(t *testing.T) {
	h := newHarness(t, domain.RollNone)
	ctx := context.Background()
	h.gw.SetPrice("GOLD", priced, 2300)
	h.gw.SetFillRatio(0.5)
	h.gw.IgnoreCancels(true)
	h.controls.SetLimit("GOLD", "", 100, 1)
	h.submit(t, instrumentOrder(4))
	_, _ = h.e.SpawnChildrenFromNewInstrumentOrders(ctx)

	if n, _ := h.e.ProcessNewContractOrders(ctx); n != 1 {
		t.Fatalf("created %d broker orders, want 1", n)
	}
	if got := h.controls.PossibleTrade("GOLD", "", 100); got != 98 {
		t.Fatalf("spare trade limit after timeout = %d, want 98", got)
	}

	ids, _ := h.stacks.Broker.ListOrderIDs(ctx)
	bo := h.get(t, domain.LevelBroker, ids[0])
	if err := h.gw.FillOrder(bo.BrokerRef, 4, 2300); err != nil {
		t.Fatalf("FillOrder returned unexpected error: %v", err)
	}
	if n, err := h.e.UpdateFillsFromBroker(ctx); err != nil || n != 1 {
		t.Fatalf("UpdateFillsFromBroker = %d, %v, want 1 change", n, err)
	}
	if got := h.controls.PossibleTrade("GOLD", "", 100); got != 96 {
		t.Errorf("spare trade limit after late fill = %d, want 96", got)
	}
}
