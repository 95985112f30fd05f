package algo

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"execstack/internal/broker"
	"execstack/internal/domain"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func contractOrder(trade int64) *domain.Order {
	return &domain.Order{
		ID:          7,
		Level:       domain.LevelContract,
		Strategy:    "trend",
		Instrument:  "GOLD",
		ContractIDs: []string{"202406"},
		Trade:       trade,
		OrderType:   domain.OrderTypeBest,
		Active:      true,
	}
}

var fastTiming = Timing{OrderTimeout: 50 * time.Millisecond, PollInterval: 5 * time.Millisecond}

func TestRegistry(t *testing.T) {
	gw := broker.NewSimulatorBroker()
	r := NewRegistry(NewMarketAlgo(gw, 0, fastTiming, quietLogger()), NewLimitAlgo(gw, fastTiming, quietLogger()))

	if names := r.List(); len(names) != 2 || names[0] != "limit" || names[1] != "market" {
		t.Errorf("List = %v, want [limit market]", names)
	}
	if _, ok := r.Get("twap"); ok {
		t.Error("Get returned true for unregistered algo")
	}
}

func TestAllocator(t *testing.T) {
	a := NewAllocator(
		map[domain.OrderType]string{domain.OrderTypeLimit: LimitName},
		map[string]map[domain.OrderType]string{"CORN": {domain.OrderTypeBest: LimitName}},
	)
	cases := []struct {
		instrument string
		ot         domain.OrderType
		want       string
	}{
		{"GOLD", domain.OrderTypeBest, MarketName},
		{"GOLD", domain.OrderTypeMarket, MarketName},
		{"GOLD", domain.OrderTypeLimit, LimitName},
		{"CORN", domain.OrderTypeBest, LimitName},
		{"CORN", "", LimitName},
	}
	for _, c := range cases {
		got, err := a.Allocate(c.instrument, c.ot)
		if err != nil {
			t.Fatalf("Allocate(%s, %s) returned unexpected error: %v", c.instrument, c.ot, err)
		}
		if got != c.want {
			t.Errorf("Allocate(%s, %s) = %q, want %q", c.instrument, c.ot, got, c.want)
		}
	}
	if _, err := a.Allocate("GOLD", domain.OrderTypeBalance); !errors.Is(err, domain.ErrUnsupportedOrderType) {
		t.Errorf("Allocate(balance) = %v, want ErrUnsupportedOrderType", err)
	}
}

func TestMarketAlgoFills(t *testing.T) {
	ctx := context.Background()
	gw := broker.NewSimulatorBroker()
	gw.SetPrice("GOLD", "202406", 2300)
	a := NewMarketAlgo(gw, 0, fastTiming, quietLogger())

	h, err := a.Submit(ctx, contractOrder(-3), -3)
	if err != nil {
		t.Fatalf("Submit returned unexpected error: %v", err)
	}
	if h.BrokerOrder.Parent != 7 || h.BrokerOrder.Level != domain.LevelBroker || h.BrokerOrder.BrokerRef == "" {
		t.Errorf("broker order = %+v", h.BrokerOrder)
	}
	bo, err := a.Manage(ctx, h)
	if err != nil {
		t.Fatalf("Manage returned unexpected error: %v", err)
	}
	if bo.Fill != -3 || bo.FilledPrice != 2300 || bo.FillTime.IsZero() {
		t.Errorf("managed order = %+v, want filled -3 at 2300", bo)
	}
}

func TestMarketAlgoSizeLimit(t *testing.T) {
	gw := broker.NewSimulatorBroker()
	a := NewMarketAlgo(gw, 2, fastTiming, quietLogger())

	h, err := a.Submit(context.Background(), contractOrder(-5), -5)
	if err != nil {
		t.Fatalf("Submit returned unexpected error: %v", err)
	}
	if h.BrokerOrder.Trade != -2 {
		t.Errorf("broker trade = %d, want -2", h.BrokerOrder.Trade)
	}
}

func TestMarketAlgoZeroQty(t *testing.T) {
	a := NewMarketAlgo(broker.NewSimulatorBroker(), 0, fastTiming, quietLogger())
	if _, err := a.Submit(context.Background(), contractOrder(1), 0); !errors.Is(err, domain.ErrZeroTrade) {
		t.Errorf("Submit(0) = %v, want ErrZeroTrade", err)
	}
}

func TestManageCancelsOnTimeout(t *testing.T) {
	ctx := context.Background()
	gw := broker.NewSimulatorBroker()
	gw.SetPrice("GOLD", "202406", 100)
	gw.SetFillRatio(0.5)
	a := NewMarketAlgo(gw, 0, fastTiming, quietLogger())

	h, err := a.Submit(ctx, contractOrder(4), 4)
	if err != nil {
		t.Fatalf("Submit returned unexpected error: %v", err)
	}
	bo, err := a.Manage(ctx, h)
	if err != nil {
		t.Fatalf("Manage returned unexpected error: %v", err)
	}
	if bo.Fill != 2 {
		t.Errorf("fill = %d, want partial 2", bo.Fill)
	}
	if open := gw.OpenOrders(); len(open) != 0 {
		t.Errorf("OpenOrders = %v, want none after timeout cancel", open)
	}
}

func TestManageContextCancelled(t *testing.T) {
	gw := broker.NewSimulatorBroker()
	a := NewMarketAlgo(gw, 0, Timing{OrderTimeout: time.Hour, PollInterval: time.Hour}, quietLogger())

	h, err := a.Submit(context.Background(), contractOrder(1), 1)
	if err != nil {
		t.Fatalf("Submit returned unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bo, err := a.Manage(ctx, h)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Manage error = %v, want context.Canceled", err)
	}
	if bo == nil || bo.BrokerRef != h.BrokerOrder.BrokerRef {
		t.Errorf("Manage should return the broker order alongside the error, got %+v", bo)
	}
}

func TestLimitAlgoUsesLastPrice(t *testing.T) {
	ctx := context.Background()
	gw := broker.NewSimulatorBroker()
	gw.SetPrice("GOLD", "202406", 101.5)
	a := NewLimitAlgo(gw, fastTiming, quietLogger())

	h, err := a.Submit(ctx, contractOrder(1), 1)
	if err != nil {
		t.Fatalf("Submit returned unexpected error: %v", err)
	}
	if h.BrokerOrder.LimitPrice == nil || *h.BrokerOrder.LimitPrice != 101.5 {
		t.Errorf("limit price = %v, want 101.5", h.BrokerOrder.LimitPrice)
	}

	co := contractOrder(1)
	co.LimitPrice = domain.Float(99)
	h, err = a.Submit(ctx, co, 1)
	if err != nil {
		t.Fatalf("Submit returned unexpected error: %v", err)
	}
	bo, err := a.Manage(ctx, h)
	if err != nil {
		t.Fatalf("Manage returned unexpected error: %v", err)
	}
	if bo.Fill != 0 {
		t.Errorf("buy limit below market filled %d", bo.Fill)
	}
}

func TestLimitAlgoNoPrice(t *testing.T) {
	a := NewLimitAlgo(broker.NewSimulatorBroker(), fastTiming, quietLogger())
	if _, err := a.Submit(context.Background(), contractOrder(1), 1); !errors.Is(err, domain.ErrNoPrice) {
		t.Errorf("Submit without price = %v, want ErrNoPrice", err)
	}
}
