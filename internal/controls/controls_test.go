package controls

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLocksPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "controls.json")
	s := NewStore(path, quietLogger())

	s.LockInstrument("GOLD")
	s.LockInstrument("CORN")
	s.UnlockInstrument("CORN")

	reloaded := NewStore(path, quietLogger())
	if !reloaded.IsLocked("GOLD") || reloaded.IsLocked("CORN") {
		t.Errorf("LockedInstruments after reload = %v, want [GOLD]", reloaded.LockedInstruments())
	}
}

func TestPossibleTradeWithoutLimits(t *testing.T) {
	s := NewStore("", quietLogger())
	if got := s.PossibleTrade("GOLD", "s1", -7); got != -7 {
		t.Errorf("PossibleTrade = %d, want -7", got)
	}
}

func TestPossibleTradeTakesSmallestSpare(t *testing.T) {
	s := NewStore("", quietLogger())
	s.SetLimit("GOLD", "", 10, 1)
	s.SetLimit("GOLD", "s1", 4, 1)

	if got := s.PossibleTrade("GOLD", "s1", -6); got != -4 {
		t.Errorf("PossibleTrade(s1, -6) = %d, want -4", got)
	}
	if got := s.PossibleTrade("GOLD", "s2", 12); got != 10 {
		t.Errorf("PossibleTrade(s2, 12) = %d, want 10", got)
	}

	s.AddTrade("GOLD", "s1", -3)
	if got := s.PossibleTrade("GOLD", "s1", 5); got != 1 {
		t.Errorf("PossibleTrade after charge = %d, want 1", got)
	}
	if got := s.PossibleTrade("GOLD", "s2", 12); got != 7 {
		t.Errorf("instrument-wide spare = %d, want 7", got)
	}

	s.RemoveTrade("GOLD", "s1", 2)
	if got := s.PossibleTrade("GOLD", "s1", 5); got != 3 {
		t.Errorf("PossibleTrade after credit = %d, want 3", got)
	}
}

func TestTradeLimitResetsAfterPeriod(t *testing.T) {
	s := NewStore("", quietLogger())
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.SetLimit("GOLD", "", 5, 2)
	s.AddTrade("GOLD", "", 5)
	if got := s.PossibleTrade("GOLD", "", 1); got != 0 {
		t.Fatalf("PossibleTrade at limit = %d, want 0", got)
	}

	now = now.Add(49 * time.Hour)
	if got := s.PossibleTrade("GOLD", "", 3); got != 3 {
		t.Errorf("PossibleTrade after period = %d, want 3", got)
	}
	if ls := s.Limits(); len(ls) != 1 || ls[0].Traded != 0 {
		t.Errorf("Limits = %+v, want one reset limit", ls)
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	s := NewStore("", quietLogger())
	id, ch := s.Subscribe(4)
	s.LockInstrument("GOLD")

	select {
	case e := <-ch:
		if e.Type != "lock" || e.Instrument != "GOLD" {
			t.Errorf("event = %+v", e)
		}
	default:
		t.Fatal("no event delivered")
	}
	s.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
}
