// Package controls holds the operator controls the execution stack consults
// before trading: instrument locks and trade limits. State is kept in memory
// and persisted to a JSON file on every change.
package controls

import (
	"encoding/json"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"execstack/internal/domain"
)

// Event is published to subscribers on every change.
type Event struct {
	Type       string `json:"type"` // "lock", "unlock", "limit", "trade"
	Instrument string `json:"instrument"`
	Strategy   string `json:"strategy,omitempty"`
}

// TradeLimit caps the absolute quantity traded over a rolling period. An
// empty Strategy applies to every strategy on the instrument.
type TradeLimit struct {
	Instrument string    `json:"instrument"`
	Strategy   string    `json:"strategy,omitempty"`
	MaxTrade   int64     `json:"max_trade"`
	PeriodDays int       `json:"period_days"`
	Traded     int64     `json:"traded"`
	PeriodFrom time.Time `json:"period_from"`
}

// Spare returns the remaining capacity, never negative.
func (l TradeLimit) Spare() int64 {
	if s := l.MaxTrade - l.Traded; s > 0 {
		return s
	}
	return 0
}

type limitKey struct {
	instrument, strategy string
}

type state struct {
	Locked []string     `json:"locked"`
	Limits []TradeLimit `json:"limits"`
}

// Store holds locks and trade limits.
type Store struct {
	mu       sync.RWMutex
	locked   map[string]bool
	limits   map[limitKey]*TradeLimit
	filePath string
	log      *slog.Logger
	now      func() time.Time

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]chan Event
}

// NewStore creates a Store, loading persisted state from filePath. An empty
// path keeps state in memory only.
func NewStore(filePath string, log *slog.Logger) *Store {
	s := &Store{
		locked:   make(map[string]bool),
		limits:   make(map[limitKey]*TradeLimit),
		filePath: filePath,
		log:      log,
		now:      time.Now,
		subs:     make(map[int]chan Event),
	}
	s.load()
	return s
}

// LockInstrument stops all trading in an instrument.
func (s *Store) LockInstrument(instrument string) {
	s.mu.Lock()
	s.locked[instrument] = true
	s.flush()
	s.mu.Unlock()

	s.log.Warn("instrument locked", "instrument", instrument)
	s.broadcast(Event{Type: "lock", Instrument: instrument})
}

// UnlockInstrument re-enables trading.
func (s *Store) UnlockInstrument(instrument string) {
	s.mu.Lock()
	delete(s.locked, instrument)
	s.flush()
	s.mu.Unlock()

	s.log.Info("instrument unlocked", "instrument", instrument)
	s.broadcast(Event{Type: "unlock", Instrument: instrument})
}

// IsLocked reports whether an instrument is locked.
func (s *Store) IsLocked(instrument string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locked[instrument]
}

// LockedInstruments returns the locked instruments, sorted.
func (s *Store) LockedInstruments() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.locked))
	for inst := range s.locked {
		out = append(out, inst)
	}
	sort.Strings(out)
	return out
}

// SetLimit creates or replaces a trade limit, keeping the amount already
// traded in the current period.
func (s *Store) SetLimit(instrument, strategy string, maxTrade int64, periodDays int) {
	s.mu.Lock()
	k := limitKey{instrument, strategy}
	l, ok := s.limits[k]
	if !ok {
		l = &TradeLimit{Instrument: instrument, Strategy: strategy, PeriodFrom: s.now()}
		s.limits[k] = l
	}
	l.MaxTrade = maxTrade
	l.PeriodDays = periodDays
	s.flush()
	s.mu.Unlock()

	s.broadcast(Event{Type: "limit", Instrument: instrument, Strategy: strategy})
}

// Limits returns a copy of every limit, sorted by instrument then strategy.
func (s *Store) Limits() []TradeLimit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TradeLimit, 0, len(s.limits))
	for _, l := range s.limits {
		s.resetIfDue(l)
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Instrument != out[j].Instrument {
			return out[i].Instrument < out[j].Instrument
		}
		return out[i].Strategy < out[j].Strategy
	})
	return out
}

// PossibleTrade clips a proposed signed trade to the smallest spare capacity
// among the limits that apply to it. The sign is preserved and the magnitude
// never grows. Without limits the proposal is returned unchanged.
func (s *Store) PossibleTrade(instrument, strategy string, proposed int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	allowed := domain.Abs(proposed)
	for _, l := range s.applicable(instrument, strategy) {
		s.resetIfDue(l)
		if spare := l.Spare(); spare < allowed {
			allowed = spare
		}
	}
	return domain.Sign(proposed) * allowed
}

// AddTrade charges a submitted trade against every applicable limit.
func (s *Store) AddTrade(instrument, strategy string, qty int64) {
	s.adjust(instrument, strategy, domain.Abs(qty))
}

// RemoveTrade credits back an unfilled remainder.
func (s *Store) RemoveTrade(instrument, strategy string, qty int64) {
	s.adjust(instrument, strategy, -domain.Abs(qty))
}

func (s *Store) adjust(instrument, strategy string, delta int64) {
	if delta == 0 {
		return
	}
	s.mu.Lock()
	ls := s.applicable(instrument, strategy)
	for _, l := range ls {
		s.resetIfDue(l)
		l.Traded += delta
		if l.Traded < 0 {
			l.Traded = 0
		}
	}
	if len(ls) > 0 {
		s.flush()
	}
	s.mu.Unlock()

	if len(ls) > 0 {
		s.broadcast(Event{Type: "trade", Instrument: instrument, Strategy: strategy})
	}
}

// applicable must be called with mu held.
func (s *Store) applicable(instrument, strategy string) []*TradeLimit {
	var out []*TradeLimit
	if l, ok := s.limits[limitKey{instrument, ""}]; ok {
		out = append(out, l)
	}
	if strategy != "" {
		if l, ok := s.limits[limitKey{instrument, strategy}]; ok {
			out = append(out, l)
		}
	}
	return out
}

// resetIfDue starts a new period once the current one has elapsed. Must be
// called with mu held.
func (s *Store) resetIfDue(l *TradeLimit) {
	if l.PeriodDays <= 0 {
		return
	}
	now := s.now()
	if now.Sub(l.PeriodFrom) >= time.Duration(l.PeriodDays)*24*time.Hour {
		l.Traded = 0
		l.PeriodFrom = now
	}
}

// Subscribe returns a channel that receives events. Slow consumers have
// events dropped.
func (s *Store) Subscribe(bufSize int) (int, <-chan Event) {
	ch := make(chan Event, bufSize)
	s.subsMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = ch
	s.subsMu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Store) Unsubscribe(id int) {
	s.subsMu.Lock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
	s.subsMu.Unlock()
}

func (s *Store) broadcast(e Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (s *Store) load() {
	if s.filePath == "" {
		return
	}
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return // not written yet
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		s.log.Warn("loading controls file", "error", err)
		return
	}
	for _, inst := range st.Locked {
		s.locked[inst] = true
	}
	for i := range st.Limits {
		l := st.Limits[i]
		s.limits[limitKey{l.Instrument, l.Strategy}] = &l
	}
	s.log.Info("loaded controls", "locked", len(st.Locked), "limits", len(st.Limits))
}

// flush writes the state to disk. Must be called with mu held.
func (s *Store) flush() {
	if s.filePath == "" {
		return
	}
	st := state{Locked: make([]string, 0, len(s.locked))}
	for inst := range s.locked {
		st.Locked = append(st.Locked, inst)
	}
	sort.Strings(st.Locked)
	for _, l := range s.limits {
		st.Limits = append(st.Limits, *l)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		s.log.Error("marshalling controls", "error", err)
		return
	}
	if err := os.WriteFile(s.filePath, data, 0644); err != nil {
		s.log.Error("writing controls file", "error", err)
	}
}
