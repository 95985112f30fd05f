// Package strategy defines where unrounded optimal positions come from and
// provides a Registry of those sources for the backtester.
package strategy

import (
	"context"
	"sort"

	"execstack/internal/domain"
	"execstack/internal/store"
)

// Level selects which position series a source returns: the instrument
// position after portfolio weighting, or the raw subsystem position.
type Level string

const (
	LevelInstrument Level = "instrument"
	LevelSubsystem  Level = "subsystem"
)

// PositionSource supplies unrounded optimal positions for a strategy.
type PositionSource interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// OptimalPositions returns the unrounded position series for one
	// instrument at the given level. Positions may be NaN.
	OptimalPositions(ctx context.Context, instrument string, level Level) ([]domain.OptimalPosition, error)
}

// Compile-time interface check.
var _ PositionSource = (*StoredSource)(nil)

// StoredSource reads positions previously written to an
// OptimalPositionStore. Subsystem series are stored under
// "<strategy>.subsystem".
type StoredSource struct {
	name  string
	store store.OptimalPositionStore
}

// NewStoredSource creates a source for the named strategy.
func NewStoredSource(name string, s store.OptimalPositionStore) *StoredSource {
	return &StoredSource{name: name, store: s}
}

// Name returns the strategy name.
func (s *StoredSource) Name() string {
	return s.name
}

// OptimalPositions reads the stored series.
func (s *StoredSource) OptimalPositions(ctx context.Context, instrument string, level Level) ([]domain.OptimalPosition, error) {
	return s.store.ReadOptimalPositions(ctx, seriesKey(s.name, level), instrument)
}

func seriesKey(strategy string, level Level) string {
	if level == LevelSubsystem {
		return strategy + ".subsystem"
	}
	return strategy
}

// Registry holds a named collection of position sources for lookup and
// enumeration.
type Registry struct {
	sources map[string]PositionSource
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]PositionSource),
	}
}

// Register adds a source to the registry, keyed by its Name().
func (r *Registry) Register(s PositionSource) {
	r.sources[s.Name()] = s
}

// Get retrieves a source by name. The second return value indicates whether
// the source was found.
func (r *Registry) Get(name string) (PositionSource, bool) {
	s, ok := r.sources[name]
	return s, ok
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
