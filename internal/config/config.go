package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"execstack/internal/domain"
	"execstack/internal/instruments"
)

// DefaultPath is used when EXECSTACK_CONFIG is not set.
const DefaultPath = "config/execstack.yaml"

// Broker kinds.
const (
	BrokerSimulator = "simulator"
	BrokerAlpaca    = "alpaca"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the execution stack.
type Config struct {
	Storage      Storage            `yaml:"storage"`
	Server       Server             `yaml:"server"`
	Alpaca       Alpaca             `yaml:"alpaca"`
	Logging      Logging            `yaml:"logging"`
	Broker       BrokerConfig       `yaml:"broker"`
	Execution    ExecutionConfig    `yaml:"execution"`
	Algos        AlgoConfig         `yaml:"algos"`
	Sampling     SamplingConfig     `yaml:"sampling"`
	EndOfDay     EndOfDayConfig     `yaml:"end_of_day"`
	Instruments  []InstrumentConfig `yaml:"instruments"`
	TradeLimits  []TradeLimitConfig `yaml:"trade_limits"`
	ControlsPath string             `yaml:"controls_path"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BrokerConfig selects the gateway and its request pacing.
type BrokerConfig struct {
	Kind           string        `yaml:"kind"`
	PacingInterval time.Duration `yaml:"pacing_interval"`
}

// ExecutionConfig tunes the polling loop and the bounded waits.
type ExecutionConfig struct {
	CycleInterval        time.Duration `yaml:"cycle_interval"`
	CancelTimeout        time.Duration `yaml:"cancel_timeout"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	OrderTimeout         time.Duration `yaml:"order_timeout"`
	MarketSizeLimit      int64         `yaml:"market_size_limit"`
	AlertOnCancelTimeout bool          `yaml:"alert_on_cancel_timeout"`
	LiquidityMaxAge      time.Duration `yaml:"liquidity_max_age"`
}

// AlgoConfig maps order types to algo names. Default applies to every order
// type not named explicitly. Overrides are keyed by instrument, then order
// type.
type AlgoConfig struct {
	Default   string                       `yaml:"default"`
	Market    string                       `yaml:"market"`
	Limit     string                       `yaml:"limit"`
	Best      string                       `yaml:"best"`
	Overrides map[string]map[string]string `yaml:"overrides"`
}

// SamplingConfig controls the additional liquidity sampler.
type SamplingConfig struct {
	Interval   time.Duration `yaml:"interval"`
	MaxWorkers int           `yaml:"max_workers"`
}

// EndOfDayConfig schedules the daily stack teardown. At is a HH:MM clock
// time in Location.
type EndOfDayConfig struct {
	At       string `yaml:"at"`
	Location string `yaml:"location"`
}

// InstrumentConfig describes one tradeable instrument.
type InstrumentConfig struct {
	Code            string `yaml:"code"`
	RollState       string `yaml:"roll_state"`
	PricedContract  string `yaml:"priced_contract"`
	ForwardContract string `yaml:"forward_contract"`
	Symbol          string `yaml:"symbol"`
}

// TradeLimitConfig caps the traded quantity over a rolling period. An empty
// Strategy limits the instrument as a whole.
type TradeLimitConfig struct {
	Instrument string `yaml:"instrument"`
	Strategy   string `yaml:"strategy"`
	MaxTrade   int64  `yaml:"max_trade"`
	PeriodDays int    `yaml:"period_days"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// PathFromEnv returns EXECSTACK_CONFIG, or DefaultPath when unset.
func PathFromEnv() string {
	if p := os.Getenv("EXECSTACK_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}

	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("BROKER_KIND"); v != "" {
		cfg.Broker.Kind = v
	}

	// Standard Alpaca env vars take priority; they are the names the SDK reads.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.GRPCPort == 0 {
		cfg.Server.GRPCPort = 9090
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Broker.Kind == "" {
		cfg.Broker.Kind = BrokerSimulator
	}
	if cfg.Broker.PacingInterval == 0 {
		cfg.Broker.PacingInterval = time.Second
	}

	e := &cfg.Execution
	if e.CycleInterval == 0 {
		e.CycleInterval = 10 * time.Second
	}
	if e.CancelTimeout == 0 {
		e.CancelTimeout = 2 * time.Minute
	}
	if e.PollInterval == 0 {
		e.PollInterval = time.Second
	}
	if e.OrderTimeout == 0 {
		e.OrderTimeout = 10 * time.Minute
	}
	if e.LiquidityMaxAge == 0 {
		e.LiquidityMaxAge = 5 * time.Minute
	}

	if cfg.Sampling.Interval == 0 {
		cfg.Sampling.Interval = time.Minute
	}
	if cfg.Sampling.MaxWorkers == 0 {
		cfg.Sampling.MaxWorkers = 4
	}
	if cfg.EndOfDay.Location == "" {
		cfg.EndOfDay.Location = "America/New_York"
	}
}

// Validate reports configuration that cannot be run.
func (c *Config) Validate() error {
	var errs []error
	switch c.Broker.Kind {
	case BrokerSimulator:
	case BrokerAlpaca:
		if c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "" {
			errs = append(errs, errors.New("alpaca broker requires api_key and api_secret"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown broker kind %q", c.Broker.Kind))
	}

	seen := make(map[string]bool)
	for _, inst := range c.Instruments {
		if inst.Code == "" {
			errs = append(errs, errors.New("instrument without code"))
			continue
		}
		if seen[inst.Code] {
			errs = append(errs, fmt.Errorf("instrument %s listed twice", inst.Code))
		}
		seen[inst.Code] = true
		if inst.RollState != "" {
			if _, err := domain.ParseRollState(inst.RollState); err != nil {
				errs = append(errs, fmt.Errorf("instrument %s: %w", inst.Code, err))
			}
		}
	}
	for _, l := range c.TradeLimits {
		if l.Instrument == "" || l.MaxTrade <= 0 {
			errs = append(errs, fmt.Errorf("trade limit %+v needs an instrument and a positive max_trade", l))
		}
	}
	if c.EndOfDay.At != "" {
		if _, err := c.EndOfDay.Clock(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

// Catalog builds the instrument catalog. Missing roll states default to
// No_Roll.
func (c *Config) Catalog() (*instruments.Catalog, error) {
	items := make([]instruments.Instrument, 0, len(c.Instruments))
	for _, ic := range c.Instruments {
		rs := domain.RollNone
		if ic.RollState != "" {
			var err error
			if rs, err = domain.ParseRollState(ic.RollState); err != nil {
				return nil, fmt.Errorf("instrument %s: %w", ic.Code, err)
			}
		}
		items = append(items, instruments.Instrument{
			Code:            ic.Code,
			RollState:       rs,
			PricedContract:  ic.PricedContract,
			ForwardContract: ic.ForwardContract,
		})
	}
	return instruments.NewCatalog(items...), nil
}

// Symbols returns the broker symbol per instrument, for instruments that
// trade under a proxy symbol.
func (c *Config) Symbols() map[string]string {
	out := make(map[string]string)
	for _, ic := range c.Instruments {
		if ic.Symbol != "" {
			out[ic.Code] = ic.Symbol
		}
	}
	return out
}

// Allocation returns the order type to algo mappings for the allocator.
func (a AlgoConfig) Allocation() (map[domain.OrderType]string, map[string]map[domain.OrderType]string) {
	defaults := map[domain.OrderType]string{
		domain.OrderTypeBest:   firstNonEmpty(a.Best, a.Default),
		domain.OrderTypeMarket: firstNonEmpty(a.Market, a.Default),
		domain.OrderTypeLimit:  firstNonEmpty(a.Limit, a.Default),
	}
	overrides := make(map[string]map[domain.OrderType]string, len(a.Overrides))
	for inst, byType := range a.Overrides {
		m := make(map[domain.OrderType]string, len(byType))
		for ot, name := range byType {
			m[domain.OrderType(strings.ToLower(ot))] = name
		}
		overrides[inst] = m
	}
	return defaults, overrides
}

// Clock parses At into an hour and minute.
func (e EndOfDayConfig) Clock() (time.Duration, error) {
	t, err := time.Parse("15:04", e.At)
	if err != nil {
		return 0, fmt.Errorf("end_of_day.at %q: %w", e.At, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// NextEndOfDay returns the first teardown time strictly after now.
func (e EndOfDayConfig) NextEndOfDay(now time.Time) (time.Time, error) {
	offset, err := e.Clock()
	if err != nil {
		return time.Time{}, err
	}
	loc, err := time.LoadLocation(e.Location)
	if err != nil {
		return time.Time{}, fmt.Errorf("end_of_day.location %q: %w", e.Location, err)
	}
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).Add(offset)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc).Add(offset)
	}
	return next, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
