package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

// ErrInvalid marks configuration and registry errors so the CLI can exit
// with a distinct status code.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Output       Output       `yaml:"output"`
	Server       Server       `yaml:"server"`
	Logging      Logging      `yaml:"logging"`
	Dispatcher   Dispatcher   `yaml:"dispatcher"`
	Enrichment   Enrichment   `yaml:"enrichment"`
	Calendar     Calendar     `yaml:"calendar"`
	Observations Observations `yaml:"observations"`
	Collectors   []Collector  `yaml:"collectors"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
}

type Dispatcher struct {
	TickInterval  Duration `yaml:"tick_interval"`
	SweepInterval Duration `yaml:"sweep_interval"`
	Workers       int      `yaml:"workers"`
	OrphanGrace   Duration `yaml:"orphan_grace"`
}

type Enrichment struct {
	TrailingYears int      `yaml:"trailing_years"`
	GapPolicy     string   `yaml:"gap_policy"` // "skip" or "exclude_year"
	Interval      Duration `yaml:"interval"`
}

type Calendar struct {
	Holidays []string `yaml:"holidays"` // YYYY-MM-DD
}

type Observations struct {
	Path string `yaml:"path"`
}

// Collector describes one configured collector and its schedule.
type Collector struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"` // "http_json"
	URL         string   `yaml:"url"`
	KeyField    string   `yaml:"key_field"`
	MetricField string   `yaml:"metric_field"`
	NodeKey     string   `yaml:"node_key"`
	Critical    bool     `yaml:"critical"`
	Schedule    Schedule `yaml:"schedule"`
}

type Schedule struct {
	Frequency    string   `yaml:"frequency"` // daily, weekly, monthly, seasonal-weekly
	NominalTime  string   `yaml:"nominal_time"`
	Weekday      string   `yaml:"weekday"`
	DayOfMonth   int      `yaml:"day_of_month"`
	ValidMonths  []int    `yaml:"valid_months"`
	HolidayShift string   `yaml:"holiday_shift"` // none, next_business_day, nth_business_day
	MaxRetries   int      `yaml:"max_retries"`
	RetryBackoff Duration `yaml:"retry_backoff"`
	Timeout      Duration `yaml:"timeout"`
}

// Duration wraps time.Duration so YAML values like "30s" parse directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%w: bad duration %q", ErrInvalid, s)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ConfigDir returns the XDG config directory for cropwatch.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "cropwatch")
}

// DataDir returns the XDG data directory for cropwatch.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "cropwatch")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/cropwatch/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("%w: config file not found: %s", ErrInvalid, explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"%w: no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'cropwatch init' to create a default config",
		ErrInvalid, xdgConfig,
	)
}

// Load reads, parses, and validates a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML bytes into a Config, applying defaults and validating
// every collector entry. Registry problems are caught here, at load time,
// not at dispatch time.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		Server:  Server{Port: 8600},
		Logging: Logging{Level: "INFO"},
		Dispatcher: Dispatcher{
			TickInterval:  Duration(time.Minute),
			SweepInterval: Duration(30 * time.Minute),
			Workers:       4,
			OrphanGrace:   Duration(2 * time.Hour),
		},
		Enrichment: Enrichment{
			TrailingYears: 5,
			GapPolicy:     "skip",
			Interval:      Duration(24 * time.Hour),
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing config: %v", ErrInvalid, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var frequencies = map[string]bool{
	"daily":           true,
	"weekly":          true,
	"monthly":         true,
	"seasonal-weekly": true,
}

var shiftRules = map[string]bool{
	"":                  true, // defaults to none
	"none":              true,
	"next_business_day": true,
	"nth_business_day":  true,
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseWeekday maps a lowercase weekday name to time.Weekday.
func ParseWeekday(name string) (time.Weekday, bool) {
	d, ok := weekdays[name]
	return d, ok
}

func (c *Config) validate() error {
	if c.Enrichment.GapPolicy != "skip" && c.Enrichment.GapPolicy != "exclude_year" {
		return fmt.Errorf("%w: enrichment.gap_policy must be skip or exclude_year, got %q", ErrInvalid, c.Enrichment.GapPolicy)
	}
	for _, h := range c.Calendar.Holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			return fmt.Errorf("%w: bad holiday date %q", ErrInvalid, h)
		}
	}

	seen := make(map[string]bool, len(c.Collectors))
	for i, col := range c.Collectors {
		if col.ID == "" {
			return fmt.Errorf("%w: collector %d has no id", ErrInvalid, i)
		}
		if seen[col.ID] {
			return fmt.Errorf("%w: duplicate collector id %q", ErrInvalid, col.ID)
		}
		seen[col.ID] = true

		s := col.Schedule
		if !frequencies[s.Frequency] {
			return fmt.Errorf("%w: collector %q: unknown frequency %q", ErrInvalid, col.ID, s.Frequency)
		}
		if !shiftRules[s.HolidayShift] {
			return fmt.Errorf("%w: collector %q: unknown holiday_shift %q", ErrInvalid, col.ID, s.HolidayShift)
		}
		if s.NominalTime != "" {
			if _, err := time.Parse("15:04", s.NominalTime); err != nil {
				return fmt.Errorf("%w: collector %q: bad nominal_time %q", ErrInvalid, col.ID, s.NominalTime)
			}
		}
		if s.Weekday != "" {
			if _, ok := weekdays[s.Weekday]; !ok {
				return fmt.Errorf("%w: collector %q: unknown weekday %q", ErrInvalid, col.ID, s.Weekday)
			}
		}
		switch s.Frequency {
		case "weekly", "seasonal-weekly":
			if s.Weekday == "" {
				return fmt.Errorf("%w: collector %q: %s schedule needs a weekday", ErrInvalid, col.ID, s.Frequency)
			}
		case "monthly":
			if s.DayOfMonth < 1 || s.DayOfMonth > 28 {
				return fmt.Errorf("%w: collector %q: monthly schedule needs day_of_month 1-28", ErrInvalid, col.ID)
			}
		}
		if s.Frequency == "seasonal-weekly" && len(s.ValidMonths) == 0 {
			return fmt.Errorf("%w: collector %q: seasonal-weekly schedule needs valid_months", ErrInvalid, col.ID)
		}
		for _, m := range s.ValidMonths {
			if m < 1 || m > 12 {
				return fmt.Errorf("%w: collector %q: bad month %d in valid_months", ErrInvalid, col.ID, m)
			}
		}
	}
	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
