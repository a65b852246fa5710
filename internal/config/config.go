// ABOUTME: Engine configuration with TOML loading, defaults, and validation
// ABOUTME: Every timing knob the daemon exposes lives here with its stated default
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all engine configuration
type Config struct {
	Engine       Engine       `toml:"engine"`
	TimeService  TimeService  `toml:"time_service"`
	Coordination Coordination `toml:"coordination"`
	Quality      Quality      `toml:"quality"`
	Drift        Drift        `toml:"drift"`
}

// Engine contains identity and control-plane settings
type Engine struct {
	Name        string `toml:"name"`
	ControlPort int    `toml:"control_port"`
	EnableMDNS  bool   `toml:"enable_mdns"`
	Debug       bool   `toml:"debug"`
}

// TimeService contains UDP time service settings
type TimeService struct {
	Port int `toml:"port"`
}

// Coordination contains coordinated-start timing knobs
type Coordination struct {
	LeadTimeFloorMs int64 `toml:"lead_time_floor_ms"`
	SafetyMarginMs  int64 `toml:"safety_margin_ms"`
	CommandBudgetMs int64 `toml:"command_budget_ms"`
	LatencySamples  int   `toml:"latency_samples"`
}

// Quality contains monitoring settings
type Quality struct {
	PollIntervalMs int `toml:"poll_interval_ms"`
}

// Drift contains drift-model settings
type Drift struct {
	MinSamples int    `toml:"min_samples"`
	FitWindow  int    `toml:"fit_window"`
	Retention  int    `toml:"retention"`
	Strategy   string `toml:"strategy"` // "linear" or "quadratic"
}

// Default returns the stock configuration
func Default() Config {
	return Config{
		Engine: Engine{
			Name:        "",
			ControlPort: 8930,
			EnableMDNS:  true,
		},
		TimeService: TimeService{
			Port: 8931,
		},
		Coordination: Coordination{
			LeadTimeFloorMs: 500,
			SafetyMarginMs:  10,
			CommandBudgetMs: 50,
			LatencySamples:  5,
		},
		Quality: Quality{
			PollIntervalMs: 1000,
		},
		Drift: Drift{
			MinSamples: 10,
			FitWindow:  100,
			Retention:  1000,
			Strategy:   "linear",
		},
	}
}

// Load reads a TOML config file over the defaults. A missing file is not
// an error; the defaults stand.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate rejects configurations the engine cannot honor
func (c Config) Validate() error {
	if c.TimeService.Port < 0 || c.TimeService.Port > 65535 {
		return fmt.Errorf("time_service.port %d out of range", c.TimeService.Port)
	}
	if c.Engine.ControlPort < 0 || c.Engine.ControlPort > 65535 {
		return fmt.Errorf("engine.control_port %d out of range", c.Engine.ControlPort)
	}
	if c.Coordination.LeadTimeFloorMs <= 0 {
		return fmt.Errorf("coordination.lead_time_floor_ms must be positive, got %d", c.Coordination.LeadTimeFloorMs)
	}
	if c.Coordination.SafetyMarginMs < 0 {
		return fmt.Errorf("coordination.safety_margin_ms must not be negative, got %d", c.Coordination.SafetyMarginMs)
	}
	if c.Quality.PollIntervalMs <= 0 {
		return fmt.Errorf("quality.poll_interval_ms must be positive, got %d", c.Quality.PollIntervalMs)
	}
	if c.Drift.MinSamples < 2 {
		return fmt.Errorf("drift.min_samples must be at least 2, got %d", c.Drift.MinSamples)
	}
	if c.Drift.Strategy != "linear" && c.Drift.Strategy != "quadratic" {
		return fmt.Errorf("drift.strategy must be linear or quadratic, got %q", c.Drift.Strategy)
	}
	return nil
}
