package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "90s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// ScheduleConfig controls when a bot asks the executor to run.
type ScheduleConfig struct {
	Interval Duration `yaml:"interval"`
	Jitter   Duration `yaml:"jitter,omitempty"`
	Once     bool     `yaml:"once,omitempty"`
}

// DrainConfig makes a bot repeat its narrative each tick until the driver
// reports the work queue empty or the cap is hit.
type DrainConfig struct {
	Enabled bool `yaml:"enabled"`
	MaxRuns int  `yaml:"max_runs,omitempty"`
}

// BotConfig describes one bot in the fleet.
type BotConfig struct {
	Name          string         `yaml:"name"`
	NarrativeFile string         `yaml:"narrative_file"`
	Narrative     string         `yaml:"narrative"`
	Scope         string         `yaml:"scope"`
	Schedule      ScheduleConfig `yaml:"schedule"`
	Drain         DrainConfig    `yaml:"drain,omitempty"`
}

// FleetConfig is the top-level fleet.yaml document.
type FleetConfig struct {
	Version int `yaml:"version"`
	Fleet   struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"fleet"`
	StateDir string `yaml:"state_dir"`
	API      struct {
		Port int `yaml:"port"`
	} `yaml:"api"`
	Driver struct {
		Descriptor string   `yaml:"descriptor"`
		Broker     string   `yaml:"broker,omitempty"`
		Timeout    Duration `yaml:"timeout,omitempty"`
	} `yaml:"driver"`
	Bots []BotConfig `yaml:"bots"`
}

// APIPort returns the configured API port, defaulting to 8080 if not set.
func (c *FleetConfig) APIPort() int {
	if c.API.Port == 0 {
		return 8080
	}
	return c.API.Port
}

// LoadFleetConfig reads and validates a fleet.yaml file.
func LoadFleetConfig(path string) (*FleetConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg FleetConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks structural requirements of the fleet config. Every bot
// must name its narrative, its workflow file, and the state scope it runs
// under; there is no default scope.
func (c *FleetConfig) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported fleet.yaml version: %d", c.Version)
	}
	if c.Fleet.ID == "" {
		return fmt.Errorf("fleet.id is required")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if c.Driver.Descriptor == "" {
		return fmt.Errorf("driver.descriptor is required")
	}

	seen := make(map[string]bool, len(c.Bots))
	for i, b := range c.Bots {
		where := fmt.Sprintf("bots[%d]", i)
		if b.Name == "" {
			return fmt.Errorf("%s: name is required", where)
		}
		if seen[b.Name] {
			return fmt.Errorf("%s: duplicate bot name %q", where, b.Name)
		}
		seen[b.Name] = true
		if b.NarrativeFile == "" {
			return fmt.Errorf("bot %q: narrative_file is required", b.Name)
		}
		if b.Narrative == "" {
			return fmt.Errorf("bot %q: narrative is required", b.Name)
		}
		if b.Scope == "" {
			return fmt.Errorf("bot %q: scope is required", b.Name)
		}
		if b.Schedule.Interval <= 0 {
			return fmt.Errorf("bot %q: schedule.interval must be positive", b.Name)
		}
		if b.Schedule.Jitter < 0 {
			return fmt.Errorf("bot %q: schedule.jitter must not be negative", b.Name)
		}
		if b.Drain.Enabled && b.Drain.MaxRuns <= 0 {
			return fmt.Errorf("bot %q: drain.max_runs must be positive when drain is enabled", b.Name)
		}
	}

	return nil
}
