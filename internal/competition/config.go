// Package competition loads the per-competition configuration: which traces
// run, with which environment parameters, and how each trace is weighted.
package competition

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/transhub/cceval/internal/scorer"
)

// Trace is one recorded network trace a submission is evaluated against.
type Trace struct {
	Name string `toml:"name"`
	// DelayMs is the configured one-way propagation delay of the emulated
	// link, also the baseline for the latency score.
	DelayMs int `toml:"delay_ms"`
	// Blocked traces are evaluated but their parameters are hidden from
	// students.
	Blocked bool           `toml:"blocked"`
	Weights scorer.Weights `toml:"weights"`
}

// Competition describes one course offering.
type Competition struct {
	Name      string    `toml:"name"`
	StartTime time.Time `toml:"start_time"`
	EndTime   time.Time `toml:"end_time"`

	// ProjectDir holds the shared compile workspace (the datagrump project
	// with the course Makefile).
	ProjectDir string `toml:"project_dir"`
	// UplinkDir/DownlinkDir default to <project_dir>/test_data/{uplink,downlink}.
	UplinkDir   string `toml:"uplink_dir"`
	DownlinkDir string `toml:"downlink_dir"`

	LossRates   []float64 `toml:"loss_rates"`
	BufferSizes []int     `toml:"buffer_sizes"`

	Traces []Trace `toml:"traces"`
}

type Config struct {
	Competitions []Competition `toml:"competitions"`
}

// Load reads and validates the TOML competition config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read competition config: %w", err)
	}
	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse competition config: %w", err)
	}
	for i := range cfg.Competitions {
		c := &cfg.Competitions[i]
		if c.UplinkDir == "" {
			c.UplinkDir = filepath.Join(c.ProjectDir, "test_data", "uplink")
		}
		if c.DownlinkDir == "" {
			c.DownlinkDir = filepath.Join(c.ProjectDir, "test_data", "downlink")
		}
		for _, tr := range c.Traces {
			sum := tr.Weights.Throughput + tr.Weights.Loss + tr.Weights.Delay
			if math.Abs(sum-1.0) > 1e-9 {
				return nil, fmt.Errorf("competition %s trace %s: score weights sum to %v, want 1",
					c.Name, tr.Name, sum)
			}
		}
	}
	return cfg, nil
}

// Competition finds a competition by name.
func (c *Config) Competition(name string) (*Competition, error) {
	for i := range c.Competitions {
		if c.Competitions[i].Name == name {
			return &c.Competitions[i], nil
		}
	}
	return nil, fmt.Errorf("unknown competition %q", name)
}

// Trace finds a trace by name within the competition.
func (c *Competition) Trace(name string) (*Trace, error) {
	for i := range c.Traces {
		if c.Traces[i].Name == name {
			return &c.Traces[i], nil
		}
	}
	return nil, fmt.Errorf("competition %s: unknown trace %q", c.Name, name)
}

// UplinkFile and DownlinkFile are the emulator's link recordings for a trace.
func (c *Competition) UplinkFile(trace string) string {
	return filepath.Join(c.UplinkDir, trace+".up")
}

func (c *Competition) DownlinkFile(trace string) string {
	return filepath.Join(c.DownlinkDir, trace+".down")
}

// Ended reports whether the competition is past its end time.
func (c *Competition) Ended(now time.Time) bool {
	return now.After(c.EndTime)
}
