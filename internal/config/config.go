// Package config loads the YAML configuration of the ACU drive server.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/w1xm/acu_interface/acu"
	"github.com/w1xm/acu_interface/monitor"
	"github.com/w1xm/acu_interface/scan"
	"github.com/w1xm/acu_interface/spem"
	"github.com/w1xm/acu_interface/track"
	"github.com/w1xm/acu_interface/trajectory"
)

// RetryConfig bounds how often a failed ACU call is repeated.
type RetryConfig struct {
	Attempts        int           `yaml:"attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// ACUConfig describes how to reach the ACU.
type ACUConfig struct {
	URL         string        `yaml:"url"`      // e.g., "http://192.168.100.1:8080"
	Simulate    bool          `yaml:"simulate"` // serve an in-process simulator instead
	CallTimeout time.Duration `yaml:"call_timeout"`
	Retry       RetryConfig   `yaml:"retry"`
	// RetryRejected lists command names retried even when rejected.
	RetryRejected []string `yaml:"retry_rejected"`
}

// LimitsConfig bounds commanded motion. Zero values are not checked.
type LimitsConfig struct {
	AzMin           float64 `yaml:"az_min"`
	AzMax           float64 `yaml:"az_max"`
	ElMin           float64 `yaml:"el_min"`
	ElMax           float64 `yaml:"el_max"`
	MaxVelocity     float64 `yaml:"max_velocity"`     // deg/s
	MaxAcceleration float64 `yaml:"max_acceleration"` // deg/s^2
}

type TrajectoryConfig struct {
	Interval       time.Duration `yaml:"interval"`
	SlewRate       float64       `yaml:"slew_rate"` // deg/s
	StartDelay     time.Duration `yaml:"start_delay"`
	StartTolerance float64       `yaml:"start_tolerance"` // deg
}

type TrackConfig struct {
	QueueDepth    int           `yaml:"queue_depth"`
	BatchSize     int           `yaml:"batch_size"`
	LeadTime      time.Duration `yaml:"lead_time"`
	Tick          time.Duration `yaml:"tick"`
	DrainTimeout  time.Duration `yaml:"drain_timeout"`
	ClearAttempts int           `yaml:"clear_attempts"`
	Extended      bool          `yaml:"extended"` // upload velocities and flags
}

type MonitorConfig struct {
	Interval          time.Duration `yaml:"interval"`
	Tolerance         float64       `yaml:"tolerance"` // deg
	Debounce          time.Duration `yaml:"debounce"`
	QuiescentVelocity float64       `yaml:"quiescent_velocity"` // deg/s
}

// MoveConfig selects how point-to-point moves are made.
type MoveConfig struct {
	Preset  bool          `yaml:"preset"`
	Timeout time.Duration `yaml:"timeout"`
}

type SPEMConfig struct {
	// Coefficients is applied to generated trajectories.
	Coefficients spem.Coefficients `yaml:"coefficients"`
	// IgnoreWriteback lists terms whose rejected writes are tolerated.
	IgnoreWriteback []string `yaml:"ignore_writeback"`
}

type ServerConfig struct {
	Addr        string `yaml:"addr"`
	RotctldAddr string `yaml:"rotctld_addr"` // empty disables the rotctld listener
	SimAddr     string `yaml:"sim_addr"`     // where the simulator is served when simulating
}

// Config aggregates all server configuration.
type Config struct {
	ACU        ACUConfig        `yaml:"acu"`
	Limits     LimitsConfig     `yaml:"limits"`
	Trajectory TrajectoryConfig `yaml:"trajectory"`
	Track      TrackConfig      `yaml:"track"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Move       MoveConfig       `yaml:"move"`
	SPEM       SPEMConfig       `yaml:"spem"`
	Server     ServerConfig     `yaml:"server"`
}

// Default returns the configuration used for anything a file leaves out.
func Default() *Config {
	return &Config{
		ACU: ACUConfig{
			CallTimeout: 5 * time.Second,
			Retry: RetryConfig{
				Attempts:        acu.DefaultRetryPolicy.Attempts,
				InitialInterval: acu.DefaultRetryPolicy.InitialInterval,
				MaxInterval:     acu.DefaultRetryPolicy.MaxInterval,
				Multiplier:      acu.DefaultRetryPolicy.Multiplier,
			},
		},
		Limits: LimitsConfig{ElMin: 0, ElMax: 90},
		Trajectory: TrajectoryConfig{
			Interval:       trajectory.DefaultInterval,
			SlewRate:       trajectory.DefaultSlewRate,
			StartDelay:     scan.DefaultStartDelay,
			StartTolerance: scan.DefaultStartTolerance,
		},
		Track: TrackConfig{
			QueueDepth:    acu.FULL_STACK,
			BatchSize:     track.DefaultBatchSize,
			LeadTime:      track.DefaultLeadTime,
			Tick:          track.DefaultTick,
			DrainTimeout:  track.DefaultDrainTimeout,
			ClearAttempts: track.DefaultClearAttempts,
		},
		Monitor: MonitorConfig{
			Interval:          monitor.DefaultInterval,
			Tolerance:         monitor.DefaultTolerance,
			Debounce:          monitor.QUIESCENT_TIME,
			QuiescentVelocity: monitor.QUIESCENT_VELOCITY,
		},
		Move: MoveConfig{Timeout: scan.DefaultMoveTimeout},
		SPEM: SPEMConfig{IgnoreWriteback: termNames(spem.DefaultIgnoreWriteback)},
		Server: ServerConfig{
			Addr:        ":8502",
			RotctldAddr: ":4533",
			SimAddr:     "127.0.0.1:8100",
		},
	}
}

func termNames(terms []spem.Term) []string {
	out := make([]string, len(terms))
	for i, t := range terms {
		out[i] = t.String()
	}
	return out
}

// Load reads a YAML file on top of Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the drive cannot use.
func (c *Config) Validate() error {
	if !c.ACU.Simulate {
		if c.ACU.URL == "" {
			return fmt.Errorf("acu.url is required unless acu.simulate is set")
		}
		u, err := url.Parse(c.ACU.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("acu.url must be an http(s) URL, got %q", c.ACU.URL)
		}
	}
	if c.ACU.CallTimeout <= 0 {
		return fmt.Errorf("acu.call_timeout must be > 0, got %v", c.ACU.CallTimeout)
	}
	if c.ACU.Retry.Attempts < 1 {
		return fmt.Errorf("acu.retry.attempts must be >= 1, got %d", c.ACU.Retry.Attempts)
	}
	if c.Limits.AzMin != 0 || c.Limits.AzMax != 0 {
		if c.Limits.AzMin >= c.Limits.AzMax {
			return fmt.Errorf("limits.az_min must be below limits.az_max")
		}
	}
	if c.Limits.ElMin != 0 || c.Limits.ElMax != 0 {
		if c.Limits.ElMin >= c.Limits.ElMax {
			return fmt.Errorf("limits.el_min must be below limits.el_max")
		}
		if c.Limits.ElMin < -90 || c.Limits.ElMax > 90 {
			return fmt.Errorf("elevation limits must be within [-90, 90]")
		}
	}
	if c.Limits.MaxVelocity < 0 || c.Limits.MaxAcceleration < 0 {
		return fmt.Errorf("limits.max_velocity and limits.max_acceleration must be >= 0")
	}
	if c.Trajectory.Interval <= 0 {
		return fmt.Errorf("trajectory.interval must be > 0, got %v", c.Trajectory.Interval)
	}
	if c.Trajectory.SlewRate <= 0 {
		return fmt.Errorf("trajectory.slew_rate must be > 0, got %.3f", c.Trajectory.SlewRate)
	}
	if c.Track.QueueDepth < 1 {
		return fmt.Errorf("track.queue_depth must be >= 1, got %d", c.Track.QueueDepth)
	}
	if c.Track.BatchSize < 1 || c.Track.BatchSize > c.Track.QueueDepth {
		return fmt.Errorf("track.batch_size must be between 1 and track.queue_depth (%d), got %d", c.Track.QueueDepth, c.Track.BatchSize)
	}
	if c.Track.LeadTime <= c.Track.Tick {
		return fmt.Errorf("track.lead_time (%v) must exceed track.tick (%v)", c.Track.LeadTime, c.Track.Tick)
	}
	// A full stack must hold more than the lead time, or the uploader
	// could never get ahead.
	if capacity := time.Duration(c.Track.QueueDepth-c.Track.BatchSize) * c.Trajectory.Interval; capacity < c.Track.LeadTime {
		return fmt.Errorf("track.lead_time %v does not fit in the queue (%v after one batch)", c.Track.LeadTime, capacity)
	}
	if c.Monitor.Tolerance <= 0 {
		return fmt.Errorf("monitor.tolerance must be > 0, got %v", c.Monitor.Tolerance)
	}
	if c.Monitor.Debounce < 0 {
		return fmt.Errorf("monitor.debounce must be >= 0, got %v", c.Monitor.Debounce)
	}
	if _, err := c.IgnoreWriteback(); err != nil {
		return err
	}
	return nil
}

// IgnoreWriteback parses spem.ignore_writeback.
func (c *Config) IgnoreWriteback() ([]spem.Term, error) {
	out := make([]spem.Term, 0, len(c.SPEM.IgnoreWriteback))
	for _, name := range c.SPEM.IgnoreWriteback {
		t, err := spem.ParseTerm(name)
		if err != nil {
			return nil, fmt.Errorf("spem.ignore_writeback: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// Configure applies the acu section to ctl.
func (c *Config) Configure(ctl *acu.Control) {
	ctl.CallTimeout = c.ACU.CallTimeout
	ctl.Retry = acu.RetryPolicy{
		Attempts:        c.ACU.Retry.Attempts,
		InitialInterval: c.ACU.Retry.InitialInterval,
		MaxInterval:     c.ACU.Retry.MaxInterval,
		Multiplier:      c.ACU.Retry.Multiplier,
	}
	ctl.RetryRejected = c.ACU.RetryRejected
}

func (c *Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		Interval:          c.Monitor.Interval,
		Tolerance:         c.Monitor.Tolerance,
		Debounce:          c.Monitor.Debounce,
		QuiescentVelocity: c.Monitor.QuiescentVelocity,
	}
}

func (c *Config) ScanConfig() scan.Config {
	return scan.Config{
		Limits: trajectory.Limits{
			AzMin:           c.Limits.AzMin,
			AzMax:           c.Limits.AzMax,
			ElMin:           c.Limits.ElMin,
			ElMax:           c.Limits.ElMax,
			MaxVelocity:     c.Limits.MaxVelocity,
			MaxAcceleration: c.Limits.MaxAcceleration,
		},
		Interval:       c.Trajectory.Interval,
		SlewRate:       c.Trajectory.SlewRate,
		StartDelay:     c.Trajectory.StartDelay,
		StartTolerance: c.Trajectory.StartTolerance,
		Preset:         c.Move.Preset,
		MoveTimeout:    c.Move.Timeout,
		Coefficients:   c.SPEM.Coefficients,
		Track: track.Config{
			QueueDepth:    c.Track.QueueDepth,
			BatchSize:     c.Track.BatchSize,
			LeadTime:      c.Track.LeadTime,
			Tick:          c.Track.Tick,
			DrainTimeout:  c.Track.DrainTimeout,
			ClearAttempts: c.Track.ClearAttempts,
			Extended:      c.Track.Extended,
		},
	}
}
