package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAcqPort        = 4142
	DefaultTick           = 50 * time.Millisecond
	DefaultCatchupFactor  = 5
	DefaultHighpassHz     = 300
	DefaultAbsThreshold   = 20
	DefaultRMSMultiplier  = 5
	DefaultSeparationMs   = 500
	DefaultPreMs          = 2000
	DefaultPostMs         = 2000
	DefaultHealthFailures = 3
)

// ErrInvalidConfig is returned by Validate for out-of-range settings.
var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Spikes      SpikeConfig       `yaml:"spikes"`
	Trigger     TriggerConfig     `yaml:"trigger"`
	Events      EventsConfig      `yaml:"events"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Sim         SimConfig         `yaml:"sim"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	Host              string        `yaml:"host"`
	AuthToken         string        `yaml:"auth_token"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	BroadcastThrottle time.Duration `yaml:"broadcast_throttle"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	MaxConnections    int           `yaml:"max_connections"`
}

// AcquisitionConfig locates the acquisition backend.
type AcquisitionConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
}

type PipelineConfig struct {
	Tick            time.Duration `yaml:"tick"`
	CatchupFactor   int           `yaml:"catchup_factor"`
	Downsample      int           `yaml:"downsample"`
	HighpassHz      float64       `yaml:"highpass_hz"`
	HealthThreshold int           `yaml:"health_threshold"`
}

// SpikeConfig holds the initial values of the two live tunables plus the
// fixed snippet and refractory widths.
type SpikeConfig struct {
	Mode               string  `yaml:"mode"` // "absolute" or "rms"
	AbsoluteThreshold  float64 `yaml:"absolute_threshold"`
	RMSMultiplier      float64 `yaml:"rms_multiplier"`
	WaveformHalfWidthS float64 `yaml:"waveform_half_width_s"`
	RefractoryS        float64 `yaml:"refractory_s"`
}

type TriggerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	PulseChannel     int           `yaml:"pulse_channel"`
	SignalChannel    int           `yaml:"signal_channel"`
	PulseMultiplier  float64       `yaml:"pulse_multiplier"`
	SignalMultiplier float64       `yaml:"signal_multiplier"`
	PulseMinDuration time.Duration `yaml:"pulse_min_duration"`
	RMSWindow        time.Duration `yaml:"rms_window"`
	SecondaryWindow  time.Duration `yaml:"secondary_window"`
	FallbackListen   bool          `yaml:"fallback_listen"`
}

// EventsConfig sets the default event windows and per-type overrides keyed
// by event type index.
type EventsConfig struct {
	DigitalEnabled bool                  `yaml:"digital_enabled"`
	SeparationMs   float64               `yaml:"separation_ms"`
	PreMs          float64               `yaml:"pre_ms"`
	PostMs         float64               `yaml:"post_ms"`
	Overrides      map[int]EventOverride `yaml:"overrides"`
}

type EventOverride struct {
	Name         string   `yaml:"name"`
	SeparationMs *float64 `yaml:"separation_ms"`
	PreMs        *float64 `yaml:"pre_ms"`
	PostMs       *float64 `yaml:"post_ms"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// SimConfig shapes the synthetic backend used with -sim.
type SimConfig struct {
	Probes          int     `yaml:"probes"`
	ProbeChannels   int     `yaml:"probe_channels"`
	ProbeRate       float64 `yaml:"probe_rate"`
	AuxRate         float64 `yaml:"aux_rate"`
	NoiseRMS        float64 `yaml:"noise_rms"`
	SpikeRateHz     float64 `yaml:"spike_rate_hz"`
	SpikeAmplitude  float64 `yaml:"spike_amplitude"`
	PulseIntervalMs float64 `yaml:"pulse_interval_ms"`
	Seed            int64   `yaml:"seed"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              8080,
			Host:              "127.0.0.1",
			BroadcastThrottle: 100 * time.Millisecond,
			SnapshotInterval:  5 * time.Second,
			MaxConnections:    16,
		},
		Acquisition: AcquisitionConfig{
			Host:           "127.0.0.1",
			Port:           DefaultAcqPort,
			ConnectTimeout: 5 * time.Second,
			FetchTimeout:   40 * time.Millisecond,
		},
		Pipeline: PipelineConfig{
			Tick:            DefaultTick,
			CatchupFactor:   DefaultCatchupFactor,
			Downsample:      1,
			HighpassHz:      DefaultHighpassHz,
			HealthThreshold: DefaultHealthFailures,
		},
		Spikes: SpikeConfig{
			Mode:               "rms",
			AbsoluteThreshold:  DefaultAbsThreshold,
			RMSMultiplier:      DefaultRMSMultiplier,
			WaveformHalfWidthS: 0.0015,
			RefractoryS:        0.015,
		},
		Trigger: TriggerConfig{
			Enabled:          true,
			PulseChannel:     3,
			SignalChannel:    1,
			PulseMultiplier:  2,
			SignalMultiplier: 3.2,
			PulseMinDuration: 50 * time.Millisecond,
			RMSWindow:        100 * time.Millisecond,
			SecondaryWindow:  2 * time.Second,
		},
		Events: EventsConfig{
			DigitalEnabled: true,
			SeparationMs:   DefaultSeparationMs,
			PreMs:          DefaultPreMs,
			PostMs:         DefaultPostMs,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Sim: SimConfig{
			Probes:          1,
			ProbeChannels:   32,
			ProbeRate:       30000,
			AuxRate:         10000,
			NoiseRMS:        8,
			SpikeRateHz:     4,
			SpikeAmplitude:  120,
			PulseIntervalMs: 3000,
			Seed:            1,
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load but returns the defaults when the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Pipeline.Tick <= 0 {
		problems = append(problems, "pipeline.tick must be positive")
	}
	if c.Pipeline.CatchupFactor < 1 {
		problems = append(problems, "pipeline.catchup_factor must be >= 1")
	}
	if c.Pipeline.Downsample < 1 {
		problems = append(problems, "pipeline.downsample must be >= 1")
	}
	if c.Pipeline.HighpassHz <= 0 {
		problems = append(problems, "pipeline.highpass_hz must be positive")
	}
	if _, err := ParseMode(c.Spikes.Mode); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Spikes.AbsoluteThreshold <= 0 || c.Spikes.RMSMultiplier <= 0 {
		problems = append(problems, "spikes thresholds must be positive")
	}
	if c.Trigger.Enabled {
		if c.Trigger.PulseChannel < 0 || c.Trigger.SignalChannel < 0 {
			problems = append(problems, "trigger channels must be >= 0")
		}
		if c.Trigger.PulseChannel == c.Trigger.SignalChannel {
			problems = append(problems, "trigger.pulse_channel and trigger.signal_channel must differ")
		}
		if c.Trigger.RMSWindow <= c.Trigger.PulseMinDuration {
			problems = append(problems, "trigger.rms_window must exceed trigger.pulse_min_duration")
		}
		if c.Trigger.SecondaryWindow < 2*c.Trigger.RMSWindow {
			problems = append(problems, "trigger.secondary_window must be at least twice trigger.rms_window")
		}
	}
	if c.Events.SeparationMs < 0 || c.Events.PreMs < 0 || c.Events.PostMs < 0 {
		problems = append(problems, "events windows must be >= 0")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// ParseMode normalizes a detection mode name.
func ParseMode(mode string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "abs", "absolute":
		return "absolute", nil
	case "rms", "":
		return "rms", nil
	}
	return "", fmt.Errorf("unknown spikes.mode %q", mode)
}

// Threshold returns the configured threshold for the configured mode.
func (s SpikeConfig) Threshold() float64 {
	if mode, _ := ParseMode(s.Mode); mode == "absolute" {
		return s.AbsoluteThreshold
	}
	return s.RMSMultiplier
}

// EventWindow resolves the separation and (pre, post) durations for an
// event type, applying any override.
func (e EventsConfig) EventWindow(eventType int) (name string, sepMs, preMs, postMs float64) {
	sepMs, preMs, postMs = e.SeparationMs, e.PreMs, e.PostMs
	ov, ok := e.Overrides[eventType]
	if !ok {
		return "", sepMs, preMs, postMs
	}
	if ov.SeparationMs != nil {
		sepMs = *ov.SeparationMs
	}
	if ov.PreMs != nil {
		preMs = *ov.PreMs
	}
	if ov.PostMs != nil {
		postMs = *ov.PostMs
	}
	return ov.Name, sepMs, preMs, postMs
}

// GenerateToken returns a random 32-character hex token for server.auth_token.
func GenerateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Diff lists the live-reloadable settings that differ between old and new.
// Only spike detection parameters take effect without a restart.
func Diff(old, new *Config) []string {
	var changes []string
	if old.Spikes.Mode != new.Spikes.Mode {
		changes = append(changes, fmt.Sprintf("spikes.mode: %s → %s", old.Spikes.Mode, new.Spikes.Mode))
	}
	if old.Spikes.AbsoluteThreshold != new.Spikes.AbsoluteThreshold {
		changes = append(changes, fmt.Sprintf("spikes.absolute_threshold: %g → %g", old.Spikes.AbsoluteThreshold, new.Spikes.AbsoluteThreshold))
	}
	if old.Spikes.RMSMultiplier != new.Spikes.RMSMultiplier {
		changes = append(changes, fmt.Sprintf("spikes.rms_multiplier: %g → %g", old.Spikes.RMSMultiplier, new.Spikes.RMSMultiplier))
	}

	var restart []string
	if old.Acquisition != new.Acquisition {
		restart = append(restart, "acquisition")
	}
	if old.Pipeline != new.Pipeline {
		restart = append(restart, "pipeline")
	}
	if old.Trigger != new.Trigger {
		restart = append(restart, "trigger")
	}
	if old.Server.Port != new.Server.Port || old.Server.Host != new.Server.Host {
		restart = append(restart, "server")
	}
	sort.Strings(restart)
	for _, section := range restart {
		changes = append(changes, fmt.Sprintf("%s: changed (restart required)", section))
	}
	return changes
}
