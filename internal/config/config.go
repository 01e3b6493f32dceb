// Package config loads runtime configuration: built-in defaults, then an
// optional YAML file named by LEOTRACK_CONFIG, then LEOTRACK_* environment
// overrides. Invalid environment values are logged and ignored.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/star/leotrack/internal/tle"
)

// DishConfig locates the user terminal's gRPC endpoint.
type DishConfig struct {
	Addr    string        `yaml:"addr"`
	Timeout time.Duration `yaml:"timeout"`
}

// ObserverConfig is the terminal's geodetic position. There is no default
// position; every field must come from the file or the environment.
type ObserverConfig struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	Altitude  float64 `yaml:"altitude"` // meters

	set observerFields
}

// observerFields records which observer fields were configured.
type observerFields struct {
	lat, lon, alt bool
}

// UnmarshalYAML decodes the observer and notes which keys were present.
func (o *ObserverConfig) UnmarshalYAML(n *yaml.Node) error {
	type plain ObserverConfig
	p := plain(*o)
	if err := n.Decode(&p); err != nil {
		return err
	}
	*o = ObserverConfig(p)
	if n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i+1].ShortTag() == "!!null" {
			continue
		}
		switch n.Content[i].Value {
		case "latitude":
			o.set.lat = true
		case "longitude":
			o.set.lon = true
		case "altitude":
			o.set.alt = true
		}
	}
	return nil
}

// missing returns the names of the observer fields never configured.
func (o ObserverConfig) missing() []string {
	var out []string
	if !o.set.lat {
		out = append(out, "latitude")
	}
	if !o.set.lon {
		out = append(out, "longitude")
	}
	if !o.set.alt {
		out = append(out, "altitude")
	}
	return out
}

type TLEConfig struct {
	Dir          string        `yaml:"dir"`
	SourceURL    string        `yaml:"source_url"`
	ExtraURLs    []string      `yaml:"extra_urls"`
	EnableFetch  bool          `yaml:"enable_fetch"`
	RefreshEvery time.Duration `yaml:"refresh_every"`
}

// EngineConfig controls sampling and estimation.
type EngineConfig struct {
	// Duration bounds the measurement run. Zero runs until interrupted.
	Duration       time.Duration `yaml:"duration"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	TaskWorkers    int           `yaml:"task_workers"`
	TaskQueue      int           `yaml:"task_queue"`
	MatchWorkers   int           `yaml:"match_workers"`
	Snapshots      bool          `yaml:"snapshots"`
}

type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

type StreamConfig struct {
	MaxConcurrentPerIP int           `yaml:"max_concurrent_per_ip"`
	KeepaliveInterval  time.Duration `yaml:"keepalive_interval"`
	TrustProxy         bool          `yaml:"trust_proxy"`
}

// HTTPConfig configures the read API. An empty Addr disables it.
type HTTPConfig struct {
	Addr   string       `yaml:"addr"`
	Auth   AuthConfig   `yaml:"auth"`
	Stream StreamConfig `yaml:"stream"`
}

type Config struct {
	DataDir  string         `yaml:"data_dir"`
	LogLevel string         `yaml:"log_level"`
	Dish     DishConfig     `yaml:"dish"`
	Observer ObserverConfig `yaml:"observer"`
	TLE      TLEConfig      `yaml:"tle"`
	Engine   EngineConfig   `yaml:"engine"`
	HTTP     HTTPConfig     `yaml:"http"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:  "data",
		LogLevel: "info",
		Dish: DishConfig{
			Addr:    "192.168.100.1:9200",
			Timeout: 5 * time.Second,
		},
		TLE: TLEConfig{
			Dir:          "data/tle",
			SourceURL:    tle.DefaultSourceURL,
			EnableFetch:  true,
			RefreshEvery: time.Hour,
		},
		Engine: EngineConfig{
			PollInterval:   100 * time.Millisecond,
			SampleInterval: 500 * time.Millisecond,
			TaskWorkers:    4,
			TaskQueue:      16,
			MatchWorkers:   runtime.NumCPU(),
			Snapshots:      true,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
			Stream: StreamConfig{
				MaxConcurrentPerIP: 10,
				KeepaliveInterval:  30 * time.Second,
			},
		},
	}
}

// Load builds the configuration and validates it.
func Load(logger *slog.Logger) (Config, error) {
	cfg := Default()

	if path := os.Getenv("LEOTRACK_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
		logger.Info("config file loaded", "path", path)
	}

	applyEnv(&cfg, logger)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate reports configuration that cannot be run.
func (c Config) Validate() error {
	var errs []error
	if missing := c.Observer.missing(); len(missing) > 0 {
		errs = append(errs, fmt.Errorf("observer %s not set (observer section of the config file or LEOTRACK_LATITUDE, LEOTRACK_LONGITUDE, LEOTRACK_ALTITUDE)",
			strings.Join(missing, ", ")))
	}
	if c.Observer.Latitude < -90 || c.Observer.Latitude > 90 {
		errs = append(errs, fmt.Errorf("observer latitude %v out of range", c.Observer.Latitude))
	}
	if c.Observer.Longitude < -180 || c.Observer.Longitude > 180 {
		errs = append(errs, fmt.Errorf("observer longitude %v out of range", c.Observer.Longitude))
	}
	if c.Engine.Duration < 0 {
		errs = append(errs, errors.New("engine duration must not be negative"))
	}
	if c.HTTP.Auth.Enabled && c.HTTP.Auth.Token == "" {
		errs = append(errs, errors.New("auth token is required when auth is enabled"))
	}
	if c.Dish.Addr == "" {
		errs = append(errs, errors.New("dish address is required"))
	}
	return errors.Join(errs...)
}

// Level maps LogLevel to a slog level, defaulting to info.
func (c Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogAttrs returns the settings worth logging once at startup.
func (c Config) LogAttrs() []any {
	return []any{
		"data_dir", c.DataDir,
		"dish_addr", c.Dish.Addr,
		"observer_lat", c.Observer.Latitude,
		"observer_lon", c.Observer.Longitude,
		"observer_alt_m", c.Observer.Altitude,
		"tle_dir", c.TLE.Dir,
		"tle_fetch_enabled", c.TLE.EnableFetch,
		"duration_seconds", c.Engine.Duration.Seconds(),
		"task_workers", c.Engine.TaskWorkers,
		"match_workers", c.Engine.MatchWorkers,
		"http_addr", c.HTTP.Addr,
		"auth_enabled", c.HTTP.Auth.Enabled,
	}
}
