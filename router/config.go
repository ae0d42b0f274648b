package router

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RouterConfig groups dispatcher parameters.
type RouterConfig struct {
	// DefaultStrategy names the selection strategy used when the caller
	// does not specify one.
	DefaultStrategy string `yaml:"default_strategy"`
	// ReceiverID is stamped into every accepted request's metadata.
	ReceiverID string `yaml:"receiver_id"`
	// DefaultTimeoutMS applies when a submission omits its timeout.
	DefaultTimeoutMS int64 `yaml:"default_timeout_ms"`
	// RequeueInterval bounds how long a queued request waits before the
	// next placement attempt (a GPU release also wakes the loop early).
	RequeueInterval time.Duration `yaml:"requeue_interval"`
	// SweepInterval is the period of the expiry/retention sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// Retention is how long terminal requests stay queryable before the
	// sweep prunes them.
	Retention time.Duration `yaml:"retention"`
	// Seed seeds the random selection strategy.
	Seed int64 `yaml:"seed"`
}

// ServerConfig groups HTTP server parameters.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// TelemetryConfig groups GPU telemetry collection parameters.
// With an empty MonitoringURL no poller runs and the registry is seeded
// from the static GPUs list instead.
type TelemetryConfig struct {
	MonitoringURL string        `yaml:"monitoring_url"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	RetryMax      int           `yaml:"retry_max"`
}

// GPUSeed statically declares a device for deployments without a telemetry
// service.
type GPUSeed struct {
	ID            string `yaml:"gpu_id"`
	Name          string `yaml:"name"`
	MemoryTotalMB int64  `yaml:"memory_total"`
}

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Router    RouterConfig    `yaml:"router"`
	Quota     QuotaLimits     `yaml:"quota_defaults"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	GPUs      []GPUSeed       `yaml:"gpus"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Router: RouterConfig{
			DefaultStrategy:  StrategyLeastLoaded,
			ReceiverID:       "default",
			DefaultTimeoutMS: 30000,
			RequeueInterval:  time.Second,
			SweepInterval:    5 * time.Second,
			Retention:        time.Hour,
			Seed:             42,
		},
		Quota: QuotaLimits{
			MaxConcurrentGPU:     2,
			MaxRequestsPerWindow: 100,
			MaxMemoryInFlightMB:  0, // unlimited unless configured
			MaxPriority:          0, // unlimited unless configured
			Window:               time.Hour,
		},
		Telemetry: TelemetryConfig{
			PollInterval: 5 * time.Second,
			RetryMax:     3,
		},
	}
}

// UnmarshalYAML overlays present fields onto the existing values and parses
// durations from Go duration strings ("500ms", "1h"), which yaml.v3 does not
// do for time.Duration on its own.
func (c *RouterConfig) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		DefaultStrategy  *string `yaml:"default_strategy"`
		ReceiverID       *string `yaml:"receiver_id"`
		DefaultTimeoutMS *int64  `yaml:"default_timeout_ms"`
		RequeueInterval  *string `yaml:"requeue_interval"`
		SweepInterval    *string `yaml:"sweep_interval"`
		Retention        *string `yaml:"retention"`
		Seed             *int64  `yaml:"seed"`
	}
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	if r.DefaultStrategy != nil {
		c.DefaultStrategy = *r.DefaultStrategy
	}
	if r.ReceiverID != nil {
		c.ReceiverID = *r.ReceiverID
	}
	if r.DefaultTimeoutMS != nil {
		c.DefaultTimeoutMS = *r.DefaultTimeoutMS
	}
	if r.Seed != nil {
		c.Seed = *r.Seed
	}
	for _, f := range []struct {
		name string
		in   *string
		out  *time.Duration
	}{
		{"requeue_interval", r.RequeueInterval, &c.RequeueInterval},
		{"sweep_interval", r.SweepInterval, &c.SweepInterval},
		{"retention", r.Retention, &c.Retention},
	} {
		if f.in == nil {
			continue
		}
		d, err := time.ParseDuration(*f.in)
		if err != nil {
			return fmt.Errorf("router.%s: %w", f.name, err)
		}
		*f.out = d
	}
	return nil
}

func (c *TelemetryConfig) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		MonitoringURL *string `yaml:"monitoring_url"`
		PollInterval  *string `yaml:"poll_interval"`
		RetryMax      *int    `yaml:"retry_max"`
	}
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	if r.MonitoringURL != nil {
		c.MonitoringURL = *r.MonitoringURL
	}
	if r.RetryMax != nil {
		c.RetryMax = *r.RetryMax
	}
	if r.PollInterval != nil {
		d, err := time.ParseDuration(*r.PollInterval)
		if err != nil {
			return fmt.Errorf("telemetry.poll_interval: %w", err)
		}
		c.PollInterval = d
	}
	return nil
}

func (l *QuotaLimits) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		MaxConcurrentGPU     *int    `yaml:"max_concurrent_gpu"`
		MaxRequestsPerWindow *int    `yaml:"max_requests_per_window"`
		MaxMemoryInFlightMB  *int64  `yaml:"max_memory_in_flight_mb"`
		MaxPriority          *int    `yaml:"max_priority"`
		Window               *string `yaml:"window"`
	}
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	if r.MaxConcurrentGPU != nil {
		l.MaxConcurrentGPU = *r.MaxConcurrentGPU
	}
	if r.MaxRequestsPerWindow != nil {
		l.MaxRequestsPerWindow = *r.MaxRequestsPerWindow
	}
	if r.MaxMemoryInFlightMB != nil {
		l.MaxMemoryInFlightMB = *r.MaxMemoryInFlightMB
	}
	if r.MaxPriority != nil {
		l.MaxPriority = *r.MaxPriority
	}
	if r.Window != nil {
		d, err := time.ParseDuration(*r.Window)
		if err != nil {
			return fmt.Errorf("quota_defaults.window: %w", err)
		}
		l.Window = d
	}
	return nil
}

// LoadConfig reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}
