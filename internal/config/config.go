package config

import (
	"os"
	"time"

	"rezerv/internal/storage"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Address string `yaml:"address"`
	} `yaml:"server"`

	Database struct {
		// Driver selects the store: "sqlite", "postgres" or "memory".
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"` // sqlite file
		DSN    string `yaml:"dsn"`  // postgres connection string
	} `yaml:"database"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Kafka struct {
		Brokers     []string `yaml:"brokers"`
		EventsTopic string   `yaml:"events_topic"`
		GroupID     string   `yaml:"group_id"`
	} `yaml:"kafka"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Booking struct {
		HoldTTLMinutes     int            `yaml:"hold_ttl_minutes"`
		HoldTTLByType      map[string]int `yaml:"hold_ttl_by_type"` // minutes, keyed by resource type
		SweepSeconds       int            `yaml:"sweep_seconds"`
		LockTimeoutMillis  int            `yaml:"lock_timeout_ms"`
		RateLimitPerSecond float64        `yaml:"rate_limit_per_second"`
		RateLimitBurst     int            `yaml:"rate_limit_burst"`
	} `yaml:"booking"`

	Backup storage.BackupConfig `yaml:"backup"`

	Resources []ResourceSeed `yaml:"resources"`
}

// ResourceSeed describes a resource published into the catalog at startup.
type ResourceSeed struct {
	ID       string       `yaml:"id"`
	Type     string       `yaml:"type"`
	Capacity int          `yaml:"capacity"`
	Timezone string       `yaml:"timezone"`
	Windows  []WindowSeed `yaml:"windows"`
}

type WindowSeed struct {
	Start string `yaml:"start"` // RFC3339
	End   string `yaml:"end"`   // RFC3339
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Support ${ENV_VAR} placeholders in YAML config.
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/rezerv.db"
	}

	return &cfg, nil
}

// HoldTTL returns the hold duration for a resource type, falling back to
// the global default.
func (c *Config) HoldTTL(resourceType string) time.Duration {
	if minutes, ok := c.Booking.HoldTTLByType[resourceType]; ok && minutes > 0 {
		return time.Duration(minutes) * time.Minute
	}
	if c.Booking.HoldTTLMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.Booking.HoldTTLMinutes) * time.Minute
}

func (c *Config) SweepInterval() time.Duration {
	if c.Booking.SweepSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Booking.SweepSeconds) * time.Second
}

func (c *Config) LockTimeout() time.Duration {
	if c.Booking.LockTimeoutMillis <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Booking.LockTimeoutMillis) * time.Millisecond
}

func (c *Config) RateLimit() (float64, int) {
	rate := c.Booking.RateLimitPerSecond
	if rate <= 0 {
		rate = 50
	}
	burst := c.Booking.RateLimitBurst
	if burst <= 0 {
		burst = 100
	}
	return rate, burst
}
