package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
	Lot     LotConfig     `mapstructure:"lot"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	History HistoryConfig `mapstructure:"history"`
	API     APIConfig     `mapstructure:"api"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	HTTPPort    int    `mapstructure:"http_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "redis" or "bolt"
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines the Redis connection used by the redis backend
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PointConfig is a WGS84 coordinate in decimal degrees.
type PointConfig struct {
	Lat float64 `mapstructure:"lat"`
	Lon float64 `mapstructure:"lon"`
}

// SlotConfig places a single parking slot on the lot.
type SlotConfig struct {
	ID  string  `mapstructure:"id"`
	Lat float64 `mapstructure:"lat"`
	Lon float64 `mapstructure:"lon"`
}

// LotConfig describes the physical lot. Slot order is the layout order used
// when breaking ties between equally distant slots.
type LotConfig struct {
	Name         string       `mapstructure:"name"`
	Timezone     string       `mapstructure:"timezone"`
	GateLocation string       `mapstructure:"gate_location"`
	Gate         PointConfig  `mapstructure:"gate"`
	Slots        []SlotConfig `mapstructure:"slots"`
}

// MonitorConfig defines the slot occupancy state machine settings
type MonitorConfig struct {
	ConfirmRadius   float64       `mapstructure:"confirm_radius_m"`
	VacateRadius    float64       `mapstructure:"vacate_radius_m"`
	ConfirmDelay    string        `mapstructure:"confirm_delay"`
	VacateDelay     string        `mapstructure:"vacate_delay"`
	DriverIdleTTL   string        `mapstructure:"driver_idle_ttl"`
	MaxDrivers      int           `mapstructure:"max_drivers"`
	Breaker         BreakerConfig `mapstructure:"breaker"`
	StoreTimeout    string        `mapstructure:"store_timeout"`
	Notifications   bool          `mapstructure:"notifications"`
	RefreshInterval string        `mapstructure:"refresh_interval"`
}

// BreakerConfig guards store writes issued by the state machine
type BreakerConfig struct {
	MaxFailures uint32 `mapstructure:"max_failures"`
	OpenTimeout string `mapstructure:"open_timeout"`
}

// HistoryConfig defines session reconciliation settings
type HistoryConfig struct {
	PairWindow      string `mapstructure:"pair_window"`  // 0 disables the bound
	RecentWindow    string `mapstructure:"recent_window"` // pairing bound for the "today" view
	RecentLimit     int    `mapstructure:"recent_limit"`
	RoundaboutLabel string `mapstructure:"roundabout_location"`
	ParkedLabel     string `mapstructure:"parked_location"`
}

// APIConfig defines HTTP API settings
type APIConfig struct {
	JWTSecret      string           `mapstructure:"jwt_secret"`
	AllowedOrigins []string         `mapstructure:"allowed_origins"`
	TokenTTL       string           `mapstructure:"token_ttl"`
	Operators      []OperatorConfig `mapstructure:"operators"`
	PositionRate   int              `mapstructure:"position_rate"` // reports per driver per minute
	LoginRate      int              `mapstructure:"login_rate"`    // attempts per address per minute
}

// OperatorConfig is a lot operator allowed to log in for an admin token.
type OperatorConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("CTRLPARK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_port", 9090)

	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.path", "/var/lib/ctrlpark/ctrlpark.bolt")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Lot defaults
	v.SetDefault("lot.name", "Ctrl+Park")
	v.SetDefault("lot.timezone", "Asia/Manila")
	v.SetDefault("lot.gate_location", "Gate 3")
	v.SetDefault("lot.gate.lat", 14.869690)
	v.SetDefault("lot.gate.lon", 120.801010)
	v.SetDefault("lot.slots", []map[string]any{
		{"id": "1", "lat": 14.869456, "lon": 120.801326},
		{"id": "2", "lat": 14.869445, "lon": 120.801343},
		{"id": "3", "lat": 14.869266, "lon": 120.801608},
		{"id": "4", "lat": 14.869280, "lon": 120.801485},
	})

	// Monitor defaults
	v.SetDefault("monitor.confirm_radius_m", 1.0)
	v.SetDefault("monitor.vacate_radius_m", 5.0)
	v.SetDefault("monitor.confirm_delay", "5s")
	v.SetDefault("monitor.vacate_delay", "5s")
	v.SetDefault("monitor.driver_idle_ttl", "30m")
	v.SetDefault("monitor.max_drivers", 1024)
	v.SetDefault("monitor.store_timeout", "5s")
	v.SetDefault("monitor.notifications", true)
	v.SetDefault("monitor.refresh_interval", "30s")
	v.SetDefault("monitor.breaker.max_failures", 5)
	v.SetDefault("monitor.breaker.open_timeout", "30s")

	// History defaults
	v.SetDefault("history.pair_window", "0")
	v.SetDefault("history.recent_window", "4h")
	v.SetDefault("history.recent_limit", 3)
	v.SetDefault("history.roundabout_location", "Roundabout")
	v.SetDefault("history.parked_location", "Parking Area")

	// API defaults
	v.SetDefault("api.jwt_secret", "")
	v.SetDefault("api.allowed_origins", []string{"*"})
	v.SetDefault("api.token_ttl", "24h")
	v.SetDefault("api.operators", []map[string]any{})
	v.SetDefault("api.position_rate", 120)
	v.SetDefault("api.login_rate", 10)
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	switch cfg.Storage.Type {
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required")
		}
	case "bolt":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
		storageDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(storageDir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	default:
		return fmt.Errorf("unsupported storage type: %q", cfg.Storage.Type)
	}

	if _, err := time.LoadLocation(cfg.Lot.Timezone); err != nil {
		return fmt.Errorf("invalid lot timezone %q: %w", cfg.Lot.Timezone, err)
	}

	if len(cfg.Lot.Slots) == 0 {
		return fmt.Errorf("at least one parking slot is required")
	}
	seen := make(map[string]bool, len(cfg.Lot.Slots))
	for _, slot := range cfg.Lot.Slots {
		if slot.ID == "" {
			return fmt.Errorf("parking slot id is required")
		}
		if seen[slot.ID] {
			return fmt.Errorf("duplicate parking slot id: %s", slot.ID)
		}
		seen[slot.ID] = true
	}

	if cfg.Monitor.ConfirmRadius <= 0 {
		return fmt.Errorf("monitor.confirm_radius_m must be positive")
	}
	if cfg.Monitor.VacateRadius <= cfg.Monitor.ConfirmRadius {
		return fmt.Errorf("monitor.vacate_radius_m (%.2f) must be greater than monitor.confirm_radius_m (%.2f)",
			cfg.Monitor.VacateRadius, cfg.Monitor.ConfirmRadius)
	}

	durations := map[string]string{
		"monitor.confirm_delay":        cfg.Monitor.ConfirmDelay,
		"monitor.vacate_delay":         cfg.Monitor.VacateDelay,
		"monitor.driver_idle_ttl":      cfg.Monitor.DriverIdleTTL,
		"monitor.store_timeout":        cfg.Monitor.StoreTimeout,
		"monitor.refresh_interval":     cfg.Monitor.RefreshInterval,
		"monitor.breaker.open_timeout": cfg.Monitor.Breaker.OpenTimeout,
		"history.pair_window":          cfg.History.PairWindow,
		"history.recent_window":        cfg.History.RecentWindow,
		"api.token_ttl":                cfg.API.TokenTTL,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
	}

	for _, op := range cfg.API.Operators {
		if op.Username == "" || op.PasswordHash == "" {
			return fmt.Errorf("api.operators entries need username and password_hash")
		}
	}
	if len(cfg.API.Operators) > 0 && cfg.API.JWTSecret == "" {
		return fmt.Errorf("api.operators require api.jwt_secret")
	}

	if cfg.History.RecentLimit < 0 {
		return fmt.Errorf("history.recent_limit must not be negative")
	}

	return nil
}

// Defaults returns the configuration used when no file or environment
// overrides are present.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// optionalKeys are valid keys that carry no default.
var optionalKeys = []string{
	"storage.redis.password",
}

// UnknownKeys reads the config file at path and returns the keys that no
// setting consumes, sorted.
func UnknownKeys(path string) ([]string, error) {
	file := viper.New()
	file.SetConfigFile(path)
	if err := file.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	known := viper.New()
	setDefaults(known)
	valid := make(map[string]bool)
	for _, key := range known.AllKeys() {
		valid[key] = true
	}
	for _, key := range optionalKeys {
		valid[key] = true
	}

	var unknown []string
	for _, key := range file.AllKeys() {
		if !valid[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}
