// Package uci loads the daemon configuration from a UCI style file.
package uci

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/empati/empati/pkg/gps"
	"github.com/empati/empati/pkg/mqtt"
	"github.com/empati/empati/pkg/proximity"
	"github.com/empati/empati/pkg/storage"
)

// Store backends
const (
	StoreLocal  = "local"
	StoreSQLite = "sqlite"
	StoreMQTT   = "mqtt"
)

// Config represents the empati configuration
type Config struct {
	// Main configuration
	LogLevel        string `json:"log_level"`
	ListenAddr      string `json:"listen_addr"`
	MetricsListener bool   `json:"metrics_listener"`
	MetricsPort     int    `json:"metrics_port"`
	Store           string `json:"store"`
	DBPath          string `json:"db_path"`
	PollIntervalS   int    `json:"poll_interval_s"`
	AuditDir        string `json:"audit_dir"` // empty disables the activity journal

	// Location fusion
	HardRejectAccuracyM float64 `json:"hard_reject_accuracy_m"`
	PreciseAccuracyM    float64 `json:"precise_accuracy_m"`
	JitterDistanceM     float64 `json:"jitter_distance_m"`
	WatchTimeoutS       int     `json:"watch_timeout_s"`
	RetryTimeoutS       int     `json:"retry_timeout_s"`
	MaximumAgeS         int     `json:"maximum_age_s"`

	// Freshness and proximity
	RetentionHours   int     `json:"retention_hours"`
	FreshWindowHours int     `json:"fresh_window_hours"`
	AgingWindowHours int     `json:"aging_window_hours"`
	NearbyRadiusM    float64 `json:"nearby_radius_m"`

	// MQTT broker
	MQTT *mqtt.Config `json:"mqtt"`
}

// Default configuration values
const (
	DefaultLogLevel            = "info"
	DefaultListenAddr          = ":8080"
	DefaultMetricsPort         = 9101
	DefaultStore               = StoreLocal
	DefaultDBPath              = "/var/lib/empati/empati.db"
	DefaultPollIntervalS       = 5
	DefaultHardRejectAccuracyM = 5000
	DefaultPreciseAccuracyM    = 40
	DefaultJitterDistanceM     = 10
	DefaultWatchTimeoutS       = 15
	DefaultRetryTimeoutS       = 20
	DefaultMaximumAgeS         = 0
	DefaultRetentionHours      = 24
	DefaultFreshWindowHours    = 8
	DefaultAgingWindowHours    = 16
	DefaultNearbyRadiusM       = 10000
)

// LoadConfig loads and validates the configuration. A missing file yields defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	cfg.setDefaults()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if err := cfg.parseUCI(path); err != nil {
		return nil, fmt.Errorf("failed to parse UCI config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration populated with defaults
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	c.LogLevel = DefaultLogLevel
	c.ListenAddr = DefaultListenAddr
	c.MetricsListener = false
	c.MetricsPort = DefaultMetricsPort
	c.Store = DefaultStore
	c.DBPath = DefaultDBPath
	c.PollIntervalS = DefaultPollIntervalS
	c.HardRejectAccuracyM = DefaultHardRejectAccuracyM
	c.PreciseAccuracyM = DefaultPreciseAccuracyM
	c.JitterDistanceM = DefaultJitterDistanceM
	c.WatchTimeoutS = DefaultWatchTimeoutS
	c.RetryTimeoutS = DefaultRetryTimeoutS
	c.MaximumAgeS = DefaultMaximumAgeS
	c.RetentionHours = DefaultRetentionHours
	c.FreshWindowHours = DefaultFreshWindowHours
	c.AgingWindowHours = DefaultAgingWindowHours
	c.NearbyRadiusM = DefaultNearbyRadiusM
	c.MQTT = mqtt.DefaultConfig()
}

// parseUCI reads `config <type> '<name>'` sections and `option <key> '<value>'` lines
func (c *Config) parseUCI(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var section string
	for n, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		keyword, rest, _ := strings.Cut(line, " ")
		switch keyword {
		case "config":
			parts := strings.Fields(rest)
			if len(parts) < 2 {
				return fmt.Errorf("line %d: section needs a type and a name", n+1)
			}
			section = unquote(parts[1])
		case "option":
			key, value, ok := strings.Cut(strings.TrimSpace(rest), " ")
			if !ok {
				return fmt.Errorf("line %d: option %q has no value", n+1, key)
			}
			if err := c.parseOption(section, key, unquote(strings.TrimSpace(value))); err != nil {
				return fmt.Errorf("line %d: %w", n+1, err)
			}
		default:
			return fmt.Errorf("line %d: unexpected keyword %q", n+1, keyword)
		}
	}
	return nil
}

func (c *Config) parseOption(section, option, value string) error {
	switch section {
	case "main":
		return c.parseMainOption(option, value)
	case "fusion":
		return c.parseFusionOption(option, value)
	case "freshness":
		return c.parseFreshnessOption(option, value)
	case "mqtt":
		return c.parseMQTTOption(option, value)
	}
	// unknown sections are left for other tools
	return nil
}

func (c *Config) parseMainOption(option, value string) (err error) {
	switch option {
	case "log_level":
		c.LogLevel = value
	case "listen_addr":
		c.ListenAddr = value
	case "metrics_listener":
		c.MetricsListener = value == "1"
	case "metrics_port":
		c.MetricsPort, err = strconv.Atoi(value)
	case "store":
		c.Store = value
	case "db_path":
		c.DBPath = value
	case "audit_dir":
		c.AuditDir = value
	case "poll_interval_s":
		c.PollIntervalS, err = strconv.Atoi(value)
	}
	return wrapOption(option, err)
}

func (c *Config) parseFusionOption(option, value string) (err error) {
	switch option {
	case "hard_reject_accuracy_m":
		c.HardRejectAccuracyM, err = strconv.ParseFloat(value, 64)
	case "precise_accuracy_m":
		c.PreciseAccuracyM, err = strconv.ParseFloat(value, 64)
	case "jitter_distance_m":
		c.JitterDistanceM, err = strconv.ParseFloat(value, 64)
	case "watch_timeout_s":
		c.WatchTimeoutS, err = strconv.Atoi(value)
	case "retry_timeout_s":
		c.RetryTimeoutS, err = strconv.Atoi(value)
	case "maximum_age_s":
		c.MaximumAgeS, err = strconv.Atoi(value)
	}
	return wrapOption(option, err)
}

func (c *Config) parseFreshnessOption(option, value string) (err error) {
	switch option {
	case "retention_hours":
		c.RetentionHours, err = strconv.Atoi(value)
	case "fresh_window_hours":
		c.FreshWindowHours, err = strconv.Atoi(value)
	case "aging_window_hours":
		c.AgingWindowHours, err = strconv.Atoi(value)
	case "nearby_radius_m":
		c.NearbyRadiusM, err = strconv.ParseFloat(value, 64)
	}
	return wrapOption(option, err)
}

func (c *Config) parseMQTTOption(option, value string) (err error) {
	switch option {
	case "enabled":
		c.MQTT.Enabled = value == "1"
	case "broker":
		c.MQTT.Broker = value
	case "port":
		c.MQTT.Port, err = strconv.Atoi(value)
	case "client_id":
		c.MQTT.ClientID = value
	case "username":
		c.MQTT.Username = value
	case "password":
		c.MQTT.Password = value
	case "topic_prefix":
		c.MQTT.TopicPrefix = value
	case "qos":
		c.MQTT.QoS, err = strconv.Atoi(value)
	}
	return wrapOption(option, err)
}

// Validate checks ranges and cross-field constraints
func (c *Config) Validate() error {
	if !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("log_level must be one of debug, info, warn, error")
	}
	switch c.Store {
	case StoreLocal, StoreSQLite, StoreMQTT:
	default:
		return fmt.Errorf("store must be one of local, sqlite, mqtt")
	}
	if c.Store == StoreSQLite && c.DBPath == "" {
		return fmt.Errorf("db_path is required for the sqlite store")
	}
	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		return fmt.Errorf("metrics_port must be between 1 and 65535")
	}
	if c.PollIntervalS < 1 || c.PollIntervalS > 3600 {
		return fmt.Errorf("poll_interval_s must be between 1 and 3600")
	}

	if c.PreciseAccuracyM <= 0 || c.HardRejectAccuracyM < c.PreciseAccuracyM {
		return fmt.Errorf("precise_accuracy_m must be positive and not above hard_reject_accuracy_m")
	}
	if c.JitterDistanceM < 0 {
		return fmt.Errorf("jitter_distance_m must not be negative")
	}
	if c.WatchTimeoutS < 1 || c.RetryTimeoutS < 1 {
		return fmt.Errorf("watch_timeout_s and retry_timeout_s must be at least 1")
	}
	if c.MaximumAgeS < 0 {
		return fmt.Errorf("maximum_age_s must not be negative")
	}

	if c.RetentionHours < 1 || c.RetentionHours > 168 {
		return fmt.Errorf("retention_hours must be between 1 and 168")
	}
	if c.FreshWindowHours < 1 || c.AgingWindowHours < c.FreshWindowHours {
		return fmt.Errorf("fresh_window_hours must be at least 1 and not above aging_window_hours")
	}
	if c.NearbyRadiusM <= 0 {
		return fmt.Errorf("nearby_radius_m must be positive")
	}

	if c.Store == StoreMQTT {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt broker is required for the mqtt store")
		}
		c.MQTT.Enabled = true
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}
	return nil
}

// TrackerConfig returns the location tracker settings
func (c *Config) TrackerConfig() gps.TrackerConfig {
	t := gps.DefaultTrackerConfig()
	t.Filter = gps.FilterConfig{
		HardRejectAccuracyM: c.HardRejectAccuracyM,
		PreciseAccuracyM:    c.PreciseAccuracyM,
		JitterDistanceM:     c.JitterDistanceM,
	}
	t.Watch.Timeout = time.Duration(c.WatchTimeoutS) * time.Second
	t.Watch.MaximumAge = time.Duration(c.MaximumAgeS) * time.Second
	t.Retry.Timeout = time.Duration(c.RetryTimeoutS) * time.Second
	return t
}

// ProximityConfig returns the classifier settings
func (c *Config) ProximityConfig() proximity.Config {
	return proximity.Config{
		NearbyRadiusM: c.NearbyRadiusM,
		FreshWindow:   time.Duration(c.FreshWindowHours) * time.Hour,
		AgingWindow:   time.Duration(c.AgingWindowHours) * time.Hour,
	}
}

// Retention returns how long markers stay live
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// StorageOptions returns the SQLite store settings
func (c *Config) StorageOptions() storage.Options {
	return storage.Options{
		PollInterval: time.Duration(c.PollIntervalS) * time.Second,
		PruneAfter:   2 * c.Retention(),
	}
}

func wrapOption(option string, err error) error {
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", option, err)
	}
	return nil
}

func unquote(s string) string {
	return strings.Trim(s, `'"`)
}

func isValidLogLevel(level string) bool {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return true
		}
	}
	return false
}
