// Package config binds runtime configuration from the environment via viper.
//
// Every knob can be set as POSTURED_<KEY> (e.g. POSTURED_STORE_URL) or read
// from an optional postured.yaml in the working directory. Environment wins.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved runtime configuration for one process.
type Config struct {
	// StoreURL selects the store backend: "memory" or a MySQL DSN
	// (user:pass@tcp(host:3306)/postured).
	StoreURL string
	// StoreAPIKey authenticates against a managed store frontend, unused
	// for direct DSNs.
	StoreAPIKey string
	// QueueURL is a NATS URL; empty runs the embedded server.
	QueueURL string
	// QueueStoreDir holds embedded JetStream state.
	QueueStoreDir string
	// CacheURL is the redis address for heartbeat state.
	CacheURL string
	// CachePassword is the optional redis AUTH password.
	CachePassword string
	// CatalogPath points at an operator catalog.toml, empty for builtins.
	CatalogPath string
	// FeatureFlagsPath points at the hot-reloaded feature flag JSON file.
	FeatureFlagsPath string
	// LicenseNamesPath points at an optional SKU display-name JSON file.
	LicenseNamesPath string
	// SchedulerInterval is the scheduler tick period.
	SchedulerInterval time.Duration
	// JanitorRetention overrides the soft-delete retention window.
	JanitorRetention time.Duration
	// Workers caps concurrent handlers per consumer.
	Workers int
}

// Load resolves configuration from env and optional postured.yaml.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("POSTURED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Bare aliases for deployments that export the unprefixed names. The
	// POSTURED_ form wins when both are set.
	for key, alias := range map[string]string{
		"store_url":          "STORE_URL",
		"store_api_key":      "STORE_API_KEY",
		"queue_url":          "QUEUE_URL",
		"cache_url":          "CACHE_URL",
		"feature_flags_path": "FEATURE_FLAGS_JSON",
	} {
		if err := v.BindEnv(key, "POSTURED_"+strings.ToUpper(key), alias); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	v.SetDefault("store_url", "memory")
	v.SetDefault("queue_store_dir", ".postured/jetstream")
	v.SetDefault("cache_url", "localhost:6379")
	v.SetDefault("scheduler_interval", "30s")
	v.SetDefault("janitor_retention", "2160h") // 90 days
	v.SetDefault("workers", 4)

	v.SetConfigName("postured")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read postured.yaml: %w", err)
		}
	}

	cfg := &Config{
		StoreURL:          v.GetString("store_url"),
		StoreAPIKey:       v.GetString("store_api_key"),
		QueueURL:          v.GetString("queue_url"),
		QueueStoreDir:     v.GetString("queue_store_dir"),
		CacheURL:          v.GetString("cache_url"),
		CachePassword:     v.GetString("cache_password"),
		CatalogPath:       v.GetString("catalog_path"),
		FeatureFlagsPath:  v.GetString("feature_flags_path"),
		LicenseNamesPath:  v.GetString("license_names_path"),
		SchedulerInterval: v.GetDuration("scheduler_interval"),
		JanitorRetention:  v.GetDuration("janitor_retention"),
		Workers:           v.GetInt("workers"),
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.SchedulerInterval < time.Second {
		return nil, fmt.Errorf("config: scheduler_interval %s below 1s", cfg.SchedulerInterval)
	}
	return cfg, nil
}

// MemoryStore reports whether the in-memory backend is selected.
func (c *Config) MemoryStore() bool {
	return c.StoreURL == "" || c.StoreURL == "memory"
}
