// Package config loads and validates frontier configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Store       StoreConfig       `mapstructure:"store"`
	Frontier    FrontierConfig    `mapstructure:"frontier"`
	Collections CollectionsConfig `mapstructure:"collections"`
	Filter      FilterConfig      `mapstructure:"filter"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Dispatcher  DispatcherConfig  `mapstructure:"dispatcher"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StoreConfig selects and tunes the document store.
type StoreConfig struct {
	Driver          string `mapstructure:"driver"`
	DSN             string `mapstructure:"dsn"`
	TablePrefix     string `mapstructure:"table_prefix"`
	MaxConns        int32  `mapstructure:"max_conns"`
	ConnectAttempts uint   `mapstructure:"connect_attempts"`
	Bootstrap       bool   `mapstructure:"bootstrap"`
}

// FrontierConfig tunes queue behavior.
type FrontierConfig struct {
	BufferSize           int `mapstructure:"buffer_size"`
	ScrollTimeoutMs      int `mapstructure:"scroll_timeout_ms"`
	ScrollSize           int `mapstructure:"scroll_size"`
	PollingFetchSize     int `mapstructure:"polling_fetch_size"`
	MaxCrawlingQueueSize int `mapstructure:"max_crawling_queue_size"`
	IDPrefixLength       int `mapstructure:"id_prefix_length"`
}

// CollectionsConfig carries shard and replica hints for store bootstrap.
type CollectionsConfig struct {
	QueueShards    int `mapstructure:"queue_shards"`
	QueueReplicas  int `mapstructure:"queue_replicas"`
	DataShards     int `mapstructure:"data_shards"`
	DataReplicas   int `mapstructure:"data_replicas"`
	FilterShards   int `mapstructure:"filter_shards"`
	FilterReplicas int `mapstructure:"filter_replicas"`
}

// FilterConfig tunes URL filter loading.
type FilterConfig struct {
	CacheTTLSeconds int `mapstructure:"cache_ttl_seconds"`
	MaxLoadSize     int `mapstructure:"max_load_size"`
}

// PubSubConfig names the intake and dispatch resources.
type PubSubConfig struct {
	ProjectID          string `mapstructure:"project_id"`
	IntakeSubscription string `mapstructure:"intake_subscription"`
	DispatchTopic      string `mapstructure:"dispatch_topic"`
}

// DispatcherConfig controls the dispatch worker pool.
type DispatcherConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Workers      int      `mapstructure:"workers"`
	Sessions     []string `mapstructure:"sessions"`
	IdleMs       int      `mapstructure:"idle_ms"`
	PerHostRPS   float64  `mapstructure:"per_host_rps"`
	PerHostBurst int      `mapstructure:"per_host_burst"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FRONTIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.table_prefix", "frontier")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.connect_attempts", 5)
	v.SetDefault("store.bootstrap", true)
	v.SetDefault("frontier.buffer_size", 10)
	v.SetDefault("frontier.scroll_timeout_ms", 60000)
	v.SetDefault("frontier.scroll_size", 100)
	v.SetDefault("frontier.polling_fetch_size", 1000)
	v.SetDefault("frontier.max_crawling_queue_size", 100)
	v.SetDefault("frontier.id_prefix_length", 445)
	for _, coll := range []string{"queue", "data", "filter"} {
		v.SetDefault("collections."+coll+"_shards", 5)
		v.SetDefault("collections."+coll+"_replicas", 1)
	}
	v.SetDefault("filter.cache_ttl_seconds", 10)
	v.SetDefault("filter.max_load_size", 10000)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.intake_subscription", "")
	v.SetDefault("pubsub.dispatch_topic", "")
	v.SetDefault("dispatcher.enabled", false)
	v.SetDefault("dispatcher.workers", 4)
	v.SetDefault("dispatcher.sessions", []string{})
	v.SetDefault("dispatcher.idle_ms", 500)
	v.SetDefault("dispatcher.per_host_rps", 0)
	v.SetDefault("dispatcher.per_host_burst", 1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be %q or %q, got %q", DriverMemory, DriverPostgres, c.Store.Driver)
	}
	if c.Frontier.BufferSize <= 0 {
		return fmt.Errorf("frontier.buffer_size must be > 0")
	}
	if c.Frontier.ScrollTimeoutMs <= 0 {
		return fmt.Errorf("frontier.scroll_timeout_ms must be > 0")
	}
	if c.Frontier.ScrollSize <= 0 {
		return fmt.Errorf("frontier.scroll_size must be > 0")
	}
	if c.Frontier.PollingFetchSize <= 0 {
		return fmt.Errorf("frontier.polling_fetch_size must be > 0")
	}
	if c.Frontier.MaxCrawlingQueueSize <= 0 {
		return fmt.Errorf("frontier.max_crawling_queue_size must be > 0")
	}
	if c.Frontier.IDPrefixLength <= 0 {
		return fmt.Errorf("frontier.id_prefix_length must be > 0")
	}
	if c.Filter.MaxLoadSize <= 0 {
		return fmt.Errorf("filter.max_load_size must be > 0")
	}
	if c.PubSub.IntakeSubscription != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when intake is configured")
	}
	if c.Dispatcher.Enabled {
		if c.Dispatcher.Workers <= 0 {
			return fmt.Errorf("dispatcher.workers must be > 0 when the dispatcher is enabled")
		}
		if c.PubSub.DispatchTopic == "" || c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.dispatch_topic must be set when the dispatcher is enabled")
		}
	}
	return nil
}

// ScrollTimeout converts the scroll keep-alive into a duration.
func (c Config) ScrollTimeout() time.Duration {
	return time.Duration(c.Frontier.ScrollTimeoutMs) * time.Millisecond
}

// FilterCacheTTL converts the filter cache expiry into a duration.
func (c Config) FilterCacheTTL() time.Duration {
	return time.Duration(c.Filter.CacheTTLSeconds) * time.Second
}

// DispatchIdle converts the dispatcher back-off into a duration.
func (c Config) DispatchIdle() time.Duration {
	return time.Duration(c.Dispatcher.IdleMs) * time.Millisecond
}
