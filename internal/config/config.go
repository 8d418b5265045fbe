package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the cndata service.
type Config struct {
	Storage    Storage    `yaml:"storage"`
	Server     Server     `yaml:"server"`
	Provider   Provider   `yaml:"provider"`
	Logging    Logging    `yaml:"logging"`
	Collection Collection `yaml:"collection"`
	Schedule   Schedule   `yaml:"schedule"`
}

// Storage holds paths and pool sizing for data persistence.
type Storage struct {
	SQLitePath string `yaml:"sqlite_path"`
	ParquetDir string `yaml:"parquet_dir"`
	Pool       Pool   `yaml:"pool"`
}

// Pool sizes the storage session pool.
type Pool struct {
	Size              int `yaml:"size"`
	Overflow          int `yaml:"overflow"`
	AcquireTimeoutSec int `yaml:"acquire_timeout_sec"`
	RecycleAfterMin   int `yaml:"recycle_after_min"`
}

// Server holds the query API listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Provider holds the upstream market-data endpoints. The URLs are normally
// left empty, keeping the built-in Eastmoney hosts.
type Provider struct {
	QuoteURL string `yaml:"quote_url"`
	HistURL  string `yaml:"hist_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Collection controls the incremental collection engine.
type Collection struct {
	StartDate       string   `yaml:"start_date"`
	RateLimitPerMin int      `yaml:"rate_limit_per_min"`
	MaxWorkers      int      `yaml:"max_workers"`
	MaxRetries      int      `yaml:"max_retries"`
	RetryDelaySec   int      `yaml:"retry_delay_sec"`
	CacheCapacity   int      `yaml:"cache_capacity"`
	CacheTTLMin     int      `yaml:"cache_ttl_min"`
	MinuteFreqs     []string `yaml:"minute_freqs"`
	MinuteDays      int      `yaml:"minute_days"`
	FundFlowDays    int      `yaml:"fund_flow_days"`
}

// Schedule maps tick kinds to cron specs. An empty spec disables the tick.
type Schedule struct {
	Instruments string `yaml:"instruments"`
	Calendar    string `yaml:"calendar"`
	Daily       string `yaml:"daily"`
	Minute      string `yaml:"minute"`
	FundFlow    string `yaml:"fund_flow"`
	Derive      string `yaml:"derive"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies defaults, and then applies environment variable
// overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyDefaults fills zero values with the service defaults.
func applyDefaults(cfg *Config) {
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/cndata.db"
	}
	if cfg.Storage.Pool.Size == 0 {
		cfg.Storage.Pool.Size = 20
	}
	if cfg.Storage.Pool.Overflow == 0 {
		cfg.Storage.Pool.Overflow = 10
	}
	if cfg.Storage.Pool.AcquireTimeoutSec == 0 {
		cfg.Storage.Pool.AcquireTimeoutSec = 30
	}
	if cfg.Storage.Pool.RecycleAfterMin == 0 {
		cfg.Storage.Pool.RecycleAfterMin = 30
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Collection.StartDate == "" {
		cfg.Collection.StartDate = "2020-01-01"
	}
	if cfg.Collection.RateLimitPerMin == 0 {
		cfg.Collection.RateLimitPerMin = 300
	}
	if cfg.Collection.MaxWorkers == 0 {
		cfg.Collection.MaxWorkers = 20
	}
	if cfg.Collection.MaxRetries == 0 {
		cfg.Collection.MaxRetries = 3
	}
	if cfg.Collection.RetryDelaySec == 0 {
		cfg.Collection.RetryDelaySec = 1
	}
	if cfg.Collection.CacheCapacity == 0 {
		cfg.Collection.CacheCapacity = 1024
	}
	if cfg.Collection.CacheTTLMin == 0 {
		cfg.Collection.CacheTTLMin = 5
	}
	if len(cfg.Collection.MinuteFreqs) == 0 {
		cfg.Collection.MinuteFreqs = []string{"15m", "60m"}
	}
	if cfg.Collection.MinuteDays == 0 {
		cfg.Collection.MinuteDays = 5
	}
	if cfg.Collection.FundFlowDays == 0 {
		cfg.Collection.FundFlowDays = 30
	}
}

// applyEnvOverrides checks well-known environment variables and overrides
// the corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("PARQUET_DIR"); v != "" {
		cfg.Storage.ParquetDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CNDATA_QUOTE_URL"); v != "" {
		cfg.Provider.QuoteURL = v
	}
	if v := os.Getenv("CNDATA_HIST_URL"); v != "" {
		cfg.Provider.HistURL = v
	}
}
