// Package config loads application configuration from config.yaml and
// INGEST_* environment variables.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration. It is loaded once at
// startup; the declarative artifacts it points at (field mappings, rule
// sets, precedence tiers) are re-read between runs, never mid-run.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Sources      SourcesConfig      `yaml:"sources" mapstructure:"sources"`
	Pipeline     PipelineConfig     `yaml:"pipeline" mapstructure:"pipeline"`
	Matching     MatchingConfig     `yaml:"matching" mapstructure:"matching"`
	Survivorship SurvivorshipConfig `yaml:"survivorship" mapstructure:"survivorship"`
	Validation   ValidationConfig   `yaml:"validation" mapstructure:"validation"`
	Recon        ReconConfig        `yaml:"recon" mapstructure:"recon"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the Postgres backend.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// SourcesConfig configures the registered source adapters.
type SourcesConfig struct {
	MappingDir string             `yaml:"mapping_dir" mapstructure:"mapping_dir"`
	CSV        CSVSourceConfig    `yaml:"csv" mapstructure:"csv"`
	XLSX       XLSXSourceConfig   `yaml:"xlsx" mapstructure:"xlsx"`
	SQLite     SQLiteSourceConfig `yaml:"sqlite" mapstructure:"sqlite"`
	FTP        FTPSourceConfig    `yaml:"ftp" mapstructure:"ftp"`
	Salesforce SalesforceConfig   `yaml:"salesforce" mapstructure:"salesforce"`
}

// CSVSourceConfig configures the flat-file CSV adapter.
type CSVSourceConfig struct {
	Path           string `yaml:"path" mapstructure:"path"`
	SystemName     string `yaml:"system_name" mapstructure:"system_name"`
	IDColumn       string `yaml:"id_column" mapstructure:"id_column"`
	ModifiedColumn string `yaml:"modified_column" mapstructure:"modified_column"`
	Delimiter      string `yaml:"delimiter" mapstructure:"delimiter"`
}

// XLSXSourceConfig configures the spreadsheet adapter.
type XLSXSourceConfig struct {
	Path           string `yaml:"path" mapstructure:"path"`
	SystemName     string `yaml:"system_name" mapstructure:"system_name"`
	Sheet          string `yaml:"sheet" mapstructure:"sheet"`
	IDColumn       string `yaml:"id_column" mapstructure:"id_column"`
	ModifiedColumn string `yaml:"modified_column" mapstructure:"modified_column"`
}

// SQLiteSourceConfig configures the legacy database-export adapter.
type SQLiteSourceConfig struct {
	Path           string `yaml:"path" mapstructure:"path"`
	SystemName     string `yaml:"system_name" mapstructure:"system_name"`
	Table          string `yaml:"table" mapstructure:"table"`
	IDColumn       string `yaml:"id_column" mapstructure:"id_column"`
	ModifiedColumn string `yaml:"modified_column" mapstructure:"modified_column"`
}

// FTPSourceConfig configures the FTP drop-folder CSV adapter.
type FTPSourceConfig struct {
	Addr           string `yaml:"addr" mapstructure:"addr"`
	User           string `yaml:"user" mapstructure:"user"`
	Password       string `yaml:"password" mapstructure:"password"`
	Dir            string `yaml:"dir" mapstructure:"dir"`
	SystemName     string `yaml:"system_name" mapstructure:"system_name"`
	IDColumn       string `yaml:"id_column" mapstructure:"id_column"`
	ModifiedColumn string `yaml:"modified_column" mapstructure:"modified_column"`
	TimeoutSecs    int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// SalesforceConfig holds Salesforce JWT auth settings and extraction target.
type SalesforceConfig struct {
	ClientID   string  `yaml:"client_id" mapstructure:"client_id"`
	Username   string  `yaml:"username" mapstructure:"username"`
	KeyPath    string  `yaml:"key_path" mapstructure:"key_path"`
	LoginURL   string  `yaml:"login_url" mapstructure:"login_url"`
	SObject    string  `yaml:"sobject" mapstructure:"sobject"`
	RateLimit  float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	SystemName string  `yaml:"system_name" mapstructure:"system_name"`
}

// PipelineConfig tunes run execution.
type PipelineConfig struct {
	PageSize          int `yaml:"page_size" mapstructure:"page_size"`
	LoadBatchSize     int `yaml:"load_batch_size" mapstructure:"load_batch_size"`
	MaxConcurrentRuns int `yaml:"max_concurrent_runs" mapstructure:"max_concurrent_runs"`
	PageTimeoutSecs   int `yaml:"page_timeout_secs" mapstructure:"page_timeout_secs"`
	MaxPageRetries    int `yaml:"max_page_retries" mapstructure:"max_page_retries"`
	RetryBackoffMs    int `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	RetryMaxBackoffMs int `yaml:"retry_max_backoff_ms" mapstructure:"retry_max_backoff_ms"`
	BreakerFailures   int `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerResetSecs  int `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
	HeartbeatSecs     int `yaml:"heartbeat_secs" mapstructure:"heartbeat_secs"`
	StaleAfterSecs    int `yaml:"stale_after_secs" mapstructure:"stale_after_secs"`
}

// MatchingConfig holds identity-resolution weights and thresholds. Weights
// are configuration, not code; a perfect match across available features
// approaches 1.0 (scores are capped there). MinEvidenceWeight is the floor
// on the score denominator, so a record carrying only a sliver of feature
// weight cannot score as a confident match on that sliver alone.
type MatchingConfig struct {
	AutoMergeThreshold float64            `yaml:"auto_merge_threshold" mapstructure:"auto_merge_threshold"`
	ReviewThreshold    float64            `yaml:"review_threshold" mapstructure:"review_threshold"`
	MinEvidenceWeight  float64            `yaml:"min_evidence_weight" mapstructure:"min_evidence_weight"`
	Weights            map[string]float64 `yaml:"weights" mapstructure:"weights"`
	MaxCandidates      int                `yaml:"max_candidates" mapstructure:"max_candidates"`
}

// SurvivorshipConfig orders source precedence. Lower index = higher
// precedence. "manual" and "verified" are reserved tier names; the rest are
// source adapter system names.
type SurvivorshipConfig struct {
	Tiers []string `yaml:"tiers" mapstructure:"tiers"`
}

// TierOf returns the precedence tier for a source name. Unknown sources get
// the lowest tier (len(Tiers)).
func (s SurvivorshipConfig) TierOf(source string) int {
	for i, t := range s.Tiers {
		if t == source {
			return i
		}
	}
	return len(s.Tiers)
}

// ValidationConfig points at the rule set definition.
type ValidationConfig struct {
	RulesPath string `yaml:"rules_path" mapstructure:"rules_path"`
}

// ReconConfig tunes the anomaly engine.
type ReconConfig struct {
	BaselineRuns      int     `yaml:"baseline_runs" mapstructure:"baseline_runs"`
	SigmaThreshold    float64 `yaml:"sigma_threshold" mapstructure:"sigma_threshold"`
	FreshnessMaxHours int     `yaml:"freshness_max_hours" mapstructure:"freshness_max_hours"`
}

// ServerConfig configures the status HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads config.yaml from the working directory (optional) and applies
// INGEST_* environment overrides.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("sources.mapping_dir", "mappings")
	v.SetDefault("sources.salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("sources.salesforce.sobject", "Contact")
	v.SetDefault("sources.salesforce.rate_limit", 5.0)
	v.SetDefault("sources.salesforce.system_name", "salesforce")
	v.SetDefault("sources.csv.system_name", "csv_export")
	v.SetDefault("sources.csv.delimiter", ",")
	v.SetDefault("sources.xlsx.system_name", "spreadsheet")
	v.SetDefault("sources.sqlite.system_name", "legacy_db")
	v.SetDefault("sources.ftp.system_name", "ftp_drop")
	v.SetDefault("sources.ftp.timeout_secs", 30)
	v.SetDefault("pipeline.page_size", 500)
	v.SetDefault("pipeline.load_batch_size", 200)
	v.SetDefault("pipeline.max_concurrent_runs", 4)
	v.SetDefault("pipeline.page_timeout_secs", 60)
	v.SetDefault("pipeline.max_page_retries", 4)
	v.SetDefault("pipeline.retry_backoff_ms", 500)
	v.SetDefault("pipeline.retry_max_backoff_ms", 10000)
	v.SetDefault("pipeline.breaker_failures", 5)
	v.SetDefault("pipeline.breaker_reset_secs", 30)
	v.SetDefault("pipeline.heartbeat_secs", 15)
	v.SetDefault("pipeline.stale_after_secs", 300)
	v.SetDefault("matching.auto_merge_threshold", 0.95)
	v.SetDefault("matching.review_threshold", 0.80)
	v.SetDefault("matching.min_evidence_weight", 0.6)
	v.SetDefault("matching.max_candidates", 25)
	v.SetDefault("matching.weights", map[string]float64{
		"name":           0.35,
		"dob":            0.20,
		"address":        0.20,
		"employer":       0.10,
		"contact_handle": 0.15,
	})
	v.SetDefault("survivorship.tiers", []string{
		"manual", "verified", "salesforce", "csv_export", "spreadsheet", "legacy_db", "ftp_drop",
	})
	v.SetDefault("validation.rules_path", "rules.yaml")
	v.SetDefault("recon.baseline_runs", 10)
	v.SetDefault("recon.sigma_threshold", 3.0)
	v.SetDefault("recon.freshness_max_hours", 48)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if cfg.Matching.ReviewThreshold > cfg.Matching.AutoMergeThreshold {
		return nil, eris.New("config: review_threshold must not exceed auto_merge_threshold")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
