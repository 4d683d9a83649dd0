package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Fundflow FundflowConfig `yaml:"fundflow"`
	Fetcher  FetcherConfig  `yaml:"fetcher"`
	Cache    CacheConfig    `yaml:"cache"`
	Sink     SinkConfig     `yaml:"sink"`
	Logging  LoggingConfig  `yaml:"logging"`
	Series   []SeriesSpec   `yaml:"series"`
}

type FundflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type FetcherConfig struct {
	Timeout        time.Duration        `yaml:"timeout"`
	UserAgent      string               `yaml:"user_agent"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Retry          RetryConfig          `yaml:"retry"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type CacheConfig struct {
	Path string `yaml:"path"`
	// Retention prunes cached observations older than the cutoff. Zero
	// disables pruning and rows accumulate forever.
	Retention time.Duration `yaml:"retention"`
}

type SinkConfig struct {
	DataDir string        `yaml:"data_dir"`
	Sheets  SheetsConfig  `yaml:"sheets"`
	Archive ArchiveConfig `yaml:"archive"`
}

type SheetsConfig struct {
	Enabled         bool   `yaml:"enabled"`
	SpreadsheetID   string `yaml:"spreadsheet_id"`
	CredentialsFile string `yaml:"credentials_file"`
}

type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
}

// SeriesSpec is the static configuration of one tracked market quantity:
// the ordered fallback chain of sources and the sink destination. Loaded once
// at startup and never mutated at runtime.
type SeriesSpec struct {
	ID      string       `yaml:"id"`
	Sources []SourceSpec `yaml:"sources"`
	Sink    SeriesSink   `yaml:"sink"`
	// Bounds rejects implausible resolved values before they reach the
	// cache or sink. Both zero disables the check.
	Bounds BoundsConfig `yaml:"bounds"`
	// Price marks series whose values must be strictly positive.
	Price bool `yaml:"price"`
}

type BoundsConfig struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Adapter kinds form a closed set; a source is never picked by sniffing its
// URL at runtime.
const (
	SourceKindAMFI = "amfi"
	SourceKindJSON = "json"
	SourceKindHTML = "html"
)

type SourceSpec struct {
	Name    string            `yaml:"name"`
	Kind    string            `yaml:"kind"`
	URL     string            `yaml:"url"`
	Params  map[string]string `yaml:"params"`
	Headers map[string]string `yaml:"headers"`
	// APIKeyEnv names the environment variable holding this source's
	// credential. When set but empty at runtime the source is skipped.
	APIKeyEnv   string `yaml:"api_key_env"`
	APIKeyParam string `yaml:"api_key_param"`
	// JSON adapter settings.
	JSONPath   string `yaml:"json_path"`
	DatePath   string `yaml:"date_path"`
	DateFormat string `yaml:"date_format"`
	// HTML adapter settings.
	Selector SelectorSpec `yaml:"selector"`
	// AMFI adapter settings.
	SchemeCode string `yaml:"scheme_code"`
	// Scale multiplies the parsed value (for example per-gram gold quotes
	// published where the tracked series is per 10g).
	Scale    float64           `yaml:"scale"`
	Metadata map[string]string `yaml:"metadata"`
}

type SelectorSpec struct {
	Tag       string `yaml:"tag"`
	Attr      string `yaml:"attr"`
	AttrValue string `yaml:"attr_value"`
	// Contains matches on the element's text instead of an attribute.
	Contains string `yaml:"contains"`
	// Sibling reads the value from the next sibling element rather than
	// the matched element itself.
	Sibling bool `yaml:"sibling"`
}

type SeriesSink struct {
	File            string   `yaml:"file"`
	Header          []string `yaml:"header"`
	KeyColumns      []string `yaml:"key_columns"`
	DateColumn      string   `yaml:"date_column"`
	DateFormat      string   `yaml:"date_format"`
	MetadataColumns []string `yaml:"metadata_columns"`
	Worksheet       string   `yaml:"worksheet"`
	// BulkHistory merges every record of a bulk source (the official NAV
	// file) instead of just the resolved primary observation.
	BulkHistory bool `yaml:"bulk_history"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Fetcher: FetcherConfig{
			Timeout: 10 * time.Second,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 2,
				BurstSize:         1,
			},
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   time.Second,
				MaxDelay:    30 * time.Second,
			},
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Credentials come from the environment when present.
	if v := os.Getenv("GOOGLE_SHEETS_CREDENTIALS"); v != "" {
		config.Sink.Sheets.CredentialsFile = strings.TrimSpace(v)
	}
	if v := os.Getenv("SPREADSHEET_ID"); v != "" {
		config.Sink.Sheets.SpreadsheetID = strings.TrimSpace(v)
	}
	if config.Sink.Archive.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Sink.Archive.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Sink.Archive.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Sink.Archive.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Sink.Archive.Bucket = strings.TrimSpace(v)
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Fundflow.Name == "" {
		return fmt.Errorf("fundflow.name is required")
	}
	if cfg.Fundflow.Version == "" {
		return fmt.Errorf("fundflow.version is required")
	}

	if cfg.Fetcher.Timeout <= 0 {
		return fmt.Errorf("fetcher.timeout must be greater than 0")
	}
	if cfg.Fetcher.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("fetcher.rate_limit.requests_per_second must be greater than 0")
	}
	if cfg.Fetcher.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("fetcher.retry.max_attempts must be greater than 0")
	}
	if cfg.Fetcher.Retry.BaseDelay <= 0 {
		return fmt.Errorf("fetcher.retry.base_delay must be greater than 0")
	}

	if cfg.Cache.Path == "" {
		return fmt.Errorf("cache.path is required")
	}
	if cfg.Cache.Retention < 0 {
		return fmt.Errorf("cache.retention must not be negative")
	}

	if cfg.Sink.DataDir == "" {
		return fmt.Errorf("sink.data_dir is required")
	}
	if cfg.Sink.Sheets.Enabled && cfg.Sink.Sheets.SpreadsheetID == "" {
		return fmt.Errorf("sink.sheets.spreadsheet_id is required when sheets are enabled")
	}
	// Production-like deployments fail fast on sink credentials that a
	// development run is allowed to defer.
	if IsProductionLike(AppEnvironment()) {
		if cfg.Sink.Sheets.Enabled && cfg.Sink.Sheets.CredentialsFile == "" {
			return fmt.Errorf("sink.sheets.credentials_file is required in %s", AppEnvironment())
		}
		if cfg.Sink.Archive.Enabled && cfg.Sink.Archive.AccessKeyID == "" && os.Getenv("AWS_ACCESS_KEY_ID") == "" {
			return fmt.Errorf("archive credentials are required in %s", AppEnvironment())
		}
	}
	if cfg.Sink.Archive.Enabled {
		if cfg.Sink.Archive.Bucket == "" {
			return fmt.Errorf("sink.archive.bucket is required when the archive is enabled")
		}
		if cfg.Sink.Archive.Region == "" {
			return fmt.Errorf("sink.archive.region is required when the archive is enabled")
		}
		if !isValidS3Bucket(cfg.Sink.Archive.Bucket) {
			return fmt.Errorf("sink.archive.bucket '%s' is invalid", cfg.Sink.Archive.Bucket)
		}
	}

	if len(cfg.Series) == 0 {
		return fmt.Errorf("at least one series must be configured")
	}
	seen := make(map[string]struct{}, len(cfg.Series))
	for i := range cfg.Series {
		if err := validateSeries(&cfg.Series[i]); err != nil {
			return err
		}
		if _, dup := seen[cfg.Series[i].ID]; dup {
			return fmt.Errorf("duplicate series id '%s'", cfg.Series[i].ID)
		}
		seen[cfg.Series[i].ID] = struct{}{}
	}

	return nil
}

func validateSeries(s *SeriesSpec) error {
	if s.ID == "" {
		return fmt.Errorf("series id is required")
	}
	if len(s.Sources) == 0 {
		return fmt.Errorf("series '%s' needs at least one source", s.ID)
	}
	for _, src := range s.Sources {
		switch src.Kind {
		case SourceKindAMFI, SourceKindJSON, SourceKindHTML:
		default:
			return fmt.Errorf("series '%s' source '%s' has unknown kind '%s'", s.ID, src.Name, src.Kind)
		}
		if src.URL == "" {
			return fmt.Errorf("series '%s' source '%s' needs a url", s.ID, src.Name)
		}
		if src.Kind == SourceKindJSON && src.JSONPath == "" {
			return fmt.Errorf("series '%s' source '%s' needs a json_path", s.ID, src.Name)
		}
		if src.Kind == SourceKindHTML && src.Selector.Tag == "" {
			return fmt.Errorf("series '%s' source '%s' needs a selector tag", s.ID, src.Name)
		}
	}
	if s.Sink.File != "" {
		if len(s.Sink.Header) == 0 {
			return fmt.Errorf("series '%s' csv sink needs a header", s.ID)
		}
		if len(s.Sink.KeyColumns) == 0 {
			return fmt.Errorf("series '%s' csv sink needs key_columns", s.ID)
		}
	}
	if s.Bounds.Min != 0 || s.Bounds.Max != 0 {
		if s.Bounds.Max <= s.Bounds.Min {
			return fmt.Errorf("series '%s' bounds.max must be greater than bounds.min", s.ID)
		}
	}
	return nil
}

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case (r == '-' || r == '.') && i > 0 && i < len(name)-1:
		default:
			return false
		}
	}
	return true
}
