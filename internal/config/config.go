// Package config provides configuration management for klinesync.
// Configuration is layered: struct defaults, then an optional JSON or YAML file,
// then a .env file and environment variables, and finally validation.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable read by LoadConfig.
const EnvPrefix = "KLINESYNC_"

// AppConfig represents the complete application configuration
type AppConfig struct {
	AppName   string          `json:"app_name" yaml:"app_name" default:"klinesync" validate:"required"`
	Version   string          `json:"version" yaml:"version" default:"1.0.0"`
	Venue     VenueConfig     `json:"venue" yaml:"venue"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Retry     RetryConfig     `json:"retry" yaml:"retry"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Discovery DiscoveryConfig `json:"discovery" yaml:"discovery"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Quality   QualityConfig   `json:"quality" yaml:"quality"`
}

// VenueConfig selects the exchange market and its REST endpoint.
type VenueConfig struct {
	Name       string `json:"name" yaml:"name" env:"VENUE" default:"spot" validate:"oneof=spot futures"`
	BaseURL    string `json:"base_url" yaml:"base_url" env:"VENUE_BASE_URL" validate:"omitempty,url"`
	APIVersion string `json:"api_version" yaml:"api_version" env:"VENUE_API_VERSION"`
	Timeout    string `json:"timeout" yaml:"timeout" env:"VENUE_TIMEOUT" default:"30s"`
	UserAgent  string `json:"user_agent" yaml:"user_agent" default:"klinesync/1.0"`
}

// IngestConfig controls which targets are ingested and how wide the fan-out is.
type IngestConfig struct {
	Symbols       []string `json:"symbols" yaml:"symbols" env:"SYMBOLS"`
	Intervals     []string `json:"intervals" yaml:"intervals" env:"INTERVALS"`
	PageSize      int      `json:"page_size" yaml:"page_size" env:"PAGE_SIZE" default:"1000" validate:"min=1,max=1000"`
	TargetWorkers int      `json:"target_workers" yaml:"target_workers" env:"TARGET_WORKERS" default:"4" validate:"min=1"`
	WindowWorkers int      `json:"window_workers" yaml:"window_workers" env:"WINDOW_WORKERS" default:"4" validate:"min=1"`
	BatchBuffer   int      `json:"batch_buffer" yaml:"batch_buffer" default:"8" validate:"min=1"`
}

// RateLimitConfig describes the process-wide request budget.
type RateLimitConfig struct {
	MaxConcurrent     int     `json:"max_concurrent" yaml:"max_concurrent" env:"MAX_CONNECTIONS" default:"20" validate:"min=1"`
	MinSpacing        string  `json:"min_spacing" yaml:"min_spacing" env:"MIN_SPACING" default:"1s"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" env:"REQUESTS_PER_SECOND" validate:"min=0"`
}

// RetryConfig configures transport retries and rate-limit backoff.
type RetryConfig struct {
	MaxAttempts  int     `json:"max_attempts" yaml:"max_attempts" env:"RETRY_ATTEMPTS" default:"3" validate:"min=0,max=10"`
	InitialDelay string  `json:"initial_delay" yaml:"initial_delay" default:"500ms"`
	MaxDelay     string  `json:"max_delay" yaml:"max_delay" default:"10s"`
	Multiplier   float64 `json:"multiplier" yaml:"multiplier" default:"2" validate:"gte=1"`
	Jitter       bool    `json:"jitter" yaml:"jitter" default:"true"`
}

// StorageConfig selects and configures the candle sink.
type StorageConfig struct {
	Type            string `json:"type" yaml:"type" env:"STORAGE_TYPE" default:"postgres" validate:"oneof=postgres duckdb memory"`
	DSN             string `json:"dsn" yaml:"dsn" env:"DATABASE_URL"`
	DuckDBPath      string `json:"duckdb_path" yaml:"duckdb_path" env:"DUCKDB_PATH" default:"./data/klines.duckdb"`
	Host            string `json:"host" yaml:"host" default:"localhost"`
	Port            int    `json:"port" yaml:"port" default:"5432" validate:"min=1,max=65535"`
	User            string `json:"user" yaml:"user" default:"postgres"`
	Password        string `json:"password" yaml:"password"`
	Database        string `json:"database" yaml:"database" default:"binance"`
	SSLMode         string `json:"ssl_mode" yaml:"ssl_mode" default:"disable" validate:"oneof=disable require verify-ca verify-full"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns" default:"10" validate:"min=1"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns" default:"5" validate:"min=0"`
	ConnMaxLifetime string `json:"conn_max_lifetime" yaml:"conn_max_lifetime" default:"30m"`
}

// DiscoveryConfig controls how the symbol universe is found when no explicit
// symbol list is configured.
type DiscoveryConfig struct {
	QuoteAssets   []string `json:"quote_assets" yaml:"quote_assets" env:"QUOTE_ASSETS"`
	MaxSymbols    int      `json:"max_symbols" yaml:"max_symbols" env:"MAX_SYMBOLS" validate:"min=0"`
	Cache         string   `json:"cache" yaml:"cache" env:"SYMBOL_CACHE" default:"memory" validate:"oneof=none memory redis"`
	CacheTTL      string   `json:"cache_ttl" yaml:"cache_ttl" default:"1h"`
	RedisAddr     string   `json:"redis_addr" yaml:"redis_addr" env:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string   `json:"redis_password" yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int      `json:"redis_db" yaml:"redis_db" validate:"min=0"`
}

// SchedulerConfig configures periodic polling.
type SchedulerConfig struct {
	PollInterval string `json:"poll_interval" yaml:"poll_interval" env:"POLL_INTERVAL" default:"1m"`
	Align        bool   `json:"align" yaml:"align" default:"true"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `json:"level" yaml:"level" env:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	Format        string            `json:"format" yaml:"format" env:"LOG_FORMAT" default:"text" validate:"oneof=json text"`
	Output        string            `json:"output" yaml:"output" env:"LOG_OUTPUT" default:"stderr" validate:"oneof=stdout stderr file"`
	FilePath      string            `json:"file_path" yaml:"file_path" env:"LOG_FILE_PATH"`
	MaxSize       int               `json:"max_size" yaml:"max_size" default:"100"`
	MaxBackups    int               `json:"max_backups" yaml:"max_backups" default:"3"`
	MaxAge        int               `json:"max_age" yaml:"max_age" default:"28"`
	Compress      bool              `json:"compress" yaml:"compress" default:"true"`
	ContextFields map[string]string `json:"context_fields" yaml:"context_fields"`
}

// MetricsConfig configures the Prometheus endpoint served in schedule mode.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"METRICS_ENABLED" default:"true"`
	Addr    string `json:"addr" yaml:"addr" env:"METRICS_ADDR" default:":9090"`
	Path    string `json:"path" yaml:"path" default:"/metrics"`
}

// QualityConfig sets the thresholds of the stored-data quality check. Both are
// ratios of a bar to its predecessor.
type QualityConfig struct {
	PriceSpikeThreshold  float64 `json:"price_spike_threshold" yaml:"price_spike_threshold" default:"5" validate:"gt=1"`
	VolumeSurgeThreshold float64 `json:"volume_surge_threshold" yaml:"volume_surge_threshold" default:"10" validate:"gt=1"`
}

// ConfigManager loads and holds the application configuration
type ConfigManager struct {
	config     *AppConfig
	configPath string
	envFile    string
	logger     *slog.Logger
	validate   *validator.Validate
}

// NewConfigManager creates a new configuration manager
func NewConfigManager(configPath string, logger *slog.Logger) *ConfigManager {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &ConfigManager{
		configPath: configPath,
		envFile:    ".env",
		logger:     logger,
		validate:   v,
	}
}

// WithEnvFile overrides the dotenv file consulted by LoadConfig. An empty path
// disables dotenv loading.
func (cm *ConfigManager) WithEnvFile(path string) *ConfigManager {
	cm.envFile = path
	return cm
}

// LoadConfig loads configuration from defaults, file and environment.
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := cm.loadEnvFile(); err != nil {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	if err := cm.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cm.validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.config = config
	cm.logger.InfoContext(ctx, "configuration loaded successfully",
		"config_path", cm.configPath,
		"venue", config.Venue.Name,
		"storage_type", config.Storage.Type,
		"log_level", config.Logging.Level)

	return config, nil
}

func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	switch strings.ToLower(filepath.Ext(cm.configPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

// loadEnvFile populates the process environment from a dotenv file. Variables
// already present in the environment win.
func (cm *ConfigManager) loadEnvFile() error {
	if cm.envFile == "" {
		return nil
	}
	if _, err := os.Stat(cm.envFile); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(cm.envFile); err != nil {
		return err
	}
	cm.logger.Debug("loaded environment from file", "path", cm.envFile)
	return nil
}

func (cm *ConfigManager) loadFromEnv(config *AppConfig) error {
	var errs []string

	setString := func(key string, dst *string) {
		if val, ok := lookupEnv(key); ok {
			*dst = val
		}
	}
	setInt := func(key string, dst *int) {
		if val, ok := lookupEnv(key); ok {
			n, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	setList := func(key string, dst *[]string) {
		if val, ok := lookupEnv(key); ok {
			*dst = splitList(val)
		}
	}

	setString("VENUE", &config.Venue.Name)
	setString("VENUE_BASE_URL", &config.Venue.BaseURL)
	setString("VENUE_API_VERSION", &config.Venue.APIVersion)
	setString("VENUE_TIMEOUT", &config.Venue.Timeout)

	setList("SYMBOLS", &config.Ingest.Symbols)
	setList("INTERVALS", &config.Ingest.Intervals)
	setInt("PAGE_SIZE", &config.Ingest.PageSize)
	setInt("TARGET_WORKERS", &config.Ingest.TargetWorkers)
	setInt("WINDOW_WORKERS", &config.Ingest.WindowWorkers)

	setInt("MAX_CONNECTIONS", &config.RateLimit.MaxConcurrent)
	setString("MIN_SPACING", &config.RateLimit.MinSpacing)
	if val, ok := lookupEnv("REQUESTS_PER_SECOND"); ok {
		rps, err := strconv.ParseFloat(val, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%sREQUESTS_PER_SECOND: %v", EnvPrefix, err))
		} else {
			config.RateLimit.RequestsPerSecond = rps
		}
	}
	setInt("RETRY_ATTEMPTS", &config.Retry.MaxAttempts)

	setString("STORAGE_TYPE", &config.Storage.Type)
	setString("DATABASE_URL", &config.Storage.DSN)
	setString("DUCKDB_PATH", &config.Storage.DuckDBPath)

	setList("QUOTE_ASSETS", &config.Discovery.QuoteAssets)
	setInt("MAX_SYMBOLS", &config.Discovery.MaxSymbols)
	setString("SYMBOL_CACHE", &config.Discovery.Cache)
	setString("REDIS_ADDR", &config.Discovery.RedisAddr)
	setString("REDIS_PASSWORD", &config.Discovery.RedisPassword)

	setString("POLL_INTERVAL", &config.Scheduler.PollInterval)

	setString("LOG_LEVEL", &config.Logging.Level)
	setString("LOG_FORMAT", &config.Logging.Format)
	setString("LOG_OUTPUT", &config.Logging.Output)
	setString("LOG_FILE_PATH", &config.Logging.FilePath)

	if val, ok := lookupEnv("METRICS_ENABLED"); ok {
		config.Metrics.Enabled = val == "true"
	}
	setString("METRICS_ADDR", &config.Metrics.Addr)

	// Unprefixed variables used by existing docker-compose deployments.
	if val := os.Getenv("POSTGRES_USER"); val != "" {
		config.Storage.User = val
	}
	if val := os.Getenv("POSTGRES_PASSWORD"); val != "" {
		config.Storage.Password = val
	}
	if val := os.Getenv("HOST"); val != "" {
		config.Storage.Host = val
	}
	if val := os.Getenv("POSTGRES_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Storage.Port = port
		}
	}
	if val := os.Getenv("NAME"); val != "" {
		config.Storage.Database = val
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment values:\n- %s", strings.Join(errs, "\n- "))
	}

	cm.logger.Debug("loaded configuration from environment variables")
	return nil
}

func lookupEnv(key string) (string, bool) {
	val, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || strings.TrimSpace(val) == "" {
		return "", false
	}
	return val, true
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (cm *ConfigManager) validateConfig(config *AppConfig) error {
	var errors []string

	if err := cm.validate.Struct(config); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}
		for _, fe := range verrs {
			errors = append(errors, describeFieldError(fe))
		}
	}

	durations := map[string]string{
		"venue.timeout":             config.Venue.Timeout,
		"rate_limit.min_spacing":    config.RateLimit.MinSpacing,
		"retry.initial_delay":       config.Retry.InitialDelay,
		"retry.max_delay":           config.Retry.MaxDelay,
		"storage.conn_max_lifetime": config.Storage.ConnMaxLifetime,
		"discovery.cache_ttl":       config.Discovery.CacheTTL,
		"scheduler.poll_interval":   config.Scheduler.PollInterval,
	}
	for _, name := range sortedKeys(durations) {
		if _, err := time.ParseDuration(durations[name]); err != nil {
			errors = append(errors, fmt.Sprintf("%s is not a valid duration: %v", name, err))
		}
	}

	if config.Storage.Type == "duckdb" && config.Storage.DuckDBPath == "" {
		errors = append(errors, "storage.duckdb_path is required for DuckDB storage")
	}
	if config.Storage.Type == "postgres" && config.Storage.DSN == "" && config.Storage.User == "" {
		errors = append(errors, "storage.dsn or storage.user is required for PostgreSQL storage")
	}
	if config.Logging.Output == "file" && config.Logging.FilePath == "" {
		errors = append(errors, "logging.file_path is required when output is file")
	}
	if config.Metrics.Enabled && config.Metrics.Addr == "" {
		errors = append(errors, "metrics.addr is required when metrics are enabled")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

func describeFieldError(fe validator.FieldError) string {
	// Namespace is "AppConfig.storage.type"; drop the root type name.
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// SaveConfig writes the current configuration to the config path as JSON or
// YAML depending on its extension.
func (cm *ConfigManager) SaveConfig(ctx context.Context) error {
	if cm.config == nil {
		return fmt.Errorf("no configuration loaded")
	}
	if cm.configPath == "" {
		return fmt.Errorf("no config path specified")
	}

	if err := os.MkdirAll(filepath.Dir(cm.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(cm.configPath)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cm.config)
	default:
		data, err = json.MarshalIndent(cm.config, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(cm.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	cm.logger.InfoContext(ctx, "configuration saved", "path", cm.configPath)
	return nil
}

// DefaultConfig returns a configuration populated from the default tags.
func DefaultConfig() *AppConfig {
	config := &AppConfig{}
	if err := defaults.Set(config); err != nil {
		// The tags are static; a failure here is a programming error.
		panic(fmt.Sprintf("config: invalid default tags: %v", err))
	}
	return config
}

// PostgresDSN returns the configured DSN, or builds one from the discrete
// connection fields when no DSN is set.
func (s StorageConfig) PostgresDSN() string {
	if s.DSN != "" {
		return s.DSN
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(s.User, s.Password),
		Host:     fmt.Sprintf("%s:%d", s.Host, s.Port),
		Path:     "/" + s.Database,
		RawQuery: url.Values{"sslmode": []string{s.SSLMode}}.Encode(),
	}
	return u.String()
}

// MustDuration parses a duration that validateConfig has already checked.
func MustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// String renders the configuration as JSON with secrets redacted.
func (c *AppConfig) String() string {
	sanitized := *c
	if sanitized.Storage.Password != "" {
		sanitized.Storage.Password = "[REDACTED]"
	}
	if sanitized.Storage.DSN != "" {
		sanitized.Storage.DSN = redactDSN(sanitized.Storage.DSN)
	}
	if sanitized.Discovery.RedisPassword != "" {
		sanitized.Discovery.RedisPassword = "[REDACTED]"
	}

	data, _ := json.MarshalIndent(&sanitized, "", "  ")
	return string(data)
}

func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "REDACTED")
	}
	return u.String()
}
