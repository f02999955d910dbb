// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

func Load() (*Config, error) {
	loadEnvFile()

	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	// 1. base config
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	// 2. environment overlay, optional
	v.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = v.MergeInConfig()

	return finish(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return finish(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	// BUS_MAX_DELIVERIES overrides bus.max_deliveries
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func finish(v *viper.Viper) (*Config, error) {
	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// loadEnvFile loads .env from the first location that has one.
func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env", // tests in test/e2e/
		"../../../.env",
	}

	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// findProjectRoot walks up from the working directory looking for go.mod.
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// expandEnvVars replaces ${VAR} placeholders in string values.
func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		val := v.Get(key)

		if strVal, ok := val.(string); ok {
			if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
				expanded := os.ExpandEnv(strVal)
				if expanded != strVal && expanded != "" {
					v.Set(key, expanded)
				}
			}
		}
	}
}

// overrideEmptyConfig fills secrets that are commonly provided only as plain env vars.
func overrideEmptyConfig(cfg *Config) {
	if cfg.Database.Postgres.User == "" {
		if val := os.Getenv("DB_USER"); val != "" {
			cfg.Database.Postgres.User = val
		}
	}
	if cfg.Database.Postgres.Password == "" {
		if val := os.Getenv("DB_PASSWORD"); val != "" {
			cfg.Database.Postgres.Password = val
		}
	}
	if cfg.Database.Redis.Password == "" {
		if val := os.Getenv("REDIS_PASSWORD"); val != "" {
			cfg.Database.Redis.Password = val
		}
	}
	if cfg.Integrations.SMTP.Password == "" {
		if val := os.Getenv("SMTP_PASSWORD"); val != "" {
			cfg.Integrations.SMTP.Password = val
		}
	}
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "library-workers"
	}

	// Database defaults
	if cfg.Database.Postgres.Port == 0 {
		cfg.Database.Postgres.Port = 5432
	}
	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 25
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 5
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}
	if cfg.Database.Elasticsearch.URL == "" && len(cfg.Database.Elasticsearch.Addresses) > 0 {
		cfg.Database.Elasticsearch.URL = cfg.Database.Elasticsearch.Addresses[0]
	}
	if cfg.Database.Elasticsearch.AuditIndex == "" {
		cfg.Database.Elasticsearch.AuditIndex = "loan-events"
	}

	// Bus defaults
	if cfg.Bus.Exchange == "" {
		cfg.Bus.Exchange = "library_events"
	}
	if cfg.Bus.MaxDeliveries == 0 {
		cfg.Bus.MaxDeliveries = 5
	}
	if cfg.Bus.BlockTimeout == 0 {
		cfg.Bus.BlockTimeout = 5000
	}
	if cfg.Bus.Prefetch == 0 {
		cfg.Bus.Prefetch = 1
	}
	if cfg.Bus.MaxLen == 0 {
		cfg.Bus.MaxLen = 100000
	}
	if cfg.Bus.Reconnect.MaxAttempts == 0 {
		cfg.Bus.Reconnect.MaxAttempts = 10
	}
	if cfg.Bus.Reconnect.BaseDelay == 0 {
		cfg.Bus.Reconnect.BaseDelay = 500
	}
	if cfg.Bus.Reconnect.MaxDelay == 0 {
		cfg.Bus.Reconnect.MaxDelay = 30000
	}

	// Collaborator calls are bounded to 5-10s.
	if cfg.Collaborators.Timeout == 0 {
		cfg.Collaborators.Timeout = 10000
	}
	if cfg.Collaborators.Timeout < 5000 {
		cfg.Collaborators.Timeout = 5000
	}
	if cfg.Collaborators.Timeout > 10000 {
		cfg.Collaborators.Timeout = 10000
	}

	// Loan rules
	if cfg.Loans.LoanPeriodDays == 0 {
		cfg.Loans.LoanPeriodDays = 14
	}
	if cfg.Loans.RenewalPeriodDays == 0 {
		cfg.Loans.RenewalPeriodDays = 14
	}
	if cfg.Loans.MaxRenewals == 0 {
		cfg.Loans.MaxRenewals = 2
	}
	if cfg.Loans.MaxActiveLoans == 0 {
		cfg.Loans.MaxActiveLoans = 5
	}
	if cfg.Loans.FinePerDay == 0 {
		cfg.Loans.FinePerDay = 50
	}
	if cfg.Loans.RequestKeyTTL == 0 {
		cfg.Loans.RequestKeyTTL = 86400
	}

	// Notification delivery
	if cfg.Notifications.MaxAttempts == 0 {
		cfg.Notifications.MaxAttempts = 3
	}
	if cfg.Notifications.BaseBackoff == 0 {
		cfg.Notifications.BaseBackoff = 60
	}
	if cfg.Notifications.DisplayDateFormat == "" {
		cfg.Notifications.DisplayDateFormat = "02/01/2006"
	}

	// Maintenance schedule
	if cfg.Maintenance.PendingInterval == 0 {
		cfg.Maintenance.PendingInterval = 300
	}
	if cfg.Maintenance.RetryInterval == 0 {
		cfg.Maintenance.RetryInterval = 3600
	}
	if cfg.Maintenance.CleanupInterval == 0 {
		cfg.Maintenance.CleanupInterval = 86400
	}
	if cfg.Maintenance.OverdueInterval == 0 {
		cfg.Maintenance.OverdueInterval = 3600
	}
	if cfg.Maintenance.PendingBatchSize == 0 {
		cfg.Maintenance.PendingBatchSize = 100
	}
	if cfg.Maintenance.RetryMaxAgeHours == 0 {
		cfg.Maintenance.RetryMaxAgeHours = 24
	}
	if cfg.Maintenance.LogRetentionDays == 0 {
		cfg.Maintenance.LogRetentionDays = 30
	}
	if cfg.Maintenance.SentRetentionDays == 0 {
		cfg.Maintenance.SentRetentionDays = 90
	}

	if cfg.API.Address == "" {
		cfg.API.Address = ":8080"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Workers == nil {
		cfg.Workers = make(map[string]WorkerConfig)
	}
	for key, worker := range cfg.Workers {
		if worker.MaxJobsActive == 0 {
			worker.MaxJobsActive = 5
		}
		if worker.Timeout == 0 {
			worker.Timeout = 30000
		}
		if worker.MaxRetries == 0 {
			worker.MaxRetries = 3
		}
		cfg.Workers[key] = worker
	}
}

// validateConfig validates critical configuration fields
func validateConfig(cfg *Config) error {
	if cfg.Database.Postgres.Host == "" {
		return fmt.Errorf("database.postgres.host is required")
	}
	if cfg.Database.Postgres.Database == "" {
		return fmt.Errorf("database.postgres.database is required")
	}
	if cfg.Database.Postgres.User == "" {
		return fmt.Errorf("database.postgres.user is required")
	}

	if cfg.Database.Redis.Address == "" {
		return fmt.Errorf("database.redis.address is required")
	}

	for _, name := range []string{"books", "identity"} {
		route, ok := cfg.Resolver[name]
		if !ok || len(route.Strategies) == 0 {
			return fmt.Errorf("resolver.%s.strategies is required", name)
		}
		for _, s := range route.Strategies {
			switch s {
			case "registry", "static", "env":
			default:
				return fmt.Errorf("resolver.%s: unknown strategy %q", name, s)
			}
		}
	}

	if cfg.Loans.MaxRenewals < 0 || cfg.Loans.MaxActiveLoans < 1 || cfg.Loans.FinePerDay < 0 {
		return fmt.Errorf("loans: max_renewals >= 0, max_active_loans >= 1 and fine_per_day >= 0 are required")
	}

	return nil
}

// GetDuration converts milliseconds from config to time.Duration
func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}

// GetWorkerConfig retrieves worker-specific configuration with fallback to defaults
func GetWorkerConfig(cfg *Config, workerName string) WorkerConfig {
	if worker, exists := cfg.Workers[workerName]; exists {
		return worker
	}

	return WorkerConfig{
		Enabled:       true,
		MaxJobsActive: 5,
		Timeout:       30000,
		MaxRetries:    3,
	}
}

// IsWorkerEnabled checks if a specific worker is enabled
func IsWorkerEnabled(cfg *Config, workerName string) bool {
	if worker, exists := cfg.Workers[workerName]; exists {
		return worker.Enabled
	}
	return true
}
