// internal/common/config/config.go
package config

import "fmt"

// Config is the main application configuration struct.
type Config struct {
	App           AppConfig               `mapstructure:"app"`
	Database      DatabaseConfig          `mapstructure:"database"`
	Bus           BusConfig               `mapstructure:"bus"`
	Collaborators CollaboratorsConfig     `mapstructure:"collaborators"`
	Resolver      map[string]ServiceRoute `mapstructure:"resolver"`
	Loans         LoansConfig             `mapstructure:"loans"`
	Workers       map[string]WorkerConfig `mapstructure:"workers"`
	Integrations  IntegrationConfig       `mapstructure:"integrations"`
	Notifications NotificationConfig      `mapstructure:"notifications"`
	Maintenance   MaintenanceConfig       `mapstructure:"maintenance"`
	API           APIConfig               `mapstructure:"api"`
	Template      TemplateConfig          `mapstructure:"template"`
	Logging       LoggingConfig           `mapstructure:"logging"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type ElasticsearchConfig struct {
	Addresses  []string `mapstructure:"addresses"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	SSLEnabled bool     `mapstructure:"ssl_enabled"`
	URL        string   `mapstructure:"url"` // Single URL for backwards compatibility
	AuditIndex string   `mapstructure:"audit_index"`
}

// GetURL returns the first address or the URL field
func (e ElasticsearchConfig) GetURL() string {
	if e.URL != "" {
		return e.URL
	}
	if len(e.Addresses) > 0 {
		return e.Addresses[0]
	}
	return ""
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// BusConfig configures the Redis Streams event bus.
type BusConfig struct {
	Exchange      string          `mapstructure:"exchange"`
	MaxDeliveries int             `mapstructure:"max_deliveries"`
	BlockTimeout  int             `mapstructure:"block_timeout"` // milliseconds
	Prefetch      int             `mapstructure:"prefetch"`
	MaxLen        int64           `mapstructure:"max_len"`
	Reconnect     ReconnectConfig `mapstructure:"reconnect"`
}

type ReconnectConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
	BaseDelay   int `mapstructure:"base_delay"` // milliseconds
	MaxDelay    int `mapstructure:"max_delay"`  // milliseconds
}

// CollaboratorsConfig holds settings shared by the book and identity clients.
type CollaboratorsConfig struct {
	Timeout int `mapstructure:"timeout"` // milliseconds
}

// ServiceRoute lists the ordered endpoint resolution strategies for one logical service.
type ServiceRoute struct {
	Strategies []string `mapstructure:"strategies"` // registry | static | env
	StaticURL  string   `mapstructure:"static_url"`
	EnvVar     string   `mapstructure:"env_var"`
}

// LoansConfig holds the loan rules.
type LoansConfig struct {
	LoanPeriodDays    int     `mapstructure:"loan_period_days"`
	RenewalPeriodDays int     `mapstructure:"renewal_period_days"`
	MaxRenewals       int     `mapstructure:"max_renewals"`
	MaxActiveLoans    int     `mapstructure:"max_active_loans"`
	FinePerDay        float64 `mapstructure:"fine_per_day"`
	RequestKeyTTL     int     `mapstructure:"request_key_ttl"` // seconds
}

// WorkerConfig holds the core settings applicable to every consumer or pool.
type WorkerConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxJobsActive int  `mapstructure:"max_jobs_active"`
	Timeout       int  `mapstructure:"timeout"`     // milliseconds
	MaxRetries    int  `mapstructure:"max_retries"` // For error handling
}

// IntegrationConfig holds settings for email and SMS providers.
type IntegrationConfig struct {
	AWS struct {
		Region string `mapstructure:"region"`
		SES    struct {
			Enabled   bool   `mapstructure:"enabled"`
			FromEmail string `mapstructure:"from_email"`
		} `mapstructure:"ses"`
		SNS struct {
			Enabled            bool   `mapstructure:"enabled"`
			DefaultSMSSenderID string `mapstructure:"default_sms_sender_id"`
		} `mapstructure:"sns"`
	} `mapstructure:"aws"`

	SMTP struct {
		Enabled     bool   `mapstructure:"enabled"`
		Host        string `mapstructure:"host"`
		Port        int    `mapstructure:"port"`
		Username    string `mapstructure:"username"`
		Password    string `mapstructure:"password"`
		UseTLS      bool   `mapstructure:"use_tls"`
		DefaultFrom string `mapstructure:"default_from"`
	} `mapstructure:"smtp"`
}

// NotificationConfig holds the delivery policy.
type NotificationConfig struct {
	MaxAttempts       int    `mapstructure:"max_attempts"`
	BaseBackoff       int    `mapstructure:"base_backoff"` // seconds
	DisplayDateFormat string `mapstructure:"display_date_format"`
}

// MaintenanceConfig holds the periodic job schedule.
type MaintenanceConfig struct {
	PendingInterval   int `mapstructure:"pending_interval"` // seconds
	RetryInterval     int `mapstructure:"retry_interval"`   // seconds
	CleanupInterval   int `mapstructure:"cleanup_interval"` // seconds
	OverdueInterval   int `mapstructure:"overdue_interval"` // seconds
	PendingBatchSize  int `mapstructure:"pending_batch_size"`
	RetryMaxAgeHours  int `mapstructure:"retry_max_age_hours"`
	LogRetentionDays  int `mapstructure:"log_retention_days"`
	SentRetentionDays int `mapstructure:"sent_retention_days"`
}

// APIConfig holds the HTTP surface settings.
type APIConfig struct {
	Address     string `mapstructure:"address"`
	AuthEnabled bool   `mapstructure:"auth_enabled"`
}

// TemplateConfig points at the notification template seed file.
type TemplateConfig struct {
	RegistryPath string `mapstructure:"registry_path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
