package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"inkslot/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Backup     BackupConfig     `yaml:"backup"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Booking    BookingConfig    `yaml:"booking"`
	Payment    PaymentConfig    `yaml:"payment"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Google     GoogleConfig     `yaml:"google"`
	Events     EventsConfig     `yaml:"events"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIGRPCConfig struct {
	Enabled    bool         `yaml:"enabled"`
	Port       int          `yaml:"port"`
	Reflection bool         `yaml:"reflection"`
	TLS        APITLSConfig `yaml:"tls"`
}

type APITLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	ClientCAFile      string `yaml:"client_ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	HeaderUserID string         `yaml:"header_user_id"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	Path     string         `yaml:"path"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	DBName         string `yaml:"dbname"`
	SSLMode        string `yaml:"sslmode"`
	MaxConnections int    `yaml:"max_connections"`
}

// ConnString builds a libpq style connection string when DSN is not set explicitly.
func (p PostgresConfig) ConnString() string {
	if p.DSN != "" {
		return p.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode, p.MaxConnections)
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type BookingConfig struct {
	PaymentTTL          time.Duration `yaml:"payment_ttl"`
	CancelCutoff        time.Duration `yaml:"cancel_cutoff"`
	SweepSchedule       string        `yaml:"sweep_schedule"`
	SweepBatch          int           `yaml:"sweep_batch"`
	ConsistencySchedule string        `yaml:"consistency_schedule"`
	ConsistencyRepair   bool          `yaml:"consistency_repair"`
	RateLimit           int           `yaml:"rate_limit"`
	RateLimitWindow     time.Duration `yaml:"rate_limit_window"`
}

type PaymentConfig struct {
	Provider      string `yaml:"provider"`
	SecretKey     string `yaml:"secret_key"`
	WebhookSecret string `yaml:"webhook_secret"`
}

type CatalogConfig struct {
	Path string `yaml:"path"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
	Debug    bool   `yaml:"debug"`
}

type GoogleConfig struct {
	GoogleCredentialsFile string `yaml:"credentials_file"`
	BookingSpreadSheetID  string `yaml:"bookings_spreadsheet_id"`
	SheetName             string `yaml:"sheet_name"`
}

type EventsConfig struct {
	AMQP AMQPConfig `yaml:"amqp"`
}

type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

func Load(configPath string) (*Config, error) {
	// .env не обязателен, переменные могут прийти из окружения
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Предварительная замена переменных окружения в YAML
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database path is required")
		}
	case "postgres":
		if c.Database.Postgres.DSN == "" && c.Database.Postgres.Host == "" {
			return errors.New("postgres dsn or host is required")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	if c.Booking.PaymentTTL <= 0 {
		return errors.New("booking.payment_ttl must be positive")
	}
	if c.Booking.CancelCutoff < 0 {
		return errors.New("booking.cancel_cutoff must not be negative")
	}

	switch c.Payment.Provider {
	case "", "none":
	case "stripe":
		if c.Payment.SecretKey == "" {
			return errors.New("payment.secret_key is required for stripe")
		}
	case "signed":
		if c.Payment.WebhookSecret == "" {
			return errors.New("payment.webhook_secret is required for signed gateway")
		}
	default:
		return fmt.Errorf("unknown payment provider %q", c.Payment.Provider)
	}

	if c.Backup.Enabled && c.Database.Driver != "sqlite" {
		return errors.New("backup is only supported for sqlite")
	}

	return nil
}

// ValidateCatalog checks catalog entries loaded from the catalog file.
func ValidateCatalog(items []models.ServiceItem) error {
	ids := make(map[string]bool)
	for _, item := range items {
		if strings.TrimSpace(item.ID) == "" {
			return fmt.Errorf("item '%s' has empty ID", item.Name)
		}
		if ids[item.ID] {
			return fmt.Errorf("duplicate item ID found: %s", item.ID)
		}
		if !item.ServiceType.Valid() {
			return fmt.Errorf("item %s has unknown service type %q", item.ID, item.ServiceType)
		}
		if item.Price < 0 {
			return fmt.Errorf("item %s has negative price", item.ID)
		}
		ids[item.ID] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Postgres.MaxConnections == 0 {
		c.Database.Postgres.MaxConnections = 10
	}
	if c.Database.Postgres.SSLMode == "" {
		c.Database.Postgres.SSLMode = "disable"
	}
	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	// auth enabled by default when API is enabled
	if !c.API.Auth.Enabled {
		c.API.Auth.Enabled = true
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}
	if c.API.Auth.HeaderUserID == "" {
		c.API.Auth.HeaderUserID = "x-user-id"
	}

	if c.Backup.Schedule == "" {
		c.Backup.Schedule = "@daily"
	}
	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "backups"
	}

	// Booking defaults
	if c.Booking.PaymentTTL == 0 {
		c.Booking.PaymentTTL = models.DefaultPaymentTTL * time.Second
	}
	if c.Booking.SweepSchedule == "" {
		c.Booking.SweepSchedule = "@every 1m"
	}
	if c.Booking.SweepBatch == 0 {
		c.Booking.SweepBatch = models.DefaultSweepBatch
	}
	if c.Booking.ConsistencySchedule == "" {
		c.Booking.ConsistencySchedule = "@hourly"
	}
	if c.Booking.RateLimit == 0 {
		c.Booking.RateLimit = models.RateLimitBookings
	}
	if c.Booking.RateLimitWindow == 0 {
		c.Booking.RateLimitWindow = models.RateLimitWindow * time.Second
	}

	if c.Catalog.Path == "" {
		c.Catalog.Path = "configs/catalog.yaml"
	}
	if c.Events.AMQP.Exchange == "" {
		c.Events.AMQP.Exchange = "inkslot.bookings"
	}
	if c.Google.SheetName == "" {
		c.Google.SheetName = "Bookings"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = c.App.Name
	}
}
