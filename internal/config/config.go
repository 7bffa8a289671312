package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Server    ServerConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	CORS      CORSConfig
	RateLimit RateLimitConfig
	Log       LogConfig
	Vault     VaultConfig
	Oracle    OracleConfig
	Scheduler SchedulerConfig
	Rating    RatingConfig
	Email     EmailConfig
}

// AppConfig holds application metadata
type AppConfig struct {
	Name    string
	Version string
	Env     string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         string
	TimeoutRead  time.Duration
	TimeoutWrite time.Duration
	TimeoutIdle  time.Duration
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// JWTConfig holds token signing configuration
type JWTConfig struct {
	Secret            string
	Issuer            string
	AccessTokenExpiry time.Duration
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled  bool
	Requests int
	Duration time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled      bool
	Address      string
	Token        string
	TransitMount string
}

// OracleConfig holds decryption oracle configuration.
// Mode "embedded" runs the in-process dev oracle; "remote" forwards
// decryption requests to an external oracle service over HTTP.
type OracleConfig struct {
	Mode        string
	URL         string
	CallbackURL string
	RequestTTL  time.Duration
	DevLatency  time.Duration
}

// SchedulerConfig holds background task configuration
type SchedulerConfig struct {
	Enabled         bool
	ExpirySweepCron string
	ChainAuditCron  string
}

// RatingConfig holds rating submission limits
type RatingConfig struct {
	MaxCiphertextBytes int
}

// EmailConfig holds SMTP configuration for chain tamper alerts.
// Alerts are disabled when SMTPHost is empty.
type EmailConfig struct {
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
}

// Load reads configuration from environment variables with .env fallback
func Load() (*Config, error) {
	// Try .env from the usual locations; absence is not an error
	envPaths := []string{".env", "../.env", "../../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg := &Config{
		App: AppConfig{
			Name:    getEnv("APP_NAME", "veilrate"),
			Version: getEnv("APP_VERSION", "1.0.0"),
			Env:     getEnv("APP_ENV", "development"),
		},
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8080"),
			TimeoutRead:  getDurationEnv("SERVER_TIMEOUT_READ", 15*time.Second),
			TimeoutWrite: getDurationEnv("SERVER_TIMEOUT_WRITE", 15*time.Second),
			TimeoutIdle:  getDurationEnv("SERVER_TIMEOUT_IDLE", 60*time.Second),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "veilrate"),
			Password:        getEnv("DB_PASSWORD", ""),
			Name:            getEnv("DB_NAME", "veilrate"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		JWT: JWTConfig{
			Secret:            getEnv("JWT_SECRET", ""),
			Issuer:            getEnv("JWT_ISSUER", "veilrate"),
			AccessTokenExpiry: getDurationEnv("JWT_ACCESS_TOKEN_EXPIRY", 1*time.Hour),
		},
		CORS: CORSConfig{
			AllowedOrigins:   getSliceEnv("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods:   getSliceEnv("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowedHeaders:   getSliceEnv("CORS_ALLOWED_HEADERS", []string{"Content-Type", "Authorization"}),
			ExposedHeaders:   getSliceEnv("CORS_EXPOSED_HEADERS", []string{}),
			AllowCredentials: getBoolEnv("CORS_ALLOW_CREDENTIALS", false),
		},
		RateLimit: RateLimitConfig{
			Enabled:  getBoolEnv("RATE_LIMIT_ENABLED", true),
			Requests: getIntEnv("RATE_LIMIT_REQUESTS", 100),
			Duration: getDurationEnv("RATE_LIMIT_DURATION", 1*time.Minute),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "INFO"),
		},
		Vault: VaultConfig{
			Enabled:      getBoolEnv("VAULT_ENABLED", false),
			Address:      getEnv("VAULT_ADDR", "http://localhost:8200"),
			Token:        getEnv("VAULT_TOKEN", ""),
			TransitMount: getEnv("VAULT_TRANSIT_MOUNT", "transit"),
		},
		Oracle: OracleConfig{
			Mode:        getEnv("ORACLE_MODE", "embedded"),
			URL:         getEnv("ORACLE_URL", ""),
			CallbackURL: getEnv("ORACLE_CALLBACK_URL", "http://localhost:8080/api/v1/oracle/callback"),
			RequestTTL:  getDurationEnv("ORACLE_REQUEST_TTL", 0),
			DevLatency:  getDurationEnv("ORACLE_DEV_LATENCY", 50*time.Millisecond),
		},
		Scheduler: SchedulerConfig{
			Enabled:         getBoolEnv("SCHEDULER_ENABLED", true),
			ExpirySweepCron: getEnv("SCHEDULER_EXPIRY_SWEEP_CRON", "*/5 * * * *"),
			ChainAuditCron:  getEnv("SCHEDULER_CHAIN_AUDIT_CRON", "0 * * * *"),
		},
		Rating: RatingConfig{
			MaxCiphertextBytes: getIntEnv("RATING_MAX_CIPHERTEXT_BYTES", 1<<20),
		},
		Email: EmailConfig{
			SMTPHost:     getEnv("SMTP_HOST", ""),
			SMTPPort:     getEnv("SMTP_PORT", "587"),
			SMTPUsername: getEnv("SMTP_USERNAME", ""),
			SMTPPassword: getEnv("SMTP_PASSWORD", ""),
			SMTPFrom:     getEnv("SMTP_FROM", "alerts@veilrate.local"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration values are present
func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if c.App.Env == "production" {
		if c.Database.Password == "" {
			return fmt.Errorf("DB_PASSWORD is required in production")
		}
		if c.Oracle.Mode == "embedded" {
			return fmt.Errorf("ORACLE_MODE=embedded is not allowed in production")
		}
	}

	switch c.Oracle.Mode {
	case "embedded":
	case "remote":
		if c.Oracle.URL == "" {
			return fmt.Errorf("ORACLE_URL is required when ORACLE_MODE=remote")
		}
		if !c.Vault.Enabled {
			return fmt.Errorf("VAULT_ENABLED=true is required when ORACLE_MODE=remote: oracle public keys are distributed through Vault")
		}
	default:
		return fmt.Errorf("invalid ORACLE_MODE %q (must be embedded or remote)", c.Oracle.Mode)
	}

	if c.Vault.Enabled && c.Vault.Token == "" {
		return fmt.Errorf("VAULT_TOKEN is required when VAULT_ENABLED=true")
	}

	return nil
}

// getEnv returns the environment variable value or a fallback
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// getIntEnv returns the environment variable as int or a fallback
func getIntEnv(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// getBoolEnv returns the environment variable as bool or a fallback
func getBoolEnv(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// getDurationEnv returns the environment variable as time.Duration or a fallback
func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// getSliceEnv returns the environment variable as a comma-separated slice or a fallback
func getSliceEnv(key string, fallback []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return fallback
}
