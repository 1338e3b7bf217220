package internal

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"http_server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Gateways      GatewaysConfig      `mapstructure:"gateways"`
	Reconciler    ReconcilerConfig    `mapstructure:"reconciler"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	BaseURL           string        `mapstructure:"base_url"`
	AllowedOrigins    string        `mapstructure:"allowed_origins"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Source          string        `mapstructure:"source"`
}

type GatewaysConfig struct {
	Khalti KhaltiConfig `mapstructure:"khalti"`
	Esewa  EsewaConfig  `mapstructure:"esewa"`
}

type KhaltiConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	SecretKey     string        `mapstructure:"secret_key"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	ReturnURL     string        `mapstructure:"return_url"`
	WebsiteURL    string        `mapstructure:"website_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type EsewaConfig struct {
	FormURL     string        `mapstructure:"form_url"`
	StatusURL   string        `mapstructure:"status_url"`
	ProductCode string        `mapstructure:"product_code"`
	SecretKey   string        `mapstructure:"secret_key"`
	SuccessURL  string        `mapstructure:"success_url"`
	FailureURL  string        `mapstructure:"failure_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type ReconcilerConfig struct {
	ScanInterval     time.Duration `mapstructure:"scan_interval"`
	StaleAfter       time.Duration `mapstructure:"stale_after"`
	ExpireAfter      time.Duration `mapstructure:"expire_after"`
	LookupTimeout    time.Duration `mapstructure:"lookup_timeout"`
	MaxLookupRetries int           `mapstructure:"max_lookup_retries"`
	Workers          int           `mapstructure:"workers"`
	ScanBatchSize    int           `mapstructure:"scan_batch_size"`
}

type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ----------------- DEFAULTS -----------------

func (c *ReconcilerConfig) ApplyDefaults() {
	if c.ScanInterval <= 0 {
		c.ScanInterval = time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.ExpireAfter <= 0 {
		c.ExpireAfter = 30 * time.Minute
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 5 * time.Second
	}
	if c.MaxLookupRetries <= 0 {
		c.MaxLookupRetries = 3
	}
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.ScanBatchSize <= 0 {
		c.ScanBatchSize = 100
	}
}

// ----------------- ENV LOADER -----------------

// LoadConfigFromEnv builds a Config from environment variables for container
// deployments where no config file is mounted.
func LoadConfigFromEnv() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:              getEnvAsInt("SERVER_PORT", 8080),
			BaseURL:           getEnv("SERVER_BASE_URL", "http://localhost:8080"),
			AllowedOrigins:    getEnv("SERVER_ALLOWED_ORIGINS", "*"),
			ReadHeaderTimeout: getEnvAsDuration("SERVER_READ_HEADER_TIMEOUT", 5*time.Second),
			ReadTimeout:       getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:      getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:       getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Database: DatabaseConfig{
			Source:          getEnv("DATABASE_SOURCE", ""),
			MaxOpenConns:    getEnvAsInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvAsDuration("DATABASE_CONN_MAX_IDLE_TIME", 5*time.Minute),
		},
		Gateways: GatewaysConfig{
			Khalti: KhaltiConfig{
				BaseURL:       getEnv("KHALTI_BASE_URL", "https://test-pay.khalti.com/api/v2"),
				SecretKey:     getEnv("KHALTI_SECRET_KEY", ""),
				WebhookSecret: getEnv("KHALTI_WEBHOOK_SECRET", ""),
				ReturnURL:     getEnv("KHALTI_RETURN_URL", ""),
				WebsiteURL:    getEnv("KHALTI_WEBSITE_URL", ""),
				Timeout:       getEnvAsDuration("KHALTI_TIMEOUT", 5*time.Second),
			},
			Esewa: EsewaConfig{
				FormURL:     getEnv("ESEWA_FORM_URL", "https://rc-epay.esewa.com.np/api/epay/main/v2/form"),
				StatusURL:   getEnv("ESEWA_STATUS_URL", "https://rc.esewa.com.np/api/epay/transaction/status/"),
				ProductCode: getEnv("ESEWA_PRODUCT_CODE", "EPAYTEST"),
				SecretKey:   getEnv("ESEWA_SECRET_KEY", ""),
				SuccessURL:  getEnv("ESEWA_SUCCESS_URL", ""),
				FailureURL:  getEnv("ESEWA_FAILURE_URL", ""),
				Timeout:     getEnvAsDuration("ESEWA_TIMEOUT", 5*time.Second),
			},
		},
		Reconciler: ReconcilerConfig{
			ScanInterval:     getEnvAsDuration("RECONCILER_SCAN_INTERVAL", time.Minute),
			StaleAfter:       getEnvAsDuration("RECONCILER_STALE_AFTER", 10*time.Minute),
			ExpireAfter:      getEnvAsDuration("RECONCILER_EXPIRE_AFTER", 30*time.Minute),
			LookupTimeout:    getEnvAsDuration("RECONCILER_LOOKUP_TIMEOUT", 5*time.Second),
			MaxLookupRetries: getEnvAsInt("RECONCILER_MAX_LOOKUP_RETRIES", 3),
			Workers:          getEnvAsInt("RECONCILER_WORKERS", 5),
			ScanBatchSize:    getEnvAsInt("RECONCILER_SCAN_BATCH_SIZE", 100),
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		},
	}
	cfg.Reconciler.ApplyDefaults()
	return cfg
}

// ----------------- HELPERS -----------------

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Gateways.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("gateways config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.AllowedOrigins != "" {
		origins := strings.Split(c.AllowedOrigins, ",")
		for _, origin := range origins {
			origin = strings.TrimSpace(origin)
			if origin == "*" {
				continue
			}
			if _, err := url.Parse(origin); err != nil {
				return fmt.Errorf("invalid allowed origin %s: %w", origin, err)
			}
		}
	}
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

func (c *GatewaysConfig) Validate() error {
	if c.Khalti.BaseURL != "" {
		if _, err := url.Parse(c.Khalti.BaseURL); err != nil {
			return fmt.Errorf("invalid khalti base_url: %w", err)
		}
	}
	if c.Esewa.StatusURL != "" {
		if _, err := url.Parse(c.Esewa.StatusURL); err != nil {
			return fmt.Errorf("invalid esewa status_url: %w", err)
		}
	}
	return nil
}
