// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the process configuration. It is loaded once in main and
// passed down to constructors; nothing below cmd/ reads the environment.
type Config struct {
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`
	AMQPURL   string `env:"AMQP_URL"`

	// SchedulerSpec is a cron spec for the scheduled-campaign sweep.
	SchedulerSpec string `env:"SCHEDULER_SPEC" envDefault:"@every 30s"`

	Storage  StorageConfig  `envPrefix:"DB_"`
	Gateway  GatewayConfig  `envPrefix:"GATEWAY_"`
	Dispatch DispatchConfig `envPrefix:"DISPATCH_"`
}

// StorageConfig selects the delivery log backend.
//
// Driver values:
//   - "postgres": lib/pq; DSN or the USER/PASSWORD/HOST/PORT/NAME parts
//   - "sqlite": modernc.org/sqlite database file at DSN
//   - "memory": process-local, for development only
type StorageConfig struct {
	Driver      string        `env:"DRIVER" envDefault:"postgres"`
	DSN         string        `env:"DSN"`
	User        string        `env:"USER"`
	Password    string        `env:"PASSWORD"`
	Host        string        `env:"HOST" envDefault:"localhost"`
	Port        string        `env:"PORT" envDefault:"5432"`
	Name        string        `env:"NAME"`
	BusyTimeout time.Duration `env:"BUSY_TIMEOUT" envDefault:"5s"`
}

// DataSource returns DSN, or builds a postgres URL from the parts.
func (s StorageConfig) DataSource() string {
	if s.DSN != "" || s.Driver != "postgres" {
		return s.DSN
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		s.User, s.Password, s.Host, s.Port, s.Name,
	)
}

type GatewayConfig struct {
	BaseURL      string        `env:"BASE_URL"`
	APIKey       string        `env:"API_KEY"`
	SenderID     string        `env:"SENDER_ID"`
	SendPath     string        `env:"SEND_PATH" envDefault:"/v1/messages"`
	StatusPath   string        `env:"STATUS_PATH" envDefault:"/v1/status"`
	SendTimeout  time.Duration `env:"SEND_TIMEOUT" envDefault:"5s"`
	ProbeTimeout time.Duration `env:"PROBE_TIMEOUT" envDefault:"8s"`
	MaxRetries   int           `env:"MAX_RETRIES" envDefault:"2"`

	// Mock replaces the HTTP client with an in-process fake.
	Mock            bool    `env:"MOCK" envDefault:"false"`
	MockFailureRate float64 `env:"MOCK_FAILURE_RATE" envDefault:"0.1"`
}

type DispatchConfig struct {
	RatePerSecond          float64       `env:"RATE_PER_SECOND" envDefault:"5"`
	Burst                  int           `env:"BURST" envDefault:"1"`
	Delay                  time.Duration `env:"DELAY" envDefault:"200ms"`
	MaxConsecutiveFailures int           `env:"MAX_CONSECUTIVE_FAILURES" envDefault:"0"`
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return Parse()
}

// Parse reads the process environment without touching .env files.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "postgres", "memory":
	case "sqlite", "sqlite3":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("DB_DSN is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	if !c.Gateway.Mock && c.Gateway.BaseURL == "" {
		errs = append(errs, errors.New("GATEWAY_BASE_URL is required unless GATEWAY_MOCK=true"))
	}
	if c.Gateway.ProbeTimeout <= 0 || c.Gateway.SendTimeout <= 0 {
		errs = append(errs, errors.New("gateway timeouts must be positive"))
	}
	if c.Dispatch.Delay < 0 {
		errs = append(errs, errors.New("DISPATCH_DELAY must not be negative"))
	}
	return errors.Join(errs...)
}
