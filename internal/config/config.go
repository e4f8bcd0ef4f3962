// Package config resolves runtime configuration in priority order:
// defaults, then an optional YAML file, then RESELLR_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const envPrefix = "RESELLR"

// FileEnv names the variable holding the optional YAML config path.
const FileEnv = envPrefix + "_CONFIG_FILE"

type Config struct {
	Port    int    `yaml:"port" envconfig:"PORT" validate:"min=1,max=65535"`
	DBPath  string `yaml:"db_path" envconfig:"DB_PATH" validate:"required"`
	BaseURL string `yaml:"base_url" envconfig:"BASE_URL" validate:"omitempty,url"`

	LogLevel  string `yaml:"log_level" envconfig:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" envconfig:"LOG_FORMAT" validate:"oneof=text json"`

	TokenSecret string        `yaml:"token_secret" envconfig:"TOKEN_SECRET" validate:"required,min=32"`
	TokenIssuer string        `yaml:"token_issuer" envconfig:"TOKEN_ISSUER" validate:"required"`
	TokenTTL    time.Duration `yaml:"token_ttl" envconfig:"TOKEN_TTL" validate:"gt=0"`

	BcryptCost       int  `yaml:"bcrypt_cost" envconfig:"BCRYPT_COST" validate:"min=4,max=31"`
	CredentialEscrow bool `yaml:"credential_escrow" envconfig:"CREDENTIAL_ESCROW"`

	RetryAttempts  uint64        `yaml:"retry_attempts" envconfig:"RETRY_ATTEMPTS" validate:"max=10"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" envconfig:"RETRY_BASE_DELAY" validate:"gt=0"`

	RateLimit       int           `yaml:"rate_limit" envconfig:"RATE_LIMIT" validate:"min=0"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window" envconfig:"RATE_LIMIT_WINDOW" validate:"gt=0"`

	PostmarkToken string `yaml:"postmark_token" envconfig:"POSTMARK_TOKEN"`
	FromEmail     string `yaml:"from_email" envconfig:"FROM_EMAIL" validate:"required_with=PostmarkToken,omitempty,email"`

	WebsocketOrigins []string `yaml:"websocket_origins" envconfig:"WEBSOCKET_ORIGINS"`

	AdminEmail    string `yaml:"admin_email" envconfig:"ADMIN_EMAIL" validate:"omitempty,email"`
	AdminName     string `yaml:"admin_name" envconfig:"ADMIN_NAME"`
	AdminPassword string `yaml:"admin_password" envconfig:"ADMIN_PASSWORD" validate:"required_with=AdminEmail"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Port:             8080,
		DBPath:           "resellr.db",
		LogLevel:         "info",
		LogFormat:        "text",
		TokenIssuer:      "resellr",
		TokenTTL:         12 * time.Hour,
		BcryptCost:       12,
		CredentialEscrow: true,
		RetryAttempts:    3,
		RetryBaseDelay:   20 * time.Millisecond,
		RateLimit:        30,
		RateLimitWindow:  time.Minute,
		AdminName:        "Administrator",
		ShutdownTimeout:  10 * time.Second,
	}
}

// Load resolves the configuration. The YAML file named by RESELLR_CONFIG_FILE
// is optional; a missing file is an error only when the variable is set.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(FileEnv); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("config validation failed: %s fails %q", fe.Field(), fe.Tag())
	}
	return fmt.Errorf("config validation failed: %w", err)
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
