package config

import "time"

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled" mapstructure:"enabled"`
	Auth          RateLimitTier `yaml:"auth,omitempty" mapstructure:"auth"`
	Activation    RateLimitTier `yaml:"activation,omitempty" mapstructure:"activation"`
	Authenticated RateLimitTier `yaml:"authenticated,omitempty" mapstructure:"authenticated"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// AuthConfig contains token issuance settings and config-seeded users.
type AuthConfig struct {
	Issuer               string        `yaml:"issuer" mapstructure:"issuer"`
	TokenSecret          string        `yaml:"token_secret" mapstructure:"token_secret"`
	TokenKeyID           string        `yaml:"token_key_id" mapstructure:"token_key_id"`
	PreviousTokenSecrets []string      `yaml:"previous_token_secrets,omitempty" mapstructure:"previous_token_secrets"`
	AccessTokenTTL       time.Duration `yaml:"access_token_ttl" mapstructure:"access_token_ttl"`
	RefreshTokenTTL      time.Duration `yaml:"refresh_token_ttl" mapstructure:"refresh_token_ttl"`
	Users                []SeedUser    `yaml:"users,omitempty" mapstructure:"users"`
}

// SeedUser defines a user created from config on startup.
type SeedUser struct {
	Username       string   `yaml:"username" mapstructure:"username"`
	Password       string   `yaml:"password" mapstructure:"password"`
	OrganizationID string   `yaml:"organization_id" mapstructure:"organization_id"`
	Roles          []string `yaml:"roles" mapstructure:"roles"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}
