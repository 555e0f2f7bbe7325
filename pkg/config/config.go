package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/keygate/pkg/authz"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is prepended to every environment override,
	// e.g. KEYGATE_LOGIN_MAX_LOGIN_ATTEMPTS.
	EnvPrefix = "KEYGATE"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultMaxLoginAttempts is the number of failures that triggers a lockout.
	DefaultMaxLoginAttempts = 5

	// DefaultMaxBatchSize caps a single bulk generation request.
	DefaultMaxBatchSize = 1000

	minTokenSecretLength = 32
)

// Config is the root configuration for keygate.
type Config struct {
	Server   ServerConfig        `yaml:"server" mapstructure:"server"`
	Database DatabaseConfig      `yaml:"database" mapstructure:"database"`
	Auth     AuthConfig          `yaml:"auth" mapstructure:"auth"`
	Login    LoginConfig         `yaml:"login" mapstructure:"login"`
	Roles    map[string][]string `yaml:"roles,omitempty" mapstructure:"roles"`
	Pricing  PricingConfig       `yaml:"pricing,omitempty" mapstructure:"pricing"`
	Keys     KeysConfig          `yaml:"keys" mapstructure:"keys"`
	Notify   NotifyConfig        `yaml:"notify" mapstructure:"notify"`
	Export   ExportConfig        `yaml:"export,omitempty" mapstructure:"export"`
	Sweeper  SweeperConfig       `yaml:"sweeper" mapstructure:"sweeper"`
}

// DefaultRoles is used when no roles are configured.
func DefaultRoles() map[string][]string {
	return map[string][]string{
		"admin": {"admin:all"},
		"manager": {
			"gaming_keys:create", "gaming_keys:read", "gaming_keys:delete",
			"pricing:read", "login_requests:read", "login_requests:approve",
		},
		"viewer": {"gaming_keys:read", "pricing:read"},
	}
}

// defaults lists every scalar key so that env overrides resolve even when
// the key is absent from the config file.
var defaults = map[string]any{
	"server.listen":                                       DefaultListen,
	"server.cors_origins":                                 []string{},
	"server.rate_limit.enabled":                           true,
	"server.rate_limit.auth.requests_per_minute":          20,
	"server.rate_limit.activation.requests_per_minute":    60,
	"server.rate_limit.authenticated.requests_per_minute": 300,

	"database.driver":            "sqlite",
	"database.sqlite.path":       "keygate.db",
	"database.postgres.host":     "localhost",
	"database.postgres.port":     5432,
	"database.postgres.user":     "keygate",
	"database.postgres.password": "",
	"database.postgres.database": "keygate",
	"database.postgres.ssl_mode": "disable",

	"auth.issuer":            "keygate",
	"auth.token_secret":      "",
	"auth.token_key_id":      "primary",
	"auth.access_token_ttl":  "1h",
	"auth.refresh_token_ttl": "168h",

	"login.fingerprinting_enabled": true,
	"login.max_login_attempts":     DefaultMaxLoginAttempts,
	"login.attempt_window":         "15m",
	"login.lockout_duration":       "30m",
	"login.approval_window":        "24h",
	"login.trust_first_device":     false,
	"login.lockout_backend":        LockoutBackendDatabase,
	"login.redis.addr":             "localhost:6379",
	"login.redis.password":         "",
	"login.redis.db":               0,
	"login.redis.key_prefix":       "keygate:lockout:",

	"keys.max_batch_size": DefaultMaxBatchSize,
	"keys.key_prefix":     "",

	"notify.enabled":    true,
	"notify.queue_size": 256,

	"export.enabled":              false,
	"export.backend":              ExportBackendLocal,
	"export.local.dir":            "./exports",
	"export.local.owner":          "",
	"export.s3.endpoint_url":      "",
	"export.s3.region":            "",
	"export.s3.bucket":            "",
	"export.s3.access_key_id":     "",
	"export.s3.secret_access_key": "",
	"export.s3.force_path_style":  false,
	"export.s3.prefix":            "key-batches",

	"sweeper.enabled":  true,
	"sweeper.interval": "1m",
}

// Load reads and merges the given configuration files in order, applies
// KEYGATE_* environment overrides and fills defaults.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	for i, path := range paths {
		v.SetConfigFile(path)

		read := v.MergeInConfig
		if i == 0 {
			read = v.ReadInConfig
		}

		if err := read(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets defaults that viper cannot express as flat keys.
func (c *Config) applyDefaults() {
	if len(c.Roles) == 0 {
		c.Roles = DefaultRoles()
	}

	if c.Keys.MaxBatchSize <= 0 {
		c.Keys.MaxBatchSize = DefaultMaxBatchSize
	}

	if c.Login.MaxLoginAttempts <= 0 {
		c.Login.MaxLoginAttempts = DefaultMaxLoginAttempts
	}

	for i := range c.Pricing.Tiers {
		c.Pricing.Tiers[i].Currency = strings.ToUpper(c.Pricing.Tiers[i].Currency)
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" || c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres host and database are required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if len(c.Auth.TokenSecret) < minTokenSecretLength {
		return fmt.Errorf(
			"auth.token_secret must be at least %d characters", minTokenSecretLength,
		)
	}

	if c.Auth.AccessTokenTTL <= 0 || c.Auth.RefreshTokenTTL <= 0 {
		return fmt.Errorf("auth token ttls must be positive")
	}

	if c.Auth.RefreshTokenTTL < c.Auth.AccessTokenTTL {
		return fmt.Errorf("auth.refresh_token_ttl must not be shorter than access_token_ttl")
	}

	if err := c.validateLogin(); err != nil {
		return err
	}

	for role, perms := range c.Roles {
		if role == "" {
			return fmt.Errorf("roles: empty role name")
		}

		if _, err := authz.ParsePermissions(perms); err != nil {
			return fmt.Errorf("role %q: %w", role, err)
		}
	}

	for i, u := range c.Auth.Users {
		if u.Username == "" || u.Password == "" {
			return fmt.Errorf("auth.users[%d]: username and password are required", i)
		}

		if u.OrganizationID == "" {
			return fmt.Errorf("auth.users[%d]: organization_id is required", i)
		}

		for _, role := range u.Roles {
			if _, ok := c.Roles[role]; !ok {
				return fmt.Errorf("auth.users[%d]: unknown role %q", i, role)
			}
		}
	}

	for i, t := range c.Pricing.Tiers {
		if t.ServiceID == "" {
			return fmt.Errorf("pricing.tiers[%d]: service_id is required", i)
		}

		if t.DurationHours <= 0 || t.PricePerDevice <= 0 {
			return fmt.Errorf(
				"pricing.tiers[%d]: duration_hours and price_per_device must be positive", i,
			)
		}

		if len(t.Currency) != 3 {
			return fmt.Errorf("pricing.tiers[%d]: currency must be a 3-letter code", i)
		}
	}

	if c.Export.Enabled {
		switch c.Export.Backend {
		case ExportBackendLocal:
			if c.Export.Local.Dir == "" {
				return fmt.Errorf("export.local.dir is required")
			}
		case ExportBackendS3:
			if c.Export.S3.Bucket == "" {
				return fmt.Errorf("export.s3.bucket is required")
			}
		default:
			return fmt.Errorf("unsupported export backend %q", c.Export.Backend)
		}
	}

	if c.Sweeper.Enabled && c.Sweeper.Interval < time.Second {
		return fmt.Errorf("sweeper.interval must be at least 1s")
	}

	return nil
}

func (c *Config) validateLogin() error {
	l := c.Login

	if l.AttemptWindow <= 0 || l.LockoutDuration <= 0 || l.ApprovalWindow <= 0 {
		return fmt.Errorf(
			"login attempt_window, lockout_duration and approval_window must be positive",
		)
	}

	switch l.LockoutBackend {
	case LockoutBackendDatabase:
	case LockoutBackendRedis:
		if l.Redis.Addr == "" {
			return fmt.Errorf("login.redis.addr is required for the redis lockout backend")
		}
	default:
		return fmt.Errorf("unsupported lockout backend %q", l.LockoutBackend)
	}

	return nil
}
