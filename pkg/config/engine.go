package config

import "time"

// Lockout backends.
const (
	LockoutBackendDatabase = "database"
	LockoutBackendRedis    = "redis"
)

// Export backends.
const (
	ExportBackendLocal = "local"
	ExportBackendS3    = "s3"
)

// LoginConfig holds the login risk thresholds. It is passed explicitly
// into the login gate at construction.
type LoginConfig struct {
	FingerprintingEnabled bool          `yaml:"fingerprinting_enabled" mapstructure:"fingerprinting_enabled"`
	MaxLoginAttempts      int           `yaml:"max_login_attempts" mapstructure:"max_login_attempts"`
	AttemptWindow         time.Duration `yaml:"attempt_window" mapstructure:"attempt_window"`
	LockoutDuration       time.Duration `yaml:"lockout_duration" mapstructure:"lockout_duration"`
	ApprovalWindow        time.Duration `yaml:"approval_window" mapstructure:"approval_window"`
	TrustFirstDevice      bool          `yaml:"trust_first_device" mapstructure:"trust_first_device"`
	LockoutBackend        string        `yaml:"lockout_backend" mapstructure:"lockout_backend"`
	Redis                 RedisConfig   `yaml:"redis,omitempty" mapstructure:"redis"`
}

// RedisConfig configures the Redis lockout backend.
type RedisConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr"`
	Password  string `yaml:"password,omitempty" mapstructure:"password"`
	DB        int    `yaml:"db" mapstructure:"db"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// KeysConfig contains key generation settings.
type KeysConfig struct {
	MaxBatchSize int    `yaml:"max_batch_size" mapstructure:"max_batch_size"`
	KeyPrefix    string `yaml:"key_prefix,omitempty" mapstructure:"key_prefix"`
}

// PricingConfig holds pricing tiers seeded on startup.
type PricingConfig struct {
	Tiers []PricingTierConfig `yaml:"tiers,omitempty" mapstructure:"tiers"`
}

// PricingTierConfig is a single seeded tier. Prices are in minor units.
type PricingTierConfig struct {
	ServiceID      string `yaml:"service_id" mapstructure:"service_id"`
	GameID         string `yaml:"game_id,omitempty" mapstructure:"game_id"`
	DurationHours  int    `yaml:"duration_hours" mapstructure:"duration_hours"`
	PricePerDevice int64  `yaml:"price_per_device" mapstructure:"price_per_device"`
	Currency       string `yaml:"currency" mapstructure:"currency"`
}

// NotifyConfig configures the notification dispatcher.
type NotifyConfig struct {
	Enabled   bool `yaml:"enabled" mapstructure:"enabled"`
	QueueSize int  `yaml:"queue_size" mapstructure:"queue_size"`
}

// ExportConfig configures key batch exports.
type ExportConfig struct {
	Enabled bool              `yaml:"enabled" mapstructure:"enabled"`
	Backend string            `yaml:"backend" mapstructure:"backend"`
	Local   LocalExportConfig `yaml:"local,omitempty" mapstructure:"local"`
	S3      S3ExportConfig    `yaml:"s3,omitempty" mapstructure:"s3"`
}

// LocalExportConfig writes batches to a directory.
type LocalExportConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
	// Owner is an optional "UID:GID" applied to exported files.
	Owner string `yaml:"owner,omitempty" mapstructure:"owner"`
}

// S3ExportConfig uploads batches to S3-compatible storage.
type S3ExportConfig struct {
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
}

// SweeperConfig configures the periodic expiry sweep.
type SweeperConfig struct {
	Enabled  bool          `yaml:"enabled" mapstructure:"enabled"`
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
}
