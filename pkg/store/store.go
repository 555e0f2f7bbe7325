package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/keygate/pkg/authz"
	"github.com/ethpandaops/keygate/pkg/config"
	"github.com/ethpandaops/keygate/pkg/domain"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store provides durable state for every engine component. All mutations
// that guard an invariant are single conditional statements or single
// transactions, so a caller abandoning a request never leaves partial state.
type Store interface {
	Start(ctx context.Context) error
	Stop() error
	Ping(ctx context.Context) error

	// User CRUD.
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	ListUsers(ctx context.Context, organizationID string) ([]User, error)
	CreateUser(ctx context.Context, user *User, roles []string) error
	UpdateUser(ctx context.Context, user *User) error
	SetUserRoles(ctx context.Context, userID string, roles []string) error
	DeleteUser(ctx context.Context, id string) error

	// Roles and permissions.
	ListRoles(ctx context.Context) ([]Role, error)
	UpsertRole(
		ctx context.Context, name, description string, perms []authz.Permission,
	) (*Role, error)
	DeleteRole(ctx context.Context, name string) error
	RolePermissions(ctx context.Context) (map[string][]authz.Permission, error)

	// Lockout state.
	GetLockoutState(ctx context.Context, userID string) (*LockoutState, error)
	SwapLockoutState(ctx context.Context, prev, next *LockoutState) (bool, error)
	DeleteLockoutState(ctx context.Context, userID string) error
	DeleteLockoutStateVersion(ctx context.Context, userID string, version int64) (bool, error)

	// Login requests.
	CreatePendingLoginRequest(ctx context.Context, req *LoginRequest) (bool, error)
	GetLoginRequest(ctx context.Context, id string) (*LoginRequest, error)
	GetPendingLoginRequest(
		ctx context.Context, userID, fingerprint string,
	) (*LoginRequest, error)
	ListLoginRequests(
		ctx context.Context, filter LoginRequestFilter,
	) ([]LoginRequest, error)
	ApproveLoginRequest(
		ctx context.Context, id, approverID string, now time.Time,
	) (bool, error)
	RejectLoginRequest(
		ctx context.Context, id, reason string, now time.Time,
	) (bool, error)
	ExpireLoginRequest(ctx context.Context, id string, now time.Time) (bool, error)
	ExpirePendingLoginRequests(ctx context.Context, now time.Time) (int64, error)

	// Trusted devices.
	IsTrustedDevice(ctx context.Context, userID, fingerprint string) (bool, error)
	TrustDevice(ctx context.Context, device *TrustedDevice) error
	TouchTrustedDevice(
		ctx context.Context, userID, fingerprint string, now time.Time,
	) error
	CountTrustedDevices(ctx context.Context, userID string) (int64, error)
	ListTrustedDevices(ctx context.Context, userID string) ([]TrustedDevice, error)
	DeleteTrustedDevice(ctx context.Context, userID, fingerprint string) error

	// Gaming keys.
	CreateGamingKeys(ctx context.Context, keys []*GamingKey) error
	GetGamingKey(ctx context.Context, keyID string) (*GamingKey, error)
	GamingKeyExists(ctx context.Context, keyID string) (bool, error)
	ListGamingKeys(ctx context.Context, filter KeyFilter) ([]GamingKey, error)
	ActivateGamingKey(
		ctx context.Context, keyID, fingerprint string, now time.Time,
	) (*Activation, error)
	RevokeGamingKey(ctx context.Context, keyID string, now time.Time) (bool, error)
	ExpireGamingKey(ctx context.Context, keyID string) (bool, error)
	ExpireGamingKeys(ctx context.Context, now time.Time) (int64, error)
	ListDeviceUsage(ctx context.Context, keyID string) ([]DeviceUsage, error)

	// Pricing tiers.
	ListPricingTiers(ctx context.Context) ([]PricingTier, error)
	UpsertPricingTier(ctx context.Context, tier *PricingTier) error
	DeletePricingTier(ctx context.Context, id uint) error

	// Seeding from config.
	SeedRoles(ctx context.Context, roles map[string][]authz.Permission) error
	SeedUsers(ctx context.Context, users []config.SeedUser) error
	SeedPricingTiers(ctx context.Context, tiers []config.PricingTierConfig) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection, runs migrations and seeds the
// permission catalog.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		// SQLite serializes writers; a single connection turns contention
		// into queueing instead of SQLITE_BUSY and keeps :memory: databases
		// on one handle.
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Permission{},
		&Role{},
		&User{},
		&LockoutState{},
		&LoginRequest{},
		&TrustedDevice{},
		&GamingKey{},
		&DeviceUsage{},
		&PricingTier{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	if err := s.db.WithContext(ctx).Exec(
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_login_requests_one_pending " +
			"ON login_requests (user_id, device_fingerprint) " +
			"WHERE status = 'pending'",
	).Error; err != nil {
		return fmt.Errorf("creating pending login request index: %w", err)
	}

	if err := s.seedPermissions(ctx); err != nil {
		return err
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// Ping checks the database is reachable.
func (s *store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return domain.Unavailable(err)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return domain.Unavailable(err)
	}

	return nil
}

// seedPermissions makes sure every catalog permission has a row.
func (s *store) seedPermissions(ctx context.Context) error {
	for _, p := range authz.Catalog() {
		row := Permission{
			Resource: string(p.Resource),
			Action:   string(p.Action),
			Name:     p.Name(),
		}

		if err := s.db.WithContext(ctx).
			Where("name = ?", row.Name).
			FirstOrCreate(&row).Error; err != nil {
			return fmt.Errorf("seeding permission %s: %w", row.Name, err)
		}
	}

	return nil
}

// wrapErr maps gorm errors onto the domain taxonomy.
func wrapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w: already exists", op, domain.ErrInvalidRequest)
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrInvalidRequest):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w", op, domain.Unavailable(err))
	}
}
