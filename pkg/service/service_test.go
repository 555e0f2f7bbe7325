package service

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/keygate/pkg/authz"
	"github.com/ethpandaops/keygate/pkg/clock"
	"github.com/ethpandaops/keygate/pkg/config"
	"github.com/ethpandaops/keygate/pkg/domain"
	"github.com/ethpandaops/keygate/pkg/keys"
	"github.com/ethpandaops/keygate/pkg/lockout"
	"github.com/ethpandaops/keygate/pkg/loginrisk"
	"github.com/ethpandaops/keygate/pkg/notify"
	"github.com/ethpandaops/keygate/pkg/pricing"
	"github.com/ethpandaops/keygate/pkg/store"
	"github.com/ethpandaops/keygate/pkg/token"
)

const testPassword = "correct-horse"

type testEnv struct {
	svc    *Service
	store  store.Store
	clk    *clock.Manual
	tokens token.Issuer
}

func setupService(t *testing.T) *testEnv {
	t.Helper()

	ctx := context.Background()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, s.Start(ctx))

	t.Cleanup(func() { _ = s.Stop() })

	roles := make(map[string][]authz.Permission)

	for name, names := range config.DefaultRoles() {
		perms, err := authz.ParsePermissions(names)
		require.NoError(t, err)

		roles[name] = perms
	}

	require.NoError(t, s.SeedRoles(ctx, roles))
	require.NoError(t, s.SeedUsers(ctx, []config.SeedUser{
		{Username: "root", Password: testPassword, OrganizationID: "org-admin", Roles: []string{"admin"}},
		{Username: "alice", Password: testPassword, OrganizationID: "org-1", Roles: []string{"manager"}},
		{Username: "bob", Password: testPassword, OrganizationID: "org-1", Roles: []string{"viewer"}},
		{Username: "carol", Password: testPassword, OrganizationID: "org-2", Roles: []string{"manager"}},
	}))

	clk := clock.NewManual(time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC))

	loginCfg := &config.LoginConfig{
		FingerprintingEnabled: true,
		MaxLoginAttempts:      3,
		AttemptWindow:         15 * time.Minute,
		LockoutDuration:       30 * time.Minute,
		ApprovalWindow:        time.Hour,
		LockoutBackend:        config.LockoutBackendDatabase,
	}

	tokens, err := token.NewIssuer(log, &config.AuthConfig{
		Issuer:          "keygate",
		TokenSecret:     "0123456789abcdef0123456789abcdef",
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 24 * time.Hour,
	}, clk)
	require.NoError(t, err)

	resolver := pricing.NewResolver(log, s)
	_, err = resolver.UpsertTier(ctx, pricing.Tier{
		ServiceID: "svc", DurationHours: 24, PricePerDevice: 250, Currency: "EUR",
	})
	require.NoError(t, err)

	gate := loginrisk.NewGate(log, loginCfg, s,
		lockout.NewDatabaseStore(log, s, lockout.PolicyFromConfig(loginCfg)), notify.Noop{}, clk)

	svc := New(log, Options{
		Users:   s,
		Authz:   authz.NewEngine(log, s),
		Gate:    gate,
		Tokens:  tokens,
		Keys:    keys.NewManager(log, &config.KeysConfig{MaxBatchSize: 100}, s, resolver, nil, clk),
		Pricing: resolver,
		Clock:   clk,
	})

	return &testEnv{svc: svc, store: s, clk: clk, tokens: tokens}
}

func (e *testEnv) principal(t *testing.T, username string) *domain.Principal {
	t.Helper()

	u, err := e.store.GetUserByUsername(context.Background(), username)
	require.NoError(t, err)

	return principalFor(u)
}

func device(fp string) domain.DeviceContext {
	return domain.DeviceContext{Fingerprint: fp, IPAddress: "192.0.2.10", UserAgent: "client/1.0"}
}

func TestService_LoginApprovalFlow(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	in := LoginInput{Username: "alice", Password: testPassword, Device: device("laptop")}

	first, err := env.svc.Login(ctx, in)
	require.NoError(t, err)
	require.Equal(t, LoginPendingApproval, first.Status)
	assert.Nil(t, first.Tokens)

	again, err := env.svc.Login(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.RequestID, again.RequestID)

	st, err := env.svc.LoginStatus(ctx, first.RequestID)
	require.NoError(t, err)
	assert.Equal(t, store.LoginStatusPending, st.Status)

	pending, err := env.svc.ListPendingLogins(ctx, env.principal(t, "alice"), "")
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	_, err = env.svc.ApproveLogin(ctx, env.principal(t, "bob"), first.RequestID)
	require.ErrorIs(t, err, domain.ErrForbidden)

	// Approvers of another organization cannot see the request at all.
	_, err = env.svc.ApproveLogin(ctx, env.principal(t, "carol"), first.RequestID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = env.svc.ApproveLogin(ctx, env.principal(t, "root"), first.RequestID)
	require.NoError(t, err)

	admitted, err := env.svc.Login(ctx, in)
	require.NoError(t, err)
	require.Equal(t, LoginAdmitted, admitted.Status)
	require.NotNil(t, admitted.Tokens)
	assert.Equal(t, "org-1", admitted.User.OrganizationID)

	p, err := env.svc.Authenticate(ctx, admitted.Tokens.Access.Value)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Username)

	_, err = env.svc.Authenticate(ctx, admitted.Tokens.Refresh.Value)
	require.ErrorIs(t, err, domain.ErrUnauthenticated)

	refreshed, err := env.svc.Refresh(ctx, admitted.Tokens.Refresh.Value)
	require.NoError(t, err)

	_, err = env.svc.Authenticate(ctx, refreshed.Value)
	require.NoError(t, err)

	me, err := env.svc.Me(ctx, p)
	require.NoError(t, err)
	assert.Contains(t, me.Permissions, "login_requests:approve")
	assert.NotContains(t, me.Permissions, "admin:all")
}

func TestService_LoginFailuresAndUnlock(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	_, err := env.svc.Login(ctx, LoginInput{Username: "nobody", Password: testPassword, Device: device("laptop")})
	require.ErrorIs(t, err, domain.ErrInvalidCredentials)

	_, err = env.svc.Login(ctx, LoginInput{Username: "", Password: ""})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	// Without a fingerprint or user agent every client would share one
	// device identity.
	_, err = env.svc.Login(ctx, LoginInput{
		Username: "alice", Password: testPassword,
		Device: domain.DeviceContext{IPAddress: "192.0.2.10", UserAgent: "  "},
	})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	bad := LoginInput{Username: "alice", Password: "wrong-password", Device: device("laptop")}

	for range 2 {
		_, err = env.svc.Login(ctx, bad)
		require.ErrorIs(t, err, domain.ErrInvalidCredentials)
	}

	_, err = env.svc.Login(ctx, bad)
	require.ErrorIs(t, err, domain.ErrLockedOut)

	good := LoginInput{Username: "alice", Password: testPassword, Device: device("laptop")}

	_, err = env.svc.Login(ctx, good)
	require.ErrorIs(t, err, domain.ErrLockedOut)

	alice := env.principal(t, "alice")

	detail, err := env.svc.GetUser(ctx, env.principal(t, "root"), alice.ID)
	require.NoError(t, err)
	require.NotNil(t, detail.Lockout.LockedUntil)

	require.ErrorIs(t, env.svc.UnlockUser(ctx, env.principal(t, "bob"), alice.ID), domain.ErrForbidden)
	require.NoError(t, env.svc.UnlockUser(ctx, env.principal(t, "root"), alice.ID))

	res, err := env.svc.Login(ctx, good)
	require.NoError(t, err)
	assert.Equal(t, LoginPendingApproval, res.Status)
}

func TestService_SuspendedUserIsShutOut(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	bob := env.principal(t, "bob")

	pair, err := env.tokens.Issue(bob)
	require.NoError(t, err)

	status := store.UserStatusSuspended
	_, err = env.svc.UpdateUser(ctx, env.principal(t, "root"), bob.ID, UpdateUserInput{Status: &status})
	require.NoError(t, err)

	_, err = env.svc.Login(ctx, LoginInput{Username: "bob", Password: testPassword, Device: device("phone")})
	require.ErrorIs(t, err, domain.ErrInvalidCredentials)

	_, err = env.svc.Authenticate(ctx, pair.Access.Value)
	require.ErrorIs(t, err, domain.ErrUnauthenticated)

	_, err = env.svc.Refresh(ctx, pair.Refresh.Value)
	require.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestService_GenerateKeysPermission(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	req := keys.GenerateRequest{ServiceID: "svc", MaxDevices: 4, DurationHours: 24, Quantity: 5}

	tests := []struct {
		name     string
		username string
		wantErr  error
	}{
		{name: "read only permission is forbidden", username: "bob", wantErr: domain.ErrForbidden},
		{name: "manager may generate", username: "alice"},
		{name: "admin all overrides", username: "root"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := env.svc.GenerateKeys(ctx, env.principal(t, tt.username), req)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			require.Len(t, res.Keys, 5)
			assert.Equal(t, int64(1000), res.Keys[0].TotalCost)
			assert.Equal(t, int64(5000), res.TotalCost)
		})
	}

	_, err := env.svc.GenerateKeys(ctx, nil, req)
	require.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestService_KeysAreOrganizationScoped(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	alice := env.principal(t, "alice")
	carol := env.principal(t, "carol")
	root := env.principal(t, "root")

	res, err := env.svc.GenerateKeys(ctx, alice, keys.GenerateRequest{
		ServiceID: "svc", MaxDevices: 1, DurationHours: 24, Quantity: 2,
	})
	require.NoError(t, err)

	keyID := res.Keys[0].KeyID

	_, err = env.svc.GetKey(ctx, carol, keyID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = env.svc.RevokeKey(ctx, carol, keyID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = env.svc.GetKey(ctx, root, keyID)
	require.NoError(t, err)

	own, err := env.svc.ListKeys(ctx, alice, KeyQuery{OrganizationID: "org-2"})
	require.NoError(t, err)
	assert.Len(t, own, 2)

	other, err := env.svc.ListKeys(ctx, carol, KeyQuery{})
	require.NoError(t, err)
	assert.Empty(t, other)

	all, err := env.svc.ListKeys(ctx, root, KeyQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	act, err := env.svc.ActivateKey(ctx, keyID, "console-1")
	require.NoError(t, err)
	assert.True(t, act.NewDevice)

	_, err = env.svc.ActivateKey(ctx, keyID, "console-2")
	require.ErrorIs(t, err, domain.ErrCapacityExceeded)

	devices, err := env.svc.KeyDevices(ctx, alice, keyID)
	require.NoError(t, err)
	assert.Len(t, devices, 1)

	revoked, err := env.svc.RevokeKey(ctx, alice, keyID)
	require.NoError(t, err)
	assert.False(t, revoked.IsActive)

	st, err := env.svc.ValidateKey(ctx, keyID)
	require.NoError(t, err)
	assert.Equal(t, keys.StatusRevoked, st.Status)
}

func TestService_RoleChangesApplyImmediately(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	bob := env.principal(t, "bob")
	req := keys.GenerateRequest{ServiceID: "svc", MaxDevices: 1, DurationHours: 24, Quantity: 1}

	_, err := env.svc.GenerateKeys(ctx, bob, req)
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = env.svc.UpsertRole(ctx, env.principal(t, "alice"), RoleInput{Name: "viewer"})
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = env.svc.UpsertRole(ctx, env.principal(t, "root"), RoleInput{
		Name:        "viewer",
		Permissions: []string{"gaming_keys:read", "gaming_keys:create"},
	})
	require.NoError(t, err)

	_, err = env.svc.GenerateKeys(ctx, bob, req)
	require.NoError(t, err)

	_, err = env.svc.UpsertRole(ctx, env.principal(t, "root"), RoleInput{
		Name: "broken", Permissions: []string{"gaming_keys:explode"},
	})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestService_UserAdministration(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	root := env.principal(t, "root")

	_, err := env.svc.UpsertRole(ctx, root, RoleInput{
		Name:        "hr",
		Permissions: []string{"users:create", "users:read"},
	})
	require.NoError(t, err)

	dave, err := env.svc.CreateUser(ctx, root, CreateUserInput{
		Username: "dave", Password: testPassword, OrganizationID: "org-1", Roles: []string{"hr"},
	})
	require.NoError(t, err)

	hr := principalFor(dave)
	hr.Roles = []string{"hr"}

	_, err = env.svc.CreateUser(ctx, hr, CreateUserInput{
		Username: "eve", Password: testPassword, Roles: []string{"admin"},
	})
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = env.svc.CreateUser(ctx, hr, CreateUserInput{
		Username: "eve", Password: testPassword, OrganizationID: "org-2", Roles: []string{"viewer"},
	})
	require.ErrorIs(t, err, domain.ErrForbidden)

	eve, err := env.svc.CreateUser(ctx, hr, CreateUserInput{
		Username: "eve", Password: testPassword, Roles: []string{"viewer"},
	})
	require.NoError(t, err)
	assert.Equal(t, "org-1", eve.OrganizationID)
	assert.Equal(t, store.SourceAdmin, eve.Source)

	_, err = env.svc.CreateUser(ctx, hr, CreateUserInput{
		Username: "eve", Password: testPassword,
	})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = env.svc.CreateUser(ctx, hr, CreateUserInput{Username: "frank", Password: "short"})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	users, err := env.svc.ListUsers(ctx, hr, "")
	require.NoError(t, err)
	assert.Len(t, users, 4)

	require.ErrorIs(t, env.svc.DeleteUser(ctx, root, root.ID), domain.ErrInvalidRequest)
	require.NoError(t, env.svc.DeleteUser(ctx, root, eve.ID))
}

func TestService_AdminAccountsNeedAdminToChange(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	root := env.principal(t, "root")

	_, err := env.svc.UpsertRole(ctx, root, RoleInput{
		Name:        "support",
		Permissions: []string{"users:read", "users:update", "users:delete"},
	})
	require.NoError(t, err)

	sam, err := env.svc.CreateUser(ctx, root, CreateUserInput{
		Username: "sam", Password: testPassword, OrganizationID: "org-admin", Roles: []string{"support"},
	})
	require.NoError(t, err)

	support := principalFor(sam)
	support.Roles = []string{"support"}

	second, err := env.svc.CreateUser(ctx, root, CreateUserInput{
		Username: "root2", Password: testPassword, OrganizationID: "org-admin", Roles: []string{"admin"},
	})
	require.NoError(t, err)

	suspended := store.UserStatusSuspended
	_, err = env.svc.UpdateUser(ctx, root, second.ID, UpdateUserInput{Status: &suspended})
	require.NoError(t, err)

	newPassword := "chosen-by-support"
	active := store.UserStatusActive

	for _, target := range []string{root.ID, second.ID} {
		_, err = env.svc.UpdateUser(ctx, support, target, UpdateUserInput{Password: &newPassword})
		require.ErrorIs(t, err, domain.ErrForbidden)

		_, err = env.svc.UpdateUser(ctx, support, target, UpdateUserInput{Status: &active})
		require.ErrorIs(t, err, domain.ErrForbidden)

		require.ErrorIs(t, env.svc.UnlockUser(ctx, support, target), domain.ErrForbidden)
		require.ErrorIs(t, env.svc.RevokeTrustedDevice(ctx, support, target, "fp"), domain.ErrForbidden)
		require.ErrorIs(t, env.svc.DeleteUser(ctx, support, target), domain.ErrForbidden)
	}

	_, err = env.svc.Login(ctx, LoginInput{Username: "root", Password: newPassword, Device: device("laptop")})
	require.ErrorIs(t, err, domain.ErrInvalidCredentials)

	// Non-admin accounts stay manageable.
	_, err = env.svc.UpdateUser(ctx, support, sam.ID, UpdateUserInput{Password: &newPassword})
	require.NoError(t, err)

	detail, err := env.svc.GetUser(ctx, support, root.ID)
	require.NoError(t, err)
	assert.Equal(t, "root", detail.Username)

	_, err = env.svc.UpdateUser(ctx, root, second.ID, UpdateUserInput{Status: &active})
	require.NoError(t, err)
}

func TestService_QuoteAndTiers(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	q, err := env.svc.Quote(ctx, env.principal(t, "bob"), QuoteRequest{
		ServiceID: "svc", DurationHours: 24, Devices: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(750), q.TotalPrice)
	assert.Equal(t, "EUR", q.Currency)

	_, err = env.svc.UpsertPricingTier(ctx, env.principal(t, "alice"), pricing.Tier{
		ServiceID: "svc", DurationHours: 48, PricePerDevice: 400, Currency: "EUR",
	})
	require.ErrorIs(t, err, domain.ErrForbidden)

	tier, err := env.svc.UpsertPricingTier(ctx, env.principal(t, "root"), pricing.Tier{
		ServiceID: "svc", DurationHours: 48, PricePerDevice: 400, Currency: "EUR",
	})
	require.NoError(t, err)

	tiers, err := env.svc.PricingTiers(ctx, env.principal(t, "bob"))
	require.NoError(t, err)
	assert.Len(t, tiers, 2)

	require.NoError(t, env.svc.DeletePricingTier(ctx, env.principal(t, "root"), tier.ID))

	_, err = env.svc.Quote(ctx, env.principal(t, "bob"), QuoteRequest{
		ServiceID: "svc", DurationHours: 48, Devices: 1,
	})
	require.ErrorIs(t, err, domain.ErrInvalidPricing)
}

func TestService_Sweep(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	_, err := env.svc.Login(ctx, LoginInput{Username: "alice", Password: testPassword, Device: device("laptop")})
	require.NoError(t, err)

	_, err = env.svc.GenerateKeys(ctx, env.principal(t, "alice"), keys.GenerateRequest{
		ServiceID: "svc", MaxDevices: 1, DurationHours: 24, Quantity: 3,
	})
	require.NoError(t, err)

	env.clk.Advance(25 * time.Hour)

	res, err := env.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.LoginRequests)
	assert.Equal(t, int64(3), res.Keys)
}

func TestSweeper_RunsPeriodically(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	res, err := env.svc.Login(ctx, LoginInput{Username: "alice", Password: testPassword, Device: device("laptop")})
	require.NoError(t, err)

	env.clk.Advance(2 * time.Hour)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	sw := NewSweeper(log, env.svc, 10*time.Millisecond)
	sw.Start(ctx)

	t.Cleanup(sw.Stop)

	assert.Eventually(t, func() bool {
		req, err := env.store.GetLoginRequest(ctx, res.RequestID)

		return err == nil && req.Status == store.LoginStatusExpired
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSweeper_StopTwice(t *testing.T) {
	env := setupService(t)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	sw := NewSweeper(log, env.svc, time.Hour)
	sw.Start(context.Background())

	sw.Stop()
	assert.NotPanics(t, sw.Stop)
}
