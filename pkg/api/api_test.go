package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
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
	"github.com/ethpandaops/keygate/pkg/service"
	"github.com/ethpandaops/keygate/pkg/store"
	"github.com/ethpandaops/keygate/pkg/token"
)

const testPassword = "correct-horse"

type testServer struct {
	handler http.Handler
	store   store.Store
	tokens  token.Issuer
}

func setupServer(t *testing.T, rl config.RateLimitConfig) *testServer {
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
	}))

	clk := clock.NewManual(time.Now().UTC())

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
		ServiceID: "svc", DurationHours: 24, PricePerDevice: 100, Currency: "USD",
	})
	require.NoError(t, err)

	svc := service.New(log, service.Options{
		Users: s,
		Authz: authz.NewEngine(log, s),
		Gate: loginrisk.NewGate(log, loginCfg, s,
			lockout.NewDatabaseStore(log, s, lockout.PolicyFromConfig(loginCfg)), notify.Noop{}, clk),
		Tokens:  tokens,
		Keys:    keys.NewManager(log, &config.KeysConfig{MaxBatchSize: 10}, s, resolver, nil, clk),
		Pricing: resolver,
		Clock:   clk,
	})

	srv := NewServer(log, &config.ServerConfig{Listen: "127.0.0.1:0", RateLimit: rl}, svc)

	t.Cleanup(func() { _ = srv.Stop() })

	return &testServer{handler: srv.Handler(), store: s, tokens: tokens}
}

// accessToken mints a token for a seeded user without going through the
// device approval flow.
func (ts *testServer) accessToken(t *testing.T, username string) string {
	t.Helper()

	u, err := ts.store.GetUserByUsername(context.Background(), username)
	require.NoError(t, err)

	roles := make([]string, 0, len(u.Roles))
	for _, r := range u.Roles {
		roles = append(roles, r.Name)
	}

	pair, err := ts.tokens.Issue(&domain.Principal{
		ID:             u.ID,
		OrganizationID: u.OrganizationID,
		Username:       u.Username,
		Roles:          roles,
		Status:         domain.StatusActive,
	})
	require.NoError(t, err)

	return pair.Access.Value
}

func (ts *testServer) do(
	t *testing.T, method, path, bearer string, body any,
) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.10:40000"
	req.Header.Set("User-Agent", "client/1.0")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))

	return v
}

func TestServer_LoginApprovalFlow(t *testing.T) {
	ts := setupServer(t, config.RateLimitConfig{})
	login := loginRequest{Username: "alice", Password: testPassword, DeviceFingerprint: "laptop"}

	rec := ts.do(t, http.MethodPost, "/api/v1/auth/login", "", login)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	pending := decode[service.LoginResult](t, rec)
	require.Equal(t, service.LoginPendingApproval, pending.Status)
	require.NotEmpty(t, pending.RequestID)

	rec = ts.do(t, http.MethodGet, "/api/v1/auth/login-requests/"+pending.RequestID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.LoginStatusPending, decode[service.LoginRequestStatus](t, rec).Status)

	// Viewers cannot approve.
	rec = ts.do(t, http.MethodPost,
		"/api/v1/login-requests/"+pending.RequestID+"/approve", ts.accessToken(t, "bob"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	root := ts.accessToken(t, "root")

	rec = ts.do(t, http.MethodPost, "/api/v1/login-requests/"+pending.RequestID+"/approve", root, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/v1/login-requests/"+pending.RequestID+"/approve", root, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/auth/login", "", login)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	admitted := decode[service.LoginResult](t, rec)
	require.Equal(t, service.LoginAdmitted, admitted.Status)
	require.NotNil(t, admitted.Tokens)

	rec = ts.do(t, http.MethodGet, "/api/v1/auth/me", admitted.Tokens.Access.Value, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	me := decode[service.Identity](t, rec)
	assert.Equal(t, "alice", me.Username)
	assert.Contains(t, me.Permissions, "gaming_keys:create")

	rec = ts.do(t, http.MethodPost, "/api/v1/auth/refresh", "",
		refreshRequest{RefreshToken: admitted.Tokens.Refresh.Value})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decode[token.Token](t, rec).Value)

	// A refresh token is not an access token.
	rec = ts.do(t, http.MethodGet, "/api/v1/auth/me", admitted.Tokens.Refresh.Value, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_LoginFailures(t *testing.T) {
	ts := setupServer(t, config.RateLimitConfig{})

	bad := loginRequest{Username: "alice", Password: "wrong-password", DeviceFingerprint: "laptop"}

	for range 2 {
		rec := ts.do(t, http.MethodPost, "/api/v1/auth/login", "", bad)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := ts.do(t, http.MethodPost, "/api/v1/auth/login", "", bad)
	assert.Equal(t, http.StatusLocked, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/auth/login", "",
		loginRequest{Username: "alice", Password: testPassword, DeviceFingerprint: "laptop"})
	assert.Equal(t, http.StatusLocked, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/auth/login", "",
		loginRequest{Username: "nobody", Password: testPassword})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, domain.ErrInvalidCredentials.Error(), decode[errorResponse](t, rec).Error)

	rec = ts.do(t, http.MethodPost, "/api/v1/auth/login", "", loginRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_KeyLifecycle(t *testing.T) {
	ts := setupServer(t, config.RateLimitConfig{})
	alice := ts.accessToken(t, "alice")

	rec := ts.do(t, http.MethodPost, "/api/v1/keys", "", keys.GenerateRequest{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/keys", ts.accessToken(t, "bob"),
		keys.GenerateRequest{ServiceID: "svc", MaxDevices: 1, DurationHours: 24, Quantity: 1})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/keys", alice,
		keys.GenerateRequest{ServiceID: "other", MaxDevices: 1, DurationHours: 24, Quantity: 1})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/keys", alice,
		keys.GenerateRequest{ServiceID: "svc", MaxDevices: 1, DurationHours: 24, Quantity: 1})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	gen := decode[keys.GenerateResult](t, rec)
	require.Len(t, gen.Keys, 1)
	assert.Equal(t, int64(100), gen.TotalCost)

	keyID := gen.Keys[0].KeyID

	rec = ts.do(t, http.MethodPost, "/api/v1/keys/"+keyID+"/activate", "",
		activateRequest{DeviceFingerprint: "console-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[keys.ActivationResult](t, rec).NewDevice)

	rec = ts.do(t, http.MethodPost, "/api/v1/keys/"+keyID+"/activate", "",
		activateRequest{DeviceFingerprint: "console-2"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/keys/"+keyID+"/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, keys.StatusFull, decode[keys.KeyStatus](t, rec).Status)

	rec = ts.do(t, http.MethodGet, "/api/v1/keys/"+keyID+"/devices", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]store.DeviceUsage](t, rec), 1)

	rec = ts.do(t, http.MethodGet, "/api/v1/keys?service_id=svc", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]store.GamingKey](t, rec), 1)

	rec = ts.do(t, http.MethodGet, "/api/v1/keys?limit=abc", alice, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/v1/keys/"+keyID, alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/keys/"+keyID+"/activate", "",
		activateRequest{DeviceFingerprint: "console-1"})
	assert.Equal(t, http.StatusGone, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/keys/missing/status", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_PricingAndAdmin(t *testing.T) {
	ts := setupServer(t, config.RateLimitConfig{})
	root := ts.accessToken(t, "root")
	alice := ts.accessToken(t, "alice")

	rec := ts.do(t, http.MethodGet, "/api/v1/pricing/quote?service_id=svc&duration_hours=24&devices=3", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(300), decode[pricing.Quote](t, rec).TotalPrice)

	rec = ts.do(t, http.MethodPut, "/api/v1/admin/pricing-tiers", alice,
		pricing.Tier{ServiceID: "svc", DurationHours: 48, PricePerDevice: 150, Currency: "USD"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPut, "/api/v1/admin/pricing-tiers", root,
		pricing.Tier{ServiceID: "svc", DurationHours: 48, PricePerDevice: 150, Currency: "USD"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	tier := decode[pricing.Tier](t, rec)

	rec = ts.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/admin/pricing-tiers/%d", tier.ID), root, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/v1/admin/pricing-tiers/nope", root, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/admin/users", root, service.CreateUserInput{
		Username: "dave", Password: testPassword, OrganizationID: "org-1", Roles: []string{"viewer"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	dave := decode[store.User](t, rec)

	rec = ts.do(t, http.MethodGet, "/api/v1/admin/users/"+dave.ID, alice, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/admin/users/"+dave.ID, root, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dave", decode[service.UserDetail](t, rec).Username)

	rec = ts.do(t, http.MethodPost, "/api/v1/admin/users/"+dave.ID+"/unlock", root, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodPut, "/api/v1/admin/roles/auditor", root,
		upsertRoleRequest{Permissions: []string{"gaming_keys:read"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPut, "/api/v1/admin/roles/auditor", root,
		upsertRoleRequest{Permissions: []string{"bogus"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/v1/admin/roles/auditor", root, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/v1/admin/users/"+dave.ID, root, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestServer_RateLimit(t *testing.T) {
	ts := setupServer(t, config.RateLimitConfig{
		Enabled:       true,
		Auth:          config.RateLimitTier{RequestsPerMinute: 2},
		Activation:    config.RateLimitTier{RequestsPerMinute: 100},
		Authenticated: config.RateLimitTier{RequestsPerMinute: 100},
	})

	login := loginRequest{Username: "nobody", Password: testPassword}

	for range 2 {
		rec := ts.do(t, http.MethodPost, "/api/v1/auth/login", "", login)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := ts.do(t, http.MethodPost, "/api/v1/auth/login", "", login)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Other tiers keep their own budget.
	rec = ts.do(t, http.MethodGet, "/api/v1/keys/missing/status", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	ts := setupServer(t, config.RateLimitConfig{})

	rec := ts.do(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "keygate_http_requests_total")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "invalid credentials", err: domain.ErrInvalidCredentials, status: http.StatusUnauthorized},
		{name: "expired token", err: token.ErrExpired, status: http.StatusUnauthorized},
		{name: "locked out", err: domain.ErrLockedOut, status: http.StatusLocked},
		{name: "forbidden", err: domain.ErrForbidden, status: http.StatusForbidden},
		{name: "not found", err: fmt.Errorf("loading: %w", domain.ErrNotFound), status: http.StatusNotFound},
		{name: "already resolved", err: domain.ErrAlreadyResolved, status: http.StatusConflict},
		{name: "capacity", err: domain.ErrCapacityExceeded, status: http.StatusConflict},
		{name: "inactive", err: domain.ErrInactive, status: http.StatusGone},
		{name: "expired", err: domain.ErrExpired, status: http.StatusGone},
		{name: "pricing", err: domain.ErrInvalidPricing, status: http.StatusUnprocessableEntity},
		{name: "invalid request", err: domain.InvalidRequest("bad"), status: http.StatusBadRequest},
		{name: "unavailable", err: domain.Unavailable(errors.New("db down")), status: http.StatusServiceUnavailable},
		{name: "unknown", err: errors.New("boom"), status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, msg := statusFor(tt.err)
			assert.Equal(t, tt.status, status)
			assert.NotContains(t, msg, "db down")
			assert.NotContains(t, msg, "boom")
		})
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		remoteAddr string
		expected   string
	}{
		{name: "remote addr", remoteAddr: "192.0.2.1:1234", expected: "192.0.2.1"},
		{name: "forwarded chain", xff: "198.51.100.7, 10.0.0.1", remoteAddr: "10.0.0.1:80", expected: "198.51.100.7"},
		{name: "single forwarded", xff: "198.51.100.8", remoteAddr: "10.0.0.1:80", expected: "198.51.100.8"},
		{name: "no port", remoteAddr: "192.0.2.2", expected: "192.0.2.2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr

			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}

			assert.Equal(t, tt.expected, extractIP(req))
		})
	}
}
