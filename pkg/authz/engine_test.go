package authz

import (
	"context"
	"errors"
	"testing"

	"github.com/ethpandaops/keygate/pkg/domain"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	mapping map[string][]Permission
	err     error
	calls   int
}

func (c *countingSource) RolePermissions(_ context.Context) (map[string][]Permission, error) {
	c.calls++

	return c.mapping, c.err
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func principal(roles ...string) *domain.Principal {
	return &domain.Principal{
		ID:             "u-1",
		OrganizationID: "org-1",
		Roles:          roles,
		Status:         domain.StatusActive,
	}
}

func TestEngine_Authorize(t *testing.T) {
	src := StaticSource{
		"admin":  {AdminAll},
		"viewer": {{ResourceGamingKeys, ActionRead}},
		"issuer": {
			{ResourceGamingKeys, ActionCreate},
			{ResourceGamingKeys, ActionRead},
		},
	}
	e := NewEngine(testLogger(), src)
	ctx := context.Background()

	suspended := principal("admin")
	suspended.Status = domain.StatusSuspended

	tests := []struct {
		name     string
		p        *domain.Principal
		resource Resource
		action   Action
		want     bool
	}{
		{"granted permission", principal("viewer"), ResourceGamingKeys, ActionRead, true},
		{"read only cannot create", principal("viewer"), ResourceGamingKeys, ActionCreate, false},
		{"admin wildcard", principal("admin"), ResourceGamingKeys, ActionCreate, true},
		{"admin wildcard on other resource", principal("admin"), ResourceUsers, ActionDelete, true},
		{"union over roles", principal("viewer", "issuer"), ResourceGamingKeys, ActionCreate, true},
		{"no roles", principal(), ResourceGamingKeys, ActionRead, false},
		{"unknown role", principal("ghost"), ResourceGamingKeys, ActionRead, false},
		{"suspended principal", suspended, ResourceGamingKeys, ActionRead, false},
		{"nil principal", nil, ResourceGamingKeys, ActionRead, false},
		{"unknown resource even for admin", principal("admin"), Resource("reactor"), ActionRead, false},
		{"unknown action", principal("issuer"), ResourceGamingKeys, Action("launch"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Authorize(ctx, tt.p, tt.resource, tt.action))
		})
	}
}

func TestEngine_CachesUntilInvalidated(t *testing.T) {
	src := &countingSource{mapping: map[string][]Permission{
		"viewer": {{ResourceGamingKeys, ActionRead}},
	}}
	e := NewEngine(testLogger(), src)
	ctx := context.Background()

	assert.True(t, e.Authorize(ctx, principal("viewer"), ResourceGamingKeys, ActionRead))
	assert.True(t, e.Authorize(ctx, principal("viewer"), ResourceGamingKeys, ActionRead))
	assert.Equal(t, 1, src.calls)

	// Role edited externally: the engine must not stale-serve after invalidation.
	src.mapping = map[string][]Permission{"viewer": {}}
	e.Invalidate()

	assert.False(t, e.Authorize(ctx, principal("viewer"), ResourceGamingKeys, ActionRead))
	assert.Equal(t, 2, src.calls)
}

func TestEngine_FailsClosedOnSourceError(t *testing.T) {
	src := &countingSource{err: errors.New("db down")}
	e := NewEngine(testLogger(), src)

	assert.False(t, e.Authorize(
		context.Background(), principal("admin"), ResourceGamingKeys, ActionRead,
	))
	require.Error(t, e.Reload(context.Background()))
}

func TestEngine_Permissions(t *testing.T) {
	e := NewEngine(testLogger(), StaticSource{
		"a": {{ResourceGamingKeys, ActionRead}, {ResourcePricing, ActionRead}},
		"b": {{ResourceGamingKeys, ActionRead}, {ResourceLoginRequests, ActionApprove}},
	})

	perms := e.Permissions(context.Background(), principal("a", "b"))

	names := make([]string, 0, len(perms))
	for _, p := range perms {
		names = append(names, p.Name())
	}

	assert.Equal(t, []string{
		"gaming_keys:read", "login_requests:approve", "pricing:read",
	}, names)
}

func TestParsePermission(t *testing.T) {
	p, err := ParsePermission("gaming_keys:create")
	require.NoError(t, err)
	assert.Equal(t, Permission{ResourceGamingKeys, ActionCreate}, p)

	_, err = ParsePermission("gaming_keys")
	require.Error(t, err)

	_, err = ParsePermission("gaming_keys:launch")
	require.Error(t, err)

	p, err = ParsePermission(" admin:all ")
	require.NoError(t, err)
	assert.Equal(t, AdminAll, p)
}
