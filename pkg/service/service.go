// Package service is the transport-agnostic facade over the login gate,
// token issuer, key manager and pricing resolver. Every exported
// operation performs its own permission and organization checks.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/keygate/pkg/authz"
	"github.com/ethpandaops/keygate/pkg/clock"
	"github.com/ethpandaops/keygate/pkg/domain"
	"github.com/ethpandaops/keygate/pkg/keys"
	"github.com/ethpandaops/keygate/pkg/loginrisk"
	"github.com/ethpandaops/keygate/pkg/pricing"
	"github.com/ethpandaops/keygate/pkg/store"
	"github.com/ethpandaops/keygate/pkg/token"
	"github.com/sirupsen/logrus"
)

// UserStore is the identity persistence the service administers.
type UserStore interface {
	GetUserByID(ctx context.Context, id string) (*store.User, error)
	GetUserByUsername(ctx context.Context, username string) (*store.User, error)
	ListUsers(ctx context.Context, organizationID string) ([]store.User, error)
	CreateUser(ctx context.Context, user *store.User, roles []string) error
	UpdateUser(ctx context.Context, user *store.User) error
	SetUserRoles(ctx context.Context, userID string, roles []string) error
	DeleteUser(ctx context.Context, id string) error

	ListRoles(ctx context.Context) ([]store.Role, error)
	UpsertRole(
		ctx context.Context, name, description string, perms []authz.Permission,
	) (*store.Role, error)
	DeleteRole(ctx context.Context, name string) error

	Ping(ctx context.Context) error
}

// Options wires the service to its collaborators.
type Options struct {
	Users   UserStore
	Authz   authz.Engine
	Gate    loginrisk.Gate
	Tokens  token.Issuer
	Keys    keys.Manager
	Pricing pricing.Resolver
	Clock   clock.Clock
}

// Service is the engine's exposed surface.
type Service struct {
	log     logrus.FieldLogger
	users   UserStore
	authz   authz.Engine
	gate    loginrisk.Gate
	tokens  token.Issuer
	keys    keys.Manager
	pricing pricing.Resolver
	clk     clock.Clock
}

// New creates a Service.
func New(log logrus.FieldLogger, opts Options) *Service {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	return &Service{
		log:     log.WithField("component", "service"),
		users:   opts.Users,
		authz:   opts.Authz,
		gate:    opts.Gate,
		tokens:  opts.Tokens,
		keys:    opts.Keys,
		pricing: opts.Pricing,
		clk:     clk,
	}
}

// Health reports whether persistence is reachable.
func (s *Service) Health(ctx context.Context) error {
	if err := s.users.Ping(ctx); err != nil {
		return domain.Unavailable(err)
	}

	return nil
}

// require fails with ErrUnauthenticated without a principal and with
// ErrForbidden when the principal lacks the permission.
func (s *Service) require(
	ctx context.Context, p *domain.Principal, resource authz.Resource, action authz.Action,
) error {
	if p == nil {
		return domain.ErrUnauthenticated
	}

	if !s.authz.Authorize(ctx, p, resource, action) {
		return domain.ErrForbidden
	}

	return nil
}

func (s *Service) isAdmin(ctx context.Context, p *domain.Principal) bool {
	return s.authz.Authorize(ctx, p, authz.ResourceAdmin, authz.ActionAll)
}

// visible reports whether p may see a record owned by organizationID.
// Records of other organizations are reported as missing.
func (s *Service) visible(ctx context.Context, p *domain.Principal, organizationID string) error {
	if p.OrganizationID == organizationID || s.isAdmin(ctx, p) {
		return nil
	}

	return domain.ErrNotFound
}

// scope returns the organization a listing is restricted to. Only
// administrators may look at another organization or at all of them.
func (s *Service) scope(ctx context.Context, p *domain.Principal, requested string) string {
	if s.isAdmin(ctx, p) {
		return requested
	}

	return p.OrganizationID
}

// principalFor converts a stored user into a principal.
func principalFor(u *store.User) *domain.Principal {
	status := domain.StatusActive
	if u.Status != store.UserStatusActive {
		status = domain.StatusSuspended
	}

	return &domain.Principal{
		ID:             u.ID,
		OrganizationID: u.OrganizationID,
		Username:       u.Username,
		Roles:          u.RoleNames(),
		Status:         status,
	}
}

// loadPrincipal reloads a principal so role and status changes apply
// immediately. Missing or suspended users are unauthenticated.
func (s *Service) loadPrincipal(ctx context.Context, userID string) (*domain.Principal, error) {
	u, err := s.users.GetUserByID(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrUnauthenticated
	}

	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}

	p := principalFor(u)
	if !p.Active() {
		return nil, domain.ErrUnauthenticated
	}

	return p, nil
}
