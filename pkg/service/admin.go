package service

import (
	"context"
	"fmt"

	"github.com/ethpandaops/keygate/pkg/authz"
	"github.com/ethpandaops/keygate/pkg/domain"
	"github.com/ethpandaops/keygate/pkg/lockout"
	"github.com/ethpandaops/keygate/pkg/store"
	"golang.org/x/crypto/bcrypt"
)

const minPasswordLength = 8

// CreateUserInput describes a new administrator-created user.
type CreateUserInput struct {
	Username       string   `json:"username"`
	Password       string   `json:"password"`
	OrganizationID string   `json:"organization_id,omitempty"`
	Roles          []string `json:"roles"`
}

// UpdateUserInput changes selected user fields; nil fields are kept.
type UpdateUserInput struct {
	Password *string   `json:"password,omitempty"`
	Status   *string   `json:"status,omitempty"`
	Roles    *[]string `json:"roles,omitempty"`
}

// RoleInput creates or replaces a role.
type RoleInput struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

// UserDetail is a user with its lockout state and trusted devices.
type UserDetail struct {
	store.User
	Lockout        lockout.State         `json:"lockout"`
	TrustedDevices []store.TrustedDevice `json:"trusted_devices"`
}

// --- Users ---

// ListUsers lists users of the principal's organization.
func (s *Service) ListUsers(
	ctx context.Context, p *domain.Principal, organizationID string,
) ([]store.User, error) {
	if err := s.require(ctx, p, authz.ResourceUsers, authz.ActionRead); err != nil {
		return nil, err
	}

	return s.users.ListUsers(ctx, s.scope(ctx, p, organizationID))
}

// GetUser returns a user with lockout and device details.
func (s *Service) GetUser(
	ctx context.Context, p *domain.Principal, userID string,
) (*UserDetail, error) {
	if err := s.require(ctx, p, authz.ResourceUsers, authz.ActionRead); err != nil {
		return nil, err
	}

	u, err := s.ownedUser(ctx, p, userID)
	if err != nil {
		return nil, err
	}

	st, err := s.gate.LockoutStatus(ctx, userID)
	if err != nil {
		return nil, err
	}

	devices, err := s.gate.TrustedDevices(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &UserDetail{User: *u, Lockout: st, TrustedDevices: devices}, nil
}

// CreateUser creates a user. Non-administrators create users in their
// own organization only and cannot grant administrator roles.
func (s *Service) CreateUser(
	ctx context.Context, p *domain.Principal, in CreateUserInput,
) (*store.User, error) {
	if err := s.require(ctx, p, authz.ResourceUsers, authz.ActionCreate); err != nil {
		return nil, err
	}

	if in.Username == "" {
		return nil, domain.InvalidRequest("username is required")
	}

	if len(in.Password) < minPasswordLength {
		return nil, domain.InvalidRequest("password must be at least %d characters", minPasswordLength)
	}

	org := in.OrganizationID
	if org == "" {
		org = p.OrganizationID
	}

	if err := s.visible(ctx, p, org); err != nil {
		return nil, domain.ErrForbidden
	}

	if err := s.checkGrant(ctx, p, in.Roles); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	u := &store.User{
		OrganizationID: org,
		Username:       in.Username,
		PasswordHash:   string(hash),
		Status:         store.UserStatusActive,
		Source:         store.SourceAdmin,
	}

	if err := s.users.CreateUser(ctx, u, in.Roles); err != nil {
		return nil, err
	}

	s.log.WithField("user_id", u.ID).WithField("actor", p.ID).Info("User created")

	return u, nil
}

// UpdateUser changes a user's password, status or roles. Principals
// cannot change their own status or roles.
func (s *Service) UpdateUser(
	ctx context.Context, p *domain.Principal, userID string, in UpdateUserInput,
) (*store.User, error) {
	if err := s.require(ctx, p, authz.ResourceUsers, authz.ActionUpdate); err != nil {
		return nil, err
	}

	u, err := s.managedUser(ctx, p, userID)
	if err != nil {
		return nil, err
	}

	if u.ID == p.ID && (in.Status != nil || in.Roles != nil) {
		return nil, domain.InvalidRequest("cannot change your own status or roles")
	}

	if in.Roles != nil {
		if err := s.checkGrant(ctx, p, *in.Roles); err != nil {
			return nil, err
		}
	}

	if in.Password != nil {
		if len(*in.Password) < minPasswordLength {
			return nil, domain.InvalidRequest(
				"password must be at least %d characters", minPasswordLength,
			)
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(*in.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hashing password: %w", err)
		}

		u.PasswordHash = string(hash)
	}

	if in.Status != nil {
		switch *in.Status {
		case store.UserStatusActive, store.UserStatusSuspended:
			u.Status = *in.Status
		default:
			return nil, domain.InvalidRequest("status must be %q or %q",
				store.UserStatusActive, store.UserStatusSuspended)
		}
	}

	if err := s.users.UpdateUser(ctx, u); err != nil {
		return nil, err
	}

	if in.Roles != nil {
		if err := s.users.SetUserRoles(ctx, u.ID, *in.Roles); err != nil {
			return nil, err
		}
	}

	s.log.WithField("user_id", u.ID).WithField("actor", p.ID).Info("User updated")

	return s.users.GetUserByID(ctx, u.ID)
}

// DeleteUser removes a user with its devices and lockout state.
func (s *Service) DeleteUser(ctx context.Context, p *domain.Principal, userID string) error {
	if err := s.require(ctx, p, authz.ResourceUsers, authz.ActionDelete); err != nil {
		return err
	}

	if userID == p.ID {
		return domain.InvalidRequest("cannot delete yourself")
	}

	if _, err := s.managedUser(ctx, p, userID); err != nil {
		return err
	}

	if err := s.users.DeleteUser(ctx, userID); err != nil {
		return err
	}

	s.log.WithField("user_id", userID).WithField("actor", p.ID).Info("User deleted")

	return nil
}

// UnlockUser lifts a lockout before it elapses.
func (s *Service) UnlockUser(ctx context.Context, p *domain.Principal, userID string) error {
	if err := s.require(ctx, p, authz.ResourceUsers, authz.ActionUpdate); err != nil {
		return err
	}

	if _, err := s.managedUser(ctx, p, userID); err != nil {
		return err
	}

	return s.gate.Unlock(ctx, userID)
}

// RevokeTrustedDevice forgets a trusted device; its next login needs
// approval again.
func (s *Service) RevokeTrustedDevice(
	ctx context.Context, p *domain.Principal, userID, fingerprint string,
) error {
	if err := s.require(ctx, p, authz.ResourceUsers, authz.ActionUpdate); err != nil {
		return err
	}

	if _, err := s.managedUser(ctx, p, userID); err != nil {
		return err
	}

	return s.gate.RevokeDevice(ctx, userID, fingerprint)
}

func (s *Service) ownedUser(
	ctx context.Context, p *domain.Principal, userID string,
) (*store.User, error) {
	u, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := s.visible(ctx, p, u.OrganizationID); err != nil {
		return nil, err
	}

	return u, nil
}

// managedUser is ownedUser for mutations. Accounts holding the
// administrator permission can only be changed by an administrator,
// whatever their current status.
func (s *Service) managedUser(
	ctx context.Context, p *domain.Principal, userID string,
) (*store.User, error) {
	u, err := s.ownedUser(ctx, p, userID)
	if err != nil {
		return nil, err
	}

	if s.isAdmin(ctx, p) {
		return u, nil
	}

	target := principalFor(u)
	target.Status = domain.StatusActive

	if s.isAdmin(ctx, target) {
		return nil, domain.ErrForbidden
	}

	return u, nil
}

// checkGrant refuses to let a non-administrator hand out roles that
// carry the administrator permission.
func (s *Service) checkGrant(ctx context.Context, p *domain.Principal, roles []string) error {
	if len(roles) == 0 || s.isAdmin(ctx, p) {
		return nil
	}

	grantee := &domain.Principal{Roles: roles, Status: domain.StatusActive}
	if s.isAdmin(ctx, grantee) {
		return domain.ErrForbidden
	}

	return nil
}

// --- Roles ---

// ListRoles lists every role with its permissions.
func (s *Service) ListRoles(ctx context.Context, p *domain.Principal) ([]store.Role, error) {
	if err := s.require(ctx, p, authz.ResourceRoles, authz.ActionRead); err != nil {
		return nil, err
	}

	return s.users.ListRoles(ctx)
}

// UpsertRole creates or replaces a role and refreshes the permission
// engine.
func (s *Service) UpsertRole(
	ctx context.Context, p *domain.Principal, in RoleInput,
) (*store.Role, error) {
	if err := s.require(ctx, p, authz.ResourceRoles, authz.ActionUpdate); err != nil {
		return nil, err
	}

	if in.Name == "" {
		return nil, domain.InvalidRequest("role name is required")
	}

	perms, err := authz.ParsePermissions(in.Permissions)
	if err != nil {
		return nil, domain.InvalidRequest("%v", err)
	}

	for _, perm := range perms {
		if perm == authz.AdminAll && !s.isAdmin(ctx, p) {
			return nil, domain.ErrForbidden
		}
	}

	role, err := s.users.UpsertRole(ctx, in.Name, in.Description, perms)
	if err != nil {
		return nil, err
	}

	s.authz.Invalidate()

	s.log.WithField("role", in.Name).WithField("actor", p.ID).Info("Role updated")

	return role, nil
}

// DeleteRole removes a role from every user and refreshes the engine.
func (s *Service) DeleteRole(ctx context.Context, p *domain.Principal, name string) error {
	if err := s.require(ctx, p, authz.ResourceRoles, authz.ActionUpdate); err != nil {
		return err
	}

	if err := s.users.DeleteRole(ctx, name); err != nil {
		return err
	}

	s.authz.Invalidate()

	s.log.WithField("role", name).WithField("actor", p.ID).Info("Role deleted")

	return nil
}
