package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/keygate/pkg/authz"
	"github.com/ethpandaops/keygate/pkg/config"
	"github.com/ethpandaops/keygate/pkg/domain"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// --- User CRUD ---

func (s *store) GetUserByID(
	ctx context.Context, id string,
) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).
		Preload("Roles").
		Where("id = ?", id).
		First(&user).Error; err != nil {
		return nil, wrapErr("getting user by id", err)
	}

	return &user, nil
}

func (s *store) GetUserByUsername(
	ctx context.Context, username string,
) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).
		Preload("Roles").
		Where("username = ?", username).
		First(&user).Error; err != nil {
		return nil, wrapErr("getting user by username", err)
	}

	return &user, nil
}

// ListUsers returns users ordered by username. An empty organizationID
// lists every organization.
func (s *store) ListUsers(
	ctx context.Context, organizationID string,
) ([]User, error) {
	q := s.db.WithContext(ctx).Preload("Roles").Order("username ASC")
	if organizationID != "" {
		q = q.Where("organization_id = ?", organizationID)
	}

	var users []User
	if err := q.Find(&users).Error; err != nil {
		return nil, wrapErr("listing users", err)
	}

	return users, nil
}

// CreateUser inserts the user with the named roles. Every role must exist.
func (s *store) CreateUser(
	ctx context.Context, user *User, roles []string,
) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}

	if user.Status == "" {
		user.Status = UserStatusActive
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&User{}).
			Where("username = ?", user.Username).
			Count(&count).Error; err != nil {
			return err
		}

		if count > 0 {
			return domain.InvalidRequest("username %q already exists", user.Username)
		}

		found, err := findRoles(tx, roles)
		if err != nil {
			return err
		}

		user.Roles = found

		return tx.Create(user).Error
	})

	return wrapErr("creating user", err)
}

// UpdateUser saves scalar fields. Role assignments go through SetUserRoles.
func (s *store) UpdateUser(ctx context.Context, user *User) error {
	if err := s.db.WithContext(ctx).
		Omit("Roles").
		Save(user).Error; err != nil {
		return wrapErr("updating user", err)
	}

	return nil
}

func (s *store) SetUserRoles(
	ctx context.Context, userID string, roles []string,
) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user User
		if err := tx.Where("id = ?", userID).First(&user).Error; err != nil {
			return err
		}

		found, err := findRoles(tx, roles)
		if err != nil {
			return err
		}

		return tx.Model(&user).Association("Roles").Replace(found)
	})

	return wrapErr("setting user roles", err)
}

func (s *store) DeleteUser(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user User
		if err := tx.Where("id = ?", id).First(&user).Error; err != nil {
			return err
		}

		if err := tx.Model(&user).Association("Roles").Clear(); err != nil {
			return err
		}

		if err := tx.Where("user_id = ?", id).Delete(&TrustedDevice{}).Error; err != nil {
			return err
		}

		if err := tx.Where("user_id = ?", id).Delete(&LockoutState{}).Error; err != nil {
			return err
		}

		return tx.Delete(&user).Error
	})

	return wrapErr("deleting user", err)
}

// findRoles resolves role names, failing on any unknown name.
func findRoles(tx *gorm.DB, names []string) ([]Role, error) {
	if len(names) == 0 {
		return []Role{}, nil
	}

	var roles []Role
	if err := tx.Where("name IN ?", names).Find(&roles).Error; err != nil {
		return nil, err
	}

	if len(roles) != len(unique(names)) {
		known := make(map[string]struct{}, len(roles))
		for _, r := range roles {
			known[r.Name] = struct{}{}
		}

		for _, n := range names {
			if _, ok := known[n]; !ok {
				return nil, domain.InvalidRequest("unknown role %q", n)
			}
		}
	}

	return roles, nil
}

func unique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))

	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}

		seen[v] = struct{}{}
		out = append(out, v)
	}

	return out
}

// --- Roles and permissions ---

func (s *store) ListRoles(ctx context.Context) ([]Role, error) {
	var roles []Role
	if err := s.db.WithContext(ctx).
		Preload("Permissions").
		Order("name ASC").
		Find(&roles).Error; err != nil {
		return nil, wrapErr("listing roles", err)
	}

	return roles, nil
}

// UpsertRole creates the role if missing and replaces its permission set.
func (s *store) UpsertRole(
	ctx context.Context, name, description string, perms []authz.Permission,
) (*Role, error) {
	var role Role

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("name = ?", name).
			Assign(Role{Description: description}).
			FirstOrCreate(&role, Role{Name: name}).Error; err != nil {
			return err
		}

		names := make([]string, 0, len(perms))
		for _, p := range perms {
			names = append(names, p.Name())
		}

		rows := []Permission{}
		if len(names) > 0 {
			if err := tx.Where("name IN ?", names).Find(&rows).Error; err != nil {
				return err
			}
		}

		if len(rows) != len(unique(names)) {
			return domain.InvalidRequest("role %q references unknown permissions", name)
		}

		if err := tx.Model(&role).Association("Permissions").Replace(rows); err != nil {
			return err
		}

		role.Permissions = rows

		return nil
	})
	if err != nil {
		return nil, wrapErr("upserting role", err)
	}

	return &role, nil
}

func (s *store) DeleteRole(ctx context.Context, name string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var role Role
		if err := tx.Where("name = ?", name).First(&role).Error; err != nil {
			return err
		}

		if err := tx.Model(&role).Association("Permissions").Clear(); err != nil {
			return err
		}

		if err := tx.Exec(
			"DELETE FROM user_roles WHERE role_id = ?", role.ID,
		).Error; err != nil {
			return err
		}

		return tx.Delete(&role).Error
	})

	return wrapErr("deleting role", err)
}

// RolePermissions returns the role to permission mapping and satisfies
// authz.RoleSource.
func (s *store) RolePermissions(
	ctx context.Context,
) (map[string][]authz.Permission, error) {
	var roles []Role
	if err := s.db.WithContext(ctx).
		Preload("Permissions").
		Find(&roles).Error; err != nil {
		return nil, wrapErr("loading role permissions", err)
	}

	out := make(map[string][]authz.Permission, len(roles))

	for _, r := range roles {
		perms := make([]authz.Permission, 0, len(r.Permissions))
		for _, p := range r.Permissions {
			perms = append(perms, authz.Permission{
				Resource: authz.Resource(p.Resource),
				Action:   authz.Action(p.Action),
			})
		}

		out[r.Name] = perms
	}

	return out, nil
}

// --- Seeding ---

// SeedRoles upserts the configured roles. Roles only present in the
// database are left alone so that admin-created roles survive restarts.
func (s *store) SeedRoles(
	ctx context.Context, roles map[string][]authz.Permission,
) error {
	for name, perms := range roles {
		if _, err := s.UpsertRole(ctx, name, "", perms); err != nil {
			return fmt.Errorf("seeding role %q: %w", name, err)
		}
	}

	if len(roles) > 0 {
		s.log.WithField("count", len(roles)).Info("Seeded roles from config")
	}

	return nil
}

// SeedUsers upserts config-sourced users. Only users with source="config"
// are updated; users created by admins are preserved.
func (s *store) SeedUsers(
	ctx context.Context, users []config.SeedUser,
) error {
	for _, u := range users {
		hash, err := bcrypt.GenerateFromPassword(
			[]byte(u.Password), bcrypt.DefaultCost,
		)
		if err != nil {
			return fmt.Errorf("hashing password for %q: %w", u.Username, err)
		}

		existing, err := s.GetUserByUsername(ctx, u.Username)

		switch {
		case err == nil && existing.Source != SourceConfig:
			s.log.WithField("username", u.Username).
				Warn("Skipping config user, username owned by an admin-created user")

			continue
		case err == nil:
			existing.PasswordHash = string(hash)
			existing.OrganizationID = u.OrganizationID

			if err := s.UpdateUser(ctx, existing); err != nil {
				return fmt.Errorf("updating config user %q: %w", u.Username, err)
			}

			if err := s.SetUserRoles(ctx, existing.ID, u.Roles); err != nil {
				return fmt.Errorf("updating roles of config user %q: %w", u.Username, err)
			}
		case errors.Is(err, domain.ErrNotFound):
			newUser := &User{
				OrganizationID: u.OrganizationID,
				Username:       u.Username,
				PasswordHash:   string(hash),
				Status:         UserStatusActive,
				Source:         SourceConfig,
			}

			if err := s.CreateUser(ctx, newUser, u.Roles); err != nil {
				return fmt.Errorf("seeding config user %q: %w", u.Username, err)
			}
		default:
			return fmt.Errorf("looking up config user %q: %w", u.Username, err)
		}
	}

	if len(users) > 0 {
		s.log.WithField("count", len(users)).Info("Seeded users from config")
	}

	return nil
}
