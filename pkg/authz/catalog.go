// Package authz implements the permission engine that gates every
// protected operation by resource and action.
package authz

import (
	"fmt"
	"strings"
)

// Resource is a protected resource family.
type Resource string

// Action is an operation on a resource.
type Action string

// Resources.
const (
	ResourceGamingKeys    Resource = "gaming_keys"
	ResourcePricing       Resource = "pricing"
	ResourceLoginRequests Resource = "login_requests"
	ResourceUsers         Resource = "users"
	ResourceRoles         Resource = "roles"
	ResourceAdmin         Resource = "admin"
)

// Actions.
const (
	ActionCreate  Action = "create"
	ActionRead    Action = "read"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionApprove Action = "approve"
	ActionAll     Action = "all"
)

// Permission is a (resource, action) pair. Its identity is the pair.
type Permission struct {
	Resource Resource
	Action   Action
}

// AdminAll satisfies every valid check.
var AdminAll = Permission{Resource: ResourceAdmin, Action: ActionAll}

// Name returns the canonical "resource:action" form.
func (p Permission) Name() string {
	return string(p.Resource) + ":" + string(p.Action)
}

func (p Permission) String() string {
	return p.Name()
}

// catalog is the closed set of permissions the engine understands.
var catalog = []Permission{
	{ResourceGamingKeys, ActionCreate},
	{ResourceGamingKeys, ActionRead},
	{ResourceGamingKeys, ActionUpdate},
	{ResourceGamingKeys, ActionDelete},
	{ResourcePricing, ActionRead},
	{ResourcePricing, ActionUpdate},
	{ResourceLoginRequests, ActionRead},
	{ResourceLoginRequests, ActionApprove},
	{ResourceUsers, ActionCreate},
	{ResourceUsers, ActionRead},
	{ResourceUsers, ActionUpdate},
	{ResourceUsers, ActionDelete},
	{ResourceRoles, ActionRead},
	{ResourceRoles, ActionUpdate},
	AdminAll,
}

var catalogIndex = func() map[Permission]struct{} {
	idx := make(map[Permission]struct{}, len(catalog))
	for _, p := range catalog {
		idx[p] = struct{}{}
	}

	return idx
}()

// Catalog returns a copy of every known permission.
func Catalog() []Permission {
	out := make([]Permission, len(catalog))
	copy(out, catalog)

	return out
}

// Known reports whether p belongs to the catalog.
func Known(p Permission) bool {
	_, ok := catalogIndex[p]

	return ok
}

// ParsePermission parses "resource:action" and rejects anything outside
// the catalog.
func ParsePermission(name string) (Permission, error) {
	resource, action, ok := strings.Cut(strings.TrimSpace(name), ":")
	if !ok || resource == "" || action == "" {
		return Permission{}, fmt.Errorf("malformed permission %q", name)
	}

	p := Permission{Resource: Resource(resource), Action: Action(action)}
	if !Known(p) {
		return Permission{}, fmt.Errorf("unknown permission %q", name)
	}

	return p, nil
}

// ParsePermissions parses a list of permission names.
func ParsePermissions(names []string) ([]Permission, error) {
	out := make([]Permission, 0, len(names))

	for _, name := range names {
		p, err := ParsePermission(name)
		if err != nil {
			return nil, err
		}

		out = append(out, p)
	}

	return out, nil
}
