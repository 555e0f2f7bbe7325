package authz

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ethpandaops/keygate/pkg/domain"
	"github.com/sirupsen/logrus"
)

// RoleSource loads the role to permission mapping.
type RoleSource interface {
	RolePermissions(ctx context.Context) (map[string][]Permission, error)
}

// StaticSource is a fixed in-memory RoleSource.
type StaticSource map[string][]Permission

// RolePermissions returns the static mapping.
func (s StaticSource) RolePermissions(_ context.Context) (map[string][]Permission, error) {
	return s, nil
}

// Engine decides whether a principal may perform an action on a resource.
type Engine interface {
	// Authorize fails closed: unknown pairs, principals without roles,
	// suspended principals and mapping load failures all yield false.
	Authorize(
		ctx context.Context, p *domain.Principal, resource Resource, action Action,
	) bool
	// Permissions returns the principal's effective permission set.
	Permissions(ctx context.Context, p *domain.Principal) []Permission
	// Reload replaces the cached mapping from the source.
	Reload(ctx context.Context) error
	// Invalidate drops the cached mapping; the next check reloads it.
	Invalidate()
}

// Compile-time interface check.
var _ Engine = (*engine)(nil)

type permSet map[Permission]struct{}

type snapshot struct {
	roles map[string]permSet
}

type engine struct {
	log    logrus.FieldLogger
	source RoleSource
	snap   atomic.Pointer[snapshot]
	gen    atomic.Uint64
	mu     sync.Mutex
}

// NewEngine creates a permission engine reading roles from source.
func NewEngine(log logrus.FieldLogger, source RoleSource) Engine {
	return &engine{
		log:    log.WithField("component", "authz"),
		source: source,
	}
}

func (e *engine) Authorize(
	ctx context.Context,
	p *domain.Principal,
	resource Resource,
	action Action,
) bool {
	want := Permission{Resource: resource, Action: action}
	if !Known(want) || !p.Active() || len(p.Roles) == 0 {
		return false
	}

	snap, err := e.current(ctx)
	if err != nil {
		e.log.WithError(err).Warn("Denying authorization, role mapping unavailable")

		return false
	}

	for _, role := range p.Roles {
		perms := snap.roles[role]
		if _, ok := perms[AdminAll]; ok {
			return true
		}

		if _, ok := perms[want]; ok {
			return true
		}
	}

	return false
}

func (e *engine) Permissions(ctx context.Context, p *domain.Principal) []Permission {
	if !p.Active() {
		return nil
	}

	snap, err := e.current(ctx)
	if err != nil {
		return nil
	}

	union := make(permSet, 8)

	for _, role := range p.Roles {
		for perm := range snap.roles[role] {
			union[perm] = struct{}{}
		}
	}

	out := make([]Permission, 0, len(union))
	for perm := range union {
		out = append(out, perm)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })

	return out
}

func (e *engine) Reload(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, err := e.load(ctx)

	return err
}

func (e *engine) Invalidate() {
	e.gen.Add(1)
	e.snap.Store(nil)
	e.log.Debug("Role mapping invalidated")
}

func (e *engine) current(ctx context.Context) (*snapshot, error) {
	if snap := e.snap.Load(); snap != nil {
		return snap, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if snap := e.snap.Load(); snap != nil {
		return snap, nil
	}

	return e.load(ctx)
}

// load must be called with e.mu held.
func (e *engine) load(ctx context.Context) (*snapshot, error) {
	gen := e.gen.Load()

	mapping, err := e.source.RolePermissions(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading role permissions: %w", err)
	}

	snap := &snapshot{roles: make(map[string]permSet, len(mapping))}

	for role, perms := range mapping {
		set := make(permSet, len(perms))

		for _, perm := range perms {
			if !Known(perm) {
				e.log.WithField("role", role).
					WithField("permission", perm.Name()).
					Warn("Ignoring permission outside the catalog")

				continue
			}

			set[perm] = struct{}{}
		}

		snap.roles[role] = set
	}

	// Cache only if no role changed during the load.
	if e.gen.Load() == gen {
		e.snap.Store(snap)
	}

	e.log.WithField("roles", len(snap.roles)).Debug("Role mapping loaded")

	return snap, nil
}
