package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"fleetdesk/internal/model"
	"fleetdesk/internal/repository"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
)

var (
	ErrBuiltInRole  = errors.New("built-in roles cannot be modified")
	ErrInvalidInput = errors.New("invalid input")
)

const roleListKey = "roles"

// --- DTOs ---

type CreateRoleRequest struct {
	Name        string   `json:"name" binding:"required"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"` // permission names, e.g. "bookings:view"
}

type PermissionRequest struct {
	Permission string `json:"permission" binding:"required"`
}

type UpdateUserRoleRequest struct {
	RoleID string `json:"role_id" binding:"required"`
}

// RoleDefinition is a role as shown on the permissions settings screen.
type RoleDefinition struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
	IsBuiltIn   bool     `json:"isBuiltIn"`
	UserCount   int64    `json:"userCount"`
}

type PermissionInfo struct {
	Name   string `json:"name"`
	Action string `json:"action"`
}

type PermissionGroup struct {
	Namespace   string           `json:"namespace"`
	Permissions []PermissionInfo `json:"permissions"`
}

// --- Interface ---

type RoleService interface {
	ListRoles(ctx context.Context) ([]RoleDefinition, error)
	CreateRole(ctx context.Context, actor *model.AuthUser, req CreateRoleRequest) (*RoleDefinition, error)
	DeleteRole(ctx context.Context, actor *model.AuthUser, id string) error
	AddPermission(ctx context.Context, actor *model.AuthUser, roleID, permission string) error
	RemovePermission(ctx context.Context, actor *model.AuthUser, roleID, permission string) error
	UpdateUserRole(ctx context.Context, actor *model.AuthUser, userID, roleID string) error
	ListPermissions() []PermissionGroup
	SeedBuiltInRoles(ctx context.Context) error
}

type roleService struct {
	perms    repository.PermissionRepository
	roles    repository.RoleRepository
	profiles repository.ProfileRepository
	tx       repository.TransactionManager
	audit    AuditService
	cache    *ristretto.Cache[string, []RoleDefinition]
	cacheGen atomic.Uint64 // bumped by every invalidation
	cacheTTL time.Duration
	logger   *slog.Logger
}

func NewRoleService(
	perms repository.PermissionRepository,
	roles repository.RoleRepository,
	profiles repository.ProfileRepository,
	tx repository.TransactionManager,
	audit AuditService,
	cacheTTL time.Duration,
	logger *slog.Logger,
) (RoleService, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []RoleDefinition]{
		NumCounters:        100,
		MaxCost:            10,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create role cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &roleService{
		perms:    perms,
		roles:    roles,
		profiles: profiles,
		tx:       tx,
		audit:    audit,
		cache:    c,
		cacheTTL: cacheTTL,
		logger:   logger,
	}, nil
}

// --- Implementation ---

func (s *roleService) ListRoles(ctx context.Context) ([]RoleDefinition, error) {
	if defs, ok := s.cache.Get(roleListKey); ok {
		return cloneDefinitions(defs), nil
	}

	gen := s.cacheGen.Load()
	roles, err := s.perms.AllRoles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch roles: %w", err)
	}
	pairs, err := s.perms.RolePermissions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch role permissions: %w", err)
	}
	counts, err := s.profiles.CountByRole(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count users per role: %w", err)
	}

	byRole := make(map[uuid.UUID][]string, len(roles))
	for _, p := range pairs {
		byRole[p.RoleID] = append(byRole[p.RoleID], p.PermissionName)
	}

	defs := make([]RoleDefinition, 0, len(roles))
	for _, r := range roles {
		perms := byRole[r.ID]
		if perms == nil {
			perms = []string{}
		}
		sort.Strings(perms)
		defs = append(defs, RoleDefinition{
			ID:          r.ID.String(),
			Name:        r.Name,
			Description: r.Description,
			Permissions: perms,
			IsBuiltIn:   r.IsSystem,
			UserCount:   counts[r.ID],
		})
	}

	// A mutation that committed while the list was being read has already
	// invalidated; caching this result would bring the old list back.
	if s.cacheTTL > 0 && s.cacheGen.Load() == gen {
		s.cache.SetWithTTL(roleListKey, defs, 1, s.cacheTTL)
		s.cache.Wait()
		if s.cacheGen.Load() != gen {
			s.cache.Del(roleListKey)
		}
	}
	return cloneDefinitions(defs), nil
}

func (s *roleService) CreateRole(ctx context.Context, actor *model.AuthUser, req CreateRoleRequest) (*RoleDefinition, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	if _, ok := model.ParseRole(name); ok {
		return nil, fmt.Errorf("%w: %q is a built-in role", ErrInvalidInput, name)
	}
	perms, err := parsePermissionNames(req.Permissions)
	if err != nil {
		return nil, err
	}

	var id uuid.UUID
	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		var err error
		id, err = s.roles.CreateRole(txCtx, name, req.Description)
		if err != nil {
			return fmt.Errorf("failed to create role: %w", err)
		}
		for _, p := range perms {
			if err := s.roles.AddPermission(txCtx, id, string(p)); err != nil {
				return fmt.Errorf("failed to grant %s: %w", p, err)
			}
		}
		return s.audit.Record(txCtx, actor, model.ActionCreateRole, id.String(), name, map[string]any{
			"description": req.Description,
			"permissions": req.Permissions,
		})
	})
	if err != nil {
		return nil, err
	}
	s.invalidate()

	names := make([]string, 0, len(perms))
	for _, p := range perms {
		names = append(names, string(p))
	}
	sort.Strings(names)
	s.logger.Info("role created", "role_id", id, "name", name, "permissions", len(names))
	return &RoleDefinition{
		ID:          id.String(),
		Name:        name,
		Description: req.Description,
		Permissions: names,
	}, nil
}

func (s *roleService) DeleteRole(ctx context.Context, actor *model.AuthUser, id string) error {
	role, err := s.mutableRole(ctx, id)
	if err != nil {
		return err
	}
	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.roles.DeleteRole(txCtx, role.ID); err != nil {
			return fmt.Errorf("failed to delete role: %w", err)
		}
		return s.audit.Record(txCtx, actor, model.ActionDeleteRole, role.ID.String(), role.Name, nil)
	})
	if err != nil {
		return err
	}
	s.invalidate()
	s.logger.Info("role deleted", "role_id", role.ID, "name", role.Name)
	return nil
}

func (s *roleService) AddPermission(ctx context.Context, actor *model.AuthUser, roleID, permission string) error {
	return s.changePermission(ctx, actor, roleID, permission, true)
}

func (s *roleService) RemovePermission(ctx context.Context, actor *model.AuthUser, roleID, permission string) error {
	return s.changePermission(ctx, actor, roleID, permission, false)
}

func (s *roleService) changePermission(ctx context.Context, actor *model.AuthUser, roleID, permission string, grant bool) error {
	p, ok := model.ParsePermission(permission)
	if !ok {
		return fmt.Errorf("%w: unknown permission %q", ErrInvalidInput, permission)
	}
	role, err := s.mutableRole(ctx, roleID)
	if err != nil {
		return err
	}

	action := model.ActionGrantPermission
	if !grant {
		action = model.ActionRevokePermission
	}
	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		var err error
		if grant {
			err = s.roles.AddPermission(txCtx, role.ID, string(p))
		} else {
			err = s.roles.RemovePermission(txCtx, role.ID, string(p))
		}
		if err != nil {
			return fmt.Errorf("failed to update permission %s: %w", p, err)
		}
		return s.audit.Record(txCtx, actor, action, role.ID.String(), role.Name, map[string]any{"permission": string(p)})
	})
	if err != nil {
		return err
	}
	s.invalidate()
	return nil
}

func (s *roleService) UpdateUserRole(ctx context.Context, actor *model.AuthUser, userID, roleID string) error {
	uid, err := uuid.Parse(userID)
	if err != nil {
		return fmt.Errorf("%w: invalid user id", ErrInvalidInput)
	}
	rid, err := uuid.Parse(roleID)
	if err != nil {
		return fmt.Errorf("%w: invalid role id", ErrInvalidInput)
	}
	role, err := s.roles.FindByID(ctx, rid)
	if err != nil {
		return fmt.Errorf("role %s: %w", roleID, err)
	}

	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.roles.UpdateUserRole(txCtx, uid, rid); err != nil {
			return fmt.Errorf("failed to update user role: %w", err)
		}
		return s.audit.Record(txCtx, actor, model.ActionUpdateUserRole, uid.String(), role.Name, map[string]any{"role_id": rid.String()})
	})
	if err != nil {
		return err
	}
	s.invalidate()
	s.logger.Info("user role updated", "user_id", uid, "role", role.Name)
	return nil
}

// ListPermissions returns the static catalogue grouped by namespace.
func (s *roleService) ListPermissions() []PermissionGroup {
	var groups []PermissionGroup
	index := map[string]int{}
	for _, p := range model.AllPermissions {
		ns := p.Namespace()
		i, ok := index[ns]
		if !ok {
			i = len(groups)
			index[ns] = i
			groups = append(groups, PermissionGroup{Namespace: ns})
		}
		groups[i].Permissions = append(groups[i].Permissions, PermissionInfo{Name: string(p), Action: p.Action()})
	}
	return groups
}

// SeedBuiltInRoles creates the catalogue and the built-in roles if missing and
// resets each built-in role to its default permission list.
func (s *roleService) SeedBuiltInRoles(ctx context.Context) error {
	err := s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		permIDs := make(map[model.Permission]uuid.UUID, len(model.AllPermissions))
		for _, p := range model.AllPermissions {
			rec := model.PermissionRecord{Name: string(p), Group: p.Namespace()}
			if err := s.roles.FindOrCreatePermission(txCtx, &rec); err != nil {
				return fmt.Errorf("failed to seed permission '%s': %w", p, err)
			}
			permIDs[p] = rec.ID
		}

		for _, r := range model.Roles {
			role := model.RoleRecord{Name: string(r), Description: builtInDescriptions[r], IsSystem: true}
			if err := s.roles.FindOrCreateRole(txCtx, &role); err != nil {
				return fmt.Errorf("failed to seed role '%s': %w", r, err)
			}
			defaults := model.FallbackPermissions(r)
			ids := make([]uuid.UUID, 0, len(defaults))
			for _, p := range defaults {
				ids = append(ids, permIDs[p])
			}
			if err := s.roles.ReplacePermissions(txCtx, role.ID, ids); err != nil {
				return fmt.Errorf("failed to assign permissions to role '%s': %w", r, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.invalidate()
	return nil
}

var builtInDescriptions = map[model.Role]string{
	model.RoleAdmin:      "Full access to the console",
	model.RoleDispatcher: "Creates and assigns bookings, handles complaints",
	model.RoleDriver:     "Sees and updates assigned bookings",
	model.RoleFleet:      "Manages vehicles and drivers",
	model.RoleCustomer:   "Books rides and views invoices",
}

// --- Helpers ---

// mutableRole loads a role and rejects built-in ones.
func (s *roleService) mutableRole(ctx context.Context, id string) (*model.RoleRecord, error) {
	rid, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid role id", ErrInvalidInput)
	}
	role, err := s.roles.FindByID(ctx, rid)
	if err != nil {
		return nil, fmt.Errorf("role %s: %w", id, err)
	}
	if role.IsSystem {
		return nil, fmt.Errorf("%w: %s", ErrBuiltInRole, role.Name)
	}
	return role, nil
}

func (s *roleService) invalidate() {
	s.cacheGen.Add(1)
	s.cache.Del(roleListKey)
}

func parsePermissionNames(names []string) ([]model.Permission, error) {
	out := make([]model.Permission, 0, len(names))
	seen := make(map[model.Permission]struct{}, len(names))
	for _, n := range names {
		p, ok := model.ParsePermission(n)
		if !ok {
			return nil, fmt.Errorf("%w: unknown permission %q", ErrInvalidInput, n)
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

func cloneDefinitions(defs []RoleDefinition) []RoleDefinition {
	out := make([]RoleDefinition, len(defs))
	for i, d := range defs {
		d.Permissions = append([]string(nil), d.Permissions...)
		out[i] = d
	}
	return out
}
