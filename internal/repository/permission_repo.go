package repository

import (
	"context"

	"fleetdesk/internal/model"

	"gorm.io/gorm"
)

// PermissionRepository wraps the read-only permission RPCs.
type PermissionRepository interface {
	UserPermissions(ctx context.Context, userID string) ([]string, error)
	AllRoles(ctx context.Context) ([]model.RoleRecord, error)
	RolePermissions(ctx context.Context) ([]model.RolePermission, error)
	RolePermissionMap(ctx context.Context) (map[string][]string, error)
}

type permissionRepository struct {
	db *gorm.DB
}

func NewPermissionRepository(db *gorm.DB) PermissionRepository {
	return &permissionRepository{db: db}
}

// UserPermissions calls get_user_permissions(user_id).
func (r *permissionRepository) UserPermissions(ctx context.Context, userID string) ([]string, error) {
	var names []string
	err := GetDB(ctx, r.db).
		Raw("SELECT permission_name FROM get_user_permissions(?)", userID).
		Pluck("permission_name", &names).Error
	if err != nil {
		return nil, mapError(err)
	}
	return names, nil
}

// AllRoles calls get_all_roles().
func (r *permissionRepository) AllRoles(ctx context.Context) ([]model.RoleRecord, error) {
	var roles []model.RoleRecord
	err := GetDB(ctx, r.db).
		Raw("SELECT id, name, is_system, description FROM get_all_roles()").
		Scan(&roles).Error
	if err != nil {
		return nil, mapError(err)
	}
	return roles, nil
}

// RolePermissions calls get_role_permissions().
func (r *permissionRepository) RolePermissions(ctx context.Context) ([]model.RolePermission, error) {
	var rows []model.RolePermission
	err := GetDB(ctx, r.db).
		Raw("SELECT role_id, permission_name FROM get_role_permissions()").
		Scan(&rows).Error
	if err != nil {
		return nil, mapError(err)
	}
	return rows, nil
}

// RolePermissionMap joins AllRoles and RolePermissions by role name. Roles with
// no permissions are present with an empty list.
func (r *permissionRepository) RolePermissionMap(ctx context.Context) (map[string][]string, error) {
	roles, err := r.AllRoles(ctx)
	if err != nil {
		return nil, err
	}
	pairs, err := r.RolePermissions(ctx)
	if err != nil {
		return nil, err
	}

	names := make(map[string]string, len(roles))
	out := make(map[string][]string, len(roles))
	for _, role := range roles {
		names[role.ID.String()] = role.Name
		out[role.Name] = []string{}
	}
	for _, p := range pairs {
		name, ok := names[p.RoleID.String()]
		if !ok {
			continue
		}
		out[name] = append(out[name], p.PermissionName)
	}
	return out, nil
}
