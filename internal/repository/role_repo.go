package repository

import (
	"context"

	"fleetdesk/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RoleRepository wraps the role-mutation RPCs used by the settings screen,
// plus the upserts used when seeding built-in roles.
type RoleRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*model.RoleRecord, error)
	FindByName(ctx context.Context, name string) (*model.RoleRecord, error)
	CreateRole(ctx context.Context, name, description string) (uuid.UUID, error)
	DeleteRole(ctx context.Context, id uuid.UUID) error
	AddPermission(ctx context.Context, roleID uuid.UUID, permission string) error
	RemovePermission(ctx context.Context, roleID uuid.UUID, permission string) error
	UpdateUserRole(ctx context.Context, userID, roleID uuid.UUID) error

	FindOrCreatePermission(ctx context.Context, perm *model.PermissionRecord) error
	FindOrCreateRole(ctx context.Context, role *model.RoleRecord) error
	ReplacePermissions(ctx context.Context, roleID uuid.UUID, permIDs []uuid.UUID) error
}

type roleRepository struct {
	db *gorm.DB
}

func NewRoleRepository(db *gorm.DB) RoleRepository {
	return &roleRepository{db: db}
}

func (r *roleRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.RoleRecord, error) {
	var role model.RoleRecord
	if err := GetDB(ctx, r.db).First(&role, "id = ?", id).Error; err != nil {
		return nil, mapError(err)
	}
	return &role, nil
}

func (r *roleRepository) FindByName(ctx context.Context, name string) (*model.RoleRecord, error) {
	var role model.RoleRecord
	if err := GetDB(ctx, r.db).Where("name = ?", name).First(&role).Error; err != nil {
		return nil, mapError(err)
	}
	return &role, nil
}

func (r *roleRepository) CreateRole(ctx context.Context, name, description string) (uuid.UUID, error) {
	var id uuid.UUID
	row := GetDB(ctx, r.db).Raw("SELECT create_role(?, ?)", name, description).Row()
	if err := row.Scan(&id); err != nil {
		return uuid.Nil, mapError(err)
	}
	return id, nil
}

func (r *roleRepository) DeleteRole(ctx context.Context, id uuid.UUID) error {
	return mapError(GetDB(ctx, r.db).Exec("SELECT delete_role(?)", id).Error)
}

func (r *roleRepository) AddPermission(ctx context.Context, roleID uuid.UUID, permission string) error {
	return mapError(GetDB(ctx, r.db).Exec("SELECT add_permission_to_role_by_name(?, ?)", roleID, permission).Error)
}

func (r *roleRepository) RemovePermission(ctx context.Context, roleID uuid.UUID, permission string) error {
	return mapError(GetDB(ctx, r.db).Exec("SELECT remove_permission_from_role_by_name(?, ?)", roleID, permission).Error)
}

func (r *roleRepository) UpdateUserRole(ctx context.Context, userID, roleID uuid.UUID) error {
	return mapError(GetDB(ctx, r.db).Exec("SELECT update_user_role(?, ?)", userID, roleID).Error)
}

func (r *roleRepository) FindOrCreatePermission(ctx context.Context, perm *model.PermissionRecord) error {
	return mapError(GetDB(ctx, r.db).
		Where("name = ?", perm.Name).
		Attrs(model.PermissionRecord{Group: perm.Group}).
		FirstOrCreate(perm).Error)
}

func (r *roleRepository) FindOrCreateRole(ctx context.Context, role *model.RoleRecord) error {
	return mapError(GetDB(ctx, r.db).
		Where("name = ?", role.Name).
		Attrs(model.RoleRecord{Description: role.Description, IsSystem: role.IsSystem}).
		FirstOrCreate(role).Error)
}

func (r *roleRepository) ReplacePermissions(ctx context.Context, roleID uuid.UUID, permIDs []uuid.UUID) error {
	db := GetDB(ctx, r.db)
	role := model.RoleRecord{ID: roleID}

	var perms []model.PermissionRecord
	if len(permIDs) > 0 {
		if err := db.Where("id IN ?", permIDs).Find(&perms).Error; err != nil {
			return mapError(err)
		}
	}
	return mapError(db.Model(&role).Association("Permissions").Replace(perms))
}
