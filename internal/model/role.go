package model

import (
	"time"

	"github.com/google/uuid"
)

// RoleRecord is a row of the roles table.
type RoleRecord struct {
	ID          uuid.UUID          `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	Name        string             `gorm:"type:varchar(50);uniqueIndex;not null" json:"name"`
	Description string             `gorm:"type:text" json:"description"`
	IsSystem    bool               `gorm:"default:false" json:"is_system"` // built-in roles are immutable
	Permissions []PermissionRecord `gorm:"many2many:role_permissions;joinForeignKey:RoleID;joinReferences:PermissionID" json:"permissions,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

func (RoleRecord) TableName() string { return "roles" }

// PermissionRecord is a row of the permissions table.
type PermissionRecord struct {
	ID    uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	Name  string    `gorm:"type:varchar(100);uniqueIndex;not null" json:"name"` // e.g. "bookings:create"
	Group string    `gorm:"type:varchar(50);not null;index" json:"group"`
}

func (PermissionRecord) TableName() string { return "permissions" }

// RolePermission is one (role_id, permission_name) pair from get_role_permissions.
type RolePermission struct {
	RoleID         uuid.UUID `json:"role_id"`
	PermissionName string    `json:"permission_name"`
}
