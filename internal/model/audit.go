package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	ActionCreateRole       = "CREATE_ROLE"
	ActionDeleteRole       = "DELETE_ROLE"
	ActionGrantPermission  = "GRANT_PERMISSION"
	ActionRevokePermission = "REVOKE_PERMISSION"
	ActionUpdateUserRole   = "UPDATE_USER_ROLE"
)

// AuditLog records who changed which role and when.
type AuditLog struct {
	ID         uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	ActorID    *uuid.UUID `gorm:"type:uuid;index" json:"actor_id"` // nil for seeding
	ActorEmail string     `gorm:"type:varchar(255)" json:"actor_email"`
	Action     string     `gorm:"type:varchar(50);not null;index" json:"action"`
	EntityID   string     `gorm:"type:varchar(50);index" json:"entity_id"`
	EntityName string     `gorm:"type:varchar(255)" json:"entity_name,omitempty"`
	Details    string     `gorm:"type:jsonb" json:"details"`
	CreatedAt  time.Time  `gorm:"index" json:"created_at"`
}
