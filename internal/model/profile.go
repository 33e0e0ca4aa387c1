package model

import (
	"time"

	"github.com/google/uuid"
)

// Profile is keyed by the identity provider's subject id.
type Profile struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Email     string     `gorm:"type:varchar(255);index" json:"email"`
	Name      string     `gorm:"type:varchar(255)" json:"name"`
	Role      string     `gorm:"type:varchar(50)" json:"role"`
	RoleID    *uuid.UUID `gorm:"type:uuid;index" json:"role_id"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// LocalCredential backs the development identity provider.
type LocalCredential struct {
	ID           uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	Email        string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	PasswordHash string    `gorm:"type:varchar(255);not null" json:"-"`
	UserMetadata string    `gorm:"type:jsonb;default:'{}'" json:"user_metadata"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// LocalRefreshToken is an opaque refresh token issued by the development provider.
type LocalRefreshToken struct {
	ID           uuid.UUID       `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	CredentialID uuid.UUID       `gorm:"type:uuid;not null;index" json:"credential_id"`
	Credential   LocalCredential `gorm:"foreignKey:CredentialID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
	Token        string          `gorm:"type:varchar(255);uniqueIndex;not null" json:"token"`
	ExpiresAt    time.Time       `gorm:"not null" json:"expires_at"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
}
