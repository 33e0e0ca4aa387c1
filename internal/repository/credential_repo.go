package repository

import (
	"context"
	"strings"

	"fleetdesk/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CredentialRepository stores development-provider accounts and refresh tokens.
type CredentialRepository interface {
	Create(ctx context.Context, cred *model.LocalCredential) error
	FindByEmail(ctx context.Context, email string) (*model.LocalCredential, error)
	FindByID(ctx context.Context, id uuid.UUID) (*model.LocalCredential, error)
	UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error
	SaveRefreshToken(ctx context.Context, token *model.LocalRefreshToken) error
	ConsumeRefreshToken(ctx context.Context, token string) (*model.LocalRefreshToken, error)
	RevokeRefreshTokens(ctx context.Context, credentialID uuid.UUID) error
}

type credentialRepository struct {
	db *gorm.DB
}

func NewCredentialRepository(db *gorm.DB) CredentialRepository {
	return &credentialRepository{db: db}
}

func (r *credentialRepository) Create(ctx context.Context, cred *model.LocalCredential) error {
	cred.Email = strings.ToLower(strings.TrimSpace(cred.Email))
	return mapError(GetDB(ctx, r.db).Create(cred).Error)
}

func (r *credentialRepository) FindByEmail(ctx context.Context, email string) (*model.LocalCredential, error) {
	var cred model.LocalCredential
	err := GetDB(ctx, r.db).First(&cred, "email = ?", strings.ToLower(strings.TrimSpace(email))).Error
	if err != nil {
		return nil, mapError(err)
	}
	return &cred, nil
}

func (r *credentialRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.LocalCredential, error) {
	var cred model.LocalCredential
	if err := GetDB(ctx, r.db).First(&cred, "id = ?", id).Error; err != nil {
		return nil, mapError(err)
	}
	return &cred, nil
}

func (r *credentialRepository) UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error {
	res := GetDB(ctx, r.db).Model(&model.LocalCredential{}).Where("id = ?", id).Update("password_hash", hash)
	if res.Error != nil {
		return mapError(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *credentialRepository) SaveRefreshToken(ctx context.Context, token *model.LocalRefreshToken) error {
	return mapError(GetDB(ctx, r.db).Create(token).Error)
}

// ConsumeRefreshToken deletes and returns the token so it can be used once.
func (r *credentialRepository) ConsumeRefreshToken(ctx context.Context, token string) (*model.LocalRefreshToken, error) {
	var rt model.LocalRefreshToken
	err := GetDB(ctx, r.db).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&rt, "token = ?", token).Error; err != nil {
			return err
		}
		return tx.Delete(&model.LocalRefreshToken{}, "id = ?", rt.ID).Error
	})
	if err != nil {
		return nil, mapError(err)
	}
	return &rt, nil
}

func (r *credentialRepository) RevokeRefreshTokens(ctx context.Context, credentialID uuid.UUID) error {
	return mapError(GetDB(ctx, r.db).Where("credential_id = ?", credentialID).Delete(&model.LocalRefreshToken{}).Error)
}
