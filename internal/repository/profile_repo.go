package repository

import (
	"context"

	"fleetdesk/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProfileRepository reads the profiles table.
type ProfileRepository interface {
	Create(ctx context.Context, p *model.Profile) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.Profile, error)
	CountByRole(ctx context.Context) (map[uuid.UUID]int64, error)
}

type profileRepository struct {
	db *gorm.DB
}

func NewProfileRepository(db *gorm.DB) ProfileRepository {
	return &profileRepository{db: db}
}

func (r *profileRepository) Create(ctx context.Context, p *model.Profile) error {
	return mapError(GetDB(ctx, r.db).Create(p).Error)
}

func (r *profileRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.Profile, error) {
	var p model.Profile
	err := GetDB(ctx, r.db).
		Select("id", "email", "name", "role", "role_id").
		First(&p, "id = ?", id).Error
	if err != nil {
		return nil, mapError(err)
	}
	return &p, nil
}

func (r *profileRepository) CountByRole(ctx context.Context) (map[uuid.UUID]int64, error) {
	var rows []struct {
		RoleID uuid.UUID
		Users  int64
	}
	err := GetDB(ctx, r.db).
		Model(&model.Profile{}).
		Select("role_id, count(*) AS users").
		Where("role_id IS NOT NULL").
		Group("role_id").
		Scan(&rows).Error
	if err != nil {
		return nil, mapError(err)
	}
	out := make(map[uuid.UUID]int64, len(rows))
	for _, row := range rows {
		out[row.RoleID] = row.Users
	}
	return out, nil
}
