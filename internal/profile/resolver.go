// Package profile maps an identity onto the console's AuthUser.
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"fleetdesk/internal/identity"
	"fleetdesk/internal/model"
	"fleetdesk/internal/repository"

	"github.com/google/uuid"
)

var ErrProfileNotFound = errors.New("profile not found")

// Finder is the profile lookup the resolver needs.
type Finder interface {
	FindByID(ctx context.Context, id uuid.UUID) (*model.Profile, error)
}

type Resolver struct {
	profiles Finder
	logger   *slog.Logger
}

func NewResolver(profiles Finder, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{profiles: profiles, logger: logger}
}

// Resolve returns nil, nil for a nil identity. When the profile row is missing
// or unreadable, a role in user metadata still yields an AuthUser; otherwise
// the lookup error is returned.
func (r *Resolver) Resolve(ctx context.Context, u *identity.User) (*model.AuthUser, error) {
	if u == nil {
		return nil, nil
	}

	var lookupErr error
	id, err := uuid.Parse(u.ID)
	if err != nil {
		lookupErr = fmt.Errorf("%w: subject %q is not a uuid", ErrProfileNotFound, u.ID)
	} else {
		p, err := r.profiles.FindByID(ctx, id)
		if err == nil {
			return r.fromProfile(u, p), nil
		}
		lookupErr = err
	}

	if role, ok := model.ParseRole(u.MetadataString("role")); ok {
		r.logger.Info("profile unavailable, using role from user metadata",
			"user_id", u.ID, "role", role, "error", lookupErr)
		return &model.AuthUser{
			ID:    u.ID,
			Name:  displayName(metadataName(u), u.Email),
			Email: u.Email,
			Role:  role,
		}, nil
	}

	if errors.Is(lookupErr, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, u.ID)
	}
	return nil, fmt.Errorf("resolve profile %s: %w", u.ID, lookupErr)
}

func (r *Resolver) fromProfile(u *identity.User, p *model.Profile) *model.AuthUser {
	role, ok := model.ParseRole(p.Role)
	if !ok && p.Role != "" {
		r.logger.Warn("profile has unknown role", "user_id", u.ID, "role", p.Role)
	}
	return &model.AuthUser{
		ID:    u.ID,
		Name:  displayName(p.Name, u.Email),
		Email: u.Email,
		Role:  role,
	}
}

func metadataName(u *identity.User) string {
	if n := u.MetadataString("name"); n != "" {
		return n
	}
	return u.MetadataString("full_name")
}

// displayName falls back to the local part of the email.
func displayName(name, email string) string {
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	local, _, _ := strings.Cut(email, "@")
	return local
}
