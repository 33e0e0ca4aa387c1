package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"fleetdesk/internal/identity"
	"fleetdesk/internal/model"
	"fleetdesk/internal/repository"
)

// CreateAccountRequest registers an operator with the local identity provider.
type CreateAccountRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
	Name     string `json:"name" binding:"required"`
	Role     string `json:"role" binding:"required"`
}

// AccountResponse never carries the password hash.
type AccountResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

// AccountService manages credentials for the local development provider.
// Hosted deployments manage accounts in the identity provider instead.
type AccountService interface {
	CreateAccount(ctx context.Context, actor *model.AuthUser, req CreateAccountRequest) (*AccountResponse, error)
	EnsureAccount(ctx context.Context, req CreateAccountRequest) error
}

type accountService struct {
	creds    repository.CredentialRepository
	profiles repository.ProfileRepository
	roles    repository.RoleRepository
	tx       repository.TransactionManager
	audit    AuditService
	log      *slog.Logger
}

func NewAccountService(
	creds repository.CredentialRepository,
	profiles repository.ProfileRepository,
	roles repository.RoleRepository,
	tx repository.TransactionManager,
	audit AuditService,
	logger *slog.Logger,
) AccountService {
	if logger == nil {
		logger = slog.Default()
	}
	return &accountService{creds: creds, profiles: profiles, roles: roles, tx: tx, audit: audit, log: logger}
}

// CreateAccount stores the credential and its profile in one transaction.
func (s *accountService) CreateAccount(ctx context.Context, actor *model.AuthUser, req CreateAccountRequest) (*AccountResponse, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: email and name are required", ErrInvalidInput)
	}
	if len(req.Password) < 8 {
		return nil, fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidInput)
	}

	role, err := s.roles.FindByName(ctx, req.Role)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, req.Role)
	}
	if err != nil {
		return nil, err
	}

	hash, err := identity.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}
	metadata, err := json.Marshal(map[string]string{"name": req.Name, "role": role.Name})
	if err != nil {
		return nil, fmt.Errorf("encode user metadata: %w", err)
	}

	cred := &model.LocalCredential{Email: email, PasswordHash: hash, UserMetadata: string(metadata)}
	profile := &model.Profile{Email: email, Name: req.Name, Role: role.Name, RoleID: &role.ID}

	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.creds.Create(txCtx, cred); err != nil {
			return err
		}
		profile.ID = cred.ID
		if err := s.profiles.Create(txCtx, profile); err != nil {
			return err
		}
		return s.audit.Record(txCtx, actor, "CREATE_ACCOUNT", cred.ID.String(), email, map[string]any{"role": role.Name})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("local account created", "email", email, "role", role.Name)
	return &AccountResponse{
		ID:        cred.ID.String(),
		Email:     email,
		Name:      profile.Name,
		Role:      role.Name,
		CreatedAt: cred.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}, nil
}

// EnsureAccount creates the account unless the email is already registered.
func (s *accountService) EnsureAccount(ctx context.Context, req CreateAccountRequest) error {
	_, err := s.creds.FindByEmail(ctx, strings.ToLower(strings.TrimSpace(req.Email)))
	if err == nil {
		return nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	_, err = s.CreateAccount(ctx, nil, req)
	return err
}
