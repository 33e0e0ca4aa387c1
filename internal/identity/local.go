package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fleetdesk/internal/model"
	"fleetdesk/internal/storage"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// CredentialStore is the persistence the development provider needs.
type CredentialStore interface {
	FindByEmail(ctx context.Context, email string) (*model.LocalCredential, error)
	FindByID(ctx context.Context, id uuid.UUID) (*model.LocalCredential, error)
	UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error
	SaveRefreshToken(ctx context.Context, token *model.LocalRefreshToken) error
	ConsumeRefreshToken(ctx context.Context, token string) (*model.LocalRefreshToken, error)
	RevokeRefreshTokens(ctx context.Context, credentialID uuid.UUID) error
}

// LocalConfig configures the development provider.
type LocalConfig struct {
	Secret     []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Local is a development identity provider backed by the local_credentials
// table. It issues HS256 access tokens shaped like the hosted provider's.
type Local struct {
	cfg     LocalConfig
	creds   CredentialStore
	persist persister
	events  emitter
	logger  *slog.Logger
	now     func() time.Time

	mu sync.Mutex
}

type localClaims struct {
	Email        string         `json:"email"`
	Role         string         `json:"role,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	jwt.RegisteredClaims
}

func NewLocal(cfg LocalConfig, creds CredentialStore, store storage.Store, logger *slog.Logger) *Local {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = time.Hour
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "fleetdesk-local"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		cfg:     cfg,
		creds:   creds,
		persist: persister{store: store},
		logger:  logger,
		now:     time.Now,
	}
}

// HashPassword is exported for seeding development accounts.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func (l *Local) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	cred, err := l.creds.FindByEmail(ctx, email)
	if err != nil {
		return nil, &APIError{Status: 400, Code: "invalid_grant", Message: "Invalid login credentials"}
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)); err != nil {
		return nil, &APIError{Status: 400, Code: "invalid_grant", Message: "Invalid login credentials"}
	}

	s, err := l.issue(ctx, cred)
	if err != nil {
		return nil, err
	}
	l.events.emit(Event{Type: EventSignedIn, Session: s})
	return s, nil
}

func (l *Local) SignOut(ctx context.Context) error {
	s, err := l.persist.load(ctx)
	var revokeErr error
	if err == nil && s != nil {
		if id, parseErr := uuid.Parse(s.User.ID); parseErr == nil {
			revokeErr = l.creds.RevokeRefreshTokens(ctx, id)
		}
	}
	if err := l.persist.clear(ctx); err != nil {
		l.logger.Warn("failed to clear persisted session", "error", err)
	}
	l.events.emit(Event{Type: EventSignedOut})
	if revokeErr != nil {
		return fmt.Errorf("sign out: %w", revokeErr)
	}
	return nil
}

func (l *Local) GetSession(ctx context.Context) (*Session, error) {
	s, err := l.persist.load(ctx)
	if err != nil || s == nil {
		return nil, err
	}
	if _, err := l.verify(s.AccessToken); err == nil {
		return s, nil
	} else if !errors.Is(err, jwt.ErrTokenExpired) {
		_ = l.persist.clear(ctx)
		return nil, nil
	}
	return l.refresh(ctx, s.RefreshToken)
}

func (l *Local) refresh(ctx context.Context, refreshToken string) (*Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rt, err := l.creds.ConsumeRefreshToken(ctx, refreshToken)
	if err != nil || l.now().After(rt.ExpiresAt) {
		_ = l.persist.clear(ctx)
		l.events.emit(Event{Type: EventSignedOut})
		return nil, nil
	}
	cred, err := l.creds.FindByID(ctx, rt.CredentialID)
	if err != nil {
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	s, err := l.issue(ctx, cred)
	if err != nil {
		return nil, err
	}
	l.events.emit(Event{Type: EventTokenRefreshed, Session: s})
	return s, nil
}

func (l *Local) OnAuthStateChange(fn Listener) Subscription {
	sub := l.events.subscribe(fn)
	initialSession(sub, fn, l.GetSession)
	return sub
}

func (l *Local) UpdateUser(ctx context.Context, attrs UserAttributes) (*User, error) {
	s, err := l.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNoSession
	}
	id, err := uuid.Parse(s.User.ID)
	if err != nil {
		return nil, fmt.Errorf("session subject: %w", err)
	}
	if attrs.Password != "" {
		hash, err := HashPassword(attrs.Password)
		if err != nil {
			return nil, err
		}
		if err := l.creds.UpdatePassword(ctx, id, hash); err != nil {
			return nil, fmt.Errorf("update password: %w", err)
		}
	}
	l.events.emit(Event{Type: EventUserUpdated, Session: s})
	u := s.User
	return &u, nil
}

// ResetPasswordForEmail only logs; the development provider sends no mail.
func (l *Local) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	if _, err := l.creds.FindByEmail(ctx, email); err != nil {
		// do not reveal whether the account exists
		return nil
	}
	l.logger.Info("password recovery requested", "email", email, "redirect_to", redirectTo)
	return nil
}

func (l *Local) issue(ctx context.Context, cred *model.LocalCredential) (*Session, error) {
	meta := map[string]any{}
	if cred.UserMetadata != "" {
		_ = json.Unmarshal([]byte(cred.UserMetadata), &meta)
	}
	role, _ := meta["role"].(string)

	now := l.now()
	exp := now.Add(l.cfg.AccessTTL)
	claims := localClaims{
		Email:        cred.Email,
		Role:         role,
		UserMetadata: meta,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   cred.ID.String(),
			Issuer:    l.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(l.cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	rt := &model.LocalRefreshToken{
		CredentialID: cred.ID,
		Token:        uuid.NewString(),
		ExpiresAt:    now.Add(l.cfg.RefreshTTL),
	}
	if err := l.creds.SaveRefreshToken(ctx, rt); err != nil {
		return nil, fmt.Errorf("save refresh token: %w", err)
	}

	s := &Session{
		AccessToken:  access,
		RefreshToken: rt.Token,
		TokenType:    "bearer",
		ExpiresIn:    int(l.cfg.AccessTTL.Seconds()),
		ExpiresAt:    exp.Unix(),
		User: User{
			ID:           cred.ID.String(),
			Email:        cred.Email,
			UserMetadata: meta,
		},
	}
	if err := l.persist.save(ctx, s); err != nil {
		l.logger.Warn("failed to persist session", "error", err)
	}
	return s, nil
}

func (l *Local) verify(token string) (*localClaims, error) {
	claims := &localClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return l.cfg.Secret, nil
	}, jwt.WithIssuer(l.cfg.Issuer), jwt.WithTimeFunc(l.now))
	if err != nil {
		return nil, err
	}
	return claims, nil
}
