package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fleetdesk/internal/model"
	"fleetdesk/internal/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memCredentials struct {
	mu     sync.Mutex
	creds  map[string]*model.LocalCredential
	tokens map[string]*model.LocalRefreshToken
}

func newMemCredentials(t *testing.T, email, password, metadata string) *memCredentials {
	t.Helper()
	hash, err := HashPassword(password)
	require.NoError(t, err)
	c := &model.LocalCredential{ID: uuid.New(), Email: email, PasswordHash: hash, UserMetadata: metadata}
	return &memCredentials{
		creds:  map[string]*model.LocalCredential{email: c},
		tokens: map[string]*model.LocalRefreshToken{},
	}
}

func (m *memCredentials) FindByEmail(_ context.Context, email string) (*model.LocalCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[email]
	if !ok {
		return nil, errors.New("not found")
	}
	return c, nil
}

func (m *memCredentials) FindByID(_ context.Context, id uuid.UUID) (*model.LocalCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.creds {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, errors.New("not found")
}

func (m *memCredentials) UpdatePassword(_ context.Context, id uuid.UUID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.creds {
		if c.ID == id {
			c.PasswordHash = hash
			return nil
		}
	}
	return errors.New("not found")
}

func (m *memCredentials) SaveRefreshToken(_ context.Context, rt *model.LocalRefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[rt.Token] = rt
	return nil
}

func (m *memCredentials) ConsumeRefreshToken(_ context.Context, token string) (*model.LocalRefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.tokens[token]
	if !ok {
		return nil, errors.New("not found")
	}
	delete(m.tokens, token)
	return rt, nil
}

func (m *memCredentials) RevokeRefreshTokens(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, rt := range m.tokens {
		if rt.CredentialID == id {
			delete(m.tokens, k)
		}
	}
	return nil
}

func TestLocal_SignInAndRestore(t *testing.T) {
	creds := newMemCredentials(t, "driver@example.com", "pa55word", `{"role":"Driver","name":"Dana"}`)
	store := storage.NewMemory()
	l := NewLocal(LocalConfig{Secret: []byte("test-secret")}, creds, store, nil)

	s, err := l.SignInWithPassword(context.Background(), "driver@example.com", "pa55word")
	require.NoError(t, err)
	assert.Equal(t, "Driver", s.User.MetadataString("role"))

	restored, err := l.GetSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.Equal(t, s.AccessToken, restored.AccessToken)

	exp, err := TokenExpiry(s.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, s.ExpiresAt, exp.Unix())
}

func TestLocal_WrongPassword(t *testing.T) {
	creds := newMemCredentials(t, "driver@example.com", "pa55word", "")
	l := NewLocal(LocalConfig{Secret: []byte("test-secret")}, creds, storage.NewMemory(), nil)

	_, err := l.SignInWithPassword(context.Background(), "driver@example.com", "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, "Invalid login credentials", err.Error())
}

func TestLocal_ExpiredAccessTokenIsRefreshed(t *testing.T) {
	creds := newMemCredentials(t, "driver@example.com", "pa55word", "")
	l := NewLocal(LocalConfig{Secret: []byte("test-secret"), AccessTTL: time.Minute}, creds, storage.NewMemory(), nil)

	start := time.Now()
	l.now = func() time.Time { return start }
	first, err := l.SignInWithPassword(context.Background(), "driver@example.com", "pa55word")
	require.NoError(t, err)

	l.now = func() time.Time { return start.Add(2 * time.Minute) }
	s, err := l.GetSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.NotEqual(t, first.RefreshToken, s.RefreshToken)
}

func TestLocal_SignOutRevokesAndClears(t *testing.T) {
	creds := newMemCredentials(t, "driver@example.com", "pa55word", "")
	store := storage.NewMemory()
	l := NewLocal(LocalConfig{Secret: []byte("test-secret")}, creds, store, nil)

	_, err := l.SignInWithPassword(context.Background(), "driver@example.com", "pa55word")
	require.NoError(t, err)
	require.NoError(t, l.SignOut(context.Background()))

	assert.Equal(t, 0, store.Len())
	assert.Empty(t, creds.tokens)
}
