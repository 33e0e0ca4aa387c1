package service

import (
	"context"
	"encoding/json"
	"testing"

	"fleetdesk/internal/model"
	"fleetdesk/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakeCredentials struct {
	repository.CredentialRepository
	byEmail map[string]*model.LocalCredential
}

func (f *fakeCredentials) Create(_ context.Context, cred *model.LocalCredential) error {
	if _, ok := f.byEmail[cred.Email]; ok {
		return repository.ErrConflict
	}
	cred.ID = uuid.New()
	f.byEmail[cred.Email] = cred
	return nil
}

func (f *fakeCredentials) FindByEmail(_ context.Context, email string) (*model.LocalCredential, error) {
	c, ok := f.byEmail[email]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c, nil
}

func newAccountFixture() (AccountService, *fakeCredentials, *fakeProfiles, *fakeRoles, *memAudit) {
	creds := &fakeCredentials{byEmail: map[string]*model.LocalCredential{}}
	profiles := &fakeProfiles{}
	roles := newFakeRoles()
	roles.add("Dispatcher", true)
	audit := &memAudit{}
	svc := NewAccountService(creds, profiles, roles, passthroughTx{}, NewAuditService(audit), nil)
	return svc, creds, profiles, roles, audit
}

func TestCreateAccount(t *testing.T) {
	svc, creds, profiles, _, audit := newAccountFixture()

	res, err := svc.CreateAccount(context.Background(), actor, CreateAccountRequest{
		Email: " Dana@Example.com ", Password: "correct-horse", Name: "Dana", Role: "Dispatcher",
	})
	require.NoError(t, err)
	assert.Equal(t, "dana@example.com", res.Email)
	assert.Equal(t, "Dispatcher", res.Role)

	cred := creds.byEmail["dana@example.com"]
	require.NotNil(t, cred)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte("correct-horse")))

	var meta map[string]string
	require.NoError(t, json.Unmarshal([]byte(cred.UserMetadata), &meta))
	assert.Equal(t, "Dana", meta["name"])

	require.Len(t, profiles.created, 1)
	assert.Equal(t, cred.ID, profiles.created[0].ID)
	require.NotNil(t, profiles.created[0].RoleID)

	require.Len(t, audit.entries, 1)
	assert.Equal(t, "CREATE_ACCOUNT", audit.entries[0].Action)
}

func TestCreateAccount_Validation(t *testing.T) {
	svc, _, _, _, _ := newAccountFixture()
	ctx := context.Background()

	_, err := svc.CreateAccount(ctx, actor, CreateAccountRequest{Email: "a@example.com", Password: "short", Name: "A", Role: "Dispatcher"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.CreateAccount(ctx, actor, CreateAccountRequest{Email: "a@example.com", Password: "long-enough", Name: "A", Role: "Pilot"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCreateAccount_DuplicateEmail(t *testing.T) {
	svc, _, _, _, _ := newAccountFixture()
	req := CreateAccountRequest{Email: "a@example.com", Password: "long-enough", Name: "A", Role: "Dispatcher"}

	_, err := svc.CreateAccount(context.Background(), actor, req)
	require.NoError(t, err)
	_, err = svc.CreateAccount(context.Background(), actor, req)
	assert.ErrorIs(t, err, repository.ErrConflict)
}

func TestEnsureAccount_Idempotent(t *testing.T) {
	svc, creds, profiles, _, _ := newAccountFixture()
	req := CreateAccountRequest{Email: "ops@example.com", Password: "long-enough", Name: "Ops", Role: "Dispatcher"}

	require.NoError(t, svc.EnsureAccount(context.Background(), req))
	require.NoError(t, svc.EnsureAccount(context.Background(), req))
	assert.Len(t, creds.byEmail, 1)
	assert.Len(t, profiles.created, 1)
}
