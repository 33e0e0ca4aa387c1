package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"fleetdesk/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGoTrue(t *testing.T, h http.HandlerFunc) (*GoTrue, *storage.Memory) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	store := storage.NewMemory()
	return NewGoTrue(GoTrueConfig{URL: srv.URL, APIKey: "anon"}, store, nil), store
}

func writeSession(w http.ResponseWriter, access string, expiresIn int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  access,
		"refresh_token": "refresh-" + access,
		"token_type":    "bearer",
		"expires_in":    expiresIn,
		"user": map[string]any{
			"id":            "8f7c1c8e-3c57-4b9e-9d7e-1f0c2f1f0a11",
			"email":         "ops@example.com",
			"user_metadata": map[string]any{"role": "Dispatcher"},
		},
	})
}

func TestGoTrue_SignInPersistsAndEmits(t *testing.T) {
	g, store := newTestGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/token", r.URL.Path)
		assert.Equal(t, "password", r.URL.Query().Get("grant_type"))
		assert.Equal(t, "anon", r.Header.Get("apikey"))
		writeSession(w, "tok-1", 3600)
	})

	var mu sync.Mutex
	var events []EventType
	g.events.subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev.Type)
		mu.Unlock()
	})

	s, err := g.SignInWithPassword(context.Background(), "ops@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", s.AccessToken)
	assert.NotZero(t, s.ExpiresAt)
	assert.Equal(t, "Dispatcher", s.User.MetadataString("role"))

	v, err := store.Get(context.Background(), storage.KeyAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", v)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventSignedIn}, events)
}

func TestGoTrue_SignInErrorCarriesProviderMessage(t *testing.T) {
	g, store := newTestGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid login credentials"}`))
	})

	_, err := g.SignInWithPassword(context.Background(), "ops@example.com", "wrong")
	require.Error(t, err)
	assert.Equal(t, "Invalid login credentials", err.Error())
	assert.True(t, errors.Is(err, ErrInvalidCredentials))
	assert.Equal(t, 0, store.Len())
}

func TestGoTrue_SignOutClearsEvenWhenRemoteFails(t *testing.T) {
	g, store := newTestGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/v1/token":
			writeSession(w, "tok-1", 3600)
		case "/auth/v1/logout":
			assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusBadGateway)
		}
	})

	_, err := g.SignInWithPassword(context.Background(), "ops@example.com", "secret")
	require.NoError(t, err)

	err = g.SignOut(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 0, store.Len())

	s, err := g.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestGoTrue_GetSessionRefreshesNearExpiry(t *testing.T) {
	g, _ := newTestGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("grant_type") {
		case "password":
			writeSession(w, "tok-1", 10)
		case "refresh_token":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			assert.Equal(t, "refresh-tok-1", body["refresh_token"])
			writeSession(w, "tok-2", 3600)
		}
	})

	_, err := g.SignInWithPassword(context.Background(), "ops@example.com", "secret")
	require.NoError(t, err)

	s, err := g.GetSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "tok-2", s.AccessToken)
}

func TestGoTrue_OnAuthStateChangeDeliversInitialSession(t *testing.T) {
	g, _ := newTestGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	got := make(chan Event, 1)
	sub := g.OnAuthStateChange(func(ev Event) { got <- ev })
	defer sub.Unsubscribe()

	select {
	case ev := <-got:
		assert.Equal(t, EventInitialSession, ev.Type)
		assert.Nil(t, ev.Session)
	case <-time.After(2 * time.Second):
		t.Fatal("no initial session event")
	}
}

func TestSession_ExpiresWithin(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	s := &Session{ExpiresAt: now.Add(20 * time.Second).Unix()}
	assert.True(t, s.ExpiresWithin(now, 30*time.Second))
	assert.False(t, s.ExpiresWithin(now, 10*time.Second))
	assert.False(t, (&Session{}).ExpiresWithin(now, time.Hour))
}
