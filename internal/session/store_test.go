package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fleetdesk/internal/identity"
	"fleetdesk/internal/model"
	"fleetdesk/internal/notify"
	"fleetdesk/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu           sync.Mutex
	listeners    map[int]identity.Listener
	next         int
	signInFn     func(ctx context.Context, email, password string) (*identity.Session, error)
	signOutFn    func(ctx context.Context) error
	getSessionFn func(ctx context.Context) (*identity.Session, error)
	resetFn      func(ctx context.Context, email, redirectTo string) error
}

type fakeSub func()

func (f fakeSub) Unsubscribe() { f() }

func newFakeProvider() *fakeProvider {
	return &fakeProvider{listeners: map[int]identity.Listener{}}
}

func (f *fakeProvider) SignInWithPassword(ctx context.Context, email, password string) (*identity.Session, error) {
	return f.signInFn(ctx, email, password)
}

func (f *fakeProvider) SignOut(ctx context.Context) error {
	if f.signOutFn == nil {
		return nil
	}
	return f.signOutFn(ctx)
}

func (f *fakeProvider) GetSession(ctx context.Context) (*identity.Session, error) {
	if f.getSessionFn == nil {
		return nil, nil
	}
	return f.getSessionFn(ctx)
}

func (f *fakeProvider) OnAuthStateChange(fn identity.Listener) identity.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.listeners[id] = fn
	return fakeSub(func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	})
}

func (f *fakeProvider) UpdateUser(context.Context, identity.UserAttributes) (*identity.User, error) {
	return &identity.User{}, nil
}

func (f *fakeProvider) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	if f.resetFn == nil {
		return nil
	}
	return f.resetFn(ctx, email, redirectTo)
}

func (f *fakeProvider) emit(ev identity.Event) {
	f.mu.Lock()
	fns := make([]identity.Listener, 0, len(f.listeners))
	for _, l := range f.listeners {
		fns = append(fns, l)
	}
	f.mu.Unlock()
	for _, l := range fns {
		l(ev)
	}
}

func (f *fakeProvider) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

// metadataProfiles resolves the role from user metadata.
type metadataProfiles struct {
	block chan struct{}
}

func (m metadataProfiles) Resolve(ctx context.Context, u *identity.User) (*model.AuthUser, error) {
	if m.block != nil {
		<-m.block
	}
	role, ok := model.ParseRole(u.MetadataString("role"))
	if !ok {
		return nil, errors.New("profile not found")
	}
	return &model.AuthUser{ID: u.ID, Name: u.MetadataString("name"), Email: u.Email, Role: role}, nil
}

func testSession(id, role string) *identity.Session {
	return &identity.Session{
		AccessToken:  "access-" + id,
		RefreshToken: "refresh-" + id,
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		User: identity.User{
			ID:           id,
			Email:        id + "@example.com",
			UserMetadata: map[string]any{"role": role, "name": id},
		},
	}
}

func blockUntilDone(ctx context.Context) (*identity.Session, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func waitReady(t *testing.T, s *Store) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitReady(ctx))
	return s.State()
}

func TestInit_RestoresSessionFromOneShotFetch(t *testing.T) {
	p := newFakeProvider()
	p.getSessionFn = func(context.Context) (*identity.Session, error) {
		return testSession("ana", "Dispatcher"), nil
	}
	s := New(p, metadataProfiles{}, storage.NewMemory())
	assert.True(t, s.State().Loading)

	s.Init(context.Background())
	t.Cleanup(s.Teardown)

	st := waitReady(t, s)
	assert.True(t, st.IsAuthenticated)
	require.NotNil(t, st.User)
	assert.Equal(t, model.RoleDispatcher, st.User.Role)
	assert.Equal(t, "ana", st.Identity.ID)
	assert.Empty(t, st.AuthError)
}

func TestInit_ListenerClearsLoadingWhenFetchHangs(t *testing.T) {
	p := newFakeProvider()
	p.getSessionFn = blockUntilDone
	s := New(p, metadataProfiles{}, storage.NewMemory())
	s.Init(context.Background())
	t.Cleanup(s.Teardown)

	p.emit(identity.Event{Type: identity.EventInitialSession, Session: testSession("ben", "Driver")})

	st := waitReady(t, s)
	assert.False(t, st.Loading)
	assert.True(t, st.IsAuthenticated)
	assert.Equal(t, model.RoleDriver, st.User.Role)
}

func TestInit_WatchdogEndsStalledInitialisation(t *testing.T) {
	p := newFakeProvider()
	p.getSessionFn = blockUntilDone
	var toasts []notify.Toast
	var mu sync.Mutex
	s := New(p, metadataProfiles{}, storage.NewMemory(),
		WithInitTimeout(30*time.Millisecond),
		WithNotifier(notify.Func(func(t notify.Toast) {
			mu.Lock()
			toasts = append(toasts, t)
			mu.Unlock()
		})))
	s.Init(context.Background())
	t.Cleanup(s.Teardown)

	st := waitReady(t, s)
	assert.False(t, st.Loading)
	assert.Equal(t, InitTimeoutMessage, st.AuthError)
	assert.False(t, st.IsAuthenticated)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, toasts, 1)
	assert.Equal(t, notify.LevelWarning, toasts[0].Level)
}

func TestInit_LateSessionAfterWatchdogStillApplies(t *testing.T) {
	p := newFakeProvider()
	release := make(chan struct{})
	p.getSessionFn = func(ctx context.Context) (*identity.Session, error) {
		<-release
		return testSession("cara", "Fleet"), nil
	}
	s := New(p, metadataProfiles{}, storage.NewMemory(), WithInitTimeout(20*time.Millisecond))
	s.Init(context.Background())
	t.Cleanup(s.Teardown)

	st := waitReady(t, s)
	require.Equal(t, InitTimeoutMessage, st.AuthError)

	close(release)
	require.Eventually(t, func() bool { return s.State().IsAuthenticated }, time.Second, 5*time.Millisecond)
	assert.Empty(t, s.State().AuthError)
}

func TestInit_InstallsListenerOnce(t *testing.T) {
	p := newFakeProvider()
	s := New(p, metadataProfiles{}, storage.NewMemory())

	s.Init(context.Background())
	s.Init(context.Background())
	assert.Equal(t, 1, p.listenerCount())

	s.Teardown()
	assert.Equal(t, 0, p.listenerCount())

	s.Init(context.Background())
	assert.Equal(t, 1, p.listenerCount())
	s.Teardown()
}

func TestTeardown_DropsLateCompletions(t *testing.T) {
	p := newFakeProvider()
	release := make(chan struct{})
	p.getSessionFn = func(context.Context) (*identity.Session, error) {
		<-release
		return testSession("dan", "Admin"), nil
	}
	s := New(p, metadataProfiles{}, storage.NewMemory())
	s.Init(context.Background())
	s.Teardown()
	close(release)

	assert.Never(t, func() bool { return s.State().IsAuthenticated }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestForceResetLoading(t *testing.T) {
	p := newFakeProvider()
	p.getSessionFn = blockUntilDone
	s := New(p, metadataProfiles{}, storage.NewMemory(), WithInitTimeout(time.Hour))
	s.Init(context.Background())
	t.Cleanup(s.Teardown)
	require.True(t, s.State().Loading)

	s.ForceResetLoading()
	st := waitReady(t, s)
	assert.False(t, st.Loading)
	assert.Empty(t, st.AuthError)
}

func TestSubscribe_ObserverSeesFinalState(t *testing.T) {
	p := newFakeProvider()
	p.getSessionFn = func(context.Context) (*identity.Session, error) {
		return testSession("eve", "Customer"), nil
	}
	s := New(p, metadataProfiles{}, storage.NewMemory())

	var mu sync.Mutex
	var last State
	cancel := s.Subscribe(func(st State) {
		mu.Lock()
		last = st
		mu.Unlock()
	})
	defer cancel()

	s.Init(context.Background())
	t.Cleanup(s.Teardown)
	waitReady(t, s)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last.User != nil && last.User.Role == model.RoleCustomer
	}, time.Second, 5*time.Millisecond)
}
