package permission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fleetdesk/internal/model"
	"fleetdesk/internal/notify"
	"fleetdesk/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	userPermissions func(ctx context.Context, userID string) ([]string, error)
	roleMap         func(ctx context.Context) (map[string][]string, error)
	calls           atomic.Int32
}

func (s *stubSource) UserPermissions(ctx context.Context, userID string) ([]string, error) {
	s.calls.Add(1)
	return s.userPermissions(ctx, userID)
}

func (s *stubSource) RolePermissionMap(ctx context.Context) (map[string][]string, error) {
	if s.roleMap == nil {
		return nil, errors.New("role map unavailable")
	}
	return s.roleMap(ctx)
}

func returning(names ...string) func(context.Context, string) ([]string, error) {
	return func(context.Context, string) ([]string, error) { return names, nil }
}

func resolved(t *testing.T, r *Resolver, user *model.AuthUser) Snapshot {
	t.Helper()
	r.SetUser(context.Background(), user)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
	return r.Snapshot()
}

func operator(role model.Role) *model.AuthUser {
	return &model.AuthUser{ID: "u-" + string(role), Name: "Op", Email: "op@example.com", Role: role}
}

func TestResolver_UsesRemoteList(t *testing.T) {
	src := &stubSource{userPermissions: returning("bookings:view", "reports:export")}
	r := NewResolver(src)

	snap := resolved(t, r, operator(model.RoleDispatcher))
	assert.Equal(t, PhaseReady, snap.Phase)
	assert.Equal(t, SourceRemote, snap.Source)
	assert.ElementsMatch(t, []model.Permission{model.PermBookingsView, model.PermReportsExport}, snap.Permissions)

	assert.True(t, r.HasPermission(model.PermReportsExport))
	assert.False(t, r.HasPermission(model.PermBookingsCreate))
	assert.True(t, r.HasAnyPermission(model.PermBookingsCreate, model.PermBookingsView))
	assert.False(t, r.HasAnyPermission(model.PermRolesManage))
}

func TestResolver_DropsUnknownPermissions(t *testing.T) {
	src := &stubSource{userPermissions: returning("bookings:view", "bookings:teleport")}
	r := NewResolver(src)

	snap := resolved(t, r, operator(model.RoleDispatcher))
	assert.Equal(t, []model.Permission{model.PermBookingsView}, snap.Permissions)
}

func TestResolver_EmptyListForDriverUsesRoleDefaults(t *testing.T) {
	src := &stubSource{userPermissions: returning()}
	r := NewResolver(src)

	snap := resolved(t, r, operator(model.RoleDriver))
	want := model.FallbackPermissions(model.RoleDriver)
	require.Len(t, want, 6)
	assert.ElementsMatch(t, want, snap.Permissions)
	assert.Equal(t, SourceRoleDefault, snap.Source)
	assert.False(t, snap.IsAdmin)
}

func TestResolver_EmptyListForAdminIsCorrected(t *testing.T) {
	src := &stubSource{userPermissions: returning()}
	r := NewResolver(src)

	snap := resolved(t, r, operator(model.RoleAdmin))
	assert.ElementsMatch(t, model.AllPermissions, snap.Permissions)
	assert.Equal(t, SourceAdminCorrection, snap.Source)
	assert.True(t, snap.IsAdmin)
}

func TestResolver_AdminShortCircuits(t *testing.T) {
	src := &stubSource{userPermissions: returning("bookings:view")}
	r := NewResolver(src)

	resolved(t, r, operator(model.RoleAdmin))
	assert.True(t, r.IsAdmin())
	for _, p := range model.AllPermissions {
		assert.True(t, r.HasPermission(p), p)
	}
	assert.True(t, r.HasPermission(model.Permission("anything:at-all")))
}

func TestResolver_FetchErrorUsesFallback(t *testing.T) {
	var toasts []notify.Toast
	var mu sync.Mutex
	src := &stubSource{userPermissions: func(context.Context, string) ([]string, error) {
		return nil, errors.New("connection refused")
	}}
	r := NewResolver(src, WithNotifier(notify.Func(func(t notify.Toast) {
		mu.Lock()
		toasts = append(toasts, t)
		mu.Unlock()
	})))

	snap := resolved(t, r, operator(model.RoleFleet))
	assert.ElementsMatch(t, model.FallbackPermissions(model.RoleFleet), snap.Permissions)
	assert.Equal(t, SourceFallbackError, snap.Source)
	assert.Contains(t, snap.PermissionError, "connection refused")
	assert.EqualValues(t, 1, src.calls.Load())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(toasts) == 1 && toasts[0].Level == notify.LevelWarning
	}, time.Second, 5*time.Millisecond)
}

func TestResolver_FetchErrorWithUnknownRoleIsEmpty(t *testing.T) {
	src := &stubSource{userPermissions: func(context.Context, string) ([]string, error) {
		return nil, errors.New("boom")
	}}
	r := NewResolver(src)

	snap := resolved(t, r, &model.AuthUser{ID: "x"})
	assert.Empty(t, snap.Permissions)
	assert.False(t, r.HasPermission(model.PermBookingsView))
}

func TestResolver_TimeoutRetriesThenStalls(t *testing.T) {
	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })
	src := &stubSource{userPermissions: func(context.Context, string) ([]string, error) {
		<-hang
		return nil, nil
	}}
	var stalls atomic.Int32
	r := NewResolver(src,
		WithFetchTimeout(20*time.Millisecond),
		WithStallHandler(func() { stalls.Add(1) }))

	snap := resolved(t, r, operator(model.RoleCustomer))
	assert.EqualValues(t, DefaultMaxAttempts, src.calls.Load())
	assert.ElementsMatch(t, model.FallbackPermissions(model.RoleCustomer), snap.Permissions)
	assert.Equal(t, SourceFallbackTimeout, snap.Source)
	assert.Equal(t, ErrFetchTimeout.Error(), snap.PermissionError)
	require.Eventually(t, func() bool { return stalls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestResolver_SecondAttemptSucceeds(t *testing.T) {
	var n atomic.Int32
	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })
	src := &stubSource{userPermissions: func(context.Context, string) ([]string, error) {
		if n.Add(1) == 1 {
			<-hang
		}
		return []string{"vehicles:view"}, nil
	}}
	r := NewResolver(src, WithFetchTimeout(20*time.Millisecond))

	snap := resolved(t, r, operator(model.RoleFleet))
	assert.Equal(t, SourceRemote, snap.Source)
	assert.Equal(t, []model.Permission{model.PermVehiclesView}, snap.Permissions)
}

func TestResolver_FetchingIsConservative(t *testing.T) {
	release := make(chan struct{})
	src := &stubSource{userPermissions: func(context.Context, string) ([]string, error) {
		<-release
		return []string{"bookings:view"}, nil
	}}
	r := NewResolver(src)
	r.SetUser(context.Background(), operator(model.RoleDispatcher))

	snap := r.Snapshot()
	assert.Equal(t, PhaseFetching, snap.Phase)
	assert.True(t, snap.Loading)
	assert.False(t, r.HasPermission(model.PermBookingsView))

	close(release)
	require.NoError(t, r.Wait(context.Background()))
	assert.True(t, r.HasPermission(model.PermBookingsView))
}

func TestResolver_AdminIsNotPrivilegedWhileFetching(t *testing.T) {
	release := make(chan struct{})
	src := &stubSource{userPermissions: func(context.Context, string) ([]string, error) {
		<-release
		return []string{"roles:manage"}, nil
	}}
	r := NewResolver(src)
	r.SetUser(context.Background(), operator(model.RoleAdmin))

	assert.False(t, r.IsAdmin())
	assert.False(t, r.HasPermission(model.PermSettingsManage))
	assert.False(t, r.HasAnyPermission(model.PermBookingsView, model.PermUsersView))
	assert.False(t, r.Snapshot().IsAdmin)

	close(release)
	require.NoError(t, r.Wait(context.Background()))
	assert.True(t, r.IsAdmin())
	assert.True(t, r.HasPermission(model.PermSettingsManage))
}

func TestResolver_StaleResultIsDropped(t *testing.T) {
	release := make(chan struct{})
	src := &stubSource{userPermissions: func(_ context.Context, userID string) ([]string, error) {
		if userID == "u-Dispatcher" {
			<-release
			return []string{"bookings:delete"}, nil
		}
		return []string{"complaints:create"}, nil
	}}
	r := NewResolver(src)

	r.SetUser(context.Background(), operator(model.RoleDispatcher))
	snap := resolved(t, r, operator(model.RoleCustomer))
	close(release)

	assert.Never(t, func() bool { return r.HasPermission(model.PermBookingsDelete) }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, []model.Permission{model.PermComplaintsCreate}, snap.Permissions)
}

func TestResolver_NilUserClears(t *testing.T) {
	src := &stubSource{
		userPermissions: returning("bookings:view"),
		roleMap: func(context.Context) (map[string][]string, error) {
			return map[string][]string{"Driver": {"bookings:view"}}, nil
		},
	}
	r := NewResolver(src)
	resolved(t, r, operator(model.RoleAdmin))
	require.Eventually(t, func() bool { return r.RoleMap() != nil }, time.Second, 5*time.Millisecond)

	r.SetUser(context.Background(), nil)
	snap := r.Snapshot()
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.False(t, snap.IsAdmin)
	assert.Empty(t, snap.Permissions)
	assert.Nil(t, r.RoleMap())
	assert.False(t, r.HasPermission(model.PermBookingsView))
}

func TestResolver_RoleMapFailureDoesNotAffectResolution(t *testing.T) {
	src := &stubSource{userPermissions: returning("invoices:view")}
	r := NewResolver(src)

	snap := resolved(t, r, operator(model.RoleCustomer))
	assert.Empty(t, snap.PermissionError)
	assert.True(t, r.HasPermission(model.PermInvoicesView))
	assert.Nil(t, r.RoleMap())
}

func TestResolver_SameUserDoesNotRefetch(t *testing.T) {
	src := &stubSource{userPermissions: returning("bookings:view")}
	r := NewResolver(src)

	u := operator(model.RoleDriver)
	resolved(t, r, u)
	renamed := *u
	renamed.Name = "Renamed"
	resolved(t, r, &renamed)
	assert.EqualValues(t, 1, src.calls.Load())
}

type fakeSession struct {
	mu    sync.Mutex
	state session.State
	fns   []func(session.State)
}

func (f *fakeSession) State() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) Subscribe(fn func(session.State)) func() {
	f.mu.Lock()
	f.fns = append(f.fns, fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeSession) set(st session.State) {
	f.mu.Lock()
	f.state = st
	fns := append([]func(session.State){}, f.fns...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

func TestResolver_AttachFollowsSession(t *testing.T) {
	src := &stubSource{userPermissions: returning("drivers:view")}
	r := NewResolver(src)
	sess := &fakeSession{}

	stop := r.Attach(context.Background(), sess)
	defer stop()
	assert.Equal(t, PhaseIdle, r.Snapshot().Phase)

	sess.set(session.State{User: operator(model.RoleFleet), IsAuthenticated: true})
	require.NoError(t, r.Wait(context.Background()))
	assert.True(t, r.HasPermission(model.PermDriversView))

	sess.set(session.State{})
	assert.Equal(t, PhaseIdle, r.Snapshot().Phase)
	assert.False(t, r.HasPermission(model.PermDriversView))
}
