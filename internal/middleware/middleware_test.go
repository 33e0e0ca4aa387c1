package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fleetdesk/internal/model"
	"fleetdesk/internal/routegate"
	"fleetdesk/internal/session"
	"fleetdesk/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSessions struct {
	state session.State
	ready chan struct{}
}

func (s *stubSessions) State() session.State { return s.state }

func (s *stubSessions) WaitReady(ctx context.Context) error {
	if s.ready == nil {
		return nil
	}
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type stubPerms map[model.Permission]bool

func (p stubPerms) HasPermission(perm model.Permission) bool { return p[perm] }
func (p stubPerms) Wait(context.Context) error              { return nil }

func signedIn(role model.Role) session.State {
	return session.State{
		User:            &model.AuthUser{ID: "u1", Name: "Op", Role: role},
		IsAuthenticated: true,
	}
}

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	return serveAs(r, method, path, "")
}

// serveAs sends the request with key as a bearer token when key is set.
func serveAs(r *gin.Engine, method, path, key string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	r.ServeHTTP(w, req)
	return w
}

func issuedKeys(t *testing.T) (*ConsoleKeys, string) {
	t.Helper()
	keys := NewConsoleKeys(storage.NewMemory())
	key, err := keys.Issue(context.Background())
	require.NoError(t, err)
	return keys, key
}

func gatedRouter(sessions SessionView, keys *ConsoleKeys) *gin.Engine {
	r := gin.New()
	r.Use(RouteGate(routegate.New(routegate.Config{}), sessions, keys, 50*time.Millisecond))
	ok := func(c *gin.Context) { c.String(http.StatusOK, "view") }
	r.GET("/", ok)
	r.GET("/auth", ok)
	r.GET("/bookings", ok)
	return r
}

func TestRouteGate_Redirects(t *testing.T) {
	keys, _ := issuedKeys(t)
	r := gatedRouter(&stubSessions{}, keys)

	w := serve(r, http.MethodGet, "/bookings")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/auth?from=%2Fbookings", w.Header().Get("Location"))

	w = serve(r, http.MethodGet, "/")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/welcome", w.Header().Get("Location"))

	w = serve(r, http.MethodGet, "/auth")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouteGate_RendersForSignedInOperator(t *testing.T) {
	keys, key := issuedKeys(t)
	r := gatedRouter(&stubSessions{state: signedIn(model.RoleDriver)}, keys)

	w := serveAs(r, http.MethodGet, "/bookings", key)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "view", w.Body.String())
}

func TestRouteGate_ClientWithoutKeyIsSignedOut(t *testing.T) {
	keys, _ := issuedKeys(t)
	r := gatedRouter(&stubSessions{state: signedIn(model.RoleAdmin)}, keys)

	w := serve(r, http.MethodGet, "/bookings")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/auth?from=%2Fbookings", w.Header().Get("Location"))

	w = serveAs(r, http.MethodGet, "/bookings", "guessed")
	assert.Equal(t, http.StatusFound, w.Code)
}

func TestRouteGate_WaitIsBounded(t *testing.T) {
	keys, _ := issuedKeys(t)
	r := gatedRouter(&stubSessions{ready: make(chan struct{})}, keys)

	start := time.Now()
	w := serve(r, http.MethodGet, "/bookings")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRequireSession(t *testing.T) {
	keys, key := issuedKeys(t)
	a := NewAuthorizer(&stubSessions{}, stubPerms{}, keys, 10*time.Millisecond)
	r := gin.New()
	r.GET("/api/me", a.RequireSession(), func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusUnauthorized, serveAs(r, http.MethodGet, "/api/me", key).Code)

	a = NewAuthorizer(&stubSessions{state: signedIn(model.RoleFleet)}, stubPerms{}, keys, 10*time.Millisecond)
	r = gin.New()
	var got *model.AuthUser
	r.GET("/api/me", a.RequireSession(), func(c *gin.Context) {
		got = CurrentUser(c)
		c.Status(http.StatusOK)
	})
	assert.Equal(t, http.StatusOK, serveAs(r, http.MethodGet, "/api/me", key).Code)
	require.NotNil(t, got)
	assert.Equal(t, model.RoleFleet, got.Role)
}

func TestRequireSession_RejectsClientWithoutKey(t *testing.T) {
	keys, key := issuedKeys(t)
	a := NewAuthorizer(&stubSessions{state: signedIn(model.RoleAdmin)}, stubPerms{}, keys, 10*time.Millisecond)
	r := gin.New()
	r.GET("/api/me", a.RequireSession(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := serve(r, http.MethodGet, "/api/me")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "console key")
	assert.Equal(t, http.StatusUnauthorized, serveAs(r, http.MethodGet, "/api/me", key+"x").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(&http.Cookie{Name: ConsoleKeyCookie, Value: key})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, keys.Revoke(context.Background()))
	assert.Equal(t, http.StatusUnauthorized, serveAs(r, http.MethodGet, "/api/me", key).Code)
}

func TestRequireKey(t *testing.T) {
	keys := NewConsoleKeys(storage.NewMemory())
	a := NewAuthorizer(&stubSessions{state: signedIn(model.RoleAdmin)}, stubPerms{}, keys, 10*time.Millisecond)
	r := gin.New()
	r.POST("/auth/sign-out", a.RequireKey(), func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, serve(r, http.MethodPost, "/auth/sign-out").Code)

	key, err := keys.Issue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodPost, "/auth/sign-out").Code)
	assert.Equal(t, http.StatusOK, serveAs(r, http.MethodPost, "/auth/sign-out", key).Code)
}

func TestRequirePermission(t *testing.T) {
	sessions := &stubSessions{state: signedIn(model.RoleDispatcher)}
	perms := stubPerms{model.PermSettingsView: true}
	keys, key := issuedKeys(t)
	a := NewAuthorizer(sessions, perms, keys, 10*time.Millisecond)

	r := gin.New()
	r.GET("/api/audit-logs", a.RequirePermission(model.PermSettingsView), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/roles", a.RequirePermission(model.PermRolesManage), func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, serveAs(r, http.MethodGet, "/api/audit-logs", key).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/api/audit-logs").Code)
	w := serveAs(r, http.MethodGet, "/api/roles", key)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "roles:manage")

	sessions.state = session.State{}
	assert.Equal(t, http.StatusUnauthorized, serveAs(r, http.MethodGet, "/api/audit-logs", key).Code)
}

func TestRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	var seen string
	r.GET("/x", func(c *gin.Context) {
		seen = GetRequestID(c)
		c.Status(http.StatusOK)
	})

	w := serve(r, http.MethodGet, "/x")
	assert.Len(t, seen, 26)
	assert.Equal(t, seen, w.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(RequestIDHeader, "upstream-id")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "upstream-id", w.Header().Get(RequestIDHeader))
}

func TestRateLimiter(t *testing.T) {
	l := NewRateLimiter(0.001, 2)
	r := gin.New()
	r.POST("/auth/sign-in", l.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, serve(r, http.MethodPost, "/auth/sign-in").Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodPost, "/auth/sign-in").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(r, http.MethodPost, "/auth/sign-in").Code)

	l.sweep(time.Now().Add(time.Hour))
	assert.Equal(t, http.StatusOK, serve(r, http.MethodPost, "/auth/sign-in").Code)
}

func TestSafeReturnPath(t *testing.T) {
	assert.Equal(t, "/bookings", SafeReturnPath("/bookings"))
	assert.Equal(t, "/", SafeReturnPath("//evil.example.com"))
	assert.Equal(t, "/", SafeReturnPath("https://evil.example.com"))
	assert.Equal(t, "/", SafeReturnPath(""))
	assert.Equal(t, "/", SafeReturnPath("/\\evil.example"))
	assert.Equal(t, "/", SafeReturnPath("/\t/evil.example"))
	assert.Equal(t, "/", SafeReturnPath("/\n/evil.example"))
	assert.Equal(t, "/", SafeReturnPath("/ /evil.example"))
	assert.Equal(t, "/settings/roles?tab=custom", SafeReturnPath("/settings/roles?tab=custom"))
}
