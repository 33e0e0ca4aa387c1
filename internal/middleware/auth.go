package middleware

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"fleetdesk/internal/model"
	"fleetdesk/internal/routegate"
	"fleetdesk/internal/session"
	"fleetdesk/pkg/response"

	"github.com/gin-gonic/gin"
)

const userKey = "authUser"

// SessionView is the read side of the session store.
type SessionView interface {
	State() session.State
	WaitReady(ctx context.Context) error
}

// PermissionChecker is the read side of the permission resolver.
type PermissionChecker interface {
	HasPermission(p model.Permission) bool
	Wait(ctx context.Context) error
}

// Authorizer guards API routes with the console session and its permissions.
// A request must present the console key issued at sign-in; the session
// alone is not enough. Checks made while the session or permissions are
// still loading wait up to the configured bound before deciding.
type Authorizer struct {
	sessions SessionView
	perms    PermissionChecker
	keys     *ConsoleKeys
	wait     time.Duration
}

func NewAuthorizer(sessions SessionView, perms PermissionChecker, keys *ConsoleKeys, wait time.Duration) *Authorizer {
	return &Authorizer{sessions: sessions, perms: perms, keys: keys, wait: wait}
}

// RequireKey rejects requests that do not present the current console key.
// With no key on record the request passes, so a client can still clear a
// session restored from stored tokens.
func (a *Authorizer) RequireKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if a.keys.Issued(ctx) && !a.keys.Valid(ctx, PresentedKey(c)) {
			response.Abort(c, http.StatusUnauthorized, "Missing or invalid console key")
			return
		}
		c.Next()
	}
}

// RequireSession rejects requests with 401 while no operator is signed in or
// when the console key is missing.
func (a *Authorizer) RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		st := a.waitSession(c.Request.Context())
		if !st.IsAuthenticated {
			response.Abort(c, http.StatusUnauthorized, "Not signed in")
			return
		}
		if !a.keys.Valid(c.Request.Context(), PresentedKey(c)) {
			response.Abort(c, http.StatusUnauthorized, "Missing or invalid console key")
			return
		}
		if st.User != nil {
			c.Set(userKey, st.User)
		}
		c.Next()
	}
}

// RequirePermission requires a signed-in operator holding every permission
// in required. Admins always pass.
func (a *Authorizer) RequirePermission(required ...model.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		st := a.waitSession(c.Request.Context())
		if !st.IsAuthenticated {
			response.Abort(c, http.StatusUnauthorized, "Not signed in")
			return
		}
		if !a.keys.Valid(c.Request.Context(), PresentedKey(c)) {
			response.Abort(c, http.StatusUnauthorized, "Missing or invalid console key")
			return
		}
		if st.User == nil {
			response.Abort(c, http.StatusForbidden, "Profile not loaded")
			return
		}
		c.Set(userKey, st.User)

		ctx, cancel := context.WithTimeout(c.Request.Context(), a.wait)
		_ = a.perms.Wait(ctx)
		cancel()

		for _, p := range required {
			if !a.perms.HasPermission(p) {
				response.Abort(c, http.StatusForbidden, "Access denied: missing permission '"+string(p)+"'")
				return
			}
		}
		c.Next()
	}
}

func (a *Authorizer) waitSession(ctx context.Context) session.State {
	ctx, cancel := context.WithTimeout(ctx, a.wait)
	defer cancel()
	_ = a.sessions.WaitReady(ctx)
	return a.sessions.State()
}

// CurrentUser returns the operator stored by RequireSession or RequirePermission.
func CurrentUser(c *gin.Context) *model.AuthUser {
	v, ok := c.Get(userKey)
	if !ok {
		return nil
	}
	u, _ := v.(*model.AuthUser)
	return u
}

// RouteGate applies gate to console view paths. It waits for the session to
// finish loading, bounded by wait, so a restoring session is not bounced to
// the login page. A client without the console key is treated as signed out.
func RouteGate(gate *routegate.Gate, sessions SessionView, keys *ConsoleKeys, wait time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if gate.IsPublic(path) {
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
		_ = sessions.WaitReady(ctx)
		cancel()

		st := sessions.State()
		authed := st.IsAuthenticated && keys.Valid(c.Request.Context(), PresentedKey(c))
		d := gate.Evaluate(path, authed)
		if d.Action == routegate.Render {
			if authed && st.User != nil {
				c.Set(userKey, st.User)
			}
			c.Next()
			return
		}

		target := d.Target
		if d.From != "" {
			target += "?from=" + url.QueryEscape(d.From)
		}
		c.Redirect(http.StatusFound, target)
		c.Abort()
	}
}

// SafeReturnPath validates a "from" value before redirecting back to it.
// Only same-site absolute paths pass; anything a browser could resolve to
// another host falls back to "/".
func SafeReturnPath(from string) string {
	if from == "" || !strings.HasPrefix(from, "/") || strings.HasPrefix(from, "//") {
		return "/"
	}
	for _, r := range from {
		if r == '\\' || unicode.IsControl(r) || unicode.IsSpace(r) {
			return "/"
		}
	}
	u, err := url.Parse(from)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return "/"
	}
	return from
}
