package handler

import (
	"context"
	"net/http"

	"fleetdesk/internal/middleware"
	"fleetdesk/internal/model"
	"fleetdesk/internal/permission"
	"fleetdesk/internal/session"
	"fleetdesk/pkg/response"

	"github.com/gin-gonic/gin"
)

// SessionOperations is what the auth endpoints need from the session store.
type SessionOperations interface {
	State() session.State
	SignIn(ctx context.Context, email, password string) (*model.AuthUser, error)
	SignOut(ctx context.Context)
	ForceSignOut(ctx context.Context)
	ForceResetLoading()
	ResetPassword(ctx context.Context, email string) error
	UpdatePassword(ctx context.Context, password string) error
}

// PermissionView is the read side of the permission resolver.
type PermissionView interface {
	Snapshot() permission.Snapshot
	RoleMap() map[string][]string
}

type SignInRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type SignInResponse struct {
	User         *model.AuthUser `json:"user"`
	Token        string          `json:"token"`
	ProfileError string          `json:"profile_error,omitempty"`
	Redirect     string          `json:"redirect"`
}

type ResetPasswordRequest struct {
	Email string `json:"email" binding:"required,email"`
}

type UpdatePasswordRequest struct {
	Password string `json:"password" binding:"required,min=8"`
}

type RedirectResponse struct {
	Redirect string `json:"redirect"`
}

type MeResponse struct {
	User        *model.AuthUser     `json:"user"`
	Permissions permission.Snapshot `json:"permissions"`
}

type AuthHandler struct {
	sessions SessionOperations
	perms    PermissionView
	keys     *middleware.ConsoleKeys
}

func NewAuthHandler(sessions SessionOperations, perms PermissionView, keys *middleware.ConsoleKeys) *AuthHandler {
	return &AuthHandler{sessions: sessions, perms: perms, keys: keys}
}

// RegisterRoutes binds the auth endpoints. limit throttles the endpoints that
// reach the identity provider with user-supplied credentials.
func (h *AuthHandler) RegisterRoutes(router *gin.RouterGroup, authz *middleware.Authorizer, limit gin.HandlerFunc) {
	auth := router.Group("/auth")
	{
		auth.POST("/sign-in", limit, h.SignIn)
		auth.POST("/sign-out", authz.RequireKey(), h.SignOut)
		auth.POST("/force-sign-out", authz.RequireKey(), h.ForceSignOut)
		auth.POST("/continue", authz.RequireKey(), h.Continue)
		auth.POST("/reset-password", limit, h.ResetPassword)
		auth.PUT("/user", authz.RequireSession(), h.UpdatePassword)
	}

	router.GET("/api/session", h.GetSession)
	router.GET("/api/me", authz.RequireSession(), h.GetMe)
}

// SignIn handles POST /auth/sign-in
// @Summary      Sign in
// @Description  Authenticates with the identity provider and resolves the operator profile
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        from     query     string         false  "Path to return to after signing in"
// @Param        payload  body      SignInRequest  true   "Credentials"
// @Success      200      {object}  response.Response{data=SignInResponse}
// @Failure      400      {object}  response.Response
// @Failure      401      {object}  response.Response
// @Failure      429      {object}  response.Response
// @Failure      500      {object}  response.Response
// @Router       /auth/sign-in [post]
func (h *AuthHandler) SignIn(c *gin.Context) {
	var req SignInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload"))
		return
	}

	user, err := h.sessions.SignIn(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, err.Error()))
		return
	}

	key, err := h.keys.Issue(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.Error(http.StatusInternalServerError, "Failed to issue console key"))
		return
	}
	middleware.SetKeyCookie(c, key)

	c.JSON(http.StatusOK, response.Success(http.StatusOK, SignInResponse{
		User:         user,
		Token:        key,
		ProfileError: h.sessions.State().ProfileError,
		Redirect:     middleware.SafeReturnPath(c.Query("from")),
	}))
}

// SignOut handles POST /auth/sign-out
// @Summary      Sign out
// @Description  Signs out with the provider; local state is cleared even if the provider call fails
// @Tags         auth
// @Produce      json
// @Success      200  {object}  response.Response{data=RedirectResponse}
// @Router       /auth/sign-out [post]
func (h *AuthHandler) SignOut(c *gin.Context) {
	h.sessions.SignOut(c.Request.Context())
	h.dropKey(c)
	c.JSON(http.StatusOK, response.Success(http.StatusOK, RedirectResponse{Redirect: "/"}))
}

// ForceSignOut handles POST /auth/force-sign-out
// @Summary      Force sign out
// @Description  Clears stored tokens and local state without waiting on an unreachable provider
// @Tags         auth
// @Produce      json
// @Success      200  {object}  response.Response{data=RedirectResponse}
// @Router       /auth/force-sign-out [post]
func (h *AuthHandler) ForceSignOut(c *gin.Context) {
	h.sessions.ForceSignOut(c.Request.Context())
	h.dropKey(c)
	c.JSON(http.StatusOK, response.Success(http.StatusOK, RedirectResponse{Redirect: "/"}))
}

// Continue handles POST /auth/continue, the "Continue Anyway" action
// @Summary      Continue anyway
// @Description  Clears a stuck loading state
// @Tags         auth
// @Produce      json
// @Success      200  {object}  response.Response{data=session.State}
// @Router       /auth/continue [post]
func (h *AuthHandler) Continue(c *gin.Context) {
	h.sessions.ForceResetLoading()
	c.JSON(http.StatusOK, response.Success(http.StatusOK, h.sessions.State()))
}

// ResetPassword handles POST /auth/reset-password
// @Summary      Request a password reset
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        payload  body      ResetPasswordRequest  true  "Account email"
// @Success      200      {object}  response.Response
// @Failure      400      {object}  response.Response
// @Failure      502      {object}  response.Response
// @Router       /auth/reset-password [post]
func (h *AuthHandler) ResetPassword(c *gin.Context) {
	var req ResetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload"))
		return
	}
	if err := h.sessions.ResetPassword(c.Request.Context(), req.Email); err != nil {
		c.JSON(http.StatusBadGateway, response.Error(http.StatusBadGateway, err.Error()))
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, gin.H{"message": "Password reset email sent"}))
}

// UpdatePassword handles PUT /auth/user
// @Summary      Update password
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        payload  body      UpdatePasswordRequest  true  "New password"
// @Success      200      {object}  response.Response
// @Failure      400      {object}  response.Response
// @Failure      401      {object}  response.Response
// @Router       /auth/user [put]
func (h *AuthHandler) UpdatePassword(c *gin.Context) {
	var req UpdatePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
		return
	}
	if err := h.sessions.UpdatePassword(c.Request.Context(), req.Password); err != nil {
		c.JSON(http.StatusBadGateway, response.Error(http.StatusBadGateway, err.Error()))
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, gin.H{"message": "Password updated"}))
}

// GetSession handles GET /api/session
// @Summary      Session state
// @Description  Current session snapshot including the loading flag and errors. Without the console key only the loading flag and provider error are returned.
// @Tags         auth
// @Produce      json
// @Success      200  {object}  response.Response{data=session.State}
// @Router       /api/session [get]
func (h *AuthHandler) GetSession(c *gin.Context) {
	st := h.sessions.State()
	if !h.keys.Valid(c.Request.Context(), middleware.PresentedKey(c)) {
		st = session.State{Loading: st.Loading, AuthError: st.AuthError}
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, st))
}

func (h *AuthHandler) dropKey(c *gin.Context) {
	_ = h.keys.Revoke(c.Request.Context())
	middleware.ClearKeyCookie(c)
}

// GetMe handles GET /api/me
// @Summary      Current operator
// @Description  The signed-in operator and the resolved permission set
// @Tags         auth
// @Produce      json
// @Success      200  {object}  response.Response{data=MeResponse}
// @Failure      401  {object}  response.Response
// @Router       /api/me [get]
func (h *AuthHandler) GetMe(c *gin.Context) {
	c.JSON(http.StatusOK, response.Success(http.StatusOK, MeResponse{
		User:        middleware.CurrentUser(c),
		Permissions: h.perms.Snapshot(),
	}))
}
