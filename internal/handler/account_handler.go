package handler

import (
	"net/http"

	"fleetdesk/internal/middleware"
	"fleetdesk/internal/model"
	"fleetdesk/internal/service"
	"fleetdesk/pkg/response"

	"github.com/gin-gonic/gin"
)

// AccountHandler is mounted only when the local identity provider is in use.
type AccountHandler struct {
	accounts service.AccountService
}

func NewAccountHandler(accounts service.AccountService) *AccountHandler {
	return &AccountHandler{accounts: accounts}
}

func (h *AccountHandler) RegisterRoutes(router *gin.RouterGroup, authz *middleware.Authorizer) {
	router.POST("/api/users", authz.RequirePermission(model.PermUsersManage), h.CreateAccount)
}

// CreateAccount registers an operator with the local identity provider
// @Summary      Create local account
// @Tags         users
// @Accept       json
// @Produce      json
// @Param        payload  body      service.CreateAccountRequest  true  "Account"
// @Success      201      {object}  response.Response{data=service.AccountResponse}
// @Failure      400      {object}  response.Response
// @Failure      409      {object}  response.Response
// @Router       /api/users [post]
func (h *AccountHandler) CreateAccount(c *gin.Context) {
	var req service.CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
		return
	}

	account, err := h.accounts.CreateAccount(c.Request.Context(), middleware.CurrentUser(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, account))
}
