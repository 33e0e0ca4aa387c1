package handler

import (
	"net/http"

	"fleetdesk/internal/middleware"
	"fleetdesk/internal/model"
	"fleetdesk/internal/service"
	"fleetdesk/pkg/response"

	"github.com/gin-gonic/gin"
)

type RoleHandler struct {
	roleService service.RoleService
	perms       PermissionView
}

func NewRoleHandler(roleService service.RoleService, perms PermissionView) *RoleHandler {
	return &RoleHandler{roleService: roleService, perms: perms}
}

func (h *RoleHandler) RegisterRoutes(router *gin.RouterGroup, authz *middleware.Authorizer) {
	roles := router.Group("/api/roles")
	roles.Use(authz.RequirePermission(model.PermRolesManage))
	{
		roles.GET("", h.ListRoles)
		roles.GET("/map", h.RoleMap)
		roles.POST("", h.CreateRole)
		roles.DELETE("/:id", h.DeleteRole)
		roles.POST("/:id/permissions", h.AddPermission)
		roles.DELETE("/:id/permissions/:permission", h.RemovePermission)
	}

	router.PUT("/api/users/:id/role", authz.RequirePermission(model.PermRolesManage), h.UpdateUserRole)
	router.GET("/api/permissions", authz.RequirePermission(model.PermRolesManage), h.ListPermissions)
}

// ListRoles returns all roles with their permissions and user counts
// @Summary      List roles
// @Tags         roles
// @Produce      json
// @Success      200  {object}  response.Response{data=[]service.RoleDefinition}
// @Failure      403  {object}  response.Response
// @Router       /api/roles [get]
func (h *RoleHandler) ListRoles(c *gin.Context) {
	roles, err := h.roleService.ListRoles(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, roles))
}

// RoleMap returns the role -> permissions map loaded for the signed-in operator
// @Summary      Role permission map
// @Tags         roles
// @Produce      json
// @Success      200  {object}  response.Response{data=map[string][]string}
// @Failure      503  {object}  response.Response
// @Router       /api/roles/map [get]
func (h *RoleHandler) RoleMap(c *gin.Context) {
	m := h.perms.RoleMap()
	if m == nil {
		c.JSON(http.StatusServiceUnavailable, response.Error(http.StatusServiceUnavailable, "Role permissions have not loaded yet"))
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, m))
}

// CreateRole creates a new custom role
// @Summary      Create role
// @Tags         roles
// @Accept       json
// @Produce      json
// @Param        payload  body      service.CreateRoleRequest  true  "Role"
// @Success      201      {object}  response.Response{data=service.RoleDefinition}
// @Failure      400      {object}  response.Response
// @Failure      409      {object}  response.Response
// @Router       /api/roles [post]
func (h *RoleHandler) CreateRole(c *gin.Context) {
	var req service.CreateRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
		return
	}

	role, err := h.roleService.CreateRole(c.Request.Context(), middleware.CurrentUser(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, role))
}

// DeleteRole deletes a custom role
// @Summary      Delete role
// @Tags         roles
// @Produce      json
// @Param        id   path      string  true  "Role ID"
// @Success      200  {object}  response.Response
// @Failure      403  {object}  response.Response
// @Failure      404  {object}  response.Response
// @Router       /api/roles/{id} [delete]
func (h *RoleHandler) DeleteRole(c *gin.Context) {
	if err := h.roleService.DeleteRole(c.Request.Context(), middleware.CurrentUser(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, gin.H{"message": "Role deleted successfully"}))
}

// AddPermission grants a permission to a custom role
// @Summary      Grant permission
// @Tags         roles
// @Accept       json
// @Produce      json
// @Param        id       path      string                     true  "Role ID"
// @Param        payload  body      service.PermissionRequest  true  "Permission"
// @Success      200      {object}  response.Response
// @Failure      400      {object}  response.Response
// @Failure      403      {object}  response.Response
// @Router       /api/roles/{id}/permissions [post]
func (h *RoleHandler) AddPermission(c *gin.Context) {
	var req service.PermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
		return
	}
	if err := h.roleService.AddPermission(c.Request.Context(), middleware.CurrentUser(c), c.Param("id"), req.Permission); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, gin.H{"message": "Permission granted"}))
}

// RemovePermission revokes a permission from a custom role
// @Summary      Revoke permission
// @Tags         roles
// @Produce      json
// @Param        id          path      string  true  "Role ID"
// @Param        permission  path      string  true  "Permission name"
// @Success      200         {object}  response.Response
// @Failure      400         {object}  response.Response
// @Failure      403         {object}  response.Response
// @Router       /api/roles/{id}/permissions/{permission} [delete]
func (h *RoleHandler) RemovePermission(c *gin.Context) {
	if err := h.roleService.RemovePermission(c.Request.Context(), middleware.CurrentUser(c), c.Param("id"), c.Param("permission")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, gin.H{"message": "Permission revoked"}))
}

// UpdateUserRole assigns a role to a user
// @Summary      Assign role
// @Tags         roles
// @Accept       json
// @Produce      json
// @Param        id       path      string                         true  "User ID"
// @Param        payload  body      service.UpdateUserRoleRequest  true  "Role"
// @Success      200      {object}  response.Response
// @Failure      400      {object}  response.Response
// @Failure      404      {object}  response.Response
// @Router       /api/users/{id}/role [put]
func (h *RoleHandler) UpdateUserRole(c *gin.Context) {
	var req service.UpdateUserRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
		return
	}
	if err := h.roleService.UpdateUserRole(c.Request.Context(), middleware.CurrentUser(c), c.Param("id"), req.RoleID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, gin.H{"message": "User role updated"}))
}

// ListPermissions returns the permission catalogue grouped by namespace
// @Summary      List permissions
// @Tags         roles
// @Produce      json
// @Success      200  {object}  response.Response{data=[]service.PermissionGroup}
// @Router       /api/permissions [get]
func (h *RoleHandler) ListPermissions(c *gin.Context) {
	c.JSON(http.StatusOK, response.Success(http.StatusOK, h.roleService.ListPermissions()))
}
