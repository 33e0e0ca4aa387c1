package handler

import (
	"net/http"

	"fleetdesk/internal/middleware"
	"fleetdesk/internal/model"
	"fleetdesk/internal/service"
	"fleetdesk/pkg/pagination"
	"fleetdesk/pkg/response"

	"github.com/gin-gonic/gin"
)

type AuditHandler struct {
	auditService service.AuditService
}

func NewAuditHandler(auditService service.AuditService) *AuditHandler {
	return &AuditHandler{auditService: auditService}
}

func (h *AuditHandler) RegisterRoutes(router *gin.RouterGroup, authz *middleware.Authorizer) {
	group := router.Group("/api/audit-logs")
	group.Use(authz.RequirePermission(model.PermSettingsView))
	{
		group.GET("", h.GetAuditLogs)
	}
}

// GetAuditLogs lists role administration history, newest first
// @Summary      Get audit logs
// @Description  Paginated history of role and permission changes
// @Tags         audit
// @Produce      json
// @Param        page   query     int  false  "Page number (default 1)"
// @Param        limit  query     int  false  "Number of items per page (default 20)"
// @Success      200    {object}  response.Response{data=pagination.Page[service.AuditLogResponse]}
// @Router       /api/audit-logs [get]
func (h *AuditHandler) GetAuditLogs(c *gin.Context) {
	p := pagination.Parse(c)

	logs, total, err := h.auditService.GetAuditLogs(c.Request.Context(), p.Offset, p.Limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.Error(http.StatusInternalServerError, "Failed to retrieve audit logs: "+err.Error()))
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, pagination.Wrap(p, logs, total)))
}
