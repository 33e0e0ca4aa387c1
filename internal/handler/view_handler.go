package handler

import (
	"net/http"

	"fleetdesk/internal/middleware"
	"fleetdesk/internal/model"

	"github.com/gin-gonic/gin"
)

// PermissionChecker answers permission checks for the signed-in operator.
type PermissionChecker interface {
	HasAnyPermission(perms ...model.Permission) bool
}

// View is a console screen. Bookings, invoices and the other screens are
// rendered by the UI; the service only gates and describes them.
type View struct {
	Path     string
	Name     string
	Requires []model.Permission
}

var ConsoleViews = []View{
	{Path: "/", Name: "dashboard"},
	{Path: "/bookings", Name: "bookings", Requires: []model.Permission{model.PermBookingsView}},
	{Path: "/drivers", Name: "drivers", Requires: []model.Permission{model.PermDriversView}},
	{Path: "/vehicles", Name: "vehicles", Requires: []model.Permission{model.PermVehiclesView}},
	{Path: "/invoices", Name: "invoices", Requires: []model.Permission{model.PermInvoicesView}},
	{Path: "/reports", Name: "reports", Requires: []model.Permission{model.PermReportsView}},
	{Path: "/complaints", Name: "complaints", Requires: []model.Permission{model.PermComplaintsView, model.PermComplaintsCreate}},
	{Path: "/users", Name: "users", Requires: []model.Permission{model.PermUsersView}},
	{Path: "/settings", Name: "settings", Requires: []model.Permission{model.PermSettingsView}},
	{Path: "/settings/roles", Name: "roles", Requires: []model.Permission{model.PermRolesManage}},
	{Path: "/settings/integrations", Name: "integrations", Requires: []model.Permission{model.PermIntegrationsManage}},
}

var PublicViews = []View{
	{Path: "/auth", Name: "auth"},
	{Path: "/welcome", Name: "welcome"},
	{Path: "/reset-password", Name: "reset-password"},
	{Path: "/update-password", Name: "update-password"},
	{Path: "/privacy", Name: "privacy"},
	{Path: "/terms", Name: "terms"},
}

type ViewResponse struct {
	View    string          `json:"view"`
	User    *model.AuthUser `json:"user,omitempty"`
	Allowed bool            `json:"allowed"`
	From    string          `json:"from,omitempty"`
}

type ViewHandler struct {
	perms PermissionChecker
}

func NewViewHandler(perms PermissionChecker) *ViewHandler {
	return &ViewHandler{perms: perms}
}

// RegisterRoutes mounts every view behind gate.
func (h *ViewHandler) RegisterRoutes(router *gin.Engine, gate gin.HandlerFunc) {
	views := router.Group("")
	views.Use(gate)
	for _, v := range PublicViews {
		views.GET(v.Path, h.render(v))
	}
	for _, v := range ConsoleViews {
		views.GET(v.Path, h.render(v))
	}
}

func (h *ViewHandler) render(v View) gin.HandlerFunc {
	return func(c *gin.Context) {
		res := ViewResponse{
			View:    v.Name,
			User:    middleware.CurrentUser(c),
			Allowed: len(v.Requires) == 0 || h.perms.HasAnyPermission(v.Requires...),
		}
		if v.Name == "auth" {
			res.From = middleware.SafeReturnPath(c.Query("from"))
		}
		c.JSON(http.StatusOK, res)
	}
}
