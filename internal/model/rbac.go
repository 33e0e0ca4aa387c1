package model

import (
	"sort"
	"strings"
)

// Role is one of the built-in console roles.
type Role string

const (
	RoleNone       Role = ""
	RoleAdmin      Role = "Admin"
	RoleDispatcher Role = "Dispatcher"
	RoleDriver     Role = "Driver"
	RoleFleet      Role = "Fleet"
	RoleCustomer   Role = "Customer"
)

// Roles lists every built-in role in display order.
var Roles = []Role{RoleAdmin, RoleDispatcher, RoleDriver, RoleFleet, RoleCustomer}

// ParseRole matches s case-insensitively against the built-in roles.
func ParseRole(s string) (Role, bool) {
	s = strings.TrimSpace(s)
	for _, r := range Roles {
		if strings.EqualFold(string(r), s) {
			return r, true
		}
	}
	return RoleNone, false
}

func (r Role) String() string { return string(r) }

// Permission is a "namespace:action" token.
type Permission string

const (
	PermBookingsView   Permission = "bookings:view"
	PermBookingsCreate Permission = "bookings:create"
	PermBookingsEdit   Permission = "bookings:edit"
	PermBookingsDelete Permission = "bookings:delete"

	PermDriversView   Permission = "drivers:view"
	PermDriversManage Permission = "drivers:manage"

	PermVehiclesView   Permission = "vehicles:view"
	PermVehiclesManage Permission = "vehicles:manage"

	PermInvoicesView   Permission = "invoices:view"
	PermInvoicesCreate Permission = "invoices:create"
	PermInvoicesManage Permission = "invoices:manage"

	PermReportsView   Permission = "reports:view"
	PermReportsExport Permission = "reports:export"

	PermComplaintsView   Permission = "complaints:view"
	PermComplaintsCreate Permission = "complaints:create"
	PermComplaintsManage Permission = "complaints:manage"

	PermUsersView   Permission = "users:view"
	PermUsersManage Permission = "users:manage"

	PermSettingsView   Permission = "settings:view"
	PermSettingsManage Permission = "settings:manage"

	PermIntegrationsManage Permission = "integrations:manage"

	PermRolesManage Permission = "roles:manage"
)

// AllPermissions is the full catalogue in namespace order.
var AllPermissions = []Permission{
	PermBookingsView, PermBookingsCreate, PermBookingsEdit, PermBookingsDelete,
	PermDriversView, PermDriversManage,
	PermVehiclesView, PermVehiclesManage,
	PermInvoicesView, PermInvoicesCreate, PermInvoicesManage,
	PermReportsView, PermReportsExport,
	PermComplaintsView, PermComplaintsCreate, PermComplaintsManage,
	PermUsersView, PermUsersManage,
	PermSettingsView, PermSettingsManage,
	PermIntegrationsManage,
	PermRolesManage,
}

var permissionIndex = func() map[Permission]struct{} {
	m := make(map[Permission]struct{}, len(AllPermissions))
	for _, p := range AllPermissions {
		m[p] = struct{}{}
	}
	return m
}()

// ParsePermission accepts only catalogue entries.
func ParsePermission(s string) (Permission, bool) {
	p := Permission(strings.ToLower(strings.TrimSpace(s)))
	_, ok := permissionIndex[p]
	return p, ok
}

func (p Permission) String() string { return string(p) }

// Namespace returns the part before the colon.
func (p Permission) Namespace() string {
	ns, _, _ := strings.Cut(string(p), ":")
	return ns
}

// Action returns the part after the colon.
func (p Permission) Action() string {
	_, action, _ := strings.Cut(string(p), ":")
	return action
}

// FallbackPermissions is the static role table used when the per-user list
// cannot be fetched. It returns a fresh slice on every call.
func FallbackPermissions(r Role) []Permission {
	switch r {
	case RoleAdmin:
		return append([]Permission(nil), AllPermissions...)
	case RoleDispatcher:
		return []Permission{
			PermBookingsView, PermBookingsCreate, PermBookingsEdit,
			PermDriversView,
			PermVehiclesView,
			PermInvoicesView,
			PermReportsView,
			PermComplaintsView, PermComplaintsCreate, PermComplaintsManage,
		}
	case RoleDriver:
		return []Permission{
			PermBookingsView, PermBookingsEdit,
			PermVehiclesView,
			PermDriversView,
			PermComplaintsView, PermComplaintsCreate,
		}
	case RoleFleet:
		return []Permission{
			PermVehiclesView, PermVehiclesManage,
			PermDriversView, PermDriversManage,
			PermBookingsView,
			PermReportsView,
		}
	case RoleCustomer:
		return []Permission{
			PermBookingsView, PermBookingsCreate,
			PermInvoicesView,
			PermComplaintsCreate,
		}
	default:
		return nil
	}
}

// PermissionSet is an unordered set of permissions.
type PermissionSet map[Permission]struct{}

func NewPermissionSet(perms ...Permission) PermissionSet {
	s := make(PermissionSet, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Sorted returns the members in lexical order.
func (s PermissionSet) Sorted() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
