package rbac

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// CatalogVersion identifies the revision of the built-in role and permission tables.
const CatalogVersion = 3

// Role names of the built-in catalog.
const (
	RoleGuest             = "guest"
	RoleDriver            = "driver"
	RoleEmployee          = "employee"
	RoleStaff             = "staff"
	RoleDepartmentManager = "department_manager"
	RoleClient            = "client"
	RoleAdmin             = "admin"
	RoleSuperadmin        = "superadmin"
)

// Role levels of the built-in catalog.
const (
	LevelGuest             = 1
	LevelDriver            = 2
	LevelEmployee          = 3
	LevelDepartmentManager = 4
	LevelClient            = 5
	LevelAdmin             = 6
	LevelSuperadmin        = 7
)

// scopeBypassRoles may act across organizational boundaries. They do not
// bypass permission grants.
var scopeBypassRoles = map[string]struct{}{
	RoleAdmin:      {},
	RoleSuperadmin: {},
}

// DefaultRoles returns the provisioning table for roles.
func DefaultRoles() []Role {
	return []Role{
		{Name: RoleGuest, Level: LevelGuest, IsSystemRole: true, Active: true},
		{Name: RoleDriver, Level: LevelDriver, Active: true},
		{Name: RoleEmployee, Level: LevelEmployee, Active: true},
		{Name: RoleStaff, Level: LevelEmployee, Active: true},
		{Name: RoleDepartmentManager, Level: LevelDepartmentManager, Active: true},
		{Name: RoleClient, Level: LevelClient, IsSystemRole: true, Active: true},
		{Name: RoleAdmin, Level: LevelAdmin, IsSystemRole: true, Active: true},
		{Name: RoleSuperadmin, Level: LevelSuperadmin, IsSystemRole: true, Active: true},
	}
}

// RoleCatalog is the immutable role table loaded at startup.
type RoleCatalog struct {
	byName map[string]Role
	sorted []Role
}

// NewRoleCatalog validates roles and builds a catalog.
func NewRoleCatalog(roles []Role) (*RoleCatalog, error) {
	title := cases.Title(language.English)
	byName := make(map[string]Role, len(roles))
	for _, role := range roles {
		role.Name = strings.TrimSpace(strings.ToLower(role.Name))
		if role.Name == "" {
			return nil, fmt.Errorf("rbac: role name required")
		}
		if role.Level < 1 {
			return nil, fmt.Errorf("rbac: role %q has invalid level %d", role.Name, role.Level)
		}
		if _, dup := byName[role.Name]; dup {
			return nil, fmt.Errorf("rbac: duplicate role %q", role.Name)
		}
		if role.DisplayName == "" {
			role.DisplayName = title.String(strings.ReplaceAll(role.Name, "_", " "))
		}
		byName[role.Name] = role
	}
	sorted := make([]Role, 0, len(byName))
	for _, role := range byName {
		sorted = append(sorted, role)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Level != sorted[j].Level {
			return sorted[i].Level < sorted[j].Level
		}
		return sorted[i].Name < sorted[j].Name
	})
	return &RoleCatalog{byName: byName, sorted: sorted}, nil
}

// LevelOf returns the hierarchy level of the named role.
func (c *RoleCatalog) LevelOf(name string) (int, error) {
	role, ok := c.Get(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrRoleNotFound, name)
	}
	return role.Level, nil
}

// Get returns the named role.
func (c *RoleCatalog) Get(name string) (Role, bool) {
	if c == nil {
		return Role{}, false
	}
	role, ok := c.byName[strings.ToLower(strings.TrimSpace(name))]
	return role, ok
}

// Roles returns all roles ordered by level then name.
func (c *RoleCatalog) Roles() []Role {
	if c == nil {
		return nil
	}
	out := make([]Role, len(c.sorted))
	copy(out, c.sorted)
	return out
}

// BypassesScope reports whether the role is exempt from organizational scope checks.
func (c *RoleCatalog) BypassesScope(name string) bool {
	role, ok := c.Get(name)
	if !ok || !role.Active {
		return false
	}
	_, bypass := scopeBypassRoles[role.Name]
	return bypass
}

// Permission names of the built-in catalog.
const (
	PermQuoteView      = "quote:view"
	PermQuoteCreate    = "quote:create"
	PermQuoteUpdate    = "quote:update"
	PermQuoteDuplicate = "quote:duplicate"
	PermQuoteDelete    = "quote:delete"

	PermTourView   = "tour:view"
	PermTourManage = "tour:manage"

	PermVehicleView   = "vehicle:view"
	PermVehicleManage = "vehicle:manage"

	PermInvoiceView   = "invoice:view"
	PermInvoiceCreate = "invoice:create"
	PermInvoiceSend   = "invoice:send"

	PermEmailLogView  = "email_log:view"
	PermSettingManage = "setting:manage"

	PermUserView       = "user:view"
	PermRoleView       = "role:view"
	PermRoleManage     = "role:manage"
	PermPermissionView = "permission:view"
	PermAuditView      = "audit:view"
	PermAuditExport    = "audit:export"
)

// DefaultPermissions returns the provisioning table for permissions.
func DefaultPermissions() []Permission {
	return []Permission{
		{Name: PermQuoteView, Resource: "quote", Action: "view", Description: "View quotes"},
		{Name: PermQuoteCreate, Resource: "quote", Action: "create", Description: "Create quotes"},
		{Name: PermQuoteUpdate, Resource: "quote", Action: "update", Description: "Edit quotes"},
		{Name: PermQuoteDuplicate, Resource: "quote", Action: "duplicate", Description: "Duplicate an existing quote"},
		{Name: PermQuoteDelete, Resource: "quote", Action: "delete", Description: "Delete quotes"},
		{Name: PermTourView, Resource: "tour", Action: "view", Description: "View tours"},
		{Name: PermTourManage, Resource: "tour", Action: "manage", Description: "Create and edit tours"},
		{Name: PermVehicleView, Resource: "vehicle", Action: "view", Description: "View vehicles"},
		{Name: PermVehicleManage, Resource: "vehicle", Action: "manage", Description: "Create and edit vehicles"},
		{Name: PermInvoiceView, Resource: "invoice", Action: "view", Description: "View invoices"},
		{Name: PermInvoiceCreate, Resource: "invoice", Action: "create", Description: "Create invoices"},
		{Name: PermInvoiceSend, Resource: "invoice", Action: "send", Description: "Send invoices by email"},
		{Name: PermEmailLogView, Resource: "email_log", Action: "view", Description: "View outgoing email log"},
		{Name: PermSettingManage, Resource: "setting", Action: "manage", Description: "Change application settings"},
		{Name: PermUserView, Resource: "user", Action: "view", Description: "List users"},
		{Name: PermRoleView, Resource: "role", Action: "view", Description: "List roles"},
		{Name: PermRoleManage, Resource: "role", Action: "manage", Description: "Deactivate roles"},
		{Name: PermPermissionView, Resource: "permission", Action: "view", Description: "List permissions"},
		{Name: PermAuditView, Resource: "audit", Action: "view", Description: "View audit timeline"},
		{Name: PermAuditExport, Resource: "audit", Action: "export", Description: "Export audit timeline"},
	}
}

// PermissionCatalog is the immutable permission table loaded at startup.
type PermissionCatalog struct {
	byName map[string]Permission
	sorted []Permission
}

// NewPermissionCatalog validates permissions and builds a catalog.
func NewPermissionCatalog(perms []Permission) (*PermissionCatalog, error) {
	byName := make(map[string]Permission, len(perms))
	for _, p := range perms {
		p.Name = strings.TrimSpace(strings.ToLower(p.Name))
		if p.Resource == "" || p.Action == "" {
			return nil, fmt.Errorf("rbac: permission %q needs resource and action", p.Name)
		}
		if p.Name != p.Resource+":"+p.Action {
			return nil, fmt.Errorf("rbac: permission %q does not match %s:%s", p.Name, p.Resource, p.Action)
		}
		if _, dup := byName[p.Name]; dup {
			return nil, fmt.Errorf("rbac: duplicate permission %q", p.Name)
		}
		byName[p.Name] = p
	}
	sorted := make([]Permission, 0, len(byName))
	for _, p := range byName {
		sorted = append(sorted, p)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return &PermissionCatalog{byName: byName, sorted: sorted}, nil
}

// Exists reports whether the permission is declared.
func (c *PermissionCatalog) Exists(name string) bool {
	_, ok := c.Get(name)
	return ok
}

// Get returns the named permission.
func (c *PermissionCatalog) Get(name string) (Permission, bool) {
	if c == nil {
		return Permission{}, false
	}
	p, ok := c.byName[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// Permissions returns all permissions ordered by name.
func (c *PermissionCatalog) Permissions() []Permission {
	if c == nil {
		return nil
	}
	out := make([]Permission, len(c.sorted))
	copy(out, c.sorted)
	return out
}

// MustDefaultCatalogs builds the built-in catalogs. The tables are static, so
// an error here is a programming error.
func MustDefaultCatalogs() (*RoleCatalog, *PermissionCatalog) {
	roles, err := NewRoleCatalog(DefaultRoles())
	if err != nil {
		panic(err)
	}
	perms, err := NewPermissionCatalog(DefaultPermissions())
	if err != nil {
		panic(err)
	}
	return roles, perms
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		unique[p] = struct{}{}
	}
	normalized := make([]string, 0, len(unique))
	for p := range unique {
		normalized = append(normalized, p)
	}
	sort.Strings(normalized)
	return normalized
}
