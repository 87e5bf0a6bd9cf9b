package rbac

import (
	"context"
	"errors"
)

// ErrRoleNotFound indicates a role name missing from the catalog.
var ErrRoleNotFound = errors.New("rbac: role not found")

// Role represents a position in the privilege hierarchy.
type Role struct {
	Name         string
	Level        int
	DisplayName  string
	IsSystemRole bool
	Active       bool
}

// Permission represents an atomic capability on a resource.
type Permission struct {
	Name        string
	Resource    string
	Action      string
	Description string
}

// ScopeKind names an organizational isolation dimension.
type ScopeKind string

const (
	ScopeOrganization ScopeKind = "organization"
	ScopeClient       ScopeKind = "client"
	ScopeDepartment   ScopeKind = "department"
)

// Valid reports whether k is a known scope kind.
func (k ScopeKind) Valid() bool {
	switch k {
	case ScopeOrganization, ScopeClient, ScopeDepartment:
		return true
	}
	return false
}

// OrgAttributes carries the tenant dimensions of a subject or a resource.
// Empty strings mean the dimension is absent.
type OrgAttributes struct {
	OrganizationID string `json:"organizationId,omitempty"`
	ClientID       string `json:"clientId,omitempty"`
	DepartmentID   string `json:"departmentId,omitempty"`
}

// Get returns the attribute for the given scope kind.
func (a OrgAttributes) Get(kind ScopeKind) string {
	switch kind {
	case ScopeOrganization:
		return a.OrganizationID
	case ScopeClient:
		return a.ClientID
	case ScopeDepartment:
		return a.DepartmentID
	}
	return ""
}

// IsZero reports whether no dimension is set.
func (a OrgAttributes) IsZero() bool {
	return a.OrganizationID == "" && a.ClientID == "" && a.DepartmentID == ""
}

// Subject is the authenticated actor produced once per request by the
// authentication step. Downstream code consumes only this type.
type Subject struct {
	ID          int64
	Username    string
	Email       string
	Role        string
	Org         OrgAttributes
	Permissions map[string]struct{}
}

// NewSubject builds a Subject with a normalized permission set.
func NewSubject(id int64, username, email, role string, org OrgAttributes, perms []string) Subject {
	set := make(map[string]struct{}, len(perms))
	for _, p := range normalizePermissions(perms) {
		set[p] = struct{}{}
	}
	return Subject{ID: id, Username: username, Email: email, Role: role, Org: org, Permissions: set}
}

// Granted reports whether the subject's role was granted the permission.
func (s Subject) Granted(name string) bool {
	if s.Permissions == nil {
		return false
	}
	_, ok := s.Permissions[name]
	return ok
}

// GrantedList returns the granted permissions as a slice.
func (s Subject) GrantedList() []string {
	out := make([]string, 0, len(s.Permissions))
	for p := range s.Permissions {
		out = append(out, p)
	}
	return out
}

type subjectContextKey struct{}

// ContextWithSubject stores the subject in context.
func ContextWithSubject(ctx context.Context, s Subject) context.Context {
	return context.WithValue(ctx, subjectContextKey{}, s)
}

// SubjectFromContext extracts the subject from context.
func SubjectFromContext(ctx context.Context) (Subject, bool) {
	s, ok := ctx.Value(subjectContextKey{}).(Subject)
	return s, ok
}
