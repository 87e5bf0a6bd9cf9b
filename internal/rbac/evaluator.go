package rbac

// Evaluator answers authorization questions. All methods are pure functions of
// their inputs and the immutable catalogs.
type Evaluator struct {
	roles *RoleCatalog
	perms *PermissionCatalog
}

// NewEvaluator constructs an Evaluator over the given catalogs.
func NewEvaluator(roles *RoleCatalog, perms *PermissionCatalog) *Evaluator {
	return &Evaluator{roles: roles, perms: perms}
}

// Roles exposes the role catalog.
func (e *Evaluator) Roles() *RoleCatalog { return e.roles }

// Permissions exposes the permission catalog.
func (e *Evaluator) Permissions() *PermissionCatalog { return e.perms }

// LevelOf returns the subject's effective level. Unknown and inactive roles
// have no level.
func (e *Evaluator) LevelOf(s Subject) (int, bool) {
	role, ok := e.roles.Get(s.Role)
	if !ok || !role.Active {
		return 0, false
	}
	return role.Level, true
}

// HasMinimumLevel reports whether the subject's role level is at least required.
func (e *Evaluator) HasMinimumLevel(s Subject, required int) bool {
	level, ok := e.LevelOf(s)
	if !ok {
		return false
	}
	return level >= required
}

// HasRole reports whether the subject holds one of the allowed active roles.
func (e *Evaluator) HasRole(s Subject, allowed ...string) bool {
	role, ok := e.roles.Get(s.Role)
	if !ok || !role.Active {
		return false
	}
	for _, name := range allowed {
		if other, ok := e.roles.Get(name); ok && other.Name == role.Name {
			return true
		}
	}
	return false
}

// HasPermission reports whether the subject was granted the permission and,
// when target is non-nil, whether the target falls inside the subject's
// organizational scope. Permission grants are never bypassed; scope is
// bypassed for admin roles only.
func (e *Evaluator) HasPermission(s Subject, name string, target *OrgAttributes) bool {
	perm, ok := e.perms.Get(name)
	if !ok {
		return false
	}
	if _, ok := e.LevelOf(s); !ok {
		return false
	}
	if !s.Granted(perm.Name) {
		return false
	}
	if target == nil {
		return true
	}
	if e.roles.BypassesScope(s.Role) {
		return true
	}
	return withinScope(s.Org, *target)
}

// HasOrganizationScope compares one organizational dimension with strict
// equality. Admin roles bypass the check.
func (e *Evaluator) HasOrganizationScope(s Subject, kind ScopeKind, target OrgAttributes) bool {
	if !kind.Valid() {
		return false
	}
	if _, ok := e.LevelOf(s); !ok {
		return false
	}
	if e.roles.BypassesScope(s.Role) {
		return true
	}
	own := s.Org.Get(kind)
	want := target.Get(kind)
	return own != "" && want != "" && own == want
}

// withinScope requires every target dimension the subject carries to match.
// A subject that carries none of the target's dimensions is outside scope.
func withinScope(own, target OrgAttributes) bool {
	compared := false
	for _, kind := range []ScopeKind{ScopeOrganization, ScopeClient, ScopeDepartment} {
		want := target.Get(kind)
		if want == "" {
			continue
		}
		have := own.Get(kind)
		if have == "" {
			continue
		}
		if have != want {
			return false
		}
		compared = true
	}
	return compared
}
