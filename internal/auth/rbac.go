package auth

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Built-in permission keys. Format is "resource:action".
const (
	PermProfileRead      = "profile:read"
	PermProfileWrite     = "profile:write"
	PermIdentitiesRead   = "identities:read"
	PermIdentitiesManage = "identities:manage"
	PermRolesManage      = "roles:manage"
	PermAuditRead        = "audit:read"
)

// Built-in role names.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleUser    = "user"
)

type roleDef struct {
	inherits []string
	perms    []string
}

// Registry resolves a role into its flattened effective permission set. The
// hierarchy is walked once per role and cached; tokens embed the resulting
// snapshot so authorization never traverses the graph per request.
type Registry struct {
	mu    sync.RWMutex
	roles map[string]roleDef
	cache map[string][]string
}

// NewRegistry returns a Registry preloaded with the built-in hierarchy
// admin > manager > user.
func NewRegistry() *Registry {
	r := &Registry{
		roles: make(map[string]roleDef),
		cache: make(map[string][]string),
	}
	r.DefineRole(RoleUser, nil, []string{PermProfileRead, PermProfileWrite})
	r.DefineRole(RoleManager, []string{RoleUser}, []string{PermIdentitiesRead, PermAuditRead})
	r.DefineRole(RoleAdmin, []string{RoleManager}, []string{PermIdentitiesManage, PermRolesManage})
	return r
}

// DefineRole registers or replaces a role. Redefining a role invalidates the
// flattening cache; tokens issued before the change keep their old snapshot
// until expiry (bounded staleness).
func (r *Registry) DefineRole(name string, inherits, perms []string) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[name] = roleDef{inherits: inherits, perms: perms}
	r.cache = make(map[string][]string)
}

// GrantPermission adds a permission to a role, invalidating the cache.
func (r *Registry) GrantPermission(role, perm string) error {
	role = strings.ToLower(strings.TrimSpace(role))
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.roles[role]
	if !ok {
		return fmt.Errorf("%w: unknown role %q", ErrNotFound, role)
	}
	for _, p := range def.perms {
		if p == perm {
			return nil
		}
	}
	def.perms = append(append([]string(nil), def.perms...), perm)
	r.roles[role] = def
	r.cache = make(map[string][]string)
	return nil
}

// RevokePermission removes a permission from a role, invalidating the cache.
// Already-issued tokens keep authorizing the permission until they expire.
func (r *Registry) RevokePermission(role, perm string) error {
	role = strings.ToLower(strings.TrimSpace(role))
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.roles[role]
	if !ok {
		return fmt.Errorf("%w: unknown role %q", ErrNotFound, role)
	}
	kept := make([]string, 0, len(def.perms))
	for _, p := range def.perms {
		if p != perm {
			kept = append(kept, p)
		}
	}
	def.perms = kept
	r.roles[role] = def
	r.cache = make(map[string][]string)
	return nil
}

// KnownRole reports whether the role is defined.
func (r *Registry) KnownRole(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.roles[name]
	return ok
}

// EffectivePermissions returns the sorted, flattened permission set for a
// role, following the inheritance chain. Unknown roles resolve to an empty
// set rather than an error: a token for a deleted role simply authorizes
// nothing new.
func (r *Registry) EffectivePermissions(role string) []string {
	role = strings.ToLower(strings.TrimSpace(role))

	r.mu.RLock()
	if cached, ok := r.cache[role]; ok {
		r.mu.RUnlock()
		out := make([]string, len(cached))
		copy(out, cached)
		return out
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.cache[role]; ok {
		out := make([]string, len(cached))
		copy(out, cached)
		return out
	}

	set := make(map[string]struct{})
	seen := make(map[string]struct{})
	r.flatten(role, set, seen)

	flat := make([]string, 0, len(set))
	for p := range set {
		flat = append(flat, p)
	}
	sort.Strings(flat)
	r.cache[role] = flat

	out := make([]string, len(flat))
	copy(out, flat)
	return out
}

// flatten walks the inheritance chain; seen guards against definition cycles.
func (r *Registry) flatten(role string, set, seen map[string]struct{}) {
	if _, ok := seen[role]; ok {
		return
	}
	seen[role] = struct{}{}
	def, ok := r.roles[role]
	if !ok {
		return
	}
	for _, p := range def.perms {
		set[p] = struct{}{}
	}
	for _, parent := range def.inherits {
		r.flatten(strings.ToLower(strings.TrimSpace(parent)), set, seen)
	}
}

// ValidPermissionKey checks the "resource:action" shape used by the catalog.
func ValidPermissionKey(key string) bool {
	parts := strings.Split(key, ":")
	if len(parts) != 2 {
		return false
	}
	return strings.TrimSpace(parts[0]) != "" && strings.TrimSpace(parts[1]) != ""
}
