package auth

import (
	"slices"
	"testing"
)

func TestEffectivePermissionsFlattenHierarchy(t *testing.T) {
	r := NewRegistry()

	admin := r.EffectivePermissions(RoleAdmin)
	for _, perm := range []string{PermProfileRead, PermIdentitiesRead, PermIdentitiesManage, PermRolesManage} {
		if !slices.Contains(admin, perm) {
			t.Fatalf("admin missing inherited permission %s: %v", perm, admin)
		}
	}
	if !slices.IsSorted(admin) {
		t.Fatalf("permissions are not sorted: %v", admin)
	}

	user := r.EffectivePermissions(RoleUser)
	if slices.Contains(user, PermIdentitiesManage) {
		t.Fatalf("user should not manage identities: %v", user)
	}

	if got := r.EffectivePermissions("ghost"); len(got) != 0 {
		t.Fatalf("unknown role resolved to %v", got)
	}
}

func TestGrantAndRevokeInvalidateCache(t *testing.T) {
	r := NewRegistry()

	before := r.EffectivePermissions(RoleUser)
	if slices.Contains(before, PermAuditRead) {
		t.Fatalf("unexpected permission before grant")
	}
	if err := r.GrantPermission(RoleUser, PermAuditRead); err != nil {
		t.Fatalf("GrantPermission: %v", err)
	}
	if !slices.Contains(r.EffectivePermissions(RoleUser), PermAuditRead) {
		t.Fatalf("grant not visible")
	}
	// Inheriting roles observe the change too.
	if !slices.Contains(r.EffectivePermissions(RoleAdmin), PermAuditRead) {
		t.Fatalf("grant not propagated to inheriting role")
	}

	if err := r.RevokePermission(RoleUser, PermAuditRead); err != nil {
		t.Fatalf("RevokePermission: %v", err)
	}
	if slices.Contains(r.EffectivePermissions(RoleUser), PermAuditRead) {
		t.Fatalf("revoke not visible")
	}

	if err := r.GrantPermission("ghost", PermAuditRead); err == nil {
		t.Fatalf("expected error for unknown role")
	}
}

func TestEffectivePermissionsCopiesCache(t *testing.T) {
	r := NewRegistry()
	first := r.EffectivePermissions(RoleUser)
	first[0] = "mutated:entry"
	second := r.EffectivePermissions(RoleUser)
	if slices.Contains(second, "mutated:entry") {
		t.Fatalf("cache aliased caller slice: %v", second)
	}
}

func TestDefinitionCyclesTerminate(t *testing.T) {
	r := NewRegistry()
	r.DefineRole("a", []string{"b"}, []string{"x:read"})
	r.DefineRole("b", []string{"a"}, []string{"y:read"})
	got := r.EffectivePermissions("a")
	if len(got) != 2 {
		t.Fatalf("cycle flattening = %v", got)
	}
}

func TestValidPermissionKey(t *testing.T) {
	for key, want := range map[string]bool{
		"profile:read":  true,
		"audit:read":    true,
		"profile":       false,
		":read":         false,
		"profile:":      false,
		"a:b:c":         false,
		"":              false,
	} {
		if got := ValidPermissionKey(key); got != want {
			t.Fatalf("ValidPermissionKey(%q) = %v, want %v", key, got, want)
		}
	}
}
