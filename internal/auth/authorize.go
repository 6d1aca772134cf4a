package auth

import (
	"context"
	"errors"
	"time"
)

// Principal is the verified subject of an access token: identity, role and
// the permission snapshot taken at issuance. Checks against it are O(1) map
// lookups with no live dependency on the role graph.
type Principal struct {
	IdentityID  string
	Role        string
	Permissions map[string]struct{}
	TokenID     string
	ExpiresAt   time.Time
}

// HasPermission reports whether the snapshot contains the permission key.
func (p Principal) HasPermission(key string) bool {
	_, ok := p.Permissions[key]
	return ok
}

// PermissionList returns the snapshot as a slice (sorted order not
// guaranteed); used for response shaping.
func (p Principal) PermissionList() []string {
	out := make([]string, 0, len(p.Permissions))
	for k := range p.Permissions {
		out = append(out, k)
	}
	return out
}

// Authorizer validates inbound access tokens and enforces permission checks:
// signature and expiry first, then the revocation list, then snapshot
// membership.
type Authorizer struct {
	issuer      *Issuer
	revocations RevocationStore
}

// NewAuthorizer constructs an Authorizer sharing the issuer's keyring.
func NewAuthorizer(issuer *Issuer, revocations RevocationStore) (*Authorizer, error) {
	if issuer == nil || revocations == nil {
		return nil, errors.New("issuer and revocation store are required")
	}
	return &Authorizer{issuer: issuer, revocations: revocations}, nil
}

// Authorize verifies the token and, when requiredPermission is non-empty,
// checks it against the token's snapshot. Returns ErrUnauthenticated for
// signature/expiry failures, ErrTokenRevoked for revoked tokens, and
// ErrForbidden when the snapshot lacks the permission.
func (a *Authorizer) Authorize(ctx context.Context, token, requiredPermission string) (Principal, error) {
	claims, err := a.issuer.ParseAndVerify(token)
	if err != nil {
		return Principal{}, ErrUnauthenticated
	}

	revoked, err := a.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return Principal{}, err
	}
	if revoked {
		return Principal{}, ErrTokenRevoked
	}

	perms := make(map[string]struct{}, len(claims.Permissions))
	for _, p := range claims.Permissions {
		perms[p] = struct{}{}
	}
	principal := Principal{
		IdentityID:  claims.Subject,
		Role:        claims.Role,
		Permissions: perms,
		TokenID:     claims.ID,
		ExpiresAt:   claims.ExpiresAt.Time,
	}

	if requiredPermission != "" && !principal.HasPermission(requiredPermission) {
		return Principal{}, ErrForbidden
	}
	return principal, nil
}
