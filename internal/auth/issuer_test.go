package auth

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func newTestIssuer(t *testing.T, clock *testClock) (*Issuer, *Keyring) {
	t.Helper()
	keyring, err := NewKeyring()
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	issuer, err := NewIssuer(keyring, "authgrid-test", WithIssuerClock(clock.Now))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	return issuer, keyring
}

func TestAccessTokenRoundTrip(t *testing.T) {
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	issuer, _ := newTestIssuer(t, clock)

	identity := &Identity{ID: "id-1", Role: RoleManager}
	token, claims, err := issuer.IssueAccessToken(identity, []string{PermProfileRead, PermAuditRead})
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if claims.ID == "" {
		t.Fatalf("missing jti")
	}

	parsed, err := issuer.ParseAndVerify(token)
	if err != nil {
		t.Fatalf("ParseAndVerify: %v", err)
	}
	if parsed.Subject != "id-1" || parsed.Role != RoleManager {
		t.Fatalf("unexpected claims: %+v", parsed)
	}
	if len(parsed.Permissions) != 2 {
		t.Fatalf("permissions = %v", parsed.Permissions)
	}
	if parsed.Issuer != "authgrid-test" {
		t.Fatalf("issuer = %s", parsed.Issuer)
	}
}

func TestAccessTokenExpires(t *testing.T) {
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	issuer, _ := newTestIssuer(t, clock)

	token, _, err := issuer.IssueAccessToken(&Identity{ID: "id-1", Role: RoleUser}, nil)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	clock.Advance(14 * time.Minute)
	if _, err := issuer.ParseAndVerify(token); err != nil {
		t.Fatalf("token should still verify: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := issuer.ParseAndVerify(token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expired token: got %v", err)
	}
}

func TestForeignKeyRejected(t *testing.T) {
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	issuer, _ := newTestIssuer(t, clock)
	other, _ := newTestIssuer(t, clock)

	token, _, err := other.IssueAccessToken(&Identity{ID: "id-1", Role: RoleUser}, nil)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if _, err := issuer.ParseAndVerify(token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("foreign token: got %v", err)
	}
	if _, err := issuer.ParseAndVerify("not.a.jwt"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("garbage token: got %v", err)
	}
}

func TestRotationKeepsOldTokensVerifiable(t *testing.T) {
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	issuer, keyring := newTestIssuer(t, clock)

	before, _, err := issuer.IssueAccessToken(&Identity{ID: "id-1", Role: RoleUser}, nil)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if err := keyring.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	after, _, err := issuer.IssueAccessToken(&Identity{ID: "id-1", Role: RoleUser}, nil)
	if err != nil {
		t.Fatalf("IssueAccessToken after rotate: %v", err)
	}
	if _, err := issuer.ParseAndVerify(before); err != nil {
		t.Fatalf("token signed before rotation: %v", err)
	}
	if _, err := issuer.ParseAndVerify(after); err != nil {
		t.Fatalf("token signed after rotation: %v", err)
	}

	raw, err := keyring.JWKS()
	if err != nil {
		t.Fatalf("JWKS: %v", err)
	}
	var jwks struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			Alg string `json:"alg"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(raw, &jwks); err != nil {
		t.Fatalf("decode jwks: %v", err)
	}
	if len(jwks.Keys) != 2 {
		t.Fatalf("jwks keys = %d, want 2", len(jwks.Keys))
	}
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" || k.Alg != "RS256" || k.Kid == "" {
			t.Fatalf("malformed jwk: %+v", k)
		}
	}
}

func TestPruneDropsOldestRetiredKeys(t *testing.T) {
	keyring, err := NewKeyring()
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := keyring.Rotate(); err != nil {
			t.Fatalf("Rotate: %v", err)
		}
	}
	keyring.Prune(1)
	raw, err := keyring.JWKS()
	if err != nil {
		t.Fatalf("JWKS: %v", err)
	}
	var jwks struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(raw, &jwks); err != nil {
		t.Fatalf("decode jwks: %v", err)
	}
	if len(jwks.Keys) != 2 {
		t.Fatalf("jwks keys after prune = %d, want 2", len(jwks.Keys))
	}
}

func TestRefreshTokenShape(t *testing.T) {
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	issuer, _ := newTestIssuer(t, clock)

	raw, rec, err := issuer.IssueRefreshToken("id-1")
	if err != nil {
		t.Fatalf("IssueRefreshToken: %v", err)
	}
	id, secret, err := splitRefreshToken(raw)
	if err != nil {
		t.Fatalf("splitRefreshToken: %v", err)
	}
	if id != rec.ID {
		t.Fatalf("id = %s, want %s", id, rec.ID)
	}
	if hashRefreshSecret(secret) != rec.TokenHash {
		t.Fatalf("stored hash does not match secret")
	}
	if rec.TokenHash == secret {
		t.Fatalf("secret stored in the clear")
	}
	if got, want := rec.ExpiresAt, clock.Now().Add(14*24*time.Hour); !got.Equal(want) {
		t.Fatalf("expiry = %v, want %v", got, want)
	}

	for _, bad := range []string{"", "nodot", ".secret", "id.", "a.b.c"} {
		if _, _, err := splitRefreshToken(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
