package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	store      *MemStore
	clock      *testClock
	coord      *Coordinator
	authorizer *Authorizer
	registry   *Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemStore()
	keyring, err := NewKeyring()
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	issuer, err := NewIssuer(keyring, "authgrid-test", WithIssuerClock(clock.Now))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	verifier, err := NewVerifier(store, WithVerifierClock(clock.Now))
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	challenger, err := NewChallenger(store, "authgrid-test", WithChallengerClock(clock.Now))
	if err != nil {
		t.Fatalf("NewChallenger: %v", err)
	}
	registry := NewRegistry()
	coord, err := NewCoordinator(store, verifier, challenger, issuer, registry,
		WithCoordinatorClock(clock.Now), WithBcryptCost(bcrypt.MinCost))
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	authorizer, err := NewAuthorizer(issuer, store.Revocations(context.Background()))
	if err != nil {
		t.Fatalf("NewAuthorizer: %v", err)
	}
	return &testEnv{store: store, clock: clock, coord: coord, authorizer: authorizer, registry: registry}
}

// seedIdentity creates an identity with a low-cost hash to keep tests fast.
func (e *testEnv) seedIdentity(t *testing.T, email, password, role string) *Identity {
	t.Helper()
	ctx := context.Background()
	hash, err := HashPassword(password, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	now := e.clock.Now()
	identity := &Identity{
		ID:        "id-" + email,
		Email:     email,
		Role:      role,
		Status:    IdentityStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.Identities(ctx).Create(ctx, identity); err != nil {
		t.Fatalf("Create identity: %v", err)
	}
	if err := e.store.Credentials(ctx).Set(ctx, identity.ID, hash); err != nil {
		t.Fatalf("Set credential: %v", err)
	}
	return identity
}

func TestLoginIssuesTokenPair(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedIdentity(t, "alice@example.com", "correct horse battery", RoleUser)

	res, err := env.coord.Login(ctx, "Alice@Example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.RequiresMFA {
		t.Fatalf("unexpected MFA requirement")
	}
	if res.Tokens == nil || res.Tokens.AccessToken == "" || res.Tokens.RefreshToken == "" {
		t.Fatalf("expected token pair, got %+v", res.Tokens)
	}
	if got, want := res.Tokens.AccessExpiresAt, env.clock.Now().Add(15*time.Minute); !got.Equal(want) {
		t.Fatalf("access expiry = %v, want %v", got, want)
	}

	principal, err := env.authorizer.Authorize(ctx, res.Tokens.AccessToken, PermProfileRead)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if principal.IdentityID != res.Identity.ID {
		t.Fatalf("principal identity = %s, want %s", principal.IdentityID, res.Identity.ID)
	}
	if principal.Role != RoleUser {
		t.Fatalf("principal role = %s", principal.Role)
	}
	if _, err := env.authorizer.Authorize(ctx, res.Tokens.AccessToken, PermIdentitiesManage); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for missing permission, got %v", err)
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedIdentity(t, "bob@example.com", "correct horse battery", RoleUser)

	if _, err := env.coord.Login(ctx, "bob@example.com", "wrong password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: got %v", err)
	}
	if _, err := env.coord.Login(ctx, "nobody@example.com", "whatever"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown identifier: got %v", err)
	}
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedIdentity(t, "carol@example.com", "correct horse battery", RoleUser)

	for i := 0; i < 5; i++ {
		if _, err := env.coord.Login(ctx, "carol@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: got %v", i+1, err)
		}
	}

	// Correct credentials still fail while locked.
	_, err := env.coord.Login(ctx, "carol@example.com", "correct horse battery")
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}
	var locked *LockedError
	if !errors.As(err, &locked) || locked.RetryAfter <= 0 {
		t.Fatalf("expected retry-after hint, got %v", err)
	}

	env.clock.Advance(10*time.Minute + time.Second)
	if _, err := env.coord.Login(ctx, "carol@example.com", "correct horse battery"); err != nil {
		t.Fatalf("login after window: %v", err)
	}
}

func TestFailureWindowRestarts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedIdentity(t, "dave@example.com", "correct horse battery", RoleUser)

	for i := 0; i < 4; i++ {
		_, _ = env.coord.Login(ctx, "dave@example.com", "wrong")
	}
	env.clock.Advance(11 * time.Minute)
	// Window elapsed: the next failure starts a fresh count instead of locking.
	if _, err := env.coord.Login(ctx, "dave@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("got %v", err)
	}
	if _, err := env.coord.Login(ctx, "dave@example.com", "correct horse battery"); err != nil {
		t.Fatalf("login: %v", err)
	}
}

func TestRefreshRotationIsSingleUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedIdentity(t, "erin@example.com", "correct horse battery", RoleUser)

	res, err := env.coord.Login(ctx, "erin@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	first := res.Tokens.RefreshToken

	pair, _, err := env.coord.Refresh(ctx, first)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if pair.RefreshToken == first {
		t.Fatalf("refresh token was not rotated")
	}

	// Replaying the consumed token fails and is treated as theft: the whole
	// session is revoked, including the freshly rotated token. The reuse is
	// surfaced as its own error, still recognizable as an invalid token.
	_, _, err = env.coord.Refresh(ctx, first)
	if !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("replay: got %v, want ErrRefreshReuse", err)
	}
	if !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("reuse error does not unwrap to ErrInvalidRefreshToken: %v", err)
	}
	if _, _, err := env.coord.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected rotated token revoked after reuse, got %v", err)
	}
}

func TestConcurrentRefreshHasOneWinner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedIdentity(t, "frank@example.com", "correct horse battery", RoleUser)

	res, err := env.coord.Login(ctx, "frank@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	const racers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		failures int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := env.coord.Refresh(ctx, res.Tokens.RefreshToken)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrInvalidRefreshToken):
				failures++
			default:
				t.Errorf("unexpected refresh error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
	if failures != racers-1 {
		t.Fatalf("failures = %d, want %d", failures, racers-1)
	}
}

func TestRefreshGarbageToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, raw := range []string{"", "no-dot", "a.b.c", "."} {
		if _, _, err := env.coord.Refresh(ctx, raw); !errors.Is(err, ErrInvalidRefreshToken) {
			t.Fatalf("raw %q: got %v", raw, err)
		}
	}
}

func TestRefreshExpiredToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedIdentity(t, "grace@example.com", "correct horse battery", RoleUser)

	res, err := env.coord.Login(ctx, "grace@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	env.clock.Advance(14*24*time.Hour + time.Second)
	if _, _, err := env.coord.Refresh(ctx, res.Tokens.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("got %v", err)
	}
}

func TestRefreshAfterDeactivation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	identity := env.seedIdentity(t, "heidi@example.com", "correct horse battery", RoleUser)

	res, err := env.coord.Login(ctx, "heidi@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := env.store.Identities(ctx).Deactivate(ctx, identity.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if _, _, err := env.coord.Refresh(ctx, res.Tokens.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("got %v", err)
	}
	if _, err := env.coord.Login(ctx, "heidi@example.com", "correct horse battery"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("deactivated login: got %v", err)
	}
}

func TestLogoutRevokesTokens(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedIdentity(t, "ivan@example.com", "correct horse battery", RoleUser)

	res, err := env.coord.Login(ctx, "ivan@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := env.authorizer.Authorize(ctx, res.Tokens.AccessToken, ""); err != nil {
		t.Fatalf("Authorize before logout: %v", err)
	}

	if err := env.coord.Logout(ctx, res.Tokens.AccessToken, res.Tokens.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := env.authorizer.Authorize(ctx, res.Tokens.AccessToken, ""); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}
	if _, _, err := env.coord.Refresh(ctx, res.Tokens.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("refresh after logout: got %v", err)
	}

	// Idempotent: repeated and garbage logouts succeed.
	if err := env.coord.Logout(ctx, res.Tokens.AccessToken, res.Tokens.RefreshToken); err != nil {
		t.Fatalf("second Logout: %v", err)
	}
	if err := env.coord.Logout(ctx, "garbage", "also.garbage"); err != nil {
		t.Fatalf("garbage Logout: %v", err)
	}
}

func TestRevocationCompaction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedIdentity(t, "judy@example.com", "correct horse battery", RoleUser)

	res, err := env.coord.Login(ctx, "judy@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := env.coord.Logout(ctx, res.Tokens.AccessToken, ""); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	// The record survives compaction until the token's natural expiry.
	if n, _ := env.store.Revocations(ctx).Compact(ctx, env.clock.Now()); n != 0 {
		t.Fatalf("compacted %d records before expiry", n)
	}
	env.clock.Advance(16 * time.Minute)
	if n, _ := env.store.Revocations(ctx).Compact(ctx, env.clock.Now()); n != 1 {
		t.Fatalf("compacted %d records after expiry, want 1", n)
	}
}

func TestPermissionSnapshotBoundedStaleness(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedIdentity(t, "mallory@example.com", "correct horse battery", RoleManager)

	res, err := env.coord.Login(ctx, "mallory@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := env.authorizer.Authorize(ctx, res.Tokens.AccessToken, PermAuditRead); err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	if err := env.registry.RevokePermission(RoleManager, PermAuditRead); err != nil {
		t.Fatalf("RevokePermission: %v", err)
	}

	// The issued token keeps its snapshot until expiry.
	if _, err := env.authorizer.Authorize(ctx, res.Tokens.AccessToken, PermAuditRead); err != nil {
		t.Fatalf("snapshot should outlive the revocation: %v", err)
	}

	// Tokens minted after the change observe it.
	later, err := env.coord.Login(ctx, "mallory@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("second Login: %v", err)
	}
	if _, err := env.authorizer.Authorize(ctx, later.Tokens.AccessToken, PermAuditRead); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden on new token, got %v", err)
	}
}

func TestChangePasswordRevokesSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	identity := env.seedIdentity(t, "oscar@example.com", "Correct.Horse.Battery1", RoleUser)

	res, err := env.coord.Login(ctx, "oscar@example.com", "Correct.Horse.Battery1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := env.coord.ChangePassword(ctx, identity.ID, "Correct.Horse.Battery1", "Brand.New.Secret22!"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if _, _, err := env.coord.Refresh(ctx, res.Tokens.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("refresh after password change: got %v", err)
	}
	if _, err := env.coord.Login(ctx, "oscar@example.com", "Brand.New.Secret22!"); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.coord.Register(ctx, "peggy@example.com", "short", RoleUser); err == nil {
		t.Fatalf("expected weak password rejection")
	}
	if _, err := env.coord.Register(ctx, "peggy@example.com", "Sufficient.Length1!", "superuser"); err == nil {
		t.Fatalf("expected unknown role rejection")
	}
	identity, err := env.coord.Register(ctx, "Peggy@Example.com", "Sufficient.Length1!", RoleUser)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if identity.Email != "peggy@example.com" {
		t.Fatalf("email not normalized: %s", identity.Email)
	}
	if _, err := env.coord.Register(ctx, "peggy@example.com", "Sufficient.Length1!", RoleUser); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate email: got %v", err)
	}
	if _, err := env.coord.Login(ctx, "peggy@example.com", "Sufficient.Length1!"); err != nil {
		t.Fatalf("login after register: %v", err)
	}
}
