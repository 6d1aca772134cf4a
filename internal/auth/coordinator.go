package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"authgrid.org/internal/ids"
)

// Coordinator orchestrates the session lifecycle: credential verification,
// the optional MFA phase, token issuance, rotation and revocation. It is the
// only component that mints token pairs.
//
// Session states: Anonymous -> CredentialsChecked -> {MfaPending |
// Authenticated} -> Authenticated -> LoggedOut. MfaPending never holds a
// usable access token; Login returns a challenge id instead.
type Coordinator struct {
	store      Store
	verifier   *Verifier
	challenger *Challenger
	issuer     *Issuer
	registry   *Registry
	bcryptCost int
	now        func() time.Time
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorClock overrides the time source (useful for tests).
func WithCoordinatorClock(fn func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithBcryptCost sets the bcrypt cost used when hashing new secrets; zero
// selects bcrypt.DefaultCost.
func WithBcryptCost(cost int) CoordinatorOption {
	return func(c *Coordinator) {
		if cost > 0 {
			c.bcryptCost = cost
		}
	}
}

// NewCoordinator wires the session state machine together.
func NewCoordinator(store Store, verifier *Verifier, challenger *Challenger, issuer *Issuer, registry *Registry, opts ...CoordinatorOption) (*Coordinator, error) {
	if store == nil || verifier == nil || challenger == nil || issuer == nil || registry == nil {
		return nil, errors.New("all coordinator dependencies are required")
	}
	c := &Coordinator{
		store:      store,
		verifier:   verifier,
		challenger: challenger,
		issuer:     issuer,
		registry:   registry,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// LoginResult is the outcome of the first authentication phase. Either Tokens
// is set (no MFA) or the MFA fields are set and Tokens is nil.
type LoginResult struct {
	Identity           *Identity
	RequiresMFA        bool
	MFAType            MFAMethod
	ChallengeID        string
	ChallengeExpiresAt time.Time
	Tokens             *TokenPair
}

// Login verifies credentials and either issues a token pair or opens an MFA
// challenge. Fails with ErrInvalidCredentials or ErrAccountLocked.
func (c *Coordinator) Login(ctx context.Context, identifier, secret string) (*LoginResult, error) {
	identity, err := c.verifier.Verify(ctx, identifier, secret)
	if err != nil {
		return nil, err
	}

	if identity.MFAEnabled {
		ch, err := c.challenger.Begin(ctx, identity)
		if err != nil {
			return nil, err
		}
		return &LoginResult{
			Identity:           identity,
			RequiresMFA:        true,
			MFAType:            ch.Method,
			ChallengeID:        ch.ID,
			ChallengeExpiresAt: ch.ExpiresAt,
		}, nil
	}

	tokens, err := c.mint(ctx, identity)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Identity: identity, Tokens: tokens}, nil
}

// VerifyMFA completes the second authentication phase and issues tokens.
// Fails with ErrInvalidMFAProof (challenge stays pending, bounded retries),
// ErrChallengeExpired, or ErrAccountLocked.
func (c *Coordinator) VerifyMFA(ctx context.Context, challengeID string, method MFAMethod, proof string) (*TokenPair, *Identity, error) {
	ch, err := c.challenger.Verify(ctx, challengeID, method, proof)
	if err != nil {
		return nil, nil, err
	}
	identity, err := c.store.Identities(ctx).Find(ctx, ch.IdentityID)
	if err != nil {
		return nil, nil, err
	}
	if identity.Status != IdentityStatusActive {
		return nil, nil, ErrInvalidCredentials
	}
	tokens, err := c.mint(ctx, identity)
	if err != nil {
		return nil, nil, err
	}
	return tokens, identity, nil
}

// Refresh rotates a refresh token: the old token is consumed atomically and a
// fresh pair is issued. Two concurrent refreshes of the same token yield
// exactly one success. Reuse of an already-consumed token is treated as theft
// and revokes every outstanding refresh token for the identity.
func (c *Coordinator) Refresh(ctx context.Context, raw string) (*TokenPair, *Identity, error) {
	id, secret, err := splitRefreshToken(raw)
	if err != nil {
		return nil, nil, ErrInvalidRefreshToken
	}

	tokens := c.store.RefreshTokens(ctx)
	rec, err := tokens.Consume(ctx, id, hashRefreshSecret(secret), c.now().UTC())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			if c.flagPossibleReuse(ctx, id, secret) {
				return nil, nil, ErrRefreshReuse
			}
			return nil, nil, ErrInvalidRefreshToken
		}
		return nil, nil, err
	}

	identity, err := c.store.Identities(ctx).Find(ctx, rec.IdentityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrInvalidRefreshToken
		}
		return nil, nil, err
	}
	if identity.Status != IdentityStatusActive {
		return nil, nil, ErrInvalidRefreshToken
	}

	pair, err := c.mint(ctx, identity)
	if err != nil {
		return nil, nil, err
	}
	return pair, identity, nil
}

// flagPossibleReuse checks whether a failed consume hit a token that was
// already spent with a matching secret. That only happens when a rotated
// token is replayed, so every token in the identity's session is revoked.
// Reports whether a reuse was detected so the caller can surface it.
func (c *Coordinator) flagPossibleReuse(ctx context.Context, id, secret string) bool {
	rec, err := c.store.RefreshTokens(ctx).Find(ctx, id)
	if err != nil || rec == nil {
		return false
	}
	if rec.ConsumedAt != nil && subtleCompare(rec.TokenHash, hashRefreshSecret(secret)) {
		_ = c.store.RefreshTokens(ctx).RevokeByIdentity(ctx, rec.IdentityID)
		return true
	}
	return false
}

// Logout revokes the presented access token (by jti, kept until its natural
// expiry) and the presented refresh token. Idempotent: garbage input is
// ignored rather than rejected.
func (c *Coordinator) Logout(ctx context.Context, accessToken, refreshToken string) error {
	if accessToken != "" {
		if claims, err := c.issuer.ParseAndVerify(accessToken); err == nil {
			rec := RevocationRecord{
				TokenID:   claims.ID,
				RevokedAt: c.now().UTC(),
				ExpiresAt: claims.ExpiresAt.Time,
			}
			if err := c.store.Revocations(ctx).Add(ctx, rec); err != nil {
				return err
			}
		}
	}
	if refreshToken != "" {
		if id, secret, err := splitRefreshToken(refreshToken); err == nil {
			if rec, err := c.store.RefreshTokens(ctx).Find(ctx, id); err == nil {
				if subtleCompare(rec.TokenHash, hashRefreshSecret(secret)) {
					if err := c.store.RefreshTokens(ctx).MarkRevoked(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
						return err
					}
				}
			}
		}
	}
	return nil
}

// Register creates a new identity with its credential. The role must exist in
// the registry and the password must satisfy the policy.
func (c *Coordinator) Register(ctx context.Context, email, password, role string) (*Identity, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, errors.New("valid email is required")
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		role = RoleUser
	}
	if !c.registry.KnownRole(role) {
		return nil, errors.New("unknown role")
	}
	if err := ValidatePasswordPolicy(password); err != nil {
		return nil, err
	}
	hash, err := HashPassword(password, c.bcryptCost)
	if err != nil {
		return nil, err
	}
	now := c.now().UTC()
	identity := &Identity{
		ID:        ids.New(),
		Email:     email,
		Role:      role,
		Status:    IdentityStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.Identities(ctx).Create(ctx, identity); err != nil {
		return nil, err
	}
	if err := c.store.Credentials(ctx).Set(ctx, identity.ID, hash); err != nil {
		return nil, err
	}
	return identity, nil
}

// ChangePassword verifies the current secret before storing a new hash, and
// revokes outstanding refresh tokens so stolen sessions die with the old
// password.
func (c *Coordinator) ChangePassword(ctx context.Context, identityID, current, updated string) error {
	identity, err := c.store.Identities(ctx).Find(ctx, identityID)
	if err != nil {
		return err
	}
	if _, err := c.verifier.Verify(ctx, identity.Email, current); err != nil {
		return err
	}
	if err := ValidatePasswordPolicy(updated); err != nil {
		return err
	}
	hash, err := HashPassword(updated, c.bcryptCost)
	if err != nil {
		return err
	}
	if err := c.store.Credentials(ctx).Set(ctx, identityID, hash); err != nil {
		return err
	}
	return c.store.RefreshTokens(ctx).RevokeByIdentity(ctx, identityID)
}

// Challenger exposes the MFA challenger for enrollment endpoints.
func (c *Coordinator) Challenger() *Challenger { return c.challenger }

// mint resolves the role into a flattened permission snapshot and issues a
// full token pair, persisting the refresh record.
func (c *Coordinator) mint(ctx context.Context, identity *Identity) (*TokenPair, error) {
	perms := c.registry.EffectivePermissions(identity.Role)
	access, claims, err := c.issuer.IssueAccessToken(identity, perms)
	if err != nil {
		return nil, err
	}
	refresh, rec, err := c.issuer.IssueRefreshToken(identity.ID)
	if err != nil {
		return nil, err
	}
	if err := c.store.RefreshTokens(ctx).Create(ctx, rec); err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  claims.ExpiresAt.Time,
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}
