package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth core. Shared
// mutable state (attempt counters, revocation records, token rotation) is
// modeled behind these interfaces with atomic per-key operations so the core
// carries no ambient global state.
type Store interface {
	Identities(ctx context.Context) IdentityStore
	Credentials(ctx context.Context) CredentialStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
	Revocations(ctx context.Context) RevocationStore
	Attempts(ctx context.Context) AttemptStore
	MFA(ctx context.Context) MFAStore
}

// IdentityStore manages identities.
type IdentityStore interface {
	Create(ctx context.Context, id *Identity) error
	Find(ctx context.Context, id string) (*Identity, error)
	FindByEmail(ctx context.Context, email string) (*Identity, error)
	Deactivate(ctx context.Context, id string) error
	SetMFA(ctx context.Context, id string, enabled bool, method MFAMethod) error
}

// CredentialStore is owned by the credential verifier; nothing else touches
// secret hashes.
type CredentialStore interface {
	Set(ctx context.Context, identityID, secretHash string) error
	Hash(ctx context.Context, identityID string) (string, error)
}

// RefreshTokenStore manages single-use refresh tokens.
//
// Consume is the rotation primitive: it marks the token consumed and returns
// it only when the id matches, the stored hash matches, the token is not
// revoked, not already consumed, and not expired. The check-and-mark must be
// atomic so two concurrent refreshes of the same token yield exactly one
// winner.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	Find(ctx context.Context, id string) (*RefreshToken, error)
	Consume(ctx context.Context, id, tokenHash string, now time.Time) (*RefreshToken, error)
	MarkRevoked(ctx context.Context, id string) error
	RevokeByIdentity(ctx context.Context, identityID string) error
}

// RevocationStore keeps revoked access-token identifiers until their natural
// expiry.
type RevocationStore interface {
	Add(ctx context.Context, rec RevocationRecord) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	Compact(ctx context.Context, now time.Time) (int, error)
}

// AttemptStore tracks consecutive failures per counter key. Fail restarts the
// window when the previous one has elapsed; both operations are atomic per
// key to prevent lockout-bypass races.
type AttemptStore interface {
	Get(ctx context.Context, key string) (FailedAttempts, error)
	Fail(ctx context.Context, key string, now time.Time, window time.Duration) (FailedAttempts, error)
	Reset(ctx context.Context, key string) error
}

// MFAStore persists second-factor material and pending challenges.
//
// ConsumeChallenge and ConsumeBackupCode are atomic single-use operations:
// they succeed for exactly one caller.
type MFAStore interface {
	SetEnrollment(ctx context.Context, enr *MFAEnrollment) error
	Enrollment(ctx context.Context, identityID string) (*MFAEnrollment, error)

	CreateChallenge(ctx context.Context, ch *Challenge) error
	FindChallenge(ctx context.Context, id string) (*Challenge, error)
	BumpChallengeAttempts(ctx context.Context, id string) (int, error)
	ConsumeChallenge(ctx context.Context, id string, now time.Time) (*Challenge, error)
	DeleteExpiredChallenges(ctx context.Context, now time.Time) (int, error)

	SetBackupCodes(ctx context.Context, identityID string, codeHashes []string) error
	ConsumeBackupCode(ctx context.Context, identityID, codeHash string, now time.Time) (bool, error)
}
