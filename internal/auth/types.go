package auth

import "time"

// MFAMethod identifies the second-factor mechanism configured for an identity.
type MFAMethod string

const (
	MFANone     MFAMethod = ""
	MFATOTP     MFAMethod = "totp"
	MFAWebAuthn MFAMethod = "webauthn"
	MFABackup   MFAMethod = "backup"
)

const (
	IdentityStatusActive      = "active"
	IdentityStatusDeactivated = "deactivated"
)

// Identity represents an authenticated subject. Identities are never deleted,
// only deactivated.
type Identity struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	Role       string    `json:"role"`
	Status     string    `json:"status"`
	MFAEnabled bool      `json:"mfa_enabled"`
	MFAMethod  MFAMethod `json:"mfa_method,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Credential maps an identity to its secret hash. Owned exclusively by the
// credential verifier; no other component reads the hash.
type Credential struct {
	IdentityID string
	SecretHash string
	UpdatedAt  time.Time
}

// RefreshToken is the persisted half of an opaque refresh token. The client
// holds "<id>.<secret>"; only the SHA-256 of the secret is stored.
type RefreshToken struct {
	ID         string
	IdentityID string
	TokenHash  string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	ConsumedAt *time.Time
	Revoked    bool
}

// RevocationRecord invalidates a specific access token before its natural
// expiry. Records are retained until the token would have expired anyway.
type RevocationRecord struct {
	TokenID   string
	RevokedAt time.Time
	ExpiresAt time.Time
}

// FailedAttempts tracks consecutive failures for one counter key within the
// lockout window.
type FailedAttempts struct {
	Count   int
	FirstAt time.Time
}

// Challenge is a pending MFA verification. It holds no usable access token;
// the coordinator only issues tokens after the challenge is consumed.
type Challenge struct {
	ID         string
	IdentityID string
	Method     MFAMethod
	Nonce      []byte
	Attempts   int
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Consumed   bool
}

// MFAEnrollment stores per-identity second-factor material: the TOTP secret
// and/or a registered WebAuthn-style public key (PEM, ECDSA P-256).
type MFAEnrollment struct {
	IdentityID   string
	Method       MFAMethod
	TOTPSecret   string
	PublicKeyPEM string
	CreatedAt    time.Time
}

// BackupCode is a one-time recovery code, stored hashed.
type BackupCode struct {
	IdentityID string
	CodeHash   string
	Used       bool
	UsedAt     *time.Time
}

// TokenPair bundles freshly issued credentials.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}
