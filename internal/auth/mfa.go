package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"authgrid.org/internal/ids"
)

const (
	defaultChallengeTTL  = 5 * time.Minute
	webauthnChallengeTTL = time.Minute
	defaultTOTPSkew      = 1
	defaultMFAAttempts   = 5
	backupCodeCount      = 8
)

// Challenger issues and verifies second-factor challenges. Failed proofs feed
// a dedicated attempt counter with the same lockout policy as logins, so MFA
// cannot be brute-forced without also tripping a lockout.
type Challenger struct {
	store       Store
	issuerName  string
	skew        int
	maxAttempts int
	threshold   int
	window      time.Duration
	now         func() time.Time
}

// ChallengerOption configures a Challenger.
type ChallengerOption func(*Challenger)

// WithTOTPSkew sets the accepted ± time-step window.
func WithTOTPSkew(skew int) ChallengerOption {
	return func(c *Challenger) {
		if skew >= 0 {
			c.skew = skew
		}
	}
}

// WithMFALockoutPolicy overrides the MFA failure threshold and window.
func WithMFALockoutPolicy(threshold int, window time.Duration) ChallengerOption {
	return func(c *Challenger) {
		if threshold > 0 {
			c.threshold = threshold
		}
		if window > 0 {
			c.window = window
		}
	}
}

// WithChallengerClock overrides the time source (useful for tests).
func WithChallengerClock(fn func() time.Time) ChallengerOption {
	return func(c *Challenger) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewChallenger constructs a Challenger. issuerName labels TOTP provisioning
// URIs shown to authenticator apps.
func NewChallenger(store Store, issuerName string, opts ...ChallengerOption) (*Challenger, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	c := &Challenger{
		store:       store,
		issuerName:  strings.TrimSpace(issuerName),
		skew:        defaultTOTPSkew,
		maxAttempts: defaultMFAAttempts,
		threshold:   defaultLockoutThreshold,
		window:      defaultLockoutWindow,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Begin opens a pending challenge for the identity's configured method. The
// challenge is single-use and time-bounded; WebAuthn challenges carry a fresh
// nonce and a tighter 60s bound.
func (c *Challenger) Begin(ctx context.Context, identity *Identity) (*Challenge, error) {
	if !identity.MFAEnabled || identity.MFAMethod == MFANone {
		return nil, fmt.Errorf("%w: mfa not configured", ErrInvalidInput)
	}
	now := c.now().UTC()
	ch := &Challenge{
		ID:         ids.New(),
		IdentityID: identity.ID,
		Method:     identity.MFAMethod,
		CreatedAt:  now,
		ExpiresAt:  now.Add(defaultChallengeTTL),
	}
	if identity.MFAMethod == MFAWebAuthn {
		nonce := make([]byte, 32)
		if _, err := rand.Read(nonce); err != nil {
			return nil, err
		}
		ch.Nonce = nonce
		ch.ExpiresAt = now.Add(webauthnChallengeTTL)
	}
	if err := c.store.MFA(ctx).CreateChallenge(ctx, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// Verify checks a proof against the pending challenge. The method must be the
// challenge's own, or a backup code as the recovery path. Success consumes
// the challenge exactly once; failure bumps both the challenge's bounded
// retry count and the identity's MFA attempt counter.
func (c *Challenger) Verify(ctx context.Context, challengeID string, method MFAMethod, proof string) (*Challenge, error) {
	ch, err := c.store.MFA(ctx).FindChallenge(ctx, challengeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrChallengeExpired
		}
		return nil, err
	}
	now := c.now().UTC()
	if ch.Consumed || now.After(ch.ExpiresAt) || ch.Attempts >= c.maxAttempts {
		return nil, ErrChallengeExpired
	}
	if method != ch.Method && method != MFABackup {
		return nil, ErrInvalidMFAProof
	}

	if locked, retryAfter, err := c.lockedMFA(ctx, ch.IdentityID); err != nil {
		return nil, err
	} else if locked {
		return nil, &LockedError{RetryAfter: retryAfter}
	}

	ok, err := c.checkProof(ctx, ch, method, proof, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		if _, err := c.store.MFA(ctx).BumpChallengeAttempts(ctx, ch.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if _, err := c.store.Attempts(ctx).Fail(ctx, mfaAttemptPrefix+ch.IdentityID, now, c.window); err != nil {
			return nil, err
		}
		return nil, ErrInvalidMFAProof
	}

	consumed, err := c.store.MFA(ctx).ConsumeChallenge(ctx, ch.ID, now)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrChallengeExpired
		}
		return nil, err
	}
	if err := c.store.Attempts(ctx).Reset(ctx, mfaAttemptPrefix+ch.IdentityID); err != nil {
		return nil, err
	}
	return consumed, nil
}

func (c *Challenger) checkProof(ctx context.Context, ch *Challenge, method MFAMethod, proof string, now time.Time) (bool, error) {
	switch method {
	case MFATOTP:
		enr, err := c.store.MFA(ctx).Enrollment(ctx, ch.IdentityID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		if enr.TOTPSecret == "" {
			return false, nil
		}
		return validateTOTP(enr.TOTPSecret, proof, now, c.skew), nil

	case MFABackup:
		return c.store.MFA(ctx).ConsumeBackupCode(ctx, ch.IdentityID, hashBackupCode(proof), now)

	case MFAWebAuthn:
		enr, err := c.store.MFA(ctx).Enrollment(ctx, ch.IdentityID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		return verifyAssertion(enr.PublicKeyPEM, ch.Nonce, proof), nil

	default:
		return false, nil
	}
}

// lockedMFA mirrors Verifier.locked for the MFA counter.
func (c *Challenger) lockedMFA(ctx context.Context, identityID string) (bool, time.Duration, error) {
	att, err := c.store.Attempts(ctx).Get(ctx, mfaAttemptPrefix+identityID)
	if err != nil {
		return false, 0, err
	}
	if att.Count < c.threshold {
		return false, 0, nil
	}
	unlockAt := att.FirstAt.Add(c.window)
	now := c.now().UTC()
	if now.After(unlockAt) {
		return false, 0, nil
	}
	return true, unlockAt.Sub(now), nil
}

// TOTPEnrollment is the material returned to the client when TOTP is set up.
type TOTPEnrollment struct {
	Secret          string
	ProvisioningURI string
	BackupCodes     []string
}

// EnrollTOTP generates and stores a TOTP secret plus one-time backup codes
// for the identity, and flips the identity's MFA flag. Backup codes are
// returned in plaintext exactly once; only hashes are stored.
func (c *Challenger) EnrollTOTP(ctx context.Context, identity *Identity) (*TOTPEnrollment, error) {
	secret, err := GenerateTOTPSecret()
	if err != nil {
		return nil, err
	}
	codes, hashes, err := generateBackupCodes(backupCodeCount)
	if err != nil {
		return nil, err
	}
	now := c.now().UTC()
	if err := c.store.MFA(ctx).SetEnrollment(ctx, &MFAEnrollment{
		IdentityID: identity.ID,
		Method:     MFATOTP,
		TOTPSecret: secret,
		CreatedAt:  now,
	}); err != nil {
		return nil, err
	}
	if err := c.store.MFA(ctx).SetBackupCodes(ctx, identity.ID, hashes); err != nil {
		return nil, err
	}
	if err := c.store.Identities(ctx).SetMFA(ctx, identity.ID, true, MFATOTP); err != nil {
		return nil, err
	}
	return &TOTPEnrollment{
		Secret:          secret,
		ProvisioningURI: TOTPProvisioningURI(c.issuerName, identity.Email, secret),
		BackupCodes:     codes,
	}, nil
}

// RegisterWebAuthnKey stores an ECDSA P-256 public key (PEM) as the
// identity's assertion key and enables WebAuthn MFA.
func (c *Challenger) RegisterWebAuthnKey(ctx context.Context, identity *Identity, publicKeyPEM string) error {
	if _, err := parseAssertionKey(publicKeyPEM); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := c.store.MFA(ctx).SetEnrollment(ctx, &MFAEnrollment{
		IdentityID:   identity.ID,
		Method:       MFAWebAuthn,
		PublicKeyPEM: publicKeyPEM,
		CreatedAt:    c.now().UTC(),
	}); err != nil {
		return err
	}
	return c.store.Identities(ctx).SetMFA(ctx, identity.ID, true, MFAWebAuthn)
}

// verifyAssertion checks an ECDSA signature (base64url, ASN.1 DER) over the
// SHA-256 of the challenge nonce.
func verifyAssertion(publicKeyPEM string, nonce []byte, proof string) bool {
	if len(nonce) == 0 || publicKeyPEM == "" {
		return false
	}
	pub, err := parseAssertionKey(publicKeyPEM)
	if err != nil {
		return false
	}
	sig, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(proof))
	if err != nil {
		return false
	}
	digest := sha256.Sum256(nonce)
	return ecdsa.VerifyASN1(pub, digest[:], sig)
}

func parseAssertionKey(publicKeyPEM string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, errors.New("invalid PEM public key")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("not an ECDSA public key")
	}
	return pub, nil
}

// generateBackupCodes returns plaintext codes in "XXXXX-XXXXX" form and their
// hashes for storage.
func generateBackupCodes(n int) (codes, hashes []string, err error) {
	codes = make([]string, 0, n)
	hashes = make([]string, 0, n)
	for i := 0; i < n; i++ {
		raw := make([]byte, 5)
		if _, err := rand.Read(raw); err != nil {
			return nil, nil, err
		}
		hexed := strings.ToUpper(hex.EncodeToString(raw))
		code := hexed[:5] + "-" + hexed[5:]
		codes = append(codes, code)
		hashes = append(hashes, hashBackupCode(code))
	}
	return codes, hashes, nil
}

// hashBackupCode normalizes (uppercase, separators stripped) then hashes.
func hashBackupCode(code string) string {
	normalized := strings.ToUpper(strings.NewReplacer("-", "", " ", "").Replace(strings.TrimSpace(code)))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
