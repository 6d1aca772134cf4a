package auth

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	defaultLockoutThreshold = 5
	defaultLockoutWindow    = 10 * time.Minute

	loginAttemptPrefix = "login:"
	mfaAttemptPrefix   = "mfa:"
)

// Verifier checks presented credentials against stored hashes and maintains
// the per-identity failed-attempt counter. It never logs or returns the
// presented secret.
type Verifier struct {
	store     Store
	threshold int
	window    time.Duration
	now       func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithLockoutPolicy overrides the failure threshold and window.
func WithLockoutPolicy(threshold int, window time.Duration) VerifierOption {
	return func(v *Verifier) {
		if threshold > 0 {
			v.threshold = threshold
		}
		if window > 0 {
			v.window = window
		}
	}
}

// WithVerifierClock overrides the time source (useful for tests).
func WithVerifierClock(fn func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if fn != nil {
			v.now = fn
		}
	}
}

// NewVerifier constructs a Verifier over the given store.
func NewVerifier(store Store, opts ...VerifierOption) (*Verifier, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	v := &Verifier{
		store:     store,
		threshold: defaultLockoutThreshold,
		window:    defaultLockoutWindow,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify checks identifier+secret. Unknown identifiers and wrong secrets
// return the same error after the same amount of hashing work. A failure
// increments the identity's counter; success resets it; five failures within
// the window lock the account, and even correct credentials fail until the
// window elapses.
func (v *Verifier) Verify(ctx context.Context, identifier, secret string) (*Identity, error) {
	identifier = strings.ToLower(strings.TrimSpace(identifier))
	if identifier == "" || secret == "" {
		burnPasswordCheck(secret)
		return nil, ErrInvalidCredentials
	}

	identity, err := v.store.Identities(ctx).FindByEmail(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			burnPasswordCheck(secret)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if identity.Status != IdentityStatusActive {
		burnPasswordCheck(secret)
		return nil, ErrInvalidCredentials
	}

	if locked, retryAfter, err := v.locked(ctx, loginAttemptPrefix+identity.ID); err != nil {
		return nil, err
	} else if locked {
		burnPasswordCheck(secret)
		return nil, &LockedError{RetryAfter: retryAfter}
	}

	hash, err := v.store.Credentials(ctx).Hash(ctx, identity.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			burnPasswordCheck(secret)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := VerifyPassword(hash, secret); err != nil {
		if _, ferr := v.store.Attempts(ctx).Fail(ctx, loginAttemptPrefix+identity.ID, v.now().UTC(), v.window); ferr != nil {
			return nil, ferr
		}
		return nil, ErrInvalidCredentials
	}

	if err := v.store.Attempts(ctx).Reset(ctx, loginAttemptPrefix+identity.ID); err != nil {
		return nil, err
	}
	return identity, nil
}

// locked reports whether the counter key is over the threshold inside the
// window, along with how long until the window elapses.
func (v *Verifier) locked(ctx context.Context, key string) (bool, time.Duration, error) {
	att, err := v.store.Attempts(ctx).Get(ctx, key)
	if err != nil {
		return false, 0, err
	}
	if att.Count < v.threshold {
		return false, 0, nil
	}
	unlockAt := att.FirstAt.Add(v.window)
	now := v.now().UTC()
	if now.After(unlockAt) {
		return false, 0, nil
	}
	return true, unlockAt.Sub(now), nil
}
