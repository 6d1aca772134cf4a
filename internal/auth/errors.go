package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidCredentials  = errors.New("auth: invalid credentials")
	ErrAccountLocked       = errors.New("auth: account locked")
	ErrInvalidMFAProof     = errors.New("auth: invalid mfa proof")
	ErrChallengeExpired    = errors.New("auth: mfa challenge expired")
	ErrInvalidRefreshToken = errors.New("auth: invalid or expired refresh token")
	ErrTokenRevoked        = errors.New("auth: token revoked")
	ErrUnauthenticated     = errors.New("auth: unauthenticated")
	ErrForbidden           = errors.New("auth: forbidden")

	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
	ErrInvalidInput  = errors.New("auth: invalid input")
	ErrUnavailable   = errors.New("auth: dependency unavailable")
)

// ErrRefreshReuse marks a replay of an already-rotated refresh token, the
// theft signal that revokes the whole session. It unwraps to
// ErrInvalidRefreshToken so callers that only care about validity keep
// working; the HTTP layer distinguishes it for audit and metrics.
var ErrRefreshReuse = fmt.Errorf("auth: refresh token reuse detected: %w", ErrInvalidRefreshToken)

// LockedError carries the remaining lockout duration alongside ErrAccountLocked
// so the HTTP layer can emit a Retry-After header.
type LockedError struct {
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("auth: account locked, retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *LockedError) Unwrap() error { return ErrAccountLocked }
