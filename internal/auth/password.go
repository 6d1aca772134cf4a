package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// dummyHash is compared against when the identifier is unknown so that
// failed lookups and failed passwords take the same time (anti-enumeration).
// bcrypt hash of an unguessable throwaway value.
var dummyHash = []byte("$2a$12$R3Dm1PqYJcXrG5uFBOZx0eT4jZ0uY5d9nH2vJ1mQeKX8s7wLbC9hW")

// HashPassword hashes a plaintext password using bcrypt with the given cost.
// A cost of 0 selects bcrypt.DefaultCost.
func HashPassword(password string, cost int) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares a plaintext password with the stored hash.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// burnPasswordCheck runs one bcrypt comparison against a fixed hash. Called
// on unknown identifiers to keep response latency independent of whether the
// identifier exists.
func burnPasswordCheck(password string) {
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
}

// ValidatePasswordPolicy enforces the password policy used on registration
// and password change: at least 12 characters with upper, lower, digit and
// symbol classes present.
func ValidatePasswordPolicy(password string) error {
	if len(password) < 12 {
		return errors.New("password must be at least 12 characters")
	}
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= '0' && r <= '9':
			hasDigit = true
		default:
			hasSymbol = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit || !hasSymbol {
		return errors.New("password must contain upper, lower, digit and symbol characters")
	}
	return nil
}
