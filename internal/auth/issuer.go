package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"authgrid.org/internal/ids"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 14 * 24 * time.Hour

	tokenTypeAccess = "access"
)

// AccessClaims are the JWT claims carried by access tokens. The permission
// list is a snapshot flattened at issuance; it is never re-resolved while the
// token lives.
type AccessClaims struct {
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	TokenType   string   `json:"token_type"`
	jwt.RegisteredClaims
}

// Issuer mints signed access tokens and opaque single-use refresh tokens.
type Issuer struct {
	keyring    *Keyring
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithAccessTTL overrides the access token lifetime.
func WithAccessTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) {
		if ttl > 0 {
			i.accessTTL = ttl
		}
	}
}

// WithRefreshTTL overrides the refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) {
		if ttl > 0 {
			i.refreshTTL = ttl
		}
	}
}

// WithIssuerClock overrides the time source (useful for tests).
func WithIssuerClock(fn func() time.Time) IssuerOption {
	return func(i *Issuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

// NewIssuer constructs an Issuer bound to a keyring and issuer name.
func NewIssuer(keyring *Keyring, issuerName string, opts ...IssuerOption) (*Issuer, error) {
	if keyring == nil {
		return nil, errors.New("keyring is required")
	}
	issuerName = strings.TrimSpace(issuerName)
	if issuerName == "" {
		return nil, errors.New("issuer name is required")
	}
	iss := &Issuer{
		keyring:    keyring,
		issuer:     issuerName,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(iss)
	}
	return iss, nil
}

// AccessTTL reports the configured access token lifetime.
func (i *Issuer) AccessTTL() time.Duration { return i.accessTTL }

// RefreshTTL reports the configured refresh token lifetime.
func (i *Issuer) RefreshTTL() time.Duration { return i.refreshTTL }

// IssueAccessToken signs an RS256 access token for the identity with the
// given flattened permission snapshot.
func (i *Issuer) IssueAccessToken(identity *Identity, permissions []string) (string, *AccessClaims, error) {
	now := i.now().UTC()
	claims := &AccessClaims{
		Role:        identity.Role,
		Permissions: permissions,
		TokenType:   tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   identity.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.accessTTL)),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	key, kid := i.keyring.Signer()
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		return "", nil, fmt.Errorf("sign access token: %w", err)
	}
	return signed, claims, nil
}

// IssueRefreshToken generates an opaque refresh token "<id>.<secret>" and the
// record to persist. Only the SHA-256 of the secret is stored.
func (i *Issuer) IssueRefreshToken(identityID string) (string, *RefreshToken, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	now := i.now().UTC()
	rec := &RefreshToken{
		ID:         ids.New(),
		IdentityID: identityID,
		TokenHash:  hashRefreshSecret(secret),
		ExpiresAt:  now.Add(i.refreshTTL),
		CreatedAt:  now,
	}
	return rec.ID + "." + secret, rec, nil
}

// ParseAndVerify validates an access token's signature and registered claims
// against the keyring, resolving the signing key by kid so tokens signed with
// a retiring key verify until natural expiry.
func (i *Issuer) ParseAndVerify(token string) (*AccessClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrUnauthenticated
	}
	parsed, err := jwt.ParseWithClaims(token, &AccessClaims{}, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, ErrUnauthenticated
		}
		return i.keyring.VerificationKey(kid)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return i.now().UTC() }),
	)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return nil, ErrUnauthenticated
	}
	if claims.TokenType != tokenTypeAccess {
		return nil, ErrUnauthenticated
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ID == "" {
		return nil, ErrUnauthenticated
	}
	return claims, nil
}

// splitRefreshToken splits the client-held "<id>.<secret>" form.
func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func hashRefreshSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func subtleCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
