package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"authgrid.org/internal/ids"
)

const signingKeyBits = 2048

type signingKey struct {
	Kid       string
	Private   *rsa.PrivateKey
	CreatedAt time.Time
}

// Keyring holds the active RS256 signing key plus retired public keys that
// must remain verifiable until tokens signed with them expire naturally.
// Rotation keeps at least two public keys live at any time.
type Keyring struct {
	mu      sync.RWMutex
	active  *signingKey
	retired map[string]*rsa.PublicKey
	now     func() time.Time
}

// NewKeyring generates an initial signing key.
func NewKeyring() (*Keyring, error) {
	kr := &Keyring{
		retired: make(map[string]*rsa.PublicKey),
		now:     time.Now,
	}
	if err := kr.Rotate(); err != nil {
		return nil, err
	}
	return kr, nil
}

// NewKeyringFromPEM seeds the keyring with an operator-provided private key
// instead of generating one, so tokens survive process restarts.
func NewKeyringFromPEM(privatePEM string) (*Keyring, error) {
	block, _ := pem.Decode([]byte(privatePEM))
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	var key *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		key = k
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("unsupported private key type")
		}
		key = rsaKey
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
	kr := &Keyring{
		retired: make(map[string]*rsa.PublicKey),
		now:     time.Now,
	}
	kr.active = &signingKey{Kid: ids.New(), Private: key, CreatedAt: kr.now().UTC()}
	return kr, nil
}

// Rotate generates a new signing key. The previous public key moves to the
// retired set so in-flight tokens stay verifiable.
func (k *Keyring) Rotate() error {
	key, err := rsa.GenerateKey(rand.Reader, signingKeyBits)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.active != nil {
		k.retired[k.active.Kid] = &k.active.Private.PublicKey
	}
	k.active = &signingKey{Kid: ids.New(), Private: key, CreatedAt: k.now().UTC()}
	return nil
}

// Prune drops retired keys except the most recent one; callers invoke it once
// the maximum access-token TTL has elapsed since the last rotation. The
// newest retired key is always kept so two public keys stay active.
func (k *Keyring) Prune(keep int) {
	if keep < 1 {
		keep = 1
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.retired) <= keep {
		return
	}
	kids := make([]string, 0, len(k.retired))
	for kid := range k.retired {
		kids = append(kids, kid)
	}
	// ULIDs sort lexicographically by creation time.
	sort.Strings(kids)
	for _, kid := range kids[:len(kids)-keep] {
		delete(k.retired, kid)
	}
}

// Signer returns the active private key and its kid.
func (k *Keyring) Signer() (*rsa.PrivateKey, string) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active.Private, k.active.Kid
}

// VerificationKey resolves a kid to a public key, checking the active key
// first and then the retired set.
func (k *Keyring) VerificationKey(kid string) (*rsa.PublicKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.active != nil && k.active.Kid == kid {
		return &k.active.Private.PublicKey, nil
	}
	if pub, ok := k.retired[kid]; ok {
		return pub, nil
	}
	return nil, fmt.Errorf("%w: unknown key id %q", ErrUnauthenticated, kid)
}

// JWKS renders all currently verifiable public keys as a JSON Web Key Set.
func (k *Keyring) JWKS() ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	type jwk struct {
		Kty string `json:"kty"`
		Use string `json:"use"`
		Alg string `json:"alg"`
		Kid string `json:"kid"`
		N   string `json:"n"`
		E   string `json:"e"`
	}
	var keys []jwk
	add := func(kid string, pub *rsa.PublicKey) {
		keys = append(keys, jwk{
			Kty: "RSA",
			Use: "sig",
			Alg: "RS256",
			Kid: kid,
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	if k.active != nil {
		add(k.active.Kid, &k.active.Private.PublicKey)
	}
	kids := make([]string, 0, len(k.retired))
	for kid := range k.retired {
		kids = append(kids, kid)
	}
	sort.Strings(kids)
	for _, kid := range kids {
		add(kid, k.retired[kid])
	}
	return json.Marshal(map[string]any{"keys": keys})
}
