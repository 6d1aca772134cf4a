package auth

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-memory Store. It backs tests and single-node deployments
// without Postgres; all conditional operations run under one lock so the
// single-use invariants hold.
type MemStore struct {
	mu          sync.Mutex
	identities  map[string]*Identity
	byEmail     map[string]string
	credentials map[string]*Credential
	refresh     map[string]*RefreshToken
	revoked     map[string]RevocationRecord
	attempts    map[string]FailedAttempts
	enrollments map[string]*MFAEnrollment
	challenges  map[string]*Challenge
	backupCodes map[string][]*BackupCode
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		identities:  make(map[string]*Identity),
		byEmail:     make(map[string]string),
		credentials: make(map[string]*Credential),
		refresh:     make(map[string]*RefreshToken),
		revoked:     make(map[string]RevocationRecord),
		attempts:    make(map[string]FailedAttempts),
		enrollments: make(map[string]*MFAEnrollment),
		challenges:  make(map[string]*Challenge),
		backupCodes: make(map[string][]*BackupCode),
	}
}

var _ Store = (*MemStore)(nil)

func (s *MemStore) Identities(context.Context) IdentityStore        { return (*memIdentities)(s) }
func (s *MemStore) Credentials(context.Context) CredentialStore     { return (*memCredentials)(s) }
func (s *MemStore) RefreshTokens(context.Context) RefreshTokenStore { return (*memRefresh)(s) }
func (s *MemStore) Revocations(context.Context) RevocationStore     { return (*memRevocations)(s) }
func (s *MemStore) Attempts(context.Context) AttemptStore           { return (*memAttempts)(s) }
func (s *MemStore) MFA(context.Context) MFAStore                    { return (*memMFA)(s) }

// Identity store ------------------------------------------------------------

type memIdentities MemStore

func (s *memIdentities) Create(_ context.Context, id *Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(strings.TrimSpace(id.Email))
	if _, ok := s.byEmail[email]; ok {
		return ErrAlreadyExists
	}
	cp := *id
	cp.Email = email
	s.identities[id.ID] = &cp
	s.byEmail[email] = id.ID
	return nil
}

func (s *memIdentities) Find(_ context.Context, id string) (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.identities[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ident
	return &cp, nil
}

func (s *memIdentities) FindByEmail(_ context.Context, email string) (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.identities[id]
	return &cp, nil
}

func (s *memIdentities) Deactivate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.identities[id]
	if !ok {
		return ErrNotFound
	}
	ident.Status = IdentityStatusDeactivated
	ident.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memIdentities) SetMFA(_ context.Context, id string, enabled bool, method MFAMethod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.identities[id]
	if !ok {
		return ErrNotFound
	}
	ident.MFAEnabled = enabled
	ident.MFAMethod = method
	ident.UpdatedAt = time.Now().UTC()
	return nil
}

// Credential store ----------------------------------------------------------

type memCredentials MemStore

func (s *memCredentials) Set(_ context.Context, identityID, secretHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[identityID] = &Credential{
		IdentityID: identityID,
		SecretHash: secretHash,
		UpdatedAt:  time.Now().UTC(),
	}
	return nil
}

func (s *memCredentials) Hash(_ context.Context, identityID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.credentials[identityID]
	if !ok {
		return "", ErrNotFound
	}
	return cred.SecretHash, nil
}

// Refresh token store -------------------------------------------------------

type memRefresh MemStore

func (s *memRefresh) Create(_ context.Context, tok *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tok
	s.refresh[tok.ID] = &cp
	return nil
}

func (s *memRefresh) Find(_ context.Context, id string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.refresh[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

func (s *memRefresh) Consume(_ context.Context, id, tokenHash string, now time.Time) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.refresh[id]
	if !ok {
		return nil, ErrNotFound
	}
	if tok.Revoked || tok.ConsumedAt != nil || now.After(tok.ExpiresAt) || tok.TokenHash != tokenHash {
		return nil, ErrNotFound
	}
	at := now
	tok.ConsumedAt = &at
	cp := *tok
	return &cp, nil
}

func (s *memRefresh) MarkRevoked(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.refresh[id]
	if !ok {
		return ErrNotFound
	}
	tok.Revoked = true
	return nil
}

func (s *memRefresh) RevokeByIdentity(_ context.Context, identityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tok := range s.refresh {
		if tok.IdentityID == identityID {
			tok.Revoked = true
		}
	}
	return nil
}

// Revocation store ----------------------------------------------------------

type memRevocations MemStore

func (s *memRevocations) Add(_ context.Context, rec RevocationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[rec.TokenID] = rec
	return nil
}

func (s *memRevocations) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.revoked[tokenID]
	return ok, nil
}

func (s *memRevocations) Compact(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int
	for id, rec := range s.revoked {
		if now.After(rec.ExpiresAt) {
			delete(s.revoked, id)
			removed++
		}
	}
	return removed, nil
}

// Attempt store --------------------------------------------------------------

type memAttempts MemStore

func (s *memAttempts) Get(_ context.Context, key string) (FailedAttempts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[key], nil
}

func (s *memAttempts) Fail(_ context.Context, key string, now time.Time, window time.Duration) (FailedAttempts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.attempts[key]
	if cur.Count == 0 || now.Sub(cur.FirstAt) > window {
		cur = FailedAttempts{Count: 1, FirstAt: now}
	} else {
		cur.Count++
	}
	s.attempts[key] = cur
	return cur, nil
}

func (s *memAttempts) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, key)
	return nil
}

// MFA store -------------------------------------------------------------------

type memMFA MemStore

func (s *memMFA) SetEnrollment(_ context.Context, enr *MFAEnrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *enr
	s.enrollments[enr.IdentityID] = &cp
	return nil
}

func (s *memMFA) Enrollment(_ context.Context, identityID string) (*MFAEnrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enr, ok := s.enrollments[identityID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *enr
	return &cp, nil
}

func (s *memMFA) CreateChallenge(_ context.Context, ch *Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ch
	s.challenges[ch.ID] = &cp
	return nil
}

func (s *memMFA) FindChallenge(_ context.Context, id string) (*Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ch
	return &cp, nil
}

func (s *memMFA) BumpChallengeAttempts(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[id]
	if !ok {
		return 0, ErrNotFound
	}
	ch.Attempts++
	return ch.Attempts, nil
}

func (s *memMFA) ConsumeChallenge(_ context.Context, id string, now time.Time) (*Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[id]
	if !ok {
		return nil, ErrNotFound
	}
	if ch.Consumed || now.After(ch.ExpiresAt) {
		return nil, ErrNotFound
	}
	ch.Consumed = true
	cp := *ch
	return &cp, nil
}

func (s *memMFA) DeleteExpiredChallenges(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int
	for id, ch := range s.challenges {
		if now.After(ch.ExpiresAt) {
			delete(s.challenges, id)
			removed++
		}
	}
	return removed, nil
}

func (s *memMFA) SetBackupCodes(_ context.Context, identityID string, codeHashes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := make([]*BackupCode, 0, len(codeHashes))
	for _, h := range codeHashes {
		codes = append(codes, &BackupCode{IdentityID: identityID, CodeHash: h})
	}
	s.backupCodes[identityID] = codes
	return nil
}

func (s *memMFA) ConsumeBackupCode(_ context.Context, identityID, codeHash string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, code := range s.backupCodes[identityID] {
		if code.CodeHash == codeHash && !code.Used {
			at := now
			code.Used = true
			code.UsedAt = &at
			return true, nil
		}
	}
	return false, nil
}
