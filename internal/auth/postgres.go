package auth

import (
	"context"
	"database/sql"
	"time"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. Single-use semantics (refresh
// rotation, backup codes, challenges) are expressed as conditional UPDATEs so
// the invariants hold across processes, not only within one lock.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps an open database handle.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Identities(context.Context) IdentityStore        { return &pgIdentities{db: s.db} }
func (s *PGStore) Credentials(context.Context) CredentialStore     { return &pgCredentials{db: s.db} }
func (s *PGStore) RefreshTokens(context.Context) RefreshTokenStore { return &pgRefresh{db: s.db} }
func (s *PGStore) Revocations(context.Context) RevocationStore     { return &pgRevocations{db: s.db} }
func (s *PGStore) Attempts(context.Context) AttemptStore           { return &pgAttempts{db: s.db} }
func (s *PGStore) MFA(context.Context) MFAStore                    { return &pgMFA{db: s.db} }

// Identity store -------------------------------------------------------------

type pgIdentities struct{ db *sql.DB }

func (s *pgIdentities) Create(ctx context.Context, id *Identity) error {
	_, err := s.db.ExecContext(ctx,
		`insert into identities(id, email, role, status, mfa_enabled, mfa_method, created_at, updated_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8)`,
		id.ID, id.Email, id.Role, id.Status, id.MFAEnabled, string(id.MFAMethod), id.CreatedAt, id.UpdatedAt,
	)
	return err
}

func (s *pgIdentities) scanOne(row *sql.Row) (*Identity, error) {
	var (
		ident  Identity
		method string
	)
	if err := row.Scan(&ident.ID, &ident.Email, &ident.Role, &ident.Status,
		&ident.MFAEnabled, &method, &ident.CreatedAt, &ident.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	ident.MFAMethod = MFAMethod(method)
	return &ident, nil
}

func (s *pgIdentities) Find(ctx context.Context, id string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, email, role, status, mfa_enabled, mfa_method, created_at, updated_at
		 from identities where id=$1`, id)
	return s.scanOne(row)
}

func (s *pgIdentities) FindByEmail(ctx context.Context, email string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, email, role, status, mfa_enabled, mfa_method, created_at, updated_at
		 from identities where email=$1`, email)
	return s.scanOne(row)
}

func (s *pgIdentities) Deactivate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`update identities set status=$2, updated_at=now() where id=$1`,
		id, IdentityStatusDeactivated)
	if err != nil {
		return err
	}
	return ensureAffected(res)
}

func (s *pgIdentities) SetMFA(ctx context.Context, id string, enabled bool, method MFAMethod) error {
	res, err := s.db.ExecContext(ctx,
		`update identities set mfa_enabled=$2, mfa_method=$3, updated_at=now() where id=$1`,
		id, enabled, string(method))
	if err != nil {
		return err
	}
	return ensureAffected(res)
}

// Credential store ------------------------------------------------------------

type pgCredentials struct{ db *sql.DB }

func (s *pgCredentials) Set(ctx context.Context, identityID, secretHash string) error {
	_, err := s.db.ExecContext(ctx,
		`insert into credentials(identity_id, secret_hash, updated_at) values($1,$2,now())
		 on conflict (identity_id) do update set secret_hash=$2, updated_at=now()`,
		identityID, secretHash)
	return err
}

func (s *pgCredentials) Hash(ctx context.Context, identityID string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`select secret_hash from credentials where identity_id=$1`, identityID).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return hash, err
}

// Refresh token store ----------------------------------------------------------

type pgRefresh struct{ db *sql.DB }

func (s *pgRefresh) Create(ctx context.Context, tok *RefreshToken) error {
	_, err := s.db.ExecContext(ctx,
		`insert into refresh_tokens(id, identity_id, token_hash, expires_at, created_at, revoked)
		 values($1,$2,$3,$4,$5,false)`,
		tok.ID, tok.IdentityID, tok.TokenHash, tok.ExpiresAt, tok.CreatedAt)
	return err
}

func (s *pgRefresh) Find(ctx context.Context, id string) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, identity_id, token_hash, expires_at, created_at, consumed_at, revoked
		 from refresh_tokens where id=$1`, id)
	var (
		tok      RefreshToken
		consumed sql.NullTime
	)
	if err := row.Scan(&tok.ID, &tok.IdentityID, &tok.TokenHash, &tok.ExpiresAt,
		&tok.CreatedAt, &consumed, &tok.Revoked); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if consumed.Valid {
		t := consumed.Time
		tok.ConsumedAt = &t
	}
	return &tok, nil
}

// Consume marks the token spent in one conditional UPDATE; of two concurrent
// callers exactly one sees a row returned.
func (s *pgRefresh) Consume(ctx context.Context, id, tokenHash string, now time.Time) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`update refresh_tokens set consumed_at=$3
		 where id=$1 and token_hash=$2 and consumed_at is null and not revoked and expires_at > $3
		 returning id, identity_id, token_hash, expires_at, created_at, consumed_at, revoked`,
		id, tokenHash, now)
	var (
		tok      RefreshToken
		consumed sql.NullTime
	)
	if err := row.Scan(&tok.ID, &tok.IdentityID, &tok.TokenHash, &tok.ExpiresAt,
		&tok.CreatedAt, &consumed, &tok.Revoked); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if consumed.Valid {
		t := consumed.Time
		tok.ConsumedAt = &t
	}
	return &tok, nil
}

func (s *pgRefresh) MarkRevoked(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true where id=$1`, id)
	if err != nil {
		return err
	}
	return ensureAffected(res)
}

func (s *pgRefresh) RevokeByIdentity(ctx context.Context, identityID string) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true where identity_id=$1 and not revoked`, identityID)
	return err
}

// Revocation store --------------------------------------------------------------

type pgRevocations struct{ db *sql.DB }

func (s *pgRevocations) Add(ctx context.Context, rec RevocationRecord) error {
	_, err := s.db.ExecContext(ctx,
		`insert into revoked_tokens(token_id, revoked_at, expires_at) values($1,$2,$3)
		 on conflict (token_id) do nothing`,
		rec.TokenID, rec.RevokedAt, rec.ExpiresAt)
	return err
}

func (s *pgRevocations) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`select 1 from revoked_tokens where token_id=$1`, tokenID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *pgRevocations) Compact(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from revoked_tokens where expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Attempt store ---------------------------------------------------------------

type pgAttempts struct{ db *sql.DB }

func (s *pgAttempts) Get(ctx context.Context, key string) (FailedAttempts, error) {
	var att FailedAttempts
	err := s.db.QueryRowContext(ctx,
		`select count, first_at from failed_attempts where key=$1`, key).
		Scan(&att.Count, &att.FirstAt)
	if err == sql.ErrNoRows {
		return FailedAttempts{}, nil
	}
	return att, err
}

// Fail is a single upsert: restart the window when the previous one elapsed,
// otherwise increment. Atomic per key.
func (s *pgAttempts) Fail(ctx context.Context, key string, now time.Time, window time.Duration) (FailedAttempts, error) {
	cutoff := now.Add(-window)
	var att FailedAttempts
	err := s.db.QueryRowContext(ctx,
		`insert into failed_attempts(key, count, first_at) values($1, 1, $2)
		 on conflict (key) do update set
		   count = case when failed_attempts.first_at < $3 then 1 else failed_attempts.count + 1 end,
		   first_at = case when failed_attempts.first_at < $3 then $2 else failed_attempts.first_at end
		 returning count, first_at`,
		key, now, cutoff).Scan(&att.Count, &att.FirstAt)
	return att, err
}

func (s *pgAttempts) Reset(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from failed_attempts where key=$1`, key)
	return err
}

// MFA store ----------------------------------------------------------------------

type pgMFA struct{ db *sql.DB }

func (s *pgMFA) SetEnrollment(ctx context.Context, enr *MFAEnrollment) error {
	_, err := s.db.ExecContext(ctx,
		`insert into mfa_enrollments(identity_id, method, totp_secret, public_key_pem, created_at)
		 values($1,$2,$3,$4,$5)
		 on conflict (identity_id) do update set
		   method=$2, totp_secret=$3, public_key_pem=$4, created_at=$5`,
		enr.IdentityID, string(enr.Method), enr.TOTPSecret, enr.PublicKeyPEM, enr.CreatedAt)
	return err
}

func (s *pgMFA) Enrollment(ctx context.Context, identityID string) (*MFAEnrollment, error) {
	row := s.db.QueryRowContext(ctx,
		`select identity_id, method, totp_secret, public_key_pem, created_at
		 from mfa_enrollments where identity_id=$1`, identityID)
	var (
		enr    MFAEnrollment
		method string
	)
	if err := row.Scan(&enr.IdentityID, &method, &enr.TOTPSecret, &enr.PublicKeyPEM, &enr.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	enr.Method = MFAMethod(method)
	return &enr, nil
}

func (s *pgMFA) CreateChallenge(ctx context.Context, ch *Challenge) error {
	_, err := s.db.ExecContext(ctx,
		`insert into mfa_challenges(id, identity_id, method, nonce, attempts, created_at, expires_at, consumed)
		 values($1,$2,$3,$4,$5,$6,$7,false)`,
		ch.ID, ch.IdentityID, string(ch.Method), ch.Nonce, ch.Attempts, ch.CreatedAt, ch.ExpiresAt)
	return err
}

func (s *pgMFA) scanChallenge(row *sql.Row) (*Challenge, error) {
	var (
		ch     Challenge
		method string
	)
	if err := row.Scan(&ch.ID, &ch.IdentityID, &method, &ch.Nonce, &ch.Attempts,
		&ch.CreatedAt, &ch.ExpiresAt, &ch.Consumed); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	ch.Method = MFAMethod(method)
	return &ch, nil
}

func (s *pgMFA) FindChallenge(ctx context.Context, id string) (*Challenge, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, identity_id, method, nonce, attempts, created_at, expires_at, consumed
		 from mfa_challenges where id=$1`, id)
	return s.scanChallenge(row)
}

func (s *pgMFA) BumpChallengeAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`update mfa_challenges set attempts = attempts + 1 where id=$1 returning attempts`, id).
		Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return attempts, err
}

func (s *pgMFA) ConsumeChallenge(ctx context.Context, id string, now time.Time) (*Challenge, error) {
	row := s.db.QueryRowContext(ctx,
		`update mfa_challenges set consumed=true
		 where id=$1 and not consumed and expires_at > $2
		 returning id, identity_id, method, nonce, attempts, created_at, expires_at, consumed`,
		id, now)
	return s.scanChallenge(row)
}

func (s *pgMFA) DeleteExpiredChallenges(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from mfa_challenges where expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *pgMFA) SetBackupCodes(ctx context.Context, identityID string, codeHashes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx,
		`delete from mfa_backup_codes where identity_id=$1`, identityID); err != nil {
		return err
	}
	for _, hash := range codeHashes {
		if _, err := tx.ExecContext(ctx,
			`insert into mfa_backup_codes(identity_id, code_hash, used) values($1,$2,false)`,
			identityID, hash); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *pgMFA) ConsumeBackupCode(ctx context.Context, identityID, codeHash string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`update mfa_backup_codes set used=true, used_at=$3
		 where identity_id=$1 and code_hash=$2 and not used`,
		identityID, codeHash, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func ensureAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
