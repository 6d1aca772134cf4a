package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"authgrid.org/internal/audit"
	"authgrid.org/internal/auth"
)

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, err := requirePermission(r, auth.PermProfileRead)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	identity, err := a.store.Identities(r.Context()).Find(r.Context(), principal.IdentityID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          identity.ID,
		"email":       identity.Email,
		"role":        identity.Role,
		"status":      identity.Status,
		"mfa_enabled": identity.MFAEnabled,
		"mfa_type":    string(identity.MFAMethod),
		"permissions": principal.PermissionList(),
	})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	principal, err := requirePermission(r, auth.PermProfileWrite)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.coord.ChangePassword(r.Context(), principal.IdentityID, req.CurrentPassword, req.NewPassword); err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrAccountLocked) || errors.Is(err, auth.ErrNotFound) {
			writeAuthError(w, r, err)
			return
		}
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventPasswordChanged)
	a.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"status": "password_changed"})
}

func (a *API) handleEnrollTOTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, err := requirePermission(r, auth.PermProfileWrite)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	identity, err := a.store.Identities(r.Context()).Find(r.Context(), principal.IdentityID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	enrollment, err := a.coord.Challenger().EnrollTOTP(r.Context(), identity)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventMFAEnrolled,
		zap.String("method", string(auth.MFATOTP)),
	)
	// Secret and backup codes are shown exactly once.
	writeJSON(w, http.StatusOK, map[string]any{
		"secret":           enrollment.Secret,
		"provisioning_uri": enrollment.ProvisioningURI,
		"backup_codes":     enrollment.BackupCodes,
	})
}

type webauthnRegisterRequest struct {
	PublicKeyPEM string `json:"public_key_pem"`
}

func (a *API) handleRegisterWebAuthn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, err := requirePermission(r, auth.PermProfileWrite)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	var req webauthnRegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	identity, err := a.store.Identities(r.Context()).Find(r.Context(), principal.IdentityID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	if err := a.coord.Challenger().RegisterWebAuthnKey(r.Context(), identity, req.PublicKeyPEM); err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventMFAEnrolled,
		zap.String("method", string(auth.MFAWebAuthn)),
	)
	writeJSON(w, http.StatusOK, map[string]any{"status": "webauthn_registered"})
}

// handleIdentity serves GET /v1/identities/{id} and
// POST /v1/identities/{id}/deactivate.
func (a *API) handleIdentity(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/identities/")
	if rest == "" || strings.Contains(strings.TrimSuffix(rest, "/deactivate"), "/") {
		http.NotFound(w, r)
		return
	}

	if id, ok := strings.CutSuffix(rest, "/deactivate"); ok {
		a.deactivateIdentity(w, r, id)
		return
	}
	a.getIdentity(w, r, rest)
}

func (a *API) getIdentity(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, err := requirePermission(r, auth.PermIdentitiesRead); err != nil {
		writeAuthError(w, r, err)
		return
	}
	identity, err := a.store.Identities(r.Context()).Find(r.Context(), id)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          identity.ID,
		"email":       identity.Email,
		"role":        identity.Role,
		"status":      identity.Status,
		"mfa_enabled": identity.MFAEnabled,
		"created_at":  identity.CreatedAt,
	})
}

// deactivateIdentity disables the identity and revokes its outstanding
// refresh tokens; issued access tokens die at their natural expiry.
func (a *API) deactivateIdentity(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if _, err := requirePermission(r, auth.PermIdentitiesManage); err != nil {
		writeAuthError(w, r, err)
		return
	}
	if err := a.store.Identities(r.Context()).Deactivate(r.Context(), id); err != nil {
		writeAuthError(w, r, err)
		return
	}
	if err := a.store.RefreshTokens(r.Context()).RevokeByIdentity(r.Context(), id); err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventDeactivated,
		zap.String("target_identity_id", id),
	)
	writeJSON(w, http.StatusOK, map[string]any{"status": "deactivated"})
}
