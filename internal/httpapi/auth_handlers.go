package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"authgrid.org/internal/audit"
	"authgrid.org/internal/auth"
	"authgrid.org/internal/obs"
)

// refreshCookieName holds the opaque refresh token. The cookie is HttpOnly
// and scoped to /auth so scripts and unrelated endpoints never see it.
const refreshCookieName = "authgrid_refresh"

func (a *API) setRefreshCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    token,
		Path:     "/auth",
		Expires:  expires,
		HttpOnly: true,
		Secure:   a.opts.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *API) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     "/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.opts.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func refreshTokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(refreshCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return ""
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	identity, err := a.coord.Register(r.Context(), req.Email, req.Password, req.Role)
	if err != nil {
		if errors.Is(err, auth.ErrAlreadyExists) {
			writeAuthError(w, r, err)
			return
		}
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventRegistered,
		zap.String("identity_id", identity.ID),
		zap.String("role", identity.Role),
	)
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":    identity.ID,
		"email": identity.Email,
		"role":  identity.Role,
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.coord.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrAccountLocked):
			obs.CountLogin("locked")
			_ = audit.LogEvent(r.Context(), audit.EventLoginLocked)
		case errors.Is(err, auth.ErrInvalidCredentials):
			obs.CountLogin("invalid")
			_ = audit.LogEvent(r.Context(), audit.EventLoginFailure)
		}
		writeAuthError(w, r, err)
		return
	}

	if res.RequiresMFA {
		obs.CountLogin("mfa_pending")
		_ = audit.LogEvent(r.Context(), audit.EventMFARequired,
			zap.String("identity_id", res.Identity.ID),
			zap.String("mfa_type", string(res.MFAType)),
		)
		writeJSON(w, http.StatusOK, map[string]any{
			"requires_mfa":         true,
			"mfa_type":             string(res.MFAType),
			"challenge_id":         res.ChallengeID,
			"challenge_expires_at": res.ChallengeExpiresAt,
		})
		return
	}

	obs.CountLogin("success")
	_ = audit.LogEvent(r.Context(), audit.EventLoginSuccess,
		zap.String("identity_id", res.Identity.ID),
	)
	a.setRefreshCookie(w, res.Tokens.RefreshToken, res.Tokens.RefreshExpiresAt)
	writeJSON(w, http.StatusOK, map[string]any{
		"requires_mfa": false,
		"access_token": res.Tokens.AccessToken,
		"token_type":   "Bearer",
		"expires_at":   res.Tokens.AccessExpiresAt,
	})
}

type mfaVerifyRequest struct {
	ChallengeID string `json:"challenge_id"`
	Method      string `json:"method"`
	Proof       string `json:"proof"`
}

func (a *API) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req mfaVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ChallengeID) == "" || strings.TrimSpace(req.Proof) == "" {
		writeError(w, r, http.StatusBadRequest, "challenge_id and proof are required")
		return
	}
	method := auth.MFAMethod(strings.ToLower(strings.TrimSpace(req.Method)))
	if method == auth.MFANone {
		method = auth.MFATOTP
	}

	tokens, identity, err := a.coord.VerifyMFA(r.Context(), req.ChallengeID, method, req.Proof)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrChallengeExpired):
			obs.CountMFAVerification("expired")
		case errors.Is(err, auth.ErrAccountLocked):
			obs.CountMFAVerification("locked")
		case errors.Is(err, auth.ErrInvalidMFAProof):
			obs.CountMFAVerification("invalid")
			_ = audit.LogEvent(r.Context(), audit.EventMFAFailure)
		}
		writeAuthError(w, r, err)
		return
	}

	obs.CountMFAVerification("success")
	_ = audit.LogEvent(r.Context(), audit.EventMFASuccess,
		zap.String("identity_id", identity.ID),
		zap.String("method", string(method)),
	)
	a.setRefreshCookie(w, tokens.RefreshToken, tokens.RefreshExpiresAt)
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": tokens.AccessToken,
		"token_type":   "Bearer",
		"expires_at":   tokens.AccessExpiresAt,
		"identity": map[string]any{
			"id":          identity.ID,
			"email":       identity.Email,
			"role":        identity.Role,
			"status":      identity.Status,
			"mfa_enabled": identity.MFAEnabled,
			"mfa_type":    string(identity.MFAMethod),
		},
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	raw := refreshTokenFromRequest(r)
	if raw == "" {
		obs.CountRefresh("invalid")
		writeAuthError(w, r, auth.ErrInvalidRefreshToken)
		return
	}

	tokens, identity, err := a.coord.Refresh(r.Context(), raw)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrRefreshReuse):
			obs.CountRefresh("reuse")
			_ = audit.LogEvent(r.Context(), audit.EventRefreshReuse)
			a.clearRefreshCookie(w)
		case errors.Is(err, auth.ErrInvalidRefreshToken):
			obs.CountRefresh("invalid")
			_ = audit.LogEvent(r.Context(), audit.EventRefreshFailure)
			a.clearRefreshCookie(w)
		}
		writeAuthError(w, r, err)
		return
	}

	obs.CountRefresh("success")
	_ = audit.LogEvent(r.Context(), audit.EventRefreshSuccess,
		zap.String("identity_id", identity.ID),
	)
	a.setRefreshCookie(w, tokens.RefreshToken, tokens.RefreshExpiresAt)
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": tokens.AccessToken,
		"token_type":   "Bearer",
		"expires_at":   tokens.AccessExpiresAt,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	accessToken, _ := extractBearerToken(r.Header.Get(authHeader))
	refreshToken := refreshTokenFromRequest(r)

	if err := a.coord.Logout(r.Context(), accessToken, refreshToken); err != nil {
		writeAuthError(w, r, err)
		return
	}
	if accessToken != "" {
		obs.CountRevocation()
	}
	_ = audit.LogEvent(r.Context(), audit.EventLogout)
	a.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}
