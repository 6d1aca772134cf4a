package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"authgrid.org/internal/auth"
	"authgrid.org/internal/obs"
)

// ReadyProbe reports whether the backing store can serve traffic.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options configures the HTTP layer.
type Options struct {
	Version        string
	CookieSecure   bool
	CORSOrigin     string
	RateLimitRPS   float64
	RateLimitBurst int
}

// API is the HTTP surface over the session coordinator.
type API struct {
	mux        *http.ServeMux
	coord      *auth.Coordinator
	authorizer *auth.Authorizer
	store      auth.Store
	keyring    *auth.Keyring
	readyProbe ReadyProbe
	opts       Options
}

// New wires routes onto a fresh mux.
func New(coord *auth.Coordinator, authorizer *auth.Authorizer, store auth.Store, keyring *auth.Keyring, rp ReadyProbe, opts Options) *API {
	a := &API{
		mux:        http.NewServeMux(),
		coord:      coord,
		authorizer: authorizer,
		store:      store,
		keyring:    keyring,
		readyProbe: rp,
		opts:       opts,
	}

	a.mux.HandleFunc("/healthz", a.handleHealthz)
	a.mux.HandleFunc("/readyz", a.handleReady)
	a.mux.Handle("/metrics", obs.Handler())
	a.mux.HandleFunc("/.well-known/jwks.json", a.handleJWKS)

	a.mux.HandleFunc("/auth/register", a.handleRegister)
	a.mux.HandleFunc("/auth/login", a.handleLogin)
	a.mux.HandleFunc("/auth/mfa/verify", a.handleMFAVerify)
	a.mux.HandleFunc("/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/auth/logout", a.handleLogout)

	a.mux.HandleFunc("/v1/me", a.handleMe)
	a.mux.HandleFunc("/v1/me/password", a.handleChangePassword)
	a.mux.HandleFunc("/v1/me/mfa/totp", a.handleEnrollTOTP)
	a.mux.HandleFunc("/v1/me/mfa/webauthn", a.handleRegisterWebAuthn)
	a.mux.HandleFunc("/v1/identities/", a.handleIdentity)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler assembles the middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = RateLimit(h, a.opts.RateLimitBurst, a.opts.RateLimitRPS)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h, a.opts.CORSOrigin)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "authgrid",
		"version": a.opts.Version,
	})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	body, err := a.keyring.JWKS()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "jwks rendering failed")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{"error": msg}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeAuthError maps the error taxonomy onto HTTP statuses with a stable
// machine-readable code.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		status  int
		code    string
		message string
	)
	var locked *auth.LockedError
	switch {
	case errors.As(err, &locked):
		status, code, message = http.StatusLocked, "ACCOUNT_LOCKED", "account temporarily locked"
		retry := int(locked.RetryAfter.Round(time.Second).Seconds())
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
	case errors.Is(err, auth.ErrAccountLocked):
		status, code, message = http.StatusLocked, "ACCOUNT_LOCKED", "account temporarily locked"
	case errors.Is(err, auth.ErrInvalidCredentials):
		status, code, message = http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials"
	case errors.Is(err, auth.ErrInvalidMFAProof):
		status, code, message = http.StatusBadRequest, "INVALID_MFA_PROOF", "invalid mfa proof"
	case errors.Is(err, auth.ErrChallengeExpired):
		status, code, message = http.StatusGone, "MFA_CHALLENGE_EXPIRED", "mfa challenge expired"
	case errors.Is(err, auth.ErrInvalidRefreshToken):
		status, code, message = http.StatusUnauthorized, "INVALID_REFRESH_TOKEN", "invalid or expired refresh token"
	case errors.Is(err, auth.ErrTokenRevoked):
		status, code, message = http.StatusUnauthorized, "TOKEN_REVOKED", "token revoked"
	case errors.Is(err, auth.ErrUnauthenticated):
		status, code, message = http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required"
	case errors.Is(err, auth.ErrForbidden):
		status, code, message = http.StatusForbidden, "FORBIDDEN", "insufficient permissions"
	case errors.Is(err, auth.ErrNotFound):
		status, code, message = http.StatusNotFound, "NOT_FOUND", "not found"
	case errors.Is(err, auth.ErrAlreadyExists):
		status, code, message = http.StatusConflict, "ALREADY_EXISTS", "already exists"
	case errors.Is(err, auth.ErrInvalidInput):
		status, code, message = http.StatusBadRequest, "INVALID_INPUT", err.Error()
	case errors.Is(err, auth.ErrUnavailable):
		status, code, message = http.StatusServiceUnavailable, "UNAVAILABLE", "service temporarily unavailable"
	default:
		status, code, message = http.StatusInternalServerError, "INTERNAL", "internal error"
	}
	payload := map[string]any{"error": message, "code": code}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
