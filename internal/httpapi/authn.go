package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"authgrid.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/",
	"/healthz",
	"/readyz",
	"/metrics",
	"/.well-known/jwks.json",
}

var publicPrefixes = []string{
	"/auth/",
}

// withAuth authenticates bearer tokens on every non-public path and attaches
// the principal and raw token to the request context. Permission checks stay
// in the handlers; this middleware only establishes identity.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeAuthError(w, r, auth.ErrUnauthenticated)
			return
		}

		principal, err := a.authorizer.Authorize(r.Context(), token, "")
		if err != nil {
			writeAuthError(w, r, err)
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermission checks the principal's snapshot; the handler never
// re-resolves the role graph.
func requirePermission(r *http.Request, perm string) (auth.Principal, error) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return auth.Principal{}, auth.ErrUnauthenticated
	}
	if perm != "" && !principal.HasPermission(perm) {
		return auth.Principal{}, auth.ErrForbidden
	}
	return principal, nil
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
