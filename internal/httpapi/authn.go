package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"previewdicom.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	refreshCookieName = "refresh_token"
	csrfCookieName    = "csrf_token"
	csrfHeaderName    = "X-CSRF-Token"
)

var publicPaths = []string{
	"/auth/login",
	"/auth/refresh",
	"/auth/logout",
	"/healthz",
	"/readyz",
	"/metrics",
	"/",
}

type userCtxKey struct{}

func contextWithUser(ctx context.Context, u *auth.User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// userFromContext returns the authenticated user set by withAuth.
func userFromContext(ctx context.Context) (*auth.User, bool) {
	u, ok := ctx.Value(userCtxKey{}).(*auth.User)
	return u, ok
}

// withAuth resolves the bearer token on every non-public route and stores
// the authenticated user on the context.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := extractBearerToken(r.Header.Get(authHeader))
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "MISSING_TOKEN", "authentication required")
			return
		}
		user, err := a.auth.Authenticate(r.Context(), token)
		if err != nil {
			handleError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithUser(r.Context(), user)))
	})
}

// requireCSRF runs the double-submit check for state-changing cookie-based
// requests. Both refresh and logout carry it.
func (a *API) requireCSRF(w http.ResponseWriter, r *http.Request) bool {
	cookie, err := r.Cookie(csrfCookieName)
	cookieToken := ""
	if err == nil {
		cookieToken = cookie.Value
	}
	if !auth.ValidCSRF(cookieToken, r.Header.Get(csrfHeaderName)) {
		writeError(w, r, http.StatusForbidden, "CSRF_ERROR", "missing or mismatched CSRF token")
		return false
	}
	return true
}

func (a *API) requireCapability(w http.ResponseWriter, r *http.Request, capability auth.Capability) (*auth.User, bool) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "MISSING_TOKEN", "authentication required")
		return nil, false
	}
	if err := a.auth.RequireCapability(r.Context(), user, capability); err != nil {
		handleError(w, r, err)
		return nil, false
	}
	return user, true
}

func (a *API) requireAdmin(w http.ResponseWriter, r *http.Request) (*auth.User, bool) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "MISSING_TOKEN", "authentication required")
		return nil, false
	}
	if err := a.auth.RequireAdmin(user); err != nil {
		handleError(w, r, err)
		return nil, false
	}
	return user, true
}

func extractBearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) <= len(bearer) {
		return "", false
	}
	if !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearer):])
	return token, token != ""
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

func clientMeta(r *http.Request) auth.ClientMeta {
	return auth.ClientMeta{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// recordAudit writes one trail entry for a mutating request.
func (a *API) recordAudit(r *http.Request, actor *auth.User, action, resourceType string, resourceID int64) {
	if a.audit == nil || actor == nil {
		return
	}
	a.audit.Record(r.Context(), actor.ID, action, resourceType,
		strconv.FormatInt(resourceID, 10), "", clientMeta(r))
}
