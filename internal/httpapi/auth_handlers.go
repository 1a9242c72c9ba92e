package httpapi

import (
	"net/http"
	"strings"

	"previewdicom.org/internal/auth"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string     `json:"access_token"`
	TokenType   string     `json:"token_type"`
	CSRFToken   string     `json:"csrf_token"`
	User        *auth.User `json:"user"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" {
		badRequest(w, r, "email and password are required")
		return
	}

	user, pair, err := a.auth.Login(r.Context(), req.Email, req.Password, clientMeta(r))
	if err != nil {
		handleError(w, r, err)
		return
	}

	a.setAuthCookies(w, pair)
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: pair.AccessToken,
		TokenType:   "bearer",
		CSRFToken:   pair.CSRFToken,
		User:        user,
	})
}

type refreshResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.requireCSRF(w, r) {
		return
	}

	cookie, err := r.Cookie(refreshCookieName)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "MISSING_TOKEN", "refresh token cookie missing")
		return
	}

	_, access, err := a.auth.Refresh(r.Context(), cookie.Value, clientMeta(r))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{
		AccessToken: access,
		TokenType:   "bearer",
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.requireCSRF(w, r) {
		return
	}

	// A missing cookie still clears state client-side.
	refreshToken := ""
	if cookie, err := r.Cookie(refreshCookieName); err == nil {
		refreshToken = cookie.Value
	}
	// Revoke the access token too, when one was presented.
	accessToken, _ := extractBearerToken(r.Header.Get(authHeader))
	if err := a.auth.Logout(r.Context(), refreshToken, accessToken, clientMeta(r)); err != nil {
		handleError(w, r, err)
		return
	}

	a.clearAuthCookies(w)
	writeJSON(w, http.StatusOK, map[string]any{"detail": "logged out"})
}

// setAuthCookies sets the refresh cookie (httpOnly, script-invisible) and
// the CSRF cookie (script-readable so the client can echo it in the
// X-CSRF-Token header).
func (a *API) setAuthCookies(w http.ResponseWriter, pair *auth.TokenPair) {
	maxAge := int(a.auth.RefreshTTL().Seconds())
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    pair.RefreshToken,
		Path:     "/",
		Domain:   a.cfg.Cookie.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   a.cfg.Cookie.Secure,
		SameSite: a.sameSite(),
	})
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    pair.CSRFToken,
		Path:     "/",
		Domain:   a.cfg.Cookie.Domain,
		MaxAge:   maxAge,
		HttpOnly: false,
		Secure:   a.cfg.Cookie.Secure,
		SameSite: a.sameSite(),
	})
}

func (a *API) clearAuthCookies(w http.ResponseWriter) {
	for _, name := range []string{refreshCookieName, csrfCookieName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			Domain:   a.cfg.Cookie.Domain,
			MaxAge:   -1,
			HttpOnly: name == refreshCookieName,
			Secure:   a.cfg.Cookie.Secure,
			SameSite: a.sameSite(),
		})
	}
}

func (a *API) sameSite() http.SameSite {
	switch strings.ToLower(a.cfg.Cookie.SameSite) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}
