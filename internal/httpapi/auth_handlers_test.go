package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"previewdicom.org/internal/auth"
)

func TestLoginSetsAuthCookies(t *testing.T) {
	e := newTestEnv(t)
	seedAccount(t, e, "ada@example.com", "S3cret!pass", auth.RoleUser, nil)

	session := e.login(t, "ada@example.com", "S3cret!pass")
	assert.NotEmpty(t, session.access)

	// Refresh cookie is invisible to scripts; the CSRF cookie must stay
	// readable so the client can echo it in the header.
	assert.True(t, session.refresh.HttpOnly)
	assert.False(t, session.csrfCookie.HttpOnly)
	assert.Equal(t, "/", session.refresh.Path)
	assert.Equal(t, 24*60*60, session.refresh.MaxAge)

	// Double-submit pair: the body token matches the cookie.
	assert.Equal(t, session.csrf, session.csrfCookie.Value)
	assert.NotEmpty(t, session.csrf)
}

func TestLoginResponseShape(t *testing.T) {
	e := newTestEnv(t)
	u := seedAccount(t, e, "ada@example.com", "S3cret!pass", auth.RoleUser, nil)

	rr := e.do(httptest.NewRequest(http.MethodPost, "/auth/login",
		jsonBody(t, map[string]string{"email": "Ada@Example.com", "password": "S3cret!pass"})))
	require.Equal(t, http.StatusOK, rr.Code)

	body := decodeBody(t, rr)
	assert.Equal(t, "bearer", body["token_type"])
	user, ok := body["user"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, u.ID, user["id"])
	// The password hash must never serialize.
	assert.NotContains(t, rr.Body.String(), u.HashedPassword)
}

func TestLoginBadPassword(t *testing.T) {
	e := newTestEnv(t)
	seedAccount(t, e, "ada@example.com", "S3cret!pass", auth.RoleUser, nil)

	rr := e.do(httptest.NewRequest(http.MethodPost, "/auth/login",
		jsonBody(t, map[string]string{"email": "ada@example.com", "password": "wrong"})))
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "INVALID_CREDENTIALS", decodeBody(t, rr)["error_code"])
	assert.Empty(t, rr.Result().Cookies())
}

func TestLoginUnknownEmailSameError(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(httptest.NewRequest(http.MethodPost, "/auth/login",
		jsonBody(t, map[string]string{"email": "nobody@example.com", "password": "whatever"})))
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "INVALID_CREDENTIALS", decodeBody(t, rr)["error_code"])
}

func TestLoginRequiresBothFields(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(httptest.NewRequest(http.MethodPost, "/auth/login",
		jsonBody(t, map[string]string{"email": "ada@example.com"})))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeBody(t, rr)["error_code"])
}

func refreshRequest(session loginResult, withCSRFHeader bool) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.AddCookie(session.refresh)
	req.AddCookie(session.csrfCookie)
	if withCSRFHeader {
		req.Header.Set(csrfHeaderName, session.csrf)
	}
	return req
}

func TestRefreshIssuesNewAccessToken(t *testing.T) {
	e := newTestEnv(t)
	seedAccount(t, e, "ada@example.com", "S3cret!pass", auth.RoleUser, nil)
	session := e.login(t, "ada@example.com", "S3cret!pass")

	rr := e.do(refreshRequest(session, true))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	body := decodeBody(t, rr)
	access, _ := body["access_token"].(string)
	assert.NotEmpty(t, access)
	assert.Equal(t, "bearer", body["token_type"])

	// The fresh token is usable straight away.
	list := e.do(authed(httptest.NewRequest(http.MethodGet, "/patients", nil), access))
	assert.Equal(t, http.StatusOK, list.Code)
}

func TestRefreshWithoutCSRFHeader(t *testing.T) {
	e := newTestEnv(t)
	seedAccount(t, e, "ada@example.com", "S3cret!pass", auth.RoleUser, nil)
	session := e.login(t, "ada@example.com", "S3cret!pass")

	rr := e.do(refreshRequest(session, false))
	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "CSRF_ERROR", decodeBody(t, rr)["error_code"])
}

func TestRefreshWithMismatchedCSRF(t *testing.T) {
	e := newTestEnv(t)
	seedAccount(t, e, "ada@example.com", "S3cret!pass", auth.RoleUser, nil)
	session := e.login(t, "ada@example.com", "S3cret!pass")

	req := refreshRequest(session, false)
	req.Header.Set(csrfHeaderName, "forged-token")
	rr := e.do(req)
	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "CSRF_ERROR", decodeBody(t, rr)["error_code"])
}

func TestRefreshWithoutCookie(t *testing.T) {
	e := newTestEnv(t)
	seedAccount(t, e, "ada@example.com", "S3cret!pass", auth.RoleUser, nil)
	session := e.login(t, "ada@example.com", "S3cret!pass")

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.AddCookie(session.csrfCookie)
	req.Header.Set(csrfHeaderName, session.csrf)
	rr := e.do(req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "MISSING_TOKEN", decodeBody(t, rr)["error_code"])
}

func TestRefreshRejectsAccessTokenInCookie(t *testing.T) {
	e := newTestEnv(t)
	seedAccount(t, e, "ada@example.com", "S3cret!pass", auth.RoleUser, nil)
	session := e.login(t, "ada@example.com", "S3cret!pass")

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: refreshCookieName, Value: session.access})
	req.AddCookie(session.csrfCookie)
	req.Header.Set(csrfHeaderName, session.csrf)
	rr := e.do(req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "INVALID_TYPE", decodeBody(t, rr)["error_code"])
}

func logoutRequest(session loginResult) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(session.refresh)
	req.AddCookie(session.csrfCookie)
	req.Header.Set(csrfHeaderName, session.csrf)
	return req
}

func TestLogoutClearsCookiesAndRevokesRefresh(t *testing.T) {
	e := newTestEnv(t)
	seedAccount(t, e, "ada@example.com", "S3cret!pass", auth.RoleUser, nil)
	session := e.login(t, "ada@example.com", "S3cret!pass")

	rr := e.do(logoutRequest(session))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	cleared := map[string]bool{}
	for _, c := range rr.Result().Cookies() {
		if c.MaxAge < 0 && c.Value == "" {
			cleared[c.Name] = true
		}
	}
	assert.True(t, cleared[refreshCookieName])
	assert.True(t, cleared[csrfCookieName])

	// The revoked refresh token can no longer mint access tokens.
	refresh := e.do(refreshRequest(session, true))
	require.Equal(t, http.StatusUnauthorized, refresh.Code)
	assert.Equal(t, "REVOKED", decodeBody(t, refresh)["error_code"])
}

func TestLogoutRequiresCSRF(t *testing.T) {
	e := newTestEnv(t)
	seedAccount(t, e, "ada@example.com", "S3cret!pass", auth.RoleUser, nil)
	session := e.login(t, "ada@example.com", "S3cret!pass")

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(session.refresh)
	req.AddCookie(session.csrfCookie)
	rr := e.do(req)
	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "CSRF_ERROR", decodeBody(t, rr)["error_code"])
}

func TestLogoutRevokesPresentedAccessToken(t *testing.T) {
	e := newTestEnv(t)
	seedAccount(t, e, "ada@example.com", "S3cret!pass", auth.RoleUser, nil)
	session := e.login(t, "ada@example.com", "S3cret!pass")

	rr := e.do(authed(logoutRequest(session), session.access))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	after := e.do(authed(httptest.NewRequest(http.MethodGet, "/patients", nil), session.access))
	require.Equal(t, http.StatusUnauthorized, after.Code)
	assert.Equal(t, "REVOKED", decodeBody(t, after)["error_code"])
}

func TestLogoutToleratesMissingRefreshCookie(t *testing.T) {
	e := newTestEnv(t)
	seedAccount(t, e, "ada@example.com", "S3cret!pass", auth.RoleUser, nil)
	session := e.login(t, "ada@example.com", "S3cret!pass")

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(session.csrfCookie)
	req.Header.Set(csrfHeaderName, session.csrf)
	rr := e.do(req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "logged out", decodeBody(t, rr)["detail"])
}

func TestLoginRejectsNonPost(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, http.MethodPost, rr.Header().Get("Allow"))
}
