package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"previewdicom.org/internal/audit"
	"previewdicom.org/internal/auth"
	"previewdicom.org/internal/config"
	"previewdicom.org/internal/dicomproc"
	"previewdicom.org/internal/orthanc"
	"previewdicom.org/internal/patient"
)

// stubGateway is an in-memory imaging gateway for handler tests.
type stubGateway struct {
	instances map[string][]orthanc.Instance
	metadata  map[string]*orthanc.Instance
	files     map[string][]byte
	listErr   error
	deleted   []string
}

func newStubGateway() *stubGateway {
	return &stubGateway{
		instances: make(map[string][]orthanc.Instance),
		metadata:  make(map[string]*orthanc.Instance),
		files:     make(map[string][]byte),
	}
}

func (g *stubGateway) Upload(context.Context, []byte) (*orthanc.UploadResult, error) {
	return &orthanc.UploadResult{ID: "inst-1", ParentPatient: "orthanc-p1", ParentStudy: "1.2.3"}, nil
}

func (g *stubGateway) ListInstances(_ context.Context, orthancPatientID string) ([]orthanc.Instance, error) {
	if g.listErr != nil {
		return nil, g.listErr
	}
	return g.instances[orthancPatientID], nil
}

func (g *stubGateway) InstanceMetadata(_ context.Context, id string) (*orthanc.Instance, error) {
	if meta, ok := g.metadata[id]; ok {
		return meta, nil
	}
	return nil, errors.New("no metadata")
}

func (g *stubGateway) FetchInstance(_ context.Context, id string) ([]byte, error) {
	if data, ok := g.files[id]; ok {
		return data, nil
	}
	return nil, errors.New("no file")
}

func (g *stubGateway) DeletePatient(_ context.Context, id string) error {
	g.deleted = append(g.deleted, id)
	return nil
}

type testEnv struct {
	handler  http.Handler
	store    *auth.MemoryStore
	patients *patient.MemoryStore
	gw       *stubGateway
	svc      *auth.Service
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWith(t, nil)
}

func newTestEnvWith(t *testing.T, adjust func(*config.Config)) *testEnv {
	t.Helper()
	cfg := &config.Config{
		Env: "dev",
		HTTP: config.HTTP{
			AllowedOrigins: []string{"http://localhost:4173"},
		},
		JWT: config.JWT{
			Secret:     "unit-test-secret",
			Issuer:     "previewdicom",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 24 * time.Hour,
		},
		Cookie:    config.Cookie{SameSite: "lax"},
		Upload:    config.Upload{MaxFileBytes: 1 << 20, MaxBatchFiles: 3},
		Cache:     config.Cache{StatsTTL: time.Minute},
		RateLimit: config.RateLimit{PerSecond: 100, Burst: 100},
	}
	if adjust != nil {
		adjust(cfg)
	}

	store := auth.NewMemoryStore()
	patients := patient.NewMemoryStore()
	gw := newStubGateway()
	auditStore := audit.NewMemoryStore()
	tokens := auth.NewTokenManager(cfg.JWT.Secret, cfg.JWT.Issuer)
	svc := auth.NewService(store, tokens, audit.NewService(auditStore), cfg.JWT.AccessTTL, cfg.JWT.RefreshTTL)

	api := New(Deps{
		Config:   cfg,
		Auth:     svc,
		Audit:    audit.NewService(auditStore),
		Patients: patients,
		Gateway:  gw,
		Importer: dicomproc.NewImporter(patients, gw, dicomproc.Validator{MaxBytes: cfg.Upload.MaxFileBytes}),
		Exporter: dicomproc.NewExporter(gw),
		Version:  "test",
	})
	return &testEnv{
		handler:  api.Handler(),
		store:    store,
		patients: patients,
		gw:       gw,
		svc:      svc,
	}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(data)
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), "body: %s", rr.Body.String())
	return out
}

func seedGroup(t *testing.T, e *testEnv, g auth.Group) *auth.Group {
	t.Helper()
	require.NoError(t, e.store.Groups(context.Background()).Create(context.Background(), &g))
	return &g
}

func seedAccount(t *testing.T, e *testEnv, email, password, role string, groupID *int64) *auth.User {
	t.Helper()
	hash, err := auth.HashPassword(password)
	require.NoError(t, err)
	u := &auth.User{
		Email:          email,
		FullName:       "Test Account",
		HashedPassword: hash,
		Role:           role,
		Status:         auth.StatusActive,
		GroupID:        groupID,
	}
	require.NoError(t, e.store.Users(context.Background()).Create(context.Background(), u))
	return u
}

type loginResult struct {
	access     string
	csrf       string
	refresh    *http.Cookie
	csrfCookie *http.Cookie
}

func (e *testEnv) login(t *testing.T, email, password string) loginResult {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/auth/login",
		jsonBody(t, map[string]string{"email": email, "password": password}))
	rr := e.do(req)
	require.Equal(t, http.StatusOK, rr.Code, "login failed: %s", rr.Body.String())

	var resp struct {
		AccessToken string `json:"access_token"`
		CSRFToken   string `json:"csrf_token"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	res := loginResult{access: resp.AccessToken, csrf: resp.CSRFToken}
	for _, c := range rr.Result().Cookies() {
		switch c.Name {
		case refreshCookieName:
			res.refresh = c
		case csrfCookieName:
			res.csrfCookie = c
		}
	}
	require.NotNil(t, res.refresh)
	require.NotNil(t, res.csrfCookie)
	return res
}

func authed(req *http.Request, access string) *http.Request {
	req.Header.Set(authHeader, bearer+access)
	return req
}

func TestHealthzIsPublic(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestReadyzWithoutDatabase(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ready", decodeBody(t, rr)["status"])
}

func TestProtectedRouteRequiresToken(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(httptest.NewRequest(http.MethodGet, "/patients", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "MISSING_TOKEN", decodeBody(t, rr)["error_code"])
}

func TestErrorPayloadCarriesRequestID(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(httptest.NewRequest(http.MethodGet, "/patients", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	body := decodeBody(t, rr)
	assert.NotEmpty(t, body["error_code"])
	assert.NotEmpty(t, body["detail"])
	rid, _ := body["request_id"].(string)
	assert.NotEmpty(t, rid)
	assert.Equal(t, rid, rr.Header().Get("X-Request-Id"))
}

func TestMalformedBearerHeaderRejected(t *testing.T) {
	e := newTestEnv(t)
	for _, header := range []string{"Bearer", "Bearer ", "Token abc", "garbage"} {
		req := httptest.NewRequest(http.MethodGet, "/patients", nil)
		req.Header.Set(authHeader, header)
		rr := e.do(req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, "header %q", header)
	}
}

func TestGarbageTokenRejected(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/patients", nil)
	req.Header.Set(authHeader, bearer+"not.a.jwt")
	rr := e.do(req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "AUTH_ERROR", decodeBody(t, rr)["error_code"])
}

func TestCORSPreflightAllowsConfiguredOrigin(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/patients", nil)
	req.Header.Set("Origin", "http://localhost:4173")
	rr := e.do(req)

	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "http://localhost:4173", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Headers"), csrfHeaderName)
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/patients", nil)
	req.Header.Set("Origin", "http://evil.example")
	rr := e.do(req)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestSecurityHeadersSet(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
}

func TestUnknownPathIs404(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(httptest.NewRequest(http.MethodGet, "/no-such-route", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestLoginRateLimited(t *testing.T) {
	e := newTestEnvWith(t, func(cfg *config.Config) {
		cfg.RateLimit = config.RateLimit{PerSecond: 1, Burst: 1}
	})

	body := map[string]string{"email": "nobody@example.com", "password": "wrong"}
	first := e.do(httptest.NewRequest(http.MethodPost, "/auth/login", jsonBody(t, body)))
	assert.Equal(t, http.StatusUnauthorized, first.Code)

	second := e.do(httptest.NewRequest(http.MethodPost, "/auth/login", jsonBody(t, body)))
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "RATE_LIMITED", decodeBody(t, second)["error_code"])
}

func TestStatsAggregates(t *testing.T) {
	e := newTestEnv(t)
	seedAccount(t, e, "admin@example.com", "Admin123!", auth.RoleAdmin, nil)

	require.NoError(t, e.patients.Create(context.Background(), &patient.Patient{ExternalID: "ext-1"}))
	require.NoError(t, e.patients.Create(context.Background(), &patient.Patient{ExternalID: "ext-2"}))

	session := e.login(t, "admin@example.com", "Admin123!")
	rr := e.do(authed(httptest.NewRequest(http.MethodGet, "/stats", nil), session.access))
	require.Equal(t, http.StatusOK, rr.Code)

	body := decodeBody(t, rr)
	assert.EqualValues(t, 2, body["totalPatients"])
	assert.EqualValues(t, 1, body["activeUsers"])
	byStatus, ok := body["patientsByStatus"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, byStatus[patient.StatusPending])
}
