// Package httpapi is the HTTP surface of the service: routing, middleware,
// cookie handling and the translation of domain errors into responses.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"previewdicom.org/internal/audit"
	"previewdicom.org/internal/auth"
	"previewdicom.org/internal/cache"
	"previewdicom.org/internal/config"
	"previewdicom.org/internal/dicomproc"
	"previewdicom.org/internal/obs"
	"previewdicom.org/internal/patient"
)

// ReadyProbe reports whether downstream dependencies are reachable.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	cfg      *config.Config
	auth     *auth.Service
	audit    *audit.Service
	patients patient.Store
	gateway  dicomproc.Gateway
	importer *dicomproc.Importer
	exporter *dicomproc.Exporter
	stats    *cache.TTLCache
}

// Deps collects the collaborators the API routes to.
type Deps struct {
	Config   *config.Config
	Ready    ReadyProbe
	Auth     *auth.Service
	Audit    *audit.Service
	Patients patient.Store
	Gateway  dicomproc.Gateway
	Importer *dicomproc.Importer
	Exporter *dicomproc.Exporter
	Version  string
}

func New(d Deps) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: d.Ready,
		version:    d.Version,
		cfg:        d.Config,
		auth:       d.Auth,
		audit:      d.Audit,
		patients:   d.Patients,
		gateway:    d.Gateway,
		importer:   d.Importer,
		exporter:   d.Exporter,
		stats:      cache.New(d.Config.Cache.StatsTTL),
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.Handle("/auth/login", a.loginLimiter()(http.HandlerFunc(a.handleLogin)))
	a.mux.HandleFunc("/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/auth/logout", a.handleLogout)

	a.mux.HandleFunc("/users", a.handleUsers)
	a.mux.HandleFunc("/users/me/profile", a.handleOwnProfile)
	a.mux.HandleFunc("/users/", a.handleUserByID)

	a.mux.HandleFunc("/groups", a.handleGroups)
	a.mux.HandleFunc("/groups/", a.handleGroupByID)

	a.mux.HandleFunc("/patients", a.handlePatients)
	a.mux.HandleFunc("/patients/search", a.handlePatientSearch)
	a.mux.HandleFunc("/patients/import", a.handleImport)
	a.mux.HandleFunc("/patients/export", a.handleBulkExport)
	a.mux.HandleFunc("/patients/images/", a.handleInstanceFile)
	a.mux.HandleFunc("/patients/instances/", a.handleInstanceMetadata)
	a.mux.HandleFunc("/patients/", a.handlePatientByID)

	a.mux.HandleFunc("/stats", a.handleStats)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBodyBytes())
	h = CORS(h, a.cfg.HTTP.AllowedOrigins)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// maxBodyBytes leaves headroom above the per-file DICOM limit for multipart
// framing and the record payload.
func (a *API) maxBodyBytes() int64 {
	return a.cfg.Upload.MaxFileBytes*int64(a.cfg.Upload.MaxBatchFiles) + 10<<20
}

func (a *API) loginLimiter() func(http.Handler) http.Handler {
	rl := a.cfg.RateLimit
	return func(next http.Handler) http.Handler {
		return RateLimit(next, rl.Burst, rl.PerSecond)
	}
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "preview-dicom-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}
