package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"previewdicom.org/internal/audit"
	"previewdicom.org/internal/auth"
	"previewdicom.org/internal/config"
	"previewdicom.org/internal/dicomproc"
	"previewdicom.org/internal/httpapi"
	"previewdicom.org/internal/migrate"
	"previewdicom.org/internal/obs"
	"previewdicom.org/internal/orthanc"
	"previewdicom.org/internal/patient"
	"previewdicom.org/internal/store/pg"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := pg.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := migrate.Up(ctx, db); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	authStore := auth.NewPGStore(db)
	patientStore := patient.NewPGStore(db)
	auditStore := audit.NewPGStore(db)
	auditSvc := audit.NewService(auditStore)
	tokens := auth.NewTokenManager(cfg.JWT.Secret, cfg.JWT.Issuer)
	authSvc := auth.NewService(authStore, tokens, auditSvc, cfg.JWT.AccessTTL, cfg.JWT.RefreshTTL)

	gateway := orthanc.NewClient(cfg.Orthanc.URL, cfg.Orthanc.Username, cfg.Orthanc.Password,
		orthanc.WithTimeout(cfg.Orthanc.Timeout))
	validator := dicomproc.Validator{MaxBytes: cfg.Upload.MaxFileBytes}
	importer := dicomproc.NewImporter(patientStore, gateway, validator)
	exporter := dicomproc.NewExporter(gateway)

	if err := seedInitialData(ctx, authStore, patientStore); err != nil {
		log.Fatalf("seed: %v", err)
	}

	pruneCtx, stopPrune := context.WithCancel(ctx)
	defer stopPrune()
	go pruneLoop(pruneCtx, authSvc)

	api := httpapi.New(httpapi.Deps{
		Config:   cfg,
		Ready:    httpapi.ReadyProbe{DB: db},
		Auth:     authSvc,
		Audit:    auditSvc,
		Patients: patientStore,
		Gateway:  gateway,
		Importer: importer,
		Exporter: exporter,
		Version:  version,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting preview-dicom-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	log.Println("Stopped")
}

// pruneLoop clears expired revocation-ledger rows every hour for the life of
// the process.
func pruneLoop(ctx context.Context, svc *auth.Service) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.PruneExpired(ctx)
			if err != nil {
				obs.Error("revocation ledger prune failed", map[string]any{"error": err.Error()})
				continue
			}
			if n > 0 {
				obs.Info("pruned expired revoked tokens", map[string]any{"count": n})
			}
		}
	}
}
