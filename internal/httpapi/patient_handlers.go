package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"previewdicom.org/internal/apperr"
	"previewdicom.org/internal/auth"
	"previewdicom.org/internal/dicomproc"
	"previewdicom.org/internal/obs"
	"previewdicom.org/internal/patient"
)

func (a *API) handlePatients(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		patients, err := a.patients.List(r.Context())
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, emptyAsList(patients))
	case http.MethodPost:
		actor, ok := a.requireCapability(w, r, auth.CapabilityEditPatients)
		if !ok {
			return
		}
		a.createPatient(w, r, actor)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

type patientPayload struct {
	ExternalID  string `json:"externalId"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	DateOfBirth string `json:"dob"`
	Condition   string `json:"condition"`
	LastVisit   string `json:"lastVisit"`
	Status      string `json:"status"`
}

func (a *API) createPatient(w http.ResponseWriter, r *http.Request, actor *auth.User) {
	var req patientPayload
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.ExternalID == "" {
		badRequest(w, r, "externalId is required")
		return
	}
	rec := &patient.Patient{
		ExternalID:  req.ExternalID,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		DateOfBirth: req.DateOfBirth,
		Condition:   req.Condition,
		LastVisit:   req.LastVisit,
		Status:      req.Status,
	}
	if err := a.patients.Create(r.Context(), rec); err != nil {
		if errors.Is(err, patient.ErrAlreadyExists) {
			writeError(w, r, http.StatusBadRequest, "DUPLICATE_ID", "a patient with this external id already exists")
			return
		}
		handleError(w, r, err)
		return
	}
	a.recordAudit(r, actor, "CREATE", "patient", rec.ID)
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) handlePatientSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		badRequest(w, r, "query parameter q is required")
		return
	}
	patients, err := a.patients.Search(r.Context(), q)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, emptyAsList(patients))
}

// handlePatientByID dispatches /patients/{id}, /patients/{id}/images and
// /patients/{id}/export.
func (a *API) handlePatientByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/patients/")
	segments := strings.Split(strings.TrimSuffix(rest, "/"), "/")

	id, err := strconv.ParseInt(segments[0], 10, 64)
	if err != nil {
		badRequest(w, r, "invalid patient id in path")
		return
	}

	switch {
	case len(segments) == 1:
		a.patientResource(w, r, id)
	case len(segments) == 2 && segments[1] == "images":
		a.listPatientImages(w, r, id)
	case len(segments) == 2 && segments[1] == "export":
		a.exportPatient(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (a *API) patientResource(w http.ResponseWriter, r *http.Request, id int64) {
	switch r.Method {
	case http.MethodGet:
		rec, err := a.findPatient(r, id)
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case http.MethodPut:
		actor, ok := a.requireCapability(w, r, auth.CapabilityEditPatients)
		if !ok {
			return
		}
		a.updatePatient(w, r, actor, id)
	case http.MethodDelete:
		actor, ok := a.requireCapability(w, r, auth.CapabilityEditPatients)
		if !ok {
			return
		}
		a.deletePatient(w, r, actor, id)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) findPatient(r *http.Request, id int64) (*patient.Patient, error) {
	rec, err := a.patients.Find(r.Context(), id)
	if errors.Is(err, patient.ErrNotFound) {
		return nil, notFoundPatient()
	}
	return rec, err
}

func (a *API) updatePatient(w http.ResponseWriter, r *http.Request, actor *auth.User, id int64) {
	rec, err := a.findPatient(r, id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	var upd patient.Update
	if err := decodeJSON(w, r, &upd); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	upd.Apply(rec)
	if err := a.patients.Update(r.Context(), rec); err != nil {
		handleError(w, r, err)
		return
	}
	a.recordAudit(r, actor, "UPDATE", "patient", id)
	writeJSON(w, http.StatusOK, rec)
}

// deletePatient removes the local record and, when linked, the remote
// patient. A failed remote delete is logged and does not block the local
// delete.
func (a *API) deletePatient(w http.ResponseWriter, r *http.Request, actor *auth.User, id int64) {
	rec, err := a.findPatient(r, id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if rec.OrthancPatientID != "" {
		if err := a.gateway.DeletePatient(r.Context(), rec.OrthancPatientID); err != nil {
			obs.Warn("remote patient delete failed", map[string]any{
				"patient_id": rec.ID,
				"error":      err.Error(),
			})
		}
	}
	if err := a.patients.Delete(r.Context(), id); err != nil {
		handleError(w, r, err)
		return
	}
	a.recordAudit(r, actor, "DELETE", "patient", id)
	writeJSON(w, http.StatusOK, map[string]any{"detail": "patient deleted"})
}

// listPatientImages degrades to an empty list when the gateway is down or
// the record has no remote linkage.
func (a *API) listPatientImages(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.requireCapability(w, r, auth.CapabilityViewImages); !ok {
		return
	}
	rec, err := a.findPatient(r, id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if rec.OrthancPatientID == "" {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	instances, err := a.gateway.ListInstances(r.Context(), rec.OrthancPatientID)
	if err != nil {
		obs.Warn("image listing degraded to empty", map[string]any{
			"patient_id": rec.ID,
			"error":      err.Error(),
		})
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

// handleInstanceFile proxies GET /patients/images/{instanceID} to the
// gateway. A single-file fetch has no degraded form, so gateway failures
// surface.
func (a *API) handleInstanceFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.requireCapability(w, r, auth.CapabilityViewImages); !ok {
		return
	}
	instanceID := strings.TrimPrefix(r.URL.Path, "/patients/images/")
	if instanceID == "" || strings.Contains(instanceID, "/") {
		http.NotFound(w, r)
		return
	}
	data, err := a.gateway.FetchInstance(r.Context(), instanceID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/dicom")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

// handleInstanceMetadata serves GET /patients/instances/{id}/metadata.
func (a *API) handleInstanceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.requireCapability(w, r, auth.CapabilityViewImages); !ok {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/patients/instances/")
	instanceID, found := strings.CutSuffix(rest, "/metadata")
	if !found || instanceID == "" || strings.Contains(instanceID, "/") {
		http.NotFound(w, r)
		return
	}
	meta, err := a.gateway.InstanceMetadata(r.Context(), instanceID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// handleImport accepts a multipart form: a "patient" JSON part plus any
// number of "files" parts carrying raw DICOM bytes.
func (a *API) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.requireCapability(w, r, auth.CapabilityEditPatients)
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		badRequest(w, r, "request is not a valid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	payload, err := importPayloadFromForm(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}

	fileHeaders := r.MultipartForm.File["files"]
	if len(fileHeaders) > a.cfg.Upload.MaxBatchFiles {
		badRequest(w, r, fmt.Sprintf("too many files: limit is %d per import", a.cfg.Upload.MaxBatchFiles))
		return
	}
	files := make([][]byte, 0, len(fileHeaders))
	for _, fh := range fileHeaders {
		data, err := readUpload(fh)
		if err != nil {
			badRequest(w, r, "failed to read uploaded file "+fh.Filename)
			return
		}
		files = append(files, data)
	}

	result, err := a.importer.Import(r.Context(), payload, files)
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.recordAudit(r, actor, "IMPORT", "patient", result.Patient.ID)
	a.stats.Invalidate(statsCacheKey)
	writeJSON(w, http.StatusOK, result)
}

// exportPatient streams a single-patient ZIP archive.
func (a *API) exportPatient(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actor, ok := a.requireCapability(w, r, auth.CapabilityExportData)
	if !ok {
		return
	}

	rec, err := a.findPatient(r, id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.recordAudit(r, actor, "EXPORT", "patient", rec.ID)

	setArchiveHeaders(w, "patient-"+exportName(rec)+".zip")
	if err := a.exporter.ExportRecord(r.Context(), w, rec); err != nil {
		// Headers are out; all we can do is log and cut the stream.
		obs.Error("patient export failed mid-stream", map[string]any{
			"patient_id": id,
			"error":      err.Error(),
		})
	}
}

type bulkExportRequest struct {
	PatientIDs []int64 `json:"patient_ids"`
}

// handleBulkExport streams one archive covering every resolvable patient.
// Ids are resolved up front, once: a fully unresolvable set gets a JSON 404
// instead of a broken stream, and the exporter receives the resolved records
// so a patient deleted after the check cannot fail the archive mid-stream.
func (a *API) handleBulkExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.requireCapability(w, r, auth.CapabilityExportData)
	if !ok {
		return
	}

	var req bulkExportRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if len(req.PatientIDs) == 0 {
		badRequest(w, r, "patient_ids is required")
		return
	}

	var records []*patient.Patient
	for _, id := range req.PatientIDs {
		rec, err := a.patients.Find(r.Context(), id)
		if errors.Is(err, patient.ErrNotFound) {
			continue
		}
		if err != nil {
			handleError(w, r, err)
			return
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		writeError(w, r, http.StatusNotFound, "PATIENTS_NOT_FOUND", "none of the requested patients exist")
		return
	}
	for _, rec := range records {
		a.recordAudit(r, actor, "EXPORT", "patient", rec.ID)
	}

	setArchiveHeaders(w, "patients-export.zip")
	if err := a.exporter.ExportRecords(r.Context(), w, records); err != nil {
		obs.Error("bulk export failed mid-stream", map[string]any{
			"error": err.Error(),
		})
	}
}

func importPayloadFromForm(r *http.Request) (payload dicomproc.ImportPayload, err error) {
	raw := r.FormValue("patient")
	if raw == "" {
		return payload, errors.New("patient part is required")
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return payload, errors.New("patient part is not valid JSON")
	}
	if payload.ExternalID == "" {
		return payload, errors.New("externalId is required")
	}
	return payload, nil
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func setArchiveHeaders(w http.ResponseWriter, filename string) {
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
}

func exportName(rec *patient.Patient) string {
	if rec.ExternalID != "" {
		return rec.ExternalID
	}
	return strconv.FormatInt(rec.ID, 10)
}

func notFoundPatient() error {
	return apperr.NotFound("PATIENT_NOT_FOUND", "patient not found")
}

func emptyAsList(patients []*patient.Patient) []*patient.Patient {
	if patients == nil {
		return []*patient.Patient{}
	}
	return patients
}
