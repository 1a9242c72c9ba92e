package dicomproc

import (
	"context"
	"errors"
	"fmt"

	"previewdicom.org/internal/apperr"
	"previewdicom.org/internal/obs"
	"previewdicom.org/internal/orthanc"
	"previewdicom.org/internal/patient"
)

// Gateway is the slice of the imaging server the pipelines consume.
type Gateway interface {
	Upload(ctx context.Context, dicomBytes []byte) (*orthanc.UploadResult, error)
	ListInstances(ctx context.Context, orthancPatientID string) ([]orthanc.Instance, error)
	InstanceMetadata(ctx context.Context, instanceID string) (*orthanc.Instance, error)
	FetchInstance(ctx context.Context, instanceID string) ([]byte, error)
	DeletePatient(ctx context.Context, orthancPatientID string) error
}

// ImportPayload is the patient record submitted alongside the files,
// create-or-update keyed by ExternalID.
type ImportPayload struct {
	ExternalID  string `json:"externalId"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	DateOfBirth string `json:"dob"`
	Condition   string `json:"condition"`
	LastVisit   string `json:"lastVisit"`
}

// ImportResult summarizes one import run.
type ImportResult struct {
	Patient       *patient.Patient `json:"patient"`
	Created       bool             `json:"created"`
	UploadedCount int              `json:"uploadedCount"`
	InstanceIDs   []string         `json:"instanceIds"`
}

// Importer runs the import pipeline: validate each file, rewrite its patient
// identity, upload it, then record the remote linkage from the first
// successful upload.
type Importer struct {
	patients patient.Store
	gateway  Gateway
	validate func(data []byte) error
	rewrite  func(data []byte, patientID, patientName string) []byte
}

func NewImporter(patients patient.Store, gateway Gateway, validator Validator) *Importer {
	return &Importer{
		patients: patients,
		gateway:  gateway,
		validate: validator.Validate,
		rewrite:  RewriteIdentity,
	}
}

// Import processes the payload and files. A newly created patient record is
// rolled back when any file fails; a pre-existing record is left as updated.
// Files are processed in the given order and the first successful upload
// determines the patient's remote linkage.
func (im *Importer) Import(ctx context.Context, payload ImportPayload, files [][]byte) (*ImportResult, error) {
	if payload.ExternalID == "" {
		return nil, apperr.Validation("VALIDATION_ERROR", "externalId is required")
	}

	rec, created, err := im.upsertRecord(ctx, payload)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{Patient: rec, Created: created}
	var firstUpload *orthanc.UploadResult

	for i, data := range files {
		upload, err := im.processFile(ctx, rec, data)
		if err != nil {
			im.rollback(ctx, rec, created)
			return nil, wrapFileError(i, err)
		}
		result.UploadedCount++
		result.InstanceIDs = append(result.InstanceIDs, upload.ID)
		if firstUpload == nil {
			firstUpload = upload
		}
	}

	if firstUpload != nil && rec.OrthancPatientID == "" {
		if err := im.patients.SetDicomLink(ctx, rec.ID, firstUpload.ParentPatient, firstUpload.ParentStudy); err != nil {
			im.rollback(ctx, rec, created)
			return nil, apperr.Internal("recording imaging linkage", err)
		}
		rec.OrthancPatientID = firstUpload.ParentPatient
		rec.DicomStudyUID = firstUpload.ParentStudy
	}
	return result, nil
}

func (im *Importer) upsertRecord(ctx context.Context, payload ImportPayload) (*patient.Patient, bool, error) {
	rec, err := im.patients.FindByExternalID(ctx, payload.ExternalID)
	if err == nil {
		upd := patient.Update{
			FirstName:   &payload.FirstName,
			LastName:    &payload.LastName,
			DateOfBirth: &payload.DateOfBirth,
			Condition:   &payload.Condition,
			LastVisit:   &payload.LastVisit,
		}
		upd.Apply(rec)
		if err := im.patients.Update(ctx, rec); err != nil {
			return nil, false, apperr.Internal("updating patient record", err)
		}
		return rec, false, nil
	}
	if !errors.Is(err, patient.ErrNotFound) {
		return nil, false, apperr.Internal("looking up patient record", err)
	}

	rec = &patient.Patient{
		ExternalID:  payload.ExternalID,
		FirstName:   payload.FirstName,
		LastName:    payload.LastName,
		DateOfBirth: payload.DateOfBirth,
		Condition:   payload.Condition,
		LastVisit:   payload.LastVisit,
	}
	if err := im.patients.Create(ctx, rec); err != nil {
		if errors.Is(err, patient.ErrAlreadyExists) {
			return nil, false, apperr.Validation("DUPLICATE_ID", "a patient with this external id already exists")
		}
		return nil, false, apperr.Internal("creating patient record", err)
	}
	return rec, true, nil
}

func (im *Importer) processFile(ctx context.Context, rec *patient.Patient, data []byte) (*orthanc.UploadResult, error) {
	if err := im.validate(data); err != nil {
		return nil, err
	}
	syntheticID := SyntheticPatientID(rec.ID, rec.ExternalID)
	rewritten := im.rewrite(data, syntheticID, rec.LastName+"^"+rec.FirstName)
	return im.gateway.Upload(ctx, rewritten)
}

// rollback deletes a record this import created, so a failed import leaves
// no orphaned patient row. Updates to pre-existing records stay.
func (im *Importer) rollback(ctx context.Context, rec *patient.Patient, created bool) {
	if !created {
		return
	}
	if err := im.patients.Delete(ctx, rec.ID); err != nil {
		obs.Error("failed to roll back patient record after import failure", map[string]any{
			"patient_id": rec.ID,
			"error":      err.Error(),
		})
	}
}

func wrapFileError(index int, err error) error {
	if appErr, ok := apperr.As(err); ok {
		return &apperr.Error{
			Kind:   appErr.Kind,
			Code:   appErr.Code,
			Detail: fmt.Sprintf("%s (file %d)", appErr.Detail, index+1),
			Err:    appErr.Err,
		}
	}
	return err
}
