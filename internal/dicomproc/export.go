package dicomproc

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"previewdicom.org/internal/apperr"
	"previewdicom.org/internal/obs"
	"previewdicom.org/internal/orthanc"
	"previewdicom.org/internal/patient"
)

// Exporter assembles ZIP archives of patient records and their images. Per
// patient the archive carries one JSON metadata document plus one .dcm file
// per remote instance; gateway failures degrade to fewer files, never to a
// failed archive. Callers resolve the records; the exporter never touches
// the patient store, so a record deleted after resolution still exports.
type Exporter struct {
	gateway Gateway
}

func NewExporter(gateway Gateway) *Exporter {
	return &Exporter{gateway: gateway}
}

// exportDoc is the JSON document written next to the images. Field names are
// part of the archive contract consumed by the review tooling.
type exportDoc struct {
	ID               int64  `json:"id"`
	ExternalID       string `json:"externalId,omitempty"`
	FirstName        string `json:"firstName"`
	LastName         string `json:"lastName"`
	DateOfBirth      string `json:"dob"`
	Condition        string `json:"condition"`
	LastVisit        string `json:"lastVisit"`
	Status           string `json:"status"`
	DicomStudyUID    string `json:"dicomStudyUid"`
	OrthancPatientID string `json:"orthancPatientId"`
}

// ExportRecord writes a single-patient archive.
func (e *Exporter) ExportRecord(ctx context.Context, w io.Writer, rec *patient.Patient) error {
	return e.ExportRecords(ctx, w, []*patient.Patient{rec})
}

// ExportRecords writes one archive covering every given record.
func (e *Exporter) ExportRecords(ctx context.Context, w io.Writer, records []*patient.Patient) error {
	zw := zip.NewWriter(w)
	for _, rec := range records {
		if err := e.addPatient(ctx, zw, rec); err != nil {
			zw.Close()
			return err
		}
	}
	return zw.Close()
}

// addPatient writes one patient folder: the JSON document, then every image
// instance that can be fetched. Listing or per-instance failures shrink the
// folder; they never abort the archive.
func (e *Exporter) addPatient(ctx context.Context, zw *zip.Writer, rec *patient.Patient) error {
	folder := folderName(rec)

	doc := exportDoc{
		ID:               rec.ID,
		ExternalID:       rec.ExternalID,
		FirstName:        rec.FirstName,
		LastName:         rec.LastName,
		DateOfBirth:      rec.DateOfBirth,
		Condition:        rec.Condition,
		LastVisit:        rec.LastVisit,
		Status:           rec.Status,
		DicomStudyUID:    rec.DicomStudyUID,
		OrthancPatientID: rec.OrthancPatientID,
	}
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return apperr.Internal("encoding patient document", err)
	}
	if err := writeEntry(zw, folder+"/"+folder+".json", payload); err != nil {
		return err
	}

	for i, inst := range e.listInstances(ctx, rec) {
		name, data, ok := e.fetchInstance(ctx, rec, inst.ID, i)
		if !ok {
			continue
		}
		if err := writeEntry(zw, folder+"/"+name, data); err != nil {
			return err
		}
	}
	return nil
}

func (e *Exporter) listInstances(ctx context.Context, rec *patient.Patient) []orthanc.Instance {
	if rec.OrthancPatientID == "" {
		return nil
	}
	instances, err := e.gateway.ListInstances(ctx, rec.OrthancPatientID)
	if err != nil {
		obs.Warn("listing instances failed, exporting record without images", map[string]any{
			"patient_id": rec.ID,
			"error":      err.Error(),
		})
		return nil
	}
	return instances
}

func (e *Exporter) fetchInstance(ctx context.Context, rec *patient.Patient, instanceID string, index int) (string, []byte, bool) {
	meta, err := e.gateway.InstanceMetadata(ctx, instanceID)
	if err != nil {
		e.skipInstance(rec, instanceID, err)
		return "", nil, false
	}
	data, err := e.gateway.FetchInstance(ctx, instanceID)
	if err != nil {
		e.skipInstance(rec, instanceID, err)
		return "", nil, false
	}
	return instanceFileName(meta.MainDicomTags, index), data, true
}

func (e *Exporter) skipInstance(rec *patient.Patient, instanceID string, err error) {
	obs.Warn("skipping instance during export", map[string]any{
		"patient_id": rec.ID,
		"instance":   instanceID,
		"error":      err.Error(),
	})
}

// folderName prefers the external id; records imported before an external id
// existed fall back to the internal one.
func folderName(rec *patient.Patient) string {
	if rec.ExternalID != "" {
		return "Patient-" + rec.ExternalID
	}
	return "Patient-" + strconv.FormatInt(rec.ID, 10)
}

// instanceFileName builds "<series>-<instance, 2-digit>.dcm" from the
// instance tags, falling back to the enumeration position when a tag is
// missing or malformed.
func instanceFileName(tags map[string]string, index int) string {
	series := tags["SeriesNumber"]
	if series == "" {
		series = "1"
	}
	instance, err := strconv.Atoi(tags["InstanceNumber"])
	if err != nil {
		instance = index + 1
	}
	return fmt.Sprintf("%s-%02d.dcm", series, instance)
}

// writeEntry stores one DEFLATE-compressed archive member.
func writeEntry(zw *zip.Writer, name string, data []byte) error {
	fw, err := zw.CreateHeader(&zip.FileHeader{
		Name:   name,
		Method: zip.Deflate,
	})
	if err != nil {
		return apperr.Internal("creating archive entry", err)
	}
	if _, err := fw.Write(data); err != nil {
		return apperr.Internal("writing archive entry", err)
	}
	return nil
}
