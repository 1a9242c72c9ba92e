package dicomproc

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"previewdicom.org/internal/orthanc"
	"previewdicom.org/internal/patient"
)

func readArchive(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	out := make(map[string][]byte)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		out[f.Name] = content
	}
	return out
}

func seedLinkedPatient(t *testing.T, store *patient.MemoryStore, externalID string) *patient.Patient {
	t.Helper()
	rec := &patient.Patient{
		ExternalID: externalID,
		FirstName:  "Ada",
		LastName:   "Lovelace",
	}
	require.NoError(t, store.Create(context.Background(), rec))
	require.NoError(t, store.SetDicomLink(context.Background(), rec.ID, "orthanc-"+externalID, "1.2.3."+externalID))
	rec.OrthancPatientID = "orthanc-" + externalID
	rec.DicomStudyUID = "1.2.3." + externalID
	return rec
}

func TestExportRecordRoundTrip(t *testing.T) {
	store := patient.NewMemoryStore()
	gw := newFakeGateway()
	rec := seedLinkedPatient(t, store, "ext-1")

	gw.instances[rec.OrthancPatientID] = []orthanc.Instance{{ID: "inst-a"}}
	gw.metadata["inst-a"] = &orthanc.Instance{
		ID:            "inst-a",
		MainDicomTags: map[string]string{"SeriesNumber": "2", "InstanceNumber": "7"},
	}
	gw.files["inst-a"] = []byte("dicom-bytes")

	var buf bytes.Buffer
	exporter := NewExporter(gw)
	require.NoError(t, exporter.ExportRecord(context.Background(), &buf, rec))

	entries := readArchive(t, buf.Bytes())
	require.Len(t, entries, 2)

	doc, ok := entries["Patient-ext-1/Patient-ext-1.json"]
	require.True(t, ok, "missing json document")
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(doc, &decoded))
	assert.Equal(t, "orthanc-ext-1", decoded["orthancPatientId"])
	assert.Equal(t, "1.2.3.ext-1", decoded["dicomStudyUid"])
	assert.Equal(t, "Ada", decoded["firstName"])

	dcm, ok := entries["Patient-ext-1/2-07.dcm"]
	require.True(t, ok, "missing dcm entry")
	assert.Equal(t, []byte("dicom-bytes"), dcm)
}

// A record deleted between resolution and export still exports: the
// exporter works from the record it was handed, never from the store.
func TestExportRecordSurvivesConcurrentDelete(t *testing.T) {
	store := patient.NewMemoryStore()
	gw := newFakeGateway()
	rec := seedLinkedPatient(t, store, "ext-1")
	require.NoError(t, store.Delete(context.Background(), rec.ID))

	var buf bytes.Buffer
	exporter := NewExporter(gw)
	require.NoError(t, exporter.ExportRecord(context.Background(), &buf, rec))

	entries := readArchive(t, buf.Bytes())
	_, ok := entries["Patient-ext-1/Patient-ext-1.json"]
	assert.True(t, ok)
}

func TestExportDegradesWhenListingFails(t *testing.T) {
	store := patient.NewMemoryStore()
	gw := newFakeGateway()
	gw.listErr = errors.New("gateway down")
	rec := seedLinkedPatient(t, store, "ext-1")

	var buf bytes.Buffer
	exporter := NewExporter(gw)
	require.NoError(t, exporter.ExportRecord(context.Background(), &buf, rec))

	entries := readArchive(t, buf.Bytes())
	assert.Len(t, entries, 1)
	_, ok := entries["Patient-ext-1/Patient-ext-1.json"]
	assert.True(t, ok)
}

func TestExportSkipsBrokenInstances(t *testing.T) {
	store := patient.NewMemoryStore()
	gw := newFakeGateway()
	rec := seedLinkedPatient(t, store, "ext-1")

	gw.instances[rec.OrthancPatientID] = []orthanc.Instance{{ID: "good"}, {ID: "bad"}}
	gw.metadata["good"] = &orthanc.Instance{ID: "good", MainDicomTags: map[string]string{"SeriesNumber": "1", "InstanceNumber": "1"}}
	gw.files["good"] = []byte("ok")
	gw.metadata["bad"] = &orthanc.Instance{ID: "bad", MainDicomTags: map[string]string{}}
	gw.fetchErr["bad"] = errors.New("fetch failed")

	var buf bytes.Buffer
	exporter := NewExporter(gw)
	require.NoError(t, exporter.ExportRecord(context.Background(), &buf, rec))

	entries := readArchive(t, buf.Bytes())
	assert.Len(t, entries, 2)
	_, ok := entries["Patient-ext-1/1-01.dcm"]
	assert.True(t, ok)
}

func TestExportRecordsCoversEveryRecord(t *testing.T) {
	store := patient.NewMemoryStore()
	gw := newFakeGateway()
	a := seedLinkedPatient(t, store, "ext-a")
	b := seedLinkedPatient(t, store, "ext-b")

	var buf bytes.Buffer
	exporter := NewExporter(gw)
	require.NoError(t, exporter.ExportRecords(context.Background(), &buf, []*patient.Patient{a, b}))

	entries := readArchive(t, buf.Bytes())
	folders := map[string]bool{}
	for name := range entries {
		folders[name[:bytes.IndexByte([]byte(name), '/')]] = true
	}
	assert.Len(t, folders, 2)
	assert.True(t, folders["Patient-ext-a"])
	assert.True(t, folders["Patient-ext-b"])
}

func TestInstanceFileNameFallbacks(t *testing.T) {
	assert.Equal(t, "3-04.dcm", instanceFileName(map[string]string{"SeriesNumber": "3", "InstanceNumber": "4"}, 0))
	assert.Equal(t, "1-05.dcm", instanceFileName(map[string]string{"InstanceNumber": "5"}, 0))
	assert.Equal(t, "2-03.dcm", instanceFileName(map[string]string{"SeriesNumber": "2"}, 2))
	assert.Equal(t, "1-12.dcm", instanceFileName(map[string]string{"SeriesNumber": "1", "InstanceNumber": "12"}, 0))
}
