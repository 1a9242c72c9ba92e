package dicomproc

import (
	"bytes"
	"fmt"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"previewdicom.org/internal/obs"
)

// syntheticIDPrefix namespaces rewritten patient identifiers so that files
// from different local patients can never collide inside the imaging store,
// whatever identifiers the source system used.
const syntheticIDPrefix = "APP"

// SyntheticPatientID derives the identifier written into uploaded files from
// the local record's internal and external ids. Deterministic: re-importing
// files for the same patient groups them under the same remote patient.
func SyntheticPatientID(internalID int64, externalID string) string {
	return fmt.Sprintf("%s_%d_%s", syntheticIDPrefix, internalID, externalID)
}

// RewriteIdentity replaces the PatientID tag (and PatientName, when present)
// with the given values and re-serializes the file. On any failure it falls
// back to the original bytes with a logged warning; a failed rewrite must
// never abort an import.
func RewriteIdentity(data []byte, patientID, patientName string) []byte {
	rewritten, err := rewriteIdentity(data, patientID, patientName)
	if err != nil {
		obs.Warn("dicom identity rewrite failed, forwarding original bytes", map[string]any{
			"error": err.Error(),
		})
		return data
	}
	return rewritten
}

func rewriteIdentity(data []byte, patientID, patientName string) ([]byte, error) {
	ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil)
	if err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}

	if err := setStringElement(&ds, tag.PatientID, patientID); err != nil {
		return nil, fmt.Errorf("setting PatientID: %w", err)
	}
	// PatientName is cosmetic; only overwrite when the tag already exists.
	if el, findErr := ds.FindElementByTag(tag.PatientName); findErr == nil && el != nil && patientName != "" {
		if err := setStringElement(&ds, tag.PatientName, patientName); err != nil {
			return nil, fmt.Errorf("setting PatientName: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := dicom.Write(&buf, ds, dicom.SkipVRVerification()); err != nil {
		return nil, fmt.Errorf("serializing: %w", err)
	}
	return buf.Bytes(), nil
}

func setStringElement(ds *dicom.Dataset, t tag.Tag, value string) error {
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil {
		return fmt.Errorf("tag %v not found", t)
	}
	newValue, err := dicom.NewValue([]string{value})
	if err != nil {
		return err
	}
	el.Value = newValue
	return nil
}
