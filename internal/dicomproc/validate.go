// Package dicomproc implements the DICOM import and export pipelines:
// structural validation, patient-identity rewriting, upload to the imaging
// gateway and archive assembly on the way back out.
package dicomproc

import (
	"bytes"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"previewdicom.org/internal/apperr"
)

// Validator checks that an uploaded payload is a well-formed DICOM file
// carrying a patient identifier. It operates on a byte slice, so callers can
// reuse the same payload for the rewrite stage afterwards.
type Validator struct {
	MaxBytes int64
}

func (v Validator) Validate(data []byte) error {
	if len(data) == 0 {
		return apperr.Validation("EMPTY_FILE", "uploaded file is empty")
	}
	if v.MaxBytes > 0 && int64(len(data)) > v.MaxBytes {
		return apperr.Validation("FILE_TOO_LARGE", "uploaded file exceeds the size limit")
	}
	ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil, dicom.SkipPixelData())
	if err != nil {
		return apperr.Validation("INVALID_DICOM", "uploaded file is not a valid DICOM file")
	}
	if elementString(&ds, tag.PatientID) == "" {
		return apperr.Validation("MISSING_PATIENT_ID", "DICOM file carries no PatientID tag")
	}
	return nil
}

// elementString returns the first string value of the tag, or "".
func elementString(ds *dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil {
		return ""
	}
	vals := dicom.MustGetStrings(el.Value)
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}
