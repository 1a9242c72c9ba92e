// Package patient manages clinical patient records and their linkage to the
// external imaging store.
package patient

import (
	"context"
	"time"
)

// StatusPending is the workflow status assigned to new records.
const StatusPending = "À interpréter"

// Patient is one clinical record. ExternalID is the source-system identifier
// and is globally unique; DicomStudyUID and OrthancPatientID are set only
// after a successful image import.
type Patient struct {
	ID               int64     `json:"id"`
	ExternalID       string    `json:"externalId"`
	FirstName        string    `json:"firstName"`
	LastName         string    `json:"lastName"`
	DateOfBirth      string    `json:"dob"`
	Condition        string    `json:"condition"`
	LastVisit        string    `json:"lastVisit"`
	Status           string    `json:"status"`
	DicomStudyUID    string    `json:"dicomStudyUid,omitempty"`
	OrthancPatientID string    `json:"orthancPatientId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Update holds a partial update; nil fields are left untouched. Only the
// fields listed here are client-writable.
type Update struct {
	FirstName   *string `json:"firstName"`
	LastName    *string `json:"lastName"`
	DateOfBirth *string `json:"dob"`
	Condition   *string `json:"condition"`
	LastVisit   *string `json:"lastVisit"`
	Status      *string `json:"status"`
}

// Apply merges the update into the record field by field.
func (u Update) Apply(p *Patient) {
	if u.FirstName != nil {
		p.FirstName = *u.FirstName
	}
	if u.LastName != nil {
		p.LastName = *u.LastName
	}
	if u.DateOfBirth != nil {
		p.DateOfBirth = *u.DateOfBirth
	}
	if u.Condition != nil {
		p.Condition = *u.Condition
	}
	if u.LastVisit != nil {
		p.LastVisit = *u.LastVisit
	}
	if u.Status != nil {
		p.Status = *u.Status
	}
}

// Store persists patient records.
type Store interface {
	Create(ctx context.Context, p *Patient) error
	Find(ctx context.Context, id int64) (*Patient, error)
	FindByExternalID(ctx context.Context, externalID string) (*Patient, error)
	List(ctx context.Context) ([]*Patient, error)
	Search(ctx context.Context, query string) ([]*Patient, error)
	Update(ctx context.Context, p *Patient) error
	Delete(ctx context.Context, id int64) error
	// SetDicomLink records the imaging-store linkage established by the
	// first successful upload.
	SetDicomLink(ctx context.Context, id int64, orthancPatientID, studyUID string) error
	Count(ctx context.Context) (int, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}
