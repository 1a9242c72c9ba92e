package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"previewdicom.org/internal/auth"
	"previewdicom.org/internal/patient"
)

const (
	defaultAdminEmail    = "admin@preview-dicom.local"
	defaultAdminPassword = "Admin123!"

	demoPatientExternalID = "patient_test_poc"
)

// seedInitialData creates the admin group, the admin account and a demo
// patient record when they do not exist yet. Idempotent across restarts.
func seedInitialData(ctx context.Context, store auth.Store, patients patient.Store) error {
	group, err := store.Groups(ctx).FindByName(ctx, "Administrators")
	if errors.Is(err, auth.ErrNotFound) {
		group = &auth.Group{
			Name:            "Administrators",
			Description:     "Full access",
			CanEditPatients: true,
			CanExportData:   true,
			CanManageUsers:  true,
			CanViewImages:   true,
		}
		if err := store.Groups(ctx).Create(ctx, group); err != nil {
			return fmt.Errorf("creating admin group: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("looking up admin group: %w", err)
	}

	email := os.Getenv("SEED_ADMIN_EMAIL")
	if email == "" {
		email = defaultAdminEmail
	}
	if _, err := store.Users(ctx).FindByEmail(ctx, email); errors.Is(err, auth.ErrNotFound) {
		password := os.Getenv("SEED_ADMIN_PASSWORD")
		if password == "" {
			password = defaultAdminPassword
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			return fmt.Errorf("hashing admin password: %w", err)
		}
		admin := &auth.User{
			Email:          email,
			FullName:       "Administrator",
			HashedPassword: hash,
			Role:           auth.RoleAdmin,
			Status:         auth.StatusActive,
			GroupID:        &group.ID,
		}
		if err := store.Users(ctx).Create(ctx, admin); err != nil {
			return fmt.Errorf("creating admin user: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("looking up admin user: %w", err)
	}

	if _, err := patients.FindByExternalID(ctx, demoPatientExternalID); errors.Is(err, patient.ErrNotFound) {
		demo := &patient.Patient{
			ExternalID:  demoPatientExternalID,
			FirstName:   "Test",
			LastName:    "Patient",
			DateOfBirth: "1970-01-01",
			Condition:   "Demo record",
		}
		if err := patients.Create(ctx, demo); err != nil {
			return fmt.Errorf("creating demo patient: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("looking up demo patient: %w", err)
	}
	return nil
}
