package patient

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const pgErrUniqueViolation = "23505"

var (
	ErrNotFound      = errors.New("patient: not found")
	ErrAlreadyExists = errors.New("patient: already exists")
)

var _ Store = (*PGStore)(nil)

// PGStore persists patient records in PostgreSQL.
type PGStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, now: time.Now}
}

const columns = `id, external_id, first_name, last_name, date_of_birth, condition, last_visit, status, dicom_study_uid, orthanc_patient_id, created_at, updated_at`

func scan(row interface{ Scan(...any) error }) (*Patient, error) {
	var (
		p        Patient
		studyUID sql.NullString
		orthanc  sql.NullString
	)
	err := row.Scan(&p.ID, &p.ExternalID, &p.FirstName, &p.LastName, &p.DateOfBirth,
		&p.Condition, &p.LastVisit, &p.Status, &studyUID, &orthanc, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.DicomStudyUID = studyUID.String
	p.OrthancPatientID = orthanc.String
	return &p, nil
}

func (s *PGStore) Create(ctx context.Context, p *Patient) error {
	if p.Status == "" {
		p.Status = StatusPending
	}
	now := s.now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	err := s.db.QueryRowContext(ctx, `
		insert into patients(external_id, first_name, last_name, date_of_birth, condition, last_visit, status, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		returning id
	`, p.ExternalID, p.FirstName, p.LastName, p.DateOfBirth, p.Condition, p.LastVisit, p.Status, p.CreatedAt, p.UpdatedAt).Scan(&p.ID)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *PGStore) Find(ctx context.Context, id int64) (*Patient, error) {
	return scan(s.db.QueryRowContext(ctx,
		`select `+columns+` from patients where id=$1`, id))
}

func (s *PGStore) FindByExternalID(ctx context.Context, externalID string) (*Patient, error) {
	return scan(s.db.QueryRowContext(ctx,
		`select `+columns+` from patients where external_id=$1`, externalID))
}

func (s *PGStore) List(ctx context.Context) ([]*Patient, error) {
	return s.query(ctx, `select `+columns+` from patients order by id asc`)
}

func (s *PGStore) Search(ctx context.Context, query string) ([]*Patient, error) {
	pattern := "%" + strings.TrimSpace(query) + "%"
	return s.query(ctx, `
		select `+columns+` from patients
		where external_id ilike $1 or first_name ilike $1 or last_name ilike $1 or condition ilike $1
		order by id asc
	`, pattern)
}

func (s *PGStore) query(ctx context.Context, q string, args ...any) ([]*Patient, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patients []*Patient
	for rows.Next() {
		p, err := scan(rows)
		if err != nil {
			return nil, err
		}
		patients = append(patients, p)
	}
	return patients, rows.Err()
}

func (s *PGStore) Update(ctx context.Context, p *Patient) error {
	p.UpdatedAt = s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		update patients
		set first_name=$2, last_name=$3, date_of_birth=$4, condition=$5, last_visit=$6, status=$7, updated_at=$8
		where id=$1
	`, p.ID, p.FirstName, p.LastName, p.DateOfBirth, p.Condition, p.LastVisit, p.Status, p.UpdatedAt)
	if err != nil {
		return err
	}
	return ensureFound(res)
}

func (s *PGStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `delete from patients where id=$1`, id)
	if err != nil {
		return err
	}
	return ensureFound(res)
}

func (s *PGStore) SetDicomLink(ctx context.Context, id int64, orthancPatientID, studyUID string) error {
	res, err := s.db.ExecContext(ctx, `
		update patients
		set orthanc_patient_id=$2, dicom_study_uid=$3, updated_at=$4
		where id=$1
	`, id, orthancPatientID, studyUID, s.now().UTC())
	if err != nil {
		return err
	}
	return ensureFound(res)
}

func (s *PGStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `select count(*) from patients`).Scan(&n)
	return n, err
}

func (s *PGStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`select status, count(*) from patients group by status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func ensureFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}
	return false
}
