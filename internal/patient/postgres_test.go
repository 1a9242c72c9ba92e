package patient

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func TestCreateAppliesDefaultStatus(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`insert into patients`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	p := &Patient{ExternalID: "ext-1"}
	require.NoError(t, store.Create(context.Background(), p))
	assert.Equal(t, int64(1), p.ID)
	assert.Equal(t, StatusPending, p.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateDuplicateExternalID(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`insert into patients`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "patients_external_id_key"})

	err := store.Create(context.Background(), &Patient{ExternalID: "ext-1"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`select .+ from patients where id=\$1`).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.Find(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetDicomLink(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`update patients`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.SetDicomLink(context.Background(), 5, "orthanc-p1", "1.2.3.4"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetDicomLinkNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`update patients`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.SetDicomLink(context.Background(), 5, "orthanc-p1", "1.2.3.4")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p := &Patient{ExternalID: "ext-1", FirstName: "Ada", LastName: "L"}
	require.NoError(t, store.Create(ctx, p))

	dup := &Patient{ExternalID: "ext-1"}
	assert.ErrorIs(t, store.Create(ctx, dup), ErrAlreadyExists)

	got, err := store.FindByExternalID(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	results, err := store.Search(ctx, "ada")
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestUpdateApplyMergesOnlyProvidedFields(t *testing.T) {
	rec := &Patient{FirstName: "Ada", LastName: "Lovelace", Status: StatusPending}
	newName := "Grace"
	Update{FirstName: &newName}.Apply(rec)

	assert.Equal(t, "Grace", rec.FirstName)
	assert.Equal(t, "Lovelace", rec.LastName)
	assert.Equal(t, StatusPending, rec.Status)
}
