package caserepo

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS cases").
		WillReturnResult(sqlmock.NewResult(0, 0))
	repo, err := New(sqlx.NewDb(db, "sqlite3"), zaptest.NewLogger(t))
	require.NoError(t, err)
	return repo, mock
}

func TestCaseExists(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("case-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	ok, err := repo.CaseExists(context.Background(), "case-1")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("case-9").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	ok, err = repo.CaseExists(context.Background(), "case-9")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegister(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("INSERT INTO cases").
		WithArgs("case-1", "Harbor dispute", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.Register(context.Background(), Case{CaseID: "case-1", Title: "Harbor dispute"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.Error(t, repo.Register(context.Background(), Case{}))
}
