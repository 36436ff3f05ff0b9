package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Driver-level failures, simulated with sqlmock.

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &Store{session: session{q: db, dialect: DialectMySQL}, db: db}, mock
}

func TestAppendEvent_InsertFails(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO operation_events").WillReturnError(assert.AnError)

	err := s.AppendEvent(context.Background(), &OperationEvent{
		Type: EventUnbind, IdentityID: 1, Status: StatusSuccess,
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_BeginFails(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin().WillReturnError(assert.AnError)

	err := s.WithTx(context.Background(), func(tx *Tx) error { return nil })
	assert.ErrorIs(t, err, assert.AnError)
}

func TestWithTx_CommitFails(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(assert.AnError)

	err := s.WithTx(context.Background(), func(tx *Tx) error { return nil })
	assert.ErrorIs(t, err, assert.AnError)
}
