package snapshot

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncpad/internal/activity"
)

func testSnapshot() activity.Snapshot {
	return activity.Snapshot{
		DocumentID:   "doc1",
		FileName:     "main.go",
		Content:      "package main",
		LastModified: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		UserID:       "alice",
		UserName:     "Alice",
	}
}

func TestUpsertInsertsOrOverwrites(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db)
	snap := testSnapshot()

	mock.ExpectExec("INSERT INTO file_snapshots").
		WithArgs(snap.DocumentID, snap.FileName, snap.Content, snap.UserID, snap.UserName, snap.LastModified).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Upsert(snap))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertReturnsDatabaseError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db)

	mock.ExpectExec("INSERT INTO file_snapshots").
		WillReturnError(errors.New("connection reset"))

	assert.Error(t, repo.Upsert(testSnapshot()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLoadsStoredSnapshot(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db)
	want := testSnapshot()

	rows := sqlmock.NewRows([]string{"document_id", "file_name", "content", "user_id", "user_name", "updated_at"}).
		AddRow(want.DocumentID, want.FileName, want.Content, want.UserID, want.UserName, want.LastModified)
	mock.ExpectQuery("SELECT document_id, file_name, content, user_id, user_name, updated_at").
		WithArgs("doc1", "main.go").
		WillReturnRows(rows)

	got, err := repo.Get("doc1", "main.go")
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMissingFileReturnsNoRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db)

	mock.ExpectQuery("SELECT document_id, file_name, content, user_id, user_name, updated_at").
		WithArgs("doc1", "ghost.go").
		WillReturnError(sql.ErrNoRows)

	_, err = repo.Get("doc1", "ghost.go")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}
