package relaydocs

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"
)

func newPostgresWithMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, *MemoryContentStore) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	content := NewMemoryContentStore()
	store := NewPostgresStore(db, content)
	store.now = func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) }
	return store, mock, content
}

func columns(list string) []string {
	return strings.Split(list, ", ")
}

func fileRow(id string, version, group int, title string) *sqlmock.Rows {
	at := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(columns(fileColumns)).AddRow(
		id, version, group, title, "folder-1", "alice", at, "alice", at,
		"user", "root-1", "alice", "", "", int64(4), "", "", "")
}

func folderRow(id, parentID string) *sqlmock.Rows {
	at := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(columns(folderColumns)).AddRow(
		id, "Docs", parentID, "", "alice", at, "alice", at, "user", "root-1", "alice", "", "")
}

func TestPostgresGetFile(t *testing.T) {
	store, mock, _ := newPostgresWithMock(t)

	mock.ExpectQuery(`(?s)^SELECT .+ FROM docs_files WHERE id = \$1 ORDER BY version DESC LIMIT 1$`).
		WithArgs("f1").
		WillReturnRows(fileRow("f1", 3, 2, "plan.docx"))

	got, err := store.GetFile(context.Background(), "f1")
	require.NoError(t, err)
	require.Equal(t, 3, got.Version)
	require.Equal(t, 2, got.VersionGroup)
	require.Equal(t, FolderUser, got.RootType)
	require.Equal(t, "plan.docx", got.Title)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetFileNotFound(t *testing.T) {
	store, mock, _ := newPostgresWithMock(t)

	mock.ExpectQuery(`FROM docs_files WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(columns(fileColumns)))

	_, err := store.GetFile(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresGetFileVersionsEmpty(t *testing.T) {
	store, mock, _ := newPostgresWithMock(t)

	mock.ExpectQuery(`FROM docs_files WHERE id = \$1 ORDER BY version$`).
		WithArgs("f1").
		WillReturnRows(sqlmock.NewRows(columns(fileColumns)))

	_, err := store.GetFileVersions(context.Background(), "f1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresSaveFileAppendsVersion(t *testing.T) {
	store, mock, content := newPostgresWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM docs_folders WHERE id = \$1`).
		WithArgs("folder-1").
		WillReturnRows(folderRow("folder-1", "root-1"))
	mock.ExpectExec(`(?s)INSERT INTO docs_files .+ WHERE \(SELECT COALESCE\(MAX\(version\), 0\) FROM docs_files WHERE id = \$1\) = \$19`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	saved, err := store.SaveFile(context.Background(), File{
		EntryMeta: EntryMeta{ID: "f1", Title: "plan.docx", ParentID: "folder-1", CreatedBy: "alice"},
		Version:   2,
	}, strings.NewReader("body"))
	require.NoError(t, err)
	require.Equal(t, FolderUser, saved.RootType)
	require.Equal(t, "root-1", saved.RootID)
	require.Equal(t, int64(4), saved.ContentLength)
	require.Equal(t, "alice", saved.ModifiedBy)
	require.Equal(t, "body", readContent(t, store, saved))

	ok, err := content.Exists(context.Background(), fileContentKey("f1", 2))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveFileVersionConflict(t *testing.T) {
	store, mock, content := newPostgresWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO docs_files`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := store.SaveFile(context.Background(), File{
		EntryMeta: EntryMeta{ID: "f1", Title: "plan.docx", RootType: FolderUser},
		Version:   2,
	}, strings.NewReader("late"))
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, ConflictVersion, conflict.Reason)

	ok, _ := content.Exists(context.Background(), fileContentKey("f1", 2))
	require.False(t, ok, "content must not be written for a refused version")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCompleteVersionMissingFile(t *testing.T) {
	store, mock, _ := newPostgresWithMock(t)

	mock.ExpectExec(`UPDATE docs_files SET version_group = version_group \+ \$3 WHERE id = \$1 AND version >= \$2`).
		WithArgs("f1", 2, 1).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.CompleteVersion(context.Background(), "f1", 2)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresContinueVersion(t *testing.T) {
	store, mock, _ := newPostgresWithMock(t)

	mock.ExpectExec(`UPDATE docs_files SET version_group`).
		WithArgs("f1", 3, -1).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, store.ContinueVersion(context.Background(), "f1", 3))
}

func TestPostgresDeleteFileRemovesContent(t *testing.T) {
	store, mock, content := newPostgresWithMock(t)
	ctx := context.Background()
	_, err := content.Put(ctx, fileContentKey("f1", 1), strings.NewReader("a"))
	require.NoError(t, err)
	_, err = content.Put(ctx, fileDiffKey("f1", 1), strings.NewReader("d"))
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(`DELETE FROM docs_files WHERE id = \$1 RETURNING version`).
		WithArgs("f1").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))
	mock.ExpectExec(`DELETE FROM docs_tags WHERE entry_id = \$1`).
		WithArgs("f1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, store.DeleteFile(ctx, "f1"))
	for _, key := range []string{fileContentKey("f1", 1), fileDiffKey("f1", 1)} {
		ok, _ := content.Exists(ctx, key)
		require.False(t, ok, key)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveTagsLockConflict(t *testing.T) {
	store, mock, _ := newPostgresWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO docs_tags`).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key"})
	mock.ExpectRollback()

	err := store.SaveTags(context.Background(), Tag{EntryID: "f1", EntryKind: KindFile, Type: TagLocked, Owner: "bob"})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, ConflictLocked, conflict.Reason)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetTags(t *testing.T) {
	store, mock, _ := newPostgresWithMock(t)
	at := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`(?s)SELECT entry_id, entry_kind, tag_type, owner, created_on FROM docs_tags\s+WHERE entry_id = ANY\(\$1\)`).
		WithArgs(sqlmock.AnyArg(), "new").
		WillReturnRows(sqlmock.NewRows([]string{"entry_id", "entry_kind", "tag_type", "owner", "created_on"}).
			AddRow("f1", "file", "new", "bob", at))

	tags, err := store.GetTags(context.Background(), []string{"f1"}, TagNew)
	require.NoError(t, err)
	require.Len(t, tags, 1)
	require.Equal(t, Tag{EntryID: "f1", EntryKind: KindFile, Type: TagNew, Owner: "bob", CreatedOn: at}, tags[0])
}

func TestPostgresSetShare(t *testing.T) {
	store, mock, _ := newPostgresWithMock(t)

	mock.ExpectExec(`(?s)INSERT INTO docs_shares .+ ON CONFLICT \(entry_id, subject\) DO UPDATE`).
		WithArgs("f1", "file", "bob", string(ShareRead), "alice").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM docs_shares WHERE entry_id = \$1 AND subject = \$2`).
		WithArgs("f1", "bob").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	require.NoError(t, store.SetShare(ctx, ShareRecord{EntryID: "f1", EntryKind: KindFile, Subject: "bob", Share: ShareRead, Owner: "alice"}))
	require.NoError(t, store.SetShare(ctx, ShareRecord{EntryID: "f1", Subject: "bob", Share: ShareNone}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	require.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	require.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	require.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	require.False(t, isUniqueViolation(errors.New("plain")))
	require.False(t, isUniqueViolation(nil))
}

func TestOpenPostgresStoreMigrates(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	prevOpen, prevUp := postgresOpen, gooseUpContext
	t.Cleanup(func() { postgresOpen, gooseUpContext = prevOpen, prevUp })

	var openedWith, migratedDir string
	postgresOpen = func(driver, dsn string) (*sql.DB, error) {
		openedWith = driver + " " + dsn
		return db, nil
	}
	gooseUpContext = func(_ context.Context, _ *sql.DB, dir string, _ ...goose.OptionsFunc) error {
		migratedDir = dir
		return nil
	}
	mock.ExpectPing()

	store, err := OpenPostgresStore(context.Background(), "pgx", "postgres://localhost/docs", nil)
	require.NoError(t, err)
	require.Equal(t, "pgx postgres://localhost/docs", openedWith)
	require.Equal(t, ".", migratedDir)
	require.NotNil(t, store.Content())

	mock.ExpectClose()
	require.NoError(t, store.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenPostgresStoreMigrationFailureCloses(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	prevOpen, prevUp := postgresOpen, gooseUpContext
	t.Cleanup(func() { postgresOpen, gooseUpContext = prevOpen, prevUp })
	postgresOpen = func(string, string) (*sql.DB, error) { return db, nil }
	gooseUpContext = func(context.Context, *sql.DB, string, ...goose.OptionsFunc) error {
		return errors.New("bad migration")
	}
	mock.ExpectPing()
	mock.ExpectClose()

	_, err = OpenPostgresStore(context.Background(), "postgres", "postgres://localhost/docs", nil)
	require.ErrorContains(t, err, "bad migration")
	require.NoError(t, mock.ExpectationsWereMet())

	_, err = OpenPostgresStore(context.Background(), "postgres", "  ", nil)
	require.ErrorIs(t, err, ErrBadRequest)
}
