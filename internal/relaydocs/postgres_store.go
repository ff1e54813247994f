package relaydocs

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/agentworkforce/relaydocs/internal/dbx"
	"github.com/agentworkforce/relaydocs/internal/relaydocs/migrations"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

const postgresOperationTimeout = 5 * time.Second

const (
	fileColumns = "id, version, version_group, title, parent_id, created_by, created_on, modified_by, modified_on, " +
		"root_type, root_id, root_creator, provider_id, provider_key, content_length, converted_type, comment, error"
	folderColumns = "id, title, parent_id, folder_type, created_by, created_on, modified_by, modified_on, " +
		"root_type, root_id, root_creator, provider_id, provider_key"
	latestFiles = "SELECT DISTINCT ON (id) " + fileColumns + " FROM docs_files ORDER BY id, version DESC"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

var postgresOpen sqlOpenFunc = sql.Open

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// PostgresStore implements every DAO over Postgres and keeps content in a
// ContentStore. Version appends are conditional on the previous head so two
// writers cannot both produce the same version.
type PostgresStore struct {
	storedContent
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB, content ContentStore) *PostgresStore {
	if content == nil {
		content = NewMemoryContentStore()
	}
	return &PostgresStore{
		storedContent: storedContent{content: content},
		db:            db,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// OpenPostgresStore connects with driver ("postgres" or "pgx"), checks the
// connection and applies the embedded migrations.
func OpenPostgresStore(ctx context.Context, driver, dsn string, content ContentStore) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty postgres dsn", ErrBadRequest)
	}
	db, err := postgresOpen(driver, dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return NewPostgresStore(db, content), nil
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, ".")
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, postgresOperationTimeout)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (File, error) {
	var f File
	var rootType string
	err := row.Scan(&f.ID, &f.Version, &f.VersionGroup, &f.Title, &f.ParentID, &f.CreatedBy, &f.CreatedOn,
		&f.ModifiedBy, &f.ModifiedOn, &rootType, &f.RootID, &f.RootCreator, &f.ProviderID, &f.ProviderKey,
		&f.ContentLength, &f.ConvertedType, &f.Comment, &f.Error)
	f.RootType = FolderType(rootType)
	return f, err
}

func scanFolder(row rowScanner) (NativeFolder, error) {
	var f NativeFolder
	var folderType, rootType string
	err := row.Scan(&f.ID, &f.Title, &f.ParentID, &folderType, &f.CreatedBy, &f.CreatedOn, &f.ModifiedBy,
		&f.ModifiedOn, &rootType, &f.RootID, &f.RootCreator, &f.ProviderID, &f.ProviderKey)
	f.FolderType = FolderType(folderType)
	f.RootType = FolderType(rootType)
	return f, err
}

func queryFiles(ctx context.Context, db dbx.DBTX, query string, args ...any) ([]File, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []File{}
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func queryFolders(ctx context.Context, db dbx.DBTX, query string, args ...any) ([]NativeFolder, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []NativeFolder{}
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func notFoundOnNoRows(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
	}
	return err
}

// isUniqueViolation recognizes SQLSTATE 23505 from either driver.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func (s *PostgresStore) GetFile(ctx context.Context, id string) (File, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx,
		"SELECT "+fileColumns+" FROM docs_files WHERE id = $1 ORDER BY version DESC LIMIT 1", id)
	f, err := scanFile(row)
	if err != nil {
		return File{}, notFoundOnNoRows(err, "file %s", id)
	}
	return f, nil
}

func (s *PostgresStore) GetFileVersion(ctx context.Context, id string, version int) (File, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx,
		"SELECT "+fileColumns+" FROM docs_files WHERE id = $1 AND version = $2", id, version)
	f, err := scanFile(row)
	if err != nil {
		return File{}, notFoundOnNoRows(err, "file %s version %d", id, version)
	}
	return f, nil
}

func (s *PostgresStore) GetFileVersions(ctx context.Context, id string) ([]File, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	files, err := queryFiles(ctx, s.db,
		"SELECT "+fileColumns+" FROM docs_files WHERE id = $1 ORDER BY version", id)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: file %s", ErrNotFound, id)
	}
	return files, nil
}

func (s *PostgresStore) GetFiles(ctx context.Context, parentID string) ([]File, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return queryFiles(ctx, s.db,
		"SELECT "+fileColumns+" FROM ("+latestFiles+") latest WHERE parent_id = $1 ORDER BY id", parentID)
}

func (s *PostgresStore) SearchFiles(ctx context.Context, folderIDs []string, text string) ([]File, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return queryFiles(ctx, s.db,
		"SELECT "+fileColumns+" FROM ("+latestFiles+") latest "+
			"WHERE parent_id = ANY($1) AND ($2::text = '' OR title ILIKE '%' || $2::text || '%') ORDER BY id",
		pq.Array(folderIDs), strings.TrimSpace(text))
}

func (s *PostgresStore) SaveFile(ctx context.Context, file File, body io.Reader) (File, error) {
	var data []byte
	if body != nil {
		var err error
		if data, err = io.ReadAll(body); err != nil {
			return File{}, err
		}
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	now := s.now()
	if file.ID == "" {
		file.ID = uuid.NewString()
		file.Version = 1
		if file.CreatedOn.IsZero() {
			file.CreatedOn = now
		}
	}
	if file.VersionGroup < 1 {
		file.VersionGroup = 1
	}
	if file.ModifiedOn.IsZero() {
		file.ModifiedOn = now
	}
	if file.ModifiedBy == "" {
		file.ModifiedBy = file.CreatedBy
	}
	file.ContentLength = int64(len(data))
	file.IsNew, file.Locked, file.LockedBy, file.Access = false, false, "", ""

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if file.RootType == "" {
			parent, err := getFolder(ctx, tx, file.ParentID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if err == nil {
				file.RootType, file.RootID, file.RootCreator = parent.RootType, parent.RootID, parent.RootCreator
			}
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO docs_files (`+fileColumns+`)
			SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18
			WHERE (SELECT COALESCE(MAX(version), 0) FROM docs_files WHERE id = $1) = $19
			ON CONFLICT (id, version) DO NOTHING`,
			file.ID, file.Version, file.VersionGroup, file.Title, file.ParentID, file.CreatedBy, file.CreatedOn,
			file.ModifiedBy, file.ModifiedOn, string(file.RootType), file.RootID, file.RootCreator, file.ProviderID,
			file.ProviderKey, file.ContentLength, file.ConvertedType, file.Comment, file.Error, file.Version-1)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return &ConflictError{FileID: file.ID, Reason: ConflictVersion}
		}
		_, err = s.content.Put(ctx, fileContentKey(file.ID, file.Version), bytes.NewReader(data))
		return err
	})
	if err != nil {
		return File{}, err
	}
	return file, nil
}

func (s *PostgresStore) CompleteVersion(ctx context.Context, id string, version int) error {
	return s.shiftVersionGroup(ctx, id, version, 1)
}

func (s *PostgresStore) ContinueVersion(ctx context.Context, id string, version int) error {
	return s.shiftVersionGroup(ctx, id, version, -1)
}

func (s *PostgresStore) shiftVersionGroup(ctx context.Context, id string, fromVersion, delta int) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		"UPDATE docs_files SET version_group = version_group + $3 WHERE id = $1 AND version >= $2",
		id, fromVersion, delta)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%w: file %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) RenameFile(ctx context.Context, file File, title string) (string, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		UPDATE docs_files SET title = $2, modified_on = $3
		WHERE id = $1 AND version = (SELECT MAX(version) FROM docs_files WHERE id = $1)`,
		file.ID, title, s.now())
	if err != nil {
		return "", err
	}
	if n, err := res.RowsAffected(); err != nil {
		return "", err
	} else if n == 0 {
		return "", fmt.Errorf("%w: file %s", ErrNotFound, file.ID)
	}
	return file.ID, nil
}

func (s *PostgresStore) MoveFile(ctx context.Context, id, toFolderID string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		target, err := getFolder(ctx, tx, toFolderID)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE docs_files SET parent_id = $2, root_type = $3, root_id = $4, root_creator = $5
			WHERE id = $1`,
			id, target.ID, string(target.RootType), target.RootID, target.RootCreator)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: file %s", ErrNotFound, id)
		}
		return nil
	})
}

func (s *PostgresStore) DeleteFile(ctx context.Context, id string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	var versions []int
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		rows, err := tx.QueryContext(ctx, "DELETE FROM docs_files WHERE id = $1 RETURNING version", id)
		if err != nil {
			return err
		}
		for rows.Next() {
			var v int
			if err := rows.Scan(&v); err != nil {
				rows.Close()
				return err
			}
			versions = append(versions, v)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM docs_tags WHERE entry_id = $1", id)
		return err
	})
	if err != nil {
		return err
	}
	for _, v := range versions {
		_ = s.content.Delete(ctx, fileContentKey(id, v))
		_ = s.content.Delete(ctx, fileDiffKey(id, v))
	}
	return nil
}

func (s *PostgresStore) ReassignFiles(ctx context.Context, ids []string, toUser string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, "UPDATE docs_files SET created_by = $2 WHERE id = ANY($1)", pq.Array(ids), toUser)
	return err
}

func getFolder(ctx context.Context, db dbx.DBTX, id string) (NativeFolder, error) {
	row := db.QueryRowContext(ctx, "SELECT "+folderColumns+" FROM docs_folders WHERE id = $1", id)
	f, err := scanFolder(row)
	if err != nil {
		return NativeFolder{}, notFoundOnNoRows(err, "folder %s", id)
	}
	return f, nil
}

// withCounters fills the recursive counters of each folder.
func (s *PostgresStore) withCounters(ctx context.Context, folders []NativeFolder) ([]NativeFolder, error) {
	for i, f := range folders {
		var files, subs int
		err := s.db.QueryRowContext(ctx, `
			WITH RECURSIVE tree AS (
				SELECT id FROM docs_folders WHERE parent_id = $1 AND id <> $1
				UNION
				SELECT c.id FROM docs_folders c JOIN tree t ON c.parent_id = t.id
			)
			SELECT
				(SELECT COUNT(DISTINCT id) FROM docs_files WHERE parent_id = $1 OR parent_id IN (SELECT id FROM tree)),
				(SELECT COUNT(*) FROM tree)`, f.ID).Scan(&files, &subs)
		if err != nil {
			return nil, err
		}
		folders[i] = f.WithCounters(files, subs)
	}
	return folders, nil
}

func (s *PostgresStore) GetFolder(ctx context.Context, id string) (NativeFolder, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	f, err := getFolder(ctx, s.db, id)
	if err != nil {
		return NativeFolder{}, err
	}
	out, err := s.withCounters(ctx, []NativeFolder{f})
	if err != nil {
		return NativeFolder{}, err
	}
	return out[0], nil
}

func (s *PostgresStore) GetFolders(ctx context.Context, parentID string) ([]NativeFolder, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	folders, err := queryFolders(ctx, s.db,
		"SELECT "+folderColumns+" FROM docs_folders WHERE parent_id = $1 AND id <> $1 ORDER BY id", parentID)
	if err != nil {
		return nil, err
	}
	return s.withCounters(ctx, folders)
}

func (s *PostgresStore) GetFoldersByIDs(ctx context.Context, ids []string, search string) ([]NativeFolder, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	folders, err := queryFolders(ctx, s.db,
		"SELECT "+folderColumns+" FROM docs_folders "+
			"WHERE id = ANY($1) AND ($2::text = '' OR title ILIKE '%' || $2::text || '%') ORDER BY id",
		pq.Array(ids), strings.TrimSpace(search))
	if err != nil {
		return nil, err
	}
	return s.withCounters(ctx, folders)
}

func (s *PostgresStore) GetParentFolders(ctx context.Context, id string) ([]NativeFolder, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	prefixed := "f." + strings.ReplaceAll(folderColumns, ", ", ", f.")
	folders, err := queryFolders(ctx, s.db, `
		WITH RECURSIVE chain AS (
			SELECT `+folderColumns+`, 0 AS depth FROM docs_folders WHERE id = $1
			UNION ALL
			SELECT `+prefixed+`, c.depth + 1 FROM docs_folders f
			JOIN chain c ON f.id = c.parent_id
			WHERE c.parent_id <> '' AND c.parent_id <> c.id AND c.depth < 256
		)
		SELECT `+folderColumns+` FROM chain ORDER BY depth DESC`, id)
	if err != nil {
		return nil, err
	}
	if len(folders) == 0 {
		return nil, fmt.Errorf("%w: folder %s", ErrNotFound, id)
	}
	return s.withCounters(ctx, folders)
}

func (s *PostgresStore) GetRootFolder(ctx context.Context, folderType FolderType, owner string) (NativeFolder, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	byOwner := folderType == FolderUser || folderType == FolderTrash
	row := s.db.QueryRowContext(ctx, `
		SELECT `+folderColumns+` FROM docs_folders
		WHERE folder_type = $1 AND (parent_id = '' OR id = root_id) AND (NOT $3 OR created_by = $2)
		ORDER BY created_on LIMIT 1`, string(folderType), owner, byOwner)
	f, err := scanFolder(row)
	if err != nil {
		return NativeFolder{}, notFoundOnNoRows(err, "%s root", folderType)
	}
	out, err := s.withCounters(ctx, []NativeFolder{f})
	if err != nil {
		return NativeFolder{}, err
	}
	return out[0], nil
}

func (s *PostgresStore) SaveFolder(ctx context.Context, folder NativeFolder) (NativeFolder, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	now := s.now()
	if folder.ID == "" {
		folder.ID = uuid.NewString()
	}
	if folder.CreatedOn.IsZero() {
		folder.CreatedOn = now
	}
	if folder.ModifiedOn.IsZero() {
		folder.ModifiedOn = folder.CreatedOn
	}
	if folder.FolderType == "" {
		folder.FolderType = FolderDefault
	}
	folder.TotalFiles, folder.TotalSubFolders, folder.IsNew = 0, 0, false

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		parent, err := getFolder(ctx, tx, folder.ParentID)
		switch {
		case err == nil && folder.ParentID != folder.ID:
			folder.RootType, folder.RootID, folder.RootCreator = parent.RootType, parent.RootID, parent.RootCreator
		case err == nil || errors.Is(err, ErrNotFound):
			folder.ParentID = ""
			folder.RootType, folder.RootID, folder.RootCreator = folder.FolderType, folder.ID, folder.CreatedBy
		default:
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO docs_folders (`+folderColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (id) DO UPDATE SET
				title = EXCLUDED.title, parent_id = EXCLUDED.parent_id, folder_type = EXCLUDED.folder_type,
				modified_by = EXCLUDED.modified_by, modified_on = EXCLUDED.modified_on,
				root_type = EXCLUDED.root_type, root_id = EXCLUDED.root_id, root_creator = EXCLUDED.root_creator,
				provider_id = EXCLUDED.provider_id, provider_key = EXCLUDED.provider_key`,
			folder.ID, folder.Title, folder.ParentID, string(folder.FolderType), folder.CreatedBy, folder.CreatedOn,
			folder.ModifiedBy, folder.ModifiedOn, string(folder.RootType), folder.RootID, folder.RootCreator,
			folder.ProviderID, folder.ProviderKey)
		return err
	})
	if err != nil {
		return NativeFolder{}, err
	}
	return folder, nil
}

// MoveFolder reparents id and rewrites root info on the whole subtree.
func (s *PostgresStore) MoveFolder(ctx context.Context, id, toFolderID string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := getFolder(ctx, tx, id); err != nil {
			return err
		}
		target, err := getFolder(ctx, tx, toFolderID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "UPDATE docs_folders SET parent_id = $2 WHERE id = $1", id, target.ID); err != nil {
			return err
		}
		const subtree = `
			WITH RECURSIVE tree AS (
				SELECT $1::text AS id
				UNION
				SELECT c.id FROM docs_folders c JOIN tree t ON c.parent_id = t.id
			)`
		args := []any{id, string(target.RootType), target.RootID, target.RootCreator}
		if _, err := tx.ExecContext(ctx, subtree+`
			UPDATE docs_folders SET root_type = $2, root_id = $3, root_creator = $4
			WHERE id IN (SELECT id FROM tree)`, args...); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, subtree+`
			UPDATE docs_files SET root_type = $2, root_id = $3, root_creator = $4
			WHERE parent_id IN (SELECT id FROM tree)`, args...)
		return err
	})
}

func (s *PostgresStore) DeleteFolder(ctx context.Context, id string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM docs_folders WHERE id = $1", id)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: folder %s", ErrNotFound, id)
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM docs_tags WHERE entry_id = $1", id)
		return err
	})
}

func (s *PostgresStore) ReassignFolders(ctx context.Context, ids []string, toUser string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, "UPDATE docs_folders SET created_by = $2 WHERE id = ANY($1)", pq.Array(ids), toUser)
	return err
}

func (s *PostgresStore) GetTags(ctx context.Context, entryIDs []string, tagType TagType) ([]Tag, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, entry_kind, tag_type, owner, created_on FROM docs_tags
		WHERE entry_id = ANY($1) AND ($2::text = '' OR tag_type = $2::text)
		ORDER BY created_on`, pq.Array(entryIDs), string(tagType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Tag{}
	for rows.Next() {
		var t Tag
		var kind, typ string
		if err := rows.Scan(&t.EntryID, &kind, &typ, &t.Owner, &t.CreatedOn); err != nil {
			return nil, err
		}
		t.EntryKind, t.Type = EntryKind(kind), TagType(typ)
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveTags upserts tags. A second lock on the same entry violates the
// single-lock index and is reported as a lock conflict.
func (s *PostgresStore) SaveTags(ctx context.Context, tags ...Tag) error {
	if len(tags) == 0 {
		return nil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, tag := range tags {
			if tag.CreatedOn.IsZero() {
				tag.CreatedOn = s.now()
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO docs_tags (entry_id, entry_kind, tag_type, owner, created_on)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (entry_id, tag_type, owner) DO UPDATE SET created_on = EXCLUDED.created_on`,
				tag.EntryID, string(tag.EntryKind), string(tag.Type), tag.Owner, tag.CreatedOn)
			if isUniqueViolation(err) && tag.Type == TagLocked {
				return &ConflictError{FileID: tag.EntryID, Reason: ConflictLocked}
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) RemoveTags(ctx context.Context, tags ...Tag) error {
	if len(tags) == 0 {
		return nil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, tag := range tags {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM docs_tags WHERE entry_id = $1 AND tag_type = $2 AND owner = $3",
				tag.EntryID, string(tag.Type), tag.Owner); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) queryShares(ctx context.Context, query string, args ...any) ([]ShareRecord, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []ShareRecord{}
	for rows.Next() {
		var r ShareRecord
		var kind, share string
		if err := rows.Scan(&r.EntryID, &kind, &r.Subject, &share, &r.Owner); err != nil {
			return nil, err
		}
		r.EntryKind, r.Share = EntryKind(kind), ShareLevel(share)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetShares(ctx context.Context, entryIDs ...string) ([]ShareRecord, error) {
	return s.queryShares(ctx,
		"SELECT entry_id, entry_kind, subject, share, owner FROM docs_shares WHERE entry_id = ANY($1)",
		pq.Array(entryIDs))
}

func (s *PostgresStore) GetSharesForSubjects(ctx context.Context, subjects []string) ([]ShareRecord, error) {
	return s.queryShares(ctx,
		"SELECT entry_id, entry_kind, subject, share, owner FROM docs_shares WHERE subject = ANY($1)",
		pq.Array(subjects))
}

// SetShare replaces the record for (entry, subject); ShareNone removes it.
func (s *PostgresStore) SetShare(ctx context.Context, record ShareRecord) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	if record.Share == ShareNone || record.Share == "" {
		_, err := s.db.ExecContext(ctx,
			"DELETE FROM docs_shares WHERE entry_id = $1 AND subject = $2", record.EntryID, record.Subject)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO docs_shares (entry_id, entry_kind, subject, share, owner)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (entry_id, subject) DO UPDATE SET
			entry_kind = EXCLUDED.entry_kind, share = EXCLUDED.share, owner = EXCLUDED.owner`,
		record.EntryID, string(record.EntryKind), record.Subject, string(record.Share), record.Owner)
	return err
}

func (s *PostgresStore) GetProvidersInfo(ctx context.Context, rootType FolderType, owner, search string) ([]ProviderInfo, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider_key, root_folder_id, root_type, owner, customer_title, created_on
		FROM docs_providers
		WHERE root_type = $1 AND (NOT $3 OR owner = $2)
			AND ($4::text = '' OR customer_title ILIKE '%' || $4::text || '%')
		ORDER BY created_on`,
		string(rootType), owner, rootType == FolderUser, strings.TrimSpace(search))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []ProviderInfo{}
	for rows.Next() {
		var p ProviderInfo
		var rt string
		if err := rows.Scan(&p.ID, &p.Key, &p.RootFolderID, &rt, &p.Owner, &p.CustomerTitle, &p.CreatedOn); err != nil {
			return nil, err
		}
		p.RootType = FolderType(rt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// AddProvider registers a mounted third-party storage.
func (s *PostgresStore) AddProvider(ctx context.Context, info ProviderInfo) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	if info.CreatedOn.IsZero() {
		info.CreatedOn = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO docs_providers (id, provider_key, root_folder_id, root_type, owner, customer_title, created_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET customer_title = EXCLUDED.customer_title`,
		info.ID, info.Key, info.RootFolderID, string(info.RootType), info.Owner, info.CustomerTitle, info.CreatedOn)
	return err
}
