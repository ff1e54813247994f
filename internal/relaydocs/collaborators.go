package relaydocs

import (
	"context"
	"io"
	"time"
)

// FileDao stores file versions. GetFile returns the latest version.
// SaveFile appends file as a new version and stores body as its content;
// an empty ID mints a new file.
type FileDao interface {
	GetFile(ctx context.Context, id string) (File, error)
	GetFileVersion(ctx context.Context, id string, version int) (File, error)
	GetFileVersions(ctx context.Context, id string) ([]File, error)
	GetFiles(ctx context.Context, parentID string) ([]File, error)
	SearchFiles(ctx context.Context, folderIDs []string, text string) ([]File, error)
	SaveFile(ctx context.Context, file File, body io.Reader) (File, error)
	GetFileStream(ctx context.Context, file File, offset int64) (io.ReadCloser, error)
	IsExistOnStorage(ctx context.Context, file File) (bool, error)
	IsSupportedPreSignedURI(file File) bool
	GetPreSignedURI(ctx context.Context, file File, expires time.Duration) (string, error)
	SaveDifference(ctx context.Context, file File, body io.Reader) error
	GetDifferenceStream(ctx context.Context, file File) (io.ReadCloser, error)
	CompleteVersion(ctx context.Context, id string, version int) error
	ContinueVersion(ctx context.Context, id string, version int) error
	RenameFile(ctx context.Context, file File, title string) (string, error)
	MoveFile(ctx context.Context, id, toFolderID string) error
	DeleteFile(ctx context.Context, id string) error
	ReassignFiles(ctx context.Context, ids []string, toUser string) error
}

// FolderDao stores native folders. GetParentFolders returns the chain from
// the root down to and including id.
type FolderDao interface {
	GetFolder(ctx context.Context, id string) (NativeFolder, error)
	GetFolders(ctx context.Context, parentID string) ([]NativeFolder, error)
	GetFoldersByIDs(ctx context.Context, ids []string, search string) ([]NativeFolder, error)
	GetParentFolders(ctx context.Context, id string) ([]NativeFolder, error)
	GetRootFolder(ctx context.Context, folderType FolderType, owner string) (NativeFolder, error)
	SaveFolder(ctx context.Context, folder NativeFolder) (NativeFolder, error)
	MoveFolder(ctx context.Context, id, toFolderID string) error
	DeleteFolder(ctx context.Context, id string) error
	ReassignFolders(ctx context.Context, ids []string, toUser string) error
}

type TagDao interface {
	GetTags(ctx context.Context, entryIDs []string, tagType TagType) ([]Tag, error)
	SaveTags(ctx context.Context, tags ...Tag) error
	// RemoveTags deletes tags matching entry id, type and owner.
	RemoveTags(ctx context.Context, tags ...Tag) error
}

type ShareDao interface {
	GetShares(ctx context.Context, entryIDs ...string) ([]ShareRecord, error)
	GetSharesForSubjects(ctx context.Context, subjects []string) ([]ShareRecord, error)
	SetShare(ctx context.Context, record ShareRecord) error
}

type ProviderDao interface {
	// GetProvidersInfo lists the providers mounted under a root of rootType
	// visible to owner; common roots ignore owner.
	GetProvidersInfo(ctx context.Context, rootType FolderType, owner, search string) ([]ProviderInfo, error)
}

// Security answers capability questions for the identity carried by ctx.
type Security interface {
	CanRead(ctx context.Context, entry Entry) bool
	CanEdit(ctx context.Context, entry Entry) bool
	CanReview(ctx context.Context, entry Entry) bool
	CanCreate(ctx context.Context, folder Folder) bool
	FilterRead(ctx context.Context, entries []Entry) []Entry
	GetSharesForMe(ctx context.Context, searchText string) ([]Entry, error)
	AccessOf(ctx context.Context, entry Entry) ShareLevel
}

type UserDirectory interface {
	DisplayName(ctx context.Context, userID string) string
	IsVisitor(ctx context.Context, userID string) bool
	GroupMembers(ctx context.Context, groupID string) []string
	GroupsOf(ctx context.Context, userID string) []string
}

// Converter is the document conversion service.
type Converter interface {
	EnableConvert(file File, toExt string) bool
	Exec(ctx context.Context, file File, toExt string) (io.ReadCloser, error)
	GetConvertedURI(ctx context.Context, sourceURI, fromExt, toExt, key string) (string, error)
}

// ProviderAdapter fronts one third-party storage provider. Files whose id
// carries the "<provider>-" prefix belong to it.
type ProviderAdapter interface {
	Provider() string
	RenameObject(ctx context.Context, file File, title string) (string, error)
	LockObject(ctx context.Context, fileID, owner string, locked bool) error
	LockedBy(ctx context.Context, fileID string) (string, error)
	SaveFile(ctx context.Context, fileID, ext string, body io.Reader) error
}

type ProjectService interface {
	// LastModified returns an opaque marker that changes whenever any
	// project's folders change.
	LastModified(ctx context.Context) (string, error)
	ProjectsFor(ctx context.Context, userID string) ([]Project, error)
}

// Downloader fetches remote content referenced by a URI.
type Downloader interface {
	Download(ctx context.Context, uri string) (io.ReadCloser, error)
}

// EditorsNotifier is told whenever the co-editor set of a file changes.
type EditorsNotifier interface {
	EditorsChanged(ctx context.Context, fileID string, editors []string)
}

type noopNotifier struct{}

func (noopNotifier) EditorsChanged(context.Context, string, []string) {}
