package relaydocs

import (
	"encoding/json"
	"time"
)

type EntryKind string

const (
	KindFile   EntryKind = "file"
	KindFolder EntryKind = "folder"
)

// FolderType classifies a folder, and through RootType, the tree an entry
// belongs to.
type FolderType string

const (
	FolderDefault  FolderType = "default"
	FolderUser     FolderType = "user"
	FolderCommon   FolderType = "common"
	FolderShare    FolderType = "share"
	FolderProjects FolderType = "projects"
	FolderBunch    FolderType = "bunch"
	FolderTrash    FolderType = "trash"
)

type ShareLevel string

const (
	ShareNone      ShareLevel = "none"
	ShareRead      ShareLevel = "read"
	ShareReview    ShareLevel = "review"
	ShareReadWrite ShareLevel = "readwrite"
	ShareRestrict  ShareLevel = "restrict"
)

// EntryMeta is the part common to files and folders.
type EntryMeta struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	ParentID    string     `json:"parentId,omitempty"`
	CreatedBy   string     `json:"createdBy,omitempty"`
	CreatedOn   time.Time  `json:"createdOn"`
	ModifiedBy  string     `json:"modifiedBy,omitempty"`
	ModifiedOn  time.Time  `json:"modifiedOn"`
	RootType    FolderType `json:"rootFolderType"`
	RootID      string     `json:"rootFolderId,omitempty"`
	RootCreator string     `json:"rootFolderCreator,omitempty"`
	ProviderID  string     `json:"providerId,omitempty"`
	ProviderKey string     `json:"providerKey,omitempty"`
	Shared      bool       `json:"shared,omitempty"`
}

// Federated reports whether the entry lives in a third-party storage.
func (m EntryMeta) Federated() bool {
	return m.ProviderKey != ""
}

// Entry is a file or a folder as returned by listings.
type Entry interface {
	Meta() EntryMeta
	Kind() EntryKind
}

// File is one version of a stored file. Values are never mutated once
// persisted; use NextVersion and the With* helpers to derive new ones.
type File struct {
	EntryMeta
	ContentLength int64      `json:"contentLength"`
	Version       int        `json:"version"`
	VersionGroup  int        `json:"versionGroup"`
	ConvertedType string     `json:"convertedType,omitempty"`
	Comment       string     `json:"comment,omitempty"`
	Error         string     `json:"error,omitempty"`
	IsNew         bool       `json:"isNew,omitempty"`
	Locked        bool       `json:"locked,omitempty"`
	LockedBy      string     `json:"lockedBy,omitempty"`
	Access        ShareLevel `json:"access,omitempty"`
}

func (f File) Meta() EntryMeta { return f.EntryMeta }
func (File) Kind() EntryKind   { return KindFile }

func (f File) Extension() string {
	return FileExtension(f.Title)
}

// NextVersion derives the value stored as the version after f. Status and
// per-version fields are reset; the version group is kept.
func (f File) NextVersion(by string, at time.Time) File {
	next := f
	next.Version = f.Version + 1
	next.ModifiedBy = by
	next.ModifiedOn = at
	next.ConvertedType = ""
	next.Comment = ""
	next.Error = ""
	next.IsNew = false
	next.Locked = false
	next.LockedBy = ""
	return next
}

func (f File) WithTitle(title string) File {
	f.Title = title
	return f
}

func (f File) WithComment(comment string) File {
	f.Comment = comment
	return f
}

func (f File) WithConvertedType(ext string) File {
	f.ConvertedType = ext
	return f
}

func (f File) WithAccess(level ShareLevel) File {
	f.Access = level
	return f
}

func (f File) MarshalJSON() ([]byte, error) {
	type plain File
	return json.Marshal(struct {
		EntryType EntryKind `json:"entryType"`
		plain
	}{KindFile, plain(f)})
}

// Folder is the closed set of folder variants: NativeFolder and
// FederatedFolder.
type Folder interface {
	Entry
	Counters() (files, subFolders int)
	folder()
}

// NativeFolder is a folder row owned by the local store.
type NativeFolder struct {
	EntryMeta
	FolderType      FolderType `json:"folderType"`
	TotalFiles      int        `json:"totalFiles"`
	TotalSubFolders int        `json:"totalSubFolders"`
	IsNew           bool       `json:"isNew,omitempty"`
}

func (f NativeFolder) Meta() EntryMeta             { return f.EntryMeta }
func (NativeFolder) Kind() EntryKind               { return KindFolder }
func (f NativeFolder) Counters() (files, subs int) { return f.TotalFiles, f.TotalSubFolders }
func (NativeFolder) folder()                       {}

func (f NativeFolder) WithCounters(files, subFolders int) NativeFolder {
	f.TotalFiles = files
	f.TotalSubFolders = subFolders
	return f
}

// IsRoot reports whether f is the top of its tree.
func (f NativeFolder) IsRoot() bool {
	return f.ParentID == "" || f.ID == f.RootID
}

func (f NativeFolder) MarshalJSON() ([]byte, error) {
	type plain NativeFolder
	return json.Marshal(struct {
		EntryType EntryKind `json:"entryType"`
		Federated bool      `json:"federated"`
		plain
	}{KindFolder, false, plain(f)})
}

// FederatedFolder is synthesized from a ProviderInfo for a single listing and
// has no backing row.
type FederatedFolder struct {
	EntryMeta
	Provider ProviderInfo `json:"-"`
}

func (f FederatedFolder) Meta() EntryMeta         { return f.EntryMeta }
func (FederatedFolder) Kind() EntryKind           { return KindFolder }
func (FederatedFolder) Counters() (files, subs int) { return 0, 0 }
func (FederatedFolder) folder()                   {}

func (f FederatedFolder) MarshalJSON() ([]byte, error) {
	type plain FederatedFolder
	return json.Marshal(struct {
		EntryType EntryKind `json:"entryType"`
		Federated bool      `json:"federated"`
		plain
	}{KindFolder, true, plain(f)})
}

// NewFederatedFolder builds the virtual folder representing provider info
// mounted under parent.
func NewFederatedFolder(info ProviderInfo, parent NativeFolder) FederatedFolder {
	return FederatedFolder{
		EntryMeta: EntryMeta{
			ID:          info.RootFolderID,
			Title:       info.CustomerTitle,
			ParentID:    parent.ID,
			CreatedBy:   info.Owner,
			CreatedOn:   info.CreatedOn,
			ModifiedBy:  info.Owner,
			ModifiedOn:  info.CreatedOn,
			RootType:    info.RootType,
			RootID:      info.RootFolderID,
			RootCreator: info.Owner,
			ProviderID:  info.ID,
			ProviderKey: info.Key,
		},
		Provider: info,
	}
}

type TagType string

const (
	TagNew    TagType = "new"
	TagLocked TagType = "locked"
)

type Tag struct {
	EntryID   string    `json:"entryId"`
	EntryKind EntryKind `json:"entryType"`
	Type      TagType   `json:"tagType"`
	Owner     string    `json:"owner"`
	CreatedOn time.Time `json:"createdOn"`
}

type ShareRecord struct {
	EntryID   string     `json:"entryId"`
	EntryKind EntryKind  `json:"entryType"`
	Subject   string     `json:"subject"`
	Share     ShareLevel `json:"share"`
	Owner     string     `json:"owner,omitempty"`
}

// ProviderInfo describes a third-party storage mounted by a user.
type ProviderInfo struct {
	ID            string     `json:"id"`
	Key           string     `json:"providerKey"`
	RootFolderID  string     `json:"rootFolderId"`
	RootType      FolderType `json:"rootFolderType"`
	Owner         string     `json:"owner"`
	CustomerTitle string     `json:"customerTitle"`
	CreatedOn     time.Time  `json:"createdOn"`
}

// Project is one entry of the external project service as seen by a user.
type Project struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	FolderID     string `json:"folderId"`
	CanReadFiles bool   `json:"canReadFiles"`
}

type FilterType string

const (
	FilterNone          FilterType = ""
	FilterFilesOnly     FilterType = "files"
	FilterFoldersOnly   FilterType = "folders"
	FilterDocuments     FilterType = "documents"
	FilterSpreadsheets  FilterType = "spreadsheets"
	FilterPresentations FilterType = "presentations"
	FilterImages        FilterType = "images"
	FilterArchive       FilterType = "archive"
	FilterByUser        FilterType = "byUser"
	FilterByDepartment  FilterType = "byDepartment"
	FilterByExtension   FilterType = "byExtension"
)

type SortedBy string

const (
	SortByType        SortedBy = "type"
	SortByAuthor      SortedBy = "author"
	SortBySize        SortedBy = "size"
	SortByAZ          SortedBy = "az"
	SortByDateAndTime SortedBy = "dateandtime"
	SortByNew         SortedBy = "new"
)

type OrderBy struct {
	By  SortedBy `json:"by"`
	Asc bool     `json:"asc"`
}
