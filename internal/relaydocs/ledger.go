package relaydocs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/agentworkforce/relaydocs/internal/logging"
	"github.com/google/uuid"
)

const defaultEditComment = "Edited"

// TempLinker publishes bytes under a short-lived URL the conversion service
// can fetch.
type TempLinker interface {
	TempURL(ctx context.Context, data []byte, ext string) (string, error)
}

type LedgerDeps struct {
	Files      FileDao
	Tracker    *EditTracker
	Marker     *FileMarker
	Security   Security
	Users      UserDirectory
	Converter  Converter
	Downloader Downloader
	TempLinks  TempLinker
	Adapters   *AdapterRegistry
	ShareLinks *ShareLinks
	Guard      *UpdateGuard
	Logger     logging.Logger
}

// Ledger owns the version history of files. Every mutation runs under the
// file's update lease.
type Ledger struct {
	files      FileDao
	tracker    *EditTracker
	marker     *FileMarker
	security   Security
	users      UserDirectory
	converter  Converter
	downloader Downloader
	tempLinks  TempLinker
	adapters   *AdapterRegistry
	shareLinks *ShareLinks
	guard      *UpdateGuard
	logger     logging.Logger
	now        func() time.Time
}

func NewLedger(deps LedgerDeps) *Ledger {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	guard := deps.Guard
	if guard == nil {
		guard = NewUpdateGuard(nil, DefaultUpdateLeaseTTL, logger, nil)
	}
	downloader := deps.Downloader
	if downloader == nil {
		downloader = HTTPDownloader{}
	}
	return &Ledger{
		files:      deps.Files,
		tracker:    deps.Tracker,
		marker:     deps.Marker,
		security:   deps.Security,
		users:      deps.Users,
		converter:  deps.Converter,
		downloader: downloader,
		tempLinks:  deps.TempLinks,
		adapters:   deps.Adapters,
		shareLinks: deps.ShareLinks,
		guard:      guard,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

type SaveRequest struct {
	FileID     string
	Extension  string
	SourceURI  string
	Body       io.Reader
	ShareToken string
	Comment    string
	// CheckRights enables the capability, lock and editing checks. Trash
	// is refused either way.
	CheckRights bool
}

// SaveEditing stores new content for a file as its next version. The body,
// or the content behind SourceURI, is fully buffered before anything is
// written.
func (l *Ledger) SaveEditing(ctx context.Context, req SaveRequest) (File, error) {
	if req.Body == nil && strings.TrimSpace(req.SourceURI) == "" {
		return File{}, fmt.Errorf("%w: no content to save", ErrBadRequest)
	}
	newExt := strings.ToLower(strings.TrimSpace(req.Extension))
	if newExt == "" {
		newExt = extensionFromURI(req.SourceURI)
	}
	if newExt != "" && !strings.HasPrefix(newExt, ".") {
		newExt = "." + newExt
	}

	var saved File
	err := l.guard.Do(ctx, req.FileID, func(ctx context.Context) error {
		var err error
		saved, err = l.saveEditing(ctx, req, newExt)
		return err
	})
	if err != nil {
		return File{}, err
	}
	return saved, nil
}

func (l *Ledger) saveEditing(ctx context.Context, req SaveRequest, newExt string) (File, error) {
	me := IdentityFrom(ctx).UserID
	file, editLink, err := resolveFile(ctx, l.files, l.shareLinks, req.FileID, req.ShareToken, false)
	if err != nil {
		return File{}, err
	}
	if file.RootType == FolderTrash {
		return File{}, fmt.Errorf("%w: file %s is in trash", ErrInvalidState, file.ID)
	}
	if req.CheckRights && !editLink {
		if err := checkEditRights(ctx, l.security, l.users, file, true); err != nil {
			return File{}, err
		}
	}
	if req.CheckRights {
		if err := l.tracker.checkLock(ctx, file.ID, me); err != nil {
			return File{}, err
		}
		if l.tracker.IsEditing(file.ID) {
			return File{}, &ConflictError{FileID: file.ID, Reason: ConflictEditing}
		}
	}
	currentExt := file.ConvertedType
	if currentExt == "" {
		currentExt = file.Extension()
	}
	if newExt == "" {
		newExt = file.Extension()
	}

	data, err := l.readBody(ctx, req)
	if err != nil {
		return File{}, err
	}

	next := file.NextVersion(me, l.now())
	if file.Extension() != newExt {
		next.ConvertedType = newExt
	}
	comment := req.Comment
	if comment == "" {
		comment = defaultEditComment
	}
	next.Comment = comment

	if file.Federated() && newExt != currentExt {
		if Convertible(newExt, currentExt) {
			if data, err = l.convert(ctx, data, req.SourceURI, newExt, currentExt); err != nil {
				return File{}, err
			}
		} else {
			next.ID = file.ProviderKey + "-" + uuid.NewString()
			next.Version = 1
			next.VersionGroup = 1
			next.CreatedBy = me
			next.CreatedOn = l.now()
			next.Title = ReplaceExtension(file.Title, newExt)
		}
		next.ConvertedType = ""
	}
	next.ContentLength = int64(len(data))

	saved, err := l.files.SaveFile(ctx, next, bytes.NewReader(data))
	if err != nil {
		return File{}, err
	}
	if saved.Federated() {
		if adapter, ok := l.adapters.ForFile(saved); ok {
			if err := adapter.SaveFile(ctx, saved.ID, newExt, bytes.NewReader(data)); err != nil {
				return File{}, err
			}
		}
	}

	if l.marker != nil {
		if err := l.marker.MarkAsNew(ctx, saved); err != nil {
			return File{}, err
		}
		if err := l.marker.RemoveMarkAsNew(ctx, saved, me); err != nil {
			return File{}, err
		}
	}
	l.logger.Info(ctx, "file version saved", "fileId", saved.ID, "version", saved.Version, "bytes", saved.ContentLength)
	return saved, nil
}

func (l *Ledger) readBody(ctx context.Context, req SaveRequest) ([]byte, error) {
	if req.Body != nil {
		return io.ReadAll(req.Body)
	}
	body, err := l.downloader.Download(ctx, req.SourceURI)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

// convert turns data from fromExt into toExt through the conversion service.
func (l *Ledger) convert(ctx context.Context, data []byte, sourceURI, fromExt, toExt string) ([]byte, error) {
	if l.converter == nil {
		return nil, &UpstreamError{Service: "conversion", Message: "not configured"}
	}
	if l.tempLinks != nil {
		uri, err := l.tempLinks.TempURL(ctx, data, fromExt)
		if err != nil {
			return nil, err
		}
		sourceURI = uri
	}
	if sourceURI == "" {
		return nil, &UpstreamError{Service: "conversion", Message: "no source to convert"}
	}
	sum := sha256.Sum256([]byte(sourceURI))
	key := hex.EncodeToString(sum[:16])
	converted, err := l.converter.GetConvertedURI(ctx, sourceURI, fromExt, toExt, key)
	if err != nil {
		return nil, err
	}
	body, err := l.downloader.Download(ctx, converted)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

func extensionFromURI(uri string) string {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return ""
	}
	if parsed, err := url.Parse(uri); err == nil {
		uri = parsed.Path
	}
	return FileExtension(uri)
}

// UpdateToVersionFile appends a copy of an older version as the new head.
func (l *Ledger) UpdateToVersionFile(ctx context.Context, fileID string, version int, shareToken string, checkRights bool) (File, error) {
	if version < 1 {
		return File{}, fmt.Errorf("%w: version must be positive", ErrBadRequest)
	}
	var out File
	err := l.guard.Do(ctx, fileID, func(ctx context.Context) error {
		var err error
		out, err = l.updateToVersion(ctx, fileID, version, shareToken, checkRights)
		return err
	})
	if err != nil {
		return File{}, err
	}
	return out, nil
}

// updateToVersion expects the caller to hold the update lease of fileID.
func (l *Ledger) updateToVersion(ctx context.Context, fileID string, version int, shareToken string, checkRights bool) (File, error) {
	me := IdentityFrom(ctx).UserID
	from, editLink, err := resolveFile(ctx, l.files, l.shareLinks, fileID, shareToken, false)
	if err != nil {
		return File{}, err
	}
	if from.Version != version {
		if from, err = l.files.GetFileVersion(ctx, from.ID, min(from.Version, version)); err != nil {
			return File{}, err
		}
	}
	if from.RootType == FolderTrash {
		return File{}, fmt.Errorf("%w: file %s is in trash", ErrInvalidState, from.ID)
	}
	if checkRights && !editLink {
		if err := checkEditRights(ctx, l.security, l.users, from, false); err != nil {
			return File{}, err
		}
	}
	if err := l.tracker.checkLock(ctx, from.ID, me); err != nil {
		return File{}, err
	}
	if checkRights && l.tracker.IsEditing(from.ID) {
		return File{}, &ConflictError{FileID: from.ID, Reason: ConflictEditing}
	}
	if from.Federated() {
		return File{}, fmt.Errorf("%w: provider files keep no version history", ErrInvalidState)
	}

	current, err := l.files.GetFile(ctx, from.ID)
	if err != nil {
		return File{}, err
	}
	next := current.NextVersion(from.ModifiedBy, from.ModifiedOn)
	next.Title = ReplaceExtension(current.Title, from.Extension())
	next.ContentLength = from.ContentLength
	next.ConvertedType = from.ConvertedType
	next.Comment = fmt.Sprintf("Reverted to version %d", from.Version)

	stream, err := l.files.GetFileStream(ctx, from, 0)
	if err != nil {
		return File{}, err
	}
	data, err := io.ReadAll(stream)
	_ = stream.Close()
	if err != nil {
		return File{}, err
	}

	saved, err := l.files.SaveFile(ctx, next, bytes.NewReader(data))
	if err != nil {
		l.logger.Error(ctx, "update to version failed", "fileId", fileID, "version", version, "error", err)
		return File{}, err
	}
	return l.statusAfterWrite(ctx, saved)
}

func (l *Ledger) statusAfterWrite(ctx context.Context, file File) (File, error) {
	if l.marker == nil {
		return file, nil
	}
	if err := l.marker.MarkAsNew(ctx, file); err != nil {
		return File{}, err
	}
	resolved, err := l.marker.SetFileStatus(ctx, file)
	if err != nil {
		return File{}, err
	}
	return resolved[0], nil
}

// CompleteVersion closes the current revision, or with continueVersion set
// merges it back into the previous one. Closing from an older version first
// rolls the content back to it. Nothing is closed while the file is being
// edited.
func (l *Ledger) CompleteVersion(ctx context.Context, fileID string, version int, continueVersion, checkRights bool) (File, error) {
	var out File
	err := l.guard.Do(ctx, fileID, func(ctx context.Context) error {
		var err error
		out, err = l.completeVersion(ctx, fileID, version, continueVersion, checkRights)
		return err
	})
	if err != nil {
		return File{}, err
	}
	return out, nil
}

func (l *Ledger) completeVersion(ctx context.Context, fileID string, version int, continueVersion, checkRights bool) (File, error) {
	me := IdentityFrom(ctx).UserID
	var fileVersion File
	var err error
	if version > 0 {
		fileVersion, err = l.files.GetFileVersion(ctx, fileID, version)
	} else {
		fileVersion, err = l.files.GetFile(ctx, fileID)
	}
	if err != nil {
		return File{}, err
	}
	if fileVersion.RootType == FolderTrash {
		return File{}, fmt.Errorf("%w: file %s is in trash", ErrInvalidState, fileVersion.ID)
	}
	if checkRights {
		if err := checkEditRights(ctx, l.security, l.users, fileVersion, false); err != nil {
			return File{}, err
		}
	}
	if err := l.tracker.checkLock(ctx, fileVersion.ID, me); err != nil {
		return File{}, err
	}
	if fileVersion.Federated() {
		return File{}, fmt.Errorf("%w: provider files keep no version history", ErrInvalidState)
	}

	last, err := l.files.GetFile(ctx, fileVersion.ID)
	if err != nil {
		return File{}, err
	}

	if continueVersion {
		if last.VersionGroup > 1 {
			start, err := l.groupStart(ctx, last)
			if err != nil {
				return File{}, err
			}
			if err := l.files.ContinueVersion(ctx, last.ID, start); err != nil {
				return File{}, err
			}
		}
	} else if !l.tracker.IsEditing(last.ID) {
		if fileVersion.Version < last.Version {
			if last, err = l.updateToVersion(ctx, last.ID, fileVersion.Version, "", checkRights); err != nil {
				return File{}, err
			}
		}
		if err := l.files.CompleteVersion(ctx, last.ID, last.Version); err != nil {
			return File{}, err
		}
	}

	if last, err = l.files.GetFile(ctx, last.ID); err != nil {
		return File{}, err
	}
	if l.marker == nil {
		return last, nil
	}
	resolved, err := l.marker.SetFileStatus(ctx, last)
	if err != nil {
		return File{}, err
	}
	return resolved[0], nil
}

// groupStart is the lowest version sharing head's version group, so a
// continue moves the whole revision back.
func (l *Ledger) groupStart(ctx context.Context, head File) (int, error) {
	versions, err := l.files.GetFileVersions(ctx, head.ID)
	if err != nil {
		return 0, err
	}
	start := head.Version
	for _, v := range versions {
		if v.VersionGroup == head.VersionGroup && v.Version < start {
			start = v.Version
		}
	}
	return start, nil
}

// FileRename retitles a file, keeping its extension. renamed is false when
// the sanitized title equals the current one.
func (l *Ledger) FileRename(ctx context.Context, fileID, title string) (file File, renamed bool, err error) {
	me := IdentityFrom(ctx).UserID
	file, err = l.files.GetFile(ctx, fileID)
	if err != nil {
		return File{}, false, err
	}
	if !l.security.CanEdit(ctx, file) {
		return File{}, false, fmt.Errorf("%w: cannot rename file %s", ErrForbidden, file.ID)
	}
	if err := l.tracker.checkLock(ctx, file.ID, me); err != nil {
		return File{}, false, err
	}
	if file.Federated() && l.tracker.IsEditing(file.ID) {
		return File{}, false, &ConflictError{FileID: file.ID, Reason: ConflictEditing}
	}
	if file.RootType == FolderTrash {
		return File{}, false, fmt.Errorf("%w: file %s is in trash", ErrInvalidState, file.ID)
	}

	title = SanitizeTitle(title)
	if title == "" {
		return File{}, false, fmt.Errorf("%w: empty title", ErrBadRequest)
	}
	ext := file.Extension()
	if !strings.EqualFold(ext, FileExtension(title)) {
		title += ext
	}

	access := l.security.AccessOf(ctx, file)
	if file.Title != title {
		if file.Federated() {
			if adapter, ok := l.adapters.ForFile(file); ok {
				providerID, err := adapter.RenameObject(ctx, file, title)
				if err != nil {
					return File{}, false, err
				}
				if providerID != file.ID {
					l.logger.Info(ctx, "provider re-keyed renamed file", "fileId", file.ID, "providerId", providerID)
				}
			}
		}
		newID, err := l.files.RenameFile(ctx, file, title)
		if err != nil {
			return File{}, false, err
		}
		if file, err = l.files.GetFile(ctx, newID); err != nil {
			return File{}, false, err
		}
		renamed = true
	}
	file = file.WithAccess(access)
	if l.marker != nil {
		resolved, err := l.marker.SetFileStatus(ctx, file)
		if err != nil {
			return File{}, false, err
		}
		file = resolved[0]
	}
	return file, renamed, nil
}
