package relaydocs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/relaydocs/internal/logging"
)

const DefaultEditSessionTimeout = 30 * time.Second

type editSession struct {
	userID string
	solo   bool
	seen   time.Time
}

type TrackerDeps struct {
	Files          FileDao
	Tags           TagDao
	Security       Security
	Users          UserDirectory
	Links          *ShareLinks
	Adapters       *AdapterRegistry
	Marker         *FileMarker
	Notifier       EditorsNotifier
	SessionTimeout time.Duration
	Logger         logging.Logger
}

// EditTracker holds the live editing sessions of every file and owns the
// Locked tag. A session stays live while it is prolonged within the session
// timeout.
type EditTracker struct {
	mu       sync.Mutex
	sessions map[string]map[string]editSession
	lockMu   sync.Mutex
	timeout  time.Duration
	now      func() time.Time

	files    FileDao
	tags     TagDao
	security Security
	users    UserDirectory
	links    *ShareLinks
	adapters *AdapterRegistry
	marker   *FileMarker
	notifier EditorsNotifier
	logger   logging.Logger
}

func NewEditTracker(deps TrackerDeps) *EditTracker {
	timeout := deps.SessionTimeout
	if timeout <= 0 {
		timeout = DefaultEditSessionTimeout
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &EditTracker{
		sessions: map[string]map[string]editSession{},
		timeout:  timeout,
		now:      time.Now,
		files:    deps.Files,
		tags:     deps.Tags,
		security: deps.Security,
		users:    deps.Users,
		links:    deps.Links,
		adapters: deps.Adapters,
		marker:   deps.Marker,
		notifier: notifier,
		logger:   logger,
	}
}

// SetNotifier replaces the co-editor change listener.
func (t *EditTracker) SetNotifier(n EditorsNotifier) {
	if n == nil {
		n = noopNotifier{}
	}
	t.mu.Lock()
	t.notifier = n
	t.mu.Unlock()
}

// liveLocked drops expired sessions of fileID and returns the rest.
func (t *EditTracker) liveLocked(fileID string) map[string]editSession {
	sessions := t.sessions[fileID]
	cutoff := t.now().Add(-t.timeout)
	for id, s := range sessions {
		if s.seen.Before(cutoff) {
			delete(sessions, id)
		}
	}
	if len(sessions) == 0 {
		delete(t.sessions, fileID)
		return nil
	}
	return sessions
}

// ProlongEditing refreshes or opens the session sessionID of userID. It
// refuses when another user edits solo, or when solo is requested while
// another user is editing.
func (t *EditTracker) ProlongEditing(fileID, sessionID, userID string, solo bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	sessions := t.liveLocked(fileID)
	for id, s := range sessions {
		if id == sessionID || s.userID == userID {
			continue
		}
		if s.solo || solo {
			return false
		}
	}
	if sessions == nil {
		sessions = map[string]editSession{}
		t.sessions[fileID] = sessions
	}
	sessions[sessionID] = editSession{userID: userID, solo: solo, seen: t.now()}
	return true
}

func (t *EditTracker) IsEditing(fileID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.liveLocked(fileID)) > 0
}

// GetEditingBy lists the distinct users with a live session, sorted.
func (t *EditTracker) GetEditingBy(fileID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.editorsLocked(fileID)
}

func (t *EditTracker) editorsLocked(fileID string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, s := range t.liveLocked(fileID) {
		if !seen[s.userID] {
			seen[s.userID] = true
			out = append(out, s.userID)
		}
	}
	sort.Strings(out)
	return out
}

// Remove ends sessions of fileID: one session when sessionID is set, every
// session of userID when only userID is set, and all of them otherwise.
func (t *EditTracker) Remove(ctx context.Context, fileID, sessionID, userID string) {
	t.mu.Lock()
	sessions := t.sessions[fileID]
	for id, s := range sessions {
		switch {
		case sessionID != "":
			if id == sessionID {
				delete(sessions, id)
			}
		case userID != "":
			if s.userID == userID {
				delete(sessions, id)
			}
		default:
			delete(sessions, id)
		}
	}
	editors := t.editorsLocked(fileID)
	notifier := t.notifier
	t.mu.Unlock()
	notifier.EditorsChanged(ctx, fileID, editors)
}

// StopEditing ends the caller's own sessions of fileID, or the single session
// sessionID. Only its user or an admin may end someone's session.
func (t *EditTracker) StopEditing(ctx context.Context, fileID, sessionID string) error {
	id := IdentityFrom(ctx)
	if id.Anonymous() {
		return fmt.Errorf("%w: anonymous caller", ErrForbidden)
	}
	if sessionID == "" {
		t.Remove(ctx, fileID, "", id.UserID)
		return nil
	}
	t.mu.Lock()
	s, ok := t.sessions[fileID][sessionID]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	if s.userID != id.UserID && !id.Admin {
		return fmt.Errorf("%w: session %s belongs to another user", ErrForbidden, sessionID)
	}
	t.Remove(ctx, fileID, sessionID, "")
	return nil
}

func (t *EditTracker) notify(ctx context.Context, fileID string) {
	t.mu.Lock()
	editors := t.editorsLocked(fileID)
	notifier := t.notifier
	t.mu.Unlock()
	notifier.EditorsChanged(ctx, fileID, editors)
}

type EditRequest struct {
	FileID     string
	SessionID  string
	ShareToken string
	Solo       bool
}

// TrackEditing keeps the caller's editing session of a file alive. A known
// editor whose prolongation is refused is left untouched. Anyone else must
// be able to edit the file before a session is opened.
func (t *EditTracker) TrackEditing(ctx context.Context, req EditRequest) error {
	userID := IdentityFrom(ctx).UserID
	if userID == "" {
		return fmt.Errorf("%w: anonymous editing", ErrForbidden)
	}
	if req.SessionID == "" {
		req.SessionID = userID
	}
	if contains(t.GetEditingBy(req.FileID), userID) {
		if !t.ProlongEditing(req.FileID, req.SessionID, userID, req.Solo) {
			return nil
		}
	}

	file, editLink, err := resolveFile(ctx, t.files, t.links, req.FileID, req.ShareToken, false)
	if err != nil {
		return err
	}
	if !editLink {
		if err := checkEditRights(ctx, t.security, t.users, file, true); err != nil {
			return err
		}
	}
	if err := t.checkLock(ctx, file.ID, userID); err != nil {
		return err
	}
	if file.RootType == FolderTrash {
		return fmt.Errorf("%w: file %s is in trash", ErrInvalidState, file.ID)
	}

	if t.ProlongEditing(req.FileID, req.SessionID, userID, req.Solo) {
		t.notify(ctx, req.FileID)
	}
	return nil
}

// FileLockedBy returns the owner of the Locked tag of fileID, or "".
func (t *EditTracker) FileLockedBy(ctx context.Context, fileID string) (string, error) {
	tags, err := t.tags.GetTags(ctx, []string{fileID}, TagLocked)
	if err != nil {
		return "", err
	}
	if len(tags) == 0 {
		return "", nil
	}
	return tags[0].Owner, nil
}

// FileLockedForMe reports whether someone other than userID holds the lock.
// Files of a provider adapter are never locked locally.
func (t *EditTracker) FileLockedForMe(ctx context.Context, fileID, userID string) (bool, error) {
	if _, ok := t.adapters.ForFileID(fileID); ok {
		return false, nil
	}
	owner, err := t.FileLockedBy(ctx, fileID)
	if err != nil {
		return false, err
	}
	return owner != "" && owner != userID, nil
}

func (t *EditTracker) checkLock(ctx context.Context, fileID, userID string) error {
	owner, err := t.FileLockedBy(ctx, fileID)
	if err != nil {
		return err
	}
	if _, ok := t.adapters.ForFileID(fileID); ok {
		return nil
	}
	if owner != "" && owner != userID {
		return &ConflictError{FileID: fileID, Reason: ConflictLocked, Holder: t.displayName(ctx, owner)}
	}
	return nil
}

func (t *EditTracker) displayName(ctx context.Context, userID string) string {
	if t.users == nil {
		return userID
	}
	return t.users.DisplayName(ctx, userID)
}

// LockFile gives the caller the exclusive Locked tag of a file. Provider
// files are locked through their adapter instead.
func (t *EditTracker) LockFile(ctx context.Context, fileID string) (File, error) {
	return t.setLock(ctx, fileID, true)
}

// UnlockFile drops the Locked tag. Only its owner or an administrator may.
func (t *EditTracker) UnlockFile(ctx context.Context, fileID string) (File, error) {
	return t.setLock(ctx, fileID, false)
}

func (t *EditTracker) setLock(ctx context.Context, fileID string, locked bool) (File, error) {
	id := IdentityFrom(ctx)
	file, err := t.files.GetFile(ctx, fileID)
	if err != nil {
		return File{}, err
	}
	if err := checkEditRights(ctx, t.security, t.users, file, false); err != nil {
		return File{}, err
	}
	if file.RootType == FolderTrash {
		return File{}, fmt.Errorf("%w: file %s is in trash", ErrInvalidState, file.ID)
	}

	if adapter, ok := t.adapters.ForFile(file); ok && file.Federated() {
		if err := adapter.LockObject(ctx, file.ID, id.UserID, locked); err != nil {
			return File{}, err
		}
		file.Locked = locked
		return file, nil
	}

	t.lockMu.Lock()
	owner, err := t.FileLockedBy(ctx, fileID)
	if err == nil {
		switch {
		case locked && owner != "" && owner != id.UserID:
			err = &ConflictError{FileID: fileID, Reason: ConflictLocked, Holder: t.displayName(ctx, owner)}
		case locked && owner == "":
			err = t.tags.SaveTags(ctx, Tag{EntryID: fileID, EntryKind: KindFile, Type: TagLocked, Owner: id.UserID})
		case !locked && owner != "" && owner != id.UserID && !id.Admin:
			err = &ConflictError{FileID: fileID, Reason: ConflictLocked, Holder: t.displayName(ctx, owner)}
		case !locked && owner != "":
			err = t.tags.RemoveTags(ctx, Tag{EntryID: fileID, EntryKind: KindFile, Type: TagLocked, Owner: owner})
		}
	}
	t.lockMu.Unlock()
	if err != nil {
		return File{}, err
	}
	t.logger.Info(ctx, "file lock changed", "fileId", fileID, "locked", locked, "userId", id.UserID)

	if t.marker == nil {
		file.Locked = locked
		return file, nil
	}
	resolved, err := t.marker.SetFileStatus(ctx, file)
	if err != nil {
		return File{}, err
	}
	return resolved[0], nil
}

// resolveFile loads fileID, or the file a share token names when one is
// given. editLink reports whether the token grants the requested access.
func resolveFile(ctx context.Context, files FileDao, links *ShareLinks, fileID, token string, readOnly bool) (File, bool, error) {
	if token != "" && links != nil {
		file, ok, err := links.Check(ctx, token, readOnly)
		if err != nil {
			return File{}, false, err
		}
		if file.ID != "" {
			return file, ok, nil
		}
	}
	file, err := files.GetFile(ctx, fileID)
	if err != nil {
		return File{}, false, err
	}
	return file, false, nil
}

// checkEditRights requires the caller to be a non-visitor able to edit file,
// or to review it when allowReview is set.
func checkEditRights(ctx context.Context, security Security, users UserDirectory, file File, allowReview bool) error {
	id := IdentityFrom(ctx)
	allowed := security.CanEdit(ctx, file) || (allowReview && security.CanReview(ctx, file))
	visitor := id.Visitor || (users != nil && users.IsVisitor(ctx, id.UserID))
	if !allowed || visitor {
		return fmt.Errorf("%w: cannot edit file %s", ErrForbidden, file.ID)
	}
	return nil
}
