package relaydocs

import (
	"context"
	"errors"
	"strings"
)

// ShareLinkSubject is the share subject granting access through share links.
const ShareLinkSubject = "share-link"

// ShareSecurity derives capabilities from tree ownership and share records
// on an entry and its ancestors. The nearest entry carrying a record for one
// of the caller's subjects decides; Restrict on that entry overrides any
// grant.
type ShareSecurity struct {
	files   FileDao
	folders FolderDao
	shares  ShareDao
	users   UserDirectory
}

func NewShareSecurity(files FileDao, folders FolderDao, shares ShareDao, users UserDirectory) *ShareSecurity {
	return &ShareSecurity{files: files, folders: folders, shares: shares, users: users}
}

func (s *ShareSecurity) CanRead(ctx context.Context, entry Entry) bool {
	return s.AccessOf(ctx, entry) != ShareNone
}

func (s *ShareSecurity) CanEdit(ctx context.Context, entry Entry) bool {
	return s.AccessOf(ctx, entry) == ShareReadWrite
}

func (s *ShareSecurity) CanReview(ctx context.Context, entry Entry) bool {
	level := s.AccessOf(ctx, entry)
	return level == ShareReadWrite || level == ShareReview
}

func (s *ShareSecurity) CanCreate(ctx context.Context, folder Folder) bool {
	if folder == nil {
		return false
	}
	id := IdentityFrom(ctx)
	if id.Anonymous() || s.visitor(ctx, id) {
		return false
	}
	if native, ok := folder.(NativeFolder); ok {
		switch native.FolderType {
		case FolderShare, FolderProjects, FolderTrash:
			return false
		}
	}
	return s.AccessOf(ctx, folder) == ShareReadWrite
}

func (s *ShareSecurity) FilterRead(ctx context.Context, entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e != nil && s.CanRead(ctx, e) {
			out = append(out, e)
		}
	}
	return out
}

func (s *ShareSecurity) AccessOf(ctx context.Context, entry Entry) ShareLevel {
	if entry == nil {
		return ShareNone
	}
	id := IdentityFrom(ctx)
	if id.Anonymous() {
		return ShareNone
	}
	m := entry.Meta()

	if m.RootType == FolderTrash {
		if m.RootCreator == id.UserID || m.CreatedBy == id.UserID {
			return ShareReadWrite
		}
		return ShareNone
	}

	level := ShareNone
	switch {
	case m.RootType == FolderUser && m.RootCreator == id.UserID:
		level = ShareReadWrite
	case m.CreatedBy == id.UserID && m.RootType != FolderShare:
		level = ShareReadWrite
	default:
		if shared, ok := s.sharedLevel(ctx, entry, s.subjects(ctx, id)); ok {
			level = shared
		} else {
			switch m.RootType {
			case FolderCommon:
				level = ShareRead
				if id.Admin {
					level = ShareReadWrite
				}
			case FolderProjects, FolderBunch:
				level = ShareRead
			case FolderShare:
				if native, isFolder := entry.(NativeFolder); isFolder && native.IsRoot() {
					level = ShareRead
				}
			}
		}
	}

	if level == ShareReadWrite && s.visitor(ctx, id) {
		level = ShareRead
	}
	return level
}

// GetSharesForMe lists entries shared with the caller or one of its groups,
// excluding the caller's own entries and trashed ones.
func (s *ShareSecurity) GetSharesForMe(ctx context.Context, searchText string) ([]Entry, error) {
	id := IdentityFrom(ctx)
	if id.Anonymous() {
		return nil, nil
	}
	records, err := s.shares.GetSharesForSubjects(ctx, s.subjects(ctx, id))
	if err != nil {
		return nil, err
	}
	restricted := map[string]bool{}
	for _, r := range records {
		if r.Share == ShareRestrict {
			restricted[r.EntryID] = true
		}
	}
	search := strings.ToLower(strings.TrimSpace(searchText))
	seen := map[string]bool{}
	out := []Entry{}
	for _, r := range records {
		if restricted[r.EntryID] || seen[r.EntryID] {
			continue
		}
		seen[r.EntryID] = true
		entry, err := s.loadShared(ctx, r)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		m := entry.Meta()
		if m.RootType == FolderTrash || m.CreatedBy == id.UserID {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(m.Title), search) {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *ShareSecurity) loadShared(ctx context.Context, r ShareRecord) (Entry, error) {
	if r.EntryKind == KindFolder {
		f, err := s.folders.GetFolder(ctx, r.EntryID)
		if err != nil {
			return nil, err
		}
		f.Shared = true
		return f, nil
	}
	f, err := s.files.GetFile(ctx, r.EntryID)
	if err != nil {
		return nil, err
	}
	f.Shared = true
	return f, nil
}

func (s *ShareSecurity) subjects(ctx context.Context, id Identity) []string {
	subjects := []string{id.UserID}
	if s.users != nil {
		subjects = append(subjects, s.users.GroupsOf(ctx, id.UserID)...)
	}
	return subjects
}

func (s *ShareSecurity) visitor(ctx context.Context, id Identity) bool {
	if id.Visitor {
		return true
	}
	return s.users != nil && s.users.IsVisitor(ctx, id.UserID)
}

// sharedLevel walks from entry up to its root and returns the level granted
// by the first entry holding a record for one of subjects.
func (s *ShareSecurity) sharedLevel(ctx context.Context, entry Entry, subjects []string) (ShareLevel, bool) {
	m := entry.Meta()
	chain := []string{m.ID}
	parentID := m.ParentID
	if entry.Kind() == KindFolder && m.Federated() {
		parentID = ""
	}
	if parentID != "" && s.folders != nil {
		parents, err := s.folders.GetParentFolders(ctx, parentID)
		if err == nil {
			for i := len(parents) - 1; i >= 0; i-- {
				chain = append(chain, parents[i].ID)
			}
		}
	}
	records, err := s.shares.GetShares(ctx, chain...)
	if err != nil || len(records) == 0 {
		return ShareNone, false
	}
	for _, entryID := range chain {
		found := false
		level := ShareNone
		for _, r := range records {
			if r.EntryID != entryID || !contains(subjects, r.Subject) {
				continue
			}
			found = true
			if r.Share == ShareRestrict {
				return ShareNone, true
			}
			if shareRank(r.Share) > shareRank(level) {
				level = r.Share
			}
		}
		if found {
			return level, true
		}
	}
	return ShareNone, false
}

func shareRank(level ShareLevel) int {
	switch level {
	case ShareRead:
		return 1
	case ShareReview:
		return 2
	case ShareReadWrite:
		return 3
	default:
		return 0
	}
}
