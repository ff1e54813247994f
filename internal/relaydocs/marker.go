package relaydocs

import (
	"context"
	"time"
)

// FileMarker maintains per-identity "new" tags and resolves file status
// flags from the tag store.
type FileMarker struct {
	tags    TagDao
	shares  ShareDao
	folders FolderDao
	users   UserDirectory
	now     func() time.Time
}

func NewFileMarker(tags TagDao, shares ShareDao, folders FolderDao, users UserDirectory) *FileMarker {
	return &FileMarker{
		tags:    tags,
		shares:  shares,
		folders: folders,
		users:   users,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// MarkAsNew tags entry, and the folders above it, as new for every identity
// that can reach it: the owner of its tree, the acting identity and the
// subjects of share records, with groups expanded to their members.
func (m *FileMarker) MarkAsNew(ctx context.Context, entry Entry) error {
	meta := entry.Meta()
	recipients := map[string]struct{}{}
	add := func(id string) {
		if id != "" {
			recipients[id] = struct{}{}
		}
	}
	if meta.RootType == FolderUser {
		add(meta.RootCreator)
	}
	add(IdentityFrom(ctx).UserID)

	chain := []string{meta.ID}
	var parents []NativeFolder
	if meta.ParentID != "" && m.folders != nil && !meta.Federated() {
		if p, err := m.folders.GetParentFolders(ctx, meta.ParentID); err == nil {
			parents = p
			for _, f := range p {
				chain = append(chain, f.ID)
			}
		}
	}
	if m.shares != nil {
		records, err := m.shares.GetShares(ctx, chain...)
		if err != nil {
			return err
		}
		for _, r := range records {
			if r.Share == ShareRestrict || r.Subject == ShareLinkSubject {
				continue
			}
			members := []string(nil)
			if m.users != nil {
				members = m.users.GroupMembers(ctx, r.Subject)
			}
			if len(members) == 0 {
				add(r.Subject)
				continue
			}
			for _, member := range members {
				add(member)
			}
		}
	}

	now := m.now()
	tags := make([]Tag, 0, len(recipients)*(len(parents)+1))
	for owner := range recipients {
		tags = append(tags, Tag{EntryID: meta.ID, EntryKind: entry.Kind(), Type: TagNew, Owner: owner, CreatedOn: now})
		for _, f := range parents {
			tags = append(tags, Tag{EntryID: f.ID, EntryKind: KindFolder, Type: TagNew, Owner: owner, CreatedOn: now})
		}
	}
	if len(tags) == 0 {
		return nil
	}
	return m.tags.SaveTags(ctx, tags...)
}

// RemoveMarkAsNew clears the new tag of entry for userID.
func (m *FileMarker) RemoveMarkAsNew(ctx context.Context, entry Entry, userID string) error {
	if userID == "" {
		return nil
	}
	meta := entry.Meta()
	return m.tags.RemoveTags(ctx, Tag{EntryID: meta.ID, EntryKind: entry.Kind(), Type: TagNew, Owner: userID})
}

// newFor returns the ids among entryIDs tagged new for userID.
func (m *FileMarker) newFor(ctx context.Context, userID string, entryIDs []string) (map[string]bool, error) {
	out := map[string]bool{}
	if userID == "" || len(entryIDs) == 0 {
		return out, nil
	}
	tags, err := m.tags.GetTags(ctx, entryIDs, TagNew)
	if err != nil {
		return nil, err
	}
	for _, t := range tags {
		if t.Owner == userID {
			out[t.EntryID] = true
		}
	}
	return out, nil
}

// SetTagsNew returns entries with IsNew set from the caller's new tags.
func (m *FileMarker) SetTagsNew(ctx context.Context, entries []Entry) ([]Entry, error) {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.Meta().ID)
	}
	isNew, err := m.newFor(ctx, IdentityFrom(ctx).UserID, ids)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = withNewFlag(e, isNew[e.Meta().ID])
	}
	return out, nil
}

func withNewFlag(e Entry, isNew bool) Entry {
	switch v := e.(type) {
	case File:
		v.IsNew = isNew
		return v
	case NativeFolder:
		v.IsNew = isNew
		return v
	default:
		return e
	}
}

// SetFileStatus fills IsNew, Locked and LockedBy. LockedBy names the lock
// owner only when it is someone other than the caller.
func (m *FileMarker) SetFileStatus(ctx context.Context, files ...File) ([]File, error) {
	if len(files) == 0 {
		return files, nil
	}
	me := IdentityFrom(ctx).UserID
	ids := make([]string, 0, len(files))
	for _, f := range files {
		ids = append(ids, f.ID)
	}
	isNew, err := m.newFor(ctx, me, ids)
	if err != nil {
		return nil, err
	}
	locked, err := m.tags.GetTags(ctx, ids, TagLocked)
	if err != nil {
		return nil, err
	}
	owners := map[string]string{}
	for _, t := range locked {
		if _, ok := owners[t.EntryID]; !ok {
			owners[t.EntryID] = t.Owner
		}
	}
	out := make([]File, len(files))
	for i, f := range files {
		f.IsNew = f.IsNew || isNew[f.ID]
		owner := owners[f.ID]
		f.Locked = owner != ""
		f.LockedBy = ""
		if owner != "" && owner != me {
			f.LockedBy = owner
			if m.users != nil {
				f.LockedBy = m.users.DisplayName(ctx, owner)
			}
		}
		out[i] = f
	}
	return out, nil
}

// setEntriesStatus applies SetFileStatus to the files among entries.
func (m *FileMarker) setEntriesStatus(ctx context.Context, entries []Entry) ([]Entry, error) {
	var files []File
	var at []int
	for i, e := range entries {
		if f, ok := e.(File); ok {
			files = append(files, f)
			at = append(at, i)
		}
	}
	if len(files) == 0 {
		return entries, nil
	}
	resolved, err := m.SetFileStatus(ctx, files...)
	if err != nil {
		return nil, err
	}
	out := append([]Entry(nil), entries...)
	for i, idx := range at {
		out[idx] = resolved[i]
	}
	return out, nil
}
