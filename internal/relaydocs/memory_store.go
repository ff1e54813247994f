package relaydocs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements every DAO in process memory and keeps content in a
// ContentStore.
type MemoryStore struct {
	storedContent
	mu        sync.RWMutex
	now       func() time.Time
	folders   map[string]NativeFolder
	files     map[string][]File
	tags      []Tag
	shares    []ShareRecord
	providers []ProviderInfo
}

func NewMemoryStore(content ContentStore) *MemoryStore {
	if content == nil {
		content = NewMemoryContentStore()
	}
	return &MemoryStore{
		storedContent: storedContent{content: content},
		now:           func() time.Time { return time.Now().UTC() },
		folders:       map[string]NativeFolder{},
		files:         map[string][]File{},
	}
}

func (s *MemoryStore) GetFile(ctx context.Context, id string) (File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.files[id]
	if len(versions) == 0 {
		return File{}, fmt.Errorf("%w: file %s", ErrNotFound, id)
	}
	return versions[len(versions)-1], nil
}

func (s *MemoryStore) GetFileVersion(ctx context.Context, id string, version int) (File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.files[id]
	if version < 1 || version > len(versions) {
		return File{}, fmt.Errorf("%w: file %s version %d", ErrNotFound, id, version)
	}
	return versions[version-1], nil
}

func (s *MemoryStore) GetFileVersions(ctx context.Context, id string) ([]File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.files[id]
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: file %s", ErrNotFound, id)
	}
	return append([]File(nil), versions...), nil
}

func (s *MemoryStore) GetFiles(ctx context.Context, parentID string) ([]File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestFiles(func(f File) bool { return f.ParentID == parentID }), nil
}

func (s *MemoryStore) SearchFiles(ctx context.Context, folderIDs []string, text string) ([]File, error) {
	in := map[string]struct{}{}
	for _, id := range folderIDs {
		in[id] = struct{}{}
	}
	text = strings.ToLower(strings.TrimSpace(text))
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestFiles(func(f File) bool {
		if _, ok := in[f.ParentID]; !ok {
			return false
		}
		return text == "" || strings.Contains(strings.ToLower(f.Title), text)
	}), nil
}

func (s *MemoryStore) latestFiles(match func(File) bool) []File {
	out := []File{}
	for _, versions := range s.files {
		if len(versions) == 0 {
			continue
		}
		latest := versions[len(versions)-1]
		if match(latest) {
			out = append(out, latest)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) SaveFile(ctx context.Context, file File, body io.Reader) (File, error) {
	var data []byte
	if body != nil {
		var err error
		if data, err = io.ReadAll(body); err != nil {
			return File{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if file.ID == "" {
		file.ID = uuid.NewString()
		file.Version = 1
		if file.CreatedOn.IsZero() {
			file.CreatedOn = now
		}
	} else if expected := len(s.files[file.ID]) + 1; file.Version != expected {
		return File{}, &ConflictError{FileID: file.ID, Reason: ConflictVersion}
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
	if parent, ok := s.folders[file.ParentID]; ok && file.RootType == "" {
		file.RootType = parent.RootType
		file.RootID = parent.RootID
		file.RootCreator = parent.RootCreator
	}
	n, err := s.content.Put(ctx, fileContentKey(file.ID, file.Version), bytes.NewReader(data))
	if err != nil {
		return File{}, err
	}
	file.ContentLength = n
	file.IsNew, file.Locked, file.LockedBy, file.Access = false, false, "", ""
	s.files[file.ID] = append(s.files[file.ID], file)
	return file, nil
}

func (s *MemoryStore) CompleteVersion(ctx context.Context, id string, version int) error {
	return s.shiftVersionGroup(id, version, 1)
}

func (s *MemoryStore) ContinueVersion(ctx context.Context, id string, version int) error {
	return s.shiftVersionGroup(id, version, -1)
}

func (s *MemoryStore) shiftVersionGroup(id string, fromVersion, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.files[id]
	if len(versions) == 0 {
		return fmt.Errorf("%w: file %s", ErrNotFound, id)
	}
	for i := range versions {
		if versions[i].Version >= fromVersion {
			versions[i].VersionGroup += delta
		}
	}
	return nil
}

func (s *MemoryStore) RenameFile(ctx context.Context, file File, title string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.files[file.ID]
	if len(versions) == 0 {
		return "", fmt.Errorf("%w: file %s", ErrNotFound, file.ID)
	}
	last := len(versions) - 1
	versions[last] = versions[last].WithTitle(title)
	versions[last].ModifiedOn = s.now()
	return file.ID, nil
}

func (s *MemoryStore) MoveFile(ctx context.Context, id, toFolderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.files[id]
	if len(versions) == 0 {
		return fmt.Errorf("%w: file %s", ErrNotFound, id)
	}
	target, ok := s.folders[toFolderID]
	if !ok {
		return fmt.Errorf("%w: folder %s", ErrNotFound, toFolderID)
	}
	for i := range versions {
		versions[i].ParentID = target.ID
		versions[i].RootType = target.RootType
		versions[i].RootID = target.RootID
		versions[i].RootCreator = target.RootCreator
	}
	return nil
}

func (s *MemoryStore) DeleteFile(ctx context.Context, id string) error {
	s.mu.Lock()
	versions := s.files[id]
	delete(s.files, id)
	s.tags = filterTags(s.tags, func(t Tag) bool { return t.EntryID != id })
	s.mu.Unlock()
	for _, v := range versions {
		_ = s.content.Delete(ctx, fileContentKey(v.ID, v.Version))
		_ = s.content.Delete(ctx, fileDiffKey(v.ID, v.Version))
	}
	return nil
}

func (s *MemoryStore) ReassignFiles(ctx context.Context, ids []string, toUser string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		versions := s.files[id]
		for i := range versions {
			versions[i].CreatedBy = toUser
		}
	}
	return nil
}

func (s *MemoryStore) GetFolder(ctx context.Context, id string) (NativeFolder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.folders[id]
	if !ok {
		return NativeFolder{}, fmt.Errorf("%w: folder %s", ErrNotFound, id)
	}
	return s.withCounters(f), nil
}

func (s *MemoryStore) GetFolders(ctx context.Context, parentID string) ([]NativeFolder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.matchFolders(func(f NativeFolder) bool { return f.ParentID == parentID && f.ID != parentID }), nil
}

func (s *MemoryStore) GetFoldersByIDs(ctx context.Context, ids []string, search string) ([]NativeFolder, error) {
	in := map[string]struct{}{}
	for _, id := range ids {
		in[id] = struct{}{}
	}
	search = strings.ToLower(strings.TrimSpace(search))
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.matchFolders(func(f NativeFolder) bool {
		if _, ok := in[f.ID]; !ok {
			return false
		}
		return search == "" || strings.Contains(strings.ToLower(f.Title), search)
	}), nil
}

func (s *MemoryStore) matchFolders(match func(NativeFolder) bool) []NativeFolder {
	out := []NativeFolder{}
	for _, f := range s.folders {
		if match(f) {
			out = append(out, s.withCounters(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) GetParentFolders(ctx context.Context, id string) ([]NativeFolder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := []NativeFolder{}
	seen := map[string]bool{}
	for cur := id; cur != "" && !seen[cur]; {
		f, ok := s.folders[cur]
		if !ok {
			if cur == id {
				return nil, fmt.Errorf("%w: folder %s", ErrNotFound, id)
			}
			break
		}
		seen[cur] = true
		chain = append(chain, s.withCounters(f))
		cur = f.ParentID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func (s *MemoryStore) GetRootFolder(ctx context.Context, folderType FolderType, owner string) (NativeFolder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.folders {
		if f.FolderType != folderType || !f.IsRoot() {
			continue
		}
		if (folderType == FolderUser || folderType == FolderTrash) && f.CreatedBy != owner {
			continue
		}
		return s.withCounters(f), nil
	}
	return NativeFolder{}, fmt.Errorf("%w: %s root", ErrNotFound, folderType)
}

func (s *MemoryStore) SaveFolder(ctx context.Context, folder NativeFolder) (NativeFolder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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
	if parent, ok := s.folders[folder.ParentID]; ok && folder.ParentID != folder.ID {
		folder.RootType = parent.RootType
		folder.RootID = parent.RootID
		folder.RootCreator = parent.RootCreator
	} else {
		folder.ParentID = ""
		folder.RootType = folder.FolderType
		folder.RootID = folder.ID
		folder.RootCreator = folder.CreatedBy
	}
	folder.TotalFiles, folder.TotalSubFolders, folder.IsNew = 0, 0, false
	s.folders[folder.ID] = folder
	return folder, nil
}

func (s *MemoryStore) MoveFolder(ctx context.Context, id, toFolderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[id]
	if !ok {
		return fmt.Errorf("%w: folder %s", ErrNotFound, id)
	}
	target, ok := s.folders[toFolderID]
	if !ok {
		return fmt.Errorf("%w: folder %s", ErrNotFound, toFolderID)
	}
	f.ParentID = target.ID
	s.folders[id] = f
	s.rerootLocked(id, target)
	return nil
}

// rerootLocked rewrites root info below id after a move.
func (s *MemoryStore) rerootLocked(id string, target NativeFolder) {
	f := s.folders[id]
	f.RootType, f.RootID, f.RootCreator = target.RootType, target.RootID, target.RootCreator
	s.folders[id] = f
	for fileID, versions := range s.files {
		if len(versions) > 0 && versions[len(versions)-1].ParentID == id {
			for i := range versions {
				versions[i].RootType, versions[i].RootID, versions[i].RootCreator = target.RootType, target.RootID, target.RootCreator
			}
			s.files[fileID] = versions
		}
	}
	for childID, child := range s.folders {
		if child.ParentID == id && childID != id {
			s.rerootLocked(childID, target)
		}
	}
}

func (s *MemoryStore) DeleteFolder(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.folders[id]; !ok {
		return fmt.Errorf("%w: folder %s", ErrNotFound, id)
	}
	delete(s.folders, id)
	s.tags = filterTags(s.tags, func(t Tag) bool { return t.EntryID != id })
	return nil
}

func (s *MemoryStore) ReassignFolders(ctx context.Context, ids []string, toUser string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if f, ok := s.folders[id]; ok {
			f.CreatedBy = toUser
			s.folders[id] = f
		}
	}
	return nil
}

// withCounters fills the recursive file and sub-folder counters of f.
func (s *MemoryStore) withCounters(f NativeFolder) NativeFolder {
	files, subs := s.countBelow(f.ID, map[string]bool{f.ID: true})
	return f.WithCounters(files, subs)
}

func (s *MemoryStore) countBelow(id string, seen map[string]bool) (files, subs int) {
	for _, versions := range s.files {
		if len(versions) > 0 && versions[len(versions)-1].ParentID == id {
			files++
		}
	}
	for childID, child := range s.folders {
		if child.ParentID != id || seen[childID] {
			continue
		}
		seen[childID] = true
		f, sf := s.countBelow(childID, seen)
		files += f
		subs += sf + 1
	}
	return files, subs
}

func (s *MemoryStore) GetTags(ctx context.Context, entryIDs []string, tagType TagType) ([]Tag, error) {
	in := map[string]struct{}{}
	for _, id := range entryIDs {
		in[id] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []Tag{}
	for _, t := range s.tags {
		if _, ok := in[t.EntryID]; !ok {
			continue
		}
		if tagType != "" && t.Type != tagType {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *MemoryStore) SaveTags(ctx context.Context, tags ...Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tag := range tags {
		if tag.CreatedOn.IsZero() {
			tag.CreatedOn = s.now()
		}
		replaced := false
		for i, existing := range s.tags {
			if tag.Type == TagLocked && existing.Type == TagLocked && existing.EntryID == tag.EntryID && existing.Owner != tag.Owner {
				return &ConflictError{FileID: tag.EntryID, Reason: ConflictLocked}
			}
			if sameTag(existing, tag) {
				s.tags[i] = tag
				replaced = true
				break
			}
		}
		if !replaced {
			s.tags = append(s.tags, tag)
		}
	}
	return nil
}

func (s *MemoryStore) RemoveTags(ctx context.Context, tags ...Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tag := range tags {
		s.tags = filterTags(s.tags, func(t Tag) bool { return !sameTag(t, tag) })
	}
	return nil
}

func sameTag(a, b Tag) bool {
	return a.EntryID == b.EntryID && a.Type == b.Type && a.Owner == b.Owner
}

func filterTags(tags []Tag, keep func(Tag) bool) []Tag {
	out := tags[:0]
	for _, t := range tags {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

func (s *MemoryStore) GetShares(ctx context.Context, entryIDs ...string) ([]ShareRecord, error) {
	in := map[string]struct{}{}
	for _, id := range entryIDs {
		in[id] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []ShareRecord{}
	for _, r := range s.shares {
		if _, ok := in[r.EntryID]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetSharesForSubjects(ctx context.Context, subjects []string) ([]ShareRecord, error) {
	in := map[string]struct{}{}
	for _, id := range subjects {
		in[id] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []ShareRecord{}
	for _, r := range s.shares {
		if _, ok := in[r.Subject]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) SetShare(ctx context.Context, record ShareRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.shares[:0]
	for _, r := range s.shares {
		if r.EntryID == record.EntryID && r.Subject == record.Subject {
			continue
		}
		out = append(out, r)
	}
	if record.Share != ShareNone && record.Share != "" {
		out = append(out, record)
	}
	s.shares = out
	return nil
}

func (s *MemoryStore) GetProvidersInfo(ctx context.Context, rootType FolderType, owner, search string) ([]ProviderInfo, error) {
	search = strings.ToLower(strings.TrimSpace(search))
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []ProviderInfo{}
	for _, p := range s.providers {
		if p.RootType != rootType {
			continue
		}
		if rootType == FolderUser && p.Owner != owner {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(p.CustomerTitle), search) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// AddProvider registers a mounted third-party storage.
func (s *MemoryStore) AddProvider(info ProviderInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info.CreatedOn.IsZero() {
		info.CreatedOn = s.now()
	}
	s.providers = append(s.providers, info)
}

func (s *MemoryStore) Close() error {
	return nil
}
