package relaydocs

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentworkforce/relaydocs/internal/logging"
)

type CatalogDeps struct {
	Files        FileDao
	Folders      FolderDao
	Shares       ShareDao
	Providers    ProviderDao
	Security     Security
	Users        UserDirectory
	Marker       *FileMarker
	Projects     ProjectService
	ProjectCache ProjectCache
	Logger       logging.Logger
}

// Catalog composes listings from the native store, federated providers and
// the virtual share and project views.
type Catalog struct {
	files        FileDao
	folders      FolderDao
	shares       ShareDao
	providers    ProviderDao
	security     Security
	users        UserDirectory
	marker       *FileMarker
	projects     ProjectService
	projectCache ProjectCache
	logger       logging.Logger
}

func NewCatalog(deps CatalogDeps) *Catalog {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	cache := deps.ProjectCache
	if cache == nil {
		cache = NewMemoryProjectCache(DefaultProjectCacheTTL)
	}
	return &Catalog{
		files:        deps.Files,
		folders:      deps.Folders,
		shares:       deps.Shares,
		providers:    deps.Providers,
		security:     deps.Security,
		users:        deps.Users,
		marker:       deps.Marker,
		projects:     deps.Projects,
		projectCache: cache,
		logger:       logger,
	}
}

type ListQuery struct {
	ParentID   string
	Filter     FilterType
	SubjectID  string
	OrderBy    OrderBy
	SearchText string
	Offset     int
	Limit      int
}

// Listing is one page of a folder. Folder carries counters recomputed from
// every entry that passed filtering, not just the page.
type Listing struct {
	Folder  NativeFolder `json:"folder"`
	Entries []Entry      `json:"entries"`
	Total   int          `json:"total"`
}

func (c *Catalog) ListEntries(ctx context.Context, q ListQuery) (Listing, error) {
	parent, err := c.folders.GetFolder(ctx, q.ParentID)
	if err != nil {
		return Listing{}, err
	}
	if !c.security.CanRead(ctx, parent) {
		return Listing{}, fmt.Errorf("%w: folder %s", ErrForbidden, parent.ID)
	}

	var entries []Entry
	switch {
	case parent.FolderType == FolderProjects && parent.IsRoot():
		entries, err = c.projectEntries(ctx, q)
	case parent.FolderType == FolderShare:
		entries, err = c.sharedEntries(ctx, q)
	default:
		entries, err = c.folderEntries(ctx, parent, q)
	}
	if err != nil {
		return Listing{}, err
	}

	files, subs := 0, 0
	for _, e := range entries {
		if f, ok := e.(Folder); ok {
			ef, es := f.Counters()
			files += ef
			subs += es + 1
			continue
		}
		files++
	}
	parent = parent.WithCounters(files, subs)

	total := 0
	if q.OrderBy.By != SortByNew {
		entries = SortEntries(entries, q.OrderBy, c.displayName(ctx))
		total = len(entries)
		entries = paginate(entries, q.Offset, q.Limit)
	}

	if c.marker != nil {
		if entries, err = c.marker.SetTagsNew(ctx, entries); err != nil {
			return Listing{}, err
		}
	}

	if q.OrderBy.By == SortByNew {
		entries = SortEntries(entries, q.OrderBy, c.displayName(ctx))
		total = len(entries)
		entries = paginate(entries, q.Offset, q.Limit)
	}

	if c.marker != nil {
		if entries, err = c.marker.setEntriesStatus(ctx, entries); err != nil {
			return Listing{}, err
		}
	}

	return Listing{Folder: parent, Entries: entries, Total: total}, nil
}

func (c *Catalog) displayName(ctx context.Context) func(string) string {
	if c.users == nil {
		return nil
	}
	return func(userID string) string { return c.users.DisplayName(ctx, userID) }
}

func (c *Catalog) groupMembers(ctx context.Context) func(string) []string {
	if c.users == nil {
		return nil
	}
	return func(groupID string) []string { return c.users.GroupMembers(ctx, groupID) }
}

func (c *Catalog) folderEntries(ctx context.Context, parent NativeFolder, q ListQuery) ([]Entry, error) {
	var folders []NativeFolder
	var files []File
	var err error
	if q.SearchText != "" && parent.FolderType != FolderTrash {
		ids, err := c.descendantIDs(ctx, parent.ID)
		if err != nil {
			return nil, err
		}
		if folders, err = c.folders.GetFoldersByIDs(ctx, ids, q.SearchText); err != nil {
			return nil, err
		}
		if files, err = c.files.SearchFiles(ctx, append([]string{parent.ID}, ids...), q.SearchText); err != nil {
			return nil, err
		}
	} else {
		if folders, err = c.folders.GetFolders(ctx, parent.ID); err != nil {
			return nil, err
		}
		if files, err = c.files.GetFiles(ctx, parent.ID); err != nil {
			return nil, err
		}
	}

	entries := make([]Entry, 0, len(folders)+len(files))
	for _, f := range folders {
		entries = append(entries, f)
	}
	for _, f := range files {
		entries = append(entries, f)
	}
	entries = c.security.FilterRead(ctx, entries)
	entries = FilterEntries(entries, q.Filter, q.SubjectID, q.SearchText, c.groupMembers(ctx))

	if q.Filter == FilterNone || q.Filter == FilterFoldersOnly {
		federated, err := c.federatedFolders(ctx, parent, q.SearchText)
		if err != nil {
			return nil, err
		}
		entries = append(entries, FilterEntries(federated, q.Filter, q.SubjectID, q.SearchText, c.groupMembers(ctx))...)
	}
	return entries, nil
}

// descendantIDs lists every folder below id, breadth first.
func (c *Catalog) descendantIDs(ctx context.Context, id string) ([]string, error) {
	var out []string
	seen := map[string]bool{id: true}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		children, err := c.folders.GetFolders(ctx, cur)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if seen[child.ID] {
				continue
			}
			seen[child.ID] = true
			out = append(out, child.ID)
			queue = append(queue, child.ID)
		}
	}
	return out, nil
}

// federatedFolders synthesizes one folder per provider mounted under a
// user's own root or the common root.
func (c *Catalog) federatedFolders(ctx context.Context, parent NativeFolder, search string) ([]Entry, error) {
	if c.providers == nil || !parent.IsRoot() {
		return nil, nil
	}
	me := IdentityFrom(ctx).UserID
	switch {
	case parent.FolderType == FolderUser && parent.RootCreator == me:
	case parent.FolderType == FolderCommon:
	default:
		return nil, nil
	}
	infos, err := c.providers.GetProvidersInfo(ctx, parent.RootType, me, search)
	if err != nil {
		return nil, err
	}
	folders := make([]FederatedFolder, 0, len(infos))
	ids := make([]string, 0, len(infos))
	for _, info := range infos {
		f := NewFederatedFolder(info, parent)
		if !c.security.CanRead(ctx, f) {
			continue
		}
		folders = append(folders, f)
		ids = append(ids, f.ID)
	}
	shared := map[string]bool{}
	if len(ids) > 0 && c.shares != nil {
		records, err := c.shares.GetShares(ctx, ids...)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			shared[r.EntryID] = true
		}
	}
	out := make([]Entry, 0, len(folders))
	for _, f := range folders {
		f.Shared = shared[f.ID]
		out = append(out, f)
	}
	return out, nil
}

func (c *Catalog) sharedEntries(ctx context.Context, q ListQuery) ([]Entry, error) {
	shared, err := c.security.GetSharesForMe(ctx, q.SearchText)
	if err != nil {
		return nil, err
	}
	shared = c.security.FilterRead(ctx, shared)
	return FilterEntries(shared, q.Filter, q.SubjectID, q.SearchText, c.groupMembers(ctx)), nil
}

// projectEntries lists the bunch folders of the projects the caller can read
// files of, titled after their project. The project list is cached per user
// until the service's marker moves; searches bypass the cache.
func (c *Catalog) projectEntries(ctx context.Context, q ListQuery) ([]Entry, error) {
	if c.projects == nil {
		return []Entry{}, nil
	}
	me := IdentityFrom(ctx).UserID
	marker, err := c.projects.LastModified(ctx)
	if err != nil {
		return nil, err
	}

	projects, hit := []Project(nil), false
	if q.SearchText == "" {
		projects, hit = c.projectCache.Get(ctx, me, marker)
	}
	if !hit {
		if projects, err = c.projects.ProjectsFor(ctx, me); err != nil {
			return nil, err
		}
		if q.SearchText == "" && len(projects) > 0 {
			c.projectCache.Put(ctx, me, marker, projects)
		}
	}

	titles := map[string]string{}
	ids := []string{}
	for _, p := range projects {
		if !p.CanReadFiles || p.FolderID == "" {
			continue
		}
		if _, dup := titles[p.FolderID]; dup {
			continue
		}
		titles[p.FolderID] = SanitizeTitle(p.Title)
		ids = append(ids, p.FolderID)
	}
	if len(ids) == 0 {
		return []Entry{}, nil
	}

	folders, err := c.folders.GetFoldersByIDs(ctx, ids, "")
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(folders))
	for _, f := range folders {
		if title := titles[f.ID]; title != "" {
			f.Title = title
		}
		entries = append(entries, f)
	}
	entries = c.security.FilterRead(ctx, entries)

	if q.SearchText != "" {
		files, err := c.files.SearchFiles(ctx, ids, q.SearchText)
		if err != nil {
			return nil, err
		}
		found := make([]Entry, 0, len(files))
		for _, f := range files {
			found = append(found, f)
		}
		entries = append(entries, c.security.FilterRead(ctx, found)...)
	}
	return FilterEntries(entries, q.Filter, q.SubjectID, q.SearchText, c.groupMembers(ctx)), nil
}

// GetBreadCrumbs returns the readable chain from the root down to folderID,
// headed by the root the caller reaches it through.
func (c *Catalog) GetBreadCrumbs(ctx context.Context, folderID string) ([]NativeFolder, error) {
	if folderID == "" {
		return []NativeFolder{}, nil
	}
	chain, err := c.folders.GetParentFolders(ctx, folderID)
	if err != nil {
		return nil, err
	}
	crumbs := make([]NativeFolder, 0, len(chain)+1)
	for _, f := range chain {
		if c.security.CanRead(ctx, f) {
			crumbs = append(crumbs, f)
		}
	}

	me := IdentityFrom(ctx).UserID
	var rootType FolderType
	if len(crumbs) == 0 {
		rootType = FolderShare
	} else {
		first := crumbs[0]
		switch first.FolderType {
		case FolderDefault:
			switch {
			case !first.Federated():
				rootType = FolderShare
			case first.RootType == FolderUser && first.RootCreator == me:
				rootType = FolderUser
			case first.RootType == FolderUser:
				rootType = FolderShare
			case first.RootType == FolderCommon:
				rootType = FolderCommon
			}
		case FolderBunch:
			rootType = FolderProjects
		}
	}
	if rootType == "" {
		return crumbs, nil
	}
	root, err := c.folders.GetRootFolder(ctx, rootType, me)
	if errors.Is(err, ErrNotFound) {
		return crumbs, nil
	}
	if err != nil {
		return nil, err
	}
	return append([]NativeFolder{root}, crumbs...), nil
}

// editableFolder loads folderID and requires the caller to hold edit rights
// on it.
func (c *Catalog) editableFolder(ctx context.Context, folderID string) (NativeFolder, error) {
	folder, err := c.folders.GetFolder(ctx, folderID)
	if err != nil {
		return NativeFolder{}, err
	}
	if !c.security.CanEdit(ctx, folder) {
		return NativeFolder{}, fmt.Errorf("%w: no edit rights on folder %s", ErrForbidden, folderID)
	}
	return folder, nil
}

// DeleteSubitems removes everything below folderID, depth first. The caller
// needs edit rights on folderID.
func (c *Catalog) DeleteSubitems(ctx context.Context, folderID string) error {
	if _, err := c.editableFolder(ctx, folderID); err != nil {
		return err
	}
	return c.deleteSubitems(ctx, folderID)
}

func (c *Catalog) deleteSubitems(ctx context.Context, folderID string) error {
	folders, err := c.folders.GetFolders(ctx, folderID)
	if err != nil {
		return err
	}
	for _, f := range folders {
		if err := c.deleteSubitems(ctx, f.ID); err != nil {
			return err
		}
		c.logger.Info(ctx, "delete folder", "folderId", f.ID, "parentId", folderID)
		if err := c.folders.DeleteFolder(ctx, f.ID); err != nil {
			return err
		}
	}
	files, err := c.files.GetFiles(ctx, folderID)
	if err != nil {
		return err
	}
	for _, f := range files {
		c.logger.Info(ctx, "delete file", "fileId", f.ID, "parentId", folderID)
		if err := c.files.DeleteFile(ctx, f.ID); err != nil {
			return err
		}
	}
	return nil
}

// MoveSharedItems moves every entry below folderID that is still shared
// with someone into toFolderID. A shared folder moves whole; unshared
// folders are searched recursively. Both folders must be editable by the
// caller.
func (c *Catalog) MoveSharedItems(ctx context.Context, folderID, toFolderID string) error {
	if _, err := c.editableFolder(ctx, folderID); err != nil {
		return err
	}
	if _, err := c.editableFolder(ctx, toFolderID); err != nil {
		return err
	}
	return c.moveSharedItems(ctx, folderID, toFolderID)
}

func (c *Catalog) moveSharedItems(ctx context.Context, folderID, toFolderID string) error {
	folders, err := c.folders.GetFolders(ctx, folderID)
	if err != nil {
		return err
	}
	for _, f := range folders {
		shared, err := c.activelyShared(ctx, f.EntryMeta, false)
		if err != nil {
			return err
		}
		if shared {
			c.logger.Info(ctx, "move shared folder", "folderId", f.ID, "from", folderID, "to", toFolderID)
			if err := c.folders.MoveFolder(ctx, f.ID, toFolderID); err != nil {
				return err
			}
			continue
		}
		if err := c.moveSharedItems(ctx, f.ID, toFolderID); err != nil {
			return err
		}
	}

	files, err := c.files.GetFiles(ctx, folderID)
	if err != nil {
		return err
	}
	for _, f := range files {
		shared, err := c.activelyShared(ctx, f.EntryMeta, true)
		if err != nil {
			return err
		}
		if !shared {
			continue
		}
		c.logger.Info(ctx, "move shared file", "fileId", f.ID, "from", folderID, "to", toFolderID)
		if err := c.files.MoveFile(ctx, f.ID, toFolderID); err != nil {
			return err
		}
	}
	return nil
}

func (c *Catalog) activelyShared(ctx context.Context, m EntryMeta, skipLinks bool) (bool, error) {
	if c.shares == nil {
		return false, nil
	}
	records, err := c.shares.GetShares(ctx, m.ID)
	if err != nil {
		return false, err
	}
	for _, r := range records {
		if r.Share == ShareRestrict {
			continue
		}
		if skipLinks && r.Subject == ShareLinkSubject {
			continue
		}
		return true, nil
	}
	return false, nil
}

// ReassignItems hands every file and folder below folderID created by
// fromUser over to toUser. Only an admin or the folder's owner may do so.
func (c *Catalog) ReassignItems(ctx context.Context, folderID, fromUser, toUser string) error {
	folder, err := c.folders.GetFolder(ctx, folderID)
	if err != nil {
		return err
	}
	id := IdentityFrom(ctx)
	if id.Anonymous() || (!id.Admin && folder.CreatedBy != id.UserID) {
		return fmt.Errorf("%w: only an admin or the owner may reassign folder %s", ErrForbidden, folderID)
	}
	ids, err := c.descendantIDs(ctx, folderID)
	if err != nil {
		return err
	}
	var fileIDs, folderIDs []string
	for _, parentID := range append([]string{folderID}, ids...) {
		files, err := c.files.GetFiles(ctx, parentID)
		if err != nil {
			return err
		}
		for _, f := range files {
			if f.CreatedBy == fromUser {
				fileIDs = append(fileIDs, f.ID)
			}
		}
	}
	if len(ids) > 0 {
		folders, err := c.folders.GetFoldersByIDs(ctx, ids, "")
		if err != nil {
			return err
		}
		for _, f := range folders {
			if f.CreatedBy == fromUser {
				folderIDs = append(folderIDs, f.ID)
			}
		}
	}
	if len(fileIDs) > 0 {
		if err := c.files.ReassignFiles(ctx, fileIDs, toUser); err != nil {
			return err
		}
	}
	if len(folderIDs) > 0 {
		if err := c.folders.ReassignFolders(ctx, folderIDs, toUser); err != nil {
			return err
		}
	}
	c.logger.Info(ctx, "reassign items", "folderId", folderID, "from", fromUser, "to", toUser, "files", len(fileIDs), "folders", len(folderIDs))
	return nil
}
