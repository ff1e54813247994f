package relaydocs

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

func asUser(userID string) context.Context {
	return WithIdentity(context.Background(), Identity{UserID: userID})
}

type fixture struct {
	store    *MemoryStore
	users    *MemoryDirectory
	security *ShareSecurity
	marker   *FileMarker
	links    *ShareLinks
	tracker  *EditTracker
	leases   *MemoryLeaseStore
	ledger   *Ledger
	catalog  *Catalog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := NewMemoryStore(nil)
	users := NewMemoryDirectory()
	users.AddUser("alice", "Alice Doe", false)
	users.AddUser("bob", "Bob Roe", false)
	users.AddUser("vic", "Vic Guest", true)
	users.AddGroup("team", "alice", "bob")

	security := NewShareSecurity(store, store, store, users)
	marker := NewFileMarker(store, store, store, users)
	links := NewShareLinks("link-secret", store, store)
	tracker := NewEditTracker(TrackerDeps{
		Files:    store,
		Tags:     store,
		Security: security,
		Users:    users,
		Links:    links,
		Marker:   marker,
	})
	leases := NewMemoryLeaseStore()
	ledger := NewLedger(LedgerDeps{
		Files:      store,
		Tracker:    tracker,
		Marker:     marker,
		Security:   security,
		Users:      users,
		ShareLinks: links,
		Guard:      NewUpdateGuard(leases, time.Minute, nil, nil),
	})
	catalog := NewCatalog(CatalogDeps{
		Files:     store,
		Folders:   store,
		Shares:    store,
		Providers: store,
		Security:  security,
		Users:     users,
		Marker:    marker,
	})
	return &fixture{
		store:    store,
		users:    users,
		security: security,
		marker:   marker,
		links:    links,
		tracker:  tracker,
		leases:   leases,
		ledger:   ledger,
		catalog:  catalog,
	}
}

func (f *fixture) root(t *testing.T, folderType FolderType, owner string) NativeFolder {
	t.Helper()
	root, err := f.store.SaveFolder(context.Background(), NativeFolder{
		EntryMeta:  EntryMeta{Title: string(folderType), CreatedBy: owner},
		FolderType: folderType,
	})
	if err != nil {
		t.Fatalf("save root: %v", err)
	}
	return root
}

func (f *fixture) folder(t *testing.T, parent NativeFolder, title, owner string) NativeFolder {
	t.Helper()
	folder, err := f.store.SaveFolder(context.Background(), NativeFolder{
		EntryMeta: EntryMeta{Title: title, ParentID: parent.ID, CreatedBy: owner},
	})
	if err != nil {
		t.Fatalf("save folder: %v", err)
	}
	return folder
}

func (f *fixture) file(t *testing.T, parent NativeFolder, title, owner, body string) File {
	t.Helper()
	file, err := f.store.SaveFile(context.Background(), File{
		EntryMeta: EntryMeta{Title: title, ParentID: parent.ID, CreatedBy: owner},
	}, strings.NewReader(body))
	if err != nil {
		t.Fatalf("save file: %v", err)
	}
	return file
}

func (f *fixture) share(t *testing.T, entry Entry, subject string, level ShareLevel) {
	t.Helper()
	err := f.store.SetShare(context.Background(), ShareRecord{
		EntryID:   entry.Meta().ID,
		EntryKind: entry.Kind(),
		Subject:   subject,
		Share:     level,
	})
	if err != nil {
		t.Fatalf("set share: %v", err)
	}
}

func readContent(t *testing.T, files FileDao, file File) string {
	t.Helper()
	rc, err := files.GetFileStream(context.Background(), file, 0)
	if err != nil {
		t.Fatalf("open content: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read content: %v", err)
	}
	return string(data)
}
