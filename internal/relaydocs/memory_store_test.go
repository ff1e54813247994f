package relaydocs

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestMemoryStoreVersionsAreContiguous(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	first, err := store.SaveFile(ctx, File{EntryMeta: EntryMeta{Title: "a.docx", CreatedBy: "alice"}}, strings.NewReader("1"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if first.Version != 1 || first.VersionGroup != 1 {
		t.Fatalf("unexpected first version %+v", first)
	}

	skip := first
	skip.Version = 3
	_, err = store.SaveFile(ctx, skip, strings.NewReader("3"))
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.Reason != ConflictVersion {
		t.Fatalf("expected version conflict, got %v", err)
	}

	next := first.NextVersion("bob", first.ModifiedOn)
	if _, err := store.SaveFile(ctx, next, strings.NewReader("2")); err != nil {
		t.Fatalf("save v2: %v", err)
	}
	if _, err := store.SaveFile(ctx, next, strings.NewReader("again")); !errors.As(err, &conflict) {
		t.Fatalf("a second writer of v2 must conflict, got %v", err)
	}

	versions, err := store.GetFileVersions(ctx, first.ID)
	if err != nil || len(versions) != 2 {
		t.Fatalf("versions: %v %v", versions, err)
	}
	if got := readContent(t, store, versions[0]); got != "1" {
		t.Fatalf("v1 content changed: %q", got)
	}
}

func TestMemoryStoreMoveFolderReroots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mine := f.root(t, FolderUser, "alice")
	common := f.root(t, FolderCommon, "admin")
	sub := f.folder(t, mine, "Sub", "alice")
	deeper := f.folder(t, sub, "Deeper", "alice")
	doc := f.file(t, deeper, "a.docx", "alice", "x")

	if err := f.store.MoveFolder(ctx, sub.ID, common.ID); err != nil {
		t.Fatalf("move: %v", err)
	}
	moved, _ := f.store.GetFolder(ctx, deeper.ID)
	if moved.RootType != FolderCommon || moved.RootID != common.ID {
		t.Fatalf("subtree must follow the move: %+v", moved.EntryMeta)
	}
	file, _ := f.store.GetFile(ctx, doc.ID)
	if file.RootType != FolderCommon || file.RootCreator != "admin" {
		t.Fatalf("files must follow the move: %+v", file.EntryMeta)
	}

	root, err := f.store.GetFolder(ctx, common.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if root.TotalFiles != 1 || root.TotalSubFolders != 2 {
		t.Fatalf("unexpected counters files=%d subs=%d", root.TotalFiles, root.TotalSubFolders)
	}
}

func TestMemoryStoreSingleLock(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	lock := func(owner string) error {
		return store.SaveTags(ctx, Tag{EntryID: "f1", EntryKind: KindFile, Type: TagLocked, Owner: owner})
	}
	if err := lock("alice"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := lock("alice"); err != nil {
		t.Fatalf("relock by the holder: %v", err)
	}
	var conflict *ConflictError
	if err := lock("bob"); !errors.As(err, &conflict) || conflict.Reason != ConflictLocked {
		t.Fatalf("expected lock conflict, got %v", err)
	}
	if err := store.SaveTags(ctx, Tag{EntryID: "f1", EntryKind: KindFile, Type: TagNew, Owner: "bob"}); err != nil {
		t.Fatalf("other tag types are independent: %v", err)
	}
}

func TestMemoryStoreDeleteFileDropsTagsAndContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.root(t, FolderUser, "alice")
	doc := f.file(t, root, "a.docx", "alice", "x")
	if err := f.store.SaveTags(ctx, Tag{EntryID: doc.ID, Type: TagNew, Owner: "bob"}); err != nil {
		t.Fatalf("tag: %v", err)
	}

	if err := f.store.DeleteFile(ctx, doc.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.store.GetFile(ctx, doc.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if tags, _ := f.store.GetTags(ctx, []string{doc.ID}, ""); len(tags) != 0 {
		t.Fatalf("tags must go with the file: %v", tags)
	}
	if ok, _ := f.store.IsExistOnStorage(ctx, doc); ok {
		t.Fatalf("content must go with the file")
	}
}
