package relaydocs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ContentStore keeps raw bytes by key. Open starts reading at offset.
type ContentStore interface {
	Put(ctx context.Context, key string, body io.Reader) (int64, error)
	Open(ctx context.Context, key string, offset int64) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Presigner is implemented by content stores able to hand out temporary
// direct download URLs.
type Presigner interface {
	PresignGet(ctx context.Context, key, downloadName string, expires time.Duration) (string, error)
}

func fileContentKey(id string, version int) string {
	return fmt.Sprintf("files/%s/v%d", id, version)
}

func fileDiffKey(id string, version int) string {
	return fileContentKey(id, version) + ".diff"
}

// BulkKey locates the archive prepared for a user's bulk download.
func BulkKey(userID, title string) string {
	return "bulk/" + userID + "/" + title + ".zip"
}

// TempStreamKey locates a one-shot temporary stream.
func TempStreamKey(name string) string {
	return "temp_stream/" + name
}

// TemplateKey locates the blank template used to create files with ext.
func TemplateKey(ext string) string {
	return "templates/new" + ext
}

type MemoryContentStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryContentStore() *MemoryContentStore {
	return &MemoryContentStore{objects: map[string][]byte{}}
}

func (s *MemoryContentStore) Put(ctx context.Context, key string, body io.Reader) (int64, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return int64(len(data)), nil
}

func (s *MemoryContentStore) Open(ctx context.Context, key string, offset int64) (io.ReadCloser, error) {
	s.mu.RLock()
	data, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: content %s", ErrNotFound, key)
	}
	if offset < 0 || offset > int64(len(data)) {
		offset = int64(len(data))
	}
	return io.NopCloser(bytes.NewReader(data[offset:])), nil
}

func (s *MemoryContentStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *MemoryContentStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

// LocalContentStore keeps content as plain files under Root.
type LocalContentStore struct {
	Root string
}

func NewLocalContentStore(root string) *LocalContentStore {
	return &LocalContentStore{Root: strings.TrimSpace(root)}
}

func (s *LocalContentStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("%w: empty content key", ErrBadRequest)
	}
	return filepath.Join(s.Root, filepath.FromSlash(clean)), nil
}

func (s *LocalContentStore) Put(ctx context.Context, key string, body io.Reader) (int64, error) {
	p, err := s.path(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return 0, err
	}
	tmp := p + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}
	n, copyErr := io.Copy(f, body)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmp)
		return 0, errors.Join(copyErr, closeErr)
	}
	return n, os.Rename(tmp, p)
}

func (s *LocalContentStore) Open(ctx context.Context, key string, offset int64) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: content %s", ErrNotFound, key)
		}
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return f, nil
}

func (s *LocalContentStore) Exists(ctx context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (s *LocalContentStore) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// storedContent serves the content half of FileDao for the metadata stores.
type storedContent struct {
	content ContentStore
}

// Content exposes the store holding file bytes.
func (s storedContent) Content() ContentStore {
	return s.content
}

func (s storedContent) GetFileStream(ctx context.Context, file File, offset int64) (io.ReadCloser, error) {
	return s.content.Open(ctx, fileContentKey(file.ID, file.Version), offset)
}

func (s storedContent) IsExistOnStorage(ctx context.Context, file File) (bool, error) {
	return s.content.Exists(ctx, fileContentKey(file.ID, file.Version))
}

func (s storedContent) IsSupportedPreSignedURI(file File) bool {
	_, ok := s.content.(Presigner)
	return ok
}

func (s storedContent) GetPreSignedURI(ctx context.Context, file File, expires time.Duration) (string, error) {
	p, ok := s.content.(Presigner)
	if !ok {
		return "", fmt.Errorf("%w: content store cannot presign", ErrNotImplemented)
	}
	return p.PresignGet(ctx, fileContentKey(file.ID, file.Version), DownloadTitle(file.Title), expires)
}

func (s storedContent) SaveDifference(ctx context.Context, file File, body io.Reader) error {
	_, err := s.content.Put(ctx, fileDiffKey(file.ID, file.Version), body)
	return err
}

func (s storedContent) GetDifferenceStream(ctx context.Context, file File) (io.ReadCloser, error) {
	return s.content.Open(ctx, fileDiffKey(file.ID, file.Version), 0)
}
