package relaydocs

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// AdapterRegistry resolves the provider adapter owning a federated entry.
type AdapterRegistry struct {
	mu       sync.RWMutex
	adapters map[string]ProviderAdapter
}

func NewAdapterRegistry(adapters ...ProviderAdapter) *AdapterRegistry {
	r := &AdapterRegistry{adapters: map[string]ProviderAdapter{}}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *AdapterRegistry) Register(a ProviderAdapter) {
	if r == nil || a == nil {
		return
	}
	key := strings.ToLower(strings.TrimSpace(a.Provider()))
	if key == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[key] = a
}

// ForKey returns the adapter for a provider key.
func (r *AdapterRegistry) ForKey(key string) (ProviderAdapter, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.ToLower(strings.TrimSpace(key))]
	return a, ok
}

// ForFileID returns the adapter whose "<provider>-" prefix fileID carries.
func (r *AdapterRegistry) ForFileID(fileID string) (ProviderAdapter, bool) {
	prefix, _, ok := strings.Cut(fileID, "-")
	if !ok {
		return nil, false
	}
	return r.ForKey(prefix)
}

// ForFile resolves by provider key first, then by id prefix.
func (r *AdapterRegistry) ForFile(file File) (ProviderAdapter, bool) {
	if file.ProviderKey != "" {
		if a, ok := r.ForKey(file.ProviderKey); ok {
			return a, true
		}
	}
	return r.ForFileID(file.ID)
}

// ProviderBridge is a ProviderAdapter backed by an HTTP bridge service that
// fronts one third-party storage.
type ProviderBridge struct {
	key string
	svc *serviceClient
}

func NewProviderBridge(key string, opts ServiceClientOptions) *ProviderBridge {
	key = strings.ToLower(strings.TrimSpace(key))
	return &ProviderBridge{key: key, svc: newServiceClient("provider "+key, opts)}
}

func (b *ProviderBridge) Provider() string {
	return b.key
}

func (b *ProviderBridge) path(suffix string) string {
	return "/providers/" + url.PathEscape(b.key) + suffix
}

func (b *ProviderBridge) RenameObject(ctx context.Context, file File, title string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := b.svc.doJSON(ctx, http.MethodPost, b.path("/rename"), map[string]string{
		"fileId": file.ID,
		"title":  title,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.ID == "" {
		return file.ID, nil
	}
	return out.ID, nil
}

func (b *ProviderBridge) LockObject(ctx context.Context, fileID, owner string, locked bool) error {
	return b.svc.doJSON(ctx, http.MethodPost, b.path("/lock"), map[string]any{
		"fileId": fileID,
		"owner":  owner,
		"locked": locked,
	}, nil)
}

func (b *ProviderBridge) LockedBy(ctx context.Context, fileID string) (string, error) {
	var out struct {
		LockedBy string `json:"lockedBy"`
	}
	if err := b.svc.doJSON(ctx, http.MethodGet, b.path("/lock?fileId="+url.QueryEscape(fileID)), nil, &out); err != nil {
		return "", err
	}
	return out.LockedBy, nil
}

func (b *ProviderBridge) SaveFile(ctx context.Context, fileID, ext string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	p := b.path("/files/" + url.PathEscape(fileID) + "?ext=" + url.QueryEscape(ext))
	return b.svc.do(ctx, http.MethodPut, p, "application/octet-stream", data, nil)
}
