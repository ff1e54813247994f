package relaydocs

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/redis/go-redis/v9"
)

// MetadataStore is the full set of DAOs over one database.
type MetadataStore interface {
	FileDao
	FolderDao
	TagDao
	ShareDao
	ProviderDao
	Content() ContentStore
	Close() error
}

type MetadataStoreFactory func(ctx context.Context, dsn string, content ContentStore) (MetadataStore, error)
type ContentStoreFactory func(ctx context.Context, dsn string) (ContentStore, error)

// LeaseStoreFactory returns the store and a function releasing its
// resources.
type LeaseStoreFactory func(ctx context.Context, dsn string) (LeaseStore, func() error, error)

var storeFactoryRegistry = struct {
	mu                sync.RWMutex
	metadataFactories map[string]MetadataStoreFactory
	contentFactories  map[string]ContentStoreFactory
	leaseFactories    map[string]LeaseStoreFactory
}{
	metadataFactories: map[string]MetadataStoreFactory{},
	contentFactories:  map[string]ContentStoreFactory{},
	leaseFactories:    map[string]LeaseStoreFactory{},
}

func RegisterMetadataStoreFactory(scheme string, factory MetadataStoreFactory) {
	scheme = normalizeStoreScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.metadataFactories[scheme] = factory
}

func RegisterContentStoreFactory(scheme string, factory ContentStoreFactory) {
	scheme = normalizeStoreScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.contentFactories[scheme] = factory
}

func RegisterLeaseStoreFactory(scheme string, factory LeaseStoreFactory) {
	scheme = normalizeStoreScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.leaseFactories[scheme] = factory
}

func lookupMetadataStoreFactory(scheme string) (MetadataStoreFactory, bool) {
	scheme = normalizeStoreScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.metadataFactories[scheme]
	return factory, ok
}

func lookupContentStoreFactory(scheme string) (ContentStoreFactory, bool) {
	scheme = normalizeStoreScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.contentFactories[scheme]
	return factory, ok
}

func lookupLeaseStoreFactory(scheme string) (LeaseStoreFactory, bool) {
	scheme = normalizeStoreScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.leaseFactories[scheme]
	return factory, ok
}

func normalizeStoreScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildMetadataStoreFromDSN opens the metadata store named by dsn. An empty
// dsn selects the in-memory store; pgx:// selects the pgx driver.
func BuildMetadataStoreFromDSN(ctx context.Context, dsn string, content ContentStore) (MetadataStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(content), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeStoreScheme(parsed.Scheme)
	if factory, ok := lookupMetadataStoreFactory(scheme); ok {
		return factory(ctx, dsn, content)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(content), nil
	case "postgres", "postgresql":
		return OpenPostgresStore(ctx, "postgres", dsn, content)
	case "pgx":
		parsed.Scheme = "postgres"
		return OpenPostgresStore(ctx, "pgx", parsed.String(), content)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: metadata store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported metadata store scheme: %s", scheme)
	}
}

// BuildContentStoreFromDSN opens the content store named by dsn:
// memory://, file:///dir (or a bare path) and s3://bucket/prefix?region=..
func BuildContentStoreFromDSN(ctx context.Context, dsn string) (ContentStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryContentStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeStoreScheme(parsed.Scheme)
	if factory, ok := lookupContentStoreFactory(scheme); ok {
		return factory(ctx, dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryContentStore(), nil
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewLocalContentStore(path), nil
	case "s3":
		opts, err := s3OptionsFromURL(parsed)
		if err != nil {
			return nil, err
		}
		return NewS3ContentStore(ctx, opts)
	default:
		return nil, fmt.Errorf("unsupported content store scheme: %s", scheme)
	}
}

func s3OptionsFromURL(parsed *url.URL) (S3Options, error) {
	raw := map[string]any{
		"bucket": parsed.Host,
		"prefix": strings.Trim(parsed.Path, "/"),
	}
	for key, values := range parsed.Query() {
		if len(values) > 0 {
			raw[strings.ToLower(key)] = values[0]
		}
	}
	var opts S3Options
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &opts,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return S3Options{}, err
	}
	if err := decoder.Decode(raw); err != nil {
		return S3Options{}, fmt.Errorf("%w: s3 dsn: %v", ErrBadRequest, err)
	}
	return opts, nil
}

// BuildLeaseStoreFromDSN opens the lease store named by dsn: memory://,
// redis://host:port/db?prefix=.., badger:///dir or badger+mem://.
func BuildLeaseStoreFromDSN(ctx context.Context, dsn string) (LeaseStore, func() error, error) {
	noop := func() error { return nil }
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryLeaseStore(), noop, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, nil, err
	}
	scheme := normalizeStoreScheme(parsed.Scheme)
	if factory, ok := lookupLeaseStoreFactory(scheme); ok {
		return factory(ctx, dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryLeaseStore(), noop, nil
	case "redis", "rediss":
		client, prefix, err := openRedisDSN(ctx, parsed)
		if err != nil {
			return nil, nil, err
		}
		return NewRedisLeaseStore(client, prefix), client.Close, nil
	case "badger":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, nil, err
		}
		store, err := OpenBadgerLeaseStore(path)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case "badger+mem":
		store, err := OpenBadgerLeaseStore("")
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported lease store scheme: %s", scheme)
	}
}

// BuildProjectCacheFromDSN opens the project listing cache: memory:// or
// redis://.
func BuildProjectCacheFromDSN(ctx context.Context, dsn string, ttl time.Duration) (ProjectCache, func() error, error) {
	noop := func() error { return nil }
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryProjectCache(ttl), noop, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, nil, err
	}
	switch scheme := normalizeStoreScheme(parsed.Scheme); scheme {
	case "memory", "mem", "inmem":
		return NewMemoryProjectCache(ttl), noop, nil
	case "redis", "rediss":
		client, prefix, err := openRedisDSN(ctx, parsed)
		if err != nil {
			return nil, nil, err
		}
		return NewRedisProjectCache(client, prefix, ttl), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported project cache scheme: %s", scheme)
	}
}

// openRedisDSN strips the prefix query parameter, which go-redis rejects,
// and connects.
func openRedisDSN(ctx context.Context, parsed *url.URL) (*redis.Client, string, error) {
	u := *parsed
	query := u.Query()
	prefix := query.Get("prefix")
	query.Del("prefix")
	u.RawQuery = query.Encode()
	opts, err := redis.ParseURL(u.String())
	if err != nil {
		return nil, "", err
	}
	client, err := OpenRedis(ctx, opts)
	if err != nil {
		return nil, "", err
	}
	return client, prefix, nil
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrBadRequest
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrBadRequest
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrBadRequest
	}
	return path, nil
}
