package relaydocs

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerLeaseStore keeps leases in an embedded badger database using entry
// TTLs. Transaction conflicts between concurrent acquirers surface as
// ErrLeaseHeld.
type BadgerLeaseStore struct {
	db  *badger.DB
	now func() time.Time
}

// OpenBadgerLeaseStore opens the database at dir, or an in-memory one when
// dir is empty.
func OpenBadgerLeaseStore(dir string) (*BadgerLeaseStore, error) {
	var opts badger.Options
	if strings.TrimSpace(dir) == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerLeaseStore{db: db, now: time.Now}, nil
}

func (s *BadgerLeaseStore) Close() error {
	return s.db.Close()
}

func badgerLeaseKey(key string) []byte {
	return []byte("lease:" + key)
}

func (s *BadgerLeaseStore) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		ttl = DefaultUpdateLeaseTTL
	}
	lease := Lease{Key: key, Token: newLeaseToken(), ExpiresAt: s.now().Add(ttl)}
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(badgerLeaseKey(key))
		if err == nil {
			return ErrLeaseHeld
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.SetEntry(badger.NewEntry(badgerLeaseKey(key), []byte(lease.Token)).WithTTL(ttl))
	})
	if errors.Is(err, badger.ErrConflict) {
		return Lease{}, ErrLeaseHeld
	}
	if err != nil {
		return Lease{}, err
	}
	return lease, nil
}

func (s *BadgerLeaseStore) Release(ctx context.Context, lease Lease) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerLeaseKey(lease.Key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrLeaseLost
		}
		if err != nil {
			return err
		}
		token, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if string(token) != lease.Token {
			return ErrLeaseLost
		}
		return txn.Delete(badgerLeaseKey(lease.Key))
	})
	if errors.Is(err, badger.ErrConflict) {
		return ErrLeaseLost
	}
	return err
}
