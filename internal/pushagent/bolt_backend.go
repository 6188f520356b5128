package pushagent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

const boltIdentityBucket = "identity"

// BoltIdentityBackend stores the identity in an embedded bbolt database,
// one bucket, one key. It is the default durable backend.
type BoltIdentityBackend struct {
	path string

	initOnce sync.Once
	initErr  error
	db       *bbolt.DB
}

func NewBoltIdentityBackend(path string) (*BoltIdentityBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &BoltIdentityBackend{path: filepath.Clean(path)}, nil
}

func (b *BoltIdentityBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
			b.initErr = err
			return
		}
		db, err := bbolt.Open(b.path, 0o600, &bbolt.Options{Timeout: time.Second})
		if err != nil {
			b.initErr = err
			return
		}
		err = db.Update(func(tx *bbolt.Tx) error {
			_, bucketErr := tx.CreateBucketIfNotExists([]byte(boltIdentityBucket))
			return bucketErr
		})
		if err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func (b *BoltIdentityBackend) Load(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := b.ensureReady(); err != nil {
		return "", err
	}
	var id string
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(boltIdentityBucket))
		if bucket == nil {
			return nil
		}
		if value := bucket.Get([]byte(deviceIDKey)); value != nil {
			id = string(value)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (b *BoltIdentityBackend) Save(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(boltIdentityBucket))
		if err != nil {
			return err
		}
		// First write wins; the identity is immutable once committed.
		if existing := bucket.Get([]byte(deviceIDKey)); existing != nil {
			return nil
		}
		return bucket.Put([]byte(deviceIDKey), []byte(strings.TrimSpace(id)))
	})
}

func (b *BoltIdentityBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
