package bolt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ctrlpark/ctrlpark/internal/storage"
	"go.etcd.io/bbolt"
)

// Store implements the storage.Store interface using bbolt. Every
// collection is a top-level bucket keyed by document id.
type Store struct {
	db   *bbolt.DB
	docs *documentStore
}

// Open opens a BoltDB-backed store.
func Open(path string) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	store := &Store{db: db, docs: &documentStore{db: db, now: time.Now}}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buckets := []string{
			storage.CollectionGateLogs,
			storage.CollectionRoundabout,
			storage.CollectionParked,
			storage.CollectionUsers,
			storage.CollectionSlots,
			storage.CollectionSlotInfo,
			storage.CollectionSlotHistory,
			storage.CollectionNotifications,
		}

		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the underlying store database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Documents returns the document store.
func (s *Store) Documents() storage.DocumentStore { return s.docs }

type documentStore struct {
	db  *bbolt.DB
	now func() time.Time
}

// Get retrieves a document by id.
func (s *documentStore) Get(ctx context.Context, collection, id string) (*storage.Document, error) {
	var doc *storage.Document

	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return storage.ErrNotFound
		}
		value := b.Get([]byte(id))
		if value == nil {
			return storage.ErrNotFound
		}
		fields, err := storage.DecodeFields(value)
		if err != nil {
			return err
		}
		doc = &storage.Document{ID: id, Fields: fields}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return doc, nil
}

// Query scans the collection bucket and applies q.
func (s *documentStore) Query(ctx context.Context, collection string, q storage.Query) ([]storage.Document, error) {
	docs := make([]storage.Document, 0)

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fields, err := storage.DecodeFields(v)
			if err != nil {
				return fmt.Errorf("decode %s/%s: %w", collection, k, err)
			}
			docs = append(docs, storage.Document{ID: string(k), Fields: fields})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return q.Apply(docs), nil
}

// Put writes a document, merging into the existing one when requested.
func (s *documentStore) Put(ctx context.Context, collection, id string, fields map[string]any, merge bool) error {
	resolved := storage.ResolveFields(fields, s.now())

	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return fmt.Errorf("create bucket %s: %w", collection, err)
		}

		next := resolved
		if merge {
			if existing := b.Get([]byte(id)); existing != nil {
				current, err := storage.DecodeFields(existing)
				if err != nil {
					return err
				}
				next = storage.MergeFields(current, resolved)
			}
		}

		data, err := storage.EncodeFields(next)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

// Add stores a document under a generated id.
func (s *documentStore) Add(ctx context.Context, collection string, fields map[string]any) (string, error) {
	id, err := storage.NewID()
	if err != nil {
		return "", err
	}
	if err := s.Put(ctx, collection, id, fields, false); err != nil {
		return "", err
	}
	return id, nil
}
