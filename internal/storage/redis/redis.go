package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/ctrlpark/ctrlpark/internal/config"
	"github.com/ctrlpark/ctrlpark/internal/storage"
	"github.com/redis/go-redis/v9"
)

// maxMergeRetries bounds optimistic-lock retries for merge writes.
const maxMergeRetries = 5

// Store implements the storage.Store interface using Redis. Each collection
// is a single hash, ctrlpark:docs:{collection}, mapping document id to the
// encoded field map.
type Store struct {
	client *redis.Client
	docs   *documentStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Host may already carry the port ("host:port")
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{
		client: client,
		docs:   &documentStore{client: client, now: time.Now},
	}, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Documents returns the DocumentStore implementation
func (s *Store) Documents() storage.DocumentStore {
	return s.docs
}

type documentStore struct {
	client *redis.Client
	now    func() time.Time
}

func collectionKey(collection string) string {
	return fmt.Sprintf("ctrlpark:docs:%s", collection)
}

// Get retrieves a single document
func (s *documentStore) Get(ctx context.Context, collection, id string) (*storage.Document, error) {
	data, err := s.client.HGet(ctx, collectionKey(collection), id).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}

	fields, err := storage.DecodeFields(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return &storage.Document{ID: id, Fields: fields}, nil
}

// Query loads the collection and applies q in memory
func (s *documentStore) Query(ctx context.Context, collection string, q storage.Query) ([]storage.Document, error) {
	raw, err := s.client.HGetAll(ctx, collectionKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}

	docs := make([]storage.Document, 0, len(raw))
	for id, data := range raw {
		fields, err := storage.DecodeFields([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, id, err)
		}
		docs = append(docs, storage.Document{ID: id, Fields: fields})
	}

	return q.Apply(docs), nil
}

// Put writes a document. Merge writes run under WATCH so that concurrent
// merges to the same collection do not lose fields.
func (s *documentStore) Put(ctx context.Context, collection, id string, fields map[string]any, merge bool) error {
	key := collectionKey(collection)
	resolved := storage.ResolveFields(fields, s.now())

	if !merge {
		data, err := storage.EncodeFields(resolved)
		if err != nil {
			return err
		}
		if err := s.client.HSet(ctx, key, id, data).Err(); err != nil {
			return fmt.Errorf("put %s/%s: %w", collection, id, err)
		}
		return nil
	}

	txf := func(tx *redis.Tx) error {
		existing := map[string]any{}
		data, err := tx.HGet(ctx, key, id).Bytes()
		switch {
		case err == redis.Nil:
		case err != nil:
			return err
		default:
			existing, err = storage.DecodeFields(data)
			if err != nil {
				return err
			}
		}

		encoded, err := storage.EncodeFields(storage.MergeFields(existing, resolved))
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, id, encoded)
			return nil
		})
		return err
	}

	for i := 0; i < maxMergeRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if err != redis.TxFailedErr {
			return fmt.Errorf("merge %s/%s: %w", collection, id, err)
		}
	}
	return fmt.Errorf("merge %s/%s: too much contention", collection, id)
}

// Add stores a document under a generated id
func (s *documentStore) Add(ctx context.Context, collection string, fields map[string]any) (string, error) {
	id, err := storage.NewID()
	if err != nil {
		return "", err
	}

	data, err := storage.EncodeFields(storage.ResolveFields(fields, s.now()))
	if err != nil {
		return "", err
	}

	ok, err := s.client.HSetNX(ctx, collectionKey(collection), id, data).Result()
	if err != nil {
		return "", fmt.Errorf("add %s: %w", collection, err)
	}
	if !ok {
		return "", fmt.Errorf("add %s: id collision on %s", collection, id)
	}
	return id, nil
}
