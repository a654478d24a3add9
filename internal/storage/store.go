package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Documents() DocumentStore
}

// DocumentStore is a minimal document database: named collections of
// documents keyed by id, each holding a flat map of fields.
type DocumentStore interface {
	// Get returns the document or ErrNotFound.
	Get(ctx context.Context, collection, id string) (*Document, error)

	// Query returns the documents of a collection matching q.
	Query(ctx context.Context, collection string, q Query) ([]Document, error)

	// Put writes fields under id. With merge set, top-level fields are
	// overlaid onto the existing document instead of replacing it.
	Put(ctx context.Context, collection, id string, fields map[string]any, merge bool) error

	// Add stores fields under a newly generated id and returns the id.
	Add(ctx context.Context, collection string, fields map[string]any) (string, error)
}

// Collection names.
const (
	CollectionGateLogs      = "gate_logs"
	CollectionRoundabout    = "roundabout"
	CollectionParked        = "parked"
	CollectionUsers         = "users"
	CollectionSlots         = "slots"
	CollectionSlotInfo      = "slot_info"
	CollectionSlotHistory   = "slot_history"
	CollectionNotifications = "notifications"
)
