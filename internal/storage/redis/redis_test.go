package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ctrlpark/ctrlpark/internal/config"
	"github.com/ctrlpark/ctrlpark/internal/storage"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port", so Port stays zero
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 1,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store, mr
}

func TestDocumentStore_GetMissing(t *testing.T) {
	store, _ := setupTestStore(t)

	_, err := store.Documents().Get(context.Background(), storage.CollectionSlots, "1")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestDocumentStore_PutReplaceAndMerge(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	docs := store.Documents()

	err := docs.Put(ctx, storage.CollectionSlots, "1", map[string]any{
		"status":      "Available",
		"cctv_status": "Available",
	}, false)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	err = docs.Put(ctx, storage.CollectionSlots, "1", map[string]any{"status": "Occupied"}, true)
	if err != nil {
		t.Fatalf("merge Put failed: %v", err)
	}

	doc, err := docs.Get(ctx, storage.CollectionSlots, "1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if doc.String("status") != "Occupied" {
		t.Errorf("Expected status Occupied, got %q", doc.String("status"))
	}
	if doc.String("cctv_status") != "Available" {
		t.Errorf("Expected merge to keep cctv_status, got %q", doc.String("cctv_status"))
	}

	err = docs.Put(ctx, storage.CollectionSlots, "1", map[string]any{"status": "Available"}, false)
	if err != nil {
		t.Fatalf("replace Put failed: %v", err)
	}
	doc, err = docs.Get(ctx, storage.CollectionSlots, "1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, ok := doc.Value("cctv_status"); ok {
		t.Error("Expected replace to drop cctv_status")
	}
}

func TestDocumentStore_AddAndQuery(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	docs := store.Documents()

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	events := []map[string]any{
		{"plate_number": "ABC123", "event_type": "entry", "timestamp": base},
		{"plate_number": "XYZ789", "event_type": "entry", "timestamp": base.Add(time.Minute)},
		{"plate_number": "ABC123", "event_type": "exit", "timestamp": base.Add(30 * time.Minute)},
	}

	var ids []string
	for _, ev := range events {
		id, err := docs.Add(ctx, storage.CollectionGateLogs, ev)
		if err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		ids = append(ids, id)
	}
	if ids[0] == ids[1] || ids[1] == ids[2] {
		t.Fatalf("Expected distinct ids, got %v", ids)
	}

	got, err := docs.Query(ctx, storage.CollectionGateLogs, storage.Query{
		Field:   "plate_number",
		Value:   "ABC123",
		OrderBy: "timestamp",
		Desc:    true,
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 documents, got %d", len(got))
	}
	if got[0].String("event_type") != "exit" {
		t.Errorf("Expected newest event first, got %q", got[0].String("event_type"))
	}
	ts, ok := got[1].Fields["timestamp"].(time.Time)
	if !ok || !ts.Equal(base) {
		t.Errorf("Expected timestamp %v, got %#v", base, got[1].Fields["timestamp"])
	}
}

func TestDocumentStore_ServerTimestamp(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store.docs.now = func() time.Time { return fixed }

	id, err := store.Documents().Add(ctx, storage.CollectionSlotInfo, map[string]any{
		"slot_number": "2",
		"timestamp":   storage.ServerTimestamp,
	})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	doc, err := store.Documents().Get(ctx, storage.CollectionSlotInfo, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	ts, ok := doc.Fields["timestamp"].(time.Time)
	if !ok || !ts.Equal(fixed) {
		t.Errorf("Expected server timestamp %v, got %#v", fixed, doc.Fields["timestamp"])
	}
}

func TestDocumentStore_ConnectionFailure(t *testing.T) {
	store, mr := setupTestStore(t)
	mr.Close()

	err := store.Documents().Put(context.Background(), storage.CollectionSlots, "1", map[string]any{"status": "Occupied"}, true)
	if err == nil {
		t.Fatal("Expected error after server shutdown")
	}
}
