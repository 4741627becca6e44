package storage

import (
	"testing"

	"videoSearch/core"
)

func TestFSArtifactStoreRoundTrip(t *testing.T) {
	s, err := NewFSArtifactStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSArtifactStore failed: %v", err)
	}

	key := TimelineKey("item-1")
	if err := s.Put(key, []byte(`{"item_id":"item-1"}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	data, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != `{"item_id":"item-1"}` {
		t.Errorf("unexpected data: %s", data)
	}

	keys, err := s.List("item-1/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != key {
		t.Errorf("unexpected keys: %v", keys)
	}

	if err := s.Delete(key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(key); err != core.ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	// Deleting again is fine.
	if err := s.Delete(key); err != nil {
		t.Errorf("second Delete failed: %v", err)
	}
}

func TestPutOverwritesSameKey(t *testing.T) {
	s := NewMemoryArtifactStore()
	key := CaptionKey("item-1", 0)
	if err := s.Put(key, []byte("first")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Put(key, []byte("second")); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}
	data, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != "second" {
		t.Errorf("retried write did not overwrite: %s", data)
	}
	keys, _ := s.List("item-1/")
	if len(keys) != 1 {
		t.Errorf("overwrite duplicated the key: %v", keys)
	}
}

func TestGetTimeline(t *testing.T) {
	s := NewMemoryArtifactStore()
	tl := &core.Timeline{ItemID: "item-1", Tokens: []core.TimelineToken{
		{Text: "hello", Start: 0, End: 0.4, Confidence: 0.9},
	}}
	if err := PutJSON(s, TimelineKey("item-1"), tl); err != nil {
		t.Fatalf("PutJSON failed: %v", err)
	}
	got, err := GetTimeline(s, "item-1")
	if err != nil {
		t.Fatalf("GetTimeline failed: %v", err)
	}
	if got.ItemID != "item-1" || len(got.Tokens) != 1 || got.Tokens[0].Text != "hello" {
		t.Errorf("unexpected timeline: %+v", got)
	}

	if _, err := GetTimeline(s, "missing"); err != core.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
