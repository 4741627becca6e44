package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"videoSearch/core"
)

// RecordStore is the durable keyed store for item records and their units.
// UpdateItem is a compare-and-swap on Version: exactly one writer wins a
// given version→version+1 transition, losers get core.ErrVersionConflict.
type RecordStore interface {
	CreateItem(ctx context.Context, rec *core.ItemRecord) error
	GetItem(ctx context.Context, itemID string) (*core.ItemRecord, error)
	UpdateItem(ctx context.Context, rec *core.ItemRecord) error
	// ListItems returns items newest first; limit <= 0 means no limit.
	ListItems(ctx context.Context, limit int) ([]*core.ItemRecord, error)

	PutUnit(ctx context.Context, unit *core.Unit) error
	ListUnits(ctx context.Context, itemID, stage string) ([]*core.Unit, error)
}

// ErrItemExists signals an idempotent re-submission; callers treat it as a
// no-op and return the existing record.
var ErrItemExists = fmt.Errorf("item already exists")

// ---------------- Memory implementation (kept for fallback) ----------------

type MemoryRecordStore struct {
	mu    sync.RWMutex
	items map[string]*core.ItemRecord
	units map[string]*core.Unit // key: itemID/stage/index
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		items: map[string]*core.ItemRecord{},
		units: map[string]*core.Unit{},
	}
}

func (s *MemoryRecordStore) CreateItem(ctx context.Context, rec *core.ItemRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[rec.ItemID]; ok {
		return ErrItemExists
	}
	cp := rec.Clone()
	cp.Version = 1
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.items[rec.ItemID] = cp
	rec.Version = cp.Version
	rec.CreatedAt = cp.CreatedAt
	rec.UpdatedAt = cp.UpdatedAt
	return nil
}

func (s *MemoryRecordStore) GetItem(ctx context.Context, itemID string) (*core.ItemRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[itemID]
	if !ok {
		return nil, core.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryRecordStore) UpdateItem(ctx context.Context, rec *core.ItemRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[rec.ItemID]
	if !ok {
		return core.ErrNotFound
	}
	if cur.Version != rec.Version {
		return core.ErrVersionConflict
	}
	cp := rec.Clone()
	cp.Version = cur.Version + 1
	cp.UpdatedAt = time.Now().UTC()
	// UpdatedAt never goes backwards even if clocks are odd.
	if cp.UpdatedAt.Before(cur.UpdatedAt) {
		cp.UpdatedAt = cur.UpdatedAt
	}
	s.items[rec.ItemID] = cp
	rec.Version = cp.Version
	rec.UpdatedAt = cp.UpdatedAt
	return nil
}

func (s *MemoryRecordStore) ListItems(ctx context.Context, limit int) ([]*core.ItemRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := make([]*core.ItemRecord, 0, len(s.items))
	for _, rec := range s.items {
		recs = append(recs, rec.Clone())
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	return recs, nil
}

func unitKey(itemID, stage string, idx int) string {
	return fmt.Sprintf("%s/%s/%d", itemID, stage, idx)
}

func (s *MemoryRecordStore) PutUnit(ctx context.Context, unit *core.Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *unit
	cp.UpdatedAt = time.Now().UTC()
	s.units[unitKey(unit.ParentItemID, unit.Stage, unit.UnitIndex)] = &cp
	return nil
}

func (s *MemoryRecordStore) ListUnits(ctx context.Context, itemID, stage string) ([]*core.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var units []*core.Unit
	for _, u := range s.units {
		if u.ParentItemID == itemID && u.Stage == stage {
			cp := *u
			units = append(units, &cp)
		}
	}
	sort.Slice(units, func(i, j int) bool { return units[i].UnitIndex < units[j].UnitIndex })
	return units, nil
}
