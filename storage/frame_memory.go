package storage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"videoSearch/core"
)

// FrameIndexer ingests frame image vectors for the visual-similarity
// backend. Milvus serves it in production; the memory index below keeps
// the backend alive without one.
type FrameIndexer interface {
	UpsertFrames(ctx context.Context, itemID string, frames []FrameVector) (int, error)
}

// MemoryFrameIndex performs brute-force cosine search over stored frame
// vectors.
type MemoryFrameIndex struct {
	embedder Embedder

	mu     sync.RWMutex
	frames map[string][]FrameVector // itemID -> frames
}

func NewMemoryFrameIndex(embedder Embedder) *MemoryFrameIndex {
	return &MemoryFrameIndex{embedder: embedder, frames: map[string][]FrameVector{}}
}

func (s *MemoryFrameIndex) Kind() core.BackendKind { return core.BackendImageSim }

func (s *MemoryFrameIndex) UpsertFrames(ctx context.Context, itemID string, frames []FrameVector) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.frames[itemID]
	byIdx := make(map[int]int, len(existing))
	for i, f := range existing {
		byIdx[f.FrameIndex] = i
	}
	for _, f := range frames {
		if i, ok := byIdx[f.FrameIndex]; ok {
			existing[i] = f
		} else {
			existing = append(existing, f)
		}
	}
	s.frames[itemID] = existing
	return len(frames), nil
}

func (s *MemoryFrameIndex) Query(ctx context.Context, query, itemFilter string, topK int) ([]BackendHit, error) {
	if topK <= 0 {
		topK = 5
	}
	qv, err := s.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var hits []BackendHit
	for itemID, frames := range s.frames {
		if itemFilter != "" && itemID != itemFilter {
			continue
		}
		for _, f := range frames {
			score := cosineVec(qv, f.Vector)
			if score <= 0 {
				continue
			}
			hits = append(hits, BackendHit{
				ItemID:  itemID,
				Snippet: f.FrameRef,
				Score:   score,
				Start:   f.Timestamp,
				End:     f.Timestamp,
			})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func cosineVec(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
