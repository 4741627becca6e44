package storage

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"videoSearch/core"
)

// Embedder turns text into a vector. The OpenAI-compatible implementation
// lives in the providers package; tests use a local fake.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// IndexEntry is one indexed snippet with its coarse time span. For speech
// these are transcript chunks; for captions, one entry per frame.
type IndexEntry struct {
	EntryID string  `json:"entry_id"`
	Text    string  `json:"text"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

// BackendHit is a raw retrieval result before reconciliation.
type BackendHit struct {
	ItemID  string  `json:"item_id"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
	Start   float64 `json:"start"` // coarse index times, refined later
	End     float64 `json:"end"`
}

// SearchBackend answers free-text queries for one retrieval modality.
type SearchBackend interface {
	Kind() core.BackendKind
	Query(ctx context.Context, query, itemFilter string, topK int) ([]BackendHit, error)
}

// TextIndex is a SearchBackend that the pipeline can also write into.
type TextIndex interface {
	SearchBackend
	Upsert(ctx context.Context, itemID string, entries []IndexEntry) (int, error)
}

// ---------------- Memory implementation (kept for fallback) ----------------

// MemoryTextIndex scores with token-frequency cosine similarity. It keeps
// the service usable without Postgres or an embedding API key.
type MemoryTextIndex struct {
	kind core.BackendKind

	mu   sync.RWMutex
	docs map[string][]memoryDoc // itemID -> entries
}

type memoryDoc struct {
	entry IndexEntry
	embed map[string]float64
}

func NewMemoryTextIndex(kind core.BackendKind) *MemoryTextIndex {
	return &MemoryTextIndex{kind: kind, docs: map[string][]memoryDoc{}}
}

func (s *MemoryTextIndex) Kind() core.BackendKind { return s.kind }

func (s *MemoryTextIndex) Upsert(ctx context.Context, itemID string, entries []IndexEntry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := make([]memoryDoc, 0, len(entries))
	for _, e := range entries {
		docs = append(docs, memoryDoc{entry: e, embed: embedTokens(e.Text)})
	}
	s.docs[itemID] = mergeDocs(s.docs[itemID], docs)
	return len(docs), nil
}

// mergeDocs replaces entries with matching IDs and appends the rest, so
// retried upserts stay idempotent per entry.
func mergeDocs(old, fresh []memoryDoc) []memoryDoc {
	byID := make(map[string]int, len(old))
	for i, d := range old {
		byID[d.entry.EntryID] = i
	}
	for _, d := range fresh {
		if i, ok := byID[d.entry.EntryID]; ok {
			old[i] = d
		} else {
			old = append(old, d)
		}
	}
	return old
}

func (s *MemoryTextIndex) Query(ctx context.Context, query, itemFilter string, topK int) ([]BackendHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if topK <= 0 {
		topK = 5
	}
	qv := embedTokens(query)
	var hits []BackendHit
	for itemID, docs := range s.docs {
		if itemFilter != "" && itemID != itemFilter {
			continue
		}
		for _, d := range docs {
			score := cosine(qv, d.embed)
			if score <= 0 {
				continue
			}
			hits = append(hits, BackendHit{
				ItemID:  itemID,
				Snippet: d.entry.Text,
				Score:   score,
				Start:   d.entry.Start,
				End:     d.entry.End,
			})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func embedTokens(text string) map[string]float64 {
	m := map[string]float64{}
	for _, t := range strings.Fields(strings.ToLower(text)) {
		m[strings.Trim(t, ".,!?;:\"'")] += 1
	}
	var sum float64
	for _, v := range m {
		sum += v * v
	}
	if sum == 0 {
		return m
	}
	norm := math.Sqrt(sum)
	for k, v := range m {
		m[k] = v / norm
	}
	return m
}

func cosine(a, b map[string]float64) float64 {
	var dot float64
	for k, va := range a {
		if vb, ok := b[k]; ok {
			dot += va * vb
		}
	}
	return dot
}
