package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"videoSearch/core"
)

// ArtifactStore holds derived per-item blobs (timelines, captions,
// embeddings). Keys are deterministic, so retried writes overwrite the same
// key instead of duplicating.
type ArtifactStore interface {
	Put(key string, data []byte) error
	Get(key string) ([]byte, error)
	List(prefix string) ([]string, error)
	Delete(key string) error
}

// ========== artifact keys ==========

func TimelineKey(itemID string) string {
	return filepath.ToSlash(filepath.Join(itemID, "timeline.json"))
}

func FrameKey(itemID string, idx int) string {
	return fmt.Sprintf("%s/frames/%04d.jpg", itemID, idx)
}

func CaptionKey(itemID string, idx int) string {
	return fmt.Sprintf("%s/captions/%04d.json", itemID, idx)
}

func EmbeddingKey(itemID string, idx int) string {
	return fmt.Sprintf("%s/embeddings/%04d.json", itemID, idx)
}

func JobHandleKey(itemID, jobID string) string {
	return fmt.Sprintf("%s/jobs/%s.json", itemID, jobID)
}

// ---------------- Filesystem implementation ----------------

// FSArtifactStore keeps artifacts under a root directory, one subtree per
// item, matching the layout the processing steps expect on disk.
type FSArtifactStore struct {
	root string
}

func NewFSArtifactStore(root string) (*FSArtifactStore, error) {
	if root == "" {
		root = core.DataRoot()
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &FSArtifactStore{root: root}, nil
}

func (s *FSArtifactStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *FSArtifactStore) Put(key string, data []byte) error {
	p := s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write artifact %s: %w", key, err)
	}
	return os.Rename(tmp, p)
}

func (s *FSArtifactStore) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", key, err)
	}
	return data, nil
}

func (s *FSArtifactStore) Delete(key string) error {
	err := os.Remove(s.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *FSArtifactStore) List(prefix string) ([]string, error) {
	var keys []string
	err := filepath.Walk(s.root, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) && !strings.HasSuffix(key, ".tmp") {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list artifacts %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// ---------------- Memory implementation (tests, fallback) ----------------

type MemoryArtifactStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryArtifactStore() *MemoryArtifactStore {
	return &MemoryArtifactStore{data: map[string][]byte{}}
}

func (s *MemoryArtifactStore) Put(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.data[key] = cp
	return nil
}

func (s *MemoryArtifactStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	if !ok {
		return nil, core.ErrNotFound
	}
	return data, nil
}

func (s *MemoryArtifactStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryArtifactStore) List(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// ========== typed helpers ==========

// PutJSON marshals v and stores it at key.
func PutJSON(store ArtifactStore, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return store.Put(key, data)
}

// DecodeJSON parses raw artifact bytes into v.
func DecodeJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// GetTimeline loads the immutable word timeline for an item.
func GetTimeline(store ArtifactStore, itemID string) (*core.Timeline, error) {
	data, err := store.Get(TimelineKey(itemID))
	if err != nil {
		return nil, err
	}
	var tl core.Timeline
	if err := json.Unmarshal(data, &tl); err != nil {
		return nil, fmt.Errorf("parse timeline for %s: %w", itemID, err)
	}
	return &tl, nil
}
