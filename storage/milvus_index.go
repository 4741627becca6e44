package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"videoSearch/core"
)

// MilvusFrameIndex holds frame image embeddings for the visual-similarity
// backend. Text queries are embedded into the same space (the embedding
// provider is expected to be multimodal-aligned, as the pgvector indexes
// expect text-only).
type MilvusFrameIndex struct {
	mc       client.Client
	coll     string
	dim      int
	embedder Embedder
}

// FrameVector is one frame's embedding with its source position.
type FrameVector struct {
	FrameIndex int
	Timestamp  float64
	FrameRef   string
	Vector     []float32
}

func NewMilvusFrameIndex(ctx context.Context, addr, collection string, embedder Embedder) (*MilvusFrameIndex, error) {
	mc, err := client.NewClient(ctx, client.Config{Address: addr})
	if err != nil {
		return nil, fmt.Errorf("connect milvus: %w", err)
	}
	s := &MilvusFrameIndex{mc: mc, coll: collection, dim: embeddingDim, embedder: embedder}
	if err := s.ensureSchemaAndIndex(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MilvusFrameIndex) ensureSchemaAndIndex(ctx context.Context) error {
	has, err := s.mc.HasCollection(ctx, s.coll)
	if err != nil {
		return err
	}
	if !has {
		schema := entity.NewSchema()
		schema.WithField(entity.NewField().WithName("id").WithIsAutoID(true).WithIsPrimaryKey(true).WithDataType(entity.FieldTypeInt64))
		schema.WithField(entity.NewField().WithName("item_id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(128))
		schema.WithField(entity.NewField().WithName("frame_index").WithDataType(entity.FieldTypeInt64))
		schema.WithField(entity.NewField().WithName("timestamp").WithDataType(entity.FieldTypeDouble))
		schema.WithField(entity.NewField().WithName("frame_ref").WithDataType(entity.FieldTypeVarChar).WithMaxLength(1024))
		schema.WithField(entity.NewField().WithName("vector").WithDataType(entity.FieldTypeFloatVector).WithDim(int64(s.dim)))

		if err := s.mc.CreateCollection(ctx, schema, int32(2)); err != nil {
			return fmt.Errorf("create collection: %w", err)
		}
	}
	idx, err := entity.NewIndexHNSW(entity.COSINE, 8, 200)
	if err != nil {
		return fmt.Errorf("new hnsw index: %w", err)
	}
	if err := s.mc.CreateIndex(ctx, s.coll, "vector", idx, false, client.WithIndexName("idx_vector")); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	if err := s.mc.LoadCollection(ctx, s.coll, false); err != nil {
		return fmt.Errorf("load collection: %w", err)
	}
	return nil
}

func (s *MilvusFrameIndex) Kind() core.BackendKind { return core.BackendImageSim }

// UpsertFrames inserts frame vectors for an item. Retries are tolerated:
// duplicates for the same frame only cost ranking noise, not correctness,
// since hits collapse per timestamp at query time.
func (s *MilvusFrameIndex) UpsertFrames(ctx context.Context, itemID string, frames []FrameVector) (int, error) {
	if len(frames) == 0 {
		return 0, nil
	}
	itemIDs := make([]string, 0, len(frames))
	indexes := make([]int64, 0, len(frames))
	timestamps := make([]float64, 0, len(frames))
	refs := make([]string, 0, len(frames))
	vectors := make([][]float32, 0, len(frames))
	for _, f := range frames {
		itemIDs = append(itemIDs, itemID)
		indexes = append(indexes, int64(f.FrameIndex))
		timestamps = append(timestamps, f.Timestamp)
		refs = append(refs, f.FrameRef)
		vectors = append(vectors, f.Vector)
	}

	_, err := s.mc.Insert(ctx, s.coll, "",
		entity.NewColumnVarChar("item_id", itemIDs),
		entity.NewColumnInt64("frame_index", indexes),
		entity.NewColumnDouble("timestamp", timestamps),
		entity.NewColumnVarChar("frame_ref", refs),
		entity.NewColumnFloatVector("vector", s.dim, vectors),
	)
	if err != nil {
		return 0, fmt.Errorf("insert frame vectors: %w", err)
	}
	return len(vectors), nil
}

func (s *MilvusFrameIndex) Query(ctx context.Context, query, itemFilter string, topK int) ([]BackendHit, error) {
	if topK <= 0 {
		topK = 5
	}
	v, err := s.embedder.EmbedText(ctx, strings.ToLower(query))
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	sp, _ := entity.NewIndexHNSWSearchParam(74)
	filter := ""
	if itemFilter != "" {
		filter = fmt.Sprintf("item_id == \"%s\"", strings.ReplaceAll(itemFilter, "\"", "\\\""))
	}
	res, err := s.mc.Search(ctx, s.coll, []string{}, filter,
		[]string{"item_id", "timestamp", "frame_ref"},
		[]entity.Vector{entity.FloatVector(v)}, "vector", entity.COSINE, topK, sp)
	if err != nil {
		return nil, fmt.Errorf("milvus search: %w", err)
	}

	var hits []BackendHit
	for _, r := range res {
		cols := map[string]entity.Column{}
		for _, c := range r.Fields {
			cols[c.Name()] = c
		}
		for i := 0; i < r.ResultCount; i++ {
			var itemID, ref string
			var ts float64
			if c, ok := cols["item_id"].(*entity.ColumnVarChar); ok {
				if data := c.Data(); i < len(data) {
					itemID = data[i]
				}
			}
			if c, ok := cols["timestamp"].(*entity.ColumnDouble); ok {
				if data := c.Data(); i < len(data) {
					ts = data[i]
				}
			}
			if c, ok := cols["frame_ref"].(*entity.ColumnVarChar); ok {
				if data := c.Data(); i < len(data) {
					ref = data[i]
				}
			}
			hits = append(hits, BackendHit{
				ItemID:  itemID,
				Snippet: ref,
				Score:   float64(r.Scores[i]),
				Start:   ts,
				End:     ts,
			})
		}
	}
	return hits, nil
}
