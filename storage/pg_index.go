package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"videoSearch/core"
)

const embeddingDim = 1536

// PgTextIndex stores snippet embeddings in a pgvector table and searches
// them with cosine distance. One instance per modality: speech chunks and
// frame captions use the same schema under different table names.
type PgTextIndex struct {
	pool     *pgxpool.Pool
	table    string
	kind     core.BackendKind
	embedder Embedder
}

func NewPgSpeechIndex(ctx context.Context, pool *pgxpool.Pool, embedder Embedder) (*PgTextIndex, error) {
	return newPgTextIndex(ctx, pool, "speech_chunks", core.BackendSpeech, embedder)
}

func NewPgCaptionIndex(ctx context.Context, pool *pgxpool.Pool, embedder Embedder) (*PgTextIndex, error) {
	return newPgTextIndex(ctx, pool, "frame_captions", core.BackendCaption, embedder)
}

func newPgTextIndex(ctx context.Context, pool *pgxpool.Pool, table string, kind core.BackendKind, embedder Embedder) (*PgTextIndex, error) {
	s := &PgTextIndex{pool: pool, table: table, kind: kind, embedder: embedder}
	if err := s.ensureTable(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PgTextIndex) ensureTable(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector;"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id SERIAL PRIMARY KEY,
			item_id VARCHAR(255) NOT NULL,
			entry_id VARCHAR(255) NOT NULL,
			start_time FLOAT NOT NULL,
			end_time FLOAT NOT NULL,
			text TEXT NOT NULL,
			embedding vector(%d),
			UNIQUE(item_id, entry_id)
		);
	`, s.table, embeddingDim)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	indexQuery := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_item ON %s(item_id);", s.table, s.table)
	if _, err := s.pool.Exec(ctx, indexQuery); err != nil {
		return fmt.Errorf("create %s item index: %w", s.table, err)
	}
	return nil
}

func (s *PgTextIndex) Kind() core.BackendKind { return s.kind }

// Upsert embeds and writes entries. Entries whose embedding call fails are
// skipped; the count of stored entries is returned so the caller can decide
// whether the batch succeeded.
func (s *PgTextIndex) Upsert(ctx context.Context, itemID string, entries []IndexEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	stored := 0
	var lastErr error
	for _, e := range entries {
		embedding, err := s.embedder.EmbedText(ctx, strings.ToLower(e.Text))
		if err != nil {
			lastErr = err
			continue
		}
		vec := pgvector.NewVector(embedding)
		_, err = s.pool.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (item_id, entry_id, start_time, end_time, text, embedding)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (item_id, entry_id)
			DO UPDATE SET start_time = EXCLUDED.start_time, end_time = EXCLUDED.end_time,
			              text = EXCLUDED.text, embedding = EXCLUDED.embedding
		`, s.table), itemID, e.EntryID, e.Start, e.End, e.Text, vec)
		if err != nil {
			lastErr = err
			continue
		}
		stored++
	}
	if stored == 0 && lastErr != nil {
		return 0, fmt.Errorf("upsert into %s: %w", s.table, lastErr)
	}
	return stored, nil
}

func (s *PgTextIndex) Query(ctx context.Context, query, itemFilter string, topK int) ([]BackendHit, error) {
	if topK <= 0 {
		topK = 5
	}
	queryEmbedding, err := s.embedder.EmbedText(ctx, strings.ToLower(query))
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	vec := pgvector.NewVector(queryEmbedding)

	sql := fmt.Sprintf(`
		SELECT item_id, text, start_time, end_time, 1 - (embedding <=> $1) AS similarity
		FROM %s
	`, s.table)
	args := []any{vec}
	if itemFilter != "" {
		sql += " WHERE item_id = $2 ORDER BY embedding <=> $1 LIMIT $3"
		args = append(args, itemFilter, topK)
	} else {
		sql += " ORDER BY embedding <=> $1 LIMIT $2"
		args = append(args, topK)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s.table, err)
	}
	defer rows.Close()

	var hits []BackendHit
	for rows.Next() {
		var h BackendHit
		if err := rows.Scan(&h.ItemID, &h.Snippet, &h.Start, &h.End, &h.Score); err != nil {
			return nil, fmt.Errorf("scan %s hit: %w", s.table, err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
