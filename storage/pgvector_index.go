package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/ternarybob/arbor"

	"lectureIndex/core"
)

// ---------------- PgVector implementation ----------------

// PgVectorChunkIndex searches the chunks table directly; chunk rows already carry their embedding.
type PgVectorChunkIndex struct {
	pool   *pgxpool.Pool
	logger arbor.ILogger
}

func NewPgVectorChunkIndex(pool *pgxpool.Pool, logger arbor.ILogger) *PgVectorChunkIndex {
	return &PgVectorChunkIndex{pool: pool, logger: logger}
}

// Upsert only refreshes the ANN index, the rows are written by PostgresStore.InsertChunks.
func (s *PgVectorChunkIndex) Upsert(ctx context.Context, chunks []core.TranscriptChunk) (int, error) {
	if err := s.ensureVectorIndex(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to create chunk vector index")
	}
	return len(chunks), nil
}

// ensureVectorIndex 根据数据量创建 ivfflat 索引
func (s *PgVectorChunkIndex) ensureVectorIndex(ctx context.Context) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_indexes
			WHERE tablename = 'chunks' AND indexname = 'idx_chunks_embedding'
		);`).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check index existence: %w", err)
	}
	if exists {
		return nil
	}

	var count int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM chunks WHERE embedding IS NOT NULL").Scan(&count); err != nil {
		return fmt.Errorf("failed to count chunks: %w", err)
	}
	// ivfflat needs data to train its lists
	if count < 1000 {
		return nil
	}

	lists := count / 100
	if lists > 1000 {
		lists = 1000
	}
	query := fmt.Sprintf(`
		CREATE INDEX idx_chunks_embedding
		ON chunks
		USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = %d);`, lists)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create vector index: %w", err)
	}
	s.logger.Info().Int("lists", lists).Int("embeddings", count).Msg("Created chunk vector index")
	return nil
}

func (s *PgVectorChunkIndex) Search(ctx context.Context, lecture string, vector []float32, topK int) ([]core.ChunkHit, error) {
	if topK <= 0 {
		topK = 5
	}
	v := pgvector.NewVector(vector)
	rows, err := s.pool.Query(ctx, `
		SELECT video_id, chunk_index, start_time, end_time, text, 1 - (embedding <=> $2) AS score
		FROM chunks
		WHERE lecture_name = $1 AND embedding IS NOT NULL
		ORDER BY embedding <=> $2
		LIMIT $3`, lecture, v, topK)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	var hits []core.ChunkHit
	for rows.Next() {
		var h core.ChunkHit
		if err := rows.Scan(&h.VideoID, &h.ChunkIdx, &h.StartTime, &h.EndTime, &h.Text, &h.Score); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
