package storage

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/ternarybob/arbor"

	"lectureIndex/config"
	"lectureIndex/core"
)

// ---------------- Milvus implementation ----------------

// MilvusChunkIndex 基于 Milvus 的转写块向量检索
type MilvusChunkIndex struct {
	mc     client.Client
	coll   string
	dim    int
	logger arbor.ILogger
}

func NewMilvusChunkIndex(ctx context.Context, cfg config.VectorConfig, dim int, logger arbor.ILogger) (*MilvusChunkIndex, error) {
	mc, err := client.NewClient(ctx, client.Config{
		Address:  cfg.MilvusAddr,
		Username: cfg.MilvusUsername,
		Password: cfg.MilvusPassword,
		APIKey:   cfg.MilvusAPIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("connect milvus: %w", err)
	}

	s := &MilvusChunkIndex{mc: mc, coll: cfg.MilvusCollection, dim: dim, logger: logger}
	if err := s.ensureSchemaAndIndex(ctx); err != nil {
		mc.Close()
		return nil, err
	}
	return s, nil
}

func (s *MilvusChunkIndex) Close() error {
	return s.mc.Close()
}

func (s *MilvusChunkIndex) ensureSchemaAndIndex(ctx context.Context) error {
	has, err := s.mc.HasCollection(ctx, s.coll)
	if err != nil {
		return err
	}
	if !has {
		schema := entity.NewSchema().WithName(s.coll)
		// id (auto int64 primary)
		schema.WithField(entity.NewField().WithName("id").WithIsAutoID(true).WithIsPrimaryKey(true).WithDataType(entity.FieldTypeInt64))
		schema.WithField(entity.NewField().WithName("lecture_name").WithDataType(entity.FieldTypeVarChar).WithMaxLength(256))
		schema.WithField(entity.NewField().WithName("video_id").WithDataType(entity.FieldTypeInt64))
		schema.WithField(entity.NewField().WithName("chunk_index").WithDataType(entity.FieldTypeInt64))
		schema.WithField(entity.NewField().WithName("start").WithDataType(entity.FieldTypeDouble))
		schema.WithField(entity.NewField().WithName("end").WithDataType(entity.FieldTypeDouble))
		schema.WithField(entity.NewField().WithName("text").WithDataType(entity.FieldTypeVarChar).WithMaxLength(milvusTextMaxLen))
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

// milvusTextMaxLen is the VarChar ceiling in bytes.
const milvusTextMaxLen = 65535

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func quoteExpr(s string) string {
	return "\"" + strings.ReplaceAll(s, "\"", "\\\"") + "\""
}

// Upsert deletes the video's previous chunks before inserting, so re-runs do not duplicate vectors.
func (s *MilvusChunkIndex) Upsert(ctx context.Context, chunks []core.TranscriptChunk) (int, error) {
	lectures := make([]string, 0, len(chunks))
	videoIDs := make([]int64, 0, len(chunks))
	indices := make([]int64, 0, len(chunks))
	starts := make([]float64, 0, len(chunks))
	ends := make([]float64, 0, len(chunks))
	texts := make([]string, 0, len(chunks))
	vectors := make([][]float32, 0, len(chunks))

	seen := map[string]struct{}{}
	for _, c := range chunks {
		if len(c.Embedding) != s.dim {
			continue
		}
		expr := fmt.Sprintf("lecture_name == %s && video_id == %d", quoteExpr(c.LectureName), c.VideoID)
		if _, ok := seen[expr]; !ok {
			seen[expr] = struct{}{}
			if err := s.mc.Delete(ctx, s.coll, "", expr); err != nil {
				return 0, fmt.Errorf("delete previous chunks: %w", err)
			}
		}
		lectures = append(lectures, c.LectureName)
		videoIDs = append(videoIDs, c.VideoID)
		indices = append(indices, int64(c.ChunkIndex))
		starts = append(starts, c.StartTime)
		ends = append(ends, c.EndTime)
		texts = append(texts, truncateUTF8(c.Text, milvusTextMaxLen))
		vectors = append(vectors, c.Embedding)
	}
	if len(vectors) == 0 {
		return 0, nil
	}

	_, err := s.mc.Insert(ctx, s.coll, "",
		entity.NewColumnVarChar("lecture_name", lectures),
		entity.NewColumnInt64("video_id", videoIDs),
		entity.NewColumnInt64("chunk_index", indices),
		entity.NewColumnDouble("start", starts),
		entity.NewColumnDouble("end", ends),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnFloatVector("vector", s.dim, vectors),
	)
	if err != nil {
		return 0, fmt.Errorf("insert chunks: %w", err)
	}
	return len(vectors), nil
}

func (s *MilvusChunkIndex) Search(ctx context.Context, lecture string, vector []float32, topK int) ([]core.ChunkHit, error) {
	if topK <= 0 {
		topK = 5
	}
	sp, _ := entity.NewIndexHNSWSearchParam(74)
	filter := "lecture_name == " + quoteExpr(lecture)
	res, err := s.mc.Search(ctx, s.coll, []string{}, filter,
		[]string{"video_id", "chunk_index", "start", "end", "text"},
		[]entity.Vector{entity.FloatVector(vector)}, "vector", entity.COSINE, topK, sp)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}

	var hits []core.ChunkHit
	for _, r := range res {
		cols := map[string]entity.Column{}
		for _, c := range r.Fields {
			cols[c.Name()] = c
		}
		for i := 0; i < r.ResultCount; i++ {
			h := core.ChunkHit{Score: float64(r.Scores[i])}
			if c, ok := cols["video_id"].(*entity.ColumnInt64); ok && i < c.Len() {
				h.VideoID = c.Data()[i]
			}
			if c, ok := cols["chunk_index"].(*entity.ColumnInt64); ok && i < c.Len() {
				h.ChunkIdx = int(c.Data()[i])
			}
			if c, ok := cols["start"].(*entity.ColumnDouble); ok && i < c.Len() {
				h.StartTime = c.Data()[i]
			}
			if c, ok := cols["end"].(*entity.ColumnDouble); ok && i < c.Len() {
				h.EndTime = c.Data()[i]
			}
			if c, ok := cols["text"].(*entity.ColumnVarChar); ok && i < c.Len() {
				h.Text = c.Data()[i]
			}
			hits = append(hits, h)
		}
	}
	return hits, nil
}
