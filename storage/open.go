package storage

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"lectureIndex/config"
)

// OpenIndexStore 按配置打开持久化存储
func OpenIndexStore(ctx context.Context, cfg *config.Config, logger arbor.ILogger) (IndexStore, error) {
	switch cfg.Database.Backend {
	case "badger":
		return NewBadgerStore(cfg.Database.BadgerPath, logger)
	case "postgres":
		return NewPostgresStore(ctx, cfg.Database.PostgresURL, cfg.OpenAI.EmbeddingDim, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Database.Backend)
	}
}

// OpenChunkIndex picks the chunk vector search backend. pgvector requires a PostgresStore.
func OpenChunkIndex(ctx context.Context, cfg *config.Config, store IndexStore, logger arbor.ILogger) (ChunkIndex, error) {
	switch cfg.Vector.Backend {
	case "milvus":
		return NewMilvusChunkIndex(ctx, cfg.Vector, cfg.OpenAI.EmbeddingDim, logger)
	case "pgvector":
		pg, ok := store.(*PostgresStore)
		if !ok {
			return nil, fmt.Errorf("pgvector chunk index requires the postgres store")
		}
		return NewPgVectorChunkIndex(pg.Pool(), logger), nil
	default:
		return NewMemoryChunkIndex(), nil
	}
}

// OpenFrameStore 按配置创建帧图片存储
func OpenFrameStore(cfg config.FramesConfig) (FrameStore, error) {
	switch cfg.Backend {
	case "cos":
		return NewCOSFrameStore(cfg.COSBucketURL, cfg.COSSecretID, cfg.COSSecretKey)
	default:
		return NewLocalFrameStore(cfg.Dir)
	}
}
