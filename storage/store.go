package storage

import (
	"context"
	"errors"
	"fmt"

	"lectureIndex/core"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned by single-row inserts whose unique key already exists.
	ErrDuplicate = errors.New("duplicate key")
)

// InsertStats 批量写入统计, 冲突行计入 Skipped
type InsertStats struct {
	Inserted int
	Skipped  int
	Failed   int
}

// IndexStore is the durable index: videos, frames, layouts, transcripts, segments, chunks, gpt_responses.
// Batch inserts run as one logical step. A conflicting row is skipped, a failing row is rolled back
// on its own, and the rows that succeeded are committed.
type IndexStore interface {
	InsertVideo(ctx context.Context, v core.Video) error
	InsertFrames(ctx context.Context, lecture string, videoID int64, frameIndices []int) (InsertStats, error)
	UpdateFrame(ctx context.Context, f core.SlideFrame) error
	InsertLayoutBoxes(ctx context.Context, boxes []core.LayoutBox) (InsertStats, error)
	InsertTranscript(ctx context.Context, t core.Transcript) error
	InsertSegments(ctx context.Context, segs []core.TranscriptSegment) (InsertStats, error)
	InsertChunks(ctx context.Context, chunks []core.TranscriptChunk) (InsertStats, error)
	InsertExplanation(ctx context.Context, e core.Explanation) error

	ListVideos(ctx context.Context, lecture string) ([]core.Video, error)
	GetVideo(ctx context.Context, lecture string, videoID int64) (*core.Video, error)
	ListFrames(ctx context.Context, lecture string, videoID int64) ([]core.SlideFrame, error)
	ListLayoutBoxes(ctx context.Context, lecture string, videoID int64, frameIndex int) ([]core.LayoutBox, error)
	ListVideoLayoutBoxes(ctx context.Context, lecture string, videoID int64) ([]core.LayoutBox, error)
	ListSegments(ctx context.Context, lecture string, videoID int64) ([]core.TranscriptSegment, error)
	ListChunks(ctx context.Context, lecture string, videoID int64) ([]core.TranscriptChunk, error)
	// ListPriorChunks returns chunks with video_id < videoID, or video_id == videoID and start_time < before,
	// ordered by (video_id, chunk_index).
	ListPriorChunks(ctx context.Context, lecture string, videoID int64, before float64) ([]core.TranscriptChunk, error)
	GetExplanation(ctx context.Context, lecture string, videoID int64, frameIndex, boxID int) (*core.Explanation, error)

	Close() error
}

// FrameStore 帧图片存储, Put 返回可供 Get 读取的路径或URL
type FrameStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, path string) ([]byte, error)
}

// ChunkIndex abstracts the vector search backend for transcript chunks.
type ChunkIndex interface {
	Upsert(ctx context.Context, chunks []core.TranscriptChunk) (int, error)
	Search(ctx context.Context, lecture string, vector []float32, topK int) ([]core.ChunkHit, error)
}

// FrameKey 帧图片对象名
func FrameKey(lecture string, videoID int64, frameIndex int) string {
	return fmt.Sprintf("%s/%d/frames/%d.png", lecture, videoID, frameIndex)
}
