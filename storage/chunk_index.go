package storage

import (
	"context"
	"sort"
	"sync"

	"lectureIndex/core"
)

// ---------------- Memory implementation ----------------

// MemoryChunkIndex 内存向量检索, 用于单机或测试
type MemoryChunkIndex struct {
	mu     sync.RWMutex
	chunks map[string]map[chunkID]core.TranscriptChunk // lecture -> chunks
}

type chunkID struct {
	videoID int64
	index   int
}

func NewMemoryChunkIndex() *MemoryChunkIndex {
	return &MemoryChunkIndex{chunks: map[string]map[chunkID]core.TranscriptChunk{}}
}

func (s *MemoryChunkIndex) Upsert(ctx context.Context, chunks []core.TranscriptChunk) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		byLecture, ok := s.chunks[c.LectureName]
		if !ok {
			byLecture = map[chunkID]core.TranscriptChunk{}
			s.chunks[c.LectureName] = byLecture
		}
		byLecture[chunkID{c.VideoID, c.ChunkIndex}] = c
		n++
	}
	return n, nil
}

func (s *MemoryChunkIndex) Search(ctx context.Context, lecture string, vector []float32, topK int) ([]core.ChunkHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hits := make([]core.ChunkHit, 0, len(s.chunks[lecture]))
	for _, c := range s.chunks[lecture] {
		hits = append(hits, core.ChunkHit{
			Score:     core.CosineSimilarity(vector, c.Embedding),
			VideoID:   c.VideoID,
			ChunkIdx:  c.ChunkIndex,
			StartTime: c.StartTime,
			EndTime:   c.EndTime,
			Text:      c.Text,
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].VideoID != hits[j].VideoID {
			return hits[i].VideoID < hits[j].VideoID
		}
		return hits[i].ChunkIdx < hits[j].ChunkIdx
	})
	if topK <= 0 {
		topK = 5
	}
	if topK < len(hits) {
		hits = hits[:topK]
	}
	return hits, nil
}
