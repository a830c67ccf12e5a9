package processors

import (
	"context"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"

	"lectureIndex/core"
)

// TranscriptChunker 按相邻片段嵌入相似度切分转写
type TranscriptChunker struct {
	embedder  Embedder
	labeler   Labeler // nil disables label enrichment
	threshold float64
	logger    arbor.ILogger
}

func NewTranscriptChunker(embedder Embedder, labeler Labeler, threshold float64, logger arbor.ILogger) *TranscriptChunker {
	return &TranscriptChunker{embedder: embedder, labeler: labeler, threshold: threshold, logger: logger}
}

// FindBoundaries returns the start position of every chunk. A segment starts a new chunk
// when its similarity to the previous segment drops below threshold.
func FindBoundaries(embeddings [][]float32, threshold float64) []int {
	if len(embeddings) == 0 {
		return nil
	}
	boundaries := []int{0}
	for i := 1; i < len(embeddings); i++ {
		if core.CosineSimilarity(embeddings[i-1], embeddings[i]) < threshold {
			boundaries = append(boundaries, i)
		}
	}
	return boundaries
}

// Chunk splits ordered segments into chunks and embeds (and optionally labels) each chunk's full text.
func (c *TranscriptChunker) Chunk(ctx context.Context, segments []core.TranscriptSegment) ([]core.TranscriptChunk, error) {
	if len(segments) == 0 {
		return nil, nil
	}

	texts := make([]string, len(segments))
	for i, s := range segments {
		texts[i] = s.Text
	}
	embeddings, err := c.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed segments: %w", err)
	}
	if len(embeddings) != len(segments) {
		return nil, fmt.Errorf("embed segments: got %d vectors for %d segments", len(embeddings), len(segments))
	}

	boundaries := FindBoundaries(embeddings, c.threshold)
	chunks := make([]core.TranscriptChunk, 0, len(boundaries))
	for i, start := range boundaries {
		end := len(segments)
		if i+1 < len(boundaries) {
			end = boundaries[i+1]
		}
		chunk, err := c.finalize(ctx, i, segments[start:end])
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}

	c.logger.Debug().
		Int("segments", len(segments)).
		Int("chunks", len(chunks)).
		Msg("Transcript chunked")
	return chunks, nil
}

// finalize joins a run of segments. The chunk text is embedded again as a whole.
// TODO: reuse the per-segment vectors (mean) instead of a second embedding call per chunk.
func (c *TranscriptChunker) finalize(ctx context.Context, index int, run []core.TranscriptSegment) (core.TranscriptChunk, error) {
	parts := make([]string, len(run))
	for i, s := range run {
		parts[i] = s.Text
	}
	first, last := run[0], run[len(run)-1]
	chunk := core.TranscriptChunk{
		LectureName: first.LectureName,
		VideoID:     first.VideoID,
		ChunkIndex:  index,
		StartTime:   first.StartTime,
		EndTime:     last.EndTime,
		Text:        strings.Join(parts, " "),
	}

	vecs, err := c.embedder.Embed(ctx, []string{chunk.Text})
	if err != nil {
		return chunk, fmt.Errorf("embed chunk %d: %w", index, err)
	}
	if len(vecs) != 1 {
		return chunk, fmt.Errorf("embed chunk %d: got %d vectors for 1 text", index, len(vecs))
	}
	chunk.Embedding = vecs[0]

	if c.labeler != nil {
		label, err := c.labeler.Label(ctx, chunk.Text)
		if err != nil {
			c.logger.Warn().
				Str("lecture", chunk.LectureName).
				Int64("video_id", chunk.VideoID).
				Int("chunk_index", index).
				Err(err).Msg("Chunk labelling failed, storing without label")
		} else {
			chunk.Label = &label
		}
	}
	return chunk, nil
}
