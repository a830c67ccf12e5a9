package server

import (
	"lectureIndex/core"
)

// BestPriorChunk picks the candidate most similar to embedding after dropping the
// excludeRecent latest candidates. Candidates are ordered by (video_id, chunk_index).
func BestPriorChunk(candidates []core.TranscriptChunk, embedding []float32, excludeRecent int) (core.TranscriptChunk, bool) {
	if len(candidates) <= excludeRecent {
		return core.TranscriptChunk{}, false
	}
	pool := candidates[:len(candidates)-excludeRecent]

	best := -1
	bestScore := 0.0
	for i, c := range pool {
		if len(c.Embedding) == 0 {
			continue
		}
		score := core.CosineSimilarity(embedding, c.Embedding)
		if best < 0 || score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return core.TranscriptChunk{}, false
	}
	return pool[best], true
}
