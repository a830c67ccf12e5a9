package processors

import (
	"strings"

	"lectureIndex/core"
)

// WindowBounds returns the chunk positions [lo, hi] covering lower..upper widened by
// before chunks ahead of it and after chunks behind it. ok is false for no chunks.
//
// The lower anchor is the last chunk starting before lower (the first chunk if none does),
// the upper anchor the last chunk starting at or before upper.
func WindowBounds(chunks []core.TranscriptChunk, lower, upper float64, before, after int) (lo, hi int, ok bool) {
	n := len(chunks)
	if n == 0 {
		return 0, 0, false
	}

	i := 0
	for i < n && chunks[i].StartTime < lower {
		i++
	}
	lowest := max(i-1, 0)

	j := lowest
	for j < n && chunks[j].StartTime <= upper {
		j++
	}
	highest := max(j-1, lowest)

	return max(0, lowest-before), min(n-1, highest+after), true
}

// ContextForWindow 拼接时间窗口附近的转写块文本
func ContextForWindow(chunks []core.TranscriptChunk, lower, upper float64, before, after int) string {
	lo, hi, ok := WindowBounds(chunks, lower, upper, before, after)
	if !ok {
		return ""
	}
	return joinChunkText(chunks[lo : hi+1])
}

// ContextAt returns the text of the chunk containing ts widened by radius chunks each side.
func ContextAt(chunks []core.TranscriptChunk, ts float64, radius int) string {
	if len(chunks) == 0 {
		return ""
	}
	pos := 0
	for i, c := range chunks {
		if c.StartTime <= ts {
			pos = i
		}
		if c.StartTime <= ts && ts < c.EndTime {
			break
		}
	}
	lo := max(0, pos-radius)
	hi := min(len(chunks)-1, pos+radius)
	return joinChunkText(chunks[lo : hi+1])
}

func joinChunkText(chunks []core.TranscriptChunk) string {
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = c.Text
	}
	return strings.Join(parts, " ")
}
