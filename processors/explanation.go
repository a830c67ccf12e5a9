package processors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/ternarybob/arbor"

	"lectureIndex/core"
	"lectureIndex/storage"
)

// ExplanationStats 讲解生成统计
type ExplanationStats struct {
	Generated int
	Existing  int
	Failed    int
}

// ExplanationService explains every consolidated layout box of a video.
type ExplanationService struct {
	explainer Explainer
	embedder  Embedder
	frames    storage.FrameStore
	store     storage.IndexStore
	before    int
	after     int
	logger    arbor.ILogger
}

func NewExplanationService(explainer Explainer, embedder Embedder, frames storage.FrameStore, store storage.IndexStore, before, after int, logger arbor.ILogger) *ExplanationService {
	return &ExplanationService{
		explainer: explainer,
		embedder:  embedder,
		frames:    frames,
		store:     store,
		before:    before,
		after:     after,
		logger:    logger,
	}
}

// GroupBoxesByFrame indexes boxes by frame_index, keeping their order.
func GroupBoxesByFrame(boxes []core.LayoutBox) map[int][]core.LayoutBox {
	byFrame := make(map[int][]core.LayoutBox)
	for _, b := range boxes {
		byFrame[b.FrameIndex] = append(byFrame[b.FrameIndex], b)
	}
	return byFrame
}

// FrameWindow returns the transcript window [lower, upper] in seconds shown by frames[i]:
// from its timestamp to the next frame's, or to the end of the last chunk.
func FrameWindow(frames []core.SlideFrame, i int, chunks []core.TranscriptChunk) (lower, upper float64) {
	lower = float64(frames[i].TimestampMS) / 1000
	switch {
	case i+1 < len(frames):
		upper = float64(frames[i+1].TimestampMS) / 1000
	case len(chunks) > 0:
		upper = chunks[len(chunks)-1].EndTime
	default:
		upper = lower
	}
	return lower, upper
}

// ProcessVideo generates the missing explanations of a video. A frame image that cannot be
// fetched is fatal for the video; a failed box is logged and skipped.
func (s *ExplanationService) ProcessVideo(ctx context.Context, video core.Video) (ExplanationStats, error) {
	var stats ExplanationStats

	frames, err := s.store.ListFrames(ctx, video.LectureName, video.ID)
	if err != nil {
		return stats, err
	}
	chunks, err := s.store.ListChunks(ctx, video.LectureName, video.ID)
	if err != nil {
		return stats, err
	}
	boxes, err := s.store.ListVideoLayoutBoxes(ctx, video.LectureName, video.ID)
	if err != nil {
		return stats, err
	}
	byFrame := GroupBoxesByFrame(boxes)

	for i, f := range frames {
		frameBoxes := byFrame[f.FrameIndex]
		if len(frameBoxes) == 0 || !f.Materialized() {
			continue
		}

		data, err := s.frames.Get(ctx, f.ImagePath)
		if err != nil {
			return stats, fmt.Errorf("fetch frame %d: %w", f.FrameIndex, err)
		}
		full, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return stats, fmt.Errorf("decode frame %d: %w", f.FrameIndex, err)
		}

		lower, upper := FrameWindow(frames, i, chunks)
		transcript := ContextForWindow(chunks, lower, upper, s.before, s.after)

		for _, box := range frameBoxes {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			_, err := s.store.GetExplanation(ctx, video.LectureName, video.ID, f.FrameIndex, box.BoxID)
			if err == nil {
				stats.Existing++
				continue
			}
			if !errors.Is(err, storage.ErrNotFound) {
				return stats, err
			}

			if err := s.explainBox(ctx, box, full, data, transcript); err != nil {
				stats.Failed++
				s.logger.Warn().
					Str("lecture", video.LectureName).
					Int64("video_id", video.ID).
					Int("frame_index", f.FrameIndex).
					Int("box_id", box.BoxID).
					Err(err).Msg("Explanation failed, skipping box")
				continue
			}
			stats.Generated++
		}
	}

	s.logger.Info().
		Str("lecture", video.LectureName).
		Int64("video_id", video.ID).
		Int("generated", stats.Generated).
		Int("existing", stats.Existing).
		Int("failed", stats.Failed).
		Msg("Explanations stored")
	return stats, nil
}

func (s *ExplanationService) explainBox(ctx context.Context, box core.LayoutBox, full image.Image, fullPNG []byte, transcript string) error {
	crop, err := cropPNG(full, box.X1, box.Y1, box.X2, box.Y2)
	if err != nil {
		return err
	}
	text, err := s.explainer.Explain(ctx, transcript, crop, fullPNG)
	if err != nil {
		return err
	}
	vecs, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return err
	}
	if len(vecs) != 1 {
		return fmt.Errorf("embed explanation: got %d vectors for 1 text", len(vecs))
	}

	err = s.store.InsertExplanation(ctx, core.Explanation{
		LectureName: box.LectureName,
		VideoID:     box.VideoID,
		FrameIndex:  box.FrameIndex,
		BoxID:       box.BoxID,
		Text:        text,
		Embedding:   vecs[0],
	})
	if errors.Is(err, storage.ErrDuplicate) {
		return nil
	}
	return err
}
