package processors

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"lectureIndex/core"
	"lectureIndex/storage"
	"lectureIndex/utils"
)

// LayoutService 对一个视频的全部幻灯片帧做版面检测、合并并写库
type LayoutService struct {
	detector     LayoutDetector
	consolidator *LayoutConsolidator
	frames       storage.FrameStore
	store        storage.IndexStore
	logger       arbor.ILogger
}

func NewLayoutService(detector LayoutDetector, consolidator *LayoutConsolidator, frames storage.FrameStore, store storage.IndexStore, logger arbor.ILogger) *LayoutService {
	return &LayoutService{
		detector:     detector,
		consolidator: consolidator,
		frames:       frames,
		store:        store,
		logger:       logger,
	}
}

// CollectLayouts runs detection on every frame. A frame whose image is missing or whose
// detection fails is logged and left out, so consolidation only sees complete frames.
func (s *LayoutService) CollectLayouts(ctx context.Context, video core.Video, frames []core.SlideFrame) ([]FrameLayout, error) {
	layouts := make([]FrameLayout, 0, len(frames))
	for _, f := range frames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !f.Materialized() || (!utils.IsRemote(f.ImagePath) && !utils.FileExists(f.ImagePath)) {
			s.logger.Warn().Str("lecture", video.LectureName).Int64("video_id", video.ID).Int("frame_index", f.FrameIndex).
				Str("path", f.ImagePath).Msg("Frame image not available, skipping layout detection")
			continue
		}
		img, err := s.frames.Get(ctx, f.ImagePath)
		if err != nil {
			s.logger.Warn().Str("lecture", video.LectureName).Int64("video_id", video.ID).Int("frame_index", f.FrameIndex).
				Err(err).Msg("Failed to load frame image, skipping")
			continue
		}
		raw, err := s.detector.Detect(ctx, img)
		if err != nil {
			s.logger.Warn().Str("lecture", video.LectureName).Int64("video_id", video.ID).Int("frame_index", f.FrameIndex).
				Err(err).Msg("Layout detection failed, skipping frame")
			continue
		}

		layouts = append(layouts, FrameLayout{
			FrameIndex: f.FrameIndex,
			Width:      f.Width,
			Height:     f.Height,
			Boxes:      AssignBoxIDs(video.LectureName, video.ID, f.FrameIndex, raw),
		})
	}
	return layouts, nil
}

// ProcessVideo 检测 + 合并 + 持久化
func (s *LayoutService) ProcessVideo(ctx context.Context, video core.Video, frames []core.SlideFrame) (storage.InsertStats, error) {
	layouts, err := s.CollectLayouts(ctx, video, frames)
	if err != nil {
		return storage.InsertStats{}, err
	}
	return s.Persist(ctx, video, s.consolidator.Consolidate(layouts))
}

// Persist writes consolidated boxes; duplicates from an earlier run are skipped.
func (s *LayoutService) Persist(ctx context.Context, video core.Video, layouts []FrameLayout) (storage.InsertStats, error) {
	var boxes []core.LayoutBox
	for _, l := range layouts {
		boxes = append(boxes, l.Boxes...)
	}
	stats, err := s.store.InsertLayoutBoxes(ctx, boxes)
	if err != nil {
		return stats, fmt.Errorf("store layout boxes: %w", err)
	}

	s.logger.Info().
		Str("lecture", video.LectureName).
		Int64("video_id", video.ID).
		Int("frames", len(layouts)).
		Int("inserted", stats.Inserted).
		Int("skipped", stats.Skipped).
		Int("failed", stats.Failed).
		Msg("Layout boxes stored")
	return stats, nil
}
