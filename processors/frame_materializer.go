package processors

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/png"
	"math"

	"github.com/ternarybob/arbor"

	"lectureIndex/core"
	"lectureIndex/storage"
	"lectureIndex/utils"
)

// FrameGrabber decodes one PNG frame at ms into the video.
type FrameGrabber func(ctx context.Context, videoPath string, ms int64) ([]byte, error)

// FrameMaterializer 按切换点提取原始分辨率帧图片并存储
type FrameMaterializer struct {
	grab   FrameGrabber
	frames storage.FrameStore
	store  storage.IndexStore
	logger arbor.ILogger
}

func NewFrameMaterializer(frames storage.FrameStore, store storage.IndexStore, logger arbor.ILogger) *FrameMaterializer {
	return &FrameMaterializer{grab: utils.ExtractFramePNG, frames: frames, store: store, logger: logger}
}

// WithGrabber replaces the ffmpeg frame grabber.
func (m *FrameMaterializer) WithGrabber(g FrameGrabber) *FrameMaterializer {
	m.grab = g
	return m
}

// FrameTimestampMS converts a raw frame index to milliseconds.
func FrameTimestampMS(frameIndex int, fps float64) int64 {
	if fps <= 0 {
		return 0
	}
	return int64(math.Round(float64(frameIndex) / fps * 1000))
}

// Materialize extracts every frame not yet stored and updates its row.
// A frame that cannot be decoded is logged and skipped.
func (m *FrameMaterializer) Materialize(ctx context.Context, video core.Video, localPath string, frames []core.SlideFrame) (int, error) {
	done := 0
	for _, f := range frames {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if f.Materialized() {
			continue
		}

		ms := FrameTimestampMS(f.FrameIndex, video.FPS)
		data, err := m.grab(ctx, localPath, ms)
		if err != nil || len(data) == 0 {
			m.logger.Warn().
				Str("lecture", video.LectureName).
				Int64("video_id", video.ID).
				Int("frame_index", f.FrameIndex).
				Err(err).Msg("Failed to read frame, skipping")
			continue
		}
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return done, fmt.Errorf("decode frame %d: %w", f.FrameIndex, err)
		}

		path, err := m.frames.Put(ctx, storage.FrameKey(video.LectureName, video.ID, f.FrameIndex), data, "image/png")
		if err != nil {
			return done, err
		}

		f.TimestampMS = ms
		f.ImagePath = path
		f.Width = cfg.Width
		f.Height = cfg.Height
		if err := m.store.UpdateFrame(ctx, f); err != nil {
			return done, fmt.Errorf("update frame %d: %w", f.FrameIndex, err)
		}
		done++
	}

	m.logger.Info().
		Str("lecture", video.LectureName).
		Int64("video_id", video.ID).
		Int("materialized", done).
		Int("frames", len(frames)).
		Msg("Slide frames stored")
	return done, nil
}
