package processors

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"strconv"

	"github.com/ternarybob/arbor"
)

// SlideChangeDetector 基于帧差的幻灯片切换检测
type SlideChangeDetector struct {
	diffThreshold float64
	width         int
	height        int
	logger        arbor.ILogger
}

// NewSlideChangeDetector 创建检测器, width/height 为比较前的缩放尺寸
func NewSlideChangeDetector(diffThreshold float64, width, height int, logger arbor.ILogger) *SlideChangeDetector {
	if width <= 0 || height <= 0 {
		width, height = 150, 85
	}
	return &SlideChangeDetector{
		diffThreshold: diffThreshold,
		width:         width,
		height:        height,
		logger:        logger,
	}
}

// Detect returns the raw frame indices at which a new slide appears.
// Each sampled frame is compared with the previous sampled frame, not with the last boundary.
// Frame 0 is always a boundary. A sampler that yields nothing is fatal.
func (d *SlideChangeDetector) Detect(ctx context.Context, sampler FrameSampler) ([]int, error) {
	first, err := sampler.Next(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: no frames decoded", ErrVideoUnreadable)
		}
		return nil, fmt.Errorf("%w: %v", ErrVideoUnreadable, err)
	}

	boundaries := []int{0}
	prev := toGray(first.Image, d.width, d.height)
	sampled := 1

	for {
		frame, err := sampler.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return boundaries, fmt.Errorf("sample frame after %d: %w", boundaries[len(boundaries)-1], err)
		}
		sampled++

		curr := toGray(frame.Image, d.width, d.height)
		diff := meanAbsDiff(prev, curr)
		if diff > d.diffThreshold && frame.Index > boundaries[len(boundaries)-1] {
			boundaries = append(boundaries, frame.Index)
			d.logger.Debug().
				Int("frame_index", frame.Index).
				Str("diff", strconv.FormatFloat(diff, 'f', 2, 64)).
				Msg("Slide change detected")
		}
		prev = curr
	}

	d.logger.Info().
		Int("sampled", sampled).
		Int("interval", sampler.Interval()).
		Int("boundaries", len(boundaries)).
		Msg("Slide change detection finished")
	return boundaries, nil
}

// DetectImages runs detection over an in-memory sequence, indices spaced by interval.
func (d *SlideChangeDetector) DetectImages(ctx context.Context, frames []image.Image, interval int) ([]int, error) {
	return d.Detect(ctx, &sliceSampler{frames: frames, interval: max(interval, 1)})
}

type sliceSampler struct {
	frames   []image.Image
	interval int
	pos      int
}

func (s *sliceSampler) FPS() float64  { return 0 }
func (s *sliceSampler) Interval() int { return s.interval }
func (s *sliceSampler) Close() error  { return nil }

func (s *sliceSampler) Next(ctx context.Context) (SampledFrame, error) {
	if s.pos >= len(s.frames) {
		return SampledFrame{}, io.EOF
	}
	f := SampledFrame{Index: s.pos * s.interval, Image: s.frames[s.pos]}
	s.pos++
	return f, nil
}
