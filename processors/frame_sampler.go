package processors

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os/exec"

	"lectureIndex/utils"
)

// ErrVideoUnreadable 视频无法打开或首帧读取失败
var ErrVideoUnreadable = errors.New("video unreadable")

// SampledFrame 一帧采样结果, Index 为原始视频帧号
type SampledFrame struct {
	Index int
	Image image.Image
}

// FrameSampler yields frames at a fixed temporal interval. Next returns io.EOF after the last frame.
type FrameSampler interface {
	FPS() float64
	Interval() int
	Next(ctx context.Context) (SampledFrame, error)
	Close() error
}

// SamplingInterval returns floor(fps/sampleRate), at least 1.
func SamplingInterval(fps, sampleRate float64) int {
	if fps <= 0 || sampleRate <= 0 {
		return 1
	}
	n := int(math.Floor(fps / sampleRate))
	if n < 1 {
		return 1
	}
	return n
}

// FFmpegSampler 通过ffmpeg select滤镜按间隔输出灰度rawvideo
type FFmpegSampler struct {
	fps      float64
	interval int
	width    int
	height   int

	cmd    *exec.Cmd
	stdout io.ReadCloser
	cancel context.CancelFunc
	count  int
	done   bool
}

// OpenFFmpegSampler probes the frame rate and starts decoding.
func OpenFFmpegSampler(ctx context.Context, videoPath string, sampleRate float64, width, height int) (*FFmpegSampler, error) {
	if !utils.FileExists(videoPath) {
		return nil, fmt.Errorf("%w: %s does not exist", ErrVideoUnreadable, videoPath)
	}
	fps, err := utils.VideoFPS(ctx, videoPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVideoUnreadable, err)
	}

	s := &FFmpegSampler{
		fps:      fps,
		interval: SamplingInterval(fps, sampleRate),
		width:    width,
		height:   height,
	}

	runCtx, cancel := context.WithCancel(ctx)
	filter := fmt.Sprintf("select=not(mod(n\\,%d)),format=gray,scale=%d:%d", s.interval, width, height)
	cmd := exec.CommandContext(runCtx, "ffmpeg",
		"-v", "error",
		"-i", videoPath,
		"-vf", filter,
		"-vsync", "0",
		"-f", "rawvideo",
		"-pix_fmt", "gray",
		"pipe:1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrVideoUnreadable, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start ffmpeg: %v", ErrVideoUnreadable, err)
	}
	s.cmd, s.stdout, s.cancel = cmd, stdout, cancel
	return s, nil
}

func (s *FFmpegSampler) FPS() float64  { return s.fps }
func (s *FFmpegSampler) Interval() int { return s.interval }

// Next reads the next sampled frame.
func (s *FFmpegSampler) Next(ctx context.Context) (SampledFrame, error) {
	if s.done {
		return SampledFrame{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return SampledFrame{}, err
	}
	img := image.NewGray(image.Rect(0, 0, s.width, s.height))
	if _, err := io.ReadFull(s.stdout, img.Pix); err != nil {
		s.done = true
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return SampledFrame{}, io.EOF
		}
		return SampledFrame{}, fmt.Errorf("read frame: %w", err)
	}
	frame := SampledFrame{Index: s.count * s.interval, Image: img}
	s.count++
	return frame, nil
}

// Close stops ffmpeg and releases the pipe.
func (s *FFmpegSampler) Close() error {
	s.done = true
	s.cancel()
	_ = s.stdout.Close()
	// killed by cancel; the exit status carries no information here
	_ = s.cmd.Wait()
	return nil
}
