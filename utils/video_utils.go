package utils

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// VideoFPS 通过ffprobe读取视频帧率
func VideoFPS(ctx context.Context, videoPath string) (float64, error) {
	out, err := RunFFprobe(ctx, []string{
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=avg_frame_rate,r_frame_rate",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath,
	})
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(out, "\n") {
		if fps, err := ParseFrameRate(line); err == nil && fps > 0 {
			return fps, nil
		}
	}
	return 0, fmt.Errorf("no frame rate reported for %s", videoPath)
}

// ParseFrameRate parses ffprobe rates such as "30000/1001" or "25".
func ParseFrameRate(s string) (float64, error) {
	s = strings.TrimSpace(s)
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frame rate %q", s)
	}
	if !found {
		return n, nil
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0, fmt.Errorf("invalid frame rate %q", s)
	}
	return n / d, nil
}

// ExtractAudioCPU 提取16kHz单声道wav
func ExtractAudioCPU(ctx context.Context, inputPath, audioOut string) error {
	args := []string{"-y", "-i", inputPath, "-vn", "-ac", "1", "-ar", "16000", "-f", "wav", audioOut}
	return RunFFmpeg(ctx, args)
}

// AudioDuration 通过ffprobe读取媒体时长(秒)
func AudioDuration(ctx context.Context, path string) (float64, error) {
	out, err := RunFFprobe(ctx, []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	})
	if err != nil {
		return 0, err
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(out), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q for %s", out, path)
	}
	return d, nil
}

// EncodeAudioMP3 re-encodes [start, start+duration) seconds of the input as mono 16kHz CBR mp3.
func EncodeAudioMP3(ctx context.Context, inputPath, out string, bitrateKbps int, start, duration float64) error {
	args := []string{
		"-y",
		"-ss", fmt.Sprintf("%.3f", start),
		"-t", fmt.Sprintf("%.3f", duration),
		"-i", inputPath,
		"-vn", "-ac", "1", "-ar", "16000",
		"-b:a", fmt.Sprintf("%dk", bitrateKbps),
		"-f", "mp3", out,
	}
	return RunFFmpeg(ctx, args)
}

// ExtractFramePNG 按毫秒定位并输出一帧PNG
func ExtractFramePNG(ctx context.Context, videoPath string, ms int64) ([]byte, error) {
	args := []string{
		"-v", "error",
		"-ss", fmt.Sprintf("%.3f", float64(ms)/1000),
		"-i", videoPath,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"pipe:1",
	}
	return RunFFmpegOutput(ctx, args)
}
