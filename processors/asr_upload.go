package processors

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"lectureIndex/core"
	"lectureIndex/utils"
)

// WhisperUploadLimit is the largest file the transcription API accepts.
const WhisperUploadLimit int64 = 25 * 1024 * 1024

// uploadHeadroom keeps planned parts below the limit to absorb container overhead.
const uploadHeadroom = 0.9

// AudioPart 一段待上传音频的起点和时长(秒)
type AudioPart struct {
	Start    float64
	Duration float64
}

// PlanAudioParts splits duration seconds into equal parts whose CBR encoding at
// bitrateKbps stays under limit bytes. A zero or negative duration gives one part.
func PlanAudioParts(duration float64, bitrateKbps int, limit int64) []AudioPart {
	if duration <= 0 || bitrateKbps <= 0 {
		return []AudioPart{{Start: 0, Duration: duration}}
	}
	bytesPerSec := float64(bitrateKbps) * 1000 / 8
	maxSec := float64(limit) * uploadHeadroom / bytesPerSec
	n := int(math.Ceil(duration / maxSec))
	if n < 1 {
		n = 1
	}
	step := duration / float64(n)
	parts := make([]AudioPart, n)
	for i := range parts {
		parts[i] = AudioPart{Start: float64(i) * step, Duration: step}
	}
	return parts
}

// AudioEncoder writes [start, start+duration) of in to out at the given bitrate.
type AudioEncoder func(ctx context.Context, in, out string, bitrateKbps int, start, duration float64) error

// DurationProbe returns a media file's duration in seconds.
type DurationProbe func(ctx context.Context, path string) (float64, error)

// UploadTranscriber 将音频压缩并按上传上限切分后逐段调用远端转写
type UploadTranscriber struct {
	api         Transcriber
	bitrateKbps int
	limit       int64
	probe       DurationProbe
	encode      AudioEncoder
}

func NewUploadTranscriber(api Transcriber, bitrateKbps int) *UploadTranscriber {
	return &UploadTranscriber{
		api:         api,
		bitrateKbps: bitrateKbps,
		limit:       WhisperUploadLimit,
		probe:       utils.AudioDuration,
		encode:      utils.EncodeAudioMP3,
	}
}

// Transcribe encodes each planned part, uploads it and shifts its segments by the part start.
func (u *UploadTranscriber) Transcribe(ctx context.Context, audioPath string) (*TranscriptionResult, error) {
	duration, err := u.probe(ctx, audioPath)
	if err != nil {
		return nil, fmt.Errorf("probe audio duration: %w", err)
	}
	parts := PlanAudioParts(duration, u.bitrateKbps, u.limit)

	base := strings.TrimSuffix(audioPath, filepath.Ext(audioPath))
	result := &TranscriptionResult{}
	texts := make([]string, 0, len(parts))
	for i, part := range parts {
		out := fmt.Sprintf("%s_part%02d.mp3", base, i)
		res, err := u.transcribePart(ctx, audioPath, out, part)
		if err != nil {
			return nil, fmt.Errorf("audio part %d/%d: %w", i+1, len(parts), err)
		}
		if result.Language == "" {
			result.Language = res.Language
		}
		if res.Text != "" {
			texts = append(texts, res.Text)
		}
		for _, seg := range res.Segments {
			result.Segments = append(result.Segments, core.Segment{
				Start: seg.Start + part.Start,
				End:   seg.End + part.Start,
				Text:  seg.Text,
			})
		}
	}
	result.Text = strings.Join(texts, " ")
	return result, nil
}

func (u *UploadTranscriber) transcribePart(ctx context.Context, in, out string, part AudioPart) (*TranscriptionResult, error) {
	if err := u.encode(ctx, in, out, u.bitrateKbps, part.Start, part.Duration); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	defer os.Remove(out)

	info, err := os.Stat(out)
	if err != nil {
		return nil, err
	}
	if info.Size() > u.limit {
		return nil, fmt.Errorf("encoded audio is %d bytes, over the %d byte upload limit", info.Size(), u.limit)
	}
	return u.api.Transcribe(ctx, out)
}
