package processors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"

	"lectureIndex/core"
	"lectureIndex/storage"
	"lectureIndex/utils"
)

// TranscriptionResult 转写结果
type TranscriptionResult struct {
	Text     string
	Language string
	Segments []core.Segment
}

// Transcriber turns an audio file into timestamped segments.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (*TranscriptionResult, error)
}

// LocalWhisperTranscriber 调用本地 Whisper 脚本
type LocalWhisperTranscriber struct {
	Python     string
	ScriptPath string
	Language   string
}

func (l LocalWhisperTranscriber) Transcribe(ctx context.Context, audioPath string) (*TranscriptionResult, error) {
	python := l.Python
	if python == "" {
		python = "python"
	}
	cmd := exec.CommandContext(ctx, python, l.ScriptPath, audioPath, "--language", l.Language)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("local Whisper transcription failed: %w", err)
	}

	// the script prints {"text", "language", "segments": [{start, end, text}]}
	var parsed struct {
		Text     string `json:"text"`
		Language string `json:"language"`
		Segments []struct {
			Start float64 `json:"start"`
			End   float64 `json:"end"`
			Text  string  `json:"text"`
		} `json:"segments"`
	}
	if err := json.Unmarshal(output, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse whisper output: %w", err)
	}

	result := &TranscriptionResult{Text: strings.TrimSpace(parsed.Text), Language: parsed.Language}
	for _, seg := range parsed.Segments {
		result.Segments = append(result.Segments, core.Segment{Start: seg.Start, End: seg.End, Text: strings.TrimSpace(seg.Text)})
	}
	if result.Language == "" {
		result.Language = l.Language
	}
	return result, nil
}

// TranscriptionService extracts audio, transcribes it and persists the transcript and its segments.
type TranscriptionService struct {
	transcriber Transcriber
	store       storage.IndexStore
	workDir     string
	logger      arbor.ILogger
}

func NewTranscriptionService(t Transcriber, store storage.IndexStore, workDir string, logger arbor.ILogger) *TranscriptionService {
	return &TranscriptionService{transcriber: t, store: store, workDir: workDir, logger: logger}
}

// ProcessVideo 转写一个视频并写入 transcripts/segments
func (s *TranscriptionService) ProcessVideo(ctx context.Context, video core.Video, localPath string) error {
	audioDir := filepath.Join(s.workDir, "audio")
	if err := utils.EnsureDir(audioDir); err != nil {
		return err
	}
	audio := filepath.Join(audioDir, fmt.Sprintf("%s_%d.wav", sanitize(video.LectureName), video.ID))
	if err := utils.ExtractAudioCPU(ctx, localPath, audio); err != nil {
		return fmt.Errorf("extract audio: %w", err)
	}
	defer os.Remove(audio)

	result, err := s.transcriber.Transcribe(ctx, audio)
	if err != nil {
		return err
	}

	err = s.store.InsertTranscript(ctx, core.Transcript{
		LectureName: video.LectureName,
		VideoID:     video.ID,
		Text:        result.Text,
		Language:    result.Language,
	})
	if err != nil && !errors.Is(err, storage.ErrDuplicate) {
		return fmt.Errorf("store transcript: %w", err)
	}

	segs := make([]core.TranscriptSegment, len(result.Segments))
	for i, seg := range result.Segments {
		segs[i] = core.TranscriptSegment{
			LectureName:  video.LectureName,
			VideoID:      video.ID,
			SegmentIndex: i,
			StartTime:    seg.Start,
			EndTime:      seg.End,
			Text:         seg.Text,
		}
	}
	stats, err := s.store.InsertSegments(ctx, segs)
	if err != nil {
		return fmt.Errorf("store segments: %w", err)
	}

	s.logger.Info().
		Str("lecture", video.LectureName).
		Int64("video_id", video.ID).
		Str("language", result.Language).
		Int("segments", stats.Inserted).
		Int("skipped", stats.Skipped).
		Msg("Transcription stored")
	return nil
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, name)
}
