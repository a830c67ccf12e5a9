package processors

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lectureIndex/core"
)

// recordingTranscriber returns one segment per uploaded file and remembers the uploads.
type recordingTranscriber struct {
	uploads []string
}

func (r *recordingTranscriber) Transcribe(ctx context.Context, audioPath string) (*TranscriptionResult, error) {
	if _, err := os.Stat(audioPath); err != nil {
		return nil, err
	}
	r.uploads = append(r.uploads, filepath.Base(audioPath))
	return &TranscriptionResult{
		Text:     "part",
		Language: "en",
		Segments: []core.Segment{{Start: 1, End: 2.5, Text: "part"}},
	}, nil
}

func fixedDuration(sec float64) DurationProbe {
	return func(ctx context.Context, path string) (float64, error) { return sec, nil }
}

func writeBytes(n int) AudioEncoder {
	return func(ctx context.Context, in, out string, bitrateKbps int, start, duration float64) error {
		return os.WriteFile(out, make([]byte, n), 0o644)
	}
}

func TestPlanAudioPartsStaysUnderLimit(t *testing.T) {
	// 32 kbps fits an hour in one upload
	parts := PlanAudioParts(3600, 32, WhisperUploadLimit)
	require.Len(t, parts, 1)
	assert.Equal(t, AudioPart{Start: 0, Duration: 3600}, parts[0])

	parts = PlanAudioParts(10800, 32, WhisperUploadLimit)
	require.Len(t, parts, 2)
	assert.InDelta(t, 5400, parts[1].Start, 1e-9)

	// uncompressed 16 kHz 16-bit mono is 256 kbps
	parts = PlanAudioParts(3600, 256, WhisperUploadLimit)
	require.Len(t, parts, 5)
	total := 0.0
	for _, p := range parts {
		assert.LessOrEqual(t, p.Duration*256*1000/8, float64(WhisperUploadLimit))
		total += p.Duration
	}
	assert.InDelta(t, 3600, total, 1e-6)

	assert.Len(t, PlanAudioParts(0, 32, WhisperUploadLimit), 1)
}

func TestUploadTranscriberShiftsPartOffsets(t *testing.T) {
	api := &recordingTranscriber{}
	u := &UploadTranscriber{
		api:         api,
		bitrateKbps: 32,
		limit:       WhisperUploadLimit,
		probe:       fixedDuration(10800),
		encode:      writeBytes(64),
	}
	dir := t.TempDir()

	result, err := u.Transcribe(context.Background(), filepath.Join(dir, "cs101_1.wav"))
	require.NoError(t, err)

	assert.Equal(t, []string{"cs101_1_part00.mp3", "cs101_1_part01.mp3"}, api.uploads)
	assert.Equal(t, "part part", result.Text)
	assert.Equal(t, "en", result.Language)
	require.Len(t, result.Segments, 2)
	assert.InDelta(t, 1, result.Segments[0].Start, 1e-9)
	assert.InDelta(t, 5401, result.Segments[1].Start, 1e-9)
	assert.InDelta(t, 5402.5, result.Segments[1].End, 1e-9)

	// encoded parts are removed after upload
	left, err := filepath.Glob(filepath.Join(dir, "*.mp3"))
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestUploadTranscriberRejectsOversizedPart(t *testing.T) {
	api := &recordingTranscriber{}
	u := &UploadTranscriber{
		api:         api,
		bitrateKbps: 32,
		limit:       1000,
		probe:       fixedDuration(10),
		encode:      writeBytes(2000),
	}

	_, err := u.Transcribe(context.Background(), filepath.Join(t.TempDir(), "cs101_1.wav"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload limit")
	assert.Empty(t, api.uploads)
}
