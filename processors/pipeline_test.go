package processors

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lectureIndex/core"
	"lectureIndex/storage"
)

func TestParseStages(t *testing.T) {
	all, err := ParseStages("")
	require.NoError(t, err)
	assert.Len(t, all, len(AllStages))

	some, err := ParseStages(" Slides, chunks ,")
	require.NoError(t, err)
	assert.Equal(t, StageSet{StageSlides: true, StageChunks: true}, some)

	_, err = ParseStages("slides,summarize")
	require.Error(t, err)

	_, err = ParseStages(",")
	require.Error(t, err)
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lectures.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"lecture": "cs101", "videos": [
			{"id": 1, "video_name": "week1", "path": "https://example.com/w1.mp4"},
			{"id": 2, "video_name": "week2", "path": "/data/w2.mp4"}
		]}
	]`), 0644))

	entries, err := LoadManifest(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "cs101", entries[0].Lecture)
	assert.Equal(t, int64(2), entries[0].Videos[1].ID)
	assert.Equal(t, "/data/w2.mp4", entries[0].Videos[1].Path)

	require.NoError(t, os.WriteFile(path, []byte(`[{"lecture": "cs101", "videos": [{"id": 1}]}]`), 0644))
	_, err = LoadManifest(path)
	require.Error(t, err)
}

func TestPipelineSlidesAndChunks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	index := storage.NewMemoryChunkIndex()

	segs := fourSegments()
	for i := range segs {
		segs[i].VideoID = 7
	}
	_, err := store.InsertSegments(ctx, segs)
	require.NoError(t, err)

	a, b := solidGray(150, 85, 0), solidGray(150, 85, 255)
	stages, err := ParseStages("slides,chunks")
	require.NoError(t, err)

	p := NewPipeline(PipelineDeps{
		Store:      store,
		ChunkIndex: index,
		ProbeFPS:   func(ctx context.Context, path string) (float64, error) { return 30, nil },
		OpenSampler: func(ctx context.Context, path string) (FrameSampler, error) {
			return &sliceSampler{frames: []image.Image{a, a, b, b}, interval: 150}, nil
		},
		SlideDetector: NewSlideChangeDetector(2, 150, 85, testLogger()),
		Chunker:       NewTranscriptChunker(similarityEmbedder(), nil, 0.26, testLogger()),
		Logger:        testLogger(),
	}, stages)

	summary := p.Run(ctx, []LectureEntry{{
		Lecture: "cs101",
		Videos:  []ManifestVideo{{ID: 7, VideoName: "week7", Path: "/videos/week7.mp4"}},
	}})
	assert.Equal(t, 1, summary.Processed)
	assert.Empty(t, summary.Failed)
	assert.NotEmpty(t, summary.RunID)

	video, err := store.GetVideo(ctx, "cs101", 7)
	require.NoError(t, err)
	assert.Equal(t, 30.0, video.FPS)

	frames, err := store.ListFrames(ctx, "cs101", 7)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, 0, frames[0].FrameIndex)
	assert.Equal(t, 300, frames[1].FrameIndex)

	chunks, err := store.ListChunks(ctx, "cs101", 7)
	require.NoError(t, err)
	assert.Len(t, chunks, 2)

	hits, err := index.Search(ctx, "cs101", []float32{0.5, 0.5}, 5)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	// a second run is a no-op on the stored rows
	summary = p.Run(ctx, []LectureEntry{{
		Lecture: "cs101",
		Videos:  []ManifestVideo{{ID: 7, VideoName: "week7", Path: "/videos/week7.mp4"}},
	}})
	assert.Equal(t, 1, summary.Processed)
	frames, err = store.ListFrames(ctx, "cs101", 7)
	require.NoError(t, err)
	assert.Len(t, frames, 2)
}

func TestPipelineContinuesPastFailedVideo(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	stages, err := ParseStages("slides")
	require.NoError(t, err)

	p := NewPipeline(PipelineDeps{
		Store: store,
		ProbeFPS: func(ctx context.Context, path string) (float64, error) {
			if path == "/videos/missing.mp4" {
				return 0, errors.New("no such file")
			}
			return 25, nil
		},
		OpenSampler: func(ctx context.Context, path string) (FrameSampler, error) {
			return &sliceSampler{frames: []image.Image{solidGray(150, 85, 0)}, interval: 125}, nil
		},
		SlideDetector: NewSlideChangeDetector(2, 150, 85, testLogger()),
		Logger:        testLogger(),
	}, stages)

	summary := p.Run(ctx, []LectureEntry{{
		Lecture: "cs101",
		Videos: []ManifestVideo{
			{ID: 1, Path: "/videos/missing.mp4"},
			{ID: 2, Path: "/videos/ok.mp4"},
		},
	}})
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, []string{"cs101/1"}, summary.Failed)

	_, err = store.GetVideo(ctx, "cs101", 1)
	require.ErrorIs(t, err, storage.ErrNotFound)
	frames, err := store.ListFrames(ctx, "cs101", 2)
	require.NoError(t, err)
	assert.Equal(t, []core.SlideFrame{{LectureName: "cs101", VideoID: 2, FrameIndex: 0}}, frames)
}
