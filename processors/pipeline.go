package processors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"lectureIndex/core"
	"lectureIndex/storage"
	"lectureIndex/utils"
)

// Stage 流水线阶段
type Stage string

const (
	StageSlides     Stage = "slides"
	StageFrames     Stage = "frames"
	StageLayout     Stage = "layout"
	StageTranscribe Stage = "transcribe"
	StageChunks     Stage = "chunks"
	StageExplain    Stage = "explain"
)

// AllStages lists the stages in execution order.
var AllStages = []Stage{StageSlides, StageFrames, StageLayout, StageTranscribe, StageChunks, StageExplain}

// StageSet 选中的阶段集合
type StageSet map[Stage]bool

// ParseStages parses "slides,frames,...". An empty string selects every stage.
func ParseStages(s string) (StageSet, error) {
	set := StageSet{}
	if strings.TrimSpace(s) == "" {
		for _, st := range AllStages {
			set[st] = true
		}
		return set, nil
	}
	for _, part := range strings.Split(s, ",") {
		name := Stage(strings.ToLower(strings.TrimSpace(part)))
		if name == "" {
			continue
		}
		known := false
		for _, st := range AllStages {
			if st == name {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("unknown stage %q", name)
		}
		set[name] = true
	}
	if len(set) == 0 {
		return nil, errors.New("no stages selected")
	}
	return set, nil
}

// ManifestVideo 清单中的单个视频
type ManifestVideo struct {
	ID        int64  `json:"id"`
	VideoName string `json:"video_name"`
	Path      string `json:"path"`
}

// LectureEntry is one lecture of the ingest manifest.
type LectureEntry struct {
	Lecture string          `json:"lecture"`
	Videos  []ManifestVideo `json:"videos"`
}

// LoadManifest reads a JSON manifest of lectures.
func LoadManifest(path string) ([]LectureEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var entries []LectureEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	for _, e := range entries {
		if e.Lecture == "" {
			return nil, fmt.Errorf("manifest %s: lecture name is required", path)
		}
		for _, v := range e.Videos {
			if v.Path == "" {
				return nil, fmt.Errorf("manifest %s: video %d of %s has no path", path, v.ID, e.Lecture)
			}
		}
	}
	return entries, nil
}

// SamplerFactory opens a frame sampler for a local video file.
type SamplerFactory func(ctx context.Context, videoPath string) (FrameSampler, error)

// FPSProbe returns the frame rate of a local video file.
type FPSProbe func(ctx context.Context, videoPath string) (float64, error)

// PipelineDeps 流水线依赖
type PipelineDeps struct {
	Store          storage.IndexStore
	ChunkIndex     storage.ChunkIndex
	OpenSampler    SamplerFactory
	ProbeFPS       FPSProbe
	SlideDetector  *SlideChangeDetector
	Materializer   *FrameMaterializer
	Layout         *LayoutService
	Transcription  *TranscriptionService
	Chunker        *TranscriptChunker
	Explanations   *ExplanationService
	HTTPClient     *http.Client
	WorkDir        string
	DownloadCookie string
	Logger         arbor.ILogger
}

// Pipeline runs the ingestion stages for each video, one video at a time.
type Pipeline struct {
	PipelineDeps
	stages StageSet
}

func NewPipeline(deps PipelineDeps, stages StageSet) *Pipeline {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 30 * time.Minute}
	}
	if deps.ProbeFPS == nil {
		deps.ProbeFPS = utils.VideoFPS
	}
	if stages == nil {
		stages, _ = ParseStages("")
	}
	return &Pipeline{PipelineDeps: deps, stages: stages}
}

// RunSummary 一次导入的结果
type RunSummary struct {
	RunID     string
	Processed int
	Failed    []string
}

// Run ingests every video of the manifest. A failing video is logged and the run moves on.
func (p *Pipeline) Run(ctx context.Context, lectures []LectureEntry) RunSummary {
	summary := RunSummary{RunID: utils.NewRunID()}
	started := time.Now()
	p.Logger.Info().Str("run_id", summary.RunID).Int("lectures", len(lectures)).Msg("Ingest started")

	for _, lecture := range lectures {
		for _, mv := range lecture.Videos {
			if ctx.Err() != nil {
				summary.Failed = append(summary.Failed, fmt.Sprintf("%s/%d", lecture.Lecture, mv.ID))
				continue
			}
			video := core.Video{
				ID:          mv.ID,
				LectureName: lecture.Lecture,
				VideoName:   mv.VideoName,
				SourcePath:  mv.Path,
			}
			if err := p.ProcessVideo(ctx, video); err != nil {
				summary.Failed = append(summary.Failed, fmt.Sprintf("%s/%d", lecture.Lecture, mv.ID))
				p.Logger.Error().
					Str("run_id", summary.RunID).
					Str("lecture", lecture.Lecture).
					Int64("video_id", mv.ID).
					Err(err).Msg("Video ingest failed")
				continue
			}
			summary.Processed++
		}
	}

	p.Logger.Info().
		Str("run_id", summary.RunID).
		Int("processed", summary.Processed).
		Int("failed", len(summary.Failed)).
		Str("elapsed", time.Since(started).Round(time.Millisecond).String()).
		Msg("Ingest finished")
	return summary
}

// ProcessVideo runs the selected stages for one video. Every stage commits its own rows.
func (p *Pipeline) ProcessVideo(ctx context.Context, video core.Video) error {
	localPath, err := p.resolveSource(ctx, video)
	if err != nil {
		return err
	}

	fps, err := p.ProbeFPS(ctx, localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVideoUnreadable, err)
	}
	video.FPS = fps
	if err := p.Store.InsertVideo(ctx, video); err != nil && !errors.Is(err, storage.ErrDuplicate) {
		return fmt.Errorf("store video: %w", err)
	}

	if p.stages[StageSlides] {
		if err := p.detectSlides(ctx, video, localPath); err != nil {
			return err
		}
	}
	if p.stages[StageFrames] {
		frames, err := p.Store.ListFrames(ctx, video.LectureName, video.ID)
		if err != nil {
			return err
		}
		if _, err := p.Materializer.Materialize(ctx, video, localPath, frames); err != nil {
			return fmt.Errorf("materialize frames: %w", err)
		}
	}
	if p.stages[StageLayout] {
		frames, err := p.Store.ListFrames(ctx, video.LectureName, video.ID)
		if err != nil {
			return err
		}
		if _, err := p.Layout.ProcessVideo(ctx, video, frames); err != nil {
			return err
		}
	}
	if p.stages[StageTranscribe] {
		if err := p.Transcription.ProcessVideo(ctx, video, localPath); err != nil {
			return fmt.Errorf("transcribe: %w", err)
		}
	}
	if p.stages[StageChunks] {
		if err := p.chunkTranscript(ctx, video); err != nil {
			return err
		}
	}
	if p.stages[StageExplain] {
		if _, err := p.Explanations.ProcessVideo(ctx, video); err != nil {
			return fmt.Errorf("explain: %w", err)
		}
	}
	return nil
}

func (p *Pipeline) detectSlides(ctx context.Context, video core.Video, localPath string) error {
	sampler, err := p.OpenSampler(ctx, localPath)
	if err != nil {
		return err
	}
	defer sampler.Close()

	boundaries, err := p.SlideDetector.Detect(ctx, sampler)
	if err != nil {
		return err
	}
	stats, err := p.Store.InsertFrames(ctx, video.LectureName, video.ID, boundaries)
	if err != nil {
		return fmt.Errorf("store frames: %w", err)
	}
	p.Logger.Info().
		Str("lecture", video.LectureName).
		Int64("video_id", video.ID).
		Int("slides", len(boundaries)).
		Int("inserted", stats.Inserted).
		Int("skipped", stats.Skipped).
		Msg("Slide changes detected")
	return nil
}

func (p *Pipeline) chunkTranscript(ctx context.Context, video core.Video) error {
	segments, err := p.Store.ListSegments(ctx, video.LectureName, video.ID)
	if err != nil {
		return err
	}
	chunks, err := p.Chunker.Chunk(ctx, segments)
	if err != nil {
		return fmt.Errorf("chunk transcript: %w", err)
	}
	stats, err := p.Store.InsertChunks(ctx, chunks)
	if err != nil {
		return fmt.Errorf("store chunks: %w", err)
	}
	if p.ChunkIndex != nil && len(chunks) > 0 {
		if _, err := p.ChunkIndex.Upsert(ctx, chunks); err != nil {
			// rows are committed; the search index can be rebuilt by re-running the stage
			p.Logger.Warn().Str("lecture", video.LectureName).Int64("video_id", video.ID).
				Err(err).Msg("Chunk index upsert failed")
		}
	}
	p.Logger.Info().
		Str("lecture", video.LectureName).
		Int64("video_id", video.ID).
		Int("segments", len(segments)).
		Int("chunks", len(chunks)).
		Int("inserted", stats.Inserted).
		Int("skipped", stats.Skipped).
		Msg("Transcript chunks stored")
	return nil
}

// resolveSource downloads remote sources into the work dir and keeps them for later runs.
// Local paths are used as is.
func (p *Pipeline) resolveSource(ctx context.Context, video core.Video) (string, error) {
	if !utils.IsRemote(video.SourcePath) {
		return video.SourcePath, nil
	}
	if err := utils.EnsureDir(p.WorkDir); err != nil {
		return "", err
	}
	ext := filepath.Ext(strings.SplitN(video.SourcePath, "?", 2)[0])
	if ext == "" {
		ext = ".mp4"
	}
	dst := filepath.Join(p.WorkDir, fmt.Sprintf("%s_%d%s", sanitize(video.LectureName), video.ID, ext))
	if !utils.FileExists(dst) {
		p.Logger.Info().Str("lecture", video.LectureName).Int64("video_id", video.ID).
			Str("url", video.SourcePath).Msg("Downloading video")
		if err := utils.DownloadFile(ctx, p.HTTPClient, video.SourcePath, p.DownloadCookie, dst); err != nil {
			return "", fmt.Errorf("download %s: %w", video.SourcePath, err)
		}
	}
	return dst, nil
}
