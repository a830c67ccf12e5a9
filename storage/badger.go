package storage

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"lectureIndex/core"
)

// BadgerStore is the embedded single-node IndexStore. Unique keys are encoded in the badgerhold key.
type BadgerStore struct {
	store  *badgerhold.Store
	logger arbor.ILogger
}

// NewBadgerStore 打开本地 badger 数据库
func NewBadgerStore(path string, logger arbor.ILogger) (*BadgerStore, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = path
	options.ValueDir = path
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Debug().Str("path", path).Msg("Badger index store initialized")
	return &BadgerStore{store: store, logger: logger}, nil
}

func (s *BadgerStore) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

func videoKey(lecture string, id int64) string {
	return fmt.Sprintf("video/%s/%d", lecture, id)
}

func frameKey(lecture string, videoID int64, frame int) string {
	return fmt.Sprintf("frame/%s/%d/%d", lecture, videoID, frame)
}

func boxKey(lecture string, videoID int64, frame, box int) string {
	return fmt.Sprintf("layout/%s/%d/%d/%d", lecture, videoID, frame, box)
}

func transcriptKey(lecture string, videoID int64) string {
	return fmt.Sprintf("transcript/%s/%d", lecture, videoID)
}

func segmentKey(lecture string, videoID int64, idx int) string {
	return fmt.Sprintf("segment/%s/%d/%d", lecture, videoID, idx)
}

func chunkKey(lecture string, videoID int64, idx int) string {
	return fmt.Sprintf("chunk/%s/%d/%d", lecture, videoID, idx)
}

func explanationKey(lecture string, videoID int64, frame, box int) string {
	return fmt.Sprintf("explanation/%s/%d/%d/%d", lecture, videoID, frame, box)
}

// insertOne maps ErrKeyExists to ErrDuplicate.
func (s *BadgerStore) insertOne(key string, data any) error {
	err := s.store.Insert(key, data)
	if errors.Is(err, badgerhold.ErrKeyExists) {
		return ErrDuplicate
	}
	return err
}

func (s *BadgerStore) insertEach(table string, n int, key func(i int) string, data func(i int) any) InsertStats {
	var stats InsertStats
	for i := 0; i < n; i++ {
		k := key(i)
		switch err := s.insertOne(k, data(i)); {
		case err == nil:
			stats.Inserted++
		case errors.Is(err, ErrDuplicate):
			stats.Skipped++
		default:
			stats.Failed++
			s.logger.Warn().Str("table", table).Str("key", k).Err(err).Msg("Row insert failed")
		}
	}
	return stats
}

func (s *BadgerStore) InsertVideo(ctx context.Context, v core.Video) error {
	return s.insertOne(videoKey(v.LectureName, v.ID), &v)
}

func (s *BadgerStore) InsertFrames(ctx context.Context, lecture string, videoID int64, frameIndices []int) (InsertStats, error) {
	return s.insertEach("frames", len(frameIndices),
		func(i int) string { return frameKey(lecture, videoID, frameIndices[i]) },
		func(i int) any {
			return &core.SlideFrame{LectureName: lecture, VideoID: videoID, FrameIndex: frameIndices[i]}
		},
	), nil
}

func (s *BadgerStore) UpdateFrame(ctx context.Context, f core.SlideFrame) error {
	key := frameKey(f.LectureName, f.VideoID, f.FrameIndex)
	var existing core.SlideFrame
	if err := s.store.Get(key, &existing); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("get frame %d: %w", f.FrameIndex, err)
	}
	existing.TimestampMS = f.TimestampMS
	existing.ImagePath = f.ImagePath
	existing.Width = f.Width
	existing.Height = f.Height
	return s.store.Update(key, &existing)
}

func (s *BadgerStore) InsertLayoutBoxes(ctx context.Context, boxes []core.LayoutBox) (InsertStats, error) {
	return s.insertEach("layouts", len(boxes),
		func(i int) string { return boxKey(boxes[i].LectureName, boxes[i].VideoID, boxes[i].FrameIndex, boxes[i].BoxID) },
		func(i int) any { b := boxes[i]; return &b },
	), nil
}

func (s *BadgerStore) InsertTranscript(ctx context.Context, t core.Transcript) error {
	return s.insertOne(transcriptKey(t.LectureName, t.VideoID), &t)
}

func (s *BadgerStore) InsertSegments(ctx context.Context, segs []core.TranscriptSegment) (InsertStats, error) {
	return s.insertEach("segments", len(segs),
		func(i int) string { return segmentKey(segs[i].LectureName, segs[i].VideoID, segs[i].SegmentIndex) },
		func(i int) any { sg := segs[i]; return &sg },
	), nil
}

func (s *BadgerStore) InsertChunks(ctx context.Context, chunks []core.TranscriptChunk) (InsertStats, error) {
	return s.insertEach("chunks", len(chunks),
		func(i int) string { return chunkKey(chunks[i].LectureName, chunks[i].VideoID, chunks[i].ChunkIndex) },
		func(i int) any { c := chunks[i]; return &c },
	), nil
}

func (s *BadgerStore) InsertExplanation(ctx context.Context, e core.Explanation) error {
	return s.insertOne(explanationKey(e.LectureName, e.VideoID, e.FrameIndex, e.BoxID), &e)
}

func (s *BadgerStore) ListVideos(ctx context.Context, lecture string) ([]core.Video, error) {
	var videos []core.Video
	if err := s.store.Find(&videos, badgerhold.Where("LectureName").Eq(lecture).SortBy("ID")); err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	return videos, nil
}

func (s *BadgerStore) GetVideo(ctx context.Context, lecture string, videoID int64) (*core.Video, error) {
	var v core.Video
	if err := s.store.Get(videoKey(lecture, videoID), &v); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get video: %w", err)
	}
	return &v, nil
}

func (s *BadgerStore) ListFrames(ctx context.Context, lecture string, videoID int64) ([]core.SlideFrame, error) {
	var frames []core.SlideFrame
	query := badgerhold.Where("LectureName").Eq(lecture).And("VideoID").Eq(videoID).SortBy("FrameIndex")
	if err := s.store.Find(&frames, query); err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}
	return frames, nil
}

func (s *BadgerStore) ListLayoutBoxes(ctx context.Context, lecture string, videoID int64, frameIndex int) ([]core.LayoutBox, error) {
	var boxes []core.LayoutBox
	query := badgerhold.Where("LectureName").Eq(lecture).
		And("VideoID").Eq(videoID).
		And("FrameIndex").Eq(frameIndex).
		SortBy("BoxID")
	if err := s.store.Find(&boxes, query); err != nil {
		return nil, fmt.Errorf("list layout boxes: %w", err)
	}
	return boxes, nil
}

func (s *BadgerStore) ListVideoLayoutBoxes(ctx context.Context, lecture string, videoID int64) ([]core.LayoutBox, error) {
	var boxes []core.LayoutBox
	query := badgerhold.Where("LectureName").Eq(lecture).And("VideoID").Eq(videoID).SortBy("FrameIndex", "BoxID")
	if err := s.store.Find(&boxes, query); err != nil {
		return nil, fmt.Errorf("list layout boxes: %w", err)
	}
	return boxes, nil
}

func (s *BadgerStore) ListSegments(ctx context.Context, lecture string, videoID int64) ([]core.TranscriptSegment, error) {
	var segs []core.TranscriptSegment
	query := badgerhold.Where("LectureName").Eq(lecture).And("VideoID").Eq(videoID).SortBy("StartTime", "SegmentIndex")
	if err := s.store.Find(&segs, query); err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	return segs, nil
}

func (s *BadgerStore) ListChunks(ctx context.Context, lecture string, videoID int64) ([]core.TranscriptChunk, error) {
	var chunks []core.TranscriptChunk
	query := badgerhold.Where("LectureName").Eq(lecture).And("VideoID").Eq(videoID).SortBy("ChunkIndex")
	if err := s.store.Find(&chunks, query); err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	return chunks, nil
}

func (s *BadgerStore) ListPriorChunks(ctx context.Context, lecture string, videoID int64, before float64) ([]core.TranscriptChunk, error) {
	var chunks []core.TranscriptChunk
	query := badgerhold.Where("LectureName").Eq(lecture).And("VideoID").Le(videoID).SortBy("VideoID", "ChunkIndex")
	if err := s.store.Find(&chunks, query); err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	prior := chunks[:0]
	for _, c := range chunks {
		if c.VideoID < videoID || c.StartTime < before {
			prior = append(prior, c)
		}
	}
	return prior, nil
}

func (s *BadgerStore) GetExplanation(ctx context.Context, lecture string, videoID int64, frameIndex, boxID int) (*core.Explanation, error) {
	var e core.Explanation
	if err := s.store.Get(explanationKey(lecture, videoID, frameIndex, boxID), &e); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get explanation: %w", err)
	}
	return &e, nil
}
