package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/ternarybob/arbor"

	"lectureIndex/core"
)

// PostgresStore IndexStore 的 PostgreSQL + pgvector 实现
type PostgresStore struct {
	pool   *pgxpool.Pool
	dim    int
	logger arbor.ILogger
}

// NewPostgresStore 连接数据库并确保表结构存在
func NewPostgresStore(ctx context.Context, dbURL string, dim int, logger arbor.ILogger) (*PostgresStore, error) {
	if err := bootstrapSchema(ctx, dbURL, dim); err != nil {
		return nil, err
	}

	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	logger.Info().Int("embedding_dim", dim).Msg("Postgres index store ready")
	return &PostgresStore{pool: pool, dim: dim, logger: logger}, nil
}

// Pool exposes the connection pool for the pgvector chunk index.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// bootstrapSchema runs before the pool exists because the vector type must be
// present for pgxvec.RegisterTypes.
func bootstrapSchema(ctx context.Context, dbURL string, dim int) error {
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector;"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}
	for _, ddl := range schemaDDL(dim) {
		if _, err := conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func schemaDDL(dim int) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS videos (
			id BIGINT NOT NULL,
			lecture_name TEXT NOT NULL,
			video_name TEXT NOT NULL,
			fps DOUBLE PRECISION NOT NULL,
			path TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (lecture_name, id)
		);`,
		`CREATE TABLE IF NOT EXISTS frames (
			lecture_name TEXT NOT NULL,
			video_id BIGINT NOT NULL,
			frame_index INT NOT NULL,
			timestamp BIGINT,
			path TEXT,
			width INT,
			height INT,
			UNIQUE (lecture_name, video_id, frame_index)
		);`,
		`CREATE TABLE IF NOT EXISTS layouts (
			lecture_name TEXT NOT NULL,
			video_id BIGINT NOT NULL,
			frame_index INT NOT NULL,
			box_id INT NOT NULL,
			label TEXT NOT NULL,
			x1 DOUBLE PRECISION NOT NULL,
			y1 DOUBLE PRECISION NOT NULL,
			x2 DOUBLE PRECISION NOT NULL,
			y2 DOUBLE PRECISION NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			UNIQUE (lecture_name, video_id, frame_index, box_id)
		);`,
		`CREATE TABLE IF NOT EXISTS transcripts (
			lecture_name TEXT NOT NULL,
			video_id BIGINT NOT NULL,
			transcript TEXT NOT NULL,
			language TEXT,
			UNIQUE (lecture_name, video_id)
		);`,
		`CREATE TABLE IF NOT EXISTS segments (
			lecture_name TEXT NOT NULL,
			video_id BIGINT NOT NULL,
			segment_index INT NOT NULL,
			start_time DOUBLE PRECISION NOT NULL,
			end_time DOUBLE PRECISION NOT NULL,
			text TEXT NOT NULL,
			UNIQUE (lecture_name, video_id, segment_index)
		);`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			lecture_name TEXT NOT NULL,
			video_id BIGINT NOT NULL,
			chunk_index INT NOT NULL,
			start_time DOUBLE PRECISION NOT NULL,
			end_time DOUBLE PRECISION NOT NULL,
			text TEXT NOT NULL,
			embedding vector(%d),
			label TEXT,
			UNIQUE (lecture_name, video_id, chunk_index)
		);`, dim),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS gpt_responses (
			lecture_name TEXT NOT NULL,
			video_id BIGINT NOT NULL,
			frame_index INT NOT NULL,
			box_id INT NOT NULL,
			explanation TEXT NOT NULL,
			embedding vector(%d),
			UNIQUE (lecture_name, video_id, frame_index, box_id)
		);`, dim),
		"CREATE INDEX IF NOT EXISTS idx_chunks_lecture_video ON chunks(lecture_name, video_id, chunk_index);",
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func toVector(v []float32) *pgvector.Vector {
	if len(v) == 0 {
		return nil
	}
	vec := pgvector.NewVector(v)
	return &vec
}

func fromVector(v *pgvector.Vector) []float32 {
	if v == nil {
		return nil
	}
	return v.Slice()
}

// insertEach runs stmt once per row inside a single transaction, each row under its own savepoint.
func (s *PostgresStore) insertEach(ctx context.Context, table string, n int, stmt string, args func(i int) []any, describe func(i int) []string) (InsertStats, error) {
	var stats InsertStats
	if n == 0 {
		return stats, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return stats, fmt.Errorf("begin %s tx: %w", table, err)
	}
	defer tx.Rollback(ctx)

	for i := 0; i < n; i++ {
		sp, err := tx.Begin(ctx)
		if err != nil {
			return stats, fmt.Errorf("savepoint %s: %w", table, err)
		}
		tag, err := sp.Exec(ctx, stmt, args(i)...)
		if err != nil {
			_ = sp.Rollback(ctx)
			if isUniqueViolation(err) {
				stats.Skipped++
				continue
			}
			stats.Failed++
			s.logger.Warn().Str("table", table).Strs("key", describe(i)).Err(err).Msg("Row insert failed, rolled back")
			continue
		}
		if err := sp.Commit(ctx); err != nil {
			return stats, fmt.Errorf("release savepoint %s: %w", table, err)
		}
		if tag.RowsAffected() == 0 {
			stats.Skipped++
		} else {
			stats.Inserted++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return InsertStats{}, fmt.Errorf("commit %s: %w", table, err)
	}
	return stats, nil
}

func (s *PostgresStore) InsertVideo(ctx context.Context, v core.Video) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO videos (id, lecture_name, video_name, fps, path)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (lecture_name, id) DO NOTHING`,
		v.ID, v.LectureName, v.VideoName, v.FPS, v.SourcePath)
	if err != nil {
		return fmt.Errorf("insert video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *PostgresStore) InsertFrames(ctx context.Context, lecture string, videoID int64, frameIndices []int) (InsertStats, error) {
	return s.insertEach(ctx, "frames", len(frameIndices),
		`INSERT INTO frames (lecture_name, video_id, frame_index) VALUES ($1, $2, $3)
		 ON CONFLICT (lecture_name, video_id, frame_index) DO NOTHING`,
		func(i int) []any { return []any{lecture, videoID, frameIndices[i]} },
		func(i int) []string { return []string{lecture, fmt.Sprint(videoID), fmt.Sprint(frameIndices[i])} },
	)
}

func (s *PostgresStore) UpdateFrame(ctx context.Context, f core.SlideFrame) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE frames SET timestamp = $1, path = $2, width = $3, height = $4
		WHERE lecture_name = $5 AND video_id = $6 AND frame_index = $7`,
		f.TimestampMS, f.ImagePath, f.Width, f.Height, f.LectureName, f.VideoID, f.FrameIndex)
	if err != nil {
		return fmt.Errorf("update frame %d: %w", f.FrameIndex, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) InsertLayoutBoxes(ctx context.Context, boxes []core.LayoutBox) (InsertStats, error) {
	return s.insertEach(ctx, "layouts", len(boxes),
		`INSERT INTO layouts (lecture_name, video_id, frame_index, box_id, label, x1, y1, x2, y2, score)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (lecture_name, video_id, frame_index, box_id) DO NOTHING`,
		func(i int) []any {
			b := boxes[i]
			return []any{b.LectureName, b.VideoID, b.FrameIndex, b.BoxID, b.Label, b.X1, b.Y1, b.X2, b.Y2, b.Score}
		},
		func(i int) []string {
			b := boxes[i]
			return []string{b.LectureName, fmt.Sprint(b.VideoID), fmt.Sprint(b.FrameIndex), fmt.Sprint(b.BoxID)}
		},
	)
}

func (s *PostgresStore) InsertTranscript(ctx context.Context, t core.Transcript) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO transcripts (lecture_name, video_id, transcript, language)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (lecture_name, video_id) DO NOTHING`,
		t.LectureName, t.VideoID, t.Text, t.Language)
	if err != nil {
		return fmt.Errorf("insert transcript: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *PostgresStore) InsertSegments(ctx context.Context, segs []core.TranscriptSegment) (InsertStats, error) {
	return s.insertEach(ctx, "segments", len(segs),
		`INSERT INTO segments (lecture_name, video_id, segment_index, start_time, end_time, text)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (lecture_name, video_id, segment_index) DO NOTHING`,
		func(i int) []any {
			sg := segs[i]
			return []any{sg.LectureName, sg.VideoID, sg.SegmentIndex, sg.StartTime, sg.EndTime, sg.Text}
		},
		func(i int) []string {
			return []string{segs[i].LectureName, fmt.Sprint(segs[i].VideoID), fmt.Sprint(segs[i].SegmentIndex)}
		},
	)
}

func (s *PostgresStore) InsertChunks(ctx context.Context, chunks []core.TranscriptChunk) (InsertStats, error) {
	return s.insertEach(ctx, "chunks", len(chunks),
		`INSERT INTO chunks (lecture_name, video_id, chunk_index, start_time, end_time, text, embedding, label)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (lecture_name, video_id, chunk_index) DO NOTHING`,
		func(i int) []any {
			c := chunks[i]
			return []any{c.LectureName, c.VideoID, c.ChunkIndex, c.StartTime, c.EndTime, c.Text, toVector(c.Embedding), c.Label}
		},
		func(i int) []string {
			return []string{chunks[i].LectureName, fmt.Sprint(chunks[i].VideoID), fmt.Sprint(chunks[i].ChunkIndex)}
		},
	)
}

func (s *PostgresStore) InsertExplanation(ctx context.Context, e core.Explanation) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO gpt_responses (lecture_name, video_id, frame_index, box_id, explanation, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (lecture_name, video_id, frame_index, box_id) DO NOTHING`,
		e.LectureName, e.VideoID, e.FrameIndex, e.BoxID, e.Text, toVector(e.Embedding))
	if err != nil {
		return fmt.Errorf("insert explanation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *PostgresStore) ListVideos(ctx context.Context, lecture string) ([]core.Video, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, lecture_name, video_name, fps, path FROM videos
		WHERE lecture_name = $1 ORDER BY id`, lecture)
	if err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	defer rows.Close()

	var videos []core.Video
	for rows.Next() {
		var v core.Video
		if err := rows.Scan(&v.ID, &v.LectureName, &v.VideoName, &v.FPS, &v.SourcePath); err != nil {
			return nil, err
		}
		videos = append(videos, v)
	}
	return videos, rows.Err()
}

func (s *PostgresStore) GetVideo(ctx context.Context, lecture string, videoID int64) (*core.Video, error) {
	var v core.Video
	err := s.pool.QueryRow(ctx, `
		SELECT id, lecture_name, video_name, fps, path FROM videos
		WHERE lecture_name = $1 AND id = $2`, lecture, videoID).
		Scan(&v.ID, &v.LectureName, &v.VideoName, &v.FPS, &v.SourcePath)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get video: %w", err)
	}
	return &v, nil
}

func (s *PostgresStore) ListFrames(ctx context.Context, lecture string, videoID int64) ([]core.SlideFrame, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT frame_index, COALESCE(timestamp, 0), COALESCE(path, ''), COALESCE(width, 0), COALESCE(height, 0)
		FROM frames WHERE lecture_name = $1 AND video_id = $2 ORDER BY frame_index`, lecture, videoID)
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}
	defer rows.Close()

	var frames []core.SlideFrame
	for rows.Next() {
		f := core.SlideFrame{LectureName: lecture, VideoID: videoID}
		if err := rows.Scan(&f.FrameIndex, &f.TimestampMS, &f.ImagePath, &f.Width, &f.Height); err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

func (s *PostgresStore) queryBoxes(ctx context.Context, query string, args ...any) ([]core.LayoutBox, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list layout boxes: %w", err)
	}
	defer rows.Close()

	var boxes []core.LayoutBox
	for rows.Next() {
		var b core.LayoutBox
		if err := rows.Scan(&b.LectureName, &b.VideoID, &b.FrameIndex, &b.BoxID, &b.Label, &b.X1, &b.Y1, &b.X2, &b.Y2, &b.Score); err != nil {
			return nil, err
		}
		boxes = append(boxes, b)
	}
	return boxes, rows.Err()
}

func (s *PostgresStore) ListLayoutBoxes(ctx context.Context, lecture string, videoID int64, frameIndex int) ([]core.LayoutBox, error) {
	return s.queryBoxes(ctx, `
		SELECT lecture_name, video_id, frame_index, box_id, label, x1, y1, x2, y2, score FROM layouts
		WHERE lecture_name = $1 AND video_id = $2 AND frame_index = $3
		ORDER BY box_id`, lecture, videoID, frameIndex)
}

func (s *PostgresStore) ListVideoLayoutBoxes(ctx context.Context, lecture string, videoID int64) ([]core.LayoutBox, error) {
	return s.queryBoxes(ctx, `
		SELECT lecture_name, video_id, frame_index, box_id, label, x1, y1, x2, y2, score FROM layouts
		WHERE lecture_name = $1 AND video_id = $2
		ORDER BY frame_index, box_id`, lecture, videoID)
}

func (s *PostgresStore) ListSegments(ctx context.Context, lecture string, videoID int64) ([]core.TranscriptSegment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT segment_index, start_time, end_time, text FROM segments
		WHERE lecture_name = $1 AND video_id = $2 ORDER BY start_time, segment_index`, lecture, videoID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	var segs []core.TranscriptSegment
	for rows.Next() {
		sg := core.TranscriptSegment{LectureName: lecture, VideoID: videoID}
		if err := rows.Scan(&sg.SegmentIndex, &sg.StartTime, &sg.EndTime, &sg.Text); err != nil {
			return nil, err
		}
		segs = append(segs, sg)
	}
	return segs, rows.Err()
}

func (s *PostgresStore) queryChunks(ctx context.Context, query string, args ...any) ([]core.TranscriptChunk, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []core.TranscriptChunk
	for rows.Next() {
		var c core.TranscriptChunk
		var emb *pgvector.Vector
		if err := rows.Scan(&c.LectureName, &c.VideoID, &c.ChunkIndex, &c.StartTime, &c.EndTime, &c.Text, &emb, &c.Label); err != nil {
			return nil, err
		}
		c.Embedding = fromVector(emb)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (s *PostgresStore) ListChunks(ctx context.Context, lecture string, videoID int64) ([]core.TranscriptChunk, error) {
	return s.queryChunks(ctx, `
		SELECT lecture_name, video_id, chunk_index, start_time, end_time, text, embedding, label FROM chunks
		WHERE lecture_name = $1 AND video_id = $2 ORDER BY chunk_index`, lecture, videoID)
}

func (s *PostgresStore) ListPriorChunks(ctx context.Context, lecture string, videoID int64, before float64) ([]core.TranscriptChunk, error) {
	return s.queryChunks(ctx, `
		SELECT lecture_name, video_id, chunk_index, start_time, end_time, text, embedding, label FROM chunks
		WHERE lecture_name = $1 AND (video_id < $2 OR (video_id = $2 AND start_time < $3))
		ORDER BY video_id, chunk_index`, lecture, videoID, before)
}

func (s *PostgresStore) GetExplanation(ctx context.Context, lecture string, videoID int64, frameIndex, boxID int) (*core.Explanation, error) {
	e := core.Explanation{LectureName: lecture, VideoID: videoID, FrameIndex: frameIndex, BoxID: boxID}
	var emb *pgvector.Vector
	err := s.pool.QueryRow(ctx, `
		SELECT explanation, embedding FROM gpt_responses
		WHERE lecture_name = $1 AND video_id = $2 AND frame_index = $3 AND box_id = $4`,
		lecture, videoID, frameIndex, boxID).Scan(&e.Text, &emb)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get explanation: %w", err)
	}
	e.Embedding = fromVector(emb)
	return &e, nil
}
