package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"

	"lectureIndex/core"
	"lectureIndex/processors"
	"lectureIndex/storage"
	"lectureIndex/utils"
)

// pauseContextRadius is how many chunks around the paused position /context returns.
const pauseContextRadius = 4

// ResponseCache stores JSON responses by key. *storage.QueryCache implements it.
type ResponseCache interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, v any) error
}

// QueryHandlers 面向前端的只读查询接口
type QueryHandlers struct {
	store         storage.IndexStore
	chunkIndex    storage.ChunkIndex
	frames        storage.FrameStore
	cache         ResponseCache
	embedder      processors.Embedder
	excludeRecent int
	logger        arbor.ILogger

	warmMu sync.Mutex
	warmed map[string]bool
}

// QueryDeps groups the QueryHandlers dependencies. Cache and Embedder may be nil.
type QueryDeps struct {
	Store         storage.IndexStore
	ChunkIndex    storage.ChunkIndex
	Frames        storage.FrameStore
	Cache         ResponseCache
	Embedder      processors.Embedder
	ExcludeRecent int
	Logger        arbor.ILogger
}

func NewQueryHandlers(deps QueryDeps) *QueryHandlers {
	if deps.Cache == nil {
		deps.Cache = (*storage.QueryCache)(nil)
	}
	return &QueryHandlers{
		store:         deps.Store,
		chunkIndex:    deps.ChunkIndex,
		frames:        deps.Frames,
		cache:         deps.Cache,
		embedder:      deps.Embedder,
		excludeRecent: deps.ExcludeRecent,
		logger:        deps.Logger,
		warmed:        map[string]bool{},
	}
}

type videoItem struct {
	VideoID   int64  `json:"video_id"`
	VideoName string `json:"video_name"`
}

type layoutItem struct {
	BoxID      int       `json:"box_id"`
	Label      string    `json:"label"`
	Coordinate []float64 `json:"coordinate"`
}

type frameItem struct {
	FrameIndex int `json:"frame_index"`
	Width      int `json:"width"`
	Height     int `json:"height"`
}

// cached serves key from the cache or computes it with load and caches the result.
// A load that reports found=false is not cached.
func cached[T any](ctx context.Context, h *QueryHandlers, key string, load func() (T, bool, error)) (T, bool, error) {
	return cachedIf(ctx, h, key, load, nil)
}

// cachedIf is cached with an extra keep check; a result keep rejects is served but not stored.
func cachedIf[T any](ctx context.Context, h *QueryHandlers, key string, load func() (T, bool, error), keep func(T) bool) (T, bool, error) {
	var v T
	hit, err := h.cache.GetJSON(ctx, key, &v)
	if err != nil {
		h.logger.Debug().Str("key", key).Err(err).Msg("Cache read failed")
	}
	if hit {
		return v, true, nil
	}
	v, found, err := load()
	if err != nil || !found {
		return v, found, err
	}
	if keep != nil && !keep(v) {
		return v, true, nil
	}
	if err := h.cache.SetJSON(ctx, key, v); err != nil {
		h.logger.Debug().Str("key", key).Err(err).Msg("Cache write failed")
	}
	return v, true, nil
}

// allFramesMaterialized holds once every frame has its image size recorded.
func allFramesMaterialized(items []frameItem) bool {
	for _, f := range items {
		if f.Width == 0 || f.Height == 0 {
			return false
		}
	}
	return true
}

func pathVideoID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid video id %q", r.PathValue("id"))
	}
	return id, nil
}

func pathFrameIndex(r *http.Request) (int, error) {
	f, err := strconv.Atoi(r.PathValue("frame"))
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid frame index %q", r.PathValue("frame"))
	}
	return f, nil
}

func (h *QueryHandlers) internalError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error().Err(err).Msg(msg)
	core.WriteError(w, http.StatusInternalServerError, msg)
}

// ListVideosHandler GET /videos/{lecture}. Not cached: the list grows as videos are ingested.
func (h *QueryHandlers) ListVideosHandler(w http.ResponseWriter, r *http.Request) {
	videos, err := h.store.ListVideos(r.Context(), r.PathValue("lecture"))
	if err != nil {
		h.internalError(w, "Failed to list videos", err)
		return
	}
	items := make([]videoItem, len(videos))
	for i, v := range videos {
		items[i] = videoItem{VideoID: v.ID, VideoName: v.VideoName}
	}
	core.WriteJSON(w, http.StatusOK, items)
}

// VideoSourceHandler GET /video/{lecture}/{id} redirects to the source, or serves a local file.
func (h *QueryHandlers) VideoSourceHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathVideoID(r)
	if err != nil {
		core.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	video, err := h.store.GetVideo(r.Context(), r.PathValue("lecture"), id)
	if errors.Is(err, storage.ErrNotFound) {
		core.WriteError(w, http.StatusNotFound, "Video not found")
		return
	}
	if err != nil {
		h.internalError(w, "Failed to load video", err)
		return
	}
	if utils.IsRemote(video.SourcePath) {
		http.Redirect(w, r, video.SourcePath, http.StatusFound)
		return
	}
	if !utils.FileExists(video.SourcePath) {
		core.WriteError(w, http.StatusNotFound, "Video file not found")
		return
	}
	http.ServeFile(w, r, video.SourcePath)
}

// LayoutHandler GET /layout/{lecture}/{id}/{frame}
func (h *QueryHandlers) LayoutHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathVideoID(r)
	if err != nil {
		core.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	frame, err := pathFrameIndex(r)
	if err != nil {
		core.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	lecture := r.PathValue("lecture")

	key := fmt.Sprintf("layout:%s:%d:%d", lecture, id, frame)
	items, found, err := cached(r.Context(), h, key, func() ([]layoutItem, bool, error) {
		boxes, err := h.store.ListLayoutBoxes(r.Context(), lecture, id, frame)
		if err != nil || len(boxes) == 0 {
			return nil, false, err
		}
		items := make([]layoutItem, len(boxes))
		for i, b := range boxes {
			items[i] = layoutItem{BoxID: b.BoxID, Label: b.Label, Coordinate: b.Coordinates()}
		}
		return items, true, nil
	})
	if err != nil {
		h.internalError(w, "Failed to load layout", err)
		return
	}
	if !found {
		core.WriteError(w, http.StatusNotFound, "No layout found for this frame")
		return
	}
	core.WriteJSON(w, http.StatusOK, items)
}

// FPSHandler GET /fps/{lecture}/{id}
func (h *QueryHandlers) FPSHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathVideoID(r)
	if err != nil {
		core.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	video, err := h.store.GetVideo(r.Context(), r.PathValue("lecture"), id)
	if errors.Is(err, storage.ErrNotFound) {
		core.WriteError(w, http.StatusNotFound, "Video not found")
		return
	}
	if err != nil {
		h.internalError(w, "Failed to load video", err)
		return
	}
	core.WriteJSON(w, http.StatusOK, map[string]float64{"fps": video.FPS})
}

// FrameMetadataHandler GET /frames/metadata/{lecture}/{id}
func (h *QueryHandlers) FrameMetadataHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathVideoID(r)
	if err != nil {
		core.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	lecture := r.PathValue("lecture")

	key := fmt.Sprintf("frames:%s:%d", lecture, id)
	items, found, err := cachedIf(r.Context(), h, key, func() ([]frameItem, bool, error) {
		frames, err := h.store.ListFrames(r.Context(), lecture, id)
		if err != nil || len(frames) == 0 {
			return nil, false, err
		}
		items := make([]frameItem, len(frames))
		for i, f := range frames {
			items[i] = frameItem{FrameIndex: f.FrameIndex, Width: f.Width, Height: f.Height}
		}
		return items, true, nil
	}, allFramesMaterialized)
	if err != nil {
		h.internalError(w, "Failed to load frames", err)
		return
	}
	if !found {
		core.WriteError(w, http.StatusNotFound, "No frames found for this video")
		return
	}
	core.WriteJSON(w, http.StatusOK, items)
}

// FrameImageHandler GET /frames/{lecture}/{id}/{frame}/image
func (h *QueryHandlers) FrameImageHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathVideoID(r)
	if err != nil {
		core.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	frameIndex, err := pathFrameIndex(r)
	if err != nil {
		core.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	frames, err := h.store.ListFrames(r.Context(), r.PathValue("lecture"), id)
	if err != nil {
		h.internalError(w, "Failed to load frames", err)
		return
	}
	for _, f := range frames {
		if f.FrameIndex != frameIndex {
			continue
		}
		if !f.Materialized() {
			break
		}
		data, err := h.frames.Get(r.Context(), f.ImagePath)
		if err != nil {
			h.internalError(w, "Failed to read frame image", err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}
	core.WriteError(w, http.StatusNotFound, "Frame not found")
}

type explainRequest struct {
	LectureName string `json:"lecture_name"`
	VideoID     int64  `json:"video_id"`
	FrameIndex  int    `json:"frame_index"`
	BoxID       int    `json:"box_id"`
}

// ExplainHandler POST /explain returns the stored explanation of one box.
func (h *QueryHandlers) ExplainHandler(w http.ResponseWriter, r *http.Request) {
	var req explainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		core.WriteError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.LectureName == "" {
		core.WriteError(w, http.StatusBadRequest, "lecture_name is required")
		return
	}

	e, err := h.store.GetExplanation(r.Context(), req.LectureName, req.VideoID, req.FrameIndex, req.BoxID)
	if errors.Is(err, storage.ErrNotFound) {
		core.WriteError(w, http.StatusNotFound, "Explanation not found")
		return
	}
	if err != nil {
		h.internalError(w, "Failed to load explanation", err)
		return
	}
	core.WriteJSON(w, http.StatusOK, map[string]any{
		"explanation": e.Text,
		"embedding":   e.Embedding,
	})
}

type associateRequest struct {
	LectureName string    `json:"lecture_name"`
	VideoID     int64     `json:"video_id"`
	Timestamp   float64   `json:"timestamp"`
	Embedding   []float32 `json:"embedding"`
}

// AssociateHandler POST /associate finds the prior transcript chunk closest to an embedding.
func (h *QueryHandlers) AssociateHandler(w http.ResponseWriter, r *http.Request) {
	var req associateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		core.WriteError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.LectureName == "" || len(req.Embedding) == 0 {
		core.WriteError(w, http.StatusBadRequest, "lecture_name and embedding are required")
		return
	}

	candidates, err := h.store.ListPriorChunks(r.Context(), req.LectureName, req.VideoID, req.Timestamp)
	if err != nil {
		h.internalError(w, "Failed to load transcript chunks", err)
		return
	}
	best, ok := BestPriorChunk(candidates, req.Embedding, h.excludeRecent)
	if !ok {
		core.WriteError(w, http.StatusNotFound, "No matching transcript chunk")
		return
	}
	core.WriteJSON(w, http.StatusOK, map[string]any{
		"start_time": best.StartTime,
		"video_id":   best.VideoID,
	})
}

// ContextHandler GET /context/{lecture}/{id}?t=seconds returns the transcript around a pause.
func (h *QueryHandlers) ContextHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathVideoID(r)
	if err != nil {
		core.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, err := strconv.ParseFloat(r.URL.Query().Get("t"), 64)
	if err != nil || t < 0 {
		core.WriteError(w, http.StatusBadRequest, "query parameter t must be a non-negative number of seconds")
		return
	}
	chunks, err := h.store.ListChunks(r.Context(), r.PathValue("lecture"), id)
	if err != nil {
		h.internalError(w, "Failed to load transcript chunks", err)
		return
	}
	if len(chunks) == 0 {
		core.WriteError(w, http.StatusNotFound, "No transcript for this video")
		return
	}
	core.WriteJSON(w, http.StatusOK, map[string]string{
		"context": processors.ContextAt(chunks, t, pauseContextRadius),
	})
}

type searchRequest struct {
	LectureName string `json:"lecture_name"`
	Query       string `json:"query"`
	TopK        int    `json:"top_k"`
}

// SearchHandler POST /search 语义检索转写块
func (h *QueryHandlers) SearchHandler(w http.ResponseWriter, r *http.Request) {
	if h.embedder == nil || h.chunkIndex == nil {
		core.WriteError(w, http.StatusServiceUnavailable, "Semantic search is not configured")
		return
	}
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		core.WriteError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.LectureName == "" || req.Query == "" {
		core.WriteError(w, http.StatusBadRequest, "lecture_name and query are required")
		return
	}
	if req.TopK <= 0 {
		req.TopK = 5
	}

	if err := h.warmMemoryIndex(r.Context(), req.LectureName); err != nil {
		h.internalError(w, "Failed to load transcript chunks", err)
		return
	}
	vecs, err := h.embedder.Embed(r.Context(), []string{req.Query})
	if err != nil || len(vecs) != 1 {
		h.internalError(w, "Failed to embed query", err)
		return
	}
	hits, err := h.chunkIndex.Search(r.Context(), req.LectureName, vecs[0], req.TopK)
	if err != nil {
		h.internalError(w, "Search failed", err)
		return
	}
	core.WriteJSON(w, http.StatusOK, map[string]any{"hits": hits})
}

// warmMemoryIndex loads a lecture's stored chunks into the in-process index on first use.
func (h *QueryHandlers) warmMemoryIndex(ctx context.Context, lecture string) error {
	mem, ok := h.chunkIndex.(*storage.MemoryChunkIndex)
	if !ok {
		return nil
	}
	h.warmMu.Lock()
	defer h.warmMu.Unlock()
	if h.warmed[lecture] {
		return nil
	}

	videos, err := h.store.ListVideos(ctx, lecture)
	if err != nil {
		return err
	}
	total := 0
	for _, v := range videos {
		chunks, err := h.store.ListChunks(ctx, lecture, v.ID)
		if err != nil {
			return err
		}
		n, err := mem.Upsert(ctx, chunks)
		if err != nil {
			return err
		}
		total += n
	}
	h.warmed[lecture] = true
	h.logger.Info().Str("lecture", lecture).Int("chunks", total).Msg("Memory chunk index warmed")
	return nil
}
