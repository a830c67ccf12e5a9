package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"lectureIndex/core"
	"lectureIndex/storage"
)

type staticEmbedder struct{ vec []float32 }

func (s staticEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = s.vec
	}
	return out, nil
}

type testAPI struct {
	store   *storage.BadgerStore
	frames  *storage.LocalFrameStore
	handler http.Handler
}

func newTestAPI(t *testing.T) testAPI {
	t.Helper()
	return newCachedTestAPI(t, nil)
}

func newCachedTestAPI(t *testing.T, cache ResponseCache) testAPI {
	t.Helper()
	ctx := context.Background()
	logger := arbor.NewLogger()

	store, err := storage.NewBadgerStore(filepath.Join(t.TempDir(), "index"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	frames, err := storage.NewLocalFrameStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.InsertVideo(ctx, core.Video{ID: 1, LectureName: "cs101", VideoName: "week1", FPS: 30,
		SourcePath: "https://videos.example.com/cs101/1.mp4"}))
	require.NoError(t, store.InsertVideo(ctx, core.Video{ID: 2, LectureName: "cs101", VideoName: "week2", FPS: 25,
		SourcePath: "https://videos.example.com/cs101/2.mp4"}))

	_, err = store.InsertFrames(ctx, "cs101", 1, []int{0, 150})
	require.NoError(t, err)
	path, err := frames.Put(ctx, storage.FrameKey("cs101", 1, 150), []byte("png-data"), "image/png")
	require.NoError(t, err)
	require.NoError(t, store.UpdateFrame(ctx, core.SlideFrame{LectureName: "cs101", VideoID: 1, FrameIndex: 150,
		TimestampMS: 5000, ImagePath: path, Width: 1280, Height: 720}))

	_, err = store.InsertLayoutBoxes(ctx, []core.LayoutBox{
		{LectureName: "cs101", VideoID: 1, FrameIndex: 150, BoxID: 1, Label: core.LabelText, Rect: core.Rect{X1: 10, Y1: 100, X2: 500, Y2: 200}},
		{LectureName: "cs101", VideoID: 1, FrameIndex: 150, BoxID: 0, Label: core.LabelTitle, Rect: core.Rect{X1: 10, Y1: 10, X2: 900, Y2: 60}},
	})
	require.NoError(t, err)

	require.NoError(t, store.InsertExplanation(ctx, core.Explanation{LectureName: "cs101", VideoID: 1, FrameIndex: 150, BoxID: 0,
		Text: "The chain rule.", Embedding: []float32{0, 1}}))

	// video 1: chunks 0..5, the best match for {0,1} is chunk 1
	var chunks []core.TranscriptChunk
	for i := 0; i < 6; i++ {
		emb := []float32{1, 0}
		if i == 1 {
			emb = []float32{0, 1}
		}
		chunks = append(chunks, core.TranscriptChunk{LectureName: "cs101", VideoID: 1, ChunkIndex: i,
			StartTime: float64(i * 10), EndTime: float64(i*10 + 10), Text: string(rune('a' + i)), Embedding: emb})
	}
	_, err = store.InsertChunks(ctx, chunks)
	require.NoError(t, err)

	h := NewQueryHandlers(QueryDeps{
		Store:         store,
		ChunkIndex:    storage.NewMemoryChunkIndex(),
		Frames:        frames,
		Cache:         cache,
		Embedder:      staticEmbedder{vec: []float32{0, 1}},
		ExcludeRecent: 4,
		Logger:        logger,
	})
	return testAPI{
		store:   store,
		frames:  frames,
		handler: NewRouter(h, NewMonitoringHandlers(store, nil), []string{"http://localhost:5173"}, logger),
	}
}

func (a testAPI) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestListVideos(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/videos/cs101", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	videos := decode[[]videoItem](t, rec)
	assert.Equal(t, []videoItem{{VideoID: 1, VideoName: "week1"}, {VideoID: 2, VideoName: "week2"}}, videos)

	rec = api.do(t, http.MethodGet, "/videos/unknown", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]videoItem](t, rec))
}

// mapCache is an in-process ResponseCache.
type mapCache struct {
	entries map[string][]byte
}

func (c *mapCache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

func (c *mapCache) SetJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.entries[key] = raw
	return nil
}

func TestListVideosSeesNewlyIngestedVideo(t *testing.T) {
	cache := &mapCache{entries: map[string][]byte{}}
	api := newCachedTestAPI(t, cache)

	rec := api.do(t, http.MethodGet, "/videos/cs101", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]videoItem](t, rec), 2)

	require.NoError(t, api.store.InsertVideo(context.Background(), core.Video{ID: 3, LectureName: "cs101", VideoName: "week3", FPS: 30,
		SourcePath: "https://videos.example.com/cs101/3.mp4"}))

	rec = api.do(t, http.MethodGet, "/videos/cs101", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]videoItem](t, rec), 3)
}

func TestLayoutIsServedFromCache(t *testing.T) {
	cache := &mapCache{entries: map[string][]byte{}}
	api := newCachedTestAPI(t, cache)

	rec := api.do(t, http.MethodGet, "/layout/cs101/1/150", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, cache.entries, "layout:cs101:1:150")
	assert.NotContains(t, cache.entries, "videos:cs101")
}

func TestFrameMetadataCachedOnceMaterialized(t *testing.T) {
	cache := &mapCache{entries: map[string][]byte{}}
	api := newCachedTestAPI(t, cache)

	// frame 0 has no image yet
	rec := api.do(t, http.MethodGet, "/frames/metadata/cs101/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, cache.entries, "frames:cs101:1")

	require.NoError(t, api.store.UpdateFrame(context.Background(), core.SlideFrame{LectureName: "cs101", VideoID: 1, FrameIndex: 0,
		ImagePath: "frames/cs101/1/0.png", Width: 1280, Height: 720}))

	rec = api.do(t, http.MethodGet, "/frames/metadata/cs101/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []frameItem{{FrameIndex: 0, Width: 1280, Height: 720}, {FrameIndex: 150, Width: 1280, Height: 720}},
		decode[[]frameItem](t, rec))
	assert.Contains(t, cache.entries, "frames:cs101:1")
}

func TestVideoSourceRedirects(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/video/cs101/2", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://videos.example.com/cs101/2.mp4", rec.Header().Get("Location"))

	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, "/video/cs101/9", nil).Code)
	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodGet, "/video/cs101/abc", nil).Code)
}

func TestLayout(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/layout/cs101/1/150", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	items := decode[[]layoutItem](t, rec)
	require.Len(t, items, 2)
	assert.Equal(t, 0, items[0].BoxID)
	assert.Equal(t, core.LabelTitle, items[0].Label)
	assert.Equal(t, []float64{10, 10, 900, 60}, items[0].Coordinate)
	assert.Equal(t, 1, items[1].BoxID)

	rec = api.do(t, http.MethodGet, "/layout/cs101/1/0", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, decode[map[string]string](t, rec)["error"])
}

func TestFPS(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/fps/cs101/2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 25.0, decode[map[string]float64](t, rec)["fps"])
}

func TestFrameMetadataAndImage(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/frames/metadata/cs101/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []frameItem{{FrameIndex: 0}, {FrameIndex: 150, Width: 1280, Height: 720}}, decode[[]frameItem](t, rec))

	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, "/frames/metadata/cs101/2", nil).Code)

	rec = api.do(t, http.MethodGet, "/frames/cs101/1/150/image", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "png-data", rec.Body.String())

	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, "/frames/cs101/1/0/image", nil).Code)
}

func TestExplain(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodPost, "/explain", explainRequest{LectureName: "cs101", VideoID: 1, FrameIndex: 150, BoxID: 0})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Explanation string    `json:"explanation"`
		Embedding   []float32 `json:"embedding"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "The chain rule.", body.Explanation)
	assert.Equal(t, []float32{0, 1}, body.Embedding)

	rec = api.do(t, http.MethodPost, "/explain", explainRequest{LectureName: "cs101", VideoID: 1, FrameIndex: 150, BoxID: 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAssociate(t *testing.T) {
	api := newTestAPI(t)

	// chunks 0..5 precede t=55; the last 4 (2..5) are excluded
	rec := api.do(t, http.MethodPost, "/associate", associateRequest{LectureName: "cs101", VideoID: 1, Timestamp: 55, Embedding: []float32{0, 1}})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]float64](t, rec)
	assert.Equal(t, 10.0, body["start_time"])
	assert.Equal(t, 1.0, body["video_id"])

	// only chunks 0..3 precede t=35, all of them recent
	rec = api.do(t, http.MethodPost, "/associate", associateRequest{LectureName: "cs101", VideoID: 1, Timestamp: 35, Embedding: []float32{0, 1}})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodPost, "/associate", map[string]any{"lecture_name": "cs101"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestContext(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/context/cs101/1?t=12", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a b c d e f", decode[map[string]string](t, rec)["context"])

	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodGet, "/context/cs101/1?t=soon", nil).Code)
	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, "/context/cs101/2?t=1", nil).Code)
}

func TestSearchWarmsMemoryIndex(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodPost, "/search", searchRequest{LectureName: "cs101", Query: "chain rule", TopK: 1})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Hits []core.ChunkHit `json:"hits"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Hits, 1)
	assert.Equal(t, 1, body.Hits[0].ChunkIdx)
	assert.InDelta(t, 1.0, body.Hits[0].Score, 1e-9)

	rec = api.do(t, http.MethodPost, "/search", searchRequest{LectureName: "cs101"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCORSAndHealth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodOptions, "/explain", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example.com")
	rec = httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.True(t, strings.Contains(rec.Body.String(), `"status":"healthy"`))

	rec = api.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "goroutines")
}

func TestBestPriorChunk(t *testing.T) {
	candidates := []core.TranscriptChunk{
		{VideoID: 1, ChunkIndex: 0, Embedding: []float32{1, 0}},
		{VideoID: 1, ChunkIndex: 1},
		{VideoID: 2, ChunkIndex: 0, Embedding: []float32{0.6, 0.8}},
		{VideoID: 2, ChunkIndex: 1, Embedding: []float32{0, 1}},
	}

	best, ok := BestPriorChunk(candidates, []float32{0, 1}, 1)
	require.True(t, ok)
	assert.Equal(t, int64(2), best.VideoID)
	assert.Equal(t, 0, best.ChunkIndex)

	_, ok = BestPriorChunk(candidates, []float32{0, 1}, 4)
	assert.False(t, ok)
}
