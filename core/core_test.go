package core

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2, 3}, []float32{2, 4, 6}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-3, 0}), 1e-9)
	assert.Zero(t, CosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Zero(t, CosineSimilarity(nil, nil))
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}

func TestRect(t *testing.T) {
	a := Rect{X1: 10, Y1: 10, X2: 50, Y2: 20}
	b := Rect{X1: 5, Y1: 15, X2: 40, Y2: 60}

	assert.Equal(t, Rect{X1: 5, Y1: 10, X2: 50, Y2: 60}, a.Union(b))
	assert.True(t, a.Valid())
	assert.False(t, Rect{X1: 5, Y1: 0, X2: 5, Y2: 10}.Valid())
	assert.Equal(t, []float64{10, 10, 50, 20}, a.Coordinates())
}

func TestSlideFrameMaterialized(t *testing.T) {
	assert.False(t, SlideFrame{FrameIndex: 0}.Materialized())
	assert.True(t, SlideFrame{ImagePath: "/f/0.png", Width: 1280, Height: 720}.Materialized())
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusNotFound, "Video not found")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Video not found", body["error"])
}
