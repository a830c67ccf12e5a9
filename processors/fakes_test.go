package processors

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"lectureIndex/core"
	"lectureIndex/storage"
)

func testLogger() arbor.ILogger {
	return arbor.NewLogger()
}

func newTestStore(t *testing.T) *storage.BadgerStore {
	t.Helper()
	store, err := storage.NewBadgerStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func solidGray(w, h int, v uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// fakeEmbedder maps known texts to fixed vectors and everything else to fallback.
type fakeEmbedder struct {
	mu       sync.Mutex
	vectors  map[string][]float32
	fallback []float32
	calls    int
	err      error
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.vectors[t]; ok {
			out[i] = v
		} else {
			out[i] = f.fallback
		}
	}
	return out, nil
}

// singleDropEmbedder answers batches normally but returns no vector for a single text.
type singleDropEmbedder struct {
	inner *fakeEmbedder
}

func (e singleDropEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 1 {
		return [][]float32{}, nil
	}
	return e.inner.Embed(ctx, texts)
}

type fakeLabeler struct {
	label string
	err   error
}

func (f fakeLabeler) Label(ctx context.Context, text string) (string, error) {
	return f.label, f.err
}

type fakeExplainer struct {
	mu          sync.Mutex
	calls       int
	transcripts []string
	failOnCall  int
}

func (f *fakeExplainer) Explain(ctx context.Context, transcript string, crop, full []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failOnCall > 0 && f.calls == f.failOnCall {
		return "", errors.New("model unavailable")
	}
	if len(crop) == 0 || len(full) == 0 {
		return "", errors.New("missing image")
	}
	f.transcripts = append(f.transcripts, transcript)
	return "explained", nil
}

// fakeDetector returns the same boxes for every image, or fails on the listed calls.
type fakeDetector struct {
	boxes  []core.RawBox
	failOn map[int]bool
	calls  int
}

func (f *fakeDetector) Detect(ctx context.Context, img []byte) ([]core.RawBox, error) {
	f.calls++
	if f.failOn[f.calls] {
		return nil, errors.New("detector timeout")
	}
	return f.boxes, nil
}
