package processors

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lectureIndex/config"
	"lectureIndex/utils"
)

func layoutClient(url string) *PaddleXLayoutClient {
	cfg := config.DefaultConfig().Layout
	cfg.Endpoint = url
	return NewPaddleXLayoutClient(cfg)
}

func TestPaddleXDetect(t *testing.T) {
	var got layoutRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"errorCode":0,"errorMsg":"Success","result":{"boxes":[
			{"cls_id":2,"label":"text","score":0.91,"coordinate":[10,20,300,60]},
			{"cls_id":7,"label":"formula","score":0.8,"coordinate":[50,80,40,120]},
			{"cls_id":10,"label":"doc_title","score":0.77,"coordinate":[5,5,500]},
			{"cls_id":12,"label":"image","score":0.66,"coordinate":[400,100,900,450]}
		]}}`))
	}))
	defer srv.Close()

	boxes, err := layoutClient(srv.URL).Detect(context.Background(), []byte("png-bytes"))
	require.NoError(t, err)

	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("png-bytes")), got.Image)
	assert.True(t, got.LayoutNms)
	assert.Equal(t, "large", got.LayoutMergeBboxesMode)
	assert.InDelta(t, 0.4, got.Threshold["2"], 1e-9)

	require.Len(t, boxes, 2)
	assert.Equal(t, "text", boxes[0].Label)
	assert.Equal(t, 300.0, boxes[0].X2)
	assert.Equal(t, "image", boxes[1].Label)
}

func TestPaddleXDetectNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := layoutClient(srv.URL).Detect(context.Background(), []byte("x"))
	require.ErrorIs(t, err, utils.ErrUpstreamStatus)
}

func TestPaddleXDetectServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errorCode":500,"errorMsg":"bad image"}`))
	}))
	defer srv.Close()

	_, err := layoutClient(srv.URL).Detect(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad image")
}
