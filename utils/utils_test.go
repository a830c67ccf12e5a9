package utils

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrameRate(t *testing.T) {
	fps, err := ParseFrameRate("30000/1001")
	require.NoError(t, err)
	assert.InDelta(t, 29.97, fps, 0.001)

	fps, err = ParseFrameRate(" 25 ")
	require.NoError(t, err)
	assert.Equal(t, 25.0, fps)

	_, err = ParseFrameRate("0/0")
	require.Error(t, err)
	_, err = ParseFrameRate("N/A")
	require.Error(t, err)
}

func TestIsRemote(t *testing.T) {
	assert.True(t, IsRemote("https://cdn.example.com/frames/1.png"))
	assert.True(t, IsRemote("http://localhost/x.mp4"))
	assert.False(t, IsRemote("/data/frames/1.png"))
	assert.False(t, IsRemote("ftp://host/file"))
}

func TestNewRunIDIsUnique(t *testing.T) {
	assert.NotEqual(t, NewRunID(), NewRunID())
}

func TestFetchBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ok.png" {
			w.Write([]byte("image"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	data, err := FetchBytes(context.Background(), srv.Client(), srv.URL+"/ok.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("image"), data)

	_, err = FetchBytes(context.Background(), srv.Client(), srv.URL+"/gone.png")
	require.ErrorIs(t, err, ErrUpstreamStatus)

	local := filepath.Join(t.TempDir(), "f.png")
	require.NoError(t, os.WriteFile(local, []byte("local"), 0644))
	data, err = FetchBytes(context.Background(), srv.Client(), local)
	require.NoError(t, err)
	assert.Equal(t, []byte("local"), data)
}

func TestDownloadFileSendsCookie(t *testing.T) {
	var cookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie = r.Header.Get("Cookie")
		if r.URL.Path == "/private.mp4" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte("video-bytes"))
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "videos", "1.mp4")
	require.NoError(t, DownloadFile(context.Background(), srv.Client(), srv.URL+"/1.mp4", "session=abc", dst))
	assert.Equal(t, "session=abc", cookie)
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("video-bytes"), data)

	other := filepath.Join(t.TempDir(), "2.mp4")
	err = DownloadFile(context.Background(), srv.Client(), srv.URL+"/private.mp4", "", other)
	require.ErrorIs(t, err, ErrUpstreamStatus)
	assert.False(t, FileExists(other))
}
