package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable applyEnv reads so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	for _, k := range []string{
		"OPENAI_API_KEY", "OPENAI_BASE_URL", "EMBEDDING_MODEL", "CHAT_MODEL", "STORE", "DATABASE_URL",
		"BADGER_PATH", "VECTOR_STORE", "MILVUS_ADDR", "MILVUS_USERNAME", "MILVUS_PASSWORD", "MILVUS_API_KEY",
		"REDIS_ADDR", "COS_BUCKET_URL", "COS_SECRET_ID", "COS_SECRET_KEY", "FRAME_STORE", "LAYOUT_ENDPOINT",
		"DOWNLOAD_COOKIE", "LOG_LEVEL", "PORT", "LECTURE_INDEX_CONFIG",
	} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lectureindex.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "postgres", cfg.Database.Backend)
	assert.Equal(t, "pgvector", cfg.Vector.Backend)
	assert.Equal(t, 0.26, cfg.Chunking.SimilarityThreshold)
	assert.Equal(t, 3, cfg.Layout.MinFrames)
	assert.Equal(t, "local", cfg.ASR.Provider)
	assert.Equal(t, 32, cfg.ASR.APIBitrateKbps)
	assert.False(t, cfg.HasValidAPI())
}

func TestLoadConfigFromFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
[database]
backend = "Badger"
badger_path = "/tmp/lectures"

[vector]
backend = "pgvector"

[slides]
diff_threshold = 3.5

[layout]
min_frames = 4
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "badger", cfg.Database.Backend)
	// pgvector needs the postgres chunks table
	assert.Equal(t, "memory", cfg.Vector.Backend)
	assert.Equal(t, 3.5, cfg.Slides.DiffThreshold)
	assert.Equal(t, 0.2, cfg.Slides.SampleRate)
	assert.Equal(t, 4, cfg.Layout.MinFrames)
	assert.Equal(t, 0.7, cfg.Layout.RepeatThreshold)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
[server]
port = 9000
`)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("PORT", "8123")
	t.Setenv("VECTOR_STORE", "MILVUS")
	t.Setenv("DOWNLOAD_COOKIE", "session=abc")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.HasValidAPI())
	assert.Equal(t, 8123, cfg.Server.Port)
	assert.Equal(t, "milvus", cfg.Vector.Backend)
	assert.Equal(t, "session=abc", cfg.Ingest.DownloadCookie)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Server.Port)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	clearEnv(t)

	_, err := LoadConfig(writeConfig(t, `
[database]
backend = "sqlite"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Backend")

	_, err = LoadConfig(writeConfig(t, `
[layout]
repeat_threshold = 1.5
`))
	require.Error(t, err)

	_, err = LoadConfig(writeConfig(t, `not = [valid`))
	require.Error(t, err)
}
