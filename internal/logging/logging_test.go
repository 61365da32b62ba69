package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNew_JSONRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Config{Level: "debug"})

	logger.Debug("job_started", slog.String("media_id", "m1"))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "job_started", rec["msg"])
	assert.Equal(t, "m1", rec["media_id"])
}

func TestNew_TextFormatAndLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Config{Level: "warn", Format: "text"})

	logger.Info("hidden")
	logger.Warn("stage_failed", slog.String("stage", "ocr"))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "stage=ocr")
}

func TestSetup_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "imgsift.log")
	logger, cleanup, err := Setup(Config{Level: "info", FilePath: path, MaxSizeMB: 1, MaxFiles: 2})
	require.NoError(t, err)

	logger.Info("cluster_run_done", slog.Int("n_clusters", 3))
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "cluster_run_done")
}

func TestSetupServeMode_InstallsFileOnlyDefault(t *testing.T) {
	// Given: a config that asks for stderr
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	path := filepath.Join(t.TempDir(), "serve.log")

	// When: setting up serve mode
	cleanup, err := SetupServeMode(Config{Level: "info", FilePath: path, WriteToStderr: true})
	require.NoError(t, err)
	slog.Info("mcp_server_started")
	cleanup()

	// Then: the default logger wrote to the file
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "mcp_server_started")
}

func TestRotatingWriter_Rotates(t *testing.T) {
	// Given: a writer with a 1MB limit
	path := filepath.Join(t.TempDir(), "imgsift.log")
	w, err := NewRotatingWriter(path, 1, 2)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	chunk := []byte(strings.Repeat("x", 600*1024))

	// When: writing past the limit three times
	for i := 0; i < 4; i++ {
		_, err := w.Write(chunk)
		require.NoError(t, err)
	}

	// Then: backups exist up to maxFiles and no further
	assert.FileExists(t, path)
	assert.FileExists(t, path+".1")
	assert.FileExists(t, path+".2")
	assert.NoFileExists(t, path+".3")
}

func TestRotatingWriter_WriteAfterClose(t *testing.T) {
	w, err := NewRotatingWriter(filepath.Join(t.TempDir(), "x.log"), 1, 1)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = w.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
	assert.NoError(t, w.Close())
}
