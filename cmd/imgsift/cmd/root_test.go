package cmd

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/imgsift/internal/media"
	"github.com/Aman-CERP/imgsift/internal/pipeline"
	"github.com/Aman-CERP/imgsift/internal/search"
)

// isolate points every imgsift path at a temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("IMGSIFT_HOME", filepath.Join(dir, ".imgsift"))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, ".config"))
	t.Setenv("IMGSIFT_EMBEDDING_DIM", "32")
	return dir
}

// execRoot executes the root command with args and returns stdout.
func execRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writePNG(t *testing.T, dir, name string, c color.Color) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, c)
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	require.NoError(t, png.Encode(f, img))
	return path
}

// ============================================================================
// Command tree
// ============================================================================

func TestRootCmd_HasSubcommands(t *testing.T) {
	// Given: the root command
	root := NewRootCmd()

	// Then: every command is registered
	for _, name := range []string{
		"ingest", "analyze", "worker", "cluster", "search", "status", "list",
		"show", "like", "delete", "watch", "serve", "stats", "config", "version",
	} {
		c, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, c.Name())
	}
}

func TestRootCmd_PersistentFlags(t *testing.T) {
	root := NewRootCmd()

	for _, name := range []string{"config", "debug", "offline", "profile-cpu", "profile-mem", "profile-trace"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(name), name)
	}
}

func TestClusterCmd_Subcommands(t *testing.T) {
	root := NewRootCmd()

	for _, path := range [][]string{{"cluster", "run"}, {"cluster", "list"}, {"cluster", "show"}, {"cluster", "suggest"}} {
		c, _, err := root.Find(path)
		require.NoError(t, err)
		assert.Equal(t, path[1], c.Name())
	}
	c, _, err := root.Find([]string{"cluster"})
	require.NoError(t, err)
	assert.NotNil(t, c.Flags().Lookup("async"), "bare cluster accepts run flags")
}

func TestRootCmd_MissingExplicitConfig(t *testing.T) {
	isolate(t)

	_, err := execRoot(t, "--config", "/nonexistent/imgsift.yaml", "stats")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

// ============================================================================
// End to end on SQLite with offline models
// ============================================================================

func TestIngestListSearchClusterFlow(t *testing.T) {
	// Given: an isolated home and three images on disk
	dir := isolate(t)
	red := writePNG(t, dir, "red.png", color.RGBA{R: 255, A: 255})
	writePNG(t, dir, "red2.png", color.RGBA{R: 250, A: 255})
	writePNG(t, dir, "blue.png", color.RGBA{B: 255, A: 255})

	// When: ingesting them
	out, err := execRoot(t, "--offline", "ingest", "--format", "json",
		red, filepath.Join(dir, "red2.png"), filepath.Join(dir, "blue.png"))

	// Then: each got a record and the in-process queue analyzed them
	require.NoError(t, err)
	var ingested []*pipeline.IngestResult
	require.NoError(t, json.Unmarshal([]byte(out), &ingested))
	require.Len(t, ingested, 3)
	for _, r := range ingested {
		require.NotNil(t, r.Record)
		assert.Equal(t, media.StatusIndexed, r.Record.Status)
	}

	// And: ingesting the same bytes again is a duplicate
	out, err = execRoot(t, "--offline", "ingest", "--format", "json", red)
	require.NoError(t, err)
	var again []*pipeline.IngestResult
	require.NoError(t, json.Unmarshal([]byte(out), &again))
	require.Len(t, again, 1)
	assert.True(t, again[0].Duplicate)

	// And: list sees all three
	out, err = execRoot(t, "--offline", "list", "--format", "json")
	require.NoError(t, err)
	var recs []*media.Record
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	assert.Len(t, recs, 3)

	// And: a search with a floor below every score returns all three
	out, err = execRoot(t, "--offline", "search", "anything", "--threshold", "-1", "--format", "json")
	require.NoError(t, err)
	var results []search.Result
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	assert.Len(t, results, 3)

	// And: clustering and stats run
	_, err = execRoot(t, "--offline", "cluster", "run")
	require.NoError(t, err)
	out, err = execRoot(t, "--offline", "stats", "--format", "json")
	require.NoError(t, err)
	var st media.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 3, st.ByStatus[media.StatusIndexed])
}

func TestLikeShowDelete(t *testing.T) {
	dir := isolate(t)
	path := writePNG(t, dir, "one.png", color.White)

	out, err := execRoot(t, "--offline", "ingest", "--format", "json", path)
	require.NoError(t, err)
	var ingested []*pipeline.IngestResult
	require.NoError(t, json.Unmarshal([]byte(out), &ingested))
	id := ingested[0].Record.ID

	out, err = execRoot(t, "--offline", "like", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Liked "+id)

	out, err = execRoot(t, "--offline", "show", id, "--format", "json")
	require.NoError(t, err)
	var rec media.Record
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.True(t, rec.Liked)

	_, err = execRoot(t, "--offline", "delete", id)
	require.NoError(t, err)

	_, err = execRoot(t, "--offline", "show", id)
	assert.Error(t, err)
}

func TestSearchCmd_EmptyQuery(t *testing.T) {
	isolate(t)

	_, err := execRoot(t, "--offline", "search", "   ")

	assert.Error(t, err)
}

func TestListCmd_RejectsUnknownStatus(t *testing.T) {
	isolate(t)

	_, err := execRoot(t, "--offline", "list", "--status", "lost")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown status")
}

func TestWorkerCmd_RequiresSharedQueue(t *testing.T) {
	isolate(t)

	_, err := execRoot(t, "--offline", "worker")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "shared queue")
}

func TestClusterShowCmd_RejectsBadID(t *testing.T) {
	isolate(t)

	_, err := execRoot(t, "--offline", "cluster", "show", "abc")

	assert.Error(t, err)
}
