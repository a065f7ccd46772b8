package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/yoyicue/2simply-dlc-manager/internal/state"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "DownloadableContent.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMapping(t *testing.T) {
	path := writeManifest(t, `{"song.json": "abc123", "cover.png": "def456"}`)
	records, err := LoadMapping(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	byName := map[string]*state.FileRecord{}
	for _, r := range records {
		byName[r.Filename] = r
	}
	require.Equal(t, "abc123", byName["song.json"].ContentHash)
	require.Equal(t, state.StatusPending, byName["song.json"].Status)
}

func TestLoadMappingTrailingComma(t *testing.T) {
	for _, content := range []string{
		`{"a.json": "h1", "b.json": "h2",}`,
		`{"a.json": "h1", "b.json": "h2"},`,
		`{"a.json": "h1", "b.json": "h2"}}`,
	} {
		path := writeManifest(t, content)
		records, err := LoadMapping(path)
		require.NoError(t, err, "content %q", content)
		require.Len(t, records, 2)
	}
}

func TestLoadMappingParseError(t *testing.T) {
	path := writeManifest(t, `{"a.json": `)
	_, err := LoadMapping(path)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrParse))
}

func TestLoadMappingMissingFile(t *testing.T) {
	_, err := LoadMapping(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrParse))
}

func TestDiffKeepsUnchangedRecords(t *testing.T) {
	prior := []*state.FileRecord{
		state.NewRecord("same.json", "h1"),
		state.NewRecord("changed.json", "old"),
		state.NewRecord("gone.json", "h3"),
	}
	prior[0].Status = state.StatusCompleted
	prior[0].LocalPath = "/somewhere/same-h1.json"

	path := writeManifest(t, `{"same.json": "h1", "changed.json": "new", "fresh.json": "h4"}`)
	merged, diff, err := LoadMappingWithDiff(path, prior)
	require.NoError(t, err)
	require.Len(t, merged, 3)

	byName := map[string]*state.FileRecord{}
	for _, r := range merged {
		byName[r.Filename] = r
	}

	// Identical (filename, hash) keeps the prior record, progress intact.
	require.Same(t, prior[0], byName["same.json"])
	require.Equal(t, state.StatusCompleted, byName["same.json"].Status)

	// Changed hash gets a fresh PENDING record, never the old one.
	require.NotSame(t, prior[1], byName["changed.json"])
	require.Equal(t, "new", byName["changed.json"].ContentHash)
	require.Equal(t, state.StatusPending, byName["changed.json"].Status)

	require.Equal(t, 1, diff.New)
	require.Equal(t, 1, diff.Existing)
	require.Equal(t, 1, diff.Updated)
	// Both the vanished file and the superseded hash count as removed keys.
	require.Equal(t, 2, diff.Removed)
}

func TestDiffEmptyPrior(t *testing.T) {
	path := writeManifest(t, `{"a.json": "h1"}`)
	merged, diff, err := LoadMappingWithDiff(path, nil)
	require.NoError(t, err)
	require.Len(t, merged, 1)
	require.Equal(t, DiffCounts{New: 1}, diff)
}
