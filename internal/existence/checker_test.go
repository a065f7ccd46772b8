package existence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yoyicue/2simply-dlc-manager/internal/bloomfilter"
	"github.com/yoyicue/2simply-dlc-manager/internal/config"
	"github.com/yoyicue/2simply-dlc-manager/internal/state"
)

func testSettings() config.Settings {
	cfg := config.Defaults()
	cfg.Clamp()
	return cfg
}

func writeOnDisk(t *testing.T, dir string, rec *state.FileRecord, size int) {
	t.Helper()
	path := filepath.Join(dir, rec.LocalName())
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func TestPartitionFreshStateFullScan(t *testing.T) {
	// 100 manifest entries, 95 already on disk with the
	// right size, fresh state with no cache history. Everything is PENDING
	// so the reliability sampler recommends a full scan.
	dir := t.TempDir()
	var records []*state.FileRecord
	for i := 0; i < 100; i++ {
		rec := state.NewRecord(fmt.Sprintf("file-%03d.json", i), fmt.Sprintf("%032d", i))
		rec.SizeBytes = 64
		records = append(records, rec)
		if i < 95 {
			writeOnDisk(t, dir, rec, 64)
		}
	}

	c := NewChecker(testSettings(), nil, nil)
	existing, toDownload, err := c.Partition(context.Background(), records, dir)
	require.NoError(t, err)
	require.Len(t, existing, 95)
	require.Len(t, toDownload, 5)
	require.Equal(t, len(records), len(existing)+len(toDownload), "partition must cover the input exactly")
}

func TestPartitionSizeMismatchGoesToDownload(t *testing.T) {
	dir := t.TempDir()
	rec := state.NewRecord("a.json", "h1")
	rec.SizeBytes = 100
	writeOnDisk(t, dir, rec, 50) // truncated leftover

	c := NewChecker(testSettings(), nil, nil)
	existing, toDownload, err := c.Partition(context.Background(), []*state.FileRecord{rec}, dir)
	require.NoError(t, err)
	require.Empty(t, existing)
	require.Len(t, toDownload, 1)
}

func TestPartitionUnknownSizeTrustsPresence(t *testing.T) {
	dir := t.TempDir()
	rec := state.NewRecord("a.json", "h1")
	writeOnDisk(t, dir, rec, 50)

	c := NewChecker(testSettings(), nil, nil)
	existing, toDownload, err := c.Partition(context.Background(), []*state.FileRecord{rec}, dir)
	require.NoError(t, err)
	require.Len(t, existing, 1)
	require.Empty(t, toDownload)
}

func TestBloomNegativesSkipDiskEntirely(t *testing.T) {
	dir := t.TempDir()

	// Build a filter containing one completed file; a second record the
	// filter has never seen must be classified new even though a matching
	// file sits on disk (the filter guarantees it was never completed).
	known := state.NewRecord("known.json", "h1")
	known.Status = state.StatusCompleted
	known.SizeBytes = 10
	writeOnDisk(t, dir, known, 10)
	known.UpdateDiskMetadata(filepath.Join(dir, known.LocalName()))

	unknown := state.NewRecord("unknown.json", "h2")
	unknown.SizeBytes = 10
	writeOnDisk(t, dir, unknown, 10)

	filter := bloomfilter.New(100, 0.01)
	filter.Rebuild([]*state.FileRecord{known})

	c := NewChecker(testSettings(), filter, nil)

	likely, definitelyNew := filter.Prefilter([]*state.FileRecord{known, unknown})
	require.Len(t, likely, 1)
	require.Len(t, definitelyNew, 1)
	require.Equal(t, "unknown.json", definitelyNew[0].Filename)

	existing, toDownload, err := c.Partition(context.Background(), []*state.FileRecord{known, unknown}, dir)
	require.NoError(t, err)
	require.Len(t, existing, 1)
	require.Equal(t, "known.json", existing[0].Filename)
	require.Len(t, toDownload, 1)
	require.Equal(t, "unknown.json", toDownload[0].Filename)
}

func TestPendingRecordsAlwaysDiskChecked(t *testing.T) {
	// A PENDING record with stale-but-plausible cache fields must still hit
	// the disk: a prior run may have died before saving its state.
	dir := t.TempDir()
	rec := state.NewRecord("a.json", "h1")
	rec.SizeBytes = 10
	// No file on disk.

	cfg := testSettings()
	c := NewChecker(cfg, nil, nil)
	existing, toDownload, err := c.cacheBasedCheck(context.Background(), []*state.FileRecord{rec}, dir)
	require.NoError(t, err)
	require.Empty(t, existing)
	require.Len(t, toDownload, 1)
}

func TestCacheBasedCheckSafetyNet(t *testing.T) {
	// A COMPLETED, fresh, disk-verified record whose file vanished must be
	// re-downloaded: the cheap re-stat catches the deletion.
	dir := t.TempDir()
	rec := state.NewRecord("a.json", "h1")
	path := filepath.Join(dir, rec.LocalName())
	require.NoError(t, os.WriteFile(path, make([]byte, 10), 0o644))
	rec.MarkCompleted(path)
	rec.UpdateDiskMetadata(path)
	require.NoError(t, os.Remove(path))

	c := NewChecker(testSettings(), nil, nil)
	existing, toDownload, err := c.cacheBasedCheck(context.Background(), []*state.FileRecord{rec}, dir)
	require.NoError(t, err)
	require.Empty(t, existing)
	require.Len(t, toDownload, 1)
}

func TestSmartIncrementalCheck(t *testing.T) {
	dir := t.TempDir()

	// Trusted: completed with fully valid cache metadata.
	trusted := state.NewRecord("trusted.json", "h1")
	tpath := filepath.Join(dir, trusted.LocalName())
	require.NoError(t, os.WriteFile(tpath, make([]byte, 10), 0o644))
	trusted.MarkCompleted(tpath)
	trusted.UpdateDiskMetadata(tpath)

	// Uncertain but present on disk.
	present := state.NewRecord("present.json", "h2")
	present.SizeBytes = 10
	writeOnDisk(t, dir, present, 10)

	// Uncertain and absent.
	absent := state.NewRecord("absent.json", "h3")
	absent.SizeBytes = 10

	c := NewChecker(testSettings(), nil, nil)
	existing, toDownload, err := c.smartIncrementalCheck(context.Background(),
		[]*state.FileRecord{trusted, present, absent}, dir)
	require.NoError(t, err)
	require.Len(t, existing, 2)
	require.Len(t, toDownload, 1)
	require.Equal(t, "absent.json", toDownload[0].Filename)
}

func TestFullScanMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "never-created")
	rec := state.NewRecord("a.json", "h1")

	c := NewChecker(testSettings(), nil, nil)
	existing, toDownload, err := c.fullScanCheck(context.Background(), []*state.FileRecord{rec}, dir)
	require.NoError(t, err)
	require.Empty(t, existing)
	require.Len(t, toDownload, 1)
}

func TestPartitionCancelled(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var records []*state.FileRecord
	for i := 0; i < 50; i++ {
		records = append(records, state.NewRecord(fmt.Sprintf("f%d.json", i), "h"))
	}
	c := NewChecker(testSettings(), nil, nil)
	_, _, err := c.Partition(ctx, records, dir)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPartitionEmpty(t *testing.T) {
	c := NewChecker(testSettings(), nil, nil)
	existing, toDownload, err := c.Partition(context.Background(), nil, t.TempDir())
	require.NoError(t, err)
	require.Empty(t, existing)
	require.Empty(t, toDownload)
}
