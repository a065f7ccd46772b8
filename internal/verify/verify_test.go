package verify

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yoyicue/2simply-dlc-manager/internal/state"
)

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func writeAsset(t *testing.T, dir string, rec *state.FileRecord, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, rec.LocalName())
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestDetectAlgorithm(t *testing.T) {
	require.Equal(t, AlgoMD5, DetectAlgorithm(md5Hex([]byte("x"))))
	sum := sha256.Sum256([]byte("x"))
	require.Equal(t, AlgoSHA256, DetectAlgorithm(hex.EncodeToString(sum[:])))
	require.Equal(t, AlgoUnknown, DetectAlgorithm("zzz"))
	require.Equal(t, AlgoUnknown, DetectAlgorithm(""))
}

func TestHashFileMD5(t *testing.T) {
	dir := t.TempDir()
	data := []byte("some asset content")
	rec := state.NewRecord("a.json", md5Hex(data))
	path := writeAsset(t, dir, rec, data)

	got, err := HashFile(path, rec.ContentHash)
	require.NoError(t, err)
	require.True(t, Matches(rec.ContentHash, got))
}

func TestEmptyFileHash(t *testing.T) {
	// MD5 of zero bytes is well-defined; empty files must verify cleanly.
	dir := t.TempDir()
	rec := state.NewRecord("empty.json", "d41d8cd98f00b204e9800998ecf8427e")
	path := writeAsset(t, dir, rec, nil)

	got, err := HashFile(path, rec.ContentHash)
	require.NoError(t, err)
	require.True(t, Matches(rec.ContentHash, got))
}

func TestVerifyParallelMixedResults(t *testing.T) {
	dir := t.TempDir()
	data := []byte("good content")

	good := state.NewRecord("good.json", md5Hex(data))
	writeAsset(t, dir, good, data)

	bad := state.NewRecord("bad.json", md5Hex([]byte("other content")))
	writeAsset(t, dir, bad, data)

	missing := state.NewRecord("missing.json", md5Hex(data))

	v := NewVerifier(nil, nil)
	var mu sync.Mutex
	results := map[string]Result{}
	sum, err := v.VerifyParallel(context.Background(), []*state.FileRecord{good, bad, missing}, dir, func(res Result) {
		mu.Lock()
		results[res.Filename] = res
		mu.Unlock()
	})
	require.NoError(t, err)

	require.Equal(t, 3, sum.Checked)
	require.Equal(t, 1, sum.Matched)
	require.Equal(t, 1, sum.Mismatched)
	require.Equal(t, 1, sum.Errored)
	require.Equal(t, int64(len(data)), sum.Bytes)

	require.True(t, results["good.json"].Match)
	require.Equal(t, state.VerifySuccess, good.HashVerify)
	require.True(t, good.DiskVerified)

	require.False(t, results["bad.json"].Match)
	require.Equal(t, state.StatusVerifyFailed, bad.Status)
	require.Equal(t, state.VerifyFailed, bad.HashVerify)
	// Mismatched files are kept on disk for inspection.
	_, statErr := os.Stat(filepath.Join(dir, bad.LocalName()))
	require.NoError(t, statErr)

	require.NotEmpty(t, results["missing.json"].Err)
	require.Equal(t, state.StatusVerifyFailed, missing.Status)
}

func TestVerifyParallelUsesCache(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	cache, err := OpenResultCache(ctx, filepath.Join(t.TempDir(), "hashes.db"))
	require.NoError(t, err)
	defer cache.Close()

	data := []byte("cached content")
	rec := state.NewRecord("a.json", md5Hex(data))
	writeAsset(t, dir, rec, data)

	v := NewVerifier(cache, nil)
	_, err = v.VerifyParallel(ctx, []*state.FileRecord{rec}, dir, nil)
	require.NoError(t, err)

	var second Result
	_, err = v.VerifyParallel(ctx, []*state.FileRecord{rec}, dir, func(res Result) { second = res })
	require.NoError(t, err)
	require.True(t, second.Match)
	require.True(t, second.FromCache, "second pass should hit the sqlite cache")
}

func TestResultCacheInvalidation(t *testing.T) {
	ctx := context.Background()
	cache, err := OpenResultCache(ctx, filepath.Join(t.TempDir(), "hashes.db"))
	require.NoError(t, err)
	defer cache.Close()

	require.NoError(t, cache.Put(ctx, "/x/a.json", 10, 111, "digest-a"))

	got, err := cache.Get(ctx, "/x/a.json", 10, 111)
	require.NoError(t, err)
	require.Equal(t, "digest-a", got)

	// Different size or mtime means a different file: no hit.
	got, err = cache.Get(ctx, "/x/a.json", 11, 111)
	require.NoError(t, err)
	require.Empty(t, got)

	// A new Put for the same path replaces the stale row.
	require.NoError(t, cache.Put(ctx, "/x/a.json", 11, 222, "digest-b"))
	got, err = cache.Get(ctx, "/x/a.json", 11, 222)
	require.NoError(t, err)
	require.Equal(t, "digest-b", got)
	got, err = cache.Get(ctx, "/x/a.json", 10, 111)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestOptimalWorkers(t *testing.T) {
	require.LessOrEqual(t, OptimalWorkers(100000), 32)
	require.GreaterOrEqual(t, OptimalWorkers(1), 1)
	require.LessOrEqual(t, OptimalWorkers(2), 2)
}

func TestCancelStopsEarly(t *testing.T) {
	dir := t.TempDir()
	data := []byte("x")
	records := make([]*state.FileRecord, 500)
	for i := range records {
		records[i] = state.NewRecord(string(rune('a'+i%26))+".json", md5Hex(data))
	}
	v := NewVerifier(nil, nil)
	sum, err := v.VerifyParallel(context.Background(), records, dir, func(Result) {
		// Stop after the first batch starts draining.
		v.Cancel()
	})
	require.NoError(t, err)
	require.Less(t, sum.Checked, len(records))
}
