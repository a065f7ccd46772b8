package resume

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yoyicue/2simply-dlc-manager/internal/state"
)

// rangeServer serves content honoring single-sided Range headers the way a
// real asset CDN does: 206 with the tail, 416 past the end.
func rangeServer(t *testing.T, content []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			if r.Method == http.MethodHead {
				return
			}
			w.Write(content)
			return
		}
		var from, to int64
		to = int64(len(content)) - 1
		spec := strings.TrimPrefix(rng, "bytes=")
		if strings.HasSuffix(spec, "-") {
			fmt.Sscanf(spec, "%d-", &from)
		} else {
			fmt.Sscanf(spec, "%d-%d", &from, &to)
		}
		if from >= int64(len(content)) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if to >= int64(len(content)) {
			to = int64(len(content)) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", from, to, len(content)))
		w.Header().Set("Content-Length", strconv.FormatInt(to-from+1, 10))
		w.WriteHeader(http.StatusPartialContent)
		if r.Method != http.MethodHead {
			w.Write(content[from : to+1])
		}
	}))
}

func newTestEngine(minResume int64) *Engine {
	return NewEngine(&http.Client{Timeout: 10 * time.Second}, minResume, time.Hour)
}

func TestShouldResume(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(1024)

	rec := state.NewRecord("big.mp3", "aa")
	rec.SizeBytes = 4096
	path := filepath.Join(dir, rec.LocalName())

	ok, reason := e.ShouldResume(rec, path)
	require.False(t, ok, reason)

	// Below the minimum size a restart is cheaper.
	require.NoError(t, os.WriteFile(path, make([]byte, 100), 0o644))
	ok, _ = e.ShouldResume(rec, path)
	require.False(t, ok)

	require.NoError(t, os.WriteFile(path, make([]byte, 2048), 0o644))
	ok, _ = e.ShouldResume(rec, path)
	require.True(t, ok)

	// Already complete.
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o644))
	ok, _ = e.ShouldResume(rec, path)
	require.False(t, ok)
}

func TestProbeResumeSupport(t *testing.T) {
	content := make([]byte, 2048)
	srv := rangeServer(t, content)
	defer srv.Close()

	e := newTestEngine(0)
	res, err := e.ProbeResumeSupport(context.Background(), srv.URL+"/a.mp3")
	require.NoError(t, err)
	require.True(t, res.SupportsRange)

	// Second probe for the same host is served from the cache.
	first := res.CheckedAt
	res, err = e.ProbeResumeSupport(context.Background(), srv.URL+"/b.mp3")
	require.NoError(t, err)
	require.Equal(t, first, res.CheckedAt)
}

func TestProbeDetectsFakeRangeSupport(t *testing.T) {
	// Advertises Accept-Ranges but always answers 200 with the full body.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Write(make([]byte, 1024))
	}))
	defer srv.Close()

	e := newTestEngine(0)
	res, err := e.ProbeResumeSupport(context.Background(), srv.URL+"/a.mp3")
	require.NoError(t, err)
	require.False(t, res.SupportsRange)
}

func TestResumeDownloadAppends(t *testing.T) {
	content := []byte(strings.Repeat("0123456789abcdef", 1024)) // 16KB
	srv := rangeServer(t, content)
	defer srv.Close()

	dir := t.TempDir()
	rec := state.NewRecord("track.mp3", "aa")
	rec.SizeBytes = int64(len(content))
	path := filepath.Join(dir, rec.LocalName())

	// Seed the first half as the interrupted transfer.
	half := len(content) / 2
	require.NoError(t, os.WriteFile(path, content[:half], 0o644))

	e := newTestEngine(0)
	var chunkBytes int
	ok, err := e.ResumeDownload(context.Background(), rec, srv.URL+"/track.mp3", path, func(n int) {
		chunkBytes += n
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, len(content)-half, chunkBytes)

	// The stitched file must be byte-identical to a full download.
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, content, got)
	require.Equal(t, int64(len(content)), rec.Downloaded)
	require.Equal(t, float64(100), rec.Progress)
}

func TestResumeDownloadAlreadyComplete(t *testing.T) {
	content := []byte("complete content already on disk")
	srv := rangeServer(t, content)
	defer srv.Close()

	dir := t.TempDir()
	rec := state.NewRecord("done.json", "aa")
	path := filepath.Join(dir, rec.LocalName())
	require.NoError(t, os.WriteFile(path, content, 0o644))

	e := newTestEngine(0)
	ok, err := e.ResumeDownload(context.Background(), rec, srv.URL+"/done.json", path, nil)
	require.NoError(t, err)
	require.True(t, ok)

	// 416 must not touch the file.
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, content, got)
	require.Equal(t, float64(100), rec.Progress)
}

func TestResumeDownloadFallsBackOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("full body, range ignored"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	rec := state.NewRecord("a.json", "aa")
	path := filepath.Join(dir, rec.LocalName())
	require.NoError(t, os.WriteFile(path, []byte("partial"), 0o644))

	e := newTestEngine(0)
	ok, err := e.ResumeDownload(context.Background(), rec, srv.URL+"/a.json", path, nil)
	require.NoError(t, err)
	require.False(t, ok, "a 200 answer signals fallback, not an error")

	// The partial file is untouched; the full downloader takes over.
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte("partial"), got)
}
