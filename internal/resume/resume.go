// Package resume decides per file whether a partial local copy can be
// extended with a ranged request instead of restarting from byte zero, and
// performs the ranged transfer itself.
package resume

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/yoyicue/2simply-dlc-manager/internal/state"
)

// probeConfirmBytes is the slice requested to confirm a server actually
// honors ranges; some advertise Accept-Ranges and then send full bodies.
const probeConfirmBytes = 512

// ProbeResult describes a server's observed range-request behavior.
type ProbeResult struct {
	SupportsRange bool
	ContentLength int64
	ETag          string
	LastModified  string
	CheckedAt     time.Time
}

// Engine holds the resume policy and a per-host probe cache.
type Engine struct {
	client        *http.Client
	minResumeSize int64
	probeTTL      time.Duration

	mu     sync.Mutex
	probes map[string]ProbeResult
}

// NewEngine returns an engine using the shared download client.
func NewEngine(client *http.Client, minResumeSize int64, probeTTL time.Duration) *Engine {
	if minResumeSize <= 0 {
		minResumeSize = 2 << 20
	}
	if probeTTL <= 0 {
		probeTTL = time.Hour
	}
	return &Engine{
		client:        client,
		minResumeSize: minResumeSize,
		probeTTL:      probeTTL,
		probes:        make(map[string]ProbeResult),
	}
}

// ShouldResume reports whether a partial file is worth extending: it must
// exist, carry at least the minimum resume size (below that the extra
// round-trips cost more than the saved bytes), and be smaller than the
// expected total.
func (e *Engine) ShouldResume(rec *state.FileRecord, localPath string) (bool, string) {
	fi, err := os.Stat(localPath)
	if err != nil {
		return false, "no partial file on disk"
	}
	if fi.Size() < e.minResumeSize {
		return false, fmt.Sprintf("partial file %d bytes below resume threshold", fi.Size())
	}
	if rec.SizeBytes > 0 && fi.Size() >= rec.SizeBytes {
		return false, "local file already at expected size"
	}
	return true, "resumable partial file"
}

// ProbeResumeSupport checks whether the server behind rawURL honors range
// requests. A HEAD inspects the advertised headers; when ranges are
// claimed, a small ranged GET confirms the server really answers 206.
// Results are cached per host for the probe TTL.
func (e *Engine) ProbeResumeSupport(ctx context.Context, rawURL string) (ProbeResult, error) {
	host, err := hostOf(rawURL)
	if err != nil {
		return ProbeResult{}, err
	}
	e.mu.Lock()
	if cached, ok := e.probes[host]; ok && time.Since(cached.CheckedAt) < e.probeTTL {
		e.mu.Unlock()
		return cached, nil
	}
	e.mu.Unlock()

	res := ProbeResult{CheckedAt: time.Now()}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return res, errors.Wrap(err, "build probe request")
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return res, errors.Wrap(err, "probe request failed")
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	res.ContentLength = resp.ContentLength
	res.ETag = resp.Header.Get("ETag")
	res.LastModified = resp.Header.Get("Last-Modified")
	claimed := strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")

	if claimed {
		res.SupportsRange = e.confirmRanged(ctx, rawURL)
	}

	e.mu.Lock()
	e.probes[host] = res
	e.mu.Unlock()
	return res, nil
}

// confirmRanged issues a tiny ranged GET and checks for a genuine 206.
func (e *Engine) confirmRanged(ctx context.Context, rawURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", probeConfirmBytes-1))
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.CopyN(io.Discard, resp.Body, probeConfirmBytes)
	return resp.StatusCode == http.StatusPartialContent
}

// ResumeDownload extends localPath with a ranged GET from its current size.
// A 416 means the file is already complete (success without writing); a 206
// streams the remainder into the file; any other status reports a resume
// failure so the caller falls back to a full download — that is not an
// error. onChunk, when set, receives each appended chunk size.
func (e *Engine) ResumeDownload(ctx context.Context, rec *state.FileRecord, rawURL, localPath string, onChunk func(int)) (bool, error) {
	fi, err := os.Stat(localPath)
	if err != nil {
		return false, nil
	}
	localSize := fi.Size()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return false, errors.Wrap(err, "build resume request")
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", localSize))

	resp, err := e.client.Do(req)
	if err != nil {
		return false, errors.Wrap(err, "resume request failed")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusRequestedRangeNotSatisfiable:
		// Server says there is nothing past localSize: already complete.
		rec.Downloaded = localSize
		rec.Progress = 100
		return true, nil
	case http.StatusPartialContent:
	default:
		return false, nil
	}

	f, err := os.OpenFile(localPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return false, errors.Wrapf(err, "open %s for append", localPath)
	}
	defer f.Close()

	if rec.SizeBytes == 0 && resp.ContentLength > 0 {
		rec.SizeBytes = localSize + resp.ContentLength
	}

	buf := make([]byte, 32*1024)
	written := localSize
	for {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return false, errors.Wrap(werr, "append resumed bytes")
			}
			written += int64(n)
			rec.Downloaded = written
			if rec.SizeBytes > 0 {
				rec.Progress = float64(written) / float64(rec.SizeBytes) * 100
			}
			if onChunk != nil {
				onChunk(n)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return false, errors.Wrap(readErr, "read resumed body")
		}
	}
	return true, nil
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Wrapf(err, "parse url %s", rawURL)
	}
	return u.Host, nil
}
