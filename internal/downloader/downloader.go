// Package downloader is the bounded-concurrency fetch orchestrator: it
// partitions the record set through the existence tiers, streams the
// remainder from the asset server in adaptive batches, and gates every
// completed transfer behind an integrity check.
package downloader

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"golang.org/x/sync/semaphore"

	"github.com/yoyicue/2simply-dlc-manager/internal/bloomfilter"
	"github.com/yoyicue/2simply-dlc-manager/internal/compression"
	"github.com/yoyicue/2simply-dlc-manager/internal/config"
	"github.com/yoyicue/2simply-dlc-manager/internal/events"
	"github.com/yoyicue/2simply-dlc-manager/internal/existence"
	"github.com/yoyicue/2simply-dlc-manager/internal/resume"
	"github.com/yoyicue/2simply-dlc-manager/internal/state"
	"github.com/yoyicue/2simply-dlc-manager/internal/verify"
)

const userAgent = "dlc-manager/2.0 (Go downloader)"

// transferError carries retry classification through the attempt loop.
// Network-shaped failures are retried; everything else fails immediately.
type transferError struct {
	err       error
	retryable bool
}

func (e *transferError) Error() string { return e.err.Error() }
func (e *transferError) Unwrap() error { return e.err }

func netErr(err error, msg string) error {
	return &transferError{err: errors.Wrap(err, msg), retryable: true}
}

func fatalErr(err error, msg string) error {
	return &transferError{err: errors.Wrap(err, msg), retryable: false}
}

func isRetryable(err error) bool {
	var te *transferError
	if stderrors.As(err, &te) {
		return te.retryable
	}
	return false
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeFailed
	outcomeCancelled
)

// Downloader holds the shared HTTP client and per-run counters.
type Downloader struct {
	client    *http.Client
	cfg       config.Settings
	emitter   *events.Emitter
	resumer   *resume.Engine
	filter    *bloomfilter.FileFilter
	recordsW  *SafeWriter
	compStats *compression.Stats

	progressIntv time.Duration

	cancelled   atomic.Bool
	downloading atomic.Bool

	countsMu sync.Mutex
	okCount  int64
	errCount int64
}

// New builds a downloader with an HTTP client tuned for many concurrent
// small requests. Transport compression is disabled because the request
// headers and body decoding are managed per file category.
func New(cfg config.Settings, emitter *events.Emitter) *Downloader {
	initMetrics()
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          max(cfg.ConnectionLimit, cfg.ConcurrentRequests*2),
		MaxIdleConnsPerHost:   cfg.ConnectionLimitPerHost,
		MaxConnsPerHost:       cfg.ConnectionLimit,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
	}
	cli := &http.Client{Transport: tr}
	return &Downloader{
		client:    cli,
		cfg:       cfg,
		emitter:   emitter,
		resumer:   resume.NewEngine(cli, cfg.MinResumeSize, cfg.ProbeCacheTTL),
		compStats: compression.NewStats(),
	}
}

// SetBloomFilter registers a filter that receives each completed local
// name, keeping the prefilter warm between state reloads.
func (d *Downloader) SetBloomFilter(f *bloomfilter.FileFilter) { d.filter = f }

// SetTransferLog enables a JSONL record per processed file.
func (d *Downloader) SetTransferLog(w io.Writer) { d.recordsW = NewSafeWriter(w) }

// ProgressInterval enables periodic aggregate progress logs.
func (d *Downloader) ProgressInterval(dur time.Duration) { d.progressIntv = dur }

// HTTPTransport exposes the underlying transport for flag-level tuning.
func (d *Downloader) HTTPTransport() *http.Transport {
	tr, _ := d.client.Transport.(*http.Transport)
	return tr
}

// CompressionStats exposes the per-category transfer savings accumulator.
func (d *Downloader) CompressionStats() *compression.Stats { return d.compStats }

// Cancel requests a cooperative stop. The flag is polled before each
// request, at every streamed chunk, and at batch boundaries; in-flight
// files unwind without being marked failed.
func (d *Downloader) Cancel() { d.cancelled.Store(true) }

// IsDownloading reports whether a run is in progress.
func (d *Downloader) IsDownloading() bool { return d.downloading.Load() }

func (d *Downloader) incOK() {
	d.countsMu.Lock()
	d.okCount++
	d.countsMu.Unlock()
}

func (d *Downloader) incErr() {
	d.countsMu.Lock()
	d.errCount++
	d.countsMu.Unlock()
}

func (d *Downloader) snapshotCounts() (ok, errc int64) {
	d.countsMu.Lock()
	ok, errc = d.okCount, d.errCount
	d.countsMu.Unlock()
	return
}

// BuildURL constructs the remote asset URL. The content hash rides in the
// remote filename, never in a header.
func BuildURL(baseURL string, rec *state.FileRecord) string {
	return strings.TrimRight(baseURL, "/") + "/" + rec.LocalName()
}

// DownloadFiles fetches every record not already satisfied on disk into
// outDir and reports per-filename success. Per-file failures never abort
// the run; only an unusable output directory is fatal.
func (d *Downloader) DownloadFiles(ctx context.Context, records []*state.FileRecord, outDir string, checker *existence.Checker) (map[string]bool, error) {
	results := make(map[string]bool, len(records))
	if len(records) == 0 {
		return results, nil
	}
	d.cancelled.Store(false)
	d.downloading.Store(true)
	defer d.downloading.Store(false)
	d.countsMu.Lock()
	d.okCount, d.errCount = 0, 0
	d.countsMu.Unlock()

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "output directory %s is not writable", outDir)
	}

	start := time.Now()
	total := len(records)
	d.emitter.Emit(events.ProgressEvent{Kind: events.KindStarted, Total: total})
	d.emitter.Log(fmt.Sprintf("downloading %d files to %s", total, outDir))
	slog.Info("download_start", "files", total, "out", outDir)

	existing, toDownload, err := checker.Partition(ctx, records, outDir)
	if err != nil {
		if d.cancelled.Load() || stderrors.Is(err, context.Canceled) {
			d.emitter.Emit(events.ProgressEvent{Kind: events.KindCancelled})
			return results, nil
		}
		return nil, errors.Wrap(err, "existence check failed")
	}

	var mu sync.Mutex
	completed := 0

	// Flag already-present files as completed in bounded batches, yielding
	// between batches so an event-loop host stays responsive.
	markBatch := config.ExistingMarkBatch(len(existing))
	for _, batch := range lo.Chunk(existing, markBatch) {
		if d.cancelled.Load() {
			break
		}
		for _, rec := range batch {
			path := filepath.Join(outDir, rec.LocalName())
			rec.MarkCompleted(path)
			rec.UpdateDiskMetadata(path)
			if d.filter != nil {
				d.filter.Add(rec.LocalName())
			}
			mu.Lock()
			results[rec.Filename] = true
			completed++
			mu.Unlock()
			d.incOK()
		}
		d.emitOverall(completed, total)
		runtime.Gosched()
	}
	if len(existing) > 0 {
		d.emitter.Log(fmt.Sprintf("%d files already present, skipping download", len(existing)))
		slog.Info("existing_marked", "count", len(existing))
	}

	if len(toDownload) == 0 || d.cancelled.Load() {
		return d.finish(results, completed, total, start)
	}

	prof := sizeProfile(d.cfg, toDownload)
	conc := d.cfg.OptimalConcurrency(total, len(toDownload), prof)
	batchSize := d.cfg.OptimalBatchSize(total, len(toDownload), prof)
	d.emitter.Log(fmt.Sprintf("fetching %d files: concurrency %d, batch size %d", len(toDownload), conc, batchSize))
	slog.Info("fetch_plan",
		"to_download", len(toDownload), "concurrency", conc, "batch", batchSize,
		"large_ratio", fmt.Sprintf("%.2f", prof.LargeRatio),
		"small_ratio", fmt.Sprintf("%.2f", prof.SmallRatio))

	stopProgress := d.startProgressTicker(start, &mu, &completed, total)
	defer stopProgress()

	sem := semaphore.NewWeighted(int64(conc))
	batches := lo.Chunk(toDownload, batchSize)
	for bi, batch := range batches {
		if d.cancelled.Load() {
			break
		}
		slog.Debug("batch_start", "batch", bi+1, "of", len(batches), "size", len(batch))

		var wg sync.WaitGroup
		for _, rec := range batch {
			if d.cancelled.Load() {
				break
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				break
			}
			wg.Add(1)
			go func(rec *state.FileRecord) {
				defer wg.Done()
				defer sem.Release(1)
				switch d.processOne(ctx, rec, outDir) {
				case outcomeOK:
					mu.Lock()
					results[rec.Filename] = true
					completed++
					mu.Unlock()
					d.incOK()
				case outcomeFailed:
					mu.Lock()
					results[rec.Filename] = false
					mu.Unlock()
					d.incErr()
				case outcomeCancelled:
					// Left in its last stable state for a future run.
				}
			}(rec)
		}
		wg.Wait()

		mu.Lock()
		done := completed
		mu.Unlock()
		d.emitOverall(done, total)

		// Brief pause between batches to avoid hammering the server.
		if bi < len(batches)-1 && !d.cancelled.Load() {
			select {
			case <-ctx.Done():
			case <-time.After(d.cfg.RetryDelay):
			}
		}
	}

	return d.finish(results, completed, total, start)
}

func (d *Downloader) finish(results map[string]bool, completed, total int, start time.Time) (map[string]bool, error) {
	ok, errc := d.snapshotCounts()
	skipped := total - len(results)
	if d.cancelled.Load() {
		d.emitter.Emit(events.ProgressEvent{
			Kind: events.KindCancelled, SuccessN: int(ok), FailedN: int(errc), SkippedN: skipped,
		})
		slog.Info("download_cancelled", "ok", ok, "failed", errc, "untouched", skipped)
		return results, nil
	}
	d.emitOverall(completed, total)
	d.emitter.Emit(events.ProgressEvent{
		Kind: events.KindFinished, SuccessN: int(ok), FailedN: int(errc), SkippedN: skipped,
	})
	wire, decoded, ratio := d.compStats.Summary()
	slog.Info("download_done",
		"ok", ok, "failed", errc,
		"wire_bytes", humanize.Bytes(uint64(wire)),
		"decoded_bytes", humanize.Bytes(uint64(decoded)),
		"compression_ratio", fmt.Sprintf("%.2f", ratio),
		"elapsed", time.Since(start).String())
	return results, nil
}

func (d *Downloader) emitOverall(completed, total int) {
	if total == 0 {
		return
	}
	d.emitter.Emit(events.ProgressEvent{
		Kind:      events.KindOverallProgress,
		Percent:   float64(completed) / float64(total) * 100,
		Completed: completed,
		Total:     total,
	})
}

func (d *Downloader) startProgressTicker(start time.Time, mu *sync.Mutex, completed *int, total int) func() {
	if d.progressIntv <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	ticker := time.NewTicker(d.progressIntv)
	go func() {
		defer ticker.Stop()
		last := -1
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				processed := *completed
				mu.Unlock()
				if processed == last {
					continue
				}
				ok, errc := d.snapshotCounts()
				elapsed := time.Since(start)
				var rate float64
				if elapsed > 0 {
					rate = float64(processed) / elapsed.Seconds()
				}
				slog.Info("progress", "completed", processed, "total", total, "ok", ok, "err", errc,
					"elapsed", elapsed.String(), "rate_per_sec", fmt.Sprintf("%.1f", rate))
				last = processed
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// processOne drives a single record through resume-aware transfer with the
// configured retry budget.
func (d *Downloader) processOne(ctx context.Context, rec *state.FileRecord, outDir string) outcome {
	if d.cancelled.Load() || ctx.Err() != nil {
		return outcomeCancelled
	}

	url := BuildURL(d.cfg.AssetBaseURL, rec)
	localPath := filepath.Join(outDir, rec.LocalName())
	rec.DownloadURL = url
	rec.Status = state.StatusDownloading

	tlog := TransferRecord{
		SchemaVersion: 1,
		Filename:      rec.Filename,
		URL:           url,
		Path:          localPath,
		Hash:          rec.ContentHash,
		StartedAt:     time.Now().UTC().Format(time.RFC3339),
	}

	// Re-check disk: another worker or an earlier run may have completed
	// this file since the existence pass.
	if fi, err := os.Stat(localPath); err == nil && rec.SizeBytes > 0 && fi.Size() == rec.SizeBytes {
		d.completeRecord(rec, localPath, "already on disk")
		metProcessed.WithLabelValues("ok").Inc()
		tlog.OK, tlog.Size = true, fi.Size()
		tlog.FinishedAt = time.Now().UTC().Format(time.RFC3339)
		d.recordsW.writeRecord(tlog)
		return outcomeOK
	}

	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		if d.cancelled.Load() || ctx.Err() != nil {
			rec.Status = state.StatusCancelled
			return outcomeCancelled
		}
		resumed, err := d.attemptTransfer(ctx, rec, url, localPath)
		if err == nil {
			d.completeRecord(rec, localPath, "download complete")
			metProcessed.WithLabelValues("ok").Inc()
			tlog.OK, tlog.Resumed, tlog.Size = true, resumed, rec.SizeBytes
			tlog.Retries = attempt - 1
			tlog.FinishedAt = time.Now().UTC().Format(time.RFC3339)
			d.recordsW.writeRecord(tlog)
			return outcomeOK
		}
		if d.cancelled.Load() || stderrors.Is(err, context.Canceled) {
			rec.Status = state.StatusCancelled
			return outcomeCancelled
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
		if attempt < d.cfg.MaxRetries {
			slog.Warn("retrying", "file", rec.Filename, "attempt", attempt, "max", d.cfg.MaxRetries, "err", err)
			metRetries.Inc()
			select {
			case <-ctx.Done():
				rec.Status = state.StatusCancelled
				return outcomeCancelled
			case <-time.After(d.cfg.RetryDelay):
			}
		}
	}

	msg := "download failed"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	if rec.Status == state.StatusVerifyFailed {
		rec.ErrorMsg = msg
	} else {
		rec.MarkFailed(msg)
	}
	metProcessed.WithLabelValues("error").Inc()
	d.emitter.Emit(events.ProgressEvent{
		Kind: events.KindFileCompleted, Filename: rec.Filename, Success: false, Message: msg,
	})
	tlog.Error = msg
	tlog.FinishedAt = time.Now().UTC().Format(time.RFC3339)
	d.recordsW.writeRecord(tlog)
	return outcomeFailed
}

// attemptTransfer performs one resume-aware transfer, gated by the
// integrity check. An integrity failure earns exactly one automatic full
// re-download; a second failure surfaces as VERIFY_FAILED without retry.
func (d *Downloader) attemptTransfer(ctx context.Context, rec *state.FileRecord, url, localPath string) (resumed bool, err error) {
	timeout := d.cfg.AdaptiveTimeout(rec.SizeBytes)
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if d.cfg.EnableResume {
		if ok, _ := d.resumer.ShouldResume(rec, localPath); ok {
			probe, perr := d.resumer.ProbeResumeSupport(actx, url)
			if perr == nil && probe.SupportsRange {
				ok, rerr := d.resumer.ResumeDownload(actx, rec, url, localPath, func(n int) {
					metBytes.Add(float64(n))
					d.emitFileProgress(rec)
				})
				switch {
				case rerr != nil:
					metResumes.WithLabelValues("error").Inc()
					return false, netErr(rerr, "resume transfer failed")
				case ok:
					metResumes.WithLabelValues("ok").Inc()
					resumed = true
				default:
					// Server refused the range; fall back to a full fetch.
					metResumes.WithLabelValues("fallback").Inc()
				}
			}
		}
	}

	if !resumed {
		if err := d.fullDownload(actx, rec, url, localPath); err != nil {
			return false, err
		}
	}

	if err := d.verifyTransfer(rec, localPath); err != nil {
		slog.Warn("integrity check failed, re-downloading once", "file", rec.Filename, "err", err)
		_ = os.Remove(localPath)
		rec.ResetProgress()
		if err := d.fullDownload(actx, rec, url, localPath); err != nil {
			return false, err
		}
		if err := d.verifyTransfer(rec, localPath); err != nil {
			rec.Status = state.StatusVerifyFailed
			rec.HashVerify = state.VerifyFailed
			return false, fatalErr(err, "integrity check failed after re-download")
		}
	}
	return resumed, nil
}

// fullDownload streams the complete object to localPath. The file is
// written in place rather than through a temp name so interrupted
// transfers stay visible to the resume engine on the next run.
func (d *Downloader) fullDownload(ctx context.Context, rec *state.FileRecord, url, localPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fatalErr(err, "build request")
	}
	req.Header.Set("User-Agent", userAgent)
	for k, v := range compression.RequestHeaders(rec) {
		req.Header.Set(k, v)
	}

	metInflight.Inc()
	defer metInflight.Dec()
	attemptStart := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		metDuration.Observe(time.Since(attemptStart).Seconds())
		metRequests.WithLabelValues("error", "net").Inc()
		return netErr(err, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		metDuration.Observe(time.Since(attemptStart).Seconds())
		metRequests.WithLabelValues("error", strconv.Itoa(resp.StatusCode)).Inc()
		retry := resp.StatusCode == http.StatusRequestTimeout ||
			resp.StatusCode == http.StatusTooEarly ||
			resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode >= 500
		return &transferError{err: errors.Errorf("HTTP %d", resp.StatusCode), retryable: retry}
	}

	encoding := resp.Header.Get("Content-Encoding")
	identity := encoding == "" || strings.EqualFold(encoding, "identity")
	if identity && resp.ContentLength > 0 {
		rec.SizeBytes = resp.ContentLength
	}

	body, closeBody, err := compression.WrapBody(resp.Body, encoding)
	if err != nil {
		return fatalErr(err, "decode response body")
	}
	defer closeBody()

	f, err := os.Create(localPath)
	if err != nil {
		return fatalErr(err, "create local file")
	}

	buf := make([]byte, d.cfg.AdaptiveChunkSize(rec.SizeBytes))
	var written int64
	for {
		if d.cancelled.Load() || ctx.Err() != nil {
			f.Close()
			// Flushed bytes stay on disk for a later resume attempt.
			return netErr(context.Canceled, "transfer cancelled")
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				return fatalErr(werr, "write local file")
			}
			written += int64(n)
			metBytes.Add(float64(n))
			rec.Downloaded = written
			if rec.SizeBytes > 0 {
				rec.Progress = float64(written) / float64(rec.SizeBytes) * 100
			}
			d.emitFileProgress(rec)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			f.Close()
			metDuration.Observe(time.Since(attemptStart).Seconds())
			metRequests.WithLabelValues("error", "read").Inc()
			return netErr(readErr, "read response body")
		}
	}
	if err := f.Close(); err != nil {
		return fatalErr(err, "close local file")
	}

	if !identity {
		d.compStats.Record(compression.Categorize(rec), resp.ContentLength, written)
	}
	metDuration.Observe(time.Since(attemptStart).Seconds())
	metRequests.WithLabelValues("ok", strconv.Itoa(resp.StatusCode)).Inc()
	return nil
}

// verifyTransfer gates completion behind a size check and, when enabled, a
// full content-hash check.
func (d *Downloader) verifyTransfer(rec *state.FileRecord, localPath string) error {
	fi, err := os.Stat(localPath)
	if err != nil {
		return errors.Wrap(err, "stat downloaded file")
	}
	if rec.SizeBytes > 0 && fi.Size() != rec.SizeBytes {
		return errors.Errorf("size mismatch: expected %d, got %d", rec.SizeBytes, fi.Size())
	}
	if !d.cfg.VerifyIntegrity || rec.ContentHash == "" {
		return nil
	}
	if verify.DetectAlgorithm(rec.ContentHash) == verify.AlgoUnknown {
		return nil
	}
	digest, err := verify.HashFile(localPath, rec.ContentHash)
	if err != nil {
		return err
	}
	if !verify.Matches(rec.ContentHash, digest) {
		return errors.Errorf("hash mismatch: expected %s, got %s", rec.ContentHash, digest)
	}
	rec.CalculatedHash = digest
	rec.HashVerify = state.VerifySuccess
	rec.HashVerifiedAt = time.Now().Format(time.RFC3339)
	return nil
}

func (d *Downloader) completeRecord(rec *state.FileRecord, localPath, msg string) {
	rec.MarkCompleted(localPath)
	rec.UpdateDiskMetadata(localPath)
	if d.filter != nil {
		d.filter.Add(rec.LocalName())
	}
	d.emitter.Emit(events.ProgressEvent{
		Kind: events.KindFileProgress, Filename: rec.Filename, Percent: 100,
	})
	d.emitter.Emit(events.ProgressEvent{
		Kind: events.KindFileCompleted, Filename: rec.Filename, Success: true, Message: msg,
	})
}

func (d *Downloader) emitFileProgress(rec *state.FileRecord) {
	d.emitter.Emit(events.ProgressEvent{
		Kind:     events.KindFileProgress,
		Filename: rec.Filename,
		Percent:  rec.Progress,
	})
}

// sizeProfile summarizes the to-download set for the adaptive formulas.
func sizeProfile(cfg config.Settings, records []*state.FileRecord) config.SizeProfile {
	if len(records) == 0 {
		return config.SizeProfile{}
	}
	var large, small, jsonN, image int
	for _, r := range records {
		if r.SizeBytes > cfg.LargeFileThreshold {
			large++
		}
		if r.SizeBytes > 0 && r.SizeBytes < cfg.SmallFileThreshold {
			small++
		}
		switch r.Extension() {
		case ".json":
			jsonN++
		case ".png", ".jpg", ".jpeg":
			image++
		}
	}
	n := float64(len(records))
	return config.SizeProfile{
		LargeRatio: float64(large) / n,
		SmallRatio: float64(small) / n,
		JSONRatio:  float64(jsonN) / n,
		ImageRatio: float64(image) / n,
	}
}
