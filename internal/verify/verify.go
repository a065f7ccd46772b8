// Package verify recomputes content hashes for downloaded assets in
// parallel and reconciles mismatches into the record set.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"

	"github.com/yoyicue/2simply-dlc-manager/internal/events"
	"github.com/yoyicue/2simply-dlc-manager/internal/state"
)

// Result is one file's verification outcome, streamed as it completes.
type Result struct {
	Filename   string
	Match      bool
	Expected   string
	Calculated string
	SizeBytes  int64
	Elapsed    time.Duration
	FromCache  bool
	Err        string
}

// Summary aggregates a verification run.
type Summary struct {
	Checked    int
	Matched    int
	Mismatched int
	Errored    int
	Bytes      int64
	Elapsed    time.Duration
}

// Verifier runs the parallel hash pool. Results are streamed through a
// callback, never accumulated, so memory stays flat at 50k+ files.
type Verifier struct {
	cache     *ResultCache
	emitter   *events.Emitter
	cancelled atomic.Bool
}

// NewVerifier returns a verifier. cache and emitter may both be nil.
func NewVerifier(cache *ResultCache, emitter *events.Emitter) *Verifier {
	return &Verifier{cache: cache, emitter: emitter}
}

// Cancel requests a cooperative stop: in-flight files finish, no new work
// starts.
func (v *Verifier) Cancel() { v.cancelled.Store(true) }

// OptimalWorkers sizes the pool from the core count, bounded so huge
// manifests don't turn into a thread stampede.
func OptimalWorkers(fileCount int) int {
	base := min(runtime.NumCPU()*4, 32)
	switch {
	case fileCount < 10:
		return max(1, min(fileCount, 4))
	case fileCount < 100:
		return min(base/2, 16)
	default:
		return base
	}
}

// optimalBatchSize shrinks batches as the set grows: small sets amortize
// scheduling with big batches, huge sets need small ones to bound per-batch
// memory and disk contention.
func optimalBatchSize(fileCount int) int {
	switch {
	case fileCount < 20:
		return max(1, min(fileCount, 10))
	case fileCount < 200:
		return min(50, fileCount)
	case fileCount < 1000:
		return 30
	case fileCount < 5000:
		return 20
	default:
		return 15
	}
}

// VerifyParallel hashes every record's local file against its expected
// digest. Matching records get fresh disk metadata; mismatches transition
// to VERIFY_FAILED but the file is left on disk for inspection.
func (v *Verifier) VerifyParallel(ctx context.Context, records []*state.FileRecord, dir string, onResult func(Result)) (Summary, error) {
	v.cancelled.Store(false)
	start := time.Now()
	var sum Summary
	if len(records) == 0 {
		return sum, nil
	}

	workers := OptimalWorkers(len(records))
	batchSize := optimalBatchSize(len(records))
	v.emitter.Log(fmt.Sprintf("verifying %d files with %d workers, batch size %d", len(records), workers, batchSize))
	slog.Info("verify_start", "files", len(records), "workers", workers, "batch", batchSize)

	var mu sync.Mutex
	completed := 0
	total := len(records)

	for _, batch := range lo.Chunk(records, batchSize) {
		if v.cancelled.Load() || ctx.Err() != nil {
			break
		}
		results := make(chan Result, len(batch))
		sem := make(chan struct{}, workers)
		var wg sync.WaitGroup
		for _, rec := range batch {
			if v.cancelled.Load() {
				break
			}
			wg.Add(1)
			sem <- struct{}{}
			go func(rec *state.FileRecord) {
				defer wg.Done()
				defer func() { <-sem }()
				results <- v.verifyOne(ctx, rec, dir)
			}(rec)
		}
		go func() {
			wg.Wait()
			close(results)
		}()

		for res := range results {
			mu.Lock()
			sum.Checked++
			switch {
			case res.Err != "":
				sum.Errored++
			case res.Match:
				sum.Matched++
				sum.Bytes += res.SizeBytes
			default:
				sum.Mismatched++
			}
			completed++
			done := completed
			mu.Unlock()

			if onResult != nil {
				onResult(res)
			}
			v.emitter.Emit(events.ProgressEvent{
				Kind:      events.KindFileCompleted,
				Filename:  res.Filename,
				Success:   res.Match && res.Err == "",
				Message:   res.Err,
				Completed: done,
				Total:     total,
			})
			v.emitter.Emit(events.ProgressEvent{
				Kind:      events.KindOverallProgress,
				Percent:   float64(done) / float64(total) * 100,
				Completed: done,
				Total:     total,
			})
		}
	}

	sum.Elapsed = time.Since(start)
	if !v.cancelled.Load() {
		rate := 0.0
		if sum.Elapsed > 0 {
			rate = float64(sum.Bytes) / sum.Elapsed.Seconds()
		}
		slog.Info("verify_done",
			"checked", sum.Checked, "matched", sum.Matched,
			"mismatched", sum.Mismatched, "errors", sum.Errored,
			"bytes", humanize.Bytes(uint64(sum.Bytes)),
			"throughput", humanize.Bytes(uint64(rate))+"/s",
			"elapsed", sum.Elapsed.String())
	}
	return sum, ctx.Err()
}

func (v *Verifier) verifyOne(ctx context.Context, rec *state.FileRecord, dir string) Result {
	start := time.Now()
	path := filepath.Join(dir, rec.LocalName())
	res := Result{Filename: rec.Filename, Expected: rec.ContentHash}

	rec.HashVerify = state.VerifyInProgress

	fi, err := os.Stat(path)
	if err != nil {
		rec.HashVerify = state.VerifyFailed
		rec.Status = state.StatusVerifyFailed
		res.Err = "file missing on disk"
		res.Elapsed = time.Since(start)
		return res
	}
	res.SizeBytes = fi.Size()

	digest := ""
	if v.cache != nil {
		if cached, err := v.cache.Get(ctx, path, fi.Size(), fi.ModTime().Unix()); err == nil && cached != "" {
			digest = cached
			res.FromCache = true
		}
	}
	if digest == "" {
		digest, err = HashFile(path, rec.ContentHash)
		if err != nil {
			rec.HashVerify = state.VerifyFailed
			res.Err = err.Error()
			res.Elapsed = time.Since(start)
			return res
		}
		if v.cache != nil {
			if err := v.cache.Put(ctx, path, fi.Size(), fi.ModTime().Unix(), digest); err != nil {
				slog.Warn("verify cache write failed", "path", path, "err", err)
			}
		}
	}

	res.Calculated = digest
	res.Match = Matches(rec.ContentHash, digest)
	res.Elapsed = time.Since(start)

	rec.CalculatedHash = digest
	rec.HashVerifiedAt = time.Now().Format(time.RFC3339)
	if res.Match {
		rec.HashVerify = state.VerifySuccess
		rec.UpdateDiskMetadata(path)
	} else {
		rec.HashVerify = state.VerifyFailed
		rec.Status = state.StatusVerifyFailed
	}
	return res
}
