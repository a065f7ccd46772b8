// Package existence decides which manifest entries are already satisfied on
// disk, cheapest evidence first: a Bloom prefilter, then a
// reliability-scored metadata cache, then a full directory scan.
package existence

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/semaphore"

	"github.com/yoyicue/2simply-dlc-manager/internal/bloomfilter"
	"github.com/yoyicue/2simply-dlc-manager/internal/config"
	"github.com/yoyicue/2simply-dlc-manager/internal/events"
	"github.com/yoyicue/2simply-dlc-manager/internal/state"
)

// checkProgressEvery throttles progress events during classification loops.
const checkProgressEvery = 200

// Checker partitions a record set into present-on-disk and must-fetch.
type Checker struct {
	cfg     config.Settings
	filter  *bloomfilter.FileFilter
	emitter *events.Emitter
}

// NewChecker wires the tiers together. filter and emitter may be nil.
func NewChecker(cfg config.Settings, filter *bloomfilter.FileFilter, emitter *events.Emitter) *Checker {
	return &Checker{cfg: cfg, filter: filter, emitter: emitter}
}

// Partition classifies every record as existing or needing download. The
// two slices always cover the input exactly. Records still PENDING are
// never trusted from cache alone — a prior run may have died before its
// state was saved — so they always reach a real disk check.
func (c *Checker) Partition(ctx context.Context, records []*state.FileRecord, dir string) (existing, toDownload []*state.FileRecord, err error) {
	if len(records) == 0 {
		return nil, nil, nil
	}

	// Tier 1: Bloom prefilter. Negatives are guaranteed new.
	candidates := records
	if c.filter != nil && c.filter.Valid() {
		likely, definitelyNew := c.filter.Prefilter(records)
		candidates = likely
		toDownload = append(toDownload, definitelyNew...)
		slog.Debug("bloom_prefilter", "likely_existing", len(likely), "definitely_new", len(definitelyNew))
	}
	if len(candidates) == 0 {
		return existing, toDownload, nil
	}

	// Tier 2/3 selection from a sampled reliability score.
	report := state.AnalyzeCacheReliability(records, dir,
		c.cfg.ReliabilitySampleRatio, c.cfg.CacheFreshnessWindow,
		c.cfg.CacheReliableThreshold, c.cfg.IncrementalThreshold)
	c.emitter.Log(fmt.Sprintf("cache reliability %.2f (%d/%d sampled) → %s",
		report.Score, report.StillValid, report.Sampled, report.Recommendation))
	slog.Info("cache_reliability", "score", report.Score, "sampled", report.Sampled, "recommendation", report.Recommendation)

	var found []*state.FileRecord
	var missing []*state.FileRecord
	switch report.Recommendation {
	case state.RecommendCacheReliable:
		found, missing, err = c.cacheBasedCheck(ctx, candidates, dir)
	case state.RecommendIncrementalCheck:
		found, missing, err = c.smartIncrementalCheck(ctx, candidates, dir)
	default:
		found, missing, err = c.fullScanCheck(ctx, candidates, dir)
	}
	if err != nil {
		return nil, nil, err
	}
	existing = append(existing, found...)
	toDownload = append(toDownload, missing...)
	c.emitter.Emit(events.ProgressEvent{Kind: events.KindCheckProgress, Percent: 100})
	return existing, toDownload, nil
}

// cacheBasedCheck trusts fresh disk-verified records, with a lightweight
// existence re-stat as a safety net, and disk-checks everything else.
func (c *Checker) cacheBasedCheck(ctx context.Context, records []*state.FileRecord, dir string) (existing, toDownload []*state.FileRecord, err error) {
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		path := filepath.Join(dir, rec.LocalName())
		if rec.Status == state.StatusCompleted && rec.DiskVerified && c.fresh(rec) {
			if _, statErr := os.Stat(path); statErr == nil {
				existing = append(existing, rec)
			} else {
				toDownload = append(toDownload, rec)
			}
		} else if c.onDisk(rec, path) {
			existing = append(existing, rec)
		} else {
			toDownload = append(toDownload, rec)
		}
		c.progress(i, len(records))
	}
	return existing, toDownload, nil
}

// smartIncrementalCheck cache-trusts records whose metadata still fully
// validates and re-checks the uncertain remainder on a bounded worker pool.
func (c *Checker) smartIncrementalCheck(ctx context.Context, records []*state.FileRecord, dir string) (existing, toDownload []*state.FileRecord, err error) {
	var uncertain []*state.FileRecord
	for _, rec := range records {
		path := filepath.Join(dir, rec.LocalName())
		if rec.Status == state.StatusCompleted && rec.CacheValid(path, c.cfg.CacheFreshnessWindow) {
			existing = append(existing, rec)
		} else {
			uncertain = append(uncertain, rec)
		}
	}
	if len(uncertain) == 0 {
		return existing, toDownload, nil
	}

	type verdict struct {
		rec *state.FileRecord
		ok  bool
	}
	sem := semaphore.NewWeighted(int64(c.cfg.IncrementalCheckWorkers))
	checked := len(existing)
	total := len(records)
	for _, batch := range lo.Chunk(uncertain, c.cfg.IncrementalCheckBatch) {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		verdicts := make(chan verdict, len(batch))
		for _, rec := range batch {
			if err := sem.Acquire(ctx, 1); err != nil {
				return nil, nil, err
			}
			go func(rec *state.FileRecord) {
				defer sem.Release(1)
				ok := c.onDisk(rec, filepath.Join(dir, rec.LocalName()))
				verdicts <- verdict{rec, ok}
			}(rec)
		}
		for range batch {
			v := <-verdicts
			if v.ok {
				existing = append(existing, v.rec)
			} else {
				toDownload = append(toDownload, v.rec)
			}
			checked++
			c.progress(checked, total)
		}
	}
	return existing, toDownload, nil
}

// fullScanCheck walks the output directory once in a background goroutine,
// building a name→size map, then classifies records against it. One
// readdir beats fifty thousand stats.
func (c *Checker) fullScanCheck(ctx context.Context, records []*state.FileRecord, dir string) (existing, toDownload []*state.FileRecord, err error) {
	type scanResult struct {
		sizes map[string]int64
		err   error
	}
	scanCh := make(chan scanResult, 1)
	go func() {
		sizes := make(map[string]int64)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				scanCh <- scanResult{sizes: sizes}
				return
			}
			scanCh <- scanResult{err: err}
			return
		}
		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				continue
			}
			if info, err := entry.Info(); err == nil {
				sizes[entry.Name()] = info.Size()
			}
		}
		scanCh <- scanResult{sizes: sizes}
	}()

	var scanned scanResult
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case scanned = <-scanCh:
	}
	if scanned.err != nil {
		return nil, nil, scanned.err
	}

	now := time.Now()
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		size, ok := scanned.sizes[rec.LocalName()]
		if ok && (rec.SizeBytes == 0 || size == rec.SizeBytes) {
			existing = append(existing, rec)
		} else {
			toDownload = append(toDownload, rec)
		}
		c.progress(i, len(records))
	}
	slog.Debug("full_scan", "dir", dir, "entries", len(scanned.sizes), "elapsed", time.Since(now).String())
	return existing, toDownload, nil
}

// onDisk is the real disk check: present with a matching size (size
// unknown counts as a match).
func (c *Checker) onDisk(rec *state.FileRecord, path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return rec.SizeBytes == 0 || fi.Size() == rec.SizeBytes
}

func (c *Checker) fresh(rec *state.FileRecord) bool {
	if rec.LastCheckedAt == "" {
		return false
	}
	checked, err := time.Parse(time.RFC3339, rec.LastCheckedAt)
	return err == nil && time.Since(checked) <= c.cfg.CacheFreshnessWindow
}

func (c *Checker) progress(done, total int) {
	if total == 0 {
		return
	}
	if done%checkProgressEvery == 0 || done == total-1 {
		c.emitter.Emit(events.ProgressEvent{
			Kind:    events.KindCheckProgress,
			Percent: float64(done) / float64(total) * 100,
		})
	}
}
