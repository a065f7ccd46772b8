// Package session owns one run's shared objects: the record set, the
// persisted state store, the bloom prefilter, and the event channel. All
// cross-component state threads through a Session value so two sessions
// can coexist in one process.
package session

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/yoyicue/2simply-dlc-manager/internal/bloomfilter"
	"github.com/yoyicue/2simply-dlc-manager/internal/config"
	"github.com/yoyicue/2simply-dlc-manager/internal/events"
	"github.com/yoyicue/2simply-dlc-manager/internal/manifest"
	"github.com/yoyicue/2simply-dlc-manager/internal/state"
)

// Session is the explicit container for one manifest's lifecycle. It is not
// safe for concurrent mutation; the downloader and verifier receive the
// record slice and coordinate their own workers.
type Session struct {
	ID        string
	Config    config.Settings
	Emitter   *events.Emitter
	Bloom     *bloomfilter.FileFilter
	store     *state.Store
	records   []*state.FileRecord
	outputDir string
}

// New builds an empty session around a state file path.
func New(cfg config.Settings, statePath string, eventBuf int) *Session {
	store := state.NewStore(statePath)
	store.CompressOver = cfg.CompressStateOverEntries
	return &Session{
		ID:      uuid.NewString(),
		Config:  cfg,
		Emitter: events.NewEmitter(eventBuf),
		Bloom:   bloomfilter.New(cfg.BloomExpectedItems, cfg.BloomFalsePositiveRate),
		store:   store,
	}
}

// Records returns the live record slice. Callers mutate records in place;
// Save persists whatever they hold.
func (s *Session) Records() []*state.FileRecord { return s.records }

// OutputDir returns the directory the loaded state was downloaded into.
func (s *Session) OutputDir() string { return s.outputDir }

// SetOutputDir records where this session's files live.
func (s *Session) SetOutputDir(dir string) { s.outputDir = dir }

// Load reads persisted state and rebuilds the bloom prefilter from it.
// A missing state file yields an empty session, not an error.
func (s *Session) Load() error {
	records, outDir, err := s.store.Load()
	if err != nil {
		return errors.Wrap(err, "load state")
	}
	s.records = records
	if outDir != "" {
		s.outputDir = outDir
	}
	s.Bloom.Rebuild(s.records)
	slog.Info("session_loaded", "session", s.ID, "records", len(s.records), "bloom_items", s.Bloom.Items())
	return nil
}

// Save persists the current record set. Long record sets are written in
// cooperative chunks so a host event loop is not starved.
func (s *Session) Save(ctx context.Context) error {
	return s.store.Save(ctx, s.records, s.outputDir)
}

// ClearState removes the persisted state file and empties the session.
func (s *Session) ClearState() error {
	if err := s.store.Clear(); err != nil {
		return err
	}
	s.records = nil
	s.Bloom.Rebuild(nil)
	return nil
}

// ApplyManifest merges a filename-to-hash manifest into the session,
// preserving progress for unchanged entries and resetting records whose
// hash changed upstream.
func (s *Session) ApplyManifest(path string) (manifest.DiffCounts, error) {
	records, diff, err := manifest.LoadMappingWithDiff(path, s.records)
	if err != nil {
		return diff, err
	}
	s.records = records
	s.Bloom.Rebuild(s.records)
	slog.Info("manifest_applied", "session", s.ID,
		"new", diff.New, "existing", diff.Existing, "updated", diff.Updated, "removed", diff.Removed)
	return diff, nil
}

// Statistics returns record counts grouped by status.
func (s *Session) Statistics() map[state.DownloadStatus]int {
	return state.Statistics(s.records)
}

// TotalSizes returns the known total and downloaded byte counts.
func (s *Session) TotalSizes() (total, downloaded int64) {
	return state.TotalSizes(s.records)
}

// Filter returns records matching a status and/or a filename substring.
func (s *Session) Filter(status state.DownloadStatus, search string) []*state.FileRecord {
	return state.Filter(s.records, status, search)
}

// Pending returns records a download run should consider: everything not
// already completed or deliberately skipped.
func (s *Session) Pending() []*state.FileRecord {
	out := make([]*state.FileRecord, 0, len(s.records))
	for _, r := range s.records {
		switch r.Status {
		case state.StatusCompleted, state.StatusSkipped:
		default:
			out = append(out, r)
		}
	}
	return out
}

// RequeueFailed resets FAILED records to PENDING and reports how many.
func (s *Session) RequeueFailed() int {
	return s.requeue(func(r *state.FileRecord) bool {
		return r.Status == state.StatusFailed
	})
}

// RequeueVerifyFailed resets VERIFY_FAILED records to PENDING.
func (s *Session) RequeueVerifyFailed() int {
	return s.requeue(func(r *state.FileRecord) bool {
		return r.Status == state.StatusVerifyFailed
	})
}

// MarkForRedownload resets the named records regardless of their current
// status and reports how many were found.
func (s *Session) MarkForRedownload(filenames []string) int {
	want := make(map[string]struct{}, len(filenames))
	for _, f := range filenames {
		want[f] = struct{}{}
	}
	return s.requeue(func(r *state.FileRecord) bool {
		_, ok := want[r.Filename]
		return ok
	})
}

func (s *Session) requeue(match func(*state.FileRecord) bool) int {
	n := 0
	for _, r := range s.records {
		if match(r) {
			r.ResetProgress()
			n++
		}
	}
	if n > 0 {
		// The filter may now claim files that will be re-fetched; rebuild
		// so the existence pass sends them straight to download.
		s.Bloom.Rebuild(s.records)
	}
	return n
}

// StaleCompleted returns completed records whose disk check is older than
// the freshness window, candidates for re-verification. A successful verify
// refreshes the disk metadata and drops the record from this set.
func (s *Session) StaleCompleted() []*state.FileRecord {
	var out []*state.FileRecord
	for _, r := range s.records {
		if r.Status != state.StatusCompleted {
			continue
		}
		path := filepath.Join(s.outputDir, r.LocalName())
		if !r.CacheValid(path, s.Config.CacheFreshnessWindow) {
			out = append(out, r)
		}
	}
	return out
}

// Close releases the event channel. Call after all workers have stopped.
func (s *Session) Close() { s.Emitter.Close() }
