package state

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// MetadataVersion is bumped whenever the persisted layout changes.
const MetadataVersion = "2.0"

// saveChunk is how many records are marshalled between cooperative yields.
const saveChunk = 2000

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Store persists the full record set as a JSON document, transparently
// zstd-compressed once the set grows past CompressOver entries.
type Store struct {
	Path         string
	CompressOver int
}

// NewStore returns a store writing to path.
func NewStore(path string) *Store {
	return &Store{Path: path, CompressOver: 20_000}
}

// DefaultStatePath resolves the per-user location of the state file,
// falling back to the working directory when no config dir exists.
func DefaultStatePath(appName, filename string) string {
	base, err := os.UserConfigDir()
	if err != nil {
		return filename
	}
	dir := filepath.Join(base, appName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return filename
	}
	return filepath.Join(dir, filename)
}

type stateHeader struct {
	OutputDir       string `json:"outputDir"`
	MetadataVersion string `json:"metadataVersion"`
	LastFullScan    string `json:"lastFullScan,omitempty"`
	TotalFiles      int    `json:"totalFiles"`
}

type stateFile struct {
	stateHeader
	Files []*FileRecord `json:"files"`
}

// Load reads the persisted state. A missing file yields an empty set.
func (s *Store) Load() ([]*FileRecord, string, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", nil
		}
		return nil, "", errors.Wrapf(err, "read state file %s", s.Path)
	}
	if bytes.HasPrefix(raw, zstdMagic) {
		dec, err := zstd.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, "", errors.Wrap(err, "open zstd state reader")
		}
		defer dec.Close()
		raw, err = io.ReadAll(dec)
		if err != nil {
			return nil, "", errors.Wrap(err, "decompress state file")
		}
	}
	var sf stateFile
	if err := json.Unmarshal(raw, &sf); err != nil {
		return nil, "", errors.Wrapf(err, "parse state file %s", s.Path)
	}
	for _, r := range sf.Files {
		if r.Status == "" {
			r.Status = StatusPending
		}
		if r.HashVerify == "" {
			r.HashVerify = VerifyNotVerified
		}
	}
	slog.Debug("state loaded", "files", len(sf.Files), "version", sf.MetadataVersion)
	return sf.Files, sf.OutputDir, nil
}

// Save writes the full record set atomically (temp file + rename). Large
// sets are serialized in chunks with cooperative yields so a host event
// loop stays responsive, and use compact encoding to bound CPU and I/O.
func (s *Store) Save(ctx context.Context, records []*FileRecord, outputDir string) error {
	start := time.Now()
	hdr := stateHeader{
		OutputDir:       outputDir,
		MetadataVersion: MetadataVersion,
		LastFullScan:    time.Now().Format(time.RFC3339),
		TotalFiles:      len(records),
	}

	var buf bytes.Buffer
	header, err := json.Marshal(hdr)
	if err != nil {
		return errors.Wrap(err, "encode state header")
	}
	// Splice the files array into the header object manually so each chunk
	// of records can be marshalled separately.
	buf.Write(header[:len(header)-1])
	buf.WriteString(`,"files":[`)

	compact := len(records) > 5000
	for i, chunk := range lo.Chunk(records, saveChunk) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		for j, rec := range chunk {
			if i+j > 0 {
				buf.WriteByte(',')
			}
			var enc []byte
			var err error
			if compact {
				enc, err = json.Marshal(rec)
			} else {
				enc, err = json.MarshalIndent(rec, "    ", "  ")
			}
			if err != nil {
				return errors.Wrapf(err, "encode record %s", rec.Filename)
			}
			buf.Write(enc)
		}
		runtime.Gosched()
	}
	buf.WriteString("]}")

	tmp := s.Path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return errors.Wrap(err, "create state directory")
	}
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "create state temp file %s", tmp)
	}
	w := bufio.NewWriterSize(f, 1<<20)
	if s.CompressOver > 0 && len(records) >= s.CompressOver {
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			f.Close()
			return errors.Wrap(err, "open zstd state writer")
		}
		if _, err := zw.Write(buf.Bytes()); err != nil {
			zw.Close()
			f.Close()
			return errors.Wrap(err, "write compressed state")
		}
		if err := zw.Close(); err != nil {
			f.Close()
			return errors.Wrap(err, "flush compressed state")
		}
	} else if _, err := w.Write(buf.Bytes()); err != nil {
		f.Close()
		return errors.Wrap(err, "write state")
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrap(err, "flush state")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close state file")
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "replace state file %s", s.Path)
	}
	slog.Debug("state saved",
		"files", len(records),
		"bytes", humanize.Bytes(uint64(buf.Len())),
		"elapsed", time.Since(start).String())
	return nil
}

// Clear deletes the persisted state file.
func (s *Store) Clear() error {
	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove state file %s", s.Path)
	}
	return nil
}

// Statistics counts records per status in one pass. Cheap enough per batch;
// callers throttle to batch boundaries rather than per file.
func Statistics(records []*FileRecord) map[DownloadStatus]int {
	return lo.CountValuesBy(records, func(r *FileRecord) DownloadStatus {
		return r.Status
	})
}

// TotalSizes returns the expected total and the downloaded byte counts.
func TotalSizes(records []*FileRecord) (total, downloaded int64) {
	for _, r := range records {
		total += r.SizeBytes
		downloaded += r.Downloaded
	}
	return total, downloaded
}

// Filter narrows records by status and by a case-insensitive substring of
// the filename or hash. An empty status or search matches everything.
func Filter(records []*FileRecord, status DownloadStatus, search string) []*FileRecord {
	search = strings.ToLower(search)
	return lo.Filter(records, func(r *FileRecord, _ int) bool {
		if status != "" && r.Status != status {
			return false
		}
		if search == "" {
			return true
		}
		return strings.Contains(strings.ToLower(r.Filename), search) ||
			strings.Contains(strings.ToLower(r.ContentHash), search)
	})
}

// ReliabilityReport is the result of sampling the disk-metadata cache.
type ReliabilityReport struct {
	Score          float64
	Sampled        int
	StillValid     int
	Recommendation string
}

// Existence-check recommendations produced by AnalyzeCacheReliability.
const (
	RecommendCacheReliable    = "cache_reliable"
	RecommendIncrementalCheck = "incremental_check"
	RecommendFullScan         = "full_scan"
)

// AnalyzeCacheReliability re-stats a random sample of COMPLETED and
// disk-verified records and scores how many still hold. The sample trades a
// small chance of stale data for skipping an O(n) scan on every run.
func AnalyzeCacheReliability(records []*FileRecord, dir string, sampleRatio float64, window time.Duration, reliableAt, incrementalAt float64) ReliabilityReport {
	pool := lo.Filter(records, func(r *FileRecord, _ int) bool {
		return r.Status == StatusCompleted && r.DiskVerified
	})
	if len(pool) == 0 {
		return ReliabilityReport{Recommendation: RecommendFullScan}
	}
	n := int(float64(len(pool)) * sampleRatio)
	if n < 10 {
		n = 10
	}
	if n > len(pool) {
		n = len(pool)
	}
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

	valid := 0
	for _, r := range pool[:n] {
		if r.CacheValid(filepath.Join(dir, r.LocalName()), window) {
			valid++
		}
	}
	score := float64(valid) / float64(n)
	rep := ReliabilityReport{Score: score, Sampled: n, StillValid: valid}
	switch {
	case score >= reliableAt:
		rep.Recommendation = RecommendCacheReliable
	case score >= incrementalAt:
		rep.Recommendation = RecommendIncrementalCheck
	default:
		rep.Recommendation = RecommendFullScan
	}
	return rep
}
