// Package state owns the canonical per-file records and their persistence.
package state

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DownloadStatus is the per-file state machine. Values are the stable wire
// tags; display strings belong to whatever UI sits on top.
type DownloadStatus string

const (
	StatusPending      DownloadStatus = "pending"
	StatusDownloading  DownloadStatus = "downloading"
	StatusCompleted    DownloadStatus = "completed"
	StatusFailed       DownloadStatus = "failed"
	StatusCancelled    DownloadStatus = "cancelled"
	StatusSkipped      DownloadStatus = "skipped"
	StatusVerifyFailed DownloadStatus = "verify_failed"
)

// HashVerifyStatus tracks the outcome of content-hash verification,
// independently of the download lifecycle.
type HashVerifyStatus string

const (
	VerifyNotVerified HashVerifyStatus = "not_verified"
	VerifyInProgress  HashVerifyStatus = "verifying"
	VerifySuccess     HashVerifyStatus = "verified_success"
	VerifyFailed      HashVerifyStatus = "verified_failed"
)

// CacheSchemaVersion marks the disk-metadata field layout so stale caches
// from older builds are ignored.
const CacheSchemaVersion = "1.0"

// FileRecord is one manifest entry plus everything learned about it.
type FileRecord struct {
	Filename    string         `json:"filename"`
	ContentHash string         `json:"hash"`
	Status      DownloadStatus `json:"status"`
	Progress    float64        `json:"progress"`
	SizeBytes   int64          `json:"size,omitempty"`
	Downloaded  int64          `json:"downloaded_size,omitempty"`
	LocalPath   string         `json:"local_path,omitempty"`
	ErrorMsg    string         `json:"error_message,omitempty"`
	DownloadURL string         `json:"download_url,omitempty"`

	// Disk-metadata cache
	MTimeUnix     int64  `json:"mtime,omitempty"`
	DiskVerified  bool   `json:"disk_verified,omitempty"`
	LastCheckedAt string `json:"last_checked,omitempty"`
	CacheVersion  string `json:"cache_version,omitempty"`

	// Hash verification
	HashVerify     HashVerifyStatus `json:"hash_verify_status,omitempty"`
	HashVerifiedAt string           `json:"hash_verified_at,omitempty"`
	CalculatedHash string           `json:"calculated_hash,omitempty"`
}

// NewRecord returns a PENDING record for a manifest entry.
func NewRecord(filename, hash string) *FileRecord {
	return &FileRecord{
		Filename:     filename,
		ContentHash:  hash,
		Status:       StatusPending,
		CacheVersion: CacheSchemaVersion,
		HashVerify:   VerifyNotVerified,
	}
}

// Extension returns the lower-cased filename extension, dot included.
func (r *FileRecord) Extension() string {
	return strings.ToLower(filepath.Ext(r.Filename))
}

// BaseName returns the filename with its extension stripped.
func (r *FileRecord) BaseName() string {
	name := filepath.Base(r.Filename)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// LocalName is the on-disk name: base name with the content hash embedded.
// Hash changes therefore never collide with stale copies.
func (r *FileRecord) LocalName() string {
	return r.BaseName() + "-" + r.ContentHash + r.Extension()
}

var binaryExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".bmp": {}, ".webp": {},
	".ico": {}, ".tiff": {}, ".svg": {},
	".mp3": {}, ".wav": {}, ".m4a": {}, ".aac": {}, ".flac": {}, ".ogg": {},
	".wma": {}, ".opus": {},
	".mp4": {}, ".avi": {}, ".mov": {}, ".wmv": {}, ".flv": {}, ".webm": {},
	".mkv": {}, ".m4v": {},
	".zip": {}, ".rar": {}, ".7z": {}, ".tar": {}, ".gz": {}, ".pdf": {},
	".exe": {}, ".dll": {},
}

// IsBinary reports whether the file should be streamed as raw bytes rather
// than handled as UTF-8 text.
func (r *FileRecord) IsBinary() bool {
	_, ok := binaryExtensions[r.Extension()]
	return ok
}

// ResetProgress returns the record to PENDING, clearing transfer state and
// any prior verification verdict.
func (r *FileRecord) ResetProgress() {
	r.Status = StatusPending
	r.Progress = 0
	r.Downloaded = 0
	r.ErrorMsg = ""
	r.HashVerify = VerifyNotVerified
	r.HashVerifiedAt = ""
	r.CalculatedHash = ""
}

// MarkCompleted records a finished transfer (or a confirmed on-disk copy).
func (r *FileRecord) MarkCompleted(localPath string) {
	r.Status = StatusCompleted
	r.Progress = 100
	r.LocalPath = localPath
	r.ErrorMsg = ""
	if fi, err := os.Stat(localPath); err == nil {
		r.SizeBytes = fi.Size()
		r.Downloaded = fi.Size()
	}
}

// MarkFailed records the final error after retries are exhausted.
func (r *FileRecord) MarkFailed(msg string) {
	r.Status = StatusFailed
	r.ErrorMsg = msg
}

// MarkSkipped records an explicit policy skip. Files found on disk are
// marked COMPLETED instead; SKIPPED always means "deliberately not fetched".
func (r *FileRecord) MarkSkipped(reason string) {
	r.Status = StatusSkipped
	r.ErrorMsg = reason
}

// UpdateDiskMetadata refreshes the cached stat fields from disk.
func (r *FileRecord) UpdateDiskMetadata(path string) {
	fi, err := os.Stat(path)
	if err != nil {
		r.DiskVerified = false
		return
	}
	r.MTimeUnix = fi.ModTime().Unix()
	r.SizeBytes = fi.Size()
	r.DiskVerified = true
	r.LastCheckedAt = time.Now().Format(time.RFC3339)
	r.CacheVersion = CacheSchemaVersion
}

// CacheValid reports whether the disk-metadata cache can still be trusted:
// checked within the freshness window, file still present, and both mtime
// and size unchanged.
func (r *FileRecord) CacheValid(path string, window time.Duration) bool {
	if !r.DiskVerified || r.LastCheckedAt == "" || r.CacheVersion != CacheSchemaVersion {
		return false
	}
	checked, err := time.Parse(time.RFC3339, r.LastCheckedAt)
	if err != nil || time.Since(checked) > window {
		return false
	}
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.ModTime().Unix() == r.MTimeUnix && fi.Size() == r.SizeBytes
}
