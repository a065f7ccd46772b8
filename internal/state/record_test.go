package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLocalName(t *testing.T) {
	r := NewRecord("intro_song.json", "abc123")
	if got := r.LocalName(); got != "intro_song-abc123.json" {
		t.Fatalf("LocalName: got %q", got)
	}
	r = NewRecord("Theme.MP3", "FF00")
	if got := r.Extension(); got != ".mp3" {
		t.Fatalf("Extension should lower-case: got %q", got)
	}
	if got := r.LocalName(); got != "Theme-FF00.mp3" {
		t.Fatalf("LocalName: got %q", got)
	}
	// No extension at all.
	r = NewRecord("README", "aa")
	if got := r.LocalName(); got != "README-aa" {
		t.Fatalf("LocalName without extension: got %q", got)
	}
}

func TestIsBinary(t *testing.T) {
	if !NewRecord("a.png", "h").IsBinary() {
		t.Fatalf("png should be binary")
	}
	if !NewRecord("b.MP3", "h").IsBinary() {
		t.Fatalf("mp3 should be binary")
	}
	if NewRecord("c.json", "h").IsBinary() {
		t.Fatalf("json should not be binary")
	}
}

func TestResetProgress(t *testing.T) {
	r := NewRecord("a.json", "h")
	r.Status = StatusVerifyFailed
	r.Progress = 42
	r.Downloaded = 1000
	r.ErrorMsg = "hash mismatch"
	r.HashVerify = VerifyFailed
	r.CalculatedHash = "deadbeef"

	r.ResetProgress()
	if r.Status != StatusPending || r.Progress != 0 || r.Downloaded != 0 {
		t.Fatalf("reset left transfer state: %+v", r)
	}
	if r.ErrorMsg != "" || r.HashVerify != VerifyNotVerified || r.CalculatedHash != "" {
		t.Fatalf("reset left verification state: %+v", r)
	}
}

func TestMarkCompletedStats(t *testing.T) {
	dir := t.TempDir()
	r := NewRecord("a.json", "h")
	path := filepath.Join(dir, r.LocalName())
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}
	r.MarkCompleted(path)
	if r.Status != StatusCompleted || r.Progress != 100 {
		t.Fatalf("mark completed: %+v", r)
	}
	if r.SizeBytes != 10 || r.Downloaded != 10 {
		t.Fatalf("sizes from stat: %d/%d", r.SizeBytes, r.Downloaded)
	}
	if r.LocalPath != path {
		t.Fatalf("local path: %q", r.LocalPath)
	}
}

func TestCacheValid(t *testing.T) {
	dir := t.TempDir()
	r := NewRecord("a.json", "h")
	path := filepath.Join(dir, r.LocalName())
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	if r.CacheValid(path, time.Hour) {
		t.Fatalf("unverified record must not be cache-valid")
	}
	r.UpdateDiskMetadata(path)
	if !r.CacheValid(path, time.Hour) {
		t.Fatalf("fresh metadata should be cache-valid")
	}

	// Expired window.
	r.LastCheckedAt = time.Now().Add(-2 * time.Hour).Format(time.RFC3339)
	if r.CacheValid(path, time.Hour) {
		t.Fatalf("expired window must invalidate cache")
	}

	// Size change invalidates even inside the window.
	r.UpdateDiskMetadata(path)
	if err := os.WriteFile(path, []byte("data-changed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if r.CacheValid(path, time.Hour) {
		t.Fatalf("size change must invalidate cache")
	}

	// Missing file.
	r.UpdateDiskMetadata(path)
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if r.CacheValid(path, time.Hour) {
		t.Fatalf("missing file must invalidate cache")
	}

	// Old schema version.
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	r.UpdateDiskMetadata(path)
	r.CacheVersion = "0.9"
	if r.CacheValid(path, time.Hour) {
		t.Fatalf("old cache version must invalidate cache")
	}
}
