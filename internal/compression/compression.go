// Package compression picks transfer-encoding request headers per file
// category and decodes Content-Encoding response bodies. Text-like assets
// compress well and ask for it; already-compressed media is fetched as-is.
package compression

import (
	"compress/flate"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/yoyicue/2simply-dlc-manager/internal/state"
)

// Category buckets a file by how its bytes respond to compression.
type Category string

const (
	CategoryJSON  Category = "json"
	CategoryImage Category = "image"
	CategoryAudio Category = "audio"
	CategoryOther Category = "other"
)

// Categorize maps a record to its compression category by extension.
func Categorize(r *state.FileRecord) Category {
	switch r.Extension() {
	case ".json", ".txt", ".xml", ".csv", ".svg":
		return CategoryJSON
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp", ".ico", ".tiff":
		return CategoryImage
	case ".mp3", ".wav", ".m4a", ".aac", ".flac", ".ogg", ".wma", ".opus":
		return CategoryAudio
	default:
		return CategoryOther
	}
}

// RequestHeaders returns the Accept-Encoding value to send for a record.
// Media formats carry their own compression, so re-encoding them only
// burns server CPU; identity keeps the byte stream hash-stable too.
func RequestHeaders(r *state.FileRecord) map[string]string {
	switch Categorize(r) {
	case CategoryJSON:
		return map[string]string{"Accept-Encoding": "zstd, gzip, deflate"}
	case CategoryImage, CategoryAudio:
		return map[string]string{"Accept-Encoding": "identity"}
	default:
		// Video, archives and other binary formats are pre-compressed
		// just like image/audio, only bucketed separately for stats.
		if r.IsBinary() {
			return map[string]string{"Accept-Encoding": "identity"}
		}
		return map[string]string{"Accept-Encoding": "gzip, deflate"}
	}
}

// WrapBody returns a reader producing the decoded byte stream and a close
// function releasing any decoder state. Unknown encodings are an error;
// empty and "identity" pass the body through.
func WrapBody(body io.Reader, contentEncoding string) (io.Reader, func(), error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "", "identity":
		return body, func() {}, nil
	case "gzip", "x-gzip":
		gr, err := gzip.NewReader(body)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open gzip reader")
		}
		return gr, func() { gr.Close() }, nil
	case "deflate":
		fr := flate.NewReader(body)
		return fr, func() { fr.Close() }, nil
	case "zstd":
		zr, err := zstd.NewReader(body, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, nil, errors.Wrap(err, "open zstd reader")
		}
		return zr.IOReadCloser(), func() { zr.Close() }, nil
	default:
		return nil, nil, errors.Errorf("unsupported content encoding %q", contentEncoding)
	}
}

// Stats accumulates per-category transfer savings.
type Stats struct {
	mu         sync.Mutex
	byCategory map[Category]*categoryStats
}

type categoryStats struct {
	Files            int
	CompressedBytes  int64
	DecompressedSize int64
}

// NewStats returns an empty accumulator.
func NewStats() *Stats {
	return &Stats{byCategory: make(map[Category]*categoryStats)}
}

// Record notes one transfer's wire size versus decoded size.
func (s *Stats) Record(cat Category, compressed, decompressed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.byCategory[cat]
	if cs == nil {
		cs = &categoryStats{}
		s.byCategory[cat] = cs
	}
	cs.Files++
	cs.CompressedBytes += compressed
	cs.DecompressedSize += decompressed
}

// Summary reports overall savings as (wireBytes, decodedBytes, ratio).
func (s *Stats) Summary() (wire, decoded int64, ratio float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cs := range s.byCategory {
		wire += cs.CompressedBytes
		decoded += cs.DecompressedSize
	}
	if decoded > 0 {
		ratio = float64(wire) / float64(decoded)
	}
	return wire, decoded, ratio
}
