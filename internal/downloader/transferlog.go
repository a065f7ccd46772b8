package downloader

import (
	"encoding/json"
	"io"
	"sync"
)

// TransferRecord describes one processed file in the transfer log (JSONL).
type TransferRecord struct {
	SchemaVersion int    `json:"schema_version"`
	Filename      string `json:"filename"`
	URL           string `json:"url"`
	Path          string `json:"path"`
	Size          int64  `json:"size"`
	Hash          string `json:"hash"`
	Resumed       bool   `json:"resumed,omitempty"`
	StartedAt     string `json:"started_at"`
	FinishedAt    string `json:"finished_at"`
	OK            bool   `json:"ok"`
	Error         string `json:"error,omitempty"`
	Retries       int    `json:"retries,omitempty"`
}

// SafeWriter provides serialized writes for the transfer log.
type SafeWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewSafeWriter wraps w for concurrent use.
func NewSafeWriter(w io.Writer) *SafeWriter {
	if w == nil {
		return nil
	}
	return &SafeWriter{w: w}
}

func (sw *SafeWriter) Write(p []byte) (int, error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.w.Write(p)
}

func (sw *SafeWriter) writeRecord(rec TransferRecord) {
	if sw == nil {
		return
	}
	enc, err := json.Marshal(rec)
	if err != nil {
		return
	}
	sw.Write(append(enc, '\n'))
}
