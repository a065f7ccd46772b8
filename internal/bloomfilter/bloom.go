// Package bloomfilter wraps a probabilistic membership filter over the set
// of files already confirmed complete on disk. A negative test is a
// guarantee the file was never completed; a positive only means the more
// expensive existence tiers need to look. False positives cost one extra
// check, never a wrong download.
package bloomfilter

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/yoyicue/2simply-dlc-manager/internal/state"
)

// FileFilter is the completed-file prefilter. It is rebuilt wholesale at
// state-load time and additionally receives inserts as files complete
// during a run; it never shrinks within a session.
type FileFilter struct {
	mu       sync.RWMutex
	filter   *bloom.BloomFilter
	expected uint
	fpRate   float64
	items    int
	builtAt  time.Time
	built    bool
}

// New sizes a filter for the expected item count and target false-positive
// rate (the underlying bit array is derived from both).
func New(expectedItems uint, falsePositiveRate float64) *FileFilter {
	if expectedItems == 0 {
		expectedItems = 50_000
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	return &FileFilter{
		filter:   bloom.NewWithEstimates(expectedItems, falsePositiveRate),
		expected: expectedItems,
		fpRate:   falsePositiveRate,
	}
}

// Rebuild resets the filter and inserts the local name of every record that
// is COMPLETED and disk-verified. Returns the number inserted.
func (f *FileFilter) Rebuild(records []*state.FileRecord) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Re-size upward if the record set outgrew the original estimate.
	expected := f.expected
	if uint(len(records)) > expected {
		expected = uint(len(records))
	}
	f.filter = bloom.NewWithEstimates(expected, f.fpRate)
	f.items = 0
	for _, r := range records {
		if r.Status == state.StatusCompleted && r.DiskVerified {
			f.filter.AddString(r.LocalName())
			f.items++
		}
	}
	f.builtAt = time.Now()
	f.built = true
	return f.items
}

// Add inserts a freshly completed file without waiting for a rebuild.
func (f *FileFilter) Add(localName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.built {
		return
	}
	f.filter.AddString(localName)
	f.items++
}

// Valid reports whether the filter has been built with at least one entry.
func (f *FileFilter) Valid() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.built && f.items > 0
}

// Items returns the number of inserted entries.
func (f *FileFilter) Items() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.items
}

// Prefilter partitions records into those the filter may know about and
// those it definitely does not. The second slice can skip all further
// existence checks and go straight to the download queue.
func (f *FileFilter) Prefilter(records []*state.FileRecord) (likelyExisting, definitelyNew []*state.FileRecord) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, r := range records {
		if f.built && f.filter.TestString(r.LocalName()) {
			likelyExisting = append(likelyExisting, r)
		} else {
			definitelyNew = append(definitelyNew, r)
		}
	}
	return likelyExisting, definitelyNew
}

// Info summarizes the filter for logs.
type Info struct {
	Expected uint
	Items    int
	BitsM    uint
	HashesK  uint
	BuiltAt  time.Time
}

// Stats returns the current filter geometry.
func (f *FileFilter) Stats() Info {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return Info{
		Expected: f.expected,
		Items:    f.items,
		BitsM:    f.filter.Cap(),
		HashesK:  f.filter.K(),
		BuiltAt:  f.builtAt,
	}
}
