// Package manifest parses the filename→hash mapping that defines the
// desired asset set and reconciles it with previously persisted state.
package manifest

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/yoyicue/2simply-dlc-manager/internal/state"
)

// ErrParse wraps any malformed-manifest condition so callers can abort the
// whole load with errors.Is.
var ErrParse = errors.New("manifest parse error")

// DiffCounts classifies a freshly loaded manifest against prior state.
type DiffCounts struct {
	New      int
	Existing int
	Updated  int
	Removed  int
}

// LoadMapping reads a manifest file and returns one PENDING record per
// entry. Known malformed-export patterns (a trailing comma or a dangling
// brace before the closing one) are cleaned up before parsing.
func LoadMapping(path string) ([]*state.FileRecord, error) {
	mapping, err := readMapping(path)
	if err != nil {
		return nil, err
	}
	records := make([]*state.FileRecord, 0, len(mapping))
	for filename, hash := range mapping {
		records = append(records, state.NewRecord(filename, hash))
	}
	return records, nil
}

// LoadMappingWithDiff loads a manifest and merges it with prior records,
// keyed by (filename, hash). Identical keys keep their prior record so
// status and verification survive reloads; a filename whose hash changed is
// always classified as updated and reset to PENDING, never merged with the
// old hash's record. Removed counts prior keys absent from the new
// manifest; nothing is deleted from disk.
func LoadMappingWithDiff(path string, prior []*state.FileRecord) ([]*state.FileRecord, DiffCounts, error) {
	mapping, err := readMapping(path)
	if err != nil {
		return nil, DiffCounts{}, err
	}

	type key struct{ filename, hash string }
	priorByKey := make(map[key]*state.FileRecord, len(prior))
	priorNames := make(map[string]struct{}, len(prior))
	for _, r := range prior {
		priorByKey[key{r.Filename, r.ContentHash}] = r
		priorNames[r.Filename] = struct{}{}
	}

	merged := make([]*state.FileRecord, 0, len(mapping))
	var diff DiffCounts
	for filename, hash := range mapping {
		k := key{filename, hash}
		if rec, ok := priorByKey[k]; ok {
			merged = append(merged, rec)
			diff.Existing++
			continue
		}
		if _, seen := priorNames[filename]; seen {
			diff.Updated++
		} else {
			diff.New++
		}
		merged = append(merged, state.NewRecord(filename, hash))
	}
	for k := range priorByKey {
		if mapping[k.filename] != k.hash {
			diff.Removed++
		}
	}
	return merged, diff, nil
}

func readMapping(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read manifest %s", path)
	}
	content := strings.TrimSpace(string(raw))

	// Some exporters leave a trailing comma (or an extra brace) behind the
	// last entry. Strip those before handing the document to the parser.
	if strings.HasSuffix(content, ",}") {
		content = content[:len(content)-2] + "}"
	} else if strings.HasSuffix(content, ",") {
		content = content[:len(content)-1]
	}
	if strings.HasSuffix(content, "}}") && strings.Count(content, "{") == 1 {
		content = content[:len(content)-1]
	}

	var mapping map[string]string
	if err := json.Unmarshal([]byte(content), &mapping); err != nil {
		return nil, errors.Wrapf(ErrParse, "manifest %s: %v", path, err)
	}
	return mapping, nil
}
