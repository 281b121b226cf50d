package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

var summaryNameRe = regexp.MustCompile(`^ITER_SUMMARY_(\d+)\.json$`)

// ReadSummaries loads every ITER_SUMMARY_*.json under dir in iteration
// order. Files that fail to decode are skipped with their error collected
// into the returned slice's gap; a completely empty directory is an error.
func ReadSummaries(dir string) ([]IterSummary, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan summaries in %s: %w", dir, err)
	}

	type numbered struct {
		n    int
		path string
	}
	var files []numbered
	for _, e := range entries {
		m := summaryNameRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		files = append(files, numbered{n: n, path: filepath.Join(dir, e.Name())})
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no ITER_SUMMARY_*.json files in %s", dir)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].n < files[j].n })

	summaries := make([]IterSummary, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f.path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.path, err)
		}
		var s IterSummary
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.path, err)
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}
