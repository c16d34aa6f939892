// Package fsext scans an input directory for video files the orchestrator
// can turn into tasks: case-insensitive extension matching, deduplicated
// and sorted so batch creation is deterministic across runs.
package fsext

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ScanVideos lists the regular files directly under dir whose extension
// (case-insensitively) is in extensions. Results are deduplicated by
// absolute path and sorted lexicographically by filename so dispatch order
// is deterministic.
func ScanVideos(dir string, extensions []string) ([]string, error) {
	allowed := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		allowed[strings.ToLower(ext)] = true
	}

	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !allowed[ext] {
			continue
		}
		abs := filepath.Join(dir, e.Name())
		if seen[abs] {
			continue
		}
		seen[abs] = true
		out = append(out, abs)
	}

	sort.Strings(out)
	return out, nil
}
