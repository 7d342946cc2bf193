// Package feed reads ordered market data events from files.
package feed

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rewired-gh/mmsim/internal/models"
)

// Source yields one security's events in timestamp order, in batches.
type Source interface {
	// Name identifies the source in logs, usually the file path.
	Name() string
	// Next returns up to n events. It returns io.EOF once the source is
	// exhausted; a final partial batch is returned with a nil error.
	Next(ctx context.Context, n int) ([]models.Event, error)
	Close() error
}

// Discover expands glob patterns (with ** support) into a sorted, de-duplicated
// file list.
func Discover(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("failed to match pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			m = filepath.Clean(m)
			if seen[m] {
				continue
			}
			seen[m] = true
			files = append(files, m)
		}
	}
	sort.Strings(files)
	return files, nil
}

// SecurityFromPath derives a symbol from a file name: "data/ADCB_2025.csv" -> "ADCB".
func SecurityFromPath(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if i := strings.IndexAny(base, "_-. "); i > 0 {
		base = base[:i]
	}
	return strings.ToUpper(base)
}

// SliceSource serves events from memory.
type SliceSource struct {
	name   string
	events []models.Event
	pos    int
}

func NewSliceSource(name string, events []models.Event) *SliceSource {
	return &SliceSource{name: name, events: events}
}

func (s *SliceSource) Name() string { return s.name }

func (s *SliceSource) Next(ctx context.Context, n int) ([]models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.events) {
		return nil, io.EOF
	}
	if n <= 0 {
		n = 1
	}
	end := min(s.pos+n, len(s.events))
	batch := s.events[s.pos:end]
	s.pos = end
	return batch, nil
}

func (s *SliceSource) Close() error { return nil }
