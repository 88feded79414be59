package importer

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Pair is one imported match file, in filename order.
type Pair struct {
	Name1 string `json:"name1"`
	Name2 string `json:"name2"`
}

// WriteManifest writes one "name1 name2" line per pair. The file is the
// match list the engine's matches_importer consumes.
func WriteManifest(path string, pairs []Pair) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, p := range pairs {
		if _, err := fmt.Fprintf(w, "%s %s\n", p.Name1, p.Name2); err != nil {
			f.Close()
			return fmt.Errorf("write manifest: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write manifest: %w", err)
	}
	return f.Close()
}

// ReadManifest parses a manifest written by WriteManifest.
func ReadManifest(path string) ([]Pair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var pairs []Pair
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("manifest line %d: want 2 names, got %d", i+1, len(fields))
		}
		pairs = append(pairs, Pair{Name1: fields[0], Name2: fields[1]})
	}
	return pairs, nil
}
