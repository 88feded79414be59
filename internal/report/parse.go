// Package report parses the engine's text outputs and formats pipeline
// statistics.
package report

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrNoCount is returned when a model or point cloud carries no count header.
var ErrNoCount = errors.New("count header not found")

// ModelStats holds the model_analyzer summary of a sparse model.
type ModelStats struct {
	RegisteredImages         int     `json:"registered_images"`
	Points                   int     `json:"points"`
	Observations             int     `json:"observations"`
	MeanTrackLength          float64 `json:"mean_track_length"`
	MeanObservationsPerImage float64 `json:"mean_observations_per_image"`
	MeanReprojError          float64 `json:"mean_reproj_error"`
}

// ParseModelStats extracts the known keys from model_analyzer output. Lines
// may carry a log prefix ending in "] ". Missing keys stay zero.
func ParseModelStats(r io.Reader) (ModelStats, error) {
	var s ModelStats
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := stripLogPrefix(strings.TrimSpace(scanner.Text()))
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		last := fields[len(fields)-1]

		var err error
		switch {
		case strings.HasPrefix(line, "Registered images"):
			s.RegisteredImages, err = strconv.Atoi(last)
		case strings.HasPrefix(line, "Points"):
			s.Points, err = strconv.Atoi(last)
		case strings.HasPrefix(line, "Observations"):
			s.Observations, err = strconv.Atoi(last)
		case strings.HasPrefix(line, "Mean track length"):
			s.MeanTrackLength, err = strconv.ParseFloat(last, 64)
		case strings.HasPrefix(line, "Mean observations per image"):
			s.MeanObservationsPerImage, err = strconv.ParseFloat(last, 64)
		case strings.HasPrefix(line, "Mean reprojection error"):
			s.MeanReprojError, err = strconv.ParseFloat(strings.TrimSuffix(last, "px"), 64)
		}
		if err != nil {
			return s, fmt.Errorf("parse %q: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return s, fmt.Errorf("read model stats: %w", err)
	}
	return s, nil
}

func stripLogPrefix(line string) string {
	if i := strings.Index(line, "] "); i >= 0 && i < 64 && !strings.HasPrefix(line, "[") {
		return line[i+2:]
	}
	return line
}

// ParseImageCount returns the number of registered images of a text model in
// dir. It reads the "# Number of images: N, ..." header of images.txt and
// falls back to the "# Number of cameras: N" header of cameras.txt when
// images.txt is absent.
func ParseImageCount(dir string) (int, error) {
	n, err := headerCount(filepath.Join(dir, "images.txt"), "# Number of images:")
	if errors.Is(err, os.ErrNotExist) {
		return headerCount(filepath.Join(dir, "cameras.txt"), "# Number of cameras:")
	}
	return n, err
}

func headerCount(path, prefix string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "#") {
			break
		}
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		value := strings.TrimSpace(strings.TrimPrefix(line, prefix))
		value, _, _ = strings.Cut(value, ",")
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", path, err)
		}
		return n, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	return 0, fmt.Errorf("%s: %w", path, ErrNoCount)
}

// ParsePLYVertexCount reads the "element vertex N" line of a PLY header.
func ParsePLYVertexCount(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open point cloud: %w", err)
	}
	defer f.Close()

	// Binary PLY bodies follow the header, so stop at end_header.
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "element vertex") {
			fields := strings.Fields(trimmed)
			n, convErr := strconv.Atoi(fields[len(fields)-1])
			if convErr != nil {
				return 0, fmt.Errorf("parse %s: %w", path, convErr)
			}
			return n, nil
		}
		if trimmed == "end_header" || err != nil {
			if err != nil && !errors.Is(err, io.EOF) {
				return 0, fmt.Errorf("read %s: %w", path, err)
			}
			return 0, fmt.Errorf("%s: %w", path, ErrNoCount)
		}
	}
}
