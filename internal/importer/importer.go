// Package importer loads externally computed keypoints and pairwise matches
// into the reconstruction engine's database.
package importer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	gitignore "github.com/sabhiram/go-gitignore"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/abdul-hamid-achik/sfmimport/internal/config"
	"github.com/abdul-hamid-achik/sfmimport/internal/db"
	"github.com/abdul-hamid-achik/sfmimport/internal/logger"
	"github.com/abdul-hamid-achik/sfmimport/internal/matrix"
	"github.com/abdul-hamid-achik/sfmimport/internal/pairkey"
)

const (
	keypointCols = 4
	matchCols    = 2

	// ignoreFile holds extra gitignore-style patterns inside the matches
	// directory.
	ignoreFile = ".sfmignore"
)

// Stage identifies which half of the import is running.
type Stage string

const (
	StageKeypoints Stage = "keypoints"
	StageMatches   Stage = "matches"
)

// Progress represents import progress information.
type Progress struct {
	Stage     Stage
	Total     int
	Done      int
	Current   string
	StartTime time.Time
}

// ProgressCallback is called during the import to report progress.
type ProgressCallback func(Progress)

// Summary describes the distribution of match counts over imported pairs.
type Summary struct {
	Count  int     `json:"count"`
	Total  int64   `json:"total"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Result contains the outcome of one import run.
type Result struct {
	Schema            db.Schema     `json:"schema"`
	Images            int           `json:"images"`
	Keypoints         int           `json:"keypoints"`
	MatchFiles        int           `json:"match_files"`
	Pairs             []Pair        `json:"pairs"`
	SkippedDuplicates int           `json:"skipped_duplicates"`
	MatchSummary      Summary       `json:"match_summary"`
	ManifestPath      string        `json:"manifest_path"`
	Duration          time.Duration `json:"duration"`
}

// Importer runs the clear / keypoints / matches / manifest protocol against
// one dataset.
type Importer struct {
	db       *db.DB
	cfg      *config.Config
	progress ProgressCallback
}

// New creates an Importer for the dataset described by cfg.
func New(database *db.DB, cfg *config.Config) *Importer {
	return &Importer{db: database, cfg: cfg}
}

// SetProgressCallback sets a callback for progress updates.
func (imp *Importer) SetProgressCallback(cb ProgressCallback) {
	imp.progress = cb
}

// Run clears previous features, imports keypoints for every registered image
// and matches for every match file, then writes the pair manifest.
//
// Each row is committed as soon as it is inserted, so a failure leaves the
// rows written before it in place. Any error aborts the run and no Result is
// returned.
func (imp *Importer) Run(ctx context.Context) (*Result, error) {
	start := time.Now()

	lock, err := db.AcquireLock(imp.db.Path())
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	result := &Result{
		Schema:       imp.db.Schema(),
		ManifestPath: imp.cfg.ManifestPath(),
	}
	logger.Info("importing features", "dataset", imp.cfg.DatasetPath, "schema", result.Schema)

	if err := imp.db.ClearFeatures(ctx); err != nil {
		return nil, err
	}

	images, err := imp.db.ImageIDs(ctx)
	if err != nil {
		return nil, err
	}
	result.Images = len(images)

	if err := imp.importKeypoints(ctx, images, result); err != nil {
		return nil, err
	}

	counts, err := imp.importMatches(ctx, images, result)
	if err != nil {
		return nil, err
	}
	result.MatchSummary = summarize(counts)

	if err := WriteManifest(result.ManifestPath, result.Pairs); err != nil {
		return nil, err
	}

	result.Duration = time.Since(start)
	logger.Info("import complete",
		"images", result.Images,
		"pairs", len(result.Pairs),
		"skipped_duplicates", result.SkippedDuplicates,
		"duration", result.Duration)
	return result, nil
}

func (imp *Importer) importKeypoints(ctx context.Context, images map[string]int64, result *Result) error {
	names := make([]string, 0, len(images))
	for name := range images {
		names = append(names, name)
	}
	sort.Strings(names)

	progress := Progress{Stage: StageKeypoints, Total: len(names), StartTime: time.Now()}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}

		progress.Current = name
		imp.report(progress)
		logger.Debug("importing keypoints", "image", name)

		keypoints, err := imp.readFeatures(name)
		if err != nil {
			return err
		}
		if err := imp.db.InsertKeypoints(ctx, images[name], keypoints); err != nil {
			return err
		}

		result.Keypoints++
		progress.Done++
	}
	imp.report(progress)
	return nil
}

// readFeatures loads the keypoints of an image and checks them against its
// descriptors. Descriptors are only read for the row check.
func (imp *Importer) readFeatures(name string) (*matrix.Matrix[float32], error) {
	keypointPath := imp.cfg.KeypointPath(name)
	keypoints, err := matrix.ReadFile[float32](keypointPath)
	if err != nil {
		return nil, fmt.Errorf("read keypoints: %w", err)
	}
	descriptors, err := matrix.ReadFile[float32](imp.cfg.DescriptorPath(name))
	if err != nil {
		return nil, fmt.Errorf("read descriptors: %w", err)
	}

	if keypoints.Cols != keypointCols {
		return nil, &ShapeError{
			Path:   keypointPath,
			Rows:   keypoints.Rows,
			Cols:   keypoints.Cols,
			Reason: fmt.Sprintf("keypoints need %d columns", keypointCols),
		}
	}
	if keypoints.Rows != descriptors.Rows {
		return nil, &ShapeError{
			Path:   keypointPath,
			Rows:   keypoints.Rows,
			Cols:   keypoints.Cols,
			Reason: fmt.Sprintf("descriptors have %d rows", descriptors.Rows),
		}
	}
	return keypoints, nil
}

func (imp *Importer) importMatches(ctx context.Context, images map[string]int64, result *Result) ([]float64, error) {
	files, err := imp.discoverMatches()
	if err != nil {
		return nil, err
	}
	result.MatchFiles = len(files)

	seen := make(map[int64]struct{}, len(files))
	var counts []float64

	progress := Progress{Stage: StageMatches, Total: len(files), StartTime: time.Now()}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		progress.Current = filepath.Base(path)
		imp.report(progress)
		progress.Done++

		pair, err := imp.parsePairName(path)
		if err != nil {
			return nil, err
		}
		logger.Debug("importing matches", "image1", pair.Name1, "image2", pair.Name2)

		id1, ok := images[pair.Name1]
		if !ok {
			return nil, &LookupError{File: path, Name: pair.Name1}
		}
		id2, ok := images[pair.Name2]
		if !ok {
			return nil, &LookupError{File: path, Name: pair.Name2}
		}

		pairID, err := pairkey.EncodeChecked(id1, id2)
		if err != nil {
			return nil, fmt.Errorf("pair key for %s: %w", progress.Current, err)
		}
		if _, dup := seen[pairID]; dup {
			logger.Debug("skipping duplicate pair", "file", progress.Current)
			result.SkippedDuplicates++
			continue
		}

		matches, err := matrix.ReadFile[uint32](path)
		if err != nil {
			return nil, fmt.Errorf("read matches: %w", err)
		}
		if matches.Cols != matchCols {
			return nil, &ShapeError{
				Path:   path,
				Rows:   matches.Rows,
				Cols:   matches.Cols,
				Reason: fmt.Sprintf("matches need %d columns", matchCols),
			}
		}

		if err := imp.db.InsertMatches(ctx, pairID, matches); err != nil {
			return nil, err
		}
		seen[pairID] = struct{}{}
		result.Pairs = append(result.Pairs, pair)
		counts = append(counts, float64(matches.Rows))
	}
	imp.report(progress)
	return counts, nil
}

// discoverMatches lists <matches>/*<sep>*<ext> in lexical order, minus files
// matched by the configured ignore patterns or the directory's .sfmignore.
func (imp *Importer) discoverMatches() ([]string, error) {
	dir := imp.cfg.MatchesPath()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list match files: %w", err)
	}

	ignore := imp.buildIgnoreMatcher(dir)
	ext := imp.cfg.Import.Extension
	sep := imp.cfg.Import.PairSeparator

	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ext) {
			continue
		}
		if !strings.Contains(strings.TrimSuffix(name, ext), sep) {
			continue
		}
		if ignore.MatchesPath(name) {
			logger.Debug("ignoring match file", "file", name)
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}

// buildIgnoreMatcher builds a gitignore-style matcher for match files.
func (imp *Importer) buildIgnoreMatcher(dir string) *gitignore.GitIgnore {
	patterns := make([]string, len(imp.cfg.Import.IgnorePatterns))
	copy(patterns, imp.cfg.Import.IgnorePatterns)

	if content, err := os.ReadFile(filepath.Join(dir, ignoreFile)); err == nil {
		for _, line := range strings.Split(string(content), "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "#") {
				patterns = append(patterns, line)
			}
		}
	}
	return gitignore.CompileIgnoreLines(patterns...)
}

func (imp *Importer) parsePairName(path string) (Pair, error) {
	stem := strings.TrimSuffix(filepath.Base(path), imp.cfg.Import.Extension)
	names := strings.Split(stem, imp.cfg.Import.PairSeparator)
	if len(names) != 2 || names[0] == "" || names[1] == "" {
		return Pair{}, fmt.Errorf("%s: %w", path, ErrPairName)
	}
	return Pair{Name1: names[0], Name2: names[1]}, nil
}

func (imp *Importer) report(p Progress) {
	if imp.progress != nil {
		imp.progress(p)
	}
}

func summarize(counts []float64) Summary {
	s := Summary{Count: len(counts)}
	if len(counts) == 0 {
		return s
	}

	s.Total = int64(floats.Sum(counts))
	s.Min = floats.Min(counts)
	s.Max = floats.Max(counts)
	if len(counts) == 1 {
		s.Mean = counts[0]
		return s
	}
	s.Mean, s.StdDev = stat.MeanStdDev(counts, nil)
	return s
}
