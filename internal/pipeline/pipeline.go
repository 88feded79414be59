// Package pipeline sequences the import and the engine's sparse and dense
// reconstruction stages for one dataset.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/sfmimport/internal/config"
	"github.com/abdul-hamid-achik/sfmimport/internal/db"
	"github.com/abdul-hamid-achik/sfmimport/internal/engine"
	"github.com/abdul-hamid-achik/sfmimport/internal/importer"
	"github.com/abdul-hamid-achik/sfmimport/internal/logger"
	"github.com/abdul-hamid-achik/sfmimport/internal/report"
)

// FusedCloudFile is the point cloud written into the dense workspace.
const FusedCloudFile = "fused.ply"

// Stage names used in Result.Stages.
const (
	StageImport          = "import"
	StageMatchesImporter = engine.CmdMatchesImporter
	StageMapper          = engine.CmdMapper
	StageModelSelection  = "model_selection"
	StageUndistorter     = engine.CmdImageUndistorter
	StagePatchMatch      = engine.CmdPatchMatchStereo
	StageFusion          = engine.CmdStereoFusion
	StageAnalyzer        = engine.CmdModelAnalyzer
)

// Model is one sparse model produced by the mapper.
type Model struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Images int    `json:"images"`
}

// StageTiming records how long one stage took.
type StageTiming struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration"`
}

// Result is the outcome of a pipeline run. When the mapper produced no usable
// model, NoModel is set and Reconstruction is nil; that is not an error.
type Result struct {
	RunID          string                 `json:"run_id"`
	Dataset        string                 `json:"dataset"`
	StartedAt      time.Time              `json:"started_at"`
	Import         *importer.Result       `json:"import"`
	Schema         db.Schema              `json:"schema"`
	Matching       report.Matching        `json:"matching"`
	Models         []Model                `json:"models"`
	Reconstruction *report.Reconstruction `json:"reconstruction,omitempty"`
	NoModel        bool                   `json:"no_model"`
	Stages         []StageTiming          `json:"stages"`
	Duration       time.Duration          `json:"duration"`
}

// Driver runs the full pipeline for the dataset in its config.
type Driver struct {
	cfg      *config.Config
	engine   *engine.Engine
	progress importer.ProgressCallback
	log      *slog.Logger
}

// NewDriver creates a Driver. The engine decides how subcommands execute.
func NewDriver(cfg *config.Config, eng *engine.Engine) *Driver {
	return &Driver{cfg: cfg, engine: eng}
}

// SetProgressCallback forwards import progress to cb.
func (d *Driver) SetProgressCallback(cb importer.ProgressCallback) {
	d.progress = cb
}

// Run executes import, matches import, statistics read-back, mapping, model
// selection and, when a model exists, the dense stages and analysis. The
// result is also saved to the dataset's report file.
func (d *Driver) Run(ctx context.Context) (*Result, error) {
	result := &Result{
		RunID:     uuid.NewString(),
		Dataset:   d.cfg.DatasetName(),
		StartedAt: time.Now(),
	}
	d.log = logger.L().With("run_id", result.RunID)
	d.log.Info("starting pipeline", "dataset", d.cfg.DatasetPath)

	if err := d.stage(result, StageImport, func() error {
		imported, err := d.importFeatures(ctx)
		result.Import = imported
		return err
	}); err != nil {
		return nil, err
	}

	if err := d.stage(result, StageMatchesImporter, func() error {
		return d.engine.MatchesImporter(ctx, d.cfg.DatabasePath(), d.cfg.ManifestPath())
	}); err != nil {
		return nil, err
	}

	if err := d.readMatching(ctx, result); err != nil {
		return nil, err
	}

	sparse := d.cfg.SparsePath()
	for _, dir := range []string{sparse, d.cfg.DensePath()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if err := d.stage(result, StageMapper, func() error {
		return d.engine.Mapper(ctx, d.cfg.DatabasePath(), d.cfg.ImagesPath(), sparse)
	}); err != nil {
		return nil, err
	}

	var largest *Model
	if err := d.stage(result, StageModelSelection, func() error {
		models, err := d.convertModels(ctx, sparse)
		result.Models = models
		largest = SelectLargest(models)
		return err
	}); err != nil {
		return nil, err
	}

	if largest == nil || largest.Images == 0 {
		d.log.Warn("no model reconstructed", "models", len(result.Models))
		result.NoModel = true
		return d.finish(result)
	}

	recon, err := d.dense(ctx, result, largest)
	if err != nil {
		return nil, err
	}
	result.Reconstruction = recon
	return d.finish(result)
}

func (d *Driver) importFeatures(ctx context.Context) (*importer.Result, error) {
	database, err := db.Open(ctx, d.cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	defer database.Close()

	imp := importer.New(database, d.cfg)
	imp.SetProgressCallback(d.progress)
	return imp.Run(ctx)
}

// readMatching reads back verification statistics written by the engine's
// matches import.
func (d *Driver) readMatching(ctx context.Context, result *Result) error {
	database, err := db.Open(ctx, d.cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer database.Close()

	stats, err := database.Stats(ctx)
	if err != nil {
		return err
	}
	result.Schema = stats.Schema
	result.Matching = MatchingFromStats(stats)
	d.log.Info("matches verified",
		"images", stats.Images,
		"inlier_pairs", stats.VerifiedPairs,
		"inlier_matches", stats.VerifiedMatches)
	return nil
}

// convertModels converts every model under sparse to text and reads its
// registered image count. Models are returned in directory order.
func (d *Driver) convertModels(ctx context.Context, sparse string) ([]Model, error) {
	entries, err := os.ReadDir(sparse)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}

	var models []Model
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(sparse, entry.Name())
		if err := d.engine.ModelConverter(ctx, path, path); err != nil {
			return models, err
		}
		n, err := report.ParseImageCount(path)
		if err != nil {
			return models, fmt.Errorf("model %s: %w", entry.Name(), err)
		}
		d.log.Debug("model converted", "model", entry.Name(), "images", n)
		models = append(models, Model{Name: entry.Name(), Path: path, Images: n})
	}
	return models, nil
}

// SelectLargest returns the model with the most registered images. Ties go
// to the first model. It returns nil for no models.
func SelectLargest(models []Model) *Model {
	var largest *Model
	for i := range models {
		if largest == nil || models[i].Images > largest.Images {
			largest = &models[i]
		}
	}
	return largest
}

func (d *Driver) dense(ctx context.Context, result *Result, model *Model) (*report.Reconstruction, error) {
	workspace := filepath.Join(d.cfg.DensePath(), model.Name)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	fused := filepath.Join(workspace, FusedCloudFile)
	d.log.Info("dense reconstruction", "model", model.Name, "images", model.Images)

	steps := []struct {
		name string
		run  func() error
	}{
		{StageUndistorter, func() error {
			return d.engine.ImageUndistorter(ctx, d.cfg.ImagesPath(), model.Path, workspace)
		}},
		{StagePatchMatch, func() error { return d.engine.PatchMatchStereo(ctx, workspace) }},
		{StageFusion, func() error { return d.engine.StereoFusion(ctx, workspace, fused) }},
	}
	for _, step := range steps {
		if err := d.stage(result, step.name, step.run); err != nil {
			return nil, err
		}
	}

	recon := &report.Reconstruction{Model: model.Name}
	if err := d.stage(result, StageAnalyzer, func() error {
		out, err := d.engine.ModelAnalyzer(ctx, model.Path)
		if err != nil {
			return err
		}
		recon.ModelStats, err = report.ParseModelStats(strings.NewReader(out))
		if err != nil {
			return err
		}
		recon.DensePoints, err = report.ParsePLYVertexCount(fused)
		return err
	}); err != nil {
		return nil, err
	}
	return recon, nil
}

// stage runs fn and records its duration, also on failure.
func (d *Driver) stage(result *Result, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	result.Stages = append(result.Stages, StageTiming{Stage: name, Duration: time.Since(start)})
	if err != nil {
		d.log.Error("stage failed", "stage", name, "error", err)
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (d *Driver) finish(result *Result) (*Result, error) {
	result.Duration = time.Since(result.StartedAt)
	if err := SaveResult(d.cfg.ReportPath(), result); err != nil {
		return nil, err
	}
	d.log.Info("pipeline complete", "no_model", result.NoModel, "duration", result.Duration)
	return result, nil
}

// MatchingFromStats converts database statistics into report form.
func MatchingFromStats(stats *db.Stats) report.Matching {
	return report.Matching{
		Images:        stats.Images,
		InlierPairs:   stats.VerifiedPairs,
		InlierMatches: stats.VerifiedMatches,
	}
}
