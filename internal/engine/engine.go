// Package engine drives the external reconstruction engine's command line.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/abdul-hamid-achik/sfmimport/internal/config"
	"github.com/abdul-hamid-achik/sfmimport/internal/logger"
	"github.com/abdul-hamid-achik/sfmimport/internal/report"
)

// Subcommands of the engine executable.
const (
	CmdMatchesImporter  = "matches_importer"
	CmdMapper           = "mapper"
	CmdModelConverter   = "model_converter"
	CmdImageUndistorter = "image_undistorter"
	CmdPatchMatchStereo = "patch_match_stereo"
	CmdStereoFusion     = "stereo_fusion"
	CmdModelAnalyzer    = "model_analyzer"
)

// tailSize bounds how much output an ExitError keeps.
const tailSize = 2048

// ExitError reports an engine subcommand that failed to run or exited
// non-zero.
type ExitError struct {
	Subcommand string
	// Code is the exit status, or -1 when the process never exited normally.
	Code   int
	Output string
	Err    error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("engine %s failed (exit %d): %v", e.Subcommand, e.Code, e.Err)
	if e.Output != "" {
		msg += "\n" + e.Output
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Engine invokes engine subcommands with the flags configured in
// config.EngineConfig.
type Engine struct {
	cfg    *config.Config
	runner Runner
}

// New creates an Engine. A nil runner runs real processes.
func New(cfg *config.Config, runner Runner) *Engine {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Engine{cfg: cfg, runner: runner}
}

// MatchesImporter imports the pair manifest and runs geometric verification.
func (e *Engine) MatchesImporter(ctx context.Context, databasePath, manifestPath string) error {
	_, err := e.run(ctx, CmdMatchesImporter,
		"--database_path", databasePath,
		"--match_list_path", manifestPath,
		"--match_type", "pairs")
	return err
}

// Mapper runs the sparse reconstruction into outputPath.
func (e *Engine) Mapper(ctx context.Context, databasePath, imagePath, outputPath string) error {
	m := e.cfg.Engine.Mapper
	_, err := e.run(ctx, CmdMapper,
		"--database_path", databasePath,
		"--image_path", imagePath,
		"--output_path", outputPath,
		"--Mapper.init_min_num_inliers", strconv.Itoa(m.InitMinNumInliers),
		"--Mapper.init_max_reproj_error", report.FormatFloat(m.InitMaxReprojError),
		"--Mapper.ba_global_max_refinements", strconv.Itoa(m.BAGlobalMaxRefinements),
		"--Mapper.ba_global_max_num_iterations", strconv.Itoa(m.BAGlobalMaxNumIterations),
		"--Mapper.num_threads", strconv.Itoa(NumThreads(ctx, e.cfg.Engine.MaxThreads)))
	return err
}

// ModelConverter writes the model at inputPath as text files into outputPath.
func (e *Engine) ModelConverter(ctx context.Context, inputPath, outputPath string) error {
	_, err := e.run(ctx, CmdModelConverter,
		"--input_path", inputPath,
		"--output_path", outputPath,
		"--output_type", "TXT")
	return err
}

// ImageUndistorter prepares the dense workspace for a sparse model.
func (e *Engine) ImageUndistorter(ctx context.Context, imagePath, modelPath, workspace string) error {
	_, err := e.run(ctx, CmdImageUndistorter,
		"--image_path", imagePath,
		"--input_path", modelPath,
		"--output_path", workspace,
		"--max_image_size", strconv.Itoa(e.cfg.Engine.Dense.MaxImageSize))
	return err
}

// PatchMatchStereo computes depth maps in workspace.
func (e *Engine) PatchMatchStereo(ctx context.Context, workspace string) error {
	_, err := e.run(ctx, CmdPatchMatchStereo,
		"--workspace_path", workspace,
		"--PatchMatchStereo.geom_consistency", strconv.FormatBool(e.cfg.Engine.Dense.GeomConsistency))
	return err
}

// StereoFusion fuses the depth maps into a point cloud at outputPath.
func (e *Engine) StereoFusion(ctx context.Context, workspace, outputPath string) error {
	d := e.cfg.Engine.Dense
	_, err := e.run(ctx, CmdStereoFusion,
		"--workspace_path", workspace,
		"--input_type", d.FusionInputType,
		"--output_path", outputPath,
		"--StereoFusion.min_num_pixels", strconv.Itoa(d.FusionMinPixels))
	return err
}

// ModelAnalyzer returns the textual statistics report for a sparse model.
func (e *Engine) ModelAnalyzer(ctx context.Context, modelPath string) (string, error) {
	out, err := e.run(ctx, CmdModelAnalyzer, "--path", modelPath)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (e *Engine) run(ctx context.Context, subcommand string, flags ...string) ([]byte, error) {
	if timeout := e.cfg.Engine.Timeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	args := append([]string{subcommand}, flags...)
	logger.Info("running engine", "subcommand", subcommand)
	logger.Debug("engine command", "exe", e.cfg.Executable(), "args", strings.Join(args, " "))

	start := time.Now()
	out, err := e.runner.Run(ctx, e.cfg.Executable(), args...)
	if err != nil {
		exitErr := &ExitError{Subcommand: subcommand, Code: -1, Output: tail(out), Err: err}
		var procErr *exec.ExitError
		if errors.As(err, &procErr) {
			exitErr.Code = procErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			exitErr.Err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return out, exitErr
	}

	logger.Debug("engine finished", "subcommand", subcommand, "duration", time.Since(start))
	return out, nil
}

// NumThreads returns the logical CPU count capped at max. A non-positive max
// leaves the count uncapped.
func NumThreads(ctx context.Context, max int) int {
	n, err := cpu.CountsWithContext(ctx, true)
	if err != nil || n <= 0 {
		n = runtime.NumCPU()
	}
	if max > 0 && n > max {
		return max
	}
	return n
}

func tail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > tailSize {
		s = "..." + s[len(s)-tailSize:]
	}
	return s
}
