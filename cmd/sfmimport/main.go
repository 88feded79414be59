package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/abdul-hamid-achik/sfmimport/internal/config"
	"github.com/abdul-hamid-achik/sfmimport/internal/db"
	"github.com/abdul-hamid-achik/sfmimport/internal/engine"
	"github.com/abdul-hamid-achik/sfmimport/internal/importer"
	"github.com/abdul-hamid-achik/sfmimport/internal/logger"
	"github.com/abdul-hamid-achik/sfmimport/internal/pipeline"
	"github.com/abdul-hamid-achik/sfmimport/internal/report"
	"github.com/abdul-hamid-achik/sfmimport/internal/version"
	"github.com/abdul-hamid-achik/sfmimport/internal/web"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "sfmimport",
	Short:   "Import features and matches into a COLMAP database and reconstruct",
	Version: version.Full(),
	Long: `sfmimport loads externally computed keypoints and pairwise matches into
the SQLite database of a COLMAP dataset, then runs COLMAP's matches import,
sparse and dense reconstruction and reports summary statistics.

A dataset directory holds database.db, images/, keypoints/<name>.bin,
descriptors/<name>.bin and matches/<name1>---<name2>.bin.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.SetVerbose(viper.GetBool("verbose"))
	},
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sfmimport %s\n", version.Version)
		fmt.Printf("  commit:  %s\n", version.Commit)
		fmt.Printf("  built:   %s\n", version.Date)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Import, reconstruct and print statistics",
	Long: `Run the full pipeline: import features and matches, run COLMAP's
matches_importer and mapper, pick the sparse model with the most registered
images, run the dense stages on it and print the statistics.

If no model is reconstructed the dense stages are skipped.`,
	RunE: runRun,
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import features and matches into the database",
	Long: `Clear the keypoints, descriptors, matches and geometry tables, then import
keypoints for every registered image and every match file, and write
image-pairs.txt.

With --engine, also run COLMAP's matches_importer and print the verified
pair statistics.`,
	RunE: runImport,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE:  runStats,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Reimport whenever feature or match files change",
	RunE:  runWatch,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP status API",
	Long: `Serve JSON endpoints for the dataset:

  /api/health    liveness and version
  /api/status    database statistics and lock state
  /api/report    last pipeline result
  /api/manifest  pairs of the last import`,
	RunE: runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage sfmimport configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration",
	Long: `Display the configuration resolved from all sources.

Configuration is loaded in the following order (lowest to highest priority):
1. Built-in defaults
2. Global defaults in ~/.sfmimport/config.yaml
3. <dataset>/sfmimport.yaml, or the file given with --config
4. <dataset>/.env
5. Environment variables (SFMIMPORT_*)
6. Command-line flags`,
	RunE: runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write sfmimport.yaml into the dataset",
	RunE:  runConfigInit,
}

func init() {
	rootCmd.SetVersionTemplate("sfmimport version {{.Version}}\n")

	// Global flags
	rootCmd.PersistentFlags().String("dataset-path", "", "dataset root, e.g. path/to/Fountain")
	rootCmd.PersistentFlags().String("colmap-path", "", "directory holding the colmap executable")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindEnv("verbose", logger.DebugEnv)

	importCmd.Flags().Bool("engine", false, "also run colmap matches_importer")
	importCmd.Flags().StringSlice("ignore", nil, "additional match file patterns to ignore")

	statsCmd.Flags().StringP("format", "f", "default", "output format (default, json)")
	runCmd.Flags().StringP("format", "f", "default", "output format (default, json)")

	serveCmd.Flags().IntP("port", "p", 0, "server port (default from config)")
	serveCmd.Flags().String("host", "", "server host (default from config)")

	configInitCmd.Flags().Bool("force", false, "overwrite an existing sfmimport.yaml")

	configCmd.AddCommand(configShowCmd, configInitCmd)
	rootCmd.AddCommand(versionCmd, runCmd, importCmd, statsCmd, watchCmd, serveCmd, configCmd)
}

// loadConfig resolves the configuration and applies the global flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	datasetPath, _ := flags.GetString("dataset-path")

	cfg, err := config.Load(datasetPath, viper.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if flags.Changed("colmap-path") {
		cfg.ColmapPath, _ = flags.GetString("colmap-path")
		cfg.ColmapPath = config.ExpandPath(cfg.ColmapPath)
	}
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM, which also stops any
// running engine process.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func progressPrinter(verbose bool) importer.ProgressCallback {
	return func(p importer.Progress) {
		if verbose && p.Current != "" {
			fmt.Printf("\r  %s %s (%d/%d)", p.Stage, p.Current, p.Done, p.Total)
		}
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ValidateEngine(); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	verbose := viper.GetBool("verbose")
	driver := pipeline.NewDriver(cfg, engine.New(cfg, nil))
	driver.SetProgressCallback(progressPrinter(verbose))

	fmt.Printf("Reconstructing %s...\n", cfg.DatasetPath)
	result, err := driver.Run(ctx)
	if verbose {
		fmt.Println()
	}
	if err != nil {
		return fmt.Errorf("pipeline failed: %w", err)
	}

	if format, _ := cmd.Flags().GetString("format"); format == "json" {
		return printJSON(result)
	}

	if err := report.WriteRaw(os.Stdout, result.Matching, result.Reconstruction); err != nil {
		return err
	}
	if result.NoModel {
		fmt.Println("Warning: Could not reconstruct any model")
		return nil
	}
	if err := report.WriteFormatted(os.Stdout, result.Dataset, result.Matching, result.Reconstruction); err != nil {
		return err
	}
	fmt.Println()
	report.WriteTable(os.Stdout, result.Dataset, result.Matching, result.Reconstruction)
	fmt.Printf("\nRun %s finished in %s\n", result.RunID, result.Duration.Round(time.Millisecond))
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	withEngine, _ := cmd.Flags().GetBool("engine")
	if withEngine {
		err = cfg.ValidateEngine()
	} else {
		err = cfg.Validate()
	}
	if err != nil {
		return err
	}

	extra, _ := cmd.Flags().GetStringSlice("ignore")
	cfg.Import.IgnorePatterns = append(cfg.Import.IgnorePatterns, extra...)

	ctx, cancel := signalContext()
	defer cancel()

	database, err := db.Open(ctx, cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	verbose := viper.GetBool("verbose")
	imp := importer.New(database, cfg)
	imp.SetProgressCallback(progressPrinter(verbose))

	fmt.Printf("Importing %s...\n", cfg.DatasetPath)
	fmt.Printf("  Schema: %s\n", database.Schema())

	result, err := imp.Run(ctx)
	if verbose {
		fmt.Println()
	}
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}

	fmt.Printf("\nImport complete:\n")
	fmt.Printf("  Images: %d\n", result.Images)
	fmt.Printf("  Keypoints imported: %d\n", result.Keypoints)
	fmt.Printf("  Match files: %d\n", result.MatchFiles)
	fmt.Printf("  Pairs imported: %d\n", len(result.Pairs))
	fmt.Printf("  Duplicates skipped: %d\n", result.SkippedDuplicates)
	if s := result.MatchSummary; s.Count > 0 {
		fmt.Printf("  Matches per pair: mean %.1f, stddev %.1f, min %.0f, max %.0f\n", s.Mean, s.StdDev, s.Min, s.Max)
	}
	fmt.Printf("  Manifest: %s\n", result.ManifestPath)
	fmt.Printf("  Duration: %s\n", result.Duration.Round(time.Millisecond))

	if !withEngine {
		return nil
	}

	// Release the connection while the engine writes.
	database.Close()
	if err := engine.New(cfg, nil).MatchesImporter(ctx, cfg.DatabasePath(), cfg.ManifestPath()); err != nil {
		return err
	}
	return printStats(ctx, cfg, "default")
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	format, _ := cmd.Flags().GetString("format")
	return printStats(cmd.Context(), cfg, format)
}

func printStats(ctx context.Context, cfg *config.Config, format string) error {
	database, err := db.Open(ctx, cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	stats, err := database.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read statistics: %w", err)
	}

	if format == "json" {
		return printJSON(stats)
	}

	fmt.Println()
	report.WriteMatchingTable(os.Stdout, string(stats.Schema), pipeline.MatchingFromStats(stats))
	fmt.Printf("  Keypoint rows: %d\n", stats.Keypoints)
	fmt.Printf("  Match rows: %d\n", stats.Matches)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	database, err := db.Open(ctx, cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	imp := importer.New(database, cfg)
	watcher, err := importer.WatchAndImport(ctx, imp, cfg, func(result *importer.Result, err error) {
		if err != nil {
			fmt.Printf("Import failed: %v\n", err)
			return
		}
		fmt.Printf("Imported %d keypoint sets and %d pairs in %s\n",
			result.Keypoints, len(result.Pairs), result.Duration.Round(time.Millisecond))
	})
	if err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	defer watcher.Stop()

	fmt.Printf("Watching %s (Ctrl+C to stop)...\n", cfg.DatasetPath)
	<-ctx.Done()
	fmt.Println("\nShutting down...")
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}

	ctx, cancel := signalContext()
	defer cancel()

	server := web.NewServer(cfg)
	fmt.Printf("Starting status server on http://%s\n", server.Addr())
	fmt.Printf("  Dataset: %s\n", cfg.DatasetPath)

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	datasetPath, _ := cmd.Flags().GetString("dataset-path")
	resolved, err := config.Resolve(datasetPath, viper.GetString("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("colmap-path") {
		resolved.Config.ColmapPath, _ = cmd.Flags().GetString("colmap-path")
	}

	out, err := resolved.Config.YAML()
	if err != nil {
		return err
	}

	fmt.Println("# Sources:")
	for _, s := range resolved.Sources {
		fmt.Printf("#   %s\n", s)
	}
	for _, f := range resolved.Files {
		fmt.Printf("#   loaded %s\n", f)
	}
	fmt.Print(out)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	force, _ := cmd.Flags().GetBool("force")
	if force {
		if err := os.Remove(filepath.Join(cfg.DatasetPath, config.DefaultConfigFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	path, err := cfg.WriteDefaultConfig()
	if err != nil {
		return err
	}
	fmt.Printf("Configuration written to %s\n", path)
	return nil
}
