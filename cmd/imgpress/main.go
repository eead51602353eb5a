package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"imgpress/internal/batch"
	"imgpress/internal/config"
	"imgpress/internal/engine"
	"imgpress/internal/logger"
	"imgpress/internal/pool"
	"imgpress/internal/sniff"
	"imgpress/internal/stats"
	"imgpress/internal/web"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	outputDir string
	targetKB  int64
	workers   int
	dryRun    bool
	verbose   bool
	quiet     bool
	version   string
	buildTime string
	port      int
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "imgpress [paths...]",
	Short: "Compress images to fit a hard byte budget",
	Long: `Imgpress compresses images to fit a caller-specified byte budget while
preserving aspect ratio and maximizing visual quality. Batches are fanned
out across a bounded worker pool with timeout detection, crash recovery,
and bounded retries.

Features:
- Iterative quality/dimension search under a hard size ceiling
- EXIF orientation normalization before resizing
- Priority-ordered worker pool with watchdog and retry
- Pre-flight validation (size ceiling, type, magic bytes)
- Batch progress reporting and statistics
- Dry-run mode for safe testing`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCompress(args)
	},
}

// inspectCmd runs pre-flight validation and a decode report on a single file.
var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Validate a file and report what compression would do",
	Long: `Runs the pre-flight validator and a full compression pass on a single
file, reporting validation warnings, decoded dimensions, and the final
quality, dimensions, and sizes. Nothing is written to disk.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(args[0])
	},
}

// serveCmd starts the local compression console.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local compression console",
	Long: `Starts a local web console for imgpress. The console lets you:
- Browse directories and launch batch compression runs
- Watch batch progress live over a websocket
- View statistics and per-item failures

Compressed files are written to local disk; results never leave the machine.
Access the console at http://localhost:<port> (default: 8080)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	rootCmd.Flags().StringVar(&outputDir, "output", "", "output directory (default: next to each source file)")
	rootCmd.Flags().Int64Var(&targetKB, "target-kb", 0, "target size ceiling in KiB (default: 375)")
	rootCmd.Flags().IntVar(&workers, "workers", 0, "maximum worker count (default: 2)")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "compress in memory without writing outputs")

	serveCmd.Flags().IntVar(&port, "port", 8080, "port to run the console on")

	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(serveCmd)
}

// initConfig loads configuration file and environment variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.imgpress")
		viper.AddConfigPath("/etc/imgpress")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// runCompress executes a batch compression run over the given paths.
func runCompress(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg)
	engCfg := cfg.EngineConfig()
	if targetKB > 0 {
		engCfg.TargetBytes = targetKB * 1024
	}

	files, err := batch.CollectFiles(args, cfg.SupportedExtensions)
	if err != nil {
		return fmt.Errorf("collect files: %w", err)
	}
	if len(files) == 0 {
		fmt.Println("No supported image files found")
		return nil
	}

	items, err := batch.ReadItems(files)
	if err != nil {
		return fmt.Errorf("read inputs: %w", err)
	}

	batchStats := stats.NewBatchStats()
	for range items {
		batchStats.IncrementItemsFound()
	}

	eng := engine.NewEngine(log)
	workerPool := pool.New(eng, cfg.PoolOptions(), log)
	defer workerPool.Shutdown()
	orch := batch.NewOrchestrator(eng, workerPool, log, cfg.BatchOptions())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	onProgress := func(p batch.Progress) {
		if quiet {
			return
		}
		fmt.Printf("\r[%d/%d] %.0f%% %s", p.Completed+p.Failed, p.Total, p.Percent, p.CurrentLabel)
	}

	results := orch.ProcessBatch(ctx, items, engCfg, onProgress)
	if !quiet {
		fmt.Println()
	}

	outDir := outputDir
	if outDir == "" {
		outDir = cfg.OutputDirectory
	}
	for i, res := range results {
		batchStats.RecordResult(res.Label, res.Result)
		if !res.Result.Success || dryRun {
			continue
		}
		if err := writeOutput(files[i], outDir, res.Result); err != nil {
			log.WithField("item", res.Label).Errorf("Failed to write output: %v", err)
		}
	}
	batchStats.Finalize()

	if !quiet {
		fmt.Println("\n" + batchStats.GetSummary())
		if len(batchStats.Errors) > 0 {
			fmt.Println("\n" + batchStats.GetErrorSummary())
		}
	}

	return nil
}

// runInspect validates and compresses a single file in memory, printing a report.
func runInspect(filePath string) error {
	if !fileExists(filePath) {
		return fmt.Errorf("file does not exist: %s", filePath)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	declared := sniff.TypeFromExtension(filepath.Ext(filePath))
	validator := sniff.NewValidator(cfg.Batch.MaxUploadBytes)
	outcome := validator.Validate(data, declared)

	fmt.Printf("File: %s (%d bytes, declared %s)\n", filePath, len(data), declared)
	if !outcome.Valid {
		fmt.Printf("Validation failed: %v\n", outcome.Err)
		return nil
	}
	for _, w := range outcome.Warnings {
		fmt.Printf("Warning: %s\n", w)
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	eng := engine.NewEngine(log)

	engCfg := cfg.EngineConfig()
	if targetKB > 0 {
		engCfg.TargetBytes = targetKB * 1024
	}
	res := eng.Compress(data, engCfg)

	if !res.Success {
		fmt.Printf("Compression failed after %d attempts: %v\n", res.Attempts, res.Err)
		if res.BestSize > 0 {
			fmt.Printf("Best size achieved: %d bytes at %dx%d\n", res.BestSize, res.FinalWidth, res.FinalHeight)
		}
		return nil
	}

	fmt.Printf("Compressed: %d -> %d bytes (%.1f%%) in %d attempts (%v)\n",
		res.OriginalSize, res.CompressedSize, res.Ratio*100, res.Attempts, res.Elapsed.Round(time.Millisecond))
	fmt.Printf("Final: %dx%d at quality %.2f, stored size ~%d bytes\n",
		res.FinalWidth, res.FinalHeight, res.FinalQuality, res.StoredSize)

	return nil
}

// runServe starts the web console and handles graceful shutdown.
func runServe() error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CONFIG LOAD ERROR: %v\n", err)
		cfg = config.DefaultConfig()
	}

	log := setupLogger(cfg)
	eng := engine.NewEngine(log)
	workerPool := pool.New(eng, cfg.PoolOptions(), log)
	defer workerPool.Shutdown()
	server := web.NewServer(cfg, log, eng, workerPool)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := server.Start(port); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	fmt.Printf("Imgpress console started at http://localhost:%d\n", port)
	fmt.Printf("Press Ctrl+C to stop the server\n\n")

	<-sigChan
	fmt.Println("\nShutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	fmt.Println("Server stopped gracefully")
	return nil
}

// loadConfig loads configuration and applies CLI overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}

	if outputDir != "" {
		cfg.OutputDirectory = outputDir
	}
	if workers > 0 {
		cfg.Pool.MaxWorkers = workers
	}

	return cfg, nil
}

// writeOutput stores one compressed result next to the source file, or under
// outDir when set.
func writeOutput(srcPath, outDir string, res engine.Result) error {
	base := strings.TrimSuffix(filepath.Base(srcPath), filepath.Ext(srcPath))
	name := base + ".min" + outputExt(res.DataURI)
	dir := outDir
	if dir == "" {
		dir = filepath.Dir(srcPath)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), res.Data, 0644)
}

// outputExt derives the file extension from the result's data URI format tag.
func outputExt(dataURI string) string {
	const prefix = "data:image/"
	if !strings.HasPrefix(dataURI, prefix) {
		return ".jpg"
	}
	rest := dataURI[len(prefix):]
	idx := strings.IndexByte(rest, ';')
	if idx <= 0 {
		return ".jpg"
	}
	if rest[:idx] == "jpeg" {
		return ".jpg"
	}
	return "." + rest[:idx]
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := logger.LoggerConfig{
		Level:      cfg.Logging.Level,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
		Console:    !quiet,
	}

	if verbose {
		loggerCfg.Level = "debug"
	}
	if quiet {
		loggerCfg.Level = "error"
	}

	log, err := logger.NewLogger(loggerCfg)
	if err != nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

// fileExists returns true if the given path exists and is a file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
