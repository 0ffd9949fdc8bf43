package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	focalcrop "github.com/menta2k/focal-crop"
	"github.com/menta2k/focal-crop/internal/config"
	"github.com/menta2k/focal-crop/internal/logging"
	"github.com/menta2k/focal-crop/internal/metrics"
	"github.com/menta2k/focal-crop/internal/utils"
	"github.com/menta2k/focal-crop/pkg/batch"
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitInterrupted = 130
)

// how many pending files the confirmation prompt lists
const planPreview = 20

func main() {
	os.Exit(run())
}

func run() int {
	var configPath, in, outDir, ext, backend, metricsAddr, logLevel, logFile string
	var auto, force, dryRun, initConfig, version bool
	var workers, quality int

	flag.StringVar(&configPath, "config", "", "config file (default "+config.GetConfigPath()+" when present)")
	flag.BoolVar(&auto, "auto", false, "run without asking for confirmation")
	flag.StringVar(&in, "in", "", "input directory")
	flag.StringVar(&outDir, "out", "", "output directory")
	flag.StringVar(&ext, "ext", "", "comma separated input extensions, e.g. jpg,png")
	flag.BoolVar(&force, "force", false, "reprocess files whose outputs already exist")
	flag.BoolVar(&dryRun, "dry-run", false, "only report what would be processed")
	flag.IntVar(&workers, "workers", 0, "worker count (0 = physical CPU count)")
	flag.IntVar(&quality, "quality", 0, "JPEG/WebP output quality (1-100)")
	flag.StringVar(&backend, "backend", "", "detector backend: ollama, llamacpp or none")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	flag.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	flag.StringVar(&logFile, "log-file", "", "also write logs to this rotating file")
	flag.BoolVar(&initConfig, "init-config", false, "write a default config file and exit")
	flag.BoolVar(&version, "version", false, "print version and exit")
	flag.Parse()

	if version {
		fmt.Println("focal-crop", focalcrop.GetVersion())
		return exitOK
	}

	if initConfig {
		return writeDefaultConfig(configPath)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		logging.Errorf("%v", err)
		return exitFailure
	}

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["in"] {
		cfg.Input.Dir = in
	}
	if set["out"] {
		cfg.Output.Dir = outDir
	}
	if set["ext"] {
		cfg.Input.Extensions = splitList(ext)
	}
	if set["workers"] {
		cfg.Processing.Workers = workers
	}
	if set["quality"] {
		cfg.Output.Quality = quality
	}
	if set["backend"] {
		cfg.Detection.Backend = backend
	}
	if set["metrics-addr"] {
		cfg.Metrics.Addr = metricsAddr
	}
	if set["log-level"] {
		cfg.Logging.Level = logLevel
	}
	if set["log-file"] {
		cfg.Logging.File = logFile
	}

	if err := logging.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		logging.Errorf("Failed to initialise logging: %v", err)
		return exitFailure
	}
	defer logging.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Addr != "" {
		m = metrics.New()
		go func() {
			logging.Infof("Serving metrics on %s/metrics", cfg.Metrics.Addr)
			if err := m.StartServer(ctx, cfg.Metrics.Addr); err != nil {
				logging.Errorf("Metrics server stopped: %v", err)
			}
		}()
	}

	engine, err := focalcrop.New(cfg,
		focalcrop.WithMetrics(m),
		focalcrop.WithForce(force),
		focalcrop.WithDryRun(dryRun),
	)
	if err != nil {
		logging.Errorf("%v", err)
		return exitFailure
	}

	plan, err := engine.Plan(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return exitInterrupted
		}
		logging.Errorf("Planning failed: %v", err)
		return exitFailure
	}

	if !auto && !dryRun {
		printPlan(cfg, plan)
		if plan.PendingCount() == 0 {
			return exitOK
		}
		if !confirm("Proceed? [y/N] ") {
			fmt.Println("Aborted.")
			return exitOK
		}
	}

	summary, err := engine.Run(ctx, plan)
	if summary != nil {
		batch.LogSummary(summary)
	}
	if err != nil {
		logging.Errorf("Run failed: %v", err)
		return exitFailure
	}
	if summary.Interrupted {
		return exitInterrupted
	}
	return exitOK
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	if def := config.GetConfigPath(); utils.FileExists(def) {
		logging.Infof("Using config %s", def)
		return config.LoadFromFile(def)
	}
	return config.Default(), nil
}

func writeDefaultConfig(path string) int {
	if path == "" {
		path = config.GetConfigPath()
	}
	if utils.FileExists(path) {
		logging.Errorf("Config %s already exists", path)
		return exitFailure
	}

	cfg := config.Default()
	cfg.Input.Dir = "./input"
	cfg.Output.Dir = "./output"
	if err := cfg.SaveToFile(path); err != nil {
		logging.Errorf("%v", err)
		return exitFailure
	}
	fmt.Println("wrote", path)
	return exitOK
}

func printPlan(cfg *config.Config, plan *batch.Plan) {
	skipped, failed := 0, 0
	for _, r := range plan.Records {
		switch {
		case r.Skipped:
			skipped++
		case r.Err != "":
			failed++
		}
	}

	fmt.Printf("Input:   %s\n", cfg.Input.Dir)
	fmt.Printf("Output:  %s\n", cfg.Output.Dir)
	fmt.Printf("Formats: %s\n", formatNames(cfg))
	fmt.Printf("Files:   %d found, %d to process, %d already done, %d rejected\n",
		len(plan.Records), plan.PendingCount(), skipped, failed)

	for n, i := range plan.Pending {
		if n == planPreview {
			fmt.Printf("  ... and %d more\n", plan.PendingCount()-planPreview)
			break
		}
		fmt.Printf("  %s\n", filepath.Base(plan.Records[i].SourcePath))
	}
	for _, r := range plan.Records {
		if r.Err != "" {
			fmt.Printf("  rejected %s: %s\n", filepath.Base(r.SourcePath), r.Err)
		}
	}
}

func formatNames(cfg *config.Config) string {
	names := make([]string, len(cfg.Formats))
	for i, f := range cfg.Formats {
		names[i] = f.String()
	}
	return strings.Join(names, ", ")
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(part), ".")); part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}
