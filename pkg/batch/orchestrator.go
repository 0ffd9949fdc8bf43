// Package batch runs the crop pipeline over a directory of images with a
// fixed worker pool. Runs are idempotent and resumable: a file counts as
// processed only once every output exists.
package batch

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/menta2k/focal-crop/internal/logging"
	"github.com/menta2k/focal-crop/internal/metrics"
	"github.com/menta2k/focal-crop/internal/utils"
	"github.com/menta2k/focal-crop/pkg/analyzer"
	"github.com/menta2k/focal-crop/pkg/focal"
	"github.com/menta2k/focal-crop/pkg/types"
)

// ImageLoader reads and validates a source image
type ImageLoader interface {
	LoadImage(path string) (image.Image, analyzer.ImageInfo, error)
}

// Renderer writes every format of one image, all-or-nothing
type Renderer interface {
	RenderAll(img image.Image, fp types.FocalPoint, formats []types.FormatSpec, outDir, stem string) ([]string, error)
	OutputPaths(outDir, stem string, formats []types.FormatSpec) []string
}

// Options describe one batch run
type Options struct {
	InputDir   string
	OutputDir  string
	Extensions []string
	Formats    []types.FormatSpec
	Workers    int
	// Force reprocesses files whose outputs already exist
	Force bool
	// DryRun only reconciles state and reports what would be processed
	DryRun bool
}

// Orchestrator drives files through load, locate and render
type Orchestrator struct {
	opts       Options
	loader     ImageLoader
	renderer   Renderer
	newLocator focal.LocatorFactory
	metrics    *metrics.Metrics
}

// New creates an orchestrator. metrics may be nil.
func New(opts Options, loader ImageLoader, renderer Renderer, newLocator focal.LocatorFactory, m *metrics.Metrics) (*Orchestrator, error) {
	switch {
	case loader == nil, renderer == nil, newLocator == nil:
		return nil, errors.New("batch: loader, renderer and locator factory are required")
	case len(opts.Formats) == 0:
		return nil, errors.New("batch: no output formats")
	case opts.InputDir == "" || opts.OutputDir == "":
		return nil, errors.New("batch: input and output directories are required")
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Orchestrator{opts: opts, loader: loader, renderer: renderer, newLocator: newLocator, metrics: m}, nil
}

// Plan is the reconciled state of the input directory before a run
type Plan struct {
	Records  []types.ProcessingRecord
	Pending  []int
	manifest *Manifest
}

// PendingCount returns how many files would be processed
func (p *Plan) PendingCount() int { return len(p.Pending) }

// Summary reports the outcome of a run
type Summary struct {
	RunID       string
	Total       int
	Processed   int
	Skipped     int
	Failed      int
	Pending     int
	OutputBytes int64
	Interrupted bool
	DryRun      bool
	Duration    time.Duration
	Records     []types.ProcessingRecord
}

// FailedRecords returns the records of files that failed
func (s *Summary) FailedRecords() []types.ProcessingRecord {
	var out []types.ProcessingRecord
	for _, r := range s.Records {
		if r.Status == types.StatusFailed {
			out = append(out, r)
		}
	}
	return out
}

// Plan lists the input directory and decides which files need processing.
// Stale temp files from an interrupted run are removed first.
func (o *Orchestrator) Plan(ctx context.Context) (*Plan, error) {
	files, err := utils.ListImageFiles(o.opts.InputDir, o.opts.Extensions)
	if err != nil {
		return nil, fmt.Errorf("failed to list input directory: %w", err)
	}

	if !o.opts.DryRun && utils.DirExists(o.opts.OutputDir) {
		if n, err := utils.RemoveStaleTemps(o.opts.OutputDir); err != nil {
			logging.Warnf("Could not clean temp files in %s: %v", o.opts.OutputDir, err)
		} else if n > 0 {
			logging.Infof("Removed %d stale temp file(s) from %s", n, o.opts.OutputDir)
		}
	}

	manifest, err := LoadManifest(o.opts.OutputDir)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Records: make([]types.ProcessingRecord, len(files)), manifest: manifest}
	stems := map[string]string{}
	for i, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec := types.ProcessingRecord{SourcePath: path, Status: types.StatusPending}
		stem := utils.Stem(path)
		if other, dup := stems[stem]; dup {
			rec.Status = types.StatusFailed
			rec.Err = fmt.Sprintf("output names collide with %s", filepath.Base(other))
			plan.Records[i] = rec
			continue
		}
		stems[stem] = path

		if !o.opts.Force && o.isProcessed(path, stem, manifest) {
			rec.Status = types.StatusProcessed
			rec.Skipped = true
			rec.Outputs = o.renderer.OutputPaths(o.opts.OutputDir, stem, o.opts.Formats)
		} else {
			plan.Pending = append(plan.Pending, i)
		}
		plan.Records[i] = rec
	}
	return plan, nil
}

// isProcessed holds when every output exists and the manifest, if it knows
// the file, still matches its contents
func (o *Orchestrator) isProcessed(path, stem string, manifest *Manifest) bool {
	for _, out := range o.renderer.OutputPaths(o.opts.OutputDir, stem, o.opts.Formats) {
		if !utils.FileExists(out) {
			return false
		}
	}

	entry, ok := manifest.Get(filepath.Base(path))
	if !ok {
		return true
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	match, err := entry.Matches(path, info)
	if err != nil {
		logging.Warnf("Could not hash %s: %v", path, err)
		return false
	}
	if !match {
		logging.Infof("Source changed since last run, reprocessing: %s", path)
	}
	return match
}

// Run processes every pending file of plan. A nil plan is computed first.
// Per-file failures are recorded, never returned; the error is reserved for
// problems that prevent the run itself.
//
// When ctx is cancelled no further files are dispatched. Files already being
// processed finish; the rest stay pending.
func (o *Orchestrator) Run(ctx context.Context, plan *Plan) (*Summary, error) {
	start := time.Now()
	if plan == nil {
		var err error
		if plan, err = o.Plan(ctx); err != nil {
			return nil, err
		}
	}

	runID := uuid.NewString()
	records := plan.Records

	if o.opts.DryRun {
		return o.summarize(runID, records, start, false), nil
	}

	if err := utils.EnsureDir(o.opts.OutputDir); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	for _, r := range records {
		if r.Skipped {
			o.metrics.ObserveSkipped()
		}
	}

	if len(plan.Pending) == 0 {
		return o.summarize(runID, records, start, false), nil
	}

	var mu sync.Mutex
	setRecord := func(i int, r types.ProcessingRecord) {
		mu.Lock()
		records[i] = r
		mu.Unlock()
	}

	workers := min(o.opts.Workers, len(plan.Pending))
	logging.Infof("Run %s: %d file(s) to process with %d worker(s)", runID, len(plan.Pending), workers)

	jobs := make(chan int)
	g, gctx := errgroup.WithContext(ctx)

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			loc, err := o.newLocator(gctx)
			if err != nil {
				return fmt.Errorf("failed to open locator: %w", err)
			}
			defer func() {
				if err := loc.Close(); err != nil {
					logging.Warnf("Closing locator: %v", err)
				}
			}()

			// in-flight files finish even after cancellation
			workCtx := context.WithoutCancel(gctx)
			for i := range jobs {
				if gctx.Err() != nil {
					continue
				}
				mu.Lock()
				rec := records[i]
				mu.Unlock()

				setRecord(i, o.processFile(workCtx, loc, rec, runID, plan.manifest))
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(jobs)
		for _, i := range plan.Pending {
			if gctx.Err() != nil {
				return nil
			}
			select {
			case <-gctx.Done():
				return nil
			case jobs <- i:
			}
		}
		return nil
	})

	err := g.Wait()
	return o.summarize(runID, records, start, ctx.Err() != nil), err
}

func (o *Orchestrator) processFile(ctx context.Context, loc *focal.Locator, rec types.ProcessingRecord, runID string, manifest *Manifest) types.ProcessingRecord {
	o.metrics.WorkerStarted()
	defer o.metrics.WorkerDone()

	start := time.Now()
	path := rec.SourcePath
	stem := utils.Stem(path)

	fail := func(err error) types.ProcessingRecord {
		rec.Status = types.StatusFailed
		rec.Err = err.Error()
		logging.Errorf("Failed %s: %v", path, err)
		o.metrics.ObserveFailed(time.Since(start))
		return rec
	}

	info, err := os.Stat(path)
	if err != nil {
		return fail(&analyzer.InvalidImageError{Path: path, Reason: "unreadable", Err: err})
	}
	sum, err := HashFile(path)
	if err != nil {
		return fail(&analyzer.InvalidImageError{Path: path, Reason: "unreadable", Err: err})
	}

	img, imgInfo, err := o.loader.LoadImage(path)
	if err != nil {
		return fail(err)
	}
	logging.Debugf("Loaded %s (%s %dx%d)", path, imgInfo.Format, imgInfo.Width, imgInfo.Height)

	res := loc.Locate(ctx, img)
	fp := res.Focal
	rec.Focal = &fp
	rec.Degraded = res.Degraded
	if res.Degraded != "" {
		logging.Warnf("Focal point for %s fell back to centre: %s", path, res.Degraded)
	}

	outputs, err := o.renderer.RenderAll(img, fp, o.opts.Formats, o.opts.OutputDir, stem)
	if err != nil {
		if mErr := manifest.Delete(filepath.Base(path)); mErr != nil {
			logging.Warnf("Could not update manifest for %s: %v", path, mErr)
		}
		return fail(err)
	}

	names := make([]string, len(outputs))
	for i, out := range outputs {
		names[i] = filepath.Base(out)
	}
	if err := manifest.Put(filepath.Base(path), ManifestEntry{
		SourceSHA256:  sum,
		SourceSize:    info.Size(),
		SourceModTime: info.ModTime(),
		Outputs:       names,
		Focal:         fp,
		RunID:         runID,
		ProcessedAt:   time.Now().UTC(),
	}); err != nil {
		logging.Warnf("Could not update manifest for %s: %v", path, err)
	}

	rec.Status = types.StatusProcessed
	rec.Outputs = outputs
	rec.OutputBytes = totalSize(outputs)
	rec.Err = ""
	o.metrics.ObserveProcessed(string(fp.Source), len(outputs), res.Degraded != "", time.Since(start))
	logging.Infof("Processed %s: focal (%.3f, %.3f) via %s, %d detection(s), %d output(s)",
		path, fp.X, fp.Y, fp.Source, res.Detections, len(outputs))
	return rec
}

func totalSize(paths []string) int64 {
	var n int64
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil {
			n += info.Size()
		}
	}
	return n
}

func (o *Orchestrator) summarize(runID string, records []types.ProcessingRecord, start time.Time, interrupted bool) *Summary {
	s := &Summary{
		RunID:       runID,
		Total:       len(records),
		Interrupted: interrupted,
		DryRun:      o.opts.DryRun,
		Records:     records,
		Duration:    time.Since(start),
	}
	for _, r := range records {
		switch {
		case r.Status == types.StatusProcessed && r.Skipped:
			s.Skipped++
		case r.Status == types.StatusProcessed:
			s.Processed++
			s.OutputBytes += r.OutputBytes
		case r.Status == types.StatusFailed:
			s.Failed++
		default:
			s.Pending++
		}
	}
	return s
}

// LogSummary writes the end-of-run report
func LogSummary(s *Summary) {
	mode := ""
	if s.DryRun {
		mode = " (dry run)"
	}
	logging.Infof("Run %s finished in %s%s: %d processed, %d skipped, %d failed, %d pending (of %d), %s written",
		s.RunID, s.Duration.Round(time.Millisecond), mode, s.Processed, s.Skipped, s.Failed, s.Pending, s.Total,
		utils.FormatFileSize(s.OutputBytes))
	for _, r := range s.FailedRecords() {
		logging.Errorf("  failed: %s: %s", r.SourcePath, r.Err)
	}
	if s.Interrupted && s.Pending > 0 {
		logging.Warnf("Interrupted: %d file(s) left pending; run again to resume", s.Pending)
	}
}
