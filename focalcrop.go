// Package focalcrop turns photos into fixed-size crops centred on what matters
// in them.
//
// Each image gets one focal point: the confidence-weighted centre of the
// objects a vision model finds for the configured prompts, or, when nothing
// is found, the centre of its most salient regions, or else the geometric
// centre. Every output format is then cut as the largest rectangle of its
// aspect ratio around that point and resized to the exact target size.
//
// Basic usage:
//
//	cfg := config.Default()
//	cfg.Input.Dir = "./photos"
//	cfg.Output.Dir = "./crops"
//
//	engine, err := focalcrop.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	summary, err := engine.Run(ctx, nil)
//
// The package consists of these components:
//
// 1. Detection (pkg/detection, pkg/ollama, pkg/llamacpp): prompted object detection with vision models
// 2. Saliency (pkg/saliency): prominence regions when nothing was detected
// 3. Focal (pkg/focal): aggregation into a single focal point
// 4. Cropper (pkg/cropper): crop geometry per output format
// 5. Render (pkg/render, pkg/processing): resize, encode and atomic writes
// 6. Batch (pkg/batch): idempotent, resumable parallel runs
package focalcrop

import (
	"context"
	"fmt"
	"image"
	"strings"

	"golang.org/x/time/rate"

	"github.com/menta2k/focal-crop/internal/config"
	"github.com/menta2k/focal-crop/internal/metrics"
	"github.com/menta2k/focal-crop/pkg/analyzer"
	"github.com/menta2k/focal-crop/pkg/batch"
	"github.com/menta2k/focal-crop/pkg/client"
	"github.com/menta2k/focal-crop/pkg/cropper"
	"github.com/menta2k/focal-crop/pkg/detection"
	"github.com/menta2k/focal-crop/pkg/focal"
	"github.com/menta2k/focal-crop/pkg/llamacpp"
	"github.com/menta2k/focal-crop/pkg/ollama"
	"github.com/menta2k/focal-crop/pkg/processing"
	"github.com/menta2k/focal-crop/pkg/render"
	"github.com/menta2k/focal-crop/pkg/saliency"
	"github.com/menta2k/focal-crop/pkg/types"
)

// Version of the focal-crop library
const Version = "1.0.0"

// Engine wires configuration into a ready-to-run pipeline
type Engine struct {
	cfg          *config.Config
	processor    *processing.Processor
	cropper      *cropper.Cropper
	renderer     *render.Renderer
	newLocator   focal.LocatorFactory
	orchestrator *batch.Orchestrator
}

type options struct {
	metrics    *metrics.Metrics
	newLocator focal.LocatorFactory
	force      bool
	dryRun     bool
}

// Option customises an Engine
type Option func(*options)

// WithMetrics records run metrics into m
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLocatorFactory replaces the configured detector and saliency backends
func WithLocatorFactory(f focal.LocatorFactory) Option {
	return func(o *options) { o.newLocator = f }
}

// WithForce reprocesses files whose outputs already exist
func WithForce(force bool) Option {
	return func(o *options) { o.force = force }
}

// WithDryRun only plans the run
func WithDryRun(dryRun bool) Option {
	return func(o *options) { o.dryRun = dryRun }
}

// New validates cfg and builds the pipeline. Configuration problems are
// returned as *config.Error.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	filter, err := processing.FilterByName(cfg.Cropper.Filter)
	if err != nil {
		return nil, &config.Error{Field: "cropper.filter", Reason: err.Error()}
	}

	if o.newLocator == nil {
		if o.newLocator, err = NewLocatorFactory(cfg); err != nil {
			return nil, err
		}
	}

	e := &Engine{
		cfg:        cfg,
		processor:  processing.NewProcessor(),
		cropper:    cropper.NewWithConfig(cropper.CropConfig{Zoom: cfg.Cropper.Zoom}),
		newLocator: o.newLocator,
	}
	e.renderer = render.New(e.processor, e.cropper, render.Options{
		Format:   cfg.Output.Format,
		Quality:  cfg.Output.Quality,
		Lossless: cfg.Output.Lossless,
		Filter:   filter,
	})

	loader := analyzer.NewWithConfig(analyzer.Config{
		SupportedFormats: analyzer.DefaultFormats,
		MinImageSize:     cfg.Processing.MinImageSize,
		MaxPixels:        analyzer.DefaultMaxPixels,
	})

	e.orchestrator, err = batch.New(batch.Options{
		InputDir:   cfg.Input.Dir,
		OutputDir:  cfg.Output.Dir,
		Extensions: cfg.Input.Extensions,
		Formats:    cfg.Formats,
		Workers:    cfg.EffectiveWorkers(),
		Force:      o.force,
		DryRun:     o.dryRun,
	}, loader, e.renderer, e.newLocator, o.metrics)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Plan reconciles the input and output directories without processing anything
func (e *Engine) Plan(ctx context.Context) (*batch.Plan, error) {
	return e.orchestrator.Plan(ctx)
}

// Run processes every pending file. A nil plan is computed first.
func (e *Engine) Run(ctx context.Context, plan *batch.Plan) (*batch.Summary, error) {
	return e.orchestrator.Run(ctx, plan)
}

// Crop is one rendered format of a single image
type Crop struct {
	Format types.FormatSpec
	Rect   types.CropRect
	Image  image.Image
}

// CropImage locates the focal point of img and returns every configured
// format in memory, without touching the file system
func (e *Engine) CropImage(ctx context.Context, img image.Image) (focal.Result, []Crop, error) {
	loc, err := e.newLocator(ctx)
	if err != nil {
		return focal.Result{}, nil, fmt.Errorf("failed to open locator: %w", err)
	}
	defer loc.Close()

	res := loc.Locate(ctx, img)
	b := img.Bounds()

	filter, _ := processing.FilterByName(e.cfg.Cropper.Filter)
	crops := make([]Crop, 0, len(e.cfg.Formats))
	for _, f := range e.cfg.Formats {
		rect := e.cropper.ComputeCrop(b.Dx(), b.Dy(), res.Focal, f)
		out, err := e.processor.CropAndResize(img, rect, f.Width, f.Height, filter)
		if err != nil {
			return res, nil, &render.EncodeError{Format: f.Suffix, Err: err}
		}
		crops = append(crops, Crop{Format: f, Rect: rect, Image: out})
	}
	return res, crops, nil
}

// NewLocatorFactory builds the detector and saliency backends named in cfg.
// Every call of the returned factory opens fresh client handles; all of them
// share one rate limiter.
func NewLocatorFactory(cfg *config.Config) (focal.LocatorFactory, error) {
	d := cfg.Detection
	backend := strings.ToLower(d.Backend)

	var limiter *rate.Limiter
	if d.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(d.RequestsPerSecond), 1)
	}

	if _, err := saliency.New(cfg.Saliency.Method); err != nil {
		return nil, &config.Error{Field: "saliency.method", Reason: err.Error()}
	}

	return func(ctx context.Context) (*focal.Locator, error) {
		loc := &focal.Locator{
			Prompts:   d.Prompts,
			Threshold: d.ConfidenceThreshold,
			Options: focal.Options{
				WeightByArea: cfg.Focal.WeightByArea,
				EdgeMargin:   cfg.Focal.EdgeMargin,
			},
		}

		if backend != "none" {
			vc, err := newVisionClient(backend, d)
			if err != nil {
				return nil, err
			}
			loc.Detector = detection.NewDetector(vc, detection.Options{
				Model:       d.Model,
				SendSize:    d.SendSize,
				SendQuality: d.SendQuality,
				Limiter:     limiter,
			})
		}

		sal, err := saliency.New(cfg.Saliency.Method)
		if err != nil {
			return nil, err
		}
		if sal != nil {
			loc.Saliency = sal
		}
		return loc, nil
	}, nil
}

func newVisionClient(backend string, d config.DetectionConfig) (client.VisionClient, error) {
	switch backend {
	case "ollama":
		return ollama.NewClient(d.URL, d.Timeout)
	case "llamacpp":
		return llamacpp.NewClient(d.URL, d.Timeout)
	default:
		return nil, &config.Error{Field: "detection.backend", Reason: fmt.Sprintf("unknown backend %q", backend)}
	}
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
