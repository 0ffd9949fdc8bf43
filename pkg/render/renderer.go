// Package render turns a decoded image plus its focal point into one output
// file per requested format.
package render

import (
	"errors"
	"fmt"
	"image"
	"os"

	"github.com/disintegration/imaging"

	"github.com/menta2k/focal-crop/internal/utils"
	"github.com/menta2k/focal-crop/pkg/cropper"
	"github.com/menta2k/focal-crop/pkg/types"
)

// Codec is the image codec capability the renderer drives
type Codec interface {
	CropAndResize(img image.Image, rect types.CropRect, width, height int, filter imaging.ResampleFilter) (image.Image, error)
	Encode(img image.Image, format string, quality int, lossless bool) ([]byte, error)
}

// EncodeError is a codec failure for one format of one file
type EncodeError struct {
	Format string
	Err    error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encoding %s: %v", e.Format, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// Options control output encoding
type Options struct {
	// Format is jpg, png or webp
	Format   string
	Quality  int
	Lossless bool
	Filter   imaging.ResampleFilter
}

// Renderer crops, resizes and encodes outputs
type Renderer struct {
	codec   Codec
	cropper *cropper.Cropper
	opts    Options
}

// New creates a renderer. A nil cropper uses the default geometry.
func New(codec Codec, c *cropper.Cropper, opts Options) *Renderer {
	if c == nil {
		c = cropper.New()
	}
	if opts.Format == "" {
		opts.Format = "jpg"
	}
	if opts.Quality <= 0 {
		opts.Quality = 90
	}
	if opts.Filter.Support == 0 {
		opts.Filter = imaging.Lanczos
	}
	return &Renderer{codec: codec, cropper: c, opts: opts}
}

// Render crops img to crop, resizes to exactly the format's size and encodes it
func (r *Renderer) Render(img image.Image, crop types.CropRect, format types.FormatSpec) ([]byte, error) {
	out, err := r.codec.CropAndResize(img, crop, format.Width, format.Height, r.opts.Filter)
	if err != nil {
		return nil, &EncodeError{Format: format.Suffix, Err: err}
	}
	data, err := r.codec.Encode(out, r.opts.Format, r.opts.Quality, r.opts.Lossless)
	if err != nil {
		return nil, &EncodeError{Format: format.Suffix, Err: err}
	}
	return data, nil
}

// RenderAll renders every format into outDir as {stem}{suffix}.{ext}. It is
// all-or-nothing: every format is encoded before anything is written, and on
// failure all outputs of stem are removed, including ones left by an earlier
// run. Returned paths follow the order of formats.
func (r *Renderer) RenderAll(img image.Image, fp types.FocalPoint, formats []types.FormatSpec, outDir, stem string) ([]string, error) {
	b := img.Bounds()
	paths := r.OutputPaths(outDir, stem, formats)

	encoded := make([][]byte, len(formats))
	for i, f := range formats {
		crop := r.cropper.ComputeCrop(b.Dx(), b.Dy(), fp, f)
		data, err := r.Render(img, crop, f)
		if err != nil {
			return nil, removeAll(paths, err)
		}
		encoded[i] = data
	}

	for i, path := range paths {
		if err := utils.WriteFileAtomic(path, encoded[i], 0644); err != nil {
			return nil, removeAll(paths, fmt.Errorf("writing %s: %w", path, err))
		}
	}
	return paths, nil
}

// removeAll deletes paths and returns cause, annotated with any removal failure
func removeAll(paths []string, cause error) error {
	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w (rollback: %v)", cause, errors.Join(errs...))
	}
	return cause
}

// OutputPath returns where format f of stem is written
func (r *Renderer) OutputPath(outDir, stem string, f types.FormatSpec) string {
	return utils.OutputPath(outDir, stem, f.Suffix, r.opts.Format)
}

// OutputPaths returns the output paths for every format, in order
func (r *Renderer) OutputPaths(outDir, stem string, formats []types.FormatSpec) []string {
	paths := make([]string, len(formats))
	for i, f := range formats {
		paths[i] = r.OutputPath(outDir, stem, f)
	}
	return paths
}
