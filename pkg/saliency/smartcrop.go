package saliency

import (
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/muesli/smartcrop"

	"github.com/menta2k/focal-crop/pkg/types"
)

// resizer implements the smartcrop.Resizer interface on top of imaging
type resizer struct {
	resampler imaging.ResampleFilter
}

func (r *resizer) Resize(img image.Image, width, height uint) image.Image {
	return imaging.Resize(img, int(width), int(height), r.resampler)
}

// SmartcropEstimator uses smartcrop's edge, skin and saturation scoring. The
// centre of the best square crop becomes a single region.
type SmartcropEstimator struct {
	resampler imaging.ResampleFilter
}

// NewSmartcropEstimator creates a smartcrop backed estimator
func NewSmartcropEstimator() *SmartcropEstimator {
	return &SmartcropEstimator{resampler: imaging.Lanczos}
}

func (s *SmartcropEstimator) Estimate(ctx context.Context, img image.Image) ([]types.SaliencyRegion, error) {
	b := img.Bounds()
	side := min(b.Dx(), b.Dy())
	if side <= 0 {
		return nil, &Error{Err: errEmptyImage}
	}

	analyzer := smartcrop.NewAnalyzer(&resizer{resampler: s.resampler})

	type cropResult struct {
		crop image.Rectangle
		err  error
	}
	resultChan := make(chan cropResult, 1)
	go func() {
		crop, err := analyzer.FindBestCrop(img, side, side)
		resultChan <- cropResult{crop: crop, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, &Error{Err: ctx.Err()}
	case res := <-resultChan:
		if res.err != nil {
			return nil, &Error{Err: fmt.Errorf("finding best crop: %w", res.err)}
		}
		c := res.crop.Sub(b.Min)
		return []types.SaliencyRegion{{
			X:      float64(c.Min.X+c.Max.X) / 2,
			Y:      float64(c.Min.Y+c.Max.Y) / 2,
			Weight: 1,
		}}, nil
	}
}
