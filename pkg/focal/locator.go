package focal

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/menta2k/focal-crop/pkg/types"
)

// Detector finds prompted objects in an image. Detections below threshold are
// dropped by the implementation.
type Detector interface {
	Detect(ctx context.Context, img image.Image, prompts []string, threshold float64) ([]types.Detection, error)
}

// SaliencyEstimator finds visually prominent regions in an image
type SaliencyEstimator interface {
	Estimate(ctx context.Context, img image.Image) ([]types.SaliencyRegion, error)
}

// Locator resolves the focal point of decoded images using a detector and a
// saliency estimator. A Locator is owned by a single worker; it is not safe for
// concurrent use unless both capabilities are.
type Locator struct {
	Detector  Detector
	Saliency  SaliencyEstimator
	Prompts   []string
	Threshold float64
	Options   Options
}

// LocatorFactory opens a Locator with its own model handles. Callers must Close it.
type LocatorFactory func(ctx context.Context) (*Locator, error)

// Result is a resolved focal point plus what went wrong on the way
type Result struct {
	Focal      types.FocalPoint
	Detections int
	// Degraded is set when a capability failed and the centre was used instead
	Degraded string
}

// Locate resolves the focal point of img. Capability failures never surface as
// errors; they degrade to the centre fallback and are reported in Result.Degraded.
func (l *Locator) Locate(ctx context.Context, img image.Image) Result {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	var detections []types.Detection
	if l.Detector != nil {
		var err error
		detections, err = l.Detector.Detect(ctx, img, l.Prompts, l.Threshold)
		if err != nil {
			return Result{Focal: types.Center(), Degraded: fmt.Sprintf("detection: %v", err)}
		}
	}

	var saliencyErr error
	saliencyFn := func() []types.SaliencyRegion {
		if l.Saliency == nil {
			return nil
		}
		regions, err := l.Saliency.Estimate(ctx, img)
		if err != nil {
			saliencyErr = err
			return nil
		}
		return regions
	}

	fp := Resolve(detections, w, h, saliencyFn, l.Options)
	res := Result{Focal: fp, Detections: len(detections)}
	if saliencyErr != nil {
		res.Focal = types.Center()
		res.Degraded = fmt.Sprintf("saliency: %v", saliencyErr)
	}
	return res
}

// Close releases whatever model handles the capabilities hold
func (l *Locator) Close() error {
	var errs []error
	if c, ok := l.Detector.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if c, ok := l.Saliency.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
