// Package focal aggregates detections and saliency regions into a single
// normalized focal point per image.
package focal

import (
	"math"

	"github.com/menta2k/focal-crop/pkg/types"
)

// Options tune the aggregation
type Options struct {
	// WeightByArea additionally weights each detection by the square root of
	// its share of the image area, so large objects pull harder.
	WeightByArea bool
	// EdgeMargin keeps the focal point at least this far (normalized) from the
	// image border. Zero allows the full [0,1] range.
	EdgeMargin float64
}

// Resolve computes the focal point of an image. saliencyFn is only called when
// there are no usable detections. It never fails: with nothing to go on it returns the
// geometric centre with zero confidence.
func Resolve(detections []types.Detection, width, height int, saliencyFn func() []types.SaliencyRegion, opts Options) types.FocalPoint {
	if width <= 0 || height <= 0 {
		return types.Center()
	}

	if len(detections) > 0 {
		if fp, ok := fromDetections(detections, width, height, opts); ok {
			return clampPoint(fp, opts.EdgeMargin)
		}
	}

	// zero-weight detections count as none
	if saliencyFn != nil {
		if fp, ok := fromSaliency(saliencyFn(), width, height); ok {
			return clampPoint(fp, opts.EdgeMargin)
		}
	}

	return types.Center()
}

func fromDetections(detections []types.Detection, width, height int, opts Options) (types.FocalPoint, bool) {
	imageArea := float64(width) * float64(height)

	var sumW, sumX, sumY, sumConf float64
	for _, d := range detections {
		w := d.Confidence
		if opts.WeightByArea {
			w *= math.Sqrt(math.Max(float64(d.Box.Area()), 0) / imageArea)
		}
		cx, cy := d.Box.Center()
		sumX += w * cx
		sumY += w * cy
		sumW += w
		sumConf += d.Confidence
	}
	if sumW <= 0 || math.IsNaN(sumW) {
		return types.FocalPoint{}, false
	}

	return types.FocalPoint{
		X:          sumX / sumW / float64(width),
		Y:          sumY / sumW / float64(height),
		Source:     types.SourceDetection,
		Confidence: sumConf / float64(len(detections)),
	}, true
}

func fromSaliency(regions []types.SaliencyRegion, width, height int) (types.FocalPoint, bool) {
	var sumW, sumX, sumY, maxW float64
	for _, r := range regions {
		if r.Weight <= 0 || math.IsNaN(r.Weight) {
			continue
		}
		sumX += r.Weight * r.X
		sumY += r.Weight * r.Y
		sumW += r.Weight
		maxW = math.Max(maxW, r.Weight)
	}
	if sumW <= 0 {
		return types.FocalPoint{}, false
	}

	return types.FocalPoint{
		X:      sumX / sumW / float64(width),
		Y:      sumY / sumW / float64(height),
		Source: types.SourceSaliency,
		// strongest region relative to the total mass, 1 for a single region
		Confidence: maxW / sumW,
	}, true
}

func clampPoint(fp types.FocalPoint, margin float64) types.FocalPoint {
	if margin < 0 || margin >= 0.5 || math.IsNaN(margin) {
		margin = 0
	}
	fp.X = clamp(fp.X, margin, 1-margin)
	fp.Y = clamp(fp.Y, margin, 1-margin)
	fp.Confidence = clamp(fp.Confidence, 0, 1)
	return fp
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return (lo + hi) / 2
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
