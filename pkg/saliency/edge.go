package saliency

import (
	"context"
	"image"
	"math"
	"sort"

	"github.com/disintegration/imaging"

	"github.com/menta2k/focal-crop/pkg/types"
)

// EdgeConfig holds configuration for the edge/contrast estimator
type EdgeConfig struct {
	// MaxDim is the longest side of the working copy the map is computed on
	MaxDim         int
	EdgeThreshold  float64
	ContrastWeight float64
	ColorWeight    float64
	MaxRegions     int
}

// DefaultEdgeConfig returns the tuning used when none is supplied
func DefaultEdgeConfig() EdgeConfig {
	return EdgeConfig{
		MaxDim:         256,
		EdgeThreshold:  0.01,
		ContrastWeight: 0.3,
		ColorWeight:    0.2,
		MaxRegions:     10,
	}
}

// EdgeEstimator finds prominent regions with a neighbourhood-difference edge map
// and a sliding window over it
type EdgeEstimator struct {
	config EdgeConfig
}

// NewEdgeEstimator creates an estimator with the default configuration
func NewEdgeEstimator() *EdgeEstimator {
	return &EdgeEstimator{config: DefaultEdgeConfig()}
}

// NewEdgeEstimatorWithConfig creates an estimator with custom configuration.
// Zero fields fall back to their defaults.
func NewEdgeEstimatorWithConfig(config EdgeConfig) *EdgeEstimator {
	def := DefaultEdgeConfig()
	if config.MaxDim <= 0 {
		config.MaxDim = def.MaxDim
	}
	if config.MaxRegions <= 0 {
		config.MaxRegions = def.MaxRegions
	}
	if config.ContrastWeight == 0 && config.ColorWeight == 0 {
		config.ContrastWeight, config.ColorWeight = def.ContrastWeight, def.ColorWeight
	}
	return &EdgeEstimator{config: config}
}

type window struct {
	x, y, size int
	score      float64
}

// Estimate returns up to MaxRegions high-scoring windows as regions in the
// pixel space of img, weighted by their score
func (e *EdgeEstimator) Estimate(ctx context.Context, img image.Image) ([]types.SaliencyRegion, error) {
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, &Error{Err: errEmptyImage}
	}
	if err := ctx.Err(); err != nil {
		return nil, &Error{Err: err}
	}

	small := imaging.Fit(img, e.config.MaxDim, e.config.MaxDim, imaging.Box)
	sw, sh := small.Bounds().Dx(), small.Bounds().Dy()

	integral := summedArea(e.saliencyMap(small), sw, sh)

	var windows []window
	for _, size := range []int{sw / 20, sw / 16, sw / 12, sw / 8, sw / 4} {
		if size < 8 || size > sh {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, &Error{Err: err}
		}
		step := max(size/8, 1)
		for y := 0; y+size <= sh; y += step {
			for x := 0; x+size <= sw; x += step {
				score := windowMean(integral, sw, x, y, size)
				if score > e.config.EdgeThreshold {
					windows = append(windows, window{x: x, y: y, size: size, score: score})
				}
			}
		}
	}

	sort.SliceStable(windows, func(i, j int) bool { return windows[i].score > windows[j].score })
	if len(windows) > e.config.MaxRegions {
		windows = windows[:e.config.MaxRegions]
	}

	sx := float64(b.Dx()) / float64(sw)
	sy := float64(b.Dy()) / float64(sh)
	regions := make([]types.SaliencyRegion, 0, len(windows))
	for _, w := range windows {
		half := float64(w.size) / 2
		regions = append(regions, types.SaliencyRegion{
			X:      (float64(w.x) + half) * sx,
			Y:      (float64(w.y) + half) * sy,
			Weight: w.score,
		})
	}
	return regions, nil
}

// saliencyMap scores every interior pixel by its colour distance to the 8
// neighbours plus a brightness term. Border pixels score zero.
func (e *EdgeEstimator) saliencyMap(img *image.NRGBA) []float64 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	out := make([]float64, w*h)
	pix, stride := img.Pix, img.Stride

	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*stride + x*4
			r1, g1, b1 := float64(pix[i]), float64(pix[i+1]), float64(pix[i+2])

			var edge float64
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if dx == 0 && dy == 0 {
						continue
					}
					j := (y+dy)*stride + (x+dx)*4
					dr := r1 - float64(pix[j])
					dg := g1 - float64(pix[j+1])
					db := b1 - float64(pix[j+2])
					edge += math.Sqrt(dr*dr + dg*dg + db*db)
				}
			}
			edge /= 8 * 255
			brightness := (r1 + g1 + b1) / (3 * 255)

			out[y*w+x] = e.config.ContrastWeight*edge + e.config.ColorWeight*brightness
		}
	}
	return out
}

// summedArea builds a (w+1)x(h+1) integral image of m
func summedArea(m []float64, w, h int) []float64 {
	s := make([]float64, (w+1)*(h+1))
	for y := 0; y < h; y++ {
		var row float64
		for x := 0; x < w; x++ {
			row += m[y*w+x]
			s[(y+1)*(w+1)+x+1] = s[y*(w+1)+x+1] + row
		}
	}
	return s
}

func windowMean(s []float64, w, x, y, size int) float64 {
	stride := w + 1
	sum := s[(y+size)*stride+x+size] - s[y*stride+x+size] - s[(y+size)*stride+x] + s[y*stride+x]
	return sum / float64(size*size)
}
