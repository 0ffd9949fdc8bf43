package cropper

import (
	"math"

	"github.com/menta2k/focal-crop/pkg/types"
)

// Cropper places fixed-aspect crop rectangles around a focal point
type Cropper struct {
	config CropConfig
}

// CropConfig holds configuration for crop placement
type CropConfig struct {
	// Zoom shrinks the crop below the largest fitting rectangle. 1 keeps it maximal.
	Zoom float64
}

// New creates a Cropper that always uses the largest fitting rectangle
func New() *Cropper {
	return &Cropper{config: CropConfig{Zoom: 1}}
}

// NewWithConfig creates a Cropper with custom configuration
func NewWithConfig(config CropConfig) *Cropper {
	if config.Zoom <= 0 || config.Zoom > 1 {
		config.Zoom = 1
	}
	return &Cropper{config: config}
}

// ComputeCrop returns the crop rectangle for one format. Width and height must be
// positive; images are validated before they reach this point.
func (c *Cropper) ComputeCrop(width, height int, focal types.FocalPoint, format types.FormatSpec) types.CropRect {
	cropW, cropH := fitAspect(width, height, format.Width, format.Height)

	if c.config.Zoom < 1 {
		cropW, cropH = zoomed(cropW, cropH, format, c.config.Zoom)
	}

	cx := clamp(focal.X, 0, 1) * float64(width)
	cy := clamp(focal.Y, 0, 1) * float64(height)

	left := place(cx, cropW, width)
	top := place(cy, cropH, height)

	return types.CropRect{
		Left:   left,
		Top:    top,
		Right:  left + cropW,
		Bottom: top + cropH,
	}
}

// ComputeCrop places a maximal crop with the default configuration
func ComputeCrop(width, height int, focal types.FocalPoint, format types.FormatSpec) types.CropRect {
	return New().ComputeCrop(width, height, focal, format)
}

// fitAspect returns the size of the largest targetW:targetH rectangle inside
// width x height. Ratios are compared by cross-multiplication so an exact match
// yields the full image.
func fitAspect(width, height, targetW, targetH int) (int, int) {
	w, h := int64(width), int64(height)
	tw, th := int64(targetW), int64(targetH)

	switch {
	case w*th == h*tw:
		return width, height
	case w*th > h*tw:
		// source is wider: full height
		cropW := (h*tw + th/2) / th
		return int(clampInt(cropW, 1, w)), height
	default:
		cropH := (w*th + tw/2) / tw
		return width, int(clampInt(cropH, 1, h))
	}
}

func zoomed(cropW, cropH int, format types.FormatSpec, zoom float64) (int, int) {
	w := int(math.Round(float64(cropW) * zoom))
	if w < 1 {
		w = 1
	}
	h := int(math.Round(float64(w) / format.Ratio()))
	if h < 1 {
		h = 1
	}
	if h > cropH {
		h = cropH
		w = min(max(int(math.Round(float64(h)*format.Ratio())), 1), cropW)
	}
	return w, h
}

// place centres a span of size on pos and shifts it back inside [0, limit]
func place(pos float64, size, limit int) int {
	start := int(math.Floor(pos - float64(size)/2))
	if start < 0 {
		start = 0
	}
	if start+size > limit {
		start = limit - size
	}
	return start
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
