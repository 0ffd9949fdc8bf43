package types

import "fmt"

// Box is a pixel-space bounding box. XMax and YMax are exclusive.
type Box struct {
	XMin int `json:"x_min" yaml:"x_min"`
	YMin int `json:"y_min" yaml:"y_min"`
	XMax int `json:"x_max" yaml:"x_max"`
	YMax int `json:"y_max" yaml:"y_max"`
}

// Center returns the box centre in pixel coordinates
func (b Box) Center() (float64, float64) {
	return float64(b.XMin+b.XMax) / 2, float64(b.YMin+b.YMax) / 2
}

// Area returns the box area in pixels
func (b Box) Area() int {
	return (b.XMax - b.XMin) * (b.YMax - b.YMin)
}

// Detection is a single labelled object found by a detector
type Detection struct {
	Label      string  `json:"label" yaml:"label"`
	Confidence float64 `json:"confidence" yaml:"confidence"`
	Box        Box     `json:"box" yaml:"box"`
}

// SaliencyRegion is the centre of a visually prominent area, in pixels
type SaliencyRegion struct {
	X      float64 `json:"x" yaml:"x"`
	Y      float64 `json:"y" yaml:"y"`
	Weight float64 `json:"weight" yaml:"weight"`
}

// FocalSource tells where a focal point came from
type FocalSource string

const (
	SourceDetection      FocalSource = "detection"
	SourceSaliency       FocalSource = "saliency"
	SourceCenterFallback FocalSource = "center-fallback"
)

// FocalPoint is the normalized visual centre of an image. X and Y are in [0,1].
type FocalPoint struct {
	X          float64     `json:"x" yaml:"x"`
	Y          float64     `json:"y" yaml:"y"`
	Source     FocalSource `json:"source" yaml:"source"`
	Confidence float64     `json:"confidence" yaml:"confidence"`
}

// Center is the geometric-centre fallback
func Center() FocalPoint {
	return FocalPoint{X: 0.5, Y: 0.5, Source: SourceCenterFallback}
}

// FormatSpec is a named output size
type FormatSpec struct {
	Suffix string `json:"suffix" yaml:"suffix"`
	Width  int    `json:"width" yaml:"width"`
	Height int    `json:"height" yaml:"height"`
}

// Ratio returns width/height
func (f FormatSpec) Ratio() float64 {
	return float64(f.Width) / float64(f.Height)
}

func (f FormatSpec) String() string {
	return fmt.Sprintf("%s(%dx%d)", f.Suffix, f.Width, f.Height)
}

// CropRect is a pixel-space crop region. Right and Bottom are exclusive.
type CropRect struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// Width of the rectangle
func (r CropRect) Width() int { return r.Right - r.Left }

// Height of the rectangle
func (r CropRect) Height() int { return r.Bottom - r.Top }

func (r CropRect) String() string {
	return fmt.Sprintf("[%d,%d %dx%d]", r.Left, r.Top, r.Width(), r.Height())
}

// Status is the lifecycle state of a source file within a run
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

// ProcessingRecord tracks one source file through a run
type ProcessingRecord struct {
	SourcePath string      `json:"source_path"`
	Status     Status      `json:"status"`
	Outputs    []string    `json:"outputs,omitempty"`
	Skipped    bool        `json:"skipped,omitempty"`
	Err        string      `json:"error,omitempty"`
	Focal      *FocalPoint `json:"focal,omitempty"`
	// Degraded holds the reason a focal point fell back after a capability error
	Degraded string `json:"degraded,omitempty"`
	// OutputBytes is the total size of the outputs written in this run
	OutputBytes int64 `json:"output_bytes,omitempty"`
}
