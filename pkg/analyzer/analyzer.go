package analyzer

import (
	"fmt"
	"image"
	"os"
	"strings"

	"github.com/menta2k/focal-crop/pkg/processing"
)

// InvalidImageError means a source file cannot be used: unreadable, corrupt,
// an unsupported format or too small. The file fails; the batch goes on.
type InvalidImageError struct {
	Path   string
	Reason string
	Err    error
}

func (e *InvalidImageError) Error() string {
	msg := "invalid image"
	if e.Path != "" {
		msg += " " + e.Path
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvalidImageError) Unwrap() error { return e.Err }

// ImageAnalyzer loads and validates source images
type ImageAnalyzer struct {
	config    Config
	processor *processing.Processor
}

// Config holds configuration for the image analyzer
type Config struct {
	SupportedFormats []string
	MinImageSize     int
	// MaxPixels rejects images whose header announces more pixels than this; 0 disables the check
	MaxPixels int
}

// DefaultMaxPixels guards against decompression bombs
const DefaultMaxPixels = 178956970

// DefaultFormats are the decoders registered by pkg/processing
var DefaultFormats = []string{"jpeg", "png", "webp", "gif", "bmp", "tiff"}

// New creates a new ImageAnalyzer with default configuration
func New() *ImageAnalyzer {
	return NewWithConfig(Config{
		SupportedFormats: DefaultFormats,
		MinImageSize:     16,
		MaxPixels:        DefaultMaxPixels,
	})
}

// NewWithConfig creates a new ImageAnalyzer with custom configuration
func NewWithConfig(config Config) *ImageAnalyzer {
	if config.MinImageSize < 1 {
		config.MinImageSize = 1
	}
	return &ImageAnalyzer{config: config, processor: processing.NewProcessor()}
}

// LoadImage reads, checks and decodes an image file. Every failure is an
// *InvalidImageError.
func (a *ImageAnalyzer) LoadImage(path string) (image.Image, ImageInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ImageInfo{}, &InvalidImageError{Path: path, Reason: "unreadable", Err: err}
	}
	img, info, err := a.LoadImageBytes(data)
	if err != nil {
		if ie, ok := err.(*InvalidImageError); ok {
			ie.Path = path
		}
		return nil, ImageInfo{}, err
	}
	return img, info, nil
}

// LoadImageBytes checks the header before decoding the pixels
func (a *ImageAnalyzer) LoadImageBytes(data []byte) (image.Image, ImageInfo, error) {
	cfg, format, err := a.processor.DecodeConfig(data)
	if err != nil {
		return nil, ImageInfo{}, &InvalidImageError{Reason: "unrecognised image data", Err: err}
	}
	if !a.isFormatSupported(format) {
		return nil, ImageInfo{}, &InvalidImageError{Reason: fmt.Sprintf("unsupported image format: %s", format)}
	}
	if a.config.MaxPixels > 0 && cfg.Width*cfg.Height > a.config.MaxPixels {
		return nil, ImageInfo{}, &InvalidImageError{Reason: fmt.Sprintf("image too large: %dx%d", cfg.Width, cfg.Height)}
	}

	img, err := a.processor.Decode(data)
	if err != nil {
		return nil, ImageInfo{}, &InvalidImageError{Reason: "corrupt image data", Err: err}
	}
	if err := a.ValidateImage(img); err != nil {
		return nil, ImageInfo{}, err
	}

	info := a.GetImageInfo(img)
	info.Format = format
	return img, info, nil
}

// GetImageInfo returns basic information about an image
func (a *ImageAnalyzer) GetImageInfo(img image.Image) ImageInfo {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	info := ImageInfo{
		Width:  width,
		Height: height,
		Area:   width * height,
	}
	if height > 0 {
		info.AspectRatio = float64(width) / float64(height)
	}
	return info
}

// ImageInfo contains basic image metadata
type ImageInfo struct {
	Format      string
	Width       int
	Height      int
	AspectRatio float64
	Area        int
}

func (a *ImageAnalyzer) isFormatSupported(format string) bool {
	for _, supported := range a.config.SupportedFormats {
		if strings.EqualFold(format, supported) || (format == "jpeg" && strings.EqualFold(supported, "jpg")) {
			return true
		}
	}
	return false
}

// ValidateImage checks if an image meets minimum requirements
func (a *ImageAnalyzer) ValidateImage(img image.Image) error {
	bounds := img.Bounds()
	if bounds.Dx() < a.config.MinImageSize || bounds.Dy() < a.config.MinImageSize {
		return &InvalidImageError{Reason: fmt.Sprintf("image too small: %dx%d (minimum: %d)",
			bounds.Dx(), bounds.Dy(), a.config.MinImageSize)}
	}
	return nil
}
