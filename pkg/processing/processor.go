package processing

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/focal-crop/pkg/types"
)

// Processor is the image codec: decode, crop-and-resize, encode
type Processor struct{}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return &Processor{}
}

// filters allowed for downscaling. Nearest neighbour is deliberately absent.
var filters = map[string]imaging.ResampleFilter{
	"lanczos":    imaging.Lanczos,
	"catmullrom": imaging.CatmullRom,
	"mitchell":   imaging.MitchellNetravali,
	"linear":     imaging.Linear,
}

// FilterByName returns the resampling filter registered under name
func FilterByName(name string) (imaging.ResampleFilter, error) {
	if name == "" {
		return imaging.Lanczos, nil
	}
	f, ok := filters[strings.ToLower(name)]
	if !ok {
		return imaging.ResampleFilter{}, fmt.Errorf("unsupported resampling filter %q (use lanczos, catmullrom, mitchell or linear)", name)
	}
	return f, nil
}

// DecodeConfig reads the format and dimensions without decoding pixels
func (p *Processor) DecodeConfig(data []byte) (image.Config, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil && isWebP(data) {
		if wc, werr := webp.DecodeConfig(bytes.NewReader(data)); werr == nil {
			return wc, "webp", nil
		}
	}
	return cfg, format, err
}

// Decode decodes image bytes, applying the EXIF orientation so crops are taken
// from the image as it is meant to be viewed
func (p *Processor) Decode(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err == nil {
		return img, nil
	}

	// Fallback: explicit WebP decode
	if isWebP(data) {
		if wimg, werr := webp.Decode(bytes.NewReader(data)); werr == nil {
			return wimg, nil
		}
	}
	return nil, fmt.Errorf("image: unknown or unsupported format: %w", err)
}

func isWebP(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP"
}

// CropAndResize cuts rect out of img and resamples it to exactly width x height
func (p *Processor) CropAndResize(img image.Image, rect types.CropRect, width, height int, filter imaging.ResampleFilter) (image.Image, error) {
	b := img.Bounds()
	r := image.Rect(rect.Left, rect.Top, rect.Right, rect.Bottom).Add(b.Min)
	if r.Intersect(b) != r || r.Empty() {
		return nil, fmt.Errorf("crop %v outside image bounds %v", rect, b)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", width, height)
	}

	cropped := imaging.Crop(img, r)
	return imaging.Resize(cropped, width, height, filter), nil
}

// PrepareImageForModel converts an image to base64 for sending to vision models.
// It also returns the size of the image actually encoded, which is the frame
// pixel coordinates in the model's answer refer to.
func (p *Processor) PrepareImageForModel(img image.Image, format string, maxDim int, quality int) (string, image.Point, error) {
	if maxDim > 0 {
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		if w > maxDim || h > maxDim {
			if w >= h {
				img = imaging.Resize(img, maxDim, 0, imaging.Lanczos)
			} else {
				img = imaging.Resize(img, 0, maxDim, imaging.Lanczos)
			}
		}
	}

	sent := img.Bounds().Size()

	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return "", image.Point{}, err
		}
	default: // jpg
		if err := jpeg.Encode(&buf, flatten(img), &jpeg.Options{Quality: quality}); err != nil {
			return "", image.Point{}, err
		}
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), sent, nil
}

// Encode serializes img as jpg, png or webp. Quality applies to jpg and lossy webp.
func (p *Processor) Encode(img image.Image, format string, quality int, lossless bool) ([]byte, error) {
	var buf bytes.Buffer
	var err error

	switch strings.ToLower(format) {
	case "webp":
		err = webp.Encode(&buf, img, &webp.Options{Lossless: lossless, Quality: float32(quality)})
	case "png":
		err = imaging.Encode(&buf, img, imaging.PNG)
	case "jpg", "jpeg":
		err = imaging.Encode(&buf, flatten(img), imaging.JPEG, imaging.JPEGQuality(quality))
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// flatten composes translucent images onto white; JPEG has no alpha channel
func flatten(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}
