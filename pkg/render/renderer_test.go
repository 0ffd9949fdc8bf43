package render

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/focal-crop/pkg/processing"
	"github.com/menta2k/focal-crop/pkg/types"
)

var defaultFormats = []types.FormatSpec{
	{Suffix: "_XL", Width: 144, Height: 108},
	{Suffix: "_MD", Width: 63, Height: 47},
	{Suffix: "_SM", Width: 26, Height: 19},
}

func createTestImage(width, height int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.NRGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	return img
}

// failingCodec wraps the real codec and fails Encode on the n-th call
type failingCodec struct {
	*processing.Processor
	failOn int
	calls  int
}

func (f *failingCodec) Encode(img image.Image, format string, quality int, lossless bool) ([]byte, error) {
	f.calls++
	if f.calls == f.failOn {
		return nil, errors.New("disk full of pixels")
	}
	return f.Processor.Encode(img, format, quality, lossless)
}

func TestRenderAll(t *testing.T) {
	tests := []struct {
		format string
		ext    string
	}{
		{"jpg", "jpg"},
		{"jpeg", "jpg"},
		{"png", "png"},
		{"webp", "webp"},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			dir := t.TempDir()
			r := New(processing.NewProcessor(), nil, Options{Format: tt.format, Quality: 80})

			paths, err := r.RenderAll(createTestImage(400, 300), types.Center(), defaultFormats, dir, "IMG_0001")
			require.NoError(t, err)
			require.Len(t, paths, 3)

			for i, f := range defaultFormats {
				assert.Equal(t, filepath.Join(dir, "IMG_0001"+f.Suffix+"."+tt.ext), paths[i])

				data, err := os.ReadFile(paths[i])
				require.NoError(t, err)
				img, err := imaging.Decode(bytes.NewReader(data))
				require.NoError(t, err)
				assert.Equal(t, f.Width, img.Bounds().Dx(), f.Suffix)
				assert.Equal(t, f.Height, img.Bounds().Dy(), f.Suffix)
			}
			assert.Equal(t, r.OutputPaths(dir, "IMG_0001", defaultFormats), paths)
		})
	}
}

func TestRenderAllRollsBack(t *testing.T) {
	dir := t.TempDir()
	codec := &failingCodec{Processor: processing.NewProcessor(), failOn: 2}
	r := New(codec, nil, Options{})

	paths, err := r.RenderAll(createTestImage(400, 300), types.Center(), defaultFormats, dir, "broken")
	require.Error(t, err)
	assert.Nil(t, paths)

	var encErr *EncodeError
	require.True(t, errors.As(err, &encErr))
	assert.Equal(t, "_MD", encErr.Format)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no output for a failed image may remain")
}

func TestRenderAllFailureRemovesPreviousOutputs(t *testing.T) {
	dir := t.TempDir()
	img := createTestImage(400, 300)

	good := New(processing.NewProcessor(), nil, Options{})
	paths, err := good.RenderAll(img, types.Center(), defaultFormats, dir, "again")
	require.NoError(t, err)
	require.Len(t, paths, 3)

	// a rerun that fails on the second format
	bad := New(&failingCodec{Processor: processing.NewProcessor(), failOn: 2}, nil, Options{})
	_, err = bad.RenderAll(img, types.FocalPoint{X: 0.2, Y: 0.2, Source: types.SourceDetection}, defaultFormats, dir, "again")
	require.Error(t, err)

	for _, p := range paths {
		assert.NoFileExists(t, p)
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRenderAllKeepsOtherStems(t *testing.T) {
	dir := t.TempDir()
	img := createTestImage(400, 300)

	good := New(processing.NewProcessor(), nil, Options{})
	kept, err := good.RenderAll(img, types.Center(), defaultFormats, dir, "keep")
	require.NoError(t, err)

	bad := New(&failingCodec{Processor: processing.NewProcessor(), failOn: 1}, nil, Options{})
	_, err = bad.RenderAll(img, types.Center(), defaultFormats, dir, "lose")
	require.Error(t, err)

	for _, p := range kept {
		assert.FileExists(t, p)
	}
}

func TestRenderUsesCropRect(t *testing.T) {
	// left half red, right half blue
	img := image.NewNRGBA(image.Rect(0, 0, 200, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 200; x++ {
			c := color.NRGBA{255, 0, 0, 255}
			if x >= 100 {
				c = color.NRGBA{0, 0, 255, 255}
			}
			img.Set(x, y, c)
		}
	}

	r := New(processing.NewProcessor(), nil, Options{Format: "png"})
	data, err := r.Render(img, types.CropRect{Left: 110, Top: 0, Right: 200, Bottom: 90}, types.FormatSpec{Suffix: "_SQ", Width: 30, Height: 30})
	require.NoError(t, err)

	out, err := imaging.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	r0, _, b0, _ := out.At(15, 15).RGBA()
	assert.Less(t, r0, uint32(0x1000))
	assert.Greater(t, b0, uint32(0xf000))
}

func TestRenderBadCrop(t *testing.T) {
	r := New(processing.NewProcessor(), nil, Options{})
	_, err := r.Render(createTestImage(10, 10), types.CropRect{Left: 0, Top: 0, Right: 20, Bottom: 20}, types.FormatSpec{Suffix: "_X", Width: 5, Height: 5})

	var encErr *EncodeError
	assert.True(t, errors.As(err, &encErr))
}
