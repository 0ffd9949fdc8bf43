package saliency

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/focal-crop/pkg/focal"
	"github.com/menta2k/focal-crop/pkg/types"
)

// createTestImage draws a black canvas with a black/white checkerboard
// patch at rect
func createTestImage(width, height int, patch image.Rectangle) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.RGBA{0, 0, 0, 255}
			if image.Pt(x, y).In(patch) && (x/4+y/4)%2 == 0 {
				c = color.RGBA{255, 220, 40, 255}
			}
			img.Set(x, y, c)
		}
	}
	return img
}

func TestEdgeEstimatorFindsPatch(t *testing.T) {
	img := createTestImage(400, 300, image.Rect(20, 20, 120, 120))

	regions, err := NewEdgeEstimator().Estimate(context.Background(), img)
	if err != nil {
		t.Fatalf("Estimate failed: %v", err)
	}
	if len(regions) == 0 {
		t.Fatal("Expected at least one region")
	}
	if len(regions) > 10 {
		t.Errorf("Expected at most 10 regions, got %d", len(regions))
	}

	for i, r := range regions {
		if r.Weight <= 0 {
			t.Errorf("Region %d has non-positive weight %f", i, r.Weight)
		}
		if r.X < 0 || r.X > 400 || r.Y < 0 || r.Y > 300 {
			t.Errorf("Region %d centre (%f, %f) outside image", i, r.X, r.Y)
		}
	}

	fp := focal.Resolve(nil, 400, 300, func() []types.SaliencyRegion { return regions }, focal.Options{})
	if fp.Source != types.SourceSaliency {
		t.Fatalf("Expected saliency focal point, got %s", fp.Source)
	}
	if fp.X > 0.5 || fp.Y > 0.5 {
		t.Errorf("Expected focal point in the top-left quadrant, got (%f, %f)", fp.X, fp.Y)
	}
}

func TestEdgeEstimatorFlatImage(t *testing.T) {
	img := createTestImage(320, 240, image.Rectangle{})

	regions, err := NewEdgeEstimator().Estimate(context.Background(), img)
	if err != nil {
		t.Fatalf("Estimate failed: %v", err)
	}
	if len(regions) != 0 {
		t.Errorf("Expected no regions on a flat black image, got %d", len(regions))
	}
}

func TestEdgeEstimatorErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEdgeEstimator().Estimate(ctx, createTestImage(64, 64, image.Rect(0, 0, 32, 32)))
	var serr *Error
	require.True(t, errors.As(err, &serr))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = NewEdgeEstimator().Estimate(context.Background(), image.NewRGBA(image.Rectangle{}))
	assert.True(t, errors.As(err, &serr))
}

func TestNewEdgeEstimatorWithConfig(t *testing.T) {
	e := NewEdgeEstimatorWithConfig(EdgeConfig{EdgeThreshold: 0.2})
	assert.Equal(t, 256, e.config.MaxDim)
	assert.Equal(t, 10, e.config.MaxRegions)
	assert.Equal(t, 0.3, e.config.ContrastWeight)
	assert.Equal(t, 0.2, e.config.EdgeThreshold)
}

func TestSummedArea(t *testing.T) {
	m := []float64{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	}
	s := summedArea(m, 3, 3)
	assert.InDelta(t, 45.0/9, windowMean(s, 3, 0, 0, 3), 1e-9)
	assert.InDelta(t, (5.0+6+8+9)/4, windowMean(s, 3, 1, 1, 2), 1e-9)
}

func TestSmartcropEstimator(t *testing.T) {
	img := createTestImage(400, 200, image.Rect(300, 0, 400, 200))

	regions, err := NewSmartcropEstimator().Estimate(context.Background(), img)
	require.NoError(t, err)
	require.Len(t, regions, 1)

	assert.Equal(t, 1.0, regions[0].Weight)
	assert.Greater(t, regions[0].X, 150.0, "crop should lean towards the detailed right side")
	assert.InDelta(t, 100, regions[0].Y, 1)
}

func TestNew(t *testing.T) {
	for _, m := range []string{"", "edge", "smartcrop"} {
		est, err := New(m)
		require.NoError(t, err)
		assert.NotNil(t, est, m)
	}

	est, err := New("none")
	require.NoError(t, err)
	assert.Nil(t, est)

	_, err = New("magic")
	assert.Error(t, err)
}

func BenchmarkEdgeEstimator(b *testing.B) {
	img := createTestImage(1600, 1200, image.Rect(200, 200, 600, 600))
	e := NewEdgeEstimator()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Estimate(context.Background(), img)
	}
}
