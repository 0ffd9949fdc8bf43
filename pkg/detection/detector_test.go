package detection

import (
	"context"
	"errors"
	"image"
	"image/color"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/menta2k/focal-crop/pkg/types"
)

type fakeClient struct {
	answer string
	err    error
	prompt string
	model  string
	calls  int
}

func (f *fakeClient) Query(_ context.Context, model, prompt, imgB64 string) (string, error) {
	f.calls++
	f.model = model
	f.prompt = prompt
	if imgB64 == "" {
		return "", errors.New("no image")
	}
	return f.answer, f.err
}

func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 64, 255})
		}
	}
	return img
}

func TestDetect(t *testing.T) {
	fc := &fakeClient{answer: "```json\n" + `{
  "detections": [
    {"label": " Person ", "confidence": 0.9, "box": {"x": 0.25, "y": 0.5, "w": 0.5, "h": 0.25}},
    {"label": "crane", "confidence": 0.1, "box": {"x": 0.0, "y": 0.0, "w": 0.1, "h": 0.1}},
  ]
}` + "\n```"}
	d := NewDetector(fc, Options{Model: "vision", SendSize: 64})

	dets, err := d.Detect(context.Background(), createTestImage(200, 100), []string{"person", "crane", "Person"}, 0.15)
	require.NoError(t, err)
	require.Len(t, dets, 1)

	assert.Equal(t, "person", dets[0].Label)
	assert.Equal(t, 0.9, dets[0].Confidence)
	assert.Equal(t, types.Box{XMin: 50, YMin: 50, XMax: 150, YMax: 75}, dets[0].Box)

	assert.Equal(t, "vision", fc.model)
	assert.Contains(t, fc.prompt, "person, crane.")
}

func TestDetectNoPrompts(t *testing.T) {
	fc := &fakeClient{}
	d := NewDetector(fc, Options{})
	dets, err := d.Detect(context.Background(), createTestImage(10, 10), nil, 0)
	require.NoError(t, err)
	assert.Empty(t, dets)
	assert.Zero(t, fc.calls)
}

func TestDetectEmpty(t *testing.T) {
	d := NewDetector(&fakeClient{answer: `{"detections": []}`}, Options{})
	dets, err := d.Detect(context.Background(), createTestImage(10, 10), []string{"building"}, 0.15)
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestDetectErrors(t *testing.T) {
	tests := []struct {
		name   string
		client *fakeClient
	}{
		{"client failure", &fakeClient{err: errors.New("connection refused")}},
		{"prose answer", &fakeClient{answer: "I see a lovely building."}},
		{"broken json", &fakeClient{answer: `{"detections": [{"label": }`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDetector(tt.client, Options{})
			_, err := d.Detect(context.Background(), createTestImage(10, 10), []string{"building"}, 0.15)
			require.Error(t, err)
			var derr *Error
			assert.True(t, errors.As(err, &derr))
		})
	}
}

func TestDetectRateLimiterCancelled(t *testing.T) {
	lim := rate.NewLimiter(rate.Limit(0.001), 1)
	lim.Allow() // drain the burst

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fc := &fakeClient{answer: `{"detections": []}`}
	d := NewDetector(fc, Options{Limiter: lim})
	_, err := d.Detect(ctx, createTestImage(10, 10), []string{"building"}, 0)
	require.Error(t, err)
	assert.Zero(t, fc.calls)
}

func TestToDetectionsPixelBoxes(t *testing.T) {
	resp := &response{Detections: []rawDetection{
		{Label: "a", Confidence: 1.7, Box: box{X: 100, Y: 25, W: 50, H: 50}},
		{Label: "b", Confidence: 0.5, Box: box{X: 0.9, Y: 0.9, W: 0.5, H: 0.5}},
		{Label: "zero", Confidence: 0.5, Box: box{X: 0.5, Y: 0.5}},
	}}
	dets := toDetections(resp, 200, 100, image.Point{}, 0.2)
	require.Len(t, dets, 2)

	assert.Equal(t, 1.0, dets[0].Confidence)
	assert.Equal(t, types.Box{XMin: 100, YMin: 25, XMax: 150, YMax: 75}, dets[0].Box)
	// clipped to the image
	assert.Equal(t, types.Box{XMin: 180, YMin: 90, XMax: 200, YMax: 100}, dets[1].Box)
}

func TestDetectPixelBoxInSentFrame(t *testing.T) {
	// the model sees a 200x150 copy and answers in its pixels
	fc := &fakeClient{answer: `{"detections": [
    {"label": "crane", "confidence": 0.8, "box": {"x": 150, "y": 37.5, "w": 25, "h": 75}}
  ]}`}
	d := NewDetector(fc, Options{SendSize: 200})

	dets, err := d.Detect(context.Background(), createTestImage(800, 600), []string{"crane"}, 0.15)
	require.NoError(t, err)
	require.Len(t, dets, 1)

	assert.Equal(t, types.Box{XMin: 600, YMin: 150, XMax: 700, YMax: 450}, dets[0].Box)
	cx, cy := dets[0].Box.Center()
	assert.Equal(t, 650.0, cx)
	assert.Equal(t, 300.0, cy)
}

func TestSanitizeModelJSON(t *testing.T) {
	raw := "Sure!\n```json\n{\n  // the answer\n  \"detections\": [ /* none */ ],\n}\n```"
	assert.Equal(t, `{`, sanitizeModelJSON(raw)[:1])
	_, err := parseResponse(raw)
	assert.NoError(t, err)
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt([]string{" Building", "", "person", "building"})
	assert.True(t, strings.Contains(p, "classes: building, person."))
}
