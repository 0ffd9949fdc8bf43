package detection

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"math"
	"regexp"
	"strings"

	"golang.org/x/time/rate"

	"github.com/menta2k/focal-crop/pkg/client"
	"github.com/menta2k/focal-crop/pkg/processing"
	"github.com/menta2k/focal-crop/pkg/types"
)

// PromptTemplate asks the model for every instance of the prompted classes.
// %s receives the comma separated class list.
const PromptTemplate = `You are an object locator.

Find every visible instance of these classes: %s.

Return JSON only:
{
  "detections": [
    {"label": "class", "confidence": 0.0, "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}}
  ]
}

HARD RULES
- label must be one of the listed classes.
- box is the top-left corner plus width and height, normalized to [0,1] (NOT pixels).
- confidence is your certainty in [0,1].
- If nothing matches, return {"detections": []}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// Error is a failed detection call. It is never fatal to a batch.
type Error struct {
	Err error
}

func (e *Error) Error() string { return "detection failed: " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Options control how images are sent to the model
type Options struct {
	Model string
	// SendFormat is jpg or png
	SendFormat  string
	SendSize    int
	SendQuality int
	// Limiter throttles model calls; may be shared between detectors
	Limiter *rate.Limiter
}

// Detector handles prompted object detection using vision models
type Detector struct {
	client    client.VisionClient
	processor *processing.Processor
	opts      Options
}

// NewDetector creates a new detector with a vision client
func NewDetector(client client.VisionClient, opts Options) *Detector {
	if opts.SendFormat == "" {
		opts.SendFormat = "jpg"
	}
	if opts.SendQuality <= 0 {
		opts.SendQuality = 85
	}
	return &Detector{client: client, processor: processing.NewProcessor(), opts: opts}
}

// Detect asks the model to locate prompts in img and returns pixel-space
// detections at or above threshold
func (d *Detector) Detect(ctx context.Context, img image.Image, prompts []string, threshold float64) ([]types.Detection, error) {
	if len(prompts) == 0 {
		return nil, nil
	}

	imgB64, sent, err := d.processor.PrepareImageForModel(img, d.opts.SendFormat, d.opts.SendSize, d.opts.SendQuality)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("preparing image: %w", err)}
	}

	if d.opts.Limiter != nil {
		if err := d.opts.Limiter.Wait(ctx); err != nil {
			return nil, &Error{Err: err}
		}
	}

	raw, err := d.client.Query(ctx, d.opts.Model, BuildPrompt(prompts), imgB64)
	if err != nil {
		return nil, &Error{Err: err}
	}

	parsed, err := parseResponse(raw)
	if err != nil {
		return nil, &Error{Err: err}
	}

	b := img.Bounds()
	return toDetections(parsed, b.Dx(), b.Dy(), sent, threshold), nil
}

// Close releases the underlying client when it holds resources
func (d *Detector) Close() error {
	if c, ok := d.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// BuildPrompt fills PromptTemplate with the cleaned prompt list
func BuildPrompt(prompts []string) string {
	return fmt.Sprintf(PromptTemplate, strings.Join(normalizeLabels(prompts), ", "))
}

type box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

type rawDetection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        box     `json:"box"`
}

type response struct {
	Detections []rawDetection `json:"detections"`
}

func parseResponse(raw string) (*response, error) {
	cleaned := sanitizeModelJSON(raw)
	if !strings.HasPrefix(cleaned, "{") {
		return nil, fmt.Errorf("model returned non-JSON response: %.80q", raw)
	}

	var resp response
	if err := json.Unmarshal([]byte(cleaned), &resp); err != nil {
		return nil, fmt.Errorf("parsing model response: %w", err)
	}
	return &resp, nil
}

// toDetections converts normalized model boxes to pixel boxes inside the
// width x height image. Boxes that look like pixels (any coordinate above 1)
// are read in the frame of the image the model saw.
func toDetections(resp *response, width, height int, frame image.Point, threshold float64) []types.Detection {
	if frame.X <= 0 || frame.Y <= 0 {
		frame = image.Pt(width, height)
	}

	var out []types.Detection
	for _, r := range resp.Detections {
		conf := clamp(r.Confidence, 0, 1)
		if conf < threshold || math.IsNaN(r.Confidence) {
			continue
		}

		b := normalizeBox(r.Box, frame.X, frame.Y)
		px := types.Box{
			XMin: int(math.Floor(b.X * float64(width))),
			YMin: int(math.Floor(b.Y * float64(height))),
			XMax: int(math.Ceil(clamp(b.X+b.W, 0, 1) * float64(width))),
			YMax: int(math.Ceil(clamp(b.Y+b.H, 0, 1) * float64(height))),
		}
		if px.XMax <= px.XMin || px.YMax <= px.YMin {
			continue
		}

		out = append(out, types.Detection{
			Label:      strings.ToLower(strings.TrimSpace(r.Label)),
			Confidence: conf,
			Box:        px,
		})
	}
	return out
}

// normalizeBox maps pixel boxes of a frameW x frameH image to [0,1] and clamps
func normalizeBox(b box, frameW, frameH int) box {
	if b.X > 1 || b.Y > 1 || b.W > 1 || b.H > 1 {
		b = box{
			X: b.X / float64(frameW),
			Y: b.Y / float64(frameH),
			W: b.W / float64(frameW),
			H: b.H / float64(frameH),
		}
	}

	return box{
		X: clamp(b.X, 0, 1),
		Y: clamp(b.Y, 0, 1),
		W: clamp(b.W, 0, 1),
		H: clamp(b.H, 0, 1),
	}
}

// normalizeLabels trims, lowercases and deduplicates prompt labels
func normalizeLabels(labels []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(labels))
	for _, t := range labels {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

var (
	reBlock    = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLine     = regexp.MustCompile(`(?m)^\s*//.*$`)
	reTrailing = regexp.MustCompile(`,(\s*[}\]])`)
)

// sanitizeModelJSON removes code fences, comments, and trailing commas from JSON response
func sanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	// Strip triple-backtick fences if present
	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	raw = reBlock.ReplaceAllString(raw, "")
	raw = reLine.ReplaceAllString(raw, "")
	raw = reTrailing.ReplaceAllString(raw, "$1")

	// Keep only the outermost {...}
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}

// clamp ensures a value is within the given bounds
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
