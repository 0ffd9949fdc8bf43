package client

import "context"

// VisionClient sends one prompt plus one base64-encoded image to a vision model
// and returns the raw text of its answer.
type VisionClient interface {
	Query(ctx context.Context, model, prompt, imgB64 string) (string, error)
}
