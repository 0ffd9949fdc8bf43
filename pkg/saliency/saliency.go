// Package saliency estimates visually prominent regions of an image. It is
// consulted only when the detector found nothing.
package saliency

import (
	"errors"
	"fmt"
	"strings"

	"github.com/menta2k/focal-crop/pkg/focal"
)

var errEmptyImage = errors.New("image has no pixels")

// Error is a failed saliency estimate. It is never fatal to a batch.
type Error struct {
	Err error
}

func (e *Error) Error() string { return "saliency failed: " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Methods lists the accepted estimator names
var Methods = []string{"edge", "smartcrop", "none"}

// New returns the estimator registered under method, or nil for "none"
func New(method string) (focal.SaliencyEstimator, error) {
	switch strings.ToLower(method) {
	case "", "edge":
		return NewEdgeEstimator(), nil
	case "smartcrop":
		return NewSmartcropEstimator(), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown saliency method %q (use %s)", method, strings.Join(Methods, ", "))
	}
}
