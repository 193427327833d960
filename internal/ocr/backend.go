// Package ocr coordinates one or more recognition passes over a page region
// and reconciles them into a consensus text layer. The actual character
// recognition is an external collaborator consumed through Backend.
package ocr

import (
	"context"
	"errors"
	"image"
)

// Profile selects a recognition quality/speed trade-off.
type Profile string

const (
	ProfileFast         Profile = "Fast"
	ProfileBalanced     Profile = "Balanced"
	ProfileHighAccuracy Profile = "HighAccuracy"
)

// Weight is the accuracy weight used when passes disagree; a token from a
// heavier pass wins a vote.
func (p Profile) Weight() float64 {
	switch p {
	case ProfileFast:
		return 0.6
	case ProfileBalanced:
		return 0.8
	case ProfileHighAccuracy:
		return 1.0
	default:
		return 0.5
	}
}

// Valid reports whether p is a known profile.
func (p Profile) Valid() bool {
	switch p {
	case ProfileFast, ProfileBalanced, ProfileHighAccuracy:
		return true
	}
	return false
}

// Errors surfaced by the orchestrator.
var (
	// ErrBackendUnavailable is returned after retries are exhausted; the
	// owning document transitions to Failed.
	ErrBackendUnavailable = errors.New("ocr backend unavailable")
	// ErrTimeout is returned for a deadline-bounded targeted pass; it is
	// non-fatal and prior candidates remain selected.
	ErrTimeout = errors.New("ocr pass timed out")
)

// Token is one recognized token with its confidence and position.
type Token struct {
	Text       string          `json:"text"`
	Confidence float64         `json:"confidence"`
	Box        image.Rectangle `json:"box"`
}

// PassResult is the output of a single recognition pass.
type PassResult struct {
	Profile Profile `json:"profile"`
	Tokens  []Token `json:"tokens"`
}

// Backend performs recognition on an image region. Implementations wrap the
// host system's OCR engine; transient failures should be reported as
// errors wrapping ErrBackendUnavailable so the orchestrator retries them.
type Backend interface {
	Recognize(ctx context.Context, img image.Image, profile Profile) (PassResult, error)
}
