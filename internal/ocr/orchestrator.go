package ocr

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/MeKo-Tech/billscan/internal/document"
)

// Config controls pass orchestration and retry behavior.
type Config struct {
	// MaxAttempts bounds retries against a transiently failing backend.
	MaxAttempts int
	// RetryBackoff is the initial backoff, doubled per attempt up to
	// RetryBackoffCap.
	RetryBackoff    time.Duration
	RetryBackoffCap time.Duration
	// VoteThreshold is the minimum per-token confidence for a token to
	// participate in cross-pass voting.
	VoteThreshold float64
	// TargetedTimeout bounds an on-demand re-OCR pass.
	TargetedTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     4,
		RetryBackoff:    200 * time.Millisecond,
		RetryBackoffCap: 2 * time.Second,
		VoteThreshold:   0.5,
		TargetedTimeout: 3 * time.Second,
	}
}

// Result is the reconciled output over all requested passes. Disagreeing
// tokens are kept in Alternatives as competing evidence for the candidate
// generator, never silently discarded.
type Result struct {
	Text         string  `json:"text"`
	Tokens       []Token `json:"tokens"`
	Alternatives []Token `json:"alternatives,omitempty"`
	Passes       int     `json:"passes"`
	// Consensus maps token index -> number of passes that agreed on it.
	Consensus []int `json:"consensus,omitempty"`
}

// Orchestrator runs recognition passes through a Backend and reconciles them.
type Orchestrator struct {
	cfg     Config
	backend Backend
	logger  *slog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(backend Backend, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, backend: backend, logger: logger}
}

// Run executes one pass per requested profile over img (after blanking the
// given masks) and reconciles the passes by token-level voting.
func (o *Orchestrator) Run(ctx context.Context, img image.Image, masks []document.Mask, profiles ...Profile) (Result, error) {
	if len(profiles) == 0 {
		profiles = []Profile{ProfileBalanced}
	}
	prepared := document.ApplyMasks(img, masks)

	passes := make([]PassResult, 0, len(profiles))
	for _, p := range profiles {
		pass, err := o.runWithRetry(ctx, prepared, p)
		if err != nil {
			return Result{}, err
		}
		passes = append(passes, pass)
	}
	return reconcile(passes, o.cfg.VoteThreshold), nil
}

// RunTargeted performs a deadline-bounded re-OCR of a sub-region. On timeout
// it returns ErrTimeout; the caller keeps the prior candidates selected.
func (o *Orchestrator) RunTargeted(ctx context.Context, img image.Image, region image.Rectangle, masks []document.Mask, profile Profile) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.TargetedTimeout)
	defer cancel()

	rect := region.Intersect(img.Bounds())
	if rect.Empty() {
		return Result{}, fmt.Errorf("region %v outside page bounds", region)
	}
	crop := imaging.Crop(document.ApplyMasks(img, masks), rect)

	pass, err := o.runWithRetry(ctx, crop, profile)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{}, ErrTimeout
		}
		return Result{}, err
	}
	// Shift token boxes back into page coordinates.
	for i := range pass.Tokens {
		pass.Tokens[i].Box = pass.Tokens[i].Box.Add(rect.Min)
	}
	return reconcile([]PassResult{pass}, o.cfg.VoteThreshold), nil
}

// runWithRetry retries transient backend failures with bounded exponential
// backoff. Non-transient errors and context cancellation are not retried.
func (o *Orchestrator) runWithRetry(ctx context.Context, img image.Image, profile Profile) (PassResult, error) {
	backoff := o.cfg.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		pass, err := o.backend.Recognize(ctx, img, profile)
		if err == nil {
			return pass, nil
		}
		lastErr = err
		if !errors.Is(err, ErrBackendUnavailable) {
			return PassResult{}, err
		}
		o.logger.Warn("ocr backend attempt failed",
			"attempt", attempt, "profile", string(profile), "error", err)

		select {
		case <-ctx.Done():
			return PassResult{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, o.cfg.RetryBackoffCap)
	}
	return PassResult{}, fmt.Errorf("%w: %d attempts: %v", ErrBackendUnavailable, o.cfg.MaxAttempts, lastErr)
}

// TextOf joins token texts into a single line-broken string.
func TextOf(tokens []Token) string {
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = t.Text
	}
	return strings.Join(parts, " ")
}
