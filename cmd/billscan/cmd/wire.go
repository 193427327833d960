package cmd

import (
	"fmt"
	"log/slog"

	"github.com/MeKo-Tech/billscan/internal/calibrate"
	"github.com/MeKo-Tech/billscan/internal/config"
	"github.com/MeKo-Tech/billscan/internal/match"
	"github.com/MeKo-Tech/billscan/internal/ocr"
	"github.com/MeKo-Tech/billscan/internal/pipeline"
	"github.com/MeKo-Tech/billscan/internal/review"
	"github.com/MeKo-Tech/billscan/internal/store"
	"github.com/MeKo-Tech/billscan/internal/validate"
)

// app bundles the wired application graph shared by process and serve.
type app struct {
	store      *store.Store
	pipeline   *pipeline.Pipeline
	review     *review.Manager
	matcher    *match.Engine
	calibrator *calibrate.Calibrator
}

// buildApp wires the full dependency graph from configuration. The
// in-memory store backs every persistence surface; hosted deployments
// substitute their own implementations behind the same interfaces.
func buildApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := store.New()
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}

	cal := calibrate.NewCalibrator(st)
	pCfg := cfg.ToPipelineConfig()

	backend := ocr.NewTesseractBackend("eng")
	if !backend.Available() {
		logger.Warn("tesseract binary not found; raster OCR passes will fail until it is installed")
	}

	pl, err := pipeline.NewBuilder().
		WithConfig(pCfg).
		WithLogger(logger).
		WithBackend(backend).
		WithStore(st).
		WithCatalog(st, st, st).
		WithCalibrator(cal).
		Build()
	if err != nil {
		return nil, fmt.Errorf("building pipeline: %w", err)
	}

	matcher := match.NewEngine(st, st, st, pCfg.Match)
	validator := validate.NewEngine(pCfg.Validate)
	mgr := review.NewManager(st, st, st, validator, cal, pl, st)

	return &app{
		store:      st,
		pipeline:   pl,
		review:     mgr,
		matcher:    matcher,
		calibrator: cal,
	}, nil
}
