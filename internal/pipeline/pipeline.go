// Package pipeline orchestrates a document from upload to a validated Bill:
// normalization, zone detection, multi-pass OCR, candidate generation,
// catalog matching and validation.
package pipeline

import (
	"errors"
	"log/slog"
	"runtime"

	"github.com/MeKo-Tech/billscan/internal/bill"
	"github.com/MeKo-Tech/billscan/internal/calibrate"
	"github.com/MeKo-Tech/billscan/internal/catalog"
	"github.com/MeKo-Tech/billscan/internal/document"
	"github.com/MeKo-Tech/billscan/internal/extract"
	"github.com/MeKo-Tech/billscan/internal/match"
	"github.com/MeKo-Tech/billscan/internal/ocr"
	"github.com/MeKo-Tech/billscan/internal/validate"
	"github.com/MeKo-Tech/billscan/internal/zone"
)

// Config holds configuration for the extraction pipeline and its components.
type Config struct {
	Normalizer document.NormalizerConfig
	Zones      zone.DetectorConfig
	OCR        ocr.Config
	Extract    extract.Config
	Match      match.Config
	Validate   validate.Config

	// Profiles are the OCR passes run per zone, reconciled by voting.
	Profiles []ocr.Profile
	// Workers bounds the per-page fan-out (0 = runtime.NumCPU()).
	Workers int
	// TextLayerQuality is the minimum embedded-text quality at which a PDF
	// page skips raster OCR and uses its text layer directly.
	TextLayerQuality float64
	// LexiconPath optionally merges a YAML label lexicon over the built-in
	// defaults.
	LexiconPath string
}

// DefaultConfig returns a default pipeline config with component defaults.
func DefaultConfig() Config {
	return Config{
		Normalizer:       document.DefaultNormalizerConfig(),
		Zones:            zone.DefaultDetectorConfig(),
		OCR:              ocr.DefaultConfig(),
		Extract:          extract.DefaultConfig(),
		Match:            match.DefaultConfig(),
		Validate:         validate.DefaultConfig(),
		Profiles:         []ocr.Profile{ocr.ProfileFast, ocr.ProfileBalanced, ocr.ProfileHighAccuracy},
		Workers:          runtime.NumCPU(),
		TextLayerQuality: 0.8,
	}
}

// Store is the persistence surface the pipeline needs.
type Store interface {
	PutDocument(d *document.Document) error
	GetDocument(id string) (*document.Document, error)
	PutPages(documentID string, pages []document.Page) error
	GetPage(documentID string, number int) (*document.Page, error)
	PutZones(documentID string, page, version int, zones []zone.Zone) error
	LatestZones(documentID string, page int) ([]zone.Zone, int, error)
	CreateBill(b *bill.Bill) error
	BillForDocument(documentID string) (*bill.Bill, error)
	DocumentMasks(documentID string) ([]document.Mask, error)
	VendorMasks(vendorID string) ([]document.Mask, error)
}

// Pipeline wires the extraction stages together.
type Pipeline struct {
	cfg          Config
	logger       *slog.Logger
	store        Store
	normalizer   *document.Normalizer
	zones        *zone.Detector
	orchestrator *ocr.Orchestrator
	generator    *extract.Generator
	matcher      *match.Engine
	validator    *validate.Engine
	calibrator   *calibrate.Calibrator
}

// Builder constructs a Pipeline with fluent configuration.
type Builder struct {
	cfg        Config
	logger     *slog.Logger
	backend    ocr.Backend
	store      Store
	aliases    match.AliasSource
	history    match.HistorySource
	catalog    catalog.Lookup
	calibrator *calibrate.Calibrator
}

// NewBuilder creates a new pipeline builder with defaults.
func NewBuilder() *Builder { return &Builder{cfg: DefaultConfig()} }

// WithConfig replaces the whole config.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.cfg = cfg
	return b
}

// WithLogger sets the structured logger.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithBackend sets the OCR backend.
func (b *Builder) WithBackend(backend ocr.Backend) *Builder {
	b.backend = backend
	return b
}

// WithStore sets the persistence backend.
func (b *Builder) WithStore(s Store) *Builder {
	b.store = s
	return b
}

// WithCatalog sets the catalog and match data sources.
func (b *Builder) WithCatalog(aliases match.AliasSource, history match.HistorySource, cat catalog.Lookup) *Builder {
	b.aliases = aliases
	b.history = history
	b.catalog = cat
	return b
}

// WithCalibrator sets the confidence calibrator.
func (b *Builder) WithCalibrator(cal *calibrate.Calibrator) *Builder {
	b.calibrator = cal
	return b
}

// WithWorkers bounds the per-page worker pool.
func (b *Builder) WithWorkers(n int) *Builder {
	if n > 0 {
		b.cfg.Workers = n
	}
	return b
}

// WithProfiles sets the OCR pass profiles.
func (b *Builder) WithProfiles(profiles ...ocr.Profile) *Builder {
	if len(profiles) > 0 {
		b.cfg.Profiles = profiles
	}
	return b
}

// WithLexiconPath merges a YAML label lexicon over the defaults.
func (b *Builder) WithLexiconPath(path string) *Builder {
	b.cfg.LexiconPath = path
	return b
}

// Build validates the wiring and assembles the pipeline.
func (b *Builder) Build() (*Pipeline, error) {
	if b.backend == nil {
		return nil, errors.New("pipeline requires an ocr backend")
	}
	if b.store == nil {
		return nil, errors.New("pipeline requires a store")
	}
	if b.catalog == nil || b.aliases == nil || b.history == nil {
		return nil, errors.New("pipeline requires catalog, alias and history sources")
	}
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	cal := b.calibrator
	if cal == nil {
		cal = calibrate.NewCalibrator(nil)
	}

	lex := extract.DefaultLexicon()
	if b.cfg.LexiconPath != "" {
		loaded, err := extract.LoadLexicon(b.cfg.LexiconPath)
		if err != nil {
			return nil, err
		}
		lex = loaded
	}

	return &Pipeline{
		cfg:          b.cfg,
		logger:       logger,
		store:        b.store,
		normalizer:   document.NewNormalizer(b.cfg.Normalizer),
		zones:        zone.NewDetector(b.cfg.Zones),
		orchestrator: ocr.NewOrchestrator(b.backend, b.cfg.OCR, logger),
		generator:    extract.NewGenerator(b.cfg.Extract, lex, cal),
		matcher:      match.NewEngine(b.aliases, b.history, b.catalog, b.cfg.Match),
		validator:    validate.NewEngine(b.cfg.Validate),
		calibrator:   cal,
	}, nil
}
