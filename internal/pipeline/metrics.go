package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	documentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billscan_documents_total",
			Help: "Documents processed by outcome",
		},
		[]string{"outcome"}, // outcome: ok, failed, duplicate
	)

	pagesProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "billscan_pages_processed_total",
			Help: "Normalized pages run through extraction",
		},
	)

	linesExtracted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "billscan_lines_extracted_total",
			Help: "Line items extracted from table zones",
		},
	)

	ocrPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billscan_ocr_passes_total",
			Help: "OCR passes executed by outcome",
		},
		[]string{"outcome"},
	)

	textLayerHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "billscan_text_layer_hits_total",
			Help: "Zones served from an embedded PDF text layer instead of OCR",
		},
	)

	matchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billscan_match_outcomes_total",
			Help: "Line match cascade outcomes by strategy",
		},
		[]string{"strategy"},
	)

	processingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "billscan_document_processing_duration_seconds",
			Help:    "End-to-end document processing duration in seconds",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 25, 50, 100},
		},
	)
)
