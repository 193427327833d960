package document

import (
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"
)

// Status tracks a document through the extraction pipeline.
type Status string

const (
	StatusUploaded      Status = "Uploaded"
	StatusNormalizing   Status = "Normalizing"
	StatusOcrInProgress Status = "OcrInProgress"
	StatusExtracted     Status = "Extracted"
	StatusFailed        Status = "Failed"
)

// Sentinel errors raised while loading an uploaded artifact.
var (
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrCorruptDocument   = errors.New("corrupt document")
	ErrEmptyDocument     = errors.New("document has no pages")
)

// Document is one uploaded artifact (PDF or image set). The pipeline owns it
// exclusively until a Bill is derived; after extraction starts only mask
// regions may be appended.
type Document struct {
	ID         string    `json:"id"`
	StoreID    string    `json:"store_id"`
	MIME       string    `json:"mime"`
	PageCount  int       `json:"page_count"`
	Status     Status    `json:"status"`
	VendorHint string    `json:"vendor_hint,omitempty"`
	UploadedAt time.Time `json:"uploaded_at"`
	Version    uint64    `json:"version"`

	Masks []Mask `json:"masks,omitempty"`
}

// New creates a Document in the Uploaded state.
func New(storeID, mime, vendorHint string) *Document {
	return &Document{
		ID:         uuid.NewString(),
		StoreID:    storeID,
		MIME:       mime,
		Status:     StatusUploaded,
		VendorHint: vendorHint,
		UploadedAt: time.Now().UTC(),
	}
}

// validStatusMoves enumerates the transitions the normalizer and pipeline
// are permitted to drive.
var validStatusMoves = map[Status][]Status{
	StatusUploaded:      {StatusNormalizing},
	StatusNormalizing:   {StatusOcrInProgress, StatusFailed},
	StatusOcrInProgress: {StatusExtracted, StatusFailed},
	StatusFailed:        {StatusNormalizing}, // retry after transient failure
}

// SetStatus transitions the document status, rejecting invalid moves.
func (d *Document) SetStatus(next Status) error {
	for _, s := range validStatusMoves[d.Status] {
		if s == next {
			d.Status = next
			return nil
		}
	}
	return fmt.Errorf("invalid document status transition %s -> %s", d.Status, next)
}

// Page is one normalized page: a raster image at a consistent DPI plus, for
// PDFs with an extractable text layer, the parallel structured text stream.
type Page struct {
	Number    int         // 1-based
	Image     image.Image // normalized (orientation corrected) raster
	TextLayer *TextLayer  // nil unless the source PDF carried vector text

	// OrientationApplied is the rotation (degrees CCW) undone during
	// normalization, kept for evidence reproducibility.
	OrientationApplied int
}

// TextLayer holds vector text extracted from a PDF page.
type TextLayer struct {
	Text     string
	Words    []Word
	Quality  float64 // 0..1, usability of the embedded text
	Coverage float64 // fraction of the page area covered by text

	// PageWidth and PageHeight are the source media box dimensions in
	// points. Non-zero until the normalizer rescales the word boxes into
	// raster pixel space.
	PageWidth  float64
	PageHeight float64
}

// Word is one positioned token of a text layer. Coordinates are in page
// pixel space after normalization.
type Word struct {
	Text string
	Box  image.Rectangle
}
