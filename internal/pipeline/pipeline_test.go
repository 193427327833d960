package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/billscan/internal/bill"
	"github.com/MeKo-Tech/billscan/internal/catalog"
	"github.com/MeKo-Tech/billscan/internal/document"
	"github.com/MeKo-Tech/billscan/internal/extract"
	"github.com/MeKo-Tech/billscan/internal/ocr"
	"github.com/MeKo-Tech/billscan/internal/review"
	"github.com/MeKo-Tech/billscan/internal/store"
	"github.com/MeKo-Tech/billscan/internal/zone"
)

// scriptedBackend returns fixed tokens for every pass.
type scriptedBackend struct {
	tokens []ocr.Token
}

func (s *scriptedBackend) Recognize(ctx context.Context, img image.Image, profile ocr.Profile) (ocr.PassResult, error) {
	out := make([]ocr.Token, len(s.tokens))
	copy(out, s.tokens)
	return ocr.PassResult{Profile: profile, Tokens: out}, nil
}

func fill(img draw.Image, rect image.Rectangle, c color.Color) {
	draw.Draw(img, rect, &image.Uniform{C: c}, image.Point{}, draw.Src)
}

// invoicePage draws an 800x1000 page whose ink bands segment into header,
// line-item table, totals and footer zones.
func invoicePage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 800, 1000))
	fill(img, img.Bounds(), color.White)
	black := color.Black
	fill(img, image.Rect(50, 60, 400, 120), black)   // header block
	fill(img, image.Rect(50, 350, 750, 380), black)  // table row 1
	fill(img, image.Rect(50, 420, 750, 450), black)  // table row 2
	fill(img, image.Rect(600, 700, 780, 740), black) // totals box, right heavy
	fill(img, image.Rect(100, 950, 700, 980), black) // footer
	return img
}

func word(text string, x0, y0, x1, y1 int) document.Word {
	return document.Word{Text: text, Box: image.Rect(x0, y0, x1, y1)}
}

// invoiceTextLayer positions the invoice text inside the ink bands drawn by
// invoicePage.
func invoiceTextLayer() *document.TextLayer {
	words := []document.Word{
		// Header, line one: vendor name.
		word("Acme", 50, 60, 100, 75),
		word("Supply", 105, 60, 160, 75),
		word("Co", 165, 60, 185, 75),
		// Header, line two: invoice number and date.
		word("Invoice", 50, 85, 110, 100),
		word("No:", 115, 85, 140, 100),
		word("INV-1001", 150, 85, 230, 100),
		word("Date:", 300, 85, 340, 100),
		word("01/15/2026", 350, 85, 440, 100),
		// Table rows.
		word("WID-42", 50, 352, 110, 368),
		word("Blue", 150, 352, 190, 368),
		word("Widget", 200, 352, 260, 368),
		word("2", 400, 352, 410, 368),
		word("3.50", 500, 352, 535, 368),
		word("7.00", 650, 352, 690, 368),
		word("GAD-7", 50, 422, 100, 438),
		word("Gadget", 150, 422, 210, 438),
		word("1", 400, 422, 406, 438),
		word("10.00", 500, 422, 540, 438),
		word("10.00", 650, 422, 695, 438),
		// Totals box.
		word("Subtotal:", 600, 700, 645, 712),
		word("17.00", 745, 700, 780, 712),
		word("Tax:", 600, 715, 630, 727),
		word("1.40", 700, 715, 735, 727),
		word("Total", 600, 729, 660, 741),
		word("Due:", 662, 729, 690, 741),
		word("18.40", 692, 729, 737, 741),
		// Footer.
		word("Thank", 100, 950, 150, 962),
		word("you", 155, 950, 185, 962),
	}
	return &document.TextLayer{
		Text:    "invoice",
		Words:   words,
		Quality: 0.9,
	}
}

func testPipeline(t *testing.T, backend ocr.Backend) (*Pipeline, *store.Store) {
	t.Helper()
	st, err := store.New()
	require.NoError(t, err)
	p, err := NewBuilder().
		WithBackend(backend).
		WithStore(st).
		WithCatalog(st, st, st).
		WithWorkers(1).
		Build()
	require.NoError(t, err)
	return p, st
}

func TestExtractionFromTextLayerPage(t *testing.T) {
	p, st := testPipeline(t, &scriptedBackend{})
	ctx := context.Background()

	_, err := st.Create(ctx, catalog.Product{SKU: "WID-42", Name: "Blue Widget"})
	require.NoError(t, err)

	page := document.Page{Number: 1, Image: invoicePage(), TextLayer: invoiceTextLayer()}
	texts, err := p.processPages(ctx, "doc-1", []document.Page{page}, nil)
	require.NoError(t, err)
	require.Len(t, texts, 1)

	b := p.buildBill(ctx, "store-1", "doc-1", "vendor-1", texts)

	assert.Equal(t, "Acme Supply Co", b.VendorName)
	assert.Equal(t, "INV-1001", b.InvoiceNumber)
	assert.Equal(t, time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), b.InvoiceDate)
	assert.Equal(t, "17", b.Subtotal.String())
	assert.Equal(t, "1.4", b.Tax.String())
	assert.Equal(t, "18.4", b.Total.String())

	require.Len(t, b.Lines, 2)
	first := b.Lines[0]
	assert.Equal(t, "WID-42", first.RawSKU)
	assert.Equal(t, "WID42", first.NormalizedSKU)
	assert.Equal(t, "Blue Widget", first.Description)
	assert.Equal(t, "2", first.Quantity.String())
	assert.Equal(t, "3.5", first.UnitPrice.String())
	assert.Equal(t, "7", first.LineTotal.String())
	assert.Equal(t, bill.LineMatched, first.Status)
	require.NotNil(t, first.MatchReason)
	assert.Equal(t, 0.9, first.MatchConfidence)

	second := b.Lines[1]
	assert.Equal(t, bill.LineUnmatched, second.Status)
	assert.Equal(t, "10", second.LineTotal.String())

	require.NotNil(t, b.Validation)
	assert.Empty(t, b.Validation.Hard(), "clean arithmetic must not raise hard findings")
}

func TestCandidatesCarryEvidenceAndBoundedConfidence(t *testing.T) {
	p, _ := testPipeline(t, &scriptedBackend{})
	ctx := context.Background()

	page := document.Page{Number: 1, Image: invoicePage(), TextLayer: invoiceTextLayer()}
	texts, err := p.processPages(ctx, "doc-1", []document.Page{page}, nil)
	require.NoError(t, err)
	b := p.buildBill(ctx, "store-1", "doc-1", "vendor-1", texts)

	for field, fr := range b.Header {
		for _, cand := range fr.Candidates {
			assert.GreaterOrEqual(t, cand.Confidence, 0.0, "field %s", field)
			assert.LessOrEqual(t, cand.Confidence, 1.0, "field %s", field)
			assert.NotEmpty(t, cand.Evidence, "field %s candidate %q", field, cand.Raw)
		}
	}
}

func TestProcessDocumentBlankImage(t *testing.T) {
	p, st := testPipeline(t, &scriptedBackend{})
	ctx := context.Background()

	blank := image.NewRGBA(image.Rect(0, 0, 400, 600))
	fill(blank, blank.Bounds(), color.White)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, blank))

	b, err := p.ProcessDocument(ctx, "store-1", "vendor-1", "image/png", buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, bill.StatePending, b.State)
	assert.Empty(t, b.Lines)
	assert.True(t, b.Validation.HasHard(), "empty extraction must surface missing fields")

	doc, err := st.GetDocument(b.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, document.StatusExtracted, doc.Status)

	stored, err := st.GetBill(b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, stored.ID)
}

func TestReextractFieldAppendsNewGeneration(t *testing.T) {
	backend := &scriptedBackend{tokens: []ocr.Token{
		{Text: "INV-1001", Confidence: 0.97, Box: image.Rect(0, 0, 80, 15)},
	}}
	p, st := testPipeline(t, backend)
	ctx := context.Background()

	page := document.Page{Number: 1, Image: invoicePage(), TextLayer: invoiceTextLayer()}
	require.NoError(t, st.PutPages("doc-1", []document.Page{page}))
	texts, err := p.processPages(ctx, "doc-1", []document.Page{page}, nil)
	require.NoError(t, err)
	b := p.buildBill(ctx, "store-1", "doc-1", "vendor-1", texts)
	require.NoError(t, st.CreateBill(b))

	region := image.Rect(140, 80, 240, 105)
	cands, err := p.ReextractField(ctx, "doc-1", 1, region, extract.FieldInvoiceNumber, ocr.ProfileHighAccuracy)
	require.NoError(t, err)
	require.NotEmpty(t, cands)
	assert.Equal(t, "INV-1001", cands[0].Raw)
	assert.Equal(t, 2, cands[0].Generation, "re-OCR opens a new candidate generation")
}

func TestReviseZonesStoresNewVersion(t *testing.T) {
	p, st := testPipeline(t, &scriptedBackend{})
	ctx := context.Background()

	page := document.Page{Number: 1, Image: invoicePage(), TextLayer: invoiceTextLayer()}
	require.NoError(t, st.PutPages("doc-1", []document.Page{page}))
	texts, err := p.processPages(ctx, "doc-1", []document.Page{page}, nil)
	require.NoError(t, err)
	b := p.buildBill(ctx, "store-1", "doc-1", "vendor-1", texts)
	require.NoError(t, st.CreateBill(b))

	prev, version, err := st.LatestZones("doc-1", 1)
	require.NoError(t, err)
	require.Equal(t, 1, version)

	edits := []zone.Edit{{Rect: image.Rect(550, 680, 800, 760), Label: zone.LabelTotals}}
	regenerated, err := p.ReviseZones(ctx, "doc-1", 1, edits)
	require.NoError(t, err)

	zones, version, err := st.LatestZones("doc-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, version, "a reviewer edit opens the next zone-set version")
	assert.Len(t, zones, len(prev)+1)
	manual := 0
	for _, z := range zones {
		if z.Manual {
			manual++
		}
	}
	assert.Equal(t, 1, manual)

	cands, ok := regenerated[extract.FieldTotal]
	require.True(t, ok, "redrawn totals zone must regenerate total candidates")
	require.NotEmpty(t, cands)
	assert.Equal(t, "18.40", cands[0].Raw)
}

func TestTextLayerPageYieldsTokensPerZone(t *testing.T) {
	p, _ := testPipeline(t, &scriptedBackend{})
	ctx := context.Background()

	page := document.Page{Number: 1, Image: invoicePage(), TextLayer: invoiceTextLayer()}
	texts, err := p.processPages(ctx, "doc-1", []document.Page{page}, nil)
	require.NoError(t, err)
	require.Len(t, texts, 1)

	var tokens int
	for _, zt := range texts[0].zoneText {
		assert.NotEmpty(t, zt.Result.Tokens, "zone %s produced no tokens", zt.Zone.Label)
		tokens += len(zt.Result.Tokens)
	}
	for _, rt := range texts[0].rowText {
		tokens += len(rt.Result.Tokens)
	}
	assert.NotZero(t, tokens, "text-layer words must reach the extractor")
}

func TestTextLayerResultFiltersByRegion(t *testing.T) {
	tl := invoiceTextLayer()

	totals := textLayerResult(tl, image.Rect(550, 680, 800, 760))
	require.NotEmpty(t, totals.Tokens)
	for _, tok := range totals.Tokens {
		assert.True(t, tok.Box.Overlaps(image.Rect(550, 680, 800, 760)), "token %q box %v outside region", tok.Text, tok.Box)
	}

	footer := textLayerResult(tl, image.Rect(0, 900, 800, 1000))
	require.Len(t, footer.Tokens, 2)
	assert.Equal(t, "Thank", footer.Tokens[0].Text)
}

// The pipeline is the review manager's re-extraction collaborator.
var _ review.Reextractor = (*Pipeline)(nil)
