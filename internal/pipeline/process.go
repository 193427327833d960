package pipeline

import (
	"context"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/shopspring/decimal"

	"github.com/MeKo-Tech/billscan/internal/bill"
	"github.com/MeKo-Tech/billscan/internal/catalog"
	"github.com/MeKo-Tech/billscan/internal/document"
	"github.com/MeKo-Tech/billscan/internal/extract"
	"github.com/MeKo-Tech/billscan/internal/match"
	"github.com/MeKo-Tech/billscan/internal/ocr"
	"github.com/MeKo-Tech/billscan/internal/zone"
)

// pageText is everything extraction needs from one processed page.
type pageText struct {
	page     int
	zones    []zone.Zone
	zoneText []extract.ZoneText
	rowText  []extract.RowText
}

// ProcessDocument runs the full pipeline over an uploaded artifact and
// returns the resulting Bill in the Pending state. A duplicate of an
// existing (store, vendor, invoice number) is rejected by the store.
func (p *Pipeline) ProcessDocument(ctx context.Context, storeID, vendorID, mime string, raw []byte) (*bill.Bill, error) {
	started := time.Now()
	doc := document.New(storeID, mime, vendorID)

	pages, err := p.normalizer.NormalizeDocument(doc, raw)
	if err != nil {
		_ = p.store.PutDocument(doc)
		documentsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("normalizing document: %w", err)
	}
	if err := p.store.PutDocument(doc); err != nil {
		return nil, err
	}
	if err := p.store.PutPages(doc.ID, pages); err != nil {
		return nil, err
	}

	// Replay masks the vendor accumulated on earlier documents.
	masks, err := p.store.VendorMasks(vendorID)
	if err != nil {
		return nil, err
	}

	texts, err := p.processPages(ctx, doc.ID, pages, masks)
	if err != nil {
		_ = doc.SetStatus(document.StatusFailed)
		_ = p.store.PutDocument(doc)
		documentsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	b := p.buildBill(ctx, storeID, doc.ID, vendorID, texts)

	if err := doc.SetStatus(document.StatusExtracted); err != nil {
		return nil, err
	}
	if err := p.store.PutDocument(doc); err != nil {
		return nil, err
	}
	if err := p.store.CreateBill(b); err != nil {
		documentsTotal.WithLabelValues("duplicate").Inc()
		return nil, err
	}

	documentsTotal.WithLabelValues("ok").Inc()
	pagesProcessed.Add(float64(len(pages)))
	linesExtracted.Add(float64(len(b.Lines)))
	processingDuration.Observe(time.Since(started).Seconds())
	p.logger.Info("document processed",
		"document_id", doc.ID,
		"bill_id", b.ID,
		"pages", len(pages),
		"lines", len(b.Lines),
		"duration", time.Since(started))
	return b, nil
}

// buildBill turns the per-page extraction results into a validated Bill.
func (p *Pipeline) buildBill(ctx context.Context, storeID, documentID, vendorID string, texts []pageText) *bill.Bill {
	var zoneTexts []extract.ZoneText
	var rowTexts []extract.RowText
	for _, pt := range texts {
		zoneTexts = append(zoneTexts, pt.zoneText...)
		rowTexts = append(rowTexts, pt.rowText...)
	}

	b := bill.New(storeID, documentID, vendorID)
	b.Header = p.generator.HeaderCandidates(vendorID, zoneTexts, 1)
	b.SyncHeader()
	for _, draft := range p.generator.LineCandidates(vendorID, rowTexts, 1) {
		b.Lines = append(b.Lines, p.lineItem(ctx, vendorID, draft))
	}
	b.Validation = p.validator.Run(b)
	return b
}

// processPage segments one page and recognizes its zones.
func (p *Pipeline) processPage(ctx context.Context, documentID string, page document.Page, masks []document.Mask) (pageText, error) {
	pm := pageMasks(masks, page.Number)
	zones := p.zones.Detect(page.Number, page.Image)
	if err := p.store.PutZones(documentID, page.Number, 1, zones); err != nil {
		return pageText{}, err
	}

	pt := pageText{page: page.Number, zones: zones}
	for _, z := range zones {
		if z.Label == zone.LabelNoise {
			continue
		}
		if z.Label == zone.LabelLineItemTable {
			rows, err := p.recognizeRows(ctx, page, z, pm)
			if err != nil {
				return pageText{}, err
			}
			pt.rowText = append(pt.rowText, rows...)
			continue
		}
		res, err := p.recognizeZone(ctx, page, z.Rect, pm)
		if err != nil {
			return pageText{}, err
		}
		pt.zoneText = append(pt.zoneText, extract.ZoneText{Zone: z, Result: res})
	}
	return pt, nil
}

// recognizeRows splits a table zone into rows and recognizes each row.
func (p *Pipeline) recognizeRows(ctx context.Context, page document.Page, z zone.Zone, masks []document.Mask) ([]extract.RowText, error) {
	rows := p.zones.SplitRows(page.Image, z)
	out := make([]extract.RowText, 0, len(rows))
	for _, rect := range rows {
		res, err := p.recognizeZone(ctx, page, rect, masks)
		if err != nil {
			return nil, err
		}
		if len(res.Tokens) == 0 {
			continue
		}
		out = append(out, extract.RowText{Zone: z, Result: res})
	}
	return out, nil
}

// recognizeZone returns the reconciled text of one page region. Pages with a
// usable embedded text layer bypass raster OCR entirely.
func (p *Pipeline) recognizeZone(ctx context.Context, page document.Page, rect image.Rectangle, masks []document.Mask) (ocr.Result, error) {
	// Only positioned words can be assigned to zones; a layer that decoded
	// to plain text still goes through raster OCR.
	if tl := page.TextLayer; tl != nil && len(tl.Words) > 0 && tl.Quality >= p.cfg.TextLayerQuality {
		textLayerHits.Inc()
		return textLayerResult(tl, rect), nil
	}

	crop := imaging.Crop(page.Image, rect)
	res, err := p.orchestrator.Run(ctx, crop, shiftMasks(masks, rect), p.cfg.Profiles...)
	if err != nil {
		ocrPassesTotal.WithLabelValues("failed").Inc()
		return ocr.Result{}, fmt.Errorf("page %d zone %v: %w", page.Number, rect, err)
	}
	ocrPassesTotal.WithLabelValues("ok").Add(float64(res.Passes))
	// Token boxes back into page coordinates.
	for i := range res.Tokens {
		res.Tokens[i].Box = res.Tokens[i].Box.Add(rect.Min)
	}
	for i := range res.Alternatives {
		res.Alternatives[i].Box = res.Alternatives[i].Box.Add(rect.Min)
	}
	return res, nil
}

// textLayerResult converts the words of an embedded PDF text layer that fall
// inside rect into a single-pass OCR result. Confidence carries the assessed
// layer quality.
func textLayerResult(tl *document.TextLayer, rect image.Rectangle) ocr.Result {
	var tokens []ocr.Token
	for _, w := range tl.Words {
		if !w.Box.Overlaps(rect) {
			continue
		}
		tokens = append(tokens, ocr.Token{Text: w.Text, Confidence: tl.Quality, Box: w.Box})
	}
	consensus := make([]int, len(tokens))
	for i := range consensus {
		consensus[i] = 1
	}
	return ocr.Result{
		Text:      ocr.TextOf(tokens),
		Tokens:    tokens,
		Passes:    1,
		Consensus: consensus,
	}
}

// lineItem materializes one extracted table row and runs the match cascade
// over it.
func (p *Pipeline) lineItem(ctx context.Context, vendorID string, draft extract.LineDraft) bill.LineItem {
	li := bill.LineItem{
		ID:     fmt.Sprintf("line-%d", draft.Row+1),
		Status: bill.LineUnmatched,
		Fields: draft.Fields,
	}
	if fr := draft.Fields[extract.FieldLineSKU]; fr != nil {
		if sel := fr.Selected(); sel != nil {
			li.RawSKU = sel.Value.Text
			li.NormalizedSKU = catalog.NormalizeSKU(sel.Value.Text)
		}
	}
	if fr := draft.Fields[extract.FieldLineDescription]; fr != nil {
		if sel := fr.Selected(); sel != nil {
			li.Description = strings.TrimSpace(sel.Value.Text)
		}
	}
	li.Quantity = draftAmount(draft, extract.FieldLineQuantity)
	li.UnitPrice = draftAmount(draft, extract.FieldLineUnitPrice)
	li.LineTotal = draftAmount(draft, extract.FieldLineTotal)

	cand, err := p.matcher.MatchLine(ctx, match.LineQuery{
		VendorID:      vendorID,
		RawSKU:        li.RawSKU,
		NormalizedSKU: li.NormalizedSKU,
		Description:   li.Description,
	})
	if err != nil {
		p.logger.Warn("match cascade failed", "line", li.ID, "error", err)
		return li
	}
	if cand != nil {
		li.ApplyMatch(cand)
		matchOutcomes.WithLabelValues(cand.Strategy).Inc()
	} else {
		matchOutcomes.WithLabelValues("unmatched").Inc()
	}
	return li
}

func draftAmount(draft extract.LineDraft, f extract.Field) decimal.Decimal {
	fr := draft.Fields[f]
	if fr == nil {
		return decimal.Zero
	}
	sel := fr.Selected()
	if sel == nil {
		return decimal.Zero
	}
	if f == extract.FieldLineQuantity {
		return decimal.NewFromFloat(sel.Value.Number)
	}
	return sel.Value.Amount
}

func pageMasks(masks []document.Mask, page int) []document.Mask {
	var out []document.Mask
	for _, m := range masks {
		if m.Page == page {
			out = append(out, m)
		}
	}
	return out
}

// shiftMasks translates page-space masks into crop-local coordinates.
func shiftMasks(masks []document.Mask, rect image.Rectangle) []document.Mask {
	var out []document.Mask
	for _, m := range masks {
		if !m.Rect.Overlaps(rect) {
			continue
		}
		shifted := m
		shifted.Rect = m.Rect.Sub(rect.Min)
		out = append(out, shifted)
	}
	return out
}
