package extract

import (
	"strings"

	"github.com/MeKo-Tech/billscan/internal/calibrate"
	"github.com/MeKo-Tech/billscan/internal/ocr"
	"github.com/MeKo-Tech/billscan/internal/zone"
)

// LineFields lists the per-row fields of a line-item table.
var LineFields = []Field{
	FieldLineSKU, FieldLineDescription, FieldLineQuantity,
	FieldLineUnitPrice, FieldLineTotal,
}

// LineDraft is the candidate set for one detected table row.
type LineDraft struct {
	Row    int                    `json:"row"`
	Fields map[Field]*FieldResult `json:"fields"`
}

// RowText is the reconciled OCR result for one table row.
type RowText struct {
	Zone   zone.Zone
	Result ocr.Result
}

// LineCandidates extracts line-item field candidates from segmented table
// rows. Column roles are assigned positionally: the rightmost amount is the
// line total, its left neighbor the unit price, a small count to their left
// the quantity; the leading SKU-shaped token is the vendor SKU and the
// remainder is the description. Rows with no amounts (column headers,
// carried-over notes) yield no draft.
func (g *Generator) LineCandidates(vendorID string, rows []RowText, gen int) []LineDraft {
	drafts := make([]LineDraft, 0, len(rows))
	for ri, row := range rows {
		draft := g.lineDraft(vendorID, ri, row, gen)
		if draft != nil {
			drafts = append(drafts, *draft)
		}
	}
	return drafts
}

func (g *Generator) lineDraft(vendorID string, rowIdx int, row RowText, gen int) *LineDraft {
	tokens := row.Result.Tokens
	lines := groupLines(tokens)
	if len(lines) == 0 {
		return nil
	}
	// A row rectangle normally holds one print line; wrapped descriptions
	// fold into the first.
	main := lines[0]

	amounts := make([]int, 0, 2) // indices into main, left to right
	for _, i := range main {
		if looksLikeAmount(tokens[i].Text) {
			amounts = append(amounts, i)
		}
	}
	if len(amounts) == 0 {
		return nil
	}
	if isHeaderRow(tokens, main) {
		return nil
	}

	totalIdx := amounts[len(amounts)-1]
	priceIdx := -1
	if len(amounts) >= 2 {
		priceIdx = amounts[len(amounts)-2]
	}

	qtyIdx := -1
	for _, i := range main {
		if i == totalIdx || i == priceIdx {
			continue
		}
		if _, ok := parseValue(KindNumber, tokens[i].Text); ok && len(tokens[i].Text) <= 6 &&
			!strings.Contains(tokens[i].Text, "$") {
			qtyIdx = i
		}
	}

	skuIdx := -1
	if len(main) > 0 && skuLike(tokens[main[0]].Text) && main[0] != qtyIdx &&
		main[0] != priceIdx && main[0] != totalIdx {
		skuIdx = main[0]
	}

	var descParts []string
	for _, i := range main {
		if i == skuIdx || i == qtyIdx || i == priceIdx || i == totalIdx {
			continue
		}
		descParts = append(descParts, tokens[i].Text)
	}
	for _, extra := range lines[1:] {
		descParts = append(descParts, lineText(tokens, extra))
	}

	fields := map[Field]*FieldResult{
		FieldLineTotal: g.lineField(vendorID, FieldLineTotal, row, totalIdx, 1.0, gen),
	}
	if priceIdx >= 0 {
		fields[FieldLineUnitPrice] = g.lineField(vendorID, FieldLineUnitPrice, row, priceIdx, 0.9, gen)
	}
	if qtyIdx >= 0 {
		fields[FieldLineQuantity] = g.lineField(vendorID, FieldLineQuantity, row, qtyIdx, 0.8, gen)
	}
	if skuIdx >= 0 {
		fields[FieldLineSKU] = g.lineField(vendorID, FieldLineSKU, row, skuIdx, 0.9, gen)
	}
	if desc := strings.TrimSpace(strings.Join(descParts, " ")); desc != "" {
		fr := &FieldResult{Field: FieldLineDescription}
		val, _ := parseValue(KindString, desc)
		sig := calibrate.SignalVector{
			ZonePrior: 1.0,
			Format:    1.0,
			Consensus: consensusSignal(row.Result, main[0]),
		}
		c := newCandidate(FieldLineDescription, desc, val, row.Zone.Label, gen)
		c.Signals = sig
		c.Confidence = g.cal.Calibrate(vendorID, sig)
		c.Evidence = evidenceFor(sig, row.Zone.Label)
		fr.Candidates = []Candidate{c}
		fr.SelectedID = c.ID
		fields[FieldLineDescription] = fr
	}

	return &LineDraft{Row: rowIdx, Fields: fields}
}

// lineField builds the single-candidate FieldResult for one positional
// column assignment. positional stands in for the proximity signal: column
// roles read off table position rather than a printed label.
func (g *Generator) lineField(vendorID string, f Field, row RowText, tokenIdx int, positional float64, gen int) *FieldResult {
	tok := row.Result.Tokens[tokenIdx]
	val, formatOK := parseValue(kindOf(f), tok.Text)
	sig := calibrate.SignalVector{
		Proximity: positional,
		ZonePrior: zonePriorLine(row.Zone.Label),
		Consensus: consensusSignal(row.Result, tokenIdx),
	}
	if formatOK {
		sig.Format = 1.0
	}
	c := g.build(vendorID, f, tok, val, sig, row.Zone.Label, gen)
	return &FieldResult{Field: f, Candidates: []Candidate{c}, SelectedID: c.ID}
}

func zonePriorLine(l zone.Label) float64 {
	if l == zone.LabelLineItemTable {
		return 1.0
	}
	return 0.4
}

// skuLike accepts tokens that look like vendor part numbers: at least three
// characters including a digit, not a money amount.
func skuLike(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) < 3 || looksLikeAmount(s) {
		return false
	}
	for _, r := range s {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}

// isHeaderRow drops the printed column-header row of the table.
func isHeaderRow(tokens []ocr.Token, line []int) bool {
	text := strings.ToLower(lineText(tokens, line))
	hits := 0
	for _, kw := range []string{"qty", "quantity", "description", "item", "price", "amount", "total", "sku"} {
		if strings.Contains(text, kw) {
			hits++
		}
	}
	return hits >= 2
}
