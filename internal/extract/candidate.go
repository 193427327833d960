// Package extract turns zone-level OCR text into typed, confidence-scored,
// evidence-backed field candidates.
package extract

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/MeKo-Tech/billscan/internal/calibrate"
	"github.com/MeKo-Tech/billscan/internal/ocr"
	"github.com/MeKo-Tech/billscan/internal/zone"
)

// Field names a target extraction field.
type Field string

const (
	FieldInvoiceNumber Field = "invoice_number"
	FieldVendorName    Field = "vendor_name"
	FieldInvoiceDate   Field = "invoice_date"
	FieldPONumber      Field = "po_number"
	FieldCurrency      Field = "currency"
	FieldSubtotal      Field = "subtotal"
	FieldTax           Field = "tax"
	FieldTotal         Field = "total"

	FieldLineSKU         Field = "line.sku"
	FieldLineDescription Field = "line.description"
	FieldLineQuantity    Field = "line.quantity"
	FieldLineUnitPrice   Field = "line.unit_price"
	FieldLineTotal       Field = "line.total"
)

// HeaderFields lists the fields extracted from header/totals zones.
var HeaderFields = []Field{
	FieldInvoiceNumber, FieldVendorName, FieldInvoiceDate, FieldPONumber,
	FieldCurrency, FieldSubtotal, FieldTax, FieldTotal,
}

// ValueKind is the declared type of a field value.
type ValueKind string

const (
	KindString   ValueKind = "string"
	KindDate     ValueKind = "date"
	KindCurrency ValueKind = "currency"
	KindNumber   ValueKind = "number"
)

// kindOf maps each field to its declared value type.
func kindOf(f Field) ValueKind {
	switch f {
	case FieldInvoiceDate:
		return KindDate
	case FieldSubtotal, FieldTax, FieldTotal, FieldLineUnitPrice, FieldLineTotal:
		return KindCurrency
	case FieldLineQuantity:
		return KindNumber
	default:
		return KindString
	}
}

// Value is a parsed, typed field value.
type Value struct {
	Kind   ValueKind       `json:"kind"`
	Text   string          `json:"text"`
	Date   time.Time       `json:"date,omitzero"`
	Amount decimal.Decimal `json:"amount,omitempty"`
	Number float64         `json:"number,omitempty"`
}

// EvidenceKind identifies the signal that contributed to a candidate.
type EvidenceKind string

const (
	EvidenceLexicon   EvidenceKind = "lexicon"
	EvidenceProximity EvidenceKind = "proximity"
	EvidenceZonePrior EvidenceKind = "zone-prior"
	EvidenceFormat    EvidenceKind = "format-parse"
	EvidenceConsensus EvidenceKind = "consensus"
)

// Evidence is one signal backing a candidate.
type Evidence struct {
	Kind   EvidenceKind `json:"kind"`
	Weight float64      `json:"weight"`
	Zone   zone.Label   `json:"zone"`
	Detail string       `json:"detail,omitempty"`
}

// Candidate is an immutable extracted value for one field. A re-OCR or mask
// edit produces a new candidate set under a higher Generation; candidates
// are never mutated in place.
type Candidate struct {
	ID         string                 `json:"id"`
	Field      Field                  `json:"field"`
	Raw        string                 `json:"raw"`
	Value      Value                  `json:"value"`
	Confidence float64                `json:"confidence"`
	Evidence   []Evidence             `json:"evidence"`
	Signals    calibrate.SignalVector `json:"signals"`
	Zone       zone.Label             `json:"zone"`
	Generation int                    `json:"generation"`
	Manual     bool                   `json:"manual,omitempty"` // reviewer-entered
	Source     *ocr.Token             `json:"source,omitempty"`
}

func newCandidate(field Field, raw string, val Value, zl zone.Label, gen int) Candidate {
	return Candidate{
		ID:         uuid.NewString(),
		Field:      field,
		Raw:        raw,
		Value:      val,
		Zone:       zl,
		Generation: gen,
	}
}

// NewManualCandidate creates a reviewer-entered candidate with full
// confidence and a single evidence entry recording the manual origin.
func NewManualCandidate(field Field, raw string, gen int) Candidate {
	val, _ := parseValue(kindOf(field), raw)
	c := newCandidate(field, raw, val, "", gen)
	c.Confidence = 1.0
	c.Manual = true
	c.Evidence = []Evidence{{Kind: EvidenceFormat, Weight: 1.0, Detail: "manual entry"}}
	return c
}

// FieldResult is the ranked candidate set for one field. Exactly one
// candidate is selected at a time; selection is mutable during review while
// the candidates themselves are append-only across generations.
type FieldResult struct {
	Field      Field       `json:"field"`
	Candidates []Candidate `json:"candidates"` // ranked, best first
	SelectedID string      `json:"selected_id,omitempty"`
	Ambiguous  bool        `json:"ambiguous,omitempty"`
}

// Selected returns the currently selected candidate, nil when none.
func (fr *FieldResult) Selected() *Candidate {
	for i := range fr.Candidates {
		if fr.Candidates[i].ID == fr.SelectedID {
			return &fr.Candidates[i]
		}
	}
	return nil
}

// Select marks the candidate with id as selected.
func (fr *FieldResult) Select(id string) bool {
	for i := range fr.Candidates {
		if fr.Candidates[i].ID == id {
			fr.SelectedID = id
			fr.Ambiguous = false
			return true
		}
	}
	return false
}

// Append adds a new generation of candidates, re-ranks, and re-selects the
// top candidate unless the current selection is manual. History length never
// decreases.
func (fr *FieldResult) Append(cands []Candidate, tieEpsilon float64) {
	manualSelected := fr.Selected() != nil && fr.Selected().Manual
	fr.Candidates = append(fr.Candidates, cands...)
	rank(fr.Candidates)
	if !manualSelected && len(fr.Candidates) > 0 {
		selectTop(fr, tieEpsilon)
	}
}
