// Package bill holds the aggregate root for one vendor invoice under
// processing, its line items, and the bill state machine.
package bill

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/MeKo-Tech/billscan/internal/catalog"
	"github.com/MeKo-Tech/billscan/internal/extract"
	"github.com/MeKo-Tech/billscan/internal/match"
)

// State is the bill lifecycle state. Approved and Rejected are terminal
// except that Approved may move to Reopened with a mandatory reason.
type State string

const (
	StatePending  State = "Pending"
	StateInReview State = "InReview"
	StateApproved State = "Approved"
	StateRejected State = "Rejected"
	StateReopened State = "Reopened"
)

// InvalidTransitionError is returned for a disallowed state move.
type InvalidTransitionError struct {
	From, To State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid bill transition %s -> %s", e.From, e.To)
}

var transitions = map[State][]State{
	StatePending:  {StateInReview},
	StateInReview: {StateApproved, StateRejected},
	StateApproved: {StateReopened},
	StateReopened: {StateInReview},
}

// Transition validates a state move, returning the new state or a typed
// error. It is pure; callers persist the result.
func Transition(from, to State) (State, error) {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return to, nil
		}
	}
	return from, &InvalidTransitionError{From: from, To: to}
}

// LineStatus is the review status of one line item.
type LineStatus string

const (
	LineUnmatched       LineStatus = "Unmatched"
	LineMatched         LineStatus = "Matched"
	LineManuallyCreated LineStatus = "ManuallyCreated"
)

// LineItem is one row of a vendor bill.
type LineItem struct {
	ID            string          `json:"id"`
	RawSKU        string          `json:"raw_sku"`
	NormalizedSKU string          `json:"normalized_sku"`
	Description   string          `json:"description"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	LineTotal     decimal.Decimal `json:"line_total"`

	ProductID       string        `json:"product_id,omitempty"`
	MatchConfidence float64       `json:"match_confidence,omitempty"`
	MatchReason     *match.Reason `json:"match_reason,omitempty"`
	Status          LineStatus    `json:"status"`

	// Fields holds the extraction candidate history per line field.
	Fields map[extract.Field]*extract.FieldResult `json:"fields,omitempty"`
}

// Bill is the aggregate root. It is created when document extraction
// completes and mutated exclusively through the review case.
type Bill struct {
	ID         string `json:"id"`
	StoreID    string `json:"store_id"`
	DocumentID string `json:"document_id"`
	VendorID   string `json:"vendor_id"`

	// Header holds the extraction candidate history per header field; the
	// typed header attributes below mirror the selected candidates.
	Header map[extract.Field]*extract.FieldResult `json:"header"`

	VendorName    string          `json:"vendor_name"`
	InvoiceNumber string          `json:"invoice_number"`
	InvoiceDate   time.Time       `json:"invoice_date,omitzero"`
	PONumber      string          `json:"po_number,omitempty"`
	Currency      string          `json:"currency,omitempty"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Tax           decimal.Decimal `json:"tax"`
	Total         decimal.Decimal `json:"total"`

	Lines []LineItem `json:"lines"`

	State      State             `json:"state"`
	Validation *ValidationResult `json:"validation,omitempty"`

	// Version backs optimistic concurrency on writes.
	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a Bill in the Pending state.
func New(storeID, documentID, vendorID string) *Bill {
	now := time.Now().UTC()
	return &Bill{
		ID:         uuid.NewString(),
		StoreID:    storeID,
		DocumentID: documentID,
		VendorID:   vendorID,
		Header:     make(map[extract.Field]*extract.FieldResult),
		State:      StatePending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// IdempotencyKey identifies one (vendor, invoice number) pair within a
// store; a duplicate upload is rejected rather than creating a second Bill.
func (b *Bill) IdempotencyKey() string {
	return IdempotencyKey(b.StoreID, b.VendorID, b.InvoiceNumber)
}

// IdempotencyKey builds the duplicate-detection key.
func IdempotencyKey(storeID, vendorID, invoiceNumber string) string {
	return storeID + "|" + vendorID + "|" + catalog.NormalizeSKU(invoiceNumber)
}

// SyncHeader copies the selected candidate values into the typed header
// attributes. Called after any selection change.
func (b *Bill) SyncHeader() {
	get := func(f extract.Field) *extract.Candidate {
		if fr, ok := b.Header[f]; ok {
			return fr.Selected()
		}
		return nil
	}
	if c := get(extract.FieldVendorName); c != nil {
		b.VendorName = c.Value.Text
	}
	if c := get(extract.FieldInvoiceNumber); c != nil {
		b.InvoiceNumber = strings.TrimSpace(c.Value.Text)
	}
	if c := get(extract.FieldInvoiceDate); c != nil {
		b.InvoiceDate = c.Value.Date
	}
	if c := get(extract.FieldPONumber); c != nil {
		b.PONumber = c.Value.Text
	}
	if c := get(extract.FieldCurrency); c != nil {
		b.Currency = strings.ToUpper(c.Value.Text)
	}
	if c := get(extract.FieldSubtotal); c != nil {
		b.Subtotal = c.Value.Amount
	}
	if c := get(extract.FieldTax); c != nil {
		b.Tax = c.Value.Amount
	}
	if c := get(extract.FieldTotal); c != nil {
		b.Total = c.Value.Amount
	}
}

// Line returns the line with the given id, nil when absent.
func (b *Bill) Line(id string) *LineItem {
	for i := range b.Lines {
		if b.Lines[i].ID == id {
			return &b.Lines[i]
		}
	}
	return nil
}

// FieldResult resolves a field path to its candidate history, checking the
// header first and then line fields of the form "<lineID>/<field>".
func (b *Bill) FieldResult(path string) *extract.FieldResult {
	if fr, ok := b.Header[extract.Field(path)]; ok {
		return fr
	}
	if lineID, field, ok := strings.Cut(path, "/"); ok {
		if line := b.Line(lineID); line != nil {
			return line.Fields[extract.Field(field)]
		}
	}
	return nil
}

// ApplyMatch records a match candidate onto a line.
func (li *LineItem) ApplyMatch(c *match.Candidate) {
	if c == nil {
		li.ProductID = ""
		li.MatchConfidence = 0
		li.MatchReason = nil
		li.Status = LineUnmatched
		return
	}
	li.ProductID = c.ProductID
	li.MatchConfidence = c.Confidence
	li.MatchReason = &match.Reason{Strategy: c.Strategy, Evidence: c.Evidence, Confidence: c.Confidence}
	li.Status = LineMatched
}
