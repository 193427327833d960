// Package validate runs the business rule checks over a bill, producing the
// atomic hard/soft finding snapshot the review workflow acts on.
package validate

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MeKo-Tech/billscan/internal/bill"
	"github.com/MeKo-Tech/billscan/internal/extract"
)

// Config holds the documented rule thresholds.
type Config struct {
	// TotalTolerance is the permitted rounding slack in
	// |subtotal + tax - total|.
	TotalTolerance decimal.Decimal
	// LowConfidence is the selected-candidate confidence below which a
	// soft finding is raised.
	LowConfidence float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TotalTolerance: decimal.NewFromFloat(0.01),
		LowConfidence:  0.7,
	}
}

// Engine evaluates the rule set. Run is pure and deterministic; validation
// failures are never retried.
type Engine struct {
	cfg Config
	now func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(cfg Config) *Engine {
	if cfg.TotalTolerance.IsZero() {
		cfg = DefaultConfig()
	}
	return &Engine{cfg: cfg, now: time.Now}
}

// Run computes the complete finding set for b. The caller replaces the
// bill's previous snapshot with the returned one.
func (e *Engine) Run(b *bill.Bill) *bill.ValidationResult {
	var findings []bill.Finding
	findings = append(findings, e.totalMath(b)...)
	findings = append(findings, e.requiredFields(b)...)
	findings = append(findings, e.futureDate(b)...)
	findings = append(findings, e.conflictingCandidates(b)...)
	findings = append(findings, e.invoiceNumberFormat(b)...)
	findings = append(findings, e.lowConfidence(b)...)
	findings = append(findings, e.vendorNameEmpty(b)...)
	return &bill.ValidationResult{Findings: findings, ComputedAt: e.now().UTC()}
}

// totalMath checks subtotal + tax = total within the rounding tolerance.
func (e *Engine) totalMath(b *bill.Bill) []bill.Finding {
	if b.Subtotal.IsZero() && b.Tax.IsZero() && b.Total.IsZero() {
		return nil // missing-field rules cover the empty case
	}
	diff := b.Subtotal.Add(b.Tax).Sub(b.Total).Abs()
	if diff.LessThan(e.cfg.TotalTolerance) {
		return nil
	}
	return []bill.Finding{{
		Code:     bill.CodeTotalMathError,
		Severity: bill.SeverityHard,
		Message: fmt.Sprintf("subtotal %s + tax %s differs from total %s by %s",
			b.Subtotal, b.Tax, b.Total, diff),
		Fields: []string{string(extract.FieldSubtotal), string(extract.FieldTax), string(extract.FieldTotal)},
	}}
}

// requiredFields demands vendor, invoice number, invoice date, and total.
func (e *Engine) requiredFields(b *bill.Bill) []bill.Finding {
	var findings []bill.Finding
	missing := func(field extract.Field, label string) {
		findings = append(findings, bill.Finding{
			Code:     bill.CodeMissingField,
			Severity: bill.SeverityHard,
			Message:  label + " is missing",
			Fields:   []string{string(field)},
		})
	}
	if b.VendorName == "" && b.VendorID == "" {
		missing(extract.FieldVendorName, "vendor")
	}
	if b.InvoiceNumber == "" {
		missing(extract.FieldInvoiceNumber, "invoice number")
	}
	if b.InvoiceDate.IsZero() {
		missing(extract.FieldInvoiceDate, "invoice date")
	}
	if b.Total.IsZero() {
		missing(extract.FieldTotal, "total")
	}
	return findings
}

func (e *Engine) futureDate(b *bill.Bill) []bill.Finding {
	if b.InvoiceDate.IsZero() || !b.InvoiceDate.After(e.now().UTC().Truncate(24*time.Hour).Add(24*time.Hour)) {
		return nil
	}
	return []bill.Finding{{
		Code:     bill.CodeFutureInvoiceDate,
		Severity: bill.SeverityHard,
		Message:  fmt.Sprintf("invoice date %s is in the future", b.InvoiceDate.Format("2006-01-02")),
		Fields:   []string{string(extract.FieldInvoiceDate)},
	}}
}

// conflictingCandidates detects internally contradictory field state: more
// than one candidate marked selected, or a selection pointing at a candidate
// that does not exist.
func (e *Engine) conflictingCandidates(b *bill.Bill) []bill.Finding {
	var findings []bill.Finding
	for field, fr := range b.Header {
		if fr == nil || fr.SelectedID == "" {
			continue
		}
		if fr.Selected() == nil {
			findings = append(findings, bill.Finding{
				Code:     bill.CodeConflictingCandidates,
				Severity: bill.SeverityHard,
				Message:  fmt.Sprintf("field %s selection refers to an unknown candidate", field),
				Fields:   []string{string(field)},
			})
			continue
		}
		if fr.Ambiguous {
			findings = append(findings, bill.Finding{
				Code:     bill.CodeConflictingCandidates,
				Severity: bill.SeverityHard,
				Message:  fmt.Sprintf("field %s has tied candidates requiring review", field),
				Fields:   []string{string(field)},
			})
		}
	}
	return findings
}

func (e *Engine) invoiceNumberFormat(b *bill.Bill) []bill.Finding {
	if b.InvoiceNumber == "" {
		return nil
	}
	reason, anomalous := extract.FormatAnomaly(b.InvoiceNumber)
	if !anomalous {
		return nil
	}
	return []bill.Finding{{
		Code:     bill.CodeInvoiceNumberFormat,
		Severity: bill.SeveritySoft,
		Message:  fmt.Sprintf("invoice number %q has an unusual format: %s", b.InvoiceNumber, reason),
		Fields:   []string{string(extract.FieldInvoiceNumber)},
	}}
}

func (e *Engine) lowConfidence(b *bill.Bill) []bill.Finding {
	var findings []bill.Finding
	for field, fr := range b.Header {
		sel := fr.Selected()
		if sel == nil || sel.Confidence >= e.cfg.LowConfidence {
			continue
		}
		findings = append(findings, bill.Finding{
			Code:     bill.CodeLowConfidenceField,
			Severity: bill.SeveritySoft,
			Message:  fmt.Sprintf("field %s confidence %.2f is below %.2f", field, sel.Confidence, e.cfg.LowConfidence),
			Fields:   []string{string(field)},
		})
	}
	return findings
}

func (e *Engine) vendorNameEmpty(b *bill.Bill) []bill.Finding {
	if b.InvoiceNumber == "" || b.VendorName != "" {
		return nil
	}
	return []bill.Finding{{
		Code:     bill.CodeVendorNameEmpty,
		Severity: bill.SeveritySoft,
		Message:  "invoice number is populated but the vendor name is empty",
		Fields:   []string{string(extract.FieldVendorName)},
	}}
}
