package bill

import "time"

// Severity classifies a validation finding. Hard findings block approval;
// Soft findings only warn.
type Severity string

const (
	SeverityHard Severity = "Hard"
	SeveritySoft Severity = "Soft"
)

// FindingCode is a stable identifier for one rule outcome.
type FindingCode string

const (
	CodeTotalMathError        FindingCode = "TotalMathError"
	CodeMissingField          FindingCode = "MissingField"
	CodeFutureInvoiceDate     FindingCode = "FutureInvoiceDate"
	CodeConflictingCandidates FindingCode = "ConflictingCandidates"
	CodeInvoiceNumberFormat   FindingCode = "InvoiceNumberFormat"
	CodeLowConfidenceField    FindingCode = "LowConfidenceField"
	CodeVendorNameEmpty       FindingCode = "VendorNameEmpty"
)

// Finding is one validation result entry.
type Finding struct {
	Code     FindingCode `json:"code"`
	Severity Severity    `json:"severity"`
	Message  string      `json:"message"`
	Fields   []string    `json:"fields,omitempty"`
}

// ValidationResult is the atomic snapshot of all findings for a bill. It is
// recomputed wholesale on every bill mutation and replaces the previous
// snapshot; it is never merged or partially updated.
type ValidationResult struct {
	Findings   []Finding `json:"findings"`
	ComputedAt time.Time `json:"computed_at"`
}

// HasHard reports whether any blocking finding is present.
func (r *ValidationResult) HasHard() bool {
	if r == nil {
		return false
	}
	for _, f := range r.Findings {
		if f.Severity == SeverityHard {
			return true
		}
	}
	return false
}

// Hard returns the blocking findings.
func (r *ValidationResult) Hard() []Finding {
	if r == nil {
		return nil
	}
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == SeverityHard {
			out = append(out, f)
		}
	}
	return out
}
