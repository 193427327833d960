package extract

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMatchLabel(t *testing.T) {
	lex := DefaultLexicon()
	tests := []struct {
		field Field
		text  string
		want  bool
	}{
		{FieldInvoiceNumber, "Invoice No:", true},
		{FieldInvoiceNumber, "INV #", true},
		{FieldInvoiceNumber, "Packing slip", false},
		{FieldTotal, "Amount Due", true},
		{FieldTotal, "Balance Due", true},
		{FieldTax, "GST", true},
		{FieldPONumber, "Purchase Order", true},
	}
	for _, tt := range tests {
		if _, ok := lex.MatchLabel(tt.field, tt.text); ok != tt.want {
			t.Errorf("MatchLabel(%s, %q) = %v, want %v", tt.field, tt.text, ok, tt.want)
		}
	}
}

func TestLabelStrengthTiers(t *testing.T) {
	lex := DefaultLexicon()
	tests := []struct {
		field Field
		text  string
		want  float64
	}{
		{FieldInvoiceNumber, "Invoice #", 1.0}, // long, specific label
		{FieldTotal, "Total", 0.85},
		{FieldTax, "Tax", 0.7},
		{FieldInvoiceNumber, "Shipping", 0},
	}
	for _, tt := range tests {
		if got := lex.LabelStrength(tt.field, tt.text); got != tt.want {
			t.Errorf("LabelStrength(%s, %q) = %v, want %v", tt.field, tt.text, got, tt.want)
		}
	}
}

func TestLoadLexiconMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lexicon.yaml")
	body := "fields:\n  invoice_number:\n    - 'rechnung\\s*(nr|#)'\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	lex, err := LoadLexicon(path)
	if err != nil {
		t.Fatalf("LoadLexicon: %v", err)
	}
	if _, ok := lex.MatchLabel(FieldInvoiceNumber, "Rechnung Nr:"); !ok {
		t.Error("override pattern not loaded")
	}
	// Overridden fields replace their defaults completely.
	if _, ok := lex.MatchLabel(FieldInvoiceNumber, "Invoice No:"); ok {
		t.Error("default pattern survived an override")
	}
	// Untouched fields keep the built-ins.
	if _, ok := lex.MatchLabel(FieldTotal, "Amount Due"); !ok {
		t.Error("untouched field lost its default patterns")
	}
}

func TestLoadLexiconErrors(t *testing.T) {
	if _, err := LoadLexicon(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing file should error")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("fields:\n  total:\n    - '('\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadLexicon(path); err == nil {
		t.Error("invalid pattern should error")
	}
}
