package extract

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Lexicon holds per-field label patterns ("Invoice #", "PO No.", ...) used
// by the lexicon signal. Patterns are matched case-insensitively against
// token runs preceding a candidate value.
type Lexicon struct {
	patterns map[Field][]*regexp.Regexp
}

// defaultLexicon covers common North-American vendor invoice labels.
var defaultLexicon = map[Field][]string{
	FieldInvoiceNumber: {`invoice\s*(no|num|number|#)`, `inv\s*(no|#)`, `document\s*(no|number)`},
	FieldVendorName:    {`(sold|remit)\s*(by|to)`, `from:`, `vendor`, `supplier`},
	FieldInvoiceDate:   {`invoice\s*date`, `date\s*of\s*issue`, `billing\s*date`, `date[:.]?$`},
	FieldPONumber:      {`p\.?o\.?\s*(no|num|number|#)?`, `purchase\s*order`},
	FieldCurrency:      {`currency`},
	FieldSubtotal:      {`sub\s*-?\s*total`, `net\s*amount`},
	FieldTax:           {`tax`, `gst`, `hst`, `vat`, `sales\s*tax`},
	FieldTotal:         {`(grand|invoice|amount)?\s*total\s*(due)?`, `balance\s*due`, `amount\s*due`},
}

// lexiconFile is the YAML shape for label pattern overrides.
type lexiconFile struct {
	Fields map[string][]string `yaml:"fields"`
}

// DefaultLexicon compiles the built-in label patterns.
func DefaultLexicon() *Lexicon {
	lex, err := compileLexicon(defaultLexicon)
	if err != nil {
		panic(err) // built-in patterns are compile-time constants
	}
	return lex
}

// LoadLexicon reads label patterns from a YAML file and merges them over the
// defaults. Fields absent from the file keep the built-in patterns.
func LoadLexicon(path string) (*Lexicon, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-provided config path
	if err != nil {
		return nil, fmt.Errorf("read lexicon: %w", err)
	}
	var file lexiconFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse lexicon: %w", err)
	}

	merged := make(map[Field][]string, len(defaultLexicon))
	for f, pats := range defaultLexicon {
		merged[f] = pats
	}
	for name, pats := range file.Fields {
		merged[Field(name)] = pats
	}
	return compileLexicon(merged)
}

func compileLexicon(src map[Field][]string) (*Lexicon, error) {
	out := make(map[Field][]*regexp.Regexp, len(src))
	for f, pats := range src {
		for _, p := range pats {
			re, err := regexp.Compile(`(?i)` + p)
			if err != nil {
				return nil, fmt.Errorf("lexicon pattern %q for %s: %w", p, f, err)
			}
			out[f] = append(out[f], re)
		}
	}
	return &Lexicon{patterns: out}, nil
}

// MatchLabel reports whether text contains a label for field, returning the
// index of the match end (for proximity measurement).
func (l *Lexicon) MatchLabel(field Field, text string) (int, bool) {
	for _, re := range l.patterns[field] {
		if loc := re.FindStringIndex(text); loc != nil {
			return loc[1], true
		}
	}
	return 0, false
}

// LabelStrength scores how specific the matched label text is: exact labels
// like "Invoice #" score 1.0, looser ones ("total") score lower.
func (l *Lexicon) LabelStrength(field Field, text string) float64 {
	end, ok := l.MatchLabel(field, text)
	if !ok {
		return 0
	}
	matched := strings.TrimSpace(text[:end])
	switch {
	case len(matched) >= 8:
		return 1.0
	case len(matched) >= 4:
		return 0.85
	default:
		return 0.7
	}
}
